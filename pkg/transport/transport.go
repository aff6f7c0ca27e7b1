// Package transport accepts the executor's byte-stream connection and turns
// it into an ordered event stream for the coordinator. One connection is
// served at a time: the peer must open with Hello carrying the shared secret
// and a compatible protocol version, after which its frames flow until the
// connection drops or goes silent past the heartbeat timeout. A drop emits
// Disconnected and the listener re-arms, waiting for the next Hello.
package transport

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ormasoftchile/piloteer/pkg/protocol"
)

// AuthError reports a rejected handshake. The connection is closed; no
// session state changes.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "handshake rejected: " + e.Reason }

// Event is delivered to the coordinator in arrival order.
type Event interface{ transportEvent() }

// Connected is emitted after a successful handshake.
type Connected struct {
	RemoteAddr string
}

// Received wraps one inbound protocol message.
type Received struct {
	Msg protocol.Message
}

// Disconnected is emitted when the active connection is lost. Reason is the
// read error, heartbeat timeout included.
type Disconnected struct {
	Reason error
}

func (Connected) transportEvent()    {}
func (Received) transportEvent()     {}
func (Disconnected) transportEvent() {}

const (
	defaultOpenTimeout      = 10 * time.Second
	defaultHeartbeatTimeout = 30 * time.Second
)

// Config describes the listening endpoint and its policies.
type Config struct {
	Network string // "unix" or "tcp"
	Address string
	Secret  string

	// OpenTimeout bounds the wait for Hello on a fresh connection.
	OpenTimeout time.Duration
	// HeartbeatTimeout bounds silence on an authenticated connection.
	HeartbeatTimeout time.Duration

	Logger zerolog.Logger
}

// Supervisor owns the listener and the single active connection.
type Supervisor struct {
	cfg      Config
	events   chan Event
	limiter  *rate.Limiter
	listener net.Listener

	mu   sync.Mutex
	conn net.Conn
}

// New prepares a supervisor. Call Listen before Run.
func New(cfg Config) *Supervisor {
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	return &Supervisor{
		cfg:    cfg,
		events: make(chan Event, 64),
		// Failed handshakes are cheap to attempt remotely; cap the rate.
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
	}
}

// Events is the ordered stream consumed by the coordinator. It is closed
// when Run returns.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Listen binds the endpoint. A stale unix socket left by a previous process
// is removed first.
func (s *Supervisor) Listen() error {
	if s.cfg.Network == "unix" {
		if err := os.Remove(s.cfg.Address); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket %s: %w", s.cfg.Address, err)
		}
	}
	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s %s: %w", s.cfg.Network, s.cfg.Address, err)
	}
	s.listener = ln
	s.cfg.Logger.Info().Str("network", s.cfg.Network).Str("address", ln.Addr().String()).Msg("transport listening")
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (s *Supervisor) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run serves connections until the context is cancelled. Connections are
// handled one at a time; while one executor is attached, no other handshake
// is admitted.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("transport: Run called before Listen")
	}
	defer close(s.events)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		return s.listener.Close()
	})
	g.Go(func() error {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accepting connection: %w", err)
			}
			if !s.limiter.Allow() {
				s.cfg.Logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("handshake rate limit, dropping connection")
				conn.Close()
				continue
			}
			s.serve(ctx, conn)
		}
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// serve authenticates one connection and pumps its frames into the event
// stream. It returns when the connection is gone; the caller re-arms by
// accepting the next one.
func (s *Supervisor) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.cfg.Logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	if err := s.handshake(conn); err != nil {
		log.Warn().Err(err).Msg("handshake failed")
		return
	}
	log.Info().Msg("executor connected")

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	if !s.emit(ctx, Connected{RemoteAddr: conn.RemoteAddr().String()}) {
		return
	}

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
		msg, err := protocol.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			reason := err
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				reason = fmt.Errorf("heartbeat timeout after %s: %w", s.cfg.HeartbeatTimeout, err)
			}
			log.Warn().Err(reason).Msg("connection lost")
			s.emit(ctx, Disconnected{Reason: reason})
			return
		}
		if _, ok := msg.(*protocol.Hello); ok {
			// Hello is only valid as the first frame.
			reason := &protocol.ProtocolError{Kind: protocol.KindMalformed, Msg: "unexpected hello on established connection"}
			log.Warn().Err(reason).Msg("closing connection")
			s.emit(ctx, Disconnected{Reason: reason})
			return
		}
		if !s.emit(ctx, Received{Msg: msg}) {
			return
		}
	}
}

// handshake enforces the Hello-first rule: shared secret (compared in
// constant time) and protocol version, inside the open timeout.
func (s *Supervisor) handshake(conn net.Conn) error {
	conn.SetReadDeadline(time.Now().Add(s.cfg.OpenTimeout))
	msg, err := protocol.ReadFrame(conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return &AuthError{Reason: "no hello within open timeout"}
		}
		return fmt.Errorf("reading hello: %w", err)
	}
	hello, ok := msg.(*protocol.Hello)
	if !ok {
		return &AuthError{Reason: fmt.Sprintf("first message was %s, want hello", protocol.TypeOf(msg))}
	}
	if hello.Version != protocol.Version {
		return &protocol.ProtocolError{
			Kind: protocol.KindVersionMismatch,
			Msg:  fmt.Sprintf("peer version %d, want %d", hello.Version, protocol.Version),
		}
	}
	if subtle.ConstantTimeCompare([]byte(hello.Secret), []byte(s.cfg.Secret)) != 1 {
		return &AuthError{Reason: "secret mismatch"}
	}
	return nil
}

// emit delivers an event unless the context is cancelled first.
func (s *Supervisor) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Send writes an outbound message to the active connection. It fails when
// no executor is attached.
func (s *Supervisor) Send(m protocol.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("transport: no active connection")
	}
	if err := protocol.WriteFrame(conn, m); err != nil {
		return fmt.Errorf("sending %s: %w", protocol.TypeOf(m), err)
	}
	return nil
}
