package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ormasoftchile/piloteer/pkg/protocol"
)

func startSupervisor(t *testing.T, cfg Config) (*Supervisor, context.CancelFunc) {
	t.Helper()
	cfg.Network = "tcp"
	cfg.Address = "127.0.0.1:0"
	s := New(cfg)
	if err := s.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, cancel
}

func dial(t *testing.T, s *Supervisor) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendHello(t *testing.T, conn net.Conn, secret string) {
	t.Helper()
	if err := protocol.WriteFrame(conn, &protocol.Hello{Secret: secret, Version: protocol.Version}); err != nil {
		t.Fatalf("writing hello: %v", err)
	}
}

func waitEvent(t *testing.T, s *Supervisor) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// TestHandshakeAndMessageFlow verifies the happy path: Hello, Connected,
// then frames delivered in order.
func TestHandshakeAndMessageFlow(t *testing.T) {
	s, _ := startSupervisor(t, Config{Secret: "s3cret"})
	conn := dial(t, s)
	sendHello(t, conn, "s3cret")

	if _, ok := waitEvent(t, s).(Connected); !ok {
		t.Fatal("expected Connected event")
	}

	messages := []protocol.Message{
		&protocol.TaskStart{Name: "Install nginx", Host: "web1"},
		&protocol.TaskResult{Name: "Install nginx", Host: "web1", Changed: true},
	}
	for _, m := range messages {
		if err := protocol.WriteFrame(conn, m); err != nil {
			t.Fatalf("writing frame: %v", err)
		}
	}
	for i, want := range messages {
		ev := waitEvent(t, s)
		recv, ok := ev.(Received)
		if !ok {
			t.Fatalf("event %d: expected Received, got %T", i, ev)
		}
		if protocol.TypeOf(recv.Msg) != protocol.TypeOf(want) {
			t.Errorf("event %d: got %s, want %s", i, protocol.TypeOf(recv.Msg), protocol.TypeOf(want))
		}
	}
}

// TestBadSecretRejected verifies a wrong secret closes the connection with
// no Connected event, leaving the supervisor ready for the next peer.
func TestBadSecretRejected(t *testing.T) {
	s, _ := startSupervisor(t, Config{Secret: "s3cret"})

	bad := dial(t, s)
	sendHello(t, bad, "wrong")
	bad.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := protocol.ReadFrame(bad); err == nil {
		t.Fatal("expected rejected connection to close")
	}

	good := dial(t, s)
	sendHello(t, good, "s3cret")
	if _, ok := waitEvent(t, s).(Connected); !ok {
		t.Fatal("expected Connected after a rejected peer")
	}
}

// TestHelloTimeout verifies a silent connection is dropped at the open
// timeout without emitting events.
func TestHelloTimeout(t *testing.T) {
	s, _ := startSupervisor(t, Config{Secret: "s3cret", OpenTimeout: 100 * time.Millisecond})

	silent := dial(t, s)
	silent.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := silent.Read(buf); err == nil {
		t.Fatal("expected connection to close after open timeout")
	}

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %T before any handshake", ev)
	default:
	}
}

// TestVersionMismatchRejected verifies an incompatible peer version is
// refused at handshake.
func TestVersionMismatchRejected(t *testing.T) {
	s, _ := startSupervisor(t, Config{Secret: "s3cret"})

	conn := dial(t, s)
	if err := protocol.WriteFrame(conn, &protocol.Hello{Secret: "s3cret", Version: protocol.Version + 1}); err != nil {
		t.Fatalf("writing hello: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := protocol.ReadFrame(conn); err == nil {
		t.Fatal("expected rejected connection to close")
	}
}

// TestHeartbeatTimeoutDisconnects verifies silence past the heartbeat
// timeout emits Disconnected and re-arms the listener.
func TestHeartbeatTimeoutDisconnects(t *testing.T) {
	s, _ := startSupervisor(t, Config{Secret: "s3cret", HeartbeatTimeout: 150 * time.Millisecond})

	conn := dial(t, s)
	sendHello(t, conn, "s3cret")
	if _, ok := waitEvent(t, s).(Connected); !ok {
		t.Fatal("expected Connected")
	}

	ev := waitEvent(t, s)
	disc, ok := ev.(Disconnected)
	if !ok {
		t.Fatalf("expected Disconnected, got %T", ev)
	}
	if !strings.Contains(disc.Reason.Error(), "heartbeat timeout") {
		t.Errorf("reason = %v, want heartbeat timeout", disc.Reason)
	}

	// The supervisor re-arms: a fresh handshake attaches again.
	again := dial(t, s)
	sendHello(t, again, "s3cret")
	if _, ok := waitEvent(t, s).(Connected); !ok {
		t.Fatal("expected Connected after re-arm")
	}
}

// TestHeartbeatKeepsConnectionAlive verifies periodic Heartbeat frames hold
// the connection open past the timeout window.
func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	s, _ := startSupervisor(t, Config{Secret: "s3cret", HeartbeatTimeout: 200 * time.Millisecond})

	conn := dial(t, s)
	sendHello(t, conn, "s3cret")
	if _, ok := waitEvent(t, s).(Connected); !ok {
		t.Fatal("expected Connected")
	}

	for i := 0; i < 4; i++ {
		time.Sleep(80 * time.Millisecond)
		if err := protocol.WriteFrame(conn, &protocol.Heartbeat{}); err != nil {
			t.Fatalf("writing heartbeat: %v", err)
		}
		ev := waitEvent(t, s)
		if _, ok := ev.(Received); !ok {
			t.Fatalf("expected Received heartbeat, got %T", ev)
		}
	}
}

// TestPeerCloseDisconnects verifies a clean peer close surfaces as
// Disconnected, preserving the re-arm cycle.
func TestPeerCloseDisconnects(t *testing.T) {
	s, _ := startSupervisor(t, Config{Secret: "s3cret"})

	conn := dial(t, s)
	sendHello(t, conn, "s3cret")
	if _, ok := waitEvent(t, s).(Connected); !ok {
		t.Fatal("expected Connected")
	}
	conn.Close()

	ev := waitEvent(t, s)
	if _, ok := ev.(Disconnected); !ok {
		t.Fatalf("expected Disconnected, got %T", ev)
	}
}

// TestSend verifies outbound control frames reach the peer and that Send
// fails with no executor attached.
func TestSend(t *testing.T) {
	s, _ := startSupervisor(t, Config{Secret: "s3cret"})

	if err := s.Send(&protocol.Control{Cmd: protocol.ControlCommand{Command: protocol.CmdContinue, Host: "web1"}}); err == nil {
		t.Fatal("expected Send to fail with no connection")
	}

	conn := dial(t, s)
	sendHello(t, conn, "s3cret")
	if _, ok := waitEvent(t, s).(Connected); !ok {
		t.Fatal("expected Connected")
	}

	if err := s.Send(&protocol.Control{Cmd: protocol.ControlCommand{Command: protocol.CmdRetry, Host: "web1"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("reading control frame: %v", err)
	}
	ctrl, ok := msg.(*protocol.Control)
	if !ok {
		t.Fatalf("got %T, want Control", msg)
	}
	if ctrl.Cmd.Command != protocol.CmdRetry || ctrl.Cmd.Host != "web1" {
		t.Errorf("unexpected control: %+v", ctrl.Cmd)
	}
}

// TestMidStreamHelloDisconnects verifies a second Hello on an established
// connection is treated as a protocol violation.
func TestMidStreamHelloDisconnects(t *testing.T) {
	s, _ := startSupervisor(t, Config{Secret: "s3cret"})

	conn := dial(t, s)
	sendHello(t, conn, "s3cret")
	if _, ok := waitEvent(t, s).(Connected); !ok {
		t.Fatal("expected Connected")
	}
	sendHello(t, conn, "s3cret")

	ev := waitEvent(t, s)
	disc, ok := ev.(Disconnected)
	if !ok {
		t.Fatalf("expected Disconnected, got %T", ev)
	}
	var pe *protocol.ProtocolError
	if !errors.As(disc.Reason, &pe) {
		t.Errorf("reason = %v, want ProtocolError", disc.Reason)
	}
}
