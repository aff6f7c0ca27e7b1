// Package main provides the piloteer binary, the interactive controller
// for remote automation runs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/piloteer/pkg/advisor"
	"github.com/ormasoftchile/piloteer/pkg/config"
	"github.com/ormasoftchile/piloteer/pkg/coordinator"
	pmcp "github.com/ormasoftchile/piloteer/pkg/mcp"
	"github.com/ormasoftchile/piloteer/pkg/query"
	"github.com/ormasoftchile/piloteer/pkg/quota"
	"github.com/ormasoftchile/piloteer/pkg/repl"
	"github.com/ormasoftchile/piloteer/pkg/session"
	"github.com/ormasoftchile/piloteer/pkg/transport"
)

var version = "dev"

var (
	cfgFile       string
	runBreakpoint string
	runListen     string
	queryOutput   string
)

func main() {
	config.LoadDotEnv() // load .env file if present (gitignored)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "piloteer",
	Short: "Interactive controller for remote automation runs",
	Long:  "piloteer keeps a human in the loop of a remote automation run: it freezes on failures, lets the operator inspect and patch state, asks an advisory service for fixes, and archives queryable session snapshots.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/piloteer/piloteer.yaml)")

	runCmd.Flags().StringVar(&runBreakpoint, "breakpoint", "", "freeze when this expression is true for a completed task")
	runCmd.Flags().StringVar(&runListen, "listen", "", "listen address, network:address (overrides config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(mcpCmd)
}

// newLogger builds the console logger at the configured level.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// newAdvisor builds the advisory client, or nil when no API key is set.
func newAdvisor(cfg *config.Config, logger zerolog.Logger) advisor.Advisor {
	if cfg.Advisor.APIKey == "" {
		return nil
	}
	return &advisor.Client{
		BaseURL: cfg.Advisor.BaseURL,
		APIKey:  cfg.Advisor.APIKey,
		Model:   cfg.Advisor.Model,
		Logger:  logger,
	}
}

// newTracker opens the quota ledger with the configured daily limits.
func newTracker(cfg *config.Config) (*quota.Tracker, error) {
	return quota.Load(cfg.Quota.LedgerPath, quota.Limits{
		Tokens:  cfg.Quota.TokensPerDay,
		CostUSD: cfg.Quota.CostPerDay,
	})
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the controller and wait for a runner to connect",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if runListen != "" {
		network, address, ok := strings.Cut(runListen, ":")
		if !ok {
			return fmt.Errorf("invalid --listen %q, want network:address", runListen)
		}
		cfg.Listen = config.ListenConfig{Network: network, Address: address}
	}
	if runBreakpoint != "" {
		cfg.Breakpoint = runBreakpoint
	}
	logger := newLogger(cfg)

	tracker, err := newTracker(cfg)
	if err != nil {
		return err
	}

	sess := session.New()
	sess.Quota = tracker.Ledger()

	sup := transport.New(transport.Config{
		Network:          cfg.Listen.Network,
		Address:          cfg.Listen.Address,
		Secret:           cfg.Secret,
		OpenTimeout:      cfg.OpenTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Logger:           logger,
	})
	if err := sup.Listen(); err != nil {
		return err
	}

	coord, err := coordinator.New(coordinator.Config{
		Session:    sess,
		Events:     sup.Events(),
		Transport:  sup,
		Advisor:    newAdvisor(cfg, logger),
		Quota:      tracker,
		Breakpoint: cfg.Breakpoint,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info().
		Str("network", cfg.Listen.Network).
		Str("address", cfg.Listen.Address).
		Msg("waiting for runner")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return coord.Run(gctx) })

	replErr := repl.New(coord).Run(gctx)
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("shutdown")
	}
	if replErr != nil {
		return replErr
	}

	return archive(cfg, sess)
}

// archive writes the final snapshot into the session directory.
func archive(cfg *config.Config, sess *session.Session) error {
	if err := os.MkdirAll(cfg.SessionDir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(cfg.SessionDir, pmcp.SnapshotName(sess))
	if err := sess.SaveFile(path); err != nil {
		return err
	}
	fmt.Printf("session saved to %s\n", path)
	return nil
}

// --- replay ---

var replayCmd = &cobra.Command{
	Use:   "replay <snapshot>",
	Short: "Load a session snapshot into a read-only query console",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	sess, err := session.LoadFile(args[0])
	if err != nil {
		return err
	}

	// Advisory calls still work in replay, so post-mortems can ask about
	// failures that were never analyzed during the live run.
	tracker, err := newTracker(cfg)
	if err != nil {
		return err
	}

	coord := coordinator.NewReplay(sess, newAdvisor(cfg, logger), tracker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })

	replErr := repl.New(coord).Run(gctx)
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("shutdown")
	}
	return replErr
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <snapshot> <expression>",
	Short: "Run one query expression against a snapshot and print the result",
	Args:  cobra.ExactArgs(2),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryOutput, "output", "o", "json", "output format: json, yaml or raw")
}

func runQuery(cmd *cobra.Command, args []string) error {
	sess, err := session.LoadFile(args[0])
	if err != nil {
		return err
	}
	doc, err := sess.View()
	if err != nil {
		return err
	}
	result, err := query.Search(args[1], doc)
	if err != nil {
		return err
	}

	switch queryOutput {
	case "json":
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(result)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	case "raw":
		if s, ok := result.(string); ok {
			fmt.Println(s)
			break
		}
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	default:
		return fmt.Errorf("unknown output format %q", queryOutput)
	}
	return nil
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List archived session snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(cfg.SessionDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("no session snapshots in %s\n", cfg.SessionDir)
			return nil
		}
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json.gz") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		fmt.Printf("no session snapshots in %s\n", cfg.SessionDir)
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

// --- quota ---

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show advisory token and cost usage",
	Args:  cobra.NoArgs,
	RunE:  runQuota,
}

func runQuota(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	tracker, err := newTracker(cfg)
	if err != nil {
		return err
	}

	ledger := tracker.Ledger()
	tokensAll, costAll := tracker.Totals()

	fmt.Printf("Today:    %d tokens, $%.4f\n", ledger.TokensUsed, ledger.CostUsed)
	fmt.Printf("All-time: %d tokens, $%.4f\n", tokensAll, costAll)
	if ledger.TokenLimit != nil {
		fmt.Printf("Token limit: %d/day\n", *ledger.TokenLimit)
	}
	if ledger.CostLimit != nil {
		fmt.Printf("Cost limit:  $%.2f/day\n", *ledger.CostLimit)
	}
	if ledger.TokenLimit == nil && ledger.CostLimit == nil {
		fmt.Println("No daily limits configured.")
	}
	return nil
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Export the JSON Schema of a session snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := session.GenerateJSONSchema()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve piloteer tools over MCP on stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.ServeStdio(pmcp.NewServer(version))
	},
}
