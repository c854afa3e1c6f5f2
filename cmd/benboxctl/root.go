package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/drbenjamin/benbox-mcp/pkg/invoker"
	"github.com/drbenjamin/benbox-mcp/pkg/mcpmgr"
)

// app carries the flags and state shared by every subcommand.
type app struct {
	configPath string
	envFile    string
	primaryURL string
	timeout    time.Duration
	logLevel   string
	logJSONRPC bool

	cfg    *mcpmgr.File
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	cmd := &cobra.Command{
		Use:           "benboxctl",
		Short:         "Invoke tools, resources and prompts across BenBox MCP endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.stdout, a.stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()
			return a.setup()
		},
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default: first of "+strings.Join(mcpmgr.DefaultSearchPaths(), ", ")+")")
	flags.StringVar(&a.envFile, "env-file", "", "dotenv file to load before reading the config (default: .env if present)")
	flags.StringVar(&a.primaryURL, "primary", "", "primary endpoint url; used when no config file is found")
	flags.DurationVar(&a.timeout, "timeout", 0, "per-call timeout (default: config timeouts.call or 30s)")
	flags.StringVar(&a.logLevel, "log-level", "", "trace, debug, info, warn or error (default: config log_level)")
	flags.BoolVar(&a.logJSONRPC, "log-jsonrpc", false, "log JSON-RPC traffic at trace level")

	cmd.AddCommand(
		newCallCmd(a),
		newReadCmd(a),
		newPromptCmd(a),
		newRoutesCmd(a),
		newEndpointsCmd(a),
		newServeCmd(a),
	)
	return cmd
}

// setup loads the environment and config and builds the logger.
func (a *app) setup() error {
	if err := loadEnvFile(a.envFile); err != nil {
		return err
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logJSONRPC {
		cfg.LogJSONRPC = true
	}
	if a.timeout > 0 {
		cfg.Timeouts.Call = a.timeout
	}
	level, err := mcpmgr.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if cfg.LogJSONRPC && level > mcpmgr.LevelTrace {
		level = mcpmgr.LevelTrace
	}
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: mcpmgr.ReplaceLogLevelNames,
	}))
	a.cfg = cfg
	return nil
}

func (a *app) loadConfig() (*mcpmgr.File, error) {
	path, findErr := mcpmgr.FindConfig(a.configPath)
	if findErr == nil {
		return mcpmgr.LoadFile(path)
	}
	if a.configPath != "" {
		return nil, findErr
	}
	primary := a.primaryURL
	if primary == "" {
		primary = os.Getenv("BENBOX_PRIMARY_URL")
	}
	if primary == "" {
		return nil, fmt.Errorf("%w; pass --config or --primary", findErr)
	}
	return mcpmgr.ParseFile([]byte(fmt.Sprintf("endpoints:\n  - name: benbox\n    role: primary\n    url: %q\n", primary)))
}

// loadEnvFile loads path, or .env from the working directory when path is
// empty and the file exists. Variables already set are kept.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

// start connects every configured endpoint and prints a notice when some of
// them failed.
func (a *app) start(ctx context.Context, metrics *invoker.Metrics) (*invoker.Invoker, error) {
	inv, report, err := invoker.Start(ctx, a.cfg.Descriptors(), &invoker.Options{
		DefaultTimeout: a.cfg.Timeouts.Call,
		Registry:       a.cfg.RegistryOptions(a.logger),
		Metrics:        metrics,
		Logger:         a.logger,
	})
	if err != nil {
		return nil, err
	}
	if report.Degraded() {
		fmt.Fprintln(a.stderr, degradedNotice(report))
	}
	return inv, nil
}

func degradedNotice(report *mcpmgr.StartupReport) string {
	failed := make([]string, 0, len(report.Failed))
	for _, f := range report.Failed {
		failed = append(failed, fmt.Sprintf("%s (%s: %v)", f.Endpoint.Key(), f.Stage, f.Err))
	}
	return fmt.Sprintf("benboxctl: degraded mode, %d endpoint(s) unavailable: %s", len(failed), strings.Join(failed, "; "))
}

// closeInvoker gives in-flight work a bounded time to finish.
func (a *app) closeInvoker(inv *invoker.Invoker) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inv.Close(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.logger.Warn("benboxctl: close", "error", err)
	}
}
