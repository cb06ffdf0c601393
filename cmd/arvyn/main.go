package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-go/arvyn/internal/dotenv"
	"github.com/vango-go/arvyn/pkg/sidecar/config"
)

// app carries the root flags and the process streams into subcommands.
type app struct {
	configPath string
	logLevel   string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	loadConfig func(path string) (config.Config, error)
}

// load resolves config and applies root flag overrides.
func (a *app) load() (config.Config, *slog.Logger, error) {
	cfg, err := a.loadConfig(a.configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		if _, err := config.ParseLevel(a.logLevel); err != nil {
			return config.Config{}, nil, fmt.Errorf("--log-level: %w", err)
		}
		cfg.LogLevel = a.logLevel
	}
	return cfg, newLogger(a.stderr, cfg.LogLevel, cfg.LogFormat), nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	lvl, _ := config.ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "arvyn",
		Short:         "Voice sidecar for a remote banking agent",
		Long:          "arvyn records spoken commands, submits them to the agent backend and relays the agent's progress and approval requests.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file (ARVYN_* environment variables override it)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug|info|warn|error (overrides ARVYN_LOG_LEVEL)")

	root.AddCommand(
		newRunCmd(a),
		newSubmitCmd(a),
		newAuditCmd(a),
		newMigrateCmd(a),
	)
	return root
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := dotenv.LoadFiles(".env"); err != nil {
		fmt.Fprintf(stderr, "arvyn: %v\n", err)
		return 1
	}

	a := &app{stdin: stdin, stdout: stdout, stderr: stderr, loadConfig: config.Load}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "arvyn: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
