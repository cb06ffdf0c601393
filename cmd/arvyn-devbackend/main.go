package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/arvyn/internal/devbackend"
	"github.com/vango-go/arvyn/internal/dotenv"
)

type serveOptions struct {
	addr          string
	shutdownGrace time.Duration
	backend       devbackend.Options
}

type serveDeps struct {
	listen       func(network, addr string) (net.Listener, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
	// ready, when set, receives the bound address once serving starts.
	ready func(addr string)
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		listen: net.Listen,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func serve(ctx context.Context, logger *slog.Logger, opts serveOptions, deps serveDeps) error {
	if deps.listen == nil {
		return errors.New("missing listen dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if opts.shutdownGrace <= 0 {
		opts.shutdownGrace = 5 * time.Second
	}
	opts.backend.Logger = logger

	backend := devbackend.New(opts.backend)
	defer backend.Close()

	ln, err := deps.listen("tcp", opts.addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	httpSrv := &http.Server{Handler: backend.Handler(), ReadHeaderTimeout: 10 * time.Second}

	logger.Info("starting dev backend", "addr", ln.Addr().String())
	if deps.ready != nil {
		deps.ready(ln.Addr().String())
	}

	serveErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	backend.DisconnectAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-serveErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("dev backend stopped")
	return nil
}

func newRootCmd(stderr io.Writer, deps serveDeps) *cobra.Command {
	var opts serveOptions
	var debug bool
	cmd := &cobra.Command{
		Use:           "arvyn-devbackend",
		Short:         "Local stand-in for the arvyn agent backend",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
			return serve(cmd.Context(), logger, opts, deps)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "127.0.0.1:8000", "listen address")
	f.DurationVar(&opts.shutdownGrace, "shutdown-grace", 5*time.Second, "graceful shutdown bound")
	f.StringVar(&opts.backend.APIKey, "api-key", os.Getenv("ARVYN_API_KEY"), "bearer key required from clients")
	f.DurationVar(&opts.backend.StepDelay, "step-delay", 800*time.Millisecond, "delay between scripted status updates")
	f.StringVar(&opts.backend.Transcript, "transcript", "", "recognized command text to report")
	f.StringVar(&opts.backend.Action, "action", "wire_transfer", "action named in the approval request")
	f.Float64Var(&opts.backend.Amount, "amount", 150.00, "amount named in the approval request")
	f.StringVar(&opts.backend.Recipient, "recipient", "Jane Doe", "recipient named in the approval request")
	f.BoolVar(&opts.backend.Offline, "offline", false, "answer every command with 503")
	f.BoolVar(&debug, "debug", false, "debug logging")
	return cmd
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps serveDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := dotenv.LoadFiles(".env"); err != nil {
		fmt.Fprintf(stderr, "arvyn-devbackend: %v\n", err)
		return 1
	}
	cmd := newRootCmd(stderr, deps)
	cmd.SetArgs(args)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "arvyn-devbackend: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultServeDeps()))
}
