package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/arvyn/internal/cue"
	"github.com/vango-go/arvyn/pkg/sidecar/audit"
	"github.com/vango-go/arvyn/pkg/sidecar/capture"
	"github.com/vango-go/arvyn/pkg/sidecar/channel"
	"github.com/vango-go/arvyn/pkg/sidecar/config"
	"github.com/vango-go/arvyn/pkg/sidecar/metrics"
	"github.com/vango-go/arvyn/pkg/sidecar/present"
	"github.com/vango-go/arvyn/pkg/sidecar/session"
	"github.com/vango-go/arvyn/pkg/sidecar/submit"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the interactive sidecar",
		Long: "Connects to the agent and reads one-letter commands from stdin:\n" +
			"  r record, s stop and send, a approve, c cancel, h halt, x reset, q quit",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			return runSidecar(cmd.Context(), cfg, logger, a.stdin, a.stdout)
		},
	}
}

func buildDevice(cfg config.Config) capture.Device {
	if cfg.CaptureBackend == config.CaptureMalgo {
		return &capture.MalgoDevice{SampleRate: cfg.CaptureSampleRate, Channels: 1}
	}
	return &capture.FFmpegDevice{Input: cfg.CaptureDevice, SampleRate: cfg.CaptureSampleRate}
}

func openLedger(ctx context.Context, cfg config.Config, logger *slog.Logger) (audit.Ledger, func(), error) {
	if strings.TrimSpace(cfg.AuditDSN) == "" {
		logger.Info("decision ledger kept in memory")
		return audit.NewMemoryLedger(), func() {}, nil
	}
	pg, err := audit.OpenPostgres(ctx, cfg.AuditDSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func buildCue(cfg config.Config, logger *slog.Logger) present.Cue {
	if !cfg.ApprovalCue {
		return cue.Nop{}
	}
	tone, err := cue.NewTone(logger)
	if err != nil {
		logger.Warn("approval cue disabled", "err", err)
		return cue.Nop{}
	}
	return tone
}

func startMetricsServer(addr string, m *metrics.Metrics, logger *slog.Logger) func() {
	if strings.TrimSpace(addr) == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "err", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func runSidecar(ctx context.Context, cfg config.Config, logger *slog.Logger, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New("arvyn")
	stopMetrics := startMetricsServer(cfg.MetricsAddr, m, logger)
	defer stopMetrics()

	ledger, closeLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	wsURL, err := channel.WebSocketURL(cfg.ServerURL, cfg.EventsPath)
	if err != nil {
		return err
	}

	var ctrl *session.Controller
	recorder := capture.NewService(buildDevice(cfg), capture.Options{
		LockPath:    cfg.CaptureLockPath,
		MaxDuration: cfg.CaptureMaxDuration,
		Logger:      logger,
		OnLimit: func() {
			logger.Info("recording reached max duration; sending")
			if err := ctrl.StopCapture(ctx); err != nil {
				logger.Warn("auto stop failed", "err", err)
			}
		},
	})

	submitter := submit.New(cfg.ServerURL, cfg.APIKey, cfg.SubmitTimeout)
	submitter.Path = cfg.CommandPath
	submitter.MaxUploadBytes = cfg.MaxUploadBytes

	ctrl = session.New(session.Deps{
		Capture:   recorder,
		Submitter: submitter,
		Ledger:    ledger,
		Metrics:   m,
		Logger:    logger,
	}, session.Options{
		StaleSessionRetention: cfg.StaleSessionRetention,
		ErrorResetAfter:       cfg.ErrorResetAfter,
	})

	ch := channel.New(channel.Config{
		URL:               wsURL,
		APIKey:            cfg.APIKey,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectInitial:  cfg.ReconnectInitial,
		ReconnectMax:      cfg.ReconnectMax,
		DialTimeout:       cfg.DialTimeout,
		PingInterval:      cfg.PingInterval,
		PongTimeout:       cfg.PongTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		MaxMessageBytes:   cfg.MaxMessageBytes,
	}, ctrl, logger, m)
	ctrl.AttachSender(ch)

	term := present.NewTerminal(stdout, buildCue(cfg, logger))

	logger.Info("starting sidecar", "server", cfg.ServerURL, "capture", cfg.CaptureBackend)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = ctrl.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := ch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("agent channel stopped", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		term.Run(ctx, ctrl.Updates())
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			recorder.Abort()
			wg.Wait()
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				cancel()
				continue
			}
			if isQuit(line) {
				cancel()
				continue
			}
			if err := dispatch(ctx, ctrl, line); err != nil {
				fmt.Fprintf(stdout, "  ! %v\n", err)
			}
		}
	}
}

func isQuit(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), "q")
}

// dispatch maps one input line onto a controller gesture.
func dispatch(ctx context.Context, ctrl *session.Controller, line string) error {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return nil
	case "r":
		return ctrl.StartCapture(ctx)
	case "s":
		return ctrl.StopCapture(ctx)
	case "a":
		return ctrl.Approve(ctx, "")
	case "c":
		return ctrl.Cancel(ctx, "")
	case "h":
		return ctrl.Halt(ctx)
	case "x":
		return ctrl.Reset(ctx)
	default:
		return fmt.Errorf("unknown command %q", strings.TrimSpace(line))
	}
}
