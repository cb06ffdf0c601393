package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vango-go/arvyn/internal/devbackend"
	"github.com/vango-go/arvyn/pkg/sidecar/config"
	"github.com/vango-go/arvyn/pkg/sidecar/session"
)

func TestRunMain_SubmitPrintsSessionID(t *testing.T) {
	backend := devbackend.New(devbackend.Options{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewSessionID: func() string { return "abc123" },
	})
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(func() {
		backend.Close()
		srv.Close()
	})
	t.Setenv("ARVYN_SERVER_URL", srv.URL)

	path := filepath.Join(t.TempDir(), "command.wav")
	if err := os.WriteFile(path, []byte("RIFF-not-really"), 0o600); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"submit", path}, strings.NewReader(""), &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exitCode=%d stderr=%q", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "abc123" {
		t.Fatalf("stdout=%q, want abc123", got)
	}
}

func TestRunMain_ReturnsNonZeroOnBadConfig(t *testing.T) {
	t.Setenv("ARVYN_SERVER_URL", "not a url")

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"submit", "missing.wav"}, strings.NewReader(""), &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "ARVYN_SERVER_URL") {
		t.Fatalf("stderr=%q, want config error", stderr.String())
	}
}

func TestAuditRequiresDSN(t *testing.T) {
	t.Setenv("ARVYN_AUDIT_DSN", "")

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"audit"}, strings.NewReader(""), &stdout, &stderr)
	if code != 1 || !strings.Contains(stderr.String(), "ARVYN_AUDIT_DSN") {
		t.Fatalf("exitCode=%d stderr=%q", code, stderr.String())
	}
}

func TestLogLevelFlagOverridesConfig(t *testing.T) {
	t.Parallel()

	a := &app{
		logLevel: "debug",
		stderr:   io.Discard,
		loadConfig: func(string) (config.Config, error) {
			return config.Config{LogLevel: "info", LogFormat: "text"}, nil
		},
	}
	cfg, logger, err := a.load()
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel=%q, want debug", cfg.LogLevel)
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("logger does not emit debug")
	}

	a.logLevel = "chatty"
	if _, _, err := a.load(); err == nil {
		t.Fatalf("load accepted an invalid --log-level")
	}
}

func TestAudioContentType(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"a.wav":  "audio/wav",
		"b.WEBM": "audio/webm",
		"c.ogg":  "audio/ogg",
	}
	for path, want := range cases {
		if got := audioContentType(path); got != want {
			t.Fatalf("audioContentType(%q)=%q, want %q", path, got, want)
		}
	}
}

func TestDispatchRejectsUnknownCommand(t *testing.T) {
	t.Parallel()

	ctrl := session.New(session.Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, session.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ctrl.Run(ctx) }()

	if err := dispatch(ctx, ctrl, "  "); err != nil {
		t.Fatalf("blank line error: %v", err)
	}
	if err := dispatch(ctx, ctrl, "z"); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err=%v, want unknown command", err)
	}
	if err := dispatch(ctx, ctrl, "r"); err == nil {
		t.Fatalf("record succeeded while offline")
	}
	if !isQuit(" Q ") {
		t.Fatalf("isQuit(Q)=false")
	}
}
