// Package devbackend is a local stand-in for the remote agent. It accepts
// command uploads, runs a scripted payment flow per session and pushes
// status updates over a websocket, so the sidecar can be exercised without
// a browser-driving backend.
package devbackend

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options configures a Server. Zero values select the defaults noted.
type Options struct {
	Logger *slog.Logger
	// APIKey, when set, is required as a bearer token on every request.
	APIKey string
	// StepDelay separates scripted status updates. Default 300ms.
	StepDelay time.Duration
	// MaxUploadBytes bounds the multipart body. Default 25 MiB.
	MaxUploadBytes int64

	// Transcript is reported as the recognized command.
	Transcript string
	Action     string
	Amount     float64
	Recipient  string

	// Offline makes /command answer 503 as if the actuation system were down.
	Offline bool

	NewSessionID func() string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.StepDelay <= 0 {
		o.StepDelay = 300 * time.Millisecond
	}
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = 25 << 20
	}
	if strings.TrimSpace(o.Transcript) == "" {
		o.Transcript = "Transfer one hundred fifty dollars to Jane Doe, this is critical."
	}
	if strings.TrimSpace(o.Action) == "" {
		o.Action = "wire_transfer"
	}
	if o.Amount == 0 {
		o.Amount = 150.00
	}
	if strings.TrimSpace(o.Recipient) == "" {
		o.Recipient = "Jane Doe"
	}
	if o.NewSessionID == nil {
		o.NewSessionID = uuid.NewString
	}
	return o
}

// Server holds sessions and websocket clients.
type Server struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*run
	clients  map[*client]struct{}
}

// New returns a Server. Close stops every scripted run.
func New(opts Options) *Server {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*run),
		clients:  make(map[*client]struct{}),
	}
}

// Handler routes /command, /events and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/command", s.authorized(http.HandlerFunc(s.handleCommand)))
	mux.Handle("/events", s.authorized(http.HandlerFunc(s.handleEvents)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Close cancels scripted runs, disconnects clients and waits for them.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// DisconnectAll drops every websocket connection without stopping runs.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
}

// Latest returns the last status pushed for sessionID.
func (s *Server) Latest(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return "", false
	}
	return r.latest.status, true
}

func (s *Server) authorized(next http.Handler) http.Handler {
	key := strings.TrimSpace(s.opts.APIKey)
	if key == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) != key {
			writeDetail(w, http.StatusUnauthorized, "Missing or invalid API key.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
