package devbackend

import (
	"sync"
	"time"

	"github.com/vango-go/arvyn/pkg/sidecar/protocol"
)

type frame struct {
	status string
	raw    []byte
}

// run is one scripted agent session.
type run struct {
	id string

	decision chan protocol.Outcome
	halted   chan struct{}
	haltOnce sync.Once

	// sendMu orders pushes and re-pushes so a subscriber never receives
	// an older frame after a newer one.
	sendMu sync.Mutex

	mu       sync.Mutex
	latest   *frame
	awaiting bool
	decided  bool
}

func (s *Server) lookup(sessionID string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

func (s *Server) start(sessionID string) {
	r := &run{
		id:       sessionID,
		decision: make(chan protocol.Outcome, 1),
		halted:   make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[sessionID] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.script(r)
	}()
}

// decide delivers the first decision for a session awaiting approval.
// Repeats and decisions outside the pause are ignored.
func (s *Server) decide(sessionID string, outcome protocol.Outcome) {
	r := s.lookup(sessionID)
	if r == nil {
		s.logger.Warn("decision for unknown session", "session_id", sessionID)
		return
	}
	r.mu.Lock()
	if !r.awaiting || r.decided {
		r.mu.Unlock()
		s.logger.Info("ignoring duplicate or early decision", "session_id", sessionID, "decision", outcome)
		return
	}
	r.decided = true
	r.mu.Unlock()
	s.logger.Info("decision received", "session_id", sessionID, "decision", outcome)
	r.decision <- outcome
}

func (s *Server) halt(sessionID string) {
	r := s.lookup(sessionID)
	if r == nil {
		return
	}
	s.logger.Info("halt requested", "session_id", sessionID)
	r.haltOnce.Do(func() { close(r.halted) })
}

func (s *Server) push(r *run, status protocol.StatusCode, message string, details map[string]any) {
	raw, err := protocol.EncodeStatusUpdate(r.id, string(status), message, details)
	if err != nil {
		s.logger.Error("encode status update", "session_id", r.id, "err", err)
		return
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	r.mu.Lock()
	r.latest = &frame{status: string(status), raw: raw}
	r.mu.Unlock()
	s.broadcast(r.id, raw)
}

// pause waits one step. It reports false when the run must end; a halt has
// already been pushed in that case.
func (s *Server) pause(r *run) bool {
	t := time.NewTimer(s.opts.StepDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.halted:
		s.push(r, protocol.StatusCriticalHalt, "Session halted by user.", nil)
		return false
	case <-s.ctx.Done():
		return false
	}
}

func (s *Server) script(r *run) {
	steps := []struct {
		status  protocol.StatusCode
		message string
		details map[string]any
	}{
		{"ANALYZING", "Analyzing command.", nil},
		{protocol.StatusParsingComplete, "Command parsed.", map[string]any{"transcribed_text": s.opts.Transcript}},
		{"NAVIGATING", "Opening the transfer page.", nil},
	}
	for _, step := range steps {
		if !s.pause(r) {
			return
		}
		s.push(r, step.status, step.message, step.details)
	}
	if !s.pause(r) {
		return
	}

	r.mu.Lock()
	r.awaiting = true
	r.mu.Unlock()
	s.push(r, protocol.StatusAwaitingApproval, "MANDATORY PAUSE: Awaiting explicit user approval.", map[string]any{
		"action":     s.opts.Action,
		"amount":     s.opts.Amount,
		"recipient":  s.opts.Recipient,
		"session_id": r.id,
	})

	var outcome protocol.Outcome
	select {
	case outcome = <-r.decision:
	case <-r.halted:
		s.push(r, protocol.StatusCriticalHalt, "Session halted by user.", nil)
		return
	case <-s.ctx.Done():
		return
	}

	if outcome == protocol.OutcomeCancelled {
		s.push(r, protocol.StatusResuming, "User cancelled.", nil)
		if s.pause(r) {
			s.push(r, protocol.StatusFailure, "User cancelled.", nil)
		}
		return
	}

	s.push(r, protocol.StatusResuming, "User approved. Resuming execution.", nil)
	if !s.pause(r) {
		return
	}
	s.push(r, protocol.StatusExecuting, "Submitting transfer.", nil)
	if !s.pause(r) {
		return
	}
	s.push(r, protocol.StatusSuccess, "Transfer completed.", nil)
}
