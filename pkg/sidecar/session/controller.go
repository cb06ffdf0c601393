// Package session implements the sidecar state machine: it owns the current
// session identity, interprets agent status events, runs the approval gate
// and composes capture, upload and channel results into one ordered stream
// of transitions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/arvyn/pkg/sidecar/audit"
	"github.com/vango-go/arvyn/pkg/sidecar/capture"
	"github.com/vango-go/arvyn/pkg/sidecar/metrics"
	"github.com/vango-go/arvyn/pkg/sidecar/protocol"
)

var (
	// ErrStopped is returned by inputs posted after Run has returned.
	ErrStopped = errors.New("session controller stopped")
	// ErrNotReady is returned when a gesture is not valid in the current
	// state. State is unchanged.
	ErrNotReady = errors.New("gesture not valid in current state")
	// ErrOffline is returned by StartCapture while the agent link is down.
	ErrOffline = errors.New("agent link is offline")
	// ErrNotRecording is returned by StopCapture when nothing is recording.
	ErrNotRecording = errors.New("not recording")
	// ErrNoSession is returned by Halt when no session is current.
	ErrNoSession = errors.New("no current session")
)

// Recorder is the audio capture surface the controller drives.
type Recorder interface {
	Start(ctx context.Context) error
	Stop() (capture.Unit, error)
	Abort()
}

// Submitter uploads one finalized recording.
type Submitter interface {
	Submit(ctx context.Context, unit capture.Unit) (string, error)
}

// Sender carries fire-and-forget frames to the agent.
type Sender interface {
	SendDecision(d protocol.Decision) error
	SendHalt(sessionID string) error
	Subscribe(sessionID string) error
}

// Deps are the collaborators a Controller composes.
type Deps struct {
	Capture   Recorder
	Submitter Submitter
	Sender    Sender
	Ledger    audit.Ledger
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Options tune controller timing.
type Options struct {
	// StaleSessionRetention is how long a superseded session id is kept so
	// its late events are dropped rather than adopted.
	StaleSessionRetention time.Duration
	// ErrorResetAfter returns ERROR_MIC and ERROR_SUBMIT to IDLE after this
	// long. Zero leaves them until Reset.
	ErrorResetAfter time.Duration
}

// Snapshot is the externally visible controller state.
type Snapshot struct {
	Status    protocol.StatusCode
	Link      protocol.StatusCode
	SessionID string
	Message   string
	// Phase is the agent's raw phase when it was folded into Status.
	Phase      string
	Transcript string

	// Pending is set while the approval gate is open.
	Pending *ApprovalRequest
	// AwaitingReconcile is set while an approval must be re-confirmed by the
	// agent before the halt can clear.
	AwaitingReconcile bool
	HaltRequested     bool

	UpdatedAt time.Time
	Seq       uint64
}

// Controller is the session state machine. All transitions run on the Run
// goroutine; every public method posts an input and waits for it to be
// processed.
type Controller struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	inbox   chan func()
	stopped chan struct{}
	runOnce sync.Once
	bg      sync.WaitGroup
	runCtx  context.Context

	snapMu  sync.RWMutex
	snap    Snapshot
	updates chan Snapshot

	// Loop-owned state.
	status        protocol.StatusCode
	link          protocol.StatusCode
	sessionID     string
	message       string
	phase         string
	transcript    string
	haltRequested bool
	lastEvent     time.Time
	seq           uint64

	gate gate

	stale map[string]time.Time

	capturing     bool
	captureBusy   bool
	captureGen    uint64
	captureBegan  time.Time
	uploadGen     uint64
	resetGen      uint64
	connectedOnce bool
}

// New returns a Controller in IDLE with the link OFFLINE.
func New(deps Deps, opts Options) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.StaleSessionRetention <= 0 {
		opts.StaleSessionRetention = 5 * time.Minute
	}
	c := &Controller{
		deps:    deps,
		opts:    opts,
		logger:  logger,
		inbox:   make(chan func(), 64),
		stopped: make(chan struct{}),
		updates: make(chan Snapshot, 16),
		status:  protocol.StatusIdle,
		link:    protocol.StatusOffline,
		stale:   make(map[string]time.Time),
	}
	c.snap = c.buildSnapshot()
	return c
}

// AttachSender sets the outbound channel. It must be called before Run.
func (c *Controller) AttachSender(s Sender) {
	c.deps.Sender = s
}

// Run processes inputs until ctx is done. It waits for in-flight uploads
// and ledger writes before returning.
func (c *Controller) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("session controller already running")
	}
	c.runCtx = ctx
	c.publish()
	defer func() {
		close(c.stopped)
		c.bg.Wait()
	}()
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Snapshot returns the latest published state.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Updates yields published snapshots. Delivery is best effort; a slow
// reader sees the latest state rather than every intermediate one.
func (c *Controller) Updates() <-chan Snapshot {
	return c.updates
}

// post runs fn on the loop and waits for it to finish.
func (c *Controller) post(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case c.inbox <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		// Run executes fn synchronously, so done may already be closed.
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// goBackground runs fn off the loop and posts its completion back with
// postResult.
func (c *Controller) goBackground(fn func()) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn()
	}()
}

// postAsync posts a completion from a background goroutine. It is dropped
// once the controller has stopped.
func (c *Controller) postAsync(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.stopped:
	}
}

func (c *Controller) now() time.Time {
	return c.deps.Now()
}

// ---- user gestures ----

// StartCapture acquires the input device and enters RECORDING. A device
// failure moves to ERROR_MIC and is returned; the current session and the
// approval gate are untouched.
func (c *Controller) StartCapture(ctx context.Context) error {
	result := make(chan error, 1)
	if err := c.post(ctx, func() { c.startCapture(result) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

func (c *Controller) startCapture(result chan<- error) {
	switch {
	case c.capturing || c.captureBusy:
		result <- capture.ErrCaptureActive
		return
	case c.link != protocol.StatusOnline:
		result <- ErrOffline
		return
	case !c.captureReady():
		result <- ErrNotReady
		return
	}
	if c.deps.Capture == nil {
		c.fail(protocol.StatusErrorMic, "No capture device configured.")
		result <- &capture.DeviceError{Err: errors.New("no capture device configured")}
		return
	}

	c.captureBusy = true
	c.captureGen++
	gen := c.captureGen
	ctx := c.runCtx
	c.goBackground(func() {
		err := c.deps.Capture.Start(ctx)
		c.postAsync(func() { c.captureStarted(gen, err, result) })
	})
}

func (c *Controller) captureStarted(gen uint64, err error, result chan<- error) {
	c.captureBusy = false
	if gen != c.captureGen || !c.captureReady() || c.link != protocol.StatusOnline {
		if err == nil {
			c.abortCapture()
		}
		result <- ErrNotReady
		return
	}
	if err != nil {
		c.logger.Warn("capture start failed", "err", err)
		c.fail(protocol.StatusErrorMic, "Microphone unavailable: "+err.Error())
		result <- err
		return
	}

	if c.sessionID != "" {
		c.markStale(c.sessionID)
	}
	c.sessionID = ""
	c.transcript = ""
	c.phase = ""
	c.haltRequested = false
	c.gate.resolve()
	c.capturing = true
	c.captureBegan = c.now()
	c.transition(protocol.StatusRecording, "Listening…")
	result <- nil
}

// captureReady reports whether a new recording may start.
func (c *Controller) captureReady() bool {
	switch c.status {
	case protocol.StatusIdle, protocol.StatusErrorMic, protocol.StatusErrorSubmit,
		protocol.StatusSuccess, protocol.StatusFailure:
		return true
	default:
		return false
	}
}

func (c *Controller) abortCapture() {
	recorder := c.deps.Capture
	if recorder == nil {
		return
	}
	c.goBackground(recorder.Abort)
}

// StopCapture finalizes the recording and starts the upload. It returns once
// the recording is finalized; the upload result arrives later.
func (c *Controller) StopCapture(ctx context.Context) error {
	result := make(chan error, 1)
	if err := c.post(ctx, func() { c.stopCapture(result) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

func (c *Controller) stopCapture(result chan<- error) {
	if !c.capturing || c.status != protocol.StatusRecording {
		result <- ErrNotRecording
		return
	}
	c.capturing = false
	c.captureBusy = true
	gen := c.captureGen
	c.goBackground(func() {
		unit, err := c.deps.Capture.Stop()
		c.postAsync(func() { c.captureFinished(gen, unit, err, result) })
	})
}

func (c *Controller) captureFinished(gen uint64, unit capture.Unit, err error, result chan<- error) {
	c.captureBusy = false
	if gen != c.captureGen || c.status != protocol.StatusRecording {
		c.logger.Info("discarding recording finished after halt")
		result <- ErrNotReady
		return
	}
	if err != nil {
		c.logger.Warn("capture finalize failed", "err", err)
		c.fail(protocol.StatusErrorMic, "Recording failed: "+err.Error())
		result <- err
		return
	}
	if unit.Empty() {
		c.fail(protocol.StatusErrorMic, "No audio captured.")
		result <- errors.New("no audio captured")
		return
	}
	c.deps.Metrics.RecordCapture(unit.Duration)
	c.transition(protocol.StatusUploading, "Uploading command…")
	c.submit(unit)
	result <- nil
}

func (c *Controller) submit(unit capture.Unit) {
	c.uploadGen++
	gen := c.uploadGen
	submitter := c.deps.Submitter
	ctx := c.runCtx
	c.goBackground(func() {
		started := time.Now()
		var id string
		var err error
		if submitter == nil {
			err = errors.New("no submitter configured")
		} else {
			id, err = submitter.Submit(ctx, unit)
		}
		resultLabel := "ok"
		if err != nil {
			resultLabel = "error"
		}
		c.deps.Metrics.RecordUpload(resultLabel, time.Since(started))
		c.postAsync(func() { c.submitResult(gen, id, err) })
	})
}

func (c *Controller) submitResult(gen uint64, sessionID string, err error) {
	if gen != c.uploadGen {
		return
	}
	if err != nil {
		c.logger.Warn("command upload failed", "err", err)
		if c.status == protocol.StatusUploading {
			c.fail(protocol.StatusErrorSubmit, "Upload failed: "+err.Error())
		}
		return
	}

	sessionID = strings.TrimSpace(sessionID)
	delete(c.stale, sessionID)
	if c.sessionID != "" && c.sessionID != sessionID {
		// An event for another session was adopted while uploading.
		c.markStale(c.sessionID)
		c.gate.resolve()
		if c.status != protocol.StatusCriticalHalt {
			c.status = protocol.StatusUploading
		}
	}
	c.sessionID = sessionID
	c.logger.Info("session adopted", "session_id", sessionID)
	if c.status == protocol.StatusUploading {
		c.message = "Command accepted."
	}
	c.subscribe()
	c.publish()
}

func (c *Controller) subscribe() {
	if c.sessionID == "" || c.deps.Sender == nil || c.link != protocol.StatusOnline {
		return
	}
	if err := c.deps.Sender.Subscribe(c.sessionID); err != nil {
		c.logger.Warn("subscribe failed", "session_id", c.sessionID, "err", err)
	}
}

// Approve ratifies the pending request for sessionID. An empty sessionID
// means whichever session is pending. Calls that are not valid for the
// gate return an error and emit nothing.
func (c *Controller) Approve(ctx context.Context, sessionID string) error {
	return c.decideFromUser(ctx, sessionID, protocol.OutcomeApproved)
}

// Cancel rejects the pending request for sessionID.
func (c *Controller) Cancel(ctx context.Context, sessionID string) error {
	return c.decideFromUser(ctx, sessionID, protocol.OutcomeCancelled)
}

func (c *Controller) decideFromUser(ctx context.Context, sessionID string, outcome protocol.Outcome) error {
	var result error
	if err := c.post(ctx, func() { result = c.decide(strings.TrimSpace(sessionID), outcome) }); err != nil {
		return err
	}
	return result
}

func (c *Controller) decide(sessionID string, outcome protocol.Outcome) error {
	req, err := c.gate.decide(sessionID, outcome)
	if err != nil {
		c.deps.Metrics.RecordDropped("stray_decision")
		c.logger.Debug("ignoring decision", "session_id", sessionID, "outcome", outcome, "err", err)
		return err
	}

	delivered := true
	message := "Approved. Resuming…"
	if outcome == protocol.OutcomeCancelled {
		message = "Cancelled. Resuming…"
	}
	if c.deps.Sender == nil {
		delivered = false
	} else if sendErr := c.deps.Sender.SendDecision(protocol.Decision{SessionID: req.SessionID, Outcome: outcome}); sendErr != nil {
		c.logger.Warn("decision send failed", "session_id", req.SessionID, "err", sendErr)
		delivered = false
	}
	if !delivered {
		c.gate.markUndelivered()
		message = "Decision could not be delivered; the agent must confirm before continuing."
	}

	c.deps.Metrics.RecordDecision(string(outcome), delivered, c.now().Sub(req.OpenedAt))
	c.record(audit.Entry{
		SessionID: req.SessionID,
		Kind:      audit.KindDecision,
		Outcome:   string(outcome),
		Delivered: delivered,
		Action:    req.Details.Action,
		Amount:    req.Details.Amount,
		Recipient: req.Details.Recipient,
	})
	c.logger.Info("decision emitted", "session_id", req.SessionID, "outcome", outcome, "delivered", delivered)
	c.transition(protocol.StatusResuming, message)
	return nil
}

// Halt asks the agent to stop the current session. Local status is not
// changed; the agent's reply decides what happens next.
func (c *Controller) Halt(ctx context.Context) error {
	var result error
	if err := c.post(ctx, func() { result = c.halt() }); err != nil {
		return err
	}
	return result
}

func (c *Controller) halt() error {
	if c.sessionID == "" {
		return ErrNoSession
	}
	var sendErr error
	if c.deps.Sender == nil {
		sendErr = errors.New("no sender configured")
	} else {
		sendErr = c.deps.Sender.SendHalt(c.sessionID)
	}
	c.haltRequested = true
	c.deps.Metrics.RecordHalt()
	c.record(audit.Entry{SessionID: c.sessionID, Kind: audit.KindHalt, Delivered: sendErr == nil})
	if sendErr != nil {
		c.logger.Warn("halt send failed", "session_id", c.sessionID, "err", sendErr)
		c.message = "Halt request could not be sent: " + sendErr.Error()
	} else {
		c.logger.Info("halt requested", "session_id", c.sessionID)
		c.message = "Halt requested."
	}
	c.publish()
	return sendErr
}

// Reset clears a finished or failed attempt back to IDLE. It clears
// CRITICAL_HALT only when the link is up and no approval awaits
// reconciliation.
func (c *Controller) Reset(ctx context.Context) error {
	var result error
	if err := c.post(ctx, func() { result = c.reset() }); err != nil {
		return err
	}
	return result
}

func (c *Controller) reset() error {
	switch c.status {
	case protocol.StatusErrorMic, protocol.StatusErrorSubmit, protocol.StatusSuccess, protocol.StatusFailure:
	case protocol.StatusCriticalHalt:
		if c.link != protocol.StatusOnline || c.gate.awaitingReconcile() {
			return ErrNotReady
		}
	default:
		return ErrNotReady
	}
	c.resetGen++
	c.transition(protocol.StatusIdle, "")
	return nil
}

// fail enters a recoverable error state and arms the auto-reset timer.
func (c *Controller) fail(status protocol.StatusCode, message string) {
	c.transition(status, message)
	c.resetGen++
	gen := c.resetGen
	if c.opts.ErrorResetAfter <= 0 {
		return
	}
	time.AfterFunc(c.opts.ErrorResetAfter, func() {
		c.postAsync(func() {
			if gen != c.resetGen || c.status != status {
				return
			}
			c.transition(protocol.StatusIdle, "")
		})
	})
}

// ---- channel inputs (channel.Handler) ----

// OnChannelConnected records the first successful connect.
func (c *Controller) OnChannelConnected() {
	_ = c.post(context.Background(), func() {
		c.link = protocol.StatusOnline
		c.connectedOnce = true
		if c.status == protocol.StatusIdle && c.message == "" {
			c.message = "Connected to agent."
		}
		c.subscribe()
		c.publish()
	})
}

// OnStatusEvent applies an agent event for the current session.
func (c *Controller) OnStatusEvent(event protocol.StatusEvent) {
	_ = c.post(context.Background(), func() { c.applyEvent(event) })
}

// OnChannelDisconnected halts unconditionally.
func (c *Controller) OnChannelDisconnected(reason error) {
	_ = c.post(context.Background(), func() { c.disconnected(reason) })
}

// OnChannelReconnected leaves the halt only when no approval is pending.
func (c *Controller) OnChannelReconnected() {
	_ = c.post(context.Background(), c.reconnected)
}

// OnReconnectExhausted records that the link will not come back on its own.
func (c *Controller) OnReconnectExhausted(err error) {
	_ = c.post(context.Background(), func() {
		c.link = protocol.StatusOffline
		if c.connectedOnce {
			c.message = "Agent unreachable after reconnect attempts: " + errString(err)
		} else {
			c.message = "Agent unreachable: " + errString(err)
		}
		c.publish()
	})
}

func (c *Controller) applyEvent(event protocol.StatusEvent) {
	now := c.now()
	c.pruneStale(now)

	id := event.SessionID
	if _, stale := c.stale[id]; stale {
		c.dropEvent("stale_session", event)
		return
	}
	if c.sessionID == "" {
		if c.capturing || c.captureBusy || c.status == protocol.StatusRecording {
			c.dropEvent("capture_active", event)
			return
		}
		c.sessionID = id
		c.logger.Info("session adopted from event", "session_id", id)
	} else if id != c.sessionID {
		c.dropEvent("foreign_session", event)
		return
	}

	if event.Status == protocol.StatusAwaitingApproval && event.Approval != nil &&
		c.gate.repeatsDecided(id, *event.Approval) {
		c.dropEvent("decided_prompt", event)
		return
	}

	c.lastEvent = now
	c.message = event.Message
	c.phase = event.Phase
	if event.Transcript != "" {
		c.transcript = event.Transcript
	}

	switch event.Status {
	case protocol.StatusAwaitingApproval:
		if event.Approval != nil {
			if c.gate.open(id, *event.Approval, now) {
				c.logger.Info("approval requested", "session_id", id, "action", event.Approval.Action, "amount", event.Approval.FormatAmount())
			}
		}
	default:
		// Any other status for this session means the agent has moved past
		// the prompt.
		c.gate.resolve()
	}
	c.transition(event.Status, event.Message)
}

func (c *Controller) dropEvent(reason string, event protocol.StatusEvent) {
	c.deps.Metrics.RecordDropped(reason)
	c.logger.Debug("dropping status event", "reason", reason, "session_id", event.SessionID, "status", event.Status, "current", c.sessionID)
}

func (c *Controller) disconnected(reason error) {
	c.link = protocol.StatusOffline
	c.gate.suspend()
	if c.capturing || c.captureBusy {
		c.capturing = false
		c.captureGen++
		c.abortCapture()
	}
	c.resetGen++
	c.logger.Warn("agent link lost; halting", "session_id", c.sessionID, "err", reason)
	c.transition(protocol.StatusCriticalHalt, "Connection to agent lost: "+errString(reason))
}

func (c *Controller) reconnected() {
	c.link = protocol.StatusOnline
	c.connectedOnce = true
	c.subscribe()
	if c.gate.awaitingReconcile() {
		c.message = "Reconnected. Waiting for the agent to confirm the pending approval."
		c.logger.Info("reconnected with unresolved approval; staying halted", "session_id", c.sessionID)
		c.publish()
		return
	}
	if c.status == protocol.StatusCriticalHalt {
		c.transition(protocol.StatusIdle, "Reconnected.")
		return
	}
	c.publish()
}

// ---- helpers ----

func (c *Controller) markStale(id string) {
	if id == "" {
		return
	}
	c.stale[id] = c.now().Add(c.opts.StaleSessionRetention)
}

func (c *Controller) pruneStale(now time.Time) {
	for id, expires := range c.stale {
		if now.After(expires) {
			delete(c.stale, id)
		}
	}
}

func (c *Controller) record(entry audit.Entry) {
	ledger := c.deps.Ledger
	if ledger == nil {
		return
	}
	entry.RecordedAt = c.now()
	c.goBackground(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ledger.Record(ctx, entry); err != nil {
			c.logger.Warn("audit record failed", "session_id", entry.SessionID, "kind", entry.Kind, "err", err)
		}
	})
}

func (c *Controller) transition(to protocol.StatusCode, message string) {
	from := c.status
	c.status = to
	c.message = message
	if from != to {
		c.deps.Metrics.RecordTransition(string(from), string(to))
		c.logger.Debug("session transition", "from", from, "to", to, "session_id", c.sessionID)
	}
	c.publish()
}

func (c *Controller) buildSnapshot() Snapshot {
	snap := Snapshot{
		Status:            c.status,
		Link:              c.link,
		SessionID:         c.sessionID,
		Message:           c.message,
		Phase:             c.phase,
		Transcript:        c.transcript,
		AwaitingReconcile: c.gate.awaitingReconcile() && c.status == protocol.StatusCriticalHalt,
		HaltRequested:     c.haltRequested,
		UpdatedAt:         c.now(),
		Seq:               c.seq,
	}
	if req, ok := c.gate.pending(); ok && c.status == protocol.StatusAwaitingApproval {
		snap.Pending = &req
	}
	return snap
}

func (c *Controller) publish() {
	c.seq++
	snap := c.buildSnapshot()
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()

	select {
	case c.updates <- snap:
		return
	default:
	}
	// Drop the oldest queued snapshot so the newest is always delivered.
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- snap:
	default:
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// String renders the snapshot for logs.
func (s Snapshot) String() string {
	if s.SessionID == "" {
		return fmt.Sprintf("%s (%s)", s.Status, s.Link)
	}
	return fmt.Sprintf("%s session=%s (%s)", s.Status, s.SessionID, s.Link)
}
