package session

import (
	"errors"
	"time"

	"github.com/vango-go/arvyn/pkg/sidecar/protocol"
)

var (
	// ErrNoPendingApproval is returned when approve or cancel arrives while
	// no approval request is open. It never changes state.
	ErrNoPendingApproval = errors.New("no approval pending")
	// ErrStaleSession is returned when a decision names a session other than
	// the one awaiting approval.
	ErrStaleSession = errors.New("decision names a non-current session")
	// ErrAlreadyDecided is returned for a second decision on one request.
	ErrAlreadyDecided = errors.New("approval already decided")
)

// ApprovalRequest is one opening of the approval gate.
type ApprovalRequest struct {
	ID        uint64
	SessionID string
	Details   protocol.ApprovalDetails
	OpenedAt  time.Time
}

type gateState int

const (
	gateClosed gateState = iota
	gateOpen
	gateDecided
	// gateSuspended means the link dropped while the request was open. The
	// request can no longer be decided; only a fresh AWAITING_APPROVAL from
	// the agent reopens the gate.
	gateSuspended
)

// gate is the approval gate state. It is owned by the controller loop and
// is not safe for concurrent use.
type gate struct {
	nextID    uint64
	req       *ApprovalRequest
	state     gateState
	outcome   protocol.Outcome
	delivered bool
	// dropped is set when the link went down after the decision was sent,
	// so the agent may not have received it.
	dropped bool
}

// open starts a request for sessionID, or keeps the current one when the
// agent repeats the same approval prompt. It reports whether a new request
// was opened.
func (g *gate) open(sessionID string, details protocol.ApprovalDetails, now time.Time) bool {
	if g.state == gateOpen && g.req != nil && g.req.SessionID == sessionID && g.req.Details == details {
		return false
	}
	g.nextID++
	g.req = &ApprovalRequest{ID: g.nextID, SessionID: sessionID, Details: details, OpenedAt: now}
	g.state = gateOpen
	g.outcome = ""
	g.delivered = false
	g.dropped = false
	return true
}

// repeatsDecided reports whether a prompt re-announces a request that was
// already decided and delivered. Such a prompt must not reopen the gate.
func (g *gate) repeatsDecided(sessionID string, details protocol.ApprovalDetails) bool {
	return g.state == gateDecided && g.delivered && !g.dropped && g.req != nil &&
		g.req.SessionID == sessionID && g.req.Details == details
}

// decide consumes the open request. A request is decided at most once.
func (g *gate) decide(sessionID string, outcome protocol.Outcome) (ApprovalRequest, error) {
	switch {
	case g.req == nil:
		return ApprovalRequest{}, ErrNoPendingApproval
	case sessionID != "" && sessionID != g.req.SessionID:
		return ApprovalRequest{}, ErrStaleSession
	case g.state == gateDecided:
		return ApprovalRequest{}, ErrAlreadyDecided
	case g.state != gateOpen:
		return ApprovalRequest{}, ErrNoPendingApproval
	}
	g.state = gateDecided
	g.outcome = outcome
	g.delivered = true
	return *g.req, nil
}

func (g *gate) markUndelivered() {
	if g.state == gateDecided {
		g.delivered = false
	}
}

// suspend closes an open request because the link dropped.
func (g *gate) suspend() {
	switch g.state {
	case gateOpen:
		g.state = gateSuspended
	case gateDecided:
		g.dropped = true
	}
}

// resolve forgets the request once the agent has moved past it.
func (g *gate) resolve() {
	g.req = nil
	g.state = gateClosed
	g.outcome = ""
	g.delivered = false
	g.dropped = false
}

// pending returns the open request, if any.
func (g *gate) pending() (ApprovalRequest, bool) {
	if g.state != gateOpen || g.req == nil {
		return ApprovalRequest{}, false
	}
	return *g.req, true
}

// awaitingReconcile reports whether an approval is unresolved from the
// agent's point of view: suspended by a disconnect, or decided but never
// delivered.
func (g *gate) awaitingReconcile() bool {
	switch g.state {
	case gateOpen, gateSuspended:
		return g.req != nil
	case gateDecided:
		return !g.delivered
	default:
		return false
	}
}
