// Package protocol defines the status-event wire protocol spoken between the
// sidecar and the remote agent over the realtime channel.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// DecodeError describes a frame that could not be decoded into a protocol
// message. It is never fatal to the channel; callers log and drop it.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// StatusCode is the session status reported by the remote agent or set
// locally by the controller.
type StatusCode string

const (
	StatusIdle             StatusCode = "IDLE"
	StatusOnline           StatusCode = "ONLINE"
	StatusOffline          StatusCode = "OFFLINE"
	StatusRecording        StatusCode = "RECORDING"
	StatusUploading        StatusCode = "UPLOADING"
	StatusParsingComplete  StatusCode = "PARSING_COMPLETE"
	StatusExecuting        StatusCode = "EXECUTING"
	StatusAwaitingApproval StatusCode = "AWAITING_APPROVAL"
	StatusResuming         StatusCode = "RESUMING"
	StatusSuccess          StatusCode = "SUCCESS"
	StatusFailure          StatusCode = "FAILURE"
	StatusErrorMic         StatusCode = "ERROR_MIC"
	StatusErrorSubmit      StatusCode = "ERROR_SUBMIT"
	StatusCriticalHalt     StatusCode = "CRITICAL_HALT"
)

var knownStatuses = map[StatusCode]struct{}{
	StatusIdle:             {},
	StatusOnline:           {},
	StatusOffline:          {},
	StatusRecording:        {},
	StatusUploading:        {},
	StatusParsingComplete:  {},
	StatusExecuting:        {},
	StatusAwaitingApproval: {},
	StatusResuming:         {},
	StatusSuccess:          {},
	StatusFailure:          {},
	StatusErrorMic:         {},
	StatusErrorSubmit:      {},
	StatusCriticalHalt:     {},
}

// phaseAliases maps the finer-grained phases some agents emit onto the
// client status set. The raw phase is preserved on the decoded event.
var phaseAliases = map[string]StatusCode{
	"RECEIVED":         StatusUploading,
	"ANALYZING":        StatusUploading,
	"NAVIGATING":       StatusExecuting,
	"FILLING_FORM":     StatusExecuting,
	"SELF_HEALING":     StatusExecuting,
	"HEALING_FAILED":   StatusExecuting,
	"CDP_DISCONNECTED": StatusFailure,
}

// Valid reports whether s is one of the known status codes.
func (s StatusCode) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// Terminal reports whether s ends a session run.
func (s StatusCode) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// IsError reports whether s is a local error or halt state.
func (s StatusCode) IsError() bool {
	switch s {
	case StatusErrorMic, StatusErrorSubmit, StatusCriticalHalt:
		return true
	default:
		return false
	}
}

// ParseStatus resolves a raw wire status into a StatusCode, following
// phase aliases. ok is false for unknown values.
func ParseStatus(raw string) (StatusCode, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if normalized == "" {
		return "", false
	}
	if status := StatusCode(normalized); status.Valid() {
		return status, true
	}
	if status, ok := phaseAliases[normalized]; ok {
		return status, true
	}
	return "", false
}

// ApprovalDetails describes the consequential action awaiting ratification.
type ApprovalDetails struct {
	Action    string  `json:"action"`
	Amount    float64 `json:"amount"`
	Recipient string  `json:"recipient"`
}

// Validate checks that the details are complete enough to show a user.
func (d ApprovalDetails) Validate() error {
	if strings.TrimSpace(d.Action) == "" {
		return badRequest("approval details missing action", "details.action")
	}
	if strings.TrimSpace(d.Recipient) == "" {
		return badRequest("approval details missing recipient", "details.recipient")
	}
	if math.IsNaN(d.Amount) || math.IsInf(d.Amount, 0) {
		return badRequest("approval amount must be finite", "details.amount")
	}
	if d.Amount < 0 {
		return badRequest("approval amount must be >= 0", "details.amount")
	}
	return nil
}

// FormatAmount renders the amount with two decimal places.
func (d ApprovalDetails) FormatAmount() string {
	return fmt.Sprintf("%.2f", d.Amount)
}

// StatusEvent is a decoded status_update frame.
type StatusEvent struct {
	SessionID string
	Status    StatusCode
	// Phase is the raw wire status when it differs from Status.
	Phase   string
	Message string

	// Approval is set only for AWAITING_APPROVAL.
	Approval *ApprovalDetails
	// Transcript is set only for PARSING_COMPLETE when the agent reports it.
	Transcript string
}

// Disconnect is a server-initiated notice that the agent link is lost.
type Disconnect struct {
	Reason string
}

// Outcome is the user's ratification choice.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeCancelled Outcome = "cancelled"
)

// Valid reports whether o is approved or cancelled.
func (o Outcome) Valid() bool {
	return o == OutcomeApproved || o == OutcomeCancelled
}

// Decision is the outbound answer to an approval request.
type Decision struct {
	SessionID string
	Outcome   Outcome
}

const (
	TypeStatusUpdate = "status_update"
	TypeDisconnect   = "disconnect"
	TypeUserDecision = "user_decision"
	TypeHaltSession  = "halt_session"
	TypeSubscribe    = "subscribe"
)

// ServerStatusUpdate is the wire shape of a status_update frame.
type ServerStatusUpdate struct {
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// ServerDisconnect is the wire shape of a disconnect frame.
type ServerDisconnect struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ClientUserDecision is the wire shape of a user_decision frame.
type ClientUserDecision struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Decision  string `json:"decision"`
}

// ClientHaltSession is the wire shape of a halt_session frame.
type ClientHaltSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ClientSubscribe asks the agent to route a session's events to this
// connection and re-send its latest status.
type ClientSubscribe struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// NewUserDecision builds the wire frame for d.
func NewUserDecision(d Decision) ClientUserDecision {
	return ClientUserDecision{Type: TypeUserDecision, SessionID: strings.TrimSpace(d.SessionID), Decision: string(d.Outcome)}
}

// NewHaltSession builds the wire frame for a halt request.
func NewHaltSession(sessionID string) ClientHaltSession {
	return ClientHaltSession{Type: TypeHaltSession, SessionID: strings.TrimSpace(sessionID)}
}

// NewSubscribe builds the wire frame for a subscription request.
func NewSubscribe(sessionID string) ClientSubscribe {
	return ClientSubscribe{Type: TypeSubscribe, SessionID: strings.TrimSpace(sessionID)}
}

func frameType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return "", badRequest("frame missing type", "type")
	}
	return typ, nil
}

// DecodeServerMessage decodes one inbound text frame into StatusEvent or
// Disconnect.
func DecodeServerMessage(data []byte) (any, error) {
	typ, err := frameType(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeStatusUpdate:
		var frame ServerStatusUpdate
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, badRequest("invalid status_update frame", "")
		}
		return decodeStatusUpdate(frame)
	case TypeDisconnect:
		var frame ServerDisconnect
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, badRequest("invalid disconnect frame", "")
		}
		return Disconnect{Reason: strings.TrimSpace(frame.Reason)}, nil
	default:
		return nil, unsupported("unsupported frame type", "type")
	}
}

// statusDetails is the union of every detail field an agent may send.
// Which fields are legal depends on the status.
type statusDetails struct {
	SessionID       string   `json:"session_id"`
	Action          *string  `json:"action"`
	Amount          *float64 `json:"amount"`
	Recipient       *string  `json:"recipient"`
	TranscribedText string   `json:"transcribed_text"`
}

func (d statusDetails) hasApprovalFields() bool {
	return d.Action != nil || d.Amount != nil || d.Recipient != nil
}

func decodeStatusUpdate(frame ServerStatusUpdate) (StatusEvent, error) {
	rawStatus := strings.TrimSpace(frame.Status)
	if rawStatus == "" {
		return StatusEvent{}, badRequest("status_update missing status", "status")
	}
	status, ok := ParseStatus(rawStatus)
	if !ok {
		return StatusEvent{}, unsupported("unknown status", "status")
	}

	var details statusDetails
	hasDetails := false
	if raw := bytes.TrimSpace(frame.Details); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &details); err != nil {
			return StatusEvent{}, badRequest("details must be an object", "details")
		}
		hasDetails = true
	}

	sessionID := strings.TrimSpace(frame.SessionID)
	if sessionID == "" {
		sessionID = strings.TrimSpace(details.SessionID)
	}
	if sessionID == "" {
		return StatusEvent{}, badRequest("status_update missing session_id", "session_id")
	}

	event := StatusEvent{
		SessionID: sessionID,
		Status:    status,
		Message:   strings.TrimSpace(frame.Message),
	}
	if !strings.EqualFold(rawStatus, string(status)) {
		event.Phase = strings.ToUpper(rawStatus)
	}

	switch status {
	case StatusAwaitingApproval:
		if !hasDetails || !details.hasApprovalFields() {
			return StatusEvent{}, badRequest("AWAITING_APPROVAL requires approval details", "details")
		}
		approval := ApprovalDetails{}
		if details.Action != nil {
			approval.Action = strings.TrimSpace(*details.Action)
		}
		if details.Amount != nil {
			approval.Amount = *details.Amount
		} else {
			return StatusEvent{}, badRequest("approval details missing amount", "details.amount")
		}
		if details.Recipient != nil {
			approval.Recipient = strings.TrimSpace(*details.Recipient)
		}
		if err := approval.Validate(); err != nil {
			return StatusEvent{}, err
		}
		event.Approval = &approval
	default:
		if details.hasApprovalFields() {
			return StatusEvent{}, badRequest("approval details are only valid for AWAITING_APPROVAL", "details")
		}
		if status == StatusParsingComplete {
			event.Transcript = strings.TrimSpace(details.TranscribedText)
		}
	}
	return event, nil
}

// DecodeClientMessage decodes one outbound frame as an agent would receive
// it. It returns ClientUserDecision, ClientHaltSession or ClientSubscribe.
func DecodeClientMessage(data []byte) (any, error) {
	typ, err := frameType(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeUserDecision:
		var msg ClientUserDecision
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user_decision frame", "")
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		if msg.SessionID == "" {
			return nil, badRequest("user_decision missing session_id", "session_id")
		}
		if !Outcome(msg.Decision).Valid() {
			return nil, badRequest("decision must be approved or cancelled", "decision")
		}
		return msg, nil
	case TypeHaltSession:
		var msg ClientHaltSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid halt_session frame", "")
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		if msg.SessionID == "" {
			return nil, badRequest("halt_session missing session_id", "session_id")
		}
		return msg, nil
	case TypeSubscribe:
		var msg ClientSubscribe
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid subscribe frame", "")
		}
		msg.SessionID = strings.TrimSpace(msg.SessionID)
		if msg.SessionID == "" {
			return nil, badRequest("subscribe missing session_id", "session_id")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported frame type", "type")
	}
}

// EncodeStatusUpdate builds the wire frame for an agent-side status push.
// A nil details map is sent as an empty object.
func EncodeStatusUpdate(sessionID string, status string, message string, details map[string]any) ([]byte, error) {
	if details == nil {
		details = map[string]any{}
	}
	rawDetails, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	return json.Marshal(ServerStatusUpdate{
		Type:      TypeStatusUpdate,
		Status:    status,
		Message:   message,
		SessionID: sessionID,
		Details:   rawDetails,
	})
}
