// Package present turns controller snapshots into what the operator sees.
package present

import (
	"fmt"
	"strings"

	"github.com/vango-go/arvyn/pkg/sidecar/protocol"
	"github.com/vango-go/arvyn/pkg/sidecar/session"
)

type Gesture string

const (
	GestureRecord  Gesture = "record"
	GestureStop    Gesture = "stop"
	GestureApprove Gesture = "approve"
	GestureCancel  Gesture = "cancel"
	GestureHalt    Gesture = "halt"
	GestureReset   Gesture = "reset"
)

// Tone classifies a headline for styling.
type Tone int

const (
	ToneNeutral Tone = iota
	ToneActive
	ToneAttention
	ToneSuccess
	ToneDanger
)

// ApprovalPrompt is shown while the approval gate is open.
type ApprovalPrompt struct {
	RequestID uint64
	SessionID string
	Action    string
	Amount    string
	Recipient string
	Text      string
}

// ViewModel is a pure projection of a session.Snapshot.
type ViewModel struct {
	Headline  string
	Tone      Tone
	Lines     []string
	Approval  *ApprovalPrompt
	Gestures  []Gesture
	Online    bool
	SessionID string
}

// Allows reports whether g is enabled.
func (v ViewModel) Allows(g Gesture) bool {
	for _, have := range v.Gestures {
		if have == g {
			return true
		}
	}
	return false
}

var headlines = map[protocol.StatusCode]struct {
	text string
	tone Tone
}{
	protocol.StatusIdle:             {"ARVYN: READY", ToneNeutral},
	protocol.StatusOnline:           {"ARVYN: ONLINE", ToneNeutral},
	protocol.StatusOffline:          {"ARVYN: OFFLINE", ToneDanger},
	protocol.StatusRecording:        {"ARVYN: LISTENING", ToneActive},
	protocol.StatusUploading:        {"ARVYN: SENDING", ToneActive},
	protocol.StatusParsingComplete:  {"ARVYN: UNDERSTOOD", ToneActive},
	protocol.StatusExecuting:        {"ARVYN: WORKING", ToneActive},
	protocol.StatusAwaitingApproval: {"ARVYN: APPROVAL REQUIRED", ToneAttention},
	protocol.StatusResuming:         {"ARVYN: RESUMING", ToneActive},
	protocol.StatusSuccess:          {"ARVYN: DONE", ToneSuccess},
	protocol.StatusFailure:          {"ARVYN: FAILED", ToneDanger},
	protocol.StatusErrorMic:         {"ARVYN: MICROPHONE ERROR", ToneDanger},
	protocol.StatusErrorSubmit:      {"ARVYN: UPLOAD FAILED", ToneDanger},
	protocol.StatusCriticalHalt:     {"ARVYN: HALTED", ToneDanger},
}

// Project computes the view for s.
func Project(s session.Snapshot) ViewModel {
	vm := ViewModel{
		Online:    s.Link == protocol.StatusOnline,
		SessionID: s.SessionID,
	}
	if h, ok := headlines[s.Status]; ok {
		vm.Headline, vm.Tone = h.text, h.tone
	} else {
		vm.Headline = "ARVYN: " + string(s.Status)
	}

	if msg := strings.TrimSpace(s.Message); msg != "" {
		vm.Lines = append(vm.Lines, msg)
	}
	if s.Transcript != "" {
		vm.Lines = append(vm.Lines, fmt.Sprintf("Heard: %q", s.Transcript))
	}
	if s.Phase != "" && s.Phase != string(s.Status) {
		vm.Lines = append(vm.Lines, "Agent phase: "+s.Phase)
	}
	if s.SessionID != "" {
		vm.Lines = append(vm.Lines, "Session: "+s.SessionID)
	}
	if s.HaltRequested && s.Status != protocol.StatusCriticalHalt {
		vm.Lines = append(vm.Lines, "Halt requested; waiting for the agent.")
	}

	if s.Pending != nil {
		d := s.Pending.Details
		vm.Approval = &ApprovalPrompt{
			RequestID: s.Pending.ID,
			SessionID: s.Pending.SessionID,
			Action:    d.Action,
			Amount:    d.FormatAmount(),
			Recipient: d.Recipient,
			Text:      approvalText(d),
		}
	}

	vm.Gestures = gestures(s)
	return vm
}

func approvalText(d protocol.ApprovalDetails) string {
	action := strings.ReplaceAll(d.Action, "_", " ")
	if d.Recipient == "" {
		return fmt.Sprintf("Approve %s of %s?", action, d.FormatAmount())
	}
	return fmt.Sprintf("Approve %s of %s to %s?", action, d.FormatAmount(), d.Recipient)
}

// gestures mirrors the controller's acceptance rules so disabled controls
// are never offered.
func gestures(s session.Snapshot) []Gesture {
	var out []Gesture
	online := s.Link == protocol.StatusOnline
	switch s.Status {
	case protocol.StatusIdle, protocol.StatusErrorMic, protocol.StatusErrorSubmit,
		protocol.StatusSuccess, protocol.StatusFailure:
		if online {
			out = append(out, GestureRecord)
		}
	case protocol.StatusRecording:
		out = append(out, GestureStop)
	}
	if s.Pending != nil {
		out = append(out, GestureApprove, GestureCancel)
	}
	if s.SessionID != "" && !s.Status.Terminal() && s.Status != protocol.StatusCriticalHalt {
		out = append(out, GestureHalt)
	}
	switch s.Status {
	case protocol.StatusErrorMic, protocol.StatusErrorSubmit, protocol.StatusSuccess, protocol.StatusFailure:
		out = append(out, GestureReset)
	case protocol.StatusCriticalHalt:
		if online && !s.AwaitingReconcile {
			out = append(out, GestureReset)
		}
	}
	return out
}
