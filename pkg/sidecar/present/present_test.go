package present

import (
	"bytes"
	"strings"
	"testing"

	"github.com/muesli/termenv"

	"github.com/vango-go/arvyn/pkg/sidecar/protocol"
	"github.com/vango-go/arvyn/pkg/sidecar/session"
)

func approvalSnapshot(id uint64) session.Snapshot {
	return session.Snapshot{
		Status:    protocol.StatusAwaitingApproval,
		Link:      protocol.StatusOnline,
		SessionID: "abc123",
		Message:   "MANDATORY PAUSE: Awaiting explicit user approval.",
		Pending: &session.ApprovalRequest{
			ID:        id,
			SessionID: "abc123",
			Details:   protocol.ApprovalDetails{Action: "wire_transfer", Amount: 250, Recipient: "Jane Doe"},
		},
		Seq: id * 10,
	}
}

func TestProjectApproval(t *testing.T) {
	t.Parallel()

	vm := Project(approvalSnapshot(1))
	if vm.Approval == nil {
		t.Fatalf("approval prompt missing")
	}
	if vm.Approval.Amount != "250.00" {
		t.Fatalf("amount=%q, want %q", vm.Approval.Amount, "250.00")
	}
	if want := "Approve wire transfer of 250.00 to Jane Doe?"; vm.Approval.Text != want {
		t.Fatalf("text=%q, want %q", vm.Approval.Text, want)
	}
	if !vm.Allows(GestureApprove) || !vm.Allows(GestureCancel) || !vm.Allows(GestureHalt) {
		t.Fatalf("gestures=%v, want approve, cancel and halt", vm.Gestures)
	}
	if vm.Allows(GestureRecord) {
		t.Fatalf("record enabled during approval")
	}
}

func TestProjectGestures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		snap session.Snapshot
		want []Gesture
	}{
		{"idle online", session.Snapshot{Status: protocol.StatusIdle, Link: protocol.StatusOnline}, []Gesture{GestureRecord}},
		{"idle offline", session.Snapshot{Status: protocol.StatusIdle, Link: protocol.StatusOffline}, nil},
		{"recording", session.Snapshot{Status: protocol.StatusRecording, Link: protocol.StatusOnline}, []Gesture{GestureStop}},
		{"executing", session.Snapshot{Status: protocol.StatusExecuting, Link: protocol.StatusOnline, SessionID: "s1"}, []Gesture{GestureHalt}},
		{"success", session.Snapshot{Status: protocol.StatusSuccess, Link: protocol.StatusOnline, SessionID: "s1"}, []Gesture{GestureRecord, GestureReset}},
		{"halt offline", session.Snapshot{Status: protocol.StatusCriticalHalt, Link: protocol.StatusOffline, SessionID: "s1"}, nil},
		{"halt reconciling", session.Snapshot{Status: protocol.StatusCriticalHalt, Link: protocol.StatusOnline, SessionID: "s1", AwaitingReconcile: true}, nil},
		{"halt clear", session.Snapshot{Status: protocol.StatusCriticalHalt, Link: protocol.StatusOnline}, []Gesture{GestureReset}},
	}
	for _, tc := range cases {
		vm := Project(tc.snap)
		if len(vm.Gestures) != len(tc.want) {
			t.Fatalf("%s: gestures=%v, want %v", tc.name, vm.Gestures, tc.want)
		}
		for i := range tc.want {
			if vm.Gestures[i] != tc.want[i] {
				t.Fatalf("%s: gestures=%v, want %v", tc.name, vm.Gestures, tc.want)
			}
		}
	}
}

func TestProjectLines(t *testing.T) {
	t.Parallel()

	vm := Project(session.Snapshot{
		Status:     protocol.StatusExecuting,
		Link:       protocol.StatusOnline,
		SessionID:  "s1",
		Message:    "Navigating to payee page",
		Phase:      "NAVIGATING",
		Transcript: "pay jane 250",
	})
	joined := strings.Join(vm.Lines, "\n")
	for _, want := range []string{"Navigating to payee page", `Heard: "pay jane 250"`, "Agent phase: NAVIGATING", "Session: s1"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("lines=%q, missing %q", joined, want)
		}
	}
	if vm.Headline != "ARVYN: WORKING" || vm.Tone != ToneActive {
		t.Fatalf("headline=%q tone=%v", vm.Headline, vm.Tone)
	}
}

type countingCue struct{ n int }

func (c *countingCue) Play() { c.n++ }

func TestTerminalPlaysCueOncePerRequest(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cue := &countingCue{}
	term := NewTerminal(&buf, cue, termenv.WithProfile(termenv.Ascii))

	term.Render(approvalSnapshot(1))
	repeat := approvalSnapshot(1)
	repeat.Seq++
	term.Render(repeat)
	if cue.n != 1 {
		t.Fatalf("cue plays=%d, want 1", cue.n)
	}
	term.Render(approvalSnapshot(2))
	if cue.n != 2 {
		t.Fatalf("cue plays=%d, want 2 after a new request", cue.n)
	}

	out := buf.String()
	if !strings.Contains(out, "ARVYN: APPROVAL REQUIRED") || !strings.Contains(out, "[a] APPROVE") {
		t.Fatalf("output=%q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("ascii profile emitted escape codes: %q", out)
	}
}

func TestTerminalSkipsOlderSnapshots(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	term := NewTerminal(&buf, nil, termenv.WithProfile(termenv.Ascii))
	term.Render(session.Snapshot{Status: protocol.StatusExecuting, Link: protocol.StatusOnline, Seq: 5})
	n := buf.Len()
	term.Render(session.Snapshot{Status: protocol.StatusIdle, Link: protocol.StatusOnline, Seq: 4})
	if buf.Len() != n {
		t.Fatalf("older snapshot rendered")
	}
}
