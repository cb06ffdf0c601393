package present

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/muesli/termenv"

	"github.com/vango-go/arvyn/pkg/sidecar/session"
)

// Cue is the audible alert for a newly opened approval request.
type Cue interface {
	Play()
}

var gestureKeys = map[Gesture]string{
	GestureRecord:  "[r] record",
	GestureStop:    "[s] stop & send",
	GestureApprove: "[a] APPROVE",
	GestureCancel:  "[c] cancel",
	GestureHalt:    "[h] halt",
	GestureReset:   "[x] reset",
}

var gestureOrder = []Gesture{GestureRecord, GestureStop, GestureApprove, GestureCancel, GestureHalt, GestureReset}

// Terminal writes each new snapshot as a styled block of lines.
type Terminal struct {
	out *termenv.Output
	cue Cue

	mu           sync.Mutex
	lastSeq      uint64
	lastApproval uint64
}

// NewTerminal renders to w. opts are passed to termenv, which detects the
// color profile from w unless one is given.
func NewTerminal(w io.Writer, cue Cue, opts ...termenv.OutputOption) *Terminal {
	if cue == nil {
		cue = nopCue{}
	}
	return &Terminal{out: termenv.NewOutput(w, opts...), cue: cue}
}

type nopCue struct{}

func (nopCue) Play() {}

// Run renders updates until ctx is done or updates is closed.
func (t *Terminal) Run(ctx context.Context, updates <-chan session.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			t.Render(snap)
		}
	}
}

// Render writes s unless an equal or newer snapshot was already rendered.
// The cue plays once per approval request.
func (t *Terminal) Render(s session.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.Seq != 0 && s.Seq <= t.lastSeq {
		return
	}
	t.lastSeq = s.Seq

	vm := Project(s)
	if vm.Approval != nil && vm.Approval.RequestID != t.lastApproval {
		t.lastApproval = vm.Approval.RequestID
		t.cue.Play()
	}
	fmt.Fprint(t.out, t.format(vm))
}

func (t *Terminal) format(vm ViewModel) string {
	var b strings.Builder

	badge := t.out.String(" OFFLINE ").Background(t.out.Color("1")).Foreground(t.out.Color("15"))
	if vm.Online {
		badge = t.out.String(" ONLINE ").Background(t.out.Color("2")).Foreground(t.out.Color("0"))
	}
	fmt.Fprintf(&b, "%s %s\n", badge, t.headline(vm))

	for _, line := range vm.Lines {
		fmt.Fprintf(&b, "  %s\n", t.out.String(line).Faint())
	}
	if vm.Approval != nil {
		fmt.Fprintf(&b, "  %s\n", t.out.String(vm.Approval.Text).Bold().Foreground(t.out.Color("3")))
	}

	var keys []string
	for _, g := range gestureOrder {
		if vm.Allows(g) {
			keys = append(keys, gestureKeys[g])
		}
	}
	keys = append(keys, "[q] quit")
	fmt.Fprintf(&b, "  %s\n", strings.Join(keys, "  "))
	return b.String()
}

func (t *Terminal) headline(vm ViewModel) termenv.Style {
	s := t.out.String(vm.Headline).Bold()
	switch vm.Tone {
	case ToneActive:
		return s.Foreground(t.out.Color("6"))
	case ToneAttention:
		return s.Foreground(t.out.Color("3")).Blink()
	case ToneSuccess:
		return s.Foreground(t.out.Color("2"))
	case ToneDanger:
		return s.Foreground(t.out.Color("1"))
	default:
		return s
	}
}
