package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeStream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	chunks  [][]byte
	closed  bool
	closeN  int
	readErr error
}

func newFakeStream(chunks ...[]byte) *fakeStream {
	s := &fakeStream{chunks: chunks}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *fakeStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.chunks) == 0 && !s.closed && s.readErr == nil {
		s.cond.Wait()
	}
	if len(s.chunks) > 0 {
		n := copy(p, s.chunks[0])
		s.chunks = s.chunks[1:]
		return n, nil
	}
	if s.readErr != nil {
		return 0, s.readErr
	}
	return 0, io.EOF
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.closeN++
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

type fakeDevice struct {
	format  Format
	stream  *fakeStream
	openErr error
	opens   int
}

func (d *fakeDevice) Name() string   { return "fake" }
func (d *fakeDevice) Format() Format { return d.format }
func (d *fakeDevice) Open(context.Context) (Stream, error) {
	d.opens++
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.stream, nil
}

func waitForBuffered(t *testing.T, s *Service, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		rec := s.active
		s.mu.Unlock()
		if rec != nil && rec.buf.Len() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d buffered bytes", want)
}

func TestServiceStartStopProducesUnit(t *testing.T) {
	t.Parallel()

	device := &fakeDevice{
		format: Format{ContentType: "audio/webm", Extension: ".webm"},
		stream: newFakeStream([]byte("abc"), []byte("def")),
	}
	svc := NewService(device, Options{LockPath: filepath.Join(t.TempDir(), "capture.lock")})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if !svc.Active() {
		t.Fatalf("expected active capture")
	}
	waitForBuffered(t, svc, 6)

	unit, err := svc.Stop()
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if string(unit.Data) != "abcdef" {
		t.Fatalf("data=%q, want %q", unit.Data, "abcdef")
	}
	if unit.ContentType != "audio/webm" {
		t.Fatalf("content type=%q", unit.ContentType)
	}
	if !strings.HasPrefix(unit.Filename, "command-") || !strings.HasSuffix(unit.Filename, ".webm") {
		t.Fatalf("filename=%q", unit.Filename)
	}
	if unit.Fragments != 2 {
		t.Fatalf("fragments=%d, want 2", unit.Fragments)
	}
	if svc.Active() {
		t.Fatalf("capture still active after Stop")
	}
	if device.stream.closeN == 0 {
		t.Fatalf("device stream was not closed")
	}
	if _, err := svc.Stop(); !errors.Is(err, ErrNoCapture) {
		t.Fatalf("second Stop err=%v, want ErrNoCapture", err)
	}
}

func TestServiceRejectsSecondStart(t *testing.T) {
	t.Parallel()

	device := &fakeDevice{stream: newFakeStream()}
	svc := NewService(device, Options{})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer svc.Abort()
	if err := svc.Start(context.Background()); !errors.Is(err, ErrCaptureActive) {
		t.Fatalf("second Start err=%v, want ErrCaptureActive", err)
	}
	if device.opens != 1 {
		t.Fatalf("opens=%d, want 1", device.opens)
	}
}

func TestServiceLockExcludesOtherServices(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "capture.lock")
	first := NewService(&fakeDevice{stream: newFakeStream()}, Options{LockPath: lockPath})
	second := NewService(&fakeDevice{stream: newFakeStream()}, Options{LockPath: lockPath})

	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first Start error: %v", err)
	}
	err := second.Start(context.Background())
	var devErr *DeviceError
	if !errors.As(err, &devErr) || !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("second Start err=%v, want busy DeviceError", err)
	}

	first.Abort()
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start after release error: %v", err)
	}
	second.Abort()
}

func TestServiceOpenFailureIsDeviceErrorAndReleasesLock(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "capture.lock")
	failing := NewService(&fakeDevice{openErr: errors.New("permission denied")}, Options{LockPath: lockPath})
	err := failing.Start(context.Background())
	var devErr *DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("err=%v, want *DeviceError", err)
	}
	if failing.Active() {
		t.Fatalf("failed Start left capture active")
	}

	ok := NewService(&fakeDevice{stream: newFakeStream()}, Options{LockPath: lockPath})
	if err := ok.Start(context.Background()); err != nil {
		t.Fatalf("lock not released after failed open: %v", err)
	}
	ok.Abort()
}

func TestServiceWrapsPCMAsWAV(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	device := &fakeDevice{
		format: Format{ContentType: "audio/wav", Extension: ".wav", PCM: &PCMFormat{SampleRate: 16000, Channels: 1}},
		stream: newFakeStream(pcm),
	}
	svc := NewService(device, Options{})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	waitForBuffered(t, svc, len(pcm))
	unit, err := svc.Stop()
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if len(unit.Data) != wavHeaderBytes+len(pcm) {
		t.Fatalf("len=%d, want %d", len(unit.Data), wavHeaderBytes+len(pcm))
	}
	if string(unit.Data[0:4]) != "RIFF" || string(unit.Data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE header")
	}
	if got := binary.LittleEndian.Uint32(unit.Data[24:28]); got != 16000 {
		t.Fatalf("sample rate=%d, want 16000", got)
	}
	if !bytes.Equal(unit.Data[wavHeaderBytes:], pcm) {
		t.Fatalf("pcm payload mismatch")
	}
}

func TestServiceMaxDurationReleasesDevice(t *testing.T) {
	t.Parallel()

	limited := make(chan struct{})
	stream := newFakeStream([]byte("x"))
	svc := NewService(&fakeDevice{stream: stream}, Options{
		MaxDuration: 20 * time.Millisecond,
		OnLimit:     func() { close(limited) },
	})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	select {
	case <-limited:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnLimit not called")
	}
	unit, err := svc.Stop()
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if string(unit.Data) != "x" {
		t.Fatalf("data=%q, want %q", unit.Data, "x")
	}
	if unit.Duration > 20*time.Millisecond {
		t.Fatalf("duration=%v exceeds max", unit.Duration)
	}
}

func TestBufferFinalizeOnce(t *testing.T) {
	t.Parallel()

	var b Buffer
	if err := b.Append([]byte("hi")); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	data, err := b.Finalize()
	if err != nil || string(data) != "hi" {
		t.Fatalf("Finalize=%q,%v", data, err)
	}
	if _, err := b.Finalize(); !errors.Is(err, ErrBufferConsumed) {
		t.Fatalf("second Finalize err=%v, want ErrBufferConsumed", err)
	}
	if err := b.Append([]byte("more")); !errors.Is(err, ErrBufferConsumed) {
		t.Fatalf("Append after Finalize err=%v, want ErrBufferConsumed", err)
	}
}

func TestFFmpegCaptureArgs(t *testing.T) {
	t.Parallel()

	args, err := ffmpegCaptureArgs("linux", "", 16000)
	if err != nil {
		t.Fatalf("linux args error: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-f pulse -i default") || !strings.Contains(joined, "-f webm -") {
		t.Fatalf("linux args=%q", joined)
	}

	args, err = ffmpegCaptureArgs("darwin", "", 16000)
	if err != nil {
		t.Fatalf("darwin args error: %v", err)
	}
	if !strings.Contains(strings.Join(args, " "), "-f avfoundation -i :0") {
		t.Fatalf("darwin args=%q", args)
	}

	if _, err := ffmpegCaptureArgs("windows", "", 16000); err == nil {
		t.Fatalf("expected error for windows without device")
	}
	if _, err := ffmpegCaptureArgs("plan9", "", 16000); err == nil {
		t.Fatalf("expected error for unsupported platform")
	}
}
