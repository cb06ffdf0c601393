package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

const defaultFFmpegStopGrace = 2 * time.Second

// FFmpegDevice records through an ffmpeg subprocess that encodes opus in a
// webm container on stdout.
type FFmpegDevice struct {
	// Binary defaults to "ffmpeg" on PATH.
	Binary string
	// Input overrides the platform default input device.
	Input      string
	SampleRate int
	// StopGrace bounds how long ffmpeg may take to flush after interrupt.
	StopGrace time.Duration

	goos string
}

func (d *FFmpegDevice) Name() string {
	if d == nil {
		return "ffmpeg"
	}
	input := strings.TrimSpace(d.Input)
	if input == "" {
		input = "default"
	}
	return "ffmpeg:" + input
}

func (d *FFmpegDevice) Format() Format {
	return Format{ContentType: "audio/webm", Extension: ".webm"}
}

func (d *FFmpegDevice) binary() string {
	if d != nil && strings.TrimSpace(d.Binary) != "" {
		return strings.TrimSpace(d.Binary)
	}
	return "ffmpeg"
}

// Open starts ffmpeg. The process is bound to ctx only until it starts;
// afterwards Close owns its lifetime.
func (d *FFmpegDevice) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bin := d.binary()
	if _, err := exec.LookPath(bin); err != nil {
		return nil, &DeviceError{Device: d.Name(), Err: fmt.Errorf("%s is required for mic capture (install ffmpeg and ensure it is in PATH)", bin)}
	}
	goos := d.goos
	if goos == "" {
		goos = runtime.GOOS
	}
	sampleRate := d.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	args, err := ffmpegCaptureArgs(goos, d.Input, sampleRate)
	if err != nil {
		return nil, &DeviceError{Device: d.Name(), Err: err}
	}

	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &DeviceError{Device: d.Name(), Err: fmt.Errorf("open ffmpeg stdout: %w", err)}
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, &DeviceError{Device: d.Name(), Err: fmt.Errorf("start ffmpeg capture: %w", err)}
	}

	grace := d.StopGrace
	if grace <= 0 {
		grace = defaultFFmpegStopGrace
	}
	return &ffmpegStream{cmd: cmd, stdout: stdout, grace: grace, eof: make(chan struct{})}, nil
}

func ffmpegCaptureArgs(goos, input string, sampleRate int) ([]string, error) {
	input = strings.TrimSpace(input)
	var source []string
	switch goos {
	case "darwin":
		if input == "" {
			input = ":0"
		}
		source = []string{"-f", "avfoundation", "-i", input}
	case "linux":
		if input == "" {
			input = "default"
		}
		source = []string{"-f", "pulse", "-i", input}
	case "windows":
		if input == "" {
			return nil, errors.New("capture device name is required on windows (ARVYN_CAPTURE_DEVICE)")
		}
		source = []string{"-f", "dshow", "-i", "audio=" + input}
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux, windows", goos)
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, source...)
	args = append(args,
		"-ac", "1", "-ar", fmt.Sprintf("%d", sampleRate),
		"-c:a", "libopus", "-b:a", "32k",
		"-f", "webm", "-",
	)
	return args, nil
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	grace  time.Duration

	eof     chan struct{}
	eofOnce sync.Once

	closeOnce sync.Once
	closeErr  error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	if s == nil || s.stdout == nil {
		return 0, io.EOF
	}
	n, err := s.stdout.Read(p)
	if err != nil {
		s.eofOnce.Do(func() { close(s.eof) })
	}
	return n, err
}

// Close interrupts ffmpeg so it can finish the container, waits for the
// reader to drain, then kills the process if it is still running.
func (s *ffmpegStream) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.cmd == nil || s.cmd.Process == nil {
			return
		}
		if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
			_ = s.cmd.Process.Kill()
		}
		timer := time.NewTimer(s.grace)
		select {
		case <-s.eof:
			timer.Stop()
		case <-timer.C:
			_ = s.cmd.Process.Kill()
		}
		err := s.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
