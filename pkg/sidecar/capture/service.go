// Package capture records one voice command at a time from an exclusively
// held input device and turns it into an uploadable unit.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

var (
	// ErrCaptureActive is returned by Start while a recording is running.
	ErrCaptureActive = errors.New("capture already active")
	// ErrNoCapture is returned by Stop when nothing is recording.
	ErrNoCapture = errors.New("no active capture")
)

const readChunkBytes = 4096

// Options configures a Service.
type Options struct {
	// LockPath, when set, is locked for the duration of each recording so two
	// sidecar processes never share the device.
	LockPath string
	// MaxDuration stops reading the device after this long. Zero disables it.
	MaxDuration time.Duration
	// OnLimit is called once, from its own goroutine, when MaxDuration
	// elapses on a recording.
	OnLimit func()
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service owns the input device for the lifetime of each recording.
type Service struct {
	device Device
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	active *recording
}

type recording struct {
	stream  Stream
	lock    *flock.Flock
	buf     *Buffer
	started time.Time
	limit   *time.Timer

	pumpDone chan struct{}
	pumpErr  error
}

// NewService returns a capture service for device.
func NewService(device Device, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{device: device, opts: opts, logger: logger}
}

// Active reports whether a recording is in progress.
func (s *Service) Active() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Start acquires the device and begins buffering. Acquisition failures are
// returned as *DeviceError.
func (s *Service) Start(ctx context.Context) error {
	if s == nil || s.device == nil {
		return &DeviceError{Err: errors.New("no capture device configured")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return ErrCaptureActive
	}

	var lock *flock.Flock
	if path := strings.TrimSpace(s.opts.LockPath); path != "" {
		lock = flock.New(path)
		locked, err := lock.TryLock()
		if err != nil {
			return &DeviceError{Device: s.device.Name(), Err: fmt.Errorf("lock %s: %w", path, err)}
		}
		if !locked {
			return &DeviceError{Device: s.device.Name(), Err: ErrDeviceBusy}
		}
	}

	stream, err := s.device.Open(ctx)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		var devErr *DeviceError
		if errors.As(err, &devErr) {
			return err
		}
		return &DeviceError{Device: s.device.Name(), Err: err}
	}

	rec := &recording{
		stream:   stream,
		lock:     lock,
		buf:      &Buffer{},
		started:  s.opts.Now(),
		pumpDone: make(chan struct{}),
	}
	go s.pump(rec)
	if s.opts.MaxDuration > 0 {
		rec.limit = time.AfterFunc(s.opts.MaxDuration, func() { s.hitLimit(rec) })
	}
	s.active = rec
	s.logger.Debug("capture started", "device", s.device.Name())
	return nil
}

func (s *Service) pump(rec *recording) {
	defer close(rec.pumpDone)
	chunk := make([]byte, readChunkBytes)
	for {
		n, err := rec.stream.Read(chunk)
		if n > 0 {
			if appendErr := rec.buf.Append(chunk[:n]); appendErr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				rec.pumpErr = err
			}
			return
		}
	}
}

// hitLimit releases the device but keeps the buffered audio until Stop.
func (s *Service) hitLimit(rec *recording) {
	s.mu.Lock()
	current := s.active == rec
	s.mu.Unlock()
	if !current {
		return
	}
	_ = rec.stream.Close()
	s.logger.Info("capture reached max duration", "max", s.opts.MaxDuration)
	if s.opts.OnLimit != nil {
		s.opts.OnLimit()
	}
}

// Stop releases the device and returns the finalized recording. The buffer
// is consumed; the next Start begins a new one.
func (s *Service) Stop() (Unit, error) {
	if s == nil {
		return Unit{}, ErrNoCapture
	}
	s.mu.Lock()
	rec := s.active
	s.active = nil
	s.mu.Unlock()
	if rec == nil {
		return Unit{}, ErrNoCapture
	}

	closeErr := s.release(rec)
	duration := s.opts.Now().Sub(rec.started)
	if s.opts.MaxDuration > 0 && duration > s.opts.MaxDuration {
		duration = s.opts.MaxDuration
	}
	fragments := rec.buf.Fragments()
	data, err := rec.buf.Finalize()
	if err != nil {
		return Unit{}, err
	}
	if rec.pumpErr != nil && len(data) == 0 {
		return Unit{}, &DeviceError{Device: s.device.Name(), Err: rec.pumpErr}
	}
	if closeErr != nil {
		s.logger.Warn("capture device close failed", "device", s.device.Name(), "err", closeErr)
	}

	format := s.device.Format()
	if format.PCM != nil && len(data) > 0 {
		data = EncodeWAV(data, format.PCM.SampleRate, format.PCM.Channels)
	}
	unit := Unit{
		Data:        data,
		ContentType: format.ContentType,
		Filename:    "command-" + uuid.NewString() + format.Extension,
		Duration:    duration,
		Fragments:   fragments,
	}
	s.logger.Debug("capture finished", "bytes", len(unit.Data), "fragments", fragments, "duration", duration)
	return unit, nil
}

// Abort releases the device and discards any buffered audio.
func (s *Service) Abort() {
	if s == nil {
		return
	}
	s.mu.Lock()
	rec := s.active
	s.active = nil
	s.mu.Unlock()
	if rec == nil {
		return
	}
	_ = s.release(rec)
	_, _ = rec.buf.Finalize()
}

func (s *Service) release(rec *recording) error {
	if rec.limit != nil {
		rec.limit.Stop()
	}
	err := rec.stream.Close()
	<-rec.pumpDone
	if rec.lock != nil {
		if unlockErr := rec.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}
