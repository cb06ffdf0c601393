package capture

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoDevice records raw PCM from the default input through miniaudio.
type MalgoDevice struct {
	SampleRate int
	Channels   int
}

func (d *MalgoDevice) Name() string { return "malgo:default" }

func (d *MalgoDevice) Format() Format {
	return Format{
		ContentType: "audio/wav",
		Extension:   ".wav",
		PCM:         &PCMFormat{SampleRate: d.sampleRate(), Channels: d.channels()},
	}
}

func (d *MalgoDevice) sampleRate() int {
	if d == nil || d.SampleRate <= 0 {
		return 16000
	}
	return d.SampleRate
}

func (d *MalgoDevice) channels() int {
	if d == nil || d.Channels <= 0 {
		return 1
	}
	return d.Channels
}

func (d *MalgoDevice) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, &DeviceError{Device: d.Name(), Err: fmt.Errorf("init audio context: %w", err)}
	}

	s := &malgoStream{mctx: mctx}
	s.cond = sync.NewCond(&s.mu)

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(d.channels())
	cfg.SampleRate = uint32(d.sampleRate())
	cfg.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		s.releaseContext()
		return nil, &DeviceError{Device: d.Name(), Err: fmt.Errorf("init microphone: %w", err)}
	}
	s.device = device
	if err := device.Start(); err != nil {
		device.Uninit()
		s.releaseContext()
		return nil, &DeviceError{Device: d.Name(), Err: fmt.Errorf("start microphone: %w", err)}
	}
	return s, nil
}

type malgoStream struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool

	closeOnce sync.Once
}

func (s *malgoStream) onData(_, input []byte, _ uint32) {
	s.mu.Lock()
	if !s.closed {
		s.buf = append(s.buf, input...)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *malgoStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *malgoStream) Close() error {
	s.closeOnce.Do(func() {
		if s.device != nil {
			_ = s.device.Stop()
			s.device.Uninit()
		}
		s.releaseContext()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cond.Broadcast()
	})
	return nil
}

func (s *malgoStream) releaseContext() {
	if s.mctx == nil {
		return
	}
	_ = s.mctx.Uninit()
	s.mctx.Free()
	s.mctx = nil
}
