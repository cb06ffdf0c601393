// Package cue plays the short audible alert that accompanies an approval
// request.
package cue

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

const (
	sampleRate = 24000
	channels   = 1
)

// Nop is used when audio output is disabled or unavailable.
type Nop struct{}

func (Nop) Play() {}

// Tone plays a two-tone alert on the default output device.
type Tone struct {
	ctx    *oto.Context
	pcm    []byte
	logger *slog.Logger

	mu      sync.Mutex
	playing bool
}

var (
	// oto permits a single context per process.
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func sharedContext() (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

// NewTone opens the output device. Callers fall back to Nop on error.
func NewTone(logger *slog.Logger) (*Tone, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, err := sharedContext()
	if err != nil {
		return nil, fmt.Errorf("open audio output: %w", err)
	}
	return &Tone{ctx: ctx, pcm: TwoTone(sampleRate, 880, 660, 140*time.Millisecond), logger: logger}, nil
}

// Play starts the alert and returns immediately. A call while the alert is
// still sounding is ignored.
func (t *Tone) Play() {
	t.mu.Lock()
	if t.playing {
		t.mu.Unlock()
		return
	}
	t.playing = true
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			t.playing = false
			t.mu.Unlock()
		}()
		player := t.ctx.NewPlayer(bytes.NewReader(t.pcm))
		player.Play()
		for player.IsPlaying() {
			time.Sleep(10 * time.Millisecond)
		}
		if err := player.Close(); err != nil {
			t.logger.Debug("approval cue close failed", "err", err)
		}
	}()
}

// TwoTone synthesizes signed 16-bit little-endian mono PCM: a tone at hi,
// then one at lo, each lasting span, with a short fade on every edge.
func TwoTone(rate int, hi, lo float64, span time.Duration) []byte {
	n := int(float64(rate) * span.Seconds())
	fade := rate / 200
	var buf bytes.Buffer
	buf.Grow(4 * n)
	for _, freq := range []float64{hi, lo} {
		for i := 0; i < n; i++ {
			amp := 0.3
			if i < fade {
				amp *= float64(i) / float64(fade)
			} else if n-i < fade {
				amp *= float64(n-i) / float64(fade)
			}
			v := amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
			_ = binary.Write(&buf, binary.LittleEndian, int16(v*math.MaxInt16))
		}
	}
	return buf.Bytes()
}
