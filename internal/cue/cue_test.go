package cue

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestTwoToneLengthAndFade(t *testing.T) {
	t.Parallel()

	pcm := TwoTone(24000, 880, 660, 100*time.Millisecond)
	if want := 2 * 2 * 2400; len(pcm) != want {
		t.Fatalf("len=%d, want %d", len(pcm), want)
	}
	if first := int16(binary.LittleEndian.Uint16(pcm[:2])); first != 0 {
		t.Fatalf("first sample=%d, want silent edge", first)
	}
	var peak int16
	for i := 0; i+1 < len(pcm); i += 2 {
		if v := int16(binary.LittleEndian.Uint16(pcm[i:])); v > peak {
			peak = v
		}
	}
	if peak == 0 {
		t.Fatalf("tone is silent")
	}
}

func TestNopPlay(t *testing.T) {
	t.Parallel()
	Nop{}.Play()
}
