package capture

import (
	"errors"
	"sync"
	"time"
)

// ErrBufferConsumed is returned when a Buffer is used after Finalize.
var ErrBufferConsumed = errors.New("capture buffer already consumed")

// Buffer accumulates the binary fragments of one recording. It is
// append-only until Finalize, which hands out the bytes exactly once.
type Buffer struct {
	mu        sync.Mutex
	fragments [][]byte
	size      int
	consumed  bool
}

// Append stores a copy of p as the next fragment. Empty fragments are
// ignored.
func (b *Buffer) Append(p []byte) error {
	if b == nil {
		return ErrBufferConsumed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumed {
		return ErrBufferConsumed
	}
	if len(p) == 0 {
		return nil
	}
	b.fragments = append(b.fragments, append([]byte(nil), p...))
	b.size += len(p)
	return nil
}

// Len reports the number of buffered bytes.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Fragments reports the number of buffered fragments.
func (b *Buffer) Fragments() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fragments)
}

// Finalize concatenates the fragments in order and releases them. A second
// call returns ErrBufferConsumed.
func (b *Buffer) Finalize() ([]byte, error) {
	if b == nil {
		return nil, ErrBufferConsumed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumed {
		return nil, ErrBufferConsumed
	}
	b.consumed = true
	out := make([]byte, 0, b.size)
	for _, fragment := range b.fragments {
		out = append(out, fragment...)
	}
	b.fragments = nil
	b.size = 0
	return out, nil
}

// Unit is a finalized recording, ready for upload.
type Unit struct {
	Data        []byte
	ContentType string
	Filename    string
	Duration    time.Duration
	Fragments   int
}

// Empty reports whether the unit carries no audio.
func (u Unit) Empty() bool {
	return len(u.Data) == 0
}
