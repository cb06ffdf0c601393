package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrDeviceBusy is wrapped by DeviceError when another recording, in this
// process or another, holds the input device.
var ErrDeviceBusy = errors.New("input device is busy")

// DeviceError reports a failure to acquire or read the input device.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Device) == "" {
		return fmt.Sprintf("capture device: %v", e.Err)
	}
	return fmt.Sprintf("capture device %s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// PCMFormat describes raw little-endian signed 16-bit samples.
type PCMFormat struct {
	SampleRate int
	Channels   int
}

// Format describes what a device stream yields and how it is uploaded.
type Format struct {
	ContentType string
	Extension   string
	// PCM is set when the stream yields raw samples that are wrapped as WAV
	// before upload.
	PCM *PCMFormat
}

// Stream is an open recording. Close releases the device and makes Read
// return io.EOF once buffered data is drained.
type Stream interface {
	io.Reader
	Close() error
}

// Device is an input source that can be opened for one recording at a time.
type Device interface {
	Name() string
	Format() Format
	Open(ctx context.Context) (Stream, error)
}
