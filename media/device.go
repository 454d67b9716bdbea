// Package media abstracts local capture devices behind a small interface so
// call setup can run against real hardware, a synthetic source, or nothing at
// all, and provides an Opus decode helper for inbound audio.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrPermissionDenied is returned when the user or platform refuses access
// to a capture device. Callers downgrade to fewer tracks instead of failing
// the call.
var ErrPermissionDenied = errors.New("media: device permission denied")

// ErrDeviceNotFound is returned when no capture device of the requested kind
// exists.
var ErrDeviceNotFound = errors.New("media: device not found")

// Device is an acquired set of local capture tracks. Close releases the
// underlying hardware and stops all track writers.
type Device interface {
	// Tracks returns the local tracks to attach to a peer connection.
	Tracks() []webrtc.TrackLocal
	// Close releases the device. Safe to call more than once.
	Close() error
}

// Acquirer obtains capture devices. wantVideo selects camera plus microphone;
// without it only the microphone is requested.
type Acquirer interface {
	Acquire(ctx context.Context, wantVideo bool) (Device, error)
}
