// Package capture abstracts the platform media sources a recording session
// draws from: a display (screen/window) source producing video and a
// microphone source producing audio, plus the encoder that muxes both into
// a single WebM byte stream delivered as chunks.
package capture

import (
	"context"
	"errors"
)

// Acquisition errors. Both requests on a Provider may fail independently.
var (
	// ErrPermissionDenied means the user or OS refused access to the source.
	ErrPermissionDenied = errors.New("capture: permission denied")
	// ErrNoDevice means no matching capture device is available.
	ErrNoDevice = errors.New("capture: no device available")
	// ErrCancelled means the request was aborted before a source was granted.
	ErrCancelled = errors.New("capture: request cancelled")
)

// TrackKind distinguishes audio and video tracks within a source.
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

// Track is a single live media track owned by a Source. Stop releases the
// underlying device or transport exactly once; further calls are no-ops.
type Track interface {
	Kind() TrackKind
	Stop()
}

// Source is a granted capture source (a display or a microphone).
type Source interface {
	// Tracks returns the live tracks this source produces.
	Tracks() []Track
	// Close stops all tracks and releases the source.
	Close() error
}

// Provider grants capture sources. RequestDisplay and RequestMicrophone are
// two independent fallible operations: either may block on user consent and
// either may fail while the other succeeds. Both honor ctx cancellation so
// an in-flight request can be aborted.
type Provider interface {
	RequestDisplay(ctx context.Context) (Source, error)
	RequestMicrophone(ctx context.Context) (Source, error)
	// NewRecorder builds an encoder over the video tracks of the display
	// source and the audio tracks of the microphone source.
	NewRecorder(display, mic Source) (Recorder, error)
}

// Recorder encodes a combined stream into WebM chunks. The onData callback
// runs on the recorder's own goroutine; callers must tolerate a late
// callback arriving after Stop has returned.
type Recorder interface {
	// Start begins encoding and delivering chunks.
	Start(onData func(chunk []byte)) error
	// Stop halts encoding and blocks until buffered data has been flushed
	// through onData. Safe to call more than once.
	Stop(ctx context.Context) error
}

// StaticTrack is a Track with no underlying device, used by sources whose
// release is handled at the Source level (and by tests).
type StaticTrack struct {
	kind    TrackKind
	release func()
}

// NewStaticTrack returns a track of the given kind; release may be nil.
func NewStaticTrack(kind TrackKind, release func()) *StaticTrack {
	return &StaticTrack{kind: kind, release: release}
}

func (t *StaticTrack) Kind() TrackKind { return t.kind }

func (t *StaticTrack) Stop() {
	if t.release != nil {
		r := t.release
		t.release = nil
		r()
	}
}
