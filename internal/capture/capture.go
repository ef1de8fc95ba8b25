// Package capture defines the platform capture boundary: sources, raw
// streams and the frame and sample tracks that flow out of them.
package capture

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotSupported is returned when the platform has no capture backend.
	ErrNotSupported = errors.New("screen capture not supported on this platform")

	// ErrPermissionDenied is returned when the OS refuses access to a device.
	ErrPermissionDenied = errors.New("capture permission denied")

	// ErrSourceNotFound is returned when a source id does not resolve.
	ErrSourceNotFound = errors.New("capture source not found")

	// ErrDeviceUnavailable is returned when an audio device cannot be opened.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
)

// Rect is an integer rectangle. Functions taking a Rect state whether they
// expect logical (UI) or physical (pixel) coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Translate moves the rectangle by dx, dy.
func (r Rect) Translate(dx, dy int) Rect {
	r.X += dx
	r.Y += dy
	return r
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// SourceKind distinguishes whole screens from individual windows.
type SourceKind string

const (
	SourceScreen SourceKind = "screen"
	SourceWindow SourceKind = "window"
)

// Source is one capturable screen or window.
type Source struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Kind    SourceKind `json:"kind"`
	Primary bool       `json:"primary,omitempty"`
	Bounds  *Rect      `json:"bounds,omitempty"`
}

// Constraints are passed to AcquireStream.
type Constraints struct {
	FrameRate          int
	IncludeSystemAudio bool
}

// MicrophoneOptions asks the platform for voice processing on the mic input.
type MicrophoneOptions struct {
	EchoCancellation bool
	NoiseSuppression bool
}

// Capabilities describes optional platform features.
type Capabilities struct {
	// FrameTransform is true when video frames are delivered as individually
	// addressable buffers that can be rewritten before encoding.
	FrameTransform bool
}

// Platform is the platform capture collaborator.
type Platform interface {
	EnumerateSources(ctx context.Context) ([]Source, error)
	AcquireStream(ctx context.Context, sourceID string, c Constraints) (*RawStream, error)
	OpenMicrophone(ctx context.Context, opts MicrophoneOptions) (AudioTrack, error)
	// ScaleFactor returns the display scale factor at logical point (x, y).
	ScaleFactor(x, y int) float64
	// PrimaryDisplayBounds returns the primary display in physical pixels.
	PrimaryDisplayBounds() (Rect, error)
	Capabilities() Capabilities
}

// RawStream is the live output of AcquireStream. Audio is nil when no
// system audio was requested or available.
type RawStream struct {
	Video VideoTrack
	Audio AudioTrack
}

// Stop stops every track of the stream.
func (s *RawStream) Stop() {
	if s == nil {
		return
	}
	if s.Video != nil {
		s.Video.Stop()
	}
	if s.Audio != nil {
		s.Audio.Stop()
	}
}

// PrimaryScreen returns the primary screen source, or the first screen when
// none is flagged primary.
func PrimaryScreen(sources []Source) (Source, bool) {
	var first *Source
	for i := range sources {
		if sources[i].Kind != SourceScreen {
			continue
		}
		if sources[i].Primary {
			return sources[i], true
		}
		if first == nil {
			first = &sources[i]
		}
	}
	if first == nil {
		return Source{}, false
	}
	return *first, true
}

// FindWindow returns the window source with the given id.
func FindWindow(sources []Source, id string) (Source, bool) {
	for _, s := range sources {
		if s.Kind == SourceWindow && s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}
