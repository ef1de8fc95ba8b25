package recorder

import (
	"fmt"

	"github.com/breeze-rmm/screenrec/internal/capture"
)

// Mode selects what is captured.
type Mode string

const (
	ModeFullscreen Mode = "fullscreen"
	ModeWindow     Mode = "window"
	ModeArea       Mode = "area"
)

const (
	DefaultVideoBitsPerSecond = 2_500_000
	DefaultFrameRate          = 30
	maxFrameRate              = 120
)

// Request describes one recording. Area is in logical (UI) coordinates
// relative to the primary display.
type Request struct {
	Mode               Mode          `json:"captureMode"`
	SourceID           string        `json:"sourceId,omitempty"`
	Area               *capture.Rect `json:"area,omitempty"`
	IncludeSystemAudio bool          `json:"includeSystemAudio"`
	IncludeMicrophone  bool          `json:"includeMicrophone"`
	VideoBitsPerSecond uint32        `json:"videoBitsPerSecond,omitempty"`
	FrameRate          uint32        `json:"frameRate,omitempty"`
}

func (r *Request) applyDefaults() {
	if r.Mode == "" {
		r.Mode = ModeFullscreen
	}
	if r.VideoBitsPerSecond == 0 {
		r.VideoBitsPerSecond = DefaultVideoBitsPerSecond
	}
	if r.FrameRate == 0 {
		r.FrameRate = DefaultFrameRate
	}
}

// Validate checks a request after defaults have been applied.
func (r Request) Validate() error {
	switch r.Mode {
	case ModeFullscreen:
	case ModeWindow:
		if r.SourceID == "" {
			return &ValidationError{Field: "sourceId", Reason: "required for window capture"}
		}
	case ModeArea:
		if r.Area == nil {
			return &ValidationError{Field: "area", Reason: "required for area capture"}
		}
		if r.Area.Width <= 0 || r.Area.Height <= 0 {
			return &ValidationError{Field: "area", Reason: fmt.Sprintf("%v has no area", *r.Area)}
		}
		if r.Area.X < 0 || r.Area.Y < 0 {
			return &ValidationError{Field: "area", Reason: "origin must not be negative"}
		}
	default:
		return &ValidationError{Field: "captureMode", Reason: fmt.Sprintf("unknown mode %q", r.Mode)}
	}
	if r.FrameRate > maxFrameRate {
		return &ValidationError{Field: "frameRate", Reason: fmt.Sprintf("%d exceeds %d", r.FrameRate, maxFrameRate)}
	}
	return nil
}
