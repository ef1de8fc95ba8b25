package transcode

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Format is a conversion target.
type Format string

const (
	FormatMP4  Format = "mp4"
	FormatMKV  Format = "mkv"
	FormatGIF  Format = "gif"
	FormatWebM Format = "webm"
)

// ParseFormat accepts a format name in any case.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatMP4, FormatMKV, FormatGIF, FormatWebM:
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown format %q", ErrInvalidJob, s)
}

func (f Format) Extension() string { return "." + string(f) }

// Resolution is a target output height.
type Resolution string

const (
	Resolution480p     Resolution = "480p"
	Resolution720p     Resolution = "720p"
	Resolution1080p    Resolution = "1080p"
	ResolutionOriginal Resolution = "original"
)

// ParseResolution accepts a resolution name in any case.
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(strings.ToLower(strings.TrimSpace(s)))
	if r.Height() < 0 {
		return "", fmt.Errorf("%w: unknown resolution %q", ErrInvalidJob, s)
	}
	return r, nil
}

// Height returns the target height in pixels, 0 for Original and -1 for an
// unknown value.
func (r Resolution) Height() int {
	switch r {
	case Resolution480p:
		return 480
	case Resolution720p:
		return 720
	case Resolution1080p:
		return 1080
	case ResolutionOriginal:
		return 0
	}
	return -1
}

// ValidFPS lists the accepted output frame rates.
var ValidFPS = []int{15, 24, 30, 60}

// Job is one conversion. OutputPath defaults to OutputPath(InputPath, Format).
type Job struct {
	ID         string     `json:"id,omitempty"`
	InputPath  string     `json:"inputPath"`
	OutputPath string     `json:"outputPath,omitempty"`
	Format     Format     `json:"format"`
	Resolution Resolution `json:"resolution"`
	FPS        int        `json:"fps"`
}

func (j *Job) applyDefaults() {
	if j.Resolution == "" {
		j.Resolution = ResolutionOriginal
	}
	if j.FPS == 0 {
		j.FPS = 30
	}
	if j.OutputPath == "" && j.InputPath != "" {
		j.OutputPath = OutputPath(j.InputPath, j.Format)
	}
}

func (j Job) validate() error {
	if j.InputPath == "" {
		return fmt.Errorf("%w: input path is required", ErrInvalidJob)
	}
	if _, err := ParseFormat(string(j.Format)); err != nil {
		return err
	}
	if j.Resolution.Height() < 0 {
		return fmt.Errorf("%w: unknown resolution %q", ErrInvalidJob, j.Resolution)
	}
	if !slices.Contains(ValidFPS, j.FPS) {
		return fmt.Errorf("%w: fps %d is not one of 15, 24, 30, 60", ErrInvalidJob, j.FPS)
	}
	if filepath.Clean(j.OutputPath) == filepath.Clean(j.InputPath) {
		return fmt.Errorf("%w: output would overwrite input", ErrInvalidJob)
	}
	return nil
}

// OutputPath names the converted file next to input. A conversion to the
// input's own container gets a "-converted" suffix.
func OutputPath(input string, f Format) string {
	ext := filepath.Ext(input)
	base := strings.TrimSuffix(input, ext)
	if strings.EqualFold(ext, f.Extension()) {
		base += "-converted"
	}
	return base + f.Extension()
}

var (
	ErrBusy       = errors.New("a conversion is already running")
	ErrCancelled  = errors.New("conversion cancelled")
	ErrInvalidJob = errors.New("invalid conversion job")
)

// ConversionError reports a failed encoder pass. The input file is left
// untouched and partial output has been removed.
type ConversionError struct {
	Stage  string
	Err    error
	Stderr string
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("conversion failed during %s: %v", e.Stage, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ConversionError) Unwrap() error { return e.Err }
