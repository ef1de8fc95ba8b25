//go:build darwin

package capture

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

func (p *FFmpegPlatform) videoInputArgs(src Source, fps int) ([]string, error) {
	if src.Kind != SourceScreen {
		return nil, fmt.Errorf("%w: window capture is not supported by avfoundation", ErrNotSupported)
	}
	index := strings.TrimPrefix(src.ID, "screen:")
	return []string{
		"-f", "avfoundation",
		"-capture_cursor", "1",
		"-framerate", strconv.Itoa(fps),
		"-i", "Capture screen " + index + ":none",
	}, nil
}

// macOS has no loopback device by default; a virtual device such as
// BlackHole must be configured as audio_device.
func (p *FFmpegPlatform) systemAudioInputArgs() ([]string, bool) {
	if p.opts.AudioDevice == "" {
		return nil, false
	}
	return []string{"-f", "avfoundation", "-i", "none:" + p.opts.AudioDevice}, true
}

func (p *FFmpegPlatform) microphoneInputArgs() ([]string, error) {
	device := p.opts.MicrophoneDevice
	if device == "" {
		device = "0"
	}
	return []string{"-f", "avfoundation", "-i", "none:" + device}, nil
}

func (p *FFmpegPlatform) listSources(ctx context.Context) ([]Source, error) {
	screen := Source{ID: "screen:0", Name: "Capture screen 0", Kind: SourceScreen, Primary: true}
	if b, err := p.primaryBounds(); err == nil {
		screen.Bounds = &b
	}
	return []Source{screen}, nil
}

func (p *FFmpegPlatform) primaryBounds() (Rect, error) {
	return Rect{}, fmt.Errorf("%w: display bounds are reported by the grabber", ErrNotSupported)
}

func detectScaleFactor() float64 {
	out, err := execCommand("system_profiler", "SPDisplaysDataType").Output()
	if err != nil {
		log.Debug("display scale unavailable, assuming 1", "error", err.Error())
		return 1
	}
	return parseDisplayScale(out)
}
