//go:build windows

package capture

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

func (p *FFmpegPlatform) videoInputArgs(src Source, fps int) ([]string, error) {
	args := []string{"-f", "gdigrab", "-draw_mouse", "1", "-framerate", strconv.Itoa(fps)}
	switch src.Kind {
	case SourceScreen:
		return append(args, "-i", "desktop"), nil
	case SourceWindow:
		return append(args, "-i", "title="+strings.TrimPrefix(src.ID, "title:")), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, src.ID)
}

// Loopback capture through dshow needs a device such as "Stereo Mix".
func (p *FFmpegPlatform) systemAudioInputArgs() ([]string, bool) {
	if p.opts.AudioDevice == "" {
		return nil, false
	}
	return []string{"-f", "dshow", "-i", "audio=" + p.opts.AudioDevice}, true
}

func (p *FFmpegPlatform) microphoneInputArgs() ([]string, error) {
	if p.opts.MicrophoneDevice == "" {
		return nil, fmt.Errorf("%w: microphone_device must name a dshow audio device", ErrDeviceUnavailable)
	}
	return []string{"-f", "dshow", "-i", "audio=" + p.opts.MicrophoneDevice}, nil
}

func (p *FFmpegPlatform) listSources(ctx context.Context) ([]Source, error) {
	return []Source{{ID: "screen:0", Name: "Desktop", Kind: SourceScreen, Primary: true}}, nil
}

func (p *FFmpegPlatform) primaryBounds() (Rect, error) {
	return Rect{}, fmt.Errorf("%w: display bounds are reported by the grabber", ErrNotSupported)
}

func detectScaleFactor() float64 {
	return 1
}
