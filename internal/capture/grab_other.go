//go:build !linux && !darwin && !windows

package capture

import "context"

func (p *FFmpegPlatform) videoInputArgs(Source, int) ([]string, error) {
	return nil, ErrNotSupported
}

func (p *FFmpegPlatform) systemAudioInputArgs() ([]string, bool) {
	return nil, false
}

func (p *FFmpegPlatform) microphoneInputArgs() ([]string, error) {
	return nil, ErrNotSupported
}

func (p *FFmpegPlatform) listSources(context.Context) ([]Source, error) {
	return nil, ErrNotSupported
}

func (p *FFmpegPlatform) primaryBounds() (Rect, error) {
	return Rect{}, ErrNotSupported
}

func detectScaleFactor() float64 {
	return 1
}
