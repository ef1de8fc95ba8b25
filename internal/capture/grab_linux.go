//go:build linux

package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var xrandrRe = regexp.MustCompile(` connected (primary )?(\d+)x(\d+)\+(\d+)\+(\d+)`)

func (p *FFmpegPlatform) display() string {
	if p.opts.Display != "" {
		return p.opts.Display
	}
	if d := os.Getenv("DISPLAY"); d != "" {
		return d
	}
	return ":0.0"
}

func (p *FFmpegPlatform) videoInputArgs(src Source, fps int) ([]string, error) {
	args := []string{"-f", "x11grab", "-draw_mouse", "1", "-framerate", strconv.Itoa(fps)}
	switch src.Kind {
	case SourceScreen:
		// Without bounds x11grab records the whole root window, which spans
		// every monitor.
		if src.Bounds == nil || src.Bounds.Empty() {
			return append(args, "-i", p.display()), nil
		}
		return append(args, p.region(*src.Bounds)...), nil
	case SourceWindow:
		if src.Bounds == nil || src.Bounds.Empty() {
			return nil, fmt.Errorf("%w: window %s has no geometry", ErrSourceNotFound, src.ID)
		}
		return append(args, p.region(*src.Bounds)...), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, src.ID)
}

func (p *FFmpegPlatform) region(b Rect) []string {
	// x11grab needs even dimensions for most downstream encoders.
	b.Width &^= 1
	b.Height &^= 1
	return []string{
		"-video_size", fmt.Sprintf("%dx%d", b.Width, b.Height),
		"-i", fmt.Sprintf("%s+%d,%d", p.display(), b.X, b.Y),
	}
}

func (p *FFmpegPlatform) systemAudioInputArgs() ([]string, bool) {
	device := p.opts.AudioDevice
	if device == "" {
		device = "@DEFAULT_MONITOR@"
	}
	return []string{"-f", "pulse", "-i", device}, true
}

func (p *FFmpegPlatform) microphoneInputArgs() ([]string, error) {
	device := p.opts.MicrophoneDevice
	if device == "" {
		device = "default"
	}
	return []string{"-f", "pulse", "-i", device}, nil
}

func (p *FFmpegPlatform) listSources(ctx context.Context) ([]Source, error) {
	screen := Source{ID: "screen:0", Name: "Screen " + p.display(), Kind: SourceScreen, Primary: true}
	if b, err := p.primaryBounds(); err == nil {
		screen.Bounds = &b
	}
	sources := []Source{screen}

	out, err := execCommand("wmctrl", "-lG").Output()
	if err != nil {
		log.Debug("window listing unavailable", "error", err.Error())
		return sources, nil
	}
	return append(sources, parseWmctrl(out)...), nil
}

// parseWmctrl parses `wmctrl -lG`: id desktop x y w h host title...
func parseWmctrl(out []byte) []Source {
	var sources []Source
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 7 {
			continue
		}
		if fields[1] == "-1" {
			// sticky windows such as panels and docks
			continue
		}
		nums := make([]int, 4)
		ok := true
		for i := range nums {
			v, err := strconv.Atoi(fields[2+i])
			if err != nil {
				ok = false
				break
			}
			nums[i] = v
		}
		if !ok || nums[2] <= 0 || nums[3] <= 0 {
			continue
		}
		name := ""
		if len(fields) > 7 {
			name = strings.Join(fields[7:], " ")
		}
		sources = append(sources, Source{
			ID:     fields[0],
			Name:   name,
			Kind:   SourceWindow,
			Bounds: &Rect{X: nums[0], Y: nums[1], Width: nums[2], Height: nums[3]},
		})
	}
	return sources
}

func (p *FFmpegPlatform) primaryBounds() (Rect, error) {
	cmd := execCommand("xrandr", "--current")
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "DISPLAY="+p.display())
	out, err := cmd.Output()
	if err != nil {
		return Rect{}, fmt.Errorf("query xrandr: %w", err)
	}
	return parseXrandr(out)
}

func parseXrandr(out []byte) (Rect, error) {
	var first *Rect
	for _, m := range xrandrRe.FindAllSubmatch(out, -1) {
		w, _ := strconv.Atoi(string(m[2]))
		h, _ := strconv.Atoi(string(m[3]))
		x, _ := strconv.Atoi(string(m[4]))
		y, _ := strconv.Atoi(string(m[5]))
		r := Rect{X: x, Y: y, Width: w, Height: h}
		if len(m[1]) > 0 {
			return r, nil
		}
		if first == nil {
			first = &r
		}
	}
	if first == nil {
		return Rect{}, fmt.Errorf("%w: no connected output", ErrNotSupported)
	}
	return *first, nil
}

func detectScaleFactor() float64 {
	for _, key := range []string{"GDK_SCALE", "QT_SCALE_FACTOR"} {
		if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && v > 0 {
			return v
		}
	}
	return 1
}
