package encoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/breeze-rmm/screenrec/internal/processutil"
)

// execCommand is replaced in tests.
var execCommand = exec.CommandContext

// Profile is a container/codec combination the session encoder can produce.
type Profile struct {
	MimeType     string `json:"mimeType"`
	Container    string `json:"container"`
	VideoEncoder string `json:"videoEncoder"`
	AudioEncoder string `json:"audioEncoder"`
}

// Preferences lists profiles in the order Negotiate tries them.
var Preferences = []Profile{
	{MimeType: "video/webm;codecs=vp9,opus", Container: "webm", VideoEncoder: "libvpx-vp9", AudioEncoder: "libopus"},
	{MimeType: "video/webm;codecs=vp8,opus", Container: "webm", VideoEncoder: "libvpx", AudioEncoder: "libopus"},
}

// Baseline is used when no preferred profile is available.
var Baseline = Profile{
	MimeType:     "video/webm;codecs=vp8,vorbis",
	Container:    "webm",
	VideoEncoder: "libvpx",
	AudioEncoder: "libvorbis",
}

// Supported reports whether both encoders of p are in available.
func (p Profile) Supported(available map[string]bool) bool {
	return available[p.VideoEncoder] && available[p.AudioEncoder]
}

// Negotiate returns the first preferred profile the local ffmpeg can encode.
// It falls back to Baseline, returning the probe error if ffmpeg could not
// be queried at all.
func Negotiate(ctx context.Context, ffmpegPath string) (Profile, error) {
	cmd := execCommand(ctx, ffmpegPath, "-hide_banner", "-encoders")
	processutil.Configure(cmd)
	out, err := cmd.Output()
	if err != nil {
		return Baseline, fmt.Errorf("list ffmpeg encoders: %w", err)
	}
	return Choose(ParseEncoders(out)), nil
}

// Choose picks from Preferences given the available encoder names.
func Choose(available map[string]bool) Profile {
	for _, p := range Preferences {
		if p.Supported(available) {
			return p
		}
	}
	return Baseline
}

// ParseEncoders extracts encoder names from `ffmpeg -encoders` output.
// Entries look like " V....D libvpx-vp9           libvpx VP9".
func ParseEncoders(out []byte) map[string]bool {
	available := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	pastHeader := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !pastHeader {
			if strings.HasPrefix(line, "------") {
				pastHeader = true
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		available[fields[1]] = true
	}
	return available
}
