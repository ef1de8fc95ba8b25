//go:build !windows

package encoder

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// pipeSink hands ffmpeg the read end of an OS pipe as an extra file
// descriptor.
type pipeSink struct {
	r, w *os.File
	fd   int
}

func newAudioSink() (audioSink, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create audio pipe: %w", err)
	}
	return &pipeSink{r: r, w: w}, nil
}

func (s *pipeSink) Attach(cmd *exec.Cmd) {
	cmd.ExtraFiles = append(cmd.ExtraFiles, s.r)
	s.fd = 2 + len(cmd.ExtraFiles)
}

func (s *pipeSink) URL() string {
	return fmt.Sprintf("pipe:%d", s.fd)
}

// Started closes the parent's copy of the read end so ffmpeg sees EOF once
// the writer closes.
func (s *pipeSink) Started() {
	s.r.Close()
}

func (s *pipeSink) Open(context.Context) (io.WriteCloser, error) {
	return s.w, nil
}

func (s *pipeSink) Close() error {
	s.r.Close()
	return s.w.Close()
}
