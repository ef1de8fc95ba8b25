package encoder

import (
	"context"
	"io"
	"os/exec"
)

// audioSink is the second ffmpeg input carrying PCM.
type audioSink interface {
	// Attach wires the sink into cmd before URL is read.
	Attach(cmd *exec.Cmd)
	URL() string
	// Started is called once the process is running.
	Started()
	Open(ctx context.Context) (io.WriteCloser, error)
	Close() error
}
