//go:build windows

package encoder

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
)

// tcpSink serves PCM to ffmpeg over loopback TCP; Windows cannot pass extra
// descriptors to a child process.
type tcpSink struct {
	ln   net.Listener
	mu   sync.Mutex
	conn net.Conn
}

func newAudioSink() (audioSink, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen for audio: %w", err)
	}
	return &tcpSink{ln: ln}, nil
}

func (s *tcpSink) Attach(*exec.Cmd) {}

func (s *tcpSink) URL() string {
	return "tcp://" + s.ln.Addr().String()
}

func (s *tcpSink) Started() {}

func (s *tcpSink) Open(ctx context.Context) (io.WriteCloser, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := s.ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		s.mu.Lock()
		s.conn = r.conn
		s.mu.Unlock()
		return r.conn, nil
	case <-ctx.Done():
		s.ln.Close()
		return nil, ctx.Err()
	}
}

func (s *tcpSink) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return s.ln.Close()
}
