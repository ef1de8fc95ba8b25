// Package mixer combines system audio and an attenuated microphone into a
// single PCM track.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/breeze-rmm/screenrec/internal/capture"
	"github.com/breeze-rmm/screenrec/internal/logging"
)

var log = logging.L("mixer")

// MicGain is applied to microphone samples before summing.
const MicGain = 0.8

// maxMicBacklogMs caps queued microphone audio. Older samples are discarded
// when system audio lags behind.
const maxMicBacklogMs = 500

const outputBuffer = 64

// MicrophoneOpener is the part of the capture platform the mixer needs.
type MicrophoneOpener interface {
	OpenMicrophone(ctx context.Context, opts capture.MicrophoneOptions) (capture.AudioTrack, error)
}

// MicrophoneUnavailableError reports that the microphone could not be used.
// It is informational: Mix still returns whatever audio it could build.
type MicrophoneUnavailableError struct {
	Err error
}

func (e *MicrophoneUnavailableError) Error() string {
	return fmt.Sprintf("microphone unavailable: %v", e.Err)
}

func (e *MicrophoneUnavailableError) Unwrap() error { return e.Err }

// Denied reports whether the OS refused microphone access.
func (e *MicrophoneUnavailableError) Denied() bool {
	return errors.Is(e.Err, capture.ErrPermissionDenied)
}

// Output is the result of Mix. A nil Track means the recording is video only.
type Output struct {
	Track         capture.AudioTrack
	MicrophoneErr error
}

// Mixer holds at most one active graph.
type Mixer struct {
	opener MicrophoneOpener

	mu    sync.Mutex
	graph *graph
}

// New returns a Mixer that opens microphones through opener.
func New(opener MicrophoneOpener) *Mixer {
	return &Mixer{opener: opener}
}

// Mix builds a graph with one output. system may be nil. Any previous graph
// is cleaned up first. Microphone failures are reported in
// Output.MicrophoneErr and never fail the call.
func (m *Mixer) Mix(ctx context.Context, system capture.AudioTrack, includeMic bool) Output {
	m.Cleanup()

	var out Output
	var mic capture.AudioTrack
	if includeMic {
		track, err := m.opener.OpenMicrophone(ctx, capture.MicrophoneOptions{
			EchoCancellation: true,
			NoiseSuppression: true,
		})
		switch {
		case err != nil:
			out.MicrophoneErr = &MicrophoneUnavailableError{Err: err}
		case system != nil && track.Format() != system.Format():
			track.Stop()
			out.MicrophoneErr = &MicrophoneUnavailableError{
				Err: fmt.Errorf("format %+v does not match system audio %+v", track.Format(), system.Format()),
			}
		default:
			mic = track
		}
		if out.MicrophoneErr != nil {
			log.Warn("continuing without microphone", "error", out.MicrophoneErr.Error())
		}
	}

	if system == nil && mic == nil {
		return out
	}

	g := newGraph(system, mic)
	m.mu.Lock()
	m.graph = g
	m.mu.Unlock()
	go g.run()

	out.Track = g.out
	log.Debug("audio graph started", "system", system != nil, "microphone", mic != nil)
	return out
}

// Cleanup stops the active graph, its inputs and any opened microphone.
// Safe to call repeatedly.
func (m *Mixer) Cleanup() {
	m.mu.Lock()
	g := m.graph
	m.graph = nil
	m.mu.Unlock()
	if g != nil {
		g.stopAll()
	}
}

type graph struct {
	system capture.AudioTrack
	mic    capture.AudioTrack
	out    *capture.SampleTrack

	stop     chan struct{}
	stopped  chan struct{}
	haltOnce sync.Once
}

func newGraph(system, mic capture.AudioTrack) *graph {
	format := capture.DefaultAudioFormat
	if system != nil {
		format = system.Format()
	} else if mic != nil {
		format = mic.Format()
	}
	g := &graph{
		system:  system,
		mic:     mic,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	g.out = capture.NewSampleTrack(format, outputBuffer, g.halt)
	return g
}

func (g *graph) halt() {
	g.haltOnce.Do(func() {
		close(g.stop)
		<-g.stopped
		if g.mic != nil {
			g.mic.Stop()
		}
		if g.system != nil {
			g.system.Stop()
		}
	})
}

func (g *graph) stopAll() {
	g.halt()
	g.out.Stop()
}

// run is driven by the system track when present, otherwise by the
// microphone. Microphone samples queue until system samples arrive to be
// summed with them.
func (g *graph) run() {
	defer close(g.stopped)
	defer g.out.Close()

	if g.system == nil {
		for {
			select {
			case <-g.stop:
				return
			case c, ok := <-g.mic.Samples():
				if !ok {
					return
				}
				g.out.Push(capture.AudioChunk{Samples: Sum(nil, c.Samples), Timestamp: c.Timestamp})
			}
		}
	}

	format := g.system.Format()
	backlog := format.SampleRate * format.Channels * maxMicBacklogMs / 1000
	var fifo []int16
	var micCh <-chan capture.AudioChunk
	if g.mic != nil {
		micCh = g.mic.Samples()
	}

	for {
		select {
		case <-g.stop:
			return
		case c, ok := <-micCh:
			if !ok {
				micCh = nil
				continue
			}
			fifo = append(fifo, c.Samples...)
			if over := len(fifo) - backlog; over > 0 {
				fifo = fifo[over:]
			}
		case c, ok := <-g.system.Samples():
			if !ok {
				return
			}
			n := min(len(fifo), len(c.Samples))
			mixed := Sum(c.Samples, fifo[:n])
			fifo = fifo[n:]
			g.out.Push(capture.AudioChunk{Samples: mixed, Timestamp: c.Timestamp})
		}
	}
}

// Sum adds MicGain×mic to system, saturating at the int16 range. The
// result has the length of the longer input; the shorter one is treated as
// silence past its end.
func Sum(system, mic []int16) []int16 {
	out := make([]int16, max(len(system), len(mic)))
	for i := range out {
		var v float64
		if i < len(system) {
			v = float64(system[i])
		}
		if i < len(mic) {
			v += float64(mic[i]) * MicGain
		}
		out[i] = saturate(v)
	}
	return out
}

func saturate(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
