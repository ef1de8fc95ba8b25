package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/breeze-rmm/screenrec/internal/capture"
	"github.com/breeze-rmm/screenrec/internal/notify"
	"github.com/breeze-rmm/screenrec/internal/recorder"
	"github.com/breeze-rmm/screenrec/internal/storage"
	"github.com/breeze-rmm/screenrec/internal/transcode"
)

const commandTimeout = 30 * time.Second

// Recorder is the recording session surface the server drives.
type Recorder interface {
	State() recorder.State
	Subscribe(fn func(recorder.State)) *notify.Subscription
	SubscribeDiagnostics(fn func(recorder.Diagnostic)) *notify.Subscription
	Sources(ctx context.Context) ([]capture.Source, error)
	Start(ctx context.Context, req recorder.Request) error
	Pause()
	Resume()
	Stop(ctx context.Context) (*recorder.Blob, error)
	UpdateArea(ctx context.Context, rect capture.Rect) error
}

// Transcoder is the conversion service surface the server drives.
type Transcoder interface {
	Status() transcode.Status
	SubscribeProgress(fn func(transcode.Progress)) *notify.Subscription
	Convert(ctx context.Context, job transcode.Job) error
	Cancel() error
}

// Publisher uploads saved recordings. It is optional.
type Publisher interface {
	Publish(path string) (string, error)
	Subscribe(fn func(storage.Result)) *notify.Subscription
}

// StopResult describes the recording saved by a stop command.
type StopResult struct {
	Path            string `json:"path,omitempty"`
	Bytes           int64  `json:"bytes"`
	DurationSeconds uint64 `json:"durationSeconds"`
	MimeType        string `json:"mimeType,omitempty"`
	PublishID       string `json:"publishId,omitempty"`
	Warning         string `json:"warning,omitempty"`
}

// handle runs one command against the recorder and transcoder.
func (s *Server) handle(cmd Command) CommandResult {
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()

	switch cmd.Type {
	case CmdState:
		return ok(s.opts.Recorder.State())

	case CmdSources:
		sources, err := s.opts.Recorder.Sources(ctx)
		if err != nil {
			return failed(err)
		}
		return ok(sources)

	case CmdStart:
		var req recorder.Request
		if err := decodePayload(cmd.Payload, &req); err != nil {
			return failed(err)
		}
		if err := s.opts.Recorder.Start(ctx, req); err != nil {
			return failed(err)
		}
		return ok(s.opts.Recorder.State())

	case CmdPause:
		s.opts.Recorder.Pause()
		return ok(s.opts.Recorder.State())

	case CmdResume:
		s.opts.Recorder.Resume()
		return ok(s.opts.Recorder.State())

	case CmdStop:
		return s.stop(ctx)

	case CmdUpdateArea:
		var rect capture.Rect
		if err := decodePayload(cmd.Payload, &rect); err != nil {
			return failed(err)
		}
		if err := s.opts.Recorder.UpdateArea(ctx, rect); err != nil {
			return failed(err)
		}
		return ok(nil)

	case CmdConvert:
		return s.convert(cmd)

	case CmdCancelConvert:
		if err := s.opts.Transcoder.Cancel(); err != nil {
			return failed(err)
		}
		return ok(nil)
	}
	return failed(fmt.Errorf("unknown command type %q", cmd.Type))
}

func (s *Server) stop(ctx context.Context) CommandResult {
	blob, err := s.opts.Recorder.Stop(ctx)
	if blob == nil {
		if err != nil {
			return failed(err)
		}
		return ok(StopResult{})
	}
	defer blob.Discard()

	res := StopResult{
		Bytes:           blob.Size(),
		DurationSeconds: uint64(blob.Duration / time.Second),
		MimeType:        blob.MimeType,
	}
	var fault *recorder.EncoderFault
	if errors.As(err, &fault) {
		res.Warning = fault.Error()
	}
	if blob.Empty() {
		return ok(res)
	}

	path, saveErr := blob.Save(s.opts.Fs, s.opts.SaveDir, recorder.FileName(s.opts.Now(), blob.Extension()))
	if saveErr != nil {
		return failed(saveErr)
	}
	res.Path = path
	log.Info("recording saved", "path", path, "bytes", res.Bytes)

	if s.opts.Publisher != nil {
		id, err := s.opts.Publisher.Publish(path)
		if err != nil {
			log.Warn("recording not queued for publishing", "path", path, "error", err.Error())
		} else {
			res.PublishID = id
		}
	}
	return ok(res)
}

// convert starts the job in the background. Progress arrives as events.
func (s *Server) convert(cmd Command) CommandResult {
	var job transcode.Job
	if err := decodePayload(cmd.Payload, &job); err != nil {
		return failed(err)
	}
	if err := s.ctx.Err(); err != nil {
		return failed(err)
	}
	if s.opts.Transcoder.Status() == transcode.StatusConverting {
		return failed(transcode.ErrBusy)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.opts.Transcoder.Convert(s.ctx, job); err != nil && !errors.Is(err, transcode.ErrCancelled) {
			log.Warn("conversion failed", "jobId", job.ID, "error", err.Error())
		}
	}()
	return CommandResult{Status: "accepted", Result: map[string]string{"jobId": job.ID}}
}

func defaultFs(fs afero.Fs) afero.Fs {
	if fs == nil {
		return afero.NewOsFs()
	}
	return fs
}
