package recorder

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRecording  = errors.New("a recording is already in progress")
	ErrSourceUnavailable = errors.New("no capturable source")
	ErrUnsupportedCrop   = errors.New("area capture is not supported on this platform")
	ErrCropInitTimeout   = errors.New("crop pipeline failed to start")
	ErrNotCropping       = errors.New("session is not recording an area")
)

// ValidationError rejects a malformed Request before anything is acquired.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid capture request: %s: %s", e.Field, e.Reason)
}

// EncoderFault is a fatal error from the session encoder. The session has
// already been torn down when it is reported.
type EncoderFault struct {
	Err error
}

func (e *EncoderFault) Error() string {
	return "encoder fault: " + e.Err.Error()
}

func (e *EncoderFault) Unwrap() error { return e.Err }
