package recorder

import "time"

// Status is the session lifecycle position.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusPaused    Status = "paused"
	StatusStopping  Status = "stopping"
)

// State is a snapshot of the session. LastError is empty when there is none.
type State struct {
	Status           Status `json:"status"`
	DurationSeconds  uint64 `json:"durationSeconds"`
	AccumulatedBytes uint64 `json:"accumulatedBytes"`
	LastError        string `json:"lastError,omitempty"`
}

// Diagnostic is a non-fatal warning raised during a recording.
type Diagnostic struct {
	Time      time.Time `json:"time"`
	SessionID string    `json:"sessionId"`
	Component string    `json:"component"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}

const (
	CodeMicrophoneDenied      = "microphone_denied"
	CodeMicrophoneUnavailable = "microphone_unavailable"
	CodeSpillFailed           = "spill_failed"
)
