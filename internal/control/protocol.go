// Package control serves the local websocket that a UI uses to drive the
// recorder and transcoder and to receive their events.
package control

import (
	"encoding/json"
	"fmt"
	"time"
)

// Command types accepted from clients.
const (
	CmdStart         = "start"
	CmdPause         = "pause"
	CmdResume        = "resume"
	CmdStop          = "stop"
	CmdUpdateArea    = "update_area"
	CmdConvert       = "convert"
	CmdCancelConvert = "cancel_convert"
	CmdState         = "state"
	CmdSources       = "sources"
)

// Event types pushed to clients.
const (
	EventState      = "state"
	EventDiagnostic = "diagnostic"
	EventProgress   = "progress"
	EventPublished  = "published"
)

// Command is a request from a client. ID is echoed in the result.
type Command struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// CommandResult answers one Command.
type CommandResult struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Event is an unsolicited message from the server.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

func ok(result any) CommandResult {
	return CommandResult{Status: "completed", Result: result}
}

func failed(err error) CommandResult {
	return CommandResult{Status: "failed", Error: err.Error()}
}

// decodePayload copies a loosely typed payload into v.
func decodePayload(payload map[string]any, v any) error {
	if len(payload) == 0 {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
