// Package session owns the lifecycle of one live transcription session:
// microphone, transport channel, protocol dispatch and reconnection.
package session

import (
	"time"

	"github.com/lexiqai/voice-transcriber/internal/resilience"
)

// Status is the connection status of the controller
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Session records the timing of one connected period. It is created when a
// connection first succeeds and ended on disconnect or terminal failure.
type Session struct {
	ID            string         `json:"id"`
	Status        Status         `json:"status"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       *time.Time     `json:"end_time,omitempty"`
	TotalDuration *time.Duration `json:"total_duration,omitempty"`
}

// Item types and roles
const (
	ItemMessage    = "message"
	ItemBreadcrumb = "breadcrumb"

	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TranscriptItem is one entry of the append-only transcript
type TranscriptItem struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Role        string                 `json:"role,omitempty"`
	Content     string                 `json:"content"`
	CreatedAtMs int64                  `json:"created_at_ms"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// State is the read-only projection of the controller
type State struct {
	Status      Status                    `json:"status"`
	IsConnected bool                      `json:"is_connected"`
	Error       string                    `json:"error,omitempty"`
	Partial     string                    `json:"partial"`
	Session     *Session                  `json:"session,omitempty"`
	Transcript  []TranscriptItem          `json:"transcript"`
	Reconnect   resilience.ReconnectState `json:"reconnect"`
}

// Callbacks notify the caller of state changes. They are invoked outside the
// controller lock and may call back into the controller.
type Callbacks struct {
	OnConnectionChange    func(connected bool)
	OnTranscriptionUpdate func(text string, isFinal bool)
	OnError               func(err error)
	OnStatusChange        func(status Status)
}
