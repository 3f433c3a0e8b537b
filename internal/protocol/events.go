// Package protocol speaks the realtime transcription event protocol: it interprets
// inbound server events and composes the outbound session and audio messages.
package protocol

import "encoding/json"

// Inbound server events
const (
	EventSessionCreated      = "session.created"
	EventSessionUpdated      = "session.updated"
	EventSpeechStarted       = "input_audio_buffer.speech_started"
	EventSpeechStopped       = "input_audio_buffer.speech_stopped"
	EventBufferCommitted     = "input_audio_buffer.committed"
	EventTranscriptDelta     = "conversation.item.input_audio_transcription.delta"
	EventTranscriptCompleted = "conversation.item.input_audio_transcription.completed"
	EventTranscriptFailed    = "conversation.item.input_audio_transcription.failed"
	EventError               = "error"

	// Short forms sent by transcription-only sessions
	EventTranscriptCompletedShort = "transcription.completed"
	EventTranscriptFailedShort    = "transcription.failed"

	// EventUnknown labels any unrecognized event type in metrics
	EventUnknown = "unknown"
)

// Outbound client messages
const (
	MessageSessionUpdate = "session.update"
	MessageAudioAppend   = "input_audio_buffer.append"
	MessageAudioCommit   = "input_audio_buffer.commit"
	MessageAudioClear    = "input_audio_buffer.clear"
)

// Partial transcript placeholders shown while a turn is in flight
const (
	PartialListening  = "Listening..."
	PartialProcessing = "Processing..."
)

// Event is the union of the inbound fields this client reads
type Event struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	ItemID     string          `json:"item_id,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Error      *ErrorDetail    `json:"error,omitempty"`
	Session    json.RawMessage `json:"session,omitempty"`
}

// ErrorDetail is the error document carried by error and failed events
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
}

// Error is a fatal server error event
type Error struct {
	Type    string
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return "Realtime service error: " + e.Code
	}
	return "Realtime service error"
}

// TranscriptionError is a recoverable failure of a single transcription
type TranscriptionError struct {
	ItemID  string
	Message string
}

func (e *TranscriptionError) Error() string {
	if e.Message != "" {
		return "Transcription failed: " + e.Message
	}
	return "Transcription failed"
}
