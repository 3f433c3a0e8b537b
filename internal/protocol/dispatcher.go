package protocol

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives the effects of inbound events. Calls are synchronous and must not block.
type Handler interface {
	SessionCreated(sessionID string)
	PartialChanged(partial string)
	// TranscriptDelta carries the interim text accumulated so far for the item
	TranscriptDelta(itemID, text string)
	TranscriptCompleted(itemID, text string)
	// TranscriptionFailed is recoverable; the session stays connected
	TranscriptionFailed(err *TranscriptionError)
	// FatalError ends the current connection
	FatalError(err *Error)
}

// Dispatcher maps inbound protocol events onto a Handler. One dispatcher serves one connection.
type Dispatcher struct {
	handler Handler
	logger  zerolog.Logger
	observe func(eventType string)

	mu      sync.Mutex
	interim map[string]*strings.Builder
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithEventObserver reports every event type received. Unrecognized types are reported as EventUnknown.
func WithEventObserver(fn func(eventType string)) DispatcherOption {
	return func(d *Dispatcher) {
		d.observe = fn
	}
}

// NewDispatcher creates a dispatcher for one connection
func NewDispatcher(handler Handler, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handler: handler,
		logger:  logger,
		interim: make(map[string]*strings.Builder),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch interprets one inbound message. Malformed messages are logged and ignored.
func (d *Dispatcher) Dispatch(raw []byte) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		d.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("Ignoring malformed protocol message")
		return
	}
	if event.Type == "" {
		d.logger.Warn().Msg("Ignoring protocol message without type")
		return
	}

	if d.observe != nil {
		d.observe(observedType(event.Type))
	}

	switch event.Type {
	case EventSessionCreated:
		d.handler.SessionCreated(sessionID(event.Session))

	case EventSessionUpdated, EventBufferCommitted:
		d.logger.Debug().Str("type", event.Type).Msg("Protocol event")

	case EventSpeechStarted:
		d.handler.PartialChanged(PartialListening)

	case EventSpeechStopped:
		d.handler.PartialChanged(PartialProcessing)

	case EventTranscriptDelta:
		if event.Delta == "" {
			return
		}
		d.handler.TranscriptDelta(event.ItemID, d.appendInterim(event.ItemID, event.Delta))

	case EventTranscriptCompleted, EventTranscriptCompletedShort:
		d.clearInterim(event.ItemID)
		d.handler.TranscriptCompleted(event.ItemID, event.Transcript)

	case EventTranscriptFailed, EventTranscriptFailedShort:
		d.clearInterim(event.ItemID)
		failure := &TranscriptionError{ItemID: event.ItemID}
		if event.Error != nil {
			failure.Message = event.Error.Message
		}
		d.handler.TranscriptionFailed(failure)

	case EventError:
		fatal := &Error{}
		if event.Error != nil {
			fatal.Type = event.Error.Type
			fatal.Code = event.Error.Code
			fatal.Message = event.Error.Message
		}
		d.handler.FatalError(fatal)

	default:
		d.logger.Debug().Str("type", event.Type).Msg("Ignoring unrecognized protocol event")
	}
}

func (d *Dispatcher) appendInterim(itemID, delta string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.interim[itemID]
	if !ok {
		b = &strings.Builder{}
		d.interim[itemID] = b
	}
	b.WriteString(delta)
	return b.String()
}

func (d *Dispatcher) clearInterim(itemID string) {
	d.mu.Lock()
	delete(d.interim, itemID)
	d.mu.Unlock()
}

func observedType(eventType string) string {
	switch eventType {
	case EventSessionCreated, EventSessionUpdated, EventSpeechStarted, EventSpeechStopped,
		EventBufferCommitted, EventTranscriptDelta, EventTranscriptCompleted, EventTranscriptFailed,
		EventError, EventTranscriptCompletedShort, EventTranscriptFailedShort:
		return eventType
	}
	return EventUnknown
}

func sessionID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var session struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &session); err != nil {
		return ""
	}
	return session.ID
}
