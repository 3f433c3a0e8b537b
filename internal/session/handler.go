package session

import (
	"github.com/google/uuid"

	"github.com/lexiqai/voice-transcriber/internal/protocol"
)

// dispatchHandler applies protocol events to the controller for one connection.
// Events that arrive after the connection was replaced are ignored.
type dispatchHandler struct {
	c   *Controller
	r   *run
	gen uint64
}

func (h *dispatchHandler) SessionCreated(sessionID string) {
	h.r.log.Info().Str("remote_session_id", sessionID).Msg("Realtime session created")
	h.c.appendItem(h.gen, h.r, breadcrumb("Session created", map[string]interface{}{
		"session_id": sessionID,
	}))
}

func (h *dispatchHandler) PartialChanged(partial string) {
	h.c.setPartial(h.gen, partial)
}

func (h *dispatchHandler) TranscriptDelta(itemID, text string) {
	if !h.c.setPartial(h.gen, text) {
		return
	}
	h.r.metrics.RecordTranscript("interim")
	if cb := h.c.opts.Callbacks.OnTranscriptionUpdate; cb != nil {
		cb(text, false)
	}
}

func (h *dispatchHandler) TranscriptCompleted(itemID, text string) {
	item := TranscriptItem{
		ID:      uuid.New().String(),
		Type:    ItemMessage,
		Role:    RoleUser,
		Content: text,
	}
	if itemID != "" {
		item.Data = map[string]interface{}{"item_id": itemID}
	}
	if !h.c.appendItem(h.gen, h.r, item) {
		return
	}
	h.c.setPartial(h.gen, "")
	h.c.setRecoverableError(h.gen, "")

	h.r.metrics.RecordTranscript("final")
	h.r.log.Debug().Str("item_id", itemID).Int("length", len(text)).Msg("Transcript completed")
	if cb := h.c.opts.Callbacks.OnTranscriptionUpdate; cb != nil {
		cb(text, true)
	}
}

func (h *dispatchHandler) TranscriptionFailed(err *protocol.TranscriptionError) {
	h.r.log.Warn().Err(err).Str("item_id", err.ItemID).Msg("Transcription failed")
	h.r.metrics.RecordTranscript("failed")
	h.c.setPartial(h.gen, "")
	h.c.setRecoverableError(h.gen, err.Error())
	h.c.appendItem(h.gen, h.r, breadcrumb(err.Error(), map[string]interface{}{
		"item_id": err.ItemID,
	}))
}

func (h *dispatchHandler) FatalError(err *protocol.Error) {
	h.c.fail(h.gen, err)
}

// setPartial replaces the live partial transcript for gen
func (c *Controller) setPartial(gen uint64, partial string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.partial = partial
	return true
}

// setRecoverableError sets the error message without leaving the connected state
func (c *Controller) setRecoverableError(gen uint64, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.status == StatusError {
		return
	}
	c.errMsg = message
}
