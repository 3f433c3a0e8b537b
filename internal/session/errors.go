package session

import (
	"context"
	"errors"

	"github.com/lexiqai/voice-transcriber/internal/audio"
	"github.com/lexiqai/voice-transcriber/internal/credential"
	"github.com/lexiqai/voice-transcriber/internal/protocol"
	"github.com/lexiqai/voice-transcriber/internal/resilience"
	"github.com/lexiqai/voice-transcriber/internal/transport"
)

// ErrAborted is returned by Connect when Disconnect interrupted it
var ErrAborted = errors.New("connection attempt aborted")

// Kind classifies session errors
type Kind string

const (
	KindPermission         Kind = "permission"
	KindCredential         Kind = "credential"
	KindTransport          Kind = "transport"
	KindProtocol           Kind = "protocol"
	KindReconnectExhausted Kind = "reconnect_exhausted"
	KindTimeout            Kind = "timeout"
	KindUnknown            Kind = "unknown"
)

// ErrorKind maps an error onto the session error taxonomy
func ErrorKind(err error) Kind {
	var permErr *audio.PermissionError
	var credErr *credential.Error
	var protoErr *protocol.Error
	var transportErr *transport.Error

	switch {
	case err == nil:
		return ""
	case errors.As(err, &permErr):
		return KindPermission
	case errors.Is(err, resilience.ErrReconnectExhausted):
		return KindReconnectExhausted
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &credErr):
		return KindCredential
	case errors.As(err, &protoErr):
		return KindProtocol
	case errors.As(err, &transportErr):
		return KindTransport
	default:
		return KindUnknown
	}
}

// UserMessage returns the message stored in State.Error for err
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var permErr *audio.PermissionError
	var credErr *credential.Error
	var protoErr *protocol.Error

	switch {
	case errors.As(err, &permErr):
		return permErr.Error()
	case errors.Is(err, resilience.ErrReconnectExhausted):
		return "Connection lost, reconnection failed"
	case errors.Is(err, context.DeadlineExceeded):
		return "Connection timed out"
	case errors.As(err, &credErr):
		return credErr.Message
	case errors.As(err, &protoErr):
		return protoErr.Error()
	default:
		return "Connection failed: " + err.Error()
	}
}
