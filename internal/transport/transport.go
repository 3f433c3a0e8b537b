// Package transport provides the realtime channel the session runs over: a message
// socket or a peer connection with a data channel, behind one interface.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-transcriber/internal/audio"
)

// Mode selects the transport implementation
type Mode string

const (
	ModeSocket Mode = "socket"
	ModePeer   Mode = "peer"
)

// Close codes reported to OnClose
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

var (
	// ErrNotOpen is returned by Send before Open succeeds or after the channel closed
	ErrNotOpen = errors.New("channel not open")
	// ErrBackpressure is returned by Send when the outbound queue is full; the message is dropped
	ErrBackpressure = errors.New("outbound queue full")
	// ErrAlreadyOpened is returned when Open is called twice on one channel
	ErrAlreadyOpened = errors.New("channel already opened")
)

// Error is a failure to open, negotiate or send
type Error struct {
	Mode Mode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s transport %s failed: %v", e.Mode, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsUnexpectedClose reports whether a close code should trigger a reconnect
func IsUnexpectedClose(code int) bool {
	return code != CloseNormal
}

// Channel is a realtime message channel. Handlers must be registered before Open and
// are called from the channel's own goroutines; they must not block.
// OnClose fires at most once and only for closes not requested through Close.
type Channel interface {
	Mode() Mode

	// Open connects and authenticates with the credential token. It returns once the
	// channel can carry protocol messages.
	Open(ctx context.Context, token string) error

	// Send queues one protocol message without blocking
	Send(message []byte) error

	OnMessage(fn func(message []byte))
	OnClose(fn func(code int, reason string))
	OnError(fn func(err error))

	// Close is safe to call on a closed or never-opened channel
	Close() error

	IsOpen() bool

	// ReusesCredential reports whether a reconnect may reuse the first credential
	ReusesCredential() bool
}

// AudioChannel is implemented by channels that carry audio on a media track
// rather than in append messages
type AudioChannel interface {
	AudioSink() audio.FrameSink
}

// Options configure channels built by a Factory
type Options struct {
	Mode           Mode
	SocketURL      string
	NegotiationURL string
	STUNServer     string
	QueueSize      int
	Audio          audio.Config
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// Factory builds a fresh channel for every connection attempt
type Factory struct {
	opts Options
}

// NewFactory creates a channel factory
func NewFactory(opts Options) *Factory {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Factory{opts: opts}
}

// Mode returns the mode of the channels this factory builds
func (f *Factory) Mode() Mode {
	return f.opts.Mode
}

// New builds an unopened channel
func (f *Factory) New() (Channel, error) {
	switch f.opts.Mode {
	case ModeSocket:
		return NewSocketChannel(f.opts.SocketURL, f.opts.QueueSize, f.opts.Logger), nil
	case ModePeer:
		return NewPeerChannel(PeerConfig{
			NegotiationURL: f.opts.NegotiationURL,
			STUNServer:     f.opts.STUNServer,
			Audio:          f.opts.Audio,
			HTTPClient:     f.opts.HTTPClient,
		}, f.opts.Logger)
	default:
		return nil, fmt.Errorf("unknown transport mode %q", f.opts.Mode)
	}
}
