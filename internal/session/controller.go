package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-transcriber/internal/audio"
	"github.com/lexiqai/voice-transcriber/internal/credential"
	"github.com/lexiqai/voice-transcriber/internal/observability"
	"github.com/lexiqai/voice-transcriber/internal/protocol"
	"github.com/lexiqai/voice-transcriber/internal/resilience"
	"github.com/lexiqai/voice-transcriber/internal/transport"
)

const (
	defaultCredentialTimeout = 10 * time.Second
	defaultConnectTimeout    = 15 * time.Second
)

// ErrClosed is returned by Connect after Close
var ErrClosed = errors.New("session controller closed")

// ChannelFactory builds an unopened channel for every connection attempt
type ChannelFactory interface {
	New() (transport.Channel, error)
}

// Dependencies are the collaborators of a Controller
type Dependencies struct {
	Capture     audio.CaptureDevice
	Credentials credential.Fetcher
	Channels    ChannelFactory

	// Optional
	Store TranscriptSink
	Wait  resilience.Waiter
	Now   func() time.Time
}

// Options configure a Controller
type Options struct {
	Audio             audio.Config
	Session           protocol.SessionOptions
	Reconnect         *resilience.ReconnectConfig
	CredentialTimeout time.Duration
	ConnectTimeout    time.Duration
	Callbacks         Callbacks
	Logger            zerolog.Logger
}

// Controller drives one transcription session through
// disconnected → connecting → connected → {disconnected | error}.
//
// Every connect, reconnect and teardown bumps a generation counter. Work that
// finishes under a stale generation releases what it acquired instead of
// installing it, so a Disconnect during Connect never leaves a live resource.
type Controller struct {
	deps   Dependencies
	opts   Options
	policy *resilience.ReconnectPolicy
	wait   resilience.Waiter
	now    func() time.Time

	mu         sync.Mutex
	gen        uint64
	status     Status
	connected  bool
	lastErr    error
	errMsg     string
	partial    string
	session    *Session
	transcript []TranscriptItem
	handle     *connectionHandle
	cred       *credential.Credential
	cancel     context.CancelFunc
	run        *run
	closed     bool
}

// run carries the identity of one Connect call across its reconnects
type run struct {
	id      string
	log     zerolog.Logger
	metrics *observability.Metrics
}

// connectionHandle groups the live resources of one connection
type connectionHandle struct {
	stream     audio.Stream
	framer     *audio.Framer
	channel    transport.Channel
	dispatcher *protocol.Dispatcher

	once sync.Once
}

// teardown stops the framer, closes the channel, then releases the microphone
func (h *connectionHandle) teardown() {
	h.once.Do(func() {
		if h.framer != nil {
			h.framer.Stop()
		}
		if h.channel != nil {
			h.channel.Close()
		}
		if h.stream != nil {
			h.stream.SetCallback(nil)
			h.stream.Release()
		}
	})
}

// NewController creates a disconnected controller
func NewController(deps Dependencies, opts Options) (*Controller, error) {
	if deps.Capture == nil || deps.Credentials == nil || deps.Channels == nil {
		return nil, fmt.Errorf("capture, credentials and channels are required")
	}
	if err := opts.Audio.Validate(); err != nil {
		return nil, fmt.Errorf("invalid audio config: %w", err)
	}
	if opts.CredentialTimeout <= 0 {
		opts.CredentialTimeout = defaultCredentialTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}

	c := &Controller{
		deps:   deps,
		opts:   opts,
		policy: resilience.NewReconnectPolicy(opts.Reconnect),
		wait:   deps.Wait,
		now:    deps.Now,
		status: StatusDisconnected,
	}
	if c.wait == nil {
		c.wait = resilience.SleepContext
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Connect acquires the microphone, fetches a credential, opens the channel and
// starts streaming audio. It is a no-op while connecting or connected.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}

	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancel = cancel

	id := uuid.New().String()
	r := &run{
		id:      id,
		log:     c.opts.Logger.With().Str("correlation_id", id).Logger(),
		metrics: observability.NewSessionMetrics(id),
	}
	c.run = r
	c.cred = nil
	c.lastErr = nil
	c.errMsg = ""
	c.partial = ""
	c.session = &Session{ID: id, Status: StatusConnecting, StartTime: c.now()}
	c.policy.Reset()

	var ev events
	c.setStatusLocked(StatusConnecting, &ev)
	c.mu.Unlock()
	ev.emit()

	r.log.Info().Str("codec", string(c.opts.Audio.Codec)).Msg("Connecting transcription session")

	err := c.establish(ctx, r, gen, false)
	if err == nil {
		r.metrics.RecordConnectAttempt("success")
		return nil
	}

	if c.fail(gen, err) {
		r.metrics.RecordConnectAttempt("error")
		return err
	}

	r.metrics.RecordConnectAttempt("aborted")
	c.mu.Lock()
	defer c.mu.Unlock()
	// A fatal event may have ended the attempt before it was installed
	if c.run == r && c.status == StatusError && c.lastErr != nil {
		return c.lastErr
	}
	return ErrAborted
}

// establish runs the connect steps in order. On any failure everything it
// acquired is torn down before it returns.
func (c *Controller) establish(ctx context.Context, r *run, gen uint64, reconnect bool) (err error) {
	h := &connectionHandle{}
	defer func() {
		if err != nil {
			h.teardown()
		}
	}()

	stream, err := c.deps.Capture.Acquire(ctx, audio.ConstraintsFor(c.opts.Audio))
	if err != nil {
		return audio.ClassifyCaptureError(err)
	}
	h.stream = stream
	if !c.current(gen) {
		return ErrAborted
	}

	ch, err := c.deps.Channels.New()
	if err != nil {
		return err
	}
	h.channel = ch

	cred, err := c.credentialFor(ctx, r, ch, reconnect)
	if err != nil {
		return err
	}
	if !c.current(gen) {
		return ErrAborted
	}

	h.dispatcher = protocol.NewDispatcher(&dispatchHandler{c: c, r: r, gen: gen}, r.log,
		protocol.WithEventObserver(r.metrics.RecordProtocolEvent))
	ch.OnMessage(h.dispatcher.Dispatch)
	ch.OnClose(func(code int, reason string) {
		c.handleClose(r, gen, h, code, reason)
	})
	ch.OnError(func(err error) {
		r.log.Warn().Err(err).Str("mode", string(ch.Mode())).Msg("Transport error")
		r.metrics.RecordError(string(KindTransport), "transport")
	})

	openCtx, cancelOpen := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	r.metrics.RecordTransportOpenStart()
	err = ch.Open(openCtx, cred.Token)
	cancelOpen()
	r.metrics.RecordTransportOpenEnd(string(ch.Mode()), err == nil)
	if err != nil {
		return err
	}
	if !c.current(gen) {
		return ErrAborted
	}

	sessionOpts := c.opts.Session
	sessionOpts.InputAudioFormat = protocol.InputAudioFormat(c.opts.Audio.Codec, ch.Mode() == transport.ModePeer)
	update, err := protocol.NewSessionUpdate(sessionOpts).Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode session update: %w", err)
	}
	if err := ch.Send(update); err != nil {
		return &transport.Error{Mode: ch.Mode(), Op: "configure session", Err: err}
	}

	h.framer = audio.NewFramer(c.opts.Audio, frameSink(ch), c.framerOptions(r, ch)...)
	stream.SetCallback(h.framer.Push)
	if err := stream.Start(); err != nil {
		return audio.ClassifyCaptureError(err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrAborted
	}
	if !ch.IsOpen() {
		c.mu.Unlock()
		return &transport.Error{Mode: ch.Mode(), Op: "open", Err: transport.ErrNotOpen}
	}
	c.handle = h
	c.cred = cred
	c.cancel = nil
	c.lastErr = nil
	c.errMsg = ""
	c.policy.Reset()

	firstOpen := !reconnect
	c.session.Status = StatusConnected

	var ev events
	c.setStatusLocked(StatusConnected, &ev)
	c.mu.Unlock()

	if firstOpen {
		r.metrics.RecordSessionStart()
	}
	r.log.Info().
		Str("mode", string(ch.Mode())).
		Bool("reconnect", reconnect).
		Msg("Transcription session connected")
	ev.emit()
	return nil
}

// credentialFor returns the credential for one attempt. Channels that reuse their
// credential keep the first one across reconnects; an expired one is fatal.
func (c *Controller) credentialFor(ctx context.Context, r *run, ch transport.Channel, reconnect bool) (*credential.Credential, error) {
	if reconnect && ch.ReusesCredential() {
		c.mu.Lock()
		cred := c.cred
		c.mu.Unlock()

		if cred != nil {
			if cred.Expired(c.now()) {
				return nil, &credential.Error{Message: "Connection credential expired, please reconnect"}
			}
			return cred, nil
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.CredentialTimeout)
	defer cancel()

	r.metrics.RecordCredentialStart()
	cred, err := c.deps.Credentials.FetchCredential(fetchCtx)
	r.metrics.RecordCredentialEnd(err == nil)
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func frameSink(ch transport.Channel) audio.FrameSink {
	if ac, ok := ch.(transport.AudioChannel); ok {
		return ac.AudioSink()
	}
	return protocol.NewAppendSink(ch)
}

func (c *Controller) framerOptions(r *run, ch transport.Channel) []audio.FramerOption {
	opts := []audio.FramerOption{
		audio.WithFrameObserver(r.metrics.RecordFrame),
		audio.WithFramerLogger(r.log),
	}

	// Without server turn detection the client commits the buffer at the end of speech
	if c.opts.Audio.VoiceActivityMode == audio.VADNone {
		vad := &audio.VADConfig{
			EnergyThreshold: c.opts.Audio.EnergyThreshold,
			SilenceFrames:   c.opts.Audio.SilenceFrames,
		}
		opts = append(opts, audio.WithSpeechListener(vad, func(started bool) {
			// Leading silence is discarded; the utterance is committed when speech ends
			msg := protocol.CommitMessage()
			if started {
				msg = protocol.ClearMessage()
			}
			if err := ch.Send(msg); err != nil {
				r.log.Debug().Err(err).Bool("speech_started", started).Msg("Failed to send input buffer control")
			}
		}))
	}
	return opts
}

// handleClose runs on the channel goroutine when the remote side closes
func (c *Controller) handleClose(r *run, gen uint64, h *connectionHandle, code int, reason string) {
	c.mu.Lock()
	if c.gen != gen || c.handle != h {
		c.mu.Unlock()
		return
	}

	c.gen++
	c.handle = nil
	c.partial = ""
	var ev events

	if !transport.IsUnexpectedClose(code) {
		c.cred = nil
		c.endSessionLocked(StatusDisconnected)
		c.setStatusLocked(StatusDisconnected, &ev)
		c.mu.Unlock()

		h.teardown()
		r.metrics.RecordSessionEnd()
		r.log.Info().Str("reason", reason).Msg("Session closed by server")
		ev.emit()
		return
	}

	rgen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if c.session != nil {
		c.session.Status = StatusConnecting
	}
	c.setStatusLocked(StatusConnecting, &ev)
	c.mu.Unlock()

	h.teardown()
	r.log.Warn().Int("code", code).Str("reason", reason).Msg("Channel closed unexpectedly")
	r.metrics.RecordError(string(KindTransport), "transport")
	ev.emit()

	go c.reconnect(ctx, cancel, r, rgen)
}

func (c *Controller) reconnect(ctx context.Context, cancel context.CancelFunc, r *run, gen uint64) {
	defer cancel()

	attemptFn := func(ctx context.Context, attempt int) error {
		r.metrics.RecordReconnect()
		c.appendItem(gen, r, breadcrumb("Reconnecting", map[string]interface{}{"attempt": attempt}))

		err := c.establish(ctx, r, gen, true)
		if err == nil {
			r.metrics.RecordConnectAttempt("success")
			return nil
		}
		r.metrics.RecordConnectAttempt("error")
		return err
	}

	err := resilience.Reconnect(ctx, c.policy, c.wait, attemptFn, isRetryable, r.log)
	if err != nil {
		c.fail(gen, err)
	}
}

// isRetryable reports whether a failed reopen counts as another unexpected close
func isRetryable(err error) bool {
	if errors.Is(err, ErrAborted) {
		return false
	}
	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		return true
	}
	return resilience.IsRetryableNetworkError(err)
}

// fail records a terminal error for gen. It returns false when gen is stale.
func (c *Controller) fail(gen uint64, err error) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}

	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	h := c.handle
	c.handle = nil
	c.cred = nil
	c.partial = ""
	c.lastErr = err
	c.errMsg = UserMessage(err)
	c.endSessionLocked(StatusError)

	var ev events
	c.setStatusLocked(StatusError, &ev)
	if cb := c.opts.Callbacks.OnError; cb != nil {
		ev.add(func() { cb(err) })
	}
	r := c.run
	c.mu.Unlock()

	if h != nil {
		h.teardown()
	}
	if r != nil {
		r.metrics.RecordError(string(ErrorKind(err)), "session")
		r.metrics.RecordSessionEnd()
		r.log.Error().Err(err).Str("kind", string(ErrorKind(err))).Msg("Transcription session failed")
	}
	ev.emit()
	return true
}

// Disconnect ends the session. It is safe to call at any time and more than once.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	h := c.handle
	c.handle = nil
	c.cred = nil
	c.partial = ""
	ended := c.endSessionLocked(StatusDisconnected)

	var ev events
	c.setStatusLocked(StatusDisconnected, &ev)
	r := c.run
	c.mu.Unlock()

	if h != nil {
		h.teardown()
	}
	if r != nil && ended {
		r.metrics.RecordSessionEnd()
		r.log.Info().Msg("Transcription session disconnected")
	}
	ev.emit()
}

// Close disconnects and rejects further Connect calls
func (c *Controller) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// current reports whether gen is still the live generation
func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// endSessionLocked stamps the end of the current session once
func (c *Controller) endSessionLocked(status Status) bool {
	if c.session == nil || c.session.EndTime != nil {
		return false
	}
	end := c.now()
	duration := end.Sub(c.session.StartTime)
	if duration < 0 {
		duration = 0
	}
	c.session.EndTime = &end
	c.session.TotalDuration = &duration
	c.session.Status = status
	return true
}

// setStatusLocked queues status and connection callbacks for changes only
func (c *Controller) setStatusLocked(status Status, ev *events) {
	if c.status == status {
		return
	}
	c.status = status
	if cb := c.opts.Callbacks.OnStatusChange; cb != nil {
		ev.add(func() { cb(status) })
	}

	connected := status == StatusConnected
	if connected != c.connected {
		c.connected = connected
		if cb := c.opts.Callbacks.OnConnectionChange; cb != nil {
			ev.add(func() { cb(connected) })
		}
	}
}

// appendItem adds an item to the transcript and hands it to the store
func (c *Controller) appendItem(gen uint64, r *run, item TranscriptItem) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	item.CreatedAtMs = c.now().UnixMilli()
	c.transcript = append(c.transcript, item)
	c.mu.Unlock()

	if c.deps.Store != nil {
		if err := c.deps.Store.Append(item); err != nil {
			r.log.Warn().Err(err).Str("item_id", item.ID).Msg("Failed to store transcript item")
		}
	}
	return true
}

// Snapshot returns a copy of the controller state
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := State{
		Status:      c.status,
		IsConnected: c.connected,
		Error:       c.errMsg,
		Partial:     c.partial,
		Transcript:  make([]TranscriptItem, len(c.transcript)),
		Reconnect:   c.policy.State(),
	}
	copy(state.Transcript, c.transcript)
	if c.session != nil {
		s := *c.session
		state.Session = &s
	}
	return state
}

// Status returns the current status
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether audio is streaming to an open channel
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Err returns the last terminal error, nil after a successful connect
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// events are callbacks collected under the lock and run after it is released
type events []func()

func (e *events) add(fn func()) {
	*e = append(*e, fn)
}

func (e events) emit() {
	for _, fn := range e {
		fn()
	}
}

func breadcrumb(content string, data map[string]interface{}) TranscriptItem {
	return TranscriptItem{
		ID:      uuid.New().String(),
		Type:    ItemBreadcrumb,
		Content: content,
		Data:    data,
	}
}
