package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-transcriber/internal/audio"
	"github.com/lexiqai/voice-transcriber/internal/credential"
	"github.com/lexiqai/voice-transcriber/internal/protocol"
	"github.com/lexiqai/voice-transcriber/internal/resilience"
	"github.com/lexiqai/voice-transcriber/internal/transport"
)

const testBaseDelay = 100 * time.Millisecond

// fakeChannel follows the Channel contract: OnClose fires only for remote closes
type fakeChannel struct {
	mode    transport.Mode
	reuses  bool
	openErr error

	mu        sync.Mutex
	open      bool
	token     string
	closes    int
	sent      [][]byte
	onMessage func([]byte)
	onClose   func(int, string)
	closeHook func()
}

func (c *fakeChannel) Mode() transport.Mode { return c.mode }

func (c *fakeChannel) Open(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	if c.openErr != nil {
		return c.openErr
	}
	c.open = true
	return nil
}

func (c *fakeChannel) Send(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return transport.ErrNotOpen
	}
	c.sent = append(c.sent, message)
	return nil
}

func (c *fakeChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(fn func(int, string)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnError(fn func(error)) {}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.open = false
	hook := c.closeHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (c *fakeChannel) setCloseHook(fn func()) {
	c.mu.Lock()
	c.closeHook = fn
	c.mu.Unlock()
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) ReusesCredential() bool { return c.reuses }

func (c *fakeChannel) deliver(message string) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	fn([]byte(message))
}

func (c *fakeChannel) remoteClose(code int) {
	c.mu.Lock()
	c.open = false
	fn := c.onClose
	c.mu.Unlock()
	fn(code, "remote")
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeChannel) openToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *fakeChannel) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.sent))
	for _, msg := range c.sent {
		var m struct {
			Type string `json:"type"`
		}
		json.Unmarshal(msg, &m)
		types = append(types, m.Type)
	}
	return types
}

type fakeFactory struct {
	mode transport.Mode

	mu       sync.Mutex
	openErrs map[int]error // by channel index
	channels []*fakeChannel
}

func (f *fakeFactory) New() (transport.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &fakeChannel{
		mode:    f.mode,
		reuses:  f.mode == transport.ModeSocket,
		openErr: f.openErrs[len(f.channels)],
	}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *fakeFactory) channel(i int) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[i]
}

type fakeFetcher struct {
	mu        sync.Mutex
	calls     int
	err       error
	expiresAt time.Time
	gate      chan struct{}
	started   chan struct{}
}

func (f *fakeFetcher) FetchCredential(ctx context.Context) (*credential.Credential, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	gate, started, err := f.gate, f.started, f.err
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &credential.Error{Message: "Failed to get connection credential", Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}
	return &credential.Credential{Token: fmt.Sprintf("token-%d", n), ExpiresAt: f.expiresAt}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transcriptUpdate struct {
	text    string
	isFinal bool
}

type recorder struct {
	mu          sync.Mutex
	statuses    []Status
	connections []bool
	updates     []transcriptUpdate
	errs        []error
	waits       []time.Duration
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStatusChange: func(s Status) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
		OnConnectionChange: func(connected bool) {
			r.mu.Lock()
			r.connections = append(r.connections, connected)
			r.mu.Unlock()
		},
		OnTranscriptionUpdate: func(text string, isFinal bool) {
			r.mu.Lock()
			r.updates = append(r.updates, transcriptUpdate{text, isFinal})
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) wait(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		statuses:    append([]Status(nil), r.statuses...),
		connections: append([]bool(nil), r.connections...),
		updates:     append([]transcriptUpdate(nil), r.updates...),
		errs:        append([]error(nil), r.errs...),
		waits:       append([]time.Duration(nil), r.waits...),
	}
}

type harness struct {
	ctrl    *Controller
	capture *audio.FakeCapture
	fetcher *fakeFetcher
	factory *fakeFactory
	store   *MemoryStore
	clock   *fakeClock
	rec     *recorder
}

func newHarness(t *testing.T, mode transport.Mode, configure func(*Options)) *harness {
	t.Helper()
	return newHarnessWithCapture(t, mode, configure, func(c *audio.FakeCapture) audio.CaptureDevice { return c })
}

func newHarnessWithCapture(t *testing.T, mode transport.Mode, configure func(*Options), wrap func(*audio.FakeCapture) audio.CaptureDevice) *harness {
	t.Helper()

	h := &harness{
		capture: audio.NewFakeCapture(),
		fetcher: &fakeFetcher{},
		factory: &fakeFactory{mode: mode},
		store:   NewMemoryStore(),
		clock:   &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		rec:     &recorder{},
	}

	opts := Options{
		Audio: audio.DefaultConfig(),
		Session: protocol.SessionOptions{
			TranscriptionModel: "gpt-4o-transcribe",
			VADMode:            "server",
		},
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: 3,
			Backoff:     testBaseDelay,
			Multiplier:  2.0,
		},
		Callbacks: h.rec.callbacks(),
		Logger:    zerolog.Nop(),
	}
	if configure != nil {
		configure(&opts)
	}

	ctrl, err := NewController(Dependencies{
		Capture:     wrap(h.capture),
		Credentials: h.fetcher,
		Channels:    h.factory,
		Store:       h.store,
		Wait:        h.rec.wait,
		Now:         h.clock.Now,
	}, opts)
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	h.ctrl = ctrl
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestNewController_RequiresDependencies(t *testing.T) {
	if _, err := NewController(Dependencies{}, Options{Audio: audio.DefaultConfig()}); err == nil {
		t.Error("Expected error for missing dependencies")
	}

	deps := Dependencies{
		Capture:     audio.NewFakeCapture(),
		Credentials: &fakeFetcher{},
		Channels:    &fakeFactory{mode: transport.ModeSocket},
	}
	if _, err := NewController(deps, Options{Audio: audio.Config{}}); err == nil {
		t.Error("Expected error for invalid audio config")
	}
}

func TestController_ConnectThenDisconnect(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)

	if h.ctrl.Status() != StatusDisconnected {
		t.Fatalf("Expected initial status disconnected, got %s", h.ctrl.Status())
	}

	h.connect(t)

	if !h.ctrl.IsConnected() {
		t.Error("Expected controller to be connected")
	}
	state := h.ctrl.Snapshot()
	if state.Session == nil || state.Session.Status != StatusConnected {
		t.Fatalf("Expected a connected session, got %+v", state.Session)
	}

	h.clock.Advance(3 * time.Second)
	h.ctrl.Disconnect()

	rec := h.rec.snapshot()
	expected := []Status{StatusConnecting, StatusConnected, StatusDisconnected}
	if fmt.Sprint(rec.statuses) != fmt.Sprint(expected) {
		t.Errorf("Expected statuses %v, got %v", expected, rec.statuses)
	}
	if fmt.Sprint(rec.connections) != "[true false]" {
		t.Errorf("Expected connection changes [true false], got %v", rec.connections)
	}

	state = h.ctrl.Snapshot()
	if state.Session.EndTime == nil || state.Session.TotalDuration == nil {
		t.Fatal("Expected session end time and duration")
	}
	if *state.Session.TotalDuration != 3*time.Second {
		t.Errorf("Expected duration 3s, got %v", *state.Session.TotalDuration)
	}
	if h.capture.Live() != 0 {
		t.Errorf("Expected microphone released, %d streams live", h.capture.Live())
	}
	if h.factory.channel(0).closeCount() != 1 {
		t.Errorf("Expected channel closed once, got %d", h.factory.channel(0).closeCount())
	}
}

func TestController_DisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)

	// Before any connect
	h.ctrl.Disconnect()
	h.ctrl.Disconnect()
	if h.ctrl.Status() != StatusDisconnected {
		t.Errorf("Expected disconnected, got %s", h.ctrl.Status())
	}
	if len(h.rec.snapshot().statuses) != 0 {
		t.Error("Expected no status change for disconnect before connect")
	}

	h.connect(t)
	h.ctrl.Disconnect()
	h.ctrl.Disconnect()

	if h.factory.channel(0).closeCount() != 1 {
		t.Errorf("Expected channel closed once, got %d", h.factory.channel(0).closeCount())
	}
	if h.ctrl.Snapshot().Session.TotalDuration == nil || *h.ctrl.Snapshot().Session.TotalDuration < 0 {
		t.Error("Expected non-negative session duration")
	}
}

func TestController_ConnectWhileConnected(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)
	h.connect(t)
	h.connect(t)

	if h.capture.Acquired() != 1 {
		t.Errorf("Expected 1 capture acquisition, got %d", h.capture.Acquired())
	}
	if h.factory.count() != 1 {
		t.Errorf("Expected 1 channel, got %d", h.factory.count())
	}
}

func TestController_ConnectWhileConnecting(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)
	gate := make(chan struct{})
	h.capture.Gate = gate

	result := make(chan error, 1)
	go func() { result <- h.ctrl.Connect(context.Background()) }()

	waitFor(t, "capture acquisition", func() bool { return h.capture.Acquired() == 1 })

	if err := h.ctrl.Connect(context.Background()); err != nil {
		t.Errorf("Expected second connect to be a no-op, got %v", err)
	}
	close(gate)

	if err := <-result; err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if h.capture.Acquired() != 1 {
		t.Errorf("Expected 1 capture acquisition, got %d", h.capture.Acquired())
	}
	if h.ctrl.Status() != StatusConnected {
		t.Errorf("Expected connected, got %s", h.ctrl.Status())
	}
}

func TestController_PermissionDenied(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)
	h.capture.Err = errors.New("NotAllowedError: Permission denied")

	err := h.ctrl.Connect(context.Background())

	var permErr *audio.PermissionError
	if !errors.As(err, &permErr) {
		t.Fatalf("Expected PermissionError, got %v", err)
	}
	if h.ctrl.Status() != StatusError {
		t.Errorf("Expected status error, got %s", h.ctrl.Status())
	}
	if msg := h.ctrl.Snapshot().Error; !strings.Contains(strings.ToLower(msg), "permission") {
		t.Errorf("Expected error message mentioning permission, got %q", msg)
	}
	if h.fetcher.callCount() != 0 {
		t.Errorf("Expected no credential fetch, got %d", h.fetcher.callCount())
	}
	if len(h.rec.snapshot().errs) != 1 {
		t.Errorf("Expected OnError once, got %d", len(h.rec.snapshot().errs))
	}
	if ErrorKind(h.ctrl.Err()) != KindPermission {
		t.Errorf("Expected kind permission, got %s", ErrorKind(h.ctrl.Err()))
	}
}

func TestController_CredentialError(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)
	h.fetcher.err = &credential.Error{Message: "Session expired, please sign in", StatusCode: 401}

	err := h.ctrl.Connect(context.Background())

	var credErr *credential.Error
	if !errors.As(err, &credErr) {
		t.Fatalf("Expected credential error, got %v", err)
	}
	state := h.ctrl.Snapshot()
	if state.Status != StatusError || state.Error != "Session expired, please sign in" {
		t.Errorf("Unexpected state %s %q", state.Status, state.Error)
	}
	if h.capture.Live() != 0 {
		t.Errorf("Expected microphone released, %d streams live", h.capture.Live())
	}
	if h.factory.channel(0).IsOpen() {
		t.Error("Expected channel never opened")
	}

	// Connect again from error
	h.fetcher.mu.Lock()
	h.fetcher.err = nil
	h.fetcher.mu.Unlock()
	h.connect(t)
	if h.ctrl.Status() != StatusConnected || h.ctrl.Snapshot().Error != "" {
		t.Errorf("Expected a clean reconnect, got %s %q", h.ctrl.Status(), h.ctrl.Snapshot().Error)
	}
}

func TestController_TransportOpenError(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)
	h.factory.openErrs = map[int]error{
		0: &transport.Error{Mode: transport.ModeSocket, Op: "dial", Err: errors.New("bad handshake")},
	}

	err := h.ctrl.Connect(context.Background())

	if ErrorKind(err) != KindTransport {
		t.Errorf("Expected transport error, got %v", err)
	}
	if h.ctrl.Status() != StatusError {
		t.Errorf("Expected status error, got %s", h.ctrl.Status())
	}
	if h.capture.Live() != 0 {
		t.Errorf("Expected microphone released, %d streams live", h.capture.Live())
	}

	sess := h.ctrl.Snapshot().Session
	if sess == nil {
		t.Fatal("Expected a session for the failed attempt")
	}
	if sess.ID == "" || sess.Status != StatusError || sess.EndTime == nil {
		t.Errorf("Expected ended session with an ID, got %+v", sess)
	}
}

func TestController_DisconnectDuringConnect(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)
	h.fetcher.gate = make(chan struct{})
	h.fetcher.started = make(chan struct{}, 1)

	result := make(chan error, 1)
	go func() { result <- h.ctrl.Connect(context.Background()) }()

	<-h.fetcher.started
	h.ctrl.Disconnect()

	err := <-result
	if !errors.Is(err, ErrAborted) {
		t.Errorf("Expected ErrAborted, got %v", err)
	}
	if h.ctrl.Status() != StatusDisconnected {
		t.Errorf("Expected disconnected, got %s", h.ctrl.Status())
	}
	if h.capture.Live() != 0 {
		t.Errorf("Expected microphone released, %d streams live", h.capture.Live())
	}
	if h.factory.channel(0).IsOpen() {
		t.Error("Expected no open channel")
	}
	if len(h.rec.snapshot().errs) != 0 {
		t.Error("Expected no OnError for an aborted connect")
	}
}

func TestController_TranscriptCompleted(t *testing.T) {
	for _, eventType := range []string{protocol.EventTranscriptCompleted, protocol.EventTranscriptCompletedShort} {
		t.Run(eventType, func(t *testing.T) {
			h := newHarness(t, transport.ModeSocket, nil)
			h.connect(t)
			ch := h.factory.channel(0)

			ch.deliver(`{"type":"input_audio_buffer.speech_started"}`)
			if h.ctrl.Snapshot().Partial != protocol.PartialListening {
				t.Errorf("Expected partial %q, got %q", protocol.PartialListening, h.ctrl.Snapshot().Partial)
			}

			ch.deliver(`{"type":"` + eventType + `","item_id":"item_1","transcript":"hello world"}`)

			var messages []TranscriptItem
			for _, item := range h.ctrl.Snapshot().Transcript {
				if item.Type == ItemMessage {
					messages = append(messages, item)
				}
			}
			if len(messages) != 1 {
				t.Fatalf("Expected exactly 1 message, got %d", len(messages))
			}
			if messages[0].Role != RoleUser || messages[0].Content != "hello world" {
				t.Errorf("Unexpected item %+v", messages[0])
			}
			if h.ctrl.Snapshot().Partial != "" {
				t.Errorf("Expected partial cleared, got %q", h.ctrl.Snapshot().Partial)
			}

			updates := h.rec.snapshot().updates
			if len(updates) != 1 || updates[0] != (transcriptUpdate{"hello world", true}) {
				t.Errorf("Expected one final update, got %v", updates)
			}
			if len(h.store.Messages()) != 1 {
				t.Errorf("Expected 1 stored message, got %d", len(h.store.Messages()))
			}
		})
	}
}

func TestController_TranscriptDelta(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)
	h.connect(t)
	ch := h.factory.channel(0)

	ch.deliver(`{"type":"conversation.item.input_audio_transcription.delta","item_id":"i1","delta":"hello"}`)
	ch.deliver(`{"type":"conversation.item.input_audio_transcription.delta","item_id":"i1","delta":" wor"}`)

	if h.ctrl.Snapshot().Partial != "hello wor" {
		t.Errorf("Expected partial 'hello wor', got %q", h.ctrl.Snapshot().Partial)
	}
	updates := h.rec.snapshot().updates
	if len(updates) != 2 || updates[1] != (transcriptUpdate{"hello wor", false}) {
		t.Errorf("Expected interim updates, got %v", updates)
	}
}

func TestController_TranscriptionFailedIsRecoverable(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)
	h.connect(t)

	h.factory.channel(0).deliver(`{"type":"transcription.failed","item_id":"i1","error":{"message":"audio too short"}}`)

	if h.ctrl.Status() != StatusConnected {
		t.Errorf("Expected status to stay connected, got %s", h.ctrl.Status())
	}
	if len(h.rec.snapshot().errs) != 0 {
		t.Error("Expected no OnError for a failed transcription")
	}

	state := h.ctrl.Snapshot()
	if state.Error != "Transcription failed: audio too short" {
		t.Errorf("Expected recoverable error message, got %q", state.Error)
	}
	last := state.Transcript[len(state.Transcript)-1]
	if last.Type != ItemBreadcrumb || last.Content != "Transcription failed: audio too short" {
		t.Errorf("Expected failure breadcrumb, got %+v", last)
	}

	h.factory.channel(0).deliver(`{"type":"transcription.completed","item_id":"i2","transcript":"hello again"}`)
	if msg := h.ctrl.Snapshot().Error; msg != "" {
		t.Errorf("Expected error cleared by the next transcript, got %q", msg)
	}
	if h.ctrl.Status() != StatusConnected {
		t.Errorf("Expected status connected, got %s", h.ctrl.Status())
	}
}

func TestController_ProtocolErrorIsFatal(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)
	h.connect(t)
	ch := h.factory.channel(0)

	ch.deliver(`{"type":"error","error":{"type":"invalid_request_error","message":"Invalid session"}}`)

	state := h.ctrl.Snapshot()
	if state.Status != StatusError || state.Error != "Invalid session" {
		t.Errorf("Unexpected state %s %q", state.Status, state.Error)
	}
	if state.Session.TotalDuration == nil || *state.Session.TotalDuration < 0 {
		t.Error("Expected session ended with non-negative duration")
	}

	errs := h.rec.snapshot().errs
	var protoErr *protocol.Error
	if len(errs) != 1 || !errors.As(errs[0], &protoErr) {
		t.Errorf("Expected one protocol error, got %v", errs)
	}

	h.ctrl.Disconnect()
	if ch.closeCount() != 1 {
		t.Errorf("Expected teardown exactly once, got %d closes", ch.closeCount())
	}
	if h.capture.Live() != 0 {
		t.Errorf("Expected microphone released, %d streams live", h.capture.Live())
	}
}

func TestController_ReconnectAfterUnexpectedClose(t *testing.T) {
	tests := []struct {
		name          string
		mode          transport.Mode
		expectFetches int
		expectToken   string
	}{
		{"socket reuses credential", transport.ModeSocket, 1, "token-1"},
		{"peer fetches fresh credential", transport.ModePeer, 2, "token-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.mode, nil)
			h.connect(t)
			sessionID := h.ctrl.Snapshot().Session.ID

			h.factory.channel(0).remoteClose(transport.CloseAbnormal)

			waitFor(t, "reconnect", func() bool {
				return h.factory.count() == 2 && h.ctrl.Status() == StatusConnected
			})

			rec := h.rec.snapshot()
			if len(rec.waits) != 1 || rec.waits[0] != testBaseDelay {
				t.Errorf("Expected one reconnect after %v, got %v", testBaseDelay, rec.waits)
			}
			if h.fetcher.callCount() != tt.expectFetches {
				t.Errorf("Expected %d credential fetches, got %d", tt.expectFetches, h.fetcher.callCount())
			}
			if token := h.factory.channel(1).openToken(); token != tt.expectToken {
				t.Errorf("Expected token %s, got %s", tt.expectToken, token)
			}

			state := h.ctrl.Snapshot()
			if state.Reconnect.Attempts != 0 {
				t.Errorf("Expected attempts reset after open, got %d", state.Reconnect.Attempts)
			}
			if state.Session.ID != sessionID {
				t.Error("Expected the session to survive the reconnect")
			}
			if h.capture.Live() != 1 {
				t.Errorf("Expected exactly one live stream, got %d", h.capture.Live())
			}
			if h.factory.channel(0).closeCount() != 1 {
				t.Errorf("Expected old channel torn down once, got %d", h.factory.channel(0).closeCount())
			}

			h.ctrl.Disconnect()
		})
	}
}

func TestController_ReconnectExhausted(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)
	openErr := &transport.Error{Mode: transport.ModeSocket, Op: "dial", Err: errors.New("connection refused")}
	h.factory.openErrs = map[int]error{1: openErr, 2: openErr, 3: openErr}
	h.connect(t)

	h.factory.channel(0).remoteClose(transport.CloseAbnormal)

	waitFor(t, "error status", func() bool { return h.ctrl.Status() == StatusError })

	rec := h.rec.snapshot()
	expected := []time.Duration{testBaseDelay, 2 * testBaseDelay}
	if fmt.Sprint(rec.waits) != fmt.Sprint(expected) {
		t.Errorf("Expected waits %v, got %v", expected, rec.waits)
	}
	if !errors.Is(h.ctrl.Err(), resilience.ErrReconnectExhausted) {
		t.Errorf("Expected ErrReconnectExhausted, got %v", h.ctrl.Err())
	}
	if len(rec.errs) != 1 {
		t.Errorf("Expected OnError once, got %d", len(rec.errs))
	}

	time.Sleep(20 * time.Millisecond)
	if h.factory.count() != 3 {
		t.Errorf("Expected no further reconnect, got %d channels", h.factory.count())
	}
	if h.capture.Live() != 0 {
		t.Errorf("Expected microphone released, %d streams live", h.capture.Live())
	}
}

func TestController_ExpiredCredentialOnReconnect(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)
	h.fetcher.expiresAt = h.clock.Now().Add(time.Minute)
	h.connect(t)

	h.clock.Advance(2 * time.Minute)
	h.factory.channel(0).remoteClose(transport.CloseAbnormal)

	waitFor(t, "error status", func() bool { return h.ctrl.Status() == StatusError })

	if ErrorKind(h.ctrl.Err()) != KindCredential {
		t.Errorf("Expected credential error, got %v", h.ctrl.Err())
	}
	if !strings.Contains(h.ctrl.Snapshot().Error, "expired") {
		t.Errorf("Expected expiry message, got %q", h.ctrl.Snapshot().Error)
	}
	if h.fetcher.callCount() != 1 {
		t.Errorf("Expected no second fetch, got %d", h.fetcher.callCount())
	}
	if h.capture.Live() != 0 {
		t.Errorf("Expected microphone released, %d streams live", h.capture.Live())
	}
}

func TestController_RemoteNormalClose(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)
	h.connect(t)

	h.factory.channel(0).remoteClose(transport.CloseNormal)

	if h.ctrl.Status() != StatusDisconnected {
		t.Errorf("Expected disconnected, got %s", h.ctrl.Status())
	}
	time.Sleep(20 * time.Millisecond)
	if h.factory.count() != 1 {
		t.Errorf("Expected no reconnect, got %d channels", h.factory.count())
	}
	if h.capture.Live() != 0 {
		t.Errorf("Expected microphone released, %d streams live", h.capture.Live())
	}
}

func TestController_StreamsAudioFrames(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)
	h.connect(t)

	samples := make([]float32, audio.DefaultConfig().FrameSize)
	for i := range samples {
		samples[i] = 0.1
	}
	h.capture.Streams()[0].Emit(samples)

	types := h.factory.channel(0).sentTypes()
	expected := []string{protocol.MessageSessionUpdate, protocol.MessageAudioAppend}
	if fmt.Sprint(types) != fmt.Sprint(expected) {
		t.Errorf("Expected messages %v, got %v", expected, types)
	}

	// Frames after disconnect are dropped
	stream := h.capture.Streams()[0]
	h.ctrl.Disconnect()
	stream.Emit(samples)
	if len(h.factory.channel(0).sentTypes()) != 2 {
		t.Error("Expected no frames sent after disconnect")
	}
}

func TestController_LocalVADCommits(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, func(opts *Options) {
		opts.Audio.VoiceActivityMode = audio.VADNone
		opts.Audio.FrameSize = 480
		opts.Audio.SilenceFrames = 1
		opts.Session.VADMode = "none"
	})
	h.connect(t)
	stream := h.capture.Streams()[0]

	loud := make([]float32, 480)
	for i := range loud {
		loud[i] = 0.5
	}
	stream.Emit(loud)
	stream.Emit(make([]float32, 480))

	types := h.factory.channel(0).sentTypes()
	expected := []string{
		protocol.MessageSessionUpdate,
		protocol.MessageAudioClear,
		protocol.MessageAudioAppend,
		protocol.MessageAudioCommit,
		protocol.MessageAudioAppend,
	}
	if fmt.Sprint(types) != fmt.Sprint(expected) {
		t.Errorf("Expected messages %v, got %v", expected, types)
	}
}

func TestController_CloseRejectsConnect(t *testing.T) {
	h := newHarness(t, transport.ModeSocket, nil)
	h.connect(t)
	h.ctrl.Close()

	if h.capture.Live() != 0 {
		t.Errorf("Expected microphone released, %d streams live", h.capture.Live())
	}
	if err := h.ctrl.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

type teardownLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *teardownLog) add(entry string) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *teardownLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// loggedStream records when the microphone is released
type loggedStream struct {
	audio.Stream
	log *teardownLog
}

func (s *loggedStream) Release() {
	s.log.add("capture")
	s.Stream.Release()
}

type loggedCapture struct {
	*audio.FakeCapture
	log *teardownLog
}

func (c loggedCapture) Acquire(ctx context.Context, constraints audio.Constraints) (audio.Stream, error) {
	stream, err := c.FakeCapture.Acquire(ctx, constraints)
	if err != nil {
		return nil, err
	}
	return &loggedStream{Stream: stream, log: c.log}, nil
}

func TestController_TeardownOrder(t *testing.T) {
	tests := []struct {
		name string
		end  func(h *harness)
	}{
		{"disconnect", func(h *harness) { h.ctrl.Disconnect() }},
		{"fatal error event", func(h *harness) {
			h.factory.channel(0).deliver(`{"type":"error","error":{"message":"Invalid session"}}`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &teardownLog{}
			h := newHarnessWithCapture(t, transport.ModeSocket, nil, func(c *audio.FakeCapture) audio.CaptureDevice {
				return loggedCapture{FakeCapture: c, log: log}
			})
			h.connect(t)

			h.ctrl.mu.Lock()
			framer := h.ctrl.handle.framer
			h.ctrl.mu.Unlock()

			h.factory.channel(0).setCloseHook(func() {
				if framer.Stopped() {
					log.add("framer")
				}
				log.add("channel")
			})

			tt.end(h)

			expected := []string{"framer", "channel", "capture"}
			if got := log.list(); fmt.Sprint(got) != fmt.Sprint(expected) {
				t.Errorf("Expected teardown order %v, got %v", expected, got)
			}
		})
	}
}
