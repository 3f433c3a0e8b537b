package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-transcriber/internal/audio"
)

const (
	dataChannelLabel = "oai-events"
	maxBufferedBytes = 1 << 20
)

// PeerConfig configures a PeerChannel
type PeerConfig struct {
	NegotiationURL string
	STUNServer     string
	Audio          audio.Config
	HTTPClient     *http.Client
}

type sdpMessage struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// PeerChannel is a Channel over a peer connection: protocol messages travel on an
// ordered reliable data channel and microphone audio on a local track.
type PeerChannel struct {
	cfg    PeerConfig
	logger zerolog.Logger

	mu        sync.RWMutex
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	sink      *TrackSink
	open      bool
	started   bool
	done      chan struct{}
	onMessage func([]byte)
	onClose   func(int, string)
	onError   func(error)

	closeOnce sync.Once
}

// NewPeerChannel creates an unopened peer channel and its audio encoder
func NewPeerChannel(cfg PeerConfig, logger zerolog.Logger) (*PeerChannel, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	c := &PeerChannel{
		cfg:    cfg,
		logger: logger.With().Str("transport", string(ModePeer)).Logger(),
		done:   make(chan struct{}),
	}

	sink, err := NewTrackSink(cfg.Audio, c.IsOpen)
	if err != nil {
		return nil, &Error{Mode: ModePeer, Op: "create track", Err: err}
	}
	c.sink = sink
	return c, nil
}

func (c *PeerChannel) Mode() Mode { return ModePeer }

// ReusesCredential is false: every negotiation needs a fresh credential
func (c *PeerChannel) ReusesCredential() bool { return false }

// AudioSink returns the sink that encodes frames onto the local track
func (c *PeerChannel) AudioSink() audio.FrameSink { return c.sink }

func (c *PeerChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *PeerChannel) OnClose(fn func(int, string)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *PeerChannel) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Open builds the peer connection, negotiates through the backend and waits for the data channel
func (c *PeerChannel) Open(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return &Error{Mode: ModePeer, Op: "open", Err: ErrAlreadyOpened}
	}
	c.started = true
	c.mu.Unlock()

	config := webrtc.Configuration{}
	if c.cfg.STUNServer != "" {
		config.ICEServers = []webrtc.ICEServer{{URLs: []string{c.cfg.STUNServer}}}
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return &Error{Mode: ModePeer, Op: "create peer connection", Err: err}
	}

	fail := func(op string, err error) error {
		pc.Close()
		return &Error{Mode: ModePeer, Op: op, Err: err}
	}

	rtpSender, err := pc.AddTrack(c.sink.Track())
	if err != nil {
		return fail("add track", err)
	}
	go drainRTCP(rtpSender)

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fail("create data channel", err)
	}

	opened := make(chan struct{})
	failed := make(chan struct{})
	var openOnce, failOnce sync.Once

	dc.OnOpen(func() {
		openOnce.Do(func() { close(opened) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.RLock()
		fn := c.onMessage
		c.mu.RUnlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
	dc.OnClose(func() {
		c.shutdown(CloseAbnormal, "data channel closed", true)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug().Str("state", state.String()).Msg("Peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed:
			failOnce.Do(func() { close(failed) })
			c.reportError(&Error{Mode: ModePeer, Op: "connect", Err: errors.New("ice connection failed")})
			c.shutdown(CloseAbnormal, "peer connection failed", true)
		case webrtc.PeerConnectionStateClosed:
			failOnce.Do(func() { close(failed) })
			c.shutdown(CloseAbnormal, "peer connection closed", true)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail("create offer", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail("set local description", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return fail("gather candidates", ctx.Err())
	}

	answer, err := Negotiate(ctx, c.cfg.HTTPClient, c.cfg.NegotiationURL, token, pc.LocalDescription().SDP)
	if err != nil {
		return fail("negotiate", err)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fail("set remote description", err)
	}

	c.mu.Lock()
	c.pc = pc
	c.dc = dc
	c.mu.Unlock()

	select {
	case <-opened:
	case <-failed:
		return fail("connect", errors.New("ice connection failed"))
	case <-c.done:
		return fail("open", ErrNotOpen)
	case <-ctx.Done():
		return fail("open data channel", ctx.Err())
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return fail("open", ErrNotOpen)
	default:
	}
	c.open = true
	c.mu.Unlock()

	c.logger.Info().Str("codec", string(c.cfg.Audio.Codec)).Msg("Peer channel open")
	return nil
}

// Send writes to the data channel, dropping the message when too much is already buffered
func (c *PeerChannel) Send(message []byte) error {
	c.mu.RLock()
	open, dc := c.open, c.dc
	c.mu.RUnlock()

	if !open || dc == nil {
		return ErrNotOpen
	}
	if dc.BufferedAmount() > maxBufferedBytes {
		return ErrBackpressure
	}
	if err := dc.Send(message); err != nil {
		return &Error{Mode: ModePeer, Op: "send", Err: err}
	}
	return nil
}

func (c *PeerChannel) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// Close tears down the data channel and peer connection
func (c *PeerChannel) Close() error {
	c.shutdown(CloseNormal, "client closed", false)
	return nil
}

func (c *PeerChannel) reportError(err error) {
	c.mu.RLock()
	fn := c.onError
	c.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (c *PeerChannel) shutdown(code int, reason string, notify bool) {
	var fn func(int, string)
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasOpen := c.open
		c.open = false
		close(c.done)
		pc, dc := c.pc, c.dc
		// A channel that never opened reports its failure through Open instead
		if notify && wasOpen {
			fn = c.onClose
		}
		c.mu.Unlock()

		c.sink.Close()
		if dc != nil {
			dc.Close()
		}
		if pc != nil {
			// Close fires the Closed state callback; closeOnce keeps it from recursing
			go pc.Close()
		}
	})
	if fn != nil {
		fn(code, reason)
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Negotiate posts the local offer with the credential as bearer token and returns the answer SDP.
// The endpoint may answer with {sdp,type} JSON or a raw SDP body.
func Negotiate(ctx context.Context, client *http.Client, url, token, offerSDP string) (string, error) {
	body, err := json.Marshal(sdpMessage{SDP: offerSDP, Type: "offer"})
	if err != nil {
		return "", fmt.Errorf("failed to marshal offer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("negotiation endpoint returned status %d", resp.StatusCode)
	}

	var answer sdpMessage
	if err := json.Unmarshal(data, &answer); err == nil && answer.SDP != "" {
		if answer.Type != "" && answer.Type != "answer" {
			return "", fmt.Errorf("expected answer, got %q", answer.Type)
		}
		return answer.SDP, nil
	}

	if raw := strings.TrimSpace(string(data)); strings.HasPrefix(raw, "v=") {
		return raw + "\r\n", nil
	}
	return "", errors.New("negotiation response carried no answer")
}
