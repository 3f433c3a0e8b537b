package audio

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Frame outcomes reported to the frame observer
const (
	FrameSent    = "sent"
	FrameDropped = "dropped"
)

// Frame is one fixed-size block of interleaved PCM16 samples
type Frame struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the frame
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	perChannel := len(f.Samples) / f.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRate)
}

// FrameSink receives frames from the framer. WriteFrame must not block.
type FrameSink interface {
	// Ready reports whether the sink can accept a frame right now
	Ready() bool

	// WriteFrame hands a frame to the transport
	WriteFrame(frame Frame) error
}

// FramerStats counts framer output
type FramerStats struct {
	Sent    uint64
	Dropped uint64
}

// FramerOption configures a Framer
type FramerOption func(*Framer)

// WithSpeechListener enables local VAD and reports speech start (true) and stop (false)
func WithSpeechListener(vad *VADConfig, fn func(started bool)) FramerOption {
	return func(f *Framer) {
		f.vad = NewVADDetector(vad)
		f.onSpeech = fn
	}
}

// WithFrameObserver reports each frame outcome and its PCM byte size
func WithFrameObserver(fn func(outcome string, bytes int)) FramerOption {
	return func(f *Framer) {
		f.observe = fn
	}
}

// WithFramerLogger sets the framer logger
func WithFramerLogger(logger zerolog.Logger) FramerOption {
	return func(f *Framer) {
		f.logger = logger
	}
}

// Framer turns the live capture callback into fixed-size PCM16 frames.
// Frames produced while the sink is not ready are dropped, never queued;
// at most one partial frame is held between pushes.
type Framer struct {
	sink       FrameSink
	sampleRate int
	channels   int
	frameLen   int // interleaved samples per frame

	mu      sync.Mutex
	pending []int16
	stopped bool
	stats   FramerStats

	vad      *VADDetector
	onSpeech func(started bool)
	observe  func(outcome string, bytes int)
	logger   zerolog.Logger
}

// NewFramer creates a framer for the given configuration writing into sink
func NewFramer(cfg Config, sink FrameSink, opts ...FramerOption) *Framer {
	channels := cfg.ChannelCount
	if channels <= 0 {
		channels = 1
	}
	frameSize := cfg.FrameSize
	if frameSize <= 0 {
		frameSize = DefaultConfig().FrameSize
	}

	f := &Framer{
		sink:       sink,
		sampleRate: cfg.SampleRate,
		channels:   channels,
		frameLen:   frameSize * channels,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.pending = make([]int16, 0, f.frameLen)
	return f
}

// Push accepts float samples from the capture callback
func (f *Framer) Push(samples []float32) {
	f.PushPCM16(FloatToPCM16(samples))
}

// PushPCM16 accepts already-converted samples
func (f *Framer) PushPCM16(samples []int16) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return
	}

	for len(samples) > 0 {
		room := f.frameLen - len(f.pending)
		n := len(samples)
		if n > room {
			n = room
		}
		f.pending = append(f.pending, samples[:n]...)
		samples = samples[n:]

		if len(f.pending) == f.frameLen {
			frame := Frame{
				Samples:    make([]int16, f.frameLen),
				SampleRate: f.sampleRate,
				Channels:   f.channels,
			}
			copy(frame.Samples, f.pending)
			f.pending = f.pending[:0]
			f.emit(frame)
		}
	}
}

// emit is called with f.mu held
func (f *Framer) emit(frame Frame) {
	if f.vad != nil {
		_, started, ended := f.vad.ProcessFrame(frame.Samples)
		if f.onSpeech != nil {
			if started {
				f.onSpeech(true)
			}
			if ended {
				f.onSpeech(false)
			}
		}
	}

	size := len(frame.Samples) * 2
	if !f.sink.Ready() {
		f.stats.Dropped++
		f.report(FrameDropped, size)
		return
	}

	if err := f.sink.WriteFrame(frame); err != nil {
		f.stats.Dropped++
		f.report(FrameDropped, size)
		f.logger.Debug().Err(err).Msg("Dropping audio frame")
		return
	}

	f.stats.Sent++
	f.report(FrameSent, size)
}

func (f *Framer) report(outcome string, size int) {
	if f.observe != nil {
		f.observe(outcome, size)
	}
}

// Stop detaches the framer from its sink and discards any partial frame.
// Repeated calls are no-ops.
func (f *Framer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return
	}
	f.stopped = true
	f.pending = nil
	if f.vad != nil {
		f.vad.Reset()
	}
}

// Stats returns a copy of the framer counters
func (f *Framer) Stats() FramerStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Stopped reports whether Stop has been called
func (f *Framer) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}
