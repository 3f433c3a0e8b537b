package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/lexiqai/voice-transcriber/internal/audio"
)

const (
	packetDuration = 20 * time.Millisecond
	opusRate       = 48000
	g711Rate       = 8000
	maxOpusPacket  = 4000
)

// sampleWriter is the part of a local track the sink writes to
type sampleWriter interface {
	WriteSample(sample media.Sample) error
}

type packetEncoder func(pcm []int16) ([]byte, error)

// TrackSink encodes framer output into 20 ms codec packets on the peer's local audio track.
// Samples that do not fill a packet are carried to the next frame in a ring buffer.
type TrackSink struct {
	ready  func() bool
	track  *webrtc.TrackLocalStaticSample
	writer sampleWriter

	rate          int // codec clock rate
	packetSamples int
	encode        packetEncoder

	mu      sync.Mutex
	pending *audio.RingBuffer
	packet  []byte
	closed  bool
}

// NewTrackSink creates the local track for the configured codec. ready gates writes.
func NewTrackSink(cfg audio.Config, ready func() bool) (*TrackSink, error) {
	var (
		mime   string
		rate   int
		encode packetEncoder
	)

	switch cfg.Codec {
	case audio.CodecPCMU:
		mime, rate = webrtc.MimeTypePCMU, g711Rate
		encode = func(pcm []int16) ([]byte, error) { return audio.EncodePCMU(pcm), nil }
	case audio.CodecPCMA:
		mime, rate = webrtc.MimeTypePCMA, g711Rate
		encode = func(pcm []int16) ([]byte, error) { return audio.EncodePCMA(pcm), nil }
	case audio.CodecOpus, "":
		enc, err := opus.NewEncoder(opusRate, 1, opus.AppVoIP)
		if err != nil {
			return nil, fmt.Errorf("failed to create opus encoder: %w", err)
		}
		mime, rate = webrtc.MimeTypeOpus, opusRate
		buf := make([]byte, maxOpusPacket)
		encode = func(pcm []int16) ([]byte, error) {
			n, err := enc.Encode(pcm, buf)
			if err != nil {
				return nil, err
			}
			out := make([]byte, n)
			copy(out, buf[:n])
			return out, nil
		}
	default:
		return nil, fmt.Errorf("unsupported codec %q", cfg.Codec)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime, ClockRate: uint32(rate)}, "audio", "transcriber")
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}

	return newTrackSink(track, track, rate, encode, ready), nil
}

func newTrackSink(track *webrtc.TrackLocalStaticSample, writer sampleWriter, rate int, encode packetEncoder, ready func() bool) *TrackSink {
	packetSamples := rate * int(packetDuration/time.Millisecond) / 1000
	return &TrackSink{
		ready:         ready,
		track:         track,
		writer:        writer,
		rate:          rate,
		packetSamples: packetSamples,
		encode:        encode,
		// One second of PCM16 at the codec rate
		pending: audio.NewRingBuffer(rate*2 + 1),
		packet:  make([]byte, packetSamples*2),
	}
}

// Track returns the local track to attach to the peer connection
func (s *TrackSink) Track() *webrtc.TrackLocalStaticSample {
	return s.track
}

// Ready reports whether the peer channel is open
func (s *TrackSink) Ready() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return !closed && s.ready()
}

// WriteFrame resamples the frame to the codec rate and writes every complete packet
func (s *TrackSink) WriteFrame(frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrNotOpen
	}

	samples := audio.DownmixToMono(frame.Samples, frame.Channels)
	if frame.SampleRate > 0 && frame.SampleRate != s.rate {
		samples = audio.Resample(samples, frame.SampleRate, s.rate)
	}

	pcm := audio.EncodePCM16(samples)
	if n := s.pending.Write(pcm); n < len(pcm) {
		return ErrBackpressure
	}

	for s.pending.ReadFull(s.packet) {
		pcmPacket, err := audio.DecodePCM16(s.packet)
		if err != nil {
			return err
		}
		payload, err := s.encode(pcmPacket)
		if err != nil {
			return fmt.Errorf("failed to encode packet: %w", err)
		}
		if err := s.writer.WriteSample(media.Sample{Data: payload, Duration: packetDuration}); err != nil {
			if errors.Is(err, ErrNotOpen) {
				return err
			}
			return &Error{Mode: ModePeer, Op: "write sample", Err: err}
		}
	}
	return nil
}

// Close drops buffered samples; later writes fail
func (s *TrackSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending.Clear()
}
