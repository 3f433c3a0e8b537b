package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lexiqai/voice-transcriber/internal/audio"
)

// Input audio formats understood by the service
const (
	FormatPCM16    = "pcm16"
	FormatG711ULaw = "g711_ulaw"
	FormatG711ALaw = "g711_alaw"
)

// AppendSampleRate is the rate the service expects for pcm16 append messages
const AppendSampleRate = 24000

// SessionOptions are the user-level settings carried by the session-configuration message
type SessionOptions struct {
	Instructions          string
	Voice                 string
	TranscriptionModel    string
	TranscriptionLanguage string
	VADMode               string // none, server, semantic
	VADThreshold          float64
	PrefixPaddingMs       int
	SilenceDurationMs     int
	NoiseReduction        bool
	InputAudioFormat      string // defaults to pcm16
}

// SessionUpdate is the outbound session-configuration message
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// SessionConfig is the body of a SessionUpdate
type SessionConfig struct {
	Modalities               []string              `json:"modalities"`
	Instructions             string                `json:"instructions,omitempty"`
	Voice                    string                `json:"voice,omitempty"`
	InputAudioFormat         string                `json:"input_audio_format"`
	OutputAudioFormat        string                `json:"output_audio_format"`
	InputAudioTranscription  *TranscriptionConfig  `json:"input_audio_transcription"`
	TurnDetection            *TurnDetection        `json:"turn_detection"`
	InputAudioNoiseReduction *NoiseReductionConfig `json:"input_audio_noise_reduction"`
}

// TranscriptionConfig selects the transcription model
type TranscriptionConfig struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// TurnDetection configures server-side voice activity detection. A nil value disables it.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// NoiseReductionConfig enables input noise reduction
type NoiseReductionConfig struct {
	Type string `json:"type"`
}

// InputAudioFormat returns the session input format for a codec. Only the peer
// track carries G.711; everything sent through append messages is pcm16.
func InputAudioFormat(codec audio.Codec, peer bool) string {
	if !peer {
		return FormatPCM16
	}
	switch codec {
	case audio.CodecPCMU:
		return FormatG711ULaw
	case audio.CodecPCMA:
		return FormatG711ALaw
	default:
		return FormatPCM16
	}
}

// NewSessionUpdate composes the session-configuration message
func NewSessionUpdate(opts SessionOptions) SessionUpdate {
	format := opts.InputAudioFormat
	if format == "" {
		format = FormatPCM16
	}

	cfg := SessionConfig{
		Modalities:        []string{"text"},
		Instructions:      opts.Instructions,
		Voice:             opts.Voice,
		InputAudioFormat:  format,
		OutputAudioFormat: FormatPCM16,
	}

	if opts.TranscriptionModel != "" {
		cfg.InputAudioTranscription = &TranscriptionConfig{
			Model:    opts.TranscriptionModel,
			Language: opts.TranscriptionLanguage,
		}
	}

	switch audio.VADMode(opts.VADMode) {
	case audio.VADNone:
		cfg.TurnDetection = nil
	case audio.VADSemantic:
		cfg.TurnDetection = &TurnDetection{Type: "semantic_vad"}
	default:
		cfg.TurnDetection = &TurnDetection{
			Type:              "server_vad",
			Threshold:         opts.VADThreshold,
			PrefixPaddingMs:   opts.PrefixPaddingMs,
			SilenceDurationMs: opts.SilenceDurationMs,
		}
	}

	if opts.NoiseReduction {
		cfg.InputAudioNoiseReduction = &NoiseReductionConfig{Type: "near_field"}
	}

	return SessionUpdate{Type: MessageSessionUpdate, Session: cfg}
}

// Marshal encodes the session update
func (u SessionUpdate) Marshal() ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session update: %w", err)
	}
	return data, nil
}

type appendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type bufferMessage struct {
	Type string `json:"type"`
}

// AppendMessage wraps PCM16 bytes in an input_audio_buffer.append message
func AppendMessage(pcm []byte) ([]byte, error) {
	return json.Marshal(appendMessage{
		Type:  MessageAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitMessage asks the service to transcribe the buffered input
func CommitMessage() []byte {
	data, _ := json.Marshal(bufferMessage{Type: MessageAudioCommit})
	return data
}

// ClearMessage discards buffered input
func ClearMessage() []byte {
	data, _ := json.Marshal(bufferMessage{Type: MessageAudioClear})
	return data
}

// Sender is the send side of a transport channel
type Sender interface {
	Send(message []byte) error
	IsOpen() bool
}

// ErrSenderClosed is returned when a frame arrives after the channel closed
var ErrSenderClosed = errors.New("channel not open")

// AppendSink forwards framer output as append messages. Frames are
// downmixed to mono and resampled to the service rate when needed.
type AppendSink struct {
	sender Sender
}

// NewAppendSink creates a frame sink writing to sender
func NewAppendSink(sender Sender) *AppendSink {
	return &AppendSink{sender: sender}
}

// Ready reports whether the channel is open
func (s *AppendSink) Ready() bool {
	return s.sender.IsOpen()
}

// WriteFrame encodes and sends one frame without blocking
func (s *AppendSink) WriteFrame(frame audio.Frame) error {
	if !s.sender.IsOpen() {
		return ErrSenderClosed
	}

	samples := audio.DownmixToMono(frame.Samples, frame.Channels)
	if frame.SampleRate > 0 && frame.SampleRate != AppendSampleRate {
		samples = audio.Resample(samples, frame.SampleRate, AppendSampleRate)
	}

	msg, err := AppendMessage(audio.EncodePCM16(samples))
	if err != nil {
		return fmt.Errorf("failed to encode append message: %w", err)
	}
	return s.sender.Send(msg)
}
