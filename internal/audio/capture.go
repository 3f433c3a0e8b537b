package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Codec is the encoding used on the realtime audio path
type Codec string

const (
	CodecOpus Codec = "opus"
	CodecPCMU Codec = "pcmu"
	CodecPCMA Codec = "pcma"
)

// VADMode selects where voice activity detection happens
type VADMode string

const (
	VADNone     VADMode = "none"     // client-side energy VAD, client commits the buffer
	VADServer   VADMode = "server"   // server_vad turn detection
	VADSemantic VADMode = "semantic" // semantic_vad turn detection
)

// Config is the audio configuration of one connection attempt.
// It is not mutated while a connection is live; changing it requires a new connect.
type Config struct {
	SampleRate        int
	ChannelCount      int
	Codec             Codec
	VoiceActivityMode VADMode
	FrameSize         int // samples per channel in one PCM16 frame
	NoiseSuppression  bool
	DeviceName        string

	// Local VAD tuning, only used with VADNone
	EnergyThreshold float64
	SilenceFrames   int
}

// DefaultConfig returns the configuration used when none is supplied
func DefaultConfig() Config {
	return Config{
		SampleRate:        24000,
		ChannelCount:      1,
		Codec:             CodecOpus,
		VoiceActivityMode: VADServer,
		FrameSize:         4096,
		NoiseSuppression:  true,
		EnergyThreshold:   500.0,
		SilenceFrames:     3,
	}
}

// Validate checks that the configuration can drive a capture device and framer
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.ChannelCount <= 0 || c.ChannelCount > 2 {
		return fmt.Errorf("channel count must be 1 or 2, got %d", c.ChannelCount)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("frame size must be positive, got %d", c.FrameSize)
	}
	switch c.Codec {
	case CodecOpus, CodecPCMU, CodecPCMA:
	default:
		return fmt.Errorf("unsupported codec %q", c.Codec)
	}
	switch c.VoiceActivityMode {
	case VADNone, VADServer, VADSemantic:
	default:
		return fmt.Errorf("unsupported voice activity mode %q", c.VoiceActivityMode)
	}
	return nil
}

// Constraints are the capture parameters requested from the device
type Constraints struct {
	DeviceName       string
	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// ConstraintsFor derives capture constraints from an audio configuration.
// Echo cancellation and auto gain are always requested; noise suppression follows the setting.
func ConstraintsFor(cfg Config) Constraints {
	return Constraints{
		DeviceName:       cfg.DeviceName,
		SampleRate:       cfg.SampleRate,
		ChannelCount:     cfg.ChannelCount,
		EchoCancellation: true,
		NoiseSuppression: cfg.NoiseSuppression,
		AutoGainControl:  true,
	}
}

// SampleCallback receives interleaved float samples in [-1, 1] from the capture device
type SampleCallback func(samples []float32)

// CaptureDevice acquires a live microphone stream
type CaptureDevice interface {
	Acquire(ctx context.Context, constraints Constraints) (Stream, error)
}

// Stream is a live capture stream. While acquired the OS recording indicator stays on.
type Stream interface {
	// SetCallback installs the sample callback; nil detaches it
	SetCallback(cb SampleCallback)

	// Start begins delivering samples to the callback
	Start() error

	// Release stops every track and frees the device. Safe to call more than once.
	Release()
}

// PermissionReason classifies a capture failure
type PermissionReason string

const (
	ReasonDenied   PermissionReason = "denied"
	ReasonNotFound PermissionReason = "not_found"
	ReasonBusy     PermissionReason = "busy"
	ReasonOther    PermissionReason = "other"
)

// PermissionError is returned when the microphone cannot be acquired.
// It is terminal for the current connect attempt.
type PermissionError struct {
	Reason PermissionReason
	Err    error
}

func (e *PermissionError) Error() string {
	switch e.Reason {
	case ReasonDenied:
		return "Microphone permission denied, please allow access"
	case ReasonNotFound:
		return "No microphone found"
	case ReasonBusy:
		return "Microphone in use by another application"
	default:
		return "Failed to access microphone"
	}
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// NewPermissionError wraps a device error with an explicit reason
func NewPermissionError(reason PermissionReason, err error) error {
	return &PermissionError{Reason: reason, Err: err}
}

// ClassifyCaptureError maps a raw device error onto the capture failure taxonomy.
// Errors that are already a PermissionError are returned unchanged.
func ClassifyCaptureError(err error) error {
	if err == nil {
		return nil
	}

	var permErr *PermissionError
	if errors.As(err, &permErr) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "permission", "access denied", "not allowed", "denied"):
		return NewPermissionError(ReasonDenied, err)
	case containsAny(msg, "no device", "not found", "no such device", "device unavailable", "does not exist"):
		return NewPermissionError(ReasonNotFound, err)
	case containsAny(msg, "busy", "in use", "already in use", "could not start", "not readable"):
		return NewPermissionError(ReasonBusy, err)
	default:
		return NewPermissionError(ReasonOther, err)
	}
}

func containsAny(s string, substrings ...string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
