// Package capture opens the system microphone through miniaudio (malgo).
package capture

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-transcriber/internal/audio"
)

// DeviceInfo describes one capture device
type DeviceInfo struct {
	ID        string // hex-encoded platform identifier
	Name      string
	IsDefault bool
}

// Context owns the miniaudio context and implements audio.CaptureDevice
type Context struct {
	ctx    *malgo.AllocatedContext
	logger zerolog.Logger
}

// NewContext initializes the platform audio backend
func NewContext(logger zerolog.Logger) (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}
	return &Context{ctx: ctx, logger: logger}, nil
}

// Devices lists capture devices
func (c *Context) Devices() ([]DeviceInfo, error) {
	devices, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}

	result := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:        hex.EncodeToString(d.ID[:]),
			Name:      d.Name(),
			IsDefault: d.IsDefault != 0,
		})
	}
	return result, nil
}

// Acquire opens a float capture device matching the constraints.
// miniaudio has no portable echo/noise/gain controls; those hints are logged only.
func (c *Context) Acquire(ctx context.Context, constraints audio.Constraints) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, audio.ClassifyCaptureError(err)
	}

	devices, err := c.Devices()
	if err != nil {
		return nil, audio.ClassifyCaptureError(err)
	}
	if len(devices) == 0 {
		return nil, audio.NewPermissionError(audio.ReasonNotFound, fmt.Errorf("no capture devices"))
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(constraints.ChannelCount)
	deviceConfig.SampleRate = uint32(constraints.SampleRate)

	if constraints.DeviceName != "" {
		device, ok := findDevice(devices, constraints.DeviceName)
		if !ok {
			return nil, audio.NewPermissionError(audio.ReasonNotFound, fmt.Errorf("capture device %q not found", constraints.DeviceName))
		}
		idBytes, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, audio.NewPermissionError(audio.ReasonOther, fmt.Errorf("invalid device ID: %w", err))
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	stream := &deviceStream{}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			stream.deliver(input)
		},
	}

	dev, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, audio.ClassifyCaptureError(err)
	}
	stream.device = dev

	c.logger.Info().
		Str("device", constraints.DeviceName).
		Int("sample_rate", constraints.SampleRate).
		Int("channels", constraints.ChannelCount).
		Bool("echo_cancellation", constraints.EchoCancellation).
		Bool("noise_suppression", constraints.NoiseSuppression).
		Bool("auto_gain", constraints.AutoGainControl).
		Msg("Microphone acquired")

	return stream, nil
}

// Close releases the audio backend
func (c *Context) Close() {
	_ = c.ctx.Uninit()
	c.ctx.Free()
}

func findDevice(devices []DeviceInfo, name string) (DeviceInfo, bool) {
	for _, d := range devices {
		if d.ID == name || strings.EqualFold(d.Name, name) {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

type deviceStream struct {
	device *malgo.Device

	mu       sync.Mutex
	cb       audio.SampleCallback
	released bool
}

func (s *deviceStream) deliver(input []byte) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()

	if cb != nil {
		cb(audio.DecodeFloat32(input))
	}
}

func (s *deviceStream) SetCallback(cb audio.SampleCallback) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

func (s *deviceStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return fmt.Errorf("capture stream already released")
	}
	if err := s.device.Start(); err != nil {
		return audio.ClassifyCaptureError(err)
	}
	return nil
}

func (s *deviceStream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.cb = nil
	s.mu.Unlock()

	// Stop waits for the data callback, which takes s.mu
	s.device.Stop()
	s.device.Uninit()
}
