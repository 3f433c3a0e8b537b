package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexiqai/voice-transcriber/internal/audio"
	"github.com/lexiqai/voice-transcriber/internal/capture"
	"github.com/lexiqai/voice-transcriber/internal/config"
	"github.com/lexiqai/voice-transcriber/internal/credential"
	"github.com/lexiqai/voice-transcriber/internal/observability"
	"github.com/lexiqai/voice-transcriber/internal/resilience"
	"github.com/lexiqai/voice-transcriber/internal/session"
	"github.com/lexiqai/voice-transcriber/internal/transport"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect and print transcripts until interrupted",
	RunE:  runListen,
}

func init() {
	f := listenCmd.Flags()
	f.String("mode", "", "Transport mode: socket or peer (overrides TRANSPORT_MODE)")
	f.String("codec", "", "Audio codec: opus, pcmu or pcma (overrides AUDIO_CODEC)")
	f.String("vad", "", "Voice activity detection: none, server or semantic (overrides VAD_MODE)")
	f.String("device", "", "Capture device name or ID (overrides AUDIO_DEVICE)")
	f.String("language", "", "Transcription language (overrides TRANSCRIPTION_LANGUAGE)")
	f.Bool("fake-input", false, "Stream a generated tone instead of the microphone")
	f.Duration("duration", 0, "Disconnect after this long (0 runs until interrupted)")
	f.Bool("interim", false, "Print interim transcripts to stderr")
}

// loadConfig reads the environment and applies flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"log-level": &cfg.LogLevel,
		"mode":      &cfg.TransportMode,
		"codec":     &cfg.AudioCodec,
		"vad":       &cfg.VADMode,
		"device":    &cfg.AudioDevice,
		"language":  &cfg.TranscriptionLanguage,
	}
	for name, field := range overrides {
		flag := cmd.Flags().Lookup(name)
		if flag != nil && flag.Changed {
			*field = flag.Value.String()
		}
	}
	if cmd.Flags().Changed("pretty") {
		cfg.LogPretty, _ = cmd.Flags().GetBool("pretty")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("transport", cfg.TransportMode).
		Str("codec", cfg.AudioCodec).
		Str("vad", cfg.VADMode).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice transcriber starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	breaker := resilience.NewCircuitBreaker("credential", cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetDuration())
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("service", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	})
	broker := credential.NewBroker(cfg.CredentialURL, cfg.SessionToken,
		credential.WithCircuitBreaker(breaker),
		credential.WithLogger(observability.WithComponent("credential")),
	)

	factory := transport.NewFactory(transport.Options{
		Mode:           transport.Mode(cfg.TransportMode),
		SocketURL:      cfg.RealtimeURL,
		NegotiationURL: cfg.NegotiationURL,
		STUNServer:     cfg.STUNServer,
		QueueSize:      cfg.SendQueueSize,
		Audio:          cfg.AudioConfig(),
		Logger:         observability.WithComponent("transport"),
	})

	fakeInput, _ := cmd.Flags().GetBool("fake-input")
	device, closeDevice, err := openCaptureDevice(ctx, cfg, fakeInput)
	if err != nil {
		return err
	}
	defer closeDevice()

	interim, _ := cmd.Flags().GetBool("interim")
	failed := make(chan error, 1)
	ended := make(chan struct{}, 1)

	ctrl, err := session.NewController(session.Dependencies{
		Capture:     device,
		Credentials: broker,
		Channels:    factory,
		Store:       session.NewMemoryStore(),
	}, session.Options{
		Audio:             cfg.AudioConfig(),
		Session:           cfg.SessionOptions(),
		Reconnect:         cfg.ReconnectConfig(),
		CredentialTimeout: cfg.CredentialTimeoutDuration(),
		ConnectTimeout:    cfg.ConnectTimeoutDuration(),
		Logger:            observability.WithComponent("session"),
		Callbacks: session.Callbacks{
			OnTranscriptionUpdate: func(text string, isFinal bool) {
				if isFinal {
					fmt.Fprintln(os.Stdout, text)
				} else if interim {
					fmt.Fprintf(os.Stderr, "\r%s", text)
				}
			},
			OnStatusChange: func(status session.Status) {
				logger.Info().Str("status", string(status)).Msg("Session status changed")
				if status == session.StatusDisconnected {
					select {
					case ended <- struct{}{}:
					default:
					}
				}
			},
			OnError: func(err error) {
				select {
				case failed <- err:
				default:
				}
			},
		},
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if cfg.StatusServerEnabled {
		server := newStatusServer(cfg, ctrl, breaker)
		go func() {
			logger.Info().Str("port", cfg.StatusPort).Msg("Status server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Status server failed")
			}
		}()
		defer shutdownStatusServer(server, logger)
	}

	if err := ctrl.Connect(ctx); err != nil {
		if errors.Is(err, session.ErrAborted) {
			return nil
		}
		return fmt.Errorf("%s", session.UserMessage(err))
	}

	var timeout <-chan time.Time
	if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
		timeout = time.After(d)
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("Interrupted, disconnecting")
	case <-timeout:
		logger.Info().Msg("Duration reached, disconnecting")
	case <-ended:
		logger.Info().Msg("Session ended by server")
	case err := <-failed:
		return fmt.Errorf("%s", session.UserMessage(err))
	}

	ctrl.Disconnect()
	if s := ctrl.Snapshot().Session; s != nil && s.TotalDuration != nil {
		logger.Info().Dur("duration", *s.TotalDuration).Msg("Session finished")
	}
	return nil
}

// openCaptureDevice returns the microphone, or a tone generator with --fake-input
func openCaptureDevice(ctx context.Context, cfg *config.Config, fake bool) (audio.CaptureDevice, func(), error) {
	if fake {
		device := audio.NewFakeCapture()
		go generateTone(ctx, device, cfg.AudioConfig())
		return device, func() {}, nil
	}

	mic, err := capture.NewContext(observability.WithComponent("capture"))
	if err != nil {
		return nil, nil, err
	}
	return mic, mic.Close, nil
}

// generateTone feeds a 440 Hz tone in 100ms chunks to whichever fake stream is live
func generateTone(ctx context.Context, device *audio.FakeCapture, cfg audio.Config) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	chunk := cfg.SampleRate / 10
	phase := 0.0
	step := 2 * math.Pi * 440 / float64(cfg.SampleRate)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		samples := make([]float32, chunk*cfg.ChannelCount)
		for i := 0; i < chunk; i++ {
			v := float32(0.2 * math.Sin(phase))
			phase += step
			for c := 0; c < cfg.ChannelCount; c++ {
				samples[i*cfg.ChannelCount+c] = v
			}
		}
		for _, s := range device.Streams() {
			s.Emit(samples)
		}
	}
}
