package observability

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	mu           sync.Mutex
	globalLogger zerolog.Logger
	initialized  bool
)

// InitLogger initializes the global structured logger. Logs go to stderr;
// stdout is reserved for transcript output.
func InitLogger(level string, pretty bool) {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return
	}
	setup(os.Stderr, level, pretty)
}

// setup is called with mu held
func setup(w io.Writer, level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		// Console output for interactive runs
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.Kitchen,
		}
	}
	globalLogger = zerolog.New(w).With().Timestamp().Str("service", serviceName).Logger()
	log.Logger = globalLogger
	initialized = true
}

// GetLogger returns the global logger
func GetLogger() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		setup(os.Stderr, "info", false)
	}
	return globalLogger
}

// WithComponent creates a logger tagged with the component name
func WithComponent(component string) zerolog.Logger {
	return GetLogger().With().Str("component", component).Logger()
}

// WithCorrelationID creates a logger with a correlation ID
func WithCorrelationID(correlationID string) zerolog.Logger {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return GetLogger().With().Str("correlation_id", correlationID).Logger()
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}
