// Package credential exchanges the user's authenticated session for a short-lived
// realtime connection credential.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-transcriber/internal/resilience"
)

const genericMessage = "Failed to get connection credential"

// Credential is a single-session connection token. It lives only in memory.
type Credential struct {
	Token     string
	ExpiresAt time.Time
	SessionID string
}

// Expired reports whether the credential is no longer usable at now.
// A zero ExpiresAt never expires.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil {
		return true
	}
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Error is returned when no credential could be obtained. It is terminal for the connect attempt.
type Error struct {
	Message    string // backend-provided text when present
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fetcher obtains credentials
type Fetcher interface {
	FetchCredential(ctx context.Context) (*Credential, error)
}

// tokenResponse accepts both the nested client_secret document and the flat form
type tokenResponse struct {
	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
	SessionID string `json:"session_id"`
	Session   *struct {
		ID string `json:"id"`
	} `json:"session"`
}

type errorResponse struct {
	Error json.RawMessage `json:"error"`
}

// Broker calls the backend credential endpoint on behalf of an authenticated user
type Broker struct {
	url          string
	sessionToken string
	httpClient   *http.Client
	breaker      *resilience.CircuitBreaker
	logger       zerolog.Logger
}

// Option configures a Broker
type Option func(*Broker)

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(b *Broker) {
		b.httpClient = client
	}
}

// WithCircuitBreaker guards the endpoint with a circuit breaker
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(b *Broker) {
		b.breaker = cb
	}
}

// WithLogger sets the broker logger
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates a broker for the given endpoint. sessionToken authenticates the caller.
func NewBroker(url, sessionToken string, opts ...Option) *Broker {
	b := &Broker{
		url:          url,
		sessionToken: sessionToken,
		httpClient:   &http.Client{},
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FetchCredential requests a fresh credential. Failures are *Error.
func (b *Broker) FetchCredential(ctx context.Context) (*Credential, error) {
	var cred *Credential
	call := func() error {
		var err error
		cred, err = b.fetch(ctx)
		return err
	}

	var err error
	if b.breaker != nil {
		err = b.breaker.Call(call)
	} else {
		err = call()
	}

	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, &Error{Message: "Credential service unavailable, try again later", Err: err}
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func (b *Broker) fetch(ctx context.Context) (*Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, &Error{Message: genericMessage, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if b.sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.sessionToken)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Error().Err(err).Msg("Credential request failed")
		return nil, &Error{Message: genericMessage, Err: fmt.Errorf("failed to make request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Message: genericMessage, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := backendMessage(body)
		b.logger.Warn().
			Int("status", resp.StatusCode).
			Str("message", msg).
			Msg("Credential endpoint rejected request")
		if msg == "" {
			msg = genericMessage
		}
		return nil, &Error{
			Message:    msg,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("credential endpoint returned status %d", resp.StatusCode),
		}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Message: genericMessage, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	cred := &Credential{Token: parsed.Value, SessionID: parsed.SessionID}
	expiresAt := parsed.ExpiresAt
	if parsed.ClientSecret != nil && parsed.ClientSecret.Value != "" {
		cred.Token = parsed.ClientSecret.Value
		expiresAt = parsed.ClientSecret.ExpiresAt
	}
	if cred.SessionID == "" && parsed.Session != nil {
		cred.SessionID = parsed.Session.ID
	}
	if expiresAt > 0 {
		cred.ExpiresAt = time.Unix(expiresAt, 0)
	}

	if cred.Token == "" {
		return nil, &Error{Message: genericMessage, StatusCode: resp.StatusCode, Err: errors.New("response missing client_secret.value")}
	}

	b.logger.Debug().
		Str("session_id", cred.SessionID).
		Time("expires_at", cred.ExpiresAt).
		Dur("latency", time.Since(start)).
		Msg("Credential issued")

	return cred, nil
}

// backendMessage extracts {error: "..."} or {error: {message: "..."}}
func backendMessage(body []byte) string {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Error) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(resp.Error, &text); err == nil {
		return strings.TrimSpace(text)
	}

	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Error, &nested); err == nil {
		return strings.TrimSpace(nested.Message)
	}
	return ""
}
