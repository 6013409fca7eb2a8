package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default values for session management.
const (
	// defaultBackoffInitial is the initial not-before window after a
	// failed login.
	defaultBackoffInitial = 5 * time.Second

	// defaultBackoffMax caps the not-before window.
	defaultBackoffMax = 5 * time.Minute

	// defaultTokenTTL is used when the controller reports no TTL and the
	// token carries no exp claim.
	defaultTokenTTL = 30 * time.Minute

	// expiryMargin is subtracted from the token lifetime so a token is
	// refreshed before the controller starts rejecting it mid-request.
	expiryMargin = 30 * time.Second

	// loginPath is the controller's session endpoint.
	loginPath = "/api/v1/session"

	// maxLoginResponseSize bounds the login response body.
	maxLoginResponseSize = 64 << 10 // 64 KB
)

// CredentialStore supplies login credentials. It is deliberately narrow so
// the manager never sees where credentials live (config, keyring, file).
type CredentialStore interface {
	// Credentials returns the username and password for controller login.
	Credentials() (username, password string)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config contains session manager settings.
type Config struct {
	// BaseURL is the controller's HTTP base URL (e.g., "https://ctrl:443").
	BaseURL string

	// BackoffInitial is the initial not-before window after a failed
	// login. Doubles per consecutive failure. Default: 5s.
	BackoffInitial time.Duration

	// BackoffMax caps the not-before window. Default: 5m.
	BackoffMax time.Duration

	// HTTPClient is optional; a default client is used when nil.
	HTTPClient *http.Client
}

// loginResponse is the controller's reply to a successful login.
type loginResponse struct {
	Token      string `json:"token"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// Manager obtains and caches bearer tokens for the controller.
//
// Concurrency: the login attempt runs inside a mutual-exclusion section,
// so concurrent callers arriving during expiry collapse into a single
// network login and all receive the same resulting token.
//
// Failure: a network failure sets a not-before window that doubles per
// consecutive failure; Token calls inside the window fail immediately
// without a network attempt. A credential rejection clears the cache and
// returns ErrAuthRejected without setting a window.
//
// The invariant that matters most: a failed re-login always returns an
// error to its caller. The manager never leaves the token cleared with no
// propagated error — that exact gap turns transient network loss into an
// unbounded immediate-retry storm.
type Manager struct {
	cfg        Config
	creds      CredentialStore
	httpClient *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	failures  int
	notBefore time.Time

	// now is replaceable in tests.
	now func() time.Time

	logger Logger
}

// NewManager creates a session manager.
func NewManager(cfg Config, creds CredentialStore) *Manager {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Manager{
		cfg:        cfg,
		creds:      creds,
		httpClient: httpClient,
		now:        time.Now,
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.mu.Lock()
	m.logger = logger
	m.mu.Unlock()
}

// Token returns a cached, non-expired bearer token, logging in if needed.
//
// Parameters:
//   - ctx: Context for cancellation of the login request
//
// Returns:
//   - string: Bearer token
//   - error: ErrBackoff inside the not-before window, ErrAuthRejected on
//     credential rejection, or a wrapped ErrLoginFailed on network failure
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	// Cached token still valid?
	if m.token != "" && now.Before(m.expiresAt) {
		return m.token, nil
	}

	// Inside the not-before window: fail fast, no network attempt.
	if now.Before(m.notBefore) {
		return "", fmt.Errorf("%w: retry after %s", ErrBackoff, m.notBefore.Sub(now).Round(time.Second))
	}

	return m.login(ctx)
}

// Invalidate clears the cached token. The next Token call performs a
// fresh login (subject to any backoff window).
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
}

// login performs the network login. Caller must hold m.mu.
func (m *Manager) login(ctx context.Context) (string, error) {
	username, password := m.creds.Credentials()

	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", fmt.Errorf("%w: encoding request: %w", ErrLoginFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: creating request: %w", ErrLoginFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", m.recordNetworkFailure(fmt.Errorf("%w: %w", ErrLoginFailed, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Rejected credentials: clear the cache and raise without retry.
		// No backoff window — retrying with the same credentials is
		// pointless, and the error already tells the operator what to fix.
		m.token = ""
		m.expiresAt = time.Time{}
		m.failures = 0
		m.notBefore = time.Time{}
		return "", ErrAuthRejected

	case resp.StatusCode != http.StatusOK:
		return "", m.recordNetworkFailure(fmt.Errorf("%w: HTTP %d", ErrLoginFailed, resp.StatusCode))
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxLoginResponseSize))
	if err != nil {
		return "", m.recordNetworkFailure(fmt.Errorf("%w: reading response: %w", ErrLoginFailed, err))
	}

	var lr loginResponse
	if err := json.Unmarshal(respBody, &lr); err != nil {
		return "", m.recordNetworkFailure(fmt.Errorf("%w: parsing response: %w", ErrLoginFailed, err))
	}
	if lr.Token == "" {
		return "", m.recordNetworkFailure(fmt.Errorf("%w: response carried no token", ErrLoginFailed))
	}

	m.token = lr.Token
	m.expiresAt = m.tokenExpiry(lr)
	m.failures = 0
	m.notBefore = time.Time{}

	m.logger.Debug("session token obtained", "expires_at", m.expiresAt)
	return m.token, nil
}

// recordNetworkFailure increments the consecutive-failure counter and sets
// the not-before window. Caller must hold m.mu. Returns err for chaining.
func (m *Manager) recordNetworkFailure(err error) error {
	m.failures++

	window := m.cfg.BackoffInitial
	for i := 1; i < m.failures; i++ {
		window *= 2
		if window >= m.cfg.BackoffMax {
			window = m.cfg.BackoffMax
			break
		}
	}

	m.notBefore = m.now().Add(window)
	m.logger.Warn("login failed, backoff set",
		"failures", m.failures,
		"not_before", m.notBefore,
		"error", err)
	return err
}

// tokenExpiry derives the cache expiry for a freshly issued token.
//
// The controller issues JWTs; the exp claim is authoritative when present.
// The parse is deliberately unverified — the controller owns signature
// verification, the gateway only needs the timestamp. Tokens without an
// exp claim fall back to the server-reported TTL, then to a fixed default.
func (m *Manager) tokenExpiry(lr loginResponse) time.Time {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(lr.Token, &claims); err == nil {
		if claims.ExpiresAt != nil {
			return claims.ExpiresAt.Time.Add(-expiryMargin)
		}
	}

	ttl := defaultTokenTTL
	if lr.TTLSeconds > 0 {
		ttl = time.Duration(lr.TTLSeconds) * time.Second
	}
	return m.now().Add(ttl - expiryMargin)
}
