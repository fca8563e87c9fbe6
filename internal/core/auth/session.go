// Package auth owns the SimpliSafe token lifecycle: password and
// multi-factor login, silent refresh, single-flight re-login and logout.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/trymwestin/simplisafe/internal/core/apierror"
	"github.com/trymwestin/simplisafe/internal/core/clock"
	"github.com/trymwestin/simplisafe/internal/core/ratelimit"
)

const (
	// ClientUUID identifies the web application the provider expects logins from.
	ClientUUID = "4df55627-46b2-4e2c-866b-1521b395ded2"
	// ClientID is sent as client_id and as the basic auth username.
	ClientID = ClientUUID + ".WebApp.simplisafe.com"

	// MFATimeout bounds how long a multi-factor challenge is polled.
	MFATimeout = 5 * time.Minute

	defaultMFAInterval = 5 * time.Second
	mfaGrantType       = "http://simplisafe.com/oauth/grant-type/mfa-oob"
)

// DeviceIdentifier renders the device fingerprint sent with password logins.
type DeviceIdentifier interface {
	DeviceID() string
}

// TokenSet is the current OAuth token pair.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// Config configures a Session.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Clock      clock.Clock
	Breaker    *ratelimit.Breaker
	Device     DeviceIdentifier
	Log        *slog.Logger
}

// Session owns the token set and the optionally retained credentials.
type Session struct {
	baseURL string
	http    *http.Client
	clock   clock.Clock
	breaker *ratelimit.Breaker
	device  DeviceIdentifier
	log     *slog.Logger
	login   singleflight.Group

	mu       sync.RWMutex
	tokens   TokenSet
	username string
	password string
}

// New creates a logged-out session.
func New(cfg Config) *Session {
	s := &Session{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		clock:   cfg.Clock,
		breaker: cfg.Breaker,
		device:  cfg.Device,
		log:     cfg.Log,
	}
	if s.http == nil {
		s.http = &http.Client{Timeout: 30 * time.Second}
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.breaker == nil {
		s.breaker = ratelimit.NewBreaker(s.clock, s.log)
	}
	return s
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type mfaRequired struct {
	Error    string `json:"error"`
	MFAToken string `json:"mfa_token"`
}

type mfaChallenge struct {
	OOBCode  string  `json:"oob_code"`
	Interval float64 `json:"interval"`
}

// Login exchanges a username and password for a token set. When persist is
// true the credentials are retained for automatic re-login.
func (s *Session) Login(ctx context.Context, username, password string, persist bool) error {
	if persist {
		s.mu.Lock()
		s.username = username
		s.password = password
		s.mu.Unlock()
	}

	if err := s.breaker.Allow(); err != nil {
		return err
	}

	deviceID := ""
	if s.device != nil {
		deviceID = s.device.DeviceID()
	}
	body := map[string]string{
		"username":   username,
		"password":   password,
		"grant_type": "password",
		"client_id":  ClientID,
		"device_id":  deviceID,
		"scope":      "",
	}

	var tok tokenResponse
	err := s.post(ctx, "/api/token", body, true, &tok)
	if err == nil {
		s.store(tok)
		s.breaker.Reset()
		s.log.Info("logged in")
		return nil
	}

	var pe *apierror.ProviderError
	if !errors.As(err, &pe) {
		s.Logout(persist)
		if ctx.Err() != nil || errors.Is(err, apierror.ErrMalformedResponse) {
			return fmt.Errorf("auth: login: %w", err)
		}
		s.log.Warn("login failed, provider unreachable", "error", err)
		s.breaker.Trip()
		return apierror.RateLimited(err)
	}

	switch {
	case pe.StatusCode == http.StatusForbidden && pe.Code == "mfa_required":
		return s.loginMFA(ctx, pe, persist)
	case isInvalidCredentials(pe):
		s.Logout(persist)
		return fmt.Errorf("%w: %w", apierror.ErrInvalidCredentials, pe)
	case pe.StatusCode == http.StatusForbidden:
		s.log.Warn("login failed, request blocked (rate limit?)")
		s.breaker.Trip()
		return apierror.RateLimited(pe)
	default:
		s.Logout(persist)
		return pe
	}
}

func isInvalidCredentials(pe *apierror.ProviderError) bool {
	if pe.StatusCode == http.StatusUnauthorized {
		return true
	}
	return pe.StatusCode == http.StatusForbidden &&
		(pe.Code == "invalid_grant" || pe.Code == "invalid_credentials")
}

func (s *Session) loginMFA(ctx context.Context, pe *apierror.ProviderError, persist bool) error {
	s.log.Info("multi-factor authentication required, approve the request sent to your email")

	var req mfaRequired
	if err := json.Unmarshal(pe.Body, &req); err != nil || req.MFAToken == "" {
		s.Logout(persist)
		return fmt.Errorf("auth: mfa: missing mfa token: %w", apierror.ErrMalformedResponse)
	}

	tok, err := s.completeMFA(ctx, req.MFAToken)
	if err != nil {
		s.log.Warn("multi-factor authentication failed", "error", err)
		s.Logout(persist)
		return err
	}

	s.store(*tok)
	s.breaker.Reset()
	s.log.Info("logged in with multi-factor authentication")
	return nil
}

func (s *Session) completeMFA(ctx context.Context, mfaToken string) (*tokenResponse, error) {
	var ch mfaChallenge
	err := s.post(ctx, "/api/mfa/challenge", map[string]string{
		"challenge_type": "oob",
		"client_id":      ClientID,
		"mfa_token":      mfaToken,
	}, false, &ch)
	if err != nil {
		return nil, fmt.Errorf("auth: mfa challenge: %w", err)
	}

	interval := time.Duration(ch.Interval * float64(time.Second))
	if interval <= 0 {
		interval = defaultMFAInterval
	}
	deadline := s.clock.Now().Add(MFATimeout)

	poll := map[string]string{
		"grant_type": mfaGrantType,
		"client_id":  ClientID,
		"mfa_token":  mfaToken,
		"oob_code":   ch.OOBCode,
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("auth: mfa: %w", ctx.Err())
		case <-s.clock.After(interval):
		}

		if s.clock.Now().After(deadline) {
			return nil, apierror.ErrMFATimeout
		}

		var tok tokenResponse
		if err := s.post(ctx, "/api/token", poll, false, &tok); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("auth: mfa: %w", ctx.Err())
			}
			s.log.Debug("multi-factor approval pending", "error", err)
			continue
		}
		if tok.AccessToken != "" {
			return &tok, nil
		}
	}
}

// Relogin logs in again with the retained credentials. Concurrent callers
// share a single in-flight attempt.
func (s *Session) Relogin(ctx context.Context) error {
	s.mu.RLock()
	username, password := s.username, s.password
	s.mu.RUnlock()
	if username == "" || password == "" {
		return fmt.Errorf("auth: relogin: %w", apierror.ErrNotAuthenticated)
	}

	ch := s.login.DoChan("login", func() (any, error) {
		return nil, s.Login(context.WithoutCancel(ctx), username, password, true)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsLoggedIn reports whether a refresh token is held, or an access token
// that has not expired yet.
func (s *Session) IsLoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens.RefreshToken != "" {
		return true
	}
	return s.tokens.AccessToken != "" && s.clock.Now().Before(s.tokens.Expiry)
}

// Refresh exchanges the refresh token for a new token set.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.RLock()
	refreshToken := s.tokens.RefreshToken
	keep := s.username != ""
	s.mu.RUnlock()

	if refreshToken == "" || !s.IsLoggedIn() {
		return fmt.Errorf("auth: refresh: %w", apierror.ErrNotAuthenticated)
	}
	if err := s.breaker.Allow(); err != nil {
		return err
	}

	var tok tokenResponse
	err := s.post(ctx, "/api/token", map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}, true, &tok)
	if err == nil {
		s.store(tok)
		s.breaker.Reset()
		s.log.Debug("access token refreshed")
		return nil
	}

	var pe *apierror.ProviderError
	if errors.As(err, &pe) && pe.StatusCode == http.StatusForbidden {
		s.log.Warn("token refresh failed, request blocked (rate limit?)")
		s.breaker.Trip()
		return apierror.RateLimited(pe)
	}

	s.Logout(keep)
	return fmt.Errorf("auth: refresh: %w", err)
}

// Logout clears the token set. Username and password are cleared unless
// keepCredentials is true.
func (s *Session) Logout(keepCredentials bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = TokenSet{}
	if !keepCredentials {
		s.username = ""
		s.password = ""
	}
}

// Tokens returns a copy of the current token set.
func (s *Session) Tokens() TokenSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// AccessToken returns the current access token.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.AccessToken
}

// Authorization returns the Authorization header value for the current token.
func (s *Session) Authorization() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokenType := s.tokens.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + s.tokens.AccessToken
}

// HasCredentials reports whether a username and password are retained.
func (s *Session) HasCredentials() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username != "" && s.password != ""
}

// Breaker returns the breaker consulted by this session.
func (s *Session) Breaker() *ratelimit.Breaker {
	return s.breaker
}

func (s *Session) store(tok tokenResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = s.tokens.RefreshToken
	}
	s.tokens = TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		TokenType:    tok.TokenType,
		Expiry:       s.clock.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
}

// post sends a JSON body to the token service. Non-2xx responses are
// returned as *apierror.ProviderError; anything else is a transport failure.
func (s *Session) post(ctx context.Context, path string, body any, basicAuth bool, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("auth: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("auth: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if basicAuth {
		req.SetBasicAuth(ClientID, "")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("auth: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apierror.NewProviderError(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("auth: parse response: %w: %w", apierror.ErrMalformedResponse, err)
	}
	return nil
}
