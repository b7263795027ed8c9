// Package auth implements the OAuth 2.0 device-authorization grant against a
// Microsoft identity authority, plus a file-backed token cache used by the
// sync commands after a one-time interactive login.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	deviceCodeGrant = "urn:ietf:params:oauth:grant-type:device_code"

	// minPollInterval is the floor for the token-poll sleep, regardless of
	// what interval the server suggested.
	minPollInterval = 5 * time.Second

	// pendingError is the one token-endpoint error that means "keep polling".
	pendingError = "authorization_pending"
)

// Usage errors: an operation was called before its prerequisite step
// succeeded. These indicate a caller bug, not a server condition.
var (
	ErrCodeNotRequested = errors.New("RequestCode not called or not succeeded")
	ErrNotAuthenticated = errors.New("PollForToken not called or not succeeded")
)

// phase tracks the session's position in the device-grant state machine:
// created → code requested → polling → authenticated | failed.
type phase int

const (
	phaseCreated phase = iota
	phaseCodeRequested
	phasePolling
	phaseAuthenticated
	phaseFailed
)

// Token is the credential set returned by the token endpoint. ObtainedAt is
// filled in locally when the token is received.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresIn    int       `json:"expires_in"`
	ObtainedAt   time.Time `json:"obtained_at"`
}

// Stale reports whether the access token is within five minutes of expiry
// (or past it) and should be refreshed before use.
func (t Token) Stale(now time.Time) bool {
	if t.AccessToken == "" {
		return true
	}
	deadline := t.ObtainedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
	return !now.Add(5 * time.Minute).Before(deadline)
}

// Session is a single device-authorization attempt. It is created per login,
// never persisted, and discarded after the token is retrieved (or the grant
// fails). Not safe for concurrent use; the login flow is strictly sequential.
type Session struct {
	clientID string
	scopes   []string
	devURL   string
	tokenURL string
	hc       *http.Client
	log      *slog.Logger

	// Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	phase           phase
	deviceCode      string
	userCode        string
	verificationURI string
	interval        time.Duration
	expiresAt       time.Time
	token           Token
}

// NewSession creates a Session for the given authority (for example
// "https://login.microsoftonline.com/organizations"), client id, and scopes.
func NewSession(authority, clientID string, scopes []string, logger *slog.Logger) *Session {
	base := strings.TrimRight(authority, "/") + "/oauth2/v2.0"
	return &Session{
		clientID: clientID,
		scopes:   scopes,
		devURL:   base + "/devicecode",
		tokenURL: base + "/token",
		hc:       &http.Client{Timeout: 30 * time.Second},
		log:      logger,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// RequestCode asks the authority for a device code and the user-facing
// verification code. It must succeed before any other Session operation.
func (s *Session) RequestCode(ctx context.Context) error {
	form := url.Values{
		"client_id": {s.clientID},
		"scope":     {strings.Join(s.scopes, " ")},
	}

	status, body, err := s.postForm(ctx, s.devURL, form)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("device code request failed with status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var dc struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURI string `json:"verification_uri"`
		ExpiresIn       int    `json:"expires_in"`
		Interval        int    `json:"interval"`
	}
	if err := json.Unmarshal(body, &dc); err != nil {
		return fmt.Errorf("decoding device code response: %w", err)
	}

	s.deviceCode = dc.DeviceCode
	s.userCode = dc.UserCode
	s.verificationURI = dc.VerificationURI
	s.interval = time.Duration(dc.Interval) * time.Second
	s.expiresAt = s.now().Add(time.Duration(dc.ExpiresIn) * time.Second)
	s.phase = phaseCodeRequested

	s.log.Debug("device code issued",
		"user_code", dc.UserCode,
		"expires_in", dc.ExpiresIn,
		"interval", dc.Interval,
	)
	return nil
}

// UserCode returns the code the user must enter on the verification page.
func (s *Session) UserCode() (string, error) {
	if s.phase < phaseCodeRequested {
		return "", ErrCodeNotRequested
	}
	return s.userCode, nil
}

// VerificationURI returns the page where the user enters the code.
func (s *Session) VerificationURI() (string, error) {
	if s.phase < phaseCodeRequested {
		return "", ErrCodeNotRequested
	}
	return s.verificationURI, nil
}

// PollForToken polls the token endpoint until the user completes (or
// declines) the verification, the device code expires, or ctx is cancelled.
// An authorization_pending response keeps the loop going; every other OAuth
// error fails the grant with the server's error string.
func (s *Session) PollForToken(ctx context.Context) (Token, error) {
	if s.phase < phaseCodeRequested {
		return Token{}, ErrCodeNotRequested
	}
	s.phase = phasePolling

	form := url.Values{
		"grant_type":  {deviceCodeGrant},
		"client_id":   {s.clientID},
		"device_code": {s.deviceCode},
	}

	for {
		if err := s.sleep(ctx, max(s.interval, minPollInterval)); err != nil {
			s.phase = phaseFailed
			return Token{}, err
		}

		// The authority invalidates the device code after expires_in; keep a
		// local deadline so the loop cannot outlive it.
		if !s.now().Before(s.expiresAt) {
			s.phase = phaseFailed
			return Token{}, fmt.Errorf("device code expired before the user completed verification")
		}

		status, body, err := s.postForm(ctx, s.tokenURL, form)
		if err != nil {
			s.phase = phaseFailed
			return Token{}, err
		}

		switch {
		case status == http.StatusBadRequest:
			var oe struct {
				Error            string `json:"error"`
				ErrorDescription string `json:"error_description"`
			}
			if err := json.Unmarshal(body, &oe); err != nil {
				s.phase = phaseFailed
				return Token{}, fmt.Errorf("decoding token error response: %w", err)
			}
			if oe.Error == pendingError {
				s.log.Debug("authorization pending, polling again")
				continue
			}
			s.phase = phaseFailed
			return Token{}, fmt.Errorf("device authorization failed: %s", oe.Error)

		case status >= 200 && status < 300:
			var tok Token
			if err := json.Unmarshal(body, &tok); err != nil {
				s.phase = phaseFailed
				return Token{}, fmt.Errorf("decoding token response: %w", err)
			}
			tok.ObtainedAt = s.now().UTC()
			s.token = tok
			s.phase = phaseAuthenticated
			return tok, nil

		default:
			s.phase = phaseFailed
			return Token{}, fmt.Errorf("token endpoint returned status %d: %s", status, strings.TrimSpace(string(body)))
		}
	}
}

// AccessToken returns the bearer token. Valid only after PollForToken
// succeeded.
func (s *Session) AccessToken() (string, error) {
	if s.phase != phaseAuthenticated {
		return "", ErrNotAuthenticated
	}
	return s.token.AccessToken, nil
}

// postForm sends one urlencoded POST and returns status and body.
func (s *Session) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("creating request for %q: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.hc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("posting to %q: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response from %q: %w", endpoint, err)
	}
	return resp.StatusCode, body, nil
}
