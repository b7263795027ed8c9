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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken means the cache file does not exist yet — the user has to run
// the login command first.
var ErrNoToken = errors.New("no cached token, run login first")

// DefaultCachePath returns the default token cache location:
// ~/.local/share/teamsmirror/token.json
func DefaultCachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "teamsmirror", "token.json"), nil
}

// Cache persists the token set obtained by the login flow and hands out a
// valid access token on demand, redeeming the refresh token when the cached
// access token nears expiry. It implements graph.TokenSource.
type Cache struct {
	path     string
	tokenURL string
	clientID string
	scopes   []string
	hc       *http.Client
	log      *slog.Logger

	now func() time.Time

	mu     sync.Mutex
	tok    Token
	loaded bool
}

// NewCache creates a Cache storing tokens at path. authority and clientID
// must match the values the token was originally issued for — the refresh
// grant goes to the same token endpoint as the device grant.
func NewCache(path, authority, clientID string, scopes []string, logger *slog.Logger) *Cache {
	return &Cache{
		path:     path,
		tokenURL: strings.TrimRight(authority, "/") + "/oauth2/v2.0/token",
		clientID: clientID,
		scopes:   scopes,
		hc:       &http.Client{Timeout: 30 * time.Second},
		log:      logger,
		now:      time.Now,
	}
}

// Save writes the token set to the cache file, creating the directory if
// needed. The file is user-readable only.
func (c *Cache) Save(tok Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tok = tok
	c.loaded = true
	return c.persistLocked()
}

// AccessToken returns a bearer token valid for at least a few more minutes,
// refreshing it first when the cached one is stale.
func (c *Cache) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		if err := c.load(); err != nil {
			return "", err
		}
	}

	if c.tok.Stale(c.now()) {
		if err := c.refresh(ctx); err != nil {
			return "", err
		}
	}
	return c.tok.AccessToken, nil
}

// Account returns a human-readable identity from the cached ID token's
// claims (preferred_username, falling back to name). The signature is not
// verified — the value is display-only and came from the authority over TLS.
func (c *Cache) Account() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		if err := c.load(); err != nil {
			return "", err
		}
	}
	if c.tok.IDToken == "" {
		return "", errors.New("cached token has no id_token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.tok.IDToken, claims); err != nil {
		return "", fmt.Errorf("parsing id_token: %w", err)
	}
	if v, ok := claims["preferred_username"].(string); ok && v != "" {
		return v, nil
	}
	if v, ok := claims["name"].(string); ok && v != "" {
		return v, nil
	}
	return "", errors.New("id_token has no usable identity claim")
}

// load reads the cache file into memory. Callers hold c.mu.
func (c *Cache) load() error {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoToken
	}
	if err != nil {
		return fmt.Errorf("reading token file %q: %w", c.path, err)
	}
	if err := json.Unmarshal(data, &c.tok); err != nil {
		return fmt.Errorf("decoding token file %q: %w", c.path, err)
	}
	c.loaded = true
	return nil
}

// refresh redeems the refresh token for a fresh token set and persists it.
// Callers hold c.mu.
func (c *Cache) refresh(ctx context.Context) error {
	if c.tok.RefreshToken == "" {
		return errors.New("access token expired and no refresh token is cached, run login again")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.clientID},
		"refresh_token": {c.tok.RefreshToken},
		"scope":         {strings.Join(c.scopes, " ")},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("posting refresh request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return fmt.Errorf("decoding refresh response: %w", err)
	}
	tok.ObtainedAt = c.now().UTC()
	if tok.RefreshToken == "" {
		// Some authorities omit the refresh token on renewal; keep the old one.
		tok.RefreshToken = c.tok.RefreshToken
	}
	if tok.IDToken == "" {
		tok.IDToken = c.tok.IDToken
	}
	c.log.Debug("access token refreshed", "expires_in", tok.ExpiresIn)

	prev := c.tok
	c.tok = tok
	if err := c.persistLocked(); err != nil {
		c.tok = prev
		return err
	}
	return nil
}

// persistLocked writes c.tok to disk. Callers hold c.mu.
func (c *Cache) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	data, err := json.MarshalIndent(c.tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("writing token file %q: %w", c.path, err)
	}
	return nil
}
