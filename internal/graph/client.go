// Package graph implements the read side of the Microsoft Graph API used by
// the mirror: bearer-authenticated GETs against the paginated, delta-capable
// collection endpoints for teams, channels, chats, members, messages, and
// replies.
//
// The package contains two layers:
//
//   - [Client] builds the endpoint URLs and owns the HTTP transport.
//   - [Client.FetchAll] walks a collection's page chain, handling rate
//     limits, permission gaps, and delta links.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/njoerd114/teamsmirror/internal/model"
)

// DefaultBaseURL is the production Graph endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// TokenSource supplies a bearer token for each request. Implemented by
// [auth.Cache], which refreshes the token transparently when it nears expiry.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token. Used by the login
// flow (which already holds a fresh token) and by tests.
type StaticToken string

func (t StaticToken) AccessToken(context.Context) (string, error) { return string(t), nil }

// Client fetches Graph collections. Create one with [NewClient].
type Client struct {
	baseURL string
	tokens  TokenSource
	hc      *http.Client
	log     *slog.Logger

	// sleep is replaced in tests to make backoff assertions instant.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client for the given base URL (DefaultBaseURL in
// production; an httptest server in tests).
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		hc:      &http.Client{Timeout: 60 * time.Second},
		log:     logger,
		sleep:   sleepCtx,
	}
}

// sleepCtx blocks for d or until ctx is cancelled, whichever comes first.
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

// --- Collection endpoints ----------------------------------------------------

// Teams lists all teams visible to the signed-in user.
func (c *Client) Teams(ctx context.Context) (Result, error) {
	return c.FetchAll(ctx, c.baseURL+"/teams", "", model.KindTeam)
}

// Channels lists the channels of a team.
func (c *Client) Channels(ctx context.Context, teamID string) (Result, error) {
	return c.FetchAll(ctx, fmt.Sprintf("%s/teams/%s/channels", c.baseURL, esc(teamID)), "", model.KindChannel)
}

// ChannelMembers lists the members of a channel.
func (c *Client) ChannelMembers(ctx context.Context, teamID, channelID string) (Result, error) {
	return c.FetchAll(ctx,
		fmt.Sprintf("%s/teams/%s/channels/%s/members", c.baseURL, esc(teamID), esc(channelID)), "", model.KindMember)
}

// ChannelMessages lists the top-level messages of a channel. deltaLink, when
// non-empty, resumes an incremental sync from the previous run.
func (c *Client) ChannelMessages(ctx context.Context, teamID, channelID, deltaLink string) (Result, error) {
	return c.FetchAll(ctx,
		fmt.Sprintf("%s/teams/%s/channels/%s/messages", c.baseURL, esc(teamID), esc(channelID)), deltaLink, model.KindMessage)
}

// MessageReplies lists the replies to a channel message.
func (c *Client) MessageReplies(ctx context.Context, teamID, channelID, messageID string) (Result, error) {
	return c.FetchAll(ctx,
		fmt.Sprintf("%s/teams/%s/channels/%s/messages/%s/replies",
			c.baseURL, esc(teamID), esc(channelID), esc(messageID)), "", model.KindReply)
}

// Chats lists the chats of the signed-in user. deltaLink resumes discovery
// from the previous run.
func (c *Client) Chats(ctx context.Context, deltaLink string) (Result, error) {
	return c.FetchAll(ctx, c.baseURL+"/chats", deltaLink, model.KindChat)
}

// ChatMembers lists the members of a chat.
func (c *Client) ChatMembers(ctx context.Context, chatID string) (Result, error) {
	return c.FetchAll(ctx, fmt.Sprintf("%s/chats/%s/members", c.baseURL, esc(chatID)), "", model.KindMember)
}

// ChatMessages lists the messages of a chat.
func (c *Client) ChatMessages(ctx context.Context, chatID, deltaLink string) (Result, error) {
	return c.FetchAll(ctx, fmt.Sprintf("%s/chats/%s/messages", c.baseURL, esc(chatID)), deltaLink, model.KindMessage)
}

func esc(s string) string { return url.PathEscape(s) }

// get issues one bearer-authenticated GET. The response body is owned by the
// caller.
func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	tok, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %q: %w", rawURL, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %q: %w", rawURL, err)
	}
	return resp, nil
}
