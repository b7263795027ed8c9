// Package sync implements the mirror reconciliation engine for TeamsMirror.
// It lists the remote team/channel/chat topology, sweeps vanished channels,
// and downloads messages, replies and member rosters for every conversation
// whose local copy is older than the resync cutoff.
//
// The interfaces below decouple the reconciler from the Graph client and the
// SQLite store so tests can substitute in-memory fakes.
package sync

import (
	"context"

	"github.com/njoerd114/teamsmirror/internal/graph"
	"github.com/njoerd114/teamsmirror/internal/state"
)

// Source lists remote collections. Implemented by [graph.Client].
type Source interface {
	Teams(ctx context.Context) (graph.Result, error)
	Channels(ctx context.Context, teamID string) (graph.Result, error)
	ChannelMembers(ctx context.Context, teamID, channelID string) (graph.Result, error)
	ChannelMessages(ctx context.Context, teamID, channelID, deltaLink string) (graph.Result, error)
	MessageReplies(ctx context.Context, teamID, channelID, messageID string) (graph.Result, error)
	Chats(ctx context.Context, deltaLink string) (graph.Result, error)
	ChatMembers(ctx context.Context, chatID string) (graph.Result, error)
	ChatMessages(ctx context.Context, chatID, deltaLink string) (graph.Result, error)
}

// Store persists the mirrored rows and per-collection sync positions.
// Implemented by [state.Store].
type Store interface {
	ReplaceChannels(ctx context.Context, channels []state.Channel) (int, error)
	SetChannelMembers(ctx context.Context, channelID string, membersPayload []byte) error
	ChannelsDue(ctx context.Context, cutoff string) ([]*state.Channel, error)
	SetChannelWatermark(ctx context.Context, channelID, date string) error
	UpsertChannelMessage(ctx context.Context, msg *state.ChannelMessage) error

	UpsertChat(ctx context.Context, chat *state.Chat) error
	ChatsDue(ctx context.Context, cutoff string) ([]*state.Chat, error)
	SetChatWatermark(ctx context.Context, chatID, date string) error
	UpsertChatMessage(ctx context.Context, msg *state.ChatMessage) error

	DeltaLink(ctx context.Context, collection string) (string, error)
	SetDeltaLink(ctx context.Context, collection, link string) error
}
