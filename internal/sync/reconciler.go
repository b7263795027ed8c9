package sync

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/njoerd114/teamsmirror/internal/model"
	"github.com/njoerd114/teamsmirror/internal/state"
)

// chatsCollection is the sync_state key for the chat discovery delta link.
const chatsCollection = "chats"

// channelMessagesKey returns the sync_state key for a channel's message
// delta link.
func channelMessagesKey(channelID string) string {
	return "channel_messages/" + channelID
}

// chatMessagesKey returns the sync_state key for a chat's message delta link.
func chatMessagesKey(chatID string) string {
	return "chat_messages/" + chatID
}

// Stats tracks the work performed in a single mirror pass.
type Stats struct {
	Channels        int // channels present in the fresh remote listing
	ChannelMessages int // channel messages written (new or updated)
	Chats           int // chats discovered or refreshed
	ChatMessages    int // chat messages written
	Deleted         int // channels left soft-deleted after the sweep
	Errors          int // conversations skipped due to errors
}

// Reconciler performs a single mirror pass: channel mark-and-sweep, then
// watermark-gated message, reply and roster downloads. It is stateless
// between calls — all persistent state lives in the [Store].
type Reconciler struct {
	src        Source
	store      Store
	resyncDays int
	log        *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewReconciler creates a Reconciler wired to the given source and store.
// resyncDays controls how old a conversation's watermark may be before its
// messages are fetched again; 0 means every pass re-fetches everything.
func NewReconciler(src Source, store Store, resyncDays int, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		src:        src,
		store:      store,
		resyncDays: resyncDays,
		log:        logger,
		now:        time.Now,
	}
}

// Run performs one full mirror pass. Channel listing and the sweep are fatal
// on error — sweeping against a partial listing would soft-delete live
// channels. Per-conversation download errors are logged and counted, and the
// pass continues; the first such error is returned alongside the stats.
//
// A conversation's watermark is stamped with today's date only after all of
// its messages were stored, so a failed download is retried next pass.
func (r *Reconciler) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	today := r.now().UTC().Format("2006-01-02")
	cutoff := r.now().UTC().AddDate(0, 0, -r.resyncDays).Format("2006-01-02")

	if err := r.syncChannels(ctx, &stats); err != nil {
		return stats, err
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(r.syncChannelMessages(ctx, today, cutoff, &stats))
	record(r.syncChats(ctx, &stats))
	record(r.syncChatMessages(ctx, today, cutoff, &stats))

	return stats, firstErr
}

// syncChannels lists all teams and their channels and reconciles the local
// channels table against the result in one mark-and-sweep transaction.
func (r *Reconciler) syncChannels(ctx context.Context, stats *Stats) error {
	teams, err := r.src.Teams(ctx)
	if err != nil {
		return fmt.Errorf("listing teams: %w", err)
	}

	var listing []state.Channel
	for _, team := range sortByID(teams.Items) {
		channels, err := r.src.Channels(ctx, team.ID)
		if err != nil {
			return fmt.Errorf("listing channels of team %q: %w", team.ID, err)
		}
		for _, ch := range sortByID(channels.Items) {
			listing = append(listing, state.Channel{
				TeamID:      team.ID,
				ChannelID:   ch.ID,
				TeamName:    team.DisplayName(),
				ChannelName: ch.DisplayName(),
				Payload:     ch.Payload,
			})
		}
	}

	deleted, err := r.store.ReplaceChannels(ctx, listing)
	if err != nil {
		return fmt.Errorf("reconciling channels: %w", err)
	}

	stats.Channels = len(listing)
	stats.Deleted = deleted
	if deleted > 0 {
		r.log.Info("channels vanished from remote listing", "count", deleted)
	}
	return nil
}

// syncChannelMessages downloads rosters, messages and replies for every
// channel whose watermark is at or before cutoff. Errors are isolated per
// channel.
func (r *Reconciler) syncChannelMessages(ctx context.Context, today, cutoff string, stats *Stats) error {
	due, err := r.store.ChannelsDue(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("selecting due channels: %w", err)
	}

	var firstErr error
	for _, ch := range due {
		n, err := r.syncOneChannel(ctx, ch)
		stats.ChannelMessages += n
		if err != nil {
			r.log.Error("channel sync failed", "team", ch.TeamName, "channel", ch.ChannelName, "error", err)
			stats.Errors++
			if firstErr == nil {
				firstErr = fmt.Errorf("syncing channel %q: %w", ch.ChannelID, err)
			}
			continue
		}
		if err := r.store.SetChannelWatermark(ctx, ch.ChannelID, today); err != nil {
			return fmt.Errorf("stamping channel %q: %w", ch.ChannelID, err)
		}
		r.log.Debug("channel synced", "team", ch.TeamName, "channel", ch.ChannelName, "messages", n)
	}
	return firstErr
}

// syncOneChannel refreshes one channel's member roster and downloads its
// messages from the stored delta position, fetching the full reply thread of
// each message. It returns the number of messages written, even on error.
func (r *Reconciler) syncOneChannel(ctx context.Context, ch *state.Channel) (int, error) {
	members, err := r.src.ChannelMembers(ctx, ch.TeamID, ch.ChannelID)
	if err != nil {
		return 0, fmt.Errorf("listing members: %w", err)
	}
	if err := r.store.SetChannelMembers(ctx, ch.ChannelID, marshalRecords(sortByID(members.Items))); err != nil {
		return 0, fmt.Errorf("storing members: %w", err)
	}

	link, err := r.store.DeltaLink(ctx, channelMessagesKey(ch.ChannelID))
	if err != nil {
		return 0, fmt.Errorf("loading delta position: %w", err)
	}

	res, err := r.src.ChannelMessages(ctx, ch.TeamID, ch.ChannelID, link)
	if err != nil {
		return 0, fmt.Errorf("listing messages: %w", err)
	}

	var written int
	for _, msg := range sortByID(res.Items) {
		replies, err := r.src.MessageReplies(ctx, ch.TeamID, ch.ChannelID, msg.ID)
		if err != nil {
			return written, fmt.Errorf("listing replies of message %q: %w", msg.ID, err)
		}
		err = r.store.UpsertChannelMessage(ctx, &state.ChannelMessage{
			ChannelID:      ch.ChannelID,
			MessageID:      msg.ID,
			Payload:        msg.Payload,
			RepliesPayload: marshalRecords(sortByCreated(replies.Items)),
		})
		if err != nil {
			return written, fmt.Errorf("storing message %q: %w", msg.ID, err)
		}
		written++
	}

	if res.DeltaLink != "" {
		if err := r.store.SetDeltaLink(ctx, channelMessagesKey(ch.ChannelID), res.DeltaLink); err != nil {
			return written, fmt.Errorf("storing delta position: %w", err)
		}
	}
	return written, nil
}

// syncChats discovers chats from the stored delta position and refreshes
// their rosters. A chat without a topic is named after its members.
func (r *Reconciler) syncChats(ctx context.Context, stats *Stats) error {
	link, err := r.store.DeltaLink(ctx, chatsCollection)
	if err != nil {
		return fmt.Errorf("loading chat delta position: %w", err)
	}

	res, err := r.src.Chats(ctx, link)
	if err != nil {
		return fmt.Errorf("listing chats: %w", err)
	}

	var firstErr error
	for _, chat := range sortByID(res.Items) {
		if err := r.syncOneChat(ctx, chat); err != nil {
			r.log.Error("chat discovery failed", "chat", chat.ID, "error", err)
			stats.Errors++
			if firstErr == nil {
				firstErr = fmt.Errorf("discovering chat %q: %w", chat.ID, err)
			}
			continue
		}
		stats.Chats++
	}

	if res.DeltaLink != "" {
		if err := r.store.SetDeltaLink(ctx, chatsCollection, res.DeltaLink); err != nil {
			return fmt.Errorf("storing chat delta position: %w", err)
		}
	}
	return firstErr
}

func (r *Reconciler) syncOneChat(ctx context.Context, chat model.Record) error {
	members, err := r.src.ChatMembers(ctx, chat.ID)
	if err != nil {
		return fmt.Errorf("listing members: %w", err)
	}
	roster := sortByID(members.Items)

	name := chat.Topic()
	if name == "" {
		names := make([]string, 0, len(roster))
		for _, m := range roster {
			names = append(names, m.MemberDisplayName())
		}
		sort.Strings(names)
		name = joinNonEmpty(names, ", ")
	}

	err = r.store.UpsertChat(ctx, &state.Chat{
		ChatID:         chat.ID,
		ChatName:       name,
		Payload:        chat.Payload,
		MembersPayload: marshalRecords(roster),
	})
	if err != nil {
		return fmt.Errorf("storing chat: %w", err)
	}
	return nil
}

// syncChatMessages downloads messages for every chat whose watermark is at or
// before cutoff. Errors are isolated per chat.
func (r *Reconciler) syncChatMessages(ctx context.Context, today, cutoff string, stats *Stats) error {
	due, err := r.store.ChatsDue(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("selecting due chats: %w", err)
	}

	var firstErr error
	for _, chat := range due {
		n, err := r.syncOneChatMessages(ctx, chat.ChatID)
		stats.ChatMessages += n
		if err != nil {
			r.log.Error("chat sync failed", "chat", chat.ChatName, "error", err)
			stats.Errors++
			if firstErr == nil {
				firstErr = fmt.Errorf("syncing chat %q: %w", chat.ChatID, err)
			}
			continue
		}
		if err := r.store.SetChatWatermark(ctx, chat.ChatID, today); err != nil {
			return fmt.Errorf("stamping chat %q: %w", chat.ChatID, err)
		}
		r.log.Debug("chat synced", "chat", chat.ChatName, "messages", n)
	}
	return firstErr
}

func (r *Reconciler) syncOneChatMessages(ctx context.Context, chatID string) (int, error) {
	link, err := r.store.DeltaLink(ctx, chatMessagesKey(chatID))
	if err != nil {
		return 0, fmt.Errorf("loading delta position: %w", err)
	}

	res, err := r.src.ChatMessages(ctx, chatID, link)
	if err != nil {
		return 0, fmt.Errorf("listing messages: %w", err)
	}

	var written int
	for _, msg := range sortByID(res.Items) {
		err := r.store.UpsertChatMessage(ctx, &state.ChatMessage{
			ChatID:    chatID,
			MessageID: msg.ID,
			Payload:   msg.Payload,
		})
		if err != nil {
			return written, fmt.Errorf("storing message %q: %w", msg.ID, err)
		}
		written++
	}

	if res.DeltaLink != "" {
		if err := r.store.SetDeltaLink(ctx, chatMessagesKey(chatID), res.DeltaLink); err != nil {
			return written, fmt.Errorf("storing delta position: %w", err)
		}
	}
	return written, nil
}

// sortByID flattens a record map into a slice ordered by id, for
// deterministic processing and serialization.
func sortByID(items map[string]model.Record) []model.Record {
	out := make([]model.Record, 0, len(items))
	for _, rec := range items {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// sortByCreated orders records by createdDateTime ascending, falling back to
// id for records sharing a timestamp. The RFC 3339 timestamps the API emits
// sort correctly as strings.
func sortByCreated(items map[string]model.Record) []model.Record {
	out := sortByID(items)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedDateTime() < out[j].CreatedDateTime()
	})
	return out
}

// marshalRecords serializes records as a JSON array of their raw payloads.
func marshalRecords(records []model.Record) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, rec := range records {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rec.Payload)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// joinNonEmpty joins the non-empty elements of parts with sep.
func joinNonEmpty(parts []string, sep string) string {
	var b bytes.Buffer
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(p)
	}
	return b.String()
}
