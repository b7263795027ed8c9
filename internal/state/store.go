// Package state manages the SQLite database holding the mirrored messaging
// graph: channels, channel messages, chats, chat messages, and the delta
// links that make the next run incremental.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS channels (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    team_id         TEXT    NOT NULL,
    channel_id      TEXT    NOT NULL UNIQUE,
    team_name       TEXT    NOT NULL DEFAULT '',
    channel_name    TEXT    NOT NULL DEFAULT '',
    payload         TEXT    NOT NULL DEFAULT '',
    members_payload TEXT    NOT NULL DEFAULT '',
    last_download   TEXT    NOT NULL DEFAULT '',
    deleted         INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_team_channel ON channels (team_id, channel_id);

CREATE TABLE IF NOT EXISTS channel_messages (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id      TEXT NOT NULL REFERENCES channels (channel_id) ON DELETE CASCADE,
    message_id      TEXT NOT NULL,
    payload         TEXT NOT NULL DEFAULT '',
    replies_payload TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_channel_message ON channel_messages (channel_id, message_id);

CREATE TABLE IF NOT EXISTS chats (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id         TEXT NOT NULL UNIQUE,
    chat_name       TEXT NOT NULL DEFAULT '',
    payload         TEXT NOT NULL DEFAULT '',
    members_payload TEXT NOT NULL DEFAULT '',
    last_download   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id    TEXT NOT NULL REFERENCES chats (chat_id) ON DELETE CASCADE,
    message_id TEXT NOT NULL,
    payload    TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_message ON chat_messages (chat_id, message_id);

CREATE TABLE IF NOT EXISTS sync_state (
    collection TEXT PRIMARY KEY,
    delta_link TEXT NOT NULL DEFAULT ''
);
`

// Channel is one mirrored channel row. LastDownload is the YYYY-MM-DD date
// messages were last fully fetched; the empty string means never, and sorts
// before every real date, which the due-selection queries rely on.
type Channel struct {
	ID             int64
	TeamID         string
	ChannelID      string
	TeamName       string
	ChannelName    string
	Payload        []byte
	MembersPayload []byte
	LastDownload   string
	Deleted        bool
}

// Chat is one mirrored chat row. Chats have no deletion flag — the remote
// API provides no tombstones for them.
type Chat struct {
	ID             int64
	ChatID         string
	ChatName       string
	Payload        []byte
	MembersPayload []byte
	LastDownload   string
}

// ChannelMessage is one mirrored channel message with its ordered replies
// serialized as a single JSON array.
type ChannelMessage struct {
	ChannelID      string
	MessageID      string
	Payload        []byte
	RepliesPayload []byte
}

// ChatMessage is one mirrored chat message.
type ChatMessage struct {
	ChatID    string
	MessageID string
	Payload   []byte
}

// Store is the SQLite-backed mirror repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the mirror database:
// ~/.local/share/teamsmirror/mirror.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "teamsmirror", "mirror.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- channels ----------------------------------------------------------------

// ReplaceChannels reconciles the channels table against a fresh remote
// listing in one transaction: every stored channel is marked deleted, then
// each listed channel is upserted back with deleted cleared. Channels absent
// from the listing stay soft-deleted; their messages are preserved. A reader
// never observes the all-deleted intermediate state.
//
// The upsert keeps last_download and members_payload untouched, so the
// message watermark survives re-listing. The returned count is the number of
// channels left soft-deleted after the sweep.
func (s *Store) ReplaceChannels(ctx context.Context, channels []Channel) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning channel reconcile: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE channels SET deleted = 1`); err != nil {
		return 0, fmt.Errorf("marking channels deleted: %w", err)
	}

	const q = `
		INSERT INTO channels (team_id, channel_id, team_name, channel_name, payload, deleted)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(channel_id) DO UPDATE SET
		    team_id      = excluded.team_id,
		    team_name    = excluded.team_name,
		    channel_name = excluded.channel_name,
		    payload      = excluded.payload,
		    deleted      = 0`
	for _, ch := range channels {
		if _, err := tx.ExecContext(ctx, q,
			ch.TeamID, ch.ChannelID, ch.TeamName, ch.ChannelName, string(ch.Payload),
		); err != nil {
			return 0, fmt.Errorf("upserting channel %q: %w", ch.ChannelID, err)
		}
	}

	var deleted int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE deleted = 1`).Scan(&deleted); err != nil {
		return 0, fmt.Errorf("counting swept channels: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing channel reconcile: %w", err)
	}
	return deleted, nil
}

// SetChannelMembers stores the serialized member listing for a channel.
func (s *Store) SetChannelMembers(ctx context.Context, channelID string, membersPayload []byte) error {
	const q = `UPDATE channels SET members_payload = ? WHERE channel_id = ?`
	if _, err := s.db.ExecContext(ctx, q, string(membersPayload), channelID); err != nil {
		return fmt.Errorf("setting members for channel %q: %w", channelID, err)
	}
	return nil
}

// ChannelsDue returns the non-deleted channels whose watermark is at or
// before cutoff (YYYY-MM-DD). Never-synced channels carry the empty
// watermark and are therefore always due.
func (s *Store) ChannelsDue(ctx context.Context, cutoff string) ([]*Channel, error) {
	const q = `
		SELECT id, team_id, channel_id, team_name, channel_name,
		       payload, members_payload, last_download, deleted
		FROM channels
		WHERE deleted = 0 AND last_download <= ?
		ORDER BY team_id, channel_id`
	rows, err := s.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying due channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// GetChannel returns the channel row for (teamID, channelID), or (nil, nil)
// if no such channel exists.
func (s *Store) GetChannel(ctx context.Context, teamID, channelID string) (*Channel, error) {
	const q = `
		SELECT id, team_id, channel_id, team_name, channel_name,
		       payload, members_payload, last_download, deleted
		FROM channels WHERE team_id = ? AND channel_id = ?`
	return scanChannel(s.db.QueryRowContext(ctx, q, teamID, channelID))
}

// SetChannelWatermark records the date channel messages were last fully
// fetched for the given channel.
func (s *Store) SetChannelWatermark(ctx context.Context, channelID, date string) error {
	const q = `UPDATE channels SET last_download = ? WHERE channel_id = ?`
	if _, err := s.db.ExecContext(ctx, q, date, channelID); err != nil {
		return fmt.Errorf("setting watermark for channel %q: %w", channelID, err)
	}
	return nil
}

// UpsertChannelMessage inserts or updates one channel message together with
// its serialized, creation-ordered replies.
func (s *Store) UpsertChannelMessage(ctx context.Context, msg *ChannelMessage) error {
	const q = `
		INSERT INTO channel_messages (channel_id, message_id, payload, replies_payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel_id, message_id) DO UPDATE SET
		    payload         = excluded.payload,
		    replies_payload = excluded.replies_payload`
	if _, err := s.db.ExecContext(ctx, q,
		msg.ChannelID, msg.MessageID, string(msg.Payload), string(msg.RepliesPayload),
	); err != nil {
		return fmt.Errorf("upserting message %q in channel %q: %w", msg.MessageID, msg.ChannelID, err)
	}
	return nil
}

// ChannelMessages returns all stored messages of a channel, ordered by
// message id. Used by status reporting and tests.
func (s *Store) ChannelMessages(ctx context.Context, channelID string) ([]*ChannelMessage, error) {
	const q = `
		SELECT channel_id, message_id, payload, replies_payload
		FROM channel_messages WHERE channel_id = ? ORDER BY message_id`
	rows, err := s.db.QueryContext(ctx, q, channelID)
	if err != nil {
		return nil, fmt.Errorf("querying messages for channel %q: %w", channelID, err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*ChannelMessage
	for rows.Next() {
		var m ChannelMessage
		var payload, replies string
		if err := rows.Scan(&m.ChannelID, &m.MessageID, &payload, &replies); err != nil {
			return nil, fmt.Errorf("scanning channel message row: %w", err)
		}
		m.Payload = []byte(payload)
		m.RepliesPayload = []byte(replies)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// --- chats -------------------------------------------------------------------

// UpsertChat inserts or updates a chat by its remote id. The watermark is
// left untouched on update.
func (s *Store) UpsertChat(ctx context.Context, chat *Chat) error {
	const q = `
		INSERT INTO chats (chat_id, chat_name, payload, members_payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
		    chat_name       = excluded.chat_name,
		    payload         = excluded.payload,
		    members_payload = excluded.members_payload`
	if _, err := s.db.ExecContext(ctx, q,
		chat.ChatID, chat.ChatName, string(chat.Payload), string(chat.MembersPayload),
	); err != nil {
		return fmt.Errorf("upserting chat %q: %w", chat.ChatID, err)
	}
	return nil
}

// ChatsDue returns the chats whose watermark is at or before cutoff.
func (s *Store) ChatsDue(ctx context.Context, cutoff string) ([]*Chat, error) {
	const q = `
		SELECT id, chat_id, chat_name, payload, members_payload, last_download
		FROM chats WHERE last_download <= ? ORDER BY chat_id`
	rows, err := s.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying due chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chats []*Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns the chat with the given remote id, or (nil, nil) if it is
// not stored.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	const q = `
		SELECT id, chat_id, chat_name, payload, members_payload, last_download
		FROM chats WHERE chat_id = ?`
	return scanChat(s.db.QueryRowContext(ctx, q, chatID))
}

// SetChatWatermark records the date chat messages were last fully fetched.
func (s *Store) SetChatWatermark(ctx context.Context, chatID, date string) error {
	const q = `UPDATE chats SET last_download = ? WHERE chat_id = ?`
	if _, err := s.db.ExecContext(ctx, q, date, chatID); err != nil {
		return fmt.Errorf("setting watermark for chat %q: %w", chatID, err)
	}
	return nil
}

// UpsertChatMessage inserts or updates one chat message.
func (s *Store) UpsertChatMessage(ctx context.Context, msg *ChatMessage) error {
	const q = `
		INSERT INTO chat_messages (chat_id, message_id, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO UPDATE SET
		    payload = excluded.payload`
	if _, err := s.db.ExecContext(ctx, q, msg.ChatID, msg.MessageID, string(msg.Payload)); err != nil {
		return fmt.Errorf("upserting message %q in chat %q: %w", msg.MessageID, msg.ChatID, err)
	}
	return nil
}

// ChatMessages returns all stored messages of a chat, ordered by message id.
func (s *Store) ChatMessages(ctx context.Context, chatID string) ([]*ChatMessage, error) {
	const q = `
		SELECT chat_id, message_id, payload
		FROM chat_messages WHERE chat_id = ? ORDER BY message_id`
	rows, err := s.db.QueryContext(ctx, q, chatID)
	if err != nil {
		return nil, fmt.Errorf("querying messages for chat %q: %w", chatID, err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*ChatMessage
	for rows.Next() {
		var m ChatMessage
		var payload string
		if err := rows.Scan(&m.ChatID, &m.MessageID, &payload); err != nil {
			return nil, fmt.Errorf("scanning chat message row: %w", err)
		}
		m.Payload = []byte(payload)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// --- delta links -------------------------------------------------------------

// DeltaLink returns the persisted delta link for a collection key, or "" if
// none was stored yet.
func (s *Store) DeltaLink(ctx context.Context, collection string) (string, error) {
	var link string
	err := s.db.QueryRowContext(ctx,
		`SELECT delta_link FROM sync_state WHERE collection = ?`, collection).Scan(&link)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying delta link for %q: %w", collection, err)
	}
	return link, nil
}

// SetDeltaLink persists the delta link for a collection key.
func (s *Store) SetDeltaLink(ctx context.Context, collection, link string) error {
	const q = `
		INSERT INTO sync_state (collection, delta_link) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET delta_link = excluded.delta_link`
	if _, err := s.db.ExecContext(ctx, q, collection, link); err != nil {
		return fmt.Errorf("setting delta link for %q: %w", collection, err)
	}
	return nil
}

// --- summary -----------------------------------------------------------------

// Summary holds row counts for status reporting.
type Summary struct {
	Channels        int
	DeletedChannels int
	ChannelMessages int
	Chats           int
	ChatMessages    int
}

// Summarize counts the mirrored rows.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	var sum Summary
	row := s.db.QueryRowContext(ctx, `
		SELECT
		  (SELECT COUNT(*) FROM channels WHERE deleted = 0),
		  (SELECT COUNT(*) FROM channels WHERE deleted = 1),
		  (SELECT COUNT(*) FROM channel_messages),
		  (SELECT COUNT(*) FROM chats),
		  (SELECT COUNT(*) FROM chat_messages)`)
	if err := row.Scan(&sum.Channels, &sum.DeletedChannels, &sum.ChannelMessages, &sum.Chats, &sum.ChatMessages); err != nil {
		return Summary{}, fmt.Errorf("counting mirrored rows: %w", err)
	}
	return sum, nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so the scan helpers can be
// reused across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(sc scanner) (*Channel, error) {
	var ch Channel
	var payload, members string
	var deleted int

	err := sc.Scan(
		&ch.ID,
		&ch.TeamID,
		&ch.ChannelID,
		&ch.TeamName,
		&ch.ChannelName,
		&payload,
		&members,
		&ch.LastDownload,
		&deleted,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning channel row: %w", err)
	}

	ch.Payload = []byte(payload)
	ch.MembersPayload = []byte(members)
	ch.Deleted = deleted != 0
	return &ch, nil
}

func scanChat(sc scanner) (*Chat, error) {
	var c Chat
	var payload, members string

	err := sc.Scan(
		&c.ID,
		&c.ChatID,
		&c.ChatName,
		&payload,
		&members,
		&c.LastDownload,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning chat row: %w", err)
	}

	c.Payload = []byte(payload)
	c.MembersPayload = []byte(members)
	return &c, nil
}
