package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/njoerd114/teamsmirror/internal/graph"
	"github.com/njoerd114/teamsmirror/internal/model"
	"github.com/njoerd114/teamsmirror/internal/state"
)

// --- Mock Source -------------------------------------------------------------

// mockSource serves canned listings keyed by parent id. Missing keys behave
// like empty collections, matching how a 403 listing comes back.
type mockSource struct {
	mu sync.Mutex

	teams       graph.Result
	channels    map[string]graph.Result // teamID → channels
	chanMembers map[string]graph.Result // channelID → members
	chanMsgs    map[string]graph.Result // channelID → messages
	replies     map[string]graph.Result // messageID → replies
	chats       graph.Result
	chatMembers map[string]graph.Result // chatID → members
	chatMsgs    map[string]graph.Result // chatID → messages

	errTeams    error
	errChannels map[string]error // teamID
	errChanMsgs map[string]error // channelID
	errReplies  map[string]error // messageID

	// Delta links each listing call received, for resume assertions.
	seenChanMsgDelta map[string]string
	seenChatsDelta   string

	chanMsgCalls map[string]int
}

func newMockSource() *mockSource {
	return &mockSource{
		channels:         make(map[string]graph.Result),
		chanMembers:      make(map[string]graph.Result),
		chanMsgs:         make(map[string]graph.Result),
		replies:          make(map[string]graph.Result),
		chatMembers:      make(map[string]graph.Result),
		chatMsgs:         make(map[string]graph.Result),
		errChannels:      make(map[string]error),
		errChanMsgs:      make(map[string]error),
		errReplies:       make(map[string]error),
		seenChanMsgDelta: make(map[string]string),
		chanMsgCalls:     make(map[string]int),
	}
}

// mustRecord builds a record from raw JSON, panicking on malformed input so
// fixture mistakes surface immediately.
func mustRecord(kind model.Kind, raw string) model.Record {
	rec, err := model.NewRecord(kind, []byte(raw))
	if err != nil {
		panic(fmt.Sprintf("bad fixture: %v", err))
	}
	return rec
}

// listing bundles records into a Result the way a fetch returns them.
func listing(records ...model.Record) graph.Result {
	items := make(map[string]model.Record, len(records))
	for _, rec := range records {
		items[rec.ID] = rec
	}
	return graph.Result{Items: items}
}

func (m *mockSource) Teams(_ context.Context) (graph.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errTeams != nil {
		return graph.Result{}, m.errTeams
	}
	return m.teams, nil
}

func (m *mockSource) Channels(_ context.Context, teamID string) (graph.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errChannels[teamID]; err != nil {
		return graph.Result{}, err
	}
	return m.channels[teamID], nil
}

func (m *mockSource) ChannelMembers(_ context.Context, _, channelID string) (graph.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chanMembers[channelID], nil
}

func (m *mockSource) ChannelMessages(_ context.Context, _, channelID, deltaLink string) (graph.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chanMsgCalls[channelID]++
	m.seenChanMsgDelta[channelID] = deltaLink
	if err := m.errChanMsgs[channelID]; err != nil {
		return graph.Result{}, err
	}
	return m.chanMsgs[channelID], nil
}

func (m *mockSource) MessageReplies(_ context.Context, _, _, messageID string) (graph.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errReplies[messageID]; err != nil {
		return graph.Result{}, err
	}
	return m.replies[messageID], nil
}

func (m *mockSource) Chats(_ context.Context, deltaLink string) (graph.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seenChatsDelta = deltaLink
	return m.chats, nil
}

func (m *mockSource) ChatMembers(_ context.Context, chatID string) (graph.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatMembers[chatID], nil
}

func (m *mockSource) ChatMessages(_ context.Context, chatID, deltaLink string) (graph.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatMsgs[chatID], nil
}

func (m *mockSource) channelMessageCalls(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chanMsgCalls[channelID]
}

// --- Mock Store --------------------------------------------------------------

type mockStore struct {
	mu sync.Mutex

	channels map[string]*state.Channel                   // channelID
	chats    map[string]*state.Chat                      // chatID
	chanMsgs map[string]map[string]*state.ChannelMessage // channelID → messageID
	chatMsgs map[string]map[string]*state.ChatMessage    // chatID → messageID
	deltas   map[string]string

	replaceCalls int
}

func newMockStore() *mockStore {
	return &mockStore{
		channels: make(map[string]*state.Channel),
		chats:    make(map[string]*state.Chat),
		chanMsgs: make(map[string]map[string]*state.ChannelMessage),
		chatMsgs: make(map[string]map[string]*state.ChatMessage),
		deltas:   make(map[string]string),
	}
}

func (m *mockStore) seedChannel(ch *state.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ChannelID] = ch
}

func (m *mockStore) ReplaceChannels(_ context.Context, listing []state.Channel) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceCalls++

	for _, ch := range m.channels {
		ch.Deleted = true
	}
	for _, ch := range listing {
		if existing, ok := m.channels[ch.ChannelID]; ok {
			existing.TeamID = ch.TeamID
			existing.TeamName = ch.TeamName
			existing.ChannelName = ch.ChannelName
			existing.Payload = ch.Payload
			existing.Deleted = false
			continue
		}
		cp := ch
		m.channels[ch.ChannelID] = &cp
	}

	deleted := 0
	for _, ch := range m.channels {
		if ch.Deleted {
			deleted++
		}
	}
	return deleted, nil
}

func (m *mockStore) SetChannelMembers(_ context.Context, channelID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return fmt.Errorf("channel %q not found", channelID)
	}
	ch.MembersPayload = payload
	return nil
}

func (m *mockStore) ChannelsDue(_ context.Context, cutoff string) ([]*state.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*state.Channel
	for _, ch := range m.channels {
		if !ch.Deleted && ch.LastDownload <= cutoff {
			due = append(due, ch)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ChannelID < due[j].ChannelID })
	return due, nil
}

func (m *mockStore) SetChannelWatermark(_ context.Context, channelID, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return fmt.Errorf("channel %q not found", channelID)
	}
	ch.LastDownload = date
	return nil
}

func (m *mockStore) UpsertChannelMessage(_ context.Context, msg *state.ChannelMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chanMsgs[msg.ChannelID] == nil {
		m.chanMsgs[msg.ChannelID] = make(map[string]*state.ChannelMessage)
	}
	cp := *msg
	m.chanMsgs[msg.ChannelID][msg.MessageID] = &cp
	return nil
}

func (m *mockStore) UpsertChat(_ context.Context, chat *state.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.chats[chat.ChatID]; ok {
		existing.ChatName = chat.ChatName
		existing.Payload = chat.Payload
		existing.MembersPayload = chat.MembersPayload
		return nil
	}
	cp := *chat
	m.chats[chat.ChatID] = &cp
	return nil
}

func (m *mockStore) ChatsDue(_ context.Context, cutoff string) ([]*state.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*state.Chat
	for _, chat := range m.chats {
		if chat.LastDownload <= cutoff {
			due = append(due, chat)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ChatID < due[j].ChatID })
	return due, nil
}

func (m *mockStore) SetChatWatermark(_ context.Context, chatID, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.chats[chatID]
	if !ok {
		return fmt.Errorf("chat %q not found", chatID)
	}
	chat.LastDownload = date
	return nil
}

func (m *mockStore) UpsertChatMessage(_ context.Context, msg *state.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chatMsgs[msg.ChatID] == nil {
		m.chatMsgs[msg.ChatID] = make(map[string]*state.ChatMessage)
	}
	cp := *msg
	m.chatMsgs[msg.ChatID][msg.MessageID] = &cp
	return nil
}

func (m *mockStore) DeltaLink(_ context.Context, collection string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deltas[collection], nil
}

func (m *mockStore) SetDeltaLink(_ context.Context, collection, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltas[collection] = link
	return nil
}

func (m *mockStore) getChannel(channelID string) *state.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelID]; ok {
		cp := *ch
		return &cp
	}
	return nil
}

func (m *mockStore) getChat(chatID string) *state.Chat {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chat, ok := m.chats[chatID]; ok {
		cp := *chat
		return &cp
	}
	return nil
}

func (m *mockStore) getChannelMessage(channelID, messageID string) *state.ChannelMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.chanMsgs[channelID][messageID]; ok {
		cp := *msg
		return &cp
	}
	return nil
}

func (m *mockStore) chatMessageCount(chatID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chatMsgs[chatID])
}

func (m *mockStore) getDelta(collection string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deltas[collection]
}
