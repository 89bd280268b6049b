package heroes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Records
// ============================================================================

// messageRecord is either confirmedMessage or provisionalMessage.
type messageRecord interface {
	message() ChatMessage
}

type confirmedMessage struct {
	msg ChatMessage
}

func (c confirmedMessage) message() ChatMessage {
	m := c.msg
	m.Provisional, m.Delivered, m.Failed = false, true, false
	return m
}

// provisionalMessage is a local send awaiting the backend; msg.ID is the temporary id.
type provisionalMessage struct {
	msg ChatMessage
	err *Error
}

func (p provisionalMessage) message() ChatMessage {
	m := p.msg
	m.Provisional, m.Delivered, m.Failed = true, false, p.err != nil
	return m
}

type channel struct {
	records  []messageRecord
	presence map[string]PresenceEntry
	sub      *Subscription
	psub     *PresenceSubscription
	gen      uint64
}

// ============================================================================
// ChannelManager
// ============================================================================

// ChatOptions configures the ChannelManager.
type ChatOptions struct {
	Retry  RetryPolicy
	Logger *logrus.Logger
	// Online reports connectivity; while false, sends fail immediately as network errors.
	Online   func() bool
	OnChange func(conversationID string)
	Now      func() time.Time
}

func (o *ChatOptions) defaults() {
	if o.Logger == nil {
		o.Logger = NewLogger()
	}
	if o.Online == nil {
		o.Online = func() bool { return true }
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// ChannelManager keeps one ordered, de-duplicated message list and one
// presence map per conversation.
type ChannelManager struct {
	backend Backend
	userID  string
	opts    ChatOptions

	mu       sync.Mutex
	channels map[string]*channel
}

// NewChannelManager creates a manager sending as userID.
func NewChannelManager(backend Backend, userID string, opts *ChatOptions) *ChannelManager {
	m := &ChannelManager{
		backend:  backend,
		userID:   userID,
		channels: make(map[string]*channel),
	}
	if opts != nil {
		m.opts = *opts
	}
	m.opts.defaults()
	return m
}

func (m *ChannelManager) channelLocked(conversationID string) *channel {
	ch, ok := m.channels[conversationID]
	if !ok {
		ch = &channel{presence: make(map[string]PresenceEntry)}
		m.channels[conversationID] = ch
	}
	return ch
}

func (m *ChannelManager) notify(conversationID string) {
	if m.opts.OnChange != nil {
		m.opts.OnChange(conversationID)
	}
}

// Messages returns the conversation's messages ordered by creation time.
func (m *ChannelManager) Messages(conversationID string) []ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[conversationID]
	if !ok {
		return nil
	}
	out := make([]ChatMessage, len(ch.records))
	for i, rec := range ch.records {
		out[i] = rec.message()
	}
	return out
}

// OnlineUsers returns the ids of users attached to the conversation, sorted.
func (m *ChannelManager) OnlineUsers(conversationID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[conversationID]
	if !ok {
		return nil
	}
	users := make([]string, 0, len(ch.presence))
	for id := range ch.presence {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Subscribed returns the ids of conversations with a live subscription, sorted.
func (m *ChannelManager) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, ch := range m.channels {
		if ch.sub != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ── History ──────────────────────────────────────────────

// LoadHistory replaces the confirmed messages with the backend's list.
// Pending local sends are kept unless the history already contains them.
func (m *ChannelManager) LoadHistory(ctx context.Context, conversationID string) error {
	msgs, err := RetryValue(ctx, m.opts.Retry, func(ctx context.Context) ([]ChatMessage, error) {
		return m.backend.ListMessages(ctx, conversationID)
	})
	if err != nil {
		return Classify(err)
	}

	m.mu.Lock()
	ch := m.channelLocked(conversationID)
	pending := make([]messageRecord, 0)
	for _, rec := range ch.records {
		if _, ok := rec.(provisionalMessage); ok {
			pending = append(pending, rec)
		}
	}
	ch.records = pending
	for _, msg := range msgs {
		m.mergeLocked(conversationID, ch, msg)
	}
	sortMessages(ch.records)
	m.mu.Unlock()

	m.notify(conversationID)
	return nil
}

// ── Sending ──────────────────────────────────────────────

// Send appends a provisional message and submits it. On failure the message
// stays in the list marked failed; it is never queued.
func (m *ChannelManager) Send(ctx context.Context, conversationID, body string) (ChatMessage, error) {
	if strings.TrimSpace(body) == "" {
		return ChatMessage{}, newError(CategoryValidation, fmt.Errorf("empty message body"))
	}

	prov := provisionalMessage{msg: ChatMessage{
		ID:             "tmp-" + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       m.userID,
		Body:           body,
		CreatedAt:      m.opts.Now(),
	}}
	m.mu.Lock()
	ch := m.channelLocked(conversationID)
	ch.records = append(ch.records, prov)
	sortMessages(ch.records)
	m.mu.Unlock()
	m.notify(conversationID)

	return m.submit(ctx, conversationID, prov.msg.ID, body)
}

// Resend re-submits a failed provisional message.
func (m *ChannelManager) Resend(ctx context.Context, conversationID, tempID string) (ChatMessage, error) {
	m.mu.Lock()
	ch := m.channelLocked(conversationID)
	i, prov, ok := findProvisional(ch, tempID)
	if !ok || prov.err == nil {
		m.mu.Unlock()
		return ChatMessage{}, newError(CategoryNotFound, fmt.Errorf("no failed message %s in %s", tempID, conversationID))
	}
	prov.err = nil
	ch.records[i] = prov
	m.mu.Unlock()
	m.notify(conversationID)

	return m.submit(ctx, conversationID, tempID, prov.msg.Body)
}

// Discard removes a failed provisional message.
func (m *ChannelManager) Discard(conversationID, tempID string) bool {
	m.mu.Lock()
	ch := m.channelLocked(conversationID)
	i, prov, ok := findProvisional(ch, tempID)
	if ok && prov.err != nil {
		ch.records = append(ch.records[:i:i], ch.records[i+1:]...)
	}
	m.mu.Unlock()
	if ok && prov.err != nil {
		m.notify(conversationID)
		return true
	}
	return false
}

func (m *ChannelManager) submit(ctx context.Context, conversationID, tempID, body string) (ChatMessage, error) {
	if !m.opts.Online() {
		return m.failSend(conversationID, tempID, Classify(ErrOffline))
	}

	created, err := RetryValue(ctx, m.opts.Retry, func(ctx context.Context) (ChatMessage, error) {
		return m.backend.CreateMessage(ctx, conversationID, m.userID, body)
	})
	if err != nil {
		return m.failSend(conversationID, tempID, Classify(err))
	}

	m.mu.Lock()
	ch := m.channelLocked(conversationID)
	if i, _, ok := findProvisional(ch, tempID); ok {
		ch.records = append(ch.records[:i:i], ch.records[i+1:]...)
	}
	if indexOf(ch, created.ID) < 0 {
		ch.records = append(ch.records, confirmedMessage{msg: created})
		sortMessages(ch.records)
	}
	m.mu.Unlock()
	m.notify(conversationID)

	return confirmedMessage{msg: created}.message(), nil
}

func (m *ChannelManager) failSend(conversationID, tempID string, cause *Error) (ChatMessage, error) {
	m.mu.Lock()
	ch := m.channelLocked(conversationID)
	var view ChatMessage
	if i, prov, ok := findProvisional(ch, tempID); ok {
		prov.err = cause
		ch.records[i] = prov
		view = prov.message()
	}
	m.mu.Unlock()
	m.notify(conversationID)
	return view, cause
}

// ── Streaming ────────────────────────────────────────────

// Subscribe attaches to the conversation's message and presence streams and
// announces the current user. Presence starts empty.
func (m *ChannelManager) Subscribe(ctx context.Context, conversationID string) error {
	m.Unsubscribe(conversationID)

	topic := Topic{Kind: TopicMessages, ConversationID: conversationID}
	sub, err := RetryValue(ctx, m.opts.Retry, func(ctx context.Context) (*Subscription, error) {
		return m.backend.SubscribeChanges(ctx, topic)
	})
	if err != nil {
		return Classify(err)
	}
	psub, err := RetryValue(ctx, m.opts.Retry, func(ctx context.Context) (*PresenceSubscription, error) {
		return m.backend.SubscribePresence(ctx, conversationID)
	})
	if err != nil {
		_ = sub.Close()
		return Classify(err)
	}

	m.mu.Lock()
	ch := m.channelLocked(conversationID)
	if ch.sub != nil {
		m.mu.Unlock()
		_ = sub.Close()
		_ = psub.Close()
		return nil
	}
	ch.gen++
	gen := ch.gen
	ch.sub, ch.psub = sub, psub
	ch.presence = make(map[string]PresenceEntry)
	m.mu.Unlock()

	go m.consume(conversationID, sub, psub, gen)

	entry := PresenceEntry{UserID: m.userID, ConnectedSince: m.opts.Now()}
	if err := Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
		return m.backend.Track(ctx, conversationID, entry)
	}); err != nil {
		logError(m.opts.Logger, "chat", "Subscribe", "track presence", conversationID, err)
	}
	return nil
}

// Unsubscribe detaches from the conversation's streams. Idempotent.
func (m *ChannelManager) Unsubscribe(conversationID string) {
	m.mu.Lock()
	ch, ok := m.channels[conversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sub, psub := ch.sub, ch.psub
	ch.sub, ch.psub = nil, nil
	ch.gen++
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	if psub != nil {
		_ = psub.Close()
	}
}

// Close detaches from every conversation.
func (m *ChannelManager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Unsubscribe(id)
	}
}

func (m *ChannelManager) consume(conversationID string, sub *Subscription, psub *PresenceSubscription, gen uint64) {
	for {
		select {
		case <-sub.Done():
			return
		case <-psub.Done():
			return
		case ev := <-sub.C():
			msg, err := ev.DecodeMessage()
			if err != nil {
				logError(m.opts.Logger, "chat", "consume", "decode message event", conversationID, err)
				continue
			}
			if ev.Type == EventDelete {
				m.remove(conversationID, gen, msg.ID)
				continue
			}
			m.receive(conversationID, gen, msg)
		case ps := <-psub.C():
			m.syncPresence(conversationID, gen, ps)
		}
	}
}

// Receive merges one inbound message into conversationID's list. Messages
// for another conversation are dropped and logged.
func (m *ChannelManager) Receive(conversationID string, msg ChatMessage) {
	m.mu.Lock()
	changed := m.mergeLocked(conversationID, m.channelLocked(conversationID), msg)
	m.mu.Unlock()
	if changed {
		m.notify(conversationID)
	}
}

func (m *ChannelManager) receive(conversationID string, gen uint64, msg ChatMessage) {
	m.mu.Lock()
	ch := m.channelLocked(conversationID)
	if ch.gen != gen {
		m.mu.Unlock()
		return
	}
	changed := m.mergeLocked(conversationID, ch, msg)
	m.mu.Unlock()
	if changed {
		m.notify(conversationID)
	}
}

func (m *ChannelManager) remove(conversationID string, gen uint64, id string) {
	m.mu.Lock()
	ch := m.channelLocked(conversationID)
	i := indexOf(ch, id)
	if ch.gen != gen || i < 0 {
		m.mu.Unlock()
		return
	}
	ch.records = append(ch.records[:i:i], ch.records[i+1:]...)
	m.mu.Unlock()
	m.notify(conversationID)
}

// mergeLocked inserts msg unless it duplicates an existing entry. The oldest
// in-flight provisional entry from the same sender with the same body is
// superseded by msg; failed entries stay until resent or discarded.
func (m *ChannelManager) mergeLocked(conversationID string, ch *channel, msg ChatMessage) bool {
	if msg.ConversationID != conversationID {
		logWarn(m.opts.Logger, "chat", "merge", "dropping message for another conversation",
			logrus.Fields{"conversationId": conversationID, "messageConversationId": msg.ConversationID, "messageId": msg.ID})
		return false
	}
	if indexOf(ch, msg.ID) >= 0 {
		return false
	}
	// records are sorted, so the first match is the oldest.
	for i, rec := range ch.records {
		if p, ok := rec.(provisionalMessage); ok && p.err == nil && p.msg.SenderID == msg.SenderID && p.msg.Body == msg.Body {
			ch.records[i] = confirmedMessage{msg: msg}
			sortMessages(ch.records)
			return true
		}
	}
	ch.records = append(ch.records, confirmedMessage{msg: msg})
	sortMessages(ch.records)
	return true
}

func (m *ChannelManager) syncPresence(conversationID string, gen uint64, ps PresenceSync) {
	if ps.ConversationID != conversationID {
		logWarn(m.opts.Logger, "chat", "syncPresence", "dropping presence for another conversation",
			logrus.Fields{"conversationId": conversationID, "syncConversationId": ps.ConversationID})
		return
	}
	presence := make(map[string]PresenceEntry, len(ps.Entries))
	for _, e := range ps.Entries {
		presence[e.UserID] = e
	}

	m.mu.Lock()
	ch := m.channelLocked(conversationID)
	if ch.gen != gen {
		m.mu.Unlock()
		return
	}
	ch.presence = presence
	m.mu.Unlock()
	m.notify(conversationID)
}

func findProvisional(ch *channel, tempID string) (int, provisionalMessage, bool) {
	for i, rec := range ch.records {
		if p, ok := rec.(provisionalMessage); ok && p.msg.ID == tempID {
			return i, p, true
		}
	}
	return -1, provisionalMessage{}, false
}

// indexOf finds a confirmed message by id.
func indexOf(ch *channel, id string) int {
	for i, rec := range ch.records {
		if c, ok := rec.(confirmedMessage); ok && c.msg.ID == id {
			return i
		}
	}
	return -1
}

func sortMessages(records []messageRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].message(), records[j].message()
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
