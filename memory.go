package heroes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend is a goroutine-safe, in-process Backend. It enforces the same
// acceptance, choice and lifecycle rules as the hosted backend and fans
// change events out to subscribers. Used by tests and the CLI demo.
type MemoryBackend struct {
	mu          sync.Mutex
	requests    map[string]*ServiceRequest
	acceptances map[string][]Acceptance
	messages    map[string][]ChatMessage
	presence    map[string]map[string]PresenceEntry

	subs         map[int]*memorySub
	presenceSubs map[int]*memoryPresenceSub
	nextSub      int
	offline      bool

	// Now is the backend clock.
	Now func() time.Time
}

type memorySub struct {
	topic  Topic
	stream *Subscription
}

type memoryPresenceSub struct {
	conversationID string
	stream         *PresenceSubscription
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		requests:     make(map[string]*ServiceRequest),
		acceptances:  make(map[string][]Acceptance),
		messages:     make(map[string][]ChatMessage),
		presence:     make(map[string]map[string]PresenceEntry),
		subs:         make(map[int]*memorySub),
		presenceSubs: make(map[int]*memoryPresenceSub),
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetOffline makes every call fail with a network error until reset.
func (m *MemoryBackend) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

func (m *MemoryBackend) check() error {
	if m.offline {
		return fmt.Errorf("memory backend: %w", ErrOffline)
	}
	return nil
}

func apiError(status int, code, msg string) *APIError {
	return &APIError{Code: code, Message: msg, Status: status}
}

// ── Requests ─────────────────────────────────────────────

func (m *MemoryBackend) ListRequests(ctx context.Context, userID string, role Role) ([]ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []ServiceRequest
	for _, r := range m.requests {
		if m.ownedBy(r, userID, role) {
			out = append(out, *r)
		}
	}
	sortRequests(out)
	return out, nil
}

func (m *MemoryBackend) ListAvailableRequests(ctx context.Context, providerID string) ([]ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []ServiceRequest
	for _, r := range m.requests {
		if r.Unassigned() && !m.hasAccepted(r.ID, providerID) {
			out = append(out, *r)
		}
	}
	sortRequests(out)
	return out, nil
}

func (m *MemoryBackend) CreateRequest(ctx context.Context, in CreateRequestInput) (ServiceRequest, error) {
	if err := ValidateCreateRequest(in); err != nil {
		return ServiceRequest{}, err
	}
	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return ServiceRequest{}, err
	}
	now := m.Now()
	r := &ServiceRequest{
		ID:              uuid.NewString(),
		RequesterID:     in.RequesterID,
		Category:        in.Category,
		Title:           in.Title,
		Description:     in.Description,
		Location:        in.Location,
		ScheduledAt:     in.ScheduledAt,
		DurationMinutes: in.DurationMinutes,
		Budget:          in.Budget,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.requests[r.ID] = r
	out := *r
	targets := m.requestTargets(nil, &out)
	m.mu.Unlock()

	m.fanout(ctx, targets, EventInsert, out)
	return out, nil
}

func (m *MemoryBackend) UpdateRequest(ctx context.Context, id string, fields UpdateRequestFields) (ServiceRequest, error) {
	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return ServiceRequest{}, err
	}
	cur, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return ServiceRequest{}, apiError(http.StatusNotFound, "NOT_FOUND", "request not found")
	}
	before := *cur
	next := *cur
	if fields.ProviderID != nil {
		next.ProviderID = *fields.ProviderID
	}
	if fields.Status != nil && *fields.Status != cur.Status {
		if !CanTransition(cur.Status, *fields.Status) {
			m.mu.Unlock()
			return ServiceRequest{}, apiError(http.StatusConflict, "INVALID_TRANSITION",
				fmt.Sprintf("cannot move request from %s to %s", cur.Status, *fields.Status))
		}
		next.Status = *fields.Status
		if next.Status == StatusCancelled {
			next.ProviderID = ""
		}
	}
	if err := next.Valid(); err != nil {
		m.mu.Unlock()
		return ServiceRequest{}, apiError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
	}
	next.UpdatedAt = m.Now()
	*cur = next
	targets := m.requestTargets(&before, &next)
	m.mu.Unlock()

	m.fanout(ctx, targets, EventUpdate, next)
	return next, nil
}

// DeleteRequest removes a request and emits a delete event. It is not part
// of Backend; the hosted backend only deletes through moderation tooling.
func (m *MemoryBackend) DeleteRequest(ctx context.Context, id string) error {
	m.mu.Lock()
	cur, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return apiError(http.StatusNotFound, "NOT_FOUND", "request not found")
	}
	before := *cur
	delete(m.requests, id)
	delete(m.acceptances, id)
	targets := m.requestTargets(&before, nil)
	m.mu.Unlock()

	m.fanout(ctx, targets, EventDelete, before)
	return nil
}

// ── Acceptances ──────────────────────────────────────────

func (m *MemoryBackend) CreateAcceptance(ctx context.Context, requestID, providerID string) (Acceptance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Acceptance{}, err
	}
	r, ok := m.requests[requestID]
	if !ok {
		return Acceptance{}, apiError(http.StatusNotFound, "NOT_FOUND", "request not found")
	}
	if !r.Unassigned() {
		return Acceptance{}, apiError(http.StatusConflict, "ALREADY_ASSIGNED", "request is no longer open")
	}
	if m.hasAccepted(requestID, providerID) {
		return Acceptance{}, apiError(http.StatusConflict, "ALREADY_ACCEPTED", "provider already accepted this request")
	}
	a := Acceptance{RequestID: requestID, ProviderID: providerID, AcceptedAt: m.Now()}
	m.acceptances[requestID] = append(m.acceptances[requestID], a)
	return a, nil
}

func (m *MemoryBackend) ListAcceptances(ctx context.Context, requestID string) ([]Acceptance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	return append([]Acceptance(nil), m.acceptances[requestID]...), nil
}

func (m *MemoryBackend) ChooseAcceptance(ctx context.Context, requestID, providerID, requesterID string) (ServiceRequest, error) {
	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return ServiceRequest{}, err
	}
	r, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return ServiceRequest{}, apiError(http.StatusNotFound, "NOT_FOUND", "request not found")
	}
	if r.RequesterID != requesterID {
		m.mu.Unlock()
		return ServiceRequest{}, apiError(http.StatusForbidden, "FORBIDDEN", "only the requester may choose a provider")
	}
	if !r.Unassigned() {
		m.mu.Unlock()
		return ServiceRequest{}, apiError(http.StatusConflict, "ALREADY_ASSIGNED", "request is no longer open")
	}
	accs := m.acceptances[requestID]
	idx := -1
	for i, a := range accs {
		if a.Chosen {
			m.mu.Unlock()
			return ServiceRequest{}, apiError(http.StatusConflict, "ALREADY_CHOSEN", "a provider was already chosen")
		}
		if a.ProviderID == providerID {
			idx = i
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return ServiceRequest{}, apiError(http.StatusNotFound, "NOT_FOUND", "acceptance not found")
	}

	before := *r
	accs[idx].Chosen = true
	r.ProviderID = providerID
	r.Status = StatusAssigned
	r.UpdatedAt = m.Now()
	out := *r
	targets := m.requestTargets(&before, &out)
	m.mu.Unlock()

	m.fanout(ctx, targets, EventUpdate, out)
	return out, nil
}

// ── Messages ─────────────────────────────────────────────

func (m *MemoryBackend) ListMessages(ctx context.Context, conversationID string) ([]ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	return append([]ChatMessage(nil), m.messages[conversationID]...), nil
}

func (m *MemoryBackend) CreateMessage(ctx context.Context, conversationID, senderID, body string) (ChatMessage, error) {
	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return ChatMessage{}, err
	}
	if body == "" {
		m.mu.Unlock()
		return ChatMessage{}, apiError(http.StatusBadRequest, "VALIDATION_ERROR", "message body is empty")
	}
	msg := ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      m.Now(),
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	var targets []*Subscription
	for _, s := range m.subs {
		if s.topic.Kind == TopicMessages && s.topic.ConversationID == conversationID {
			targets = append(targets, s.stream)
		}
	}
	m.mu.Unlock()

	m.fanout(ctx, targets, EventInsert, msg)
	return msg, nil
}

// ── Subscriptions ────────────────────────────────────────

func (m *MemoryBackend) SubscribeChanges(ctx context.Context, topic Topic) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	id := m.nextSub
	m.nextSub++
	stream := NewStream[ChangeEvent](func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	})
	m.subs[id] = &memorySub{topic: topic, stream: stream}
	return stream, nil
}

func (m *MemoryBackend) SubscribePresence(ctx context.Context, conversationID string) (*PresenceSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	id := m.nextSub
	m.nextSub++
	stream := NewStream[PresenceSync](func() {
		m.mu.Lock()
		delete(m.presenceSubs, id)
		m.mu.Unlock()
	})
	m.presenceSubs[id] = &memoryPresenceSub{conversationID: conversationID, stream: stream}
	return stream, nil
}

func (m *MemoryBackend) Track(ctx context.Context, conversationID string, entry PresenceEntry) error {
	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.presence[conversationID] == nil {
		m.presence[conversationID] = make(map[string]PresenceEntry)
	}
	m.presence[conversationID][entry.UserID] = entry
	snap := m.presenceSnapshot(conversationID)
	var targets []*PresenceSubscription
	for _, s := range m.presenceSubs {
		if s.conversationID == conversationID {
			targets = append(targets, s.stream)
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		t.Push(ctx, snap)
	}
	return nil
}

// Untrack removes a user from a conversation's presence and resyncs.
func (m *MemoryBackend) Untrack(ctx context.Context, conversationID, userID string) {
	m.mu.Lock()
	delete(m.presence[conversationID], userID)
	snap := m.presenceSnapshot(conversationID)
	var targets []*PresenceSubscription
	for _, s := range m.presenceSubs {
		if s.conversationID == conversationID {
			targets = append(targets, s.stream)
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		t.Push(ctx, snap)
	}
}

// ── Helpers ──────────────────────────────────────────────

// presenceSnapshot builds a full sync for a conversation. Caller holds m.mu.
func (m *MemoryBackend) presenceSnapshot(conversationID string) PresenceSync {
	snap := PresenceSync{ConversationID: conversationID}
	for _, e := range m.presence[conversationID] {
		snap.Entries = append(snap.Entries, e)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].UserID < snap.Entries[j].UserID })
	return snap
}

// ownedBy mirrors the backend's listRequests filter. Caller holds m.mu.
func (m *MemoryBackend) ownedBy(r *ServiceRequest, userID string, role Role) bool {
	if role == RoleProvider {
		if r.ProviderID == "" {
			return (r.Unassigned() || r.Status == StatusCancelled) && m.hasAccepted(r.ID, userID)
		}
		return r.ProviderID == userID
	}
	return r.RequesterID == userID
}

// visibleTo decides whether a request topic subscriber sees r.
func visibleTo(r *ServiceRequest, t Topic) bool {
	if r == nil {
		return false
	}
	if t.Role == RoleProvider {
		return r.ProviderID == t.UserID || r.Unassigned()
	}
	return r.RequesterID == t.UserID
}

// requestTargets picks subscribers that could see the record before or after
// the change. Caller holds m.mu.
func (m *MemoryBackend) requestTargets(before, after *ServiceRequest) []*Subscription {
	var out []*Subscription
	for _, s := range m.subs {
		if s.topic.Kind != TopicRequests {
			continue
		}
		if visibleTo(before, s.topic) || visibleTo(after, s.topic) {
			out = append(out, s.stream)
		}
	}
	return out
}

func (m *MemoryBackend) hasAccepted(requestID, providerID string) bool {
	for _, a := range m.acceptances[requestID] {
		if a.ProviderID == providerID {
			return true
		}
	}
	return false
}

func (m *MemoryBackend) fanout(ctx context.Context, targets []*Subscription, typ EventType, record any) {
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	for _, t := range targets {
		t.Push(context.WithoutCancel(ctx), ChangeEvent{Type: typ, Record: data})
	}
}

func sortRequests(rs []ServiceRequest) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}
