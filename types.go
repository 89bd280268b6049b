package heroes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the backend.
// Status carries the HTTP status when the error came over REST, 0 otherwise.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic backend response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Role is the side of the marketplace the signed-in user acts on.
type Role string

const (
	RoleRequester Role = "civilian"
	RoleProvider  Role = "hero"
)

// ============================================================================
// Service Requests
// ============================================================================

// Status is the lifecycle state of a ServiceRequest.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusAssigned, StatusCancelled},
	StatusAssigned: {StatusActive, StatusCancelled},
	StatusActive:   {StatusCompleted, StatusCancelled},
}

// Known reports whether s is one of the five lifecycle states.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HasProvider reports whether a request in state s must carry a provider id.
func (s Status) HasProvider() bool {
	return s == StatusAssigned || s == StatusActive || s == StatusCompleted
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Budget is the price range a requester is willing to pay.
type Budget struct {
	Min      decimal.Decimal `json:"min"`
	Max      decimal.Decimal `json:"max"`
	Currency string          `json:"currency" validate:"required,len=3,alpha"`
}

// Midpoint is the amount credited to the provider when the request completes.
func (b Budget) Midpoint() decimal.Decimal {
	return b.Min.Add(b.Max).Div(decimal.NewFromInt(2))
}

// ServiceRequest is a job posted by a requester.
type ServiceRequest struct {
	ID              string    `json:"id"`
	RequesterID     string    `json:"requesterId"`
	ProviderID      string    `json:"providerId,omitempty"`
	Category        string    `json:"category"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Location        string    `json:"location"`
	ScheduledAt     time.Time `json:"scheduledAt"`
	DurationMinutes int       `json:"durationMinutes"`
	Budget          Budget    `json:"budget"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Valid checks the provider/status invariant.
func (r *ServiceRequest) Valid() error {
	if !r.Status.Known() {
		return fmt.Errorf("request %s: unknown status %q", r.ID, r.Status)
	}
	if r.Status.HasProvider() != (r.ProviderID != "") {
		return fmt.Errorf("request %s: provider %q inconsistent with status %s", r.ID, r.ProviderID, r.Status)
	}
	return nil
}

// Unassigned reports whether the request is pending with no provider.
func (r *ServiceRequest) Unassigned() bool {
	return r.Status == StatusPending && r.ProviderID == ""
}

// CreateRequestInput carries the requester-supplied fields of a new request.
type CreateRequestInput struct {
	RequesterID     string    `json:"requesterId" validate:"required"`
	Category        string    `json:"category" validate:"required"`
	Title           string    `json:"title" validate:"required,max=120"`
	Description     string    `json:"description,omitempty" validate:"max=2000"`
	Location        string    `json:"location" validate:"required"`
	ScheduledAt     time.Time `json:"scheduledAt"`
	DurationMinutes int       `json:"durationMinutes" validate:"gt=0"`
	Budget          Budget    `json:"budget"`
}

// UpdateRequestFields is a partial update; nil fields are left untouched.
type UpdateRequestFields struct {
	Status     *Status `json:"status,omitempty"`
	ProviderID *string `json:"providerId,omitempty"`
}

// Acceptance is a provider's non-binding interest in a pending request.
type Acceptance struct {
	RequestID  string    `json:"requestId"`
	ProviderID string    `json:"providerId"`
	AcceptedAt time.Time `json:"acceptedAt"`
	Chosen     bool      `json:"chosen"`
}

// ============================================================================
// Chat
// ============================================================================

// ChatMessage is a message as presented to the UI. The last three fields
// are local-only and never sent to the backend.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`

	Provisional bool `json:"-"`
	Delivered   bool `json:"-"`
	Failed      bool `json:"-"`
}

// PresenceEntry is one user attached to a conversation stream.
type PresenceEntry struct {
	UserID         string    `json:"userId"`
	ConnectedSince time.Time `json:"connectedSince"`
}

// PresenceSync is a full replacement of a conversation's presence state.
type PresenceSync struct {
	ConversationID string          `json:"conversationId"`
	Entries        []PresenceEntry `json:"entries"`
}

// ============================================================================
// Change stream
// ============================================================================

// EventType is the kind of row change carried by a ChangeEvent.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// TopicKind selects the table a subscription watches.
type TopicKind string

const (
	TopicRequests TopicKind = "requests"
	TopicMessages TopicKind = "messages"
)

// Topic filters a change subscription.
type Topic struct {
	Kind           TopicKind `json:"kind"`
	UserID         string    `json:"userId,omitempty"`
	Role           Role      `json:"role,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
}

func (t Topic) String() string {
	switch t.Kind {
	case TopicRequests:
		return fmt.Sprintf("requests:%s:%s", t.Role, t.UserID)
	case TopicMessages:
		return "messages:" + t.ConversationID
	}
	return string(t.Kind)
}

// ChangeEvent is one insert/update/delete pushed by the backend.
type ChangeEvent struct {
	Type   EventType       `json:"type"`
	Topic  string          `json:"topic"`
	Record json.RawMessage `json:"record"`
}

// DecodeRequest decodes the event record as a ServiceRequest.
func (e ChangeEvent) DecodeRequest() (ServiceRequest, error) {
	var r ServiceRequest
	if err := json.Unmarshal(e.Record, &r); err != nil {
		return r, fmt.Errorf("decode request record: %w", err)
	}
	return r, nil
}

// DecodeMessage decodes the event record as a ChatMessage.
func (e ChangeEvent) DecodeMessage() (ChatMessage, error) {
	var m ChatMessage
	if err := json.Unmarshal(e.Record, &m); err != nil {
		return m, fmt.Errorf("decode message record: %w", err)
	}
	return m, nil
}

// ============================================================================
// Offline queue
// ============================================================================

// QueuedAction is a mutation captured while the backend was unreachable.
type QueuedAction struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Retries    int             `json:"retries"`
}

// DrainResult counts the outcome of one Drain call.
type DrainResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}
