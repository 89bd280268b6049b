package heroes

import (
	"context"
	"sync"
)

// Backend is the authoritative store of requests, acceptances and messages.
// Implementations: *Client (REST + WebSocket) and *MemoryBackend.
type Backend interface {
	ListRequests(ctx context.Context, userID string, role Role) ([]ServiceRequest, error)
	// ListAvailableRequests returns pending, unassigned requests the provider
	// has not yet accepted.
	ListAvailableRequests(ctx context.Context, providerID string) ([]ServiceRequest, error)
	CreateRequest(ctx context.Context, in CreateRequestInput) (ServiceRequest, error)
	UpdateRequest(ctx context.Context, id string, fields UpdateRequestFields) (ServiceRequest, error)

	CreateAcceptance(ctx context.Context, requestID, providerID string) (Acceptance, error)
	ListAcceptances(ctx context.Context, requestID string) ([]Acceptance, error)
	// ChooseAcceptance atomically marks the acceptance chosen, sets the
	// provider and moves the request to assigned. It returns the updated request.
	ChooseAcceptance(ctx context.Context, requestID, providerID, requesterID string) (ServiceRequest, error)

	SubscribeChanges(ctx context.Context, topic Topic) (*Subscription, error)

	ListMessages(ctx context.Context, conversationID string) ([]ChatMessage, error)
	CreateMessage(ctx context.Context, conversationID, senderID, body string) (ChatMessage, error)

	SubscribePresence(ctx context.Context, conversationID string) (*PresenceSubscription, error)
	Track(ctx context.Context, conversationID string, entry PresenceEntry) error
}

// ReconnectNotifier is implemented by backends whose streams can miss events
// while reconnecting. fn runs after each reconnect.
type ReconnectNotifier interface {
	OnReconnect(fn func())
}

// Subscription delivers change events for one topic.
type Subscription = Stream[ChangeEvent]

// PresenceSubscription delivers presence syncs for one conversation.
type PresenceSubscription = Stream[PresenceSync]

const streamBuffer = 64

// Stream is a cancellable, buffered event feed. The event channel is never
// closed; consumers select on Done to learn that the stream ended.
type Stream[T any] struct {
	ch      chan T
	done    chan struct{}
	once    sync.Once
	onClose func()
}

// NewStream creates a stream. onClose, if set, runs once on the first Close.
func NewStream[T any](onClose func()) *Stream[T] {
	return &Stream[T]{
		ch:      make(chan T, streamBuffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// C returns the event channel.
func (s *Stream[T]) C() <-chan T {
	return s.ch
}

// Done is closed when the stream ends.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Close ends the stream. Safe to call more than once.
func (s *Stream[T]) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

// Push delivers v, blocking while the buffer is full. It returns false once
// the stream is closed or ctx is done.
func (s *Stream[T]) Push(ctx context.Context, v T) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	case s.ch <- v:
		return true
	}
}
