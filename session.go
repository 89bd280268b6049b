package heroes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Session events passed to handlers registered with On.
const (
	EventRequestsChanged = "requests.changed"
	EventChatChanged     = "chat.changed"
	EventQueueEnqueued   = "queue.enqueued"
	EventQueueDrained    = "queue.drained"
	EventQueueDropped    = "queue.dropped"
	EventNetworkOnline   = "network.online"
	EventNetworkOffline  = "network.offline"
	EventResynced        = "session.resynced"
)

// ============================================================================
// Event Emitter
// ============================================================================

// SessionEventHandler handles session events. payload depends on the event:
// conversation id for chat.changed, QueuedAction for queue.enqueued and
// queue.dropped, DrainResult for queue.drained, the Resync error (or nil)
// for session.resynced, nil otherwise.
type SessionEventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]SessionEventHandler
}

// On registers handler for event.
func (e *emitter) On(event string, handler SessionEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]SessionEventHandler)
}

// ============================================================================
// Session
// ============================================================================

// SessionOptions configures a Session.
type SessionOptions struct {
	// Store persists the offline queue. Defaults to a MemoryKV.
	Store      KVStore
	QueueKey   string
	MaxRetries int
	Retry      RetryPolicy
	// FlushInterval is how often the queue is drained while online.
	// Negative disables the background flush.
	FlushInterval time.Duration
	Ledger        EarningsLedger
	Logger        *logrus.Logger
	Now           func() time.Time
}

func (o *SessionOptions) defaults() {
	if o.Store == nil {
		o.Store = NewMemoryKV()
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = NewLogger()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Session owns the components for one signed-in user. Create it at sign-in
// and Close it at sign-out.
type Session struct {
	emitter
	UserID   string
	Role     Role
	Requests *Reconciler
	Chat     *ChannelManager
	Queue    *OfflineQueue

	opts SessionOptions

	mu       sync.Mutex
	online   bool
	started  bool
	flushing bool
	stopCh   chan struct{}
	stopped  bool
}

// NewSession wires a reconciler, channel manager and offline queue over
// backend. Any actions persisted by an earlier session are reloaded.
func NewSession(ctx context.Context, backend Backend, userID string, role Role, opts *SessionOptions) (*Session, error) {
	s := &Session{
		emitter: emitter{listeners: make(map[string][]SessionEventHandler)},
		UserID:  userID,
		Role:    role,
		online:  true,
		stopCh:  make(chan struct{}),
	}
	if opts != nil {
		s.opts = *opts
	}
	s.opts.defaults()

	queue, err := NewOfflineQueue(ctx, s.opts.Store, &QueueOptions{
		Key:        s.opts.QueueKey,
		MaxRetries: s.opts.MaxRetries,
		Logger:     s.opts.Logger,
		Now:        s.opts.Now,
		OnEnqueue: func(a QueuedAction) {
			s.emit(EventQueueEnqueued, a)
		},
		OnDrop: func(a QueuedAction, cause *Error) {
			s.Requests.HandleDropped(a, cause)
			s.emit(EventQueueDropped, a)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	s.Queue = queue

	s.Requests = NewReconciler(backend, &ReconcilerOptions{
		Retry:    s.opts.Retry,
		Queue:    queue,
		Ledger:   s.opts.Ledger,
		Logger:   s.opts.Logger,
		Online:   s.IsOnline,
		OnChange: func() { s.emit(EventRequestsChanged, nil) },
		Now:      s.opts.Now,
	})
	s.Chat = NewChannelManager(backend, userID, &ChatOptions{
		Retry:    s.opts.Retry,
		Logger:   s.opts.Logger,
		Online:   s.IsOnline,
		OnChange: func(conversationID string) { s.emit(EventChatChanged, conversationID) },
		Now:      s.opts.Now,
	})
	if n, ok := backend.(ReconnectNotifier); ok {
		n.OnReconnect(func() { s.resync("reconnect") })
	}
	return s, nil
}

// Start loads the user's requests, subscribes to their changes and starts
// the background flush.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Requests.Load(ctx, s.UserID, s.Role); err != nil {
		return err
	}
	if err := s.Requests.Subscribe(ctx, s.UserID, s.Role); err != nil {
		return err
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	if s.opts.FlushInterval > 0 {
		go s.flushLoop()
	}
	return nil
}

// Close stops background work and tears down every subscription. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()

	s.Requests.Unsubscribe()
	s.Chat.Close()
	s.removeAll()
	return nil
}

// IsOnline returns current network state.
func (s *Session) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline updates network state. Going online drains the queue and then
// reloads requests and the history of subscribed conversations.
func (s *Session) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	s.mu.Unlock()

	if online {
		s.emit(EventNetworkOnline, nil)
		go func() {
			if _, err := s.Flush(context.Background()); err != nil {
				logError(s.opts.Logger, "session", "SetOnline", "flush on reconnect", s.UserID, err)
			}
			s.resync("online")
		}()
	} else {
		s.emit(EventNetworkOffline, nil)
	}
}

// ── Resync ───────────────────────────────────────────────

// Resync reloads the user's requests and the history of every subscribed
// conversation, catching up on changes missed while disconnected. It is a
// no-op before Start, after Close and while offline.
func (s *Session) Resync(ctx context.Context) error {
	s.mu.Lock()
	skip := !s.started || s.stopped || !s.online
	s.mu.Unlock()
	if skip {
		return nil
	}

	var errs []error
	if err := s.Requests.Load(ctx, s.UserID, s.Role); err != nil {
		errs = append(errs, fmt.Errorf("reload requests: %w", err))
	}
	for _, conv := range s.Chat.Subscribed() {
		if err := s.Chat.LoadHistory(ctx, conv); err != nil {
			errs = append(errs, fmt.Errorf("reload conversation %s: %w", conv, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) resync(trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	err := s.Resync(ctx)
	if err != nil {
		logError(s.opts.Logger, "session", "resync", trigger, s.UserID, err)
	}
	s.emit(EventResynced, err)
}

// ── Queue flush ──────────────────────────────────────────

func (s *Session) flushLoop() {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.Queue.Size() == 0 {
				continue
			}
			if _, err := s.Flush(context.Background()); err != nil {
				logError(s.opts.Logger, "session", "flushLoop", "flush", s.UserID, err)
			}
		}
	}
}

// Flush drains the offline queue while online. It is a no-op offline or
// while another flush runs.
func (s *Session) Flush(ctx context.Context) (DrainResult, error) {
	s.mu.Lock()
	if s.flushing || !s.online || s.stopped {
		s.mu.Unlock()
		return DrainResult{}, nil
	}
	s.flushing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.flushing = false
		s.mu.Unlock()
	}()

	res, err := s.Queue.Drain(ctx, s.Requests.QueueHandlers())
	if res.Processed+res.Failed > 0 {
		s.emit(EventQueueDrained, res)
	}
	return res, err
}
