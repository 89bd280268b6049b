package heroes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultQueueKey is the namespaced key the queue persists under.
const DefaultQueueKey = "heroes:offline_queue"

// ActionHandler replays one queued action against the backend.
type ActionHandler func(ctx context.Context, action QueuedAction) error

// QueueOptions configures the OfflineQueue.
type QueueOptions struct {
	Key string
	// MaxRetries is how many retryable failures an action may accumulate;
	// once its counter exceeds this bound the action is dropped.
	MaxRetries int
	Logger     *logrus.Logger
	Now        func() time.Time
	// OnEnqueue is called after an action has been persisted.
	OnEnqueue func(action QueuedAction)
	// OnDrop is called after an action is abandoned without succeeding.
	OnDrop func(action QueuedAction, cause *Error)
}

func (o *QueueOptions) defaults() {
	if o.Key == "" {
		o.Key = DefaultQueueKey
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.Logger == nil {
		o.Logger = NewLogger()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// OfflineQueue is a durable FIFO of mutations captured while offline.
type OfflineQueue struct {
	store KVStore
	opts  QueueOptions

	mu       sync.Mutex
	actions  []QueuedAction
	draining bool
}

// NewOfflineQueue loads any actions persisted by a previous process.
func NewOfflineQueue(ctx context.Context, store KVStore, opts *QueueOptions) (*OfflineQueue, error) {
	q := &OfflineQueue{store: store}
	if opts != nil {
		q.opts = *opts
	}
	q.opts.defaults()

	data, ok, err := store.Get(ctx, q.opts.Key)
	if err != nil {
		return nil, fmt.Errorf("load offline queue: %w", err)
	}
	if ok && len(data) > 0 {
		if err := json.Unmarshal(data, &q.actions); err != nil {
			return nil, fmt.Errorf("decode offline queue: %w", err)
		}
	}
	return q, nil
}

// Size returns the number of pending actions.
func (q *OfflineQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Pending returns a copy of the pending actions in enqueue order.
func (q *OfflineQueue) Pending() []QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedAction(nil), q.actions...)
}

// Enqueue appends an action and persists the queue before returning.
// payload may be a json.RawMessage or any JSON-encodable value.
func (q *OfflineQueue) Enqueue(ctx context.Context, actionType string, payload any) (QueuedAction, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok && payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return QueuedAction{}, fmt.Errorf("encode %s payload: %w", actionType, err)
		}
		raw = b
	}
	action := QueuedAction{
		ID:         uuid.NewString(),
		Type:       actionType,
		Payload:    raw,
		EnqueuedAt: q.opts.Now(),
	}

	q.mu.Lock()
	q.actions = append(q.actions, action)
	if err := q.persistLocked(ctx); err != nil {
		q.actions = q.actions[:len(q.actions)-1]
		q.mu.Unlock()
		return QueuedAction{}, err
	}
	q.mu.Unlock()

	if q.opts.OnEnqueue != nil {
		q.opts.OnEnqueue(action)
	}
	return action, nil
}

// Drain replays pending actions in enqueue order. An action that fails with a
// retryable error keeps its place for the next drain, but later actions still
// run in this one, so they can reach the backend before it. A call made while
// another drain is running returns a zero result without touching the queue.
func (q *OfflineQueue) Drain(ctx context.Context, handlers map[string]ActionHandler) (DrainResult, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainResult{}, nil
	}
	q.draining = true
	snapshot := append([]QueuedAction(nil), q.actions...)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	var (
		result   DrainResult
		firstErr error
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, action := range snapshot {
		if err := ctx.Err(); err != nil {
			keep(err)
			break
		}

		handler, ok := handlers[action.Type]
		if !ok {
			logWarn(q.opts.Logger, "queue", "Drain", "dropping action with no handler",
				logrus.Fields{"actionId": action.ID, "type": action.Type})
			keep(q.remove(ctx, action.ID))
			result.Failed++
			q.dropped(action, newError(CategoryUnknown, fmt.Errorf("no handler for %s", action.Type)))
			continue
		}

		err := handler(ctx, action)
		if err == nil {
			keep(q.remove(ctx, action.ID))
			result.Processed++
			continue
		}

		classified := Classify(err)
		if classified.Retryable() {
			retries, perr := q.bump(ctx, action.ID)
			keep(perr)
			if retries <= q.opts.MaxRetries {
				continue
			}
			logWarn(q.opts.Logger, "queue", "Drain", "dropping action after retries",
				logrus.Fields{"actionId": action.ID, "type": action.Type, "retries": retries})
		} else {
			logWarn(q.opts.Logger, "queue", "Drain", "dropping action",
				logrus.Fields{"actionId": action.ID, "type": action.Type, "category": classified.Category})
		}
		keep(q.remove(ctx, action.ID))
		result.Failed++
		q.dropped(action, classified)
	}
	return result, firstErr
}

func (q *OfflineQueue) dropped(action QueuedAction, cause *Error) {
	if q.opts.OnDrop != nil {
		q.opts.OnDrop(action, cause)
	}
}

func (q *OfflineQueue) remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, a := range q.actions {
		if a.ID == id {
			q.actions = append(q.actions[:i:i], q.actions[i+1:]...)
			return q.persistLocked(ctx)
		}
	}
	return nil
}

func (q *OfflineQueue) bump(ctx context.Context, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.actions {
		if q.actions[i].ID == id {
			q.actions[i].Retries++
			return q.actions[i].Retries, q.persistLocked(ctx)
		}
	}
	return 0, nil
}

func (q *OfflineQueue) persistLocked(ctx context.Context) error {
	actions := q.actions
	if actions == nil {
		actions = []QueuedAction{}
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}
	if err := q.store.Set(ctx, q.opts.Key, data); err != nil {
		return fmt.Errorf("persist offline queue: %w", err)
	}
	return nil
}
