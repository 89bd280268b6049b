package heroes

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingKV rejects writes once broken is set.
type failingKV struct {
	*MemoryKV
	broken bool
}

func (f *failingKV) Set(ctx context.Context, key string, value []byte) error {
	if f.broken {
		return errors.New("disk full")
	}
	return f.MemoryKV.Set(ctx, key, value)
}

func newTestQueue(t *testing.T, store KVStore, opts *QueueOptions) *OfflineQueue {
	t.Helper()
	if opts == nil {
		opts = &QueueOptions{}
	}
	if opts.Logger == nil {
		opts.Logger, _ = quietLogger()
	}
	q, err := NewOfflineQueue(context.Background(), store, opts)
	require.NoError(t, err)
	return q
}

// ============================================================================
// Enqueue / Drain
// ============================================================================

func TestQueueDrainsInEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, NewMemoryKV(), nil)

	for _, n := range []int{1, 2, 3} {
		_, err := q.Enqueue(ctx, "note", map[string]int{"n": n})
		require.NoError(t, err)
	}
	require.Equal(t, 3, q.Size())

	var seen []int
	res, err := q.Drain(ctx, map[string]ActionHandler{
		"note": func(ctx context.Context, a QueuedAction) error {
			var p struct{ N int }
			require.NoError(t, json.Unmarshal(a.Payload, &p))
			seen = append(seen, p.N)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Processed: 3}, res)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Zero(t, q.Size())
}

func TestQueueEnqueueKeepsRawPayload(t *testing.T) {
	q := newTestQueue(t, NewMemoryKV(), nil)
	a, err := q.Enqueue(context.Background(), "raw", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(a.Payload))
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.EnqueuedAt.IsZero())
}

func TestQueueEnqueueRollsBackOnPersistFailure(t *testing.T) {
	store := &failingKV{MemoryKV: NewMemoryKV()}
	enqueued := 0
	q := newTestQueue(t, store, &QueueOptions{OnEnqueue: func(QueuedAction) { enqueued++ }})

	store.broken = true
	_, err := q.Enqueue(context.Background(), "note", nil)
	require.Error(t, err)
	assert.Zero(t, q.Size())
	assert.Zero(t, enqueued)
}

func TestQueueOnEnqueue(t *testing.T) {
	var got []QueuedAction
	q := newTestQueue(t, NewMemoryKV(), &QueueOptions{OnEnqueue: func(a QueuedAction) { got = append(got, a) }})

	a, err := q.Enqueue(context.Background(), "note", nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
}

func TestQueueDropsNonRetryableAfterOneAttempt(t *testing.T) {
	ctx := context.Background()
	var dropped []*Error
	q := newTestQueue(t, NewMemoryKV(), &QueueOptions{
		OnDrop: func(a QueuedAction, cause *Error) { dropped = append(dropped, cause) },
	})
	_, err := q.Enqueue(ctx, "create", nil)
	require.NoError(t, err)

	attempts := 0
	res, err := q.Drain(ctx, map[string]ActionHandler{
		"create": func(ctx context.Context, a QueuedAction) error {
			attempts++
			return ValidateCreateRequest(CreateRequestInput{})
		},
	})
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Failed: 1}, res)
	assert.Equal(t, 1, attempts)
	assert.Zero(t, q.Size())
	require.Len(t, dropped, 1)
	assert.Equal(t, CategoryValidation, dropped[0].Category)
}

func TestQueueRetryBound(t *testing.T) {
	ctx := context.Background()
	var dropped []QueuedAction
	q := newTestQueue(t, NewMemoryKV(), &QueueOptions{
		MaxRetries: 2,
		OnDrop:     func(a QueuedAction, cause *Error) { dropped = append(dropped, a) },
	})
	_, err := q.Enqueue(ctx, "create", nil)
	require.NoError(t, err)

	handlers := map[string]ActionHandler{
		"create": func(ctx context.Context, a QueuedAction) error { return ErrOffline },
	}

	for want := 1; want <= 2; want++ {
		res, err := q.Drain(ctx, handlers)
		require.NoError(t, err)
		assert.Equal(t, DrainResult{}, res)
		require.Equal(t, 1, q.Size())
		assert.Equal(t, want, q.Pending()[0].Retries)
	}

	res, err := q.Drain(ctx, handlers)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Failed: 1}, res)
	assert.Zero(t, q.Size())
	assert.Len(t, dropped, 1)
}

func TestQueueRetryableFailureDoesNotBlockLaterActions(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, NewMemoryKV(), nil)
	_, err := q.Enqueue(ctx, "flaky", nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "ok", nil)
	require.NoError(t, err)

	res, err := q.Drain(ctx, map[string]ActionHandler{
		"flaky": func(ctx context.Context, a QueuedAction) error { return ErrOffline },
		"ok":    func(ctx context.Context, a QueuedAction) error { return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Processed: 1}, res)
	require.Equal(t, 1, q.Size())
	assert.Equal(t, "flaky", q.Pending()[0].Type)
}

func TestQueueDropsActionWithoutHandler(t *testing.T) {
	ctx := context.Background()
	logger, hook := quietLogger()
	var cause *Error
	q := newTestQueue(t, NewMemoryKV(), &QueueOptions{
		Logger: logger,
		OnDrop: func(a QueuedAction, c *Error) { cause = c },
	})
	_, err := q.Enqueue(ctx, "mystery", nil)
	require.NoError(t, err)

	res, err := q.Drain(ctx, map[string]ActionHandler{})
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Failed: 1}, res)
	assert.Zero(t, q.Size())
	require.NotNil(t, cause)
	assert.Equal(t, CategoryUnknown, cause.Category)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "mystery", entry.Data["type"])
}

func TestQueueDrainIsNotReentrant(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, NewMemoryKV(), nil)
	_, err := q.Enqueue(ctx, "slow", nil)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	handlers := map[string]ActionHandler{
		"slow": func(ctx context.Context, a QueuedAction) error {
			close(entered)
			<-release
			return nil
		},
	}

	done := make(chan DrainResult)
	go func() {
		res, _ := q.Drain(ctx, handlers)
		done <- res
	}()
	<-entered

	res, err := q.Drain(ctx, handlers)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)
	assert.Equal(t, 1, q.Size())

	close(release)
	select {
	case res := <-done:
		assert.Equal(t, DrainResult{Processed: 1}, res)
	case <-time.After(eventually):
		t.Fatal("first drain did not finish")
	}
	assert.Zero(t, q.Size())
}

func TestQueueDrainStopsOnCancelledContext(t *testing.T) {
	q := newTestQueue(t, NewMemoryKV(), nil)
	_, err := q.Enqueue(context.Background(), "note", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := q.Drain(ctx, map[string]ActionHandler{
		"note": func(ctx context.Context, a QueuedAction) error { return nil },
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, DrainResult{}, res)
	assert.Equal(t, 1, q.Size())
}

// ============================================================================
// Persistence
// ============================================================================

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKV()

	first := newTestQueue(t, store, nil)
	a1, err := first.Enqueue(ctx, "create", map[string]string{"title": "one"})
	require.NoError(t, err)
	a2, err := first.Enqueue(ctx, "create", map[string]string{"title": "two"})
	require.NoError(t, err)

	raw, ok, err := store.Get(ctx, DefaultQueueKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(raw), a1.ID)

	second := newTestQueue(t, store, nil)
	pending := second.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, a1.ID, pending[0].ID)
	assert.Equal(t, a2.ID, pending[1].ID)
	assert.JSONEq(t, `{"title":"two"}`, string(pending[1].Payload))

	_, err = second.Drain(ctx, map[string]ActionHandler{
		"create": func(ctx context.Context, a QueuedAction) error { return nil },
	})
	require.NoError(t, err)

	third := newTestQueue(t, store, nil)
	assert.Zero(t, third.Size())
}

func TestQueueUsesCustomKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKV()
	q := newTestQueue(t, store, &QueueOptions{Key: "civ-1:queue"})
	_, err := q.Enqueue(ctx, "note", nil)
	require.NoError(t, err)

	_, ok, err := store.Get(ctx, "civ-1:queue")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = store.Get(ctx, DefaultQueueKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueRejectsCorruptState(t *testing.T) {
	store := NewMemoryKV()
	require.NoError(t, store.Set(context.Background(), DefaultQueueKey, []byte("{not json")))
	_, err := NewOfflineQueue(context.Background(), store, nil)
	assert.Error(t, err)
}
