package heroes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventLog records session events.
type eventLog struct {
	mu     sync.Mutex
	events []string
	last   map[string]any
}

func (l *eventLog) record(event string, payload any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	if l.last == nil {
		l.last = make(map[string]any)
	}
	l.last[event] = payload
}

func (l *eventLog) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

func (l *eventLog) payload(event string) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last[event]
}

// deafBackend hands out change streams that never deliver, standing in for
// events lost while disconnected.
type deafBackend struct {
	*MemoryBackend
}

func (d deafBackend) SubscribeChanges(ctx context.Context, topic Topic) (*Subscription, error) {
	return NewStream[ChangeEvent](nil), nil
}

func newTestSession(t *testing.T, backend Backend, userID string, role Role, opts *SessionOptions) (*Session, *eventLog) {
	t.Helper()
	if opts == nil {
		opts = &SessionOptions{}
	}
	if opts.Logger == nil {
		opts.Logger, _ = quietLogger()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = instantRetry(2)
	}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = -1
	}
	s, err := NewSession(context.Background(), backend, userID, role, opts)
	require.NoError(t, err)

	log := &eventLog{}
	for _, ev := range []string{
		EventRequestsChanged, EventChatChanged, EventQueueEnqueued, EventQueueDrained,
		EventQueueDropped, EventNetworkOnline, EventNetworkOffline, EventResynced,
	} {
		s.On(ev, log.record)
	}
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s, log
}

func TestSessionEmitsChangeEvents(t *testing.T) {
	ctx := context.Background()
	s, log := newTestSession(t, NewMemoryBackend(), "civ-1", RoleRequester, nil)

	_, err := s.Requests.Create(ctx, sampleInput(""))
	require.NoError(t, err)
	assert.Positive(t, log.count(EventRequestsChanged))

	_, err = s.Chat.Send(ctx, "conv-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", log.payload(EventChatChanged))
}

func TestSessionOfflineRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s, log := newTestSession(t, backend, "civ-1", RoleRequester, nil)

	s.SetOnline(false)
	assert.False(t, s.IsOnline())
	assert.Equal(t, 1, log.count(EventNetworkOffline))

	v, err := s.Requests.Create(ctx, sampleInput(""))
	require.NoError(t, err)
	assert.True(t, v.Queued)
	assert.Equal(t, 1, log.count(EventQueueEnqueued))

	msg, err := s.Chat.Send(ctx, "conv-1", "see you soon")
	assert.Equal(t, CategoryNetwork, CategoryOf(err))
	assert.True(t, msg.Failed)
	assert.Equal(t, 1, s.Queue.Size())

	res, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)

	s.SetOnline(true)
	assert.Equal(t, 1, log.count(EventNetworkOnline))
	require.Eventually(t, func() bool { return s.Queue.Size() == 0 }, eventually, tick)
	require.Eventually(t, func() bool { return log.count(EventQueueDrained) == 1 }, eventually, tick)
	assert.Equal(t, DrainResult{Processed: 1}, log.payload(EventQueueDrained))

	active := s.Requests.Active()
	require.Len(t, active, 1)
	assert.False(t, active[0].Provisional)

	stored, err := backend.ListRequests(ctx, "civ-1", RoleRequester)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestSessionResyncsWhenBackOnline(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s, log := newTestSession(t, deafBackend{backend}, "civ-1", RoleRequester, nil)
	require.NoError(t, s.Chat.Subscribe(ctx, "conv-1"))

	v, err := s.Requests.Create(ctx, sampleInput(""))
	require.NoError(t, err)
	s.SetOnline(false)

	cancelled := StatusCancelled
	_, err = backend.UpdateRequest(ctx, v.ID, UpdateRequestFields{Status: &cancelled})
	require.NoError(t, err)
	_, err = backend.CreateMessage(ctx, "conv-1", "hero-a", "missed while away")
	require.NoError(t, err)

	// Offline resync does nothing.
	require.NoError(t, s.Resync(ctx))
	assert.Len(t, s.Requests.Active(), 1)
	assert.Empty(t, s.Chat.Messages("conv-1"))

	s.SetOnline(true)
	require.Eventually(t, func() bool { return log.count(EventResynced) == 1 }, eventually, tick)
	assert.Nil(t, log.payload(EventResynced))

	assert.Empty(t, s.Requests.Active())
	require.Len(t, s.Requests.History(), 1)
	assert.Equal(t, StatusCancelled, s.Requests.History()[0].Status)
	assert.Equal(t, []string{"missed while away"}, bodies(s.Chat.Messages("conv-1")))
}

func TestSessionResyncBeforeStartIsNoop(t *testing.T) {
	backend := NewMemoryBackend()
	s, err := NewSession(context.Background(), backend, "civ-1", RoleRequester, &SessionOptions{FlushInterval: -1})
	require.NoError(t, err)
	defer s.Close()

	_, err = backend.CreateRequest(context.Background(), sampleInput("civ-1"))
	require.NoError(t, err)
	require.NoError(t, s.Resync(context.Background()))
	assert.Empty(t, s.Requests.Active())
}

func TestSessionDroppedActionMarksRequestFailed(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s, log := newTestSession(t, backend, "civ-1", RoleRequester, &SessionOptions{MaxRetries: 1})

	backend.SetOffline(true)
	v, err := s.Requests.Create(ctx, sampleInput(""))
	require.NoError(t, err)
	require.True(t, v.Queued)

	for i := 0; i < 2; i++ {
		_, err := s.Flush(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, log.count(EventQueueDropped))

	got, ok := s.Requests.Get(v.ID)
	require.True(t, ok)
	assert.True(t, got.Failed)
	assert.False(t, got.Queued)
}

func TestSessionReloadsPersistedQueue(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := NewMemoryKV()

	first, _ := newTestSession(t, backend, "civ-1", RoleRequester, &SessionOptions{Store: store})
	first.SetOnline(false)
	_, err := first.Requests.Create(ctx, sampleInput(""))
	require.NoError(t, err)
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	second, _ := newTestSession(t, backend, "civ-1", RoleRequester, &SessionOptions{Store: store})
	require.Equal(t, 1, second.Queue.Size())

	res, err := second.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Processed: 1}, res)
	assert.Len(t, second.Requests.Active(), 1)
}

func TestSessionBackgroundFlush(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s, _ := newTestSession(t, backend, "civ-1", RoleRequester, &SessionOptions{FlushInterval: 10 * time.Millisecond})

	backend.SetOffline(true)
	_, err := s.Requests.Create(ctx, sampleInput(""))
	require.NoError(t, err)
	require.Equal(t, 1, s.Queue.Size())

	backend.SetOffline(false)
	require.Eventually(t, func() bool { return s.Queue.Size() == 0 }, eventually, tick)
}

func TestSessionFlushAfterCloseIsNoop(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t, NewMemoryBackend(), "civ-1", RoleRequester, nil)
	s.SetOnline(false)
	_, err := s.Requests.Create(ctx, sampleInput(""))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	s.mu.Lock()
	s.online = true
	s.mu.Unlock()

	res, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)
	assert.Equal(t, 1, s.Queue.Size())
}

func TestEmitterSwallowsHandlerPanics(t *testing.T) {
	e := emitter{listeners: make(map[string][]SessionEventHandler)}
	called := false
	e.On("x", func(string, any) { panic("boom") })
	e.On("x", func(string, any) { called = true })

	assert.NotPanics(t, func() { e.emit("x", nil) })
	assert.True(t, called)

	e.removeAll()
	called = false
	e.emit("x", nil)
	assert.False(t, called)
}
