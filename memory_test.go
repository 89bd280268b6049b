package heroes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAccepted(t *testing.T, m *MemoryBackend, providers ...string) ServiceRequest {
	t.Helper()
	ctx := context.Background()
	req, err := m.CreateRequest(ctx, sampleInput("civ-1"))
	require.NoError(t, err)
	for _, p := range providers {
		_, err := m.CreateAcceptance(ctx, req.ID, p)
		require.NoError(t, err)
	}
	return req
}

func TestMemoryBackendChooseIsAtomic(t *testing.T) {
	m := NewMemoryBackend()
	providers := []string{"hero-a", "hero-b", "hero-c", "hero-d"}
	req := seedAccepted(t, m, providers...)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      []string
		conflicts int
	)
	for _, p := range providers {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, err := m.ChooseAcceptance(context.Background(), req.ID, p, "civ-1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins = append(wins, p)
				return
			}
			if CategoryOf(err) == CategoryConflict {
				conflicts++
			}
		}(p)
	}
	wg.Wait()

	require.Len(t, wins, 1)
	assert.Equal(t, len(providers)-1, conflicts)

	accs, err := m.ListAcceptances(context.Background(), req.ID)
	require.NoError(t, err)
	chosen := 0
	for _, a := range accs {
		if a.Chosen {
			chosen++
			assert.Equal(t, wins[0], a.ProviderID)
		}
	}
	assert.Equal(t, 1, chosen)
}

func TestMemoryBackendRejectsDuplicateAcceptance(t *testing.T) {
	m := NewMemoryBackend()
	req := seedAccepted(t, m, "hero-a")

	_, err := m.CreateAcceptance(context.Background(), req.ID, "hero-a")
	assert.Equal(t, CategoryConflict, CategoryOf(err))
}

func TestMemoryBackendChooseRules(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	req := seedAccepted(t, m, "hero-a")

	_, err := m.ChooseAcceptance(ctx, req.ID, "hero-a", "civ-2")
	assert.Equal(t, CategoryAuthorization, CategoryOf(err))

	_, err = m.ChooseAcceptance(ctx, req.ID, "hero-z", "civ-1")
	assert.Equal(t, CategoryNotFound, CategoryOf(err))

	got, err := m.ChooseAcceptance(ctx, req.ID, "hero-a", "civ-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, "hero-a", got.ProviderID)

	_, err = m.CreateAcceptance(ctx, req.ID, "hero-b")
	assert.Equal(t, CategoryConflict, CategoryOf(err))
}

func TestMemoryBackendRejectsIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	req := seedAccepted(t, m)

	active := StatusActive
	_, err := m.UpdateRequest(ctx, req.ID, UpdateRequestFields{Status: &active})
	assert.Equal(t, CategoryConflict, CategoryOf(err))

	cancelled := StatusCancelled
	got, err := m.UpdateRequest(ctx, req.ID, UpdateRequestFields{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	pending := StatusPending
	_, err = m.UpdateRequest(ctx, req.ID, UpdateRequestFields{Status: &pending})
	assert.Equal(t, CategoryConflict, CategoryOf(err))

	_, err = m.UpdateRequest(ctx, "nope", UpdateRequestFields{Status: &cancelled})
	assert.Equal(t, CategoryNotFound, CategoryOf(err))
}

func TestMemoryBackendAssignedNeedsProvider(t *testing.T) {
	m := NewMemoryBackend()
	req := seedAccepted(t, m)

	assigned := StatusAssigned
	_, err := m.UpdateRequest(context.Background(), req.ID, UpdateRequestFields{Status: &assigned})
	assert.Equal(t, CategoryValidation, CategoryOf(err))
}

func TestMemoryBackendListings(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	open := seedAccepted(t, m, "hero-a")
	other, err := m.CreateRequest(ctx, sampleInput("civ-2"))
	require.NoError(t, err)

	avail, err := m.ListAvailableRequests(ctx, "hero-a")
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, other.ID, avail[0].ID)

	mine, err := m.ListRequests(ctx, "hero-a", RoleProvider)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, open.ID, mine[0].ID)

	civ, err := m.ListRequests(ctx, "civ-1", RoleRequester)
	require.NoError(t, err)
	require.Len(t, civ, 1)
	assert.Equal(t, open.ID, civ[0].ID)
}

func TestMemoryBackendOffline(t *testing.T) {
	m := NewMemoryBackend()
	m.SetOffline(true)

	_, err := m.CreateRequest(context.Background(), sampleInput("civ-1"))
	assert.ErrorIs(t, err, ErrOffline)
	_, err = m.SubscribeChanges(context.Background(), Topic{Kind: TopicRequests})
	assert.Equal(t, CategoryNetwork, CategoryOf(err))

	m.SetOffline(false)
	_, err = m.CreateRequest(context.Background(), sampleInput("civ-1"))
	assert.NoError(t, err)
}

func TestMemoryBackendFansOutToVisibleSubscribers(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()

	civ, err := m.SubscribeChanges(ctx, Topic{Kind: TopicRequests, UserID: "civ-1", Role: RoleRequester})
	require.NoError(t, err)
	defer civ.Close()
	stranger, err := m.SubscribeChanges(ctx, Topic{Kind: TopicRequests, UserID: "civ-2", Role: RoleRequester})
	require.NoError(t, err)
	defer stranger.Close()
	hero, err := m.SubscribeChanges(ctx, Topic{Kind: TopicRequests, UserID: "hero-a", Role: RoleProvider})
	require.NoError(t, err)
	defer hero.Close()

	req, err := m.CreateRequest(ctx, sampleInput("civ-1"))
	require.NoError(t, err)

	for _, s := range []*Subscription{civ, hero} {
		select {
		case ev := <-s.C():
			assert.Equal(t, EventInsert, ev.Type)
			got, err := ev.DecodeRequest()
			require.NoError(t, err)
			assert.Equal(t, req.ID, got.ID)
		case <-time.After(eventually):
			t.Fatal("no insert event")
		}
	}
	select {
	case ev := <-stranger.C():
		t.Fatalf("unexpected event %v", ev.Type)
	default:
	}
}

func TestMemoryBackendPresence(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend()
	sub, err := m.SubscribePresence(ctx, "conv-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Track(ctx, "conv-1", PresenceEntry{UserID: "hero-a"}))
	require.NoError(t, m.Track(ctx, "conv-1", PresenceEntry{UserID: "civ-1"}))
	m.Untrack(ctx, "conv-1", "hero-a")

	var last PresenceSync
	for i := 0; i < 3; i++ {
		select {
		case last = <-sub.C():
		case <-time.After(eventually):
			t.Fatal("missing presence sync")
		}
	}
	require.Len(t, last.Entries, 1)
	assert.Equal(t, "civ-1", last.Entries[0].UserID)
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	closed := 0
	s := NewStream[int](func() { closed++ })
	assert.True(t, s.Push(context.Background(), 1))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, closed)
	assert.False(t, s.Push(context.Background(), 2))

	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed")
	}
}
