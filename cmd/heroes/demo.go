package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	heroes "github.com/heroes-app/heroes/sdk/golang"
)

// memoryLedger credits earnings in process.
type memoryLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

func (l *memoryLedger) Credit(ctx context.Context, providerID, requestID string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[providerID] = l.balances[providerID].Add(amount)
	return nil
}

func (l *memoryLedger) Balance(providerID string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[providerID]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(ctx context.Context, what string, cond func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func contains(views []heroes.RequestView, id string) bool {
	for _, v := range views {
		if v.ID == id {
			return true
		}
	}
	return false
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted marketplace scenario against an in-memory backend",
	Long:  "Runs create → accept → choose → start → complete and an offline create/drain cycle against an in-memory backend, printing each step.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return runDemo(ctx)
	},
}

func runDemo(ctx context.Context) error {
	backend := heroes.NewMemoryBackend()
	ledger := &memoryLedger{balances: make(map[string]decimal.Decimal)}
	fast := heroes.RetryPolicy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}

	open := func(userID string, role heroes.Role) (*heroes.Session, error) {
		s, err := heroes.NewSession(ctx, backend, userID, role, &heroes.SessionOptions{
			Retry:         fast,
			Ledger:        ledger,
			FlushInterval: -1,
		})
		if err != nil {
			return nil, err
		}
		return s, s.Start(ctx)
	}

	civ, err := open("civ-1", heroes.RoleRequester)
	if err != nil {
		return err
	}
	defer civ.Close()
	heroA, err := open("hero-a", heroes.RoleProvider)
	if err != nil {
		return err
	}
	defer heroA.Close()
	heroB, err := open("hero-b", heroes.RoleProvider)
	if err != nil {
		return err
	}
	defer heroB.Close()

	// ── Happy path ──
	req, err := civ.Requests.Create(ctx, heroes.CreateRequestInput{
		Category:        "rescue",
		Title:           "Cat stuck in tree",
		Location:        "Elm Street 12",
		ScheduledAt:     time.Now().Add(time.Hour).UTC(),
		DurationMinutes: 30,
		Budget:          heroes.Budget{Min: decimal.NewFromInt(20), Max: decimal.NewFromInt(40), Currency: "USD"},
	})
	if err != nil {
		return userError(err)
	}
	fmt.Printf("1. civ-1 created %s (%s)\n", req.ID, req.Status)

	if err := waitFor(ctx, "hero feeds", func() bool {
		return contains(heroA.Requests.Available(), req.ID) && contains(heroB.Requests.Available(), req.ID)
	}); err != nil {
		return err
	}
	fmt.Println("2. hero-a and hero-b see it as available")

	for _, h := range []*heroes.Session{heroA, heroB} {
		if _, err := h.Requests.AcceptAsProvider(ctx, req.ID, ""); err != nil {
			return userError(err)
		}
	}
	accs, err := civ.Requests.ListAcceptances(ctx, req.ID)
	if err != nil {
		return userError(err)
	}
	fmt.Printf("3. %d heroes accepted\n", len(accs))

	chosen, err := civ.Requests.ChooseProvider(ctx, req.ID, "hero-a")
	if err != nil {
		return userError(err)
	}
	fmt.Printf("4. civ-1 chose %s; request is %s\n", chosen.ProviderID, chosen.Status)

	if _, err := civ.Requests.ChooseProvider(ctx, req.ID, "hero-b"); err != nil {
		fmt.Printf("5. choosing hero-b again: %s [%s]\n", heroes.Classify(err).Message, heroes.CategoryOf(err))
	} else {
		return errors.New("second choose unexpectedly succeeded")
	}

	if err := waitFor(ctx, "hero-a assignment", func() bool {
		v, ok := heroA.Requests.Get(req.ID)
		return ok && v.Status == heroes.StatusAssigned
	}); err != nil {
		return err
	}
	if _, err := heroA.Requests.Start(ctx, req.ID); err != nil {
		return userError(err)
	}
	done, err := heroA.Requests.Complete(ctx, req.ID)
	if err != nil {
		return userError(err)
	}
	fmt.Printf("6. hero-a completed the job (%s); earnings %s\n", done.Status, ledger.Balance("hero-a").StringFixed(2))

	if _, err := civ.Requests.Cancel(ctx, req.ID); err != nil {
		fmt.Printf("7. cancelling a completed request: %s [%s]\n", heroes.Classify(err).Message, heroes.CategoryOf(err))
	}

	// ── Offline ──
	backend.SetOffline(true)
	civ.SetOnline(false)
	queued, err := civ.Requests.Create(ctx, heroes.CreateRequestInput{
		Category:        "moving",
		Title:           "Lift a piano",
		Location:        "Oak Avenue 3",
		ScheduledAt:     time.Now().Add(24 * time.Hour).UTC(),
		DurationMinutes: 60,
		Budget:          heroes.Budget{Min: decimal.NewFromInt(50), Max: decimal.NewFromInt(80), Currency: "USD"},
	})
	if err != nil {
		return userError(err)
	}
	msg, sendErr := civ.Chat.Send(ctx, "conv-"+req.ID, "Thanks!")
	fmt.Printf("8. offline: create queued=%v, chat failed=%v (%v), queue size %d\n",
		queued.Queued, msg.Failed, heroes.CategoryOf(sendErr), civ.Queue.Size())

	backend.SetOffline(false)
	civ.SetOnline(true)
	if err := waitFor(ctx, "queue drain", func() bool { return civ.Queue.Size() == 0 }); err != nil {
		return err
	}
	fmt.Printf("9. back online: queue drained, civ-1 has %d active requests\n", len(civ.Requests.Active()))
	return nil
}

func init() {
	rootCmd.AddCommand(demoCmd)
}
