package heroes

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// ============================================================================
// Test Helpers
// ============================================================================

// sleepRecorder replaces RetryPolicy.Sleep and records requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// instantRetry retries without waiting.
func instantRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
		Rand:        func() float64 { return 0 },
	}
}

// quietLogger discards output and records entries for assertions.
func quietLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

func sampleInput(requesterID string) CreateRequestInput {
	return CreateRequestInput{
		RequesterID:     requesterID,
		Category:        "rescue",
		Title:           "Cat stuck in tree",
		Location:        "Elm Street 12",
		ScheduledAt:     time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
		Budget:          Budget{Min: decimal.NewFromInt(20), Max: decimal.NewFromInt(40), Currency: "USD"},
	}
}

// fixedClock returns a clock that advances one second per call.
func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func ids(views []RequestView) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.ID
	}
	return out
}

const (
	eventually = 2 * time.Second
	tick       = 5 * time.Millisecond
)
