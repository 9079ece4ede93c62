package loyalty_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/ledger/store"
	"github.com/warp/loyalty-ledger/loyalty"
	"github.com/warp/loyalty-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine *loyalty.Engine
	store  ledger.Store
	clock  *fakeClock
	ctx    context.Context
}

type storeFactory struct {
	name string
	new  func(t *testing.T) ledger.Store
}

var storeFactories = []storeFactory{
	{name: "memory", new: func(t *testing.T) ledger.Store { return store.NewMemory() }},
	{name: "sqlite", new: func(t *testing.T) ledger.Store {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, s ledger.Store, opts ...loyalty.Option) *harness {
	t.Helper()
	clock := newClock(t0)
	opts = append([]loyalty.Option{loyalty.WithClock(clock), loyalty.WithLogger(quietLogger())}, opts...)
	return &harness{
		engine: loyalty.NewEngine(s, opts...),
		store:  s,
		clock:  clock,
		ctx:    context.Background(),
	}
}

// forEachStore runs fn once per store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, h *harness)) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			fn(t, newHarness(t, f.new(t)))
		})
	}
}

func (h *harness) summary(t *testing.T, userID ledger.UserID) ledger.Summary {
	t.Helper()
	entries, err := h.store.ListForUser(h.ctx, userID)
	require.NoError(t, err)
	return ledger.Summarize(entries, h.clock.Now())
}

// earnAvailable credits and settles points for a fresh order.
func (h *harness) earnAvailable(t *testing.T, userID ledger.UserID, orderID ledger.OrderID, points int64) {
	t.Helper()
	_, err := h.engine.CreditEarned(h.ctx, userID, orderID, points)
	require.NoError(t, err)
	n, err := h.engine.ConvertPendingToAvailable(h.ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

// requireTierCached asserts the cached tier equals the tier recomputed
// from the ledger.
func (h *harness) requireTierCached(t *testing.T, userID ledger.UserID) ledger.Tier {
	t.Helper()
	user, err := h.store.GetUser(h.ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, user, "user record should exist")
	expected := loyalty.TierFor(h.summary(t, userID).RollingEarned)
	require.Equal(t, expected, user.LoyaltyTier, "cached tier diverged from ledger")
	return user.LoyaltyTier
}

// fixedCodes returns a generator that yields codes in order, then
// falls back to random codes.
func fixedCodes(codes ...string) func() (string, error) {
	var mu sync.Mutex
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(codes) == 0 {
			return loyalty.GenerateCode()
		}
		code := codes[0]
		codes = codes[1:]
		return code, nil
	}
}
