// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/loyalty-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps guarded by mu. WithUserTx additionally
// holds per-user locks for the whole transaction, so transactions for
// different users run concurrently while transactions for the same user
// are serialized.
type Memory struct {
	mu          sync.RWMutex
	entries     []ledger.Entry
	byUser      map[ledger.UserID][]int
	byOrder     map[ledger.OrderID][]int
	idempotency map[string]int
	coupons     map[string]ledger.Coupon
	referrals   map[ledger.UserID]ledger.Referral // keyed by referee
	users       map[ledger.UserID]ledger.User

	locks *KeyedMutex
}

func NewMemory() *Memory {
	return &Memory{
		byUser:      make(map[ledger.UserID][]int),
		byOrder:     make(map[ledger.OrderID][]int),
		idempotency: make(map[string]int),
		coupons:     make(map[string]ledger.Coupon),
		referrals:   make(map[ledger.UserID]ledger.Referral),
		users:       make(map[ledger.UserID]ledger.User),
		locks:       NewKeyedMutex(),
	}
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) ListForUser(_ context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byUser[userID]), nil
}

func (m *Memory) ListForOrder(_ context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byOrder[orderID]), nil
}

func (m *Memory) collect(idx []int) []ledger.Entry {
	result := make([]ledger.Entry, 0, len(idx))
	for _, i := range idx {
		result = append(result, m.entries[i])
	}
	return result
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.idempotency[key]
	if !ok {
		return nil, nil
	}
	e := m.entries[i]
	return &e, nil
}

func (m *Memory) GetCoupon(_ context.Context, code string) (*ledger.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coupons[code]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) GetReferral(_ context.Context, referrerID, refereeID ledger.UserID) (*ledger.Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.referrals[refereeID]
	if !ok || r.ReferrerID != referrerID {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) GetReferralByReferee(_ context.Context, refereeID ledger.UserID) (*ledger.Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.referrals[refereeID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) GetUser(_ context.Context, userID ledger.UserID) (*ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) ListUsers(_ context.Context) ([]ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.User, 0, len(m.users))
	for _, u := range m.users {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithUserTx executes fn while holding the locks of users.
// Writes are applied directly; each one records an undo step that is
// replayed in reverse if fn fails.
func (m *Memory) WithUserTx(ctx context.Context, users []ledger.UserID, fn func(ledger.Tx) error) error {
	unlock := m.locks.LockAll(ledger.LockOrder(users))
	defer unlock()

	tx := &memoryTx{Memory: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memoryTx struct {
	*Memory
	undo []func()
}

func (tx *memoryTx) Append(_ context.Context, e ledger.Entry) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if e.IdempotencyKey != "" {
		if _, exists := tx.idempotency[e.IdempotencyKey]; exists {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}

	i := len(tx.entries)
	tx.entries = append(tx.entries, e)
	tx.byUser[e.UserID] = append(tx.byUser[e.UserID], i)
	if e.OrderID != "" {
		tx.byOrder[e.OrderID] = append(tx.byOrder[e.OrderID], i)
	}
	if e.IdempotencyKey != "" {
		tx.idempotency[e.IdempotencyKey] = i
	}

	tx.undo = append(tx.undo, func() {
		// Entries of concurrent transactions may have been appended after
		// this one, so blank the slot instead of truncating.
		tx.byUser[e.UserID] = removeIndex(tx.byUser[e.UserID], i)
		if e.OrderID != "" {
			tx.byOrder[e.OrderID] = removeIndex(tx.byOrder[e.OrderID], i)
		}
		if e.IdempotencyKey != "" {
			delete(tx.idempotency, e.IdempotencyKey)
		}
		tx.entries[i] = ledger.Entry{}
	})
	return nil
}

func (tx *memoryTx) SaveCoupon(_ context.Context, c ledger.Coupon) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	prev, existed := tx.coupons[c.Code]
	if existed && prev.ID != c.ID {
		return ledger.ErrDuplicateCouponCode
	}
	tx.coupons[c.Code] = c
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.coupons[c.Code] = prev
		} else {
			delete(tx.coupons, c.Code)
		}
	})
	return nil
}

func (tx *memoryTx) SaveReferral(_ context.Context, r ledger.Referral) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	prev, existed := tx.referrals[r.RefereeID]
	tx.referrals[r.RefereeID] = r
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.referrals[r.RefereeID] = prev
		} else {
			delete(tx.referrals, r.RefereeID)
		}
	})
	return nil
}

func (tx *memoryTx) SaveUser(_ context.Context, u ledger.User) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	prev, existed := tx.users[u.ID]
	tx.users[u.ID] = u
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.users[u.ID] = prev
		} else {
			delete(tx.users, u.ID)
		}
	})
	return nil
}

func (tx *memoryTx) rollback() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func removeIndex(idx []int, target int) []int {
	for i := len(idx) - 1; i >= 0; i-- {
		if idx[i] == target {
			return append(idx[:i:i], idx[i+1:]...)
		}
	}
	return idx
}
