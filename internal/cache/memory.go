package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Cache fake for unit tests, implementing the same
// idempotency-key and overrun semantics as Redis without a network hop.
type Memory struct {
	mu sync.Mutex

	limit     map[string]int64
	reserved  map[string]int64
	committed map[string]int64
	idem      map[string]string
	locks     map[string]time.Time // key -> expires-at

	rateCounts map[string]int64
	rateResets map[string]time.Time
}

// NewMemory constructs an empty in-memory Cache.
func NewMemory() *Memory {
	return &Memory{
		limit:     make(map[string]int64),
		reserved:  make(map[string]int64),
		committed: make(map[string]int64),
		idem:      make(map[string]string),
		locks:     make(map[string]time.Time),

		rateCounts: make(map[string]int64),
		rateResets: make(map[string]time.Time),
	}
}

// Allow is RateLimiter's in-process equivalent of Redis's INCR+EXPIRE
// fixed-window counter.
func (m *Memory) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	resetAt, ok := m.rateResets[key]
	if !ok || now.After(resetAt) {
		m.rateCounts[key] = 0
		resetAt = now.Add(window)
		m.rateResets[key] = resetAt
	}
	m.rateCounts[key]++
	if m.rateCounts[key] > limit {
		return false, resetAt.Sub(now), nil
	}
	return true, 0, nil
}

// TryLock is Locker's in-process equivalent of Redis's SET NX EX.
func (m *Memory) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expires, held := m.locks[key]; held && expires.After(time.Now()) {
		return false, nil
	}
	m.locks[key] = time.Now().Add(ttl)
	return true, nil
}

func (m *Memory) Unlock(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

func (m *Memory) InitLimit(ctx context.Context, account, idempotencyKey string, deltaCents int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "mint:" + idempotencyKey
	if _, seen := m.idem[key]; seen {
		return false, nil
	}
	m.idem[key] = "1"
	m.limit[account] += deltaCents
	return true, nil
}

func (m *Memory) Reserve(ctx context.Context, account, period, idempotencyKey string, cents int64) (ReserveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "reserve:" + idempotencyKey
	if prior, seen := m.idem[key]; seen {
		if prior == "ok" {
			return ReserveResult{OK: true}, nil
		}
		shortfall, _ := strconv.ParseInt(prior, 10, 64)
		return ReserveResult{OK: false, Shortfall: shortfall}, nil
	}

	periodKey := account + ":" + period
	available := m.limit[account] - m.committed[periodKey] - m.reserved[periodKey]
	if cents > available {
		shortfall := cents - available
		m.idem[key] = strconv.FormatInt(shortfall, 10)
		return ReserveResult{OK: false, Shortfall: shortfall}, nil
	}

	m.reserved[periodKey] += cents
	m.idem[key] = "ok"
	return ReserveResult{OK: true}, nil
}

func (m *Memory) Finalize(ctx context.Context, account, period, idempotencyKey string, reservedCents, actualCents int64, shadow bool) (FinalizeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "finalize:" + idempotencyKey
	if _, seen := m.idem[key]; seen {
		return FinalizeResult{}, nil
	}
	m.idem[key] = "1"

	periodKey := account + ":" + period
	if m.reserved[periodKey] >= reservedCents {
		m.reserved[periodKey] -= reservedCents
	} else {
		m.reserved[periodKey] = 0
	}

	toCommit := actualCents
	var overrun int64
	if !shadow && actualCents > reservedCents {
		toCommit = reservedCents
	} else if shadow && actualCents > reservedCents {
		overrun = actualCents - reservedCents
	}
	m.committed[periodKey] += toCommit

	return FinalizeResult{CommittedDelta: toCommit, Overrun: overrun}, nil
}

func (m *Memory) Cancel(ctx context.Context, account, period, idempotencyKey string, cents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "cancel:" + idempotencyKey
	if _, seen := m.idem[key]; seen {
		return nil
	}
	m.idem[key] = "1"

	periodKey := account + ":" + period
	if m.reserved[periodKey] >= cents {
		m.reserved[periodKey] -= cents
	} else {
		m.reserved[periodKey] = 0
	}
	return nil
}

func (m *Memory) Snapshot(ctx context.Context, account, period string) (limit, reserved, committed int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	periodKey := account + ":" + period
	return m.limit[account], m.reserved[periodKey], m.committed[periodKey], nil
}

