// Package memory is an in-memory Store fake satisfying the same contract as
// the Postgres implementation, for ledger/gateway unit tests. Depending on
// the Store interface rather than a concrete *sql.DB is what makes this
// fake possible.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/store"
	"github.com/google/uuid"
)

// Store is a process-local, mutex-guarded Store. It does not enforce real
// tenant row-level security; the tenantID passed to Begin is not consulted,
// which is sufficient for unit tests exercising single-tenant paths.
type Store struct {
	mu sync.Mutex

	accounts     map[string]*store.Account
	lots         map[string]*store.Lot
	lotsByPayID  map[string]string // payment_id -> lot id
	entries      map[string][]*store.LotEntry // lot id -> entries
	reservations map[string]*store.Reservation
	resByReqID   map[string]string // accountID|requestID -> reservation id
	allocations  map[string][]*store.LotAllocation // reservation id -> allocations
	usageEvents  []*store.UsageEvent
	webhooks     map[string]*store.WebhookEvent // provider|event_id -> event
	anchors      map[string]*store.IdentityAnchor
	driftEvents  []*store.DriftEvent
}

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{
		accounts:     make(map[string]*store.Account),
		lots:         make(map[string]*store.Lot),
		lotsByPayID:  make(map[string]string),
		entries:      make(map[string][]*store.LotEntry),
		reservations: make(map[string]*store.Reservation),
		resByReqID:   make(map[string]string),
		allocations:  make(map[string][]*store.LotAllocation),
		webhooks:     make(map[string]*store.WebhookEvent),
		anchors:      make(map[string]*store.IdentityAnchor),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) Begin(ctx context.Context, tenantID string) (store.Tx, error) {
	return &tx{s: s, tenantID: tenantID}, nil
}

// ListAccountIDs implements reconciler.AccountLister.
func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	return ids, nil
}

// tx is a no-op transaction wrapper: memory.Store commits every write
// immediately under its mutex, so Commit/Rollback are bookkeeping only.
// This is adequate for unit tests, which don't exercise crash-mid-tx
// behavior against the fake.
type tx struct {
	s        *Store
	tenantID string
	done     bool
}

func (t *tx) Commit(ctx context.Context) error   { t.done = true; return nil }
func (t *tx) Rollback(ctx context.Context) error { t.done = true; return nil }

func (t *tx) GetAccount(ctx context.Context, accountID string) (*store.Account, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	a, ok := t.s.accounts[accountID]
	if !ok {
		return nil, errs.New(errs.NotFound, "account not found")
	}
	cp := *a
	return &cp, nil
}

func (t *tx) EnsureAccount(ctx context.Context, accountID string, entityType store.EntityType, entityID string) (*store.Account, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if a, ok := t.s.accounts[accountID]; ok {
		cp := *a
		return &cp, nil
	}
	now := time.Now()
	a := &store.Account{
		ID: accountID, EntityType: entityType, EntityID: entityID,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	t.s.accounts[accountID] = a
	cp := *a
	return &cp, nil
}

func (t *tx) InsertWebhook(ctx context.Context, provider, eventID, eventType string) (*store.WebhookEvent, bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	key := provider + "|" + eventID
	if existing, ok := t.s.webhooks[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	ev := &store.WebhookEvent{
		ID: uuid.NewString(), Provider: provider, EventID: eventID,
		EventType: eventType, ReceivedAt: time.Now(),
	}
	t.s.webhooks[key] = ev
	cp := *ev
	return &cp, true, nil
}

func (t *tx) MarkWebhookProcessed(ctx context.Context, webhookEventID string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, ev := range t.s.webhooks {
		if ev.ID == webhookEventID {
			now := time.Now()
			ev.ProcessedAt = &now
			return nil
		}
	}
	return errs.New(errs.NotFound, "webhook event not found")
}

func (t *tx) InsertLot(ctx context.Context, lot store.Lot) (*store.Lot, bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if lot.PaymentID != nil {
		if existingID, ok := t.s.lotsByPayID[*lot.PaymentID]; ok {
			existing := t.s.lots[existingID]
			cp := *existing
			return &cp, false, nil
		}
	}

	if lot.ID == "" {
		lot.ID = uuid.NewString()
	}
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = time.Now()
	}
	if lot.Status == "" {
		lot.Status = store.LotActive
	}
	stored := lot
	t.s.lots[lot.ID] = &stored
	if lot.PaymentID != nil {
		t.s.lotsByPayID[*lot.PaymentID] = lot.ID
	}
	cp := stored
	return &cp, true, nil
}

func (t *tx) GetLot(ctx context.Context, lotID string) (*store.Lot, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	l, ok := t.s.lots[lotID]
	if !ok {
		return nil, errs.New(errs.NotFound, "lot not found")
	}
	cp := *l
	return &cp, nil
}

func (t *tx) InsertLotEntry(ctx context.Context, entry store.LotEntry) (*store.LotEntry, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	lot, ok := t.s.lots[entry.LotID]
	if !ok {
		return nil, errs.New(errs.NotFound, "lot not found")
	}

	var next int64
	switch entry.Type {
	case store.EntryCredit, store.EntryCreditBack:
		next = lot.RemainingMicro + entry.AmountMicro
	case store.EntryDebit:
		next = lot.RemainingMicro - entry.AmountMicro
	default:
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("unknown entry type %q", entry.Type))
	}

	// I-2: remaining must never go negative. Reject before mutating state.
	if next < 0 {
		return nil, errs.New(errs.InvariantViolation, "lot entry would drive remaining_micro negative")
	}
	lot.RemainingMicro = next

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if lot.RemainingMicro == 0 {
		lot.Status = store.LotExhausted
	}
	t.s.entries[entry.LotID] = append(t.s.entries[entry.LotID], &entry)
	cp := entry
	return &cp, nil
}

func (t *tx) GetLotEntryByReference(ctx context.Context, referenceID string) (*store.LotEntry, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, entries := range t.s.entries {
		for _, e := range entries {
			if e.ReferenceID == referenceID {
				cp := *e
				return &cp, nil
			}
		}
	}
	return nil, errs.New(errs.NotFound, "lot entry not found")
}

func (t *tx) LockLotsForAllocation(ctx context.Context, accountID string) ([]*store.Lot, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	var out []*store.Lot
	now := time.Now()
	for _, l := range t.s.lots {
		if l.AccountID != accountID || l.Status != store.LotActive {
			continue
		}
		if l.ExpiresAt != nil && l.ExpiresAt.Before(now) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		ei, ej := out[i].ExpiresAt, out[j].ExpiresAt
		switch {
		case ei == nil && ej == nil:
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		case ei == nil:
			return false
		case ej == nil:
			return true
		case !ei.Equal(*ej):
			return ei.Before(*ej)
		default:
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
	})
	return out, nil
}

func (t *tx) InsertReservation(ctx context.Context, r store.Reservation) (*store.Reservation, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	stored := r
	t.s.reservations[r.ID] = &stored
	t.s.resByReqID[r.AccountID+"|"+r.RequestID] = r.ID
	cp := stored
	return &cp, nil
}

func (t *tx) GetReservationByRequestID(ctx context.Context, accountID, requestID string) (*store.Reservation, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	id, ok := t.s.resByReqID[accountID+"|"+requestID]
	if !ok {
		return nil, errs.New(errs.NotFound, "reservation not found")
	}
	cp := *t.s.reservations[id]
	return &cp, nil
}

func (t *tx) LockReservation(ctx context.Context, reservationID string) (*store.Reservation, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	r, ok := t.s.reservations[reservationID]
	if !ok {
		return nil, errs.New(errs.NotFound, "reservation not found")
	}
	cp := *r
	return &cp, nil
}

func (t *tx) UpdateReservationStatus(ctx context.Context, reservationID string, status store.ReservationStatus) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	r, ok := t.s.reservations[reservationID]
	if !ok {
		return errs.New(errs.NotFound, "reservation not found")
	}
	r.Status = status
	return nil
}

func (t *tx) InsertLotAllocation(ctx context.Context, alloc store.LotAllocation) (*store.LotAllocation, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if alloc.ID == "" {
		alloc.ID = uuid.NewString()
	}
	if alloc.CreatedAt.IsZero() {
		alloc.CreatedAt = time.Now()
	}
	t.s.allocations[alloc.ReservationID] = append(t.s.allocations[alloc.ReservationID], &alloc)
	cp := alloc
	return &cp, nil
}

func (t *tx) ListLotAllocations(ctx context.Context, reservationID string) ([]*store.LotAllocation, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	src := t.s.allocations[reservationID]
	out := make([]*store.LotAllocation, len(src))
	for i, a := range src {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

func (t *tx) InsertUsageEvent(ctx context.Context, ev store.UsageEvent) (*store.UsageEvent, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	t.s.usageEvents = append(t.s.usageEvents, &ev)
	cp := ev
	return &cp, nil
}

func (t *tx) SumUsageEvents(ctx context.Context, accountID string, since time.Time) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var total int64
	for _, ev := range t.s.usageEvents {
		if ev.AccountID == accountID && !ev.CreatedAt.Before(since) {
			total += ev.AmountMicro
		}
	}
	return total, nil
}

func (t *tx) InsertDistributionEntries(ctx context.Context, entries []store.DistributionEntry) error {
	// Not retained in the fake; distribution entries are write-only audit
	// records not read back by any ledger/gateway code path under test.
	return nil
}

func (t *tx) GetIdentityAnchor(ctx context.Context, agentAccountID string) (*store.IdentityAnchor, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	a, ok := t.s.anchors[agentAccountID]
	if !ok {
		return nil, errs.New(errs.NotFound, "identity anchor not found")
	}
	cp := *a
	return &cp, nil
}

// BindIdentityAnchor implements billingadmin.AnchorBinder for the fake.
func (s *Store) BindIdentityAnchor(ctx context.Context, a store.IdentityAnchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.anchors[a.AgentAccountID] = &a
	return nil
}

// SetIdentityAnchor is a test-only seam for seeding an anchor directly.
func (s *Store) SetIdentityAnchor(a store.IdentityAnchor) {
	_ = s.BindIdentityAnchor(context.Background(), a)
}

// SeedReservation is a test-only seam for backdating a reservation's
// expires_at so the reconciler's expiry sweep picks it up without waiting
// out a real TTL.
func (s *Store) SeedReservation(r *store.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reservations[r.ID] = &cp
}

// SeedLotExpiry is a test-only seam for backdating a lot's expires_at.
func (s *Store) SeedLotExpiry(lotID string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lots[lotID]; ok {
		l.ExpiresAt = &expiresAt
	}
}

// CorruptLotRemaining is a test-only seam for driving a lot's
// remaining_micro out of its valid range, to exercise invariant sampling.
func (s *Store) CorruptLotRemaining(lotID string, remainingMicro int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lots[lotID]; ok {
		l.RemainingMicro = remainingMicro
	}
}

func (t *tx) InsertDriftEvent(ctx context.Context, ev store.DriftEvent) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	t.s.driftEvents = append(t.s.driftEvents, &ev)
	return nil
}

func (t *tx) ExpireReservations(ctx context.Context, olderThan time.Time, limit int) ([]*store.Reservation, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []*store.Reservation
	for _, r := range t.s.reservations {
		if r.Status == store.ReservationPending && r.ExpiresAt.Before(olderThan) {
			cp := *r
			out = append(out, &cp)
			if len(out) >= limit && limit > 0 {
				break
			}
		}
	}
	return out, nil
}

func (t *tx) ExpireLots(ctx context.Context, olderThan time.Time, limit int) ([]*store.Lot, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []*store.Lot
	for _, l := range t.s.lots {
		if l.Status == store.LotActive && l.ExpiresAt != nil && l.ExpiresAt.Before(olderThan) {
			cp := *l
			out = append(out, &cp)
			if len(out) >= limit && limit > 0 {
				break
			}
		}
	}
	return out, nil
}
