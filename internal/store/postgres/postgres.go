// Package postgres is the durable Store implementation (§4.C), backed by
// database/sql and lib/pq. Every transaction from Begin runs at
// SERIALIZABLE isolation, read-mostly paths included.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/arrakis-labs/arrakis/internal/errs"
	"github.com/arrakis-labs/arrakis/internal/store"
)

// Store is a Postgres-backed store.Store.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open connects to postgresURL with a bounded connection pool (bounded
// max-open/idle, short idle lifetime, since writes are a small fraction of
// total traffic here compared to the cache).
func Open(postgresURL string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open failed: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	return &Store{db: db, log: log.With().Str("component", "store.postgres").Logger()}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// BindIdentityAnchor implements billingadmin.AnchorBinder: a standalone
// upsert outside the reserve/finalize transactional path, matching §6's
// admin bind-anchor endpoint.
func (s *Store) BindIdentityAnchor(ctx context.Context, a store.IdentityAnchor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_anchors (agent_account_id, anchor_hash, chain_id, contract, token_id, owner, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (agent_account_id) DO UPDATE SET
			anchor_hash = EXCLUDED.anchor_hash, chain_id = EXCLUDED.chain_id,
			contract = EXCLUDED.contract, token_id = EXCLUDED.token_id,
			owner = EXCLUDED.owner, created_by = EXCLUDED.created_by`,
		a.AgentAccountID, a.AnchorHash, a.ChainID, a.Contract, a.TokenID, a.Owner, a.CreatedBy)
	if err != nil {
		return errs.Wrap(errs.DependencyUnavailable, "bind identity anchor failed", err)
	}
	return nil
}

// ListAccountIDs implements reconciler.AccountLister, an optional capability
// extension the drift sweep uses to enumerate accounts to sample; not part
// of the core tenant-scoped Tx contract since it deliberately crosses
// tenants.
func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts`)
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "list account ids failed", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.DependencyUnavailable, "scan account id failed", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Begin starts a SERIALIZABLE transaction and sets the session's tenant
// context via set_config, which row-level-security policies on every money
// table key off (app.tenant_id). This is the mechanism behind "cross-tenant
// access returns empty, not error" in §4.C.
func (s *Store) Begin(ctx context.Context, tenantID string) (store.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "store transaction begin failed", err)
	}
	if _, err := sqlTx.ExecContext(ctx, `SELECT set_config('app.tenant_id', $1, true)`, tenantID); err != nil {
		_ = sqlTx.Rollback()
		return nil, errs.Wrap(errs.DependencyUnavailable, "store tenant scoping failed", err)
	}
	return &tx{tx: sqlTx, log: s.log}, nil
}

type tx struct {
	tx  *sql.Tx
	log zerolog.Logger
}

func (t *tx) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *tx) Rollback(ctx context.Context) error { return t.tx.Rollback() }

func (t *tx) GetAccount(ctx context.Context, accountID string) (*store.Account, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, version, created_at, updated_at
		FROM accounts WHERE id = $1`, accountID)
	a := &store.Account{}
	if err := row.Scan(&a.ID, &a.EntityType, &a.EntityID, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "account not found")
		}
		return nil, errs.Wrap(errs.DependencyUnavailable, "get account failed", err)
	}
	return a, nil
}

func (t *tx) EnsureAccount(ctx context.Context, accountID string, entityType store.EntityType, entityID string) (*store.Account, error) {
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO accounts (id, entity_type, entity_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, 1, now(), now())
		ON CONFLICT (id) DO UPDATE SET id = accounts.id
		RETURNING id, entity_type, entity_id, version, created_at, updated_at`,
		accountID, entityType, entityID)
	a := &store.Account{}
	if err := row.Scan(&a.ID, &a.EntityType, &a.EntityID, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "ensure account failed", err)
	}
	return a, nil
}

func (t *tx) InsertWebhook(ctx context.Context, provider, eventID, eventType string) (*store.WebhookEvent, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO webhook_events (id, provider, event_id, event_type, received_at)
		VALUES (gen_random_uuid(), $1, $2, $3, now())
		ON CONFLICT (provider, event_id) DO NOTHING
		RETURNING id, provider, event_id, event_type, received_at, processed_at`,
		provider, eventID, eventType)

	ev := &store.WebhookEvent{}
	err := row.Scan(&ev.ID, &ev.Provider, &ev.EventID, &ev.EventType, &ev.ReceivedAt, &ev.ProcessedAt)
	if err == nil {
		return ev, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, errs.Wrap(errs.DependencyUnavailable, "insert webhook failed", err)
	}

	// Conflict: the row already existed. Fetch it to report as duplicate.
	existing := t.tx.QueryRowContext(ctx, `
		SELECT id, provider, event_id, event_type, received_at, processed_at
		FROM webhook_events WHERE provider = $1 AND event_id = $2`, provider, eventID)
	if scanErr := existing.Scan(&ev.ID, &ev.Provider, &ev.EventID, &ev.EventType, &ev.ReceivedAt, &ev.ProcessedAt); scanErr != nil {
		return nil, false, errs.Wrap(errs.DependencyUnavailable, "fetch duplicate webhook failed", scanErr)
	}
	return ev, false, nil
}

func (t *tx) MarkWebhookProcessed(ctx context.Context, webhookEventID string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE webhook_events SET processed_at = now() WHERE id = $1`, webhookEventID)
	if err != nil {
		return errs.Wrap(errs.DependencyUnavailable, "mark webhook processed failed", err)
	}
	return nil
}

func (t *tx) InsertLot(ctx context.Context, lot store.Lot) (*store.Lot, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO lots (id, account_id, source, payment_id, original_micro, remaining_micro, pool_id, created_at, expires_at, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $4, $5, now(), $6, 'active')
		ON CONFLICT (payment_id) WHERE payment_id IS NOT NULL DO NOTHING
		RETURNING id, account_id, source, payment_id, original_micro, remaining_micro, pool_id, created_at, expires_at, status`,
		lot.AccountID, lot.Source, lot.PaymentID, lot.OriginalMicro, lot.PoolID, lot.ExpiresAt)

	out := &store.Lot{}
	err := row.Scan(&out.ID, &out.AccountID, &out.Source, &out.PaymentID, &out.OriginalMicro,
		&out.RemainingMicro, &out.PoolID, &out.CreatedAt, &out.ExpiresAt, &out.Status)
	if err == nil {
		return out, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, errs.Wrap(errs.DependencyUnavailable, "insert lot failed", err)
	}

	existing := t.tx.QueryRowContext(ctx, `
		SELECT id, account_id, source, payment_id, original_micro, remaining_micro, pool_id, created_at, expires_at, status
		FROM lots WHERE payment_id = $1`, lot.PaymentID)
	if scanErr := existing.Scan(&out.ID, &out.AccountID, &out.Source, &out.PaymentID, &out.OriginalMicro,
		&out.RemainingMicro, &out.PoolID, &out.CreatedAt, &out.ExpiresAt, &out.Status); scanErr != nil {
		return nil, false, errs.Wrap(errs.DependencyUnavailable, "fetch duplicate lot failed", scanErr)
	}
	return out, false, nil
}

func (t *tx) GetLot(ctx context.Context, lotID string) (*store.Lot, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, account_id, source, payment_id, original_micro, remaining_micro, pool_id, created_at, expires_at, status
		FROM lots WHERE id = $1`, lotID)
	out := &store.Lot{}
	if err := row.Scan(&out.ID, &out.AccountID, &out.Source, &out.PaymentID, &out.OriginalMicro,
		&out.RemainingMicro, &out.PoolID, &out.CreatedAt, &out.ExpiresAt, &out.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "lot not found")
		}
		return nil, errs.Wrap(errs.DependencyUnavailable, "get lot failed", err)
	}
	return out, nil
}

// InsertLotEntry calls the ledger_append_entry stored function (see
// migrations/001_initial_schema.up.sql), which re-checks invariant I-2 under
// the lot's row lock and raises a Postgres exception on violation — the
// "single canonical path... raw inserts elsewhere are a hard static-analysis
// failure" requirement in §3.
func (t *tx) InsertLotEntry(ctx context.Context, entry store.LotEntry) (*store.LotEntry, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, lot_id, account_id, type, amount_micro, reference_id, created_at
		FROM ledger_append_entry($1, $2, $3, $4, $5)`,
		entry.LotID, entry.AccountID, entry.Type, entry.AmountMicro, entry.ReferenceID)

	out := &store.LotEntry{}
	if err := row.Scan(&out.ID, &out.LotID, &out.AccountID, &out.Type, &out.AmountMicro, &out.ReferenceID, &out.CreatedAt); err != nil {
		if isInvariantViolation(err) {
			return nil, errs.Wrap(errs.InvariantViolation, "lot entry violates I-2", err)
		}
		return nil, errs.Wrap(errs.DependencyUnavailable, "insert lot entry failed", err)
	}
	return out, nil
}

func (t *tx) GetLotEntryByReference(ctx context.Context, referenceID string) (*store.LotEntry, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, lot_id, account_id, type, amount_micro, reference_id, created_at
		FROM lot_entries WHERE reference_id = $1`, referenceID)
	out := &store.LotEntry{}
	if err := row.Scan(&out.ID, &out.LotID, &out.AccountID, &out.Type, &out.AmountMicro, &out.ReferenceID, &out.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "lot entry not found")
		}
		return nil, errs.Wrap(errs.DependencyUnavailable, "get lot entry by reference failed", err)
	}
	return out, nil
}

func (t *tx) LockLotsForAllocation(ctx context.Context, accountID string) ([]*store.Lot, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, account_id, source, payment_id, original_micro, remaining_micro, pool_id, created_at, expires_at, status
		FROM lots
		WHERE account_id = $1 AND status = 'active' AND (expires_at IS NULL OR expires_at > now())
		ORDER BY expires_at ASC NULLS LAST, created_at ASC
		FOR UPDATE SKIP LOCKED`, accountID)
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "lock lots for allocation failed", err)
	}
	defer rows.Close()

	var out []*store.Lot
	for rows.Next() {
		l := &store.Lot{}
		if err := rows.Scan(&l.ID, &l.AccountID, &l.Source, &l.PaymentID, &l.OriginalMicro,
			&l.RemainingMicro, &l.PoolID, &l.CreatedAt, &l.ExpiresAt, &l.Status); err != nil {
			return nil, errs.Wrap(errs.DependencyUnavailable, "scan locked lot failed", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *tx) InsertReservation(ctx context.Context, r store.Reservation) (*store.Reservation, error) {
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO reservations (id, account_id, pool_id, request_id, reserved_micro, status, billing_mode, created_at, expires_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, 'pending', $5, now(), $6)
		RETURNING id, account_id, pool_id, request_id, reserved_micro, status, billing_mode, created_at, expires_at`,
		r.AccountID, r.PoolID, r.RequestID, r.ReservedMicro, r.BillingMode, r.ExpiresAt)
	out := &store.Reservation{}
	if err := row.Scan(&out.ID, &out.AccountID, &out.PoolID, &out.RequestID, &out.ReservedMicro,
		&out.Status, &out.BillingMode, &out.CreatedAt, &out.ExpiresAt); err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "insert reservation failed", err)
	}
	return out, nil
}

func (t *tx) GetReservationByRequestID(ctx context.Context, accountID, requestID string) (*store.Reservation, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, account_id, pool_id, request_id, reserved_micro, status, billing_mode, created_at, expires_at
		FROM reservations WHERE account_id = $1 AND request_id = $2`, accountID, requestID)
	out := &store.Reservation{}
	if err := row.Scan(&out.ID, &out.AccountID, &out.PoolID, &out.RequestID, &out.ReservedMicro,
		&out.Status, &out.BillingMode, &out.CreatedAt, &out.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "reservation not found")
		}
		return nil, errs.Wrap(errs.DependencyUnavailable, "get reservation by request id failed", err)
	}
	return out, nil
}

func (t *tx) LockReservation(ctx context.Context, reservationID string) (*store.Reservation, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, account_id, pool_id, request_id, reserved_micro, status, billing_mode, created_at, expires_at
		FROM reservations WHERE id = $1 FOR UPDATE`, reservationID)
	out := &store.Reservation{}
	if err := row.Scan(&out.ID, &out.AccountID, &out.PoolID, &out.RequestID, &out.ReservedMicro,
		&out.Status, &out.BillingMode, &out.CreatedAt, &out.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "reservation not found")
		}
		return nil, errs.Wrap(errs.DependencyUnavailable, "lock reservation failed", err)
	}
	return out, nil
}

func (t *tx) UpdateReservationStatus(ctx context.Context, reservationID string, status store.ReservationStatus) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE reservations SET status = $1 WHERE id = $2`, status, reservationID)
	if err != nil {
		return errs.Wrap(errs.DependencyUnavailable, "update reservation status failed", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New(errs.NotFound, "reservation not found")
	}
	return nil
}

func (t *tx) InsertLotAllocation(ctx context.Context, alloc store.LotAllocation) (*store.LotAllocation, error) {
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO lot_allocations (id, reservation_id, lot_id, allocated_micro, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, now())
		RETURNING id, reservation_id, lot_id, allocated_micro, created_at`,
		alloc.ReservationID, alloc.LotID, alloc.AllocatedMicro)
	out := &store.LotAllocation{}
	if err := row.Scan(&out.ID, &out.ReservationID, &out.LotID, &out.AllocatedMicro, &out.CreatedAt); err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "insert lot allocation failed", err)
	}
	return out, nil
}

func (t *tx) ListLotAllocations(ctx context.Context, reservationID string) ([]*store.LotAllocation, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, reservation_id, lot_id, allocated_micro, created_at
		FROM lot_allocations WHERE reservation_id = $1 ORDER BY created_at ASC`, reservationID)
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "list lot allocations failed", err)
	}
	defer rows.Close()
	var out []*store.LotAllocation
	for rows.Next() {
		a := &store.LotAllocation{}
		if err := rows.Scan(&a.ID, &a.ReservationID, &a.LotID, &a.AllocatedMicro, &a.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.DependencyUnavailable, "scan lot allocation failed", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *tx) InsertUsageEvent(ctx context.Context, ev store.UsageEvent) (*store.UsageEvent, error) {
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO usage_events (id, account_id, reference_id, amount_micro, source, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, now())
		RETURNING id, account_id, reference_id, amount_micro, source, created_at`,
		ev.AccountID, ev.ReferenceID, ev.AmountMicro, ev.Source)
	out := &store.UsageEvent{}
	if err := row.Scan(&out.ID, &out.AccountID, &out.ReferenceID, &out.AmountMicro, &out.Source, &out.CreatedAt); err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "insert usage event failed", err)
	}
	return out, nil
}

func (t *tx) SumUsageEvents(ctx context.Context, accountID string, since time.Time) (int64, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_micro), 0) FROM usage_events
		WHERE account_id = $1 AND created_at >= $2`, accountID, since)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, errs.Wrap(errs.DependencyUnavailable, "sum usage events failed", err)
	}
	return total, nil
}

func (t *tx) InsertDistributionEntries(ctx context.Context, entries []store.DistributionEntry) error {
	for _, e := range entries {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO distribution_entries (id, usage_event_id, recipient, share_micro, schema_version)
			VALUES (gen_random_uuid(), $1, $2, $3, $4)`,
			e.UsageEventID, e.Recipient, e.ShareMicro, e.SchemaVersion)
		if err != nil {
			return errs.Wrap(errs.DependencyUnavailable, "insert distribution entry failed", err)
		}
	}
	return nil
}

func (t *tx) GetIdentityAnchor(ctx context.Context, agentAccountID string) (*store.IdentityAnchor, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT agent_account_id, anchor_hash, chain_id, contract, token_id, owner, created_by, created_at
		FROM identity_anchors WHERE agent_account_id = $1`, agentAccountID)
	out := &store.IdentityAnchor{}
	if err := row.Scan(&out.AgentAccountID, &out.AnchorHash, &out.ChainID, &out.Contract,
		&out.TokenID, &out.Owner, &out.CreatedBy, &out.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "identity anchor not found")
		}
		return nil, errs.Wrap(errs.DependencyUnavailable, "get identity anchor failed", err)
	}
	return out, nil
}

func (t *tx) InsertDriftEvent(ctx context.Context, ev store.DriftEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO drift_events (id, account_id, period, drift_micro, detected_at)
		VALUES (gen_random_uuid(), $1, $2, $3, now())`,
		ev.AccountID, ev.Period, ev.DriftMicro)
	if err != nil {
		return errs.Wrap(errs.DependencyUnavailable, "insert drift event failed", err)
	}
	return nil
}

func (t *tx) ExpireReservations(ctx context.Context, olderThan time.Time, limit int) ([]*store.Reservation, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, account_id, pool_id, request_id, reserved_micro, status, billing_mode, created_at, expires_at
		FROM reservations
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, olderThan, limit)
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "expire reservations query failed", err)
	}
	defer rows.Close()
	var out []*store.Reservation
	for rows.Next() {
		r := &store.Reservation{}
		if err := rows.Scan(&r.ID, &r.AccountID, &r.PoolID, &r.RequestID, &r.ReservedMicro,
			&r.Status, &r.BillingMode, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, errs.Wrap(errs.DependencyUnavailable, "scan expiring reservation failed", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *tx) ExpireLots(ctx context.Context, olderThan time.Time, limit int) ([]*store.Lot, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, account_id, source, payment_id, original_micro, remaining_micro, pool_id, created_at, expires_at, status
		FROM lots
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, olderThan, limit)
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "expire lots query failed", err)
	}
	defer rows.Close()
	var out []*store.Lot
	for rows.Next() {
		l := &store.Lot{}
		if err := rows.Scan(&l.ID, &l.AccountID, &l.Source, &l.PaymentID, &l.OriginalMicro,
			&l.RemainingMicro, &l.PoolID, &l.CreatedAt, &l.ExpiresAt, &l.Status); err != nil {
			return nil, errs.Wrap(errs.DependencyUnavailable, "scan expiring lot failed", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// isInvariantViolation detects the raise_exception signal our
// ledger_append_entry stored function uses for an I-2 violation. lib/pq
// surfaces it as an *pq.Error with this SQLSTATE; we string-match on the
// message since we avoid a second import just for the errcode constant.
func isInvariantViolation(err error) bool {
	return err != nil && containsInvariantMarker(err.Error())
}

func containsInvariantMarker(msg string) bool {
	const marker = "ledger_invariant_violation"
	for i := 0; i+len(marker) <= len(msg); i++ {
		if msg[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}
