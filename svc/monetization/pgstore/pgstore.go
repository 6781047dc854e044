// Package pgstore persists monetization state in PostgreSQL. The partial
// unique indexes of the schema enforce order-id uniqueness and the single
// open purchase per profile, and every unit of work runs as a SERIALIZABLE
// transaction so the free-slot check-and-decrement cannot oversell.
package pgstore

import (
	"context"
	"embed"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/promokit/pkg/pg"
	"github.com/dmitrymomot/promokit/svc/monetization"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Constraint names the schema declares; unique violations are mapped by them.
const (
	orderIndex = "payments_provider_order_uidx"
	openIndex  = "payments_open_profile_uidx"
	grantsPkey = "free_grants_pkey"
)

const (
	paymentColumns = `id, profile_id, provider, provider_order_id, amount, currency, plan_type, status,
		renewal, period_start, created_at, updated_at, captured_at`
	profileColumns = `id, is_paid, is_active, paid_until, plan_type, auto_renewal, renewal_attempts,
		next_renewal_at, updated_at`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements monetization.Store on a pgx pool.
type Store struct {
	queries
	pool    *pgxpool.Pool
	retries int
}

var _ monetization.Store = (*Store)(nil)

// New returns a store on pool. retries bounds how often a unit of work is
// re-run after a serialization failure.
func New(pool *pgxpool.Pool, retries int) *Store {
	if pool == nil {
		panic("pgstore: pool is required")
	}
	return &Store{queries: queries{db: pool}, pool: pool, retries: retries}
}

// Migrate applies the embedded schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg pg.Config, log *slog.Logger) error {
	return pg.Migrate(ctx, pool, cfg, migrations, "migrations", log)
}

// SeedFreeSlots creates the quota row with total remaining slots unless it
// already exists, so restarts never refill a consumed quota.
func (s *Store) SeedFreeSlots(ctx context.Context, total int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO free_slots (id, remaining, total, updated_at) VALUES (1, $1, $1, now())
		ON CONFLICT (id) DO NOTHING`, total)
	return err
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx monetization.Tx) error) error {
	return pg.Serializable(ctx, s.pool, s.retries, func(tx pgx.Tx) error {
		return fn(ctx, queries{db: tx})
	})
}

// queries runs every statement against db, which is either the pool or an
// open transaction.
type queries struct {
	db querier
}

func (q queries) FreeSlots(ctx context.Context) (monetization.FreeSlotCounter, error) {
	var c monetization.FreeSlotCounter
	err := q.db.QueryRow(ctx, `SELECT remaining, total FROM free_slots WHERE id = 1`).Scan(&c.Remaining, &c.Total)
	if pg.IsNotFoundError(err) {
		return monetization.FreeSlotCounter{}, nil
	}
	return c, err
}

func (q queries) TakeFreeSlot(ctx context.Context) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE free_slots SET remaining = remaining - 1, updated_at = now()
		WHERE id = 1 AND remaining > 0`)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q queries) ReturnFreeSlot(ctx context.Context) error {
	_, err := q.db.Exec(ctx, `
		UPDATE free_slots SET remaining = remaining + 1, updated_at = now()
		WHERE id = 1 AND remaining < total`)
	return err
}

func (q queries) ResetFreeSlots(ctx context.Context, total int) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO free_slots (id, remaining, total, updated_at) VALUES (1, $1, $1, now())
		ON CONFLICT (id) DO UPDATE SET remaining = EXCLUDED.remaining, total = EXCLUDED.total, updated_at = now()`,
		total)
	return err
}

func (q queries) HasFreeGrant(ctx context.Context, profileID string) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM free_grants WHERE profile_id = $1)`, profileID).Scan(&ok)
	return ok, err
}

func (q queries) InsertFreeGrant(ctx context.Context, g monetization.FreeGrant) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO free_grants (profile_id, payment_id, granted_at) VALUES ($1, $2, $3)`,
		g.ProfileID, g.PaymentID, g.GrantedAt)
	return translate(err)
}

func (q queries) DeleteFreeGrant(ctx context.Context, profileID string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM free_grants WHERE profile_id = $1`, profileID)
	return err
}

func (q queries) InsertPayment(ctx context.Context, rec *monetization.PaymentRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.ProfileID, string(rec.Provider), nullable(rec.ProviderOrderID), rec.Amount, rec.Currency,
		string(rec.PlanType), string(rec.Status), rec.Renewal, rec.PeriodStart, rec.CreatedAt, rec.UpdatedAt,
		rec.CapturedAt)
	return translate(err)
}

func (q queries) UpdatePayment(ctx context.Context, rec *monetization.PaymentRecord) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE payments SET provider_order_id = $2, status = $3, period_start = $4, updated_at = $5, captured_at = $6
		WHERE id = $1`,
		rec.ID, nullable(rec.ProviderOrderID), string(rec.Status), rec.PeriodStart, rec.UpdatedAt, rec.CapturedAt)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return monetization.ErrNotFound
	}
	return nil
}

func (q queries) GetPayment(ctx context.Context, id string) (*monetization.PaymentRecord, error) {
	return scanPayment(q.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

func (q queries) FindPaymentByOrder(ctx context.Context, provider monetization.Provider, externalID string) (*monetization.PaymentRecord, error) {
	if externalID == "" {
		return nil, monetization.ErrNotFound
	}
	return scanPayment(q.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE provider = $1 AND provider_order_id = $2 FOR UPDATE`,
		string(provider), externalID))
}

func (q queries) HasOpenPayment(ctx context.Context, profileID string) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payments WHERE profile_id = $1 AND status IN ('pending', 'authorized'))`,
		profileID).Scan(&ok)
	return ok, err
}

func (q queries) LatestCaptured(ctx context.Context, profileID string) (*monetization.PaymentRecord, error) {
	return scanPayment(q.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE profile_id = $1 AND status = 'captured'
		ORDER BY COALESCE(captured_at, created_at) DESC, created_at DESC
		LIMIT 1`, profileID))
}

func (q queries) ListPayments(ctx context.Context, profileID string) ([]monetization.PaymentRecord, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE profile_id = $1
		ORDER BY created_at DESC, id DESC`, profileID)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (q queries) StalePending(ctx context.Context, before time.Time, limit int) ([]monetization.PaymentRecord, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'pending' AND provider_order_id IS NULL AND created_at < $1
		ORDER BY created_at, id
		LIMIT NULLIF($2::int, 0)`, before, limit)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (q queries) GetProfile(ctx context.Context, profileID string) (*monetization.Profile, error) {
	var (
		p    monetization.Profile
		plan *string
	)
	err := q.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1 FOR UPDATE`, profileID).Scan(
		&p.ID, &p.IsPaid, &p.IsActive, &p.PaidUntil, &plan, &p.AutoRenewal, &p.RenewalAttempts,
		&p.NextRenewalAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	if plan != nil {
		pt := monetization.PlanType(*plan)
		p.PlanType = &pt
	}
	return &p, nil
}

func (q queries) SaveProfile(ctx context.Context, p *monetization.Profile) error {
	var plan *string
	if p.PlanType != nil {
		s := string(*p.PlanType)
		plan = &s
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			is_paid = EXCLUDED.is_paid,
			is_active = EXCLUDED.is_active,
			paid_until = EXCLUDED.paid_until,
			plan_type = EXCLUDED.plan_type,
			auto_renewal = EXCLUDED.auto_renewal,
			renewal_attempts = EXCLUDED.renewal_attempts,
			next_renewal_at = EXCLUDED.next_renewal_at,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.IsPaid, p.IsActive, p.PaidUntil, plan, p.AutoRenewal, p.RenewalAttempts, p.NextRenewalAt, p.UpdatedAt)
	return err
}

func (q queries) DueProfiles(ctx context.Context, now time.Time, autoRenewal bool, limit int) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id FROM profiles
		WHERE is_paid AND paid_until IS NOT NULL AND paid_until < $1 AND auto_renewal = $2
			AND (NOT $2 OR next_renewal_at IS NULL OR next_renewal_at <= $1)
		ORDER BY paid_until, id
		LIMIT NULLIF($3::int, 0)`, now, autoRenewal, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func scanPayment(row pgx.Row) (*monetization.PaymentRecord, error) {
	var (
		rec                    monetization.PaymentRecord
		orderID                *string
		provider, plan, status string
	)
	err := row.Scan(
		&rec.ID, &rec.ProfileID, &provider, &orderID, &rec.Amount, &rec.Currency, &plan, &status,
		&rec.Renewal, &rec.PeriodStart, &rec.CreatedAt, &rec.UpdatedAt, &rec.CapturedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	rec.Provider = monetization.Provider(provider)
	rec.PlanType = monetization.PlanType(plan)
	rec.Status = monetization.Status(status)
	if orderID != nil {
		rec.ProviderOrderID = *orderID
	}
	return &rec, nil
}

func collectPayments(rows pgx.Rows) ([]monetization.PaymentRecord, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (monetization.PaymentRecord, error) {
		rec, err := scanPayment(row)
		if err != nil {
			return monetization.PaymentRecord{}, err
		}
		return *rec, nil
	})
}

// translate maps driver errors onto the service sentinels. Serialization
// failures pass through untouched so pg.Serializable can retry them.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case pg.IsNotFoundError(err):
		return monetization.ErrNotFound
	case pg.IsDuplicateKeyError(err):
		switch pg.ConstraintName(err) {
		case orderIndex:
			return monetization.ErrDuplicateOrder
		case openIndex:
			return monetization.ErrConflict
		case grantsPkey:
			return monetization.ErrAlreadyGranted
		}
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
