package movement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propledger/propledger/internal/shared"
)

// Repository persists movements in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(ctx, &txRepo{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const (
	movementColumns = `id, kind, property_id, business_unit_id, counterparty, status,
COALESCE(approval_request_id, 0), requested_by, notes, created_at, approved_at, completed_at`
	propertyColumns = `id, business_unit_id, code, title, status, updated_at`
)

// GetMovement loads one movement.
func (r *Repository) GetMovement(ctx context.Context, id int64) (Movement, error) {
	m, err := scanMovement(r.pool.QueryRow(ctx, `SELECT `+movementColumns+` FROM property_movements WHERE id = $1`, id))
	return m, notFound(err, "movement", id)
}

// GetProperty loads one property.
func (r *Repository) GetProperty(ctx context.Context, id int64) (Property, error) {
	p, err := scanProperty(r.pool.QueryRow(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id = $1`, id))
	return p, notFound(err, "property", id)
}

// InsertProperty registers a property, returning the existing id when the code is already taken
// in the business unit.
func (r *Repository) InsertProperty(ctx context.Context, p Property) (int64, error) {
	if p.Status == "" {
		p.Status = PropertyAvailable
	}
	var id int64
	err := r.pool.QueryRow(ctx, `
INSERT INTO properties (business_unit_id, code, title, status, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (business_unit_id, code) DO UPDATE SET title = EXCLUDED.title
RETURNING id`, p.BusinessUnitID, p.Code, p.Title, string(p.Status)).Scan(&id)
	return id, err
}

func (t *txRepo) LockProperty(ctx context.Context, id int64) (Property, error) {
	p, err := scanProperty(t.tx.QueryRow(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id = $1 FOR UPDATE`, id))
	return p, notFound(err, "property", id)
}

func (t *txRepo) HasOpenMovement(ctx context.Context, propertyID int64) (bool, error) {
	var open bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM property_movements WHERE property_id = $1 AND status IN ('PENDING', 'APPROVED'))`, propertyID).Scan(&open)
	return open, err
}

func (t *txRepo) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO property_movements (kind, property_id, business_unit_id, counterparty, status, requested_by, notes, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
		string(m.Kind), m.PropertyID, m.BusinessUnitID, m.Counterparty, string(m.Status), m.RequestedByID, m.Notes, m.CreatedAt,
	).Scan(&id)
	if shared.IsUniqueViolation(err) {
		return 0, fmt.Errorf("movement: property %d already has an open movement: %w", m.PropertyID, shared.ErrConflict)
	}
	return id, err
}

func (t *txRepo) AttachRequest(ctx context.Context, movementID, requestID int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE property_movements SET approval_request_id = $2 WHERE id = $1`, movementID, requestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("movement %d: %w", movementID, shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) DeleteMovement(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM property_movements WHERE id = $1`, id)
	return err
}

func (t *txRepo) LockMovement(ctx context.Context, id int64) (Movement, error) {
	m, err := scanMovement(t.tx.QueryRow(ctx, `SELECT `+movementColumns+` FROM property_movements WHERE id = $1 FOR UPDATE`, id))
	return m, notFound(err, "movement", id)
}

func (t *txRepo) UpdateMovement(ctx context.Context, m Movement) error {
	_, err := t.tx.Exec(ctx, `
UPDATE property_movements SET status = $2, approved_at = $3, completed_at = $4 WHERE id = $1`,
		m.ID, string(m.Status), timestamptz(m.ApprovedAt), timestamptz(m.CompletedAt))
	return err
}

func (t *txRepo) SetPropertyStatus(ctx context.Context, propertyID int64, status PropertyStatus) error {
	_, err := t.tx.Exec(ctx, `UPDATE properties SET status = $2, updated_at = NOW() WHERE id = $1`, propertyID, string(status))
	return err
}

func scanMovement(row pgx.Row) (Movement, error) {
	var (
		m                       Movement
		kind, status            string
		approvedAt, completedAt pgtype.Timestamptz
	)
	if err := row.Scan(&m.ID, &kind, &m.PropertyID, &m.BusinessUnitID, &m.Counterparty, &status,
		&m.ApprovalRequestID, &m.RequestedByID, &m.Notes, &m.CreatedAt, &approvedAt, &completedAt); err != nil {
		return Movement{}, err
	}
	m.Kind = Kind(kind)
	m.Status = TransactionStatus(status)
	m.ApprovedAt = timePtr(approvedAt)
	m.CompletedAt = timePtr(completedAt)
	return m, nil
}

func scanProperty(row pgx.Row) (Property, error) {
	var (
		p      Property
		status string
	)
	if err := row.Scan(&p.ID, &p.BusinessUnitID, &p.Code, &p.Title, &status, &p.UpdatedAt); err != nil {
		return Property{}, err
	}
	p.Status = PropertyStatus(status)
	return p, nil
}

func timePtr(v pgtype.Timestamptz) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, shared.ErrNotFound)
	}
	return err
}
