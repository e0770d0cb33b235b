package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propledger/propledger/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps fn in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	if err := fn(ctx, &txRepo{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// ListUsers returns all users.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, email, name, is_active, created_at, updated_at FROM users ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

const membershipColumns = `id, user_id, business_unit_id, role_id, is_active, joined_at`

// GetMembership loads one membership.
func (r *Repository) GetMembership(ctx context.Context, id int64) (Membership, error) {
	m, err := scanMembership(r.pool.QueryRow(ctx, `SELECT `+membershipColumns+` FROM business_unit_members WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Membership{}, fmt.Errorf("users: membership %d: %w", id, shared.ErrNotFound)
	}
	return m, err
}

// FindMembership looks up the (user, business unit) pair.
func (r *Repository) FindMembership(ctx context.Context, userID, businessUnitID int64) (Membership, bool, error) {
	m, err := scanMembership(r.pool.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM business_unit_members WHERE user_id = $1 AND business_unit_id = $2`,
		userID, businessUnitID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Membership{}, false, nil
	}
	if err != nil {
		return Membership{}, false, err
	}
	return m, true, nil
}

// ListMemberships returns all memberships of a user.
func (r *Repository) ListMemberships(ctx context.Context, userID int64) ([]Membership, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+membershipColumns+` FROM business_unit_members WHERE user_id = $1 ORDER BY business_unit_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// HasResponsesInUnit reports whether the user responded to any request of the unit.
func (r *Repository) HasResponsesInUnit(ctx context.Context, userID, businessUnitID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM approval_step_responses s
    JOIN approval_requests q ON q.id = s.request_id
    WHERE s.responded_by = $1 AND q.business_unit_id = $2
)`, userID, businessUnitID).Scan(&exists)
	return exists, err
}

func (t *txRepo) CreateUser(ctx context.Context, user User, passwordHash string) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO users (email, name, password_hash, is_active) VALUES ($1, $2, $3, $4) RETURNING id`,
		user.Email, user.Name, passwordHash, user.IsActive).Scan(&id)
	if shared.IsUniqueViolation(err) {
		return 0, fmt.Errorf("users: email %q taken: %w", user.Email, shared.ErrConflict)
	}
	return id, err
}

func (t *txRepo) CreateBusinessUnit(ctx context.Context, bu BusinessUnit) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO business_units (code, name, is_active) VALUES ($1, $2, $3) RETURNING id`,
		bu.Code, bu.Name, bu.IsActive).Scan(&id)
	if shared.IsUniqueViolation(err) {
		return 0, fmt.Errorf("users: business unit %q exists: %w", bu.Code, shared.ErrConflict)
	}
	return id, err
}

func (t *txRepo) InsertMembership(ctx context.Context, m Membership) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO business_unit_members (user_id, business_unit_id, role_id, is_active)
VALUES ($1, $2, $3, $4) RETURNING id`, m.UserID, m.BusinessUnitID, m.RoleID, m.IsActive).Scan(&id)
	if shared.IsUniqueViolation(err) {
		return 0, fmt.Errorf("users: duplicate membership: %w", shared.ErrConflict)
	}
	return id, err
}

func (t *txRepo) UpdateMembership(ctx context.Context, m Membership) error {
	tag, err := t.tx.Exec(ctx, `UPDATE business_unit_members SET role_id = $2, is_active = $3 WHERE id = $1`, m.ID, m.RoleID, m.IsActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("users: membership %d: %w", m.ID, shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) DeleteMembership(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM business_unit_members WHERE id = $1`, id)
	return err
}

func scanMembership(row pgx.Row) (Membership, error) {
	var m Membership
	err := row.Scan(&m.ID, &m.UserID, &m.BusinessUnitID, &m.RoleID, &m.IsActive, &m.JoinedAt)
	return m, err
}
