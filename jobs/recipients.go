package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRecipients resolves notification recipients from memberships.
type PGRecipients struct {
	Pool *pgxpool.Pool
}

// StepResponders lists active members of businessUnitID holding roleID.
func (r PGRecipients) StepResponders(ctx context.Context, businessUnitID, roleID int64) ([]Recipient, error) {
	rows, err := r.Pool.Query(ctx, `
SELECT u.id, u.name, u.email
FROM business_unit_members m
JOIN users u ON u.id = m.user_id
WHERE m.business_unit_id = $1 AND m.role_id = $2 AND m.is_active AND u.is_active
ORDER BY u.id`, businessUnitID, roleID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Recipient, error) {
		var rec Recipient
		err := row.Scan(&rec.UserID, &rec.Name, &rec.Email)
		return rec, err
	})
}

// Requester returns the user who opened requestID.
func (r PGRecipients) Requester(ctx context.Context, requestID int64) (Recipient, error) {
	var rec Recipient
	err := r.Pool.QueryRow(ctx, `
SELECT u.id, u.name, u.email
FROM approval_requests a
JOIN users u ON u.id = a.requested_by
WHERE a.id = $1`, requestID).Scan(&rec.UserID, &rec.Name, &rec.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recipient{}, fmt.Errorf("approval notify: request %d not found: %w", requestID, asynq.SkipRetry)
	}
	return rec, err
}
