package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propledger/propledger/internal/shared"
)

// Repository persists roles and permissions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
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

const roleColumns = `id, name, description, level, created_at, updated_at`

// ListRoles returns roles without permissions.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY level, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetRole loads one role with its permissions.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("rbac: role %d: %w", id, shared.ErrNotFound)
		}
		return Role{}, err
	}
	perms, err := r.permissionsFor(ctx, []int64{id})
	if err != nil {
		return Role{}, err
	}
	role.Permissions = perms[id]
	return role, nil
}

// RolesByID loads roles for ids.
func (r *Repository) RolesByID(ctx context.Context, ids []int64) (map[int64]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]Role, len(ids))
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out[role.ID] = role
	}
	return out, rows.Err()
}

// RoleReferenceCount counts memberships and workflow steps pointing at the role.
func (r *Repository) RoleReferenceCount(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
SELECT (SELECT COUNT(*) FROM business_unit_members WHERE role_id = $1)
     + (SELECT COUNT(*) FROM approval_steps WHERE role_id = $1)`, id).Scan(&n)
	return n, err
}

// ActiveAssignments loads a user's active memberships with role permissions.
func (r *Repository) ActiveAssignments(ctx context.Context, userID int64) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `
SELECT m.business_unit_id, m.role_id, r.name, r.level
FROM business_unit_members m
JOIN roles r ON r.id = m.role_id
JOIN business_units b ON b.id = m.business_unit_id
WHERE m.user_id = $1 AND m.is_active AND b.is_active
ORDER BY m.business_unit_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var (
		assignments []Assignment
		roleIDs     []int64
	)
	for rows.Next() {
		var (
			a     Assignment
			level int16
		)
		if err := rows.Scan(&a.BusinessUnitID, &a.RoleID, &a.RoleName, &level); err != nil {
			return nil, err
		}
		a.RoleLevel = RoleLevel(level)
		a.IsActive = true
		assignments = append(assignments, a)
		roleIDs = append(roleIDs, a.RoleID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(roleIDs) == 0 {
		return assignments, nil
	}
	perms, err := r.permissionsFor(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	for i := range assignments {
		assignments[i].Permissions = perms[assignments[i].RoleID]
	}
	return assignments, nil
}

func (r *Repository) permissionsFor(ctx context.Context, roleIDs []int64) (map[int64][]RolePermission, error) {
	rows, err := r.pool.Query(ctx, `
SELECT role_id, module, can_create, can_read, can_update, can_delete, can_approve
FROM role_permissions WHERE role_id = ANY($1) ORDER BY role_id, module`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]RolePermission)
	for rows.Next() {
		var (
			p      RolePermission
			module string
		)
		if err := rows.Scan(&p.RoleID, &module, &p.CanCreate, &p.CanRead, &p.CanUpdate, &p.CanDelete, &p.CanApprove); err != nil {
			return nil, err
		}
		// Unknown modules stored by hand never grant anything.
		m, err := ParseModule(module)
		if err != nil {
			continue
		}
		p.Module = m
		out[p.RoleID] = append(out[p.RoleID], p)
	}
	return out, rows.Err()
}

func (t *txRepo) CreateRole(ctx context.Context, role Role) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO roles (name, description, level) VALUES ($1, $2, $3) RETURNING id`,
		role.Name, role.Description, int16(role.Level)).Scan(&id)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return 0, fmt.Errorf("rbac: role %q exists: %w", role.Name, shared.ErrConflict)
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepo) UpdateRole(ctx context.Context, role Role) error {
	tag, err := t.tx.Exec(ctx, `UPDATE roles SET name = $2, description = $3, level = $4, updated_at = NOW() WHERE id = $1`,
		role.ID, role.Name, role.Description, int16(role.Level))
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return fmt.Errorf("rbac: role %q exists: %w", role.Name, shared.ErrConflict)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rbac: role %d: %w", role.ID, shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) ReplacePermissions(ctx context.Context, roleID int64, perms []RolePermission) error {
	modules := make([]string, 0, len(perms))
	for _, p := range perms {
		modules = append(modules, string(p.Module))
		if _, err := t.tx.Exec(ctx, `
INSERT INTO role_permissions (role_id, module, can_create, can_read, can_update, can_delete, can_approve)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (role_id, module) DO UPDATE SET
    can_create = EXCLUDED.can_create,
    can_read = EXCLUDED.can_read,
    can_update = EXCLUDED.can_update,
    can_delete = EXCLUDED.can_delete,
    can_approve = EXCLUDED.can_approve`,
			roleID, string(p.Module), p.CanCreate, p.CanRead, p.CanUpdate, p.CanDelete, p.CanApprove); err != nil {
			return err
		}
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND NOT (module = ANY($2))`, roleID, modules)
	return err
}

func (t *txRepo) DeleteRole(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rbac: role %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func scanRole(row pgx.Row) (Role, error) {
	var (
		role  Role
		level int16
	)
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &level, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return Role{}, err
	}
	role.Level = RoleLevel(level)
	return role, nil
}
