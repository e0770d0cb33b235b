package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/propledger/propledger/internal/rbac"
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

// WithTx wraps callback in repeatable-read transaction.
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

const (
	workflowColumns = `id, name, description, entity_type, is_active, COALESCE(created_by, 0), created_at, updated_at`
	stepColumns     = `id, workflow_id, step_name, role_id, step_order, is_required, can_override, override_min_level`
	requestColumns  = `id, workflow_id, business_unit_id, entity_type, entity_id, requested_by, status,
current_step_order, step_count, created_at, updated_at, completed_at`
	responseColumns = `id, request_id, step_id, step_order, responded_by, status, comments, is_override, responded_at`
)

// GetWorkflow returns a workflow with steps and request count.
func (r *Repository) GetWorkflow(ctx context.Context, id int64) (Workflow, error) {
	wf, err := scanWorkflow(r.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM approval_workflows WHERE id = $1`, id))
	if err != nil {
		return Workflow{}, notFound(err, "workflow", id)
	}
	if wf.Steps, err = listSteps(ctx, r.pool, id); err != nil {
		return Workflow{}, err
	}
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM approval_requests WHERE workflow_id = $1`, id).Scan(&wf.RequestCount); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// ActiveWorkflowFor picks the most recently updated active workflow with at least one step.
func (r *Repository) ActiveWorkflowFor(ctx context.Context, entityType EntityType) (Workflow, error) {
	wf, err := scanWorkflow(r.pool.QueryRow(ctx, `
SELECT `+workflowColumns+` FROM approval_workflows w
WHERE entity_type = $1 AND is_active
  AND EXISTS (SELECT 1 FROM approval_steps s WHERE s.workflow_id = w.id)
ORDER BY updated_at DESC, id DESC
LIMIT 1`, string(entityType)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Workflow{}, fmt.Errorf("approval: no active workflow for %s: %w", entityType, shared.ErrNotFound)
		}
		return Workflow{}, err
	}
	if wf.Steps, err = listSteps(ctx, r.pool, wf.ID); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// GetRequest loads a request.
func (r *Repository) GetRequest(ctx context.Context, id int64) (Request, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, id))
	if err != nil {
		return Request{}, notFound(err, "request", id)
	}
	return req, nil
}

// RequestSteps returns the steps pinned to a request.
func (r *Repository) RequestSteps(ctx context.Context, requestID int64) ([]Step, error) {
	return listRequestSteps(ctx, r.pool, requestID)
}

// Responses returns responses in step order.
func (r *Repository) Responses(ctx context.Context, requestID int64) ([]StepResponse, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+responseColumns+` FROM approval_step_responses WHERE request_id = $1 ORDER BY step_order`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StepResponse
	for rows.Next() {
		var (
			resp   StepResponse
			status string
		)
		if err := rows.Scan(&resp.ID, &resp.RequestID, &resp.StepID, &resp.StepOrder, &resp.RespondedByID, &status, &resp.Comments, &resp.IsOverride, &resp.RespondedAt); err != nil {
			return nil, err
		}
		if resp.Status, err = ParseDecision(status); err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

// WorkflowName returns the display name of a workflow.
func (r *Repository) WorkflowName(ctx context.Context, id int64) (string, error) {
	var name string
	if err := r.pool.QueryRow(ctx, `SELECT name FROM approval_workflows WHERE id = $1`, id).Scan(&name); err != nil {
		return "", notFound(err, "workflow", id)
	}
	return name, nil
}

// PendingAtCurrentStep lists pending requests of the given units with the step they wait on.
func (r *Repository) PendingAtCurrentStep(ctx context.Context, businessUnitIDs []int64) ([]PendingItem, error) {
	rows, err := r.pool.Query(ctx, `
SELECT q.id, q.workflow_id, q.business_unit_id, q.entity_type, q.entity_id, q.requested_by, q.status,
       q.current_step_order, q.step_count, q.created_at, q.updated_at, q.completed_at,
       s.step_id, q.workflow_id, s.step_name, s.role_id, s.step_order, s.is_required, s.can_override, s.override_min_level
FROM approval_requests q
JOIN approval_request_steps s ON s.request_id = q.id AND s.step_order = q.current_step_order
WHERE q.status = 'PENDING' AND q.business_unit_id = ANY($1)
ORDER BY q.created_at`, businessUnitIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingItem
	for rows.Next() {
		var (
			item              PendingItem
			entityType, state string
			overrideLevel     pgtype.Int2
			completedAt       pgtype.Timestamptz
		)
		if err := rows.Scan(
			&item.Request.ID, &item.Request.WorkflowID, &item.Request.BusinessUnitID, &entityType, &item.Request.EntityID,
			&item.Request.RequestedByID, &state, &item.Request.CurrentStepOrder, &item.Request.StepCount,
			&item.Request.CreatedAt, &item.Request.UpdatedAt, &completedAt,
			&item.Step.ID, &item.Step.WorkflowID, &item.Step.StepName, &item.Step.RoleID, &item.Step.StepOrder,
			&item.Step.IsRequired, &item.Step.CanOverride, &overrideLevel,
		); err != nil {
			return nil, err
		}
		if err := fillRequestEnums(&item.Request, entityType, state, completedAt); err != nil {
			return nil, err
		}
		item.Step.OverrideMinLevel = levelPtr(overrideLevel)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (t *txRepo) InsertWorkflow(ctx context.Context, wf Workflow) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO approval_workflows (name, description, entity_type, is_active, created_by)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		wf.Name, wf.Description, string(wf.EntityType), wf.IsActive,
		pgtype.Int8{Int64: wf.CreatedByID, Valid: wf.CreatedByID > 0}).Scan(&id)
	return id, err
}

func (t *txRepo) InsertSteps(ctx context.Context, workflowID int64, steps []Step) ([]Step, error) {
	out := make([]Step, len(steps))
	for i, st := range steps {
		st.WorkflowID = workflowID
		err := t.tx.QueryRow(ctx, `
INSERT INTO approval_steps (workflow_id, step_name, role_id, step_order, is_required, can_override, override_min_level)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			workflowID, st.StepName, st.RoleID, st.StepOrder, st.IsRequired, st.CanOverride, levelParam(st.OverrideMinLevel)).Scan(&st.ID)
		if err != nil {
			if shared.IsUniqueViolation(err) {
				return nil, fmt.Errorf("approval: duplicate step order %d: %w", st.StepOrder, shared.ErrConflict)
			}
			return nil, err
		}
		out[i] = st
	}
	return out, nil
}

func (t *txRepo) LockWorkflow(ctx context.Context, id int64) (Workflow, error) {
	wf, err := scanWorkflow(t.tx.QueryRow(ctx, `SELECT `+workflowColumns+` FROM approval_workflows WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Workflow{}, notFound(err, "workflow", id)
	}
	return wf, nil
}

func (t *txRepo) ShareWorkflow(ctx context.Context, id int64) (Workflow, error) {
	wf, err := scanWorkflow(t.tx.QueryRow(ctx, `SELECT `+workflowColumns+` FROM approval_workflows WHERE id = $1 FOR SHARE`, id))
	if err != nil {
		return Workflow{}, notFound(err, "workflow", id)
	}
	return wf, nil
}

func (t *txRepo) WorkflowSteps(ctx context.Context, workflowID int64) ([]Step, error) {
	return listSteps(ctx, t.tx, workflowID)
}

func (t *txRepo) UpdateWorkflow(ctx context.Context, wf Workflow) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE approval_workflows SET name = $2, description = $3, entity_type = $4, is_active = $5, updated_at = NOW()
WHERE id = $1`, wf.ID, wf.Name, wf.Description, string(wf.EntityType), wf.IsActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("approval: workflow %d: %w", wf.ID, shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) DeleteSteps(ctx context.Context, workflowID int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM approval_steps WHERE workflow_id = $1`, workflowID)
	return err
}

func (t *txRepo) CountRequests(ctx context.Context, workflowID int64) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM approval_requests WHERE workflow_id = $1`, workflowID).Scan(&n)
	return n, err
}

func (t *txRepo) DeleteWorkflow(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM approval_workflows WHERE id = $1`, id)
	return err
}

func (t *txRepo) InsertRequest(ctx context.Context, req Request) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO approval_requests (workflow_id, business_unit_id, entity_type, entity_id, requested_by, status, current_step_order, step_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9) RETURNING id`,
		req.WorkflowID, req.BusinessUnitID, string(req.EntityType), req.EntityID, req.RequestedByID,
		string(req.Status), req.CurrentStepOrder, req.StepCount, req.CreatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) InsertRequestSteps(ctx context.Context, requestID int64, steps []Step) error {
	batch := &pgx.Batch{}
	for _, st := range steps {
		batch.Queue(`
INSERT INTO approval_request_steps (request_id, step_id, step_name, role_id, step_order, is_required, can_override, override_min_level)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			requestID, st.ID, st.StepName, st.RoleID, st.StepOrder, st.IsRequired, st.CanOverride, levelParam(st.OverrideMinLevel))
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *txRepo) LockRequest(ctx context.Context, id int64) (Request, error) {
	req, err := scanRequest(t.tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Request{}, notFound(err, "request", id)
	}
	return req, nil
}

func (t *txRepo) RequestStep(ctx context.Context, requestID, stepID int64) (Step, error) {
	st, err := scanStep(t.tx.QueryRow(ctx, `
SELECT s.step_id, q.workflow_id, s.step_name, s.role_id, s.step_order, s.is_required, s.can_override, s.override_min_level
FROM approval_request_steps s JOIN approval_requests q ON q.id = s.request_id
WHERE s.request_id = $1 AND s.step_id = $2`, requestID, stepID))
	if err != nil {
		return Step{}, notFound(err, "step", stepID)
	}
	return st, nil
}

func (t *txRepo) HasResponse(ctx context.Context, requestID, stepID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_step_responses WHERE request_id = $1 AND step_id = $2)`, requestID, stepID).Scan(&exists)
	return exists, err
}

func (t *txRepo) InsertResponse(ctx context.Context, resp StepResponse) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO approval_step_responses (request_id, step_id, step_order, responded_by, status, comments, is_override, responded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		resp.RequestID, resp.StepID, resp.StepOrder, resp.RespondedByID, string(resp.Status), resp.Comments, resp.IsOverride, resp.RespondedAt).Scan(&id)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return 0, fmt.Errorf("approval: step %d already answered: %w", resp.StepID, shared.ErrConflict)
		}
		return 0, err
	}
	return id, nil
}

func (t *txRepo) AdvanceRequest(ctx context.Context, req Request, expectedStepOrder int) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE approval_requests
SET status = $2, current_step_order = $3, completed_at = $4, updated_at = $5
WHERE id = $1 AND status = 'PENDING' AND current_step_order = $6`,
		req.ID, string(req.Status), req.CurrentStepOrder, req.CompletedAt, req.UpdatedAt, expectedStepOrder)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("approval: request %d moved concurrently: %w", req.ID, shared.ErrConflict)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listSteps(ctx context.Context, q querier, workflowID int64) ([]Step, error) {
	rows, err := q.Query(ctx, `SELECT `+stepColumns+` FROM approval_steps WHERE workflow_id = $1 ORDER BY step_order`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func listRequestSteps(ctx context.Context, q querier, requestID int64) ([]Step, error) {
	rows, err := q.Query(ctx, `
SELECT s.step_id, q.workflow_id, s.step_name, s.role_id, s.step_order, s.is_required, s.can_override, s.override_min_level
FROM approval_request_steps s JOIN approval_requests q ON q.id = s.request_id
WHERE s.request_id = $1 ORDER BY s.step_order`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanWorkflow(row pgx.Row) (Workflow, error) {
	var (
		wf         Workflow
		entityType string
	)
	if err := row.Scan(&wf.ID, &wf.Name, &wf.Description, &entityType, &wf.IsActive, &wf.CreatedByID, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return Workflow{}, err
	}
	et, err := ParseEntityType(entityType)
	if err != nil {
		return Workflow{}, err
	}
	wf.EntityType = et
	return wf, nil
}

func scanStep(row pgx.Row) (Step, error) {
	var (
		st    Step
		level pgtype.Int2
	)
	if err := row.Scan(&st.ID, &st.WorkflowID, &st.StepName, &st.RoleID, &st.StepOrder, &st.IsRequired, &st.CanOverride, &level); err != nil {
		return Step{}, err
	}
	st.OverrideMinLevel = levelPtr(level)
	return st, nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req               Request
		entityType, state string
		completedAt       pgtype.Timestamptz
	)
	if err := row.Scan(&req.ID, &req.WorkflowID, &req.BusinessUnitID, &entityType, &req.EntityID, &req.RequestedByID,
		&state, &req.CurrentStepOrder, &req.StepCount, &req.CreatedAt, &req.UpdatedAt, &completedAt); err != nil {
		return Request{}, err
	}
	if err := fillRequestEnums(&req, entityType, state, completedAt); err != nil {
		return Request{}, err
	}
	return req, nil
}

func fillRequestEnums(req *Request, entityType, state string, completedAt pgtype.Timestamptz) error {
	et, err := ParseEntityType(entityType)
	if err != nil {
		return err
	}
	status, err := ParseRequestStatus(state)
	if err != nil {
		return err
	}
	req.EntityType = et
	req.Status = status
	if completedAt.Valid {
		at := completedAt.Time
		req.CompletedAt = &at
	}
	return nil
}

func levelPtr(v pgtype.Int2) *rbac.RoleLevel {
	if !v.Valid {
		return nil
	}
	level := rbac.RoleLevel(v.Int16)
	return &level
}

func levelParam(level *rbac.RoleLevel) pgtype.Int2 {
	if level == nil {
		return pgtype.Int2{}
	}
	return pgtype.Int2{Int16: int16(*level), Valid: true}
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("approval: %s %d: %w", what, id, shared.ErrNotFound)
	}
	return err
}
