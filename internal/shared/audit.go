package shared

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Audit actions recorded by the approval core.
const (
	AuditWorkflowCreate    = "APPROVAL_WORKFLOW_CREATE"
	AuditWorkflowUpdate    = "APPROVAL_WORKFLOW_UPDATE"
	AuditWorkflowSteps     = "APPROVAL_WORKFLOW_STEPS_REPLACE"
	AuditWorkflowToggle    = "APPROVAL_WORKFLOW_TOGGLE"
	AuditWorkflowDuplicate = "APPROVAL_WORKFLOW_DUPLICATE"
	AuditWorkflowDelete    = "APPROVAL_WORKFLOW_DELETE"
	AuditRequestCreate     = "APPROVAL_REQUEST_CREATE"
	AuditRequestRespond    = "APPROVAL_REQUEST_RESPOND"
	AuditMovementRequest   = "MOVEMENT_REQUEST"
	AuditMovementSettle    = "MOVEMENT_SETTLE"
	AuditMovementComplete  = "MOVEMENT_COMPLETE"
	AuditMembershipChange  = "MEMBERSHIP_CHANGE"
	AuditRoleChange        = "ROLE_CHANGE"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Execer is the subset of pgxpool.Pool / pgx.Tx used for writes.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	db Execer
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(db Execer) *AuditLogger {
	return &AuditLogger{db: db}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at any
	if !log.At.IsZero() {
		at = log.At
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}

// EntityRef formats an int64 id for AuditLog.EntityID.
func EntityRef(id int64) string {
	return strconv.FormatInt(id, 10)
}
