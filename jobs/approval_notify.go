package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/propledger/propledger/internal/approval"
	jobmetrics "github.com/propledger/propledger/internal/jobs"
)

// Approval notification events.
const (
	EventStepReady = "step_ready"
	EventCompleted = "completed"
)

// ApprovalNotifyPayload is the body of TaskApprovalNotify.
type ApprovalNotifyPayload struct {
	Event          string `json:"event"`
	RequestID      int64  `json:"request_id"`
	BusinessUnitID int64  `json:"business_unit_id"`
	EntityType     string `json:"entity_type"`
	EntityID       int64  `json:"entity_id"`
	RequestedByID  int64  `json:"requested_by_id"`
	StepOrder      int    `json:"step_order,omitempty"`
	StepName       string `json:"step_name,omitempty"`
	RoleID         int64  `json:"role_id,omitempty"`
	Status         string `json:"status,omitempty"`
}

// NewApprovalNotifyTask builds a notification task. The task id makes replays of the same
// event collapse into one job.
func NewApprovalNotifyTask(payload ApprovalNotifyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskApprovalNotify, data, asynq.TaskID(notifyTaskID(payload)), asynq.MaxRetry(5), asynq.Queue(QueueDefault)), nil
}

func notifyTaskID(p ApprovalNotifyPayload) string {
	return fmt.Sprintf("approval:%d:%s:%d", p.RequestID, p.Event, p.StepOrder)
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ApprovalNotifier queues approval notifications for the worker.
type ApprovalNotifier struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewApprovalNotifier constructs the notifier.
func NewApprovalNotifier(queue Enqueuer, logger *slog.Logger) *ApprovalNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalNotifier{queue: queue, logger: logger}
}

// StepReady queues a message for whoever can answer step.
func (n *ApprovalNotifier) StepReady(ctx context.Context, req approval.Request, step approval.Step) error {
	return n.enqueue(ctx, ApprovalNotifyPayload{
		Event:          EventStepReady,
		RequestID:      req.ID,
		BusinessUnitID: req.BusinessUnitID,
		EntityType:     string(req.EntityType),
		EntityID:       req.EntityID,
		RequestedByID:  req.RequestedByID,
		StepOrder:      step.StepOrder,
		StepName:       step.StepName,
		RoleID:         step.RoleID,
	})
}

// Completed queues a message for the requester.
func (n *ApprovalNotifier) Completed(ctx context.Context, outcome approval.Outcome) error {
	return n.enqueue(ctx, ApprovalNotifyPayload{
		Event:          EventCompleted,
		RequestID:      outcome.RequestID,
		BusinessUnitID: outcome.BusinessUnitID,
		EntityType:     string(outcome.EntityType),
		EntityID:       outcome.EntityID,
		Status:         string(outcome.Status),
	})
}

func (n *ApprovalNotifier) enqueue(ctx context.Context, payload ApprovalNotifyPayload) error {
	if n == nil || n.queue == nil {
		return nil
	}
	task, err := NewApprovalNotifyTask(payload)
	if err != nil {
		return err
	}
	if _, err := n.queue.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			n.logger.Debug("approval notify already queued", slog.Int64("request_id", payload.RequestID), slog.String("event", payload.Event))
			return nil
		}
		return err
	}
	return nil
}

var _ approval.Notifier = (*ApprovalNotifier)(nil)

// Recipient is someone to notify.
type Recipient struct {
	UserID int64
	Name   string
	Email  string
}

// RecipientResolver finds who should hear about an approval event.
type RecipientResolver interface {
	StepResponders(ctx context.Context, businessUnitID, roleID int64) ([]Recipient, error)
	Requester(ctx context.Context, requestID int64) (Recipient, error)
}

// ApprovalNotifyJob turns notification events into emails.
type ApprovalNotifyJob struct {
	Recipients RecipientResolver
	Mail       Enqueuer
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// Handle resolves recipients and queues one email per recipient.
func (j *ApprovalNotifyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Recipients == nil || j.Mail == nil {
		return errors.New("approval notify: handler not configured")
	}
	tracker := j.Metrics.Track(TaskApprovalNotify)
	defer func() { err = tracker.End(err) }()

	var payload ApprovalNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("approval notify: %v: %w", err, asynq.SkipRetry)
	}

	var recipients []Recipient
	switch payload.Event {
	case EventStepReady:
		recipients, err = j.Recipients.StepResponders(ctx, payload.BusinessUnitID, payload.RoleID)
	case EventCompleted:
		var r Recipient
		r, err = j.Recipients.Requester(ctx, payload.RequestID)
		recipients = []Recipient{r}
	default:
		return fmt.Errorf("approval notify: unknown event %q: %w", payload.Event, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	subject, body := renderApprovalMessage(payload)
	sent := 0
	for _, r := range recipients {
		if r.Email == "" {
			continue
		}
		task, err := NewSendEmailTask(SendEmailPayload{To: r.Email, Subject: subject, Body: body})
		if err != nil {
			return err
		}
		if _, err := j.Mail.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(3), asynq.Timeout(time.Minute)); err != nil {
			return err
		}
		sent++
	}
	j.Metrics.AddEmails(sent)
	j.logger().Info("approval notify",
		slog.Int64("request_id", payload.RequestID),
		slog.String("event", payload.Event),
		slog.Int("recipients", sent),
	)
	return nil
}

func (j *ApprovalNotifyJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

func renderApprovalMessage(p ApprovalNotifyPayload) (string, string) {
	ref := fmt.Sprintf("%s #%d", p.EntityType, p.EntityID)
	if p.Event == EventCompleted {
		return fmt.Sprintf("Approval request %d %s", p.RequestID, p.Status),
			fmt.Sprintf("Your approval request %d for %s finished with status %s.", p.RequestID, ref, p.Status)
	}
	return fmt.Sprintf("Approval needed: %s", p.StepName),
		fmt.Sprintf("Approval request %d for %s is waiting at step %d (%s).", p.RequestID, ref, p.StepOrder, p.StepName)
}
