package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
)

// memoryRepo serialises transactions behind one mutex and restores state on error.
type memoryRepo struct {
	mu        sync.Mutex
	nextID    int64
	workflows map[int64]Workflow
	steps     map[int64][]Step
	requests  map[int64]Request
	reqSteps  map[int64][]Step
	responses map[int64][]StepResponse
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		workflows: make(map[int64]Workflow),
		steps:     make(map[int64][]Step),
		requests:  make(map[int64]Request),
		reqSteps:  make(map[int64][]Step),
		responses: make(map[int64][]StepResponse),
	}
}

type memorySnapshot struct {
	nextID    int64
	workflows map[int64]Workflow
	steps     map[int64][]Step
	requests  map[int64]Request
	reqSteps  map[int64][]Step
	responses map[int64][]StepResponse
}

func (m *memoryRepo) snapshot() memorySnapshot {
	s := memorySnapshot{
		nextID:    m.nextID,
		workflows: make(map[int64]Workflow, len(m.workflows)),
		steps:     make(map[int64][]Step, len(m.steps)),
		requests:  make(map[int64]Request, len(m.requests)),
		reqSteps:  make(map[int64][]Step, len(m.reqSteps)),
		responses: make(map[int64][]StepResponse, len(m.responses)),
	}
	for k, v := range m.workflows {
		s.workflows[k] = v
	}
	for k, v := range m.steps {
		s.steps[k] = append([]Step(nil), v...)
	}
	for k, v := range m.requests {
		s.requests[k] = v
	}
	for k, v := range m.reqSteps {
		s.reqSteps[k] = append([]Step(nil), v...)
	}
	for k, v := range m.responses {
		s.responses[k] = append([]StepResponse(nil), v...)
	}
	return s
}

func (m *memoryRepo) restore(s memorySnapshot) {
	m.nextID = s.nextID
	m.workflows = s.workflows
	m.steps = s.steps
	m.requests = s.requests
	m.reqSteps = s.reqSteps
	m.responses = s.responses
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(ctx, &memoryTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memoryRepo) GetWorkflow(_ context.Context, id int64) (Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return Workflow{}, fmt.Errorf("workflow %d: %w", id, shared.ErrNotFound)
	}
	wf.Steps = append([]Step(nil), m.steps[id]...)
	for _, r := range m.requests {
		if r.WorkflowID == id {
			wf.RequestCount++
		}
	}
	return wf, nil
}

func (m *memoryRepo) ActiveWorkflowFor(_ context.Context, entityType EntityType) (Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  Workflow
		found bool
	)
	for _, wf := range m.workflows {
		if wf.EntityType != entityType || !wf.IsActive || len(m.steps[wf.ID]) == 0 {
			continue
		}
		if !found || wf.UpdatedAt.After(best.UpdatedAt) || (wf.UpdatedAt.Equal(best.UpdatedAt) && wf.ID > best.ID) {
			best, found = wf, true
		}
	}
	if !found {
		return Workflow{}, fmt.Errorf("no active workflow for %s: %w", entityType, shared.ErrNotFound)
	}
	best.Steps = append([]Step(nil), m.steps[best.ID]...)
	return best, nil
}

func (m *memoryRepo) GetRequest(_ context.Context, id int64) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("request %d: %w", id, shared.ErrNotFound)
	}
	return r, nil
}

func (m *memoryRepo) RequestSteps(_ context.Context, requestID int64) ([]Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Step(nil), m.reqSteps[requestID]...), nil
}

func (m *memoryRepo) Responses(_ context.Context, requestID int64) ([]StepResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StepResponse(nil), m.responses[requestID]...), nil
}

func (m *memoryRepo) WorkflowName(_ context.Context, id int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return "", shared.ErrNotFound
	}
	return wf.Name, nil
}

func (m *memoryRepo) PendingAtCurrentStep(_ context.Context, units []int64) ([]PendingItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := make(map[int64]bool, len(units))
	for _, u := range units {
		in[u] = true
	}
	var out []PendingItem
	for _, r := range m.requests {
		if r.Status != StatusPending || !in[r.BusinessUnitID] {
			continue
		}
		if st, ok := GetCurrentStep(r, m.reqSteps[r.ID]); ok {
			out = append(out, PendingItem{Request: r, Step: st})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Request.ID < out[j].Request.ID })
	return out, nil
}

type memoryTx struct {
	m *memoryRepo
}

func (t *memoryTx) id() int64 {
	t.m.nextID++
	return t.m.nextID
}

func (t *memoryTx) InsertWorkflow(_ context.Context, wf Workflow) (int64, error) {
	wf.ID = t.id()
	wf.Steps = nil
	t.m.workflows[wf.ID] = wf
	return wf.ID, nil
}

func (t *memoryTx) InsertSteps(_ context.Context, workflowID int64, steps []Step) ([]Step, error) {
	out := make([]Step, len(steps))
	for i, st := range steps {
		for _, existing := range t.m.steps[workflowID] {
			if existing.StepOrder == st.StepOrder {
				return nil, shared.ErrConflict
			}
		}
		st.ID = t.id()
		st.WorkflowID = workflowID
		t.m.steps[workflowID] = append(t.m.steps[workflowID], st)
		out[i] = st
	}
	sort.Slice(t.m.steps[workflowID], func(i, j int) bool {
		return t.m.steps[workflowID][i].StepOrder < t.m.steps[workflowID][j].StepOrder
	})
	return out, nil
}

func (t *memoryTx) LockWorkflow(_ context.Context, id int64) (Workflow, error) {
	wf, ok := t.m.workflows[id]
	if !ok {
		return Workflow{}, fmt.Errorf("workflow %d: %w", id, shared.ErrNotFound)
	}
	return wf, nil
}

func (t *memoryTx) ShareWorkflow(ctx context.Context, id int64) (Workflow, error) {
	return t.LockWorkflow(ctx, id)
}

func (t *memoryTx) WorkflowSteps(_ context.Context, workflowID int64) ([]Step, error) {
	return append([]Step(nil), t.m.steps[workflowID]...), nil
}

func (t *memoryTx) UpdateWorkflow(_ context.Context, wf Workflow) error {
	if _, ok := t.m.workflows[wf.ID]; !ok {
		return shared.ErrNotFound
	}
	wf.Steps = nil
	t.m.workflows[wf.ID] = wf
	return nil
}

func (t *memoryTx) DeleteSteps(_ context.Context, workflowID int64) error {
	delete(t.m.steps, workflowID)
	return nil
}

func (t *memoryTx) CountRequests(_ context.Context, workflowID int64) (int64, error) {
	var n int64
	for _, r := range t.m.requests {
		if r.WorkflowID == workflowID {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) DeleteWorkflow(_ context.Context, id int64) error {
	delete(t.m.workflows, id)
	delete(t.m.steps, id)
	return nil
}

func (t *memoryTx) InsertRequest(_ context.Context, req Request) (int64, error) {
	req.ID = t.id()
	t.m.requests[req.ID] = req
	return req.ID, nil
}

func (t *memoryTx) InsertRequestSteps(_ context.Context, requestID int64, steps []Step) error {
	t.m.reqSteps[requestID] = append([]Step(nil), steps...)
	return nil
}

func (t *memoryTx) LockRequest(_ context.Context, id int64) (Request, error) {
	r, ok := t.m.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("request %d: %w", id, shared.ErrNotFound)
	}
	return r, nil
}

func (t *memoryTx) RequestStep(_ context.Context, requestID, stepID int64) (Step, error) {
	for _, st := range t.m.reqSteps[requestID] {
		if st.ID == stepID {
			return st, nil
		}
	}
	return Step{}, fmt.Errorf("step %d: %w", stepID, shared.ErrNotFound)
}

func (t *memoryTx) HasResponse(_ context.Context, requestID, stepID int64) (bool, error) {
	for _, r := range t.m.responses[requestID] {
		if r.StepID == stepID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) InsertResponse(_ context.Context, resp StepResponse) (int64, error) {
	for _, r := range t.m.responses[resp.RequestID] {
		if r.StepID == resp.StepID {
			return 0, shared.ErrConflict
		}
	}
	resp.ID = t.id()
	t.m.responses[resp.RequestID] = append(t.m.responses[resp.RequestID], resp)
	return resp.ID, nil
}

func (t *memoryTx) AdvanceRequest(_ context.Context, req Request, expected int) error {
	current, ok := t.m.requests[req.ID]
	if !ok || current.Status != StatusPending || current.CurrentStepOrder != expected {
		return shared.ErrConflict
	}
	t.m.requests[req.ID] = req
	return nil
}

type staticRoles map[int64]rbac.Role

func (s staticRoles) RolesByID(_ context.Context, ids []int64) (map[int64]rbac.Role, error) {
	out := make(map[int64]rbac.Role)
	for _, id := range ids {
		if r, ok := s[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.logs))
	for i, l := range a.logs {
		out[i] = l.Action
	}
	return out
}
