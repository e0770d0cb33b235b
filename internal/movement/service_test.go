package movement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/propledger/propledger/internal/approval"
	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
)

type memoryRepo struct {
	nextID     int64
	properties map[int64]Property
	movements  map[int64]Movement
	attachErr  error
}

func newMemoryRepo(props ...Property) *memoryRepo {
	m := &memoryRepo{properties: make(map[int64]Property), movements: make(map[int64]Movement)}
	for _, p := range props {
		m.properties[p.ID] = p
	}
	return m
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	props := make(map[int64]Property, len(m.properties))
	for k, v := range m.properties {
		props[k] = v
	}
	moves := make(map[int64]Movement, len(m.movements))
	for k, v := range m.movements {
		moves[k] = v
	}
	if err := fn(ctx, m); err != nil {
		m.properties, m.movements = props, moves
		return err
	}
	return nil
}

func (m *memoryRepo) GetMovement(_ context.Context, id int64) (Movement, error) {
	mv, ok := m.movements[id]
	if !ok {
		return Movement{}, fmt.Errorf("movement %d: %w", id, shared.ErrNotFound)
	}
	return mv, nil
}

func (m *memoryRepo) GetProperty(_ context.Context, id int64) (Property, error) {
	p, ok := m.properties[id]
	if !ok {
		return Property{}, fmt.Errorf("property %d: %w", id, shared.ErrNotFound)
	}
	return p, nil
}

func (m *memoryRepo) LockProperty(ctx context.Context, id int64) (Property, error) {
	return m.GetProperty(ctx, id)
}

func (m *memoryRepo) HasOpenMovement(_ context.Context, propertyID int64) (bool, error) {
	for _, mv := range m.movements {
		if mv.PropertyID == propertyID && (mv.Status == StatusPending || mv.Status == StatusApproved) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) InsertMovement(_ context.Context, mv Movement) (int64, error) {
	m.nextID++
	mv.ID = m.nextID
	m.movements[mv.ID] = mv
	return mv.ID, nil
}

func (m *memoryRepo) AttachRequest(_ context.Context, movementID, requestID int64) error {
	if m.attachErr != nil {
		return m.attachErr
	}
	mv, ok := m.movements[movementID]
	if !ok {
		return shared.ErrNotFound
	}
	mv.ApprovalRequestID = requestID
	m.movements[movementID] = mv
	return nil
}

func (m *memoryRepo) DeleteMovement(_ context.Context, id int64) error {
	delete(m.movements, id)
	return nil
}

func (m *memoryRepo) LockMovement(ctx context.Context, id int64) (Movement, error) {
	return m.GetMovement(ctx, id)
}

func (m *memoryRepo) UpdateMovement(_ context.Context, mv Movement) error {
	m.movements[mv.ID] = mv
	return nil
}

func (m *memoryRepo) SetPropertyStatus(_ context.Context, propertyID int64, status PropertyStatus) error {
	p := m.properties[propertyID]
	p.Status = status
	m.properties[propertyID] = p
	return nil
}

type stubWorkflows struct {
	active map[approval.EntityType]approval.Workflow
}

func (s stubWorkflows) ActiveWorkflowFor(_ context.Context, et approval.EntityType) (approval.Workflow, error) {
	wf, ok := s.active[et]
	if !ok {
		return approval.Workflow{}, fmt.Errorf("no workflow: %w", shared.ErrNotFound)
	}
	return wf, nil
}

type stubOpener struct {
	nextID int64
	calls  []approval.CreateRequestInput
	err    error
	// opened runs after the request exists and before CreateRequest returns.
	opened func(approval.Request)
}

func (s *stubOpener) CreateRequest(_ context.Context, in approval.CreateRequestInput) (approval.Request, error) {
	s.calls = append(s.calls, in)
	if s.err != nil {
		return approval.Request{}, s.err
	}
	s.nextID++
	req := approval.Request{ID: 1000 + s.nextID, WorkflowID: in.WorkflowID, BusinessUnitID: in.BusinessUnitID, EntityType: in.EntityType, EntityID: in.EntityID, Status: approval.StatusPending}
	if s.opened != nil {
		s.opened(req)
	}
	return req, nil
}

const unit int64 = 10

func clerk(perms ...rbac.RolePermission) rbac.Principal {
	return rbac.Principal{UserID: 5, Assignments: []rbac.Assignment{{
		BusinessUnitID: unit, RoleID: 1, IsActive: true, Permissions: perms,
	}}}
}

var releaseClerk = clerk(
	rbac.RolePermission{Module: rbac.ModulePropertyReleases, CanCreate: true, CanRead: true, CanUpdate: true},
	rbac.RolePermission{Module: rbac.ModulePropertyReturns, CanCreate: true},
)

type fixture struct {
	repo    *memoryRepo
	opener  *stubOpener
	service *Service
}

func newFixture() *fixture {
	repo := newMemoryRepo(
		Property{ID: 1, BusinessUnitID: unit, Code: "LOT-1", Title: "Lot 1", Status: PropertyAvailable},
		Property{ID: 2, BusinessUnitID: unit, Code: "LOT-2", Title: "Lot 2", Status: PropertyReleased},
		Property{ID: 3, BusinessUnitID: 99, Code: "LOT-3", Title: "Elsewhere", Status: PropertyAvailable},
	)
	workflows := stubWorkflows{active: map[approval.EntityType]approval.Workflow{
		approval.EntityPropertyRelease: {ID: 7, EntityType: approval.EntityPropertyRelease, IsActive: true},
		approval.EntityPropertyReturn:  {ID: 8, EntityType: approval.EntityPropertyReturn, IsActive: true},
	}}
	opener := &stubOpener{}
	svc := NewService(repo, workflows, opener, nil, nil)
	svc.now = func() time.Time { return time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC) }
	return &fixture{repo: repo, opener: opener, service: svc}
}

func TestRequestMovementOpensApproval(t *testing.T) {
	f := newFixture()
	m, err := f.service.RequestMovement(context.Background(), releaseClerk, RequestInput{
		Kind: "release", BusinessUnitID: unit, PropertyID: 1, Counterparty: "  Acme   Buyers ",
	})
	require.NoError(t, err)
	require.Equal(t, KindRelease, m.Kind)
	require.Equal(t, StatusPending, m.Status)
	require.Equal(t, "Acme Buyers", m.Counterparty)
	require.NotZero(t, m.ApprovalRequestID)

	require.Len(t, f.opener.calls, 1)
	call := f.opener.calls[0]
	require.Equal(t, int64(7), call.WorkflowID)
	require.Equal(t, approval.EntityPropertyRelease, call.EntityType)
	require.Equal(t, m.ID, call.EntityID)
	require.Equal(t, unit, call.BusinessUnitID)

	stored, err := f.service.Get(context.Background(), unit, m.ID)
	require.NoError(t, err)
	require.Equal(t, m.ApprovalRequestID, stored.ApprovalRequestID)

	_, err = f.service.RequestMovement(context.Background(), releaseClerk, RequestInput{
		Kind: KindRelease, BusinessUnitID: unit, PropertyID: 1, Counterparty: "Other",
	})
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestRequestMovementRejections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	base := RequestInput{Kind: KindRelease, BusinessUnitID: unit, PropertyID: 1, Counterparty: "Acme"}

	noPerm := base
	_, err := f.service.RequestMovement(ctx, clerk(), noPerm)
	require.ErrorIs(t, err, shared.ErrForbidden)

	badKind := base
	badKind.Kind = "SALE"
	_, err = f.service.RequestMovement(ctx, releaseClerk, badKind)
	require.ErrorIs(t, err, shared.ErrValidation)

	blank := base
	blank.Counterparty = " "
	_, err = f.service.RequestMovement(ctx, releaseClerk, blank)
	require.ErrorIs(t, err, shared.ErrValidation)

	otherUnit := base
	otherUnit.PropertyID = 3
	_, err = f.service.RequestMovement(ctx, releaseClerk, otherUnit)
	require.ErrorIs(t, err, shared.ErrNotFound)

	released := base
	released.PropertyID = 2
	_, err = f.service.RequestMovement(ctx, releaseClerk, released)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	turnover := clerk(rbac.RolePermission{Module: rbac.ModulePropertyTurnovers, CanCreate: true})
	_, err = f.service.RequestMovement(ctx, turnover, RequestInput{Kind: KindTurnover, BusinessUnitID: unit, PropertyID: 1, Counterparty: "Acme"})
	require.ErrorIs(t, err, shared.ErrInvalidState, "no active turnover workflow")

	require.Empty(t, f.repo.movements)
	require.Empty(t, f.opener.calls)
}

func TestRequestMovementRemovedWhenApprovalFails(t *testing.T) {
	f := newFixture()
	f.opener.err = errors.New("approval store down")

	_, err := f.service.RequestMovement(context.Background(), releaseClerk, RequestInput{
		Kind: KindRelease, BusinessUnitID: unit, PropertyID: 1, Counterparty: "Acme",
	})
	require.Error(t, err)
	require.Empty(t, f.repo.movements)
}

func TestOutcomeBeforeAttachStillSettles(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	var hookErr error
	f.opener.opened = func(req approval.Request) {
		hookErr = f.service.OnApprovalTerminal(ctx, approval.Outcome{
			RequestID:      req.ID,
			BusinessUnitID: req.BusinessUnitID,
			EntityType:     req.EntityType,
			EntityID:       req.EntityID,
			Status:         approval.StatusApproved,
			ActorID:        9,
			CompletedAt:    time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC),
		})
	}

	m := openRelease(t, f)
	require.NoError(t, hookErr)
	stored := f.repo.movements[m.ID]
	require.Equal(t, StatusApproved, stored.Status)
	require.Equal(t, m.ApprovalRequestID, stored.ApprovalRequestID)
	require.Equal(t, PropertyReleased, f.repo.properties[1].Status)
}

func TestAttachFailureKeepsMovementForOpenRequest(t *testing.T) {
	f := newFixture()
	f.repo.attachErr = errors.New("connection reset")

	m := openRelease(t, f)
	require.Equal(t, int64(1001), m.ApprovalRequestID)
	require.Contains(t, f.repo.movements, m.ID)
	require.Zero(t, f.repo.movements[m.ID].ApprovalRequestID)

	// The terminal outcome still finds the movement and links it.
	f.repo.attachErr = nil
	require.NoError(t, f.service.OnApprovalTerminal(context.Background(), outcomeFor(m, approval.StatusRejected)))
	stored := f.repo.movements[m.ID]
	require.Equal(t, StatusRejected, stored.Status)
	require.Equal(t, m.ApprovalRequestID, stored.ApprovalRequestID)
}

func openRelease(t *testing.T, f *fixture) Movement {
	t.Helper()
	m, err := f.service.RequestMovement(context.Background(), releaseClerk, RequestInput{
		Kind: KindRelease, BusinessUnitID: unit, PropertyID: 1, Counterparty: "Acme",
	})
	require.NoError(t, err)
	return m
}

func outcomeFor(m Movement, status approval.RequestStatus) approval.Outcome {
	return approval.Outcome{
		RequestID:      m.ApprovalRequestID,
		BusinessUnitID: m.BusinessUnitID,
		EntityType:     m.Kind.EntityType(),
		EntityID:       m.ID,
		Status:         status,
		ActorID:        9,
		CompletedAt:    time.Date(2026, 4, 3, 10, 0, 0, 0, time.UTC),
	}
}

func TestApprovedOutcomeSettlesMovementAndProperty(t *testing.T) {
	for _, status := range []approval.RequestStatus{approval.StatusApproved, approval.StatusOverridden} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture()
			m := openRelease(t, f)

			require.NoError(t, f.service.OnApprovalTerminal(context.Background(), outcomeFor(m, status)))
			stored := f.repo.movements[m.ID]
			require.Equal(t, StatusApproved, stored.Status)
			require.NotNil(t, stored.ApprovedAt)
			require.Equal(t, PropertyReleased, f.repo.properties[1].Status)

			// Replays leave the settled movement untouched.
			require.NoError(t, f.service.OnApprovalTerminal(context.Background(), outcomeFor(m, approval.StatusRejected)))
			require.Equal(t, StatusApproved, f.repo.movements[m.ID].Status)
		})
	}
}

func TestRejectedOutcomeLeavesPropertyAvailable(t *testing.T) {
	f := newFixture()
	m := openRelease(t, f)

	require.NoError(t, f.service.OnApprovalTerminal(context.Background(), outcomeFor(m, approval.StatusRejected)))
	require.Equal(t, StatusRejected, f.repo.movements[m.ID].Status)
	require.Nil(t, f.repo.movements[m.ID].ApprovedAt)
	require.Equal(t, PropertyAvailable, f.repo.properties[1].Status)

	// The property may be moved again once the previous attempt is rejected.
	again := openRelease(t, f)
	require.NotEqual(t, m.ID, again.ID)
}

func TestOutcomeForUnknownMovementFails(t *testing.T) {
	f := newFixture()
	err := f.service.OnApprovalTerminal(context.Background(), approval.Outcome{
		RequestID: 404, EntityType: approval.EntityPropertyRelease, EntityID: 404, Status: approval.StatusApproved,
	})
	require.ErrorIs(t, err, shared.ErrNotFound)

	m := openRelease(t, f)
	stale := outcomeFor(m, approval.StatusApproved)
	stale.RequestID = m.ApprovalRequestID + 50
	require.ErrorIs(t, f.service.OnApprovalTerminal(context.Background(), stale), shared.ErrInvalidState)
	require.Equal(t, StatusPending, f.repo.movements[m.ID].Status)

	wrongKind := outcomeFor(m, approval.StatusApproved)
	wrongKind.EntityType = approval.EntityPropertyReturn
	require.ErrorIs(t, f.service.OnApprovalTerminal(context.Background(), wrongKind), shared.ErrNotFound)

	require.NoError(t, f.service.OnApprovalTerminal(context.Background(), approval.Outcome{
		RequestID: 404, EntityType: approval.EntityDocument, Status: approval.StatusApproved,
	}))
}

func TestMarkCompleted(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := openRelease(t, f)

	_, err := f.service.MarkCompleted(ctx, releaseClerk, unit, m.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	require.NoError(t, f.service.OnApprovalTerminal(ctx, outcomeFor(m, approval.StatusApproved)))

	_, err = f.service.MarkCompleted(ctx, clerk(), unit, m.ID)
	require.ErrorIs(t, err, shared.ErrForbidden)
	_, err = f.service.MarkCompleted(ctx, releaseClerk, 99, m.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)

	done, err := f.service.MarkCompleted(ctx, releaseClerk, unit, m.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, err = f.service.MarkCompleted(ctx, releaseClerk, unit, m.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestReturnRequiresPropertyOutOfCustody(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, err := f.service.RequestMovement(ctx, releaseClerk, RequestInput{Kind: KindReturn, BusinessUnitID: unit, PropertyID: 1, Counterparty: "Acme"})
	require.ErrorIs(t, err, shared.ErrInvalidState)

	ret, err := f.service.RequestMovement(ctx, releaseClerk, RequestInput{Kind: KindReturn, BusinessUnitID: unit, PropertyID: 2, Counterparty: "Acme"})
	require.NoError(t, err)
	require.NoError(t, f.service.OnApprovalTerminal(ctx, outcomeFor(ret, approval.StatusApproved)))
	require.Equal(t, PropertyAvailable, f.repo.properties[2].Status)
}

func TestParseKind(t *testing.T) {
	for raw, want := range map[string]Kind{"release": KindRelease, "Turnovers": KindTurnover, " RETURN ": KindReturn} {
		got, err := ParseKind(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got)
	}
	_, err := ParseKind("sale")
	require.Error(t, err)
	for _, k := range Kinds() {
		back, ok := KindForEntityType(k.EntityType())
		require.True(t, ok)
		require.Equal(t, k, back)
	}
}
