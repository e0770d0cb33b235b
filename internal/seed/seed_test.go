package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propledger/propledger/internal/approval"
	"github.com/propledger/propledger/internal/movement"
	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/users"
)

type fakeStores struct {
	nextID      int64
	roles       map[int64]rbac.RoleInput
	perms       map[int64][]rbac.RolePermission
	units       []users.BusinessUnitInput
	users       []users.CreateUserInput
	memberships []users.MembershipInput
	workflows   []approval.WorkflowInput
	properties  []movement.Property
}

func newFakeStores() *fakeStores {
	return &fakeStores{roles: map[int64]rbac.RoleInput{}, perms: map[int64][]rbac.RolePermission{}}
}

func (f *fakeStores) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStores) CreateRole(_ context.Context, _ int64, in rbac.RoleInput) (rbac.Role, error) {
	id := f.id()
	f.roles[id] = in
	return rbac.Role{ID: id, Name: in.Name, Level: in.Level}, nil
}

func (f *fakeStores) SetRolePermissions(_ context.Context, _ int64, roleID int64, perms []rbac.RolePermission) error {
	f.perms[roleID] = perms
	return nil
}

func (f *fakeStores) CreateUser(_ context.Context, in users.CreateUserInput) (users.User, error) {
	f.users = append(f.users, in)
	return users.User{ID: f.id(), Email: in.Email}, nil
}

func (f *fakeStores) CreateBusinessUnit(_ context.Context, in users.BusinessUnitInput) (users.BusinessUnit, error) {
	f.units = append(f.units, in)
	return users.BusinessUnit{ID: f.id(), Code: in.Code}, nil
}

func (f *fakeStores) AssignMember(_ context.Context, _ int64, in users.MembershipInput) (users.Membership, error) {
	f.memberships = append(f.memberships, in)
	return users.Membership{ID: f.id()}, nil
}

func (f *fakeStores) CreateWorkflow(_ context.Context, in approval.WorkflowInput) (approval.Workflow, error) {
	f.workflows = append(f.workflows, in)
	return approval.Workflow{ID: f.id(), EntityType: in.EntityType}, nil
}

func (f *fakeStores) InsertProperty(_ context.Context, p movement.Property) (int64, error) {
	f.properties = append(f.properties, p)
	return f.id(), nil
}

func (f *fakeStores) seeder() Seeder {
	return Seeder{Roles: f, Users: f, Workflows: f, Properties: f}
}

func TestDemoSeedApplies(t *testing.T) {
	fh, err := os.Open(filepath.Join("..", "..", "deploy", "seed", "demo.yaml"))
	require.NoError(t, err)
	defer fh.Close()

	doc, err := Load(fh)
	require.NoError(t, err)

	stores := newFakeStores()
	rep, err := stores.seeder().Apply(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, Report{Roles: 4, Units: 2, Users: 4, Memberships: 6, Workflows: 3, Properties: 3}, rep)

	release := stores.workflows[0]
	assert.Equal(t, approval.EntityPropertyRelease, release.EntityType)
	require.Len(t, release.Steps, 2)
	require.NotNil(t, release.Steps[0].OverrideMinLevel)
	assert.Equal(t, rbac.LevelVicePresident, *release.Steps[0].OverrideMinLevel)
	assert.True(t, release.Steps[0].CanOverride)
	assert.Nil(t, release.Steps[1].OverrideMinLevel)
}

func TestRolePermissionsParseCapabilities(t *testing.T) {
	perms, err := rolePermissions(map[string][]string{"approval_requests": {"read", "APPROVE"}})
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, rbac.ModuleApprovalRequests, perms[0].Module)
	assert.True(t, perms[0].CanRead)
	assert.True(t, perms[0].CanApprove)
	assert.False(t, perms[0].CanCreate)

	_, err = rolePermissions(map[string][]string{"ledgers": {"read"}})
	require.Error(t, err)
	_, err = rolePermissions(map[string][]string{"properties": {"publish"}})
	require.Error(t, err)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(strings.NewReader("roles: []\ncompanies: []\n"))
	require.Error(t, err)

	_, err = Load(strings.NewReader(""))
	require.Error(t, err)
}

func TestApplyRejectsDanglingReferences(t *testing.T) {
	cases := map[string]string{
		"unknown role in membership": `
roles: [{name: Staff, level: 0}]
business_units: [{code: NORTH, name: North}]
users: [{email: a@example.com, password: longenough, memberships: {NORTH: Manager}}]
`,
		"unknown unit in membership": `
roles: [{name: Staff, level: 0}]
users: [{email: a@example.com, password: longenough, memberships: {EAST: Staff}}]
`,
		"unknown role in step": `
workflows: [{name: W, entity_type: PROPERTY_RETURN, steps: [{name: S, role: Ghost, order: 1}]}]
`,
		"unknown entity type": `
workflows: [{name: W, entity_type: CAR_SALE, steps: []}]
`,
		"unknown unit for property": `
properties: [{unit: WEST, code: W-1, title: Lot}]
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			f, err := Load(strings.NewReader(doc))
			require.NoError(t, err)
			_, err = newFakeStores().seeder().Apply(context.Background(), f)
			require.Error(t, err)
		})
	}
}
