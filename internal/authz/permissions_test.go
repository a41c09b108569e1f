package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowedIsTotal(t *testing.T) {
	expected := map[Role][]Operation{
		RoleViewer:      {OpRead},
		RoleStaff:       {OpRead, OpCreateRecord, OpUpdateRecord},
		RoleProvider:    {OpRead, OpCreateRecord, OpUpdateRecord},
		RoleClinicAdmin: Operations(),
		RoleSystem:      Operations(),
	}
	for _, role := range Roles() {
		granted := make(map[Operation]bool)
		for _, op := range expected[role] {
			granted[op] = true
		}
		for _, op := range Operations() {
			assert.Equalf(t, granted[op], Allowed(role, op), "role=%s op=%s", role, op)
		}
	}
}

func TestAllowedUnknownRoleDenies(t *testing.T) {
	for _, op := range Operations() {
		assert.False(t, Allowed(Role("owner"), op))
		assert.False(t, Allowed("", op))
	}
	assert.False(t, Allowed(RoleSystem, Operation("drop")))
}

func TestCredentialSecretOnlyForAdminAndSystem(t *testing.T) {
	for _, role := range Roles() {
		want := role == RoleClinicAdmin || role == RoleSystem
		assert.Equal(t, want, Permit(role, ResourceCredentials, OpViewCredentialSecret), role)
	}
}

func TestOperationFor(t *testing.T) {
	cases := []struct {
		res  Resource
		act  Action
		want Operation
	}{
		{ResourceMetrics, ActionRead, OpRead},
		{ResourceMetrics, ActionCreate, OpCreateRecord},
		{ResourceGoals, ActionUpdate, OpUpdateRecord},
		{ResourceGoals, ActionDelete, OpDeleteRecord},
		{ResourceMemberships, ActionCreate, OpManageMembership},
		{ResourceUsers, ActionDelete, OpManageMembership},
		{ResourceCredentials, ActionUpdate, OpManageClinicSettings},
		{ResourceClinics, ActionUpdate, OpManageClinicSettings},
		{ResourceClinics, ActionCreate, OpCreateRecord},
		{ResourceAudit, ActionUpdate, OpUpdateRecord},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, OperationFor(tc.res, tc.act), "%s/%s", tc.res, tc.act)
	}
}

func TestPermitActionResourceRules(t *testing.T) {
	t.Run("staff writes metrics but not goals", func(t *testing.T) {
		assert.True(t, PermitAction(RoleStaff, ResourceMetrics, ActionCreate))
		assert.False(t, PermitAction(RoleStaff, ResourceGoals, ActionCreate))
		assert.False(t, PermitAction(RoleStaff, ResourceGoals, ActionUpdate))
		assert.True(t, PermitAction(RoleProvider, ResourceGoals, ActionCreate))
	})

	t.Run("clinic lifecycle is system only", func(t *testing.T) {
		assert.False(t, PermitAction(RoleClinicAdmin, ResourceClinics, ActionCreate))
		assert.False(t, PermitAction(RoleClinicAdmin, ResourceClinics, ActionDelete))
		assert.True(t, PermitAction(RoleClinicAdmin, ResourceClinics, ActionUpdate))
		assert.True(t, PermitAction(RoleSystem, ResourceClinics, ActionCreate))
	})

	t.Run("memberships need manageMembership", func(t *testing.T) {
		assert.False(t, PermitAction(RoleProvider, ResourceMemberships, ActionCreate))
		assert.True(t, PermitAction(RoleClinicAdmin, ResourceMemberships, ActionCreate))
		assert.True(t, PermitAction(RoleViewer, ResourceMemberships, ActionRead))
	})

	t.Run("audit records", func(t *testing.T) {
		assert.False(t, PermitAction(RoleStaff, ResourceAudit, ActionRead))
		assert.True(t, PermitAction(RoleClinicAdmin, ResourceAudit, ActionRead))
		assert.False(t, PermitAction(RoleClinicAdmin, ResourceAudit, ActionUpdate))
		assert.False(t, PermitAction(RoleClinicAdmin, ResourceAudit, ActionDelete))
		assert.True(t, PermitAction(RoleSystem, ResourceAudit, ActionUpdate))
	})

	t.Run("viewer never writes", func(t *testing.T) {
		for _, res := range []Resource{ResourceClinics, ResourceUsers, ResourceMemberships, ResourceMetrics, ResourceGoals, ResourceGoalProgress, ResourceCredentials, ResourceAudit} {
			for _, act := range []Action{ActionCreate, ActionUpdate, ActionDelete} {
				assert.Falsef(t, PermitAction(RoleViewer, res, act), "%s/%s", res, act)
			}
		}
	})
}

func TestAuthored(t *testing.T) {
	assert.True(t, Authored(RoleProvider, ResourceGoals, "p1", "p1"))
	assert.False(t, Authored(RoleProvider, ResourceGoals, "p1", "p2"))
	assert.False(t, Authored(RoleProvider, ResourceMetrics, "p1", ""))
	assert.True(t, Authored(RoleProvider, ResourceCredentials, "p1", ""))
	assert.True(t, Authored(RoleStaff, ResourceMetrics, "s1", "p2"))
	assert.True(t, Authored(RoleClinicAdmin, ResourceGoals, "a1", "p2"))
}
