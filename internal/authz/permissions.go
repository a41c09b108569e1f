package authz

// Role is the per-clinic role a subject holds.
type Role string

const (
	RoleViewer      Role = "viewer"
	RoleStaff       Role = "staff"
	RoleProvider    Role = "provider"
	RoleClinicAdmin Role = "clinic_admin"
	RoleSystem      Role = "system"
)

// Roles lists every known role in increasing privilege.
func Roles() []Role {
	return []Role{RoleViewer, RoleStaff, RoleProvider, RoleClinicAdmin, RoleSystem}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleStaff, RoleProvider, RoleClinicAdmin, RoleSystem:
		return true
	}
	return false
}

// Operation is the kind of work a call performs.
type Operation string

const (
	OpRead                 Operation = "read"
	OpCreateRecord         Operation = "createRecord"
	OpUpdateRecord         Operation = "updateRecord"
	OpDeleteRecord         Operation = "deleteRecord"
	OpManageMembership     Operation = "manageMembership"
	OpManageClinicSettings Operation = "manageClinicSettings"
	OpViewCredentialSecret Operation = "viewCredentialSecret"
)

// Operations lists every operation kind.
func Operations() []Operation {
	return []Operation{
		OpRead, OpCreateRecord, OpUpdateRecord, OpDeleteRecord,
		OpManageMembership, OpManageClinicSettings, OpViewCredentialSecret,
	}
}

// Resource names a tenant-scoped resource family.
type Resource string

const (
	ResourceClinics      Resource = "clinics"
	ResourceUsers        Resource = "users"
	ResourceMemberships  Resource = "memberships"
	ResourceMetrics      Resource = "metrics"
	ResourceGoals        Resource = "goals"
	ResourceGoalProgress Resource = "goal_progress"
	ResourceCredentials  Resource = "credentials"
	ResourceAudit        Resource = "audit_records"
)

// Action is a gateway verb.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

var staffOps = []Operation{OpRead, OpCreateRecord, OpUpdateRecord}

var rolePermissions = map[Role]map[Operation]bool{
	RoleViewer:   set(OpRead),
	RoleStaff:    set(staffOps...),
	RoleProvider: set(staffOps...),
	RoleClinicAdmin: set(
		OpRead, OpCreateRecord, OpUpdateRecord, OpDeleteRecord,
		OpManageMembership, OpManageClinicSettings, OpViewCredentialSecret,
	),
	RoleSystem: set(Operations()...),
}

func set(ops ...Operation) map[Operation]bool {
	m := make(map[Operation]bool, len(ops))
	for _, op := range ops {
		m[op] = true
	}
	return m
}

// Allowed is the base (role, operation) table. Unknown roles and operations deny.
func Allowed(role Role, op Operation) bool {
	return rolePermissions[role][op]
}

// OperationFor maps a gateway action on a resource to the operation kind checked
// against the table.
func OperationFor(res Resource, act Action) Operation {
	if act == ActionRead {
		return OpRead
	}
	switch res {
	case ResourceUsers, ResourceMemberships:
		return OpManageMembership
	case ResourceCredentials:
		return OpManageClinicSettings
	case ResourceClinics:
		if act == ActionUpdate {
			return OpManageClinicSettings
		}
	}
	switch act {
	case ActionCreate:
		return OpCreateRecord
	case ActionUpdate:
		return OpUpdateRecord
	default:
		return OpDeleteRecord
	}
}

// Permit refines Allowed with resource-specific rules.
func Permit(role Role, res Resource, op Operation) bool {
	if !Allowed(role, op) {
		return false
	}
	switch res {
	case ResourceClinics:
		if op == OpCreateRecord || op == OpDeleteRecord {
			return role == RoleSystem
		}
	case ResourceGoals:
		if role == RoleStaff && (op == OpCreateRecord || op == OpUpdateRecord) {
			return false
		}
	case ResourceAudit:
		switch op {
		case OpRead:
			return role == RoleClinicAdmin || role == RoleSystem
		default:
			return role == RoleSystem
		}
	}
	return true
}

// PermitAction is Permit applied to OperationFor(res, act).
func PermitAction(role Role, res Resource, act Action) bool {
	return Permit(role, res, OperationFor(res, act))
}

// Authored reports whether a provider-attributed record may be written by role
// acting as subject. Providers may only author their own goals and metrics.
func Authored(role Role, res Resource, subjectID, providerID string) bool {
	if role != RoleProvider {
		return true
	}
	if res != ResourceGoals && res != ResourceMetrics {
		return true
	}
	return providerID != "" && providerID == subjectID
}
