package authz

import (
	"strings"
	"time"
)

// Membership binds a subject to a clinic with a role.
type Membership struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	ClinicID  string    `json:"clinic_id"`
	Role      Role      `json:"role"`
	Active    bool      `json:"active"`
	GrantedBy string    `json:"granted_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m Membership) RecordID() string { return m.ID }
func (m Membership) TenantID() string { return m.ClinicID }

func (m Membership) Field(name string) (string, bool) {
	switch name {
	case "subject_id":
		return m.SubjectID, true
	case "role":
		return string(m.Role), true
	case "active":
		if m.Active {
			return "true", true
		}
		return "false", true
	}
	return "", false
}

// Validate checks a membership before it is persisted.
func (m Membership) Validate() error {
	var ve ValidationError
	if strings.TrimSpace(m.SubjectID) == "" {
		ve.Add("subject_id", "is required")
	}
	if strings.TrimSpace(m.ClinicID) == "" {
		ve.Add("clinic_id", "is required")
	}
	switch {
	case m.Role == RoleSystem:
		ve.Add("role", "cannot be granted through a membership")
	case !m.Role.Valid():
		ve.Add("role", "is not a known role")
	}
	return ve.Err()
}

// MembershipPatch updates a membership's role or active flag.
type MembershipPatch struct {
	ClinicID *string `json:"clinic_id,omitempty"`
	Role     *Role   `json:"role,omitempty"`
	Active   *bool   `json:"active,omitempty"`
}

// Apply mutates m in place. The clinic binding cannot change.
func (p MembershipPatch) Apply(m *Membership) error {
	if p.ClinicID != nil && *p.ClinicID != m.ClinicID {
		return Invalid("clinic_id", "cannot be changed")
	}
	if p.Role != nil {
		m.Role = *p.Role
	}
	if p.Active != nil {
		m.Active = *p.Active
	}
	return m.Validate()
}
