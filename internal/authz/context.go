package authz

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// SystemSubject is the subject id carried by service contexts.
const SystemSubject = "system"

// Scope is the set of clinics a context may act on. The zero value is empty;
// AllClinics is the only unrestricted variant.
type Scope struct {
	all     bool
	clinics map[string]struct{}
}

// AllClinics returns the unrestricted scope reserved for service contexts.
func AllClinics() Scope { return Scope{all: true} }

// ClinicScope returns a scope bounded to the given clinics.
func ClinicScope(clinicIDs ...string) Scope {
	s := Scope{clinics: make(map[string]struct{}, len(clinicIDs))}
	for _, id := range clinicIDs {
		if id = strings.TrimSpace(id); id != "" {
			s.clinics[id] = struct{}{}
		}
	}
	return s
}

// All reports whether the scope is unrestricted.
func (s Scope) All() bool { return s.all }

// Contains reports whether clinicID is in scope.
func (s Scope) Contains(clinicID string) bool {
	if s.all {
		return true
	}
	_, ok := s.clinics[clinicID]
	return ok
}

// Empty reports whether a bounded scope holds no clinics.
func (s Scope) Empty() bool { return !s.all && len(s.clinics) == 0 }

// Clinics returns the bounded clinic ids in sorted order; nil for AllClinics.
func (s Scope) Clinics() []string {
	if s.all {
		return nil
	}
	out := make([]string, 0, len(s.clinics))
	for id := range s.clinics {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// AuthContext is the resolved, per-call bundle of identity and clinic-access
// facts. It is immutable once built.
type AuthContext struct {
	subjectID      string
	externalID     string
	scope          Scope
	activeClinicID string
	roles          map[string]Role
}

// NewAuthContext builds a clinic-scoped context from active memberships.
// activeClinicID must be one of the memberships' clinics.
func NewAuthContext(subjectID, externalID string, memberships []Membership, activeClinicID string) (*AuthContext, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" || subjectID == SystemSubject {
		return nil, ErrAccessDenied
	}
	roles := make(map[string]Role, len(memberships))
	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		if !m.Active || m.SubjectID != subjectID {
			continue
		}
		if m.Role == RoleSystem || !m.Role.Valid() {
			return nil, errors.New("membership carries an invalid role")
		}
		roles[m.ClinicID] = m.Role
		ids = append(ids, m.ClinicID)
	}
	scope := ClinicScope(ids...)
	if scope.Empty() {
		return nil, ErrAccessDenied
	}
	if activeClinicID != "" && !scope.Contains(activeClinicID) {
		return nil, ErrAccessDenied
	}
	return &AuthContext{
		subjectID:      subjectID,
		externalID:     externalID,
		scope:          scope,
		activeClinicID: activeClinicID,
		roles:          roles,
	}, nil
}

// NewServiceContext builds the all-clinics system context.
func NewServiceContext(externalID string) *AuthContext {
	return &AuthContext{
		subjectID:  SystemSubject,
		externalID: externalID,
		scope:      AllClinics(),
	}
}

func (c *AuthContext) SubjectID() string      { return c.subjectID }
func (c *AuthContext) ExternalID() string     { return c.externalID }
func (c *AuthContext) Scope() Scope           { return c.scope }
func (c *AuthContext) ActiveClinicID() string { return c.activeClinicID }

// IsSystem reports whether this is a service context.
func (c *AuthContext) IsSystem() bool { return c != nil && c.scope.all }

// Role returns the role held in the active clinic.
func (c *AuthContext) Role() Role {
	role, _ := c.RoleIn(c.activeClinicID)
	return role
}

// RoleIn returns the role held in clinicID. Service contexts hold system
// everywhere.
func (c *AuthContext) RoleIn(clinicID string) (Role, bool) {
	if c == nil {
		return "", false
	}
	if c.scope.all {
		return RoleSystem, true
	}
	role, ok := c.roles[clinicID]
	return role, ok
}

type authContextKey struct{}

// WithAuthContext attaches ac to ctx for transport layers that hand it to the
// gateway explicitly.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// FromContext extracts an AuthContext previously attached with WithAuthContext.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	if ctx == nil {
		return nil, false
	}
	ac, ok := ctx.Value(authContextKey{}).(*AuthContext)
	if !ok || ac == nil {
		return nil, false
	}
	return ac, true
}
