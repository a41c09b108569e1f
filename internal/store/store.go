package store

import (
	"context"
	"errors"

	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/practice"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrConflict  = errors.New("store: conflict")
	ErrImmutable = errors.New("store: audit record is immutable")
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Record is any row the store can hold. TenantID is the owning clinic.
type Record interface {
	RecordID() string
	TenantID() string
	Field(name string) (string, bool)
}

// Filter bounds a list query. Callers build ClinicIDs from an authz.ClinicFilter;
// AllClinics must only be set for unrestricted filters.
type Filter struct {
	ClinicIDs  []string
	AllClinics bool
	Fields     map[string]string
	Limit      int
	Offset     int
}

// FromClinicFilter converts a validated clinic filter.
func FromClinicFilter(f authz.ClinicFilter) Filter {
	return Filter{ClinicIDs: f.ClinicIDs(), AllClinics: f.Unrestricted()}
}

// Normalized applies the default and maximum page size.
func (f Filter) Normalized() Filter {
	if f.Limit <= 0 || f.Limit > MaxLimit {
		f.Limit = DefaultLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func (f Filter) allowsClinic(id string) bool {
	if f.AllClinics {
		return true
	}
	for _, c := range f.ClinicIDs {
		if c == id {
			return true
		}
	}
	return false
}

func (f Filter) matches(r Record) bool {
	if !f.allowsClinic(r.TenantID()) {
		return false
	}
	for k, want := range f.Fields {
		got, ok := r.Field(k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Table is the generic CRUD surface for one record type.
type Table[T Record] interface {
	List(ctx context.Context, f Filter) ([]T, error)
	Get(ctx context.Context, id string) (T, error)
	Insert(ctx context.Context, v T) error
	Update(ctx context.Context, v T) error
	Delete(ctx context.Context, id string) error
}

// MembershipTable adds the resolver lookup to the membership table.
type MembershipTable interface {
	Table[authz.Membership]
	ActiveMemberships(ctx context.Context, subjectID string) ([]authz.Membership, error)
}

// AuditLog is append-only for everyone but the system role.
type AuditLog interface {
	Append(ctx context.Context, rec practice.AuditRecord) error
	List(ctx context.Context, f Filter) ([]practice.AuditRecord, error)
	Get(ctx context.Context, id string) (practice.AuditRecord, error)
	Amend(ctx context.Context, actor authz.Role, rec practice.AuditRecord) error
	Remove(ctx context.Context, actor authz.Role, id string) error
}

// ReactFunc recomputes a goal from its ordered progress entries.
type ReactFunc func(goal practice.Goal, entries []practice.ProgressEntry) (practice.Goal, error)

// Store groups every table behind one backend.
type Store interface {
	Clinics() Table[practice.Clinic]
	Users() Table[practice.User]
	Memberships() MembershipTable
	Metrics() Table[practice.Metric]
	Goals() Table[practice.Goal]
	Progress() Table[practice.ProgressEntry]
	Credentials() Table[practice.Credential]
	Audit() AuditLog

	// ReactGoal locks goalID, inserts entry when non-nil, and stores the goal
	// returned by react, all atomically. It returns the goal before and after.
	ReactGoal(ctx context.Context, goalID string, entry *practice.ProgressEntry, react ReactFunc) (before, after practice.Goal, err error)
}
