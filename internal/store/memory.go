package store

import (
	"context"
	"sort"
	"sync"

	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/practice"
)

// Memory is an in-process Store. A single lock guards every table so that
// ReactGoal is atomic across the goal and progress tables.
type Memory struct {
	mu sync.RWMutex

	clinics     *memTable[practice.Clinic]
	users       *memTable[practice.User]
	memberships *memMemberships
	metrics     *memTable[practice.Metric]
	goals       *memTable[practice.Goal]
	progress    *memTable[practice.ProgressEntry]
	credentials *memTable[practice.Credential]
	audit       *memAudit
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	m := &Memory{}
	m.clinics = newMemTable[practice.Clinic](&m.mu, nil)
	m.users = newMemTable[practice.User](&m.mu, nil)
	m.memberships = &memMemberships{memTable: newMemTable[authz.Membership](&m.mu, uniqueActiveMembership)}
	m.metrics = newMemTable[practice.Metric](&m.mu, nil)
	m.goals = newMemTable[practice.Goal](&m.mu, nil)
	m.progress = newMemTable[practice.ProgressEntry](&m.mu, nil)
	m.credentials = newMemTable[practice.Credential](&m.mu, nil)
	m.audit = &memAudit{table: newMemTable[practice.AuditRecord](&m.mu, nil)}
	return m
}

func (m *Memory) Clinics() Table[practice.Clinic]         { return m.clinics }
func (m *Memory) Users() Table[practice.User]             { return m.users }
func (m *Memory) Memberships() MembershipTable            { return m.memberships }
func (m *Memory) Metrics() Table[practice.Metric]         { return m.metrics }
func (m *Memory) Goals() Table[practice.Goal]             { return m.goals }
func (m *Memory) Progress() Table[practice.ProgressEntry] { return m.progress }
func (m *Memory) Credentials() Table[practice.Credential] { return m.credentials }
func (m *Memory) Audit() AuditLog                         { return m.audit }

func (m *Memory) ReactGoal(ctx context.Context, goalID string, entry *practice.ProgressEntry, react ReactFunc) (practice.Goal, practice.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before, ok := m.goals.rows[goalID]
	if !ok {
		return practice.Goal{}, practice.Goal{}, ErrNotFound
	}
	if entry != nil {
		if _, dup := m.progress.rows[entry.ID]; dup {
			return practice.Goal{}, practice.Goal{}, ErrConflict
		}
	}

	var entries []practice.ProgressEntry
	for _, id := range m.progress.order {
		if p := m.progress.rows[id]; p.GoalID == goalID {
			entries = append(entries, p)
		}
	}
	if entry != nil {
		entries = append(entries, *entry)
	}
	SortEntries(entries)

	after, err := react(before, entries)
	if err != nil {
		return practice.Goal{}, practice.Goal{}, err
	}
	after.ID = before.ID
	after.ClinicID = before.ClinicID

	if entry != nil {
		m.progress.put(*entry)
	}
	m.goals.rows[goalID] = after
	return before, after, nil
}

// SortEntries orders progress by entry date, then creation time.
func SortEntries(entries []practice.ProgressEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.EntryDate.Equal(b.EntryDate) {
			return a.EntryDate.Before(b.EntryDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

type memTable[T Record] struct {
	mu     *sync.RWMutex
	rows   map[string]T
	order  []string
	unique func(rows map[string]T, v T) error
}

func newMemTable[T Record](mu *sync.RWMutex, unique func(map[string]T, T) error) *memTable[T] {
	return &memTable[T]{mu: mu, rows: make(map[string]T), unique: unique}
}

func (t *memTable[T]) put(v T) {
	if _, ok := t.rows[v.RecordID()]; !ok {
		t.order = append(t.order, v.RecordID())
	}
	t.rows[v.RecordID()] = v
}

func (t *memTable[T]) List(_ context.Context, f Filter) ([]T, error) {
	f = f.Normalized()
	t.mu.RLock()
	defer t.mu.RUnlock()
	var (
		out     []T
		skipped int
	)
	for _, id := range t.order {
		v := t.rows[id]
		if !f.matches(v) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, v)
		if len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (t *memTable[T]) Get(_ context.Context, id string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.rows[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return v, nil
}

func (t *memTable[T]) Insert(_ context.Context, v T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[v.RecordID()]; ok {
		return ErrConflict
	}
	if t.unique != nil {
		if err := t.unique(t.rows, v); err != nil {
			return err
		}
	}
	t.put(v)
	return nil
}

func (t *memTable[T]) Update(_ context.Context, v T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.rows[v.RecordID()]
	if !ok {
		return ErrNotFound
	}
	if current.TenantID() != v.TenantID() {
		return ErrConflict
	}
	if t.unique != nil {
		if err := t.unique(t.rows, v); err != nil {
			return err
		}
	}
	t.rows[v.RecordID()] = v
	return nil
}

func (t *memTable[T]) Delete(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[id]; !ok {
		return ErrNotFound
	}
	delete(t.rows, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

func uniqueActiveMembership(rows map[string]authz.Membership, v authz.Membership) error {
	if !v.Active {
		return nil
	}
	for id, m := range rows {
		if id != v.ID && m.Active && m.SubjectID == v.SubjectID && m.ClinicID == v.ClinicID {
			return ErrConflict
		}
	}
	return nil
}

type memMemberships struct {
	*memTable[authz.Membership]
}

func (t *memMemberships) ActiveMemberships(_ context.Context, subjectID string) ([]authz.Membership, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []authz.Membership
	for _, id := range t.order {
		if m := t.rows[id]; m.Active && m.SubjectID == subjectID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memAudit struct {
	table *memTable[practice.AuditRecord]
}

func (a *memAudit) Append(ctx context.Context, rec practice.AuditRecord) error {
	return a.table.Insert(ctx, rec)
}

func (a *memAudit) List(ctx context.Context, f Filter) ([]practice.AuditRecord, error) {
	return a.table.List(ctx, f)
}

func (a *memAudit) Get(ctx context.Context, id string) (practice.AuditRecord, error) {
	return a.table.Get(ctx, id)
}

func (a *memAudit) Amend(ctx context.Context, actor authz.Role, rec practice.AuditRecord) error {
	if actor != authz.RoleSystem {
		return ErrImmutable
	}
	return a.table.Update(ctx, rec)
}

func (a *memAudit) Remove(ctx context.Context, actor authz.Role, id string) error {
	if actor != authz.RoleSystem {
		return ErrImmutable
	}
	return a.table.Delete(ctx, id)
}
