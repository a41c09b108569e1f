package gateway

import (
	"context"
	"errors"
	"time"

	"clinicdash.org/internal/audit"
	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/practice"
	"clinicdash.org/internal/redact"
	"clinicdash.org/internal/store"
)

// Entity is a tenant-scoped record the gateway can validate.
type Entity interface {
	store.Record
	Validate() error
}

// Patch is a partial update for T.
type Patch[T any] interface {
	Apply(*T) error
}

// Resource is the scoped CRUD path for one record type. Every call runs the
// clinic validator, then the permission engine, then the store, then the
// audit recorder, and finally the redactor on the way out.
type Resource[T Entity, P Patch[T]] struct {
	g      *Gateway
	kind   authz.Resource
	table  store.Table[T]
	fields map[string]struct{}

	// tenantless marks records whose clinic does not exist before creation.
	tenantless bool
	// prepare assigns server-owned fields before a create.
	prepare func(ac *authz.AuthContext, v *T, now time.Time)
	// touch refreshes server-owned fields before an update.
	touch func(v *T, now time.Time)
	// author returns the provider a record is attributed to.
	author func(v T) string
	// retire turns a delete into a soft delete.
	retire func(v *T, now time.Time)
	// update performs the read-modify-write of Update as one atomic store
	// step. edit receives the row as stored under the lock.
	update func(ctx context.Context, id string, edit func(T) (T, error)) (before, after T, err error)
	// changed runs after any accepted mutation.
	changed func(v T)
}

func newResource[T Entity, P Patch[T]](g *Gateway, kind authz.Resource, table store.Table[T], fields ...string) *Resource[T, P] {
	r := &Resource[T, P]{g: g, kind: kind, table: table, fields: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		r.fields[f] = struct{}{}
	}
	return r
}

// Kind reports the resource name used for permissions and audit.
func (r *Resource[T, P]) Kind() authz.Resource { return r.kind }

// List returns the records visible to ac. A requested clinic outside the
// caller's scope fails with AccessDenied.
func (r *Resource[T, P]) List(ctx context.Context, ac *authz.AuthContext, opts ListOptions) ([]T, error) {
	defer r.g.observe(r.kind, authz.ActionRead, time.Now())
	f, err := r.g.listFilter(ac, r.kind, opts, r.fields)
	if err != nil {
		return nil, err
	}
	rows, err := r.table.List(ctx, f)
	if err != nil {
		return nil, r.g.storeError(r.kind, authz.ActionRead, err)
	}
	out := make([]T, 0, len(rows))
	for _, v := range rows {
		out = append(out, r.out(ac, v, opts.Unmask))
	}
	return out, nil
}

// Get returns one record. A record in a clinic outside the caller's scope, or
// one the caller's role may not read, is reported as NotFound.
func (r *Resource[T, P]) Get(ctx context.Context, ac *authz.AuthContext, id string, opts ...ReadOption) (T, error) {
	defer r.g.observe(r.kind, authz.ActionRead, time.Now())
	var zero T
	v, err := r.load(ctx, ac, id, authz.ActionRead)
	if err != nil {
		return zero, err
	}
	if _, err := r.permit(ac, v.TenantID(), authz.ActionRead); err != nil {
		return zero, authz.ErrNotFound
	}
	return r.out(ac, v, collect(opts).unmask), nil
}

// Create validates and inserts v. Server-owned fields in v are overwritten.
func (r *Resource[T, P]) Create(ctx context.Context, ac *authz.AuthContext, v T) (T, error) {
	defer r.g.observe(r.kind, authz.ActionCreate, time.Now())
	var zero T
	if ac == nil {
		return zero, authz.ErrAccessDenied
	}

	var role authz.Role
	if r.tenantless {
		role = ac.Role()
		if !authz.PermitAction(role, r.kind, authz.ActionCreate) {
			r.g.decision(r.kind, authz.ActionCreate, "forbidden")
			return zero, authz.ErrForbidden
		}
		r.g.decision(r.kind, authz.ActionCreate, "allowed")
	} else {
		clinicID := v.TenantID()
		if clinicID == "" {
			return zero, authz.Invalid("clinic_id", "is required")
		}
		var err error
		if role, err = r.g.authorize(ac, r.kind, authz.ActionCreate, clinicID); err != nil {
			return zero, err
		}
	}

	if r.prepare != nil {
		r.prepare(ac, &v, r.g.now())
	}
	if err := r.authored(ac, role, authz.ActionCreate, v); err != nil {
		return zero, err
	}
	if err := v.Validate(); err != nil {
		return zero, err
	}
	if err := r.table.Insert(ctx, v); err != nil {
		return zero, r.g.storeError(r.kind, authz.ActionCreate, err)
	}

	r.g.record(ctx, ac, audit.Change{
		Table: string(r.kind), RecordID: v.RecordID(), ClinicID: v.TenantID(),
		Action: practice.AuditCreate, After: v,
	})
	if r.changed != nil {
		r.changed(v)
	}
	return r.out(ac, v, false), nil
}

// Update applies patch to the record with id. The owning clinic cannot change.
func (r *Resource[T, P]) Update(ctx context.Context, ac *authz.AuthContext, id string, patch P) (T, error) {
	defer r.g.observe(r.kind, authz.ActionUpdate, time.Now())
	var zero T
	current, err := r.load(ctx, ac, id, authz.ActionUpdate)
	if err != nil {
		return zero, err
	}
	role, err := r.permit(ac, current.TenantID(), authz.ActionUpdate)
	if err != nil {
		return zero, err
	}
	edit := func(stored T) (T, error) { return r.edit(ac, role, stored, patch) }

	var next T
	if r.update != nil {
		if current, next, err = r.update(ctx, id, edit); err != nil {
			return zero, r.g.storeError(r.kind, authz.ActionUpdate, err)
		}
	} else {
		if next, err = edit(current); err != nil {
			return zero, err
		}
		if err := r.table.Update(ctx, next); err != nil {
			return zero, r.g.storeError(r.kind, authz.ActionUpdate, err)
		}
	}

	r.g.record(ctx, ac, audit.Change{
		Table: string(r.kind), RecordID: id, ClinicID: current.TenantID(),
		Action: practice.AuditUpdate, Before: current, After: next,
	})
	if r.changed != nil {
		r.changed(next)
	}
	return r.out(ac, next, false), nil
}

// edit applies patch to current and returns the row to store.
func (r *Resource[T, P]) edit(ac *authz.AuthContext, role authz.Role, current T, patch P) (T, error) {
	var zero T
	if err := r.authored(ac, role, authz.ActionUpdate, current); err != nil {
		return zero, err
	}
	next := current
	if err := patch.Apply(&next); err != nil {
		if !errors.Is(err, authz.ErrValidationFailed) {
			err = authz.Invalid("body", err.Error())
		}
		return zero, err
	}
	if next.TenantID() != current.TenantID() || next.RecordID() != current.RecordID() {
		return zero, authz.Invalid("clinic_id", "cannot be changed")
	}
	if err := r.authored(ac, role, authz.ActionUpdate, next); err != nil {
		return zero, err
	}
	if r.touch != nil {
		r.touch(&next, r.g.now())
	}
	return next, nil
}

// Delete removes the record with id, or retires it for soft-deleted types.
func (r *Resource[T, P]) Delete(ctx context.Context, ac *authz.AuthContext, id string) error {
	defer r.g.observe(r.kind, authz.ActionDelete, time.Now())
	current, err := r.load(ctx, ac, id, authz.ActionDelete)
	if err != nil {
		return err
	}
	role, err := r.permit(ac, current.TenantID(), authz.ActionDelete)
	if err != nil {
		return err
	}
	if err := r.authored(ac, role, authz.ActionDelete, current); err != nil {
		return err
	}

	ch := audit.Change{
		Table: string(r.kind), RecordID: id, ClinicID: current.TenantID(),
		Action: practice.AuditDelete, Before: current,
	}
	after := current
	if r.retire != nil {
		r.retire(&after, r.g.now())
		if err := r.table.Update(ctx, after); err != nil {
			return r.g.storeError(r.kind, authz.ActionDelete, err)
		}
		ch.After = after
	} else if err := r.table.Delete(ctx, id); err != nil {
		return r.g.storeError(r.kind, authz.ActionDelete, err)
	}

	r.g.record(ctx, ac, ch)
	if r.changed != nil {
		r.changed(after)
	}
	return nil
}

// load fetches id and hides it unless ac can reach its clinic.
func (r *Resource[T, P]) load(ctx context.Context, ac *authz.AuthContext, id string, act authz.Action) (T, error) {
	var zero T
	if ac == nil {
		return zero, authz.ErrAccessDenied
	}
	if id == "" {
		return zero, authz.ErrNotFound
	}
	v, err := r.table.Get(ctx, id)
	if err != nil {
		return zero, r.g.storeError(r.kind, act, err)
	}
	if !authz.HasAccess(ac, v.TenantID()) {
		r.g.decision(r.kind, act, "not_found")
		return zero, authz.ErrNotFound
	}
	return v, nil
}

func (r *Resource[T, P]) permit(ac *authz.AuthContext, clinicID string, act authz.Action) (authz.Role, error) {
	role, _ := ac.RoleIn(clinicID)
	if !authz.PermitAction(role, r.kind, act) {
		r.g.decision(r.kind, act, "forbidden")
		return role, authz.ErrForbidden
	}
	r.g.decision(r.kind, act, "allowed")
	return role, nil
}

func (r *Resource[T, P]) authored(ac *authz.AuthContext, role authz.Role, act authz.Action, v T) error {
	if r.author == nil {
		return nil
	}
	if !authz.Authored(role, r.kind, ac.SubjectID(), r.author(v)) {
		r.g.decision(r.kind, act, "forbidden")
		return authz.ErrForbidden
	}
	return nil
}

func (r *Resource[T, P]) out(ac *authz.AuthContext, v T, unmask bool) T {
	if redact.Reveal(ac, v.TenantID(), unmask) {
		return v
	}
	return redact.Value(v)
}
