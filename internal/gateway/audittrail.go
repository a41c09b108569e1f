package gateway

import (
	"context"
	"errors"
	"time"

	"clinicdash.org/internal/audit"
	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/practice"
	"clinicdash.org/internal/redact"
)

// AuditTrail exposes audit records to clinic administrators. Records are
// append-only: amendments and removals are reserved for the system context and
// are themselves audited.
type AuditTrail struct {
	g *Gateway
}

var auditFields = map[string]struct{}{
	"target_table": {}, "record_id": {}, "action": {}, "subject_id": {},
}

// List returns audit records from clinics where ac may read the trail.
func (a *AuditTrail) List(ctx context.Context, ac *authz.AuthContext, opts ListOptions) ([]practice.AuditRecord, error) {
	g := a.g
	defer g.observe(authz.ResourceAudit, authz.ActionRead, time.Now())
	f, err := g.listFilter(ac, authz.ResourceAudit, opts, auditFields)
	if err != nil {
		return nil, err
	}
	rows, err := g.store.Audit().List(ctx, f)
	if err != nil {
		return nil, g.storeError(authz.ResourceAudit, authz.ActionRead, err)
	}
	for i := range rows {
		if rows[i], err = scrubRecord(rows[i]); err != nil {
			return nil, g.storeError(authz.ResourceAudit, authz.ActionRead, err)
		}
	}
	return rows, nil
}

// Get returns one audit record.
func (a *AuditTrail) Get(ctx context.Context, ac *authz.AuthContext, id string) (practice.AuditRecord, error) {
	defer a.g.observe(authz.ResourceAudit, authz.ActionRead, time.Now())
	rec, _, err := a.load(ctx, ac, id, authz.ActionRead)
	return rec, err
}

// Amend attaches an annotation to an audit record.
func (a *AuditTrail) Amend(ctx context.Context, ac *authz.AuthContext, id string, patch practice.AuditPatch) (practice.AuditRecord, error) {
	g := a.g
	defer g.observe(authz.ResourceAudit, authz.ActionUpdate, time.Now())
	current, role, err := a.load(ctx, ac, id, authz.ActionUpdate)
	if err != nil {
		return practice.AuditRecord{}, err
	}
	next := current
	if err := patch.Apply(&next); err != nil {
		return practice.AuditRecord{}, err
	}
	if err := g.store.Audit().Amend(ctx, role, next); err != nil {
		return practice.AuditRecord{}, g.storeError(authz.ResourceAudit, authz.ActionUpdate, err)
	}
	g.record(ctx, ac, audit.Change{
		Table: string(authz.ResourceAudit), RecordID: id, ClinicID: current.ClinicID,
		Action: practice.AuditUpdate, Before: current, After: next,
	})
	return next, nil
}

// Remove deletes an audit record.
func (a *AuditTrail) Remove(ctx context.Context, ac *authz.AuthContext, id string) error {
	g := a.g
	defer g.observe(authz.ResourceAudit, authz.ActionDelete, time.Now())
	current, role, err := a.load(ctx, ac, id, authz.ActionDelete)
	if err != nil {
		return err
	}
	if err := g.store.Audit().Remove(ctx, role, id); err != nil {
		return g.storeError(authz.ResourceAudit, authz.ActionDelete, err)
	}
	g.record(ctx, ac, audit.Change{
		Table: string(authz.ResourceAudit), RecordID: id, ClinicID: current.ClinicID,
		Action: practice.AuditDelete, Before: current,
	})
	return nil
}

func (a *AuditTrail) load(ctx context.Context, ac *authz.AuthContext, id string, act authz.Action) (practice.AuditRecord, authz.Role, error) {
	g := a.g
	if ac == nil {
		return practice.AuditRecord{}, "", authz.ErrAccessDenied
	}
	rec, err := g.store.Audit().Get(ctx, id)
	if err != nil {
		return practice.AuditRecord{}, "", g.storeError(authz.ResourceAudit, act, err)
	}
	if !authz.HasAccess(ac, rec.ClinicID) {
		g.decision(authz.ResourceAudit, act, "not_found")
		return practice.AuditRecord{}, "", authz.ErrNotFound
	}
	role, err := g.authorize(ac, authz.ResourceAudit, act, rec.ClinicID)
	if err != nil {
		if act == authz.ActionRead && errors.Is(err, authz.ErrForbidden) {
			return practice.AuditRecord{}, role, authz.ErrNotFound
		}
		return practice.AuditRecord{}, role, err
	}
	if rec, err = scrubRecord(rec); err != nil {
		return practice.AuditRecord{}, role, g.storeError(authz.ResourceAudit, act, err)
	}
	return rec, role, nil
}

// scrubRecord masks secrets in the snapshots. Rows written before snapshot
// redaction may still carry them.
func scrubRecord(rec practice.AuditRecord) (practice.AuditRecord, error) {
	var err error
	if rec.Before, err = redact.Raw(rec.Before); err != nil {
		return rec, err
	}
	if rec.After, err = redact.Raw(rec.After); err != nil {
		return rec, err
	}
	return rec, nil
}
