package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/practice"
	"clinicdash.org/internal/store"
)

// auditLog relies on the audit_records_guard trigger: updates and deletes are
// rejected with SQLSTATE 42501 unless the transaction set
// clinicdash.actor_role to system.
type auditLog struct {
	db *sql.DB
}

func auditCodec() codec[practice.AuditRecord] {
	return codec[practice.AuditRecord]{
		name: "audit_records",
		columns: []string{
			"id", "clinic_id", "target_table", "record_id", "action", "subject_id", "external_id",
			"before", "after", "request_id", "annotation", "occurred_at",
		},
		tenant: "clinic_id",
		fields: map[string]string{
			"target_table": "target_table", "record_id": "record_id",
			"action": "action", "subject_id": "subject_id",
		},
		order: "occurred_at, id",
		scan: func(s scanner) (practice.AuditRecord, error) {
			var (
				a             practice.AuditRecord
				action        string
				before, after []byte
			)
			err := s.Scan(&a.ID, &a.ClinicID, &a.TargetTable, &a.TargetID, &action, &a.SubjectID, &a.ExternalID,
				&before, &after, &a.RequestID, &a.Annotation, &a.OccurredAt)
			a.Action = practice.AuditAction(action)
			if len(before) > 0 {
				a.Before = json.RawMessage(before)
			}
			if len(after) > 0 {
				a.After = json.RawMessage(after)
			}
			a.OccurredAt = a.OccurredAt.UTC()
			return a, err
		},
		values: func(a practice.AuditRecord) ([]any, error) {
			return []any{
				a.ID, a.ClinicID, a.TargetTable, a.TargetID, string(a.Action), a.SubjectID, a.ExternalID,
				nullJSON(a.Before), nullJSON(a.After), a.RequestID, a.Annotation, a.OccurredAt,
			}, nil
		},
	}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (a *auditLog) table() *table[practice.AuditRecord] {
	return newTable(a.db, auditCodec())
}

func (a *auditLog) Append(ctx context.Context, rec practice.AuditRecord) error {
	return a.table().Insert(ctx, rec)
}

func (a *auditLog) List(ctx context.Context, f store.Filter) ([]practice.AuditRecord, error) {
	return a.table().List(ctx, f)
}

func (a *auditLog) Get(ctx context.Context, id string) (practice.AuditRecord, error) {
	return a.table().Get(ctx, id)
}

// Amend updates the annotation. The trigger decides whether actor may.
func (a *auditLog) Amend(ctx context.Context, actor authz.Role, rec practice.AuditRecord) error {
	return a.asActor(ctx, actor, `update audit_records set annotation = $2 where id = $1`, rec.ID, rec.Annotation)
}

func (a *auditLog) Remove(ctx context.Context, actor authz.Role, id string) error {
	return a.asActor(ctx, actor, `delete from audit_records where id = $1`, id)
}

func (a *auditLog) asActor(ctx context.Context, actor authz.Role, query string, args ...any) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select set_config('clinicdash.actor_role', $1, true)`, string(actor)); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return tx.Commit()
}
