package pg

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"clinicdash.org/internal/store"
)

type scanner interface {
	Scan(dest ...any) error
}

// codec maps one record type onto its table. columns[0] is always the id.
type codec[T store.Record] struct {
	name    string
	columns []string
	// tenant is the clinic column, "id" for the clinics table itself.
	tenant string
	// fields maps filterable names onto columns.
	fields map[string]string
	order  string
	scan   func(scanner) (T, error)
	values func(T) ([]any, error)
}

func (c codec[T]) selectList() string { return strings.Join(c.columns, ", ") }

type table[T store.Record] struct {
	db *sql.DB
	c  codec[T]
}

func newTable[T store.Record](db *sql.DB, c codec[T]) *table[T] {
	if c.order == "" {
		c.order = "id"
	}
	return &table[T]{db: db, c: c}
}

// listQuery renders the bounded select for f. An empty clinic set yields no
// query at all.
func (c codec[T]) listQuery(f store.Filter) (string, []any, bool, error) {
	f = f.Normalized()
	var (
		where []string
		args  []any
	)
	if !f.AllClinics {
		if len(f.ClinicIDs) == 0 {
			return "", nil, false, nil
		}
		ph := make([]string, len(f.ClinicIDs))
		for i, id := range f.ClinicIDs {
			args = append(args, id)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, fmt.Sprintf("%s in (%s)", c.tenant, strings.Join(ph, ", ")))
	}
	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		col, ok := c.fields[k]
		if !ok {
			return "", nil, false, fmt.Errorf("%s: unknown filter field %q", c.name, k)
		}
		args = append(args, f.Fields[k])
		where = append(where, fmt.Sprintf("%s::text = $%d", col, len(args)))
	}

	q := "select " + c.selectList() + " from " + c.name
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	args = append(args, f.Limit, f.Offset)
	q += fmt.Sprintf(" order by %s limit $%d offset $%d", c.order, len(args)-1, len(args))
	return q, args, true, nil
}

func (t *table[T]) List(ctx context.Context, f store.Filter) ([]T, error) {
	q, args, ok, err := t.c.listQuery(f)
	if err != nil || !ok {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return t.collect(rows)
}

func (t *table[T]) collect(rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := t.c.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *table[T]) Get(ctx context.Context, id string) (T, error) {
	return t.get(ctx, t.db, id, false)
}

func (t *table[T]) get(ctx context.Context, q querier, id string, lock bool) (T, error) {
	query := "select " + t.c.selectList() + " from " + t.c.name + " where id = $1"
	if lock {
		query += " for update"
	}
	v, err := t.c.scan(q.QueryRowContext(ctx, query, id))
	if err != nil {
		var zero T
		return zero, mapErr(err)
	}
	return v, nil
}

func (t *table[T]) Insert(ctx context.Context, v T) error {
	return t.insert(ctx, t.db, v)
}

func (t *table[T]) insert(ctx context.Context, q querier, v T) error {
	vals, err := t.c.values(v)
	if err != nil {
		return err
	}
	ph := make([]string, len(vals))
	for i := range vals {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("insert into %s (%s) values (%s)", t.c.name, t.c.selectList(), strings.Join(ph, ", "))
	_, err = q.ExecContext(ctx, query, vals...)
	return mapErr(err)
}

// Update rewrites every mutable column. The owning clinic is part of the
// match so a row can never move between tenants.
func (t *table[T]) Update(ctx context.Context, v T) error {
	vals, err := t.c.values(v)
	if err != nil {
		return err
	}
	var (
		sets   []string
		args   = []any{vals[0]}
		tenant any
	)
	for i, col := range t.c.columns {
		switch {
		case i == 0:
			continue
		case col == t.c.tenant:
			tenant = vals[i]
			continue
		}
		args = append(args, vals[i])
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	query := fmt.Sprintf("update %s set %s where id = $1", t.c.name, strings.Join(sets, ", "))
	if tenant != nil {
		args = append(args, tenant)
		query += fmt.Sprintf(" and %s = $%d", t.c.tenant, len(args))
	}
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = t.db.QueryRowContext(ctx, "select 1 from "+t.c.name+" where id = $1", vals[0]).Scan(&one)
	if err != nil {
		return mapErr(err)
	}
	return store.ErrConflict
}

func (t *table[T]) Delete(ctx context.Context, id string) error {
	res, err := t.db.ExecContext(ctx, "delete from "+t.c.name+" where id = $1", id)
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
	return nil
}
