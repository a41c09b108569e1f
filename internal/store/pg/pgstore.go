// Package pg is the Postgres implementation of store.Store.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/practice"
	"clinicdash.org/internal/store"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrInsufficientPriv    = "42501"
	pgErrSerialization       = "40001"
	pgErrDeadlock            = "40P01"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db     *sql.DB
	sealer *Sealer

	clinics     *table[practice.Clinic]
	users       *table[practice.User]
	memberships *memberships
	metrics     *table[practice.Metric]
	goals       *table[practice.Goal]
	progress    *table[practice.ProgressEntry]
	credentials *table[practice.Credential]
	audit       *auditLog
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithSealer encrypts credential tokens at rest.
func WithSealer(s *Sealer) Option {
	return func(st *Store) { st.sealer = s }
}

// Open connects to dsn with the pool settings used in production.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	s.clinics = newTable(db, clinicCodec())
	s.users = newTable(db, userCodec())
	s.memberships = &memberships{table: newTable(db, membershipCodec())}
	s.metrics = newTable(db, metricCodec())
	s.goals = newTable(db, goalCodec())
	s.progress = newTable(db, progressCodec())
	s.credentials = newTable(db, credentialCodec(s.sealer))
	s.audit = &auditLog{db: db}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Clinics() store.Table[practice.Clinic]         { return s.clinics }
func (s *Store) Users() store.Table[practice.User]             { return s.users }
func (s *Store) Memberships() store.MembershipTable            { return s.memberships }
func (s *Store) Metrics() store.Table[practice.Metric]         { return s.metrics }
func (s *Store) Goals() store.Table[practice.Goal]             { return s.goals }
func (s *Store) Progress() store.Table[practice.ProgressEntry] { return s.progress }
func (s *Store) Credentials() store.Table[practice.Credential] { return s.credentials }
func (s *Store) Audit() store.AuditLog                         { return s.audit }

type memberships struct {
	*table[authz.Membership]
}

func (m *memberships) ActiveMemberships(ctx context.Context, subjectID string) ([]authz.Membership, error) {
	rows, err := m.db.QueryContext(ctx,
		`select `+m.c.selectList()+` from memberships where subject_id = $1 and active order by created_at, id`,
		subjectID)
	if err != nil {
		return nil, err
	}
	return m.collect(rows)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation, pgErrForeignKeyViolation:
			return store.ErrConflict
		case pgErrInsufficientPriv:
			return store.ErrImmutable
		}
	}
	return err
}

func retryable(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && (pgErr.Code == pgErrSerialization || pgErr.Code == pgErrDeadlock)
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
