// Package audit records mutations made through the gateway.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/ids"
	"clinicdash.org/internal/obs"
	"clinicdash.org/internal/practice"
	"clinicdash.org/internal/redact"
	"clinicdash.org/internal/store"
)

// Change describes one accepted mutation.
type Change struct {
	Table    string
	RecordID string
	ClinicID string
	Action   practice.AuditAction
	Before   any
	After    any
}

// Recorder appends audit records synchronously. A failed append is spooled
// and reported, never propagated as a failure of the mutation itself.
type Recorder struct {
	sink  store.AuditLog
	spool *Spool
	now   func() time.Time
	log   *logrus.Entry
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSpool enables the local fallback journal.
func WithSpool(s *Spool) Option {
	return func(r *Recorder) { r.spool = s }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a Recorder over sink.
func NewRecorder(sink store.AuditLog, opts ...Option) *Recorder {
	r := &Recorder{
		sink: sink,
		now:  func() time.Time { return time.Now().UTC() },
		log:  obs.Logger().WithField("component", "audit"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record builds and persists the audit record for ch. The write is detached
// from ctx cancellation. The returned error wraps authz.ErrAuditWriteFailed and
// is informational only.
func (r *Recorder) Record(ctx context.Context, ac *authz.AuthContext, ch Change) (practice.AuditRecord, error) {
	rec := practice.AuditRecord{
		ID:          ids.New(),
		TargetTable: ch.Table,
		TargetID:    ch.RecordID,
		ClinicID:    ch.ClinicID,
		Action:      ch.Action,
		RequestID:   RequestIDFromContext(ctx),
		OccurredAt:  r.now(),
	}
	if ac != nil {
		rec.SubjectID = ac.SubjectID()
		rec.ExternalID = ac.ExternalID()
	}
	var err error
	if rec.Before, err = redact.Snapshot(ch.Before); err != nil {
		return rec, r.fail(rec, fmt.Errorf("snapshot before: %w", err), false)
	}
	if rec.After, err = redact.Snapshot(ch.After); err != nil {
		return rec, r.fail(rec, fmt.Errorf("snapshot after: %w", err), false)
	}

	detached := context.WithoutCancel(ctx)
	if err := r.sink.Append(detached, rec); err != nil {
		return rec, r.fail(rec, err, true)
	}
	_ = LogEvent(detached, "audit.recorded", map[string]any{
		"table":     rec.TargetTable,
		"record_id": rec.TargetID,
		"clinic_id": rec.ClinicID,
		"action":    string(rec.Action),
	})
	return rec, nil
}

func (r *Recorder) fail(rec practice.AuditRecord, cause error, spool bool) error {
	obs.AuditWriteFailures.Inc()
	entry := r.log.WithFields(logrus.Fields{
		"audit_id":  rec.ID,
		"table":     rec.TargetTable,
		"record_id": rec.TargetID,
		"clinic_id": rec.ClinicID,
		"action":    string(rec.Action),
	}).WithError(cause)
	if spool && r.spool != nil {
		if err := r.spool.Put(rec); err != nil {
			entry.WithField("spool_error", err.Error()).Error("audit record lost")
		} else {
			entry.Warn("audit write failed, record spooled")
		}
	} else {
		entry.Warn("audit write failed")
	}
	return fmt.Errorf("%w: %s", authz.ErrAuditWriteFailed, rec.ID)
}

// Replay drains the spool into the sink.
func (r *Recorder) Replay(ctx context.Context) (int, error) {
	if r.spool == nil {
		return 0, nil
	}
	n, err := r.spool.Replay(ctx, r.sink)
	if n > 0 {
		r.log.WithField("replayed", n).Info("audit spool replayed")
	}
	return n, err
}
