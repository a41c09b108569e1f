// Package gateway is the only path through which tenant-scoped records are
// read or written. Every call takes an explicit AuthContext.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"clinicdash.org/internal/audit"
	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/goals"
	"clinicdash.org/internal/obs"
	"clinicdash.org/internal/practice"
	"clinicdash.org/internal/store"
	"clinicdash.org/internal/stream"
)

// Gateway wires the per-resource access paths over one store.
type Gateway struct {
	store    store.Store
	recorder *audit.Recorder
	reactor  *goals.Reactor
	events   *stream.Stream
	resolver *authz.Resolver
	now      func() time.Time
	log      *logrus.Entry

	Clinics     *Resource[practice.Clinic, practice.ClinicPatch]
	Users       *Resource[practice.User, practice.UserPatch]
	Memberships *Resource[authz.Membership, authz.MembershipPatch]
	Metrics     *Resource[practice.Metric, practice.MetricPatch]
	Goals       *Resource[practice.Goal, practice.GoalPatch]
	Credentials *Resource[practice.Credential, practice.CredentialPatch]
	Progress    *Progress
	Audit       *AuditTrail
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRecorder overrides the audit recorder. By default records go straight
// to the store's audit log without a spool.
func WithRecorder(r *audit.Recorder) Option {
	return func(g *Gateway) {
		if r != nil {
			g.recorder = r
		}
	}
}

// WithReactor overrides the goal reactor.
func WithReactor(r *goals.Reactor) Option {
	return func(g *Gateway) {
		if r != nil {
			g.reactor = r
		}
	}
}

// WithEvents publishes goal transitions to s.
func WithEvents(s *stream.Stream) Option {
	return func(g *Gateway) { g.events = s }
}

// WithResolver lets membership writes invalidate the resolver cache.
func WithResolver(r *authz.Resolver) Option {
	return func(g *Gateway) { g.resolver = r }
}

// WithClock overrides the time source used for timestamps.
func WithClock(fn func() time.Time) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.now = fn
		}
	}
}

// New constructs a Gateway over s.
func New(s store.Store, opts ...Option) *Gateway {
	g := &Gateway{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
		log:   obs.Logger().WithField("component", "gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.recorder == nil {
		g.recorder = audit.NewRecorder(s.Audit(), audit.WithClock(g.now))
	}
	if g.reactor == nil {
		g.reactor = goals.NewReactor(goals.WithClock(g.now))
	}
	g.wire()
	g.Progress = &Progress{g: g}
	g.Audit = &AuditTrail{g: g}
	return g
}

// Events returns the goal event stream, if configured.
func (g *Gateway) Events() *stream.Stream { return g.events }

// ListOptions bounds a list call. ClinicID is untrusted input and is checked
// against the caller's scope.
type ListOptions struct {
	ClinicID string
	Filters  map[string]string
	Limit    int
	Offset   int
	Unmask   bool
}

// ReadOption adjusts a single-record read.
type ReadOption func(*readOptions)

type readOptions struct {
	unmask bool
}

// Unmasked asks for secret fields in clear. It only takes effect when the
// caller holds viewCredentialSecret for the record's clinic.
func Unmasked() ReadOption {
	return func(o *readOptions) { o.unmask = true }
}

func collect(opts []ReadOption) readOptions {
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (g *Gateway) decision(res authz.Resource, act authz.Action, outcome string) {
	obs.AuthzDecisions.WithLabelValues(string(res), string(act), outcome).Inc()
}

func (g *Gateway) observe(res authz.Resource, act authz.Action, start time.Time) {
	obs.GatewayDuration.WithLabelValues(string(res), string(act)).Observe(time.Since(start).Seconds())
}

// authorize runs the validator then the permission engine for clinicID.
func (g *Gateway) authorize(ac *authz.AuthContext, res authz.Resource, act authz.Action, clinicID string) (authz.Role, error) {
	if !authz.HasAccess(ac, clinicID) {
		g.decision(res, act, "access_denied")
		return "", authz.ErrAccessDenied
	}
	role, _ := ac.RoleIn(clinicID)
	if !authz.PermitAction(role, res, act) {
		g.decision(res, act, "forbidden")
		return role, authz.ErrForbidden
	}
	g.decision(res, act, "allowed")
	return role, nil
}

// listFilter resolves the clinic bound for a list call and narrows it to the
// clinics where the caller may read res.
func (g *Gateway) listFilter(ac *authz.AuthContext, res authz.Resource, opts ListOptions, fields map[string]struct{}) (store.Filter, error) {
	cf, err := authz.ScopedFilter(ac, opts.ClinicID)
	if err != nil {
		g.decision(res, authz.ActionRead, "access_denied")
		return store.Filter{}, err
	}
	if !cf.Unrestricted() {
		cf = cf.Narrow(func(id string) bool {
			role, _ := ac.RoleIn(id)
			return authz.PermitAction(role, res, authz.ActionRead)
		})
		if len(cf.ClinicIDs()) == 0 {
			g.decision(res, authz.ActionRead, "forbidden")
			return store.Filter{}, authz.ErrForbidden
		}
	}
	var ve authz.ValidationError
	for k := range opts.Filters {
		if _, ok := fields[k]; !ok {
			ve.Add("filter."+k, "is not a filterable field")
		}
	}
	if err := ve.Err(); err != nil {
		return store.Filter{}, err
	}
	g.decision(res, authz.ActionRead, "allowed")

	f := store.FromClinicFilter(cf)
	f.Fields = opts.Filters
	f.Limit = opts.Limit
	f.Offset = opts.Offset
	return f.Normalized(), nil
}

// storeError maps storage failures onto the error taxonomy. Unknown errors are
// logged and replaced by an opaque internal error.
func (g *Gateway) storeError(res authz.Resource, act authz.Action, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authz.ErrAccessDenied),
		errors.Is(err, authz.ErrForbidden),
		errors.Is(err, authz.ErrNotFound),
		errors.Is(err, authz.ErrValidationFailed):
		return err
	case errors.Is(err, store.ErrNotFound):
		return authz.ErrNotFound
	case errors.Is(err, store.ErrConflict):
		return authz.Invalid("id", "conflicts with an existing record")
	case errors.Is(err, store.ErrImmutable):
		return authz.ErrForbidden
	}
	g.log.WithFields(logrus.Fields{
		"resource": string(res),
		"action":   string(act),
	}).WithError(err).Error("storage operation failed")
	return authz.ErrInternal
}

// record writes an audit record. Failures are reported by the recorder and do
// not fail the mutation.
func (g *Gateway) record(ctx context.Context, ac *authz.AuthContext, ch audit.Change) {
	if _, err := g.recorder.Record(ctx, ac, ch); err != nil {
		g.log.WithField("table", ch.Table).WithError(err).Debug("mutation accepted with audit gap")
	}
}

// publish emits a goal transition when the status changed.
func (g *Gateway) publish(before, after practice.Goal) {
	if before.Status == after.Status {
		return
	}
	obs.GoalTransitions.WithLabelValues(string(before.Status), string(after.Status)).Inc()
	if g.events == nil {
		return
	}
	g.events.Publish(stream.GoalEvent{
		GoalID:       after.ID,
		ClinicID:     after.ClinicID,
		From:         before.Status,
		To:           after.Status,
		CurrentValue: after.CurrentValue,
		TargetValue:  after.TargetValue,
		Timestamp:    g.now(),
	})
}
