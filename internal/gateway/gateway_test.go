package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicdash.org/internal/audit"
	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/obs"
	"clinicdash.org/internal/practice"
	"clinicdash.org/internal/redact"
	"clinicdash.org/internal/store"
	"clinicdash.org/internal/stream"
)

var fixed = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	obs.Logger().SetOutput(io.Discard)
	os.Exit(m.Run())
}

type fixture struct {
	mem    *store.Memory
	gw     *Gateway
	events *stream.Stream
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	events := stream.New()
	opts = append([]Option{WithClock(func() time.Time { return fixed }), WithEvents(events)}, opts...)
	f := &fixture{mem: mem, gw: New(mem, opts...), events: events}
	for _, id := range []string{"x", "y"} {
		require.NoError(t, mem.Clinics().Insert(context.Background(), practice.Clinic{ID: id, Name: "Clinic " + id}))
	}
	return f
}

func scoped(t *testing.T, subject string, roles map[string]authz.Role) *authz.AuthContext {
	t.Helper()
	var ms []authz.Membership
	i := 0
	for clinic, role := range roles {
		ms = append(ms, authz.Membership{
			ID: fmt.Sprintf("%s-m%d", subject, i), SubjectID: subject, ClinicID: clinic,
			Role: role, Active: true, CreatedAt: fixed.Add(time.Duration(i) * time.Minute),
		})
		i++
	}
	ac, err := authz.NewAuthContext(subject, "ext-"+subject, ms, "")
	require.NoError(t, err)
	return ac
}

func (f *fixture) seedMetric(t *testing.T, id, clinic string, value float64) practice.Metric {
	t.Helper()
	m := practice.Metric{ID: id, ClinicID: clinic, Name: "visits", Value: value, RecordedOn: fixed}
	require.NoError(t, f.mem.Metrics().Insert(context.Background(), m))
	return m
}

func (f *fixture) seedGoal(t *testing.T, id, clinic string) practice.Goal {
	t.Helper()
	g := practice.Goal{
		ID: id, ClinicID: clinic, Title: "New patients", TargetValue: 100,
		Aggregation: practice.AggregateSum, Status: practice.GoalActive,
		StartDate: fixed.AddDate(0, 0, -10), EndDate: fixed.AddDate(0, 0, 20),
	}
	require.NoError(t, f.mem.Goals().Insert(context.Background(), g))
	return g
}

func TestListIsBoundedToCallerClinics(t *testing.T) {
	f := newFixture(t)
	f.seedMetric(t, "m-x1", "x", 1)
	f.seedMetric(t, "m-x2", "x", 2)
	f.seedMetric(t, "m-y1", "y", 3)
	ctx := context.Background()

	viewer := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleViewer})
	rows, err := f.gw.Metrics.List(ctx, viewer, ListOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, m := range rows {
		assert.Equal(t, "x", m.ClinicID)
	}

	_, err = f.gw.Metrics.List(ctx, viewer, ListOptions{ClinicID: "y"})
	assert.ErrorIs(t, err, authz.ErrAccessDenied)

	all, err := f.gw.Metrics.List(ctx, authz.NewServiceContext("batch"), ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestListRejectsUnknownFilter(t *testing.T) {
	f := newFixture(t)
	viewer := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleViewer})
	_, err := f.gw.Metrics.List(context.Background(), viewer, ListOptions{Filters: map[string]string{"clinic_id": "y"}})
	require.ErrorIs(t, err, authz.ErrValidationFailed)
	assert.Equal(t, "filter.clinic_id", authz.FieldErrors(err)[0].Field)
}

func TestListAppliesFieldFilters(t *testing.T) {
	f := newFixture(t)
	f.seedMetric(t, "m1", "x", 1)
	require.NoError(t, f.mem.Metrics().Insert(context.Background(), practice.Metric{ID: "m2", ClinicID: "x", Name: "revenue", Value: 9, RecordedOn: fixed}))
	viewer := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleViewer})

	rows, err := f.gw.Metrics.List(context.Background(), viewer, ListOptions{Filters: map[string]string{"name": "revenue"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "m2", rows[0].ID)
}

func TestCrossTenantIDProbeIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.seedMetric(t, "m-y", "y", 5)
	ctx := context.Background()
	admin := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleClinicAdmin})

	_, err := f.gw.Metrics.Get(ctx, admin, "m-y")
	assert.ErrorIs(t, err, authz.ErrNotFound)
	assert.NotErrorIs(t, err, authz.ErrForbidden)

	value := 1.0
	_, err = f.gw.Metrics.Update(ctx, admin, "m-y", practice.MetricPatch{Value: &value})
	assert.ErrorIs(t, err, authz.ErrNotFound)
	assert.ErrorIs(t, f.gw.Metrics.Delete(ctx, admin, "m-y"), authz.ErrNotFound)

	_, err = f.gw.Metrics.Get(ctx, admin, "missing")
	assert.ErrorIs(t, err, authz.ErrNotFound)

	stored, err := f.mem.Metrics().Get(ctx, "m-y")
	require.NoError(t, err)
	assert.Equal(t, 5.0, stored.Value)
}

func TestViewerUpdateIsForbiddenAndRecordUnchanged(t *testing.T) {
	f := newFixture(t)
	f.seedMetric(t, "m1", "x", 5)
	f.seedGoal(t, "g1", "x")
	ctx := context.Background()
	viewer := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleViewer})

	value := 9.0
	_, err := f.gw.Metrics.Update(ctx, viewer, "m1", practice.MetricPatch{Value: &value})
	assert.ErrorIs(t, err, authz.ErrForbidden)
	title := "changed"
	_, err = f.gw.Goals.Update(ctx, viewer, "g1", practice.GoalPatch{Title: &title})
	assert.ErrorIs(t, err, authz.ErrForbidden)
	assert.ErrorIs(t, f.gw.Metrics.Delete(ctx, viewer, "m1"), authz.ErrForbidden)

	m, err := f.mem.Metrics().Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, m.Value)
	g, err := f.mem.Goals().Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "New patients", g.Title)

	trail, err := f.mem.Audit().List(ctx, store.Filter{AllClinics: true})
	require.NoError(t, err)
	assert.Empty(t, trail)
}

func TestCreateOutsideScopeIsAccessDenied(t *testing.T) {
	f := newFixture(t)
	staff := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleStaff})
	_, err := f.gw.Metrics.Create(context.Background(), staff, practice.Metric{ClinicID: "y", Name: "visits", Value: 1})
	assert.ErrorIs(t, err, authz.ErrAccessDenied)

	_, err = f.gw.Metrics.Create(context.Background(), staff, practice.Metric{Name: "visits", Value: 1})
	assert.ErrorIs(t, err, authz.ErrValidationFailed)
}

func TestCreateAssignsServerFieldsAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := audit.WithRequestID(context.Background(), "req-1")
	staff := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleStaff})

	m, err := f.gw.Metrics.Create(ctx, staff, practice.Metric{ID: "client-chosen", ClinicID: "x", Name: "visits", Value: 12})
	require.NoError(t, err)
	assert.NotEqual(t, "client-chosen", m.ID)
	assert.Equal(t, fixed, m.CreatedAt)
	assert.Equal(t, fixed.Truncate(24*time.Hour), m.RecordedOn)

	trail, err := f.mem.Audit().List(ctx, store.Filter{AllClinics: true})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	rec := trail[0]
	assert.Equal(t, "metrics", rec.TargetTable)
	assert.Equal(t, m.ID, rec.TargetID)
	assert.Equal(t, "x", rec.ClinicID)
	assert.Equal(t, practice.AuditCreate, rec.Action)
	assert.Equal(t, "u1", rec.SubjectID)
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Nil(t, rec.Before)
	assert.NotEmpty(t, rec.After)
}

func TestValidationFailureCarriesFieldDetail(t *testing.T) {
	f := newFixture(t)
	staff := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleStaff})
	_, err := f.gw.Metrics.Create(context.Background(), staff, practice.Metric{ClinicID: "x", Name: "visits", Value: -4})
	require.ErrorIs(t, err, authz.ErrValidationFailed)
	fields := authz.FieldErrors(err)
	require.Len(t, fields, 1)
	assert.Equal(t, "value", fields[0].Field)
}

func TestPatchCannotMoveRecordBetweenClinics(t *testing.T) {
	f := newFixture(t)
	f.seedMetric(t, "m1", "x", 5)
	admin := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleClinicAdmin, "y": authz.RoleClinicAdmin})
	other := "y"
	_, err := f.gw.Metrics.Update(context.Background(), admin, "m1", practice.MetricPatch{ClinicID: &other})
	require.ErrorIs(t, err, authz.ErrValidationFailed)

	m, err := f.mem.Metrics().Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "x", m.ClinicID)
}

func TestCredentialSecretsAreMaskedUnlessPrivilegedAndRequested(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := scoped(t, "admin", map[string]authz.Role{"x": authz.RoleClinicAdmin})
	provider := scoped(t, "prov", map[string]authz.Role{"x": authz.RoleProvider})

	created, err := f.gw.Credentials.Create(ctx, admin, practice.Credential{
		ClinicID: "x", Provider: "sheets", AccessToken: "tok-123", RefreshToken: "ref-456",
	})
	require.NoError(t, err)
	assert.Equal(t, redact.Mask, created.AccessToken)
	assert.Equal(t, redact.Mask, created.RefreshToken)

	masked, err := f.gw.Credentials.Get(ctx, admin, created.ID)
	require.NoError(t, err)
	assert.Equal(t, redact.Mask, masked.AccessToken)

	clear, err := f.gw.Credentials.Get(ctx, admin, created.ID, Unmasked())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", clear.AccessToken)
	assert.Equal(t, "ref-456", clear.RefreshToken)

	stillMasked, err := f.gw.Credentials.Get(ctx, provider, created.ID, Unmasked())
	require.NoError(t, err)
	assert.Equal(t, redact.Mask, stillMasked.AccessToken)

	listed, err := f.gw.Credentials.List(ctx, admin, ListOptions{Unmask: true})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "tok-123", listed[0].AccessToken)

	trail, err := f.mem.Audit().List(ctx, store.Filter{AllClinics: true})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.NotContains(t, string(trail[0].After), "tok-123")
}

func TestCredentialPatchIgnoresEchoedMask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := scoped(t, "admin", map[string]authz.Role{"x": authz.RoleClinicAdmin})
	created, err := f.gw.Credentials.Create(ctx, admin, practice.Credential{ClinicID: "x", Provider: "sheets", AccessToken: "tok-123"})
	require.NoError(t, err)

	mask := redact.Mask
	email := "ops@example.com"
	_, err = f.gw.Credentials.Update(ctx, admin, created.ID, practice.CredentialPatch{AccessToken: &mask, AccountEmail: &email})
	require.NoError(t, err)

	stored, err := f.mem.Credentials().Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", stored.AccessToken)
	assert.Equal(t, email, stored.AccountEmail)
}

func TestProgressCompletesGoalAtomically(t *testing.T) {
	f := newFixture(t)
	f.seedGoal(t, "g1", "x")
	staff := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleStaff})
	subCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := f.events.Subscribe(subCtx, func(id string) bool { return id == "x" })
	ctx := context.Background()

	_, goal, err := f.gw.Progress.Submit(ctx, staff, practice.ProgressEntry{GoalID: "g1", Value: 40})
	require.NoError(t, err)
	assert.Equal(t, 40.0, goal.CurrentValue)
	assert.Equal(t, practice.GoalActive, goal.Status)

	entry, goal, err := f.gw.Progress.Submit(ctx, staff, practice.ProgressEntry{GoalID: "g1", Value: 65})
	require.NoError(t, err)
	assert.Equal(t, "x", entry.ClinicID)
	assert.Equal(t, "u1", entry.RecordedBy)
	assert.Equal(t, 105.0, goal.CurrentValue)
	assert.Equal(t, practice.GoalCompleted, goal.Status)
	require.NotNil(t, goal.CompletedAt)

	stored, err := f.mem.Goals().Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, practice.GoalCompleted, stored.Status)

	select {
	case evt := <-events:
		assert.Equal(t, practice.GoalActive, evt.From)
		assert.Equal(t, practice.GoalCompleted, evt.To)
	case <-time.After(time.Second):
		t.Fatal("expected goal transition event")
	}

	_, goal, err = f.gw.Progress.Submit(ctx, staff, practice.ProgressEntry{GoalID: "g1", Value: 0})
	require.NoError(t, err)
	assert.Equal(t, practice.GoalCompleted, goal.Status)

	entries, err := f.gw.Progress.List(ctx, staff, ListOptions{Filters: map[string]string{"goal_id": "g1"}})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestProgressOnForeignGoalIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.seedGoal(t, "g-y", "y")
	staff := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleStaff})

	_, _, err := f.gw.Progress.Submit(context.Background(), staff, practice.ProgressEntry{GoalID: "g-y", Value: 10})
	assert.ErrorIs(t, err, authz.ErrNotFound)

	entries, err := f.mem.Progress().List(context.Background(), store.Filter{AllClinics: true})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestViewerCannotSubmitProgress(t *testing.T) {
	f := newFixture(t)
	f.seedGoal(t, "g1", "x")
	viewer := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleViewer})
	_, _, err := f.gw.Progress.Submit(context.Background(), viewer, practice.ProgressEntry{GoalID: "g1", Value: 10})
	assert.ErrorIs(t, err, authz.ErrForbidden)
}

func TestInvalidProgressLeavesGoalUntouched(t *testing.T) {
	f := newFixture(t)
	f.seedGoal(t, "g1", "x")
	staff := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleStaff})
	_, _, err := f.gw.Progress.Submit(context.Background(), staff, practice.ProgressEntry{GoalID: "g1", Value: -1})
	require.ErrorIs(t, err, authz.ErrValidationFailed)

	g, err := f.mem.Goals().Get(context.Background(), "g1")
	require.NoError(t, err)
	assert.Zero(t, g.CurrentValue)
}

func TestGoalAuthorship(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prov := scoped(t, "prov-a", map[string]authz.Role{"x": authz.RoleProvider})
	staff := scoped(t, "staff", map[string]authz.Role{"x": authz.RoleStaff})
	draft := practice.Goal{
		ClinicID: "x", Title: "Reviews", TargetValue: 50,
		StartDate: fixed.AddDate(0, 0, 1), EndDate: fixed.AddDate(0, 1, 0),
	}

	own, err := f.gw.Goals.Create(ctx, prov, draft)
	require.NoError(t, err)
	assert.Equal(t, "prov-a", own.ProviderID)
	assert.Equal(t, practice.AggregateSum, own.Aggregation)
	assert.Equal(t, practice.GoalNotStarted, own.Status)

	foreign := draft
	foreign.ProviderID = "prov-b"
	_, err = f.gw.Goals.Create(ctx, prov, foreign)
	assert.ErrorIs(t, err, authz.ErrForbidden)

	_, err = f.gw.Goals.Create(ctx, staff, draft)
	assert.ErrorIs(t, err, authz.ErrForbidden)

	f.seedGoal(t, "g-other", "x")
	title := "mine now"
	_, err = f.gw.Goals.Update(ctx, prov, "g-other", practice.GoalPatch{Title: &title})
	assert.ErrorIs(t, err, authz.ErrForbidden)

	other := "prov-b"
	_, err = f.gw.Goals.Update(ctx, prov, own.ID, practice.GoalPatch{ProviderID: &other})
	assert.ErrorIs(t, err, authz.ErrForbidden)
}

func TestGoalPatchRecomputesStatus(t *testing.T) {
	f := newFixture(t)
	f.seedGoal(t, "g1", "x")
	admin := scoped(t, "admin", map[string]authz.Role{"x": authz.RoleClinicAdmin})
	staff := scoped(t, "staff", map[string]authz.Role{"x": authz.RoleStaff})
	ctx := context.Background()

	_, _, err := f.gw.Progress.Submit(ctx, staff, practice.ProgressEntry{GoalID: "g1", Value: 60})
	require.NoError(t, err)

	target := 50.0
	goal, err := f.gw.Goals.Update(ctx, admin, "g1", practice.GoalPatch{TargetValue: &target})
	require.NoError(t, err)
	assert.Equal(t, practice.GoalCompleted, goal.Status)
	assert.Equal(t, 60.0, goal.CurrentValue)
}

func TestClinicCreationIsSystemOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := scoped(t, "admin", map[string]authz.Role{"x": authz.RoleClinicAdmin})

	_, err := f.gw.Clinics.Create(ctx, admin, practice.Clinic{Name: "Annex"})
	assert.ErrorIs(t, err, authz.ErrForbidden)

	c, err := f.gw.Clinics.Create(ctx, authz.NewServiceContext("provisioner"), practice.Clinic{Name: "Annex", Timezone: "UTC"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)

	name := "Main street"
	updated, err := f.gw.Clinics.Update(ctx, admin, "x", practice.ClinicPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)

	_, err = f.gw.Clinics.Get(ctx, admin, c.ID)
	assert.ErrorIs(t, err, authz.ErrNotFound)
}

func TestMembershipDeleteRetiresAndInvalidatesResolver(t *testing.T) {
	mem := store.NewMemory()
	resolver := authz.NewResolver(mem.Memberships(), authz.WithMembershipCache(16, time.Hour))
	gw := New(mem, WithClock(func() time.Time { return fixed }), WithResolver(resolver))
	ctx := context.Background()
	admin := scoped(t, "admin", map[string]authz.Role{"x": authz.RoleClinicAdmin})

	m, err := gw.Memberships.Create(ctx, admin, authz.Membership{SubjectID: "nurse", ClinicID: "x", Role: authz.RoleStaff})
	require.NoError(t, err)
	assert.True(t, m.Active)
	assert.Equal(t, "admin", m.GrantedBy)

	nurse := authz.Identity{SubjectID: "nurse", Origin: authz.OriginHTTP}
	ac, err := resolver.Resolve(ctx, nurse, "")
	require.NoError(t, err)
	assert.Equal(t, "x", ac.ActiveClinicID())

	require.NoError(t, gw.Memberships.Delete(ctx, admin, m.ID))
	stored, err := mem.Memberships().Get(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	_, err = resolver.Resolve(ctx, nurse, "")
	assert.ErrorIs(t, err, authz.ErrAccessDenied)
}

func TestMembershipCannotGrantSystemRole(t *testing.T) {
	f := newFixture(t)
	admin := scoped(t, "admin", map[string]authz.Role{"x": authz.RoleClinicAdmin})
	_, err := f.gw.Memberships.Create(context.Background(), admin, authz.Membership{SubjectID: "eve", ClinicID: "x", Role: authz.RoleSystem})
	assert.ErrorIs(t, err, authz.ErrValidationFailed)

	staff := scoped(t, "staff", map[string]authz.Role{"x": authz.RoleStaff})
	_, err = f.gw.Memberships.Create(context.Background(), staff, authz.Membership{SubjectID: "eve", ClinicID: "x", Role: authz.RoleViewer})
	assert.ErrorIs(t, err, authz.ErrForbidden)
}

func TestAuditTrailIsImmutableOutsideSystem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := scoped(t, "admin", map[string]authz.Role{"x": authz.RoleClinicAdmin})
	viewer := scoped(t, "viewer", map[string]authz.Role{"x": authz.RoleViewer})

	_, err := f.gw.Metrics.Create(ctx, admin, practice.Metric{ClinicID: "x", Name: "visits", Value: 3})
	require.NoError(t, err)
	trail, err := f.gw.Audit.List(ctx, admin, ListOptions{})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	original := trail[0]

	note := "tampered"
	_, err = f.gw.Audit.Amend(ctx, admin, original.ID, practice.AuditPatch{Annotation: &note})
	assert.ErrorIs(t, err, authz.ErrForbidden)
	assert.ErrorIs(t, f.gw.Audit.Remove(ctx, admin, original.ID), authz.ErrForbidden)

	unchanged, err := f.mem.Audit().Get(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, original.Annotation, unchanged.Annotation)

	_, err = f.gw.Audit.List(ctx, viewer, ListOptions{})
	assert.ErrorIs(t, err, authz.ErrForbidden)
	_, err = f.gw.Audit.Get(ctx, viewer, original.ID)
	assert.ErrorIs(t, err, authz.ErrNotFound)

	note = "reviewed"
	amended, err := f.gw.Audit.Amend(ctx, authz.NewServiceContext("ops"), original.ID, practice.AuditPatch{Annotation: &note})
	require.NoError(t, err)
	assert.Equal(t, "reviewed", amended.Annotation)
}

func TestAuditTrailMasksSecretsInStoredSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.Audit().Append(ctx, practice.AuditRecord{
		ID: "a-legacy", TargetTable: "credentials", TargetID: "c1", ClinicID: "x",
		Action: practice.AuditUpdate, SubjectID: "ops", OccurredAt: fixed,
		Before: []byte(`{"id":"c1","access_token":"tok-old"}`),
		After:  []byte(`{"id":"c1","access_token":"tok-new","refresh_token":"ref-new"}`),
	}))
	admin := scoped(t, "admin", map[string]authz.Role{"x": authz.RoleClinicAdmin})

	rows, err := f.gw.Audit.List(ctx, admin, ListOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	for _, raw := range []string{string(rows[0].Before), string(rows[0].After)} {
		assert.NotContains(t, raw, "tok-")
		assert.NotContains(t, raw, "ref-new")
		assert.Contains(t, raw, redact.Mask)
	}

	one, err := f.gw.Audit.Get(ctx, admin, "a-legacy")
	require.NoError(t, err)
	assert.Equal(t, string(rows[0].After), string(one.After))
}

// interleavedGoals runs hook once, right after the first goal read.
type interleavedGoals struct {
	store.Table[practice.Goal]
	hook func()
}

func (t *interleavedGoals) Get(ctx context.Context, id string) (practice.Goal, error) {
	g, err := t.Table.Get(ctx, id)
	if hook := t.hook; hook != nil {
		t.hook = nil
		hook()
	}
	return g, err
}

type interleavedStore struct {
	*store.Memory
	goals *interleavedGoals
}

func (s *interleavedStore) Goals() store.Table[practice.Goal] { return s.goals }

func TestGoalUpdateKeepsCompletionFromInterleavedProgress(t *testing.T) {
	mem := store.NewMemory()
	goals := &interleavedGoals{Table: mem.Goals()}
	gw := New(&interleavedStore{Memory: mem, goals: goals}, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	require.NoError(t, mem.Goals().Insert(ctx, practice.Goal{
		ID: "g1", ClinicID: "x", Title: "New patients", TargetValue: 100,
		Aggregation: practice.AggregateSum, Status: practice.GoalActive,
		StartDate: fixed.AddDate(0, 0, -10), EndDate: fixed.AddDate(0, 0, 20),
	}))
	admin := scoped(t, "admin", map[string]authz.Role{"x": authz.RoleClinicAdmin})
	staff := scoped(t, "staff", map[string]authz.Role{"x": authz.RoleStaff})

	// The submission lands after the update has read the goal but before it
	// writes.
	goals.hook = func() {
		_, goal, err := gw.Progress.Submit(ctx, staff, practice.ProgressEntry{GoalID: "g1", Value: 105})
		require.NoError(t, err)
		require.Equal(t, practice.GoalCompleted, goal.Status)
	}

	target := 200.0
	goal, err := gw.Goals.Update(ctx, admin, "g1", practice.GoalPatch{TargetValue: &target})
	require.NoError(t, err)
	assert.Equal(t, practice.GoalCompleted, goal.Status)
	assert.Equal(t, 105.0, goal.CurrentValue)
	assert.Equal(t, 200.0, goal.TargetValue)

	stored, err := mem.Goals().Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, practice.GoalCompleted, stored.Status)
	assert.Equal(t, 105.0, stored.CurrentValue)
	require.NotNil(t, stored.CompletedAt)
}

func TestConcurrentGoalEditsKeepEveryProgressEntry(t *testing.T) {
	f := newFixture(t)
	f.seedGoal(t, "g1", "x")
	admin := scoped(t, "admin", map[string]authz.Role{"x": authz.RoleClinicAdmin})
	staff := scoped(t, "staff", map[string]authz.Role{"x": authz.RoleStaff})
	ctx := context.Background()

	const rounds = 25
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, err := f.gw.Progress.Submit(ctx, staff, practice.ProgressEntry{GoalID: "g1", Value: 1})
			assert.NoError(t, err)
		}()
		go func(i int) {
			defer wg.Done()
			title := fmt.Sprintf("New patients r%d", i)
			_, err := f.gw.Goals.Update(ctx, admin, "g1", practice.GoalPatch{Title: &title})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, err := f.mem.Goals().Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, float64(rounds), stored.CurrentValue)
	entries, err := f.gw.Progress.List(ctx, staff, ListOptions{Filters: map[string]string{"goal_id": "g1"}})
	require.NoError(t, err)
	assert.Len(t, entries, rounds)
}

// lockedGoals fails every atomic goal step.
type lockedGoals struct{ *store.Memory }

var errSerialization = errors.New("could not serialize access due to concurrent update")

func (lockedGoals) ReactGoal(context.Context, string, *practice.ProgressEntry, store.ReactFunc) (practice.Goal, practice.Goal, error) {
	return practice.Goal{}, practice.Goal{}, errSerialization
}

func TestGoalCreateIsAuditedWithoutAtomicStep(t *testing.T) {
	mem := store.NewMemory()
	gw := New(lockedGoals{Memory: mem}, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	admin := scoped(t, "admin", map[string]authz.Role{"x": authz.RoleClinicAdmin})

	goal, err := gw.Goals.Create(ctx, admin, practice.Goal{
		ClinicID: "x", Title: "Reviews", TargetValue: 50,
		StartDate: fixed.AddDate(0, 0, 1), EndDate: fixed.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, practice.GoalNotStarted, goal.Status)

	stored, err := mem.Goals().Get(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, goal.Status, stored.Status)

	trail, err := mem.Audit().List(ctx, store.Filter{AllClinics: true})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, goal.ID, trail[0].TargetID)
	assert.Equal(t, practice.AuditCreate, trail[0].Action)

	// A failed atomic step writes nothing and records nothing.
	title := "Renamed"
	_, err = gw.Goals.Update(ctx, admin, goal.ID, practice.GoalPatch{Title: &title})
	require.ErrorIs(t, err, authz.ErrInternal)
	stored, err = mem.Goals().Get(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, "Reviews", stored.Title)
	trail, err = mem.Audit().List(ctx, store.Filter{AllClinics: true})
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

type brokenMetrics struct{}

var errRelation = errors.New(`pq: relation "metrics" does not exist`)

func (brokenMetrics) List(context.Context, store.Filter) ([]practice.Metric, error) {
	return nil, errRelation
}
func (brokenMetrics) Get(context.Context, string) (practice.Metric, error) {
	return practice.Metric{}, errRelation
}
func (brokenMetrics) Insert(context.Context, practice.Metric) error { return errRelation }
func (brokenMetrics) Update(context.Context, practice.Metric) error { return errRelation }
func (brokenMetrics) Delete(context.Context, string) error          { return errRelation }

type brokenStore struct{ store.Store }

func (brokenStore) Metrics() store.Table[practice.Metric] { return brokenMetrics{} }

func TestUnexpectedStoreErrorsAreOpaque(t *testing.T) {
	gw := New(brokenStore{Store: store.NewMemory()})
	viewer := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleViewer})

	_, err := gw.Metrics.List(context.Background(), viewer, ListOptions{})
	require.ErrorIs(t, err, authz.ErrInternal)
	assert.NotContains(t, err.Error(), "relation")

	_, err = gw.Metrics.Get(context.Background(), viewer, "m1")
	assert.ErrorIs(t, err, authz.ErrInternal)
}

type failingAudit struct{ store.AuditLog }

func (failingAudit) Append(context.Context, practice.AuditRecord) error {
	return errors.New("audit table locked")
}

func TestAuditFailureDoesNotFailMutation(t *testing.T) {
	mem := store.NewMemory()
	spool, err := audit.NewMemorySpool()
	require.NoError(t, err)
	defer spool.Close()
	rec := audit.NewRecorder(failingAudit{AuditLog: mem.Audit()}, audit.WithSpool(spool))
	gw := New(mem, WithRecorder(rec))
	staff := scoped(t, "u1", map[string]authz.Role{"x": authz.RoleStaff})

	m, err := gw.Metrics.Create(context.Background(), staff, practice.Metric{ClinicID: "x", Name: "visits", Value: 2})
	require.NoError(t, err)
	_, err = mem.Metrics().Get(context.Background(), m.ID)
	require.NoError(t, err)

	n, err := spool.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReevaluateGoalsMovesOverdueGoals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	upcoming := practice.Goal{
		ID: "upcoming", ClinicID: "x", Title: "Spring", TargetValue: 10,
		Aggregation: practice.AggregateSum, Status: practice.GoalNotStarted,
		StartDate: fixed.AddDate(0, 0, 5), EndDate: fixed.AddDate(0, 2, 0),
	}
	require.NoError(t, f.mem.Goals().Insert(ctx, upcoming))
	overdue := practice.Goal{
		ID: "overdue", ClinicID: "y", Title: "Q4", TargetValue: 10,
		Aggregation: practice.AggregateSum, Status: practice.GoalActive,
		StartDate: fixed.AddDate(0, -3, 0), EndDate: fixed.AddDate(0, 0, -1),
	}
	require.NoError(t, f.mem.Goals().Insert(ctx, overdue))
	done := overdue
	done.ID, done.Status = "done", practice.GoalCompleted
	require.NoError(t, f.mem.Goals().Insert(ctx, done))

	changed, err := f.gw.ReevaluateGoals(ctx, authz.NewServiceContext("nightly"))
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	g, err := f.mem.Goals().Get(ctx, "overdue")
	require.NoError(t, err)
	assert.Equal(t, practice.GoalAtRisk, g.Status)
	g, err = f.mem.Goals().Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, practice.GoalCompleted, g.Status)
}
