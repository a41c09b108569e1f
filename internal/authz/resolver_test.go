package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	calls int
	byID  map[string][]Membership
	err   error
}

func (s *stubSource) ActiveMemberships(_ context.Context, subjectID string) ([]Membership, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.byID[subjectID], nil
}

func TestResolveDefaultsToEarliestMembership(t *testing.T) {
	early := member("u1", "clinic-b", RoleProvider)
	late := member("u1", "clinic-a", RoleViewer)
	late.CreatedAt = early.CreatedAt.Add(time.Hour)
	inactive := member("u1", "clinic-c", RoleClinicAdmin)
	inactive.Active = false

	r := NewResolver(&stubSource{byID: map[string][]Membership{"u1": {late, inactive, early}}})
	ac, err := r.Resolve(context.Background(), Identity{SubjectID: "u1", ExternalID: "idp|u1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "clinic-b", ac.ActiveClinicID())
	assert.Equal(t, RoleProvider, ac.Role())
	assert.Equal(t, "idp|u1", ac.ExternalID())
	assert.False(t, HasAccess(ac, "clinic-c"))
}

func TestResolveRequestedClinic(t *testing.T) {
	src := &stubSource{byID: map[string][]Membership{"u1": {member("u1", "clinic-a", RoleStaff)}}}
	r := NewResolver(src)

	ac, err := r.Resolve(context.Background(), Identity{SubjectID: "u1"}, "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, "clinic-a", ac.ActiveClinicID())

	_, err = r.Resolve(context.Background(), Identity{SubjectID: "u1"}, "clinic-b")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestResolveWithoutMembershipsIsDenied(t *testing.T) {
	r := NewResolver(&stubSource{})
	_, err := r.Resolve(context.Background(), Identity{SubjectID: "ghost"}, "")
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = r.Resolve(context.Background(), Identity{SubjectID: ""}, "")
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = r.Resolve(context.Background(), Identity{SubjectID: SystemSubject, Origin: OriginBatch}, "")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestResolveSourceErrorIsInternal(t *testing.T) {
	r := NewResolver(&stubSource{err: errors.New("connection reset")})
	_, err := r.Resolve(context.Background(), Identity{SubjectID: "u1"}, "")
	assert.ErrorIs(t, err, ErrInternal)
	assert.NotContains(t, err.Error(), "connection reset")
}

func TestResolveServiceRequiresBatchOrigin(t *testing.T) {
	r := NewResolver(&stubSource{})

	_, err := r.ResolveService(Identity{SubjectID: "admin", Origin: OriginHTTP})
	assert.ErrorIs(t, err, ErrAccessDenied)

	ac, err := r.ResolveService(Identity{ExternalID: "maintenance", Origin: OriginBatch})
	require.NoError(t, err)
	assert.True(t, ac.IsSystem())
	assert.True(t, ac.Scope().All())
}

func TestResolverCacheAndInvalidate(t *testing.T) {
	src := &stubSource{byID: map[string][]Membership{"u1": {member("u1", "clinic-a", RoleStaff)}}}
	r := NewResolver(src, WithMembershipCache(16, time.Minute))
	ctx := context.Background()

	_, err := r.Resolve(ctx, Identity{SubjectID: "u1"}, "")
	require.NoError(t, err)
	_, err = r.Resolve(ctx, Identity{SubjectID: "u1"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	src.byID["u1"] = nil
	r.Invalidate("u1")
	_, err = r.Resolve(ctx, Identity{SubjectID: "u1"}, "")
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, 2, src.calls)
}
