package authz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Origin records where an identity entered the process.
type Origin int

const (
	OriginHTTP Origin = iota
	OriginBatch
)

// Identity is a verified upstream identity.
type Identity struct {
	SubjectID  string
	ExternalID string
	Origin     Origin
}

// MembershipSource loads a subject's active memberships.
type MembershipSource interface {
	ActiveMemberships(ctx context.Context, subjectID string) ([]Membership, error)
}

// Resolver builds AuthContexts from verified identities.
type Resolver struct {
	source MembershipSource
	cache  *lru.LRU[string, []Membership]
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithMembershipCache caches membership lookups per subject. A zero size or
// ttl disables caching.
func WithMembershipCache(size int, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if size <= 0 || ttl <= 0 {
			r.cache = nil
			return
		}
		r.cache = lru.NewLRU[string, []Membership](size, nil, ttl)
	}
}

// NewResolver constructs a Resolver.
func NewResolver(source MembershipSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{source: source}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns a clinic-scoped context for id. When requestedClinicID is
// empty the earliest-created membership becomes the active clinic.
func (r *Resolver) Resolve(ctx context.Context, id Identity, requestedClinicID string) (*AuthContext, error) {
	subject := strings.TrimSpace(id.SubjectID)
	if subject == "" || subject == SystemSubject {
		return nil, ErrAccessDenied
	}
	memberships, err := r.memberships(ctx, subject)
	if err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return nil, ErrAccessDenied
	}
	active := strings.TrimSpace(requestedClinicID)
	if active == "" {
		active = memberships[0].ClinicID
	}
	return NewAuthContext(subject, id.ExternalID, memberships, active)
}

// ResolveService returns the all-clinics context. Only batch identities may
// take this path.
func (r *Resolver) ResolveService(id Identity) (*AuthContext, error) {
	if id.Origin != OriginBatch {
		return nil, ErrAccessDenied
	}
	return NewServiceContext(id.ExternalID), nil
}

// Invalidate drops cached memberships for subjectID.
func (r *Resolver) Invalidate(subjectID string) {
	if r == nil || r.cache == nil {
		return
	}
	r.cache.Remove(subjectID)
}

func (r *Resolver) memberships(ctx context.Context, subject string) ([]Membership, error) {
	if r.cache != nil {
		if cached, ok := r.cache.Get(subject); ok {
			return cached, nil
		}
	}
	if r.source == nil {
		return nil, fmt.Errorf("%w: membership source unavailable", ErrInternal)
	}
	all, err := r.source.ActiveMemberships(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("%w: load memberships", ErrInternal)
	}
	active := make([]Membership, 0, len(all))
	for _, m := range all {
		if m.Active && m.SubjectID == subject {
			active = append(active, m)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].ID < active[j].ID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	if r.cache != nil {
		r.cache.Add(subject, active)
	}
	return active, nil
}
