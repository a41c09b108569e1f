package gateway

import (
	"context"
	"time"

	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/ids"
	"clinicdash.org/internal/practice"
)

func (g *Gateway) wire() {
	g.Clinics = newResource[practice.Clinic, practice.ClinicPatch](g, authz.ResourceClinics, g.store.Clinics(), "name", "timezone")
	g.Clinics.tenantless = true
	g.Clinics.prepare = func(_ *authz.AuthContext, c *practice.Clinic, now time.Time) {
		c.ID = ids.NewAt(now)
		c.CreatedAt, c.UpdatedAt = now, now
	}
	g.Clinics.touch = func(c *practice.Clinic, now time.Time) { c.UpdatedAt = now }

	g.Users = newResource[practice.User, practice.UserPatch](g, authz.ResourceUsers, g.store.Users(), "email", "subject_id", "title")
	g.Users.prepare = func(_ *authz.AuthContext, u *practice.User, now time.Time) {
		u.ID = ids.NewAt(now)
		u.CreatedAt, u.UpdatedAt = now, now
	}
	g.Users.touch = func(u *practice.User, now time.Time) { u.UpdatedAt = now }

	g.Memberships = newResource[authz.Membership, authz.MembershipPatch](g, authz.ResourceMemberships, g.store.Memberships(), "subject_id", "role", "active")
	g.Memberships.prepare = func(ac *authz.AuthContext, m *authz.Membership, now time.Time) {
		m.ID = ids.NewAt(now)
		m.Active = true
		m.GrantedBy = ac.SubjectID()
		m.CreatedAt, m.UpdatedAt = now, now
	}
	g.Memberships.touch = func(m *authz.Membership, now time.Time) { m.UpdatedAt = now }
	g.Memberships.retire = func(m *authz.Membership, now time.Time) {
		m.Active = false
		m.UpdatedAt = now
	}
	g.Memberships.changed = func(m authz.Membership) {
		if g.resolver != nil {
			g.resolver.Invalidate(m.SubjectID)
		}
	}

	g.Metrics = newResource[practice.Metric, practice.MetricPatch](g, authz.ResourceMetrics, g.store.Metrics(), "name", "provider_id", "unit")
	g.Metrics.prepare = func(ac *authz.AuthContext, m *practice.Metric, now time.Time) {
		m.ID = ids.NewAt(now)
		m.ProviderID = defaultProvider(ac, m.ClinicID, m.ProviderID)
		if m.RecordedOn.IsZero() {
			m.RecordedOn = now.Truncate(24 * time.Hour)
		}
		m.CreatedAt, m.UpdatedAt = now, now
	}
	g.Metrics.touch = func(m *practice.Metric, now time.Time) { m.UpdatedAt = now }
	g.Metrics.author = func(m practice.Metric) string { return m.ProviderID }

	g.Goals = newResource[practice.Goal, practice.GoalPatch](g, authz.ResourceGoals, g.store.Goals(), "status", "provider_id", "metric_name")
	g.Goals.prepare = func(ac *authz.AuthContext, goal *practice.Goal, now time.Time) {
		goal.ID = ids.NewAt(now)
		goal.ProviderID = defaultProvider(ac, goal.ClinicID, goal.ProviderID)
		if goal.Aggregation == "" {
			goal.Aggregation = practice.AggregateSum
		}
		goal.CurrentValue = 0
		goal.Status = ""
		goal.CompletedAt = nil
		goal.CreatedAt, goal.UpdatedAt = now, now
		if !goal.StartDate.IsZero() && goal.EndDate.After(goal.StartDate) && goal.TargetValue > 0 {
			*goal = g.reactor.Evaluate(*goal)
		}
	}
	g.Goals.touch = func(goal *practice.Goal, now time.Time) { goal.UpdatedAt = now }
	g.Goals.author = func(goal practice.Goal) string { return goal.ProviderID }
	g.Goals.update = g.updateGoal

	g.Credentials = newResource[practice.Credential, practice.CredentialPatch](g, authz.ResourceCredentials, g.store.Credentials(), "provider", "account_email")
	g.Credentials.prepare = func(_ *authz.AuthContext, c *practice.Credential, now time.Time) {
		c.ID = ids.NewAt(now)
		c.CreatedAt, c.UpdatedAt = now, now
	}
	g.Credentials.touch = func(c *practice.Credential, now time.Time) { c.UpdatedAt = now }
}

// defaultProvider attributes a provider's own writes to themselves.
func defaultProvider(ac *authz.AuthContext, clinicID, providerID string) string {
	if providerID != "" {
		return providerID
	}
	if role, _ := ac.RoleIn(clinicID); role == authz.RoleProvider {
		return ac.SubjectID()
	}
	return providerID
}

// updateGoal applies a definition edit under the goal lock and recomputes the
// goal from its entries in the same step, so a concurrent progress write is
// never overwritten by a stale row.
func (g *Gateway) updateGoal(ctx context.Context, id string, edit func(practice.Goal) (practice.Goal, error)) (practice.Goal, practice.Goal, error) {
	before, after, err := g.store.ReactGoal(ctx, id, nil, func(goal practice.Goal, entries []practice.ProgressEntry) (practice.Goal, error) {
		next, err := edit(goal)
		if err != nil {
			return practice.Goal{}, err
		}
		return g.reactor.React(next, entries)
	})
	if err != nil {
		return before, after, err
	}
	g.publish(before, after)
	return before, after, nil
}
