package gateway

import (
	"context"
	"strings"
	"time"

	"clinicdash.org/internal/audit"
	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/ids"
	"clinicdash.org/internal/practice"
	"clinicdash.org/internal/store"
)

// Progress is the access path for goal progress entries. Submitting an entry
// recomputes the goal in the same transaction.
type Progress struct {
	g *Gateway
}

var progressFields = map[string]struct{}{"goal_id": {}, "recorded_by": {}}

// Submit records entry against its goal and returns the stored entry together
// with the goal after the reactor ran. A goal outside the caller's scope is
// reported as NotFound.
func (p *Progress) Submit(ctx context.Context, ac *authz.AuthContext, entry practice.ProgressEntry) (practice.ProgressEntry, practice.Goal, error) {
	g := p.g
	defer g.observe(authz.ResourceGoalProgress, authz.ActionCreate, time.Now())
	if ac == nil {
		return practice.ProgressEntry{}, practice.Goal{}, authz.ErrAccessDenied
	}
	if strings.TrimSpace(entry.GoalID) == "" {
		return practice.ProgressEntry{}, practice.Goal{}, authz.Invalid("goal_id", "is required")
	}
	goal, err := g.store.Goals().Get(ctx, entry.GoalID)
	if err != nil {
		return practice.ProgressEntry{}, practice.Goal{}, g.storeError(authz.ResourceGoalProgress, authz.ActionCreate, err)
	}
	if !authz.HasAccess(ac, goal.ClinicID) {
		g.decision(authz.ResourceGoalProgress, authz.ActionCreate, "not_found")
		return practice.ProgressEntry{}, practice.Goal{}, authz.ErrNotFound
	}
	if entry.ClinicID != "" && entry.ClinicID != goal.ClinicID {
		return practice.ProgressEntry{}, practice.Goal{}, authz.Invalid("clinic_id", "does not match the goal")
	}
	if _, err := g.authorize(ac, authz.ResourceGoalProgress, authz.ActionCreate, goal.ClinicID); err != nil {
		return practice.ProgressEntry{}, practice.Goal{}, err
	}

	now := g.now()
	entry.ID = ids.NewAt(now)
	entry.ClinicID = goal.ClinicID
	entry.RecordedBy = ac.SubjectID()
	entry.CreatedAt = now
	if entry.EntryDate.IsZero() {
		entry.EntryDate = now.Truncate(24 * time.Hour)
	}
	if err := entry.Validate(); err != nil {
		return practice.ProgressEntry{}, practice.Goal{}, err
	}

	before, after, err := g.store.ReactGoal(ctx, goal.ID, &entry, g.reactor.React)
	if err != nil {
		return practice.ProgressEntry{}, practice.Goal{}, g.storeError(authz.ResourceGoalProgress, authz.ActionCreate, err)
	}

	g.record(ctx, ac, audit.Change{
		Table: string(authz.ResourceGoalProgress), RecordID: entry.ID, ClinicID: entry.ClinicID,
		Action: practice.AuditCreate, After: entry,
	})
	if goalChanged(before, after) {
		g.record(ctx, ac, audit.Change{
			Table: string(authz.ResourceGoals), RecordID: after.ID, ClinicID: after.ClinicID,
			Action: practice.AuditUpdate, Before: before, After: after,
		})
	}
	g.publish(before, after)
	return entry, after, nil
}

// List returns progress entries visible to ac, optionally bounded to one goal
// through the goal_id filter.
func (p *Progress) List(ctx context.Context, ac *authz.AuthContext, opts ListOptions) ([]practice.ProgressEntry, error) {
	g := p.g
	defer g.observe(authz.ResourceGoalProgress, authz.ActionRead, time.Now())
	f, err := g.listFilter(ac, authz.ResourceGoalProgress, opts, progressFields)
	if err != nil {
		return nil, err
	}
	rows, err := g.store.Progress().List(ctx, f)
	if err != nil {
		return nil, g.storeError(authz.ResourceGoalProgress, authz.ActionRead, err)
	}
	store.SortEntries(rows)
	return rows, nil
}

// Get returns one progress entry.
func (p *Progress) Get(ctx context.Context, ac *authz.AuthContext, id string) (practice.ProgressEntry, error) {
	g := p.g
	defer g.observe(authz.ResourceGoalProgress, authz.ActionRead, time.Now())
	if ac == nil {
		return practice.ProgressEntry{}, authz.ErrAccessDenied
	}
	e, err := g.store.Progress().Get(ctx, id)
	if err != nil {
		return practice.ProgressEntry{}, g.storeError(authz.ResourceGoalProgress, authz.ActionRead, err)
	}
	if !authz.HasAccess(ac, e.ClinicID) {
		g.decision(authz.ResourceGoalProgress, authz.ActionRead, "not_found")
		return practice.ProgressEntry{}, authz.ErrNotFound
	}
	if _, err := g.authorize(ac, authz.ResourceGoalProgress, authz.ActionRead, e.ClinicID); err != nil {
		return practice.ProgressEntry{}, err
	}
	return e, nil
}

// ReevaluateGoals re-runs the reactor over every non-terminal goal visible to
// ac so date-driven transitions happen without new progress. It returns the
// number of goals whose status changed.
func (g *Gateway) ReevaluateGoals(ctx context.Context, ac *authz.AuthContext) (int, error) {
	defer g.observe(authz.ResourceGoals, authz.ActionUpdate, time.Now())
	base, err := g.listFilter(ac, authz.ResourceGoals, ListOptions{}, nil)
	if err != nil {
		return 0, err
	}
	changed := 0
	for offset := 0; ; offset += base.Limit {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		f := base
		f.Offset = offset
		page, err := g.store.Goals().List(ctx, f)
		if err != nil {
			return changed, g.storeError(authz.ResourceGoals, authz.ActionUpdate, err)
		}
		for _, goal := range page {
			if goal.Status.Terminal() {
				continue
			}
			role, _ := ac.RoleIn(goal.ClinicID)
			if !authz.PermitAction(role, authz.ResourceGoals, authz.ActionUpdate) {
				continue
			}
			before, after, err := g.store.ReactGoal(ctx, goal.ID, nil, g.reactor.React)
			if err != nil {
				return changed, g.storeError(authz.ResourceGoals, authz.ActionUpdate, err)
			}
			if before.Status == after.Status {
				continue
			}
			changed++
			g.record(ctx, ac, audit.Change{
				Table: string(authz.ResourceGoals), RecordID: after.ID, ClinicID: after.ClinicID,
				Action: practice.AuditUpdate, Before: before, After: after,
			})
			g.publish(before, after)
		}
		if len(page) < base.Limit {
			return changed, nil
		}
	}
}

func goalChanged(before, after practice.Goal) bool {
	return before.Status != after.Status || before.CurrentValue != after.CurrentValue
}
