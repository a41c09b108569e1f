// Package goals derives goal status from recorded progress.
package goals

import (
	"time"

	"clinicdash.org/internal/practice"
)

// DefaultTolerance is how far progress may trail elapsed time, as a fraction,
// before a goal is at risk.
const DefaultTolerance = 0.15

// Reactor recomputes goal status. It is deterministic given its clock.
type Reactor struct {
	now       func() time.Time
	tolerance float64
}

// Option configures a Reactor.
type Option func(*Reactor)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Reactor) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithTolerance overrides the at-risk band.
func WithTolerance(t float64) Option {
	return func(r *Reactor) {
		if t >= 0 && t <= 1 {
			r.tolerance = t
		}
	}
}

// NewReactor constructs a Reactor.
func NewReactor(opts ...Option) *Reactor {
	r := &Reactor{
		now:       func() time.Time { return time.Now().UTC() },
		tolerance: DefaultTolerance,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Aggregate folds ordered entries into a current value.
func Aggregate(mode practice.Aggregation, entries []practice.ProgressEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	if mode == practice.AggregateLatest {
		return entries[len(entries)-1].Value
	}
	total := 0.0
	for _, e := range entries {
		total += e.Value
	}
	return total
}

// React recomputes the goal's current value from entries, which must be
// ordered by entry date, and derives the new status.
func (r *Reactor) React(goal practice.Goal, entries []practice.ProgressEntry) (practice.Goal, error) {
	if goal.Aggregation == "" {
		goal.Aggregation = practice.AggregateSum
	}
	goal.CurrentValue = Aggregate(goal.Aggregation, entries)
	return r.Evaluate(goal), nil
}

// Evaluate derives status from the goal's current value and the clock.
// Completed and achieved goals never move back.
func (r *Reactor) Evaluate(goal practice.Goal) practice.Goal {
	if goal.Status.Terminal() {
		return goal
	}
	now := r.now()
	if goal.TargetValue > 0 && goal.CurrentValue >= goal.TargetValue {
		goal.Status = practice.GoalCompleted
		at := now
		goal.CompletedAt = &at
		return goal
	}
	goal.Status = r.status(goal, now)
	return goal
}

func (r *Reactor) status(goal practice.Goal, now time.Time) practice.GoalStatus {
	if now.Before(goal.StartDate) {
		return practice.GoalNotStarted
	}
	if !now.Before(goal.EndDate) {
		return practice.GoalAtRisk
	}
	span := goal.EndDate.Sub(goal.StartDate)
	if span <= 0 || goal.TargetValue <= 0 {
		return practice.GoalActive
	}
	elapsed := float64(now.Sub(goal.StartDate)) / float64(span)
	progress := goal.CurrentValue / goal.TargetValue
	if elapsed-progress > r.tolerance {
		return practice.GoalAtRisk
	}
	return practice.GoalActive
}
