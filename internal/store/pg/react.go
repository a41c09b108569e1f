package pg

import (
	"context"

	"clinicdash.org/internal/practice"
	"clinicdash.org/internal/store"
)

const reactAttempts = 3

// ReactGoal locks the goal row, appends entry, folds every entry through react
// and writes the goal back in one transaction. react may also edit the goal
// definition; every mutable goal column is written. Serialization failures and
// deadlocks are retried.
func (s *Store) ReactGoal(ctx context.Context, goalID string, entry *practice.ProgressEntry, react store.ReactFunc) (before, after practice.Goal, err error) {
	for attempt := 1; ; attempt++ {
		before, after, err = s.reactOnce(ctx, goalID, entry, react)
		if err == nil || !retryable(err) || attempt == reactAttempts {
			return before, after, err
		}
		if ctx.Err() != nil {
			return before, after, ctx.Err()
		}
	}
}

func (s *Store) reactOnce(ctx context.Context, goalID string, entry *practice.ProgressEntry, react store.ReactFunc) (practice.Goal, practice.Goal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return practice.Goal{}, practice.Goal{}, err
	}
	defer func() { _ = tx.Rollback() }()

	before, err := s.goals.get(ctx, tx, goalID, true)
	if err != nil {
		return practice.Goal{}, practice.Goal{}, err
	}
	if entry != nil {
		if err := s.progress.insert(ctx, tx, *entry); err != nil {
			return practice.Goal{}, practice.Goal{}, err
		}
	}

	rows, err := tx.QueryContext(ctx,
		`select `+s.progress.c.selectList()+` from goal_progress where goal_id = $1 order by entry_date, created_at, id`,
		goalID)
	if err != nil {
		return practice.Goal{}, practice.Goal{}, err
	}
	entries, err := s.progress.collect(rows)
	if err != nil {
		return practice.Goal{}, practice.Goal{}, err
	}

	after, err := react(before, entries)
	if err != nil {
		return practice.Goal{}, practice.Goal{}, err
	}
	after.ID, after.ClinicID = before.ID, before.ClinicID

	if _, err := tx.ExecContext(ctx, `
		update goals
		set current_value = $2, status = $3, completed_at = $4, aggregation = $5,
			provider_id = $6, title = $7, metric_name = $8, target_value = $9,
			start_date = $10, end_date = $11, updated_at = $12
		where id = $1
	`, after.ID, after.CurrentValue, string(after.Status), nullTime(after.CompletedAt), string(after.Aggregation),
		after.ProviderID, after.Title, after.MetricName, after.TargetValue,
		after.StartDate, after.EndDate, after.UpdatedAt); err != nil {
		return practice.Goal{}, practice.Goal{}, mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return practice.Goal{}, practice.Goal{}, err
	}
	return before, after, nil
}
