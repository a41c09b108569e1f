// Package maintenance runs the background jobs that keep derived state
// current: audit spool replay and date-driven goal reevaluation.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"clinicdash.org/internal/audit"
	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/gateway"
	"clinicdash.org/internal/obs"
)

const jobTimeout = 5 * time.Minute

// Jobs binds the maintenance work to one gateway and recorder.
type Jobs struct {
	gw       *gateway.Gateway
	recorder *audit.Recorder
	resolver *authz.Resolver
	identity string
	log      *logrus.Entry
}

// New builds Jobs. identity is recorded as the external id of the service
// context the sweep runs under.
func New(gw *gateway.Gateway, recorder *audit.Recorder, resolver *authz.Resolver, identity string) *Jobs {
	return &Jobs{
		gw:       gw,
		recorder: recorder,
		resolver: resolver,
		identity: identity,
		log:      obs.Logger().WithField("component", "maintenance"),
	}
}

// Replay drains spooled audit records.
func (j *Jobs) Replay(ctx context.Context) (int, error) {
	if j.recorder == nil {
		return 0, nil
	}
	return j.recorder.Replay(ctx)
}

// Sweep reevaluates every open goal under a service context.
func (j *Jobs) Sweep(ctx context.Context) (int, error) {
	ac, err := j.resolver.ResolveService(authz.Identity{
		SubjectID:  authz.SystemSubject,
		ExternalID: j.identity,
		Origin:     authz.OriginBatch,
	})
	if err != nil {
		return 0, err
	}
	return j.gw.ReevaluateGoals(ctx, ac)
}

// Schedule registers both jobs on a new cron. An empty spec skips that job.
// Overlapping runs of the same job are skipped.
func (j *Jobs) Schedule(replaySpec, sweepSpec string) (*cron.Cron, error) {
	logger := cron.PrintfLogger(j.log)
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	add := func(name, spec string, run func(context.Context) (int, error)) error {
		if spec == "" {
			return nil
		}
		_, err := c.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			n, err := run(ctx)
			entry := j.log.WithFields(logrus.Fields{"job": name, "affected": n})
			if err != nil {
				entry.WithError(err).Error("maintenance job failed")
				return
			}
			entry.Debug("maintenance job finished")
		})
		if err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
		return nil
	}
	if err := add("audit_replay", replaySpec, j.Replay); err != nil {
		return nil, err
	}
	if err := add("goal_sweep", sweepSpec, j.Sweep); err != nil {
		return nil, err
	}
	return c, nil
}
