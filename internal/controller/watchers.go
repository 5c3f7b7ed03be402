package controller

import (
	"context"
	"errors"
	"log"

	"github.com/cetmix/runboat/internal/kube"
)

// deploymentWatcher folds the deployment event stream into the builds
// database and wakes the schedulers after every event. The database is
// emptied each time the watch (re)starts: the stream itself replays the
// current cluster state, so a restart is a full resynchronization.
func (c *Controller) deploymentWatcher(ctx context.Context) error {
	c.db.Reset()
	events, err := c.orch.WatchDeployments(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		c.handleDeploymentEvent(ev)
		c.wakeup()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("deployment watch stream closed")
}

func (c *Controller) handleDeploymentEvent(ev kube.DeploymentEvent) {
	switch ev.Type {
	case kube.Added, kube.Modified:
		if ev.Build == nil {
			return
		}
		c.db.Add(*ev.Build)
	case kube.Deleted:
		c.db.Remove(ev.Name)
	default:
		log.Printf("unexpected deployment event type %s", ev.Type)
	}
}

// jobWatcher observes initialize and cleanup jobs and dispatches their status
// to the matching build transition hooks.
func (c *Controller) jobWatcher(ctx context.Context) error {
	events, err := c.orch.WatchJobs(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		if err := c.handleJobEvent(ctx, ev); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("job watch stream closed")
}

func (c *Controller) handleJobEvent(ctx context.Context, ev kube.JobEvent) error {
	switch ev.Type {
	case kube.Added, kube.Modified:
	case kube.Deleted:
		// Jobs are deleted as part of normal cleanup; nothing to learn.
		return nil
	default:
		log.Printf("unexpected job event type %s", ev.Type)
		return nil
	}

	if _, ok := c.db.Get(ev.BuildName); !ok {
		// Not indexed yet: the controller may still be warming up. Fall back
		// to a direct lookup; a miss there means the event is stale (the
		// build was deleted in the interim) and carries no work.
		build, err := c.orch.BuildFromName(ctx, ev.BuildName)
		if err != nil {
			return err
		}
		if build == nil {
			return nil
		}
		c.db.Add(*build)
	}

	switch ev.Kind {
	case kube.JobKindInitialize:
		switch {
		case ev.Succeeded:
			return c.onInitializeSucceeded(ctx, ev.BuildName)
		case ev.Failed:
			return c.onInitializeFailed(ctx, ev.BuildName)
		default:
			c.onInitializeStarted(ev.BuildName)
		}
	case kube.JobKindCleanup:
		switch {
		case ev.Succeeded:
			return c.onCleanupSucceeded(ctx, ev.BuildName)
		case ev.Failed:
			c.onCleanupFailed(ev.BuildName)
		default:
			c.onCleanupStarted(ev.BuildName)
		}
	}
	return nil
}
