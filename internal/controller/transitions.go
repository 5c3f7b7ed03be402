package controller

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cetmix/runboat/internal/models"
)

// ErrBuildNotFound is returned by the public entry points when the named
// build is not known to the controller.
var ErrBuildNotFound = errors.New("build not found")

// All transitions are safe to invoke redundantly: a transition towards a
// state that has already been reached is a no-op. Orchestrator failures
// propagate to the calling loop, whose supervisor restarts it.

// DeployOrDelayStart is the idempotent public entry point: a build that
// already exists for the exact commit identity is (re)started, otherwise a
// new build is deployed.
func (c *Controller) DeployOrDelayStart(ctx context.Context, spec models.BuildSpec) error {
	if b, ok := c.db.GetForCommit(spec); ok {
		return c.StartBuild(ctx, b.Name)
	}
	return c.orch.CreateBuild(ctx, spec)
}

// StartBuild scales a build up. A build whose initialization has not
// succeeded yet is left alone: it will be started by the initialization
// success hook.
func (c *Controller) StartBuild(ctx context.Context, name string) error {
	b, ok := c.db.Get(name)
	if !ok {
		return ErrBuildNotFound
	}
	if b.InitStatus != models.InitStatusSucceeded {
		log.Printf("delaying start of %s (init status %s)", name, b.InitStatus)
		return nil
	}
	if b.Status == models.BuildStatusStarted || b.Status == models.BuildStatusDeploying {
		return nil
	}
	if err := c.orch.Scale(ctx, name, 1); err != nil {
		return err
	}
	c.db.Update(name, func(b *models.Build) {
		b.Status = models.BuildStatusDeploying
		b.LastScaledAt = time.Now()
	})
	c.publish(ctx, name, "starting")
	return nil
}

// StopBuild scales a build down to zero.
func (c *Controller) StopBuild(ctx context.Context, name string) error {
	b, ok := c.db.Get(name)
	if !ok {
		return ErrBuildNotFound
	}
	if b.Status == models.BuildStatusStopped || b.Status == models.BuildStatusUndeployed {
		return nil
	}
	if err := c.orch.Scale(ctx, name, 0); err != nil {
		return err
	}
	c.db.Update(name, func(b *models.Build) {
		b.Status = models.BuildStatusStopped
		b.LastScaledAt = time.Now()
	})
	c.publish(ctx, name, "stopped")
	return nil
}

// initializeBuild triggers the initialization job for a todo build. The init
// status is recorded as started right away, both locally and on the
// deployment, so the same wake cycle cannot select the build twice.
func (c *Controller) initializeBuild(ctx context.Context, name string) error {
	b, ok := c.db.Get(name)
	if !ok {
		return nil
	}
	if b.InitStatus != models.InitStatusTodo {
		return nil
	}
	if err := c.orch.RunInitJob(ctx, b); err != nil {
		return err
	}
	if err := c.orch.SetInitStatus(ctx, name, models.InitStatusStarted); err != nil {
		return err
	}
	c.db.Update(name, func(b *models.Build) {
		b.InitStatus = models.InitStatusStarted
	})
	c.publish(ctx, name, "initializing")
	return nil
}

// undeployBuild triggers the cleanup job for a build. The resources are only
// deleted once the cleanup job succeeds.
func (c *Controller) undeployBuild(ctx context.Context, name string) error {
	b, ok := c.db.Get(name)
	if !ok {
		return nil
	}
	if b.Status == models.BuildStatusStarted || b.Status == models.BuildStatusDeploying {
		if err := c.orch.Scale(ctx, name, 0); err != nil {
			return err
		}
		c.db.Update(name, func(b *models.Build) {
			b.Status = models.BuildStatusStopped
			b.LastScaledAt = time.Now()
		})
	}
	if err := c.orch.RunCleanupJob(ctx, b); err != nil {
		return err
	}
	c.publish(ctx, name, "undeploying")
	return nil
}

// onInitializeStarted records that the initialization job is running. Usually
// a no-op because initializeBuild already recorded it.
func (c *Controller) onInitializeStarted(name string) {
	c.db.Update(name, func(b *models.Build) {
		if b.InitStatus == models.InitStatusTodo {
			b.InitStatus = models.InitStatusStarted
		}
	})
}

// onInitializeSucceeded marks the build initialized and chains into the
// deferred start.
func (c *Controller) onInitializeSucceeded(ctx context.Context, name string) error {
	b, ok := c.db.Get(name)
	if !ok {
		return nil
	}
	if b.InitStatus != models.InitStatusSucceeded {
		if err := c.orch.SetInitStatus(ctx, name, models.InitStatusSucceeded); err != nil {
			return err
		}
		c.db.Update(name, func(b *models.Build) {
			b.InitStatus = models.InitStatusSucceeded
		})
		c.publish(ctx, name, "initialized")
	}
	return c.StartBuild(ctx, name)
}

// onInitializeFailed marks the build failed. No automatic retry: recovering a
// failed initialization is an operator action.
func (c *Controller) onInitializeFailed(ctx context.Context, name string) error {
	b, ok := c.db.Get(name)
	if !ok || b.InitStatus == models.InitStatusFailed {
		return nil
	}
	if err := c.orch.SetInitStatus(ctx, name, models.InitStatusFailed); err != nil {
		return err
	}
	c.db.Update(name, func(b *models.Build) {
		b.InitStatus = models.InitStatusFailed
	})
	log.Printf("initialization of build %s failed", name)
	c.publish(ctx, name, "initialization failed")
	return nil
}

func (c *Controller) onCleanupStarted(name string) {
	log.Printf("cleanup of build %s started", name)
}

// onCleanupSucceeded deletes the build's resources. The resulting DELETED
// deployment event removes the build from the database.
func (c *Controller) onCleanupSucceeded(ctx context.Context, name string) error {
	c.publish(ctx, name, "undeployed")
	return c.orch.DeleteBuild(ctx, name)
}

// onCleanupFailed leaves the build stopped for manual intervention.
func (c *Controller) onCleanupFailed(name string) {
	log.Printf("cleanup of build %s failed, leaving it stopped", name)
}

// publish notifies the status publisher of a build change. Publishing is
// best-effort: a failure is logged, never propagated into a transition.
func (c *Controller) publish(ctx context.Context, name, message string) {
	if c.publisher == nil {
		return
	}
	b, ok := c.db.Get(name)
	if !ok {
		return
	}
	if err := c.publisher.PublishBuildStatus(ctx, b, message); err != nil {
		log.Printf("failed to publish status of %s: %v", name, err)
	}
}
