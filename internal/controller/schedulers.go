package controller

import (
	"context"
	"log"
)

// The three schedulers share one shape: sleep until woken or the poll
// interval elapses, then act on a bounded, ordered batch of candidates.
// Capacity is never cached between cycles, and each wake cycle obtains the
// count and the selection from one database snapshot, so a burst of events
// can never push a scheduler past its limit.

func (c *Controller) initializer(ctx context.Context) error {
	for {
		if err := c.sleep(ctx, c.wakeInitializer); err != nil {
			return err
		}
		if err := c.initializeOnce(ctx); err != nil {
			return err
		}
	}
}

// initializeOnce runs one initializer wake cycle.
func (c *Controller) initializeOnce(ctx context.Context) error {
	batch, initializing := c.db.ToInitializeWithin(c.limits.MaxInitializing)
	if len(batch) == 0 {
		return nil
	}
	log.Printf("%d/%d builds initializing, initializing %d more",
		initializing, c.limits.MaxInitializing, len(batch))
	for _, b := range batch {
		if err := c.initializeBuild(ctx, b.Name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) stopper(ctx context.Context) error {
	for {
		if err := c.sleep(ctx, c.wakeStopper); err != nil {
			return err
		}
		if err := c.stopOnce(ctx); err != nil {
			return err
		}
	}
}

// stopOnce runs one stopper wake cycle, stopping the oldest started builds
// when more builds are started than allowed.
func (c *Controller) stopOnce(ctx context.Context) error {
	batch, started := c.db.OldestStartedOver(c.limits.MaxStarted)
	if len(batch) == 0 {
		return nil
	}
	log.Printf("%d/%d builds started, stopping %d",
		started, c.limits.MaxStarted, len(batch))
	for _, b := range batch {
		if err := c.StopBuild(ctx, b.Name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) undeployer(ctx context.Context) error {
	for {
		if err := c.sleep(ctx, c.wakeUndeployer); err != nil {
			return err
		}
		if err := c.undeployOnce(ctx); err != nil {
			return err
		}
	}
}

// undeployOnce runs one undeployer wake cycle, undeploying the oldest
// stopped builds when more builds are deployed than allowed.
func (c *Controller) undeployOnce(ctx context.Context) error {
	batch, deployed := c.db.OldestStoppedOver(c.limits.MaxDeployed)
	if len(batch) == 0 {
		return nil
	}
	log.Printf("%d/%d builds deployed, undeploying %d",
		deployed, c.limits.MaxDeployed, len(batch))
	for _, b := range batch {
		if err := c.undeployBuild(ctx, b.Name); err != nil {
			return err
		}
	}
	return nil
}
