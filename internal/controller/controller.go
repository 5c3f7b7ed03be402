// Package controller drives builds through their lifecycle. It maintains the
// in-memory builds database from the Kubernetes watch streams and runs the
// capacity-bounded scheduling loops that decide which builds to initialize,
// stop and undeploy.
package controller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cetmix/runboat/internal/db"
	"github.com/cetmix/runboat/internal/kube"
	"github.com/cetmix/runboat/internal/models"
)

// Orchestrator is the narrow slice of the Kubernetes adapter the controller
// needs. Narrow on purpose so tests can stub it.
type Orchestrator interface {
	WatchDeployments(ctx context.Context) (<-chan kube.DeploymentEvent, error)
	WatchJobs(ctx context.Context) (<-chan kube.JobEvent, error)
	BuildFromName(ctx context.Context, name string) (*models.Build, error)
	CreateBuild(ctx context.Context, spec models.BuildSpec) error
	Scale(ctx context.Context, name string, replicas int32) error
	SetInitStatus(ctx context.Context, name string, status models.BuildInitStatus) error
	RunInitJob(ctx context.Context, build models.Build) error
	RunCleanupJob(ctx context.Context, build models.Build) error
	DeleteBuild(ctx context.Context, name string) error
}

// StatusPublisher receives build status change notifications.
type StatusPublisher interface {
	PublishBuildStatus(ctx context.Context, build models.Build, message string) error
}

// Limits are the global capacity limits enforced by the schedulers.
type Limits struct {
	MaxStarted      int
	MaxInitializing int
	MaxDeployed     int
}

// Controller owns the builds database and supervises the background loops:
// the deployment watcher, the job watcher, and the initializer, stopper and
// undeployer schedulers. Every loop is restarted with a fixed backoff when it
// fails; stopping the controller cancels them all.
type Controller struct {
	db        *db.BuildsDb
	orch      Orchestrator
	publisher StatusPublisher
	limits    Limits

	// Each scheduler sleeps on its own coalescing wake channel, so that one
	// watcher event reaches every scheduler. Signals arriving while one is
	// already pending for a scheduler collapse into it. pollInterval bounds
	// how long a scheduler can sleep through a missed wake-up.
	wakeInitializer chan struct{}
	wakeStopper     chan struct{}
	wakeUndeployer  chan struct{}
	pollInterval    time.Duration
	restartBackoff  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(orch Orchestrator, publisher StatusPublisher, limits Limits) *Controller {
	return &Controller{
		db:             db.New(),
		orch:           orch,
		publisher:      publisher,
		limits:         limits,
		wakeInitializer: make(chan struct{}, 1),
		wakeStopper:     make(chan struct{}, 1),
		wakeUndeployer:  make(chan struct{}, 1),
		pollInterval:    10 * time.Second,
		restartBackoff:  5 * time.Second,
	}
}

// Start launches all background loops. They keep running, restarting
// themselves on failure, until Stop is called.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	log.Println("starting controller loops")

	loops := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"deployment_watcher", c.deploymentWatcher},
		{"job_watcher", c.jobWatcher},
		{"initializer", c.initializer},
		{"stopper", c.stopper},
		{"undeployer", c.undeployer},
	}
	for _, loop := range loops {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.keepAlive(ctx, loop.name, loop.fn)
		}()
	}
}

// Stop cancels all background loops and waits for them to exit.
func (c *Controller) Stop() {
	log.Println("stopping controller loops")
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// keepAlive runs fn until the context is cancelled, restarting it after a
// fixed backoff whenever it returns an error or panics. Cancellation
// terminates permanently, anything else restarts.
func (c *Controller) keepAlive(ctx context.Context, name string, fn func(context.Context) error) {
	for ctx.Err() == nil {
		log.Printf("(re)starting %s", name)
		err := runRecovered(ctx, fn)
		if ctx.Err() != nil {
			return
		}
		log.Printf("%s failed: %v, restarting in %s", name, err, c.restartBackoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.restartBackoff):
		}
	}
}

func runRecovered(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// wakeup nudges every scheduler. The sends are non-blocking: a signal that
// arrives while one is already pending for a scheduler is coalesced with it.
func (c *Controller) wakeup() {
	for _, wake := range []chan struct{}{c.wakeInitializer, c.wakeStopper, c.wakeUndeployer} {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// sleep waits for a signal on the scheduler's wake channel, but at most
// pollInterval, in case a wake-up was missed.
func (c *Controller) sleep(ctx context.Context, wake <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-time.After(c.pollInterval):
	}
	return nil
}

// Started is the number of builds currently started.
func (c *Controller) Started() int {
	return c.db.CountByStatus(models.BuildStatusStarted)
}

// Initializing is the number of builds whose initialization job is running.
func (c *Controller) Initializing() int {
	return c.db.CountByInitStatus(models.InitStatusStarted)
}

// Deployed is the total number of builds known to the controller.
func (c *Controller) Deployed() int {
	return c.db.CountAll()
}

// Stats reports current and maximum counts for the status surfaces.
type Stats struct {
	Started         int `json:"started"`
	MaxStarted      int `json:"max_started"`
	Initializing    int `json:"initializing"`
	MaxInitializing int `json:"max_initializing"`
	Deployed        int `json:"deployed"`
	MaxDeployed     int `json:"max_deployed"`
}

func (c *Controller) Stats() Stats {
	return Stats{
		Started:         c.Started(),
		MaxStarted:      c.limits.MaxStarted,
		Initializing:    c.Initializing(),
		MaxInitializing: c.limits.MaxInitializing,
		Deployed:        c.Deployed(),
		MaxDeployed:     c.limits.MaxDeployed,
	}
}

// ListBuilds returns all known builds sorted by name.
func (c *Controller) ListBuilds() []models.Build {
	return c.db.All()
}

// GetBuild returns one build by name.
func (c *Controller) GetBuild(name string) (models.Build, bool) {
	return c.db.Get(name)
}
