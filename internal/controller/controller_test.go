package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cetmix/runboat/internal/kube"
	"github.com/cetmix/runboat/internal/models"
)

type scaleCall struct {
	name     string
	replicas int32
}

// fakeOrch records orchestrator calls and serves canned lookups.
type fakeOrch struct {
	mu           sync.Mutex
	created      []models.BuildSpec
	scaled       []scaleCall
	initJobs     []string
	cleanupJobs  []string
	initStatuses map[string]models.BuildInitStatus
	deleted      []string
	lookup       map[string]*models.Build
	watchErr     error
	depEvents    chan kube.DeploymentEvent
	jobEvents    chan kube.JobEvent
}

func newFakeOrch() *fakeOrch {
	return &fakeOrch{
		initStatuses: make(map[string]models.BuildInitStatus),
		lookup:       make(map[string]*models.Build),
		depEvents:    make(chan kube.DeploymentEvent),
		jobEvents:    make(chan kube.JobEvent),
	}
}

func (f *fakeOrch) WatchDeployments(ctx context.Context) (<-chan kube.DeploymentEvent, error) {
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return f.depEvents, nil
}

func (f *fakeOrch) WatchJobs(ctx context.Context) (<-chan kube.JobEvent, error) {
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return f.jobEvents, nil
}

func (f *fakeOrch) BuildFromName(ctx context.Context, name string) (*models.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookup[name], nil
}

func (f *fakeOrch) CreateBuild(ctx context.Context, spec models.BuildSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return nil
}

func (f *fakeOrch) Scale(ctx context.Context, name string, replicas int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scaled = append(f.scaled, scaleCall{name: name, replicas: replicas})
	return nil
}

func (f *fakeOrch) SetInitStatus(ctx context.Context, name string, status models.BuildInitStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initStatuses[name] = status
	return nil
}

func (f *fakeOrch) RunInitJob(ctx context.Context, build models.Build) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initJobs = append(f.initJobs, build.Name)
	return nil
}

func (f *fakeOrch) RunCleanupJob(ctx context.Context, build models.Build) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupJobs = append(f.cleanupJobs, build.Name)
	return nil
}

func (f *fakeOrch) DeleteBuild(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakePublisher) PublishBuildStatus(ctx context.Context, build models.Build, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, build.Name+": "+message)
	return nil
}

func newTestController(limits Limits) (*Controller, *fakeOrch) {
	orch := newFakeOrch()
	c := New(orch, &fakePublisher{}, limits)
	return c, orch
}

func addBuild(c *Controller, name string, status models.BuildStatus, init models.BuildInitStatus, scaled time.Time) {
	c.handleDeploymentEvent(kube.DeploymentEvent{
		Type: kube.Added,
		Name: name,
		Build: &models.Build{
			Name:         name,
			Spec:         models.BuildSpec{Repo: "oca/" + name, TargetBranch: "16.0", GitCommit: name + "-commit"},
			Status:       status,
			InitStatus:   init,
			CreatedAt:    scaled,
			LastScaledAt: scaled,
		},
	})
}

func TestInitializer_CapacityScenario(t *testing.T) {
	c, orch := newTestController(Limits{MaxInitializing: 2, MaxStarted: 10, MaxDeployed: 10})
	ctx := context.Background()
	now := time.Now()

	// Three todo builds arrive in order a, b, c.
	addBuild(c, "a", models.BuildStatusStopped, models.InitStatusTodo, now)
	addBuild(c, "b", models.BuildStatusStopped, models.InitStatusTodo, now)
	addBuild(c, "c", models.BuildStatusStopped, models.InitStatusTodo, now)

	// First wake: exactly a and b are selected.
	require.NoError(t, c.initializeOnce(ctx))
	assert.Equal(t, []string{"a", "b"}, orch.initJobs)
	assert.Equal(t, 2, c.Initializing())

	cBuild, _ := c.db.Get("c")
	assert.Equal(t, models.InitStatusTodo, cBuild.InitStatus, "c must stay todo while at capacity")

	// A second wake with unchanged state selects nothing more.
	require.NoError(t, c.initializeOnce(ctx))
	assert.Equal(t, []string{"a", "b"}, orch.initJobs)

	// a's initialization succeeds: capacity frees up and the next wake
	// selects exactly c.
	require.NoError(t, c.handleJobEvent(ctx, kube.JobEvent{
		Type: kube.Modified, BuildName: "a", Kind: kube.JobKindInitialize, Succeeded: true,
	}))
	require.NoError(t, c.initializeOnce(ctx))
	assert.Equal(t, []string{"a", "b", "c"}, orch.initJobs)
}

func TestInitializeSucceeded_ChainsIntoStart(t *testing.T) {
	c, orch := newTestController(Limits{MaxInitializing: 2, MaxStarted: 10, MaxDeployed: 10})
	ctx := context.Background()
	addBuild(c, "a", models.BuildStatusStopped, models.InitStatusStarted, time.Now())

	require.NoError(t, c.handleJobEvent(ctx, kube.JobEvent{
		Type: kube.Modified, BuildName: "a", Kind: kube.JobKindInitialize, Succeeded: true,
	}))

	require.Equal(t, []scaleCall{{name: "a", replicas: 1}}, orch.scaled)
	assert.Equal(t, models.InitStatusSucceeded, orch.initStatuses["a"])

	b, _ := c.db.Get("a")
	assert.Equal(t, models.BuildStatusDeploying, b.Status)
	assert.Equal(t, models.InitStatusSucceeded, b.InitStatus)

	// The same event delivered again must not scale a second time.
	require.NoError(t, c.handleJobEvent(ctx, kube.JobEvent{
		Type: kube.Modified, BuildName: "a", Kind: kube.JobKindInitialize, Succeeded: true,
	}))
	assert.Len(t, orch.scaled, 1)
}

func TestInitializeFailed_NoRetry(t *testing.T) {
	c, orch := newTestController(Limits{MaxInitializing: 2, MaxStarted: 10, MaxDeployed: 10})
	ctx := context.Background()
	addBuild(c, "a", models.BuildStatusStopped, models.InitStatusStarted, time.Now())

	require.NoError(t, c.handleJobEvent(ctx, kube.JobEvent{
		Type: kube.Modified, BuildName: "a", Kind: kube.JobKindInitialize, Failed: true,
	}))

	b, _ := c.db.Get("a")
	assert.Equal(t, models.InitStatusFailed, b.InitStatus)

	// Failed builds are not selected for initialization again.
	require.NoError(t, c.initializeOnce(ctx))
	assert.Empty(t, orch.initJobs)
}

func TestStopper_NeverExceedsCapacity(t *testing.T) {
	c, orch := newTestController(Limits{MaxInitializing: 2, MaxStarted: 3, MaxDeployed: 20})
	ctx := context.Background()
	now := time.Now()

	for _, name := range []string{"s1", "s2", "s3"} {
		addBuild(c, name, models.BuildStatusStarted, models.InitStatusSucceeded, now)
	}
	for _, name := range []string{"p1", "p2", "p3", "p4", "p5"} {
		addBuild(c, name, models.BuildStatusStopped, models.InitStatusSucceeded, now)
	}

	// At the limit: nothing is stopped even though stoppable builds exist.
	require.NoError(t, c.stopOnce(ctx))
	assert.Empty(t, orch.scaled)

	// One build over the limit: exactly the oldest started build is stopped.
	addBuild(c, "s0", models.BuildStatusStarted, models.InitStatusSucceeded, now.Add(-time.Hour))
	require.NoError(t, c.stopOnce(ctx))
	require.Equal(t, []scaleCall{{name: "s0", replicas: 0}}, orch.scaled)
	assert.Equal(t, 3, c.Started())
}

func TestUndeployer_OldestStoppedFirst(t *testing.T) {
	c, orch := newTestController(Limits{MaxInitializing: 2, MaxStarted: 10, MaxDeployed: 2})
	ctx := context.Background()
	now := time.Now()

	addBuild(c, "young", models.BuildStatusStopped, models.InitStatusSucceeded, now)
	addBuild(c, "old", models.BuildStatusStopped, models.InitStatusSucceeded, now.Add(-time.Hour))

	// Within the deployed limit: no cleanup.
	require.NoError(t, c.undeployOnce(ctx))
	assert.Empty(t, orch.cleanupJobs)

	addBuild(c, "extra", models.BuildStatusStopped, models.InitStatusSucceeded, now.Add(-time.Minute))
	require.NoError(t, c.undeployOnce(ctx))
	assert.Equal(t, []string{"old"}, orch.cleanupJobs)
}

func TestCleanupSucceeded_DeletesResources(t *testing.T) {
	c, orch := newTestController(Limits{MaxInitializing: 2, MaxStarted: 10, MaxDeployed: 10})
	ctx := context.Background()
	addBuild(c, "a", models.BuildStatusStopped, models.InitStatusSucceeded, time.Now())

	require.NoError(t, c.handleJobEvent(ctx, kube.JobEvent{
		Type: kube.Modified, BuildName: "a", Kind: kube.JobKindCleanup, Succeeded: true,
	}))
	assert.Equal(t, []string{"a"}, orch.deleted)

	// The DELETED deployment event is what removes the row.
	c.handleDeploymentEvent(kube.DeploymentEvent{Type: kube.Deleted, Name: "a"})
	_, ok := c.db.Get("a")
	assert.False(t, ok)
}

func TestDeployOrDelayStart_Idempotent(t *testing.T) {
	c, orch := newTestController(Limits{MaxInitializing: 2, MaxStarted: 10, MaxDeployed: 10})
	ctx := context.Background()
	spec := models.BuildSpec{Repo: "oca/server-tools", TargetBranch: "16.0", GitCommit: "abc123"}

	// No build for this identity yet: a deployment is created.
	require.NoError(t, c.DeployOrDelayStart(ctx, spec))
	require.Len(t, orch.created, 1)

	// The watcher indexes the created build, stopped and initialized.
	c.handleDeploymentEvent(kube.DeploymentEvent{
		Type: kube.Added,
		Name: spec.Name(),
		Build: &models.Build{
			Name:       spec.Name(),
			Spec:       spec,
			Status:     models.BuildStatusStopped,
			InitStatus: models.InitStatusSucceeded,
		},
	})

	// Second call with the identical identity: no new deployment, the
	// existing build is started instead.
	require.NoError(t, c.DeployOrDelayStart(ctx, spec))
	assert.Len(t, orch.created, 1)
	assert.Equal(t, []scaleCall{{name: spec.Name(), replicas: 1}}, orch.scaled)
}

func TestDeployOrDelayStart_DelaysUninitialized(t *testing.T) {
	c, orch := newTestController(Limits{MaxInitializing: 2, MaxStarted: 10, MaxDeployed: 10})
	ctx := context.Background()
	addBuild(c, "a", models.BuildStatusStopped, models.InitStatusTodo, time.Now())
	b, _ := c.db.Get("a")

	require.NoError(t, c.DeployOrDelayStart(ctx, b.Spec))
	assert.Empty(t, orch.created, "existing identity must not be redeployed")
	assert.Empty(t, orch.scaled, "start is delayed until initialization succeeds")
}

func TestJobEvent_DeletedBuildIgnored(t *testing.T) {
	c, orch := newTestController(Limits{MaxInitializing: 2, MaxStarted: 10, MaxDeployed: 10})
	ctx := context.Background()

	// The build's deployment is gone; the lookup fallback misses as well.
	err := c.handleJobEvent(ctx, kube.JobEvent{
		Type: kube.Added, BuildName: "gone", Kind: kube.JobKindInitialize, Succeeded: true,
	})
	require.NoError(t, err, "stale job events must not crash the watcher")
	assert.Empty(t, orch.scaled)
	assert.Equal(t, 0, c.Deployed())
}

func TestJobEvent_BootstrapFallback(t *testing.T) {
	c, orch := newTestController(Limits{MaxInitializing: 2, MaxStarted: 10, MaxDeployed: 10})
	ctx := context.Background()

	// The job event arrives before the deployment watcher has indexed the
	// build; the direct lookup resolves it.
	orch.lookup["a"] = &models.Build{
		Name:       "a",
		Spec:       models.BuildSpec{Repo: "oca/a", TargetBranch: "16.0", GitCommit: "abc"},
		Status:     models.BuildStatusStopped,
		InitStatus: models.InitStatusStarted,
	}
	require.NoError(t, c.handleJobEvent(ctx, kube.JobEvent{
		Type: kube.Added, BuildName: "a", Kind: kube.JobKindInitialize, Succeeded: true,
	}))

	b, ok := c.db.Get("a")
	require.True(t, ok, "the build must be bootstrapped into the db")
	assert.Equal(t, models.InitStatusSucceeded, b.InitStatus)
	assert.Equal(t, []scaleCall{{name: "a", replicas: 1}}, orch.scaled)
}

func TestJobEvent_DeletedAndUnknownKindsIgnored(t *testing.T) {
	c, orch := newTestController(Limits{MaxInitializing: 2, MaxStarted: 10, MaxDeployed: 10})
	ctx := context.Background()
	addBuild(c, "a", models.BuildStatusStopped, models.InitStatusStarted, time.Now())

	require.NoError(t, c.handleJobEvent(ctx, kube.JobEvent{
		Type: kube.Deleted, BuildName: "a", Kind: kube.JobKindInitialize, Succeeded: true,
	}))
	require.NoError(t, c.handleJobEvent(ctx, kube.JobEvent{
		Type: "BOGUS", BuildName: "a", Kind: kube.JobKindInitialize, Succeeded: true,
	}))

	b, _ := c.db.Get("a")
	assert.Equal(t, models.InitStatusStarted, b.InitStatus, "no transition may result")
	assert.Empty(t, orch.scaled)
}

func TestHandleDeploymentEvent_Fold(t *testing.T) {
	c, _ := newTestController(Limits{MaxInitializing: 2, MaxStarted: 10, MaxDeployed: 10})
	now := time.Now()

	addBuild(c, "a", models.BuildStatusStopped, models.InitStatusTodo, now)
	addBuild(c, "b", models.BuildStatusStopped, models.InitStatusTodo, now)
	addBuild(c, "a", models.BuildStatusStarted, models.InitStatusSucceeded, now)
	c.handleDeploymentEvent(kube.DeploymentEvent{Type: kube.Deleted, Name: "b"})
	c.handleDeploymentEvent(kube.DeploymentEvent{Type: "BOGUS", Name: "a"})
	c.handleDeploymentEvent(kube.DeploymentEvent{Type: kube.Modified, Name: "x"}) // nil build

	assert.Equal(t, 1, c.Deployed())
	b, ok := c.db.Get("a")
	require.True(t, ok)
	assert.Equal(t, models.BuildStatusStarted, b.Status)
}

func TestKeepAlive_RestartsAfterFailure(t *testing.T) {
	c, _ := newTestController(Limits{})
	c.restartBackoff = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	starts := 0
	done := make(chan struct{})
	fn := func(ctx context.Context) error {
		mu.Lock()
		starts++
		n := starts
		mu.Unlock()
		switch n {
		case 1:
			return errors.New("boom")
		case 2:
			panic("kaboom")
		default:
			close(done)
			<-ctx.Done()
			return ctx.Err()
		}
	}

	finished := make(chan struct{})
	go func() {
		c.keepAlive(ctx, "test_loop", fn)
		close(finished)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop was not restarted after failures")
	}
	mu.Lock()
	assert.Equal(t, 3, starts, "one restart per failure, including panics")
	mu.Unlock()

	// Cancellation terminates permanently.
	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("keepAlive did not stop on cancellation")
	}
}

func TestDeploymentWatcher_ResetsDbOnStart(t *testing.T) {
	c, orch := newTestController(Limits{})
	orch.watchErr = errors.New("api unavailable")

	// Stale state from a previous watch session.
	addBuild(c, "stale", models.BuildStatusStarted, models.InitStatusSucceeded, time.Now())
	require.Equal(t, 1, c.Deployed())

	err := c.deploymentWatcher(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, c.Deployed(), "the db must be empty as the watcher (re)starts")
}

func TestDeploymentWatcher_WakesSchedulers(t *testing.T) {
	c, orch := newTestController(Limits{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcherDone := make(chan error, 1)
	go func() { watcherDone <- c.deploymentWatcher(ctx) }()

	orch.depEvents <- kube.DeploymentEvent{
		Type:  kube.Added,
		Name:  "a",
		Build: &models.Build{Name: "a", Status: models.BuildStatusStopped, InitStatus: models.InitStatusTodo},
	}

	for _, wake := range []chan struct{}{c.wakeInitializer, c.wakeStopper, c.wakeUndeployer} {
		select {
		case <-wake:
		case <-time.After(5 * time.Second):
			t.Fatal("expected every scheduler to be woken after a processed event")
		}
	}
	assert.Equal(t, 1, c.Deployed())

	// A closed stream is an error, so the supervisor restarts the watch.
	close(orch.depEvents)
	select {
	case err := <-watcherDone:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not return on stream close")
	}
}

func TestWakeup_WakesEverySchedulerPromptly(t *testing.T) {
	c, _ := newTestController(Limits{})
	c.pollInterval = time.Minute
	ctx := context.Background()

	// One wake-up must reach all three schedulers, not just whichever one
	// happens to be scheduled first.
	c.wakeup()
	for _, wake := range []chan struct{}{c.wakeInitializer, c.wakeStopper, c.wakeUndeployer} {
		done := make(chan error, 1)
		go func() { done <- c.sleep(ctx, wake) }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("a scheduler slept through a wake-up signal")
		}
	}

	// Redundant signals coalesce: after two wake-ups, each scheduler holds
	// exactly one pending signal.
	c.wakeup()
	c.wakeup()
	for _, wake := range []chan struct{}{c.wakeInitializer, c.wakeStopper, c.wakeUndeployer} {
		select {
		case <-wake:
		default:
			t.Fatal("expected a pending wake-up signal")
		}
		select {
		case <-wake:
			t.Fatal("wake-up signals must coalesce, not queue")
		default:
		}
	}
}

func TestStopBuild_Idempotent(t *testing.T) {
	c, orch := newTestController(Limits{MaxInitializing: 2, MaxStarted: 10, MaxDeployed: 10})
	ctx := context.Background()
	addBuild(c, "a", models.BuildStatusStopped, models.InitStatusSucceeded, time.Now())

	require.NoError(t, c.StopBuild(ctx, "a"))
	assert.Empty(t, orch.scaled, "stopping a stopped build is a no-op")

	assert.ErrorIs(t, c.StopBuild(ctx, "nope"), ErrBuildNotFound)
	assert.ErrorIs(t, c.StartBuild(ctx, "nope"), ErrBuildNotFound)
}
