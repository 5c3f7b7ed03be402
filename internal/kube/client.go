// Package kube adapts the Kubernetes API to the controller's domain: it
// renders and manages the deployment and job resources backing builds, and
// translates watch events into typed build events at the boundary.
package kube

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/cetmix/runboat/internal/models"
)

// Client wraps the Kubernetes clientset for managing build resources in a
// single namespace.
type Client struct {
	clientset  kubernetes.Interface
	namespace  string
	buildImage string
}

// NewClient creates a Kubernetes client. It tries the in-cluster config first
// and falls back to a kubeconfig file.
func NewClient(kubeconfigPath, namespace, buildImage string) (*Client, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfigPath == "" {
			kubeconfigPath = os.Getenv("KUBECONFIG")
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return &Client{
		clientset:  clientset,
		namespace:  namespace,
		buildImage: buildImage,
	}, nil
}

func buildSelector() string {
	return fmt.Sprintf("%s=%s", LabelApp, AppName)
}

// WatchDeployments streams deployment events for builds. The returned channel
// is closed when the underlying watch terminates; the caller is expected to
// treat that as an error and start a fresh watch.
func (c *Client) WatchDeployments(ctx context.Context) (<-chan DeploymentEvent, error) {
	w, err := c.clientset.AppsV1().Deployments(c.namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector: buildSelector(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch deployments: %w", err)
	}

	out := make(chan DeploymentEvent)
	go func() {
		defer close(out)
		defer w.Stop()
		for ev := range w.ResultChan() {
			if ev.Type == watch.Bookmark {
				continue
			}
			de := DeploymentEvent{Type: EventType(ev.Type)}
			if dep, ok := ev.Object.(*appsv1.Deployment); ok {
				name := dep.Labels[LabelBuild]
				if name == "" {
					// Not a build deployment, nothing to do.
					continue
				}
				de.Name = name
				if ev.Type != watch.Deleted {
					de.Build = buildFromDeployment(dep)
				}
			}
			select {
			case out <- de:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WatchJobs streams initialize/cleanup job events for builds. Jobs without
// the build label or with an unknown job kind are dropped here.
func (c *Client) WatchJobs(ctx context.Context) (<-chan JobEvent, error) {
	w, err := c.clientset.BatchV1().Jobs(c.namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector: buildSelector(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch jobs: %w", err)
	}

	out := make(chan JobEvent)
	go func() {
		defer close(out)
		defer w.Stop()
		for ev := range w.ResultChan() {
			if ev.Type == watch.Bookmark {
				continue
			}
			je := JobEvent{Type: EventType(ev.Type)}
			if job, ok := ev.Object.(*batchv1.Job); ok {
				name := job.Labels[LabelBuild]
				if name == "" {
					continue
				}
				kind := JobKind(job.Labels[LabelJobKind])
				if kind != JobKindInitialize && kind != JobKindCleanup {
					continue
				}
				je.BuildName = name
				je.Kind = kind
				je.Succeeded = job.Status.Succeeded > 0
				je.Failed = job.Status.Failed > 0
			}
			select {
			case out <- je:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// BuildFromName looks one build up directly in the Kubernetes API, for when
// a job event arrives before the deployment watcher has indexed the build.
// It returns (nil, nil) when the deployment does not exist.
func (c *Client) BuildFromName(ctx context.Context, name string) (*models.Build, error) {
	dep, err := c.clientset.AppsV1().Deployments(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get deployment %s: %w", name, err)
	}
	return buildFromDeployment(dep), nil
}

// CreateBuild creates the deployment resource for a new build. Creating a
// build that already exists is a no-op.
func (c *Client) CreateBuild(ctx context.Context, spec models.BuildSpec) error {
	dep := c.newDeployment(spec)
	_, err := c.clientset.AppsV1().Deployments(c.namespace).Create(ctx, dep, metav1.CreateOptions{})
	if err != nil {
		if errors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("failed to create deployment %s: %w", dep.Name, err)
	}
	log.Printf("created deployment %s for %s@%s", dep.Name, spec.Repo, spec.GitCommit)
	return nil
}

// Scale sets the replica count of a build's deployment and stamps the
// last-scaled-at annotation used for age-based eviction.
func (c *Client) Scale(ctx context.Context, name string, replicas int32) error {
	deployments := c.clientset.AppsV1().Deployments(c.namespace)
	dep, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to get deployment %s: %w", name, err)
	}
	dep.Spec.Replicas = &replicas
	if dep.Annotations == nil {
		dep.Annotations = map[string]string{}
	}
	dep.Annotations[AnnotationLastScaledAt] = time.Now().UTC().Format(time.RFC3339)
	if _, err := deployments.Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to scale deployment %s to %d: %w", name, replicas, err)
	}
	return nil
}

// SetInitStatus records the init status on the deployment so that the status
// survives a controller restart.
func (c *Client) SetInitStatus(ctx context.Context, name string, status models.BuildInitStatus) error {
	deployments := c.clientset.AppsV1().Deployments(c.namespace)
	dep, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to get deployment %s: %w", name, err)
	}
	if dep.Annotations == nil {
		dep.Annotations = map[string]string{}
	}
	dep.Annotations[AnnotationInitStatus] = string(status)
	if _, err := deployments.Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to set init status on %s: %w", name, err)
	}
	return nil
}

// RunInitJob creates the initialization job for a build. A job that already
// exists is left alone.
func (c *Client) RunInitJob(ctx context.Context, build models.Build) error {
	return c.runJob(ctx, build, JobKindInitialize)
}

// RunCleanupJob creates the cleanup job for a build. A job that already
// exists is left alone.
func (c *Client) RunCleanupJob(ctx context.Context, build models.Build) error {
	return c.runJob(ctx, build, JobKindCleanup)
}

func (c *Client) runJob(ctx context.Context, build models.Build, kind JobKind) error {
	job := c.newJob(build, kind)
	_, err := c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if errors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("failed to create %s job for %s: %w", kind, build.Name, err)
	}
	log.Printf("created %s job for build %s", kind, build.Name)
	return nil
}

// DeleteBuild removes the deployment and any jobs belonging to a build.
func (c *Client) DeleteBuild(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	err := c.clientset.AppsV1().Deployments(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete deployment %s: %w", name, err)
	}
	err = c.clientset.BatchV1().Jobs(c.namespace).DeleteCollection(ctx,
		metav1.DeleteOptions{PropagationPolicy: &propagation},
		metav1.ListOptions{LabelSelector: fmt.Sprintf("%s=%s", LabelBuild, name)},
	)
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete jobs for %s: %w", name, err)
	}
	log.Printf("deleted resources of build %s", name)
	return nil
}

// buildFromDeployment derives the in-memory build record from the current
// state of its deployment resource.
func buildFromDeployment(dep *appsv1.Deployment) *models.Build {
	ann := dep.Annotations
	pr, _ := strconv.Atoi(ann[AnnotationPR])

	initStatus := models.BuildInitStatus(ann[AnnotationInitStatus])
	switch initStatus {
	case models.InitStatusTodo, models.InitStatusStarted, models.InitStatusSucceeded, models.InitStatusFailed:
	default:
		initStatus = models.InitStatusTodo
	}

	status := models.BuildStatusStopped
	if dep.Spec.Replicas != nil && *dep.Spec.Replicas > 0 {
		if dep.Status.ReadyReplicas > 0 {
			status = models.BuildStatusStarted
		} else {
			status = models.BuildStatusDeploying
		}
	}

	lastScaled := dep.CreationTimestamp.Time
	if raw := ann[AnnotationLastScaledAt]; raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			lastScaled = t
		}
	}

	return &models.Build{
		Name: dep.Labels[LabelBuild],
		Spec: models.BuildSpec{
			Repo:         ann[AnnotationRepo],
			TargetBranch: ann[AnnotationTargetBranch],
			PR:           pr,
			GitCommit:    ann[AnnotationGitCommit],
		},
		Status:       status,
		InitStatus:   initStatus,
		CreatedAt:    dep.CreationTimestamp.Time,
		LastScaledAt: lastScaled,
	}
}
