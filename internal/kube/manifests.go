package kube

import (
	"fmt"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/cetmix/runboat/internal/models"
)

func buildLabels(name string) map[string]string {
	return map[string]string{
		LabelApp:   AppName,
		LabelBuild: name,
	}
}

func identityAnnotations(spec models.BuildSpec) map[string]string {
	return map[string]string{
		AnnotationRepo:         spec.Repo,
		AnnotationTargetBranch: spec.TargetBranch,
		AnnotationPR:           strconv.Itoa(spec.PR),
		AnnotationGitCommit:    spec.GitCommit,
		AnnotationInitStatus:   string(models.InitStatusTodo),
	}
}

func buildEnv(spec models.BuildSpec) []corev1.EnvVar {
	return []corev1.EnvVar{
		{Name: "RUNBOAT_REPO", Value: spec.Repo},
		{Name: "RUNBOAT_TARGET_BRANCH", Value: spec.TargetBranch},
		{Name: "RUNBOAT_PR", Value: strconv.Itoa(spec.PR)},
		{Name: "RUNBOAT_GIT_COMMIT", Value: spec.GitCommit},
	}
}

// newDeployment renders the deployment for a build. It starts with zero
// replicas: the build is only scaled up once its initialization job has
// succeeded.
func (c *Client) newDeployment(spec models.BuildSpec) *appsv1.Deployment {
	name := spec.Name()
	zero := int32(0)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   c.namespace,
			Labels:      buildLabels(name),
			Annotations: identityAnnotations(spec),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &zero,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{LabelBuild: name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: buildLabels(name),
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  "build",
							Image: c.buildImage,
							Env:   buildEnv(spec),
							Ports: []corev1.ContainerPort{
								{
									Name:          "http",
									ContainerPort: 8069,
									Protocol:      corev1.ProtocolTCP,
								},
							},
							Resources: corev1.ResourceRequirements{
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("1"),
									corev1.ResourceMemory: resource.MustParse("1Gi"),
								},
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("100m"),
									corev1.ResourceMemory: resource.MustParse("256Mi"),
								},
							},
							ReadinessProbe: &corev1.Probe{
								ProbeHandler: corev1.ProbeHandler{
									TCPSocket: &corev1.TCPSocketAction{
										Port: intstr.FromString("http"),
									},
								},
								InitialDelaySeconds: 5,
								PeriodSeconds:       5,
							},
						},
					},
				},
			},
		},
	}
}

// newJob renders the one-shot initialize or cleanup job for a build. The job
// name is deterministic so that a redundant creation attempt hits
// AlreadyExists instead of spawning a second job.
func (c *Client) newJob(build models.Build, kind JobKind) *batchv1.Job {
	zero := int32(0)
	labels := buildLabels(build.Name)
	labels[LabelJobKind] = string(kind)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s-%s", build.Name, kind),
			Namespace: c.namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &zero,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    string(kind),
							Image:   c.buildImage,
							Command: []string{"/runboat/" + string(kind) + ".sh"},
							Env:     buildEnv(build.Spec),
						},
					},
				},
			},
		},
	}
}
