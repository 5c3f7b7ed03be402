package kube

import (
	"github.com/cetmix/runboat/internal/models"
)

// Labels and annotations carried by every resource this controller manages.
// Identity fields live in annotations because repository names contain
// characters that label values do not allow.
const (
	LabelApp     = "app"
	AppName      = "runboat"
	LabelBuild   = "runboat/build"
	LabelJobKind = "runboat/job-kind"

	AnnotationRepo         = "runboat/repo"
	AnnotationTargetBranch = "runboat/target-branch"
	AnnotationPR           = "runboat/pr"
	AnnotationGitCommit    = "runboat/git-commit"
	AnnotationInitStatus   = "runboat/init-status"
	AnnotationLastScaledAt = "runboat/last-scaled-at"
)

// EventType mirrors the Kubernetes watch event kinds. Anything outside the
// three recognized kinds is passed through so the controller can log it as an
// anomaly.
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
)

// DeploymentEvent is one deployment watch event translated into domain terms.
// Build is nil for DELETED events and for anomalous event kinds.
type DeploymentEvent struct {
	Type  EventType
	Name  string
	Build *models.Build
}

// JobKind tells initialization jobs from cleanup jobs.
type JobKind string

const (
	JobKindInitialize JobKind = "initialize"
	JobKindCleanup    JobKind = "cleanup"
)

// JobEvent is one job watch event translated into domain terms. Succeeded and
// Failed reflect the job's status counters at the time of the event.
type JobEvent struct {
	Type      EventType
	BuildName string
	Kind      JobKind
	Succeeded bool
	Failed    bool
}
