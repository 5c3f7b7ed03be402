package models

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// BuildStatus is the lifecycle position of a build's deployment: does it
// exist, is it scaled up, scaled down, or removed.
type BuildStatus string

const (
	BuildStatusDeploying  BuildStatus = "deploying"
	BuildStatusStarted    BuildStatus = "started"
	BuildStatusStopped    BuildStatus = "stopped"
	BuildStatusUndeployed BuildStatus = "undeployed"
)

// BuildInitStatus is the lifecycle of the one-shot initialization job that
// prepares a build's data before it can serve traffic.
type BuildInitStatus string

const (
	InitStatusTodo      BuildInitStatus = "todo"
	InitStatusStarted   BuildInitStatus = "started"
	InitStatusSucceeded BuildInitStatus = "succeeded"
	InitStatusFailed    BuildInitStatus = "failed"
)

// BuildSpec identifies one buildable commit. PR is 0 for branch builds.
type BuildSpec struct {
	Repo         string `json:"repo"`
	TargetBranch string `json:"target_branch"`
	PR           int    `json:"pr,omitempty"`
	GitCommit    string `json:"git_commit"`
}

// Name derives the build name from the spec. The name is deterministic and
// stable for a given identity, so it can double as the Kubernetes resource
// name and as the database key. It must be a valid DNS-1123 label.
func (s BuildSpec) Name() string {
	slug := slugify(s.Repo + "-" + s.TargetBranch)
	if s.PR != 0 {
		slug = slugify(fmt.Sprintf("%s-pr%d", s.Repo, s.PR))
	}
	const maxSlug = 40
	if len(slug) > maxSlug {
		slug = strings.Trim(slug[:maxSlug], "-")
	}
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%d|%s", s.Repo, s.TargetBranch, s.PR, s.GitCommit)
	return fmt.Sprintf("b-%s-%08x", slug, h.Sum32())
}

// Build is one ephemeral deployment environment.
type Build struct {
	Name       string          `json:"name"`
	Spec       BuildSpec       `json:"spec"`
	Status     BuildStatus     `json:"status"`
	InitStatus BuildInitStatus `json:"init_status"`
	// CreatedAt is the creation time of the deployment resource.
	CreatedAt time.Time `json:"created_at"`
	// LastScaledAt orders builds for age-based eviction.
	LastScaledAt time.Time `json:"last_scaled_at"`
}

// slugify lowercases s and squashes anything that is not alphanumeric into
// single dashes.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true // avoid a leading dash
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
