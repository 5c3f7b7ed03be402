package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cetmix/runboat/internal/models"
)

// GitHub webhook payloads, trimmed to the fields we use.

type pushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// githubWebhook turns push and pull_request events into deploy-or-start
// requests. Everything else is acknowledged and ignored.
func (s *Server) githubWebhook(c *gin.Context) {
	switch c.GetHeader("X-GitHub-Event") {
	case "push":
		s.githubPush(c)
	case "pull_request":
		s.githubPullRequest(c)
	default:
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) githubPush(c *gin.Context) {
	var ev pushEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		s.errorResponse(c, http.StatusBadRequest, "invalid push payload", err)
		return
	}
	branch := strings.TrimPrefix(ev.Ref, "refs/heads/")
	if ev.Deleted || branch == ev.Ref || ev.After == "" {
		// Branch deletions and tag pushes carry nothing to deploy.
		c.Status(http.StatusNoContent)
		return
	}
	spec := models.BuildSpec{
		Repo:         ev.Repository.FullName,
		TargetBranch: branch,
		GitCommit:    ev.After,
	}
	if err := s.builds.DeployOrDelayStart(c.Request.Context(), spec); err != nil {
		s.errorResponse(c, http.StatusInternalServerError, "failed to deploy build", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"name": spec.Name()})
}

func (s *Server) githubPullRequest(c *gin.Context) {
	var ev pullRequestEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		s.errorResponse(c, http.StatusBadRequest, "invalid pull_request payload", err)
		return
	}
	switch ev.Action {
	case "opened", "reopened", "synchronize":
	default:
		c.Status(http.StatusNoContent)
		return
	}
	spec := models.BuildSpec{
		Repo:         ev.Repository.FullName,
		TargetBranch: ev.PullRequest.Base.Ref,
		PR:           ev.Number,
		GitCommit:    ev.PullRequest.Head.SHA,
	}
	if err := s.builds.DeployOrDelayStart(c.Request.Context(), spec); err != nil {
		s.errorResponse(c, http.StatusInternalServerError, "failed to deploy build", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"name": spec.Name()})
}
