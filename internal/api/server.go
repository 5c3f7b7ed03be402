// Package api exposes the controller over HTTP: a small JSON API for
// inspecting and acting on builds, and the GitHub webhook that feeds new
// commits into the controller.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cetmix/runboat/internal/controller"
	"github.com/cetmix/runboat/internal/models"
)

// Builds is the slice of the controller the API needs.
type Builds interface {
	ListBuilds() []models.Build
	GetBuild(name string) (models.Build, bool)
	StartBuild(ctx context.Context, name string) error
	StopBuild(ctx context.Context, name string) error
	DeployOrDelayStart(ctx context.Context, spec models.BuildSpec) error
	Stats() controller.Stats
}

type Server struct {
	builds       Builds
	allowOrigins string
}

func NewServer(builds Builds, allowOrigins string) *Server {
	return &Server{builds: builds, allowOrigins: allowOrigins}
}

// Router builds the gin engine with all routes mounted. The status API is
// consumed by browser dashboards, so cross-origin reads are allowed for the
// configured origin.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{s.allowOrigins},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	api := r.Group("/api/v1")
	{
		api.GET("/status", s.getStatus)
		api.GET("/builds", s.listBuilds)
		api.GET("/builds/:name", s.getBuild)
		api.POST("/builds/:name/start", s.startBuild)
		api.POST("/builds/:name/stop", s.stopBuild)
	}
	r.POST("/webhooks/github", s.githubWebhook)

	return r
}

func (s *Server) errorResponse(c *gin.Context, statusCode int, message string, err error) {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = fmt.Sprintf("%.8s", uuid.New().String())
	}
	if err != nil {
		log.Printf("[%s] %s: %v", requestID, message, err)
	}
	c.JSON(statusCode, gin.H{"error": message, "request_id": requestID})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.builds.Stats())
}

func (s *Server) listBuilds(c *gin.Context) {
	builds := s.builds.ListBuilds()
	if repo := c.Query("repo"); repo != "" {
		filtered := builds[:0]
		for _, b := range builds {
			if strings.EqualFold(b.Spec.Repo, repo) {
				filtered = append(filtered, b)
			}
		}
		builds = filtered
	}
	c.JSON(http.StatusOK, builds)
}

func (s *Server) getBuild(c *gin.Context) {
	b, ok := s.builds.GetBuild(c.Param("name"))
	if !ok {
		s.errorResponse(c, http.StatusNotFound, "build not found", nil)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) startBuild(c *gin.Context) {
	s.buildAction(c, s.builds.StartBuild)
}

func (s *Server) stopBuild(c *gin.Context) {
	s.buildAction(c, s.builds.StopBuild)
}

func (s *Server) buildAction(c *gin.Context, action func(context.Context, string) error) {
	name := c.Param("name")
	if err := action(c.Request.Context(), name); err != nil {
		if errors.Is(err, controller.ErrBuildNotFound) {
			s.errorResponse(c, http.StatusNotFound, "build not found", nil)
			return
		}
		s.errorResponse(c, http.StatusInternalServerError, "build action failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"name": name})
}
