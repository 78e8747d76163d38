// Package httpadmin implements the optional HTTP introspection surface
// (SPEC_FULL.md §11.10): liveness (/healthz) and a read-only
// /debug/instances listing. Disabled by default — spec §1 excludes a
// metrics sink from the core engine, and this is liveness/debug tooling,
// not one.
//
// Grounded on the teacher's internal/api/api.go Server.Start (gin.New +
// gin.Recovery, health check route, http.Server with graceful
// context-cancellation shutdown), scoped down from Station's full API v1
// route group to two read-only endpoints.
package httpadmin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loomhq/loomctl/internal/instance"
)

// Server serves liveness and debug-introspection routes over HTTP.
type Server struct {
	mgr        *instance.Manager
	httpServer *http.Server
}

// New constructs a Server over mgr.
func New(mgr *instance.Manager) *Server {
	return &Server{mgr: mgr}
}

// Start serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.healthz)
	router.GET("/debug/instances", s.debugInstances)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "loomctl"})
}

// debugInstances lists every workflow instance currently known to the
// Manager, for operator inspection only — never the primary advancement
// transport (spec §5 requires that to stay synchronous get_next_step/
// step_complete).
func (s *Server) debugInstances(c *gin.Context) {
	list := s.mgr.List()
	out := make([]gin.H, len(list))
	for i, inst := range list {
		out[i] = gin.H{
			"workflow_id": inst.ID,
			"name":        inst.Def.Name,
			"status":      inst.Status,
			"parent_id":   inst.ParentID,
			"task_id":     inst.TaskID,
			"started_at":  inst.StartedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"instances": out})
}
