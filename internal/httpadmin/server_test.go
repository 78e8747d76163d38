package httpadmin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomctl/internal/engine"
	"github.com/loomhq/loomctl/internal/expr"
	"github.com/loomhq/loomctl/internal/instance"
	"github.com/loomhq/loomctl/pkg/workflowtypes"
)

func newTestRouter(mgr *instance.Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	s := New(mgr)
	router := gin.New()
	router.GET("/healthz", s.healthz)
	router.GET("/debug/instances", s.debugInstances)
	return router
}

func TestHealthzReportsHealthy(t *testing.T) {
	mgr := instance.NewManager(expr.New(), engine.NewShellRunner())
	router := newTestRouter(mgr)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)
}

func TestDebugInstancesListsStartedWorkflows(t *testing.T) {
	mgr := instance.NewManager(expr.New(), engine.NewShellRunner())
	def := &workflowtypes.WorkflowDefinition{
		Name: "demo:debug", Version: "1.0.0",
		Steps: []workflowtypes.Step{{ID: "say", Type: workflowtypes.StepUserMessage, Message: "hi"}},
	}
	_, _, err := mgr.Start(def, nil)
	require.NoError(t, err)

	router := newTestRouter(mgr)
	req := httptest.NewRequest(http.MethodGet, "/debug/instances", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "demo:debug")
}

func TestStartServesUntilContextCancelled(t *testing.T) {
	mgr := instance.NewManager(expr.New(), engine.NewShellRunner())
	s := New(mgr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, 18765) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
