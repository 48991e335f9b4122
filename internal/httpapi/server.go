// Package httpapi serves the trajectory store over REST with gin.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/branchsim/internal/api"
	"github.com/danielpatrickdp/branchsim/internal/divergence"
	"github.com/danielpatrickdp/branchsim/internal/logging"
	"github.com/danielpatrickdp/branchsim/internal/metrics"
	"github.com/danielpatrickdp/branchsim/internal/run"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// Handlers holds the dependencies of every route.
type Handlers struct {
	runs          *run.Manager
	compare       *divergence.Engine
	log           *zap.Logger
	appendRetries int
}

// NewHandlers wires the handlers. appendRetries bounds how often a conflicting
// append is retried before 409 is returned.
func NewHandlers(runs *run.Manager, compare *divergence.Engine, logger *zap.Logger, appendRetries int) *Handlers {
	return &Handlers{
		runs:          runs,
		compare:       compare,
		log:           logging.OrNop(logger),
		appendRetries: appendRetries,
	}
}

// NewRouter builds the gin engine with every route registered. m may be nil,
// in which case /metrics serves the default registry.
func NewRouter(h *Handlers, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(h.log))
	RegisterRoutes(router, h)
	router.GET("/metrics", gin.WrapH(m.Handler()))
	return router
}

// RegisterRoutes registers the store routes on r.
//
//	GET  /health
//	GET  /simulations                     POST /simulations
//	GET  /simulations/:id/runs            POST /simulations/:id/runs
//	GET  /simulations/:id/tree
//	POST /states
//	GET  /states/:id                      GET  /states/:id/lineage
//	GET  /states/:id/children             GET  /states/:id/runs
//	GET  /runs                            POST /runs/branch
//	GET  /runs/:id                        GET  /runs/:id/history
//	GET  /runs/:id/states                 POST /runs/:id/states
//	POST /runs/:id/states/:state_id
//	POST /runs/:id/pause|resume|complete|fail
//	GET  /runs/:id/compare/:other
func RegisterRoutes(r gin.IRouter, h *Handlers) {
	r.GET("/health", h.HandleHealth)

	sims := r.Group("/simulations")
	sims.GET("", h.HandleListSimulations)
	sims.POST("", h.HandleCreateSimulation)
	sims.GET("/:id/runs", h.HandleListRuns)
	sims.POST("/:id/runs", h.HandleCreateRun)
	sims.GET("/:id/tree", h.HandleRunTree)

	states := r.Group("/states")
	states.POST("", h.HandleCreateState)
	states.GET("/:id", h.HandleGetState)
	states.GET("/:id/lineage", h.HandleLineage)
	states.GET("/:id/children", h.HandleChildren)
	states.GET("/:id/runs", h.HandleRunsContaining)

	runs := r.Group("/runs")
	runs.GET("", h.HandleListAllRuns)
	runs.POST("/branch", h.HandleBranch)
	runs.GET("/:id", h.HandleGetRun)
	runs.GET("/:id/history", h.HandleHistory)
	runs.GET("/:id/states", h.HandleRunStates)
	runs.POST("/:id/states", h.HandleAppendState)
	runs.POST("/:id/states/:state_id", h.HandleAddExistingState)
	runs.POST("/:id/pause", h.HandlePause)
	runs.POST("/:id/resume", h.HandleResume)
	runs.POST("/:id/complete", h.HandleComplete)
	runs.POST("/:id/fail", h.HandleFail)
	runs.GET("/:id/compare/:other", h.HandleCompare)
}

// StatusFor maps a store error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, storeerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storeerr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, storeerr.ErrInvalidBranchPoint):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storeerr.ErrRunNotActive), errors.Is(err, storeerr.ErrSequenceConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		h.log.Debug("request rejected", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, api.ErrorResponse{Error: err.Error(), Code: api.ErrorCode(err)})
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
