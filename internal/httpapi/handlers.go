package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/danielpatrickdp/branchsim/internal/api"
	"github.com/danielpatrickdp/branchsim/internal/ledger"
	"github.com/danielpatrickdp/branchsim/internal/run"
	"github.com/danielpatrickdp/branchsim/internal/state"
	"github.com/danielpatrickdp/branchsim/internal/storeerr"
)

// #region helpers
func (h *Handlers) bind(c *gin.Context, req interface{ Validate() error }) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.fail(c, fmt.Errorf("invalid request body: %v: %w", err, storeerr.ErrValidation))
		return false
	}
	if err := req.Validate(); err != nil {
		h.fail(c, err)
		return false
	}
	return true
}

func paging(c *gin.Context) (skip, limit int, err error) {
	if skip, err = queryInt(c, "skip", 0); err != nil {
		return 0, 0, err
	}
	if limit, err = queryInt(c, "limit", 100); err != nil {
		return 0, 0, err
	}
	if skip < 0 || limit < 1 || limit > 1000 {
		return 0, 0, fmt.Errorf("skip must be >= 0 and limit in 1..1000: %w", storeerr.ErrValidation)
	}
	return skip, limit, nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %v: %w", key, err, storeerr.ErrValidation)
	}
	return n, nil
}

// #endregion helpers

// #region health
// HandleHealth reports liveness and database reachability.
func (h *Handlers) HandleHealth(c *gin.Context) {
	if err := h.runs.DB().PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, api.HealthResponse{Status: "unavailable"})
		return
	}
	c.JSON(http.StatusOK, api.HealthResponse{Status: "ok"})
}

// #endregion health

// #region simulations
// HandleCreateSimulation handles POST /simulations.
func (h *Handlers) HandleCreateSimulation(c *gin.Context) {
	var req api.CreateSimulationRequest
	if !h.bind(c, &req) {
		return
	}
	sim, err := h.runs.Simulations().Create(c.Request.Context(), req.Params())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sim)
}

// HandleListSimulations handles GET /simulations.
func (h *Handlers) HandleListSimulations(c *gin.Context) {
	skip, limit, err := paging(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	sims, err := h.runs.Simulations().List(c.Request.Context(), skip, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sims)
}

// HandleListRuns handles GET /simulations/:id/runs.
func (h *Handlers) HandleListRuns(c *gin.Context) {
	runs, err := h.runs.ListBySimulation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(runs))
}

// HandleCreateRun handles POST /simulations/:id/runs.
func (h *Handlers) HandleCreateRun(c *gin.Context) {
	var req api.CreateRunRequest
	if !h.bind(c, &req) {
		return
	}
	r, err := h.runs.CreateRun(c.Request.Context(), req.Params(c.Param("id")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// HandleRunTree handles GET /simulations/:id/tree.
func (h *Handlers) HandleRunTree(c *gin.Context) {
	tree, err := h.runs.Tree(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

// #endregion simulations

// #region states
// HandleCreateState handles POST /states.
func (h *Handlers) HandleCreateState(c *gin.Context) {
	var req api.CreateStateRequest
	if !h.bind(c, &req) {
		return
	}
	st, err := h.runs.States().Create(c.Request.Context(), req.NewState())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

// HandleGetState handles GET /states/:id.
func (h *Handlers) HandleGetState(c *gin.Context) {
	st, err := h.runs.States().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// HandleLineage handles GET /states/:id/lineage.
func (h *Handlers) HandleLineage(c *gin.Context) {
	states, err := h.runs.States().Lineage(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, states)
}

// HandleChildren handles GET /states/:id/children.
func (h *Handlers) HandleChildren(c *gin.Context) {
	states, err := h.runs.States().Children(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(states))
}

// HandleRunsContaining handles GET /states/:id/runs.
func (h *Handlers) HandleRunsContaining(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.runs.States().Get(ctx, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	ids, err := ledger.RunsContaining(ctx, h.runs.DB(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state_id": c.Param("id"), "run_ids": orEmpty(ids)})
}

// #endregion states

// #region runs
// HandleListAllRuns handles GET /runs.
func (h *Handlers) HandleListAllRuns(c *gin.Context) {
	skip, limit, err := paging(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	runs, err := h.runs.ListAll(c.Request.Context(), skip, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(runs))
}

// HandleGetRun handles GET /runs/:id.
func (h *Handlers) HandleGetRun(c *gin.Context) {
	r, err := h.runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// HandleHistory handles GET /runs/:id/history.
func (h *Handlers) HandleHistory(c *gin.Context) {
	ops, err := h.runs.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(ops))
}

// HandleRunStates handles GET /runs/:id/states.
func (h *Handlers) HandleRunStates(c *gin.Context) {
	ctx := c.Request.Context()
	r, err := h.runs.Get(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	entries, err := h.runs.RunStates(ctx, r.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, api.NewRunStatesResponse(r.ID, r.Name, entries))
}

// HandleAppendState handles POST /runs/:id/states: create a state and append it.
func (h *Handlers) HandleAppendState(c *gin.Context) {
	var req api.CreateStateRequest
	if !h.bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	var st state.State
	var r run.Run
	err := h.runs.RetryOnConflict(ctx, h.appendRetries, func() error {
		var err error
		st, r, err = h.runs.AppendNewState(ctx, c.Param("id"), req.NewState())
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, api.AppendStateResponse{State: st, RunID: r.ID, SequenceOrder: r.TotalSteps - 1})
}

// HandleAddExistingState handles POST /runs/:id/states/:state_id.
func (h *Handlers) HandleAddExistingState(c *gin.Context) {
	ctx := c.Request.Context()
	var r run.Run
	err := h.runs.RetryOnConflict(ctx, h.appendRetries, func() error {
		var err error
		r, err = h.runs.AddState(ctx, c.Param("id"), c.Param("state_id"))
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// HandleBranch handles POST /runs/branch.
func (h *Handlers) HandleBranch(c *gin.Context) {
	var req api.BranchRequest
	if !h.bind(c, &req) {
		return
	}
	r, err := h.runs.Branch(c.Request.Context(), req.Params())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// HandlePause handles POST /runs/:id/pause.
func (h *Handlers) HandlePause(c *gin.Context) {
	h.respondRun(c)(h.runs.Pause(c.Request.Context(), c.Param("id")))
}

// HandleResume handles POST /runs/:id/resume.
func (h *Handlers) HandleResume(c *gin.Context) {
	h.respondRun(c)(h.runs.Resume(c.Request.Context(), c.Param("id")))
}

// HandleComplete handles POST /runs/:id/complete with an optional total_reward.
func (h *Handlers) HandleComplete(c *gin.Context) {
	var req api.StatusRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			h.fail(c, fmt.Errorf("invalid request body: %v: %w", err, storeerr.ErrValidation))
			return
		}
	}
	h.respondRun(c)(h.runs.Complete(c.Request.Context(), c.Param("id"), req.TotalReward))
}

// HandleFail handles POST /runs/:id/fail.
func (h *Handlers) HandleFail(c *gin.Context) {
	h.respondRun(c)(h.runs.Fail(c.Request.Context(), c.Param("id")))
}

func (h *Handlers) respondRun(c *gin.Context) func(run.Run, error) {
	return func(r run.Run, err error) {
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

// HandleCompare handles GET /runs/:id/compare/:other.
func (h *Handlers) HandleCompare(c *gin.Context) {
	cmp, err := h.compare.CompareRuns(c.Request.Context(), c.Param("id"), c.Param("other"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}

// #endregion runs

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
