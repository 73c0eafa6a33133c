package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/balancer"
	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/decomposer"
	"github.com/agentplane/agentplane/internal/orchestrator"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// SubmitTask admits a new task.
// POST /api/v1/tasks
func (h *Handler) SubmitTask(c *gin.Context) {
	var req v1.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	spec := orchestrator.TaskSpec{
		ID:          req.ID,
		Description: req.Description,
		Priority:    req.Priority,
		Capability:  req.Capability,
		AgentID:     req.AgentID,
		DependsOn:   req.DependsOn,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
		Strategy:    balancer.Strategy(req.Strategy),
	}

	id, err := h.svc.Orchestrator.Submit(c.Request.Context(), spec)
	if err != nil {
		h.logger.Warn("task rejected", zap.Error(err))
		respondError(c, err)
		return
	}

	task, err := h.svc.Orchestrator.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, v1.SubmitTaskResponse{
		TaskID: id,
		Status: v1.TaskStatus(task.Status),
	})
}

// GetTask retrieves a task by id.
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.svc.Orchestrator.Get(c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

// ListTasks returns tasks, optionally filtered by status or agent.
// GET /api/v1/tasks?status=&agent_id=&limit=
func (h *Handler) ListTasks(c *gin.Context) {
	filter := orchestrator.Filter{
		Status:  orchestrator.Status(c.Query("status")),
		AgentID: c.Query("agent_id"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, apperr.Validation("limit", "must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	tasks := h.svc.Orchestrator.List(filter)
	resp := v1.TaskListResponse{
		Tasks: make([]v1.Task, len(tasks)),
		Total: len(tasks),
	}
	for i, t := range tasks {
		resp.Tasks[i] = taskToResponse(t)
	}
	c.JSON(http.StatusOK, resp)
}

// CancelTask cancels a queued, waiting or running task.
// POST /api/v1/tasks/:taskId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.svc.Orchestrator.Cancel(c.Request.Context(), taskID); err != nil {
		respondError(c, err)
		return
	}

	task, err := h.svc.Orchestrator.Get(taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

// DecomposeTask expands a goal into a subtask plan and, unless plan_only is
// set, submits every subtask.
// POST /api/v1/tasks/decompose
func (h *Handler) DecomposeTask(c *gin.Context) {
	var req v1.DecomposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	parentID := uuid.New().String()
	plan, err := h.svc.Decomposer.Decompose(parentID, req.Description, decomposer.Hints{
		Capability: req.Capability,
		Priority:   req.Priority,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := v1.DecomposeResponse{
		ParentID: plan.ParentID,
		Pattern:  plan.Pattern,
		Subtasks: make([]v1.PlanSubtask, len(plan.SubTasks)),
	}
	for i, st := range plan.SubTasks {
		resp.Subtasks[i] = v1.PlanSubtask{
			ID:          st.LocalID,
			Description: st.Description,
			Capability:  st.Capability,
			Priority:    st.Priority,
			DependsOn:   st.DependsOn,
		}
	}

	if req.PlanOnly {
		c.JSON(http.StatusOK, resp)
		return
	}

	ids, err := h.svc.Orchestrator.SubmitPlan(c.Request.Context(), plan, orchestrator.TaskSpec{
		Priority: req.Priority,
	})
	if err != nil {
		h.logger.Warn("plan rejected", zap.String("parent_id", parentID), zap.Error(err))
		respondError(c, err)
		return
	}
	resp.TaskIDs = ids
	c.JSON(http.StatusCreated, resp)
}

// OrchestratorStats reports queue depth and lifetime counters.
// GET /api/v1/orchestrator/stats
func (h *Handler) OrchestratorStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Orchestrator.Stats())
}

func taskToResponse(t *orchestrator.Task) v1.Task {
	resp := v1.Task{
		ID:            t.ID,
		Description:   t.Description,
		Status:        v1.TaskStatus(t.Status),
		Capability:    t.Capability,
		Priority:      t.Priority,
		AssignedAgent: t.AssignedAgent,
		DependsOn:     t.DependsOn,
		Result:        t.Result,
		SubmittedAt:   t.CreatedAt,
	}
	if t.Error != nil {
		resp.Error = &v1.Error{
			Kind:      string(t.Error.Kind),
			Message:   t.Error.Message,
			Retryable: t.Error.Retryable,
		}
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		resp.StartedAt = &started
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		resp.CompletedAt = &completed
	}
	return resp
}
