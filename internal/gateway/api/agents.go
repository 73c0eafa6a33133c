package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/registry"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// RegisterType registers an agent type template.
// POST /api/v1/agent-types
func (h *Handler) RegisterType(c *gin.Context) {
	var req v1.RegisterTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	t := &registry.AgentType{
		ID:           req.ID,
		Name:         req.Name,
		Category:     registry.Category(req.Category),
		Version:      req.Version,
		Capabilities: make([]registry.CapabilityDescriptor, len(req.Capabilities)),
	}
	if t.Category == "" {
		t.Category = registry.CategoryCustom
	}
	for i, capability := range req.Capabilities {
		t.Capabilities[i] = registry.CapabilityDescriptor{
			ID:   capability.ID,
			Name: capability.Name,
		}
	}

	if err := h.svc.Registry.RegisterType(t); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, typeToResponse(t))
}

// ListTypes returns all registered agent types.
// GET /api/v1/agent-types
func (h *Handler) ListTypes(c *gin.Context) {
	types := h.svc.Registry.ListTypes()
	resp := v1.AgentTypeListResponse{
		Types: make([]v1.AgentType, len(types)),
		Total: len(types),
	}
	for i, t := range types {
		resp.Types[i] = typeToResponse(t)
	}
	c.JSON(http.StatusOK, resp)
}

// GetType retrieves an agent type by id.
// GET /api/v1/agent-types/:typeId
func (h *Handler) GetType(c *gin.Context) {
	t, err := h.svc.Registry.GetType(c.Param("typeId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, typeToResponse(t))
}

// RegisterAgent registers a live agent instance.
// POST /api/v1/agents
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req v1.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	agent, err := h.svc.Registry.RegisterAgent(c.Request.Context(), registry.AgentSpec{
		ID:       req.ID,
		TypeID:   req.TypeID,
		Name:     req.Name,
		Capacity: req.Capacity,
	})
	if err != nil {
		h.logger.Warn("agent registration rejected", zap.String("type_id", req.TypeID), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agentToResponse(agent))
}

// ListAgents returns agents, optionally filtered.
// GET /api/v1/agents?status=&type_id=&capability=
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.svc.Registry.ListAgents(registry.ListFilter{
		Status:     registry.Status(c.Query("status")),
		TypeID:     c.Query("type_id"),
		Capability: c.Query("capability"),
	})
	resp := v1.AgentListResponse{
		Agents: make([]v1.Agent, len(agents)),
		Total:  len(agents),
	}
	for i, a := range agents {
		resp.Agents[i] = agentToResponse(a)
	}
	c.JSON(http.StatusOK, resp)
}

// GetAgent retrieves an agent by id.
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.svc.Registry.Get(c.Param("agentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agentToResponse(agent))
}

// UnregisterAgent removes an agent from the pool.
// DELETE /api/v1/agents/:agentId
func (h *Handler) UnregisterAgent(c *gin.Context) {
	if err := h.svc.Registry.UnregisterAgent(c.Request.Context(), c.Param("agentId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PauseAgent takes an agent out of dispatch.
// POST /api/v1/agents/:agentId/pause
func (h *Handler) PauseAgent(c *gin.Context) {
	h.agentTransition(c, h.svc.Orchestrator.PauseAgent)
}

// ResumeAgent returns a paused agent to dispatch.
// POST /api/v1/agents/:agentId/resume
func (h *Handler) ResumeAgent(c *gin.Context) {
	h.agentTransition(c, h.svc.Orchestrator.ResumeAgent)
}

// ResetAgent clears an errored agent back to idle.
// POST /api/v1/agents/:agentId/reset
func (h *Handler) ResetAgent(c *gin.Context) {
	h.agentTransition(c, h.svc.Orchestrator.ResetAgent)
}

func (h *Handler) agentTransition(c *gin.Context, transition func(ctx context.Context, agentID string) error) {
	agentID := c.Param("agentId")
	if err := transition(c.Request.Context(), agentID); err != nil {
		respondError(c, err)
		return
	}

	agent, err := h.svc.Registry.Get(agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agentToResponse(agent))
}

func typeToResponse(t *registry.AgentType) v1.AgentType {
	resp := v1.AgentType{
		ID:           t.ID,
		Name:         t.Name,
		Category:     string(t.Category),
		Version:      t.Version,
		Capabilities: make([]v1.Capability, len(t.Capabilities)),
	}
	for i, capability := range t.Capabilities {
		resp.Capabilities[i] = v1.Capability{
			ID:   capability.ID,
			Name: capability.Name,
		}
	}
	return resp
}

func agentToResponse(a *registry.Agent) v1.Agent {
	return v1.Agent{
		ID:           a.ID,
		TypeID:       a.TypeID,
		Name:         a.Name,
		Status:       v1.AgentStatus(a.Status),
		Capabilities: a.Capabilities,
		Capacity:     a.Capacity,
		ActiveTasks:  a.ActiveTasks,
		SuccessRate:  a.SuccessRate,
		RegisteredAt: a.RegisteredAt,
		LastSeenAt:   a.LastActiveAt,
	}
}
