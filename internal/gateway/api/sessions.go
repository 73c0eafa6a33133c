package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/collab"
	"github.com/agentplane/agentplane/internal/consensus"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// ListSessions returns the sessions currently in flight.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.svc.Collab.ActiveSessions()
	resp := v1.SessionListResponse{
		Sessions: make([]v1.SessionInfo, len(sessions)),
		Total:    len(sessions),
	}
	for i, s := range sessions {
		resp.Sessions[i] = sessionInfoToResponse(s)
	}
	c.JSON(http.StatusOK, resp)
}

// GetSession retrieves an in-flight session by id.
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	info, err := h.svc.Collab.GetSession(c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionInfoToResponse(info))
}

// RunDebate runs a debate session to completion.
// POST /api/v1/sessions/debate
func (h *Handler) RunDebate(c *gin.Context) {
	var req v1.DebateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	result, err := h.svc.Collab.RunDebate(c.Request.Context(), collab.DebateSpec{
		Task:         req.Task,
		Participants: req.Participants,
		Rounds:       defaultInt(req.Rounds, 1),
		Judge:        req.Judge,
		Jury:         req.Jury,
	})
	h.respondSession(c, "debate", result, err)
}

// RunEnsemble runs an ensemble session to completion.
// POST /api/v1/sessions/ensemble
func (h *Handler) RunEnsemble(c *gin.Context) {
	var req v1.EnsembleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	merge := collab.MergeStrategy(req.Merge)
	if merge == "" {
		merge = collab.MergeVote
	}
	result, err := h.svc.Collab.RunEnsemble(c.Request.Context(), collab.EnsembleSpec{
		Task:         req.Task,
		Participants: req.Participants,
		Merge:        merge,
		Synthesizer:  req.Synthesizer,
	})
	h.respondSession(c, "ensemble", result, err)
}

// RunPipeline runs a pipeline session to completion.
// POST /api/v1/sessions/pipeline
func (h *Handler) RunPipeline(c *gin.Context) {
	var req v1.PipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	stages := make([]collab.StageSpec, len(req.Stages))
	for i, stage := range req.Stages {
		stages[i] = collab.StageSpec{
			Capability: stage.Capability,
			AgentID:    stage.AgentID,
		}
	}
	handoff := collab.HandoffFormat(req.Handoff)
	if handoff == "" {
		handoff = collab.HandoffStructured
	}
	onFailure := collab.FailurePolicy(req.OnFailure)
	if onFailure == "" {
		onFailure = collab.FailAbort
	}

	result, err := h.svc.Collab.RunPipeline(c.Request.Context(), collab.PipelineSpec{
		Task:      req.Task,
		Stages:    stages,
		Handoff:   handoff,
		OnFailure: onFailure,
	})
	h.respondSession(c, "pipeline", result, err)
}

// RunCritique runs a critique session to completion.
// POST /api/v1/sessions/critique
func (h *Handler) RunCritique(c *gin.Context) {
	var req v1.CritiqueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	threshold := req.ApprovalThreshold
	if threshold == 0 {
		threshold = 0.7
	}
	result, err := h.svc.Collab.RunCritique(c.Request.Context(), collab.CritiqueSpec{
		Task:              req.Task,
		Producer:          req.Producer,
		Critics:           req.Critics,
		ApprovalThreshold: threshold,
		MaxIterations:     defaultInt(req.MaxIterations, 3),
		Sequential:        req.Sequential,
	})
	h.respondSession(c, "critique", result, err)
}

// RunSwarm runs a swarm session to completion.
// POST /api/v1/sessions/swarm
func (h *Handler) RunSwarm(c *gin.Context) {
	var req v1.SwarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	coordination := collab.CoordinationStyle(req.Coordination)
	if coordination == "" {
		coordination = collab.CoordBlackboard
	}
	result, err := h.svc.Collab.RunSwarm(c.Request.Context(), collab.SwarmSpec{
		Task:         req.Task,
		Capability:   req.Capability,
		Priority:     req.Priority,
		Coordination: coordination,
	})
	h.respondSession(c, "swarm", result, err)
}

// Vote resolves a set of opinions with a voting strategy.
// POST /api/v1/consensus/vote
func (h *Handler) Vote(c *gin.Context) {
	var req v1.VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	opinions := make([]consensus.Opinion, len(req.Opinions))
	for i, op := range req.Opinions {
		opinions[i] = consensus.Opinion{
			AgentID:    op.AgentID,
			Decision:   decisionFromValue(op.Decision),
			Confidence: op.Confidence,
			Reasoning:  op.Reasoning,
			Weight:     op.Weight,
		}
	}

	result, err := h.svc.Consensus.Vote(opinions, consensus.Strategy(req.Strategy), consensus.Params{
		Threshold: req.Threshold,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, v1.VoteResponse{
		Decision:     result.Decision.Value(),
		Confidence:   result.Confidence,
		Strategy:     string(result.Strategy),
		Participants: len(result.Participants),
		Scores:       result.Scores,
	})
}

func (h *Handler) respondSession(c *gin.Context, mode string, result *collab.Result, err error) {
	if err != nil {
		h.logger.Warn("session failed", zap.String("mode", mode), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResultToResponse(result))
}

func sessionResultToResponse(r *collab.Result) v1.SessionResult {
	resp := v1.SessionResult{
		SessionID:    r.SessionID,
		Mode:         string(r.Mode),
		Output:       r.Output,
		Confidence:   r.Confidence,
		Agreement:    r.Agreement,
		Participants: r.Participants,
		Transcript:   make([]v1.TranscriptEntry, len(r.Transcript)),
		Rounds:       r.Rounds,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}
	for i, entry := range r.Transcript {
		resp.Transcript[i] = v1.TranscriptEntry{
			Seq:        entry.Seq,
			Type:       string(entry.Type),
			Round:      entry.Round,
			AgentID:    entry.AgentID,
			Content:    entry.Content,
			Confidence: entry.Confidence,
			Timestamp:  entry.Timestamp,
		}
	}
	return resp
}

func sessionInfoToResponse(s collab.SessionInfo) v1.SessionInfo {
	return v1.SessionInfo{
		ID:           s.ID,
		Mode:         string(s.Mode),
		Participants: s.Participants,
		Round:        s.Round,
		Entries:      s.Entries,
		StartedAt:    s.StartedAt,
	}
}

// decisionFromValue wraps a decoded JSON value as a vote decision.
func decisionFromValue(v any) consensus.Decision {
	switch val := v.(type) {
	case string:
		return consensus.Scalar(val)
	case float64:
		return consensus.Scalar(val)
	case bool:
		return consensus.Scalar(val)
	case map[string]any:
		return consensus.Struct(val)
	default:
		return consensus.Scalar(fmt.Sprintf("%v", val))
	}
}

func defaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
