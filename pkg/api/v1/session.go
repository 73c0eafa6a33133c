package v1

import "time"

// DebateRequest runs a structured debate between agents.
type DebateRequest struct {
	Task         string   `json:"task" binding:"required,max=2000"`
	Participants []string `json:"participants" binding:"required,min=2"`
	Rounds       int      `json:"rounds,omitempty" binding:"omitempty,min=1,max=10"`
	Judge        string   `json:"judge,omitempty" binding:"omitempty,max=128"`
	Jury         []string `json:"jury,omitempty"`
}

// EnsembleRequest runs the same task across agents and merges outputs.
type EnsembleRequest struct {
	Task         string   `json:"task" binding:"required,max=2000"`
	Participants []string `json:"participants" binding:"required,min=2"`
	Merge        string   `json:"merge,omitempty" binding:"omitempty,oneof=vote average synthesis"`
	Synthesizer  string   `json:"synthesizer,omitempty" binding:"omitempty,max=128"`
}

// PipelineStage is one step of a pipeline session.
type PipelineStage struct {
	Capability string `json:"capability,omitempty" binding:"omitempty,max=128"`
	AgentID    string `json:"agent_id,omitempty" binding:"omitempty,max=128"`
}

// PipelineRequest chains stages so each consumes the previous output.
type PipelineRequest struct {
	Task      string          `json:"task" binding:"required,max=2000"`
	Stages    []PipelineStage `json:"stages" binding:"required,min=1,dive"`
	Handoff   string          `json:"handoff,omitempty" binding:"omitempty,oneof=structured natural"`
	OnFailure string          `json:"on_failure,omitempty" binding:"omitempty,oneof=abort backtrack-one"`
}

// CritiqueRequest iterates a producer draft under critic review.
type CritiqueRequest struct {
	Task              string   `json:"task" binding:"required,max=2000"`
	Producer          string   `json:"producer" binding:"required,max=128"`
	Critics           []string `json:"critics" binding:"required,min=1"`
	ApprovalThreshold float64  `json:"approval_threshold,omitempty" binding:"omitempty,gt=0,lte=1"`
	MaxIterations     int      `json:"max_iterations,omitempty" binding:"omitempty,min=1,max=10"`
	Sequential        bool     `json:"sequential,omitempty"`
}

// SwarmRequest decomposes a goal and fans subtasks out to the pool.
type SwarmRequest struct {
	Task         string `json:"task" binding:"required,max=2000"`
	Capability   string `json:"capability,omitempty" binding:"omitempty,max=128"`
	Priority     int    `json:"priority,omitempty" binding:"omitempty,min=0,max=3"`
	Coordination string `json:"coordination,omitempty" binding:"omitempty,oneof=blackboard direct"`
}

// TranscriptEntry is one recorded utterance of a session.
type TranscriptEntry struct {
	Seq        int       `json:"seq"`
	Type       string    `json:"type"`
	Round      int       `json:"round"`
	AgentID    string    `json:"agent_id"`
	Content    any       `json:"content"`
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionResult is the wire form of a finished collaboration session.
type SessionResult struct {
	SessionID    string            `json:"session_id"`
	Mode         string            `json:"mode"`
	Output       any               `json:"output"`
	Confidence   float64           `json:"confidence"`
	Agreement    float64           `json:"agreement,omitempty"`
	Participants []string          `json:"participants"`
	Transcript   []TranscriptEntry `json:"transcript"`
	Rounds       int               `json:"rounds"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  time.Time         `json:"completed_at"`
}

// SessionInfo summarizes a session that is still in flight.
type SessionInfo struct {
	ID           string    `json:"id"`
	Mode         string    `json:"mode"`
	Participants []string  `json:"participants"`
	Round        int       `json:"round"`
	Entries      int       `json:"entries"`
	StartedAt    time.Time `json:"started_at"`
}

// SessionListResponse wraps the active session listing.
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

// VoteOpinion is one agent position submitted to a consensus vote.
type VoteOpinion struct {
	AgentID    string  `json:"agent_id" binding:"required,max=128"`
	Decision   any     `json:"decision" binding:"required"`
	Confidence float64 `json:"confidence,omitempty" binding:"omitempty,gte=0,lte=1"`
	Reasoning  string  `json:"reasoning,omitempty" binding:"omitempty,max=2000"`
	Weight     float64 `json:"weight,omitempty" binding:"omitempty,gte=0"`
}

// VoteRequest resolves a set of opinions with a voting strategy.
type VoteRequest struct {
	Strategy  string        `json:"strategy,omitempty" binding:"omitempty,oneof=majority weighted unanimous threshold"`
	Threshold float64       `json:"threshold,omitempty" binding:"omitempty,gt=0,lte=1"`
	Opinions  []VoteOpinion `json:"opinions" binding:"required,min=1,dive"`
}

// VoteResponse reports the winning decision and per-option scores.
type VoteResponse struct {
	Decision     any                `json:"decision"`
	Confidence   float64            `json:"confidence"`
	Strategy     string             `json:"strategy"`
	Participants int                `json:"participants"`
	Scores       map[string]float64 `json:"scores,omitempty"`
}
