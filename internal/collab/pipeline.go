package collab

import (
	"context"
	"encoding/json"
	"fmt"

	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/orchestrator"
)

// HandoffFormat controls how a stage's output feeds the next stage.
type HandoffFormat string

// Handoff formats.
const (
	HandoffStructured HandoffFormat = "structured" // typed payload, JSON-encoded
	HandoffNatural    HandoffFormat = "natural"    // free text
)

// FailurePolicy controls what happens when a stage fails.
type FailurePolicy string

// Failure policies.
const (
	FailAbort        FailurePolicy = "abort"
	FailBacktrackOne FailurePolicy = "backtrack-one"
)

// StageSpec is one pipeline stage. AgentID pins the stage to an agent;
// otherwise the orchestrator routes by capability.
type StageSpec struct {
	Capability string `json:"capability"`
	AgentID    string `json:"agent_id,omitempty"`
}

// PipelineSpec configures a pipeline session.
type PipelineSpec struct {
	Task      string        `json:"task"`
	Stages    []StageSpec   `json:"stages"`
	Handoff   HandoffFormat `json:"handoff"`
	OnFailure FailurePolicy `json:"on_failure"`
}

func (spec PipelineSpec) validate() error {
	if spec.Task == "" {
		return apperr.Validation("task", "must not be empty")
	}
	if len(spec.Stages) == 0 {
		return apperr.Validation("stages", "pipeline needs at least one stage")
	}
	for i, stage := range spec.Stages {
		if stage.Capability == "" && stage.AgentID == "" {
			return apperr.Validation("stages", fmt.Sprintf("stage %d needs a capability or an agent", i+1))
		}
	}
	switch spec.Handoff {
	case HandoffStructured, HandoffNatural:
	default:
		return apperr.Validation("handoff", "unknown handoff format "+string(spec.Handoff))
	}
	switch spec.OnFailure {
	case FailAbort, FailBacktrackOne:
	default:
		return apperr.Validation("on_failure", "unknown failure policy "+string(spec.OnFailure))
	}
	return nil
}

// RunPipeline runs the stages in order, feeding each stage the previous
// output plus the original task. With backtrack-one, a failed stage triggers
// a single re-run of the previous stage with identical input before the
// failed stage is retried once.
func (c *Coordinator) RunPipeline(ctx context.Context, spec PipelineSpec) (*Result, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	for _, stage := range spec.Stages {
		if err := c.validateAgents("stages", stage.AgentID); err != nil {
			return nil, err
		}
	}

	participants := make([]string, 0, len(spec.Stages))
	for _, stage := range spec.Stages {
		if stage.AgentID != "" {
			participants = append(participants, stage.AgentID)
		}
	}
	session, ctx, release, err := c.begin(ctx, ModePipeline, participants)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		prevOutput any
		prevInput  string
		confidence float64
	)
	for i, stage := range spec.Stages {
		input := stageInput(spec, i, prevOutput)
		task, err := c.runStage(ctx, stage, input)
		if err != nil && spec.OnFailure == FailBacktrackOne && i > 0 {
			// Re-run the previous stage once with its original input, then
			// retry this stage on the fresh output.
			prev, perr := c.runStage(ctx, spec.Stages[i-1], prevInput)
			if perr != nil {
				return c.finish(ctx, session, nil, perr)
			}
			c.record(ctx, session, EntryStageOutput, i, stageAgent(spec.Stages[i-1], prev.AssignedAgent), prev.Result, prev.Confidence)
			prevOutput = prev.Result
			input = stageInput(spec, i, prevOutput)
			task, err = c.runStage(ctx, stage, input)
		}
		if err != nil {
			return c.finish(ctx, session, nil, err)
		}

		c.record(ctx, session, EntryStageOutput, i+1, stageAgent(stage, task.AssignedAgent), task.Result, task.Confidence)
		prevInput = input
		prevOutput = task.Result
		confidence = task.Confidence
	}

	return c.finish(ctx, session, session.finalize(prevOutput, confidence, 0), nil)
}

func (c *Coordinator) runStage(ctx context.Context, stage StageSpec, input string) (*orchestrator.Task, error) {
	return c.runAgentTask(ctx, stage.AgentID, input, stage.Capability, 0)
}

func stageAgent(stage StageSpec, assigned string) string {
	if assigned != "" {
		return assigned
	}
	return stage.AgentID
}

// stageInput builds the description a stage receives: the original task plus
// the previous stage's output, in the configured handoff format.
func stageInput(spec PipelineSpec, stageIndex int, prevOutput any) string {
	if stageIndex == 0 {
		return spec.Task
	}
	if spec.Handoff == HandoffStructured {
		payload, err := json.Marshal(map[string]any{
			"task":  spec.Task,
			"stage": stageIndex + 1,
			"input": prevOutput,
		})
		if err == nil {
			return string(payload)
		}
	}
	return fmt.Sprintf("Task: %s\n\nInput from previous stage:\n%v", spec.Task, prevOutput)
}
