package collab

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/consensus"
	"github.com/agentplane/agentplane/internal/orchestrator"
)

// MergeStrategy decides how ensemble outputs combine into one.
type MergeStrategy string

// Merge strategies.
const (
	MergeVote      MergeStrategy = "vote"
	MergeAverage   MergeStrategy = "average"
	MergeSynthesis MergeStrategy = "synthesis"
)

// EnsembleSpec configures an ensemble session: the same task fanned out to
// every participant, outputs merged per strategy.
type EnsembleSpec struct {
	Task         string        `json:"task"`
	Participants []string      `json:"participants"`
	Merge        MergeStrategy `json:"merge"`
	Synthesizer  string        `json:"synthesizer,omitempty"`
}

func (spec EnsembleSpec) validate() error {
	if spec.Task == "" {
		return apperr.Validation("task", "must not be empty")
	}
	if len(spec.Participants) < 2 {
		return apperr.Validation("participants", "ensemble needs at least two participants")
	}
	switch spec.Merge {
	case MergeVote, MergeAverage:
	case MergeSynthesis:
		if spec.Synthesizer == "" {
			return apperr.Validation("synthesizer", "synthesis merge needs a synthesizer agent")
		}
	default:
		return apperr.Validation("merge", "unknown merge strategy "+string(spec.Merge))
	}
	return nil
}

// RunEnsemble fans the task out to all participants in parallel and merges
// the outputs. Agreement is the fraction of outputs equal to the chosen one.
func (c *Coordinator) RunEnsemble(ctx context.Context, spec EnsembleSpec) (*Result, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if err := c.validateAgents("participants", spec.Participants...); err != nil {
		return nil, err
	}
	if err := c.validateAgents("synthesizer", spec.Synthesizer); err != nil {
		return nil, err
	}

	session, ctx, release, err := c.begin(ctx, ModeEnsemble, spec.Participants)
	if err != nil {
		return nil, err
	}
	defer release()

	results := make([]*orchestrator.Task, len(spec.Participants))
	g, groupCtx := errgroup.WithContext(ctx)
	for i, agentID := range spec.Participants {
		g.Go(func() error {
			task, err := c.runAgentTask(groupCtx, agentID, spec.Task, "", 0)
			if err != nil {
				return err
			}
			results[i] = task
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return c.finish(ctx, session, nil, err)
	}
	for i, agentID := range spec.Participants {
		c.record(ctx, session, EntryOutput, 1, agentID, results[i].Result, results[i].Confidence)
	}

	output, confidence, err := c.mergeEnsemble(ctx, session, spec, results)
	if err != nil {
		return c.finish(ctx, session, nil, err)
	}

	chosen := decisionFrom(output)
	matches := 0
	for _, task := range results {
		if decisionFrom(task.Result).Equal(chosen) {
			matches++
		}
	}
	agreement := float64(matches) / float64(len(results))

	return c.finish(ctx, session, session.finalize(output, confidence, agreement), nil)
}

func (c *Coordinator) mergeEnsemble(ctx context.Context, session *Session, spec EnsembleSpec, results []*orchestrator.Task) (any, float64, error) {
	switch spec.Merge {
	case MergeAverage:
		if mean, conf, ok := averageOutputs(results); ok {
			return mean, conf, nil
		}
		// Non-numeric output in the set: average degrades to vote.
		fallthrough

	case MergeVote:
		opinions := make([]consensus.Opinion, len(results))
		for i, task := range results {
			opinions[i] = consensus.Opinion{
				AgentID:    spec.Participants[i],
				Decision:   decisionFrom(task.Result),
				Confidence: task.Confidence,
			}
		}
		vote, err := c.consensus.Vote(opinions, consensus.Majority, consensus.Params{})
		if err != nil {
			return nil, 0, err
		}
		return vote.Decision.Value(), vote.Confidence, nil

	case MergeSynthesis:
		task, err := c.runAgentTask(ctx, spec.Synthesizer, synthesisPrompt(spec, results), "", 0)
		if err != nil {
			return nil, 0, err
		}
		c.record(ctx, session, EntrySynthesis, 2, spec.Synthesizer, task.Result, task.Confidence)
		return task.Result, task.Confidence, nil
	}
	return nil, 0, apperr.Validation("merge", "unknown merge strategy "+string(spec.Merge))
}

// averageOutputs returns the numeric mean of all outputs, or ok=false when
// any output is non-numeric. Confidence is the mean participant confidence.
func averageOutputs(results []*orchestrator.Task) (float64, float64, bool) {
	var sum, confSum float64
	for _, task := range results {
		n, ok := toNumber(task.Result)
		if !ok {
			return 0, 0, false
		}
		sum += n
		confSum += task.Confidence
	}
	k := float64(len(results))
	return sum / k, confSum / k, true
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func synthesisPrompt(spec EnsembleSpec, results []*orchestrator.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\nCandidate outputs:\n", spec.Task)
	for i, task := range results {
		fmt.Fprintf(&b, "- %s: %v\n", spec.Participants[i], task.Result)
	}
	b.WriteString("\nSynthesize a single best output from the candidates.")
	return b.String()
}
