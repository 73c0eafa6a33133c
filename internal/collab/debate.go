package collab

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/consensus"
	"github.com/agentplane/agentplane/internal/orchestrator"
)

// DebateSpec configures a debate session. Either a designated Judge or a
// Jury (resolved by weighted vote) decides the winner.
type DebateSpec struct {
	Task         string   `json:"task"`
	Participants []string `json:"participants"`
	Rounds       int      `json:"rounds"`
	Judge        string   `json:"judge,omitempty"`
	Jury         []string `json:"jury,omitempty"`
}

func (spec DebateSpec) validate() error {
	if spec.Task == "" {
		return apperr.Validation("task", "must not be empty")
	}
	if len(spec.Participants) < 2 {
		return apperr.Validation("participants", "debate needs at least two participants")
	}
	if spec.Rounds < 1 {
		return apperr.Validation("rounds", "must be at least 1")
	}
	if spec.Judge == "" && len(spec.Jury) == 0 {
		return apperr.Validation("judge", "a designated judge or a jury is required")
	}
	return nil
}

// RunDebate runs R rounds of arguments and rebuttals, then decides a winner.
// Round 1 is each participant's initial argument; later rounds are rebuttals
// over the full prior transcript.
func (c *Coordinator) RunDebate(ctx context.Context, spec DebateSpec) (*Result, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if err := c.validateAgents("participants", spec.Participants...); err != nil {
		return nil, err
	}
	if err := c.validateAgents("judge", spec.Judge); err != nil {
		return nil, err
	}
	if err := c.validateAgents("jury", spec.Jury...); err != nil {
		return nil, err
	}

	session, ctx, release, err := c.begin(ctx, ModeDebate, spec.Participants)
	if err != nil {
		return nil, err
	}
	defer release()

	finalArgs := make(map[string]any, len(spec.Participants))
	for round := 1; round <= spec.Rounds; round++ {
		entryType := EntryRebuttal
		if round == 1 {
			entryType = EntryArgument
		}
		prompt := debatePrompt(spec.Task, round, session.Transcript())

		// Participants argue in parallel within a round; the transcript
		// keeps participant order for determinism.
		results := make([]*orchestrator.Task, len(spec.Participants))
		g, groupCtx := errgroup.WithContext(ctx)
		for i, agentID := range spec.Participants {
			g.Go(func() error {
				task, err := c.runAgentTask(groupCtx, agentID, prompt, "", 0)
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
			c.record(ctx, session, entryType, round, agentID, results[i].Result, results[i].Confidence)
			finalArgs[agentID] = results[i].Result
		}
	}

	winner, confidence, err := c.judgeDebate(ctx, session, spec)
	if err != nil {
		return c.finish(ctx, session, nil, err)
	}

	output := finalArgs[winner]
	if output == nil {
		// The verdict named something other than a participant; surface it
		// as the output rather than guessing.
		output = winner
	}
	return c.finish(ctx, session, session.finalize(map[string]any{
		"winner":   winner,
		"argument": output,
	}, confidence, 0), nil)
}

// judgeDebate resolves the winner via the designated judge or a weighted
// jury vote. The verdict round is Rounds+1.
func (c *Coordinator) judgeDebate(ctx context.Context, session *Session, spec DebateSpec) (string, float64, error) {
	verdictRound := spec.Rounds + 1
	prompt := verdictPrompt(spec.Task, spec.Participants, session.Transcript())

	if spec.Judge != "" {
		task, err := c.runAgentTask(ctx, spec.Judge, prompt, "", 0)
		if err != nil {
			return "", 0, err
		}
		c.record(ctx, session, EntryVerdict, verdictRound, spec.Judge, task.Result, task.Confidence)
		return decisionFrom(task.Result).String(), task.Confidence, nil
	}

	results := make([]*orchestrator.Task, len(spec.Jury))
	g, groupCtx := errgroup.WithContext(ctx)
	for i, juror := range spec.Jury {
		g.Go(func() error {
			task, err := c.runAgentTask(groupCtx, juror, prompt, "", 0)
			if err != nil {
				return err
			}
			results[i] = task
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", 0, err
	}

	opinions := make([]consensus.Opinion, len(spec.Jury))
	for i, juror := range spec.Jury {
		c.record(ctx, session, EntryVerdict, verdictRound, juror, results[i].Result, results[i].Confidence)
		opinions[i] = consensus.Opinion{
			AgentID:    juror,
			Decision:   decisionFrom(results[i].Result),
			Confidence: results[i].Confidence,
			Reasoning:  results[i].Reasoning,
		}
	}
	vote, err := c.consensus.Vote(opinions, consensus.Weighted, consensus.Params{})
	if err != nil {
		return "", 0, err
	}
	return vote.Decision.String(), vote.Confidence, nil
}

func debatePrompt(task string, round int, transcript []TranscriptEntry) string {
	if round == 1 {
		return "Present your initial argument for the task: " + task
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\nDebate so far:\n", task)
	writeTranscript(&b, transcript)
	fmt.Fprintf(&b, "\nRound %d: rebut the other arguments and strengthen your position.", round)
	return b.String()
}

func verdictPrompt(task string, participants []string, transcript []TranscriptEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\nFull debate transcript:\n", task)
	writeTranscript(&b, transcript)
	fmt.Fprintf(&b, "\nName the winning participant (one of %s).", strings.Join(participants, ", "))
	return b.String()
}

func writeTranscript(b *strings.Builder, transcript []TranscriptEntry) {
	for _, entry := range transcript {
		fmt.Fprintf(b, "[round %d] %s (%s): %v\n", entry.Round, entry.AgentID, entry.Type, entry.Content)
	}
}
