package collab

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/orchestrator"
)

// CritiqueSpec configures a producer/critics refinement loop.
type CritiqueSpec struct {
	Task              string   `json:"task"`
	Producer          string   `json:"producer"`
	Critics           []string `json:"critics"`
	ApprovalThreshold float64  `json:"approval_threshold"`
	MaxIterations     int      `json:"max_iterations"`
	Sequential        bool     `json:"sequential,omitempty"` // critics review one after another
}

func (spec CritiqueSpec) validate() error {
	if spec.Task == "" {
		return apperr.Validation("task", "must not be empty")
	}
	if spec.Producer == "" {
		return apperr.Validation("producer", "must not be empty")
	}
	if len(spec.Critics) == 0 {
		return apperr.Validation("critics", "critique needs at least one critic")
	}
	if spec.ApprovalThreshold <= 0 || spec.ApprovalThreshold > 1 {
		return apperr.Validation("approval_threshold", "must be in (0, 1]")
	}
	if spec.MaxIterations < 1 {
		return apperr.Validation("max_iterations", "must be at least 1")
	}
	return nil
}

// critiqueReview is one critic's take on a draft. The critic's confidence is
// its score.
type critiqueReview struct {
	critic  string
	score   float64
	comment any
}

// RunCritique iterates draft, review, revise until every critic's score
// meets the approval threshold or the iteration cap is hit. Output is the
// final draft; confidence is the lowest score it received.
func (c *Coordinator) RunCritique(ctx context.Context, spec CritiqueSpec) (*Result, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if err := c.validateAgents("producer", spec.Producer); err != nil {
		return nil, err
	}
	if err := c.validateAgents("critics", spec.Critics...); err != nil {
		return nil, err
	}

	session, ctx, release, err := c.begin(ctx, ModeCritique, append([]string{spec.Producer}, spec.Critics...))
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		draft    any
		minScore float64
	)
	prompt := "Produce a draft for the task: " + spec.Task
	for iteration := 1; iteration <= spec.MaxIterations; iteration++ {
		task, err := c.runAgentTask(ctx, spec.Producer, prompt, "", 0)
		if err != nil {
			return c.finish(ctx, session, nil, err)
		}
		draft = task.Result
		c.record(ctx, session, EntryDraft, iteration, spec.Producer, draft, task.Confidence)

		reviews, err := c.collectReviews(ctx, spec, draft)
		if err != nil {
			return c.finish(ctx, session, nil, err)
		}
		minScore = 1.0
		for _, review := range reviews {
			c.record(ctx, session, EntryCritique, iteration, review.critic, review.comment, review.score)
			if review.score < minScore {
				minScore = review.score
			}
		}

		if minScore >= spec.ApprovalThreshold {
			break
		}
		prompt = revisionPrompt(spec.Task, draft, reviews)
	}

	return c.finish(ctx, session, session.finalize(draft, minScore, 0), nil)
}

// collectReviews gathers every critic's score and comment, in parallel or
// one after another per the spec.
func (c *Coordinator) collectReviews(ctx context.Context, spec CritiqueSpec, draft any) ([]critiqueReview, error) {
	prompt := fmt.Sprintf("Task: %s\n\nReview this draft and score it:\n%v", spec.Task, draft)
	reviews := make([]critiqueReview, len(spec.Critics))

	if spec.Sequential {
		for i, critic := range spec.Critics {
			task, err := c.runAgentTask(ctx, critic, prompt, "", 0)
			if err != nil {
				return nil, err
			}
			reviews[i] = reviewFrom(critic, task)
		}
		return reviews, nil
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i, critic := range spec.Critics {
		g.Go(func() error {
			task, err := c.runAgentTask(groupCtx, critic, prompt, "", 0)
			if err != nil {
				return err
			}
			reviews[i] = reviewFrom(critic, task)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reviews, nil
}

// reviewFrom reads the critic's confidence as its score, clamped to [0, 1].
func reviewFrom(critic string, task *orchestrator.Task) critiqueReview {
	score := task.Confidence
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return critiqueReview{critic: critic, score: score, comment: task.Result}
}

func revisionPrompt(task string, draft any, reviews []critiqueReview) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\nYour previous draft:\n%v\n\nCritiques:\n", task, draft)
	for _, review := range reviews {
		fmt.Fprintf(&b, "- %s (score %.2f): %v\n", review.critic, review.score, review.comment)
	}
	b.WriteString("\nRevise the draft to address the critiques.")
	return b.String()
}
