// Package consensus turns sets of agent opinions into single decisions using
// pluggable voting strategies.
package consensus

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/common/logger"
)

// Strategy names a voting rule.
type Strategy string

// Voting strategies.
const (
	Majority  Strategy = "majority"
	Weighted  Strategy = "weighted"
	Unanimous Strategy = "unanimous"
	Threshold Strategy = "threshold"
)

// IsValid returns true if the strategy is recognized.
func (s Strategy) IsValid() bool {
	switch s {
	case Majority, Weighted, Unanimous, Threshold:
		return true
	}
	return false
}

// Opinion is one agent's vote. Weight defaults to 1 and may be overridden
// per agent on the engine.
type Opinion struct {
	AgentID    string   `json:"agent_id"`
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
	Weight     float64  `json:"weight,omitempty"`
}

// Params tunes a single vote.
type Params struct {
	// Threshold is the required weight share for the threshold strategy,
	// in (0, 1]. Ignored by other strategies.
	Threshold float64
}

// Result is the outcome of a vote.
type Result struct {
	Decision     Decision           `json:"decision"`
	Confidence   float64            `json:"confidence"`
	Strategy     Strategy           `json:"strategy"`
	Participants []string           `json:"participants"`
	Scores       map[string]float64 `json:"scores"` // decision key -> accumulated score
}

// Engine facilitates multi-agent decision making. Per-agent voting weights
// are optional; unset agents vote with weight 1.
type Engine struct {
	mu              sync.RWMutex
	defaultStrategy Strategy
	weights         map[string]float64
	logger          *logger.Logger
}

// NewEngine creates a consensus engine with the given default strategy.
func NewEngine(defaultStrategy Strategy, log *logger.Logger) *Engine {
	if !defaultStrategy.IsValid() {
		defaultStrategy = Majority
	}
	return &Engine{
		defaultStrategy: defaultStrategy,
		weights:         make(map[string]float64),
		logger:          log.WithFields(zap.String("component", "consensus")),
	}
}

// SetAgentWeight sets the voting weight for an agent, in [0, 1].
func (e *Engine) SetAgentWeight(agentID string, weight float64) error {
	if weight < 0 || weight > 1 {
		return apperr.Validation("weight", "must be between 0 and 1")
	}
	e.mu.Lock()
	e.weights[agentID] = weight
	e.mu.Unlock()
	return nil
}

// Vote reaches a decision over the opinions using the given strategy (empty
// uses the engine default). An empty opinion set is a validation error; a
// strategy that cannot produce a decision fails with NoConsensus.
func (e *Engine) Vote(opinions []Opinion, strategy Strategy, params Params) (*Result, error) {
	if len(opinions) == 0 {
		return nil, apperr.Validation("opinions", "must not be empty")
	}
	if strategy == "" {
		strategy = e.defaultStrategy
	}
	if !strategy.IsValid() {
		return nil, apperr.Validation("strategy", "unknown strategy "+string(strategy))
	}

	weighted := e.applyWeights(opinions)

	var result *Result
	var err error
	switch strategy {
	case Majority:
		result = majorityVote(weighted)
	case Weighted:
		result = weightedVote(weighted)
	case Unanimous:
		result, err = unanimousVote(weighted)
	case Threshold:
		result, err = thresholdVote(weighted, params.Threshold)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("consensus reached",
		zap.String("strategy", string(strategy)),
		zap.String("decision", result.Decision.String()),
		zap.Float64("confidence", result.Confidence),
		zap.Int("opinions", len(opinions)))
	return result, nil
}

// applyWeights copies the opinions with engine weights folded in. Opinions
// with no weight set anywhere vote with weight 1.
func (e *Engine) applyWeights(opinions []Opinion) []Opinion {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Opinion, len(opinions))
	for i, o := range opinions {
		if w, ok := e.weights[o.AgentID]; ok {
			o.Weight = w
		} else if o.Weight == 0 {
			o.Weight = 1.0
		}
		out[i] = o
	}
	return out
}

// majorityVote picks the decision with a strict plurality of opinions,
// breaking ties by the lexicographically lowest decision key.
func majorityVote(opinions []Opinion) *Result {
	counts := make(map[string]float64, len(opinions))
	byKey := make(map[string]Decision, len(opinions))
	for _, o := range opinions {
		key := o.Decision.Key()
		counts[key]++
		byKey[key] = o.Decision
	}

	winner := pickHighest(counts)
	return &Result{
		Decision:     byKey[winner],
		Confidence:   counts[winner] / float64(len(opinions)),
		Strategy:     Majority,
		Participants: participants(opinions),
		Scores:       counts,
	}
}

// weightedVote accumulates weight x confidence per decision. Ties fall back
// to majority rule over the tied decisions, then the lexicographic key.
func weightedVote(opinions []Opinion) *Result {
	scores := make(map[string]float64, len(opinions))
	byKey := make(map[string]Decision, len(opinions))
	total := 0.0
	for _, o := range opinions {
		key := o.Decision.Key()
		score := o.Weight * o.Confidence
		scores[key] += score
		total += score
		byKey[key] = o.Decision
	}

	tied := highestSet(scores)
	winner := tied[0]
	if len(tied) > 1 {
		counts := make(map[string]float64, len(tied))
		inTie := make(map[string]bool, len(tied))
		for _, key := range tied {
			inTie[key] = true
		}
		for _, o := range opinions {
			if key := o.Decision.Key(); inTie[key] {
				counts[key]++
			}
		}
		winner = pickHighest(counts)
	}

	confidence := 0.0
	if total > 0 {
		confidence = scores[winner] / total
	}
	return &Result{
		Decision:     byKey[winner],
		Confidence:   confidence,
		Strategy:     Weighted,
		Participants: participants(opinions),
		Scores:       scores,
	}
}

// unanimousVote requires a single decision across all opinions.
func unanimousVote(opinions []Opinion) (*Result, error) {
	first := opinions[0].Decision
	sum := 0.0
	for _, o := range opinions {
		if !o.Decision.Equal(first) {
			return nil, apperr.NoConsensus(
				fmt.Sprintf("%d opinions did not agree on a single decision", len(opinions)))
		}
		sum += o.Confidence
	}

	return &Result{
		Decision:     first,
		Confidence:   sum / float64(len(opinions)),
		Strategy:     Unanimous,
		Participants: participants(opinions),
		Scores:       map[string]float64{first.Key(): float64(len(opinions))},
	}, nil
}

// thresholdVote requires the winning decision to carry at least the given
// share of total weight.
func thresholdVote(opinions []Opinion, threshold float64) (*Result, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, apperr.Validation("threshold", "must be in (0, 1]")
	}

	scores := make(map[string]float64, len(opinions))
	byKey := make(map[string]Decision, len(opinions))
	total := 0.0
	for _, o := range opinions {
		key := o.Decision.Key()
		score := o.Weight * o.Confidence
		scores[key] += score
		total += score
		byKey[key] = o.Decision
	}

	winner := pickHighest(scores)
	if total <= 0 || scores[winner] < threshold*total {
		return nil, apperr.NoConsensus(
			fmt.Sprintf("no decision reached weight share %.2f", threshold))
	}

	return &Result{
		Decision:     byKey[winner],
		Confidence:   scores[winner] / total,
		Strategy:     Threshold,
		Participants: participants(opinions),
		Scores:       scores,
	}, nil
}

// pickHighest returns the key with the highest score, ties broken by the
// lexicographically lowest key.
func pickHighest(scores map[string]float64) string {
	best := ""
	bestScore := 0.0
	first := true
	for key, score := range scores {
		if first || score > bestScore || (score == bestScore && key < best) {
			best, bestScore = key, score
			first = false
		}
	}
	return best
}

// highestSet returns every key sharing the highest score, sorted.
func highestSet(scores map[string]float64) []string {
	bestScore := 0.0
	first := true
	for _, score := range scores {
		if first || score > bestScore {
			bestScore = score
			first = false
		}
	}
	tied := make([]string, 0, 1)
	for key, score := range scores {
		if score == bestScore {
			tied = append(tied, key)
		}
	}
	sort.Strings(tied)
	return tied
}

func participants(opinions []Opinion) []string {
	ids := make([]string, len(opinions))
	for i, o := range opinions {
		ids[i] = o.AgentID
	}
	return ids
}
