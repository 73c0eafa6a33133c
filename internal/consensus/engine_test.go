package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/common/logger"
)

func newTestEngine(strategy Strategy) *Engine {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return NewEngine(strategy, log)
}

func opinion(agentID, decision string, confidence float64) Opinion {
	return Opinion{AgentID: agentID, Decision: Scalar(decision), Confidence: confidence}
}

func TestVote_EmptyOpinions(t *testing.T) {
	e := newTestEngine(Majority)
	_, err := e.Vote(nil, Majority, Params{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestVote_Majority(t *testing.T) {
	e := newTestEngine(Majority)
	result, err := e.Vote([]Opinion{
		opinion("a1", "X", 0.9),
		opinion("a2", "Y", 0.8),
		opinion("a3", "X", 0.7),
	}, Majority, Params{})
	require.NoError(t, err)

	assert.True(t, result.Decision.Equal(Scalar("X")))
	assert.InDelta(t, 2.0/3.0, result.Confidence, 1e-9)
	assert.Equal(t, []string{"a1", "a2", "a3"}, result.Participants)
}

func TestVote_MajorityTieBreaksLexicographically(t *testing.T) {
	e := newTestEngine(Majority)
	result, err := e.Vote([]Opinion{
		opinion("a1", "banana", 0.9),
		opinion("a2", "apple", 0.1),
	}, Majority, Params{})
	require.NoError(t, err)
	assert.True(t, result.Decision.Equal(Scalar("apple")))
}

// Spec scenario: weighted totals X = 1.0*0.9 + 0.2*0.3 = 0.96 beat Y = 0.4*0.8 = 0.32.
func TestVote_Weighted(t *testing.T) {
	e := newTestEngine(Weighted)
	require.NoError(t, e.SetAgentWeight("a1", 1.0))
	require.NoError(t, e.SetAgentWeight("a2", 0.4))
	require.NoError(t, e.SetAgentWeight("a3", 0.2))

	result, err := e.Vote([]Opinion{
		opinion("a1", "X", 0.9),
		opinion("a2", "Y", 0.8),
		opinion("a3", "X", 0.3),
	}, Weighted, Params{})
	require.NoError(t, err)

	assert.True(t, result.Decision.Equal(Scalar("X")))
	assert.InDelta(t, 0.96, result.Scores[Scalar("X").Key()], 1e-9)
	assert.InDelta(t, 0.32, result.Scores[Scalar("Y").Key()], 1e-9)
	assert.InDelta(t, 0.96/1.28, result.Confidence, 1e-9)
}

func TestVote_WeightedTieFallsBackToMajority(t *testing.T) {
	e := newTestEngine(Weighted)
	// X and Y tie on weighted score (0.5 each) but X has two opinions.
	result, err := e.Vote([]Opinion{
		{AgentID: "a1", Decision: Scalar("X"), Confidence: 0.25, Weight: 1.0},
		{AgentID: "a2", Decision: Scalar("X"), Confidence: 0.25, Weight: 1.0},
		{AgentID: "a3", Decision: Scalar("Y"), Confidence: 0.5, Weight: 1.0},
	}, Weighted, Params{})
	require.NoError(t, err)
	assert.True(t, result.Decision.Equal(Scalar("X")))
}

func TestVote_Unanimous(t *testing.T) {
	e := newTestEngine(Unanimous)

	result, err := e.Vote([]Opinion{
		opinion("a1", "go", 0.8),
		opinion("a2", "go", 0.6),
	}, Unanimous, Params{})
	require.NoError(t, err)
	assert.True(t, result.Decision.Equal(Scalar("go")))
	assert.InDelta(t, 0.7, result.Confidence, 1e-9)

	_, err = e.Vote([]Opinion{
		opinion("a1", "go", 0.8),
		opinion("a2", "stop", 0.6),
	}, Unanimous, Params{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNoConsensus, apperr.KindOf(err))
}

func TestVote_Threshold(t *testing.T) {
	e := newTestEngine(Threshold)
	opinions := []Opinion{
		{AgentID: "a1", Decision: Scalar("X"), Confidence: 0.9, Weight: 1.0},
		{AgentID: "a2", Decision: Scalar("Y"), Confidence: 0.3, Weight: 1.0},
	}

	result, err := e.Vote(opinions, Threshold, Params{Threshold: 0.7})
	require.NoError(t, err)
	assert.True(t, result.Decision.Equal(Scalar("X")))

	_, err = e.Vote(opinions, Threshold, Params{Threshold: 0.9})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNoConsensus, apperr.KindOf(err))
}

func TestVote_StructDecisionsCompareByCanonicalForm(t *testing.T) {
	e := newTestEngine(Majority)
	result, err := e.Vote([]Opinion{
		{AgentID: "a1", Decision: Struct(map[string]any{"action": "merge", "target": "main"}), Confidence: 0.9},
		{AgentID: "a2", Decision: Struct(map[string]any{"target": "main", "action": "merge"}), Confidence: 0.8},
		{AgentID: "a3", Decision: Scalar("reject"), Confidence: 0.7},
	}, Majority, Params{})
	require.NoError(t, err)
	assert.True(t, result.Decision.Equal(Struct(map[string]any{"action": "merge", "target": "main"})))
}

func TestVote_DefaultStrategy(t *testing.T) {
	e := newTestEngine(Weighted)
	result, err := e.Vote([]Opinion{opinion("a1", "X", 0.5)}, "", Params{})
	require.NoError(t, err)
	assert.Equal(t, Weighted, result.Strategy)
}
