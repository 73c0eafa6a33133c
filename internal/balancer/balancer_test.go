package balancer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/registry"
)

func newTestBalancer(strategy Strategy, seed int64) *Balancer {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return New(config.BalancerConfig{Strategy: string(strategy), RNGSeed: seed}, log)
}

func load(id string, active, capacity int, rate float64) registry.AgentLoad {
	return registry.AgentLoad{AgentID: id, Active: active, Capacity: capacity, SuccessRate: rate}
}

func TestBalancer_RoundRobin(t *testing.T) {
	b := newTestBalancer(RoundRobin, 1)
	candidates := []string{"a1", "a2", "a3"}
	loads := []registry.AgentLoad{
		load("a1", 0, 2, 1.0),
		load("a2", 0, 2, 1.0),
		load("a3", 0, 2, 1.0),
	}

	var picked []string
	for i := 0; i < 6; i++ {
		id, ok := b.Select(candidates, loads, "")
		require.True(t, ok)
		picked = append(picked, id)
	}
	assert.Equal(t, []string{"a1", "a2", "a3", "a1", "a2", "a3"}, picked)
}

func TestBalancer_RoundRobinSkipsFull(t *testing.T) {
	b := newTestBalancer(RoundRobin, 1)
	candidates := []string{"a1", "a2", "a3"}
	loads := []registry.AgentLoad{
		load("a1", 2, 2, 1.0), // full
		load("a2", 0, 2, 1.0),
		load("a3", 0, 2, 1.0),
	}

	for i := 0; i < 4; i++ {
		id, ok := b.Select(candidates, loads, "")
		require.True(t, ok)
		assert.NotEqual(t, "a1", id)
	}
}

func TestBalancer_LeastLoaded(t *testing.T) {
	b := newTestBalancer(LeastLoaded, 1)

	tests := []struct {
		name  string
		loads []registry.AgentLoad
		want  string
	}{
		{
			name: "lowest utilization wins",
			loads: []registry.AgentLoad{
				load("a1", 3, 4, 1.0),
				load("a2", 1, 4, 1.0),
				load("a3", 2, 4, 1.0),
			},
			want: "a2",
		},
		{
			name: "utilization tie broken by lower active",
			loads: []registry.AgentLoad{
				load("a1", 2, 4, 1.0), // 0.5
				load("a2", 1, 2, 1.0), // 0.5
			},
			want: "a2",
		},
		{
			name: "active tie broken by higher success rate",
			loads: []registry.AgentLoad{
				load("a1", 1, 4, 0.7),
				load("a2", 1, 4, 0.9),
			},
			want: "a2",
		},
		{
			name: "full tie broken by lower id",
			loads: []registry.AgentLoad{
				load("a2", 1, 4, 0.9),
				load("a1", 1, 4, 0.9),
			},
			want: "a1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := make([]string, len(tt.loads))
			for i, l := range tt.loads {
				ids[i] = l.AgentID
			}
			got, ok := b.Select(ids, tt.loads, "")
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBalancer_AllFull(t *testing.T) {
	b := newTestBalancer(LeastLoaded, 1)
	loads := []registry.AgentLoad{
		load("a1", 2, 2, 1.0),
		load("a2", 3, 3, 1.0),
	}

	_, ok := b.Select([]string{"a1", "a2"}, loads, "")
	assert.False(t, ok, "expected no selection when every candidate is full")

	_, ok = b.Select(nil, loads, "")
	assert.False(t, ok, "expected no selection for empty candidate set")
}

func TestBalancer_UnknownCandidatesSkipped(t *testing.T) {
	b := newTestBalancer(LeastLoaded, 1)
	loads := []registry.AgentLoad{load("a1", 0, 2, 1.0)}

	got, ok := b.Select([]string{"ghost", "a1"}, loads, "")
	require.True(t, ok)
	assert.Equal(t, "a1", got)
}

func TestBalancer_WeightedDeterministicWithSeed(t *testing.T) {
	candidates := []string{"a1", "a2", "a3"}
	loads := []registry.AgentLoad{
		load("a1", 0, 4, 0.9),
		load("a2", 2, 4, 0.8),
		load("a3", 1, 4, 0.5),
	}

	first := newTestBalancer(WeightedPerformance, 42)
	second := newTestBalancer(WeightedPerformance, 42)

	for i := 0; i < 20; i++ {
		a, okA := first.Select(candidates, loads, "")
		b, okB := second.Select(candidates, loads, "")
		require.True(t, okA)
		require.True(t, okB)
		assert.Equal(t, a, b, "same seed must produce the same sequence")
	}
}

func TestBalancer_WeightedPrefersHighPerformers(t *testing.T) {
	b := newTestBalancer(WeightedPerformance, 7)
	candidates := []string{"a1", "a2"}
	loads := []registry.AgentLoad{
		load("a1", 0, 4, 1.0),  // weight 1.0
		load("a2", 3, 4, 0.05), // weight 0.0125
	}

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		id, ok := b.Select(candidates, loads, "")
		require.True(t, ok)
		counts[id]++
	}
	assert.Greater(t, counts["a1"], counts["a2"],
		"high success rate with free capacity should dominate")
}

func TestBalancer_WeightedZeroFallsBackToRoundRobin(t *testing.T) {
	b := newTestBalancer(WeightedPerformance, 1)
	candidates := []string{"a1", "a2"}
	loads := []registry.AgentLoad{
		load("a1", 0, 4, 0.0),
		load("a2", 0, 4, 0.0),
	}

	var picked []string
	for i := 0; i < 4; i++ {
		id, ok := b.Select(candidates, loads, "")
		require.True(t, ok)
		picked = append(picked, id)
	}
	assert.Equal(t, []string{"a1", "a2", "a1", "a2"}, picked)
}

func TestBalancer_CapabilityScoreUsesLoadOrder(t *testing.T) {
	b := newTestBalancer(CapabilityScore, 1)
	loads := []registry.AgentLoad{
		load("a1", 2, 4, 1.0),
		load("a2", 0, 4, 1.0),
	}

	got, ok := b.Select([]string{"a1", "a2"}, loads, "")
	require.True(t, ok)
	assert.Equal(t, "a2", got)
}

func TestBalancer_PerSelectionOverride(t *testing.T) {
	b := newTestBalancer(LeastLoaded, 1)
	candidates := []string{"a1", "a2"}
	loads := []registry.AgentLoad{
		load("a1", 0, 2, 1.0),
		load("a2", 0, 2, 1.0),
	}

	// Default least-loaded always lands on a1 (full tie, lower id).
	got, _ := b.Select(candidates, loads, "")
	assert.Equal(t, "a1", got)
	got, _ = b.Select(candidates, loads, "")
	assert.Equal(t, "a1", got)

	// Round-robin override cycles.
	first, _ := b.Select(candidates, loads, RoundRobin)
	second, _ := b.Select(candidates, loads, RoundRobin)
	assert.NotEqual(t, first, second)
}

func TestBalancer_InvalidStrategyFallsBack(t *testing.T) {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	b := New(config.BalancerConfig{Strategy: "coin-flip"}, log)
	assert.Equal(t, LeastLoaded, b.Strategy())
}
