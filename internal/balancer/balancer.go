// Package balancer chooses one agent from a candidate set using a pluggable
// strategy. It works on load snapshots and never blocks on registry state.
package balancer

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/registry"
)

// Strategy names a selection policy.
type Strategy string

// Selection strategies.
const (
	RoundRobin          Strategy = "round-robin"
	LeastLoaded         Strategy = "least-loaded"
	WeightedPerformance Strategy = "weighted-performance"
	CapabilityScore     Strategy = "capability-score"
)

// IsValid returns true if the strategy is recognized.
func (s Strategy) IsValid() bool {
	switch s {
	case RoundRobin, LeastLoaded, WeightedPerformance, CapabilityScore:
		return true
	}
	return false
}

// Balancer selects dispatch targets. The default strategy comes from
// configuration; callers may override it per selection.
type Balancer struct {
	mu       sync.Mutex
	strategy Strategy
	cursor   int
	rng      *rand.Rand
	logger   *logger.Logger
}

// New creates a balancer. A non-zero rngSeed makes weighted selection
// reproducible.
func New(cfg config.BalancerConfig, log *logger.Logger) *Balancer {
	strategy := Strategy(cfg.Strategy)
	if !strategy.IsValid() {
		strategy = LeastLoaded
	}
	seed := cfg.RNGSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Balancer{
		strategy: strategy,
		rng:      rand.New(rand.NewSource(seed)),
		logger:   log.WithFields(zap.String("component", "balancer")),
	}
}

// Strategy returns the default selection strategy.
func (b *Balancer) Strategy() Strategy {
	return b.strategy
}

// Select picks one agent from candidates using the given strategy (empty
// uses the default). loads is the registry snapshot; candidates without a
// snapshot entry are skipped. Returns false when no candidate has free
// capacity.
func (b *Balancer) Select(candidates []string, loads []registry.AgentLoad, override Strategy) (string, bool) {
	strategy := override
	if strategy == "" {
		strategy = b.strategy
	}

	open := openCandidates(candidates, loads)
	if len(open) == 0 {
		return "", false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var chosen string
	switch strategy {
	case RoundRobin:
		chosen = b.roundRobin(open)
	case WeightedPerformance:
		chosen = b.weighted(open)
	case LeastLoaded, CapabilityScore:
		// Candidate sets arrive pre-filtered by capability, so the
		// capability score reduces to load order.
		chosen = leastLoaded(open)
	default:
		chosen = leastLoaded(open)
	}

	b.logger.Debug("selected agent",
		zap.String("strategy", string(strategy)),
		zap.String("agent_id", chosen),
		zap.Int("candidates", len(open)))
	return chosen, true
}

// openCandidates resolves candidate ids against the load snapshot and drops
// agents with no free capacity, preserving candidate order.
func openCandidates(candidates []string, loads []registry.AgentLoad) []registry.AgentLoad {
	byID := make(map[string]registry.AgentLoad, len(loads))
	for _, l := range loads {
		byID[l.AgentID] = l
	}

	open := make([]registry.AgentLoad, 0, len(candidates))
	for _, id := range candidates {
		load, ok := byID[id]
		if !ok || load.Full() {
			continue
		}
		open = append(open, load)
	}
	return open
}

// roundRobin cycles through the open candidates.
func (b *Balancer) roundRobin(open []registry.AgentLoad) string {
	chosen := open[b.cursor%len(open)]
	b.cursor++
	return chosen.AgentID
}

// leastLoaded picks the lowest utilization, breaking ties by lower active
// count, then higher success rate, then lexicographically lower id.
func leastLoaded(open []registry.AgentLoad) string {
	best := open[0]
	for _, c := range open[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best.AgentID
}

func better(a, b registry.AgentLoad) bool {
	au, bu := a.Utilization(), b.Utilization()
	if au != bu {
		return au < bu
	}
	if a.Active != b.Active {
		return a.Active < b.Active
	}
	if a.SuccessRate != b.SuccessRate {
		return a.SuccessRate > b.SuccessRate
	}
	return a.AgentID < b.AgentID
}

// weighted picks proportionally to success_rate x free capacity share. When
// every weight is zero it falls back to round-robin over the zero-weight set.
func (b *Balancer) weighted(open []registry.AgentLoad) string {
	weights := make([]float64, len(open))
	total := 0.0
	for i, c := range open {
		w := c.SuccessRate * (1.0 - c.Utilization())
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}

	if total <= 0 {
		return b.roundRobin(open)
	}

	r := b.rng.Float64() * total
	acc := 0.0
	for i, c := range open {
		acc += weights[i]
		if r < acc {
			return c.AgentID
		}
	}
	return open[len(open)-1].AgentID
}
