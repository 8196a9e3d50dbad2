package gateway

import (
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Strategy selects how candidates rotate within a tier. Ordering between
// tiers is always tier-ascending; strategies only reorder peers.
type Strategy string

const (
	// StrategyRoundRobin rotates the tier start position per request.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyLeastLoaded fronts the provider with the fewest requests in
	// its current quota window.
	StrategyLeastLoaded Strategy = "least_loaded"
	// StrategyPriority keeps the static quality-score order.
	StrategyPriority Strategy = "priority"
)

// ParseStrategy maps a config string to a Strategy, defaulting to
// round-robin for unknown or empty values.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyLeastLoaded:
		return StrategyLeastLoaded
	case StrategyPriority:
		return StrategyPriority
	default:
		return StrategyRoundRobin
	}
}

// SmartRouter turns a model identifier into the candidate walk order. It
// layers a per-tier rotation strategy on top of the resolver's static
// ordering; health and quota checks stay in the dispatch loop so a
// skipped candidate is still visible in attempt telemetry.
type SmartRouter struct {
	registry *Registry
	quota    *QuotaTracker
	strategy Strategy
	logger   *zap.Logger

	mu      sync.Mutex
	cursors map[string]uint64 // "<model>\x00<tier>" -> rotation counter
}

// NewSmartRouter builds a router over the registry. quota may be nil when
// the strategy is not least-loaded.
func NewSmartRouter(registry *Registry, quota *QuotaTracker, strategy Strategy, logger *zap.Logger) *SmartRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SmartRouter{
		registry: registry,
		quota:    quota,
		strategy: strategy,
		logger:   logger,
		cursors:  make(map[string]uint64),
	}
}

// GetCandidates resolves modelID against the current snapshot and applies
// the per-tier strategy. streamingRequired additionally filters to models
// that advertise streaming.
func (sr *SmartRouter) GetCandidates(modelID string, streamingRequired bool) ([]Candidate, error) {
	snap := sr.registry.Snapshot()
	need := RequiredCapabilities{Streaming: streamingRequired}
	cands, err := NewResolver(snap).Resolve(modelID, need)
	if err != nil {
		return nil, err
	}
	ordered := sr.applyStrategy(modelID, cands)
	sr.logger.Debug("routed model",
		zap.String("model", modelID),
		zap.String("strategy", string(sr.strategy)),
		zap.Int("candidates", len(ordered)),
	)
	return ordered, nil
}

// applyStrategy reorders candidates inside each tier. Input is already
// tier-ascending from the resolver.
func (sr *SmartRouter) applyStrategy(modelID string, cands []Candidate) []Candidate {
	if sr.strategy == StrategyPriority || len(cands) < 2 {
		return cands
	}
	out := make([]Candidate, 0, len(cands))
	for start := 0; start < len(cands); {
		end := start + 1
		for end < len(cands) && cands[end].Tier == cands[start].Tier {
			end++
		}
		tier := cands[start:end]
		switch sr.strategy {
		case StrategyLeastLoaded:
			tier = sr.byLoad(tier)
		default:
			tier = sr.rotate(modelID, tier)
		}
		out = append(out, tier...)
		start = end
	}
	return out
}

// rotate shifts the tier start position by a per-(model, tier) counter so
// consecutive requests spread across peers.
func (sr *SmartRouter) rotate(modelID string, tier []Candidate) []Candidate {
	if len(tier) < 2 {
		return tier
	}
	key := modelID + "\x00" + strconv.Itoa(tier[0].Tier)
	sr.mu.Lock()
	n := sr.cursors[key]
	sr.cursors[key] = n + 1
	sr.mu.Unlock()

	offset := int(n % uint64(len(tier)))
	out := make([]Candidate, 0, len(tier))
	out = append(out, tier[offset:]...)
	out = append(out, tier[:offset]...)
	return out
}

// byLoad sorts tier peers by their current quota-window request count,
// falling back to the static order on ties.
func (sr *SmartRouter) byLoad(tier []Candidate) []Candidate {
	if sr.quota == nil || len(tier) < 2 {
		return tier
	}
	out := make([]Candidate, len(tier))
	copy(out, tier)
	load := make(map[string]int64, len(out))
	for _, c := range out {
		load[c.ProviderKey] = sr.quota.Pending(c.ProviderKey)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return load[out[i].ProviderKey] < load[out[j].ProviderKey]
	})
	return out
}
