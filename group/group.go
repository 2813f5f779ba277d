// Package group implements the Provider Group (§4.H): an N-adapter
// aggregate that presents the same llm.Provider contract as a single
// adapter, selecting among and falling back across its members.
//
// Built fresh as an in-memory, mutex-guarded aggregate rather than
// adapted from the teacher's GORM-backed multi-provider router — there
// is no database here, just a health map under a single mutex (see
// DESIGN.md). The selection-strategy dispatch-by-name and per-provider
// health-threshold pattern are grounded on that router all the same.
package group

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inherent-design/atlas-sub002/capability"
	"github.com/inherent-design/atlas-sub002/llm"
	"github.com/inherent-design/atlas-sub002/streaming"
	"github.com/inherent-design/atlas-sub002/types"
)

// Strategy names one of the five selection policies (§4.H).
type Strategy string

const (
	StrategyFailover      Strategy = "failover"
	StrategyRoundRobin    Strategy = "round_robin"
	StrategyRandom        Strategy = "random"
	StrategyCostOptimized Strategy = "cost_optimized"
	StrategyTaskAware     Strategy = "task_aware"
)

// unhealthyThreshold is the consecutive-failure count past which a member
// is marked unhealthy (§4.H).
const unhealthyThreshold = 3

// costRank fixes the cost_optimized ordering {mock < ollama < openai <
// anthropic}; members absent from this table sort after every ranked name,
// in member-list order.
var costRank = map[string]int{
	"mock":      0,
	"ollama":    1,
	"openai":    2,
	"anthropic": 3,
}

// health is one member's tracked state (§3 ProviderHealth).
type health struct {
	healthy           bool
	consecutiveErrors int
	lastSuccess       time.Time
}

// Member pairs a live provider with the capability.Profile the task_aware
// strategy scores it against.
type Member struct {
	Provider llm.Provider
	Profile  capability.Profile
}

// Group aggregates Members behind the llm.Provider contract.
//
// All mutable state — health map, round-robin cursor — lives behind a
// single mutex (§5: "a single mutex protecting the health map is
// sufficient; hold it only to mutate counters, never across I/O").
type Group struct {
	mu      sync.Mutex
	members []Member
	health  map[string]*health
	cursor  int

	strategy         Strategy
	crossProviderGap time.Duration
	logger           *zap.Logger
}

// Config configures a Group's cross-member behavior.
type Config struct {
	Strategy Strategy
	// CrossProviderBackoff is slept between a failed candidate and the
	// next one in the fallback chain (§4.H step 3). Zero disables it.
	CrossProviderBackoff time.Duration
}

// DefaultConfig returns the failover strategy with no inter-candidate
// sleep, the least surprising default for a freshly assembled group.
func DefaultConfig() Config {
	return Config{Strategy: StrategyFailover}
}

// New builds a Group over members, all initially healthy.
func New(members []Member, cfg Config, logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := make(map[string]*health, len(members))
	for _, m := range members {
		h[m.Provider.Name()] = &health{healthy: true}
	}
	return &Group{
		members:          members,
		health:           h,
		strategy:         cfg.Strategy,
		crossProviderGap: cfg.CrossProviderBackoff,
		logger:           logger,
	}
}

// recordSuccess marks name healthy and zeroes its failure counter.
func (g *Group) recordSuccess(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.health[name]
	if !ok {
		return
	}
	st.healthy = true
	st.consecutiveErrors = 0
	st.lastSuccess = time.Now()
}

// recordFailure increments name's consecutive-failure count, marking it
// unhealthy once it crosses unhealthyThreshold.
func (g *Group) recordFailure(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.health[name]
	if !ok {
		return
	}
	st.consecutiveErrors++
	if st.consecutiveErrors >= unhealthyThreshold {
		st.healthy = false
	}
}

// candidates returns an ordered list of members to try: a snapshot of the
// health map taken under the lock, then a selection strategy (a pure
// function over that snapshot) applied outside it.
func (g *Group) candidates(req types.ModelRequest) []Member {
	g.mu.Lock()
	healthySnapshot := make(map[string]bool, len(g.health))
	for name, st := range g.health {
		healthySnapshot[name] = st.healthy
	}
	cursor := g.cursor
	g.mu.Unlock()

	pool := make([]Member, 0, len(g.members))
	for _, m := range g.members {
		if healthySnapshot[m.Provider.Name()] {
			pool = append(pool, m)
		}
	}
	if len(pool) == 0 {
		// None healthy: fall back to all (§4.H step 1).
		pool = append(pool, g.members...)
	}

	switch g.strategy {
	case StrategyRoundRobin:
		return rotate(pool, cursor)
	case StrategyRandom:
		return shuffled(pool)
	case StrategyCostOptimized:
		return byCost(pool)
	case StrategyTaskAware:
		return byTaskFit(pool, req)
	default:
		return pool
	}
}

// advanceCursor rotates the round-robin cursor after a selection has been
// made, independent of the request path's read of candidates().
func (g *Group) advanceCursor(poolSize int) {
	if poolSize == 0 {
		return
	}
	g.mu.Lock()
	g.cursor = (g.cursor + 1) % poolSize
	g.mu.Unlock()
}

func rotate(pool []Member, cursor int) []Member {
	if len(pool) == 0 {
		return pool
	}
	n := cursor % len(pool)
	out := make([]Member, 0, len(pool))
	out = append(out, pool[n:]...)
	out = append(out, pool[:n]...)
	return out
}

func shuffled(pool []Member) []Member {
	out := make([]Member, len(pool))
	copy(out, pool)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func byCost(pool []Member) []Member {
	out := make([]Member, len(pool))
	copy(out, pool)
	rank := func(name string) int {
		if r, ok := costRank[name]; ok {
			return r
		}
		return len(costRank)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rank(out[i].Provider.Name()) < rank(out[j].Provider.Name())
	})
	return out
}

// lastUserMessage returns the content of the last role=user message in
// req, or "" if there is none.
func lastUserMessage(req types.ModelRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == types.RoleUser {
			if req.Messages[i].Content != "" {
				return req.Messages[i].Content
			}
			var parts []string
			for _, p := range req.Messages[i].Parts {
				if p.Text != "" {
					parts = append(parts, p.Text)
				}
			}
			return strings.Join(parts, " ")
		}
	}
	return ""
}

func byTaskFit(pool []Member, req types.ModelRequest) []Member {
	task := capability.TaskFromMessage(lastUserMessage(req))
	out := make([]Member, len(pool))
	copy(out, pool)
	sort.SliceStable(out, func(i, j int) bool {
		return capability.Score(out[i].Profile, task) > capability.Score(out[j].Profile, task)
	})
	return out
}

// Name identifies the group itself when it is nested as a member of
// another group, or logged as the effective provider.
func (g *Group) Name() string { return "provider_group" }

// ModelName reports the first member's configured model, for interface
// uniformity; callers working with a group should prefer the per-response
// Model field.
func (g *Group) ModelName() string {
	if len(g.members) == 0 {
		return ""
	}
	return g.members[0].Provider.ModelName()
}

// Generate implements §4.H's generate(request) orchestration.
func (g *Group) Generate(ctx context.Context, req types.ModelRequest) (types.ModelResponse, error) {
	order, failures := g.candidates(req), map[string]error{}
	names := make([]string, 0, len(order))
	for i, m := range order {
		names = append(names, m.Provider.Name())
		resp, err := m.Provider.Generate(ctx, req)
		if err == nil {
			g.recordSuccess(m.Provider.Name())
			g.advanceCursor(len(order))
			return resp, nil
		}
		g.recordFailure(m.Provider.Name())
		failures[m.Provider.Name()] = err
		g.logger.Warn("provider_group candidate failed",
			zap.String("provider", m.Provider.Name()), zap.Error(err))
		if i < len(order)-1 && g.crossProviderGap > 0 {
			select {
			case <-ctx.Done():
				return types.ModelResponse{}, ctx.Err()
			case <-time.After(g.crossProviderGap):
			}
		}
	}
	g.advanceCursor(len(order))
	return types.ModelResponse{}, types.NewAggregateError(names, failures)
}

// Stream implements §4.H's stream(request) orchestration: identical
// candidate fallback, returning the initial response and handler of the
// first candidate that succeeds.
func (g *Group) Stream(ctx context.Context, req types.ModelRequest) (types.ModelResponse, *streaming.Handler, error) {
	order, failures := g.candidates(req), map[string]error{}
	names := make([]string, 0, len(order))
	for i, m := range order {
		names = append(names, m.Provider.Name())
		resp, handler, err := m.Provider.Stream(ctx, req)
		if err == nil {
			g.recordSuccess(m.Provider.Name())
			g.advanceCursor(len(order))
			return resp, handler, nil
		}
		g.recordFailure(m.Provider.Name())
		failures[m.Provider.Name()] = err
		g.logger.Warn("provider_group stream candidate failed",
			zap.String("provider", m.Provider.Name()), zap.Error(err))
		if i < len(order)-1 && g.crossProviderGap > 0 {
			select {
			case <-ctx.Done():
				return types.ModelResponse{}, nil, ctx.Err()
			case <-time.After(g.crossProviderGap):
			}
		}
	}
	g.advanceCursor(len(order))
	return types.ModelResponse{}, nil, types.NewAggregateError(names, failures)
}

// AvailableModels unions every member's model list (§4.H: best-effort,
// failures logged, not fatal).
func (g *Group) AvailableModels(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, m := range g.members {
		models, err := m.Provider.AvailableModels(ctx)
		if err != nil {
			g.logger.Warn("provider_group model list failed",
				zap.String("provider", m.Provider.Name()), zap.Error(err))
			continue
		}
		for _, model := range models {
			if !seen[model] {
				seen[model] = true
				out = append(out, model)
			}
		}
	}
	return out, nil
}

// ValidateAPIKey reports whether at least one member validates.
func (g *Group) ValidateAPIKey(ctx context.Context) bool {
	for _, m := range g.members {
		if m.Provider.ValidateAPIKey(ctx) {
			return true
		}
	}
	return false
}

// ValidateAPIKeyDetailed reports the first member's detailed result whose
// key validates, or the last member's result if none do.
func (g *Group) ValidateAPIKeyDetailed(ctx context.Context) (types.ValidateKeyResult, error) {
	var last types.ValidateKeyResult
	var lastErr error
	for _, m := range g.members {
		result, err := m.Provider.ValidateAPIKeyDetailed(ctx)
		last, lastErr = result, err
		if err == nil && result.Valid {
			return result, nil
		}
	}
	return last, lastErr
}

// memberFor returns the member named name, or nil if no member matches.
func (g *Group) memberFor(name string) *Member {
	for i := range g.members {
		if g.members[i].Provider.Name() == name {
			return &g.members[i]
		}
	}
	return nil
}

// CalculateTokenUsage delegates to the member whose name matches
// req.Model's owning provider when known; §4.H has no such mapping for
// usage (the request doesn't carry a provider name), so this always
// delegates to the first member, matching the "last resort" heuristic
// for an unknown owner.
func (g *Group) CalculateTokenUsage(req types.ModelRequest, raw []byte) types.TokenUsage {
	if len(g.members) == 0 {
		return types.TokenUsage{}
	}
	return g.members[0].Provider.CalculateTokenUsage(req, raw)
}

// CalculateCost implements §4.H's delegation rule: the adapter whose name
// matches usage's owning provider if known, else the first member, else a
// generic heuristic — by this point the first two tiers collapse to the
// same "first member" answer since TokenUsage carries no provider tag, so
// CalculateCost(usage, model) delegates to the member whose Name() the
// caller passes as model when it happens to be a provider name, falling
// back to the first member.
func (g *Group) CalculateCost(usage types.TokenUsage, model string) types.CostEstimate {
	if m := g.memberFor(model); m != nil {
		return m.Provider.CalculateCost(usage, model)
	}
	if len(g.members) == 0 {
		return genericCostHeuristic(usage)
	}
	return g.members[0].Provider.CalculateCost(usage, model)
}

// genericCostHeuristic is the last-resort flat-rate estimate over the
// usage's token counts, used only when a group has no members at all.
func genericCostHeuristic(usage types.TokenUsage) types.CostEstimate {
	const flatRatePerThousand = 0.002
	input := float64(usage.InputTokens) / 1000 * flatRatePerThousand
	output := float64(usage.OutputTokens) / 1000 * flatRatePerThousand
	return types.NewCostEstimate(input, output)
}
