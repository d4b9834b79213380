// Package router finds feasible multi-hop payment paths over the live
// capacity graph of one equivalent. Plans are transient: the prepare phase
// revalidates every segment under its advisory lock, so the router may be
// optimistic but must be deterministic.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"geohub/codec"
	"geohub/core/errors"
)

// Path is one feasible route with its assigned flow.
type Path struct {
	Hops   []string
	Amount decimal.Decimal
}

// Plan is the router's output: up to K paths whose flows sum to the
// requested amount.
type Plan struct {
	Paths []Path
	// Reason is "TimedOutPartial" when the search budget expired after the
	// amount was covered, "" otherwise.
	Reason string
}

// TotalAmount sums the per-path flows.
func (p Plan) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for _, path := range p.Paths {
		total = total.Add(path.Amount)
	}
	return total
}

// Routes returns the ordered hop lists.
func (p Plan) Routes() [][]string {
	routes := make([][]string, 0, len(p.Paths))
	for _, path := range p.Paths {
		routes = append(routes, path.Hops)
	}
	return routes
}

// CapacityInfo answers a capacity query without taking locks.
type CapacityInfo struct {
	CanPay        bool            `json:"can_pay"`
	MaxAmount     decimal.Decimal `json:"-"`
	MaxAmountStr  string          `json:"max_amount"`
	RoutesCount   int             `json:"routes_count"`
	EstimatedHops int             `json:"estimated_hops"`
}

// Config tunes the search.
type Config struct {
	MaxPathLength int
	MaxPaths      int
	Budget        time.Duration
	FullMultipath bool
}

// Router plans payments over graph snapshots read from the store.
type Router struct {
	cfg Config
}

// New constructs a router.
func New(cfg Config) *Router {
	if cfg.MaxPathLength <= 0 {
		cfg.MaxPathLength = 6
	}
	if cfg.MaxPaths <= 0 {
		cfg.MaxPaths = 3
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 500 * time.Millisecond
	}
	return &Router{cfg: cfg}
}

// FindRoutes returns a split plan covering amount from sender to receiver,
// or a coded infeasibility.
func (r *Router) FindRoutes(ctx context.Context, db *gorm.DB, from, to, equivalent string, amount decimal.Decimal) (Plan, error) {
	if from == to {
		return Plan{}, errors.New(errors.CodeValidation, "sender and receiver must differ")
	}
	g, err := buildGraph(db.WithContext(ctx), equivalent, time.Now())
	if err != nil {
		return Plan{}, err
	}
	deadline := time.Now().Add(r.cfg.Budget)
	maxPaths := r.cfg.MaxPaths
	if r.cfg.FullMultipath {
		maxPaths = 0 // unbounded
	}

	var plan Plan
	remaining := amount
	timedOut := false
	for remaining.Sign() > 0 {
		if maxPaths > 0 && len(plan.Paths) >= maxPaths {
			break
		}
		if time.Now().After(deadline) {
			timedOut = true
			break
		}
		hops, bottleneck := bestPath(g, from, to, r.cfg.MaxPathLength)
		if hops == nil {
			break
		}
		flow := decimal.Min(remaining, bottleneck)
		derate(g, hops, flow)
		plan.Paths = append(plan.Paths, Path{Hops: hops, Amount: flow})
		remaining = remaining.Sub(flow)
	}
	if remaining.Sign() > 0 {
		return Plan{}, errors.ErrInsufficientCapacity.WithDetails(map[string]any{
			"requested": codec.CanonicalDecimal(amount),
			"available": codec.CanonicalDecimal(amount.Sub(remaining)),
		})
	}
	if timedOut {
		plan.Reason = "TimedOutPartial"
	}
	return plan, nil
}

// Capacity answers a pure-read capacity query. When amount is nil only the
// aggregate is reported.
func (r *Router) Capacity(ctx context.Context, db *gorm.DB, from, to, equivalent string, amount *decimal.Decimal) (CapacityInfo, error) {
	g, err := buildGraph(db.WithContext(ctx), equivalent, time.Now())
	if err != nil {
		return CapacityInfo{}, err
	}
	deadline := time.Now().Add(r.cfg.Budget)
	info := CapacityInfo{MaxAmount: decimal.Zero}
	for info.RoutesCount < r.cfg.MaxPaths && !time.Now().After(deadline) {
		hops, bottleneck := bestPath(g, from, to, r.cfg.MaxPathLength)
		if hops == nil {
			break
		}
		derate(g, hops, bottleneck)
		info.MaxAmount = info.MaxAmount.Add(bottleneck)
		info.RoutesCount++
		if info.EstimatedHops == 0 {
			info.EstimatedHops = len(hops) - 1
		}
	}
	if amount != nil {
		info.CanPay = info.MaxAmount.GreaterThanOrEqual(*amount)
	} else {
		info.CanPay = info.MaxAmount.Sign() > 0
	}
	info.MaxAmountStr = codec.CanonicalDecimal(info.MaxAmount)
	return info, nil
}

// bestPath finds a shortest path by hop count, preferring the largest
// min-edge capacity within the shortest class and breaking remaining ties
// by canonical PID order. Deterministic for identical graph state.
func bestPath(g *graph, from, to string, maxLen int) ([]string, decimal.Decimal) {
	frontier := map[string]state{from: {bottleneck: decimal.Zero, path: []string{from}}}
	visited := map[string]bool{}
	for depth := 0; depth < maxLen; depth++ {
		if best, ok := frontier[to]; ok {
			return best.path, best.bottleneck
		}
		next := map[string]state{}
		for node, cur := range frontier {
			visited[node] = true
			for _, e := range g.out[node] {
				if e.capacity.Sign() <= 0 || visited[e.to] {
					continue
				}
				if node != from && !e.transit {
					continue
				}
				if e.blocked[from] {
					continue
				}
				bottleneck := e.capacity
				if node != from && cur.bottleneck.LessThan(bottleneck) {
					bottleneck = cur.bottleneck
				}
				candidate := state{
					bottleneck: bottleneck,
					path:       append(append([]string(nil), cur.path...), e.to),
				}
				if better(candidate, next[e.to]) {
					next[e.to] = candidate
				}
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}
	if best, ok := frontier[to]; ok {
		return best.path, best.bottleneck
	}
	return nil, decimal.Zero
}

func better(a, b state) bool {
	if b.path == nil {
		return true
	}
	if !a.bottleneck.Equal(b.bottleneck) {
		return a.bottleneck.GreaterThan(b.bottleneck)
	}
	return strings.Join(a.path, "|") < strings.Join(b.path, "|")
}

// state mirrors the search bookkeeping; declared at package level so the
// comparison helper can name it.
type state struct {
	bottleneck decimal.Decimal
	path       []string
}

func derate(g *graph, hops []string, flow decimal.Decimal) {
	for i := 0; i+1 < len(hops); i++ {
		for _, e := range g.out[hops[i]] {
			if e.to == hops[i+1] {
				e.capacity = e.capacity.Sub(flow)
			}
		}
	}
}
