package pool

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

// Strategy names a credential selection rule.
type Strategy string

// Selection strategies.
const (
	StrategyPriority   Strategy = "priority"
	StrategyLeastUsed  Strategy = "least_used"
	StrategyRoundRobin Strategy = "round_robin"
)

// ParseStrategy accepts the canonical names and their hyphenated forms.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")) {
	case "", StrategyPriority:
		return StrategyPriority, nil
	case StrategyLeastUsed:
		return StrategyLeastUsed, nil
	case StrategyRoundRobin:
		return StrategyRoundRobin, nil
	default:
		return "", fmt.Errorf("unknown rotation strategy %q", s)
	}
}

// Selector ranks selectable credentials. Order returns candidate indexes,
// most preferred first. The pool calls Order with its lock held, so
// implementations need no synchronisation of their own.
type Selector interface {
	Order(candidates []tracker.Credential) []int
}

// NewSelector builds the Selector for a strategy.
func NewSelector(s Strategy) (Selector, error) {
	switch s {
	case "", StrategyPriority:
		return prioritySelector{}, nil
	case StrategyLeastUsed:
		return leastUsedSelector{}, nil
	case StrategyRoundRobin:
		return &roundRobinSelector{}, nil
	default:
		return nil, fmt.Errorf("unknown rotation strategy %q", s)
	}
}

type prioritySelector struct{}

func (prioritySelector) Order(c []tracker.Credential) []int {
	idx := indexes(len(c))
	sort.SliceStable(idx, func(a, b int) bool {
		return c[idx[a]].Priority < c[idx[b]].Priority
	})
	return idx
}

type leastUsedSelector struct{}

func (leastUsedSelector) Order(c []tracker.Credential) []int {
	idx := indexes(len(c))
	sort.SliceStable(idx, func(a, b int) bool {
		return c[idx[a]].UsedToday < c[idx[b]].UsedToday
	})
	return idx
}

// roundRobinSelector advances its cursor on every call, whatever the
// outcome of the request that follows.
type roundRobinSelector struct {
	next int
}

func (r *roundRobinSelector) Order(c []tracker.Credential) []int {
	n := len(c)
	if n == 0 {
		return nil
	}
	start := r.next % n
	r.next++
	idx := make([]int, n)
	for i := range idx {
		idx[i] = (start + i) % n
	}
	return idx
}

func indexes(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
