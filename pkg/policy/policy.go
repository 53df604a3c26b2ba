// Package policy provides local action sources for testing a simulator
// without the training service.
package policy

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/microsoft/microsoft-bonsai-api/pkg/core"
)

// Range bounds one numeric action field.
type Range struct {
	Min, Max float64
	// Integer draws whole numbers in [Min, Max].
	Integer bool
}

// bounds returns the whole numbers closest to the inside of the range.
func (r Range) bounds() (int64, int64) {
	return int64(math.Ceil(r.Min)), int64(math.Floor(r.Max))
}

// Random ignores the state and draws each action field from its range.
type Random struct {
	mu     sync.Mutex
	rng    *rand.Rand
	ranges map[string]Range
}

var _ core.Policy = (*Random)(nil)

func NewRandom(ranges map[string]Range, seed int64) (*Random, error) {
	for k, r := range ranges {
		if r.Max < r.Min {
			return nil, fmt.Errorf("action %q: max %v is below min %v", k, r.Max, r.Min)
		}
		if r.Integer {
			if lo, hi := r.bounds(); hi < lo {
				return nil, fmt.Errorf("action %q: no whole number in [%v, %v]", k, r.Min, r.Max)
			}
		}
	}
	return &Random{rng: rand.New(rand.NewSource(seed)), ranges: ranges}, nil
}

func (p *Random) Act(_ context.Context, _ map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// fixed key order keeps runs reproducible for a seed
	keys := make([]string, 0, len(p.ranges))
	for k := range p.ranges {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	action := make(map[string]any, len(keys))
	for _, k := range keys {
		r := p.ranges[k]
		if r.Integer {
			lo, hi := r.bounds()
			action[k] = float64(lo + p.rng.Int63n(hi-lo+1))
			continue
		}
		action[k] = r.Min + p.rng.Float64()*(r.Max-r.Min)
	}
	return action, nil
}

// Constant returns the same action every time. It is the "coast" policy
// when the action holds the neutral command.
type Constant map[string]any

func (c Constant) Act(_ context.Context, _ map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out, nil
}

// Func adapts a function to core.Policy.
type Func func(ctx context.Context, state map[string]any) (map[string]any, error)

func (f Func) Act(ctx context.Context, state map[string]any) (map[string]any, error) {
	return f(ctx, state)
}
