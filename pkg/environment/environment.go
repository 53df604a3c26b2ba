// Package environment holds simulator adapters the event loop can drive.
package environment

import (
	"context"
	"fmt"

	"github.com/microsoft/microsoft-bonsai-api/pkg/core"
)

// Halted reports the optional halted capability of sim, false when the
// simulator does not implement core.Halter.
func Halted(sim core.Simulator) bool {
	if h, ok := sim.(core.Halter); ok {
		return h.Halted()
	}
	return false
}

// Funcs adapts plain functions to core.Simulator. It does not implement
// core.Halter; wrap it with WithHalt for that.
type Funcs struct {
	ResetFunc func(ctx context.Context, config map[string]any) (map[string]any, error)
	StepFunc  func(ctx context.Context, action map[string]any) (map[string]any, error)
}

func (f Funcs) Reset(ctx context.Context, config map[string]any) (map[string]any, error) {
	if f.ResetFunc == nil {
		return map[string]any{}, nil
	}
	return f.ResetFunc(ctx, config)
}

func (f Funcs) Step(ctx context.Context, action map[string]any) (map[string]any, error) {
	if f.StepFunc == nil {
		return map[string]any{}, nil
	}
	return f.StepFunc(ctx, action)
}

type halting struct {
	core.Simulator
	halted func() bool
}

func (h halting) Halted() bool { return h.halted() }

// WithHalt attaches a halted predicate to sim.
func WithHalt(sim core.Simulator, halted func() bool) core.Simulator {
	return halting{Simulator: sim, halted: halted}
}

// Number reads a numeric value from a decoded config or action map. JSON
// gives float64, YAML gives int.
func Number(m map[string]any, key string) (float64, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("missing %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%q is %T, not a number", key, v)
}
