package environment

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// Adder keeps a running total. It stands in for a real simulation model:
// episodes start from config "initial_value" and each action adds
// "addend".
type Adder struct {
	mu     sync.RWMutex
	value  float64
	steps  int
	resets int
}

func NewAdder() *Adder {
	return &Adder{}
}

func (a *Adder) Reset(_ context.Context, config map[string]any) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.value = 0
	if _, ok := config["initial_value"]; ok {
		v, err := Number(config, "initial_value")
		if err != nil {
			return nil, fmt.Errorf("adder reset: %w", err)
		}
		a.value = v
	}
	a.resets++
	return a.stateLocked(), nil
}

func (a *Adder) Step(_ context.Context, action map[string]any) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	addend, err := Number(action, "addend")
	if err != nil {
		return nil, fmt.Errorf("adder step: %w", err)
	}
	a.value += addend
	a.steps++
	return a.stateLocked(), nil
}

// Halted is true once the total is no longer a finite number.
func (a *Adder) Halted() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return math.IsNaN(a.value) || math.IsInf(a.value, 0)
}

// Counts returns how many resets and steps the adder has handled.
func (a *Adder) Counts() (resets, steps int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.resets, a.steps
}

func (a *Adder) stateLocked() map[string]any {
	return map[string]any{"value": a.value}
}
