// Package agent drives a simulator locally with a policy, without the
// training service. It is used to smoke test a simulator integration
// before connecting it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/microsoft/microsoft-bonsai-api/pkg/core"
	"github.com/microsoft/microsoft-bonsai-api/pkg/environment"
	"github.com/microsoft/microsoft-bonsai-api/pkg/memory"
	"github.com/microsoft/microsoft-bonsai-api/pkg/messaging"
)

// Runner plays fixed length episodes against a simulator.
type Runner struct {
	id         string
	sim        core.Simulator
	policy     core.Policy
	episodes   int
	iterations int
	configFor  func(episode int) map[string]any
	broker     messaging.Broker
	memory     *memory.Memory
	logger     *logrus.Logger
}

type RunnerParams struct {
	RunnerID      string
	Episodes      int
	Iterations    int
	ConfigFor     func(episode int) map[string]any
	MessageBroker messaging.Broker
	Logger        *logrus.Logger
}

type RunnerOption func(*RunnerParams)

func WithRunnerID(id string) RunnerOption {
	return func(p *RunnerParams) {
		p.RunnerID = id
	}
}

func WithEpisodes(n int) RunnerOption {
	return func(p *RunnerParams) {
		p.Episodes = n
	}
}

// WithIterations caps the steps per episode.
func WithIterations(n int) RunnerOption {
	return func(p *RunnerParams) {
		p.Iterations = n
	}
}

// WithConfig sets the episode config generator. Episodes count from 1.
func WithConfig(f func(episode int) map[string]any) RunnerOption {
	return func(p *RunnerParams) {
		p.ConfigFor = f
	}
}

func WithMessageBroker(b messaging.Broker) RunnerOption {
	return func(p *RunnerParams) {
		p.MessageBroker = b
	}
}

func WithLogger(l *logrus.Logger) RunnerOption {
	return func(p *RunnerParams) {
		p.Logger = l
	}
}

func defaultRunnerParams() *RunnerParams {
	return &RunnerParams{
		RunnerID:   "local-" + uuid.New().String(),
		Episodes:   10,
		Iterations: 200,
		ConfigFor:  func(int) map[string]any { return map[string]any{} },
	}
}

// NewRunner creates a runner for sim and policy
func NewRunner(sim core.Simulator, policy core.Policy, opts ...RunnerOption) (*Runner, error) {
	if sim == nil || policy == nil {
		return nil, errors.New("runner needs a simulator and a policy")
	}
	params := defaultRunnerParams()
	for _, opt := range opts {
		opt(params)
	}
	if params.Episodes <= 0 || params.Iterations <= 0 {
		return nil, fmt.Errorf("episodes (%d) and iterations (%d) must be positive", params.Episodes, params.Iterations)
	}
	if params.Logger == nil {
		params.Logger = logrus.StandardLogger()
	}

	return &Runner{
		id:         params.RunnerID,
		sim:        sim,
		policy:     policy,
		episodes:   params.Episodes,
		iterations: params.Iterations,
		configFor:  params.ConfigFor,
		broker:     params.MessageBroker,
		memory:     memory.NewMemory(100),
		logger:     params.Logger,
	}, nil
}

func (r *Runner) GetID() string {
	return r.id
}

// Summary reports what a run did.
type Summary struct {
	Episodes   int
	Iterations int
	// Halted counts episodes cut short by the simulator.
	Halted int
}

// Run plays every episode. An episode ends after the iteration limit or
// when the simulator reports halted.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	for episode := 1; episode <= r.episodes; episode++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		config := r.configFor(episode)
		if config == nil {
			config = map[string]any{}
		}
		state, err := r.sim.Reset(ctx, config)
		if err != nil {
			return sum, fmt.Errorf("episode %d reset: %w", episode, err)
		}
		sum.Episodes++
		r.publish(messaging.Message{Kind: messaging.KindEpisodeStart})

		for iteration := 1; iteration <= r.iterations; iteration++ {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			action, err := r.policy.Act(ctx, state)
			if err != nil {
				return sum, fmt.Errorf("episode %d iteration %d policy: %w", episode, iteration, err)
			}
			state, err = r.sim.Step(ctx, action)
			if err != nil {
				return sum, fmt.Errorf("episode %d iteration %d step: %w", episode, iteration, err)
			}
			sum.Iterations++

			r.memory.Store(fmt.Sprintf("episode %d iteration %d action %v", episode, iteration, action))
			r.logger.WithFields(logrus.Fields{
				"episode":   episode,
				"iteration": iteration,
				"action":    action,
				"state":     state,
			}).Debug("Local step")
			r.publish(messaging.Message{Kind: messaging.KindIteration, Iteration: core.Iteration{
				SessionID: r.id,
				Episode:   episode,
				Iteration: iteration,
				State:     state,
				Action:    action,
				Config:    config,
				Timestamp: time.Now(),
			}})

			if environment.Halted(r.sim) {
				sum.Halted++
				r.logger.WithField("episode", episode).Warn("Simulator halted, ending episode")
				break
			}
		}
		r.publish(messaging.Message{Kind: messaging.KindEpisodeEnd})
		r.logger.WithField("episode", episode).Info("Local episode finished")
	}
	return sum, nil
}

// Recent returns the latest steps, oldest first.
func (r *Runner) Recent() []string {
	return r.memory.Recent(0)
}

func (r *Runner) publish(msg messaging.Message) {
	if r.broker == nil {
		return
	}
	msg.SessionID = r.id
	msg.Timestamp = time.Now()
	if err := r.broker.Publish(msg); err != nil {
		r.logger.WithError(err).Warn("Dropped local transition")
	}
}
