// Package experiment runs the simulator session event loop: it registers a
// session with the training service, advances it, dispatches the returned
// events to a simulator and always releases the session on the way out.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/microsoft/microsoft-bonsai-api/pkg/core"
	"github.com/microsoft/microsoft-bonsai-api/pkg/environment"
	"github.com/microsoft/microsoft-bonsai-api/pkg/memory"
	"github.com/microsoft/microsoft-bonsai-api/pkg/messaging"
)

// UnregisterPolicy decides what an Unregister event does to the loop.
type UnregisterPolicy int

const (
	// Reregister creates a fresh session and keeps going.
	Reregister UnregisterPolicy = iota
	// Terminate releases the session and returns from Run.
	Terminate
)

func (p UnregisterPolicy) String() string {
	if p == Terminate {
		return "terminate"
	}
	return "reregister"
}

// ParseUnregisterPolicy accepts "reregister" or "terminate".
func ParseUnregisterPolicy(s string) (UnregisterPolicy, error) {
	switch s {
	case "", "reregister":
		return Reregister, nil
	case "terminate":
		return Terminate, nil
	}
	return Reregister, fmt.Errorf("unknown unregister policy %q", s)
}

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultHistory        = 32
	releaseTimeout        = 10 * time.Second
)

// Status is a point-in-time snapshot of the loop.
type Status struct {
	Running       bool
	StartTime     time.Time
	EndTime       time.Time
	SessionID     string
	SequenceID    int64
	Episode       int
	Iteration     int
	Registrations int
	Recent        []string
}

// Engine owns one simulator session at a time. Run is not safe to call
// concurrently; Status may be called from any goroutine.
type Engine struct {
	transport core.Transport
	sim       core.Simulator
	info      core.RegistrationInfo

	logger         *logrus.Logger
	broker         messaging.Broker
	history        *memory.Memory
	onUnregister   UnregisterPolicy
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxAttempts    int
	sleep          func(ctx context.Context, d time.Duration) error

	// loop-owned, read under mu by Status
	mu            sync.RWMutex
	session       core.Session
	active        bool
	sequenceID    int64
	episode       int
	iteration     int
	registrations int
	state         map[string]any
	config        map[string]any
	running       bool
	startTime     time.Time
	endTime       time.Time
}

type Option func(*Engine)

func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithBroker publishes loop transitions to b.
func WithBroker(b messaging.Broker) Option {
	return func(e *Engine) {
		e.broker = b
	}
}

func WithUnregisterPolicy(p UnregisterPolicy) Option {
	return func(e *Engine) {
		e.onUnregister = p
	}
}

// WithRetryBackoff sets the registration retry delay, doubling from initial
// up to max.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(e *Engine) {
		if initial > 0 {
			e.initialBackoff = initial
		}
		if max >= e.initialBackoff {
			e.maxBackoff = max
		} else {
			e.maxBackoff = e.initialBackoff
		}
	}
}

// WithMaxRegistrationAttempts bounds transient registration retries.
// Zero retries forever.
func WithMaxRegistrationAttempts(n int) Option {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

// WithSleep replaces the wait used for Idle events and registration
// backoff.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithHistory sets how many recent transitions Status reports.
func WithHistory(n int) Option {
	return func(e *Engine) {
		e.history = memory.NewMemory(n)
	}
}

// New builds an engine that registers sim with info over transport.
func New(transport core.Transport, sim core.Simulator, info core.RegistrationInfo, opts ...Option) *Engine {
	info.Capabilities = maps.Clone(info.Capabilities)
	info.Description = maps.Clone(info.Description)

	e := &Engine{
		transport:      transport,
		sim:            sim,
		info:           info,
		logger:         logrus.StandardLogger(),
		history:        memory.NewMemory(defaultHistory),
		onUnregister:   Reregister,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		sleep:          sleepContext,
		state:          map[string]any{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run registers a session and processes events until the context is
// cancelled, a fatal error occurs or, under the Terminate policy, the
// service unregisters the simulator. Any session registered by Run is
// deleted before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.running = true
	e.startTime = time.Now()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.endTime = time.Now()
		e.mu.Unlock()
	}()

	if err := e.CreateSession(ctx); err != nil {
		return fmt.Errorf("register simulator: %w", err)
	}
	defer e.release()

	return e.runLoop(ctx)
}

func (e *Engine) runLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			e.logger.WithField("session_id", e.sessionID()).Info("Event loop interrupted")
			return err
		}

		e.mu.RLock()
		sessionID := e.session.ID
		state := core.SimulatorState{
			SequenceID: e.sequenceID,
			State:      e.state,
		}
		e.mu.RUnlock()
		state.Halted = environment.Halted(e.sim)

		event, err := e.transport.Advance(ctx, sessionID, state)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if core.Classify(err) == core.ClassPermanent {
				return fmt.Errorf("advance session %s: %w", sessionID, err)
			}
			e.logger.WithError(err).WithField("session_id", sessionID).
				Warn("Advance failed, registering a new session")
			if err := e.CreateSession(ctx); err != nil {
				return fmt.Errorf("re-register simulator: %w", err)
			}
			continue
		}

		e.mu.Lock()
		e.sequenceID = event.SequenceID
		e.mu.Unlock()

		done, err := e.dispatch(ctx, event)
		if err != nil || done {
			return err
		}
	}
}

// dispatch handles one event. done is true when the loop should stop
// without error.
func (e *Engine) dispatch(ctx context.Context, event core.Event) (done bool, err error) {
	e.history.Store(fmt.Sprintf("%s seq=%d", event.Type, event.SequenceID))
	log := e.logger.WithFields(logrus.Fields{
		"session_id":  e.sessionID(),
		"sequence_id": event.SequenceID,
		"event":       event.Type,
	})

	switch event.Type {
	case core.EventIdle:
		log.Info("Idling")
		if event.Idle == nil || event.Idle.CallbackTime <= 0 {
			return false, nil
		}
		return false, e.sleep(ctx, callbackWait(event.Idle.CallbackTime))

	case core.EventEpisodeStart:
		config := map[string]any{}
		if event.EpisodeStart != nil && event.EpisodeStart.Config != nil {
			config = event.EpisodeStart.Config
		}
		state, err := e.sim.Reset(ctx, config)
		if err != nil {
			return false, fmt.Errorf("simulator reset: %w", err)
		}
		e.mu.Lock()
		e.state = orEmpty(state)
		e.config = config
		e.episode++
		e.iteration = 0
		episode := e.episode
		e.mu.Unlock()
		log.WithField("episode", episode).Info("Episode started")
		e.publish(messaging.Message{Kind: messaging.KindEpisodeStart})

	case core.EventEpisodeStep:
		action := map[string]any{}
		if event.EpisodeStep != nil && event.EpisodeStep.Action != nil {
			action = event.EpisodeStep.Action
		}
		state, err := e.sim.Step(ctx, action)
		if err != nil {
			return false, fmt.Errorf("simulator step: %w", err)
		}
		e.mu.Lock()
		e.state = orEmpty(state)
		e.iteration++
		it := core.Iteration{
			SessionID: e.session.ID,
			Episode:   e.episode,
			Iteration: e.iteration,
			State:     e.state,
			Action:    action,
			Config:    e.config,
			Timestamp: time.Now(),
		}
		e.mu.Unlock()
		log.WithFields(logrus.Fields{"episode": it.Episode, "iteration": it.Iteration}).Info("Episode step")
		e.publish(messaging.Message{Kind: messaging.KindIteration, Iteration: it})

	case core.EventEpisodeFinish:
		// the last state stays as the next advance payload
		e.mu.Lock()
		e.iteration = 0
		e.mu.Unlock()
		reason := ""
		if event.EpisodeFinish != nil {
			reason = event.EpisodeFinish.Reason
		}
		log.WithField("reason", reason).Info("Episode finished")
		e.publish(messaging.Message{Kind: messaging.KindEpisodeEnd})

	case core.EventUnregister:
		var reason, details string
		if event.Unregister != nil {
			reason, details = event.Unregister.Reason, event.Unregister.Details
		}
		log = log.WithFields(logrus.Fields{"reason": reason, "details": details})
		if e.onUnregister == Terminate {
			log.Warn("Simulator session unregistered by platform")
			return true, nil
		}
		log.Warn("Simulator session unregistered by platform, registering again")
		if err := e.CreateSession(ctx); err != nil {
			return false, fmt.Errorf("re-register simulator: %w", err)
		}

	default:
		log.Warn("Ignoring unknown event type")
	}
	return false, nil
}

// CreateSession registers a new session, retrying transient failures with
// backoff. On success it becomes the only session the engine holds and
// the sequence id restarts at 1. Permanent rejections are returned
// without retrying.
func (e *Engine) CreateSession(ctx context.Context) error {
	delay := e.initialBackoff
	for attempt := 1; ; attempt++ {
		session, err := e.transport.Create(ctx, e.info)
		if err == nil {
			e.mu.Lock()
			e.session = session
			e.active = true
			e.sequenceID = 1
			e.registrations++
			e.mu.Unlock()
			e.history.Store("Registered " + session.ID)
			e.logger.WithFields(logrus.Fields{
				"session_id": session.ID,
				"name":       e.info.Name,
			}).Info("Registered simulator")
			e.publish(messaging.Message{Kind: messaging.KindRegistered, SessionID: session.ID})
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		log := e.logger.WithError(err).WithField("attempt", attempt)
		if core.Classify(err) == core.ClassPermanent {
			log.Error("Registration rejected")
			return err
		}
		if e.maxAttempts > 0 && attempt >= e.maxAttempts {
			log.Error("Registration failed, giving up")
			return fmt.Errorf("registration failed after %d attempts: %w", attempt, err)
		}
		log.WithField("retry_in", delay).Warn("Registration failed, most likely a network connectivity issue")
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
		delay = min(delay*2, e.maxBackoff)
	}
}

// release deletes the held session once. Errors are logged, not returned,
// since the service may already have dropped it.
func (e *Engine) release() {
	e.mu.Lock()
	session, active := e.session, e.active
	e.active = false
	e.mu.Unlock()
	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	log := e.logger.WithField("session_id", session.ID)
	if err := e.transport.Delete(ctx, session.ID); err != nil {
		log.WithError(err).Warn("Failed to unregister simulator")
	} else {
		log.Info("Unregistered simulator")
	}
	e.history.Store("Released " + session.ID)
	e.publish(messaging.Message{Kind: messaging.KindReleased, SessionID: session.ID})
}

func (e *Engine) publish(msg messaging.Message) {
	if e.broker == nil {
		return
	}
	if msg.SessionID == "" {
		msg.SessionID = e.sessionID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := e.broker.Publish(msg); err != nil {
		e.logger.WithError(err).Warn("Dropped loop transition")
	}
}

// Status returns a snapshot of the loop counters and session.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		Running:       e.running,
		StartTime:     e.startTime,
		EndTime:       e.endTime,
		SessionID:     e.session.ID,
		SequenceID:    e.sequenceID,
		Episode:       e.episode,
		Iteration:     e.iteration,
		Registrations: e.registrations,
		Recent:        e.history.Recent(0),
	}
}

func (e *Engine) sessionID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session.ID
}

func orEmpty(state map[string]any) map[string]any {
	if state == nil {
		return map[string]any{}
	}
	return state
}

// callbackWait converts an Idle callback time in seconds, saturating at
// the longest representable duration.
func callbackWait(seconds float64) time.Duration {
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0
	}
	ns := seconds * float64(time.Second)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsInterrupted reports whether err only reflects the run being cancelled.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
