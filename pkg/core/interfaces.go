package core

import (
	"context"
)

// Simulator is the adapter the event loop drives. Reset starts a new
// episode from config, Step applies one action. Both return the state to
// upload on the next advance.
type Simulator interface {
	Reset(ctx context.Context, config map[string]any) (map[string]any, error)
	Step(ctx context.Context, action map[string]any) (map[string]any, error)
}

// Halter is an optional Simulator capability. A halted simulator asks the
// service to discard the current episode.
type Halter interface {
	Halted() bool
}

// Transport talks to the training service.
type Transport interface {
	// Create registers a new simulator session
	Create(ctx context.Context, info RegistrationInfo) (Session, error)
	// Advance uploads state and returns the next event
	Advance(ctx context.Context, sessionID string, state SimulatorState) (Event, error)
	// Delete unregisters a session
	Delete(ctx context.Context, sessionID string) error
}

// Policy chooses an action for a state without the service.
type Policy interface {
	Act(ctx context.Context, state map[string]any) (map[string]any, error)
}
