package core

import (
	"time"
)

// EventType identifies which payload of an Event is set.
type EventType string

const (
	EventIdle          EventType = "Idle"
	EventEpisodeStart  EventType = "EpisodeStart"
	EventEpisodeStep   EventType = "EpisodeStep"
	EventEpisodeFinish EventType = "EpisodeFinish"
	EventUnregister    EventType = "Unregister"
)

// Session is a registered handle identifying one simulator's connection
// to the service.
type Session struct {
	ID           string
	Name         string
	RegisteredAt time.Time
}

// RegistrationInfo describes the simulator to the service. It is built once
// before the loop starts and never mutated afterwards.
type RegistrationInfo struct {
	Name             string         `yaml:"name" json:"name"`
	Timeout          float64        `yaml:"timeout" json:"timeout"`
	Capabilities     map[string]any `yaml:"capabilities" json:"capabilities,omitempty"`
	Description      map[string]any `yaml:"description" json:"description,omitempty"`
	SimulatorContext string         `yaml:"simulatorContext" json:"simulatorContext,omitempty"`
}

// SimulatorState is uploaded on every advance call. State is pure payload.
type SimulatorState struct {
	SequenceID int64
	State      map[string]any
	Halted     bool
}

type IdleEvent struct {
	// CallbackTime is the number of seconds to wait before advancing again.
	CallbackTime float64
}

type EpisodeStartEvent struct {
	Config map[string]any
}

type EpisodeStepEvent struct {
	Action map[string]any
}

type EpisodeFinishEvent struct {
	Reason string
}

type UnregisterEvent struct {
	Reason  string
	Details string
}

// Event is the tagged response of an advance call. Exactly one payload
// matching Type is non-nil.
type Event struct {
	Type          EventType
	SessionID     string
	SequenceID    int64
	Idle          *IdleEvent
	EpisodeStart  *EpisodeStartEvent
	EpisodeStep   *EpisodeStepEvent
	EpisodeFinish *EpisodeFinishEvent
	Unregister    *UnregisterEvent
}

// Valid reports whether the payload matching Type is present.
func (e Event) Valid() bool {
	switch e.Type {
	case EventIdle:
		return e.Idle != nil
	case EventEpisodeStart:
		return e.EpisodeStart != nil
	case EventEpisodeStep:
		return e.EpisodeStep != nil
	case EventEpisodeFinish:
		return e.EpisodeFinish != nil
	case EventUnregister:
		return e.Unregister != nil
	}
	return false
}

// Iteration is one simulator transition recorded for logging sinks.
type Iteration struct {
	SessionID string
	Episode   int
	Iteration int
	State     map[string]any
	Action    map[string]any
	Config    map[string]any
	Timestamp time.Time
}
