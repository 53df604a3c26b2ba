package messaging

import (
	"time"

	"github.com/microsoft/microsoft-bonsai-api/pkg/core"
)

// Kind names the loop transition a message reports.
type Kind string

const (
	KindRegistered   Kind = "registered"
	KindEpisodeStart Kind = "episode_start"
	KindIteration    Kind = "iteration"
	KindEpisodeEnd   Kind = "episode_end"
	KindReleased     Kind = "released"
)

// Message is a loop transition delivered to sinks.
type Message struct {
	Kind      Kind
	SessionID string
	// Iteration is set for KindIteration
	Iteration core.Iteration
	Timestamp time.Time
}

// Broker fans loop transitions out to subscribed sinks
type Broker interface {
	// Publish delivers a message to every subscriber
	Publish(msg Message) error
	// Subscribe registers a sink channel under id
	Subscribe(id string, ch chan<- Message) error
	// Unsubscribe removes a sink
	Unsubscribe(id string) error
}
