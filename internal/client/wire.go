package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/microsoft/microsoft-bonsai-api/pkg/core"
)

// sequenceID decodes from a JSON number or a numeric string.
type sequenceID int64

func (s *sequenceID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return fmt.Errorf("sequenceId %q: %w", str, err)
		}
		*s = sequenceID(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("sequenceId: %w", err)
	}
	*s = sequenceID(n)
	return nil
}

// SessionResponse is the service's view of a registered session.
type SessionResponse struct {
	SessionID        string         `json:"sessionId"`
	Interface        map[string]any `json:"interface,omitempty"`
	SimulatorContext any            `json:"simulatorContext,omitempty"`
	RegistrationTime string         `json:"registrationTime,omitempty"`
	LastSeenTime     string         `json:"lastSeenTime,omitempty"`
	IterationRate    float64        `json:"iterationRate,omitempty"`
	Details          string         `json:"details,omitempty"`
	SessionStatus    string         `json:"sessionStatus,omitempty"`
}

type stateRequest struct {
	SequenceID int64          `json:"sequenceId"`
	State      map[string]any `json:"state"`
	Halted     bool           `json:"halted"`
}

type eventResponse struct {
	Type          core.EventType `json:"type"`
	SessionID     string         `json:"sessionId"`
	SequenceID    sequenceID     `json:"sequenceId"`
	Idle          *idlePayload   `json:"idle,omitempty"`
	EpisodeStart  *startPayload  `json:"episodeStart,omitempty"`
	EpisodeStep   *stepPayload   `json:"episodeStep,omitempty"`
	EpisodeFinish *finishPayload `json:"episodeFinish,omitempty"`
	Unregister    *unregPayload  `json:"unregister,omitempty"`
}

type idlePayload struct {
	CallbackTime float64 `json:"callbackTime"`
}

type startPayload struct {
	Config map[string]any `json:"config"`
}

type stepPayload struct {
	Action map[string]any `json:"action"`
}

type finishPayload struct {
	Reason string `json:"reason"`
}

type unregPayload struct {
	Reason  string `json:"reason"`
	Details string `json:"details"`
}

// problemDetails is the RFC 7807 error body the service returns.
type problemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func (r eventResponse) toEvent() core.Event {
	ev := core.Event{
		Type:       r.Type,
		SessionID:  r.SessionID,
		SequenceID: int64(r.SequenceID),
	}
	switch r.Type {
	case core.EventIdle:
		ev.Idle = &core.IdleEvent{}
		if r.Idle != nil {
			ev.Idle.CallbackTime = r.Idle.CallbackTime
		}
	case core.EventEpisodeStart:
		ev.EpisodeStart = &core.EpisodeStartEvent{}
		if r.EpisodeStart != nil {
			ev.EpisodeStart.Config = r.EpisodeStart.Config
		}
	case core.EventEpisodeStep:
		ev.EpisodeStep = &core.EpisodeStepEvent{}
		if r.EpisodeStep != nil {
			ev.EpisodeStep.Action = r.EpisodeStep.Action
		}
	case core.EventEpisodeFinish:
		ev.EpisodeFinish = &core.EpisodeFinishEvent{}
		if r.EpisodeFinish != nil {
			ev.EpisodeFinish.Reason = r.EpisodeFinish.Reason
		}
	case core.EventUnregister:
		ev.Unregister = &core.UnregisterEvent{}
		if r.Unregister != nil {
			ev.Unregister.Reason = r.Unregister.Reason
			ev.Unregister.Details = r.Unregister.Details
		}
	}
	return ev
}
