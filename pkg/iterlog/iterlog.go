// Package iterlog records simulator iterations published by the event loop.
package iterlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/microsoft/microsoft-bonsai-api/pkg/core"
	"github.com/microsoft/microsoft-bonsai-api/pkg/messaging"
)

// Writer persists iterations.
type Writer interface {
	Write(ctx context.Context, it core.Iteration) error
	Close() error
}

// Drain writes every iteration message from ch until ch is closed and
// returns how many were written. Write failures are logged and skipped.
func Drain(ch <-chan messaging.Message, w Writer, logger *logrus.Logger) int {
	n := 0
	for msg := range ch {
		if msg.Kind != messaging.KindIteration {
			continue
		}
		if err := w.Write(context.Background(), msg.Iteration); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"episode":   msg.Iteration.Episode,
				"iteration": msg.Iteration.Iteration,
			}).Warn("Failed to log iteration")
			continue
		}
		n++
	}
	return n
}

// Sink is a writer attached to a broker.
type Sink struct {
	id     string
	broker messaging.Broker
	ch     chan messaging.Message
	w      Writer

	once    sync.Once
	done    chan struct{}
	written int
}

// Attach subscribes w to b under id and starts draining in the background.
func Attach(b messaging.Broker, id string, w Writer, buffer int, logger *logrus.Logger) (*Sink, error) {
	if buffer <= 0 {
		buffer = 1
	}
	s := &Sink{
		id:     id,
		broker: b,
		ch:     make(chan messaging.Message, buffer),
		w:      w,
		done:   make(chan struct{}),
	}
	if err := b.Subscribe(id, s.ch); err != nil {
		return nil, err
	}
	go func() {
		defer close(s.done)
		s.written = Drain(s.ch, w, logger)
	}()
	return s, nil
}

// Close unsubscribes, waits for queued messages to be written and closes
// the writer. It returns the number of iterations written.
func (s *Sink) Close() (int, error) {
	var err error
	s.once.Do(func() {
		if uerr := s.broker.Unsubscribe(s.id); uerr != nil {
			err = uerr
		}
		close(s.ch)
		<-s.done
		if cerr := s.w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	<-s.done
	return s.written, err
}

// Columns flattens an iteration into named CSV cells.
func Columns(it core.Iteration) map[string]string {
	cols := make(map[string]string, len(it.State)+len(it.Action)+len(it.Config)+2)
	for k, v := range it.State {
		cols["state_"+k] = cell(v)
	}
	for k, v := range it.Action {
		cols["action_"+k] = cell(v)
	}
	for k, v := range it.Config {
		cols["config_"+k] = cell(v)
	}
	cols["episode"] = fmt.Sprint(it.Episode)
	cols["iteration"] = fmt.Sprint(it.Iteration)
	return cols
}

// header orders state, action and config columns alphabetically within
// their group, followed by episode and iteration.
func header(cols map[string]string) []string {
	out := make([]string, 0, len(cols))
	for k := range cols {
		if k != "episode" && k != "iteration" {
			out = append(out, k)
		}
	}
	rank := func(k string) int {
		switch {
		case strings.HasPrefix(k, "state_"):
			return 0
		case strings.HasPrefix(k, "action_"):
			return 1
		default:
			return 2
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return append(out, "episode", "iteration")
}

func cell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		buf, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(buf)
	default:
		return fmt.Sprint(val)
	}
}
