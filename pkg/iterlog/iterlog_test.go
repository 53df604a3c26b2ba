package iterlog

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/microsoft-bonsai-api/pkg/core"
	"github.com/microsoft/microsoft-bonsai-api/pkg/messaging"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func iteration(episode, n int, value float64) core.Iteration {
	return core.Iteration{
		SessionID: "s1",
		Episode:   episode,
		Iteration: n,
		State:     map[string]any{"value": value, "pos": []any{1.0, 2.0}},
		Action:    map[string]any{"addend": 1.0},
		Config:    map[string]any{"initial_value": 0.0},
		Timestamp: time.UnixMilli(1700000000000),
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestColumns(t *testing.T) {
	cols := Columns(iteration(2, 3, 1.5))

	assert.Equal(t, map[string]string{
		"state_value":          "1.5",
		"state_pos":            "[1,2]",
		"action_addend":        "1",
		"config_initial_value": "0",
		"episode":              "2",
		"iteration":            "3",
	}, cols)
	assert.Equal(t, []string{
		"state_pos", "state_value", "action_addend", "config_initial_value", "episode", "iteration",
	}, header(cols))
}

func TestCSVWriter_HeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "iterations.csv")

	w, err := NewCSVWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), iteration(1, 1, 1)))
	require.NoError(t, w.Write(context.Background(), iteration(1, 2, 2)))
	require.NoError(t, w.Close())

	// reopening appends under the existing header
	w, err = NewCSVWriter(path)
	require.NoError(t, err)
	it := iteration(2, 1, 3)
	delete(it.State, "pos")
	it.State["extra"] = "ignored"
	require.NoError(t, w.Write(context.Background(), it))
	require.NoError(t, w.Close())

	rows := readCSV(t, path)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"state_pos", "state_value", "action_addend", "config_initial_value", "episode", "iteration"}, rows[0])
	assert.Equal(t, []string{"[1,2]", "1", "1", "0", "1", "1"}, rows[1])
	assert.Equal(t, []string{"", "3", "1", "0", "2", "1"}, rows[3])
}

func TestSQLiteWriter(t *testing.T) {
	ctx := context.Background()
	w, err := NewSQLiteWriter(filepath.Join(t.TempDir(), "iterations.db"))
	require.NoError(t, err)
	defer w.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, w.Write(ctx, iteration(1, i, float64(i))))
	}
	require.NoError(t, w.Write(ctx, iteration(2, 1, 9)))

	n, err := w.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got, err := w.Iterations(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 2, got[1].Iteration)
	assert.Equal(t, 2.0, got[1].State["value"])
	assert.Equal(t, map[string]any{"addend": 1.0}, got[1].Action)
	assert.Equal(t, int64(1700000000000), got[1].Timestamp.UnixMilli())
}

func TestSQLiteWriter_Pragmas(t *testing.T) {
	w, err := NewSQLiteWriter(filepath.Join(t.TempDir(), "iterations.db"))
	require.NoError(t, err)
	defer w.Close()

	var mode string
	require.NoError(t, w.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, w.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

type failingWriter struct {
	writes int
	closed bool
}

func (f *failingWriter) Write(_ context.Context, it core.Iteration) error {
	f.writes++
	if it.Iteration%2 == 0 {
		return errors.New("disk full")
	}
	return nil
}

func (f *failingWriter) Close() error {
	f.closed = true
	return nil
}

func TestDrain_SkipsOtherKindsAndFailures(t *testing.T) {
	ch := make(chan messaging.Message, 8)
	ch <- messaging.Message{Kind: messaging.KindRegistered}
	for i := 1; i <= 4; i++ {
		ch <- messaging.Message{Kind: messaging.KindIteration, Iteration: iteration(1, i, 0)}
	}
	ch <- messaging.Message{Kind: messaging.KindReleased}
	close(ch)

	w := &failingWriter{}
	assert.Equal(t, 2, Drain(ch, w, quietLogger()))
	assert.Equal(t, 4, w.writes)
}

func TestSink_AttachAndClose(t *testing.T) {
	broker := messaging.NewBroker()
	w := &failingWriter{}

	sink, err := Attach(broker, "csv", w, 16, quietLogger())
	require.NoError(t, err)

	for i := 1; i <= 5; i += 2 {
		require.NoError(t, broker.Publish(messaging.Message{Kind: messaging.KindIteration, Iteration: iteration(1, i, 0)}))
	}

	n, err := sink.Close()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, w.closed)

	// unsubscribed sinks no longer receive
	assert.NoError(t, broker.Publish(messaging.Message{Kind: messaging.KindIteration}))
	n, _ = sink.Close()
	assert.Equal(t, 3, n)
}
