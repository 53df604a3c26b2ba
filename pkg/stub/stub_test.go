package stub

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := New(opts, logger)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func call(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "key")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func register(t *testing.T, base, workspace string) string {
	t.Helper()
	resp, out := call(t, http.MethodPost, base+"/v2/workspaces/"+workspace+"/simulatorSessions",
		map[string]any{"name": "sim", "timeout": 60})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := out["sessionId"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestRequiresAuthorization(t *testing.T) {
	_, srv := newTestServer(t, DefaultOptions())

	resp, err := http.Post(srv.URL+"/v2/workspaces/train/simulatorSessions", "application/json",
		bytes.NewBufferString(`{"name":"sim"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestCreate(t *testing.T) {
	s, srv := newTestServer(t, DefaultOptions())

	t.Run("name required", func(t *testing.T) {
		resp, out := call(t, http.MethodPost, srv.URL+"/v2/workspaces/train/simulatorSessions", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "name is required", out["detail"])
	})

	t.Run("scripted failure", func(t *testing.T) {
		resp, out := call(t, http.MethodPost, srv.URL+"/v2/workspaces/unavailable/simulatorSessions",
			map[string]any{"name": "sim"})
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.EqualValues(t, http.StatusServiceUnavailable, out["status"])
	})

	t.Run("registers", func(t *testing.T) {
		id := register(t, srv.URL, WorkspaceTrain)
		assert.Len(t, id, 36)
		assert.Equal(t, 1, s.Stats().ActiveSessions)
	})
}

func TestAdvanceScript(t *testing.T) {
	_, srv := newTestServer(t, Options{EpisodeLength: 3, UnregisterAfter: 7})
	id := register(t, srv.URL, WorkspaceTrain)
	url := srv.URL + "/v2/workspaces/train/simulatorSessions/" + id + "/advance"

	var types []string
	seq := 1.0
	for i := 0; i < 7; i++ {
		resp, out := call(t, http.MethodPost, url, map[string]any{"sequenceId": seq, "state": map[string]any{}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		types = append(types, out["type"].(string))
		seq = out["sequenceId"].(float64)
	}

	assert.Equal(t, []string{
		"EpisodeStart", "EpisodeStep", "EpisodeStep",
		"EpisodeStart", "EpisodeStep", "EpisodeStep",
		"Unregister",
	}, types)
	assert.Equal(t, 8.0, seq)
}

func TestAdvanceStartCarriesConfig(t *testing.T) {
	_, srv := newTestServer(t, DefaultOptions())
	id := register(t, srv.URL, WorkspaceTrain)

	_, out := call(t, http.MethodPost, srv.URL+"/v2/workspaces/train/simulatorSessions/"+id+"/advance",
		map[string]any{"sequenceId": 1, "state": map[string]any{}})

	require.Equal(t, "EpisodeStart", out["type"])
	start := out["episodeStart"].(map[string]any)
	assert.Equal(t, map[string]any{"initial_value": 1.0}, start["config"])
}

func TestAdvanceIdle(t *testing.T) {
	_, srv := newTestServer(t, Options{IdleCallback: 0.25})
	id := register(t, srv.URL, WorkspaceIdle)

	_, out := call(t, http.MethodPost, srv.URL+"/v2/workspaces/idle/simulatorSessions/"+id+"/advance",
		map[string]any{"sequenceId": 1, "state": map[string]any{}})

	assert.Equal(t, "Idle", out["type"])
	assert.Equal(t, map[string]any{"callbackTime": 0.25}, out["idle"])
}

func TestAdvanceCountsSequenceMismatch(t *testing.T) {
	s, srv := newTestServer(t, DefaultOptions())
	id := register(t, srv.URL, WorkspaceTrain)
	url := srv.URL + "/v2/workspaces/train/simulatorSessions/" + id + "/advance"

	call(t, http.MethodPost, url, map[string]any{"sequenceId": 1, "state": map[string]any{}})
	call(t, http.MethodPost, url, map[string]any{"sequenceId": 1, "state": map[string]any{}})

	assert.Equal(t, 1, s.Stats().SequenceMismatches)
}

func TestAdvanceFlaky(t *testing.T) {
	_, srv := newTestServer(t, Options{FlakyFrom: 2, FlakyTo: 3})
	id := register(t, srv.URL, WorkspaceFlaky)
	url := srv.URL + "/v2/workspaces/flaky/simulatorSessions/" + id + "/advance"

	var codes []int
	for i := 0; i < 4; i++ {
		resp, _ := call(t, http.MethodPost, url, map[string]any{"sequenceId": i + 1, "state": map[string]any{}})
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{200, 502, 502, 200}, codes)
}

func TestAdvanceUnknownSession(t *testing.T) {
	_, srv := newTestServer(t, DefaultOptions())

	resp, _ := call(t, http.MethodPost, srv.URL+"/v2/workspaces/train/simulatorSessions/nope/advance",
		map[string]any{"sequenceId": 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteAndList(t *testing.T) {
	s, srv := newTestServer(t, DefaultOptions())
	a := register(t, srv.URL, WorkspaceTrain)
	register(t, srv.URL, WorkspaceTrain)
	register(t, srv.URL, WorkspaceFlaky)

	resp, err := http.NewRequest(http.MethodGet, srv.URL+"/v2/workspaces/train/simulatorSessions", nil)
	require.NoError(t, err)
	resp.Header.Set("Authorization", "key")
	listResp, err := http.DefaultClient.Do(resp)
	require.NoError(t, err)
	defer listResp.Body.Close()
	var sessions []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&sessions))
	assert.Len(t, sessions, 2)

	del, _ := call(t, http.MethodDelete, srv.URL+"/v2/workspaces/train/simulatorSessions/"+a, nil)
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	again, _ := call(t, http.MethodDelete, srv.URL+"/v2/workspaces/train/simulatorSessions/"+a, nil)
	assert.Equal(t, http.StatusNotFound, again.StatusCode)

	st := s.Stats()
	assert.Equal(t, 2, st.Deletes)
	assert.Equal(t, 2, st.ActiveSessions)
}
