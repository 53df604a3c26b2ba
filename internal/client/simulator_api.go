// Package client is the REST transport to the simulator session API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/microsoft/microsoft-bonsai-api/pkg/config"
	"github.com/microsoft/microsoft-bonsai-api/pkg/core"
)

const (
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 64 << 10
)

var (
	errNoWorkspace = errors.New("workspace has not been set, set SIM_WORKSPACE or pass --workspace")
	errNoAccessKey = errors.New("access key has not been set, set SIM_ACCESS_KEY or pass --accesskey")
)

// Config holds what the client needs to reach the service.
type Config struct {
	Server     string
	Workspace  string
	AccessKey  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// SimulatorAPI implements core.Transport over HTTP.
type SimulatorAPI struct {
	base      *url.URL
	workspace string
	accessKey string
	http      *http.Client
	logger    *logrus.Logger
}

var _ core.Transport = (*SimulatorAPI)(nil)

// New validates cfg and builds a client. No request is made.
func New(cfg Config) (*SimulatorAPI, error) {
	if cfg.Workspace == "" {
		return nil, errNoWorkspace
	}
	if cfg.AccessKey == "" {
		return nil, errNoAccessKey
	}
	server := cfg.Server
	if server == "" {
		server = config.DefaultServer
	}
	base, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url %q: %w", server, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must be http or https", server)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	logger.WithFields(logrus.Fields{"server": base.String(), "workspace": cfg.Workspace}).Debug("Using simulator API")
	return &SimulatorAPI{
		base:      base,
		workspace: cfg.Workspace,
		accessKey: cfg.AccessKey,
		http:      httpClient,
		logger:    logger,
	}, nil
}

// Create registers a simulator session.
func (c *SimulatorAPI) Create(ctx context.Context, info core.RegistrationInfo) (core.Session, error) {
	c.logger.WithField("name", info.Name).Debug("Calling session.create")

	var resp SessionResponse
	if err := c.do(ctx, "create", http.MethodPost, c.sessionsPath(), info, &resp); err != nil {
		return core.Session{}, err
	}
	if resp.SessionID == "" {
		return core.Session{}, &core.APIError{Op: "create", Detail: "response has no sessionId", Class: core.ClassTransient}
	}
	c.logger.WithField("session_id", resp.SessionID).Debug("Created session")
	return core.Session{ID: resp.SessionID, Name: info.Name, RegisteredAt: time.Now()}, nil
}

// Advance uploads state and returns the next event.
func (c *SimulatorAPI) Advance(ctx context.Context, sessionID string, st core.SimulatorState) (core.Event, error) {
	log := c.logger.WithField("session_id", sessionID)
	log.WithField("sequence_id", st.SequenceID).Debug("Calling session.advance")

	state := st.State
	if state == nil {
		state = map[string]any{}
	}
	body := stateRequest{SequenceID: st.SequenceID, State: state, Halted: st.Halted}

	var resp eventResponse
	if err := c.do(ctx, "advance", http.MethodPost, c.sessionPath(sessionID)+"/advance", body, &resp); err != nil {
		return core.Event{}, err
	}
	ev := resp.toEvent()
	if ev.Type == core.EventUnregister {
		log.WithFields(logrus.Fields{
			"reason":  ev.Unregister.Reason,
			"details": ev.Unregister.Details,
		}).Warn("Received Unregister message from platform")
	}
	return ev, nil
}

// Delete unregisters a session.
func (c *SimulatorAPI) Delete(ctx context.Context, sessionID string) error {
	c.logger.WithField("session_id", sessionID).Debug("Calling session.delete")
	return c.do(ctx, "delete", http.MethodDelete, c.sessionPath(sessionID), nil, nil)
}

// List returns the workspace's registered sessions.
func (c *SimulatorAPI) List(ctx context.Context) ([]SessionResponse, error) {
	c.logger.Debug("Calling session.list")
	var resp []SessionResponse
	if err := c.do(ctx, "list", http.MethodGet, c.sessionsPath(), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *SimulatorAPI) sessionsPath() string {
	return "/v2/workspaces/" + url.PathEscape(c.workspace) + "/simulatorSessions"
}

func (c *SimulatorAPI) sessionPath(sessionID string) string {
	return c.sessionsPath() + "/" + url.PathEscape(sessionID)
}

func (c *SimulatorAPI) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return &core.APIError{Op: op, Detail: "encode request", Class: core.ClassPermanent, Err: err}
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return &core.APIError{Op: op, Detail: "build request", Class: core.ClassPermanent, Err: err}
	}
	req.Header.Set("Authorization", c.accessKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &core.APIError{Op: op, Class: core.ClassTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &core.APIError{Op: op, Status: resp.StatusCode, Class: classifyStatus(op, resp.StatusCode)}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var problem problemDetails
		if json.Unmarshal(raw, &problem) == nil && (problem.Title != "" || problem.Detail != "") {
			apiErr.Title, apiErr.Detail = problem.Title, problem.Detail
		} else if s := strings.TrimSpace(string(raw)); s != "" {
			apiErr.Detail = s
		}
		c.logger.WithError(apiErr).WithField("status", resp.StatusCode).Errorf("Error when calling session.%s", op)
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &core.APIError{Op: op, Status: resp.StatusCode, Detail: "decode response", Class: core.ClassTransient, Err: err}
	}
	return nil
}

// classifyStatus maps an HTTP failure to an error class. Advance and delete
// treat a missing session as transient since a new session fixes it.
func classifyStatus(op string, status int) core.ErrorClass {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return core.ClassTransient
	case (status == http.StatusNotFound || status == http.StatusGone) && (op == "advance" || op == "delete"):
		return core.ClassTransient
	case status >= 400:
		return core.ClassPermanent
	}
	return core.ClassTransient
}
