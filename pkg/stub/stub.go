// Package stub is a scripted stand-in for the simulator session service.
// The workspace name in the request path selects the behaviour, so one
// server covers the training, flaky and error scenarios.
package stub

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Workspaces with scripted behaviour.
const (
	WorkspaceTrain          = "train"
	WorkspaceFlaky          = "flaky"
	WorkspaceIdle           = "idle"
	WorkspaceBadRequest     = "badrequest"
	WorkspaceUnauthorized   = "unauthorized"
	WorkspaceForbidden      = "forbidden"
	WorkspaceNotFound       = "notfound"
	WorkspaceBadGateway     = "badgateway"
	WorkspaceUnavailable    = "unavailable"
	WorkspaceGatewayTimeout = "gatewaytimeout"
)

var registrationFailures = map[string]int{
	WorkspaceBadRequest:     http.StatusBadRequest,
	WorkspaceUnauthorized:   http.StatusUnauthorized,
	WorkspaceForbidden:      http.StatusForbidden,
	WorkspaceNotFound:       http.StatusNotFound,
	WorkspaceBadGateway:     http.StatusBadGateway,
	WorkspaceUnavailable:    http.StatusServiceUnavailable,
	WorkspaceGatewayTimeout: http.StatusGatewayTimeout,
}

// Options shape the scripted episodes.
type Options struct {
	// EpisodeLength is the number of advance calls per episode, the first
	// being EpisodeStart.
	EpisodeLength int
	// UnregisterAfter is the advance call that answers Unregister.
	UnregisterAfter int
	// FlakyFrom and FlakyTo bound the advance calls answered with 502 in
	// the flaky workspace.
	FlakyFrom, FlakyTo int
	// IdleCallback is the callbackTime sent in the idle workspace.
	IdleCallback float64
}

func DefaultOptions() Options {
	return Options{
		EpisodeLength:   25,
		UnregisterAfter: 100,
		FlakyFrom:       11,
		FlakyTo:         13,
	}
}

// Stats counts requests the server has seen.
type Stats struct {
	Creates            int
	Advances           int
	Deletes            int
	SequenceMismatches int
	ActiveSessions     int
}

type session struct {
	ID               string         `json:"sessionId"`
	Interface        map[string]any `json:"interface"`
	SimulatorContext string         `json:"simulatorContext,omitempty"`
	RegistrationTime time.Time      `json:"registrationTime"`
	LastSeenTime     time.Time      `json:"lastSeenTime"`
	SessionStatus    string         `json:"sessionStatus"`

	workspace  string
	sequenceID int64
}

// Server is the stub service. The zero value is not usable, use New.
type Server struct {
	opts   Options
	logger *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*session
	// advance calls per workspace, failed ones included
	calls map[string]int
	stats Stats
}

func New(opts Options, logger *logrus.Logger) *Server {
	def := DefaultOptions()
	if opts.EpisodeLength <= 0 {
		opts.EpisodeLength = def.EpisodeLength
	}
	if opts.UnregisterAfter <= 0 {
		opts.UnregisterAfter = def.UnregisterAfter
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*session),
		calls:    make(map[string]int),
	}
}

// Handler returns the service routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requireAuthorization)

	r.Route("/v2/workspaces/{workspace}/simulatorSessions", func(r chi.Router) {
		r.Get("/", s.list)
		r.Post("/", s.create)
		r.Delete("/{sessionID}", s.delete)
		r.Post("/{sessionID}/advance", s.advance)
	})
	return r
}

// Stats returns a snapshot of the request counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.ActiveSessions = len(s.sessions)
	return st
}

func requireAuthorization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			problem(w, http.StatusUnauthorized, "Unauthorized", "missing access key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	workspace := chi.URLParam(r, "workspace")
	if status, ok := registrationFailures[workspace]; ok {
		s.mu.Lock()
		s.stats.Creates++
		s.mu.Unlock()
		problem(w, status, http.StatusText(status), "scripted failure for workspace "+workspace)
		return
	}

	var body struct {
		Name             string         `json:"name"`
		Timeout          float64        `json:"timeout"`
		Capabilities     map[string]any `json:"capabilities"`
		Description      map[string]any `json:"description"`
		SimulatorContext string         `json:"simulatorContext"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if body.Name == "" {
		problem(w, http.StatusBadRequest, "Bad Request", "name is required")
		return
	}

	now := time.Now().UTC()
	sess := &session{
		ID: uuid.NewString(),
		Interface: map[string]any{
			"name":         body.Name,
			"timeout":      body.Timeout,
			"capabilities": body.Capabilities,
			"description":  body.Description,
		},
		SimulatorContext: body.SimulatorContext,
		RegistrationTime: now,
		LastSeenTime:     now,
		SessionStatus:    "Attachable",
		workspace:        workspace,
		sequenceID:       1,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.stats.Creates++
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"workspace": workspace, "session_id": sess.ID}).Info("Stub registered session")
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	workspace := chi.URLParam(r, "workspace")

	s.mu.Lock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.workspace == workspace {
			out = append(out, sess)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RegistrationTime.Before(out[j].RegistrationTime) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	s.mu.Lock()
	s.stats.Deletes++
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		problem(w, http.StatusNotFound, "Not Found", "unknown session "+id)
		return
	}
	s.logger.WithField("session_id", id).Info("Stub deleted session")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) advance(w http.ResponseWriter, r *http.Request) {
	workspace := chi.URLParam(r, "workspace")
	id := chi.URLParam(r, "sessionID")

	var body struct {
		SequenceID int64          `json:"sequenceId"`
		State      map[string]any `json:"state"`
		Halted     bool           `json:"halted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	s.mu.Lock()
	s.stats.Advances++
	s.calls[workspace]++
	call := s.calls[workspace]
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		problem(w, http.StatusNotFound, "Not Found", "unknown session "+id)
		return
	}
	if workspace == WorkspaceFlaky && call >= s.opts.FlakyFrom && call <= s.opts.FlakyTo {
		s.mu.Unlock()
		problem(w, http.StatusBadGateway, "Bad Gateway", "scripted flaky failure")
		return
	}
	if body.SequenceID != sess.sequenceID {
		s.stats.SequenceMismatches++
	}
	sess.sequenceID++
	sess.LastSeenTime = time.Now().UTC()
	ev := s.script(workspace, call)
	ev["sessionId"] = id
	ev["sequenceId"] = sess.sequenceID
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, ev)
}

// script picks the event for the workspace's nth advance call.
func (s *Server) script(workspace string, call int) map[string]any {
	if call == s.opts.UnregisterAfter {
		return map[string]any{
			"type":       "Unregister",
			"unregister": map[string]any{"reason": "Finished", "details": "scripted run complete"},
		}
	}
	if workspace == WorkspaceIdle {
		return map[string]any{
			"type": "Idle",
			"idle": map[string]any{"callbackTime": s.opts.IdleCallback},
		}
	}
	if call%s.opts.EpisodeLength == 1 || s.opts.EpisodeLength == 1 {
		return map[string]any{
			"type":         "EpisodeStart",
			"episodeStart": map[string]any{"config": map[string]any{"initial_value": call}},
		}
	}
	return map[string]any{
		"type":        "EpisodeStep",
		"episodeStep": map[string]any{"action": map[string]any{"addend": 1}},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"title": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func problem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "about:blank",
		"title":  title,
		"status": status,
		"detail": detail,
	})
}
