package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/pokemesh/internal/schedule"
	"github.com/mtzanidakis/pokemesh/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Queries (sessions)
	mux.HandleFunc("POST /api/queries", s.createQuery)
	mux.HandleFunc("GET /api/queries", s.listQueries)
	mux.HandleFunc("GET /api/queries/{id}", s.getQuery)
	mux.HandleFunc("POST /api/queries/{id}/cancel", s.cancelQuery)

	// Directory
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/skills", s.listSkills)

	// Scheduled queries
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

// createQuery starts a session. With wait=true the request blocks until the
// session is terminal; otherwise the initial session view is returned
// immediately. An Idempotency-Key header makes retried submissions return
// the session the first attempt created.
func (s *Server) createQuery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query      string `json:"query"`
		Wait       bool   `json:"wait"`
		DeadlineMs int64  `json:"deadline_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Query == "" {
		jsonError(w, "query is required", http.StatusBadRequest)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		s.idemMu.Lock()
		if id, ok := s.idem[key]; ok {
			s.idemMu.Unlock()
			if sess, found := s.coordinator.Get(id); found {
				jsonResponse(w, sess)
				return
			}
		} else {
			s.idemMu.Unlock()
		}
	}

	deadline := time.Duration(body.DeadlineMs) * time.Millisecond

	if body.Wait {
		sess := s.coordinator.RunWithDeadline(r.Context(), body.Query, deadline)
		s.rememberIdempotent(key, sess.ID)
		jsonResponse(w, sess)
		return
	}

	sess := s.coordinator.SubmitWithDeadline(body.Query, deadline)
	s.rememberIdempotent(key, sess.ID)
	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, sess)
}

func (s *Server) rememberIdempotent(key, sessionID string) {
	if key == "" {
		return
	}
	s.idemMu.Lock()
	s.idem[key] = sessionID
	s.idemMu.Unlock()
}

func (s *Server) listQueries(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(50)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, sessions)
}

func (s *Server) getQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Live sessions first, then the store for older ones
	if sess, ok := s.coordinator.Get(id); ok {
		jsonResponse(w, sess)
		return
	}
	sess, err := s.store.GetSession(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sess == nil {
		jsonError(w, "session not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, sess)
}

func (s *Server) cancelQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.coordinator.Cancel(id) {
		jsonError(w, "session not running", http.StatusConflict)
		return
	}
	jsonResponse(w, map[string]string{"status": "cancelling"})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	type agentView struct {
		AgentID     string   `json:"agent_id"`
		DisplayName string   `json:"display_name"`
		Description string   `json:"description,omitempty"`
		Skills      []string `json:"skills"`
		Version     string   `json:"version"`
		Breaker     string   `json:"breaker"`
	}

	snap := s.dir.Snapshot()
	out := make([]agentView, 0, len(snap))
	for _, desc := range snap {
		skills := make([]string, 0, len(desc.Skills))
		for _, sk := range desc.Skills {
			skills = append(skills, string(sk))
		}
		view := agentView{
			AgentID:     desc.AgentID,
			DisplayName: desc.DisplayName,
			Description: desc.Description,
			Skills:      skills,
			Version:     desc.Version,
		}
		if s.dispatcher != nil {
			view.Breaker = s.dispatcher.BreakerState(desc.AgentID)
		}
		out = append(out, view)
	}
	jsonResponse(w, out)
}

func (s *Server) listSkills(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.dir.Skills())
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListScheduledQueries()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, schedules)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
		Query    string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Query == "" || body.Schedule == "" {
		jsonError(w, "query and schedule are required", http.StatusBadRequest)
		return
	}

	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	next := schedule.NextRun(normalized)
	if next == nil {
		jsonError(w, "schedule has no future occurrence", http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		body.Name = body.Query
	}

	q := &store.ScheduledQuery{
		ID:        uuid.New().String(),
		Name:      body.Name,
		Schedule:  normalized,
		Query:     body.Query,
		Status:    "active",
		NextRunAt: next,
	}
	if err := s.store.SaveScheduledQuery(q); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, q)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteScheduledQuery(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	if s.secrets == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}
	names, err := s.secrets.Names()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, names)
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	if s.secrets == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Value == "" {
		jsonError(w, "name and value are required", http.StatusBadRequest)
		return
	}

	if err := s.secrets.Put(body.Name, []byte(body.Value)); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, map[string]string{"name": body.Name})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if s.secrets == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.secrets.Delete(r.PathValue("name")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"version":           s.version,
		"uptime":            time.Since(s.startedAt).Round(time.Second).String(),
		"agents":            s.dir.Len(),
		"directory_version": s.dir.Version(),
	}
	if s.bus != nil {
		status["bus_clients"] = s.bus.NumClients()
	}
	jsonResponse(w, status)
}
