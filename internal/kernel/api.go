// ABOUTME: Read-only HTTP introspection API for the kernel
// ABOUTME: Health, readiness, agent records, transitions, bus history and stats

package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/clarityos/clarity-kernel/internal/agent"
	"github.com/clarityos/clarity-kernel/internal/bus"
	"github.com/clarityos/clarity-kernel/internal/store"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// HistoryEntry is one envelope in the GET /history response.
type HistoryEntry struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	Topic         string            `json:"topic"`
	Source        string            `json:"source,omitempty"`
	Priority      string            `json:"priority"`
	CorrelationID string            `json:"correlation_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       any               `json:"payload,omitempty"`
}

// TransitionResponse is one row of GET /agents/{id}/transitions.
type TransitionResponse struct {
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	Running         bool           `json:"running"`
	Published       uint64         `json:"published"`
	Delivered       uint64         `json:"delivered"`
	HandlerErrors   uint64         `json:"handler_errors"`
	Pending         int64          `json:"pending"`
	QueueDepth      map[string]int `json:"queue_depth"`
	Subscribers     int            `json:"subscribers"`
	HistorySize     int            `json:"history_size"`
	PendingRequests int            `json:"pending_requests"`
	Agents          map[string]int `json:"agents"`
}

func (k *Kernel) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", k.handleHealth)
	mux.HandleFunc("GET /health/ready", k.handleReady)
	mux.HandleFunc("GET /agents", k.handleListAgents)
	mux.HandleFunc("GET /agents/{id}", k.handleGetAgent)
	mux.HandleFunc("GET /agents/{id}/transitions", k.handleAgentTransitions)
	mux.HandleFunc("GET /history", k.handleHistory)
	mux.HandleFunc("GET /stats", k.handleStats)
}

// handleHealth returns 200 OK if the process is alive.
func (k *Kernel) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once boot has completed and the bus is running.
func (k *Kernel) handleReady(w http.ResponseWriter, r *http.Request) {
	if !k.Ready() || !k.bus.Running() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(k.supervisor.List()))
}

// handleListAgents returns every agent record ordered by registration time.
// Supports an optional ?status= filter.
func (k *Kernel) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var filter agent.Status
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := agent.ParseStatus(s)
		if err != nil {
			k.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = parsed
	}

	agents := k.supervisor.List()
	response := make([]agent.AgentInfo, 0, len(agents))
	for _, a := range agents {
		if filter != "" && a.Status != filter {
			continue
		}
		response = append(response, a)
	}
	k.sendJSON(w, response)
}

func (k *Kernel) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	info, err := k.supervisor.Get(r.PathValue("id"))
	if errors.Is(err, agent.ErrAgentNotFound) {
		k.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		k.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	k.sendJSON(w, info)
}

// handleAgentTransitions returns the stored status history of an agent,
// newest first. Works for agents from earlier runs too.
func (k *Kernel) handleAgentTransitions(w http.ResponseWriter, r *http.Request) {
	if k.store == nil {
		k.sendJSONError(w, http.StatusNotFound, "persistence is disabled")
		return
	}
	// Zero lets the store apply its own default.
	limit, ok := k.parseLimit(w, r, 0)
	if !ok {
		return
	}

	id := r.PathValue("id")
	if _, err := k.store.GetAgent(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			k.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		k.logger.Error("failed to load agent", "agent_id", id, "error", err)
		k.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	transitions, err := k.store.ListTransitions(r.Context(), store.TransitionFilter{AgentID: id, Limit: limit})
	if err != nil {
		k.logger.Error("failed to list transitions", "agent_id", id, "error", err)
		k.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]TransitionResponse, len(transitions))
	for i, t := range transitions {
		response[i] = TransitionResponse{From: t.From, To: t.To, Error: t.Error, Timestamp: t.Timestamp}
	}
	k.sendJSON(w, response)
}

// handleHistory returns recently dispatched envelopes, newest first.
// Query parameters: topic (exact or pattern), source, since (RFC 3339), limit.
func (k *Kernel) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := k.parseLimit(w, r, defaultHistoryLimit)
	if !ok {
		return
	}
	query := bus.HistoryQuery{
		Topic:  q.Get("topic"),
		Source: q.Get("source"),
		Limit:  min(limit, maxHistoryLimit),
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			k.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		query.Since = &since
	}

	envs := k.bus.QueryHistory(query)
	response := make([]HistoryEntry, len(envs))
	for i, env := range envs {
		response[i] = HistoryEntry{
			ID:            env.ID,
			Timestamp:     env.Timestamp,
			Topic:         env.Topic,
			Source:        env.Source,
			Priority:      env.Priority.String(),
			CorrelationID: env.CorrelationID,
			Metadata:      env.Metadata,
			Payload:       env.Payload,
		}
	}
	k.sendJSON(w, response)
}

func (k *Kernel) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := k.bus.Stats()
	depth := make(map[string]int, len(stats.QueueDepth))
	for p, n := range stats.QueueDepth {
		depth[p.String()] = n
	}
	agents := make(map[string]int)
	for _, a := range k.supervisor.List() {
		agents[string(a.Status)]++
	}

	k.sendJSON(w, StatsResponse{
		Running:         stats.Running,
		Published:       stats.Published,
		Delivered:       stats.Delivered,
		HandlerErrors:   stats.HandlerErrors,
		Pending:         stats.Pending,
		QueueDepth:      depth,
		Subscribers:     stats.Subscribers,
		HistorySize:     stats.HistorySize,
		PendingRequests: k.bus.PendingRequests(),
		Agents:          agents,
	})
}

// parseLimit reads ?limit=. It writes a 400 and returns false when the value
// is not a positive integer.
func (k *Kernel) parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		k.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func (k *Kernel) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		k.logger.Warn("encoding response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (k *Kernel) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
