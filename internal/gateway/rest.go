package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/gigi-dev/gigi/internal/store"
)

// writeJSON serializes v with a status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError maps the store's sentinel errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrBudgetExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, store.ErrInvariant):
		slog.Error("gateway: invariant violation", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	return id, err == nil
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	f := store.ThreadFilter{Status: store.ThreadStatus(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	list, err := s.threads.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*store.Thread{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid thread id"})
		return
	}
	th, err := s.threads.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid thread id"})
		return
	}
	q := r.URL.Query()
	var f store.EventFilter
	if v := q.Get("before"); v != "" {
		f.BeforeSeq, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("after"); v != "" {
		f.AfterSeq, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("limit"); v != "" {
		lim, _ := strconv.Atoi(v)
		f.Limit = lim
	}
	f.IncludeCompacted = q.Get("include_compacted") == "true"

	if _, err := s.threads.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	events, err := s.st.ListEvents(r.Context(), id, f)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid thread id"})
		return
	}
	lin, err := s.threads.GetLineage(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lin)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid thread id"})
		return
	}
	var body struct {
		Topic       string `json:"topic"`
		ForkEventID string `json:"fork_event_id"`
		Compact     bool   `json:"compact"`
	}
	// An empty body means fork-at-tail without compaction.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	forkEvent := uuid.Nil
	if body.ForkEventID != "" {
		var err error
		forkEvent, err = uuid.Parse(body.ForkEventID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid fork_event_id"})
			return
		}
	}
	child, err := s.threads.Fork(r.Context(), id, forkEvent, body.Topic, body.Compact)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, child)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid thread id"})
		return
	}
	if err := s.threads.Compact(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	th, err := s.threads.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *Server) handleAddRef(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid thread id"})
		return
	}
	var body struct {
		RefType string `json:"ref_type"`
		Repo    string `json:"repo"`
		Number  int64  `json:"number"`
		SHA     string `json:"sha"`
		URL     string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if _, err := s.threads.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	err := s.threads.AddReference(r.Context(), store.Reference{
		ThreadID: id,
		RefType:  body.RefType,
		Repo:     body.Repo,
		Number:   body.Number,
		SHA:      body.SHA,
		URL:      body.URL,
		Status:   store.RefOpen,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	refs, err := s.st.ListReferences(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

// handleByRef resolves /api/threads/by-ref/{owner}/{name}/{type}/{number}.
// The repo spans two path segments.
func (s *Server) handleByRef(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.PathValue("repo"), "/"), "/")
	if len(parts) < 3 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "want /by-ref/{repo}/{type}/{number}"})
		return
	}
	number, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ref number"})
		return
	}
	refType := parts[len(parts)-2]
	repo := strings.Join(parts[:len(parts)-2], "/")

	th, err := s.st.FindThreadByReference(r.Context(), repo, refType, number)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	matches, err := s.threads.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if matches == nil {
		matches = []store.SearchMatch{}
	}
	writeJSON(w, http.StatusOK, matches)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid thread id"})
		return
	}
	if err := s.threads.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	spent, err := s.st.PeriodCost(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"budget_usd": s.agent.BudgetUSD(r.Context()),
		"spent_usd":  spent,
		"period":     "calendar-month-utc",
	})
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	stats, err := s.st.UsageStats(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	if stats == nil {
		stats = []store.PeriodUsage{}
	}
	writeJSON(w, http.StatusOK, stats)
}
