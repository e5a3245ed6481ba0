package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/ledger"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
)

// ─── Ledger API (/api/ledger/*) ─────────────────────────────────────────────
// Read-only views over the task and earnings ledgers.

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// --- /api/ledger/tasks ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := domain.TaskQuery{}
	var err error
	if q.Source, err = parseSource(r.URL.Query().Get("source")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, ok := domain.NormalizeStatus(strings.TrimSpace(part))
			if !ok {
				writeError(w, http.StatusBadRequest, "unknown status "+part)
				return
			}
			q.Statuses = append(q.Statuses, st)
		}
	}
	if q.Limit, err = parseLimit(r.URL.Query().Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tasks, err := s.tasks.List(r.Context(), q)
	if err != nil {
		s.log.WithError(err).Error("list tasks")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// --- /api/ledger/tasks/{id} ---

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	earnings, err := s.earnings.List(r.Context(), domain.EarningQuery{TaskID: task.ID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if earnings == nil {
		earnings = []domain.Earning{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task":     task,
		"earnings": earnings,
	})
}

// --- /api/ledger/earnings ---

func (s *Server) handleListEarnings(w http.ResponseWriter, r *http.Request) {
	q := domain.EarningQuery{
		DeviceID: r.URL.Query().Get("device_id"),
		TaskID:   r.URL.Query().Get("task_id"),
	}
	var err error
	if q.Source, err = parseSource(r.URL.Query().Get("source")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Limit, err = parseLimit(r.URL.Query().Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	earnings, err := s.earnings.List(r.Context(), q)
	if err != nil {
		s.log.WithError(err).Error("list earnings")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if earnings == nil {
		earnings = []domain.Earning{}
	}
	var total float64
	for i := range earnings {
		total += earnings[i].Total()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"earnings": earnings,
		"count":    len(earnings),
		"total":    total,
	})
}

// --- /api/ledger/summary ---

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := ledger.Summarize(r.Context(), s.tasks, s.earnings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ─── Query Parsing ──────────────────────────────────────────────────────────

func parseSource(raw string) (domain.Source, error) {
	if raw == "" {
		return "", nil
	}
	src := domain.Source(raw)
	if !src.Valid() {
		return "", errors.New("source must be local or gateway")
	}
	return src, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}
