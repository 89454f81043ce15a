// Package http exposes the scenario catalogue over HTTP.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/rai/clean-txpropagation-go/internal/platform/events"
	"github.com/rai/clean-txpropagation-go/internal/platform/events/contracts"
	"github.com/rai/clean-txpropagation-go/internal/scenarios"
)

// Runner runs scenarios. It is satisfied by *scenarios.Runner.
type Runner interface {
	Run(ctx context.Context, name string) (scenarios.Report, error)
	RunAll(ctx context.Context, names []string, parallel int) ([]scenarios.Report, error)
}

type Handler struct {
	runner Runner
	stats  *CompletionStats
}

// RegisterRoutes registers the scenario routes to the given mux.
func RegisterRoutes(mux *http.ServeMux, runner Runner, stats *CompletionStats) {
	h := &Handler{runner: runner, stats: stats}

	mux.HandleFunc("GET /scenarios", h.handleList)
	mux.HandleFunc("POST /scenarios", h.handleRunAll)
	mux.HandleFunc("POST /scenarios/{name}", h.handleRun)
	mux.HandleFunc("GET /transactions/stats", h.handleStats)
}

// Request/Response DTOs

type scenarioResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type runAllResponse struct {
	Passed  int                `json:"passed"`
	Failed  int                `json:"failed"`
	Skipped int                `json:"skipped"`
	Reports []scenarios.Report `json:"reports"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handlers

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	catalogue := scenarios.Catalogue()
	resp := make([]scenarioResponse, len(catalogue))
	for i, s := range catalogue {
		resp[i] = scenarioResponse{Name: s.Name, Description: s.Description}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	report, err := h.runner.Run(r.Context(), name)
	if err != nil {
		handleError(w, err)
		return
	}
	status := http.StatusOK
	if report.Outcome == scenarios.OutcomeFailed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, report)
}

func (h *Handler) handleRunAll(w http.ResponseWriter, r *http.Request) {
	parallel := 1
	if p := r.URL.Query().Get("parallel"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "parallel must be a positive integer")
			return
		}
		parallel = n
	}

	reports, err := h.runner.RunAll(r.Context(), r.URL.Query()["name"], parallel)
	if err != nil {
		handleError(w, err)
		return
	}

	resp := runAllResponse{Reports: reports}
	for _, report := range reports {
		switch report.Outcome {
		case scenarios.OutcomePassed:
			resp.Passed++
		case scenarios.OutcomeSkipped:
			resp.Skipped++
		default:
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scenarios.ErrUnknownScenario):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// CompletionStats counts TransactionCompletedEvents by outcome.
type CompletionStats struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewCompletionStats() *CompletionStats {
	return &CompletionStats{counts: make(map[string]int)}
}

// Subscribe registers the stats as a handler of transaction completion events.
func (s *CompletionStats) Subscribe(sub events.Subscriber) error {
	return sub.Subscribe(contracts.TransactionCompletedEventType, events.HandlerFunc(s.handle))
}

func (s *CompletionStats) handle(_ context.Context, event events.Event) error {
	completed, ok := event.(contracts.TransactionCompletedEvent)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[completed.Outcome]++
	return nil
}

// Snapshot returns a copy of the counts.
func (s *CompletionStats) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}
