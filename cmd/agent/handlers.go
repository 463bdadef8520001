package main

import (
	"errors"
	"io"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/goccy/go-json"
	"github.com/julienschmidt/httprouter"

	"github.com/getsentry/apmcore/internal/advice"
	"github.com/getsentry/apmcore/internal/config"
	"github.com/getsentry/apmcore/internal/errorutil"
	"github.com/getsentry/apmcore/internal/httputil"
	"github.com/getsentry/apmcore/internal/timer"
	"github.com/getsentry/apmcore/internal/trace"
)

const selfTransactionType = "Agent"

type (
	AdviceResponse struct {
		Name       string                `json:"name"`
		TimerName  string                `json:"timer_name,omitempty"`
		Version    string                `json:"version"`
		Reweavable bool                  `json:"reweavable"`
		Pointcut   config.PointcutConfig `json:"pointcut"`
	}

	PostTransactionRequest struct {
		TransactionType string            `json:"transaction_type"`
		Timers          json.RawMessage   `json:"timers"`
		AsyncTimers     []json.RawMessage `json:"async_timers"`
	}

	PostPointcutsRequest struct {
		Pointcuts []config.PointcutConfig `json:"pointcuts"`
	}

	PostPointcutsResponse struct {
		Refreshed bool `json:"refreshed"`
	}
)

// traced records every request as a transaction of the agent itself.
func (e *environment) traced(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, root := trace.Start(
			e.collector,
			selfTransactionType,
			route,
			func() string { return r.Method + " " + r.URL.Path },
			"http request",
		)
		defer func() { _ = root.End() }()
		next(w, r.WithContext(trace.NewContext(r.Context(), tx)))
	}
}

func (e *environment) getHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, hub *sentry.Hub, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func hubFromRequest(r *http.Request) *sentry.Hub {
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

func newAdviceResponse(advisors []*advice.Advice) []AdviceResponse {
	response := make([]AdviceResponse, 0, len(advisors))
	for _, a := range advisors {
		response = append(response, AdviceResponse{
			Name:       a.Name(),
			TimerName:  a.TimerName(),
			Version:    a.Version(),
			Reweavable: a.Reweavable(),
			Pointcut:   a.Pointcut(),
		})
	}
	return response
}

func (e *environment) getAdvice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, hubFromRequest(r), newAdviceResponse(e.advice.Current()))
}

func (e *environment) getAdviceMatches(w http.ResponseWriter, r *http.Request) {
	cs, logger, ok := httputil.ParseCallSite(w, r)
	if !ok {
		return
	}
	var matches []*advice.Advice
	for _, a := range e.advice.Current() {
		if a.Matches(cs.ClassName, cs.MethodName, cs.ParameterTypes) {
			matches = append(matches, a)
		}
	}
	logger.Debug().Int("matches", len(matches)).Msg("advice matched")
	writeJSON(w, hubFromRequest(r), newAdviceResponse(matches))
}

func (e *environment) getTransactionTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, hubFromRequest(r), e.collector.TransactionTypes())
}

func (e *environment) getAggregate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := hubFromRequest(r)
	ps := httprouter.ParamsFromContext(ctx)
	transactionType := ps.ByName("transaction_type")

	hub.Scope().SetTag("transaction_type", transactionType)

	current := e.collector.Current
	if r.URL.Query().Get("async") == "true" {
		current = e.collector.CurrentAsync
	}
	root, err := current(transactionType)
	if errors.Is(err, errorutil.ErrNoResults) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s := sentry.StartSpan(ctx, "json.marshal")
	defer s.Finish()

	writeJSON(w, hub, root)
}

// postTransaction accepts the main timer and the async root timers of a
// transaction completed by an out of process agent.
func (e *environment) postTransaction(w http.ResponseWriter, r *http.Request) {
	hub := hubFromRequest(r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req PostTransactionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TransactionType == "" {
		http.Error(w, "transaction_type must be set", http.StatusBadRequest)
		return
	}
	hub.Scope().SetTag("transaction_type", req.TransactionType)

	main, err := timer.DecodeJSON(req.Timers)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	async := make([]timer.View, 0, len(req.AsyncTimers))
	for _, raw := range req.AsyncTimers {
		n, err := timer.DecodeJSON(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		async = append(async, n)
	}
	// an unnamed main timer is rejected by the collector
	if err := e.collector.Add(req.TransactionType, main, async...); err != nil {
		if errors.Is(err, errorutil.ErrDataIntegrity) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// postPointcuts replaces the pointcut configuration, regenerating advice
// only when it changed.
func (e *environment) postPointcuts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := hubFromRequest(r)
	var req PostPointcutsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := config.ValidatePointcuts(req.Pointcuts); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !e.advice.IsStale(req.Pointcuts) {
		writeJSON(w, hub, PostPointcutsResponse{})
		return
	}

	var entry trace.TraceEntry
	if tx, ok := trace.FromContext(ctx); ok {
		entry, _ = tx.StartTraceEntry(func() string { return "advice refresh" }, "advice refresh")
	}
	err := e.advice.Refresh(ctx, req.Pointcuts, false)
	if entry != nil {
		_ = entry.EndWithError(err)
	}
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, hub, PostPointcutsResponse{Refreshed: true})
}
