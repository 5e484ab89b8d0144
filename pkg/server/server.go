// Package server exposes the resolved figures over a read-only JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/aquacost/aquacost/pkg/aggregate"
	"github.com/aquacost/aquacost/pkg/billing"
	"github.com/aquacost/aquacost/pkg/cache"
	"github.com/aquacost/aquacost/pkg/log"
	"github.com/aquacost/aquacost/pkg/types"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server handles the HTTP API for aquacost.
type Server struct {
	aggregates *aggregate.Service
	billing    *billing.Resolver
	gate       *cache.Gate

	listenAddr string
	httpServer *http.Server
}

// Configured initializes the Server with dependencies. It uses lflag to
// register command-line flags for configuration.
func Configured(svc *aggregate.Service, bill *billing.Resolver, gate *cache.Gate) *Server {
	srv := &Server{
		aggregates: svc,
		billing:    bill,
		gate:       gate,
	}
	listenAddr := lflag.String("http-listen", ":8080", "HTTP server listen address")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})
	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/billing/results", s.handleBillingResults)
	mux.HandleFunc("GET /api/billing/rate", s.handleRate)
	mux.HandleFunc("GET /api/billing/otherItems", s.handleOtherItems)
	mux.HandleFunc("GET /api/aggregate", s.handleAggregate)
	mux.HandleFunc("GET /api/cost/total", s.handleTotalCost)
	mux.HandleFunc("GET /api/estimate/endOfMonth", s.handleEndOfMonth)
	mux.HandleFunc("GET /api/reception", s.handleReception)
	mux.HandleFunc("POST /api/cache/clear", s.handleCacheClear)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return gziphandler.GzipHandler(mux)
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. Once the listener is up, the startup gate opens and caches
// begin fetching.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.gate != nil {
		s.gate.SetReady()
	}

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// yearMonth parses the year and month query params, defaulting to the
// current month.
func yearMonth(r *http.Request) (int, time.Month, error) {
	now := time.Now()
	year, month := now.Year(), now.Month()
	if v := r.URL.Query().Get("year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid year: %q", v)
		}
		year = y
	}
	if v := r.URL.Query().Get("month"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil || m < 1 || m > 12 {
			return 0, 0, fmt.Errorf("invalid month: %q", v)
		}
		month = time.Month(m)
	}
	return year, month, nil
}

func (s *Server) handleBillingResults(w http.ResponseWriter, r *http.Request) {
	var startFrom, startTo int64
	if v := r.URL.Query().Get("startFrom"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSONError(w, "invalid startFrom", http.StatusBadRequest)
			return
		}
		startFrom = n
	}
	if v := r.URL.Query().Get("startTo"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSONError(w, "invalid startTo", http.StatusBadRequest)
			return
		}
		startTo = n
	}

	periods, err := s.billing.CachedBillingResults(r.Context(), startFrom, startTo, "")
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "billing results failed", slog.Any("error", err))
		writeJSONError(w, "failed to fetch billing results", http.StatusBadGateway)
		return
	}
	if periods == nil {
		periods = []types.BillingPeriod{}
	}
	writeJSON(w, periods)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	code := types.UtilityCode(r.URL.Query().Get("utility"))
	if !code.IsKnown() {
		writeJSONError(w, "unknown utility", http.StatusBadRequest)
		return
	}
	year, month, err := yearMonth(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rate, ok, err := s.billing.RateFromBilling(r.Context(), code, year, month)
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "rate lookup failed", slog.Any("error", err))
		writeJSONError(w, "failed to resolve rate", http.StatusBadGateway)
		return
	}
	if !ok {
		writeJSONError(w, "no usable rate found", http.StatusNotFound)
		return
	}
	writeJSON(w, struct {
		Utility types.UtilityCode `json:"utility"`
		Year    int               `json:"year"`
		Month   time.Month        `json:"month"`
		Rate    float64           `json:"rate"`
	}{code, year, month, rate})
}

func (s *Server) handleOtherItems(w http.ResponseWriter, r *http.Request) {
	year, month, err := yearMonth(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	cost, err := s.billing.MonthlyOtherItemsCost(r.Context(), year, month)
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "other items lookup failed", slog.Any("error", err))
		writeJSONError(w, "failed to resolve other items", http.StatusBadGateway)
		return
	}
	if cost == nil {
		writeJSONError(w, "no other items found", http.StatusNotFound)
		return
	}
	writeJSON(w, cost)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := types.UtilityCode(q.Get("utility"))
	if !code.IsKnown() {
		writeJSONError(w, "unknown utility", http.StatusBadRequest)
		return
	}
	year, month, err := yearMonth(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	at := types.AggregateType(q.Get("type"))
	if at == "" {
		at = types.AggregateConsumption
	}
	if at != types.AggregateConsumption && at != types.AggregatePrice {
		writeJSONError(w, "invalid type", http.StatusBadRequest)
		return
	}
	ct := types.CostType(q.Get("costType"))
	if ct == "" {
		ct = types.CostActual
	}
	if ct != types.CostActual && ct != types.CostEstimated {
		writeJSONError(w, "invalid costType", http.StatusBadRequest)
		return
	}

	var agg *types.MonthlyAggregate
	if v := q.Get("measuringPointID"); v != "" {
		mp, err := strconv.Atoi(v)
		if err != nil {
			writeJSONError(w, "invalid measuringPointID", http.StatusBadRequest)
			return
		}
		agg, err = s.aggregates.MeterAggregate(r.Context(), code, mp, year, month, at, ct)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		agg, err = s.aggregates.MonthlyAggregate(r.Context(), code, year, month, at, ct)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if agg == nil {
		writeJSONError(w, "no aggregate available", http.StatusNotFound)
		return
	}
	writeJSON(w, agg)
}

func (s *Server) handleTotalCost(w http.ResponseWriter, r *http.Request) {
	includeEstimated := r.URL.Query().Get("includeEstimated") != "false"
	result, err := s.aggregates.MonthlyTotalCost(r.Context(), includeEstimated)
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "total cost failed", slog.Any("error", err))
		writeJSONError(w, "failed to calculate total cost", http.StatusBadGateway)
		return
	}
	if result == nil {
		writeJSONError(w, "no cost data available", http.StatusNotFound)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleEndOfMonth(w http.ResponseWriter, r *http.Request) {
	est, err := s.aggregates.EndOfMonthEstimate(r.Context())
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "end of month estimate failed", slog.Any("error", err))
		writeJSONError(w, "failed to estimate", http.StatusBadGateway)
		return
	}
	if est == nil {
		writeJSONError(w, "no days elapsed in the current month", http.StatusNotFound)
		return
	}
	writeJSON(w, est)
}

func (s *Server) handleReception(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.aggregates.LatestReception(r.Context())
	if err != nil {
		log.Ctx(r.Context()).ErrorContext(r.Context(), "reception lookup failed", slog.Any("error", err))
		writeJSONError(w, "failed to fetch reception status", http.StatusBadGateway)
		return
	}
	if statuses == nil {
		statuses = []types.ReceptionStatus{}
	}
	writeJSON(w, statuses)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.aggregates.ClearCaches()
	log.Ctx(r.Context()).InfoContext(r.Context(), "caches cleared")
	writeJSON(w, struct {
		Status string `json:"status"`
	}{"ok"})
}
