package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/stocklens/stocklens/internal/analysis"
	"github.com/stocklens/stocklens/internal/cache"
	"github.com/stocklens/stocklens/internal/errs"
	"github.com/stocklens/stocklens/internal/fx"
	"github.com/stocklens/stocklens/internal/metrics"
	"github.com/stocklens/stocklens/internal/storage"
)

// Handlers binds the fabric components to the HTTP routes. The FX
// service may be nil when the subsystem is disabled.
type Handlers struct {
	orchestrator *analysis.Orchestrator
	cacheManager *cache.Manager
	store        storage.Store
	fxService    *fx.Service
	met          *metrics.Metrics
	log          zerolog.Logger
	now          func() time.Time
}

// NewHandlers wires the handler set.
func NewHandlers(o *analysis.Orchestrator, cm *cache.Manager, store storage.Store, fxService *fx.Service, met *metrics.Metrics, log zerolog.Logger) *Handlers {
	return &Handlers{
		orchestrator: o,
		cacheManager: cm,
		store:        store,
		fxService:    fxService,
		met:          met,
		log:          log.With().Str("component", "handlers").Logger(),
		now:          time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrSubsystemDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Health reports process liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DatabaseHealth reports the persistent tier snapshot plus cache counters.
func (h *Handlers) DatabaseHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.store.HealthSnapshot(r.Context())
	status := http.StatusOK
	if !snap.Healthy {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{
		"healthy":     snap.Healthy,
		"connection":  snap.Connection,
		"stats":       snap.Stats,
		"lastUpdated": snap.LastUpdated,
		"timestamp":   snap.Timestamp,
		"cache":       h.cacheManager.Stats(),
	})
}

// CacheMetrics returns the tier manager counters.
func (h *Handlers) CacheMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cacheManager.Stats())
}

// PerformanceMetrics returns freshness and cache performance counters.
func (h *Handlers) PerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	stats := h.cacheManager.Stats()
	snap := h.store.HealthSnapshot(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"cache": stats,
		"freshness": map[string]any{
			"lastUpdated": snap.LastUpdated,
			"checkedAt":   h.now().UTC(),
		},
		"storage": map[string]any{
			"healthy": snap.Healthy,
			"symbols": snap.Stats.Symbols,
			"bars":    snap.Stats.Bars,
		},
	})
}

// Analyze runs the analysis pipeline for a symbol.
func (h *Handlers) Analyze(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	rangeDays := 365
	if raw := r.URL.Query().Get("range"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "range must be a positive integer")
			return
		}
		rangeDays = n
	}

	result, err := h.orchestrator.Analyze(r.Context(), symbol, rangeDays)
	if err != nil {
		h.log.Error().Err(err).Str("symbol", symbol).Msg("analyze failed")
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Convert converts an amount between currencies.
func (h *Handlers) Convert(w http.ResponseWriter, r *http.Request) {
	if h.fxService == nil {
		writeError(w, http.StatusServiceUnavailable, "currency conversion is disabled")
		return
	}

	q := r.URL.Query()
	from, to, amountRaw := q.Get("from"), q.Get("to"), q.Get("amount")
	if from == "" || to == "" || amountRaw == "" {
		writeError(w, http.StatusBadRequest, "from, to and amount are required")
		return
	}
	amount, err := strconv.ParseFloat(amountRaw, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be numeric")
		return
	}

	converted, err := h.fxService.Convert(r.Context(), from, to, amount)
	if err != nil {
		h.log.Error().Err(err).Str("from", from).Str("to", to).Msg("conversion failed")
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":      from,
		"to":        to,
		"amount":    amount,
		"converted": converted,
	})
}

// NotFound is the fallback route.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeError(w, http.StatusNotFound, "route not found")
}
