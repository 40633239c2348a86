package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// PriceRequest is the body of POST /api/pricing.
type PriceRequest struct {
	Region          string `json:"region"`
	InstanceType    string `json:"instance_type"`
	OperatingSystem string `json:"operating_system"`

	// Node capacity hints for sources without a size catalog.
	VCPU      float64 `json:"vcpu_count,omitempty"`
	MemoryGiB float64 `json:"memory_gib,omitempty"`
}

// PriceResponse is the successful answer of POST /api/pricing.
type PriceResponse struct {
	InstanceType        string    `json:"instance_type"`
	Region              string    `json:"region"`
	OperatingSystem     string    `json:"operating_system"`
	InstanceCostPerHour float64   `json:"instance_cost_per_hour"`
	CostPerVCPUPerHour  float64   `json:"cost_per_vcpu_per_hour"`
	CostPerGiBPerHour   float64   `json:"cost_per_gib_per_hour"`
	VCPUCount           float64   `json:"vcpu_count"`
	MemoryGiB           float64   `json:"memory_gib"`
	FetchedAt           time.Time `json:"fetched_at"`
	Stale               bool      `json:"stale"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Quoter resolves a full quote; implemented by CachedResolver.
type Quoter interface {
	Quote(ctx context.Context, q Query) (Quote, error)
}

// Server exposes a Quoter over HTTP.
type Server struct {
	quoter Quoter
	logger zerolog.Logger
}

func NewServer(quoter Quoter, logger zerolog.Logger) *Server {
	return &Server{quoter: quoter, logger: logger.With().Str("component", "pricing-api").Logger()}
}

// Router returns the pricing API routes plus health and metrics endpoints.
func (s *Server) Router(gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Post("/api/pricing", s.handlePrice)
	return r
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, s.logger, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.Region == "" || req.InstanceType == "" {
		writeJSON(w, s.logger, http.StatusBadRequest, errorResponse{Error: "region and instance_type are required"})
		return
	}

	quote, err := s.quoter.Quote(r.Context(), Query{
		InstanceType:    req.InstanceType,
		Region:          req.Region,
		OperatingSystem: req.OperatingSystem,
		VCPU:            req.VCPU,
		MemoryGiB:       req.MemoryGiB,
	})
	switch {
	case errors.Is(err, ErrPriceUnavailable):
		writeJSON(w, s.logger, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.logger.Warn().Err(err).Str("instance_type", req.InstanceType).Str("region", req.Region).Msg("Price lookup failed")
		writeJSON(w, s.logger, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, s.logger, http.StatusOK, PriceResponse{
		InstanceType:        quote.Offer.InstanceType,
		Region:              quote.Offer.Region,
		OperatingSystem:     quote.Offer.OperatingSystem,
		InstanceCostPerHour: quote.Offer.HourlyPrice,
		CostPerVCPUPerHour:  quote.CPU.PricePerUnitHour,
		CostPerGiBPerHour:   quote.Memory.PricePerUnitHour,
		VCPUCount:           quote.Offer.VCPU,
		MemoryGiB:           quote.Offer.MemoryGiB,
		FetchedAt:           quote.CPU.FetchedAt,
		Stale:               quote.CPU.Stale,
	})
}

func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("duration", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("HTTP request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
