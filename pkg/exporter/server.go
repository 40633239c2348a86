package exporter

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/opscart/kube-cost/pkg/models"
)

// Snapshot scopes.
const (
	ScopeNamespace = "namespace"
	ScopePod       = "pod"
)

// Server serves /metrics, /api/v1/snapshot and /healthz.
type Server struct {
	ledger   Snapshotter
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

func NewServer(ledger Snapshotter, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	return &Server{
		ledger:   ledger,
		gatherer: gatherer,
		logger:   logger.With().Str("component", "exporter").Logger(),
	}
}

func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/snapshot", s.handleSnapshot)
	})
	return r
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	scope := query.Get("scope")
	if scope != "" && scope != ScopeNamespace && scope != ScopePod {
		s.writeError(w, http.StatusBadRequest, "scope must be namespace or pod")
		return
	}
	format := query.Get("format")
	if format != "" && format != "json" && format != "csv" {
		s.writeError(w, http.StatusBadRequest, "format must be json or csv")
		return
	}

	counters := Filter(s.ledger.Snapshot(), scope, query.Get("cluster"), query.Get("namespace"))
	for i := range counters {
		counters[i].UsageCost = Round(counters[i].UsageCost)
		counters[i].WastageCost = Round(counters[i].WastageCost)
	}

	if format == "csv" {
		var buf bytes.Buffer
		if err := WriteCSV(&buf, counters); err != nil {
			s.logger.Error().Err(err).Msg("Failed to encode CSV snapshot")
			s.writeError(w, http.StatusInternalServerError, "failed to encode snapshot")
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="cost-snapshot.csv"`)
		_, _ = w.Write(buf.Bytes())
		return
	}
	s.writeJSON(w, http.StatusOK, counters)
}

// Filter returns the counters matching scope, cluster and namespace; empty
// arguments match everything.
func Filter(counters []models.AggregateCounter, scope, cluster, namespace string) []models.AggregateCounter {
	out := make([]models.AggregateCounter, 0, len(counters))
	for _, c := range counters {
		switch {
		case scope == ScopeNamespace && c.IsPodScope():
			continue
		case scope == ScopePod && !c.IsPodScope():
			continue
		case cluster != "" && c.Cluster != cluster:
			continue
		case namespace != "" && c.Namespace != namespace:
			continue
		}
		out = append(out, c)
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
