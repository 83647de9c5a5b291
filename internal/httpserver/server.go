package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cliquelabs/attribution-core/internal/config"
	"github.com/cliquelabs/attribution-core/internal/metrics"
	"github.com/cliquelabs/attribution-core/internal/models"
	"github.com/cliquelabs/attribution-core/internal/reconcile"
	"github.com/cliquelabs/attribution-core/internal/storage"
)

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Events      storage.EventStore
	Edges       storage.EdgeStore
	Snapshots   storage.SnapshotStore
	Findings    storage.FindingStore
	Suggestions storage.SuggestionStore
	Scheduler   *reconcile.Scheduler
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Server exposes the read API over the stores plus the reconcile trigger.
type Server struct {
	events      storage.EventStore
	edges       storage.EdgeStore
	snapshots   storage.SnapshotStore
	findings    storage.FindingStore
	suggestions storage.SuggestionStore
	scheduler   *reconcile.Scheduler
	logger      *zap.Logger
	config      *config.Config
	metrics     *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		events:      deps.Events,
		edges:       deps.Edges,
		snapshots:   deps.Snapshots,
		findings:    deps.Findings,
		suggestions: deps.Suggestions,
		scheduler:   deps.Scheduler,
		logger:      deps.Logger,
		config:      deps.Config,
		metrics:     deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
	}

	// Ingestion
	mux.HandleFunc("/v1/events", s.handleIngestEvent)

	// Read surface
	mux.HandleFunc("/v1/attribution", s.handleAttribution)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/findings", s.handleFindings)
	mux.HandleFunc("/v1/suggestions", s.handleSuggestions)

	// Reconciliation trigger and status polling
	mux.HandleFunc("/v1/reconcile", s.handleReconcile)
	mux.HandleFunc("/v1/reconcile/", s.handleReconcileStatus)

	return mux
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ---- Ingestion ----

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var e models.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	// Malformed events are rejected at the boundary, never stored.
	if err := e.Validate(); err != nil {
		s.logger.Warn("rejected malformed event",
			zap.String("store_id", e.StoreID),
			zap.String("kind", string(e.Kind)),
			zap.Error(err),
		)
		if s.metrics != nil {
			s.metrics.EventsRejected.WithLabelValues(e.StoreID).Inc()
		}
		s.errorResponse(w, "invalid event: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.events.Append(r.Context(), &e)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateEvent) {
			if s.metrics != nil {
				s.metrics.DuplicateEvents.Inc()
			}
			s.errorResponse(w, "conflicting duplicate event", http.StatusConflict)
			return
		}
		s.logger.Error("failed to append event", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	if s.metrics != nil {
		s.metrics.EventsAppended.WithLabelValues(e.StoreID, string(e.Kind)).Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

// ---- Attribution ----

func (s *Server) handleAttribution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		s.errorResponse(w, "order_id required", http.StatusBadRequest)
		return
	}

	set, err := s.edges.EdgesForOrder(r.Context(), orderID)
	if err != nil {
		s.logger.Error("failed to read attribution edges", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	if set == nil {
		http.NotFound(w, r)
		return
	}
	s.jsonResponse(w, set)
}

// ---- Metric Snapshots ----

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	entityID := q.Get("entity_id")
	if entityID == "" {
		s.errorResponse(w, "entity_id required", http.StatusBadRequest)
		return
	}

	query := storage.SnapshotQuery{
		EntityID: entityID,
		Metric:   models.MetricName(q.Get("metric")),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, "invalid from timestamp", http.StatusBadRequest)
			return
		}
		query.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, "invalid to timestamp", http.StatusBadRequest)
			return
		}
		query.To = t
	}

	snaps, err := s.snapshots.Query(r.Context(), query)
	if err != nil {
		s.logger.Error("failed to query snapshots", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, snaps)
}

// ---- Findings ----

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	storeID := q.Get("store_id")
	if storeID == "" {
		s.errorResponse(w, "store_id required", http.StatusBadRequest)
		return
	}

	var list []*models.DiagnosticFinding
	var err error
	if q.Get("status") == "all" {
		list, err = s.findings.AllFindings(r.Context(), storeID)
	} else {
		list, err = s.findings.ActiveFindings(r.Context(), storeID)
	}
	if err != nil {
		s.logger.Error("failed to list findings", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, list)
}

// ---- Suggestions ----

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	storeID := r.URL.Query().Get("store_id")
	if storeID == "" {
		s.errorResponse(w, "store_id required", http.StatusBadRequest)
		return
	}

	set, err := s.suggestions.CurrentSet(r.Context(), storeID)
	if err != nil {
		s.logger.Error("failed to read suggestion set", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	if set == nil || set.Stale(time.Now().UTC()) {
		http.NotFound(w, r)
		return
	}
	s.jsonResponse(w, set)
}

// ---- Reconciliation ----

type reconcileRequest struct {
	StoreID string `json:"store_id"`
	Force   bool   `json:"force"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.StoreID == "" {
		s.errorResponse(w, "store_id required", http.StatusBadRequest)
		return
	}

	runID, err := s.scheduler.Reconcile(r.Context(), req.StoreID, req.Force)
	if err != nil {
		s.logger.Error("failed to trigger reconciliation", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"run_id": runID})
}

func (s *Server) handleReconcileStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := strings.TrimPrefix(r.URL.Path, "/v1/reconcile/")
	if runID == "" {
		http.NotFound(w, r)
		return
	}

	run, err := s.scheduler.Run(runID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.jsonResponse(w, run)
}

// ---- Helper Methods ----

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
