// Package api is the HTTP driving layer: customer onboarding, pattern
// and variant reads, and the A/B test lifecycle endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pokant/pokant/internal/abtest"
	"github.com/pokant/pokant/internal/config"
	"github.com/pokant/pokant/internal/observability"
	"github.com/pokant/pokant/internal/outbox"
	"github.com/pokant/pokant/internal/secrets"
	"github.com/pokant/pokant/internal/stats"
	"github.com/pokant/pokant/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	addr     string
	store    store.Store
	manager  *abtest.Manager
	analyzer *stats.Analyzer
	queue    outbox.Outbox
	cipher   *secrets.Cipher
	cfg      config.Config
	log      *observability.Logger
	metrics  *observability.MetricsCollector

	srv      *http.Server
	started  time.Time
	listener net.Listener
}

// NewServer wires the API server.
func NewServer(addr string, st store.Store, manager *abtest.Manager, analyzer *stats.Analyzer, queue outbox.Outbox, cipher *secrets.Cipher, cfg config.Config, log *observability.Logger, metrics *observability.MetricsCollector) *Server {
	if log == nil {
		log = observability.NewLogger("api", nil)
	}
	if metrics == nil {
		metrics = observability.NewMetricsCollector(0)
	}
	if queue == nil {
		queue = outbox.Unavailable{}
	}
	return &Server{
		addr:     addr,
		store:    st,
		manager:  manager,
		analyzer: analyzer,
		queue:    queue,
		cipher:   cipher,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /customers", s.handleCreateCustomer)
	mux.HandleFunc("GET /customers/{id}", s.handleGetCustomer)
	mux.HandleFunc("POST /customers/{id}/analyze", s.handleScheduleAnalysis)
	mux.HandleFunc("GET /customers/{id}/patterns", s.handleListPatterns)

	mux.HandleFunc("GET /patterns/{id}/variants", s.handleListVariants)

	mux.HandleFunc("POST /tests/deploy", s.handleDeploy)
	mux.HandleFunc("GET /tests", s.handleListTests)
	mux.HandleFunc("GET /tests/{id}", s.handleTestResults)
	mux.HandleFunc("POST /tests/{id}/promote", s.handlePromote)
	mux.HandleFunc("POST /tests/{id}/cancel", s.handleCancel)

	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.started = time.Now()
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api: listen: %w", err)
	}
	s.listener = ln
	s.log.Info("api listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses. Rejected
// preconditions surface their message; everything else is a bare 500 so
// internals never leak.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var notFound *abtest.NotFoundError
	var invalidState *abtest.InvalidStateError
	var alreadyRunning *abtest.AlreadyRunningError
	var insufficient *abtest.InsufficientImprovementError

	switch {
	case errors.As(err, &notFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &invalidState):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.As(err, &alreadyRunning):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.As(err, &insufficient):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		s.log.Error("request failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counters := map[string]int64{}
	for _, mt := range []observability.MetricType{
		observability.MetricDeploys,
		observability.MetricPromotions,
		observability.MetricFailedTests,
		observability.MetricExtensions,
		observability.MetricUpstreamErrors,
	} {
		counters[string(mt)] = s.metrics.Counter(string(mt))
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptime":        time.Since(s.started).String(),
		"counters":      counters,
		"sweep_latency": s.metrics.Summary(observability.MetricSweepLatency, time.Time{}),
	})
}

type createCustomerRequest struct {
	CompanyName string `json:"company_name"`
	Email       string `json:"email"`
	BotProvider string `json:"bot_provider,omitempty"`
	BotID       string `json:"bot_id"`
	VapiAPIKey  string `json:"vapi_api_key"`
}

func (s *Server) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req createCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if req.CompanyName == "" || req.Email == "" || req.BotID == "" || req.VapiAPIKey == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "company_name, email, bot_id and vapi_api_key are required"})
		return
	}
	if req.BotProvider == "" {
		req.BotProvider = "vapi"
	}

	sealed, err := s.cipher.Encrypt(req.VapiAPIKey)
	if err != nil {
		s.writeError(w, err)
		return
	}

	customer := store.Customer{
		ID:                   uuid.New().String(),
		CompanyName:          req.CompanyName,
		Email:                req.Email,
		ProviderKeyEncrypted: sealed,
		BotProvider:          req.BotProvider,
		BotID:                req.BotID,
		Status:               "analyzing",
		IsActive:             true,
	}
	if err := s.store.CreateCustomer(r.Context(), customer); err != nil {
		s.writeError(w, err)
		return
	}

	// Analysis scheduling is best-effort; onboarding succeeds either way.
	message := "Customer created. Analysis scheduled; check back in 5-10 minutes."
	if _, err := s.queue.Enqueue(r.Context(), outbox.KindAnalyzeCustomer, customer.ID); err != nil {
		if errors.Is(err, outbox.ErrUnavailable) {
			message = "Customer created. Analysis not yet scheduled; run it manually."
		} else {
			s.writeError(w, err)
			return
		}
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{
		"customer_id": customer.ID,
		"status":      customer.Status,
		"message":     message,
	})
}

func (s *Server) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := s.store.GetCustomer(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if customer == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "customer not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, customer)
}

func (s *Server) handleScheduleAnalysis(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	customer, err := s.store.GetCustomer(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if customer == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "customer not found"})
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(), outbox.KindAnalyzeCustomer, id)
	if err != nil {
		if errors.Is(err, outbox.ErrUnavailable) {
			s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "analysis not yet scheduled"})
			return
		}
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": "scheduled",
	})
}

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.store.ListPatterns(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if patterns == nil {
		patterns = []store.Pattern{}
	}
	s.writeJSON(w, http.StatusOK, patterns)
}

func (s *Server) handleListVariants(w http.ResponseWriter, r *http.Request) {
	variants, err := s.store.ListVariants(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if variants == nil {
		variants = []store.Variant{}
	}
	s.writeJSON(w, http.StatusOK, variants)
}

type deployRequest struct {
	CustomerID   string `json:"customer_id"`
	PatternID    string `json:"pattern_id"`
	VariantID    string `json:"variant_id"`
	TrafficSplit int    `json:"traffic_split,omitempty"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if req.CustomerID == "" || req.PatternID == "" || req.VariantID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "customer_id, pattern_id and variant_id are required"})
		return
	}

	testID, err := s.manager.Deploy(r.Context(), req.CustomerID, req.PatternID, req.VariantID, req.TrafficSplit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"test_id": testID,
		"status":  "deployed",
		"message": "A/B test started. Check back in 24 hours for early results.",
	})
}

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	customerID := r.URL.Query().Get("customer_id")
	if customerID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "customer_id is required"})
		return
	}
	tests, err := s.store.ListTests(r.Context(), customerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tests == nil {
		tests = []store.ABTest{}
	}
	s.writeJSON(w, http.StatusOK, tests)
}

// handleTestResults merges a fresh snapshot with significance and the
// projected annual impact.
func (s *Server) handleTestResults(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.FetchResults(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	sig := s.analyzer.CalculateSignificance(
		snap.Control.Successes, snap.Control.Calls,
		snap.Variant.Successes, snap.Variant.Calls)

	totalCalls := snap.Control.Calls + snap.Variant.Calls
	monthlyCalls := totalCalls * 30 / max(snap.DaysRunning, 1)
	if monthlyCalls < 100 {
		monthlyCalls = 100
	}
	improvementRate := 0.0
	if sig.Improvement > 0 {
		improvementRate = sig.Improvement / 100
	}
	impact := s.analyzer.ProjectAnnualImpact(monthlyCalls, improvementRate, s.cfg.RevenuePerCall)

	s.writeJSON(w, http.StatusOK, struct {
		*abtest.Snapshot
		StatisticalAnalysis stats.Significance `json:"statistical_analysis"`
		ProjectedImpact     stats.Projection   `json:"projected_impact"`
	}{
		Snapshot:            snap,
		StatisticalAnalysis: sig,
		ProjectedImpact:     impact,
	})
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	result, err := s.manager.PromoteWinner(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*abtest.PromotionResult
	}{Success: true, PromotionResult: result})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.CancelTest(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Test cancelled"})
}
