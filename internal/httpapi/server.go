// Package httpapi exposes the bot surface over HTTP for agents that run
// outside this process. Every route maps one-to-one onto a facade call;
// the adapter carries no lifecycle logic of its own.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dyluth/drey/internal/admission"
	"github.com/dyluth/drey/internal/artifacts"
	"github.com/dyluth/drey/internal/bot"
	"github.com/dyluth/drey/internal/decisions"
	"github.com/dyluth/drey/internal/guard"
	"github.com/dyluth/drey/pkg/ledger"
)

// MaxWait caps the blocking window of the wait variant of the decision
// read. Callers that need to wait longer re-issue the request.
const MaxWait = 2 * time.Minute

const healthCheckTimeout = 2 * time.Second

// Server is the bot-facing HTTP adapter.
type Server struct {
	facade   *bot.Facade
	ledger   *ledger.Client
	tenant   string
	bots     map[string]string // bot name → bearer key
	gatherer prometheus.Gatherer
	server   *http.Server
	log      *zap.Logger
}

// New creates the adapter. bots maps bot names to their bearer keys;
// gatherer may be nil when the process exports no metrics.
func New(facade *bot.Facade, client *ledger.Client, tenant string, bots map[string]string, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	return &Server{
		facade:   facade,
		ledger:   client,
		tenant:   tenant,
		bots:     bots,
		gatherer: gatherer,
		log:      log,
	}
}

// Handler builds the route tree. Health and metrics are unauthenticated;
// everything under /v1 requires a bot bearer key.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1/projects/{project}", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/commands", s.handleRequestCommand)
		r.Post("/artifacts", s.handleReportArtifact)
		r.Post("/decisions", s.handleRequestDecision)
		r.Get("/decisions/{decisionID}", s.handleAwaitDecision)
	})
	return r
}

// Start begins serving on addr in the background.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server stopped", zap.Error(err))
		}
	}()
	s.log.Info("http adapter listening", zap.String("addr", addr))
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// authenticate resolves the bearer key to a bot identity. Every configured
// key is compared on every request, in constant time per key.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.writeError(w, ledger.E(ledger.KindUnauthenticated, "missing bearer token"))
			return
		}
		name := ""
		for botName, key := range s.bots {
			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
				name = botName
			}
		}
		if name == "" {
			s.writeError(w, ledger.E(ledger.KindUnauthenticated, "unrecognized bearer token"))
			return
		}
		ctx := guard.WithIdentity(r.Context(), "bot:"+name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token, ok && token != ""
}

func (s *Server) scope(r *http.Request) ledger.Scope {
	return ledger.Scope{TenantID: s.tenant, ProjectID: chi.URLParam(r, "project")}
}

type healthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.ledger.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status: "unhealthy",
			Redis:  "disconnected",
			Error:  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Redis: "connected"})
}

type commandRequest struct {
	Spec           ledger.CommandSpec `json:"spec"`
	Title          string             `json:"title,omitempty"`
	Capabilities   []string           `json:"capabilities,omitempty"`
	CorrelationID  string             `json:"correlation_id,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

type commandReceipt struct {
	CommandID string `json:"command_id"`
	CardID    string `json:"card_id"`
	Duplicate bool   `json:"duplicate"`
}

func (s *Server) handleRequestCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	receipt, err := s.facade.RequestCommand(r.Context(), s.scope(r), admission.CommandRequest{
		Spec:           req.Spec,
		CorrelationID:  req.CorrelationID,
		Title:          req.Title,
		Capabilities:   req.Capabilities,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, commandReceipt{
		CommandID: receipt.CommandID,
		CardID:    receipt.CardID,
		Duplicate: receipt.Duplicate,
	})
}

type artifactReport struct {
	Content       string                `json:"content"`
	Encoding      string                `json:"encoding,omitempty"`
	Type          string                `json:"type"`
	LogicalName   string                `json:"logical_name,omitempty"`
	Labels        map[string]string     `json:"labels,omitempty"`
	CommandID     string                `json:"command_id,omitempty"`
	RunID         string                `json:"run_id,omitempty"`
	CorrelationID string                `json:"correlation_id,omitempty"`
	Links         []ledger.ArtifactLink `json:"links,omitempty"`
}

type artifactReceipt struct {
	ArtifactID   string `json:"artifact_id"`
	Deduplicated bool   `json:"deduplicated"`
}

func (s *Server) handleReportArtifact(w http.ResponseWriter, r *http.Request) {
	var rep artifactReport
	if err := decodeBody(r, &rep); err != nil {
		s.writeError(w, err)
		return
	}
	receipt, err := s.facade.ReportArtifact(r.Context(), s.scope(r), artifacts.Report{
		Content:       rep.Content,
		Encoding:      rep.Encoding,
		Type:          rep.Type,
		LogicalName:   rep.LogicalName,
		Labels:        rep.Labels,
		CommandID:     rep.CommandID,
		RunID:         rep.RunID,
		CorrelationID: rep.CorrelationID,
		Links:         rep.Links,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if receipt.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, artifactReceipt{
		ArtifactID:   receipt.ArtifactID,
		Deduplicated: receipt.Deduplicated,
	})
}

type decisionRequest struct {
	CardID         string                  `json:"card_id,omitempty"`
	CommandID      string                  `json:"command_id,omitempty"`
	RunID          string                  `json:"run_id,omitempty"`
	CorrelationID  string                  `json:"correlation_id,omitempty"`
	Urgency        ledger.Urgency          `json:"urgency,omitempty"`
	Title          string                  `json:"title"`
	ContextSummary string                  `json:"context_summary,omitempty"`
	Options        []ledger.DecisionOption `json:"options"`
	ArtifactRefs   []string                `json:"artifact_refs,omitempty"`
	SourceThread   string                  `json:"source_thread,omitempty"`
	ExpiresAt      int64                   `json:"expires_at,omitempty"`
	FallbackOption string                  `json:"fallback_option,omitempty"`
}

type decisionReceipt struct {
	DecisionID string `json:"decision_id"`
	State      string `json:"state"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
}

func (s *Server) handleRequestDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	decision, err := s.facade.RequestDecision(r.Context(), s.scope(r), decisions.Request{
		CardID:         req.CardID,
		CommandID:      req.CommandID,
		RunID:          req.RunID,
		CorrelationID:  req.CorrelationID,
		Urgency:        req.Urgency,
		Title:          req.Title,
		ContextSummary: req.ContextSummary,
		Options:        req.Options,
		ArtifactRefs:   req.ArtifactRefs,
		SourceThread:   req.SourceThread,
		ExpiresAt:      req.ExpiresAt,
		FallbackOption: req.FallbackOption,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, decisionReceipt{
		DecisionID: decision.ID,
		State:      strings.ToLower(string(decision.State)),
		ExpiresAt:  decision.ExpiresAt,
	})
}

// handleAwaitDecision returns the decision's resolution snapshot. With
// ?wait=<duration> it blocks until the decision resolves or the window
// (capped at MaxWait) lapses, returning the snapshot either way.
func (s *Server) handleAwaitDecision(w http.ResponseWriter, r *http.Request) {
	scope := s.scope(r)
	decisionID := chi.URLParam(r, "decisionID")

	wait := r.URL.Query().Get("wait")
	if wait == "" {
		snapshot, err := s.facade.AwaitDecision(r.Context(), scope, decisionID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
		return
	}

	window, err := time.ParseDuration(wait)
	if err != nil || window <= 0 {
		s.writeError(w, ledger.E(ledger.KindInvalidArgument, "wait must be a positive duration"))
		return
	}
	if window > MaxWait {
		window = MaxWait
	}
	ctx, cancel := context.WithTimeout(r.Context(), window)
	defer cancel()

	snapshot, err := s.facade.WaitDecision(ctx, scope, decisionID)
	if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
		// Window lapsed with the decision still open; report where it stands.
		snapshot, err = s.facade.AwaitDecision(r.Context(), scope, decisionID)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := ledger.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Kind:    string(kind),
		Message: err.Error(),
	}})
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(kind ledger.Kind) int {
	switch kind {
	case ledger.KindUnauthenticated:
		return http.StatusUnauthorized
	case ledger.KindNotAMember, ledger.KindInsufficientPermissions:
		return http.StatusForbidden
	case ledger.KindNotFound:
		return http.StatusNotFound
	case ledger.KindInvalidArgument, ledger.KindInvalidOptions, ledger.KindInvalidFallback,
		ledger.KindInvalidOption, ledger.KindInvalidTransition, ledger.KindInvalidEncoding:
		return http.StatusBadRequest
	case ledger.KindSecretInPayload:
		return http.StatusUnprocessableEntity
	case ledger.KindProjectExists, ledger.KindDuplicateMember,
		ledger.KindNotClaimable, ledger.KindNotYourClaim, ledger.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ledger.E(ledger.KindInvalidArgument, "invalid request body: %s", err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
