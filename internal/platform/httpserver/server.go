package httpserver

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	approvalengine "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine"
	approvalerrors "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/errors"
	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/ports"
	approvalhttp "github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/transport/http"

	httpSwagger "github.com/swaggo/http-swagger"
)

//go:embed openapi.json
var openAPIDoc []byte

const maxBodyBytes = 1 << 20

type Server struct {
	mux       *http.ServeMux
	http      *http.Server
	logger    *slog.Logger
	addr      string
	approvals approvalengine.Module
	metrics   http.Handler
}

// New wires the approval routes. metrics may be nil when no registry is
// configured.
func New(
	approvals approvalengine.Module,
	metrics http.Handler,
	logger *slog.Logger,
	addr string,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		mux:       http.NewServeMux(),
		logger:    logger,
		addr:      addr,
		approvals: approvals,
		metrics:   metrics,
	}
	s.registerRoutes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Start() error {
	s.logger.Info("http server starting",
		"event", "http_server_starting",
		"module", "internal/platform/httpserver",
		"layer", "platform",
		"addr", s.addr,
	)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.Handle("/swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
	s.mux.HandleFunc("GET /swagger/doc.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(openAPIDoc)
	})
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.mux.HandleFunc("POST /api/v1/votes", s.handlePropose)
	s.mux.HandleFunc("GET /api/v1/votes", s.handleListVotes)
	s.mux.HandleFunc("GET /api/v1/votes/{vote_id}", s.handleStatus)
	s.mux.HandleFunc("POST /api/v1/votes/{vote_id}/reply", s.handleReply)
	s.mux.HandleFunc("POST /api/v1/votes/{vote_id}/redrive", s.handleRedrive)
	s.mux.HandleFunc("GET /api/v1/invites", s.handleListInvites)
	s.mux.HandleFunc("POST /api/v1/inbox", s.handleInbox)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req approvalhttp.ProposeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeApprovalError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	resp, err := s.approvals.Handler.ProposeHandler(r.Context(), r.Header.Get("Idempotency-Key"), req)
	if err != nil {
		writeApprovalDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListVotes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if limitRaw := query.Get("limit"); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil {
			writeApprovalError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
		limit = parsed
	}
	resp, err := s.approvals.Handler.ListVotesHandler(
		r.Context(),
		query.Get("type"),
		query.Get("status"),
		query.Get("initiator"),
		limit,
	)
	if err != nil {
		writeApprovalDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.approvals.Handler.StatusHandler(r.Context(), r.PathValue("vote_id"), r.URL.Query().Get("viewer"))
	if err != nil {
		writeApprovalDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req approvalhttp.ReplyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeApprovalError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	resp, err := s.approvals.Handler.ReplyHandler(r.Context(), r.PathValue("vote_id"), req)
	if err != nil {
		writeApprovalDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRedrive(w http.ResponseWriter, r *http.Request) {
	resp, err := s.approvals.Handler.RedriveHandler(r.Context(), r.PathValue("vote_id"))
	if err != nil {
		writeApprovalDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListInvites(w http.ResponseWriter, r *http.Request) {
	resp, err := s.approvals.Handler.ListInvitesHandler(r.Context(), r.URL.Query().Get("action"))
	if err != nil {
		writeApprovalDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleInbox accepts a peer envelope. A 5xx tells the sender to keep the
// outbox row and retry; permanently bad envelopes are acknowledged.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	var envelope ports.EventEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&envelope); err != nil {
		writeApprovalError(w, http.StatusBadRequest, "invalid_json", "request body must be a valid envelope")
		return
	}
	if envelope.EventID == "" || envelope.EventType == "" {
		writeApprovalError(w, http.StatusBadRequest, "invalid_envelope", "event_id and event_type are required")
		return
	}
	if err := s.approvals.Handler.InboxHandler(r.Context(), envelope); err != nil {
		s.logger.Error("inbox delivery failed",
			"event", "http_inbox_failed",
			"module", "internal/platform/httpserver",
			"layer", "platform",
			"event_id", envelope.EventID,
			"event_type", envelope.EventType,
			"source_party", envelope.SourceParty,
			"request_id", r.Header.Get("X-Request-Id"),
			"error", err.Error(),
		)
		writeApprovalError(w, http.StatusServiceUnavailable, "inbox_retry", "message not processed, retry later")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeApprovalDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approvalerrors.ErrRouteAlreadyExists):
		writeApprovalError(w, http.StatusConflict, "route_already_exists", err.Error())
	case errors.Is(err, approvalerrors.ErrVoteUnderReview):
		writeApprovalError(w, http.StatusConflict, "vote_under_review", err.Error())
	case errors.Is(err, approvalerrors.ErrProjectAlreadyExists):
		writeApprovalError(w, http.StatusConflict, "project_already_exists", err.Error())
	case errors.Is(err, approvalerrors.ErrProjectArchived):
		writeApprovalError(w, http.StatusConflict, "project_archived", err.Error())
	case errors.Is(err, approvalerrors.ErrProjectNotFound):
		writeApprovalError(w, http.StatusNotFound, "project_not_found", err.Error())
	case errors.Is(err, approvalerrors.ErrUnknownParty):
		writeApprovalError(w, http.StatusBadRequest, "unknown_party", err.Error())
	case errors.Is(err, approvalerrors.ErrNoVoters):
		writeApprovalError(w, http.StatusBadRequest, "no_voters", err.Error())
	case errors.Is(err, approvalerrors.ErrRouteSourceMismatch):
		writeApprovalError(w, http.StatusBadRequest, "route_source_mismatch", err.Error())
	case errors.Is(err, approvalerrors.ErrUnknownVoteType):
		writeApprovalError(w, http.StatusBadRequest, "unknown_vote_type", err.Error())
	case errors.Is(err, approvalerrors.ErrNotProjectMember):
		writeApprovalError(w, http.StatusForbidden, "not_project_member", err.Error())
	case errors.Is(err, approvalerrors.ErrVoteNotFound),
		errors.Is(err, approvalerrors.ErrInviteNotFound),
		errors.Is(err, approvalerrors.ErrExecutionNotFound):
		writeApprovalError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, approvalerrors.ErrInvalidInput):
		writeApprovalError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, approvalerrors.ErrNotVoter),
		errors.Is(err, approvalerrors.ErrNotVoteCounter):
		writeApprovalError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, approvalerrors.ErrInviteAlreadyTerminal),
		errors.Is(err, approvalerrors.ErrStatusConflict),
		errors.Is(err, approvalerrors.ErrExecutionNotFailed),
		errors.Is(err, approvalerrors.ErrVoteNotDecided),
		errors.Is(err, approvalerrors.ErrConflict):
		writeApprovalError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, approvalerrors.ErrIdempotencyKeyConflict):
		writeApprovalError(w, http.StatusConflict, "idempotency_conflict", err.Error())
	case errors.Is(err, approvalerrors.ErrMalformedEnvelope),
		errors.Is(err, approvalerrors.ErrMalformedAction),
		errors.Is(err, approvalerrors.ErrUnknownActionKind):
		writeApprovalError(w, http.StatusUnprocessableEntity, "malformed_vote", err.Error())
	default:
		writeApprovalError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeApprovalError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, approvalhttp.ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
