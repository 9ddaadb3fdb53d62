package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/event"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/services/bulk"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/services/passadmin"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/services/verification"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
)

const maxBulkItems = 10000

type VerificationService interface {
	Verify(ctx context.Context, uid string, principal models.Principal, now time.Time) (verification.Result, error)
	RebuildCache(ctx context.Context) (int, error)
}

type AdminService interface {
	Create(ctx context.Context, req models.BulkRequest, createdBy string) (models.Pass, error)
	Block(ctx context.Context, uid, actor string) (models.Pass, error)
	Unblock(ctx context.Context, uid, actor string) (models.Pass, error)
	ResetPass(ctx context.Context, uid, actor string) (models.Pass, error)
	Delete(ctx context.Context, uid, actor string, hard bool) error
}

type BulkService interface {
	CreateBulk(ctx context.Context, reqs []models.BulkRequest, createdBy string) (string, error)
	Get(bulkID string) (models.BulkOperation, error)
	Cancel(bulkID string) error
}

type ResetService interface {
	Run(ctx context.Context, day time.Time, triggeredBy string) (int64, error)
}

type EventSource interface {
	Subscribe(role models.Role) (event.SubscriberID, <-chan event.Event)
	Unsubscribe(id event.SubscriberID)
}

type Dependencies struct {
	Log          *slog.Logger
	Addr         string
	JWTSecret    []byte
	Verification VerificationService
	Admin        AdminService
	Bulk         BulkService
	Reset        ResetService
	Events       EventSource
	PanicsTotal  prometheus.Counter
	// Metrics wraps the handler chain with request instrumentation.
	Metrics func(http.Handler) http.Handler
}

type Server struct {
	httpServer   *http.Server
	log          *slog.Logger
	validator    *validator.Validate
	jwtSecret    []byte
	verification VerificationService
	admin        AdminService
	bulk         BulkService
	reset        ResetService
	events       EventSource
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		log:          d.Log,
		validator:    validator.New(),
		jwtSecret:    d.JWTSecret,
		verification: d.Verification,
		admin:        d.Admin,
		bulk:         d.Bulk,
		reset:        d.Reset,
		events:       d.Events,
	}

	mux.HandleFunc("POST /v1/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/passes", s.requireRole(models.RoleManager, s.handleCreatePass))
	mux.HandleFunc("POST /v1/passes/bulk", s.requireRole(models.RoleManager, s.handleCreateBulk))
	mux.HandleFunc("GET /v1/passes/bulk/{id}", s.requireRole(models.RoleManager, s.handleBulkProgress))
	mux.HandleFunc("DELETE /v1/passes/bulk/{id}", s.requireRole(models.RoleManager, s.handleBulkCancel))
	mux.HandleFunc("POST /v1/passes/{uid}/block", s.requireRole(models.RoleManager, s.handleBlock))
	mux.HandleFunc("POST /v1/passes/{uid}/unblock", s.requireRole(models.RoleManager, s.handleUnblock))
	mux.HandleFunc("POST /v1/passes/{uid}/reset", s.requireRole(models.RoleManager, s.handleResetPass))
	mux.HandleFunc("DELETE /v1/passes/{uid}", s.requireRole(models.RoleAdmin, s.handleDeletePass))
	mux.HandleFunc("POST /v1/reset", s.requireRole(models.RoleAdmin, s.handleDailyReset))
	mux.HandleFunc("POST /v1/cache/rebuild", s.requireRole(models.RoleAdmin, s.handleCacheRebuild))
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	handler := loggingMiddleware(d.Log, s.authMiddleware(mux))
	if d.Metrics != nil {
		handler = d.Metrics(handler)
	}
	handler = recoveryMiddleware(d.Log, d.PanicsTotal, handler)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type verifyRequest struct {
	UID string `json:"uid"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	if err := s.validator.Var(req.UID, "required,alphanum,min=4,max=128"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_uid", "uid must be 4-128 alphanumeric characters")
		return
	}

	res, err := s.verification.Verify(r.Context(), req.UID, principal, time.Now().UTC())
	if err != nil {
		if errors.Is(err, verification.ErrCategoryMismatch) {
			writeError(w, http.StatusForbidden, "category_mismatch", "pass category outside assigned category")
			return
		}
		s.log.Error("verify failed", slog.String("uid", req.UID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type createPassRequest struct {
	UID           string `json:"uid" validate:"required,alphanum,min=4,max=128"`
	PassType      string `json:"pass_type" validate:"required,oneof=daily seasonal unlimited"`
	Category      string `json:"category" validate:"required"`
	PeopleAllowed int    `json:"people_allowed" validate:"omitempty,min=1"`
	MaxUses       int    `json:"max_uses" validate:"omitempty,min=1"`
}

func (r createPassRequest) toBulkRequest() models.BulkRequest {
	return models.BulkRequest{
		UID:           r.UID,
		PassType:      models.PassType(r.PassType),
		Category:      r.Category,
		PeopleAllowed: r.PeopleAllowed,
		MaxUses:       r.MaxUses,
	}
}

func (s *Server) handleCreatePass(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	var req createPassRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	if err := s.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	pass, err := s.admin.Create(r.Context(), req.toBulkRequest(), principal.ID)
	if err != nil {
		if errors.Is(err, passadmin.ErrPassExists) {
			writeError(w, http.StatusConflict, "duplicate_uid", "a non-deleted pass with this uid exists")
			return
		}
		s.log.Error("create pass failed", slog.String("uid", req.UID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	writeJSON(w, http.StatusCreated, passResponse(pass))
}

type bulkCreateRequest struct {
	Passes []createPassRequest `json:"passes"`
}

func (s *Server) handleCreateBulk(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	var req bulkCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	if len(req.Passes) == 0 || len(req.Passes) > maxBulkItems {
		writeError(w, http.StatusBadRequest, "validation_error", fmt.Sprintf("passes must contain 1-%d items", maxBulkItems))
		return
	}

	reqs := make([]models.BulkRequest, len(req.Passes))
	for i, item := range req.Passes {
		reqs[i] = item.toBulkRequest()
	}

	bulkID, err := s.bulk.CreateBulk(r.Context(), reqs, principal.ID)
	if err != nil {
		if errors.Is(err, bulk.ErrTooManyBulkOps) {
			writeError(w, http.StatusTooManyRequests, "too_many_bulk_ops", "bulk operation limit reached, retry later")
			return
		}
		s.log.Error("bulk create failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"bulk_id": bulkID})
}

func (s *Server) handleBulkProgress(w http.ResponseWriter, r *http.Request) {
	op, err := s.bulk.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown bulk operation")
		return
	}

	writeJSON(w, http.StatusOK, bulkResponse(op))
}

func (s *Server) handleBulkCancel(w http.ResponseWriter, r *http.Request) {
	err := s.bulk.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, bulk.ErrBulkNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown bulk operation")
	case errors.Is(err, bulk.ErrBulkFinished):
		writeError(w, http.StatusConflict, "already_finished", "bulk operation already finished")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	s.mutatePass(w, r, s.admin.Block)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	s.mutatePass(w, r, s.admin.Unblock)
}

func (s *Server) handleResetPass(w http.ResponseWriter, r *http.Request) {
	s.mutatePass(w, r, s.admin.ResetPass)
}

func (s *Server) mutatePass(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) (models.Pass, error)) {
	principal, _ := principalFromContext(r.Context())

	uid := r.PathValue("uid")
	if err := s.validator.Var(uid, "required,alphanum,min=4,max=128"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_uid", "uid must be 4-128 alphanumeric characters")
		return
	}

	pass, err := fn(r.Context(), uid, principal.ID)
	if err != nil {
		if errors.Is(err, passadmin.ErrPassNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "pass not found")
			return
		}
		s.log.Error("pass mutation failed", slog.String("uid", uid), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	writeJSON(w, http.StatusOK, passResponse(pass))
}

func (s *Server) handleDeletePass(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	uid := r.PathValue("uid")
	if err := s.validator.Var(uid, "required,alphanum,min=4,max=128"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_uid", "uid must be 4-128 alphanumeric characters")
		return
	}

	hard := r.URL.Query().Get("hard") == "true"

	if err := s.admin.Delete(r.Context(), uid, principal.ID, hard); err != nil {
		switch {
		case errors.Is(err, passadmin.ErrPassNotFound):
			writeError(w, http.StatusNotFound, "not_found", "pass not found")
		case errors.Is(err, passadmin.ErrNotDeleted):
			writeError(w, http.StatusConflict, "not_soft_deleted", "hard delete requires a soft-deleted pass")
		default:
			s.log.Error("delete pass failed", slog.String("uid", uid), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type dailyResetRequest struct {
	Date    string `json:"date"`
	Confirm bool   `json:"confirm"`
}

func (s *Server) handleDailyReset(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	var req dailyResetRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	if !req.Confirm {
		writeError(w, http.StatusBadRequest, "confirm_required", "daily reset must be confirmed")
		return
	}

	day := time.Now().UTC()
	if req.Date != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	count, err := s.reset.Run(r.Context(), day, principal.ID)
	if err != nil {
		s.log.Error("daily reset failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"reset_count": count})
}

func (s *Server) handleCacheRebuild(w http.ResponseWriter, r *http.Request) {
	count, err := s.verification.RebuildCache(r.Context())
	if err != nil {
		s.log.Error("cache rebuild failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"passes": count})
}

// handleEvents streams role-filtered live events over SSE until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	id, ch := s.events.Subscribe(principal.Role)
	defer s.events.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func passResponse(pass models.Pass) map[string]any {
	return map[string]any{
		"uid":            pass.UID,
		"pass_id":        pass.PassID.String(),
		"pass_type":      string(pass.PassType),
		"category":       pass.Category,
		"people_allowed": pass.PeopleAllowed,
		"status":         string(pass.Status),
		"max_uses":       pass.MaxUses,
		"used_count":     pass.UsedCount,
		"remaining_uses": pass.RemainingUses(),
	}
}

func bulkResponse(op models.BulkOperation) map[string]any {
	return map[string]any{
		"bulk_id":    op.BulkID,
		"status":     string(op.Status),
		"total":      op.Total,
		"processed":  op.Processed,
		"created":    op.Created,
		"duplicates": op.Duplicates,
		"errors":     op.Errors,
	}
}
