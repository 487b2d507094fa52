// Package handler exposes the access service over HTTP. It only translates
// requests and errors; every decision is made by the service.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"clinicore/internal/access"
	"clinicore/internal/audit"
	"clinicore/internal/authz"
	"clinicore/internal/identity"
	"clinicore/internal/lifecycle"
	"clinicore/internal/platform/middleware"
	"clinicore/internal/policy"
	"clinicore/internal/records"
	id "clinicore/pkg/domain"
	dErrors "clinicore/pkg/domain-errors"
	"clinicore/pkg/platform/httputil"
	"clinicore/pkg/validation"
)

// Service is the slice of access.Service the handlers use.
type Service interface {
	Authorize(ctx context.Context, actor identity.Actor, req access.AuthorizeRequest) (authz.Decision, error)
	Get(ctx context.Context, actor identity.Actor, resource policy.Resource, recordID id.RecordID) (*records.Record, error)
	Create(ctx context.Context, actor identity.Actor, req access.CreateRequest) (*records.Record, error)
	Update(ctx context.Context, actor identity.Actor, req access.UpdateRequest) (*records.Record, error)
	Delete(ctx context.Context, actor identity.Actor, req access.DeleteRequest) error
	Transition(ctx context.Context, actor identity.Actor, req access.TransitionRequest) (*records.Record, error)
	Execute(ctx context.Context, actor identity.Actor, resource policy.Resource) error
	QueryAudit(ctx context.Context, actor identity.Actor, f audit.Filter) ([]audit.Entry, error)
}

type Handler struct {
	svc    Service
	logger *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the routes. Static segments are registered before the
// {resource} wildcard so they take precedence.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/authorize", h.handleAuthorize)
	r.Post("/v1/operations/{resource}", h.handleExecute)
	r.Get("/v1/audit", h.handleQueryAudit)

	r.Post("/v1/{resource}", h.handleCreate)
	r.Get("/v1/{resource}/{id}", h.handleGet)
	r.Patch("/v1/{resource}/{id}", h.handleUpdate)
	r.Delete("/v1/{resource}/{id}", h.handleDelete)
	r.Post("/v1/{resource}/{id}/transitions/{transition}", h.handleTransition)
}

// withRequest resolves the actor and attaches the audit metadata for the call.
func (h *Handler) withRequest(w http.ResponseWriter, r *http.Request) (context.Context, identity.Actor, bool) {
	ctx := r.Context()
	actor, ok := middleware.ActorFromContext(ctx)
	if !ok {
		h.logger.ErrorContext(ctx, "actor missing from context despite auth middleware",
			"request_id", middleware.GetRequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return nil, identity.Actor{}, false
	}
	ctx = access.WithRequestMeta(ctx, access.RequestMeta{
		SourceIP:  middleware.ClientIP(ctx),
		UserAgent: validation.TruncateText(middleware.UserAgent(ctx), validation.MaxUserAgentLength),
		RequestID: middleware.GetRequestID(ctx),
	})
	return ctx, actor, true
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx, actor, ok := h.withRequest(w, r)
	if !ok {
		return
	}
	requestID := middleware.GetRequestID(ctx)

	body, ok := httputil.DecodeAndPrepare[authorizeBody](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	req, err := body.toRequest()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	d, err := h.svc.Authorize(ctx, actor, req)
	if err != nil {
		h.writeFailure(ctx, w, "authorize failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toDecisionResponse(d))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx, actor, ok := h.withRequest(w, r)
	if !ok {
		return
	}
	body, ok := httputil.DecodeAndPrepare[createBody](w, r, h.logger, ctx, middleware.GetRequestID(ctx))
	if !ok {
		return
	}
	req := access.CreateRequest{Resource: resourceParam(r), Payload: body.Payload}
	if body.OwnerID != "" {
		owner, err := id.ParseUserID(body.OwnerID)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		req.OwnerID = &owner
	}

	rec, err := h.svc.Create(ctx, actor, req)
	if err != nil {
		h.writeFailure(ctx, w, "create failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx, actor, ok := h.withRequest(w, r)
	if !ok {
		return
	}
	recordID, ok := recordParam(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.Get(ctx, actor, resourceParam(r), recordID)
	if err != nil {
		h.writeFailure(ctx, w, "get failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, actor, ok := h.withRequest(w, r)
	if !ok {
		return
	}
	recordID, ok := recordParam(w, r)
	if !ok {
		return
	}
	body, ok := httputil.DecodeAndPrepare[updateBody](w, r, h.logger, ctx, middleware.GetRequestID(ctx))
	if !ok {
		return
	}

	rec, err := h.svc.Update(ctx, actor, access.UpdateRequest{
		Resource: resourceParam(r),
		RecordID: recordID,
		Payload:  body.Payload,
	})
	if err != nil {
		h.writeFailure(ctx, w, "update failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, actor, ok := h.withRequest(w, r)
	if !ok {
		return
	}
	recordID, ok := recordParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(ctx, actor, access.DeleteRequest{Resource: resourceParam(r), RecordID: recordID}); err != nil {
		h.writeFailure(ctx, w, "delete failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	ctx, actor, ok := h.withRequest(w, r)
	if !ok {
		return
	}
	recordID, ok := recordParam(w, r)
	if !ok {
		return
	}

	var body transitionBody
	if r.ContentLength != 0 {
		decoded, ok := httputil.DecodeJSON[transitionBody](w, r, h.logger, ctx, middleware.GetRequestID(ctx))
		if !ok {
			return
		}
		body = *decoded
	}

	rec, err := h.svc.Transition(ctx, actor, access.TransitionRequest{
		Resource:   resourceParam(r),
		RecordID:   recordID,
		Transition: lifecycle.TransitionName(chi.URLParam(r, "transition")),
		Target:     lifecycle.State(body.Target),
	})
	if err != nil {
		h.writeFailure(ctx, w, "transition failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx, actor, ok := h.withRequest(w, r)
	if !ok {
		return
	}
	if err := h.svc.Execute(ctx, actor, resourceParam(r)); err != nil {
		h.writeFailure(ctx, w, "execute failed", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	ctx, actor, ok := h.withRequest(w, r)
	if !ok {
		return
	}
	f, err := parseAuditFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	entries, err := h.svc.QueryAudit(ctx, actor, f)
	if err != nil {
		h.writeFailure(ctx, w, "audit query failed", err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	httputil.WriteJSON(w, http.StatusOK, auditResponse{Entries: entries, Count: len(entries)})
}

// writeFailure logs infrastructure failures; denials are already logged by
// the service.
func (h *Handler) writeFailure(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	if !dErrors.CodeOf(err).IsDenial() {
		h.logger.WarnContext(ctx, msg,
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}

func resourceParam(r *http.Request) policy.Resource {
	return policy.Resource(chi.URLParam(r, "resource"))
}

func recordParam(w http.ResponseWriter, r *http.Request) (id.RecordID, bool) {
	rid, err := id.ParseRecordID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.RecordID{}, false
	}
	return rid, true
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Table:    q.Get("table"),
		RecordID: q.Get("record_id"),
		Decision: audit.Decision(q.Get("decision")),
	}
	switch f.Decision {
	case "", audit.DecisionAllowed, audit.DecisionDenied:
	default:
		return audit.Filter{}, dErrors.New(dErrors.CodeBadRequest, "decision must be allowed or denied")
	}
	if v := q.Get("actor_id"); v != "" {
		actorID, err := id.ParseUserID(v)
		if err != nil {
			return audit.Filter{}, err
		}
		f.ActorID = actorID
	}
	for key, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return audit.Filter{}, dErrors.New(dErrors.CodeBadRequest, key+" must be an RFC 3339 timestamp")
			}
			*dst = t
		}
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return audit.Filter{}, dErrors.New(dErrors.CodeBadRequest, "limit must be an integer")
		}
		limit = n
	}
	f.Limit = validation.ClampPageSize(limit)
	return f, nil
}
