package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/zarahub/pkg/generate"
	"github.com/mihaimyh/zarahub/pkg/quota"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for quota status, generation and administration
type Handler struct {
	config Config
}

// Routes returns a mux with every endpoint registered
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// Register adds the endpoints to mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/quota", h.GetStatus)

	if h.config.Generator != nil {
		mux.HandleFunc("POST /v1/generate/text", h.Generate(generate.KindText))
		mux.HandleFunc("POST /v1/generate/image", h.Generate(generate.KindImage))
		mux.HandleFunc("POST /v1/generate/speech", h.Generate(generate.KindSpeech))
	}

	mux.HandleFunc("GET /v1/admin/limits", h.GetLimits)
	mux.HandleFunc("PUT /v1/admin/limits", h.PutLimits)
	mux.HandleFunc("PUT /v1/admin/subscriptions", h.PutSubscription)
	mux.HandleFunc("GET /v1/admin/subscriptions/{userID}", h.GetSubscription)
	mux.HandleFunc("DELETE /v1/admin/subscriptions/{userID}", h.DeleteSubscription)
	mux.HandleFunc("DELETE /v1/admin/subscriptions", h.DeleteSubscription)
	mux.HandleFunc("GET /v1/admin/usage", h.GetUsage)
}

// GetStatus returns the caller's tier, today's usage and remaining counts
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	status, err := h.config.Engine.Status(r.Context(), id)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("get status: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(status))
}

// Generate returns the handler for one generation kind
func (h *Handler) Generate(kind generate.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.identity(w, r)
		if !ok {
			return
		}

		var req GenerateRequest
		if err := h.decode(w, r, &req); err != nil {
			h.handleError(w, r, err)
			return
		}

		out, err := h.config.Generator.Generate(r.Context(), id, kind, generate.Request{
			Prompt: req.Prompt,
			Model:  req.Model,
			Params: req.Params,
		})
		if err != nil {
			if r.Context().Err() != nil {
				// Client went away; nothing to answer
				return
			}
			h.handleError(w, r, err)
			return
		}

		resp := GenerateResponse{
			RequestID:   out.Result.RequestID,
			Kind:        string(kind),
			ContentType: out.Result.ContentType,
		}
		if kind == generate.KindText {
			resp.Text = string(out.Result.Body)
		} else {
			resp.Data = out.Result.Body
		}
		if c := out.Consumption; c != nil {
			resp.Quota = &Counter{Used: c.Used, Limit: c.Limit, Remaining: c.Remaining}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// GetLimits returns the global limits table
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}

	gl, err := h.config.Engine.GlobalLimits(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLimitsDocument(gl))
}

// PutLimits replaces the global limits table
func (h *Handler) PutLimits(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.admin(w, r)
	if !ok {
		return
	}

	var doc LimitsDocument
	if err := h.decode(w, r, &doc); err != nil {
		h.handleError(w, r, err)
		return
	}

	ctx := r.Context()
	if err := h.config.Engine.SetGlobalLimits(ctx, actor, doc.toGlobalLimits()); err != nil {
		h.handleError(w, r, err)
		return
	}

	gl, err := h.config.Engine.GlobalLimits(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLimitsDocument(gl))
}

// PutSubscription grants or changes a user's subscription
func (h *Handler) PutSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.admin(w, r)
	if !ok {
		return
	}

	var req SubscriptionRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := validateUserID(req.UserID); err != nil {
		h.handleError(w, r, err)
		return
	}
	tier, err := quota.ParseTier(req.Tier)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	ctx := r.Context()
	sub := &quota.Subscription{UserID: req.UserID, Tier: tier, ExpiresAt: req.ExpiresAt}
	if err := h.config.Engine.SetSubscription(ctx, actor, sub); err != nil {
		h.handleError(w, r, err)
		return
	}

	stored, err := h.config.Engine.Subscription(ctx, req.UserID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSubscriptionResponse(stored))
}

// GetSubscription returns a user's stored subscription
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.admin(w, r); !ok {
		return
	}

	userID := r.PathValue("userID")
	if err := validateUserID(userID); err != nil {
		h.handleError(w, r, err)
		return
	}

	sub, err := h.config.Engine.Subscription(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSubscriptionResponse(sub))
}

// DeleteSubscription cancels a user's subscription. The user id comes from
// the path or the user_id query parameter.
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.admin(w, r)
	if !ok {
		return
	}

	userID := r.PathValue("userID")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if err := validateUserID(userID); err != nil {
		h.handleError(w, r, err)
		return
	}

	if err := h.config.Engine.CancelSubscription(r.Context(), actor, userID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetUsage returns a user's ledger row for a day (default: the caller, today).
// Non-admins may only read their own usage.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.identity(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	q := r.URL.Query()

	userID := q.Get("user_id")
	if userID == "" {
		userID = actor.UserID
	}
	if err := validateUserID(userID); err != nil {
		h.handleError(w, r, err)
		return
	}

	day := h.config.Engine.Today(ctx)
	if raw := q.Get("day"); raw != "" {
		parsed, err := quota.ParseDay(raw)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		day = parsed
	}

	usage, err := h.config.Engine.UsageFor(ctx, actor, userID, day)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUsageResponse(usage))
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (quota.Identity, bool) {
	id, ok := h.config.GetIdentity(r)
	if !ok || id.UserID == "" {
		h.handleError(w, r, ErrUnauthenticated)
		return quota.Identity{}, false
	}
	return id, true
}

func (h *Handler) admin(w http.ResponseWriter, r *http.Request) (quota.Identity, bool) {
	id, ok := h.identity(w, r)
	if !ok {
		return id, false
	}
	if !id.IsAdmin {
		h.handleError(w, r, quota.ErrForbidden)
		return id, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			quota.Field{Key: "method", Value: r.Method},
			quota.Field{Key: "path", Value: r.URL.Path},
			quota.ErrorField(err),
		)
	}
	WriteError(w, err)
}

func validateUserID(userID string) error {
	if userID == "" {
		return quota.ErrMissingUserID
	}
	if len(userID) > maxUserIDLen {
		return fmt.Errorf("%w: user id too long", ErrBadRequest)
	}
	return nil
}

func newSubscriptionResponse(s *quota.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		UserID:    s.UserID,
		Tier:      s.Tier.String(),
		ExpiresAt: s.ExpiresAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoding errors after the header is sent cannot be reported
	_ = json.NewEncoder(w).Encode(v)
}

// isCanceled reports whether err is the caller's own cancellation
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
