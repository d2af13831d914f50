package api

import (
	"errors"
	"net/http"

	"github.com/mihaimyh/zarahub/pkg/auth"
	"github.com/mihaimyh/zarahub/pkg/generate"
	"github.com/mihaimyh/zarahub/pkg/quota"
)

var (
	// ErrUnauthenticated is returned when the request carries no identity
	ErrUnauthenticated = errors.New("authentication required")

	// ErrBadRequest is returned for malformed request bodies or parameters
	ErrBadRequest = errors.New("bad request")
)

// statusClientClosedRequest is the de facto code for a request the client abandoned
const statusClientClosedRequest = 499

// StatusCode maps an error to the HTTP status it should produce
func StatusCode(err error) int {
	var perr *generate.ProviderError

	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, quota.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthenticated),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, quota.ErrMissingUserID),
		errors.Is(err, quota.ErrInvalidDay),
		errors.Is(err, quota.ErrInvalidTier),
		errors.Is(err, quota.ErrInvalidGenerationType),
		errors.Is(err, quota.ErrInvalidSubscription),
		errors.Is(err, quota.ErrInvalidLimits),
		errors.Is(err, generate.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, quota.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, quota.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &perr), errors.Is(err, generate.ErrEmptyResponse),
		errors.Is(err, generate.ErrResponseTooLarge):
		return http.StatusBadGateway
	case isCanceled(err):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a JSON ErrorResponse with the mapped status code.
// Internal errors are not echoed to the client.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	resp := ErrorResponse{Error: err.Error()}

	var denied *generate.DeniedError
	switch {
	case errors.As(err, &denied):
		limit := denied.Limit
		resp.Type = denied.Type.String()
		resp.Tier = denied.Tier.String()
		resp.Limit = &limit
	case status == http.StatusServiceUnavailable:
		resp.Error = quota.ErrStorageUnavailable.Error()
	case status == http.StatusBadGateway:
		resp.Error = "generation provider failed"
	case status >= http.StatusInternalServerError:
		resp.Error = http.StatusText(status)
	}

	writeJSON(w, status, resp)
}
