package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/usage"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Field   string            `json:"field,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data any) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data any) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteAccepted writes a 202 Accepted response with JSON data
func WriteAccepted(w http.ResponseWriter, data any) error {
	return WriteJSON(w, http.StatusAccepted, data)
}

// WriteErrorResponse writes resp with the given status code
func WriteErrorResponse(w http.ResponseWriter, status int, resp ErrorResponse) {
	_ = WriteJSON(w, status, resp)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteErrorResponse(w, status, ErrorResponse{Error: message})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorResponse(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: "validation"})
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteForbidden writes a forbidden error (403)
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusForbidden, message)
}

// WriteServiceUnavailable writes a 503 with a Retry-After hint
func WriteServiceUnavailable(w http.ResponseWriter, retryAfter time.Duration, message string) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
	}
	WriteErrorResponse(w, http.StatusServiceUnavailable, ErrorResponse{Error: message, Code: "retry_later"})
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case billing.IsValidation(err):
		return http.StatusBadRequest
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case billing.IsConflict(err):
		return http.StatusConflict
	case billing.IsPayment(err):
		return http.StatusPaymentRequired
	case usage.IsQuotaExceeded(err):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteDomainError writes err with the status StatusFor assigns. Internal
// errors are not echoed to the client.
func WriteDomainError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var (
		verr  *billing.ValidationError
		perr  *billing.PaymentError
		quota *usage.QuotaExceededError
	)
	switch {
	case errors.As(err, &verr):
		resp.Code = "validation"
		resp.Field = verr.Field
	case billing.IsNotFound(err):
		resp.Code = "not_found"
	case billing.IsConflict(err):
		resp.Code = "conflict"
	case errors.As(err, &perr):
		resp.Code = "payment_failed"
		if perr.Code != "" {
			resp.Details = map[string]string{"decline_code": perr.Code}
		}
	case errors.As(err, &quota):
		resp.Code = "quota_exceeded"
		resp.Details = map[string]string{
			"resource": quota.Resource,
			"current":  strconv.FormatInt(quota.Current, 10),
			"limit":    strconv.FormatInt(quota.Limit, 10),
		}
	case status == http.StatusGatewayTimeout:
		resp.Code = "timeout"
	default:
		resp.Error = "internal server error"
	}
	WriteErrorResponse(w, status, resp)
}
