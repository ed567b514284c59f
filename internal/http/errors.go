package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexd/internal/credits"
	"github.com/fyrsmithlabs/lexd/internal/generation"
	"github.com/fyrsmithlabs/lexd/internal/ingestion"
	"github.com/fyrsmithlabs/lexd/internal/objectstore"
	"github.com/fyrsmithlabs/lexd/internal/progress"
	"github.com/fyrsmithlabs/lexd/internal/query"
	"github.com/fyrsmithlabs/lexd/internal/sanitize"
	"github.com/fyrsmithlabs/lexd/internal/search"
	"github.com/fyrsmithlabs/lexd/internal/store"
	"github.com/fyrsmithlabs/lexd/internal/vectorstore"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Required int    `json:"required,omitempty"`
	Balance  *int   `json:"balance,omitempty"`
}

// statusFor maps domain errors to an HTTP status and a stable code.
func statusFor(err error) (int, ErrorResponse) {
	var (
		he  *echo.HTTPError
		cie *credits.CreditInsufficientError
		pce *generation.ProviderCapacityError
	)
	switch {
	case errors.As(err, &he):
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		return he.Code, ErrorResponse{Error: msg, Code: codeFor(he.Code)}
	case errors.As(err, &cie):
		balance := cie.Balance
		return http.StatusPaymentRequired, ErrorResponse{
			Error: "insufficient credits", Code: "insufficient_credits", Required: cie.Required, Balance: &balance,
		}
	case errors.As(err, &pce):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "answer generation is at capacity, try again shortly", Code: "provider_capacity"}
	case errors.Is(err, ingestion.ErrQueueFull), errors.Is(err, ingestion.ErrStopped):
		return http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "unavailable"}
	case errors.Is(err, query.ErrEmptyQuery), errors.Is(err, query.ErrQueryTooLong),
		errors.Is(err, search.ErrEmptyQuery), errors.Is(err, vectorstore.ErrInvalidRequest),
		errors.Is(err, store.ErrInvalidArgument), errors.Is(err, objectstore.ErrInvalidKey),
		errors.Is(err, sanitize.ErrInvalidDocumentID), errors.Is(err, sanitize.ErrPathTraversal),
		errors.Is(err, sanitize.ErrInvalidKey), errors.Is(err, sanitize.ErrEmptyKey):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"}
	case errors.Is(err, query.ErrMissingUser):
		return http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Code: "unauthorized"}
	case errors.Is(err, ingestion.ErrDocumentMissing), errors.Is(err, progress.ErrNotFound),
		errors.Is(err, store.ErrNotFound), errors.Is(err, objectstore.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal"}
}

func codeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	return "error"
}

func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("path", c.Path()),
				zap.Int("status", status),
				zap.Error(err))
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Warn("failed to write error response", zap.Error(err))
		}
	}
}
