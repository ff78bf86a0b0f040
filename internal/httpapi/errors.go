package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"pkt.systems/pslog"

	"pkt.systems/guildstore/api"
	"pkt.systems/guildstore/checkout"
	"pkt.systems/guildstore/internal/correlation"
	"pkt.systems/guildstore/record"
)

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

var (
	errNotConfigured = httpError{
		Status: http.StatusNotFound,
		Code:   "not_configured",
		Detail: "guild is not configured yet",
	}
	errBusy = httpError{
		Status:     http.StatusConflict,
		Code:       "busy",
		Detail:     "guild record is busy, try again",
		RetryAfter: 1,
	}
)

func statusError(status checkout.Status) error {
	switch status {
	case checkout.StatusSuccess:
		return nil
	case checkout.StatusNotFound:
		return errNotConfigured
	case checkout.StatusLocked:
		return errBusy
	}
	return fmt.Errorf("unexpected checkout status %v", status)
}

// convertError maps storage errors onto the API taxonomy. Anything it does
// not recognise is returned unchanged and surfaces as internal_error.
func convertError(err error) error {
	var httpErr httpError
	switch {
	case errors.As(err, &httpErr):
		return httpErr
	case errors.Is(err, checkout.ErrLeaseLost):
		return httpError{
			Status: http.StatusConflict,
			Code:   "commit_conflict",
			Detail: "changes were not saved",
		}
	case errors.Is(err, record.ErrFormat):
		return httpError{
			Status: http.StatusInternalServerError,
			Code:   "corrupt_record",
			Detail: "stored guild record is unreadable",
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errBusy
	}
	return err
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	corr := correlation.ID(ctx)
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"retry_after", httpErr.RetryAfter,
		)
		if httpErr.Status >= http.StatusInternalServerError {
			logger.Error("http.request.server_error", "code", httpErr.Code, "error", err)
		}
		var headers map[string]string
		if httpErr.RetryAfter > 0 {
			headers = map[string]string{"Retry-After": strconv.FormatInt(httpErr.RetryAfter, 10)}
		}
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			RetryAfterSeconds: httpErr.RetryAfter,
			CorrelationID:     corr,
		}, headers)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode:     "internal_error",
		Detail:        "internal server error",
		CorrelationID: corr,
	}, nil)
}
