// Package httpapi serves guild records over HTTP. It is the orchestrating
// caller of the checkout API: statuses and storage errors are turned into
// stable error codes here and nowhere else.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/guildstore/api"
	"pkt.systems/guildstore/checkout"
	"pkt.systems/guildstore/internal/correlation"
	"pkt.systems/guildstore/internal/svcfields"
	"pkt.systems/guildstore/internal/version"
	"pkt.systems/guildstore/record"
)

const (
	contentTypeJSON = "application/json"
	// maxBodyBytes bounds PATCH payloads. Requests carry ids only.
	maxBodyBytes = 64 << 10
)

// Guilds is the service surface the handler needs.
type Guilds interface {
	View(ctx context.Context, id record.ID) (record.Snapshot, checkout.Status, error)
	Update(ctx context.Context, id record.ID, mutate func(*record.Guild) error) (record.Snapshot, checkout.Status, error)
}

// Config groups the dependencies of a Handler.
type Config struct {
	Guilds Guilds
	// Store is the redacted store URL reported by /healthz.
	Store          string
	Logger         pslog.Logger
	DisableTracing bool
}

// Handler wires HTTP routes to a Guilds implementation.
type Handler struct {
	guilds         Guilds
	store          string
	logger         pslog.Logger
	tracer         trace.Tracer
	tracingEnabled bool
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New constructs a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Handler{
		guilds:         cfg.Guilds,
		store:          cfg.Store,
		logger:         logger,
		tracer:         otel.Tracer("pkt.systems/guildstore/httpapi"),
		tracingEnabled: !cfg.DisableTracing,
	}
}

// Register installs the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/guilds/{id}", h.wrap("guild.get", h.handleGetGuild))
	mux.Handle("PATCH /v1/guilds/{id}", h.wrap("guild.update", h.handleUpdateGuild))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		var span trace.Span
		if h.tracingEnabled {
			ctx, span = h.tracer.Start(ctx, "guildstore.api."+operation, trace.WithSpanKind(trace.SpanKindInternal))
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		corr := correlation.FromRequest(r)
		ctx = correlation.With(ctx, corr)
		w.Header().Set(correlation.Header, corr)
		logger := svcfields.WithSubsystem(h.logger, svcfields.API, operation).With(
			"method", r.Method,
			"path", r.URL.Path,
			"correlation_id", corr,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		span.SetAttributes(
			attribute.String("guildstore.operation", operation),
			attribute.String("guildstore.correlation_id", corr),
		)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			var httpErr httpError
			if errors.As(err, &httpErr) {
				span.SetAttributes(
					attribute.String("guildstore.error_code", httpErr.Code),
					attribute.Int("guildstore.error_status", httpErr.Status),
				)
			} else {
				span.SetAttributes(attribute.String("guildstore.error_code", "internal"))
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, "guildstore.http."+operation)
}

func (h *Handler) handleGetGuild(w http.ResponseWriter, r *http.Request) error {
	id, err := guildID(r)
	if err != nil {
		return err
	}
	snap, status, err := h.guilds.View(r.Context(), id)
	if err != nil {
		return convertError(err)
	}
	if err := statusError(status); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.NewGuildResponse(id, snap), nil)
	return nil
}

func (h *Handler) handleUpdateGuild(w http.ResponseWriter, r *http.Request) error {
	id, err := guildID(r)
	if err != nil {
		return err
	}
	var req api.UpdateGuildRequest
	if err := decodeJSONBody(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	if err := req.Validate(); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	if req.Empty() {
		return httpError{Status: http.StatusBadRequest, Code: "empty_update", Detail: "request changes nothing"}
	}
	snap, status, err := h.guilds.Update(r.Context(), id, req.Apply)
	if err != nil {
		return convertError(err)
	}
	if err := statusError(status); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.NewGuildResponse(id, snap), nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{
		Status:  "ok",
		Store:   h.store,
		Version: version.Current(),
	}, nil)
	return nil
}

func guildID(r *http.Request) (record.ID, error) {
	id, err := record.ParseID(r.PathValue("id"))
	if err != nil {
		return 0, httpError{
			Status: http.StatusBadRequest,
			Code:   "invalid_guild_id",
			Detail: fmt.Sprintf("guild id %q is not a decimal snowflake", r.PathValue("id")),
		}
	}
	return id, nil
}

func decodeJSONBody(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", contentTypeJSON)
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
