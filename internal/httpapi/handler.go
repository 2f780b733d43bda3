// Package httpapi adapts the core picking service to HTTP and serves the
// real-time event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pickd/api"
	"pkt.systems/pickd/internal/clock"
	"pkt.systems/pickd/internal/core"
	"pkt.systems/pickd/internal/events"
	"pkt.systems/pickd/internal/loggingutil"
	"pkt.systems/pickd/internal/storage"
	"pkt.systems/pslog"
)

// DefaultJSONMaxBytes caps request bodies when the config leaves it unset.
const DefaultJSONMaxBytes = 1 << 20

// Config assembles the HTTP adapter.
type Config struct {
	Core         *core.Service
	Events       *events.Broadcaster
	Logger       pslog.Logger
	Clock        clock.Clock
	JSONMaxBytes int64
	EventBuffer  int
}

// Handler is the pickd HTTP surface.
type Handler struct {
	core        *core.Service
	events      *events.Broadcaster
	logger      pslog.Logger
	clock       clock.Clock
	maxBytes    int64
	eventBuffer int
	root        http.Handler
}

// New wires the route table and middleware chain.
func New(cfg Config) *Handler {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultJSONMaxBytes
	}
	eventBuffer := cfg.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = events.DefaultBuffer
	}
	h := &Handler{
		core:        cfg.Core,
		events:      cfg.Events,
		logger:      loggingutil.EnsureLogger(cfg.Logger),
		clock:       clk,
		maxBytes:    maxBytes,
		eventBuffer: eventBuffer,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/locks/acquire", h.handleAcquire)
	mux.HandleFunc("POST /v1/locks/renew", h.handleRenew)
	mux.HandleFunc("POST /v1/locks/release", h.handleRelease)
	mux.HandleFunc("POST /v1/picks", h.handleSubmitPick)
	mux.HandleFunc("POST /v1/sections/finish", h.handleFinish)
	mux.HandleFunc("POST /v1/exceptions/authorize", h.handleAuthorize)
	mux.HandleFunc("GET /v1/sections/{orderID}/{sectionID}/items", h.handleSectionItems)
	mux.HandleFunc("GET /v1/orders/{orderID}/exceptions", h.handleOrderExceptions)
	mux.HandleFunc("GET /v1/events", h.handleEvents)
	mux.HandleFunc("GET /healthz", h.handleHealthz)

	h.root = h.withRequestLogging(otelhttp.NewHandler(mux, "pickd.http"))
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req api.AcquireRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.core.Acquire(r.Context(), core.AcquireCommand{
		OrderID:   req.OrderID,
		SectionID: req.SectionID,
		UserID:    req.UserID,
	})
	if err != nil {
		h.writeError(r, w, err)
		return
	}
	h.writeJSON(r, w, http.StatusOK, api.AcquireResponse{
		SessionID: result.SessionID,
		OrderID:   result.OrderID,
		SectionID: result.SectionID,
		ExpiresAt: result.ExpiresAt,
		Items:     itemsToAPI(result.Items),
	})
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req api.RenewRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.core.Renew(r.Context(), core.RenewCommand{
		OrderID:   req.OrderID,
		SectionID: req.SectionID,
		SessionID: req.SessionID,
	})
	if err != nil {
		h.writeError(r, w, err)
		return
	}
	h.writeJSON(r, w, http.StatusOK, api.RenewResponse{ExpiresAt: result.ExpiresAt})
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req api.ReleaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.core.Release(r.Context(), core.ReleaseCommand{
		OrderID:   req.OrderID,
		SectionID: req.SectionID,
		SessionID: req.SessionID,
	})
	if err != nil {
		h.writeError(r, w, err)
		return
	}
	h.writeJSON(r, w, http.StatusOK, api.ReleaseResponse{Released: result.Released})
}

func (h *Handler) handleSubmitPick(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitPickRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.core.SubmitPick(r.Context(), core.SubmitPickCommand{
		SessionID:     req.SessionID,
		OrderID:       req.OrderID,
		SectionID:     req.SectionID,
		ItemID:        req.ItemID,
		PickedQty:     req.PickedQty,
		ExceptionQty:  req.ExceptionQty,
		ExceptionType: req.ExceptionType,
		Observation:   req.Observation,
	})
	if err != nil {
		h.writeError(r, w, err)
		return
	}
	h.writeJSON(r, w, http.StatusOK, api.SubmitPickResponse{Item: itemToAPI(result.Item)})
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	var req api.FinishRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.core.FinishSection(r.Context(), core.FinishCommand{
		SessionID: req.SessionID,
		OrderID:   req.OrderID,
		SectionID: req.SectionID,
	})
	if err != nil {
		h.writeError(r, w, err)
		return
	}
	h.writeJSON(r, w, http.StatusOK, api.FinishResponse{Finished: result.Finished})
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req api.AuthorizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.core.AuthorizeExceptions(r.Context(), core.AuthorizeCommand{
		Username:     req.Username,
		Password:     req.Password,
		ExceptionIDs: req.ExceptionIDs,
	})
	if err != nil {
		h.writeError(r, w, err)
		return
	}
	h.writeJSON(r, w, http.StatusOK, api.AuthorizeResponse{
		AuthorizedBy: result.AuthorizedBy,
		ExceptionIDs: result.ExceptionIDs,
	})
}

func (h *Handler) handleSectionItems(w http.ResponseWriter, r *http.Request) {
	view, err := h.core.SectionItems(r.Context(), r.PathValue("orderID"), r.PathValue("sectionID"))
	if err != nil {
		h.writeError(r, w, err)
		return
	}
	h.writeJSON(r, w, http.StatusOK, api.SectionItemsResponse{
		OrderID:      view.OrderID,
		SectionID:    view.SectionID,
		Finished:     view.Finished,
		Held:         view.Held,
		HolderUserID: view.HolderUserID,
		Items:        itemsToAPI(view.Items),
	})
}

func (h *Handler) handleOrderExceptions(w http.ResponseWriter, r *http.Request) {
	view, err := h.core.OrderExceptions(r.Context(), r.PathValue("orderID"))
	if err != nil {
		h.writeError(r, w, err)
		return
	}
	resp := api.OrderExceptionsResponse{
		OrderID:    view.OrderID,
		Blocked:    view.Blocked,
		Exceptions: make([]api.Exception, 0, len(view.Exceptions)),
	}
	for _, exc := range view.Exceptions {
		resp.Exceptions = append(resp.Exceptions, exceptionToAPI(exc))
	}
	h.writeJSON(r, w, http.StatusOK, resp)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(r, w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a size-capped JSON body; on failure it writes the error
// response itself and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, h.maxBytes))
	if err := dec.Decode(dst); err != nil {
		h.writeError(r, w, core.Failure{
			Code:       core.CodeValidation,
			Detail:     fmt.Sprintf("invalid request body: %v", err),
			HTTPStatus: http.StatusBadRequest,
		})
		return false
	}
	return true
}

func (h *Handler) writeJSON(r *http.Request, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.requestLogger(r).Warn("http.response.encode_failed", "error", err)
	}
}

func (h *Handler) writeError(r *http.Request, w http.ResponseWriter, err error) {
	var failure core.Failure
	if !errors.As(err, &failure) {
		h.requestLogger(r).Error("http.request.internal_error", "error", err)
		failure = core.Failure{
			Code:       api.ErrCodeInternal,
			Detail:     "internal server error",
			HTTPStatus: http.StatusInternalServerError,
		}
	}
	status := failure.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if failure.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(failure.RetryAfter, 10))
	}
	h.writeJSON(r, w, status, api.ErrorResponse{
		Error:        failure.Code,
		Detail:       failure.Detail,
		HolderUserID: failure.HolderUserID,
		RetryAfter:   failure.RetryAfter,
	})
}

func (h *Handler) requestLogger(r *http.Request) pslog.Logger {
	if logger := pslog.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return h.logger
}

func itemToAPI(item storage.Item) api.Item {
	return api.Item{
		ItemID:        item.ItemID,
		ProductRef:    item.ProductRef,
		RequestedQty:  item.RequestedQty,
		PickedQty:     item.PickedQty,
		Status:        item.Status,
		ExceptionID:   item.ExceptionID,
		ExceptionQty:  item.ExceptionQty,
		ExceptionType: item.ExceptionType,
	}
}

func itemsToAPI(items []storage.Item) []api.Item {
	out := make([]api.Item, 0, len(items))
	for _, item := range items {
		out = append(out, itemToAPI(item))
	}
	return out
}

func exceptionToAPI(exc storage.Exception) api.Exception {
	return api.Exception{
		ExceptionID:        exc.ExceptionID,
		OrderID:            exc.OrderID,
		SectionID:          exc.SectionID,
		ItemID:             exc.ItemID,
		Quantity:           exc.Quantity,
		Type:               exc.Type,
		Observation:        exc.Observation,
		ReportedByUserID:   exc.ReportedByUserID,
		AuthorizedByUserID: exc.AuthorizedByUserID,
		AuthorizedByName:   exc.AuthorizedByName,
		CreatedAt:          exc.CreatedAtUnix,
		AuthorizedAt:       exc.AuthorizedAtUnix,
	}
}
