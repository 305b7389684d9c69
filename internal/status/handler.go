// Package status exposes the sync engine to the local UI over HTTP and
// WebSocket.
package status

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/candlefish/paintbox-sync/internal/db"
	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"github.com/candlefish/paintbox-sync/internal/models"
	syncpkg "github.com/candlefish/paintbox-sync/internal/sync"
	"github.com/candlefish/paintbox-sync/internal/sync/queue"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const defaultConflictLimit = 50

var errorMappings = []ErrorMapping{
	{Error: queue.ErrItemInFlight, Status: http.StatusConflict, Message: "item is being synced, try again shortly"},
	{Error: db.ErrStatusChanged, Status: http.StatusConflict, Message: "item changed concurrently, try again"},
	{Error: syncpkg.ErrOffline, Status: http.StatusServiceUnavailable, Message: "network is offline"},
	{Error: syncpkg.ErrNotRunning, Status: http.StatusServiceUnavailable, Message: "sync engine is not running"},
	{Code: apperrors.ErrNotFound, Status: http.StatusNotFound, Message: "queue item not found"},
	{Code: apperrors.ErrValidation, Status: http.StatusBadRequest},
}

// Handler serves the sync status API.
type Handler struct {
	engine    syncpkg.SyncEngineInterface
	hub       *Hub
	validator *validator.Validate
}

// NewHandler creates a handler. hub may be nil to disable the event stream.
func NewHandler(engine syncpkg.SyncEngineInterface, hub *Hub) *Handler {
	return &Handler{
		engine:    engine,
		hub:       hub,
		validator: validator.New(),
	}
}

// RegisterRoutes registers the sync routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sync", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Post("/trigger", h.TriggerSync)
		r.Get("/items", h.ListItems)
		r.Post("/items", h.EnqueueItem)
		r.Post("/items/{id}/retry", h.RetryItem)
		r.Delete("/items/{id}", h.RemoveItem)
		r.Get("/conflicts", h.ListConflicts)
		r.Delete("/errors", h.ClearErrors)
		if h.hub != nil {
			r.Get("/events", h.hub.ServeWS)
		}
	})
}

// EnqueueRequest is the body of POST /api/sync/items.
type EnqueueRequest struct {
	Type     string          `json:"type" validate:"required,oneof=estimate photo crm_write"`
	Action   string          `json:"action" validate:"required,oneof=create update delete"`
	Priority *int            `json:"priority" validate:"omitempty,gte=0"`
	Data     json.RawMessage `json:"data" validate:"required"`
}

// GetStatus handles GET /api/sync/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	Success(w, http.StatusOK, h.engine.Snapshot(r.Context()))
}

// TriggerSync handles POST /api/sync/trigger.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.TriggerSync(); err != nil {
		HandleError(r.Context(), w, err, errorMappings)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListItems handles GET /api/sync/items?status=&type=&limit=.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.Filter{
		Status: models.ItemStatus(q.Get("status")),
		Type:   models.ItemType(q.Get("type")),
	}
	if filter.Type != "" && !filter.Type.Valid() {
		Error(w, http.StatusBadRequest, "unknown item type")
		return
	}
	limit, ok := parseLimit(q.Get("limit"), 0)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid limit")
		return
	}
	filter.Limit = limit

	items, err := h.engine.Items(r.Context(), filter)
	if err != nil {
		HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if items == nil {
		items = []*models.QueueItem{}
	}
	Success(w, http.StatusOK, items)
}

// EnqueueItem handles POST /api/sync/items.
func (h *Handler) EnqueueItem(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		ValidationError(w, err)
		return
	}

	payload, err := models.DecodePayloadAs(models.ItemType(req.Type), req.Data)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.engine.Enqueue(r.Context(), queue.Mutation{
		Action:   models.Action(req.Action),
		Payload:  payload,
		Priority: req.Priority,
	})
	if err != nil {
		HandleError(r.Context(), w, err, errorMappings)
		return
	}
	Success(w, http.StatusCreated, map[string]string{"id": id})
}

// RetryItem handles POST /api/sync/items/{id}/retry.
func (h *Handler) RetryItem(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RetryItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		HandleError(r.Context(), w, err, errorMappings)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveItem handles DELETE /api/sync/items/{id}.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RemoveItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		HandleError(r.Context(), w, err, errorMappings)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListConflicts handles GET /api/sync/conflicts?limit=.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r.URL.Query().Get("limit"), defaultConflictLimit)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid limit")
		return
	}
	records, err := h.engine.Conflicts(r.Context(), limit)
	if err != nil {
		HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if records == nil {
		records = []*models.ConflictRecord{}
	}
	Success(w, http.StatusOK, records)
}

// ClearErrors handles DELETE /api/sync/errors.
func (h *Handler) ClearErrors(w http.ResponseWriter, _ *http.Request) {
	h.engine.ClearErrors()
	w.WriteHeader(http.StatusNoContent)
}

func parseLimit(raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
