package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/candlefish/paintbox-sync/internal/db"
	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"github.com/candlefish/paintbox-sync/internal/models"
	syncpkg "github.com/candlefish/paintbox-sync/internal/sync"
	"github.com/candlefish/paintbox-sync/internal/sync/queue"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu sync.Mutex

	snapshot  syncpkg.Snapshot
	items     []*models.QueueItem
	conflicts []*models.ConflictRecord

	enqueued   []queue.Mutation
	lastFilter db.Filter
	lastLimit  int
	retried    []string
	removed    []string
	cleared    int

	enqueueErr error
	triggerErr error
	retryErr   error
	removeErr  error
	listErr    error
}

func (f *fakeEngine) Snapshot(context.Context) syncpkg.Snapshot { return f.snapshot }

func (f *fakeEngine) Subscribe(func(syncpkg.Event)) func() { return func() {} }

func (f *fakeEngine) Enqueue(_ context.Context, m queue.Mutation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.enqueued = append(f.enqueued, m)
	return "item-1", nil
}

func (f *fakeEngine) TriggerSync() error { return f.triggerErr }

func (f *fakeEngine) RetryItem(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, id)
	return f.retryErr
}

func (f *fakeEngine) RemoveItem(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeEngine) ClearErrors() {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
}

func (f *fakeEngine) Items(_ context.Context, filter db.Filter) ([]*models.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	return f.items, f.listErr
}

func (f *fakeEngine) Conflicts(_ context.Context, limit int) ([]*models.ConflictRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	return f.conflicts, f.listErr
}

var _ syncpkg.SyncEngineInterface = (*fakeEngine)(nil)

func newRouter(engine syncpkg.SyncEngineInterface, hub *Hub) chi.Router {
	r := chi.NewRouter()
	NewHandler(engine, hub).RegisterRoutes(r)
	return r
}

func do(t *testing.T, r http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "missing error envelope: %s", rec.Body.String())
	msg, _ := errObj["message"].(string)
	return msg
}

func TestGetStatus(t *testing.T) {
	engine := &fakeEngine{snapshot: syncpkg.Snapshot{
		IsOnline:     true,
		Running:      true,
		State:        syncpkg.StateBackoffWait,
		PendingCount: 4,
		FailedCount:  1,
		Errors:       []syncpkg.SyncError{{ItemID: "a", Kind: apperrors.KindTransient, Message: "boom"}},
	}}

	rec := do(t, newRouter(engine, nil), http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeBody(t, rec)["data"].(map[string]interface{})
	assert.Equal(t, true, data["is_online"])
	assert.Equal(t, "backoff_wait", data["state"])
	assert.EqualValues(t, 4, data["pending_count"])
	assert.EqualValues(t, 1, data["failed_count"])
	assert.Len(t, data["errors"], 1)
}

func TestTriggerSync(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"offline", syncpkg.ErrOffline, http.StatusServiceUnavailable},
		{"not running", syncpkg.ErrNotRunning, http.StatusServiceUnavailable},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newRouter(&fakeEngine{triggerErr: tt.err}, nil), http.MethodPost, "/api/sync/trigger", nil)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal error", errorMessage(t, rec))
			}
		})
	}
}

func TestListItems(t *testing.T) {
	engine := &fakeEngine{items: []*models.QueueItem{{ID: "a", Type: models.ItemTypePhoto, Status: models.StatusFailed}}}
	r := newRouter(engine, nil)

	rec := do(t, r, http.MethodGet, "/api/sync/items?status=failed&type=photo&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["data"], 1)
	assert.Equal(t, db.Filter{Status: models.StatusFailed, Type: models.ItemTypePhoto, Limit: 10}, engine.lastFilter)

	rec = do(t, r, http.MethodGet, "/api/sync/items?type=invoice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/sync/items?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListItemsEmptyIsArray(t *testing.T) {
	rec := do(t, newRouter(&fakeEngine{}, nil), http.MethodGet, "/api/sync/items", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[]}`, rec.Body.String())
}

func TestEnqueueItem(t *testing.T) {
	engine := &fakeEngine{}
	r := newRouter(engine, nil)

	priority := 1
	rec := do(t, r, http.MethodPost, "/api/sync/items", map[string]interface{}{
		"type":     "estimate",
		"action":   "update",
		"priority": priority,
		"data": map[string]interface{}{
			"estimate_id": "est-1",
			"version":     "v3",
			"diff":        map[string]interface{}{"total": 1200},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"data":{"id":"item-1"}}`, rec.Body.String())

	require.Len(t, engine.enqueued, 1)
	m := engine.enqueued[0]
	assert.Equal(t, models.ActionUpdate, m.Action)
	require.NotNil(t, m.Priority)
	assert.Equal(t, 1, *m.Priority)
	p, ok := m.Payload.(*models.EstimatePayload)
	require.True(t, ok)
	assert.Equal(t, "est-1", p.EstimateID)
	assert.Equal(t, "v3", p.Version)
}

func TestEnqueueItemRejectsBadRequests(t *testing.T) {
	r := newRouter(&fakeEngine{}, nil)

	tests := []struct {
		name string
		body interface{}
	}{
		{"malformed json", "{"},
		{"unknown type", map[string]interface{}{"type": "invoice", "action": "create", "data": map[string]string{}}},
		{"unknown action", map[string]interface{}{"type": "photo", "action": "upsert", "data": map[string]string{}}},
		{"missing data", map[string]interface{}{"type": "photo", "action": "create"}},
		{"negative priority", map[string]interface{}{"type": "photo", "action": "create", "priority": -1, "data": map[string]string{}}},
		{"data of wrong shape", map[string]interface{}{"type": "estimate", "action": "create", "data": []int{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, "/api/sync/items", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestEnqueueValidationFromQueue(t *testing.T) {
	engine := &fakeEngine{enqueueErr: apperrors.Validation("invalid mutation", errors.New("estimate diff is required"))}
	rec := do(t, newRouter(engine, nil), http.MethodPost, "/api/sync/items", map[string]interface{}{
		"type":   "estimate",
		"action": "create",
		"data":   map[string]string{"estimate_id": "est-1"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "invalid mutation")
}

func TestValidationErrorDetails(t *testing.T) {
	rec := do(t, newRouter(&fakeEngine{}, nil), http.MethodPost, "/api/sync/items", map[string]interface{}{"action": "create"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	errObj := decodeBody(t, rec)["error"].(map[string]interface{})
	assert.Equal(t, "validation error", errObj["message"])
	details, ok := errObj["details"].([]interface{})
	require.True(t, ok)
	fields := map[string]bool{}
	for _, d := range details {
		fields[d.(map[string]interface{})["field"].(string)] = true
	}
	assert.True(t, fields["Type"])
	assert.True(t, fields["Data"])
}

func TestRetryItem(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"retried", nil, http.StatusNoContent},
		{"unknown", apperrors.NotFound("queue item", "x"), http.StatusNotFound},
		{"in flight", queue.ErrItemInFlight, http.StatusConflict},
		{"raced", db.ErrStatusChanged, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{retryErr: tt.err}
			rec := do(t, newRouter(engine, nil), http.MethodPost, "/api/sync/items/abc/retry", nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, []string{"abc"}, engine.retried)
		})
	}
}

func TestRemoveItem(t *testing.T) {
	engine := &fakeEngine{}
	rec := do(t, newRouter(engine, nil), http.MethodDelete, "/api/sync/items/abc", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"abc"}, engine.removed)

	engine = &fakeEngine{removeErr: apperrors.NotFound("queue item", "abc")}
	rec = do(t, newRouter(engine, nil), http.MethodDelete, "/api/sync/items/abc", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "queue item not found", errorMessage(t, rec))
}

func TestListConflicts(t *testing.T) {
	engine := &fakeEngine{conflicts: []*models.ConflictRecord{{ID: "c1", Winner: models.SideRemote}}}
	r := newRouter(engine, nil)

	rec := do(t, r, http.MethodGet, "/api/sync/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["data"], 1)
	assert.Equal(t, defaultConflictLimit, engine.lastLimit)

	rec = do(t, r, http.MethodGet, "/api/sync/conflicts?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, engine.lastLimit)

	rec = do(t, r, http.MethodGet, "/api/sync/conflicts?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearErrors(t *testing.T) {
	engine := &fakeEngine{}
	rec := do(t, newRouter(engine, nil), http.MethodDelete, "/api/sync/errors", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, engine.cleared)
}

func TestEventsRouteRequiresHub(t *testing.T) {
	rec := do(t, newRouter(&fakeEngine{}, nil), http.MethodGet, "/api/sync/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
