package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locker-coordinator/internal/events"
	"locker-coordinator/internal/liveness"
	"locker-coordinator/internal/locker"
	"locker-coordinator/internal/log"
	"locker-coordinator/internal/model"
	"locker-coordinator/internal/queue"
	"locker-coordinator/internal/testutil"
)

type testEnv struct {
	router   *gin.Engine
	services Services
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	nop := log.NewNop()
	audit := events.NewRecorder(db, nop)
	s := Services{
		DB:       db,
		Lockers:  locker.NewStore(db, audit, nop),
		Queue:    queue.NewStore(db, audit, nop),
		Registry: liveness.NewRegistry(db, audit, 30*time.Second, nop),
		Audit:    audit,
	}
	opts := &webpush.Options{VAPIDPublicKey: "test-public-key"}
	return &testEnv{router: NewRouter(s, opts, nop), services: s}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			_ = json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestStatusOf(t *testing.T) {
	testCases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", queue.ErrInvalidPayload), http.StatusBadRequest},
		{fmt.Errorf("%w: x", locker.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", queue.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", liveness.ErrNotFound), http.StatusNotFound},
		{&queue.DuplicateCommandError{KioskID: "a", LockerID: 1}, http.StatusConflict},
		{&locker.TransitionError{From: model.LockerOwned, Event: locker.EventReserve}, http.StatusConflict},
		{&locker.ConflictError{Expected: 1, Actual: 2}, http.StatusConflict},
		{locker.ErrOwnershipConflict, http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.want, statusOf(tc.err))
		})
	}
}

func TestEnqueueAndGetCommand(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/commands", `{"kiosk_id":"room-a","type":"open_locker","payload":{"locker_id":5,"staff_user":"a"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := decode[map[string]string](t, w)["command_id"]
	require.NotEmpty(t, id)

	w = env.do(http.MethodGet, "/api/commands/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[queue.View](t, w)
	assert.Equal(t, model.CommandPending, view.Status)
	assert.JSONEq(t, `{"locker_id":5,"staff_user":"a"}`, string(view.Payload))

	w = env.do(http.MethodPost, "/api/commands", `{"kiosk_id":"room-a","type":"open_locker","payload":{"locker_id":5}}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, id, decode[map[string]any](t, w)["command_id"])

	w = env.do(http.MethodPost, "/api/commands", `{"kiosk_id":"room-a","type":"open_locker","payload":{"locker_id":0}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/api/commands/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBulkOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.services.Lockers.Provision(ctx, "room-a", []int{1, 2, 3}, locker.ProvisionOptions{})
	require.NoError(t, err)
	require.NoError(t, env.services.Registry.Heartbeat(ctx, "room-a", liveness.Metadata{}))
	require.NoError(t, env.services.Registry.Provision(ctx, "room-b", "womens"))

	w := env.do(http.MethodPost, "/api/bulk-open", map[string]any{
		"kiosk_ids":    []string{"room-a", "room-b"},
		"staff_user":   "ops",
		"interval_ms":  200,
		"skip_offline": true,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[bulkOpenResponse](t, w)
	assert.Equal(t, []string{"room-b"}, resp.Skipped)
	require.Contains(t, resp.Commands, "room-a")

	cmd, err := env.services.Queue.Get(ctx, resp.Commands["room-a"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"locker_ids":[1,2,3],"staff_user":"ops","interval_ms":200}`, cmd.Payload)

	// Offline kiosks stay valid targets unless skipped.
	w = env.do(http.MethodPost, "/api/bulk-open", map[string]any{
		"kiosk_ids": []string{"room-b"},
		"lockers":   "1-2",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, decode[bulkOpenResponse](t, w).Commands, "room-b")

	w = env.do(http.MethodPost, "/api/bulk-open", map[string]any{"kiosk_ids": []string{"room-a"}})
	assert.Equal(t, http.StatusConflict, w.Code, "lockers already targeted by the first bulk open")

	w = env.do(http.MethodPost, "/api/bulk-open", map[string]any{"kiosk_ids": []string{"room-a"}, "lockers": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLockerEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/kiosks/room-a/lockers", `{"locker_ids":"1-4"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, float64(4), decode[map[string]any](t, w)["created"])

	w = env.do(http.MethodPost, "/api/kiosks/room-a/lockers", `{"locker_ids":"4-5","vip":true,"contract_ref":"C-9"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["created"], "existing lockers are kept")

	w = env.do(http.MethodGet, "/api/kiosks/room-a/lockers/5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	l := decode[model.Locker](t, w)
	assert.True(t, l.IsVIP)
	assert.Equal(t, model.LockerFree, l.Status)

	w = env.do(http.MethodGet, "/api/lockers?kiosk_id=room-a&vip=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]model.Locker](t, w)["lockers"], 1)

	w = env.do(http.MethodGet, "/api/lockers?status=broken", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/api/kiosks/room-a/lockers/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/api/kiosks/room-a/lockers/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, err := env.services.Lockers.Assign(context.Background(), "room-a", 2, model.OwnerRFID, "card-1", 0)
	require.NoError(t, err)
	w = env.do(http.MethodDelete, "/api/kiosks/room-a/lockers", `{"locker_ids":"1-3"}`)
	assert.Equal(t, http.StatusConflict, w.Code, "reserved lockers cannot be deprovisioned")

	w = env.do(http.MethodDelete, "/api/kiosks/room-a/lockers", `{"locker_ids":"3,5"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode[map[string]any](t, w)["removed"])
}

func TestKioskDeliveryProtocol(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, err := env.services.Queue.Enqueue(ctx, queue.Request{
		KioskID: "room-a",
		Type:    model.CommandBlockLocker,
		Payload: json.RawMessage(`{"locker_id":2,"staff_user":"ops"}`),
	})
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/api/kiosks/room-a/heartbeat", `{"zone":"mens","version":"1.0"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(http.MethodGet, "/api/kiosks/room-a/commands", nil)
	require.Equal(t, http.StatusOK, w.Code)
	polled := decode[map[string][]queue.View](t, w)["commands"]
	require.Len(t, polled, 1)
	assert.Equal(t, id, polled[0].ID)

	w = env.do(http.MethodPost, "/api/kiosks/room-b/commands/"+id+"/start", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "commands are claimed only by their kiosk")

	w = env.do(http.MethodPost, "/api/kiosks/room-a/commands/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]bool{"claimed": true}, decode[map[string]bool](t, w))

	w = env.do(http.MethodPost, "/api/kiosks/room-a/commands/"+id+"/start", nil)
	assert.Equal(t, map[string]bool{"claimed": false}, decode[map[string]bool](t, w))

	w = env.do(http.MethodPost, "/api/kiosks/room-a/commands/"+id+"/attempt", `{"error":"hardware timeout"}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(http.MethodPost, "/api/kiosks/room-a/commands/"+id+"/complete", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	cmd, err := env.services.Queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CommandCompleted, cmd.Status)
	assert.Equal(t, 2, cmd.Attempts)

	w = env.do(http.MethodGet, "/api/kiosks/room-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	k := decode[liveness.Kiosk](t, w)
	assert.Equal(t, liveness.StatusOnline, k.Status)
	assert.Equal(t, "mens", k.Zone)

	w = env.do(http.MethodGet, "/api/kiosks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]liveness.Kiosk](t, w)["kiosks"], 1)

	w = env.do(http.MethodGet, "/api/kiosks/room-z", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRestartClearsQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, err := env.services.Queue.Enqueue(ctx, queue.Request{
		KioskID: "room-a",
		Type:    model.CommandOpenLocker,
		Payload: json.RawMessage(`{"locker_id":1}`),
	})
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/api/kiosks/room-a/restart", `{"zone":"mens","version":"1.1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, map[string]int{"cleared": 1}, decode[map[string]int](t, w))

	cmd, err := env.services.Queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CommandFailed, cmd.Status)

	w = env.do(http.MethodGet, "/api/audit?kiosk_id=room-a&kind=kiosk_restart", nil)
	require.Equal(t, http.StatusOK, w.Code)
	evs := decode[map[string][]model.AuditEvent](t, w)["events"]
	require.Len(t, evs, 1)
	assert.Equal(t, id, evs[0].Detail)

	w = env.do(http.MethodGet, "/api/audit?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsAndVAPID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w = env.do(http.MethodGet, "/api/vapid_public_key", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"public_key":"test-public-key"}`, w.Body.String())
}
