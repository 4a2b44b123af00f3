package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"locker-coordinator/internal/log"
	"locker-coordinator/internal/model"
	"locker-coordinator/internal/testutil"
)

// mockSender is a mock implementation of the NotificationSender interface.
type mockSender struct {
	SendFunc func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// Send calls the mock SendFunc.
func (m *mockSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return m.SendFunc(payload, sub, options)
}

func response(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewBufferString(""))}
}

// A helper function to create a mock database connection.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func TestWorkerPool_PublishFiltersAndNeverBlocks(t *testing.T) {
	db, _ := newMockDB(t)
	wp := NewWorkerPool(1, db, &webpush.Options{}, log.NewNop())

	require.NoError(t, wp.Publish(context.Background(), model.AuditEvent{Kind: model.AuditLockerTransition}))
	assert.Len(t, wp.Jobs(), 0, "transitions are not alerts")

	capacity := cap(wp.Jobs())
	for i := 0; i < capacity+5; i++ {
		require.NoError(t, wp.Publish(context.Background(), model.AuditEvent{Kind: model.AuditKioskOffline, KioskID: "room-a"}))
	}
	assert.Len(t, wp.Jobs(), capacity)

	select {
	case ev := <-wp.Jobs():
		assert.Equal(t, model.AuditKioskOffline, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job to be dispatched")
	}
}

func TestWorkerPool_WorkerLogic(t *testing.T) {
	gormDB, mock := newMockDB(t)
	wp := NewWorkerPool(1, gormDB, &webpush.Options{}, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	wp.sender = &mockSender{
		SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
			defer wg.Done()
			assert.Equal(t, "https://example.com/push", sub.Endpoint)
			assert.Equal(t, "test_p256dh", sub.Keys.P256dh)

			var alert Alert
			assert.NoError(t, json.Unmarshal(payload, &alert))
			assert.Equal(t, "Locker 4 at room-a did not open", alert.Title)
			assert.Equal(t, "hardware timeout", alert.Body)
			return response(http.StatusCreated), nil
		},
	}

	mock.ExpectQuery(`SELECT \* FROM "push_subscriptions" WHERE NOT EXISTS .*subscription_kiosks.* OR EXISTS .*sk\.kiosk_id = \$1`).
		WithArgs("room-a").
		WillReturnRows(sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "created_at"}).
			AddRow("https://example.com/push", "test_p256dh", "test_auth", time.Now()))

	require.NoError(t, wp.Publish(ctx, model.AuditEvent{
		Kind:     model.AuditHardwareFailure,
		KioskID:  "room-a",
		LockerID: 4,
		Reason:   "hardware timeout",
	}))
	wg.Wait()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerPool_KioskFilterAndExpiredSubscriptions(t *testing.T) {
	db := testutil.NewDB(t)
	subs := []model.PushSubscription{
		{Endpoint: "https://push/all", P256DH: "k1", Auth: "a1", CreatedAt: time.Now()},
		{Endpoint: "https://push/room-a", P256DH: "k2", Auth: "a2", CreatedAt: time.Now(),
			Kiosks: []model.SubscriptionKiosk{{KioskID: "room-a"}, {KioskID: "room-c"}}},
		{Endpoint: "https://push/room-b", P256DH: "k3", Auth: "a3", CreatedAt: time.Now(),
			Kiosks: []model.SubscriptionKiosk{{KioskID: "room-b"}}},
	}
	require.NoError(t, db.Create(&subs).Error)

	wp := NewWorkerPool(1, db, &webpush.Options{}, log.NewNop())
	var sent []string
	wp.sender = &mockSender{
		SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
			sent = append(sent, sub.Endpoint)
			if sub.Endpoint == "https://push/room-a" {
				return response(http.StatusGone), nil
			}
			return response(http.StatusCreated), nil
		},
	}

	wp.sendAlerts(context.Background(), model.AuditEvent{Kind: model.AuditKioskOffline, KioskID: "room-a"})

	sort.Strings(sent)
	assert.Equal(t, []string{"https://push/all", "https://push/room-a"}, sent)

	var left []string
	require.NoError(t, db.Model(&model.PushSubscription{}).Order("endpoint").Pluck("endpoint", &left).Error)
	assert.Equal(t, []string{"https://push/all", "https://push/room-b"}, left)

	var filters int64
	require.NoError(t, db.Model(&model.SubscriptionKiosk{}).Where("endpoint = ?", "https://push/room-a").Count(&filters).Error)
	assert.Zero(t, filters, "filters of an expired subscription are removed with it")
}

func TestNewAlert(t *testing.T) {
	testCases := []struct {
		ev    model.AuditEvent
		title string
		body  string
	}{
		{
			ev:    model.AuditEvent{Kind: model.AuditKioskOffline, KioskID: "room-a"},
			title: "Kiosk room-a offline",
			body:  "No heartbeat received. Queued commands wait until it is back.",
		},
		{
			ev:    model.AuditEvent{Kind: model.AuditKioskOnline, KioskID: "room-a"},
			title: "Kiosk room-a back online",
			body:  "Heartbeats resumed.",
		},
		{
			ev:    model.AuditEvent{Kind: model.AuditCommandFailed, KioskID: "room-b", CommandID: "c-1", Detail: "bulk_open", Reason: "1 of 3 lockers did not open"},
			title: "Command failed at room-b",
			body:  "bulk_open c-1: 1 of 3 lockers did not open",
		},
	}

	for _, tc := range testCases {
		t.Run(string(tc.ev.Kind), func(t *testing.T) {
			a := NewAlert(tc.ev)
			assert.Equal(t, tc.title, a.Title)
			assert.Equal(t, tc.body, a.Body)
			assert.Equal(t, tc.ev.KioskID, a.KioskID)
		})
	}
}
