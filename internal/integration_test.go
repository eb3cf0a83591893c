package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"attendance-sync-backend/config"
	"attendance-sync-backend/internal/db"
	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/poller"
	"attendance-sync-backend/internal/reconcile"
	"attendance-sync-backend/internal/store"
	"attendance-sync-backend/internal/upstream"
)

// TestPunchIngestionLifecycle drives the full pipeline against a fake
// terminal API: a regular poll stages raw punches, an auto-stitch pass
// reconciles them into one attendance record, and repeated passes change
// nothing.
func TestPunchIngestionLifecycle(t *testing.T) {
	// 1. In-memory SQLite in place of Postgres.
	testDB, err := gorm.Open(sqlite.Open("file:lifecycle?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, _ := testDB.DB()
	defer sqlDB.Close()
	require.NoError(t, db.Migrate(testDB))

	// 2. Fake terminal API. The first poll serves a morning check-in and an
	// evening check-out with noisy duplicates; later polls serve nothing new.
	// Punches land on yesterday so they sit inside the duplicate-hunt and
	// gap-detection windows regardless of when the test runs.
	day := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	punches := []map[string]any{
		{"id": 1001, "emp_code": "E7", "punch_time": day + " 08:58:00", "punch_state": 0, "terminal_alias": "Lobby Terminal"},
		{"id": 1002, "emp_code": "E7", "punch_time": day + " 09:01:00", "punch_state": 0, "terminal_alias": "Lobby Terminal"},
		{"id": 1003, "emp_code": "E7", "punch_time": day + " 17:30:00", "punch_state": 1, "terminal_alias": "Lobby Terminal"},
		{"id": 1004, "emp_code": "E7", "punch_time": day + " 17:31:00", "punch_state": 1, "terminal_alias": "Lobby Terminal"},
		{"id": 1005, "emp_code": "E7", "punch_time": day + " 12:15:00", "punch_state": 0, "terminal_alias": "Server Room Door Lock"},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jwt-api-token-auth/":
			json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
		case "/iclock/api/transactions/":
			json.NewEncoder(w).Encode(map[string]any{"count": len(punches), "data": punches})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	// 3. Wire the service exactly as main does.
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Upstream.BaseURL = server.URL
	cfg.Upstream.Username = "sync"
	cfg.Upstream.Password = "secret"

	appStore := store.NewGormStore(testDB)
	client, err := upstream.NewClient(&cfg.Upstream)
	require.NoError(t, err)
	engine := reconcile.NewEngine(appStore, &cfg.Reconcile, client.Location())
	svc := poller.NewService(cfg, appStore, client, engine)

	ctx := context.Background()

	t.Run("Regular poll stages raw punches", func(t *testing.T) {
		svc.RegularTick(ctx)

		var staged int64
		require.NoError(t, testDB.Model(&model.RawPunchEvent{}).Count(&staged).Error)
		assert.Equal(t, int64(5), staged)

		maxID, err := appStore.MaxExternalID(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1005), maxID)
	})

	t.Run("Auto-stitch reconciles one record per employee-day", func(t *testing.T) {
		svc.AutoStitchTick(ctx)

		records, err := appStore.AttendanceForEmployee(ctx, "E7", "", "")
		require.NoError(t, err)
		require.Len(t, records, 1)

		rec := records[0]
		assert.Equal(t, day, rec.Date)
		assert.Equal(t, model.StatusPresent, rec.Status)
		require.NotNil(t, rec.CheckIn)
		require.NotNil(t, rec.CheckOut)
		assert.Equal(t, "08:58", rec.CheckIn.UTC().Format("15:04"), "first check-in wins")
		assert.Equal(t, "17:31", rec.CheckOut.UTC().Format("15:04"), "last check-out wins")
		assert.Equal(t, int64(1001), rec.SourceExternalID)

		// The door-lock punch went to the access sink, not attendance.
		var accessCount int64
		require.NoError(t, testDB.Model(&model.AccessEvent{}).Count(&accessCount).Error)
		assert.Equal(t, int64(1), accessCount)

		unprocessed, err := appStore.UnprocessedEvents(ctx)
		require.NoError(t, err)
		assert.Empty(t, unprocessed)
	})

	t.Run("Repeated passes are idempotent", func(t *testing.T) {
		svc.RegularTick(ctx)
		svc.AutoStitchTick(ctx)

		var staged int64
		require.NoError(t, testDB.Model(&model.RawPunchEvent{}).Count(&staged).Error)
		assert.Equal(t, int64(5), staged, "no duplicates staged above the high-water mark")

		records, err := appStore.AttendanceForEmployee(ctx, "E7", "", "")
		require.NoError(t, err)
		assert.Len(t, records, 1, "reconciling twice never yields a second record")
	})

	t.Run("Duplicate hunt keeps the lowest-id record", func(t *testing.T) {
		// Plant a duplicate the way a historical bug would have: a second
		// record claiming the same source punch on a different day.
		dup := model.AttendanceRecord{
			EmployeeCode:     "E7",
			Date:             time.Now().UTC().Format("2006-01-02"),
			Status:           model.StatusPresent,
			SourceExternalID: 1001,
		}
		require.NoError(t, testDB.Create(&dup).Error)

		svc.AutoStitchTick(ctx)

		var ids []int64
		require.NoError(t, testDB.Model(&model.AttendanceRecord{}).
			Where("source_external_id = ?", 1001).
			Order("id ASC").
			Pluck("id", &ids).Error)
		require.Len(t, ids, 1, "exactly the lowest-id record survives the hunt")
	})
}

// TestMalformedEventsAreDiscarded verifies that a record missing its employee
// code is dropped at the ingestion boundary while the rest of the batch lands.
func TestMalformedEventsAreDiscarded(t *testing.T) {
	testDB, err := gorm.Open(sqlite.Open("file:malformed?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, _ := testDB.DB()
	defer sqlDB.Close()
	require.NoError(t, db.Migrate(testDB))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jwt-api-token-auth/":
			json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
		case "/iclock/api/transactions/":
			fmt.Fprint(w, `{"count":3,"data":[
				{"id":1,"emp_code":"","punch_time":"2026-08-28 09:00:00","punch_state":0},
				{"id":2,"emp_code":"E1","punch_time":"garbage","punch_state":0},
				{"id":3,"emp_code":"E1","punch_time":"2026-08-28 09:00:00","punch_state":0}
			]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Upstream.BaseURL = server.URL
	cfg.Upstream.Username = "sync"
	cfg.Upstream.Password = "secret"

	appStore := store.NewGormStore(testDB)
	client, err := upstream.NewClient(&cfg.Upstream)
	require.NoError(t, err)
	engine := reconcile.NewEngine(appStore, &cfg.Reconcile, client.Location())
	svc := poller.NewService(cfg, appStore, client, engine)

	svc.RegularTick(context.Background())

	var staged []model.RawPunchEvent
	require.NoError(t, testDB.Find(&staged).Error)
	require.Len(t, staged, 1)
	assert.Equal(t, int64(3), staged[0].ExternalID)
}
