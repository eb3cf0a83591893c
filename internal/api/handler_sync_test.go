package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"attendance-sync-backend/config"
	"attendance-sync-backend/internal/model"
	"attendance-sync-backend/internal/poller"
	"attendance-sync-backend/internal/reconcile"
	"attendance-sync-backend/internal/store"
	"attendance-sync-backend/internal/upstream"
)

// TestStartSync_PollersOutliveTheRequest drives the start through a real HTTP
// server so the request context is cancelled the moment the handler returns,
// exactly as net/http does in production. The pollers must keep hitting the
// upstream after that.
func TestStartSync_PollersOutliveTheRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var upstreamHits atomic.Int64
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jwt-api-token-auth/":
			json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
		case "/iclock/api/transactions/":
			upstreamHits.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"count": 0, "data": []any{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(fake.Close)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.RawPunchEvent{}, &model.AttendanceRecord{}, &model.AccessEvent{}))

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Upstream.BaseURL = fake.URL
	cfg.Upstream.Username = "sync"
	cfg.Upstream.Password = "secret"
	cfg.Poller.RegularInterval = 20 * time.Millisecond
	cfg.Poller.AutoStitchInterval = 20 * time.Millisecond

	appStore := store.NewGormStore(db)
	client, err := upstream.NewClient(&cfg.Upstream)
	require.NoError(t, err)
	engine := reconcile.NewEngine(appStore, &cfg.Reconcile, client.Location())
	svc := poller.NewService(cfg, appStore, client, engine)
	t.Cleanup(svc.Stop)

	control := httptest.NewServer(NewRouter(&cfg.Server, appStore, svc))
	t.Cleanup(control.Close)

	resp, err := http.Post(control.URL+"/api/sync/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The start request is over; its context is cancelled. Ticks must still
	// reach the upstream.
	require.Eventually(t, func() bool { return upstreamHits.Load() >= 2 }, 2*time.Second, 10*time.Millisecond,
		"polling stopped once the start request finished")

	resp, err = http.Get(control.URL + "/api/sync/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st poller.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.IsRunning)
	assert.Equal(t, poller.HealthHealthy, st.Pollers.Regular.Health)
}
