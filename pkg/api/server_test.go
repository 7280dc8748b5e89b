package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mousehunter/crawler/pkg/broker"
	"github.com/mousehunter/crawler/pkg/config"
	"github.com/mousehunter/crawler/pkg/handler"
	"github.com/mousehunter/crawler/pkg/injector"
	"github.com/mousehunter/crawler/pkg/types"
	"github.com/mousehunter/crawler/pkg/worker"
)

func newTestServer(t *testing.T) (*Server, *broker.Gateway) {
	t.Helper()
	mr := miniredis.RunT(t)
	gw := broker.NewGateway(config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { _ = gw.Close() })

	cfg := config.Default()
	cfg.Worker.WorkerID = "w-api"
	cfg.Injector.EnableProxyInjection = false
	cfg.Injector.EnableCredentialInject = false

	inj := injector.NewService(cfg.Injector, gw, nil)
	t.Cleanup(inj.Stop)

	consumer := worker.NewConsumer(cfg.Worker, gw, inj, handler.NewRegistry(), nil)
	t.Cleanup(consumer.Stop)

	return NewServer(cfg, consumer, gw, inj), gw
}

func TestStatsEndpoint(t *testing.T) {
	s, gw := newTestServer(t)

	task := &types.Task{TaskID: "T1", TaskType: types.TaskType1mRealtime, Market: types.MarketCN, Priority: types.PriorityHigh}
	require.NoError(t, gw.Enqueue(context.Background(), task, 0))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "w-api", resp.WorkerID)
	assert.EqualValues(t, 1, resp.QueueDepths["crawler_tasks:HIGH"])
	assert.EqualValues(t, 0, resp.QueueDepths["crawler_tasks:LOW"])
	assert.Equal(t, 0, resp.ActiveTasks)
}

func TestActiveTasksEndpointEmpty(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/active", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestTaskStatusEndpoint(t *testing.T) {
	s, gw := newTestServer(t)

	require.NoError(t, gw.UpdateTaskStatus(context.Background(), "T2", types.StatusRunning, map[string]string{"worker_id": "w-api"}))
	require.NoError(t, gw.UpdateTaskStatus(context.Background(), "T2", types.StatusSuccess, nil))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/T2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var events []types.StatusEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, types.StatusRunning, events[0].Status)
	assert.Equal(t, types.StatusSuccess, events[1].Status)
	assert.WithinDuration(t, time.Now(), events[1].TS, time.Minute)
}

func TestTaskStatusUnknownTask(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "crawler_")
}
