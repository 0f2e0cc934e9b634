package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/aristath/deployer/internal/config"
	"github.com/aristath/deployer/internal/cursor"
	"github.com/aristath/deployer/internal/deployment"
	"github.com/aristath/deployer/internal/events"
	"github.com/aristath/deployer/internal/history"
	"github.com/aristath/deployer/internal/pipeline"
	"github.com/aristath/deployer/internal/scheduler"
	"github.com/aristath/deployer/internal/target"
	testingutil "github.com/aristath/deployer/internal/testing"
	"github.com/aristath/deployer/internal/work"
)

type noop struct{}

func (noop) Execute(context.Context, pipeline.Input) (*deployment.ChangeSet, error) {
	return nil, nil
}

func (noop) SupportsMode(deployment.Mode) bool { return true }

func (noop) Destroy() error { return nil }

type fixture struct {
	srv     *Server
	http    *httptest.Server
	targets *target.Service
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zerolog.Nop()

	registry := pipeline.NewRegistry()
	registry.Register(&pipeline.Definition{
		Name:  "noop",
		Phase: pipeline.PhaseMain,
		Factory: func(pipeline.BuildContext, config.ProcessorConfig) (pipeline.Processor, error) {
			return noop{}, nil
		},
	})

	store, err := cursor.NewFileStore(t.TempDir(), log)
	require.NoError(t, err)

	executor := work.NewExecutor(4, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = executor.Shutdown(ctx)
	})

	db := testingutil.NewTestDB(t)
	repo := history.NewRepository(db.Conn(), log)
	bus := events.NewBus(log)

	targets := target.NewService(t.TempDir(), t.TempDir(), target.Deps{
		Registry:  registry,
		Executor:  executor,
		Scheduler: scheduler.New(log),
		Cursor:    store,
		History:   repo,
		Events:    bus,
		Log:       log,
	})
	t.Cleanup(targets.Close)

	srv := New(Config{
		Log:     log,
		Targets: targets,
		History: repo,
		Events:  bus,
		DB:      db,
		DataDir: t.TempDir(),
		DevMode: true,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{srv: srv, http: ts, targets: targets, bus: bus}
}

func (f *fixture) addTarget(t *testing.T, env, processor string) *target.Target {
	t.Helper()
	tgt, err := f.targets.CreateTarget(config.TargetConfig{
		Env:           env,
		SiteName:      "foo",
		LocalRepoPath: t.TempDir(),
		Deployment: config.DeploymentSection{
			Pipeline: []config.ProcessorConfig{
				{config.KeyProcessorName: processor, config.KeyAlwaysRun: true},
			},
		},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s := tgt.Status()
		return s == target.StatusInitCompleted || s == target.StatusInitFailed
	}, 5*time.Second, 5*time.Millisecond)
	return tgt
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	return resp.StatusCode, raw
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"healthy"`)
}

func TestTargetRoutes_GetAndList(t *testing.T) {
	f := newFixture(t)
	f.addTarget(t, "test", "noop")
	f.addTarget(t, "prod", "noop")

	status, body := f.do(t, http.MethodGet, "/api/1/target/get-all", "")
	require.Equal(t, http.StatusOK, status)
	var all []target.Record
	require.NoError(t, json.Unmarshal(body, &all))
	require.Len(t, all, 2)
	assert.Equal(t, "foo-prod", all[0].ID)

	status, body = f.do(t, http.MethodGet, "/api/1/target/get/test/foo", "")
	require.Equal(t, http.StatusOK, status)
	var one target.Record
	require.NoError(t, json.Unmarshal(body, &one))
	assert.Equal(t, "foo-test", one.ID)
	assert.Equal(t, target.StatusInitCompleted, one.Status)

	status, body = f.do(t, http.MethodGet, "/api/1/target/get/test/nope", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(body), "target not found")
}

func TestTargetRoutes_Deploy(t *testing.T) {
	f := newFixture(t)
	f.addTarget(t, "test", "noop")

	status, body := f.do(t, http.MethodPost, "/api/1/target/deploy/test/foo?wait=true", `{"custom":"value"}`)
	require.Equal(t, http.StatusOK, status)
	var rec deployment.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, deployment.StatusSuccess, rec.Status)
	assert.Equal(t, deployment.ModePublish, rec.Mode)
	assert.False(t, rec.Running)
	require.Len(t, rec.ProcessorExecutions, 1)

	status, body = f.do(t, http.MethodPost, "/api/1/target/deploy/test/foo", "")
	assert.Equal(t, http.StatusAccepted, status)
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.NotEmpty(t, rec.ID)
}

func TestTargetRoutes_DeployErrors(t *testing.T) {
	f := newFixture(t)
	f.addTarget(t, "test", "noop")
	f.addTarget(t, "broken", "missing")

	testCases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown target", "/api/1/target/deploy/test/nope", "", http.StatusNotFound},
		{"not ready", "/api/1/target/deploy/broken/foo", "", http.StatusConflict},
		{"invalid json", "/api/1/target/deploy/test/foo", "{nope", http.StatusBadRequest},
		{"unknown mode", "/api/1/target/deploy/test/foo", `{"deployment_mode":"BOGUS"}`, http.StatusBadRequest},
		{"invalid wait", "/api/1/target/deploy/test/foo?wait=maybe", "", http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := f.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, status)
			assert.Contains(t, string(body), `"error"`)
		})
	}
}

func TestTargetRoutes_DeployAll(t *testing.T) {
	f := newFixture(t)
	f.addTarget(t, "test", "noop")
	f.addTarget(t, "broken", "missing")

	status, body := f.do(t, http.MethodPost, "/api/1/target/deploy-all?wait=true", "")
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		Deployments []deployment.Record `json:"deployments"`
		Errors      []string            `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Deployments, 1)
	assert.Equal(t, "foo-test", resp.Deployments[0].Target.ID)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "foo-broken")
}

func TestTargetRoutes_Deployments(t *testing.T) {
	f := newFixture(t)
	f.addTarget(t, "test", "noop")

	for i := 0; i < 3; i++ {
		status, _ := f.do(t, http.MethodPost, "/api/1/target/deploy/test/foo?wait=true", "")
		require.Equal(t, http.StatusOK, status)
	}

	status, body := f.do(t, http.MethodGet, "/api/1/target/deployments/get-all/test/foo", "")
	require.Equal(t, http.StatusOK, status)
	var records []deployment.Record
	require.NoError(t, json.Unmarshal(body, &records))
	assert.Len(t, records, 3)

	status, body = f.do(t, http.MethodGet, "/api/1/target/deployments/get-all/test/foo?limit=2", "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &records))
	assert.Len(t, records, 2)

	status, _ = f.do(t, http.MethodGet, "/api/1/target/deployments/get-all/test/foo?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodGet, "/api/1/target/deployments/stats/test/foo", "")
	require.Equal(t, http.StatusOK, status)
	var stats history.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.ByStatus[deployment.StatusSuccess])

	status, body = f.do(t, http.MethodGet, "/api/1/target/deployments/get-current/test/foo", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "null", string(body))

	status, body = f.do(t, http.MethodGet, "/api/1/target/deployments/get-pending/test/foo", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "[]", string(body))
}

func TestTargetRoutes_Delete(t *testing.T) {
	f := newFixture(t)
	tgt := f.addTarget(t, "test", "noop")

	status, _ := f.do(t, http.MethodPost, "/api/1/target/delete/test/foo", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, target.StatusDeleted, tgt.Status())

	status, _ = f.do(t, http.MethodGet, "/api/1/target/get/test/foo", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodPost, "/api/1/target/delete/test/foo", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSystemStatus(t *testing.T) {
	f := newFixture(t)
	f.addTarget(t, "test", "noop")
	f.addTarget(t, "broken", "missing")

	status, body := f.do(t, http.MethodGet, "/api/1/system/status", "")
	require.Equal(t, http.StatusOK, status)

	var resp SystemStatusResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 2, resp.Targets)
	assert.Equal(t, 1, resp.TargetsByStatus[target.StatusInitCompleted])
	assert.Equal(t, 1, resp.TargetsByStatus[target.StatusInitFailed])
	require.NotNil(t, resp.DatabaseReachable)
	assert.True(t, *resp.DatabaseReachable)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/1/events/ws?types=" + string(events.TargetDeleted)
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() map[string]interface{} {
		typ, data, err := conn.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, websocket.MessageText, typ)
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	assert.Equal(t, "connected", read()["type"])
	require.Eventually(t, func() bool { return f.bus.SubscriberCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	ref := deployment.TargetRef{ID: "foo-test", Env: "test", SiteName: "foo"}
	f.bus.Emit("test", &events.TargetCreatedData{Target: ref})
	f.bus.Emit("test", &events.TargetDeletedData{Target: ref})

	msg := read()
	assert.Equal(t, string(events.TargetDeleted), msg["type"], "filtered types are not streamed")
	assert.Equal(t, "test", msg["module"])
	data, ok := msg["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "foo-test", data["target"].(map[string]interface{})["id"])
}

func TestEventsStream_UnsubscribesOnClose(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/1/events/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.bus.SubscriberCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return f.bus.SubscriberCount() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestStatusMonitor_EmitsOnChange(t *testing.T) {
	f := newFixture(t)

	var got []*events.SystemStatusData
	f.bus.Subscribe(func(e *events.Event) {
		got = append(got, e.Data.(*events.SystemStatusData))
	}, events.SystemStatusChanged)

	m := NewStatusMonitor(f.bus, f.targets, zerolog.Nop())
	assert.True(t, m.check(), "first summary is always emitted")
	assert.False(t, m.check(), "unchanged summary")

	f.addTarget(t, "test", "noop")
	assert.True(t, m.check())

	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Targets)
	assert.Equal(t, 1, got[1].Targets)
	assert.Equal(t, 1, got[1].ByStatus[string(target.StatusInitCompleted)])
}
