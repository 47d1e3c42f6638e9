package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DroneLeaf/petal-app-manager/internal/config"
	"github.com/DroneLeaf/petal-app-manager/internal/health"
	"github.com/DroneLeaf/petal-app-manager/internal/logging"
	"github.com/DroneLeaf/petal-app-manager/internal/petal"
	"github.com/DroneLeaf/petal-app-manager/internal/proxy"
)

type fakeProxy struct {
	name   string
	status proxy.Status
}

func (f *fakeProxy) Name() string                    { return f.name }
func (f *fakeProxy) Start(ctx context.Context) error  { return nil }
func (f *fakeProxy) Stop(ctx context.Context) error   { return nil }
func (f *fakeProxy) Health() proxy.Health {
	status := f.status
	if status == "" {
		status = proxy.StatusHealthy
	}
	return proxy.Health{Status: status}
}

type fakePetal struct {
	meta petal.Metadata
}

func (f *fakePetal) Metadata() petal.Metadata                      { return f.meta }
func (f *fakePetal) Initialize(map[string]proxy.Proxy) error        { return nil }
func (f *fakePetal) Startup(ctx context.Context) error              { return nil }
func (f *fakePetal) AsyncStartup(ctx context.Context)               {}
func (f *fakePetal) Shutdown(ctx context.Context) error             { return nil }

func newTestServer(t *testing.T, appCfg *config.Config) (*Server, *proxy.Registry, *petal.Manager) {
	t.Helper()
	log := logging.NewManager(1000, logging.LevelDebug, nil)
	proxies := proxy.NewRegistry()
	proxies.Register(&fakeProxy{name: "mqtt"}, nil)
	proxies.Register(&fakeProxy{name: "redis"}, nil)

	petal.RegisterDirect("petal-flight-log", func() petal.Petal {
		return &fakePetal{meta: petal.Metadata{Name: "petal-flight-log", RequiredProxies: []string{"mqtt"}}}
	})
	petals := petal.NewManager(log, proxies, "petals")
	results := petals.InitializePetals([]string{"petal-flight-log"})
	require.True(t, results[0].Loaded)

	publisher := health.NewPublisher(proxies, petals, nil, log, 0)
	s := NewServer(Config{}, appCfg, nil, proxies, petals, publisher, log)
	return s, proxies, petals
}

func TestDisableProxyRejectedWhenRequiredByEnabledPetal(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	body, _ := json.Marshal(proxiesControlRequest{Proxies: []string{"mqtt"}, Action: actionOff})
	req := httptest.NewRequest(http.MethodPost, "/api/petal-proxies-control/proxies/control", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleProxiesBatchControl(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp batchControlResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Success)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "required by petals ['petal-flight-log']")
}

func TestDisableProxyAllowedOnceDependentPetalDisabled(t *testing.T) {
	s, _, petals := newTestServer(t, nil)
	require.NoError(t, petals.SetEnabled(context.Background(), "petal-flight-log", false))

	body, _ := json.Marshal(proxiesControlRequest{Proxies: []string{"mqtt"}, Action: actionOff})
	req := httptest.NewRequest(http.MethodPost, "/api/petal-proxies-control/proxies/control", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleProxiesBatchControl(rec, req)

	var resp batchControlResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "disabled", resp.Results["mqtt"])
}

func TestComponentsListIncludesReverseDependencies(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/petal-proxies-control/components/list", nil)
	rec := httptest.NewRecorder()
	s.handleComponentsList(rec, req)

	var rows []componentInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rows))

	var mqttRow *componentInfo
	for i := range rows {
		if rows[i].Name == "mqtt" {
			mqttRow = &rows[i]
		}
	}
	require.NotNil(t, mqttRow)
	assert.Equal(t, []string{"petal-flight-log"}, mqttRow.RequiredBy)
}

func TestPetalsBatchControlPartialSuccess(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	body, _ := json.Marshal(petalsControlRequest{Petals: []string{"petal-flight-log", "petal-missing"}, Action: actionOff})
	req := httptest.NewRequest(http.MethodPost, "/api/petal-proxies-control/petals/control", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handlePetalsBatchControl(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp batchControlResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "disabled", resp.Results["petal-flight-log"])
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "petal-missing")
}

func TestBatchControlPersistsEnabledSets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mavlink:\n  endpoint: udp:127.0.0.1:14550\n"), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	s, _, petals := newTestServer(t, cfg)
	require.NoError(t, petals.SetEnabled(context.Background(), "petal-flight-log", false))

	body, _ := json.Marshal(petalsControlRequest{Petals: []string{"petal-flight-log"}, Action: actionOn})
	req := httptest.NewRequest(http.MethodPost, "/api/petal-proxies-control/petals/control", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handlePetalsBatchControl(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	reloaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Contains(t, reloaded.EnabledPetals, "petal-flight-log")
}

func TestRestartStatusReflectsConfigDivergence(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/petal-proxies-control/restart-status", nil)
	rec := httptest.NewRecorder()
	s.handleRestartStatus(rec, req)

	var resp restartStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.RestartRequired)
	assert.False(t, resp.RestartPending)

	s.configDiverged.Store(true)
	rec2 := httptest.NewRecorder()
	s.handleRestartStatus(rec2, req)
	require.NoError(t, json.NewDecoder(rec2.Body).Decode(&resp))
	assert.True(t, resp.RestartRequired)
}
