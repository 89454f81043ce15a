package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rai/clean-txpropagation-go/internal/platform/config"
	"github.com/rai/clean-txpropagation-go/internal/scenarios"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("TX_RESOURCE_DRIVER", "")

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestList(t *testing.T) {
	out, err := execute(t, "list")
	require.NoError(t, err)
	for _, s := range scenarios.Catalogue() {
		assert.Contains(t, out, s.Name)
	}
}

func TestRun_JSON(t *testing.T) {
	out, err := execute(t, "run", "--driver", "memory", "--json", "commit", "inner_rollback")
	require.NoError(t, err)

	var reports []scenarios.Report
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 2)
	assert.Equal(t, "commit", reports[0].Scenario)
	assert.Equal(t, "inner_rollback", reports[1].Scenario)
	for _, r := range reports {
		assert.True(t, r.Passed(), r.Error)
	}
}

func TestRun_AllParallel(t *testing.T) {
	out, err := execute(t, "run", "--parallel", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "SCENARIO")
	assert.Contains(t, out, "concurrent_isolation")
	assert.NotContains(t, out, string(scenarios.OutcomeFailed))
}

func TestRun_UnknownScenario(t *testing.T) {
	_, err := execute(t, "run", "triple_commit")
	require.ErrorIs(t, err, scenarios.ErrUnknownScenario)
}

func TestRun_InvalidDriver(t *testing.T) {
	_, err := execute(t, "run", "--driver", "mongodb")
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRun_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txdemo.toml")
	require.NoError(t, os.WriteFile(path, []byte("[resource]\ndriver = \"memory\"\n\n[telemetry]\nenabled = true\nservice_name = \"txdemo-test\"\n"), 0o600))

	_, err := execute(t, "run", "--config", path, "commit")
	require.NoError(t, err)
}

func TestRouter(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("TX_RESOURCE_DRIVER", "")
	path := filepath.Join(t.TempDir(), "txdemo.toml")
	require.NoError(t, os.WriteFile(path, []byte("[telemetry]\nenabled = true\n"), 0o600))

	ctx := context.Background()
	a, err := newApp(ctx, &rootOptions{configPath: path, driver: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	handler, err := a.router()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/scenarios/commit", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/transactions/stats")
	require.NoError(t, err)
	var counts map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&counts))
	resp.Body.Close()
	assert.Equal(t, 1, counts["committed"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tx_begin")
}
