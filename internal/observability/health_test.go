package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"PoolLedger/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readiness struct {
	Status    string            `json:"status"`
	Recovered bool              `json:"recovered"`
	Checks    map[string]string `json:"checks"`
}

func readyz(t *testing.T, h *observability.HealthChecker) (int, readiness) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body readiness
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestReadinessWaitsForRecovery(t *testing.T) {
	h := observability.NewHealthChecker()

	code, body := readyz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body.Status)
	assert.False(t, body.Recovered)

	h.SetReady(true)
	code, body = readyz(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body.Status)
	assert.Empty(t, body.Checks)
}

func TestReadinessReflectsDependencies(t *testing.T) {
	h := observability.NewHealthChecker()
	h.SetReady(true)

	var natsDown atomic.Bool
	h.Register("postgres", func(ctx context.Context) error { return nil })
	h.Register("nats", func(ctx context.Context) error {
		if natsDown.Load() {
			return errors.New("nats connection RECONNECTING")
		}
		return nil
	})

	code, body := readyz(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]string{"postgres": "ok", "nats": "ok"}, body.Checks)
	assert.True(t, h.IsReady(context.Background()))

	natsDown.Store(true)
	code, body = readyz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body.Status)
	assert.True(t, body.Recovered)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Equal(t, "nats connection RECONNECTING", body.Checks["nats"])
	assert.False(t, h.IsReady(context.Background()))

	natsDown.Store(false)
	code, _ = readyz(t, h)
	assert.Equal(t, http.StatusOK, code)
}

func TestLivenessIgnoresDependencies(t *testing.T) {
	h := observability.NewHealthChecker()
	h.Register("postgres", func(ctx context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"alive"`)
}
