package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packrun/coordinator/internal/budget"
	"github.com/packrun/coordinator/internal/config"
	"github.com/packrun/coordinator/internal/money"
	"github.com/packrun/coordinator/internal/queue"
	"github.com/packrun/coordinator/internal/runstore"
	"github.com/packrun/coordinator/internal/submission"
)

func testConfig() config.Config {
	return config.Config{
		SweepPeriod:            time.Second,
		TStuck:                 10 * time.Second,
		LeaseTTL:               20 * time.Second,
		TRes:                   5 * time.Minute,
		IOTimeout:              time.Millisecond,
		SoftLimitDefaultMicros: money.Micros(-2_000_000),
	}
}

func newTestHandler(t *testing.T) (*Handler, *runstore.FakeStore, *budget.FakeEngine) {
	t.Helper()
	store := runstore.NewFakeStore()
	engine := budget.NewFakeEngine()
	q := queue.NewInMemoryQueue(10)
	path := submission.New(store, engine, q, testConfig(), zerolog.Nop())
	return NewHandler(path, store, zerolog.Nop()), store, engine
}

func postRun(t *testing.T, mux *http.ServeMux, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleRunsIgnoresCallerSuppliedSoftLimitAndUsesTheConfiguredDefault(t *testing.T) {
	h, _, engine := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	engine.SeedBalance("tenant_1", money.Zero)

	// A caller-supplied soft_limit this large would bypass the budget
	// guardrail entirely if it were ever honored; the wire request has no
	// field for it, so the decoder drops it and the configured default
	// (-2.0000) is the one actually enforced.
	rec := postRun(t, mux, map[string]interface{}{
		"tenant_id":  "tenant_1",
		"pack_spec":  "fetch:example.com",
		"max_cost":   "1.0000",
		"soft_limit": "-1000.0000",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)

	balance, err := engine.Balance(context.Background(), "tenant_1")
	require.NoError(t, err)
	assert.Equal(t, money.Micros(-1_000_000), balance, "reserve must have been checked against the -2.0000 default soft limit, not a caller-supplied one")
}

func TestHandleRunsRejectsWhenReservationWouldBreachTheConfiguredSoftLimit(t *testing.T) {
	h, _, engine := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	engine.SeedBalance("tenant_1", money.Zero)

	rec := postRun(t, mux, map[string]interface{}{
		"tenant_id": "tenant_1",
		"pack_spec": "fetch:example.com",
		"max_cost":  "5.0000",
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestHandleRunsUsesTheTenantsConfiguredSoftLimitWhenPresent(t *testing.T) {
	h, store, engine := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	store.SetTenantSoftLimit("tenant_1", money.Micros(-10_000_000))
	engine.SeedBalance("tenant_1", money.Zero)

	rec := postRun(t, mux, map[string]interface{}{
		"tenant_id": "tenant_1",
		"pack_spec": "fetch:example.com",
		"max_cost":  "5.0000",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, "the tenant's own -10.0000 soft limit, not the deployment default, must govern this reservation")
}

func TestHandleRunsRejectsMissingRequiredFields(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	rec := postRun(t, mux, map[string]interface{}{"pack_spec": "fetch:example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRunByIDReturnsNotFoundForUnknownRun(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRunByIDReturnsTheRunAfterSubmission(t *testing.T) {
	h, _, engine := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	engine.SeedBalance("tenant_1", money.Zero)

	rec := postRun(t, mux, map[string]interface{}{
		"tenant_id": "tenant_1",
		"pack_spec": "fetch:example.com",
		"max_cost":  "1.0000",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitResp submitRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))

	getReq := httptest.NewRequest(http.MethodGet, "/v1/runs/"+submitResp.RunID, nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)

	require.Equal(t, http.StatusOK, getRec.Code)
	var run runResponse
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &run))
	assert.Equal(t, submitResp.RunID, run.RunID)
	assert.Equal(t, string(runstore.StatusQueued), run.Status)
}
