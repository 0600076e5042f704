package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkobilansky/abengine/internal/engine"
	"github.com/gkobilansky/abengine/internal/logger"
	"github.com/gkobilansky/abengine/internal/metrics"
	"github.com/gkobilansky/abengine/internal/server"
	"github.com/gkobilansky/abengine/internal/testutil"
)

const token = "test-token"

func setupServer(t *testing.T) (*server.Server, *engine.Engine) {
	t.Helper()
	s := testutil.SetupTestStore(t)
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	lggr := logger.Test(t)
	eng, err := engine.New(context.Background(), s, engine.WithLogger(lggr), engine.WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	srv := server.New(eng, server.Config{Token: token, DB: s.DB(), Gatherer: reg}, lggr)
	return srv, eng
}

func do(t *testing.T, srv *server.Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func createExperiment(t *testing.T, srv *server.Server, id string) server.ExperimentJSON {
	t.Helper()
	w := do(t, srv, http.MethodPost, "/api/experiments", server.CreateRequest{
		ID:   id,
		Name: "Hero headline",
		Variants: []server.VariantRequest{
			{ID: "control", Name: "Original"},
			{ID: "bold", Name: "Bold claim"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[server.ExperimentJSON](t, w)
}

func transition(t *testing.T, srv *server.Server, id, event string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, srv, http.MethodPost, "/api/experiments/"+id+"/transition", server.TransitionRequest{Event: event})
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t)
	createExperiment(t, srv, "hero")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[server.HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ExperimentsCount)
	assert.Positive(t, resp.DBSizeBytes)
}

func TestAdminRequiresToken(t *testing.T) {
	srv, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/experiments", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/experiments", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminQueryTokenSetsCookie(t *testing.T) {
	srv, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/experiments?token="+token, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/api/experiments", w.Header().Get("Location"))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)

	req = httptest.NewRequest(http.MethodGet, "/api/experiments", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateExperiment(t *testing.T) {
	srv, _ := setupServer(t)

	exp := createExperiment(t, srv, "hero")
	assert.Equal(t, "draft", exp.Status)
	require.Len(t, exp.Variants, 2)
	assert.True(t, exp.Variants[0].IsControl, "first variant defaults to control")
	assert.Equal(t, 50, exp.Variants[0].Traffic)
	assert.True(t, exp.Variants[1].IsActive)

	// Invariant violations are 422
	traffic := 90
	w := do(t, srv, http.MethodPost, "/api/experiments", server.CreateRequest{
		ID: "bad",
		Variants: []server.VariantRequest{
			{ID: "a", Traffic: &traffic},
			{ID: "b", Traffic: &traffic},
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "traffic-sum")

	w = do(t, srv, http.MethodPost, "/api/experiments", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExperimentLifecycle(t *testing.T) {
	srv, _ := setupServer(t)
	createExperiment(t, srv, "hero")

	w := transition(t, srv, "hero", "pause")
	assert.Equal(t, http.StatusConflict, w.Code, "draft cannot pause")

	w = transition(t, srv, "hero", "start")
	require.Equal(t, http.StatusOK, w.Code)
	exp := decodeBody[server.ExperimentJSON](t, w)
	assert.Equal(t, "running", exp.Status)
	assert.NotNil(t, exp.StartDate)

	w = do(t, srv, http.MethodPost, "/api/experiments/hero/variants", server.VariantRequest{ID: "c"})
	assert.Equal(t, http.StatusConflict, w.Code, "structural edits are draft only")

	w = transition(t, srv, "hero", "explode")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = transition(t, srv, "nope", "start")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVariantEndpoints(t *testing.T) {
	srv, _ := setupServer(t)
	createExperiment(t, srv, "hero")

	w := do(t, srv, http.MethodPost, "/api/experiments/hero/variants", server.VariantRequest{ID: "c", Name: "Question"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	exp := decodeBody[server.ExperimentJSON](t, w)
	require.Len(t, exp.Variants, 3)
	assert.Equal(t, 34, exp.Variants[0].Traffic)

	w = do(t, srv, http.MethodPut, "/api/experiments/hero/traffic", map[string]int{"control": 50, "bold": 25, "c": 25})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, srv, http.MethodPut, "/api/experiments/hero/traffic", map[string]int{"control": 60})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, srv, http.MethodDelete, "/api/experiments/hero/variants/c", nil)
	require.Equal(t, http.StatusOK, w.Code)
	exp = decodeBody[server.ExperimentJSON](t, w)
	assert.Len(t, exp.Variants, 2)

	inactive := false
	w = do(t, srv, http.MethodPatch, "/api/experiments/hero/variants/bold", server.UpdateVariantRequest{IsActive: &inactive})
	require.Equal(t, http.StatusOK, w.Code)
	exp = decodeBody[server.ExperimentJSON](t, w)
	assert.False(t, exp.Variants[1].IsActive)

	w = do(t, srv, http.MethodPatch, "/api/experiments/hero/variants/ghost", server.UpdateVariantRequest{IsActive: &inactive})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAssignEndpoint(t *testing.T) {
	srv, _ := setupServer(t)
	createExperiment(t, srv, "hero")

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		return w
	}

	w := get("/assign?experiment=hero&visitor=v1")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[server.AssignResponse](t, w)
	assert.Equal(t, "control", resp.Variant)
	assert.True(t, resp.Fallback, "draft serves the control")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	require.Equal(t, http.StatusOK, transition(t, srv, "hero", "start").Code)
	w = get("/assign?experiment=hero&visitor=v1")
	first := decodeBody[server.AssignResponse](t, w)
	assert.False(t, first.Fallback)
	w = get("/assign?experiment=hero&visitor=v1")
	assert.Equal(t, first, decodeBody[server.AssignResponse](t, w), "assignment is sticky")

	assert.Equal(t, http.StatusNotFound, get("/assign?experiment=nope&visitor=v1").Code)
	assert.Equal(t, http.StatusBadRequest, get("/assign").Code)
}

func TestBeaconEndpoint(t *testing.T) {
	srv, eng := setupServer(t)
	createExperiment(t, srv, "hero")
	require.Equal(t, http.StatusOK, transition(t, srv, "hero", "start").Code)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/b", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNoContent, post(`{"x":"hero","v":"bold","e":"exposure","vid":"v1"}`).Code)
	assert.Equal(t, http.StatusNoContent, post(`{"x":"hero","v":"bold","e":"conversion","vid":"v1"}`).Code)
	assert.Equal(t, http.StatusNoContent, post(`{"x":"hero","v":"bold","e":"conversion","vid":"v1"}`).Code)
	// Drops are not the visitor's problem
	assert.Equal(t, http.StatusNoContent, post(`{"x":"nope","v":"bold","e":"exposure","vid":"v1"}`).Code)

	assert.Equal(t, http.StatusBadRequest, post(`{"x":"hero","v":"bold","e":"click","vid":"v1"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"x":"hero","e":"exposure"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).Code)

	exp, err := eng.GetExperiment(context.Background(), "hero")
	require.NoError(t, err)
	bold, _ := exp.Variant("bold")
	assert.Equal(t, int64(1), bold.Exposures)
	assert.Equal(t, int64(1), bold.Conversions)

	req := httptest.NewRequest(http.MethodOptions, "/b", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, srv, http.MethodGet, "/api/experiments/hero/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decodeBody[[]server.EventJSON](t, w)
	assert.Len(t, events, 2)
}

func TestResultsEndpoint(t *testing.T) {
	srv, eng := setupServer(t)
	createExperiment(t, srv, "hero")
	require.Equal(t, http.StatusOK, transition(t, srv, "hero", "start").Code)

	ctx := context.Background()
	for i := 0; i < 30; i++ {
		vid := "visitor-" + strconv.Itoa(i)
		require.NoError(t, eng.RecordExposure(ctx, "hero", "control", vid))
		require.NoError(t, eng.RecordExposure(ctx, "hero", "bold", vid+"-b"))
		if i < 3 {
			require.NoError(t, eng.RecordConversion(ctx, "hero", "control", vid))
		}
		if i < 9 {
			require.NoError(t, eng.RecordConversion(ctx, "hero", "bold", vid+"-b"))
		}
	}

	w := do(t, srv, http.MethodGet, "/api/experiments/hero/results", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[server.ResultsJSON](t, w)

	require.Len(t, res.Variants, 2)
	assert.InDelta(t, 10.0, res.Variants[0].Rate, 1e-9)
	assert.InDelta(t, 30.0, res.Variants[1].Rate, 1e-9)
	assert.Empty(t, res.Winner, "30 exposures are below the threshold")
	assert.NotEmpty(t, res.Inconclusive)
	assert.Positive(t, res.Significance)
}

func TestDeleteExperimentEndpoint(t *testing.T) {
	srv, _ := setupServer(t)
	createExperiment(t, srv, "hero")

	w := do(t, srv, http.MethodDelete, "/api/experiments/hero", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, srv, http.MethodGet, "/api/experiments/hero", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, http.MethodGet, "/api/experiments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[[]server.ExperimentJSON](t, w))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupServer(t)
	createExperiment(t, srv, "hero")
	require.Equal(t, http.StatusOK, transition(t, srv, "hero", "start").Code)

	w := do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `abengine_transitions_total{event="start",experiment_id="hero"} 1`)
}
