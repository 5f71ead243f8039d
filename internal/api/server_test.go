package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/domain"
	"serotonyl.ru/s2a/internal/features/dashboard"
	"serotonyl.ru/s2a/internal/features/family"
	"serotonyl.ru/s2a/internal/features/plans"
	"serotonyl.ru/s2a/internal/features/rewards"
	"serotonyl.ru/s2a/internal/features/rules"
	"serotonyl.ru/s2a/internal/features/tasks"
	"serotonyl.ru/s2a/internal/features/wallet"
	"serotonyl.ru/s2a/internal/ratelimit"
	"serotonyl.ru/s2a/internal/testutil"
)

func newTestServer(t *testing.T, limiter *ratelimit.Limiter[string]) http.Handler {
	t.Helper()
	st := testutil.NewStore(t)
	clock := testutil.NewClock()
	locks := common.NewChildLocks()

	walletService := wallet.NewService(st, clock, locks, wallet.Options{DefaultDailyLimit: 120, MaxRetries: 3})
	taskService := tasks.NewService(st, clock, locks, rewards.NewEngine(walletService), 3)

	srv := NewServer(st, limiter)
	srv.EnableMetrics()
	srv.SetCORSOrigins([]string{"http://localhost:3000"})
	srv.Mount("auth", family.NewHandler(family.NewService(st, clock, family.Options{DefaultDailyLimit: 120})))
	srv.Mount("plans", plans.NewHandler(plans.NewService(st, clock)))
	srv.Mount("tasks", tasks.NewHandler(taskService))
	srv.Mount("rules", rules.NewHandler(rules.NewService(st, clock)))
	srv.Mount("wallet", wallet.NewHandler(walletService))
	srv.Mount("dashboard", dashboard.NewHandler(dashboard.NewService(st, clock, 120)))
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type idBody struct {
	ID int64 `json:"id"`
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	h := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/api/auth/register", map[string]any{"name": "Mom", "role": "parent"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	parent := decode[idBody](t, rec)

	rec = do(t, h, http.MethodPost, "/api/auth/register", map[string]any{"name": "Ken", "role": "child"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	child := decode[idBody](t, rec)

	rec = do(t, h, http.MethodPost, "/api/rules/seed-defaults", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/plans", map[string]any{
		"child_id": child.ID,
		"title":    "Wednesday",
		"tasks": []map[string]any{
			{"subject": "Math drill", "estimated_minutes": 60, "is_homework": true},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	plan := decode[struct {
		Tasks []idBody `json:"tasks"`
	}](t, rec)
	require.Len(t, plan.Tasks, 1)
	taskPath := fmt.Sprintf("/api/tasks/%d", plan.Tasks[0].ID)

	rec = do(t, h, http.MethodPost, taskPath+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, taskPath+"/complete", map[string]any{"actual_minutes": 60})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/tasks/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]idBody](t, rec), 1)

	// Homework (30) + one hour of study (30) + task completed (15).
	rec = do(t, h, http.MethodPost, taskPath+"/approve", map[string]any{"approver_id": parent.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[struct {
		Task struct {
			Status string `json:"status"`
		} `json:"task"`
		Grants []struct {
			GrantedMinutes int `json:"granted_minutes"`
		} `json:"rewards_granted"`
	}](t, rec)
	assert.Equal(t, "approved", res.Task.Status)
	total := 0
	for _, g := range res.Grants {
		total += g.GrantedMinutes
	}
	assert.Len(t, res.Grants, 3)
	assert.Equal(t, 75, total)

	rec = do(t, h, http.MethodPost, taskPath+"/approve", map[string]any{"approver_id": parent.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decode[map[string]string](t, rec)["code"])

	walletPath := fmt.Sprintf("/api/wallet/%d", child.ID)
	rec = do(t, h, http.MethodGet, walletPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[wallet.Summary](t, rec)
	assert.Equal(t, 75, sum.Balance)
	assert.Equal(t, 75, sum.TodayEarned)

	rec = do(t, h, http.MethodPost, walletPath+"/consume", map[string]any{"minutes": 30, "activity_type": "switch", "idempotency_key": "k1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, walletPath+"/consume", map[string]any{"minutes": 30, "activity_type": "switch", "idempotency_key": "k1"})
	require.Equal(t, http.StatusOK, rec.Code, "replayed key")
	assert.Equal(t, 45, decode[wallet.Entry](t, rec).Balance)

	rec = do(t, h, http.MethodPost, walletPath+"/consume", map[string]any{"minutes": 100, "activity_type": "tablet"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_balance", decode[map[string]string](t, rec)["code"])

	// Body shape of the web client: consumed_minutes and no activity type.
	rec = do(t, h, http.MethodPost, walletPath+"/consume", map[string]any{"consumed_minutes": 5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decode[wallet.Entry](t, rec)
	assert.Equal(t, 40, entry.Balance)
	assert.Equal(t, domain.ActivityOther, entry.Log.ActivityType)

	rec = do(t, h, http.MethodGet, walletPath+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[wallet.AuditReport](t, rec).Balanced)

	rec = do(t, h, http.MethodGet, fmt.Sprintf("/api/dashboard/child/%d", child.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dash := decode[dashboard.ChildDashboard](t, rec)
	assert.Equal(t, 40, dash.WalletBalance)
	assert.Equal(t, 1, dash.ApprovedTasks)
}

func TestErrorMapping(t *testing.T) {
	h := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing task", http.MethodGet, "/api/tasks/999", nil, http.StatusNotFound, "not_found"},
		{"bad id", http.MethodGet, "/api/wallet/abc", nil, http.StatusBadRequest, "validation"},
		{"bad role", http.MethodPost, "/api/auth/register", map[string]any{"name": "X", "role": "admin"}, http.StatusBadRequest, "validation"},
		{"bad rule", http.MethodPost, "/api/rules", map[string]any{"trigger_type": "streak", "reward_minutes": 10}, http.StatusBadRequest, "validation"},
		{"unknown route", http.MethodGet, "/api/nope", nil, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[map[string]string](t, rec)["code"])
		})
	}
}

func TestRateLimitPerIP(t *testing.T) {
	limiter := ratelimit.New[string](0.001, 2)
	defer limiter.Close()
	h := newTestServer(t, limiter)

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodGet, "/api/auth/users", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/api/auth/users", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode[map[string]string](t, rec)["code"])

	// Probes are not limited.
	rec = do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	h := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/plans", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, nil)
	do(t, h, http.MethodGet, "/health", nil)

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `s2a_http_requests_total{code="200",route="/health"}`)
}
