package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktrack/internal/cache"
	"worktrack/internal/config"
	"worktrack/internal/db"
	"worktrack/internal/domain"
	"worktrack/internal/engine"
	"worktrack/internal/metrics"
	"worktrack/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL     string
	Engine  engine.Engine
	Metrics *metrics.Metrics
	client  *http.Client
	tokens  map[string]string
}

func newTestServer(t *testing.T, dash cache.Dashboard) *testServer {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	cfg := config.Default()
	e := engine.New(conn, cfg)
	e.Metrics = metrics.New()
	ctx := context.Background()
	_, _, err = e.Bootstrap(ctx, "dir", "Director")
	require.NoError(t, err)
	director := domain.Director{UserID: "dir"}
	for _, u := range []engine.CreateUserInput{
		{ID: "adm", Name: "Admin", Role: domain.RoleAdmin},
		{ID: "head-acc", Name: "Accounts head", Role: domain.RoleHead, Department: domain.DeptAccounts},
		{ID: "u1", Name: "One", Role: domain.RoleUser, Department: domain.DeptTechnical},
		{ID: "u2", Name: "Two", Role: domain.RoleUser, Department: domain.DeptTechnical},
	} {
		_, err := e.CreateUser(ctx, director, u)
		require.NoError(t, err)
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowDevTokens: true},
		Cache:    dash,
		Metrics:  e.Metrics,
		Logger:   log.New(io.Discard),
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})

	ts := &testServer{URL: "http://" + ln.Addr().String(), Engine: e, Metrics: e.Metrics, client: &http.Client{}, tokens: map[string]string{}}
	for _, id := range []string{"dir", "adm", "head-acc", "u1", "u2"} {
		ident, err := e.IdentityFor(ctx, id)
		require.NoError(t, err)
		tok, err := SignToken(testSecret, ident, time.Hour, time.Now())
		require.NoError(t, err)
		ts.tokens[id] = tok
	}
	return ts
}

func (s *testServer) as(user string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.tokens[user]}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv := newTestServer(t, nil)
	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/items/projects", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, srv.as("head-acc"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[MeResponse](t, data)
	assert.Equal(t, domain.RoleHead, me.Role)
	assert.Equal(t, domain.DeptAccounts, me.Department)
	assert.Equal(t, "jwt", me.Source)
}

func TestItemFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/items/projects", map[string]any{
		"title":          "Substation",
		"assigned_users": []string{"u1"},
		"fields":         map[string]string{"job_completion": "JC-9"},
		"lists":          map[string][]string{"purchase_orders": {"PO-1"}},
	}, srv.as("dir"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	created := decode[itemView](t, data)
	assert.Equal(t, "pending", string(created.Status))
	assert.Equal(t, map[string]bool{"job_completion": true, "remarks": false}, created.Filled)
	assert.Equal(t, map[string]string{"purchase_orders": "PO-1"}, created.Latest)

	itemURL := srv.URL + "/v1/items/project/" + created.ID
	res, data = doJSON(t, srv.client, http.MethodPatch, itemURL, map[string]any{
		"status": "in_progress",
		"fields": map[string]string{"job_completion": "JC-10"},
	}, srv.as("u1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	updated := decode[domain.WorkItem](t, data)
	assert.Equal(t, "in_progress", string(updated.Status))
	assert.True(t, updated.Fields["job_completion"].IsEdited)

	res, data = doJSON(t, srv.client, http.MethodPatch, itemURL, map[string]any{"title": "mine now"}, srv.as("u1"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPatch, itemURL, map[string]any{"status": "archived"}, srv.as("dir"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	// Unassigned users get 404, not 403.
	res, _ = doJSON(t, srv.client, http.MethodGet, itemURL, nil, srv.as("u2"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/items/projects", nil, srv.as("u2"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, decode[paginatedItems](t, data).Items)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/items/projects", nil, srv.as("u1"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	listed := decode[paginatedItems](t, data).Items
	require.Len(t, listed, 1)
	assert.True(t, listed[0].Filled["job_completion"])
	assert.Equal(t, "PO-1", listed[0].Latest["purchase_orders"])

	res, data = doJSON(t, srv.client, http.MethodPut, itemURL+"/assignees", map[string]any{"user_ids": []string{"u1", "u2"}}, srv.as("adm"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, _ = doJSON(t, srv.client, http.MethodGet, itemURL, nil, srv.as("u2"))
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/counts/project", nil, srv.as("u2"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 1, decode[countResponse](t, data).Active)

	res, _ = doJSON(t, srv.client, http.MethodDelete, itemURL, nil, srv.as("head-acc"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res, _ = doJSON(t, srv.client, http.MethodDelete, itemURL, nil, srv.as("adm"))
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, srv.client, http.MethodGet, itemURL, nil, srv.as("dir"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestHeadDepartmentGating(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/items/invoices", map[string]any{"title": "inv"}, srv.as("head-acc"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/items/maintenance", nil, srv.as("head-acc"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "forbidden", env.Error.Code)
	assert.Equal(t, "maintenance", env.Error.Details["kind"])

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/items/invoices", nil, srv.as("u1"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/items/widgets", nil, srv.as("dir"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_kind", decode[errorEnvelope](t, data).Error.Code)
}

func TestListPagination(t *testing.T) {
	srv := newTestServer(t, nil)
	for _, title := range []string{"a", "b", "c"} {
		res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/items/complaints", map[string]any{"title": title}, srv.as("dir"))
		require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/items/complaints?limit=2&active=true", nil, srv.as("dir"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	first := decode[paginatedItems](t, data)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/items/complaints?limit=2&cursor="+first.NextCursor, nil, srv.as("dir"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	second := decode[paginatedItems](t, data)
	assert.Len(t, second.Items, 1)
	assert.Empty(t, second.NextCursor)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/items/complaints?status=bogus", nil, srv.as("dir"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestDashboardUsesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedis(context.Background(), mr.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })
	srv := newTestServer(t, rc)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/items/maintenance", map[string]any{"title": "pump", "assigned_users": []string{"u1"}}, srv.as("dir"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/dashboard?months=6&recent=3", nil, srv.as("u1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	first := decode[dashboardResponse](t, data)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, first.TotalActive)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/dashboard?months=6&recent=3", nil, srv.as("u1"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, decode[dashboardResponse](t, data).Cached)

	// A write drops cached dashboards.
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/items/project", map[string]any{"title": "p", "assigned_users": []string{"u1"}}, srv.as("dir"))
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/dashboard?months=6&recent=3", nil, srv.as("u1"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	third := decode[dashboardResponse](t, data)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, third.TotalActive)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/dashboard?months=-2", nil, srv.as("u1"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `worktrack_dashboard_cache_total{result="hit"} 1`)
	assert.Contains(t, string(data), "worktrack_authorization_decisions_total")
}

func TestRegistrationApprovalAndAPIKeys(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{"name": "Robin", "email": "robin@example.com", "department": "sales"}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	acct := decode[domain.Account](t, data)
	assert.False(t, acct.Approved)

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/auth/dev/token", map[string]any{"user_id": acct.ID}, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode, "pending accounts cannot get tokens")

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/users/"+acct.ID+"/approve", map[string]any{"role": "head"}, srv.as("adm"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/users/"+acct.ID+"/approve", map[string]any{"role": "head"}, srv.as("dir"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.RoleHead, decode[domain.Account](t, data).Role)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/auth/dev/token", map[string]any{"user_id": acct.ID}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	tok := decode[DevTokenResponse](t, data).Token
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/users/"+acct.ID+"/api-keys", map[string]any{"name": "tablet"}, map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	key := decode[engine.IssuedKey](t, data)
	assert.True(t, strings.HasPrefix(key.Key, "wt_"))
	assert.NotContains(t, string(data), "key_hash")

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[MeResponse](t, data)
	assert.Equal(t, acct.ID, me.ID)
	assert.Equal(t, "api_key", me.Source)
	assert.Equal(t, domain.DeptSales, me.Department)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "wt_bogus"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{"name": "Kim"}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	pending := decode[domain.Account](t, data)
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/users?approved=false", nil, srv.as("adm"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[[]domain.Account](t, data), 1)
	res, _ = doJSON(t, srv.client, http.MethodDelete, srv.URL+"/v1/users/"+pending.ID, nil, srv.as("dir"))
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestListAndRevokeAPIKeysOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/users/u1/api-keys", map[string]any{"name": "phone"}, srv.as("u1"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	key := decode[engine.IssuedKey](t, data)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/users/u1/api-keys", nil, srv.as("u1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	keys := decode[apiKeyList](t, data).Keys
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, "phone", keys[0].Name)
	assert.NotContains(t, string(data), "key_hash")
	assert.NotContains(t, string(data), key.Key)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/users/u1/api-keys", nil, srv.as("u2"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/users/ghost/api-keys", nil, srv.as("adm"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doJSON(t, srv.client, http.MethodDelete, srv.URL+"/v1/api-keys/"+key.ID, nil, srv.as("u2"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res, _ = doJSON(t, srv.client, http.MethodDelete, srv.URL+"/v1/api-keys/"+key.ID, nil, srv.as("u1"))
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, srv.client, http.MethodDelete, srv.URL+"/v1/api-keys/"+key.ID, nil, srv.as("adm"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key.Key})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestCreateUserDuplicateIDIsBadRequest(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/users", map[string]any{"id": "u1", "name": "Again", "role": "user"}, srv.as("dir"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "id", env.Error.Details["field"])
}

func TestDocsAndMetricsNeedNoCredentials(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v1/openapi.json")

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "worktrack_")

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/users", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v1/items/{kind}")
	assert.Contains(t, paths, "/v1/dashboard")
}
