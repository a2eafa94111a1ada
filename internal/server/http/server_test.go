package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/cmdfeed/internal/feed/feedtest"
)

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func sign(t *testing.T, secret, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestHealthHandler(t *testing.T) {
	env := feedtest.New(t)
	s := New(env.Service, Options{}, nil)
	w := do(t, s.Handler(), http.MethodGet, "/v1/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestIngestLeaseComplete(t *testing.T) {
	env := feedtest.New(t)
	h := New(env.Service, Options{}, nil).Handler()

	w := do(t, h, http.MethodPost, "/v1/commands", `{"id":"d-1","kind":2,"subjectType":"msaUser","policyVersion":1}`, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	res := decode[map[string]any](t, w)
	assert.Equal(t, "d-1", res["commandId"])
	assert.EqualValues(t, 2, res["enqueued"])

	w = do(t, h, http.MethodPost, "/v1/agents/agent-a/lease", `{"assetGroupId":"ag1"}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	lease := decode[map[string]any](t, w)
	assert.Equal(t, "agent-a.ag1.delete", lease["moniker"])
	receipt := lease["receipt"].(string)

	w = do(t, h, http.MethodPost, "/v1/leases/extend", `{"receipt":"`+receipt+`","holder":"agent-a","leaseSeconds":60}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	receipt = decode[map[string]string](t, w)["receipt"]

	w = do(t, h, http.MethodPost, "/v1/leases/complete", `{"receipt":"`+receipt+`","holder":"agent-a"}`, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodPost, "/v1/leases/complete", `{"receipt":"`+receipt+`","holder":"agent-a"}`, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPost, "/v1/agents/agent-a/lease", `{"assetGroupId":"ag1"}`, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestIngestRejectsBadInput(t *testing.T) {
	env := feedtest.New(t)
	h := New(env.Service, Options{}, nil).Handler()

	w := do(t, h, http.MethodPost, "/v1/commands", `{"id":"x","kind":9,"subjectType":"msaUser"}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/v1/commands", `{"id":"x","kind":2,"subjectType":"martian"}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/v1/commands", `not json`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/v1/leases/complete", `{"receipt":"garbage","holder":"agent-a"}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportEndpoints(t *testing.T) {
	env := feedtest.New(t)
	h := New(env.Service, Options{}, nil).Handler()

	w := do(t, h, http.MethodGet, "/v1/exports/e-1", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodPost, "/v1/commands", `{"id":"e-1","kind":3,"subjectType":"msaUser","payload":{"dataTypes":["Search"]}}`, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, "/v1/exports/e-1/expectations", `{"agentId":"agent-b","assetGroupId":"ag3","pages":1}`, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/v1/exports/e-1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "incomplete", decode[map[string]any](t, w)["status"])

	w = do(t, h, http.MethodPost, "/v1/exports/e-1/pages", `{"agentId":"agent-b","assetGroupId":"ag3","page":1,"destinationUri":"s3://out/e-1/1"}`, "")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/v1/exports/e-1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[map[string]any](t, w)
	assert.Equal(t, "incomplete", st["status"], "agent-a still owes its destinations")
	assert.EqualValues(t, 3, st["destinations"])

	for _, ag := range []string{"ag1", "ag2"} {
		w = do(t, h, http.MethodPost, "/v1/exports/e-1/expectations", `{"agentId":"agent-a","assetGroupId":"`+ag+`","pages":1}`, "")
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		w = do(t, h, http.MethodPost, "/v1/exports/e-1/pages", `{"agentId":"agent-a","assetGroupId":"`+ag+`","page":1}`, "")
		require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/v1/exports/e-1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	st = decode[map[string]any](t, w)
	assert.Equal(t, "complete", st["status"])
	assert.EqualValues(t, 3, st["completed"])

	w = do(t, h, http.MethodPost, "/v1/exports/e-1/expectations", `{"agentId":"agent-b","assetGroupId":"ag3","pages":0}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsAndDeadLetters(t *testing.T) {
	env := feedtest.New(t)
	h := New(env.Service, Options{}, nil).Handler()

	w := do(t, h, http.MethodPost, "/v1/commands", `{"id":"d-1","kind":2,"subjectType":"msaUser"}`, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = do(t, h, http.MethodGet, "/v1/agents/agent-a/stats", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		AgentID     string           `json:"agentId"`
		AssetGroups []map[string]any `json:"assetGroups"`
	}](t, w)
	assert.Equal(t, "agent-a", body.AgentID)
	assert.Len(t, body.AssetGroups, 2)

	w = do(t, h, http.MethodGet, "/v1/deadletters?limit=5", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[map[string][]any](t, w)["deadLetters"])
}

func TestJWTAuth(t *testing.T) {
	env := feedtest.New(t)
	const secret = "s3cret"
	h := New(env.Service, Options{JWTSecret: secret}, nil).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/healthz", "", "").Code, "health is public")
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/agents/agent-a/stats", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/agents/agent-a/stats", "", sign(t, "other", "agent-a")).Code)

	tok := sign(t, secret, "agent-a")
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/agents/agent-a/stats", "", tok).Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/v1/agents/agent-b/stats", "", tok).Code)

	w := do(t, h, http.MethodPost, "/v1/commands", `{"id":"d-1","kind":2,"subjectType":"msaUser"}`, tok)
	require.Equal(t, http.StatusAccepted, w.Code)
	w = do(t, h, http.MethodPost, "/v1/agents/agent-a/lease", "", tok)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	receipt := decode[map[string]any](t, w)["receipt"].(string)

	// the token subject is the holder, so the body may omit it
	w = do(t, h, http.MethodPost, "/v1/leases/abandon", `{"receipt":"`+receipt+`"}`, tok)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, http.MethodPost, "/v1/leases/abandon", `{"receipt":"`+receipt+`","holder":"agent-b"}`, tok)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := feedtest.New(t)
	h := New(env.Service, Options{}, nil).Handler()
	req := httptest.NewRequest(http.MethodOptions, "/v1/commands", nil)
	req.Header.Set("Origin", "https://portal.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
