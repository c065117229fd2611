package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/identity"
)

func (f *relayFixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRegisterRejectsDuplicateAndInvalidBodies(t *testing.T) {
	f := newRelayFixture(t, testOptions())
	f.account(t, "alice")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"duplicate username", `{"username":"alice","password":"x"}`, http.StatusConflict},
		{"missing password", `{"username":"bob"}`, http.StatusBadRequest},
		{"not json", `username=bob`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, "/register", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestLogin(t *testing.T) {
	f := newRelayFixture(t, testOptions())
	aliceID, _ := f.account(t, "alice")

	resp := f.post(t, "/login", `{"username":"alice","password":"secret"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, aliceID, out.ID)

	var token string
	for _, c := range resp.Cookies() {
		if c.Name == identity.CookieName {
			token = c.Value
		}
	}
	require.NotEmpty(t, token)

	profile := f.get(t, "/profile", token)
	require.Equal(t, http.StatusOK, profile.StatusCode)
	var id identity.Identity
	require.NoError(t, json.NewDecoder(profile.Body).Decode(&id))
	assert.Equal(t, identity.Identity{UserID: aliceID, Username: "alice"}, id)
}

func TestLoginFailures(t *testing.T) {
	f := newRelayFixture(t, testOptions())
	f.account(t, "alice")

	for _, body := range []string{
		`{"username":"alice","password":"wrong"}`,
		`{"username":"nobody","password":"secret"}`,
	} {
		resp := f.post(t, "/login", body)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, body)
		for _, c := range resp.Cookies() {
			assert.NotEqual(t, identity.CookieName, c.Name)
		}
	}
}

func TestEndpointsRequireToken(t *testing.T) {
	f := newRelayFixture(t, testOptions())

	for _, path := range []string{"/profile", "/messages/someone"} {
		assert.Equal(t, http.StatusUnauthorized, f.get(t, path, "").StatusCode, path)
		assert.Equal(t, http.StatusUnauthorized, f.get(t, path, "garbage").StatusCode, path)
	}
}

func TestPeopleListsUsers(t *testing.T) {
	f := newRelayFixture(t, testOptions())
	bobID, _ := f.account(t, "bob")
	aliceID, _ := f.account(t, "alice")

	resp := f.get(t, "/people", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var people []Person
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&people))
	assert.Equal(t, []Person{{ID: aliceID, Username: "alice"}, {ID: bobID, Username: "bob"}}, people)
}

func TestLogoutClearsCookie(t *testing.T) {
	f := newRelayFixture(t, testOptions())

	resp := f.post(t, "/logout", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == identity.CookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared)
}

func TestTestAndHealthEndpoints(t *testing.T) {
	f := newRelayFixture(t, testOptions())

	resp := f.get(t, "/test", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msg string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, "test ok", msg)

	health := f.get(t, "/health", "")
	require.Equal(t, http.StatusOK, health.StatusCode)
	assert.Equal(t, "text/plain", health.Header.Get("Content-Type"))
	body, err := io.ReadAll(health.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "running")
}

func TestWebSocketEndpointRejectsNonGet(t *testing.T) {
	f := newRelayFixture(t, testOptions())

	resp := f.post(t, "/ws", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAuthEndpointsRateLimited(t *testing.T) {
	h := NewHub(nil, testOptions())
	handler := SetupRoutes(RouteDeps{
		Hub:           h,
		API:           NewAPI(nil, nil, nil, nil, false, 0),
		Origins:       NewOriginPolicy(nil),
		AuthRateLimit: 2,
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("not json"))
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}

func TestCORSAllowsConfiguredOriginWithCredentials(t *testing.T) {
	f := newRelayFixture(t, testOptions())

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/login", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, testOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
}
