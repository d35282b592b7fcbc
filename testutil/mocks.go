package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks Helix and the Twitch token endpoint.
// Point twitchapi.HelixClient.BaseURL at URL+"/helix" and TokenClient.TokenURL at URL+"/oauth2/token".
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	users    map[string][2]string // access token -> id, login
	refresh  map[string][2]string // refresh token -> access, rotated refresh
	requests map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		users:    make(map[string][2]string),
		refresh:  make(map[string][2]string),
		requests: make(map[string]int),
	}
	m.Handlers["/helix/users"] = m.handleUsers
	m.Handlers["/oauth2/token"] = m.handleToken
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.requests[key]++
		m.mu.Unlock()
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockUser accepts accessToken on /helix/users as the given account. Any other
// bearer token is answered with 401.
func (m *MockTwitchServer) MockUser(accessToken, userID, login string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[accessToken] = [2]string{userID, login}
}

// MockRefresh makes /oauth2/token exchange refreshToken for accessToken.
// A non-empty rotated refresh token is returned alongside it.
func (m *MockTwitchServer) MockRefresh(refreshToken, accessToken, rotated string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[refreshToken] = [2]string{accessToken, rotated}
}

// Requests returns how many times path was hit.
func (m *MockTwitchServer) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

func (m *MockTwitchServer) handleUsers(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	m.mu.Lock()
	u, ok := m.users[token]
	m.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized","status":401,"message":"Invalid OAuth token"}`))
		return
	}
	response := map[string]interface{}{
		"data": []map[string]string{
			{"id": u[0], "login": u[1], "display_name": u[1]},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
}

func (m *MockTwitchServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	tok, ok := m.refresh[r.PostForm.Get("refresh_token")]
	m.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":400,"message":"Invalid refresh token"}`))
		return
	}
	response := map[string]interface{}{
		"access_token": tok[0],
		"expires_in":   14400,
		"token_type":   "bearer",
	}
	if tok[1] != "" {
		response["refresh_token"] = tok[1]
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
}
