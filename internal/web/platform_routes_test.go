package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tyemirov/platformlink/internal/platformauth"
	"go.uber.org/zap/zaptest"
)

func newPlatformServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestWorkspacesPassThrough(t *testing.T) {
	server := newPlatformServer(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/v1/personal_workspaces" {
			t.Errorf("unexpected path %s", request.URL.Path)
		}
		if request.Header.Get("Authorization") != "Bearer a1" {
			t.Errorf("unexpected authorization %q", request.Header.Get("Authorization"))
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"workspaces":[{"id":"w1"},{"id":"w2"}]}`))
	})
	tokens := &stubTokenProvider{token: "a1"}
	router, protected := newProtectedRouter(t, "user-1")
	MountPlatformRoutes(protected, tokens, NewPlatformClient(server.URL, server.Client()), zaptest.NewLogger(t))

	recorder := serve(router, http.MethodGet, "/workspaces", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeJSON(t, recorder)
	workspaces, _ := payload["workspaces"].([]any)
	if payload["ok"] != true || len(workspaces) != 2 {
		t.Fatalf("unexpected payload %v", payload)
	}
	if tokens.lastUser != "user-1" {
		t.Fatalf("expected token lookup for user-1, got %q", tokens.lastUser)
	}
}

func TestWorkspacesMissingListIsEmpty(t *testing.T) {
	server := newPlatformServer(t, func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{}`))
	})
	router, protected := newProtectedRouter(t, "user-1")
	MountPlatformRoutes(protected, &stubTokenProvider{token: "a1"}, NewPlatformClient(server.URL, server.Client()), zaptest.NewLogger(t))

	recorder := serve(router, http.MethodGet, "/workspaces", "")
	if recorder.Body.String() != `{"ok":true,"workspaces":[]}` {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestUserInfoPassThrough(t *testing.T) {
	server := newPlatformServer(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/v1/user_info" {
			t.Errorf("unexpected path %s", request.URL.Path)
		}
		_, _ = writer.Write([]byte(`{"email":"user@example.com"}`))
	})
	router, protected := newProtectedRouter(t, "user-1")
	MountPlatformRoutes(protected, &stubTokenProvider{token: "a1"}, NewPlatformClient(server.URL, server.Client()), zaptest.NewLogger(t))

	recorder := serve(router, http.MethodGet, "/user_info", "")
	data, _ := decodeJSON(t, recorder)["data"].(map[string]any)
	if recorder.Code != http.StatusOK || data["email"] != "user@example.com" {
		t.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestUpdateStatePassThrough(t *testing.T) {
	var receivedPath string
	var receivedBody map[string]any
	server := newPlatformServer(t, func(writer http.ResponseWriter, request *http.Request) {
		receivedPath = request.URL.EscapedPath()
		body, _ := io.ReadAll(request.Body)
		_ = json.Unmarshal(body, &receivedBody)
		writer.WriteHeader(http.StatusNoContent)
	})
	router, protected := newProtectedRouter(t, "user-1")
	MountPlatformRoutes(protected, &stubTokenProvider{token: "a1"}, NewPlatformClient(server.URL, server.Client()), zaptest.NewLogger(t))

	recorder := serve(router, http.MethodPost, "/update_state", `{"projectId":"p 1","workspaceId":"w1","state":"RUNNING"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	if receivedPath != "/v1/projects/p%201/workspaces/w1/state" {
		t.Fatalf("unexpected platform path %q", receivedPath)
	}
	if receivedBody["state"] != "RUNNING" {
		t.Fatalf("unexpected platform body %v", receivedBody)
	}

	missing := serve(router, http.MethodPost, "/update_state", `{"projectId":"p1","state":"RUNNING"}`)
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing workspace, got %d", missing.Code)
	}
}

func TestPlatformRoutesErrorMapping(t *testing.T) {
	failing := newPlatformServer(t, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusInternalServerError)
	})
	testCases := []struct {
		name           string
		tokens         *stubTokenProvider
		expectedStatus int
	}{
		{name: "not connected", tokens: &stubTokenProvider{err: platformauth.ErrNotConnected}, expectedStatus: http.StatusUnauthorized},
		{name: "storage outage", tokens: &stubTokenProvider{err: platformauth.ErrStorageUnavailable}, expectedStatus: http.StatusServiceUnavailable},
		{name: "platform failure", tokens: &stubTokenProvider{token: "a1"}, expectedStatus: http.StatusBadGateway},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			router, protected := newProtectedRouter(t, "user-1")
			MountPlatformRoutes(protected, testCase.tokens, NewPlatformClient(failing.URL, failing.Client()), zaptest.NewLogger(t))
			for _, path := range []string{"/workspaces", "/user_info"} {
				recorder := serve(router, http.MethodGet, path, "")
				if recorder.Code != testCase.expectedStatus {
					t.Fatalf("%s: expected %d, got %d", path, testCase.expectedStatus, recorder.Code)
				}
			}
		})
	}
}

func TestPlatformRoutesRequirePrincipal(t *testing.T) {
	router, protected := newProtectedRouter(t, "")
	MountPlatformRoutes(protected, &stubTokenProvider{token: "a1"}, NewPlatformClient("http://127.0.0.1:1", nil), zaptest.NewLogger(t))
	if recorder := serve(router, http.MethodGet, "/workspaces", ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}
