package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sopdesk/api/internal/store"
)

func newTestServer(fs *fakeStore) (*testEnv, http.Handler) {
	env := newTestService(fs)
	return env, NewHTTPServer(env.service, "*").Handler()
}

func signUpOwner(t *testing.T, handler http.Handler) (token string) {
	t.Helper()
	body := `{"email":"owner@example.com","password":"correct horse","displayName":"Olive Owner"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status = %d body = %s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode signup response: %v", err)
	}
	token, _ = payload["accessToken"].(string)
	if token == "" {
		t.Fatal("signup response missing accessToken")
	}
	return token
}

func TestHealthEndpoint(t *testing.T) {
	_, handler := newTestServer(&fakeStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	fs := &fakeStore{
		pingFn: func(context.Context) error { return errors.New("connection refused") },
	}
	_, handler := newTestServer(fs)

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode ready response: %v", err)
	}
	if payload["status"] != "not_ready" {
		t.Errorf("status = %v", payload["status"])
	}
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	_, handler := newTestServer(&fakeStore{})
	for _, path := range []string{"/api/sops", "/api/approvals/incoming", "/api/checklists"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d", path, rec.Code)
		}
	}
}

func TestOptionsShortCircuitsWithCORS(t *testing.T) {
	_, handler := newTestServer(&fakeStore{})
	req := httptest.NewRequest(http.MethodOptions, "/api/sops", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("options status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}

func TestSignupThenCreateSOPOverHTTP(t *testing.T) {
	var owner store.User
	fs := &fakeStore{
		createUserFn: func(_ context.Context, user store.User) error {
			owner = user
			return nil
		},
	}
	fs.getUserByIDFn = func(_ context.Context, id string) (store.User, error) {
		if id == owner.ID {
			return owner, nil
		}
		return store.User{}, errors.New("no such user")
	}
	_, handler := newTestServer(fs)

	token := signUpOwner(t, handler)

	body := `{"title":"Server Restart","steps":[{"title":"Drain traffic"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/sops", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sop status = %d body = %s", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if payload["status"] != "DRAFT" {
		t.Errorf("status = %v", payload["status"])
	}
}

func TestDomainErrorsSurfaceAsJSON(t *testing.T) {
	var owner store.User
	fs := &fakeStore{
		createUserFn: func(_ context.Context, user store.User) error {
			owner = user
			return nil
		},
	}
	fs.getUserByIDFn = func(context.Context, string) (store.User, error) { return owner, nil }
	fs.getSOPFn = func(context.Context, string) (store.SOP, error) {
		sop := draftSOP()
		sop.CreatedByID = owner.ID
		sop.Status = store.StatusPublished
		return sop, nil
	}
	_, handler := newTestServer(fs)
	token := signUpOwner(t, handler)

	req := httptest.NewRequest(http.MethodPost, "/api/sops/sop-1/submit", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("submit on published: status = %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if payload["code"] != "INVALID_STATE" {
		t.Errorf("code = %v", payload["code"])
	}
}

func TestSearchRejectsBadLimit(t *testing.T) {
	var owner store.User
	fs := &fakeStore{
		createUserFn: func(_ context.Context, user store.User) error {
			owner = user
			return nil
		},
	}
	fs.getUserByIDFn = func(context.Context, string) (store.User, error) { return owner, nil }
	_, handler := newTestServer(fs)
	token := signUpOwner(t, handler)

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=restart&limit=nope", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad limit: status = %d", rec.Code)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	var owner store.User
	fs := &fakeStore{
		createUserFn: func(_ context.Context, user store.User) error {
			owner = user
			return nil
		},
	}
	fs.getUserByIDFn = func(context.Context, string) (store.User, error) { return owner, nil }
	_, handler := newTestServer(fs)
	token := signUpOwner(t, handler)

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route: status = %d", rec.Code)
	}
}

func TestSessionProbeNeverFails(t *testing.T) {
	_, handler := newTestServer(&fakeStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("session probe: status = %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode session response: %v", err)
	}
	if payload["authenticated"] != false {
		t.Errorf("authenticated = %v", payload["authenticated"])
	}
}
