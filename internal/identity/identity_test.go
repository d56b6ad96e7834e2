package identity

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ashureev/alva-duet/internal/store"
)

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "id.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestMiddlewareIssuesIdentity(t *testing.T) {
	repo := newRepo(t)

	var gotUser, gotSession string
	h := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws?session_id=tab-7", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !isValidAnonID(gotUser) {
		t.Fatalf("expected anonymous id, got %q", gotUser)
	}
	if gotSession != "tab-7" {
		t.Fatalf("expected session from query, got %q", gotSession)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != gotUser {
		t.Fatalf("unexpected cookies: %+v", cookies)
	}

	user, err := repo.GetUser(req.Context(), gotUser)
	if err != nil || user == nil {
		t.Fatalf("expected user row, got %v, %v", user, err)
	}
	if user.Username != Username(gotUser) {
		t.Fatalf("unexpected username %q", user.Username)
	}
}

func TestMiddlewareReusesCookieAndHeader(t *testing.T) {
	repo := newRepo(t)
	existing := newAnonID()

	var gotUser, gotSession string
	h := Middleware(repo, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	req.Header.Set(SessionHeaderName, "tab/../../bad")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotUser != existing {
		t.Fatalf("expected cookie identity %q, got %q", existing, gotUser)
	}
	if gotSession != DefaultSessionIDValue {
		t.Fatalf("expected invalid session id to fall back, got %q", gotSession)
	}
	if c := rec.Result().Cookies(); len(c) != 1 || !c[0].Secure {
		t.Fatalf("expected refreshed secure cookie, got %+v", c)
	}
}

func TestMiddlewareRejectsForgedCookie(t *testing.T) {
	repo := newRepo(t)

	var gotUser string
	h := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "admin"})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if gotUser == "admin" || !isValidAnonID(gotUser) {
		t.Fatalf("forged cookie should be replaced, got %q", gotUser)
	}
}
