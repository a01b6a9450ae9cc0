package handlers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/authz"
	"github.com/termgate/termgate/internal/database"
	"github.com/termgate/termgate/internal/middleware"
	"github.com/termgate/termgate/internal/registry"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTest wires a fresh in-memory database and handler state, returning a
// cleanup func restoring the previous globals.
func setupTest(t *testing.T) func() {
	t.Helper()

	oldDB := database.DB
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	database.DB = db

	oldStore, oldAuthz, oldRegistry := SessionStore, Authz, Registry
	SessionStore = auth.NewSessionStore()
	Authz = authz.NewIndex()
	Registry = registry.New(Authz)

	return func() {
		database.DB = oldDB
		SessionStore, Authz, Registry = oldStore, oldAuthz, oldRegistry
	}
}

// testRouter mirrors the server's routing.
func testRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", HealthCheck)
	r.Post("/auth/login", Login)
	r.Delete("/auth/logout", Logout)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(SessionStore))

		r.Get("/auth/validate", Validate)
		r.Get("/auth/me", GetCurrentUser)
		r.Get("/servers", ListMyServers)
		r.Get("/ws/ssh/{serverId}", TerminalWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Get("/admin/tables", Tables)
			r.Post("/admin/users", CreateUser)
			r.Delete("/admin/users/{id}", DeleteUser)
			r.Put("/admin/users/{id}/group", SetUserGroup)
			r.Post("/admin/groups", CreateGroup)
			r.Delete("/admin/groups/{id}", DeleteGroup)
			r.Post("/admin/servers", CreateServer)
			r.Delete("/admin/servers/{id}", DeleteServer)
			r.Post("/admin/links", CreateLink)
			r.Delete("/admin/links", DeleteLink)
			r.Get("/admin/sessions", ListSessions)
			r.Delete("/admin/sessions/{sessionId}", CloseSession)
		})
	})

	return r
}

func createTestUser(t *testing.T, username, password, role string) *database.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := &database.User{Username: username, PasswordHash: hash, Role: role}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("create user %q: %v", username, err)
	}
	return user
}

// loginAs issues a session for the user and returns its cookie.
func loginAs(t *testing.T, user *database.User) *http.Cookie {
	t.Helper()
	token, err := SessionStore.Create(user.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return &http.Cookie{Name: auth.SessionCookie, Value: token}
}

func doRequest(t *testing.T, router http.Handler, method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}
