package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/authz"
	"github.com/termgate/termgate/internal/registry"
)

// Shared state, set from main.go during init.
var (
	SessionStore *auth.SessionStore
	Authz        *authz.Index
	Registry     *registry.Registry
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
