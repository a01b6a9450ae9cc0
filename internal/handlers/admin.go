package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/crypto"
	"github.com/termgate/termgate/internal/database"
	"github.com/termgate/termgate/internal/gateerr"
	"github.com/termgate/termgate/internal/middleware"
)

func idParam(r *http.Request, name string) (uint, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || id < 0 {
		return 0, false
	}
	return uint(id), true
}

// notFoundOr maps ErrNotFound to 404 and everything else to 500.
func notFoundOr(w http.ResponseWriter, err error, fallback string) {
	if errors.Is(err, gateerr.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	writeError(w, http.StatusInternalServerError, fallback)
}

// Tables returns the full membership snapshot the admin UI renders from.
// Credential columns never leave the server; only masked hints are exposed.
func Tables(w http.ResponseWriter, r *http.Request) {
	users, err := database.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}
	groups, err := database.ListGroups()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list groups")
		return
	}
	servers, err := database.ListServers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list servers")
		return
	}
	links, err := database.ListLinks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list links")
		return
	}

	srvs := make([]map[string]interface{}, 0, len(servers))
	for _, s := range servers {
		srvs = append(srvs, map[string]interface{}{
			"id":       s.ID,
			"name":     s.Name,
			"host":     s.Host,
			"port":     s.Port,
			"username": s.Username,
			"auth": map[string]string{
				"password":    crypto.Mask(s.Password),
				"private_key": crypto.Mask(s.PrivateKey),
			},
			"created_at": formatTimestamp(s.CreatedAt),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users":   users,
		"groups":  groups,
		"servers": srvs,
		"links":   links,
	})
}

// Users

func CreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	if body.Role == "" {
		body.Role = "user"
	}
	if body.Role != "admin" && body.Role != "user" {
		writeError(w, http.StatusBadRequest, "Role must be 'admin' or 'user'")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}
	user := &database.User{Username: body.Username, PasswordHash: hash, Role: body.Role}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusConflict, "Username already exists")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

func DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	currentUser := middleware.GetUser(r)
	if currentUser != nil && currentUser.ID == id {
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}

	if err := Authz.RemoveUser(id); err != nil {
		notFoundOr(w, err, "Failed to delete user")
		return
	}

	// Deleting a user kills their live terminals and login sessions.
	Registry.CloseAllForUser(id)
	SessionStore.DeleteByUserID(id)

	w.WriteHeader(http.StatusNoContent)
}

// SetUserGroup assigns or clears a user's group. A null group_id clears it.
func SetUserGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	var body struct {
		GroupID *uint `json:"group_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := Authz.SetUserGroup(id, body.GroupID); err != nil {
		notFoundOr(w, err, "Failed to set group")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       id,
		"group_id": body.GroupID,
	})
}

// Groups

func CreateGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "Group name is required")
		return
	}

	group := &database.Group{Name: body.Name}
	if err := database.CreateGroup(group); err != nil {
		writeError(w, http.StatusConflict, "Group name already exists")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":   group.ID,
		"name": group.Name,
	})
}

func DeleteGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid group ID")
		return
	}

	// Member list is needed before the delete nulls the references.
	members, err := database.ListUsersInGroup(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve group members")
		return
	}

	if err := Authz.RemoveGroup(id); err != nil {
		notFoundOr(w, err, "Failed to delete group")
		return
	}

	// Members lost all access with the group; their terminals go too.
	for _, u := range members {
		Registry.CloseAllForUser(u.ID)
	}

	w.WriteHeader(http.StatusNoContent)
}

// Servers

func CreateServer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string `json:"name"`
		Host       string `json:"host"`
		Port       int    `json:"port"`
		Username   string `json:"username"`
		Password   string `json:"password"`
		PrivateKey string `json:"private_key"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Host == "" || body.Username == "" {
		writeError(w, http.StatusBadRequest, "Host and username are required")
		return
	}
	if body.Password == "" && body.PrivateKey == "" {
		writeError(w, http.StatusBadRequest, "A password or private key is required")
		return
	}
	if body.Port == 0 {
		body.Port = 22
	}
	if body.Name == "" {
		body.Name = body.Username + "@" + body.Host
	}

	password, err := crypto.Encrypt(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credentials")
		return
	}
	privateKey, err := crypto.Encrypt(body.PrivateKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credentials")
		return
	}
	passphrase, err := crypto.Encrypt(body.Passphrase)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credentials")
		return
	}

	server := &database.Server{
		Name:       body.Name,
		Host:       body.Host,
		Port:       body.Port,
		Username:   body.Username,
		Password:   password,
		PrivateKey: privateKey,
		Passphrase: passphrase,
	}
	if err := database.CreateServer(server); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create server")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":   server.ID,
		"name": server.Name,
		"host": server.Host,
	})
}

func DeleteServer(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid server ID")
		return
	}

	if err := Authz.RemoveServer(id); err != nil {
		notFoundOr(w, err, "Failed to delete server")
		return
	}

	// Live terminals against the deleted server are force-closed.
	Registry.CloseAllForServer(id)

	w.WriteHeader(http.StatusNoContent)
}

// Links

type linkBody struct {
	GroupID  uint `json:"group_id"`
	ServerID uint `json:"server_id"`
}

func CreateLink(w http.ResponseWriter, r *http.Request) {
	var body linkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := Authz.AddLink(body.GroupID, body.ServerID); err != nil {
		notFoundOr(w, err, "Failed to create link")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_id":  body.GroupID,
		"server_id": body.ServerID,
	})
}

func DeleteLink(w http.ResponseWriter, r *http.Request) {
	var body linkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := Authz.RemoveLink(body.GroupID, body.ServerID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to remove link")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Link removed"})
}

// ListMyServers returns the servers the calling user may open terminals to:
// the link set of their group. No group means an empty list.
func ListMyServers(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	type serverResponse struct {
		ID   uint   `json:"id"`
		Name string `json:"name"`
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	result := []serverResponse{}

	if groupID, ok := Authz.GroupOf(user.ID); ok {
		servers, err := database.ListServersForGroup(groupID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list servers")
			return
		}
		for _, s := range servers {
			result = append(result, serverResponse{ID: s.ID, Name: s.Name, Host: s.Host, Port: s.Port})
		}
	}

	writeJSON(w, http.StatusOK, result)
}

// Sessions (admin view of the connection registry)

func ListSessions(w http.ResponseWriter, r *http.Request) {
	type sessionResponse struct {
		ID       string `json:"id"`
		UserID   uint   `json:"user_id"`
		ServerID uint   `json:"server_id"`
		OpenedAt string `json:"opened_at"`
	}
	sessions := Registry.List()
	result := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, sessionResponse{
			ID:       s.ID,
			UserID:   s.UserID,
			ServerID: s.ServerID,
			OpenedAt: formatTimestamp(s.OpenedAt),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func CloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Session ID required")
		return
	}
	if err := Registry.Close(id); err != nil {
		notFoundOr(w, err, "Failed to close session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
