package handler

import (
	"encoding/json"
	"net/http"
)

type loginRequest struct {
	Username string `json:"username"`
}

// Login handles POST /api/login
// ユーザー名で取得、なければ作成する
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	h.Log.Info("[POST /api/login] Request received", "remote", r.RemoteAddr)

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var body loginRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.Log.Warn("[POST /api/login] ❌ Bad Request", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.Store.GetOrCreateUser(r.Context(), body.Username)
	if err != nil {
		status := statusFor(err)
		h.Log.Warn("[POST /api/login] ❌ Failed", "status", status, "error", err)
		if status == http.StatusBadRequest {
			writeError(w, status, "Username is required")
			return
		}
		writeError(w, status, "Internal server error")
		return
	}

	h.Log.Info("[POST /api/login] ✅ Logged in", "id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

// ListUsers handles GET /api/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		h.Log.Error("[GET /api/users] ❌ Database error", "error", err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	h.Log.Debug("[GET /api/users] ✅ Returned users", "count", len(users))
	writeJSON(w, http.StatusOK, users)
}
