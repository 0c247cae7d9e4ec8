package handler

import (
	"net/http"
	"strconv"

	"hakanai/internal/chat"
)

// GetConversation handles GET /api/messages?user_a={id}&user_b={id}
// 二人の間のメッセージを古い順に返す
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	userA, errA := strconv.ParseInt(query.Get("user_a"), 10, 64)
	userB, errB := strconv.ParseInt(query.Get("user_b"), 10, 64)
	if errA != nil || errB != nil || userA <= 0 || userB <= 0 {
		h.Log.Warn("[GET /api/messages] ❌ Bad Request", "user_a", query.Get("user_a"), "user_b", query.Get("user_b"))
		writeError(w, http.StatusBadRequest, "user_a and user_b are required")
		return
	}

	messages, err := h.Store.QueryConversation(r.Context(), userA, userB)
	if err != nil {
		h.Log.Error("[GET /api/messages] ❌ Database error", "error", err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	for i := range messages {
		messages[i] = chat.ResolveAttachment(r.Context(), h.Attachments, h.Log, messages[i])
	}

	h.Log.Debug("[GET /api/messages] ✅ Returned messages", "user_a", userA, "user_b", userB, "count", len(messages))
	writeJSON(w, http.StatusOK, messages)
}
