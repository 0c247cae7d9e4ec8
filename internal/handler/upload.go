package handler

import (
	"errors"
	"net/http"

	"hakanai/internal/attachment"
)

// Upload handles POST /api/upload (multipart field "file")
// 保存した添付の参照を返す。メッセージ送信時に attachment_ref として使う
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.Attachments == nil {
		writeError(w, http.StatusServiceUnavailable, "Uploads are disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.Log.Warn("[POST /api/upload] ❌ File too large", "limit", h.Config.MaxUploadBytes)
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		h.Log.Warn("[POST /api/upload] ❌ Bad Request", "error", err)
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	upload, err := attachment.Save(r.Context(), h.Attachments, header.Filename, file)
	if err != nil {
		h.Log.Error("[POST /api/upload] ❌ Failed to store file", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store file")
		return
	}

	h.Log.Info("[POST /api/upload] ✅ Stored", "ref", upload.Ref, "kind", upload.Kind, "mime", upload.MimeType)
	writeJSON(w, http.StatusOK, upload)
}
