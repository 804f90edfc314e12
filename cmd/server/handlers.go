package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/expedientelab/lexrag"
	"github.com/expedientelab/lexrag/rag"
)

type handler struct {
	engine *lexrag.Engine
}

func newHandler(e *lexrag.Engine) *handler {
	return &handler{engine: e}
}

// userOf resolves the acting user: the X-User-ID header, or the form/query
// user_id field.
func userOf(r *http.Request) string {
	if u := r.Header.Get("X-User-ID"); u != "" {
		return u
	}
	return r.FormValue("user_id")
}

// POST /upload
// Multipart upload: expediente, file. Responds immediately with the job ID;
// processing continues in the worker pool.
func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "se esperaba multipart/form-data")
		return
	}

	expediente := r.FormValue("expediente_numero")
	if expediente == "" {
		expediente = r.FormValue("expediente")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "falta el campo 'file'")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "error leyendo el archivo")
		slog.Error("reading upload", "error", err)
		return
	}

	// Path components in the client filename would escape the uploads dir.
	filename := filepath.Base(header.Filename)

	jobID, err := h.engine.Upload(r.Context(), expediente, filename, data, userOf(r))
	if err != nil {
		if errors.Is(err, lexrag.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, lexrag.ErrQueueClosed) {
			writeError(w, http.StatusServiceUnavailable, "servicio en apagado")
			return
		}
		writeError(w, http.StatusInternalServerError, "error encolando el documento")
		slog.Error("upload error", "expediente", expediente, "file", filename, "error", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     jobID,
		"expediente": expediente,
		"filename":   filename,
		"state":      "Pendiente",
	})
}

// GET /progress?job_id=...
func (h *handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "falta job_id")
		return
	}

	job, err := h.engine.Progress(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, lexrag.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "trabajo no encontrado")
			return
		}
		writeError(w, http.StatusInternalServerError, "error consultando el progreso")
		slog.Error("progress error", "job", jobID, "error", err)
		return
	}

	resp := map[string]any{
		"task_id":         job.TaskID,
		"status":          job.Status,
		"progress":        job.Progress,
		"message":         job.Message,
		"elapsed_seconds": job.ElapsedSeconds(),
		"is_finished":     job.IsFinished(),
	}
	if job.ErrorDetails != "" {
		resp["error_details"] = job.ErrorDetails
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /cancel
func (h *handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "falta job_id")
		return
	}

	ok, err := h.engine.CancelJob(r.Context(), req.JobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "error cancelando el trabajo")
		slog.Error("cancel error", "job", req.JobID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok})
}

// POST /query
// Streams the answer as server-sent events.
func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req rag.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "JSON inválido")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "falta la pregunta")
		return
	}
	if req.UserID == "" {
		req.UserID = userOf(r)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := h.engine.Query(ctx, req, rag.SSEEmitter(w)); err != nil {
		// Headers are gone; the error frame already reached the client.
		slog.Error("query error", "session", req.SessionID, "error", err)
	}
}

// GET /sessions?user_id=...
func (h *handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := userOf(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "falta user_id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	metas, err := h.engine.Sessions(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "error listando sesiones")
		slog.Error("list sessions error", "user", userID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": metas})
}

// GET /session?id=...
func (h *handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "falta id")
		return
	}

	s, err := h.engine.Session(r.Context(), sessionID, userOf(r))
	if err != nil {
		writeSessionError(w, sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// DELETE /session?id=...
func (h *handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "falta id")
		return
	}

	if err := h.engine.DeleteSession(r.Context(), sessionID, userOf(r)); err != nil {
		writeSessionError(w, sessionID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeSessionError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, lexrag.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "sesión no encontrada")
	case errors.Is(err, lexrag.ErrForbidden):
		writeError(w, http.StatusForbidden, "la sesión pertenece a otro usuario")
	default:
		writeError(w, http.StatusInternalServerError, "error accediendo a la sesión")
		slog.Error("session error", "session", sessionID, "error", err)
	}
}

// GET /documents?expediente=...
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	expediente := r.URL.Query().Get("expediente")
	if expediente == "" {
		writeError(w, http.StatusBadRequest, "falta expediente")
		return
	}

	docs, err := h.engine.Documents(r.Context(), expediente, userOf(r))
	if err != nil {
		if errors.Is(err, lexrag.ErrNotFound) {
			writeError(w, http.StatusNotFound, "expediente no encontrado")
			return
		}
		writeError(w, http.StatusInternalServerError, "error listando documentos")
		slog.Error("list documents error", "expediente", expediente, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"expediente": expediente,
		"documents":  docs,
	})
}

// GET /audit
func (h *handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	recs, err := h.engine.Audit(r.Context(), userOf(r), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "error consultando la bitácora")
		slog.Error("audit error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
