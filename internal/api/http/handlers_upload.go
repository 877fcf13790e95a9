package apihttp

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/igorpdm/Manoel-Filmes/internal/domain"
	"github.com/igorpdm/Manoel-Filmes/internal/fsutil"
	"github.com/igorpdm/Manoel-Filmes/internal/room"
	"github.com/igorpdm/Manoel-Filmes/internal/upload"
)

// authorizeUpload enforces upload authority: the session must not have
// ended, token-bound rooms require the host token, simple rooms require the
// matching hostId.
func authorizeUpload(rm *room.Room, r *http.Request) error {
	if rm.Ended() {
		return domain.ErrForbidden
	}
	if rm.Discord != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("X-Session-Token")
		}
		if !rm.IsHostToken(token) {
			return domain.ErrForbidden
		}
		return nil
	}
	hostID := r.URL.Query().Get("hostId")
	if hostID == "" {
		hostID = r.Header.Get("X-Host-Id")
	}
	if want := rm.HostID(); want != "" && want != hostID {
		return domain.ErrForbidden
	}
	return nil
}

type uploadInitRequest struct {
	Filename    string `json:"filename"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalSize   int64  `json:"totalSize"`
}

func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if err := authorizeUpload(rm, r); err != nil {
		writeDomainError(w, err)
		return
	}

	var req uploadInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}
	meta, err := s.uploads.Init(rm, upload.InitRequest{
		Filename:    req.Filename,
		TotalChunks: req.TotalChunks,
		ChunkSize:   req.ChunkSize,
		TotalSize:   req.TotalSize,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uploadId":     meta.UploadID,
		"safeFilename": meta.Filename,
	})
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if err := authorizeUpload(rm, r); err != nil {
		writeDomainError(w, err)
		return
	}

	chunkIndex, err := strconv.Atoi(chi.URLParam(r, "chunkIndex"))
	if err != nil || chunkIndex < 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "chunkIndex must be a non-negative integer")
		return
	}

	uploadID := chi.URLParam(r, "uploadID")
	progress, err := s.uploads.WriteChunk(rm, uploadID, chunkIndex, r.Body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"chunkIndex": chunkIndex,
		"progress":   progress,
	})
}

type uploadCompleteRequest struct {
	Filename         string `json:"filename"`
	TotalChunks      int    `json:"totalChunks"`
	AudioStreamIndex *int   `json:"audioStreamIndex"`
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if err := authorizeUpload(rm, r); err != nil {
		writeDomainError(w, err)
		return
	}

	var req uploadCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return
	}

	uploadID := chi.URLParam(r, "uploadID")
	finalPath, err := s.uploads.Complete(rm, uploadID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	audioSelection := -1
	if req.AudioStreamIndex != nil {
		audioSelection = *req.AudioStreamIndex
	}
	s.requestMediaProcessing(rm, finalPath, audioSelection)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"filename":   filepath.Base(finalPath),
		"processing": true,
	})
}

func (s *Server) handleUploadAbort(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if err := authorizeUpload(rm, r); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.uploads.Abort(rm, chi.URLParam(r, "uploadID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if err := authorizeUpload(rm, r); err != nil {
		writeDomainError(w, err)
		return
	}
	status, err := s.uploads.Status(rm.ID, chi.URLParam(r, "uploadID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleSubtitleUpload accepts an externally supplied subtitle file for the
// room, raw body with the name in the X-Filename header.
func (s *Server) handleSubtitleUpload(w http.ResponseWriter, r *http.Request) {
	rm, ok := s.getRoom(w, r)
	if !ok {
		return
	}
	if err := authorizeUpload(rm, r); err != nil {
		writeDomainError(w, err)
		return
	}

	filename := upload.SanitizeFilename(r.Header.Get("X-Filename"))
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != ".srt" && ext != ".vtt" {
		writeError(w, http.StatusBadRequest, "validation_error", "subtitle must be a .srt or .vtt file")
		return
	}

	subsDir := filepath.Join(s.uploadsDir, rm.ID+"_subtitles")
	target := filepath.Join(subsDir, filename)
	if !fsutil.Within(s.uploadsDir, target) {
		writeError(w, http.StatusBadRequest, "validation_error", "filename escapes uploads root")
		return
	}
	if err := os.MkdirAll(subsDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not store subtitle")
		return
	}
	out, err := os.Create(target)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "could not store subtitle")
		return
	}
	if _, err := out.ReadFrom(r.Body); err != nil {
		out.Close()
		_ = os.Remove(target)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not store subtitle")
		return
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(target)
		writeError(w, http.StatusInternalServerError, "internal_error", "could not store subtitle")
		return
	}

	sub := domain.Subtitle{
		Filename:    filename,
		DisplayName: strings.TrimSuffix(filename, filepath.Ext(filename)),
	}
	rm.AddSubtitle(sub)
	s.hub.Broadcast(rm.ID, "subtitle-added", sub)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"filename":    sub.Filename,
		"displayName": sub.DisplayName,
	})
}
