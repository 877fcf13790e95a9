package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/igorpdm/Manoel-Filmes/internal/domain"
	"github.com/igorpdm/Manoel-Filmes/internal/fsutil"
	"github.com/igorpdm/Manoel-Filmes/internal/metrics"
	"github.com/igorpdm/Manoel-Filmes/internal/room"
)

const (
	gcInterval        = 5 * time.Minute
	uploadTTL         = 30 * time.Minute
	progressThrottle  = 250 * time.Millisecond
	partFileName      = "upload.part"
	metaFileName      = "meta.json"
	subtitleDirSuffix = "_subtitles"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeFilename collapses everything outside [A-Za-z0-9._-] to '_' and
// strips any directory components.
func SanitizeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "" {
		return "_"
	}
	return unsafeFilenameChars.ReplaceAllString(base, "_")
}

// Broadcaster fans a typed message out to a room's WebSocket clients.
type Broadcaster interface {
	Broadcast(roomID, msgType string, data any)
}

// InitRequest is the validated body of an upload init.
type InitRequest struct {
	Filename    string
	TotalChunks int
	ChunkSize   int64
	TotalSize   int64
}

// StatusResult lets a reloaded client resume an interrupted upload.
type StatusResult struct {
	UploadID       string `json:"uploadId"`
	Filename       string `json:"filename"`
	TotalChunks    int    `json:"totalChunks"`
	ExistingChunks []int  `json:"existingChunks"`
	LastActivity   int64  `json:"lastActivity"`
}

// Manager is the chunked resumable upload engine: parallel chunk writes
// into one preallocated part file, in-memory metadata with on-disk
// checkpoints, and TTL garbage collection.
type Manager struct {
	logger     *slog.Logger
	uploadsDir string
	bc         Broadcaster
	pool       *handlePool
	now        func() time.Time

	mu           sync.Mutex
	metas        map[string]*domain.UploadMeta // by uploadID
	activeByRoom map[string]string             // roomID -> uploadID
	lastProgress map[string]progressMark       // roomID -> throttle state
}

type progressMark struct {
	value int
	at    time.Time
}

type ManagerOption func(*Manager)

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(logger *slog.Logger, uploadsDir string, bc Broadcaster, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:       logger,
		uploadsDir:   filepath.Clean(uploadsDir),
		bc:           bc,
		now:          time.Now,
		metas:        make(map[string]*domain.UploadMeta),
		activeByRoom: make(map[string]string),
		lastProgress: make(map[string]progressMark),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pool = newHandlePool(logger, m.now)
	return m
}

// Run drives the idle-handle sweeper and the TTL garbage collector.
func (m *Manager) Run(ctx context.Context) {
	go m.pool.run(ctx)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collectExpired()
		}
	}
}

// Init starts a new upload for the room, purging any previous active one.
func (m *Manager) Init(r *room.Room, req InitRequest) (*domain.UploadMeta, error) {
	if req.TotalChunks <= 0 {
		return nil, domain.Validationf("totalChunks must be positive")
	}
	if req.ChunkSize <= 0 {
		return nil, domain.Validationf("chunkSize must be positive")
	}
	if req.TotalSize < 0 {
		return nil, domain.Validationf("totalSize must not be negative")
	}
	if r.Processing() {
		return nil, domain.ErrConflict
	}

	m.mu.Lock()
	if prev, ok := m.activeByRoom[r.ID]; ok {
		m.purgeLocked(prev)
	}
	now := m.now()
	meta := &domain.UploadMeta{
		RoomID:       r.ID,
		UploadID:     fmt.Sprintf("%s_%d", r.ID, now.UnixMilli()),
		Filename:     SanitizeFilename(req.Filename),
		TotalChunks:  req.TotalChunks,
		ChunkSize:    req.ChunkSize,
		TotalSize:    req.TotalSize,
		Received:     make(map[int]bool),
		CreatedAt:    now.UnixMilli(),
		LastActivity: now.UnixMilli(),
	}
	m.metas[meta.UploadID] = meta
	m.activeByRoom[r.ID] = meta.UploadID
	delete(m.lastProgress, r.ID)
	metrics.ActiveUploads.Inc()
	m.mu.Unlock()

	dir := m.uploadDir(meta.UploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.forget(meta.UploadID)
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	part, err := os.OpenFile(filepath.Join(dir, partFileName), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		m.forget(meta.UploadID)
		return nil, fmt.Errorf("create part file: %w", err)
	}
	// Sparse preallocation: the file reports full length without consuming
	// disk until chunks land.
	if err := part.Truncate(req.TotalSize); err != nil {
		part.Close()
		m.forget(meta.UploadID)
		return nil, fmt.Errorf("preallocate part file: %w", err)
	}
	if err := part.Close(); err != nil {
		m.forget(meta.UploadID)
		return nil, fmt.Errorf("close part file: %w", err)
	}
	if err := m.writeMeta(meta); err != nil {
		m.forget(meta.UploadID)
		return nil, err
	}

	r.SetUploading(true, 0)
	if m.bc != nil {
		m.bc.Broadcast(r.ID, "upload-start", map[string]any{
			"uploadId": meta.UploadID,
			"filename": meta.Filename,
		})
	}
	m.logger.Info("upload initialized",
		slog.String("roomId", r.ID),
		slog.String("uploadId", meta.UploadID),
		slog.String("filename", meta.Filename),
		slog.Int("totalChunks", meta.TotalChunks),
		slog.Int64("totalSize", meta.TotalSize),
	)
	return meta, nil
}

// WriteChunk writes one chunk body at its exclusive offset and returns the
// capped progress percentage.
func (m *Manager) WriteChunk(r *room.Room, uploadID string, chunkIndex int, body io.Reader) (int, error) {
	m.mu.Lock()
	meta, ok := m.metas[uploadID]
	if !ok || meta.RoomID != r.ID {
		m.mu.Unlock()
		return 0, domain.ErrNotFound
	}
	totalChunks := meta.TotalChunks
	chunkSize := meta.ChunkSize
	m.mu.Unlock()

	if chunkIndex < 0 || chunkIndex >= totalChunks {
		return 0, domain.Validationf("chunkIndex %d out of range [0,%d)", chunkIndex, totalChunks)
	}

	handle, err := m.pool.acquire(uploadID, filepath.Join(m.uploadDir(uploadID), partFileName))
	if err != nil {
		return 0, fmt.Errorf("open part file: %w", err)
	}
	defer m.pool.release(handle)

	offset := int64(chunkIndex) * chunkSize
	written, err := io.Copy(io.NewOffsetWriter(handle.file, offset), body)
	if err != nil {
		return 0, fmt.Errorf("write chunk %d: %w", chunkIndex, err)
	}

	m.mu.Lock()
	meta.Received[chunkIndex] = true
	meta.LastActivity = m.now().UnixMilli()
	progress := meta.Progress()
	m.mu.Unlock()

	metrics.UploadChunksTotal.Inc()
	metrics.UploadBytesTotal.Add(float64(written))

	r.SetUploading(true, progress)
	m.broadcastProgress(r.ID, progress)
	return progress, nil
}

// Status reports which chunks are already on disk so a reloaded client can
// resume instead of restarting.
func (m *Manager) Status(roomID, uploadID string) (StatusResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[uploadID]
	if !ok || meta.RoomID != roomID {
		return StatusResult{}, domain.ErrNotFound
	}
	return StatusResult{
		UploadID:       meta.UploadID,
		Filename:       meta.Filename,
		TotalChunks:    meta.TotalChunks,
		ExistingChunks: meta.ReceivedIndices(),
		LastActivity:   meta.LastActivity,
	}, nil
}

// Complete verifies all chunks arrived, publishes the assembled file under
// the uploads root and clears the upload. The returned path is the final
// playable candidate handed to post-processing.
func (m *Manager) Complete(r *room.Room, uploadID string) (string, error) {
	m.mu.Lock()
	meta, ok := m.metas[uploadID]
	if !ok || meta.RoomID != r.ID {
		m.mu.Unlock()
		return "", domain.ErrNotFound
	}
	if len(meta.Received) != meta.TotalChunks {
		received := len(meta.Received)
		expected := meta.TotalChunks
		m.mu.Unlock()
		return "", domain.Validationf("upload incomplete: received %d of %d chunks", received, expected)
	}
	meta.LastActivity = m.now().UnixMilli()
	m.mu.Unlock()

	m.pool.close(uploadID)

	if err := m.writeMeta(meta); err != nil {
		m.logger.Warn("final meta flush failed", slog.String("uploadId", uploadID), slog.String("error", err.Error()))
	}

	finalPath := filepath.Join(m.uploadsDir, uploadID+"_"+meta.Filename)
	if !fsutil.Within(m.uploadsDir, finalPath) {
		return "", domain.Validationf("filename escapes uploads root")
	}
	if err := os.Rename(filepath.Join(m.uploadDir(uploadID), partFileName), finalPath); err != nil {
		return "", fmt.Errorf("publish uploaded file: %w", err)
	}
	_ = os.RemoveAll(m.uploadDir(uploadID))

	m.forget(uploadID)

	r.SetUploading(false, 100)
	if m.bc != nil {
		m.bc.Broadcast(r.ID, "upload-progress", map[string]any{"progress": 100})
	}
	m.logger.Info("upload completed",
		slog.String("roomId", r.ID),
		slog.String("uploadId", uploadID),
		slog.String("path", finalPath),
	)
	return finalPath, nil
}

// Abort drops the upload, its caches and its directory.
func (m *Manager) Abort(r *room.Room, uploadID string) error {
	m.mu.Lock()
	meta, ok := m.metas[uploadID]
	if !ok || meta.RoomID != r.ID {
		m.mu.Unlock()
		return domain.ErrNotFound
	}
	m.purgeLocked(uploadID)
	m.mu.Unlock()

	r.SetUploading(false, 0)
	m.logger.Info("upload aborted", slog.String("roomId", r.ID), slog.String("uploadId", uploadID))
	return nil
}

// ActiveUploadID returns the room's current upload, if any.
func (m *Manager) ActiveUploadID(roomID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.activeByRoom[roomID]
	return id, ok
}

// PurgeRoom removes all upload state and directories belonging to a room.
// Called from the room deletion cascade.
func (m *Manager) PurgeRoom(roomID string) {
	m.mu.Lock()
	if uploadID, ok := m.activeByRoom[roomID]; ok {
		m.purgeLocked(uploadID)
	}
	delete(m.lastProgress, roomID)
	m.mu.Unlock()

	// Leftover directories from earlier uploads of the same room.
	entries, err := os.ReadDir(m.uploadsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, roomID+"_") || strings.HasSuffix(name, subtitleDirSuffix) {
			continue
		}
		if entry.IsDir() {
			_ = os.RemoveAll(filepath.Join(m.uploadsDir, name))
		}
	}
}

// purgeLocked drops caches and the on-disk directory for one upload.
// Caller holds m.mu.
func (m *Manager) purgeLocked(uploadID string) {
	meta, ok := m.metas[uploadID]
	if ok {
		delete(m.metas, uploadID)
		if m.activeByRoom[meta.RoomID] == uploadID {
			delete(m.activeByRoom, meta.RoomID)
		}
		metrics.ActiveUploads.Dec()
	}
	m.pool.close(uploadID)
	_ = os.RemoveAll(m.uploadDir(uploadID))
}

// forget removes in-memory state without touching disk beyond the dir.
func (m *Manager) forget(uploadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.metas[uploadID]; ok {
		delete(m.metas, uploadID)
		if m.activeByRoom[meta.RoomID] == uploadID {
			delete(m.activeByRoom, meta.RoomID)
		}
		metrics.ActiveUploads.Dec()
	}
}

func (m *Manager) uploadDir(uploadID string) string {
	return filepath.Join(m.uploadsDir, SanitizeFilename(uploadID))
}

// broadcastProgress emits upload-progress at most once per 250 ms per room,
// and only when the value moved.
func (m *Manager) broadcastProgress(roomID string, progress int) {
	if m.bc == nil {
		return
	}
	now := m.now()
	m.mu.Lock()
	mark, seen := m.lastProgress[roomID]
	if seen && (mark.value == progress || now.Sub(mark.at) < progressThrottle) {
		m.mu.Unlock()
		return
	}
	m.lastProgress[roomID] = progressMark{value: progress, at: now}
	m.mu.Unlock()

	m.bc.Broadcast(roomID, "upload-progress", map[string]any{"progress": progress})
}

// writeMeta checkpoints the metadata atomically next to the part file.
func (m *Manager) writeMeta(meta *domain.UploadMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal upload meta: %w", err)
	}
	path := filepath.Join(m.uploadDir(meta.UploadID), metaFileName)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write upload meta: %w", err)
	}
	return nil
}

// collectExpired deletes upload directories whose last activity is older
// than the TTL. Subtitle directories are never collected.
func (m *Manager) collectExpired() {
	entries, err := os.ReadDir(m.uploadsDir)
	if err != nil {
		return
	}
	cutoff := m.now().Add(-uploadTTL)

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasSuffix(entry.Name(), subtitleDirSuffix) {
			continue
		}
		uploadID := entry.Name()
		last, ok := m.lastActivityFor(uploadID)
		if !ok {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			last = info.ModTime()
		}
		if last.After(cutoff) {
			continue
		}

		m.mu.Lock()
		m.purgeLocked(uploadID)
		m.mu.Unlock()
		m.logger.Info("expired upload collected", slog.String("uploadId", uploadID))
	}
}

func (m *Manager) lastActivityFor(uploadID string) (time.Time, bool) {
	m.mu.Lock()
	if meta, ok := m.metas[uploadID]; ok {
		last := time.UnixMilli(meta.LastActivity)
		m.mu.Unlock()
		return last, true
	}
	m.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(m.uploadDir(uploadID), metaFileName))
	if err != nil {
		return time.Time{}, false
	}
	var meta domain.UploadMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(meta.LastActivity), true
}

