package room

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/igorpdm/Manoel-Filmes/internal/domain"
	"github.com/igorpdm/Manoel-Filmes/internal/fsutil"
	"github.com/igorpdm/Manoel-Filmes/internal/metrics"
)

const (
	cleanupInterval = 5 * time.Minute
	idleRoomTTL     = 10 * time.Minute
	hostCheckEvery  = 15 * time.Second
	hostInactiveMax = 60 * time.Second
	deleteDebounce  = 30 * time.Second
)

// Notifier is the WebSocket fan-out surface the registry needs: it never
// holds sockets itself.
type Notifier interface {
	Broadcast(roomID, msgType string, data any)
	CloseRoom(roomID string)
	RoomClientCount(roomID string) int
}

// UploadPurger removes a room's upload directories and caches.
type UploadPurger interface {
	PurgeRoom(roomID string)
}

// Meta is the display metadata a room is created with.
type Meta struct {
	Title           string
	MovieName       string
	MovieInfo       string
	SelectedEpisode string
	HostID          string // simple (non-bot) rooms only
}

// Registry owns every room in the process and enforces the
// one-active-session rule.
type Registry struct {
	logger     *slog.Logger
	uploadsDir string
	maxClients int
	now        func() time.Time

	notifier Notifier
	purger   UploadPurger

	mu           sync.Mutex
	rooms        map[string]*Room
	deleteTimers map[string]*time.Timer
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithMaxClients(n int) Option {
	return func(r *Registry) { r.maxClients = n }
}

func NewRegistry(logger *slog.Logger, uploadsDir string, opts ...Option) *Registry {
	reg := &Registry{
		logger:       logger,
		uploadsDir:   uploadsDir,
		maxClients:   10,
		now:          time.Now,
		rooms:        make(map[string]*Room),
		deleteTimers: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// SetNotifier wires the WebSocket hub after construction (the hub needs the
// registry too).
func (reg *Registry) SetNotifier(n Notifier) { reg.notifier = n }

// SetUploadPurger wires the upload engine's cleanup hook.
func (reg *Registry) SetUploadPurger(p UploadPurger) { reg.purger = p }

func (reg *Registry) newRoom(meta Meta, discord *domain.DiscordSession) *Room {
	return &Room{
		ID:              uuid.NewString(),
		Title:           meta.Title,
		MovieName:       meta.MovieName,
		MovieInfo:       meta.MovieInfo,
		SelectedEpisode: meta.SelectedEpisode,
		Discord:         discord,
		CreatedAt:       reg.now().UnixMilli(),
		maxClients:      reg.maxClients,
		clock:           reg.now,
		status:          domain.StatusWaiting,
		tokens:          make(map[string]*domain.Member),
		state:           State{HostID: meta.HostID},
	}
}

// Create registers a simple room. Fails with ErrConflict while any
// non-ended room exists (single concurrent session per instance).
func (reg *Registry) Create(meta Meta) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.activeRoomLocked() != nil {
		return nil, domain.ErrConflict
	}
	r := reg.newRoom(meta, nil)
	reg.rooms[r.ID] = r
	metrics.ActiveRooms.Set(float64(len(reg.rooms)))
	reg.logger.Info("room created", slog.String("roomId", r.ID), slog.String("movie", r.MovieName))
	return r, nil
}

// CreateDiscord registers a bot-bound room and mints the host token.
func (reg *Registry) CreateDiscord(meta Meta, session domain.DiscordSession) (*Room, string, error) {
	reg.mu.Lock()
	if reg.activeRoomLocked() != nil {
		reg.mu.Unlock()
		return nil, "", domain.ErrConflict
	}
	r := reg.newRoom(meta, &session)
	reg.rooms[r.ID] = r
	metrics.ActiveRooms.Set(float64(len(reg.rooms)))
	reg.mu.Unlock()

	hostToken, err := r.grantHostToken(session.HostDiscordID, session.HostUsername)
	if err != nil {
		reg.Delete(r.ID)
		return nil, "", err
	}
	r.Heartbeat()
	reg.logger.Info("discord session created",
		slog.String("roomId", r.ID),
		slog.String("movie", r.MovieName),
		slog.String("hostDiscordId", session.HostDiscordID),
	)
	return r, hostToken, nil
}

func (reg *Registry) activeRoomLocked() *Room {
	for _, r := range reg.rooms {
		if r.Status() != domain.StatusEnded {
			return r
		}
	}
	return nil
}

// Get resolves a room by ID.
func (reg *Registry) Get(roomID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}

// ForEach calls fn for every registered room.
func (reg *Registry) ForEach(fn func(*Room)) {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()
	for _, r := range rooms {
		fn(r)
	}
}

// Count returns the number of registered rooms.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Delete removes a room and cascades: sockets closed, upload directories
// purged, and the published video removed when it lives under the uploads
// root (uploads elsewhere on disk are never touched).
func (reg *Registry) Delete(roomID string) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if !ok {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, roomID)
	if t, ok := reg.deleteTimers[roomID]; ok {
		t.Stop()
		delete(reg.deleteTimers, roomID)
	}
	metrics.ActiveRooms.Set(float64(len(reg.rooms)))
	reg.mu.Unlock()

	r.End()
	if reg.notifier != nil {
		reg.notifier.CloseRoom(roomID)
	}
	if reg.purger != nil {
		reg.purger.PurgeRoom(roomID)
	}
	if videoPath := r.VideoPath(); videoPath != "" && fsutil.Within(reg.uploadsDir, videoPath) {
		if err := os.Remove(videoPath); err != nil && !os.IsNotExist(err) {
			reg.logger.Warn("room video removal failed",
				slog.String("roomId", roomID),
				slog.String("error", err.Error()),
			)
		}
	}
	subsDir := filepath.Join(reg.uploadsDir, roomID+"_subtitles")
	if fsutil.Within(reg.uploadsDir, subsDir) {
		_ = os.RemoveAll(subsDir)
	}
	reg.logger.Info("room deleted", slog.String("roomId", roomID))
}

// ClientJoined cancels any pending delete debounce for the room.
func (reg *Registry) ClientJoined(roomID string) {
	reg.mu.Lock()
	if t, ok := reg.deleteTimers[roomID]; ok {
		t.Stop()
		delete(reg.deleteTimers, roomID)
	}
	reg.mu.Unlock()
}

// ClientLeft schedules a debounced deletion when the room has no clients
// left, tolerating page reloads.
func (reg *Registry) ClientLeft(roomID string) {
	if reg.notifier != nil && reg.notifier.RoomClientCount(roomID) > 0 {
		return
	}
	reg.mu.Lock()
	if _, exists := reg.rooms[roomID]; !exists {
		reg.mu.Unlock()
		return
	}
	if _, pending := reg.deleteTimers[roomID]; pending {
		reg.mu.Unlock()
		return
	}
	reg.deleteTimers[roomID] = time.AfterFunc(deleteDebounce, func() {
		if reg.notifier != nil && reg.notifier.RoomClientCount(roomID) > 0 {
			reg.mu.Lock()
			delete(reg.deleteTimers, roomID)
			reg.mu.Unlock()
			return
		}
		r, ok := reg.Get(roomID)
		if !ok {
			return
		}
		// Keep rooms alive while an upload or processing runs host-less.
		if uploading, _ := r.Uploading(); uploading || r.Processing() {
			reg.mu.Lock()
			delete(reg.deleteTimers, roomID)
			reg.mu.Unlock()
			return
		}
		reg.logger.Info("room empty past debounce, deleting", slog.String("roomId", roomID))
		reg.Delete(roomID)
	})
	reg.mu.Unlock()
}

// Run drives the periodic maintenance loops: idle-room cleanup every 5
// minutes and the host-inactivity check every 15 seconds.
func (reg *Registry) Run(ctx context.Context) {
	cleanup := time.NewTicker(cleanupInterval)
	hostCheck := time.NewTicker(hostCheckEvery)
	defer cleanup.Stop()
	defer hostCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			reg.cleanupIdleRooms()
		case <-hostCheck.C:
			reg.checkHostActivity()
		}
	}
}

func (reg *Registry) cleanupIdleRooms() {
	now := reg.now().UnixMilli()
	var stale []string
	reg.ForEach(func(r *Room) {
		if reg.notifier != nil && reg.notifier.RoomClientCount(r.ID) > 0 {
			return
		}
		if uploading, _ := r.Uploading(); uploading || r.Processing() {
			return
		}
		if now-r.LastUpdateMs() > idleRoomTTL.Milliseconds() {
			stale = append(stale, r.ID)
		}
	})
	for _, id := range stale {
		reg.logger.Info("cleaning up idle room", slog.String("roomId", id))
		reg.Delete(id)
	}
}

func (reg *Registry) checkHostActivity() {
	reg.ForEach(func(r *Room) {
		if r.Ended() {
			return
		}
		if reg.notifier != nil && reg.notifier.RoomClientCount(r.ID) == 0 {
			return
		}
		newHost, transferred := r.TransferHostIfInactive(hostInactiveMax)
		if !transferred {
			return
		}
		metrics.HostTransfersTotal.Inc()
		reg.logger.Info("host transferred",
			slog.String("roomId", r.ID),
			slog.String("newHostId", newHost.ExternalID),
			slog.String("newHostUsername", newHost.DisplayName),
		)
		if reg.notifier != nil {
			reg.notifier.Broadcast(r.ID, "host-changed", map[string]any{
				"newHostId":       newHost.ExternalID,
				"newHostUsername": newHost.DisplayName,
			})
		}
	})
}

