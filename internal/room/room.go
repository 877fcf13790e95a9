package room

import (
	"errors"
	"sync"
	"time"

	"github.com/igorpdm/Manoel-Filmes/internal/domain"
)

var (
	// ErrStaleSeq is returned for playback commands whose sequence number
	// does not advance past the last applied one.
	ErrStaleSeq = errors.New("stale command sequence")
	// ErrRoomFull is returned when the member cap is reached.
	ErrRoomFull = errors.New("room full")
)

// State is the mutable playback and pipeline state of a room. All fields
// are guarded by the owning Room's mutex.
type State struct {
	VideoPath         string
	VideoDuration     float64 // seconds, 0 until probed
	CurrentTime       float64 // seconds at LastUpdate
	LastUpdate        int64   // unix ms
	IsPlaying         bool
	PlaybackStarted   bool
	IsUploading       bool
	UploadProgress    int
	IsProcessing      bool
	ProcessingMessage string
	HostID            string // non-token host identifier for simple rooms
	HostLastHeartbeat int64  // unix ms
	LastCommandSeq    int64
	Subtitles         []domain.Subtitle
}

// Room is the single top-level aggregate: one watch-party with its members,
// ratings and playback state.
type Room struct {
	ID              string
	Title           string
	MovieName       string
	MovieInfo       string
	SelectedEpisode string
	Discord         *domain.DiscordSession
	CreatedAt       int64 // unix ms

	maxClients int
	clock      func() time.Time

	mu      sync.Mutex
	status  domain.SessionStatus
	state   State
	tokens  map[string]*domain.Member
	ratings []domain.Rating
}

// Command is a host playback command after boundary validation.
type Command struct {
	Type        string // play | pause | seek
	CurrentTime float64
	Seq         int64
}

// Snapshot is the reference point a sync frame is built from.
type Snapshot struct {
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
	ServerTime  int64   `json:"serverTime"`
}

func (r *Room) nowMs() int64 { return r.clock().UnixMilli() }

// Status returns the lifecycle status.
func (r *Room) Status() domain.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Room) Ended() bool { return r.Status() == domain.StatusEnded }

// End moves the room to the terminal ended status. Idempotent.
func (r *Room) End() {
	r.mu.Lock()
	r.status = domain.StatusEnded
	r.state.IsPlaying = false
	r.mu.Unlock()
}

// Snapshot computes the effective playhead: the reference time advanced by
// wall-clock elapsed while playing.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() Snapshot {
	now := r.nowMs()
	current := r.state.CurrentTime
	if r.state.IsPlaying && r.state.LastUpdate > 0 {
		current += float64(now-r.state.LastUpdate) / 1000
	}
	return Snapshot{CurrentTime: current, IsPlaying: r.state.IsPlaying, ServerTime: now}
}

// ApplyCommand applies a host playback command with sequence gating.
// Commands with seq <= the last applied seq are dropped with ErrStaleSeq.
// The returned bool reports a waiting->playing status transition.
func (r *Room) ApplyCommand(cmd Command) (Snapshot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == domain.StatusEnded {
		return Snapshot{}, false, domain.ErrForbidden
	}
	if cmd.Seq <= r.state.LastCommandSeq {
		return Snapshot{}, false, ErrStaleSeq
	}

	now := r.nowMs()
	r.state.CurrentTime = cmd.CurrentTime
	r.state.LastUpdate = now
	r.state.LastCommandSeq = cmd.Seq
	r.state.HostLastHeartbeat = now

	switch cmd.Type {
	case "play":
		r.state.IsPlaying = true
	case "pause":
		r.state.IsPlaying = false
	case "seek":
		// seek preserves the play/pause state
	}

	statusChanged := false
	if cmd.Type == "play" && !r.state.PlaybackStarted {
		r.state.PlaybackStarted = true
		if r.Discord != nil && r.status == domain.StatusWaiting {
			r.status = domain.StatusPlaying
			statusChanged = true
		}
	}

	return r.snapshotLocked(), statusChanged, nil
}

// Heartbeat records host liveness.
func (r *Room) Heartbeat() {
	r.mu.Lock()
	r.state.HostLastHeartbeat = r.nowMs()
	r.mu.Unlock()
}

// TransferHostIfInactive promotes the oldest connected non-host member when
// the host has not heartbeated for longer than timeout and no upload is in
// progress. It returns the promoted member when a transfer happened.
func (r *Room) TransferHostIfInactive(timeout time.Duration) (domain.Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == domain.StatusEnded {
		return domain.Member{}, false
	}
	now := r.nowMs()
	if r.state.HostLastHeartbeat == 0 || now-r.state.HostLastHeartbeat <= timeout.Milliseconds() {
		return domain.Member{}, false
	}
	if r.state.IsUploading {
		return domain.Member{}, false
	}

	var candidate *domain.Member
	for _, m := range r.tokens {
		if m.IsHost || !m.Connected || m.ConnectedAt == 0 {
			continue
		}
		if candidate == nil || m.ConnectedAt < candidate.ConnectedAt {
			candidate = m
		}
	}
	if candidate == nil {
		return domain.Member{}, false
	}

	for _, m := range r.tokens {
		m.IsHost = false
	}
	candidate.IsHost = true
	r.state.HostLastHeartbeat = now
	return *candidate, true
}

// SetUploading flips the upload flag and progress.
func (r *Room) SetUploading(active bool, progress int) {
	r.mu.Lock()
	r.state.IsUploading = active
	r.state.UploadProgress = progress
	r.touchLocked()
	r.mu.Unlock()
}

// SetProcessing updates the post-processing flag and UI message.
func (r *Room) SetProcessing(active bool, message string) {
	r.mu.Lock()
	r.state.IsProcessing = active
	r.state.ProcessingMessage = message
	r.touchLocked()
	r.mu.Unlock()
}

// Processing reports whether post-processing is running.
func (r *Room) Processing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.IsProcessing
}

// Uploading reports whether an upload is in progress, with its progress.
func (r *Room) Uploading() (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.IsUploading, r.state.UploadProgress
}

// PublishVideo records the playable file path once post-processing is done.
func (r *Room) PublishVideo(path string) {
	r.mu.Lock()
	r.state.VideoPath = path
	r.state.IsProcessing = false
	r.state.ProcessingMessage = ""
	r.touchLocked()
	r.mu.Unlock()
}

// VideoPath returns the published playable file path, empty until ready.
func (r *Room) VideoPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.VideoPath
}

// SetVideoDuration records the probed media duration in seconds.
func (r *Room) SetVideoDuration(seconds float64) {
	r.mu.Lock()
	r.state.VideoDuration = seconds
	r.mu.Unlock()
}

// VideoDuration returns the probed media duration, 0 when unknown.
func (r *Room) VideoDuration() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.VideoDuration
}

// AddSubtitle registers an extracted subtitle.
func (r *Room) AddSubtitle(sub domain.Subtitle) {
	r.mu.Lock()
	r.state.Subtitles = append(r.state.Subtitles, sub)
	r.mu.Unlock()
}

// Subtitles returns a copy of the registered subtitle list.
func (r *Room) Subtitles() []domain.Subtitle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Subtitle, len(r.state.Subtitles))
	copy(out, r.state.Subtitles)
	return out
}

// LastUpdateMs returns the reference timestamp used by the idle cleanup.
func (r *Room) LastUpdateMs() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.LastUpdate == 0 {
		return r.CreatedAt
	}
	return r.state.LastUpdate
}

// HostID returns the non-token host identifier of simple rooms.
func (r *Room) HostID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.HostID
}

// touchLocked bumps LastUpdate without moving the playhead reference while
// paused; while playing the reference pair must stay consistent, so the
// current time is folded in first.
func (r *Room) touchLocked() {
	now := r.nowMs()
	if r.state.IsPlaying && r.state.LastUpdate > 0 {
		r.state.CurrentTime += float64(now-r.state.LastUpdate) / 1000
	}
	r.state.LastUpdate = now
}
