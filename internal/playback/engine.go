package playback

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/igorpdm/Manoel-Filmes/internal/metrics"
	"github.com/igorpdm/Manoel-Filmes/internal/room"
)

const (
	tickEvery        = time.Second
	syncWhilePlaying = 2 * time.Second
	syncWhilePaused  = 5 * time.Second
)

// Client is one connected WebSocket participant as the engine sees it.
type Client interface {
	Room() *room.Room
	// IsHost is resolved per message so a transferred host takes effect
	// immediately.
	IsHost() bool
	Send(msgType string, data any)
	UpdatePing(pingMs int64)
}

// Fanout is the room-wide broadcast surface.
type Fanout interface {
	Broadcast(roomID, msgType string, data any)
	RoomClientCount(roomID string) int
}

// Engine owns the playback synchronization protocol: it applies host
// commands to room state and drives the periodic sync broadcast.
type Engine struct {
	logger   *slog.Logger
	registry *room.Registry
	fanout   Fanout
	now      func() time.Time

	mu       sync.Mutex
	lastSync map[string]time.Time
}

func NewEngine(logger *slog.Logger, registry *room.Registry, fanout Fanout) *Engine {
	return &Engine{
		logger:   logger,
		registry: registry,
		fanout:   fanout,
		now:      time.Now,
		lastSync: make(map[string]time.Time),
	}
}

// inboundMessage is the single envelope every WebSocket text frame uses.
type inboundMessage struct {
	Type        string  `json:"type"`
	CurrentTime float64 `json:"currentTime"`
	Seq         int64   `json:"seq"`
	Timestamp   int64   `json:"timestamp"`
	Metrics     struct {
		LastPing int64 `json:"lastPing"`
	} `json:"metrics"`
}

// HandleMessage dispatches one inbound frame. Malformed or unauthorized
// frames are dropped; the protocol has no error replies.
func (e *Engine) HandleMessage(c Client, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		e.logger.Debug("dropping malformed ws frame", slog.String("error", err.Error()))
		return
	}

	r := c.Room()
	switch msg.Type {
	case "ping":
		c.Send("pong", map[string]any{
			"timestamp":  msg.Timestamp,
			"serverTime": e.now().UnixMilli(),
		})
	case "play", "pause", "seek":
		e.applyCommand(c, r, msg)
	case "state":
		c.Send("sync", e.syncFrame(r))
	case "host-heartbeat":
		if c.IsHost() {
			r.Heartbeat()
		}
	case "update-metrics":
		c.UpdatePing(msg.Metrics.LastPing)
	case "session-status":
		c.Send("session-status", r.Projection())
	default:
		e.logger.Debug("dropping unknown ws message type", slog.String("type", msg.Type))
	}
}

func (e *Engine) applyCommand(c Client, r *room.Room, msg inboundMessage) {
	if !c.IsHost() {
		metrics.SyncCommandsRejected.Inc()
		e.logger.Debug("ignoring playback command from non-host",
			slog.String("roomId", r.ID),
			slog.String("type", msg.Type),
		)
		return
	}

	snap, statusChanged, err := r.ApplyCommand(room.Command{
		Type:        msg.Type,
		CurrentTime: msg.CurrentTime,
		Seq:         msg.Seq,
	})
	if err != nil {
		metrics.SyncCommandsRejected.Inc()
		if errors.Is(err, room.ErrStaleSeq) {
			e.logger.Debug("dropping stale playback command",
				slog.String("roomId", r.ID),
				slog.String("type", msg.Type),
				slog.Int64("seq", msg.Seq),
			)
		}
		return
	}

	metrics.SyncCommandsApplied.WithLabelValues(msg.Type).Inc()
	e.fanout.Broadcast(r.ID, "sync", snap)
	e.markSynced(r.ID)

	if statusChanged {
		e.fanout.Broadcast(r.ID, "session-status", r.Projection())
	}
}

// syncFrame builds the frame clients reconcile their players against.
func (e *Engine) syncFrame(r *room.Room) room.Snapshot {
	return r.Snapshot()
}

// Run drives the periodic sync broadcast: a 1 Hz tick that re-broadcasts
// each room's snapshot every 2s while playing and every 5s while paused.
// Paused rooms keep receiving frames so late joiners converge without
// waiting for a host command.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	now := e.now()
	e.registry.ForEach(func(r *room.Room) {
		if r.Ended() || e.fanout.RoomClientCount(r.ID) == 0 {
			return
		}
		snap := r.Snapshot()
		interval := syncWhilePaused
		if snap.IsPlaying {
			interval = syncWhilePlaying
		}

		e.mu.Lock()
		last, ok := e.lastSync[r.ID]
		due := !ok || now.Sub(last) >= interval
		if due {
			e.lastSync[r.ID] = now
		}
		e.mu.Unlock()

		if due {
			e.fanout.Broadcast(r.ID, "sync", snap)
		}
	})

	e.pruneSyncMarks()
}

func (e *Engine) markSynced(roomID string) {
	e.mu.Lock()
	e.lastSync[roomID] = e.now()
	e.mu.Unlock()
}

// pruneSyncMarks drops marks for rooms that no longer exist.
func (e *Engine) pruneSyncMarks() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.lastSync {
		if _, ok := e.registry.Get(id); !ok {
			delete(e.lastSync, id)
		}
	}
}
