package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/igorpdm/Manoel-Filmes/internal/metrics"
	"github.com/igorpdm/Manoel-Filmes/internal/playback"
	"github.com/igorpdm/Manoel-Filmes/internal/room"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// One ping round plus slack: a socket that misses a single round hits
	// the read deadline and is terminated.
	pongWait = pingPeriod + 5*time.Second

	sendQueueSize  = 256
	maxMessageSize = 4096
	viewerDebounce = 500 * time.Millisecond

	closeAdmissionDenied = 4003

	// admission bitrate estimate, Mbps
	defaultBitrateMbps = 15
	minBitrateMbps     = 2
	maxBitrateMbps     = 50
	assumedDurationSec = 7200
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MessageSink receives every inbound client frame for protocol dispatch.
type MessageSink interface {
	HandleMessage(c playback.Client, raw []byte)
}

// Hub owns the per-room WebSocket client sets, admission control and the
// fan-out broadcast. It implements room.Notifier and playback.Fanout.
type Hub struct {
	logger           *slog.Logger
	registry         *room.Registry
	maxClients       int
	maxBandwidthMbps float64
	sink             MessageSink

	mu            sync.Mutex
	rooms         map[string]map[*wsClient]bool
	viewerPending map[string]*time.Timer
	closed        bool
}

func NewHub(logger *slog.Logger, registry *room.Registry, maxClients, maxBandwidthMbps int) *Hub {
	return &Hub{
		logger:           logger,
		registry:         registry,
		maxClients:       maxClients,
		maxBandwidthMbps: float64(maxBandwidthMbps),
		rooms:            make(map[string]map[*wsClient]bool),
		viewerPending:    make(map[string]*time.Timer),
	}
}

// SetMessageSink wires the sync protocol engine after construction (the
// engine needs the hub for fan-out too).
func (h *Hub) SetMessageSink(s MessageSink) { h.sink = s }

// HandleWS upgrades /ws?room=&clientId=&token= connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	roomID := query.Get("room")
	clientID := query.Get("clientId")
	token := query.Get("token")

	rm, ok := h.registry.Get(roomID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "room not found")
		return
	}
	if rm.Discord != nil {
		if _, valid := rm.ValidateToken(token); !valid {
			writeError(w, http.StatusForbidden, "forbidden", "invalid or missing session token")
			return
		}
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &wsClient{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		room:     rm,
		clientID: clientID,
		token:    token,
	}
	if !h.register(client) {
		metrics.WSAdmissionRejects.Inc()
		h.logger.Warn("ws admission rejected",
			slog.String("roomId", roomID),
			slog.String("clientId", clientID),
		)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(closeAdmissionDenied, "Room full or bandwidth limit exceeded"),
			time.Now().Add(writeWait),
		)
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()

	h.sendInitialFrames(client)
}

// register admits and inserts in one critical section: the cap check and
// the set insertion share a single mu hold so concurrent upgrades cannot
// both observe the same count. Returns false when the room is full or the
// bandwidth budget is exhausted.
func (h *Hub) register(c *wsClient) bool {
	bitrate := h.estimatedBitrateMbps(c.room)

	h.mu.Lock()
	current := len(h.rooms[c.room.ID])
	if current >= h.maxClients || float64(current+1)*bitrate > h.maxBandwidthMbps {
		h.mu.Unlock()
		return false
	}
	set, ok := h.rooms[c.room.ID]
	if !ok {
		set = make(map[*wsClient]bool)
		h.rooms[c.room.ID] = set
	}
	set[c] = true
	total := len(set)
	h.mu.Unlock()

	if c.token != "" {
		c.room.MarkConnected(c.token)
	}
	h.registry.ClientJoined(c.room.ID)
	metrics.WSClientsConnected.Inc()
	h.scheduleViewerBroadcast(c.room.ID)
	h.logger.Debug("ws client connected",
		slog.String("roomId", c.room.ID),
		slog.String("clientId", c.clientID),
		slog.Int("roomClients", total),
	)
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	set, ok := h.rooms[c.room.ID]
	if ok {
		if _, present := set[c]; !present {
			h.mu.Unlock()
			return
		}
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, c.room.ID)
		}
	}
	closed := h.closed
	h.mu.Unlock()
	if !ok {
		return
	}

	// c.send stays open: closing the conn already stops the write pump,
	// and concurrent Send calls must never hit a closed channel.
	if c.token != "" {
		c.room.MarkDisconnected(c.token)
	}
	metrics.WSClientsConnected.Dec()
	if !closed {
		h.scheduleViewerBroadcast(c.room.ID)
		h.registry.ClientLeft(c.room.ID)
	}
	h.logger.Debug("ws client disconnected",
		slog.String("roomId", c.room.ID),
		slog.String("clientId", c.clientID),
	)
}

// sendInitialFrames brings a fresh socket up to date: current playhead,
// any in-flight upload or processing state for the host, and the session
// projection.
func (h *Hub) sendInitialFrames(c *wsClient) {
	snap := c.room.Snapshot()
	c.Send("sync", map[string]any{
		"currentTime": snap.CurrentTime,
		"isPlaying":   snap.IsPlaying,
		"serverTime":  snap.ServerTime,
		"isHost":      c.IsHost(),
	})

	if c.IsHost() {
		if uploading, progress := c.room.Uploading(); uploading {
			c.Send("upload-progress", map[string]any{"progress": progress})
		}
		if c.room.Processing() {
			c.Send("processing-progress", map[string]any{"message": "Processing..."})
		}
	}

	c.Send("session-status", c.room.Projection())
}

// estimatedBitrateMbps derives a per-viewer bandwidth estimate from the
// published file size over the probed duration, falling back to an assumed
// two hours, clamped to [2,50]. Before the file exists a flat 15 Mbps is
// assumed.
func (h *Hub) estimatedBitrateMbps(r *room.Room) float64 {
	path := r.VideoPath()
	if path == "" {
		return defaultBitrateMbps
	}
	info, err := os.Stat(path)
	if err != nil {
		return defaultBitrateMbps
	}
	duration := r.VideoDuration()
	if duration <= 0 {
		duration = assumedDurationSec
	}
	mbps := float64(info.Size()) * 8 / duration / 1e6
	if mbps < minBitrateMbps {
		return minBitrateMbps
	}
	if mbps > maxBitrateMbps {
		return maxBitrateMbps
	}
	return mbps
}

// Broadcast sends a typed frame to every client in the room.
func (h *Hub) Broadcast(roomID, msgType string, data any) {
	payload, err := encodeFrame(msgType, data)
	if err != nil {
		h.logger.Error("ws marshal failed", slog.String("type", msgType), slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	var stale []*wsClient
	for c := range h.rooms[roomID] {
		select {
		case c.send <- payload:
			metrics.WSMessagesSent.Inc()
		default:
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	// Clients that cannot drain their queue are dropped.
	for _, c := range stale {
		c.conn.Close()
	}
}

// RoomClientCount returns the number of live sockets in the room.
func (h *Hub) RoomClientCount(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

// CloseRoom disconnects every socket in the room. Part of the room
// deletion cascade.
func (h *Hub) CloseRoom(roomID string) {
	h.closeRoomWithCode(roomID, websocket.CloseNormalClosure, "session closed")
}

// Shutdown disconnects everything with 1001 for process shutdown.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	for _, t := range h.viewerPending {
		t.Stop()
	}
	h.viewerPending = make(map[string]*time.Timer)
	h.mu.Unlock()

	for _, id := range ids {
		h.closeRoomWithCode(id, websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) closeRoomWithCode(roomID string, code int, reason string) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		clients = append(clients, c)
	}
	if t, ok := h.viewerPending[roomID]; ok {
		t.Stop()
		delete(h.viewerPending, roomID)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(2*time.Second),
		)
		c.conn.Close()
	}
}

// scheduleViewerBroadcast debounces the viewers frame at 500 ms per room so
// join/leave bursts collapse into one update.
func (h *Hub) scheduleViewerBroadcast(roomID string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if _, pending := h.viewerPending[roomID]; pending {
		h.mu.Unlock()
		return
	}
	h.viewerPending[roomID] = time.AfterFunc(viewerDebounce, func() {
		h.mu.Lock()
		delete(h.viewerPending, roomID)
		h.mu.Unlock()
		h.broadcastViewers(roomID)
	})
	h.mu.Unlock()
}

func (h *Hub) broadcastViewers(roomID string) {
	rm, ok := h.registry.Get(roomID)
	if !ok {
		return
	}
	members := rm.ConnectedMembers()
	viewers := make([]room.Viewer, 0, len(members))
	for _, m := range members {
		viewers = append(viewers, room.Viewer{
			ExternalID: m.ExternalID,
			Username:   m.DisplayName,
			Ping:       m.LastPingMs,
		})
	}
	h.Broadcast(roomID, "viewers", map[string]any{
		"count":   h.RoomClientCount(roomID),
		"viewers": viewers,
	})
}

// encodeFrame flattens the payload into the top-level object next to the
// type discriminator: {"type":"sync","currentTime":...}.
func encodeFrame(msgType string, data any) ([]byte, error) {
	payload := map[string]any{}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = map[string]any{"data": json.RawMessage(raw)}
		}
	}
	payload["type"] = msgType
	return json.Marshal(payload)
}

type wsClient struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	room     *room.Room
	clientID string
	token    string
}

func (c *wsClient) Room() *room.Room { return c.room }

// IsHost resolves host authority per call: token-bound rooms check the
// token's member, simple rooms compare the clientId against the room host.
func (c *wsClient) IsHost() bool {
	if c.token != "" {
		return c.room.IsHostToken(c.token)
	}
	hostID := c.room.HostID()
	return hostID != "" && hostID == c.clientID
}

func (c *wsClient) Send(msgType string, data any) {
	payload, err := encodeFrame(msgType, data)
	if err != nil {
		c.hub.logger.Error("ws marshal failed", slog.String("type", msgType), slog.String("error", err.Error()))
		return
	}
	select {
	case c.send <- payload:
		metrics.WSMessagesSent.Inc()
	default:
	}
}

func (c *wsClient) UpdatePing(pingMs int64) {
	if c.token == "" {
		return
	}
	c.room.SetMemberPing(c.token, pingMs)
	c.hub.scheduleViewerBroadcast(c.room.ID)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if c.hub.sink != nil {
			c.hub.sink.HandleMessage(c, raw)
		}
	}
}
