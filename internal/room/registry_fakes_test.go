package room

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type broadcastCall struct {
	roomID  string
	msgType string
	data    any
}

type fakeNotifier struct {
	mu         sync.Mutex
	clients    int
	closed     []string
	broadcasts []broadcastCall
}

func (n *fakeNotifier) Broadcast(roomID, msgType string, data any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, broadcastCall{roomID: roomID, msgType: msgType, data: data})
}

func (n *fakeNotifier) CloseRoom(roomID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, roomID)
}

func (n *fakeNotifier) RoomClientCount(string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clients
}

type fakePurger struct {
	mu     sync.Mutex
	purged []string
}

func (p *fakePurger) PurgeRoom(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged = append(p.purged, roomID)
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
