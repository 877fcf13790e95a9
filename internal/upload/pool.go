package upload

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	handleSweepEvery = 15 * time.Second
	handleIdleMax    = 60 * time.Second
)

// pooledHandle is one cached writable part-file handle. Concurrent chunk
// writes share it via WriteAt on disjoint byte ranges, so only the
// bookkeeping needs the mutex.
type pooledHandle struct {
	file *os.File

	mu       sync.Mutex
	writers  int
	lastUsed time.Time
}

// handlePool caches a single writable handle per upload so each chunk write
// costs one positional write instead of an open/close pair.
type handlePool struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	handles map[string]*pooledHandle
}

func newHandlePool(logger *slog.Logger, now func() time.Time) *handlePool {
	return &handlePool{
		logger:  logger,
		now:     now,
		handles: make(map[string]*pooledHandle),
	}
}

// acquire returns the cached handle for uploadID, opening path on first
// use, and registers one in-flight writer.
func (p *handlePool) acquire(uploadID, path string) (*pooledHandle, error) {
	p.mu.Lock()
	h, ok := p.handles[uploadID]
	if !ok {
		file, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		h = &pooledHandle{file: file}
		p.handles[uploadID] = h
	}
	p.mu.Unlock()

	h.mu.Lock()
	h.writers++
	h.lastUsed = p.now()
	h.mu.Unlock()
	return h, nil
}

// release marks one writer done.
func (p *handlePool) release(h *pooledHandle) {
	h.mu.Lock()
	if h.writers > 0 {
		h.writers--
	}
	h.lastUsed = p.now()
	h.mu.Unlock()
}

// close removes and closes the handle for uploadID, if cached.
func (p *handlePool) close(uploadID string) {
	p.mu.Lock()
	h, ok := p.handles[uploadID]
	if ok {
		delete(p.handles, uploadID)
	}
	p.mu.Unlock()
	if ok {
		_ = h.file.Close()
	}
}

// sweep closes handles idle longer than maxIdle with no in-flight writers.
func (p *handlePool) sweep(maxIdle time.Duration) {
	now := p.now()
	p.mu.Lock()
	var victims []*pooledHandle
	for id, h := range p.handles {
		h.mu.Lock()
		idle := h.writers == 0 && now.Sub(h.lastUsed) > maxIdle
		h.mu.Unlock()
		if idle {
			victims = append(victims, h)
			delete(p.handles, id)
		}
	}
	p.mu.Unlock()

	for _, h := range victims {
		_ = h.file.Close()
	}
	if len(victims) > 0 {
		p.logger.Debug("closed idle upload handles", slog.Int("count", len(victims)))
	}
}

// run drives the idle sweeper until ctx is cancelled.
func (p *handlePool) run(ctx context.Context) {
	ticker := time.NewTicker(handleSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(handleIdleMax)
		}
	}
}
