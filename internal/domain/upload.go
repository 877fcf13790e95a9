package domain

// UploadMeta describes one chunked upload. The in-memory copy is
// authoritative; a JSON mirror is checkpointed to disk at init, abort and
// complete so a restarted server can resume or garbage-collect.
type UploadMeta struct {
	RoomID       string       `json:"roomId"`
	UploadID     string       `json:"uploadId"`
	Filename     string       `json:"filename"` // sanitized
	TotalChunks  int          `json:"totalChunks"`
	ChunkSize    int64        `json:"chunkSize"`
	TotalSize    int64        `json:"totalSize"`
	Received     map[int]bool `json:"-"`
	CreatedAt    int64        `json:"createdAt"`    // unix ms
	LastActivity int64        `json:"lastActivity"` // unix ms
}

// ReceivedIndices returns the sorted-free list of chunk indices present.
func (m *UploadMeta) ReceivedIndices() []int {
	out := make([]int, 0, len(m.Received))
	for idx := range m.Received {
		out = append(out, idx)
	}
	return out
}

// Progress is the broadcastable percentage, capped at 99 until the upload
// is explicitly completed.
func (m *UploadMeta) Progress() int {
	if m.TotalChunks <= 0 {
		return 0
	}
	p := len(m.Received) * 100 / m.TotalChunks
	if p > 99 {
		p = 99
	}
	return p
}
