package domain

// MediaTrack is one stream inside a probed container. Index is the
// absolute stream index inside the container, usable in -map 0:Index.
type MediaTrack struct {
	Index    int    `json:"index"`
	Type     string `json:"type"` // video | audio | subtitle
	Codec    string `json:"codec"`
	Language string `json:"language,omitempty"`
	Title    string `json:"title,omitempty"`
	Default  bool   `json:"default,omitempty"`
}

type MediaInfo struct {
	Tracks   []MediaTrack `json:"tracks"`
	Duration float64      `json:"duration,omitempty"` // seconds
}

func (m MediaInfo) TracksOfType(kind string) []MediaTrack {
	out := make([]MediaTrack, 0, len(m.Tracks))
	for _, t := range m.Tracks {
		if t.Type == kind {
			out = append(out, t)
		}
	}
	return out
}

// Subtitle is an extracted text subtitle published to the room.
type Subtitle struct {
	Filename    string `json:"filename"`
	DisplayName string `json:"displayName"`
}
