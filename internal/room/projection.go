package room

import (
	"github.com/igorpdm/Manoel-Filmes/internal/domain"
)

// Viewer is the per-member slice of the status projection.
type Viewer struct {
	ExternalID string `json:"externalId"`
	Username   string `json:"username"`
	Ping       int64  `json:"ping"`
}

// Projection is the single read model served to polling clients and the
// bot, and pushed on WebSocket session-status requests.
type Projection struct {
	Status      domain.SessionStatus `json:"status"`
	ViewerCount int                  `json:"viewerCount"`
	Viewers     []Viewer             `json:"viewers"`
	Ratings     []domain.Rating      `json:"ratings"`
	Average     float64              `json:"average"`
	AllRated    bool                 `json:"allRated"`
	MovieInfo   string               `json:"movieInfo,omitempty"`
	MovieName   string               `json:"movieName,omitempty"`
}

// Projection builds the read model from the room's current state.
func (r *Room) Projection() Projection {
	r.mu.Lock()
	defer r.mu.Unlock()

	viewers := make([]Viewer, 0, len(r.tokens))
	rated := make(map[string]bool, len(r.ratings))
	for _, rating := range r.ratings {
		rated[rating.ExternalID] = true
	}
	allRated := false
	connected := 0
	for _, m := range r.tokens {
		if !m.Connected {
			continue
		}
		connected++
		viewers = append(viewers, Viewer{
			ExternalID: m.ExternalID,
			Username:   m.DisplayName,
			Ping:       m.LastPingMs,
		})
	}
	if connected > 0 {
		allRated = true
		for _, m := range r.tokens {
			if m.Connected && !rated[m.ExternalID] {
				allRated = false
				break
			}
		}
	}

	ratings := make([]domain.Rating, len(r.ratings))
	copy(ratings, r.ratings)

	return Projection{
		Status:      r.status,
		ViewerCount: connected,
		Viewers:     viewers,
		Ratings:     ratings,
		Average:     r.averageLocked(),
		AllRated:    allRated,
		MovieInfo:   r.MovieInfo,
		MovieName:   r.MovieName,
	}
}
