package room

import (
	"math"

	"github.com/igorpdm/Manoel-Filmes/internal/domain"
)

// AddRating upserts a 1-10 rating keyed by externalID. A later vote from
// the same user replaces the earlier one.
func (r *Room) AddRating(externalID, displayName string, value int) error {
	if value < 1 || value > 10 {
		return domain.Validationf("rating must be between 1 and 10")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.ratings {
		if r.ratings[i].ExternalID == externalID {
			r.ratings[i].Value = value
			r.ratings[i].DisplayName = displayName
			r.ratings[i].RatedAt = r.nowMs()
			return nil
		}
	}
	r.ratings = append(r.ratings, domain.Rating{
		ExternalID:  externalID,
		DisplayName: displayName,
		Value:       value,
		RatedAt:     r.nowMs(),
	})
	return nil
}

// Ratings returns a copy of the collected ratings in arrival order.
func (r *Room) Ratings() []domain.Rating {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Rating, len(r.ratings))
	copy(out, r.ratings)
	return out
}

// AverageRating returns the mean rounded to one decimal, 0 when empty.
func (r *Room) AverageRating() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.averageLocked()
}

func (r *Room) averageLocked() float64 {
	if len(r.ratings) == 0 {
		return 0
	}
	sum := 0
	for _, rating := range r.ratings {
		sum += rating.Value
	}
	mean := float64(sum) / float64(len(r.ratings))
	return math.Round(mean*10) / 10
}

// AllConnectedRated reports whether every currently connected member has
// submitted a rating. False when nobody is connected.
func (r *Room) AllConnectedRated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rated := make(map[string]bool, len(r.ratings))
	for _, rating := range r.ratings {
		rated[rating.ExternalID] = true
	}

	connected := 0
	for _, m := range r.tokens {
		if !m.Connected {
			continue
		}
		connected++
		if !rated[m.ExternalID] {
			return false
		}
	}
	return connected > 0
}
