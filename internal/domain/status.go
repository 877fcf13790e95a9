package domain

// SessionStatus is the room lifecycle state. Transitions are one-way:
// waiting -> playing -> ended.
type SessionStatus string

const (
	StatusWaiting SessionStatus = "waiting"
	StatusPlaying SessionStatus = "playing"
	StatusEnded   SessionStatus = "ended"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusPlaying, StatusEnded:
		return true
	}
	return false
}
