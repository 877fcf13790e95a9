package domain

// SessionRecord is the archived summary of a finished watch-party.
type SessionRecord struct {
	RoomID    string   `json:"roomId" bson:"roomId"`
	MovieName string   `json:"movieName" bson:"movieName"`
	StartedAt int64    `json:"startedAt" bson:"startedAt"` // unix ms
	EndedAt   int64    `json:"endedAt" bson:"endedAt"`     // unix ms
	Ratings   []Rating `json:"ratings" bson:"ratings"`
	Average   float64  `json:"average" bson:"average"`
	Viewers   []string `json:"viewers" bson:"viewers"`
}
