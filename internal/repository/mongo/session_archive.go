package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/igorpdm/Manoel-Filmes/internal/domain"
)

type ratingDoc struct {
	DiscordID string `bson:"discordId"`
	Username  string `bson:"username"`
	Rating    int    `bson:"rating"`
	RatedAt   int64  `bson:"ratedAt"`
}

type sessionDoc struct {
	ID        string      `bson:"_id"` // roomId
	MovieName string      `bson:"movieName"`
	StartedAt int64       `bson:"startedAt"`
	EndedAt   int64       `bson:"endedAt"`
	Ratings   []ratingDoc `bson:"ratings"`
	Average   float64     `bson:"average"`
	Viewers   []string    `bson:"viewers"`
}

// SessionArchiveRepository stores one document per finished session.
type SessionArchiveRepository struct {
	collection *mongo.Collection
}

func NewSessionArchiveRepository(client *mongo.Client, dbName string) *SessionArchiveRepository {
	return &SessionArchiveRepository{collection: client.Database(dbName).Collection("session_archive")}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *SessionArchiveRepository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "endedAt", Value: -1}}},
		{Keys: bson.D{{Key: "movieName", Value: "text"}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

// Insert upserts by room ID so a retried finalize never duplicates.
func (r *SessionArchiveRepository) Insert(ctx context.Context, rec domain.SessionRecord) error {
	doc := sessionToDoc(rec)
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": doc.ID},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *SessionArchiveRepository) ListRecent(ctx context.Context, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "endedAt", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []sessionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	records := make([]domain.SessionRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, sessionFromDoc(doc))
	}
	return records, nil
}

func sessionToDoc(rec domain.SessionRecord) sessionDoc {
	ratings := make([]ratingDoc, 0, len(rec.Ratings))
	for _, rating := range rec.Ratings {
		ratings = append(ratings, ratingDoc{
			DiscordID: rating.ExternalID,
			Username:  rating.DisplayName,
			Rating:    rating.Value,
			RatedAt:   rating.RatedAt,
		})
	}
	return sessionDoc{
		ID:        rec.RoomID,
		MovieName: rec.MovieName,
		StartedAt: rec.StartedAt,
		EndedAt:   rec.EndedAt,
		Ratings:   ratings,
		Average:   rec.Average,
		Viewers:   rec.Viewers,
	}
}

func sessionFromDoc(doc sessionDoc) domain.SessionRecord {
	ratings := make([]domain.Rating, 0, len(doc.Ratings))
	for _, rating := range doc.Ratings {
		ratings = append(ratings, domain.Rating{
			ExternalID:  rating.DiscordID,
			DisplayName: rating.Username,
			Value:       rating.Rating,
			RatedAt:     rating.RatedAt,
		})
	}
	return domain.SessionRecord{
		RoomID:    doc.ID,
		MovieName: doc.MovieName,
		StartedAt: doc.StartedAt,
		EndedAt:   doc.EndedAt,
		Ratings:   ratings,
		Average:   doc.Average,
		Viewers:   doc.Viewers,
	}
}
