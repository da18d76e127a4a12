package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type mongoEntry struct {
	ID        string            `bson:"_id"`
	At        time.Time         `bson:"at"`
	ActorID   string            `bson:"actor_id"`
	Action    string            `bson:"action"`
	Subject   string            `bson:"subject"`
	Reference string            `bson:"reference,omitempty"`
	Details   map[string]string `bson:"details,omitempty"`
}

// MongoLog stores audit entries in the "audit_log" collection.
type MongoLog struct {
	collection *mongo.Collection
}

func NewMongoLog(client *mongo.Client, dbName string) *MongoLog {
	return &MongoLog{collection: client.Database(dbName).Collection("audit_log")}
}

func (m *MongoLog) Append(ctx context.Context, e Entry) error {
	e = Stamp(e, time.Now())
	doc := mongoEntry{
		ID:        e.ID,
		At:        e.At,
		ActorID:   e.ActorID,
		Action:    string(e.Action),
		Subject:   e.Subject,
		Reference: e.Reference,
		Details:   e.Details,
	}
	if _, err := m.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (m *MongoLog) Query(ctx context.Context, f Filter) ([]Entry, error) {
	filter := bson.D{}
	if f.Subject != "" {
		filter = append(filter, bson.E{Key: "subject", Value: f.Subject})
	}
	if f.ActorID != "" {
		filter = append(filter, bson.E{Key: "actor_id", Value: f.ActorID})
	}
	if len(f.Actions) > 0 {
		actions := make(bson.A, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		filter = append(filter, bson.E{Key: "action", Value: bson.D{{Key: "$in", Value: actions}}})
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "at", Value: -1}}).
		SetLimit(int64(f.PageSize()))

	cur, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	var docs []mongoEntry
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode audit entries: %w", err)
	}

	entries := make([]Entry, len(docs))
	for i, d := range docs {
		entries[i] = Entry{
			ID:        d.ID,
			At:        d.At,
			ActorID:   d.ActorID,
			Action:    Action(d.Action),
			Subject:   d.Subject,
			Reference: d.Reference,
			Details:   d.Details,
		}
	}
	return entries, nil
}
