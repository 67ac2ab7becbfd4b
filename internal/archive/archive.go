// Package archive keeps a copy of every ended session in MongoDB for
// reporting. The relational store remains the source of truth.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"livesession/internal/config"
	"livesession/pkg/types"
)

var log = logrus.WithField("component", "archive")

// Document is the stored shape of an ended session.
type Document struct {
	ID             string     `bson:"_id"`
	HostID         string     `bson:"host_id"`
	Type           string     `bson:"type"`
	ClassID        string     `bson:"class_id,omitempty"`
	Title          string     `bson:"title"`
	StartTime      time.Time  `bson:"start_time"`
	EndTime        *time.Time `bson:"end_time,omitempty"`
	ParticipantIDs []string   `bson:"participant_ids"`
	MessageCount   int        `bson:"message_count"`
	PollCount      int        `bson:"poll_count"`
	QuizCount      int        `bson:"quiz_count"`
	Snapshot       string     `bson:"snapshot"`
	ArchivedAt     time.Time  `bson:"archived_at"`
}

// NewDocument flattens s for storage.
func NewDocument(s *types.Session, archivedAt time.Time) (*Document, error) {
	snapshot, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return &Document{
		ID:             s.ID,
		HostID:         s.HostID,
		Type:           s.Type,
		ClassID:        s.ClassID,
		Title:          s.Title,
		StartTime:      s.StartTime,
		EndTime:        s.EndTime,
		ParticipantIDs: s.ParticipantIDs(),
		MessageCount:   len(s.Messages),
		PollCount:      len(s.Polls),
		QuizCount:      len(s.Quizzes),
		Snapshot:       string(snapshot),
		ArchivedAt:     archivedAt.UTC(),
	}, nil
}

// collection is the subset of *mongo.Collection in use.
type collection interface {
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// MongoArchiver upserts one document per session ID.
type MongoArchiver struct {
	client *mongo.Client
	coll   collection
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, cfg config.ArchiveConfig) (*MongoArchiver, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	log.WithField("database", cfg.Database).Info("Connected to MongoDB")
	return &MongoArchiver{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

// Archive stores s. Archiving the same session twice overwrites the first copy.
func (a *MongoArchiver) Archive(ctx context.Context, s *types.Session) error {
	doc, err := NewDocument(s, time.Now())
	if err != nil {
		return err
	}
	_, err = a.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive session %s: %w", s.ID, err)
	}
	return nil
}

// Close disconnects the client.
func (a *MongoArchiver) Close(ctx context.Context) error {
	if a.client == nil {
		return nil
	}
	return a.client.Disconnect(ctx)
}
