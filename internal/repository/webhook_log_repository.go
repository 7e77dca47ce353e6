package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"paygate/internal/models"
)

const webhookLogCollection = "webhook_logs"

// WebhookLogRepository appends every inbound notification to MongoDB for
// audit. Entries are never updated.
type WebhookLogRepository struct {
	collection *mongo.Collection
}

// ConnectMongo opens a client and verifies it with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return client, nil
}

func NewWebhookLogRepository(db *mongo.Database) *WebhookLogRepository {
	return &WebhookLogRepository{collection: db.Collection(webhookLogCollection)}
}

// EnsureIndexes creates the lookup indexes used by support tooling.
func (r *WebhookLogRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "reference", Value: 1}, {Key: "received_at", Value: -1}}},
		{Keys: bson.D{{Key: "gateway", Value: 1}, {Key: "event_type", Value: 1}}},
	})
	return err
}

func (r *WebhookLogRepository) Insert(ctx context.Context, entry *models.WebhookLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}
	if _, err := r.collection.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to insert webhook log: %w", err)
	}
	return nil
}

// FindByReference returns the newest entries for reference first.
func (r *WebhookLogRepository) FindByReference(ctx context.Context, reference string, limit int64) ([]*models.WebhookLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: -1}}).SetLimit(limit)
	cursor, err := r.collection.Find(ctx, bson.M{"reference": reference}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []*models.WebhookLog
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
