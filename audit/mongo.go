package audit

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/warp/fuel-ledger/engine"
)

const (
	databaseName   = "fuel_ledger"
	collectionName = "authorization_events"
)

// ConnectMongo connects to the audit database and verifies the
// connection before returning.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	timeout := 5 * time.Second
	opts := &options.ClientOptions{ServerSelectionTimeout: &timeout}

	client, err := mongo.Connect(ctx, opts.ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return client, nil
}

// Record is the shape stored in the audit collection.
type Record struct {
	EventID        string    `bson:"event_id"`
	Type           string    `bson:"type"`
	TransactionID  int64     `bson:"transaction_id"`
	CardID         int64     `bson:"card_id"`
	OrganizationID int64     `bson:"organization_id"`
	Amount         string    `bson:"amount"`
	Status         string    `bson:"status,omitempty"`
	Reason         string    `bson:"reason,omitempty"`
	OccurredAt     time.Time `bson:"occurred_at"`
	IngestedAt     time.Time `bson:"ingested_at"`
}

// NewRecord flattens an event for storage. Amount is kept as a string
// to preserve the exact decimal representation.
func NewRecord(e engine.Event) Record {
	return Record{
		EventID:        e.ID,
		Type:           string(e.Type),
		TransactionID:  e.TransactionID,
		CardID:         e.CardID,
		OrganizationID: e.OrganizationID,
		Amount:         e.Amount.String(),
		Status:         e.Status,
		Reason:         e.Reason,
		OccurredAt:     e.OccurredAt,
		IngestedAt:     time.Now().UTC(),
	}
}

// Repository writes audit records to MongoDB.
type Repository struct {
	client *mongo.Client
}

func NewRepository(client *mongo.Client) *Repository {
	return &Repository{client: client}
}

// InsertRecords stores a batch of audit records.
func (r *Repository) InsertRecords(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]interface{}, len(records))
	for i, rec := range records {
		docs[i] = rec
	}
	collection := r.client.Database(databaseName).Collection(collectionName)
	_, err := collection.InsertMany(ctx, docs)
	return err
}
