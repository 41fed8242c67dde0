// Package mongodb provides a patient metadata store backed by MongoDB.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"oncoroom-relay/internal/core"
	"oncoroom-relay/pkg"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Connect opens a client for uri and verifies it with a primary ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// PatientStore provides access to the client_info collection.
type PatientStore struct {
	c *mongo.Collection
}

// NewPatientStore creates a store over db.client_info.
func NewPatientStore(db *mongo.Database) *PatientStore {
	return &PatientStore{c: db.Collection("client_info")}
}

// EnsureIndexes creates the unique patient_id index.
func (s *PatientStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.c.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "patient_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// FetchPatient returns the record for patientID.
func (s *PatientStore) FetchPatient(ctx context.Context, patientID string) (*pkg.PatientRecord, error) {
	var rec pkg.PatientRecord
	err := s.c.FindOne(ctx, bson.M{"patient_id": patientID}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("%w: %s", core.ErrPatientNotFound, patientID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save upserts a record keyed by its patient id.
func (s *PatientStore) Save(ctx context.Context, rec pkg.PatientRecord) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.c.ReplaceOne(ctx, bson.M{"patient_id": rec.PatientID}, rec, opts)
	return err
}

// Seed upserts every record in recs.
func (s *PatientStore) Seed(ctx context.Context, recs []pkg.PatientRecord) error {
	for _, rec := range recs {
		if err := s.Save(ctx, rec); err != nil {
			return fmt.Errorf("seed patient %s: %w", rec.PatientID, err)
		}
	}
	return nil
}
