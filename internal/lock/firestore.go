package lock

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/documentcoordinator/internal/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps ProcessingRecords in a Firestore collection keyed by
// content hash. Update is a Firestore transaction, so the read and the write
// commit atomically or not at all.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a store over the given collection.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection}
}

// Update implements Store.
func (s *FirestoreStore) Update(ctx context.Context, id string, fn UpdateFunc) error {
	ref := s.client.Collection(s.collection).Doc(id)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current *models.ProcessingRecord
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return fmt.Errorf("failed to read processing record: %w", err)
		default:
			current = &models.ProcessingRecord{}
			if err := snap.DataTo(current); err != nil {
				return fmt.Errorf("failed to decode processing record: %w", err)
			}
		}

		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		return tx.Set(ref, next)
	})
}

// Get implements Store.
func (s *FirestoreStore) Get(ctx context.Context, id string) (*models.ProcessingRecord, error) {
	snap, err := s.client.Collection(s.collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processing record: %w", err)
	}
	rec := &models.ProcessingRecord{}
	if err := snap.DataTo(rec); err != nil {
		return nil, fmt.Errorf("failed to decode processing record: %w", err)
	}
	return rec, nil
}
