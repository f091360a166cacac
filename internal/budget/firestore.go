package budget

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps one document per (scope, window) with a numeric count
// field that is only ever changed through firestore.Increment.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a store over the given collection.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection}
}

func (s *FirestoreStore) doc(scope Scope, windowKey string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(fmt.Sprintf("%s_%s", scope, windowKey))
}

// Count implements Store.
func (s *FirestoreStore) Count(ctx context.Context, scope Scope, windowKey string) (int64, error) {
	snap, err := s.doc(scope, windowKey).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := snap.DataAt("count")
	if err != nil {
		return 0, nil
	}
	count, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("budget counter %s has non-integer count %T", snap.Ref.ID, v)
	}
	return count, nil
}

// Increment implements Store.
func (s *FirestoreStore) Increment(ctx context.Context, scope Scope, windowKey string) error {
	_, err := s.doc(scope, windowKey).Set(ctx, map[string]interface{}{
		"scope":     string(scope),
		"windowKey": windowKey,
		"count":     firestore.Increment(1),
		"updatedAt": firestore.ServerTimestamp,
	}, firestore.MergeAll)
	return err
}
