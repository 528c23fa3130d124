package cache

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreBackend shares cache entries between processes through a
// Firestore collection. Each key is one Firestore document holding the
// value bytes.
type FirestoreBackend struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreBackend uses collection on client. The client is closed by
// Close.
func NewFirestoreBackend(client *firestore.Client, collection string) *FirestoreBackend {
	if collection == "" {
		collection = "cache"
	}
	return &FirestoreBackend{client: client, collection: collection}
}

func (b *FirestoreBackend) docRef(key string) *firestore.DocumentRef {
	return b.client.Collection(b.collection).Doc(key)
}

func (b *FirestoreBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	snap, err := b.docRef(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value, _ := snap.Data()["value"].([]byte)
	return value, true, nil
}

func (b *FirestoreBackend) Set(ctx context.Context, key string, value []byte) error {
	_, err := b.docRef(key).Set(ctx, map[string]interface{}{
		"value":     value,
		"updatedAt": time.Now(),
	})
	return err
}

func (b *FirestoreBackend) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		// Deleting a missing document succeeds.
		if _, err := b.docRef(k).Delete(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *FirestoreBackend) Clear(ctx context.Context) error {
	iter := b.client.Collection(b.collection).Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return err
		}
	}
}

func (b *FirestoreBackend) Close() error {
	return b.client.Close()
}
