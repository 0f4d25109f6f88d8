package platform

import "context"

// CursorStore persists the last event id received by a subscription, so a
// resumable subscription can continue after a process restart.
//
// Implementations: memorystorage.Store and badgerstore.Store.
type CursorStore interface {
	// Load returns the stored event id for key. ok is false when none is stored.
	Load(ctx context.Context, key string) (eventID string, ok bool, err error)

	// Save records eventID as the latest position for key.
	Save(ctx context.Context, key, eventID string) error

	// Delete forgets key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ResumeOptions attaches a CursorStore to SubscribeWithResume.
type ResumeOptions struct {
	Store CursorStore
	Key   string
}
