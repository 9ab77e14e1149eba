package matrix

// syncstore.go implements mautrix.SyncStore on top of the key-value store the
// rest of the bot uses for conversation state. Persisting the next_batch token
// across restarts prevents the bot from replaying old room history and
// re-answering messages it already handled in a previous run.

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/kv"
)

// Compile-time assertion that kvSyncStore satisfies the mautrix.SyncStore interface.
var _ mautrix.SyncStore = (*kvSyncStore)(nil)

// kvSyncStore persists sync state as plain keys of the form
// matrix:sync:{user_id}:{key}. The keys never expire.
type kvSyncStore struct {
	store kv.Store
}

func newKVSyncStore(store kv.Store) *kvSyncStore {
	return &kvSyncStore{store: store}
}

// SaveFilterID persists the Matrix event-filter ID for the given user.
func (s *kvSyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.store.Set(ctx, syncKey(userID, "filter_id"), filterID, 0)
}

// LoadFilterID retrieves the persisted event-filter ID for the given user.
// Returns ("", nil) when no filter has been saved yet.
func (s *kvSyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	value, _, err := s.store.Get(ctx, syncKey(userID, "filter_id"))
	return value, err
}

// SaveNextBatch persists the opaque /sync next_batch token so the bot can
// resume from the correct position after a restart.
func (s *kvSyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.store.Set(ctx, syncKey(userID, "next_batch"), nextBatchToken, 0)
}

// LoadNextBatch retrieves the last saved next_batch token.
// Returns ("", nil) when no token has been saved yet (first run).
func (s *kvSyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	value, _, err := s.store.Get(ctx, syncKey(userID, "next_batch"))
	return value, err
}

func syncKey(userID id.UserID, key string) string {
	return fmt.Sprintf("matrix:sync:%s:%s", userID, key)
}
