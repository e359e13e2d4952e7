package matrix

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var _ mautrix.SyncStore = (*syncStore)(nil)

// SyncStateStore persists key/value sync state per user. store.Store
// implements it.
type SyncStateStore interface {
	SaveSyncState(ctx context.Context, userID, key, value string) error
	LoadSyncState(ctx context.Context, userID, key string) (string, error)
}

// syncStore keeps the filter id and the next_batch token across restarts so
// the bot does not replay room history it already answered.
type syncStore struct {
	kv SyncStateStore
}

func (s *syncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.kv.SaveSyncState(ctx, userID.String(), "filter_id", filterID)
}

func (s *syncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.kv.LoadSyncState(ctx, userID.String(), "filter_id")
}

func (s *syncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.kv.SaveSyncState(ctx, userID.String(), "next_batch", nextBatchToken)
}

func (s *syncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.kv.LoadSyncState(ctx, userID.String(), "next_batch")
}
