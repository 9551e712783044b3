package store

import (
	"context"

	"github.com/sells-group/order-cli/internal/alias"
	"github.com/sells-group/order-cli/internal/model"
)

// StateFilter specifies criteria for listing order states.
type StateFilter struct {
	RequiresClarification *bool `json:"requires_clarification,omitempty"`
	Limit                 int   `json:"limit,omitempty"`
	Offset                int   `json:"offset,omitempty"`
}

// Store defines the persistence interface for cumulative orders. It
// satisfies orderstate.Store and alias.Cache.
type Store interface {
	// Order state
	GetState(ctx context.Context, conversationID string) (*model.CumulativeOrderState, error)
	SaveMerge(ctx context.Context, prevVersion int, state *model.CumulativeOrderState, snap *model.Snapshot) error
	ListStates(ctx context.Context, filter StateFilter) ([]model.CumulativeOrderState, error)

	// Snapshots
	ListSnapshots(ctx context.Context, conversationID string) ([]model.Snapshot, error)
	GetSnapshot(ctx context.Context, conversationID string, version int) (*model.Snapshot, error)
	SnapshotForMessage(ctx context.Context, conversationID string, messageID model.MessageID) (*model.Snapshot, error)

	// Message log
	AppendMessage(ctx context.Context, msg *model.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)

	// Mapping cache
	Lookup(ctx context.Context, key string) (*alias.CacheEntry, bool, error)
	Record(ctx context.Context, entry alias.CacheEntry) error
	ImportMappings(ctx context.Context, entries []alias.CacheEntry) (int64, error)
	ListMappings(ctx context.Context, limit int) ([]alias.CacheEntry, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
