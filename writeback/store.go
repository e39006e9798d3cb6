// Package writeback is the write-back synchronization engine: it drains the
// persistent write queue, detects concurrent remote edits and writes local
// modifications back to the system of record.
package writeback

import (
	"context"
	"time"

	"github.com/Skyrin/go-writeback/writeback/model"
)

// Store persists the queue, conflicts and the collaborator records the
// engine reads and updates. Lookups of missing records return an error
// matching model.ErrNotFound.
type Store interface {
	// WithTx runs fn in one transaction. Every write made through tx is
	// committed when fn returns nil and discarded otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	InsertQueueItem(ctx context.Context, item *model.WriteQueueItem) error
	// ClaimQueueItems atomically moves up to limit due pending items to
	// processing, ordered by priority desc then scheduledAt asc. An item is
	// never returned to two concurrent callers.
	ClaimQueueItems(ctx context.Context, now time.Time, limit int) ([]*model.WriteQueueItem, error)
	GetQueueItem(ctx context.Context, id string) (*model.WriteQueueItem, error)
	// GetActiveQueueItem returns the pending/processing/conflict item of the
	// modification
	GetActiveQueueItem(ctx context.Context, modificationID string) (*model.WriteQueueItem, error)
	UpdateQueueItem(ctx context.Context, item *model.WriteQueueItem) error
	// UpdateClaimedQueueItem saves an item the caller claimed. It fails with
	// model.ErrClaimLost when the stored item is no longer processing with
	// the same lastAttemptAt.
	UpdateClaimedQueueItem(ctx context.Context, item *model.WriteQueueItem) error
	// ListStaleQueueItems returns processing items last attempted before
	// the cutoff
	ListStaleQueueItems(ctx context.Context, before time.Time, limit int) ([]*model.WriteQueueItem, error)
	CountQueueItems(ctx context.Context, organizationID string, f model.QueueFilter) (map[string]int, error)
	OldestPendingAt(ctx context.Context, organizationID string) (*time.Time, error)

	GetModification(ctx context.Context, id string) (*model.Modification, error)
	UpdateModification(ctx context.Context, m *model.Modification) error

	GetMirror(ctx context.Context, targetID string) (*model.Mirror, error)
	SaveMirror(ctx context.Context, m *model.Mirror) error
	InsertMirrorHistory(ctx context.Context, h *model.MirrorHistory) error
	// ListMirrorHistory returns archived versions with
	// fromVersion <= version < toVersion, ordered by version
	ListMirrorHistory(ctx context.Context, targetID string, fromVersion, toVersion int64) ([]*model.MirrorHistory, error)

	InsertConflict(ctx context.Context, c *model.SyncConflict) error
	GetConflict(ctx context.Context, id string) (*model.SyncConflict, error)
	ListConflicts(ctx context.Context, organizationID, status string) ([]*model.SyncConflict, error)
	CountOpenConflicts(ctx context.Context, organizationID string) (int, error)
	// ResolveConflict records the resolution. It fails with
	// model.ErrConflictResolved if a resolution was already recorded.
	ResolveConflict(ctx context.Context, c *model.SyncConflict) error
}

// Notifier is implemented by stores that can wake idle workers when work is
// enqueued
type Notifier interface {
	NotifyEnqueued(ctx context.Context, organizationID string) error
}
