package sqlmodel

import (
	"context"
	"time"

	"github.com/Skyrin/go-writeback/e"
	sql "github.com/Skyrin/go-writeback/sqlpgx"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/Skyrin/go-writeback/writeback/model"
)

const (
	ECode070501 = e.Code0705 + "01"
	ECode070502 = e.Code0705 + "02"
)

var (
	_ writeback.Store    = (*Store)(nil)
	_ writeback.Notifier = (*Store)(nil)
)

// Store the Postgres backed write-back store
type Store struct {
	db *sql.Connection
}

// NewStore returns a store using the connection. If the connection carries
// a txn, every call joins it.
func NewStore(db *sql.Connection) *Store {
	return &Store{db: db}
}

// WithTx runs fn in a txn. Nested calls join the running txn.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx writeback.Store) error) error {
	return s.db.WithTxn(ctx, func(db *sql.Connection) error {
		return fn(ctx, &Store{db: db})
	})
}

func (s *Store) InsertQueueItem(ctx context.Context, item *model.WriteQueueItem) error {
	return QueueItemInsert(ctx, s.db, item)
}

func (s *Store) ClaimQueueItems(ctx context.Context, now time.Time, limit int) ([]*model.WriteQueueItem, error) {
	return QueueItemClaim(ctx, s.db, now, limit)
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (*model.WriteQueueItem, error) {
	return QueueItemGetByID(ctx, s.db, id)
}

func (s *Store) GetActiveQueueItem(ctx context.Context, modificationID string) (*model.WriteQueueItem, error) {
	return QueueItemGetActive(ctx, s.db, modificationID)
}

func (s *Store) UpdateQueueItem(ctx context.Context, item *model.WriteQueueItem) error {
	return QueueItemUpdate(ctx, s.db, item)
}

func (s *Store) UpdateClaimedQueueItem(ctx context.Context, item *model.WriteQueueItem) error {
	return QueueItemUpdateClaimed(ctx, s.db, item)
}

func (s *Store) ListStaleQueueItems(ctx context.Context, before time.Time, limit int) ([]*model.WriteQueueItem, error) {
	return QueueItemGet(ctx, s.db, &QueueItemGetParam{
		Limit:         uint64(limit),
		StatusList:    []string{model.QueueStatusProcessing},
		AttemptBefore: &before,
	})
}

func (s *Store) CountQueueItems(ctx context.Context, organizationID string, f model.QueueFilter) (map[string]int, error) {
	return QueueItemCount(ctx, s.db, organizationID, f)
}

func (s *Store) OldestPendingAt(ctx context.Context, organizationID string) (*time.Time, error) {
	return QueueItemOldestPending(ctx, s.db, organizationID)
}

func (s *Store) GetModification(ctx context.Context, id string) (*model.Modification, error) {
	return ModificationGetByID(ctx, s.db, id)
}

func (s *Store) UpdateModification(ctx context.Context, m *model.Modification) error {
	return ModificationUpdate(ctx, s.db, m)
}

// InsertModification is not part of the engine's store. The editing layer
// normally writes modifications.
func (s *Store) InsertModification(ctx context.Context, m *model.Modification) error {
	return ModificationInsert(ctx, s.db, m)
}

func (s *Store) GetMirror(ctx context.Context, targetID string) (*model.Mirror, error) {
	return MirrorGetByID(ctx, s.db, targetID)
}

func (s *Store) SaveMirror(ctx context.Context, m *model.Mirror) error {
	return MirrorUpsert(ctx, s.db, m)
}

func (s *Store) InsertMirrorHistory(ctx context.Context, h *model.MirrorHistory) error {
	return MirrorHistoryInsert(ctx, s.db, h)
}

func (s *Store) ListMirrorHistory(ctx context.Context, targetID string, fromVersion, toVersion int64) ([]*model.MirrorHistory, error) {
	return MirrorHistoryGet(ctx, s.db, targetID, fromVersion, toVersion)
}

func (s *Store) InsertConflict(ctx context.Context, c *model.SyncConflict) error {
	return SyncConflictInsert(ctx, s.db, c)
}

func (s *Store) GetConflict(ctx context.Context, id string) (*model.SyncConflict, error) {
	return SyncConflictGetByID(ctx, s.db, id)
}

func (s *Store) ListConflicts(ctx context.Context, organizationID, status string) ([]*model.SyncConflict, error) {
	p := &SyncConflictGetParam{OrganizationID: &organizationID}
	if status != "" {
		p.Status = &status
	}
	return SyncConflictGet(ctx, s.db, p)
}

func (s *Store) CountOpenConflicts(ctx context.Context, organizationID string) (int, error) {
	return SyncConflictCountOpen(ctx, s.db, organizationID)
}

func (s *Store) ResolveConflict(ctx context.Context, c *model.SyncConflict) error {
	return SyncConflictResolve(ctx, s.db, c)
}

// NotifyEnqueued publishes the organization on the enqueue channel. Inside a
// txn Postgres delivers it on commit.
func (s *Store) NotifyEnqueued(ctx context.Context, organizationID string) error {
	if _, err := s.db.Exec(ctx, "SELECT pg_notify($1, $2)", model.NotifyChannel, organizationID); err != nil {
		return e.W(err, ECode070501)
	}

	return nil
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return e.W(err, ECode070502)
	}

	return nil
}
