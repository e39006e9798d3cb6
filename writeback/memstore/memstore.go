// Package memstore is an in-memory writeback.Store. Transactions are
// serialized: a transaction works on a copy of the state that replaces the
// live state only when it commits.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/Skyrin/go-writeback/writeback/model"
)

const (
	ECode0D0101 = e.Code0D01 + "01"
	ECode0D0102 = e.Code0D01 + "02"
	ECode0D0103 = e.Code0D01 + "03"
	ECode0D0104 = e.Code0D01 + "04"
	ECode0D0105 = e.Code0D01 + "05"
	ECode0D0106 = e.Code0D01 + "06"
	ECode0D0107 = e.Code0D01 + "07"
)

type state struct {
	items     map[string]*model.WriteQueueItem
	mods      map[string]*model.Modification
	mirrors   map[string]*model.Mirror
	history   map[string][]*model.MirrorHistory
	conflicts map[string]*model.SyncConflict
	notified  []string
}

func newState() *state {
	return &state{
		items:     map[string]*model.WriteQueueItem{},
		mods:      map[string]*model.Modification{},
		mirrors:   map[string]*model.Mirror{},
		history:   map[string][]*model.MirrorHistory{},
		conflicts: map[string]*model.SyncConflict{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.items {
		c.items[k] = v.Clone()
	}
	for k, v := range s.mods {
		c.mods[k] = v.Clone()
	}
	for k, v := range s.mirrors {
		c.mirrors[k] = v.Clone()
	}
	for k, hList := range s.history {
		for _, h := range hList {
			c.history[k] = append(c.history[k], cloneHistory(h))
		}
	}
	for k, v := range s.conflicts {
		c.conflicts[k] = v.Clone()
	}
	c.notified = append(c.notified, s.notified...)
	return c
}

func cloneHistory(h *model.MirrorHistory) *model.MirrorHistory {
	c := *h
	c.Data = append([]byte(nil), h.Data...)
	c.ChangedFields = append([]string(nil), h.ChangedFields...)
	return &c
}

// Store the in-memory store
type Store struct {
	mu sync.Mutex
	st *state
}

var (
	_ writeback.Store    = (*Store)(nil)
	_ writeback.Notifier = (*Store)(nil)
)

// New returns an empty store
func New() *Store {
	return &Store{st: newState()}
}

// txView runs against an uncommitted copy of the state. The owning Store's
// lock is held for the whole transaction.
type txView struct {
	st *state
}

var (
	_ writeback.Store    = (*txView)(nil)
	_ writeback.Notifier = (*txView)(nil)
)

// WithTx runs fn in a transaction
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx writeback.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txView{st: s.st.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.st = tx.st
	return nil
}

// WithTx joins the running transaction
func (v *txView) WithTx(ctx context.Context, fn func(ctx context.Context, tx writeback.Store) error) error {
	return fn(ctx, v)
}

// locked runs fn against the live state
func (s *Store) locked(fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

// PutModification seeds or replaces a modification
func (s *Store) PutModification(m *model.Modification) {
	_ = s.locked(func(st *state) error {
		st.mods[m.ID] = m.Clone()
		return nil
	})
}

// PutMirror seeds or replaces a mirror
func (s *Store) PutMirror(m *model.Mirror) {
	_ = s.locked(func(st *state) error {
		st.mirrors[m.TargetID] = m.Clone()
		return nil
	})
}

// Notifications the organization ids passed to NotifyEnqueued by committed
// transactions, in order
func (s *Store) Notifications() (list []string) {
	_ = s.locked(func(st *state) error {
		list = append(list, st.notified...)
		return nil
	})
	return list
}

// QueueItems every queue item, ordered by creation
func (s *Store) QueueItems() (list []*model.WriteQueueItem) {
	_ = s.locked(func(st *state) error {
		for _, i := range st.items {
			list = append(list, i.Clone())
		}
		return nil
	})
	sort.Slice(list, func(a, b int) bool {
		if !list[a].CreatedAt.Equal(list[b].CreatedAt) {
			return list[a].CreatedAt.Before(list[b].CreatedAt)
		}
		return list[a].ID < list[b].ID
	})
	return list
}

func (s *Store) InsertQueueItem(_ context.Context, item *model.WriteQueueItem) error {
	return s.locked(func(st *state) error { return st.insertQueueItem(item) })
}

func (v *txView) InsertQueueItem(_ context.Context, item *model.WriteQueueItem) error {
	return v.st.insertQueueItem(item)
}

func (s *Store) ClaimQueueItems(_ context.Context, now time.Time, limit int) (list []*model.WriteQueueItem, err error) {
	err = s.locked(func(st *state) error {
		list = st.claimQueueItems(now, limit)
		return nil
	})
	return list, err
}

func (v *txView) ClaimQueueItems(_ context.Context, now time.Time, limit int) ([]*model.WriteQueueItem, error) {
	return v.st.claimQueueItems(now, limit), nil
}

func (s *Store) GetQueueItem(_ context.Context, id string) (item *model.WriteQueueItem, err error) {
	err = s.locked(func(st *state) error {
		item, err = st.getQueueItem(id)
		return err
	})
	return item, err
}

func (v *txView) GetQueueItem(_ context.Context, id string) (*model.WriteQueueItem, error) {
	return v.st.getQueueItem(id)
}

func (s *Store) GetActiveQueueItem(_ context.Context, modificationID string) (item *model.WriteQueueItem, err error) {
	err = s.locked(func(st *state) error {
		item, err = st.getActiveQueueItem(modificationID)
		return err
	})
	return item, err
}

func (v *txView) GetActiveQueueItem(_ context.Context, modificationID string) (*model.WriteQueueItem, error) {
	return v.st.getActiveQueueItem(modificationID)
}

func (s *Store) UpdateQueueItem(_ context.Context, item *model.WriteQueueItem) error {
	return s.locked(func(st *state) error { return st.updateQueueItem(item) })
}

func (v *txView) UpdateQueueItem(_ context.Context, item *model.WriteQueueItem) error {
	return v.st.updateQueueItem(item)
}

func (s *Store) UpdateClaimedQueueItem(_ context.Context, item *model.WriteQueueItem) error {
	return s.locked(func(st *state) error { return st.updateClaimedQueueItem(item) })
}

func (v *txView) UpdateClaimedQueueItem(_ context.Context, item *model.WriteQueueItem) error {
	return v.st.updateClaimedQueueItem(item)
}

func (s *Store) ListStaleQueueItems(_ context.Context, before time.Time, limit int) (list []*model.WriteQueueItem, err error) {
	err = s.locked(func(st *state) error {
		list = st.listStaleQueueItems(before, limit)
		return nil
	})
	return list, err
}

func (v *txView) ListStaleQueueItems(_ context.Context, before time.Time, limit int) ([]*model.WriteQueueItem, error) {
	return v.st.listStaleQueueItems(before, limit), nil
}

func (s *Store) CountQueueItems(_ context.Context, organizationID string, f model.QueueFilter) (counts map[string]int, err error) {
	err = s.locked(func(st *state) error {
		counts = st.countQueueItems(organizationID, f)
		return nil
	})
	return counts, err
}

func (v *txView) CountQueueItems(_ context.Context, organizationID string, f model.QueueFilter) (map[string]int, error) {
	return v.st.countQueueItems(organizationID, f), nil
}

func (s *Store) OldestPendingAt(_ context.Context, organizationID string) (t *time.Time, err error) {
	err = s.locked(func(st *state) error {
		t = st.oldestPendingAt(organizationID)
		return nil
	})
	return t, err
}

func (v *txView) OldestPendingAt(_ context.Context, organizationID string) (*time.Time, error) {
	return v.st.oldestPendingAt(organizationID), nil
}

func (s *Store) GetModification(_ context.Context, id string) (m *model.Modification, err error) {
	err = s.locked(func(st *state) error {
		m, err = st.getModification(id)
		return err
	})
	return m, err
}

func (v *txView) GetModification(_ context.Context, id string) (*model.Modification, error) {
	return v.st.getModification(id)
}

func (s *Store) UpdateModification(_ context.Context, m *model.Modification) error {
	return s.locked(func(st *state) error { return st.updateModification(m) })
}

func (v *txView) UpdateModification(_ context.Context, m *model.Modification) error {
	return v.st.updateModification(m)
}

func (s *Store) GetMirror(_ context.Context, targetID string) (m *model.Mirror, err error) {
	err = s.locked(func(st *state) error {
		m, err = st.getMirror(targetID)
		return err
	})
	return m, err
}

func (v *txView) GetMirror(_ context.Context, targetID string) (*model.Mirror, error) {
	return v.st.getMirror(targetID)
}

func (s *Store) SaveMirror(_ context.Context, m *model.Mirror) error {
	return s.locked(func(st *state) error {
		st.mirrors[m.TargetID] = m.Clone()
		return nil
	})
}

func (v *txView) SaveMirror(_ context.Context, m *model.Mirror) error {
	v.st.mirrors[m.TargetID] = m.Clone()
	return nil
}

func (s *Store) InsertMirrorHistory(_ context.Context, h *model.MirrorHistory) error {
	return s.locked(func(st *state) error { return st.insertMirrorHistory(h) })
}

func (v *txView) InsertMirrorHistory(_ context.Context, h *model.MirrorHistory) error {
	return v.st.insertMirrorHistory(h)
}

func (s *Store) ListMirrorHistory(_ context.Context, targetID string, fromVersion, toVersion int64) (list []*model.MirrorHistory, err error) {
	err = s.locked(func(st *state) error {
		list = st.listMirrorHistory(targetID, fromVersion, toVersion)
		return nil
	})
	return list, err
}

func (v *txView) ListMirrorHistory(_ context.Context, targetID string, fromVersion, toVersion int64) ([]*model.MirrorHistory, error) {
	return v.st.listMirrorHistory(targetID, fromVersion, toVersion), nil
}

func (s *Store) InsertConflict(_ context.Context, c *model.SyncConflict) error {
	return s.locked(func(st *state) error { return st.insertConflict(c) })
}

func (v *txView) InsertConflict(_ context.Context, c *model.SyncConflict) error {
	return v.st.insertConflict(c)
}

func (s *Store) GetConflict(_ context.Context, id string) (c *model.SyncConflict, err error) {
	err = s.locked(func(st *state) error {
		c, err = st.getConflict(id)
		return err
	})
	return c, err
}

func (v *txView) GetConflict(_ context.Context, id string) (*model.SyncConflict, error) {
	return v.st.getConflict(id)
}

func (s *Store) ListConflicts(_ context.Context, organizationID, status string) (list []*model.SyncConflict, err error) {
	err = s.locked(func(st *state) error {
		list = st.listConflicts(organizationID, status)
		return nil
	})
	return list, err
}

func (v *txView) ListConflicts(_ context.Context, organizationID, status string) ([]*model.SyncConflict, error) {
	return v.st.listConflicts(organizationID, status), nil
}

func (s *Store) CountOpenConflicts(_ context.Context, organizationID string) (n int, err error) {
	err = s.locked(func(st *state) error {
		n = len(st.listConflicts(organizationID, model.ConflictStatusUnresolved))
		return nil
	})
	return n, err
}

func (v *txView) CountOpenConflicts(_ context.Context, organizationID string) (int, error) {
	return len(v.st.listConflicts(organizationID, model.ConflictStatusUnresolved)), nil
}

func (s *Store) ResolveConflict(_ context.Context, c *model.SyncConflict) error {
	return s.locked(func(st *state) error { return st.resolveConflict(c) })
}

func (v *txView) ResolveConflict(_ context.Context, c *model.SyncConflict) error {
	return v.st.resolveConflict(c)
}

// NotifyEnqueued records the notification
func (s *Store) NotifyEnqueued(_ context.Context, organizationID string) error {
	return s.locked(func(st *state) error {
		st.notified = append(st.notified, organizationID)
		return nil
	})
}

// NotifyEnqueued records the notification, visible once the transaction
// commits
func (v *txView) NotifyEnqueued(_ context.Context, organizationID string) error {
	v.st.notified = append(v.st.notified, organizationID)
	return nil
}

func (st *state) insertQueueItem(item *model.WriteQueueItem) error {
	if _, ok := st.items[item.ID]; ok {
		return e.N(ECode0D0101, fmt.Sprintf("queue item %s already exists", item.ID))
	}
	if item.IsActive() {
		if _, err := st.getActiveQueueItem(item.ModificationID); err == nil {
			return e.W(model.ErrActiveItemExists, ECode0D0101)
		}
	}
	st.items[item.ID] = item.Clone()
	return nil
}

func (st *state) claimQueueItems(now time.Time, limit int) (list []*model.WriteQueueItem) {
	var due []*model.WriteQueueItem
	for _, i := range st.items {
		if i.Status == model.QueueStatusPending && !i.ScheduledAt.After(now) {
			due = append(due, i)
		}
	}

	sort.Slice(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority > due[b].Priority
		}
		if !due[a].ScheduledAt.Equal(due[b].ScheduledAt) {
			return due[a].ScheduledAt.Before(due[b].ScheduledAt)
		}
		if !due[a].CreatedAt.Equal(due[b].CreatedAt) {
			return due[a].CreatedAt.Before(due[b].CreatedAt)
		}
		return due[a].ID < due[b].ID
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for _, i := range due {
		t := now
		i.Status = model.QueueStatusProcessing
		i.LastAttemptAt = &t
		i.UpdatedAt = now
		list = append(list, i.Clone())
	}
	return list
}

func (st *state) getQueueItem(id string) (*model.WriteQueueItem, error) {
	i, ok := st.items[id]
	if !ok {
		return nil, e.WWM(model.ErrNotFound, ECode0D0102, fmt.Sprintf("queue item %s does not exist", id))
	}
	return i.Clone(), nil
}

func (st *state) getActiveQueueItem(modificationID string) (*model.WriteQueueItem, error) {
	for _, i := range st.items {
		if i.ModificationID == modificationID && i.IsActive() {
			return i.Clone(), nil
		}
	}
	return nil, e.WWM(model.ErrNotFound, ECode0D0102,
		fmt.Sprintf("no active queue item for modification %s", modificationID))
}

func (st *state) updateQueueItem(item *model.WriteQueueItem) error {
	if _, ok := st.items[item.ID]; !ok {
		return e.WWM(model.ErrNotFound, ECode0D0102, fmt.Sprintf("queue item %s does not exist", item.ID))
	}
	if item.IsActive() {
		for _, i := range st.items {
			if i.ID != item.ID && i.ModificationID == item.ModificationID && i.IsActive() {
				return e.W(model.ErrActiveItemExists, ECode0D0101)
			}
		}
	}
	st.items[item.ID] = item.Clone()
	return nil
}

func (st *state) updateClaimedQueueItem(item *model.WriteQueueItem) error {
	cur, ok := st.items[item.ID]
	if !ok || cur.Status != model.QueueStatusProcessing || !sameTime(cur.LastAttemptAt, item.LastAttemptAt) {
		return e.WWM(model.ErrClaimLost, ECode0D0107,
			fmt.Sprintf("queue item %s is no longer held by this claim", item.ID))
	}
	return st.updateQueueItem(item)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (st *state) listStaleQueueItems(before time.Time, limit int) (list []*model.WriteQueueItem) {
	for _, i := range st.items {
		if i.Status != model.QueueStatusProcessing {
			continue
		}
		if i.LastAttemptAt == nil || i.LastAttemptAt.Before(before) {
			list = append(list, i.Clone())
		}
	}

	sort.Slice(list, func(a, b int) bool {
		return attemptTime(list[a]).Before(attemptTime(list[b]))
	})

	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

func attemptTime(i *model.WriteQueueItem) time.Time {
	if i.LastAttemptAt == nil {
		return time.Time{}
	}
	return *i.LastAttemptAt
}

func (st *state) countQueueItems(organizationID string, f model.QueueFilter) map[string]int {
	counts := map[string]int{}
	for _, i := range st.items {
		if i.OrganizationID != organizationID {
			continue
		}
		if f.TargetID != nil && i.TargetID != *f.TargetID {
			continue
		}
		if f.Operation != nil && string(i.Operation) != *f.Operation {
			continue
		}
		if f.CreatedSince != nil && i.CreatedAt.Before(*f.CreatedSince) {
			continue
		}
		if f.CreatedUntil != nil && !i.CreatedAt.Before(*f.CreatedUntil) {
			continue
		}
		counts[i.Status]++
	}
	return counts
}

func (st *state) oldestPendingAt(organizationID string) (oldest *time.Time) {
	for _, i := range st.items {
		if i.OrganizationID != organizationID || i.Status != model.QueueStatusPending {
			continue
		}
		if oldest == nil || i.CreatedAt.Before(*oldest) {
			t := i.CreatedAt
			oldest = &t
		}
	}
	return oldest
}

func (st *state) getModification(id string) (*model.Modification, error) {
	m, ok := st.mods[id]
	if !ok {
		return nil, e.WWM(model.ErrNotFound, ECode0D0103, fmt.Sprintf("modification %s does not exist", id))
	}
	return m.Clone(), nil
}

func (st *state) updateModification(m *model.Modification) error {
	if _, ok := st.mods[m.ID]; !ok {
		return e.WWM(model.ErrNotFound, ECode0D0103, fmt.Sprintf("modification %s does not exist", m.ID))
	}
	st.mods[m.ID] = m.Clone()
	return nil
}

func (st *state) getMirror(targetID string) (*model.Mirror, error) {
	m, ok := st.mirrors[targetID]
	if !ok {
		return nil, e.WWM(model.ErrNotFound, ECode0D0104, fmt.Sprintf("mirror of %s does not exist", targetID))
	}
	return m.Clone(), nil
}

func (st *state) insertMirrorHistory(h *model.MirrorHistory) error {
	for _, existing := range st.history[h.TargetID] {
		if existing.Version == h.Version {
			return e.N(ECode0D0104, fmt.Sprintf("version %d of %s is already archived", h.Version, h.TargetID))
		}
	}
	st.history[h.TargetID] = append(st.history[h.TargetID], cloneHistory(h))
	return nil
}

func (st *state) listMirrorHistory(targetID string, fromVersion, toVersion int64) (list []*model.MirrorHistory) {
	for _, h := range st.history[targetID] {
		if h.Version >= fromVersion && h.Version < toVersion {
			list = append(list, cloneHistory(h))
		}
	}
	sort.Slice(list, func(a, b int) bool { return list[a].Version < list[b].Version })
	return list
}

func (st *state) insertConflict(c *model.SyncConflict) error {
	if _, ok := st.conflicts[c.ID]; ok {
		return e.N(ECode0D0105, fmt.Sprintf("conflict %s already exists", c.ID))
	}
	for _, existing := range st.conflicts {
		if existing.ModificationID == c.ModificationID && !existing.IsResolved() {
			return e.N(ECode0D0105,
				fmt.Sprintf("modification %s already has an open conflict", c.ModificationID))
		}
	}
	st.conflicts[c.ID] = c.Clone()
	return nil
}

func (st *state) getConflict(id string) (*model.SyncConflict, error) {
	c, ok := st.conflicts[id]
	if !ok {
		return nil, e.WWM(model.ErrNotFound, ECode0D0106, fmt.Sprintf("conflict %s does not exist", id))
	}
	return c.Clone(), nil
}

func (st *state) listConflicts(organizationID, status string) (list []*model.SyncConflict) {
	for _, c := range st.conflicts {
		if c.OrganizationID != organizationID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		list = append(list, c.Clone())
	}
	sort.Slice(list, func(a, b int) bool {
		if !list[a].CreatedAt.Equal(list[b].CreatedAt) {
			return list[a].CreatedAt.Before(list[b].CreatedAt)
		}
		return list[a].ID < list[b].ID
	})
	return list
}

func (st *state) resolveConflict(c *model.SyncConflict) error {
	existing, ok := st.conflicts[c.ID]
	if !ok {
		return e.WWM(model.ErrNotFound, ECode0D0106, fmt.Sprintf("conflict %s does not exist", c.ID))
	}
	if existing.IsResolved() {
		return e.W(model.ErrConflictResolved, ECode0D0106)
	}
	st.conflicts[c.ID] = c.Clone()
	return nil
}
