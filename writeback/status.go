package writeback

import (
	"context"
	"fmt"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/writeback/model"
)

const (
	ECode060601 = e.Code0606 + "01"
	ECode060602 = e.Code0606 + "02"
	ECode060603 = e.Code0606 + "03"
	ECode060604 = e.Code0606 + "04"
)

// GetQueueStatus reports the queue of one organization. Every status is
// present in the counts, zero or not.
func (q *Queue) GetQueueStatus(ctx context.Context, organizationID string, f model.QueueFilter) (*model.QueueStatus, error) {
	counts, err := q.store.CountQueueItems(ctx, organizationID, f)
	if err != nil {
		return nil, e.W(err, ECode060601)
	}

	qs := &model.QueueStatus{
		OrganizationID: organizationID,
		Counts:         make(map[string]int, len(model.QueueStatusList)),
		GeneratedAt:    q.now(),
	}
	for _, s := range model.QueueStatusList {
		qs.Counts[s] = counts[s]
		qs.Total += counts[s]
	}

	if qs.OpenConflicts, err = q.store.CountOpenConflicts(ctx, organizationID); err != nil {
		return nil, e.W(err, ECode060602)
	}

	if qs.OldestPendingAt, err = q.store.OldestPendingAt(ctx, organizationID); err != nil {
		return nil, e.W(err, ECode060603)
	}
	if qs.OldestPendingAt != nil {
		qs.OldestPendingAge = qs.GeneratedAt.Sub(*qs.OldestPendingAt)
		if qs.OldestPendingAge < 0 {
			qs.OldestPendingAge = 0
		}
	}

	return qs, nil
}

// ListConflicts lists the conflicts of an organization, oldest first. An
// empty status lists every conflict.
func (q *Queue) ListConflicts(ctx context.Context, organizationID, status string) ([]*model.SyncConflict, error) {
	switch status {
	case "", model.ConflictStatusUnresolved, model.ConflictStatusResolvedAuto, model.ConflictStatusResolvedManual:
	default:
		return nil, e.N(ECode060604, fmt.Sprintf("invalid conflict status '%s'", status))
	}

	cList, err := q.store.ListConflicts(ctx, organizationID, status)
	if err != nil {
		return nil, e.W(err, ECode060604)
	}

	return cList, nil
}
