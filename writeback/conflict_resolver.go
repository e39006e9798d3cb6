package writeback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/events"
	"github.com/Skyrin/go-writeback/record"
	"github.com/Skyrin/go-writeback/validate"
	"github.com/Skyrin/go-writeback/writeback/model"
)

const (
	ECode060401 = e.Code0604 + "01"
	ECode060402 = e.Code0604 + "02"
	ECode060403 = e.Code0604 + "03"
	ECode060404 = e.Code0604 + "04"
	ECode060405 = e.Code0604 + "05"
	ECode060406 = e.Code0604 + "06"
	ECode060407 = e.Code0604 + "07"
	ECode060408 = e.Code0604 + "08"
	ECode060409 = e.Code0604 + "09"
	ECode06040A = e.Code0604 + "0A"
	ECode06040B = e.Code0604 + "0B"
	ECode06040C = e.Code0604 + "0C"
)

// Per field merge sources
const (
	ChoiceLocal  = "local"
	ChoiceRemote = "remote"
	ChoiceCustom = "custom"
)

// Choice picks the value of one conflicting field in a merge
type Choice struct {
	Source string          `json:"source" yaml:"source"`
	Value  json.RawMessage `json:"value,omitempty" yaml:"-"`
}

// Resolution a decision about a conflict. Choices is only read for a merge
// and must name every conflicting field.
type Resolution struct {
	Strategy   string            `json:"strategy"`
	Choices    map[string]Choice `json:"choices,omitempty"`
	ResolvedBy string            `json:"resolvedBy"`
}

// Applied the effect of a resolution
type Applied struct {
	Conflict  *model.SyncConflict   `json:"conflict"`
	QueueItem *model.WriteQueueItem `json:"queueItem"`
	// Requeued whether the item goes back to the queue. When false the local
	// changes were discarded.
	Requeued bool `json:"requeued"`
}

// Resolver applies resolutions to conflicts
type Resolver struct {
	store   Store
	emitter events.Emitter
	now     func() time.Time
}

// NewResolver returns a resolver. A nil emitter drops events.
func NewResolver(store Store, emitter events.Emitter, now func() time.Time) *Resolver {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: store, emitter: emitter, now: now}
}

// ResolveConflict applies r to the conflict. The conflict record, the queue
// item and the modification are updated in one transaction. A conflict can
// only be resolved once.
func (rs *Resolver) ResolveConflict(ctx context.Context, conflictID string, r Resolution) (a *Applied, err error) {
	if strings.TrimSpace(r.ResolvedBy) == "" {
		return nil, e.WWM(model.ErrInvalidResolution, ECode060401, "resolvedBy is required")
	}

	switch r.Strategy {
	case model.ResolutionUseLocal, model.ResolutionUseRemote, model.ResolutionMerge:
	default:
		return nil, e.WWM(model.ErrInvalidResolution, ECode060402,
			fmt.Sprintf("unknown strategy '%s'", r.Strategy))
	}

	err = rs.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		a, err = rs.resolve(ctx, tx, conflictID, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := rs.now()
	rs.emitter.Emit(ctx, events.ForConflict(events.TypeResolved, a.Conflict, now))
	if a.Requeued {
		rs.emitter.Emit(ctx, events.ForItem(events.TypeRequeued, a.QueueItem, now))
	}

	return a, nil
}

func (rs *Resolver) resolve(ctx context.Context, tx Store, conflictID string, r Resolution) (*Applied, error) {
	c, err := tx.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, e.W(err, ECode060403)
	}
	if c.IsResolved() {
		return nil, e.WWM(model.ErrConflictResolved, ECode060404, e.MsgConflictAlreadyResolved)
	}

	item, err := tx.GetQueueItem(ctx, c.QueueItemID)
	if err != nil {
		return nil, e.W(err, ECode060405)
	}
	if item.Status != model.QueueStatusConflict {
		return nil, e.WWM(model.ErrInvalidState, ECode060406,
			fmt.Sprintf("queue item %s is %s, not paused on a conflict", item.ID, item.Status))
	}

	mod, err := tx.GetModification(ctx, c.ModificationID)
	if err != nil {
		return nil, e.W(err, ECode060407)
	}

	mirror, err := tx.GetMirror(ctx, c.TargetID)
	if err != nil {
		return nil, e.W(err, ECode060408)
	}

	now := rs.now()
	a := &Applied{Conflict: c, QueueItem: item}

	// The remote may be ahead of the mirror when the conflict came back from
	// the system of record rather than the local check
	base := mirror.Version
	if c.RemoteVersion > base {
		base = c.RemoteVersion
	}

	switch r.Strategy {
	case model.ResolutionUseLocal:
		cs, err := record.DecodeChangeSet(item.Payload)
		if err != nil {
			return nil, e.W(err, ECode060409)
		}
		if err := requeue(item, mod, cs, base, now); err != nil {
			return nil, err
		}
		a.Requeued = true

	case model.ResolutionUseRemote:
		discard(item, mod, now)

	case model.ResolutionMerge:
		merged, err := mergeChangeSet(item, mirror, c.ConflictFields, r.Choices)
		if err != nil {
			return nil, err
		}

		if merged.Empty() {
			// Every conflicting field went to the remote value and nothing else
			// was changed locally
			discard(item, mod, now)
			break
		}

		if c.MergedData, err = merged.Encode(); err != nil {
			return nil, e.W(err, ECode06040A)
		}
		if err := requeue(item, mod, merged, base, now); err != nil {
			return nil, err
		}
		a.Requeued = true
	}

	c.Status = model.ConflictStatusResolvedManual
	c.Resolution = r.Strategy
	c.ResolvedBy = r.ResolvedBy
	c.ResolvedAt = &now

	if err := tx.ResolveConflict(ctx, c); err != nil {
		return nil, e.W(err, ECode06040B)
	}
	if err := tx.UpdateQueueItem(ctx, item); err != nil {
		return nil, e.W(err, ECode06040B, "item")
	}
	if err := tx.UpdateModification(ctx, mod); err != nil {
		return nil, e.W(err, ECode06040B, "modification")
	}

	return a, nil
}

// mergeChangeSet builds the change set that results from the per field
// choices. Local changes to fields outside the conflict are kept as they are.
func mergeChangeSet(item *model.WriteQueueItem, mirror *model.Mirror, conflictFields []string,
	choices map[string]Choice) (merged record.ChangeSet, err error) {
	if item.Operation != record.OpUpdate {
		return merged, e.WWM(model.ErrInvalidResolution, ECode06040C, "merge only applies to updates")
	}

	var missing, extra []string
	for _, f := range conflictFields {
		if _, ok := choices[f]; !ok {
			missing = append(missing, f)
		}
	}
	for f := range choices {
		if !contains(conflictFields, f) {
			extra = append(extra, f)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(extra)
		return merged, e.WWM(model.ErrInvalidResolution, ECode06040C,
			fmt.Sprintf("merge must choose exactly the conflicting fields (missing: %s, unexpected: %s)",
				strings.Join(missing, ","), strings.Join(extra, ",")))
	}

	merged, err = record.DecodeChangeSet(item.Payload)
	if err != nil {
		return merged, e.W(err, ECode060409)
	}

	for _, f := range conflictFields {
		ch := choices[f]
		switch ch.Source {
		case ChoiceLocal:
		case ChoiceRemote:
			merged = merged.Without(f)
		case ChoiceCustom:
			if v := bytes.TrimSpace(ch.Value); len(v) == 0 || bytes.Equal(v, []byte("null")) {
				return merged, e.WWM(model.ErrInvalidResolution, ECode06040C,
					fmt.Sprintf("custom choice for '%s' needs a value", f))
			}
			if err := merged.SetRaw(f, ch.Value); err != nil {
				return merged, e.WWM(model.ErrInvalidResolution, ECode06040C, err.Error())
			}
		default:
			return merged, e.WWM(model.ErrInvalidResolution, ECode06040C,
				fmt.Sprintf("unknown choice '%s' for '%s'", ch.Source, f))
		}
	}

	if merged.Empty() {
		return merged, nil
	}

	current, err := mirror.Agreement()
	if err != nil {
		return merged, e.W(err, ECode060408, "decode mirror")
	}
	if err := validate.Validate(record.OpUpdate, merged, &current).Err(); err != nil {
		return merged, e.WWM(err, ECode06040C, "merged changes are invalid")
	}

	return merged, nil
}

// requeue puts the item back on the queue on top of baseVersion
func requeue(item *model.WriteQueueItem, mod *model.Modification, cs record.ChangeSet,
	baseVersion int64, now time.Time) error {
	payload := item.Payload
	if item.Operation == record.OpUpdate {
		var err error
		if payload, err = cs.Encode(); err != nil {
			return e.W(err, ECode06040A)
		}
		mod.Delta = payload
	}

	item.Payload = payload
	item.Status = model.QueueStatusPending
	item.ScheduledAt = now
	item.LastError = ""
	item.UpdatedAt = now

	mod.BaseVersion = baseVersion
	mod.Status = model.ModificationStatusPending
	mod.UpdatedAt = now

	return nil
}

// discard drops the local changes in favour of the remote record
func discard(item *model.WriteQueueItem, mod *model.Modification, now time.Time) {
	item.Status = model.QueueStatusCompleted
	item.CompletedAt = &now
	item.LastError = ""
	item.UpdatedAt = now

	mod.Status = model.ModificationStatusSynced
	mod.SyncedAt = &now
	mod.UpdatedAt = now
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
