package writeback

import (
	"context"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/failure"
	"github.com/Skyrin/go-writeback/record"
	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	ECode060301 = e.Code0603 + "01"
	ECode060302 = e.Code0603 + "02"
	ECode060303 = e.Code0603 + "03"
	ECode060304 = e.Code0603 + "04"
)

// HistoryReader reads archived mirror versions
type HistoryReader interface {
	ListMirrorHistory(ctx context.Context, targetID string, fromVersion, toVersion int64) ([]*model.MirrorHistory, error)
}

// Detector decides whether a modification's changes overlap with remote
// changes made since its base version. Non-overlapping changes are never
// reported: the write itself carries them over.
type Detector struct {
	now func() time.Time
}

// NewDetector returns a detector stamping conflicts with now
func NewDetector(now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{now: now}
}

// DetectConflict compares the modification against the current mirror. It
// returns nil when there is nothing to decide, otherwise an unresolved
// conflict that the caller persists while pausing the item.
func (d *Detector) DetectConflict(ctx context.Context, hr HistoryReader, item *model.WriteQueueItem,
	mod *model.Modification, current *model.Mirror) (*model.SyncConflict, error) {
	if mod.BaseVersion >= current.Version {
		if mod.BaseVersion > current.Version {
			// The local copy claims a version the mirror never saw
			log.Warn().Msgf("[%s]modification %s base version %d is ahead of mirror version %d for %s",
				ECode060301, mod.ID, mod.BaseVersion, current.Version, current.TargetID)
		}
		return nil, nil
	}

	remoteChanged, err := RemoteChangedFields(ctx, hr, current.TargetID, mod.BaseVersion, current.Version)
	if err != nil {
		return nil, e.W(err, ECode060302)
	}

	return d.conflictFor(item, mod, current, current.Version, remoteChanged)
}

// DetectFromRemote handles a version conflict reported by the system of
// record. The remote's conflicting fields are used when given, otherwise
// the mirror history. It returns nil when the overlap with the local
// changes is empty, in which case the caller rebases and retries.
func (d *Detector) DetectFromRemote(ctx context.Context, hr HistoryReader, item *model.WriteQueueItem,
	mod *model.Modification, current *model.Mirror, detail *failure.ConflictDetail) (*model.SyncConflict, error) {
	remoteVersion := current.Version
	var remoteChanged []string

	if detail != nil {
		if detail.CurrentVersion > remoteVersion {
			remoteVersion = detail.CurrentVersion
		}
		remoteChanged = detail.ConflictingFields
	}

	if len(remoteChanged) == 0 {
		if current.Version > mod.BaseVersion && remoteVersion == current.Version {
			var err error
			remoteChanged, err = RemoteChangedFields(ctx, hr, current.TargetID, mod.BaseVersion, current.Version)
			if err != nil {
				return nil, e.W(err, ECode060303)
			}
		} else {
			// Nothing known about what changed remotely
			remoteChanged = record.AllFields
		}
	}

	if remoteVersion <= mod.BaseVersion {
		remoteVersion = mod.BaseVersion + 1
	}

	return d.conflictFor(item, mod, current, remoteVersion, remoteChanged)
}

func (d *Detector) conflictFor(item *model.WriteQueueItem, mod *model.Modification, current *model.Mirror,
	remoteVersion int64, remoteChanged []string) (*model.SyncConflict, error) {
	localChanged, err := LocalChangedFields(item)
	if err != nil {
		return nil, e.W(err, ECode060304)
	}

	fields := record.Intersect(remoteChanged, localChanged)
	if len(fields) == 0 {
		return nil, nil
	}

	return &model.SyncConflict{
		ID:             uuid.NewString(),
		TargetID:       item.TargetID,
		OrganizationID: item.OrganizationID,
		ModificationID: mod.ID,
		QueueItemID:    item.ID,
		LocalVersion:   mod.BaseVersion,
		RemoteVersion:  remoteVersion,
		LocalData:      item.Payload,
		RemoteData:     current.Data,
		ConflictFields: fields,
		Status:         model.ConflictStatusUnresolved,
		CreatedAt:      d.now(),
	}, nil
}

// LocalChangedFields the fields a queue item changes. A delete touches
// every field.
func LocalChangedFields(item *model.WriteQueueItem) ([]string, error) {
	if item.Operation == record.OpDelete {
		return record.AllFields, nil
	}

	cs, err := record.DecodeChangeSet(item.Payload)
	if err != nil {
		return nil, err
	}
	return cs.Fields(), nil
}

// RemoteChangedFields the union of fields changed remotely between the two
// versions. When the history does not reach back to fromVersion every field
// is reported as changed.
func RemoteChangedFields(ctx context.Context, hr HistoryReader, targetID string,
	fromVersion, toVersion int64) ([]string, error) {
	if toVersion <= fromVersion {
		return nil, nil
	}

	hList, err := hr.ListMirrorHistory(ctx, targetID, fromVersion, toVersion)
	if err != nil {
		return nil, err
	}

	if len(hList) == 0 || hList[0].Version != fromVersion {
		log.Warn().Msgf("[%s]history of %s does not reach version %d, treating every field as changed",
			ECode060302, targetID, fromVersion)
		return record.AllFields, nil
	}

	var changed []string
	for _, h := range hList {
		changed = append(changed, h.ChangedFields...)
	}

	return record.Intersect(changed, record.AllFields), nil
}
