package writeback

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/record"
	"github.com/Skyrin/go-writeback/writeback/model"
)

const (
	ECode060801 = e.Code0608 + "01"
	ECode060802 = e.Code0608 + "02"
	ECode060803 = e.Code0608 + "03"
	ECode060804 = e.Code0608 + "04"
)

// RemoteVersion a version of a record observed in the system of record
type RemoteVersion struct {
	TargetID       string
	OrganizationID string
	Version        int64
	Data           json.RawMessage
	Deleted        bool
}

// IngestRemoteVersion brings the mirror up to a newer remote version and
// archives the replaced one with the fields that changed. Versions at or below
// the mirrored one are ignored. It reports whether the mirror changed.
func IngestRemoteVersion(ctx context.Context, store Store, rv RemoteVersion, now time.Time) (changed bool, err error) {
	if rv.TargetID == "" || rv.Version <= 0 {
		return false, e.N(ECode060801, "target id and a positive version are required")
	}

	next, err := decodeAgreement(rv.Data)
	if err != nil {
		return false, e.W(err, ECode060801, "data")
	}
	data, err := encodeAgreement(next)
	if err != nil {
		return false, e.W(err, ECode060801, "data")
	}

	err = store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		m, err := tx.GetMirror(ctx, rv.TargetID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return e.W(err, ECode060802)
		}

		if m == nil {
			changed = true
			return tx.SaveMirror(ctx, &model.Mirror{
				TargetID:       rv.TargetID,
				OrganizationID: rv.OrganizationID,
				Version:        rv.Version,
				Data:           data,
				Deleted:        rv.Deleted,
				UpdatedAt:      now,
			})
		}

		if rv.Version <= m.Version {
			return nil
		}

		before, err := m.Agreement()
		if err != nil {
			return e.W(err, ECode060803)
		}

		fields := record.Diff(before, next)
		if rv.Deleted && !m.Deleted {
			fields = record.AllFields
		}

		if err := tx.InsertMirrorHistory(ctx, &model.MirrorHistory{
			TargetID:      m.TargetID,
			Version:       m.Version,
			Data:          m.Data,
			ChangedFields: fields,
			ArchivedAt:    now,
		}); err != nil {
			return e.W(err, ECode060804)
		}

		m.Version = rv.Version
		m.Data = data
		m.Deleted = rv.Deleted
		m.UpdatedAt = now
		changed = true
		return tx.SaveMirror(ctx, m)
	})
	if err != nil {
		return false, err
	}

	return changed, nil
}

func decodeAgreement(b json.RawMessage) (a record.Agreement, err error) {
	if len(b) == 0 {
		return a, nil
	}
	err = json.Unmarshal(b, &a)
	return a, err
}

func encodeAgreement(a record.Agreement) (json.RawMessage, error) {
	return json.Marshal(a)
}
