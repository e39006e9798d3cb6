package model

import (
	"encoding/json"
	"time"

	"github.com/Skyrin/go-writeback/record"
)

const (
	ModificationStatusPending  = "pending"
	ModificationStatusSyncing  = "syncing"
	ModificationStatusSynced   = "synced"
	ModificationStatusConflict = "conflict"
	ModificationStatusFailed   = "failed"
)

// Mirror the local copy of the latest known remote version of a record
type Mirror struct {
	TargetID       string          `json:"targetId"`
	OrganizationID string          `json:"organizationId"`
	Version        int64           `json:"version"`
	Data           json.RawMessage `json:"data"`
	Deleted        bool            `json:"deleted"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Agreement decodes the mirrored data
func (m *Mirror) Agreement() (a record.Agreement, err error) {
	if len(m.Data) == 0 {
		return a, nil
	}
	err = json.Unmarshal(m.Data, &a)
	return a, err
}

// Clone returns a deep copy
func (m *Mirror) Clone() *Mirror {
	c := *m
	c.Data = append(json.RawMessage(nil), m.Data...)
	return &c
}

// MirrorHistory an archived version of a mirror. ChangedFields lists the
// fields that differ between this version and the one that replaced it.
type MirrorHistory struct {
	TargetID      string          `json:"targetId"`
	Version       int64           `json:"version"`
	Data          json.RawMessage `json:"data"`
	ChangedFields []string        `json:"changedFields"`
	ArchivedAt    time.Time       `json:"archivedAt"`
}

// Modification a committed set of local changes to one record
type Modification struct {
	ID             string          `json:"id"`
	TargetID       string          `json:"targetId"`
	OrganizationID string          `json:"organizationId"`
	BaseVersion    int64           `json:"baseVersion"`
	Delta          json.RawMessage `json:"delta"`
	Status         string          `json:"status"`
	Actor          string          `json:"actor"`
	Reason         string          `json:"reason"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	SyncedAt       *time.Time      `json:"syncedAt,omitempty"`
}

// Clone returns a deep copy
func (m *Modification) Clone() *Modification {
	c := *m
	c.Delta = append(json.RawMessage(nil), m.Delta...)
	c.SyncedAt = cloneTime(m.SyncedAt)
	return &c
}
