package model

import (
	"encoding/json"
	"time"
)

const (
	ConflictStatusUnresolved = "unresolved"
	// ConflictStatusResolvedAuto is reserved, conflicts are only resolved
	// by a person
	ConflictStatusResolvedAuto   = "resolved_auto"
	ConflictStatusResolvedManual = "resolved_manual"

	ResolutionUseLocal  = "use_local"
	ResolutionUseRemote = "use_remote"
	ResolutionMerge     = "merge"
)

// SyncConflict an overlap between local and remote changes that needs a
// decision before the write can proceed
type SyncConflict struct {
	ID             string          `json:"id" yaml:"id"`
	TargetID       string          `json:"targetId" yaml:"targetId"`
	OrganizationID string          `json:"organizationId" yaml:"organizationId"`
	ModificationID string          `json:"modificationId" yaml:"modificationId"`
	QueueItemID    string          `json:"queueItemId" yaml:"queueItemId"`
	LocalVersion   int64           `json:"localVersion" yaml:"localVersion"`
	RemoteVersion  int64           `json:"remoteVersion" yaml:"remoteVersion"`
	LocalData      json.RawMessage `json:"localData" yaml:"-"`
	RemoteData     json.RawMessage `json:"remoteData" yaml:"-"`
	ConflictFields []string        `json:"conflictFields" yaml:"conflictFields"`
	Status         string          `json:"status" yaml:"status"`
	Resolution     string          `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	MergedData     json.RawMessage `json:"mergedData,omitempty" yaml:"-"`
	ResolvedBy     string          `json:"resolvedBy,omitempty" yaml:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty" yaml:"resolvedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt" yaml:"createdAt"`
}

// IsResolved whether a resolution was recorded
func (c *SyncConflict) IsResolved() bool {
	return c.ResolvedAt != nil
}

// Clone returns a deep copy
func (c *SyncConflict) Clone() *SyncConflict {
	n := *c
	n.LocalData = append(json.RawMessage(nil), c.LocalData...)
	n.RemoteData = append(json.RawMessage(nil), c.RemoteData...)
	n.MergedData = append(json.RawMessage(nil), c.MergedData...)
	n.ConflictFields = append([]string(nil), c.ConflictFields...)
	n.ResolvedAt = cloneTime(c.ResolvedAt)
	return &n
}
