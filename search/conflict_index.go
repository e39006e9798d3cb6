// Package search keeps an Algolia index of open sync conflicts, so operators
// can find them by target, organization or conflicting field
package search

import (
	"context"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/events"
	"github.com/algolia/algoliasearch-client-go/v3/algolia/search"
	"github.com/rs/zerolog/log"
)

const (
	ECode050101 = e.Code0501 + "01"
	ECode050102 = e.Code0501 + "02"
	ECode050103 = e.Code0501 + "03"
	ECode050104 = e.Code0501 + "04"
)

// ObjectIndex the part of *search.Index used here
type ObjectIndex interface {
	SaveObject(object interface{}, opts ...interface{}) (search.SaveObjectRes, error)
	DeleteObject(objectID string, opts ...interface{}) (search.DeleteTaskRes, error)
}

// ConflictRecord the searchable form of a conflict. Payloads are left out,
// they can be large and may hold data the index should not.
type ConflictRecord struct {
	ObjectID       string    `json:"objectID"`
	TargetID       string    `json:"targetId"`
	OrganizationID string    `json:"organizationId"`
	ModificationID string    `json:"modificationId"`
	LocalVersion   int64     `json:"localVersion"`
	RemoteVersion  int64     `json:"remoteVersion"`
	ConflictFields []string  `json:"conflictFields"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	CreatedAtUnix  int64     `json:"createdAtUnix"`
}

// ConflictIndex is an events.Emitter adding conflicts to the index when they
// are detected and removing them once resolved
type ConflictIndex struct {
	index ObjectIndex
}

var _ events.Emitter = (*ConflictIndex)(nil)

// NewConflictIndex connects to the Algolia application and index
func NewConflictIndex(appID, apiKey, indexName string) (ci *ConflictIndex, err error) {
	if appID == "" {
		return nil, e.N(ECode050101, "algolia app id not specified")
	}
	if apiKey == "" {
		return nil, e.N(ECode050101, "algolia api key not specified")
	}
	if indexName == "" {
		return nil, e.N(ECode050101, "algolia index not specified")
	}

	client := search.NewClient(appID, apiKey)

	return NewConflictIndexWith(client.InitIndex(indexName)), nil
}

// NewConflictIndexWith wraps an existing index
func NewConflictIndexWith(idx ObjectIndex) *ConflictIndex {
	return &ConflictIndex{index: idx}
}

// Emit indexes conflicted events and removes resolved ones. Other event
// types are ignored. Failures are logged only.
func (ci *ConflictIndex) Emit(ctx context.Context, ev events.Event) {
	if ev.Conflict == nil {
		return
	}

	var err error
	switch ev.Type {
	case events.TypeConflicted:
		err = ci.Push(ctx, NewConflictRecord(ev))
	case events.TypeResolved:
		err = ci.Delete(ctx, ev.Conflict.ID)
	default:
		return
	}

	if err != nil {
		log.Warn().Err(err).
			Str("conflictId", ev.Conflict.ID).
			Str("event", string(ev.Type)).
			Msg("unable to update conflict index")
	}
}

// Push saves the record
func (ci *ConflictIndex) Push(ctx context.Context, r ConflictRecord) (err error) {
	if _, err := ci.index.SaveObject(r, ctx); err != nil {
		return e.W(err, ECode050102, r.ObjectID)
	}

	return nil
}

// Delete removes the conflict from the index
func (ci *ConflictIndex) Delete(ctx context.Context, conflictID string) (err error) {
	if conflictID == "" {
		return e.N(ECode050103, "conflict id not specified")
	}

	if _, err := ci.index.DeleteObject(conflictID, ctx); err != nil {
		return e.W(err, ECode050104, conflictID)
	}

	return nil
}

// NewConflictRecord builds the record from a conflict event
func NewConflictRecord(ev events.Event) ConflictRecord {
	c := ev.Conflict
	return ConflictRecord{
		ObjectID:       c.ID,
		TargetID:       c.TargetID,
		OrganizationID: c.OrganizationID,
		ModificationID: c.ModificationID,
		LocalVersion:   c.LocalVersion,
		RemoteVersion:  c.RemoteVersion,
		ConflictFields: c.ConflictFields,
		Status:         c.Status,
		CreatedAt:      c.CreatedAt,
		CreatedAtUnix:  c.CreatedAt.Unix(),
	}
}
