package writeback_test

import (
	"encoding/json"
	"testing"

	"github.com/Skyrin/go-writeback/events"
	"github.com/Skyrin/go-writeback/record"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pausedOnTitle leaves a modification changing title and quantity paused on
// a conflict over title
func pausedOnTitle(t *testing.T) (*fixture, *model.SyncConflict) {
	f := newFixture(t)
	f.seedMirror(testTarget, 3, baseAgreement())
	f.addModification("mod-1", testTarget, testOrg, 3, record.ChangeSet{
		Title:    ptr("Renamed locally"),
		Quantity: ptr(int64(25)),
	})
	f.remoteEdit(testTarget, 4, func(a *record.Agreement) { a.Title = "Renamed remotely" })
	f.enqueue("mod-1", record.OpUpdate)

	require.Equal(t, 1, f.process().Conflicts)

	cList, err := f.queue.ListConflicts(f.ctx, testOrg, model.ConflictStatusUnresolved)
	require.NoError(t, err)
	require.Len(t, cList, 1)
	return f, cList[0]
}

func TestResolver_UseRemoteDiscardsLocalChanges(t *testing.T) {
	f, c := pausedOnTitle(t)

	applied, err := f.resolver.ResolveConflict(f.ctx, c.ID, writeback.Resolution{
		Strategy:   model.ResolutionUseRemote,
		ResolvedBy: "reviewer",
	})
	require.NoError(t, err)
	assert.False(t, applied.Requeued)

	assert.Equal(t, model.QueueStatusCompleted, f.item(c.QueueItemID).Status)
	assert.Equal(t, model.ModificationStatusSynced, f.modification("mod-1").Status)

	resolved, err := f.store.GetConflict(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictStatusResolvedManual, resolved.Status)
	assert.Equal(t, model.ResolutionUseRemote, resolved.Resolution)
	assert.Equal(t, "reviewer", resolved.ResolvedBy)
	assert.NotNil(t, resolved.ResolvedAt)

	assert.Equal(t, 0, f.process().TotalProcessed)
	assert.Empty(t, f.remote.Calls())

	types := f.events.Types()
	assert.Equal(t, events.TypeResolved, types[len(types)-1])
}

func TestResolver_MergeWithCustomValue(t *testing.T) {
	f, c := pausedOnTitle(t)

	applied, err := f.resolver.ResolveConflict(f.ctx, c.ID, writeback.Resolution{
		Strategy: model.ResolutionMerge,
		Choices: map[string]writeback.Choice{
			record.FieldTitle: {Source: writeback.ChoiceCustom, Value: json.RawMessage(`"Agreed title"`)},
		},
		ResolvedBy: "reviewer",
	})
	require.NoError(t, err)
	assert.True(t, applied.Requeued)
	assert.NotEmpty(t, applied.Conflict.MergedData)
	assert.Equal(t, int64(4), f.modification("mod-1").BaseVersion)

	types := f.events.Types()
	assert.Equal(t, []events.Type{events.TypeResolved, events.TypeRequeued}, types[len(types)-2:])

	require.Equal(t, 1, f.process().Successful)
	calls := f.remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Agreed title", *calls[0].Changes.Title)
	assert.Equal(t, int64(25), *calls[0].Changes.Quantity)
	assert.Equal(t, int64(4), calls[0].Opts.BaseVersion)
}

func TestResolver_MergeKeepingRemoteDropsOnlyThatField(t *testing.T) {
	f, c := pausedOnTitle(t)

	_, err := f.resolver.ResolveConflict(f.ctx, c.ID, writeback.Resolution{
		Strategy: model.ResolutionMerge,
		Choices: map[string]writeback.Choice{
			record.FieldTitle: {Source: writeback.ChoiceRemote},
		},
		ResolvedBy: "reviewer",
	})
	require.NoError(t, err)

	require.Equal(t, 1, f.process().Successful)
	calls := f.remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{record.FieldQuantity}, calls[0].Changes.Fields())

	a, err := f.mirror(testTarget).Agreement()
	require.NoError(t, err)
	assert.Equal(t, "Renamed remotely", a.Title)
	assert.Equal(t, int64(25), a.Quantity)
}

func TestResolver_MergeLeavingNothingIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.seedMirror(testTarget, 3, baseAgreement())
	f.addModification("mod-1", testTarget, testOrg, 3, record.ChangeSet{Title: ptr("Renamed locally")})
	f.remoteEdit(testTarget, 4, func(a *record.Agreement) { a.Title = "Renamed remotely" })
	f.enqueue("mod-1", record.OpUpdate)
	require.Equal(t, 1, f.process().Conflicts)

	cList, err := f.queue.ListConflicts(f.ctx, testOrg, "")
	require.NoError(t, err)
	require.Len(t, cList, 1)

	applied, err := f.resolver.ResolveConflict(f.ctx, cList[0].ID, writeback.Resolution{
		Strategy:   model.ResolutionMerge,
		Choices:    map[string]writeback.Choice{record.FieldTitle: {Source: writeback.ChoiceRemote}},
		ResolvedBy: "reviewer",
	})
	require.NoError(t, err)
	assert.False(t, applied.Requeued)
	assert.Equal(t, model.QueueStatusCompleted, f.item(cList[0].QueueItemID).Status)
}

func TestResolver_MergeRejectsIncompleteOrUnknownChoices(t *testing.T) {
	f, c := pausedOnTitle(t)

	for name, choices := range map[string]map[string]writeback.Choice{
		"missing": {},
		"unexpected": {
			record.FieldTitle:    {Source: writeback.ChoiceLocal},
			record.FieldQuantity: {Source: writeback.ChoiceLocal},
		},
		"unknown source": {record.FieldTitle: {Source: "theirs"}},
		"custom without value": {record.FieldTitle: {Source: writeback.ChoiceCustom}},
		"custom null": {record.FieldTitle: {Source: writeback.ChoiceCustom, Value: json.RawMessage(` null `)}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.resolver.ResolveConflict(f.ctx, c.ID, writeback.Resolution{
				Strategy:   model.ResolutionMerge,
				Choices:    choices,
				ResolvedBy: "reviewer",
			})
			assert.ErrorIs(t, err, model.ErrInvalidResolution)
		})
	}

	// Nothing was applied
	still, err := f.store.GetConflict(f.ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, still.IsResolved())
	assert.Equal(t, model.QueueStatusConflict, f.item(c.QueueItemID).Status)
}

func TestResolver_MergeResultIsValidated(t *testing.T) {
	f, c := pausedOnTitle(t)

	_, err := f.resolver.ResolveConflict(f.ctx, c.ID, writeback.Resolution{
		Strategy: model.ResolutionMerge,
		Choices: map[string]writeback.Choice{
			record.FieldTitle: {Source: writeback.ChoiceCustom, Value: json.RawMessage(`"  "`)},
		},
		ResolvedBy: "reviewer",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "title")

	still, err := f.store.GetConflict(f.ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, still.IsResolved())
}

func TestResolver_ResolvesOnlyOnce(t *testing.T) {
	f, c := pausedOnTitle(t)
	r := writeback.Resolution{Strategy: model.ResolutionUseLocal, ResolvedBy: "reviewer"}

	_, err := f.resolver.ResolveConflict(f.ctx, c.ID, r)
	require.NoError(t, err)

	_, err = f.resolver.ResolveConflict(f.ctx, c.ID, r)
	assert.ErrorIs(t, err, model.ErrConflictResolved)
}

func TestResolver_RejectsBadRequests(t *testing.T) {
	f, c := pausedOnTitle(t)

	_, err := f.resolver.ResolveConflict(f.ctx, c.ID, writeback.Resolution{Strategy: "coin_flip", ResolvedBy: "x"})
	assert.ErrorIs(t, err, model.ErrInvalidResolution)

	_, err = f.resolver.ResolveConflict(f.ctx, c.ID, writeback.Resolution{Strategy: model.ResolutionUseLocal})
	assert.ErrorIs(t, err, model.ErrInvalidResolution)

	_, err = f.resolver.ResolveConflict(f.ctx, "no-such-conflict",
		writeback.Resolution{Strategy: model.ResolutionUseLocal, ResolvedBy: "x"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}
