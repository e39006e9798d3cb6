package writeback_test

import (
	"testing"

	"github.com/Skyrin/go-writeback/failure"
	"github.com/Skyrin/go-writeback/record"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func detectorItem(t *testing.T, op record.Operation, cs record.ChangeSet) *model.WriteQueueItem {
	payload, err := cs.Encode()
	require.NoError(t, err)
	return &model.WriteQueueItem{
		ID:             "item-1",
		ModificationID: "mod-1",
		TargetID:       testTarget,
		OrganizationID: testOrg,
		Operation:      op,
		Payload:        payload,
	}
}

func TestDetector_DetectConflict(t *testing.T) {
	f := newFixture(t)
	f.seedMirror(testTarget, 3, baseAgreement())
	f.remoteEdit(testTarget, 4, func(a *record.Agreement) { a.Title = "Remote title" })
	f.remoteEdit(testTarget, 6, func(a *record.Agreement) { a.Quantity = 99 })

	d := writeback.NewDetector(f.clock.Now)
	current := f.mirror(testTarget)

	tests := []struct {
		name        string
		baseVersion int64
		op          record.Operation
		cs          record.ChangeSet
		want        []string
	}{
		{"up to date", 6, record.OpUpdate, record.ChangeSet{Title: ptr("x")}, nil},
		{"ahead of mirror", 7, record.OpUpdate, record.ChangeSet{Title: ptr("x")}, nil},
		{"disjoint", 3, record.OpUpdate, record.ChangeSet{Start: ptr("2025-02-01")}, nil},
		{"overlap", 3, record.OpUpdate, record.ChangeSet{Title: ptr("x"), Start: ptr("2025-02-01")},
			[]string{record.FieldTitle}},
		{"overlap on both", 3, record.OpUpdate, record.ChangeSet{Title: ptr("x"), Quantity: ptr(int64(1))},
			[]string{record.FieldQuantity, record.FieldTitle}},
		{"only later changes count", 4, record.OpUpdate, record.ChangeSet{Title: ptr("x")}, nil},
		{"history gap", 2, record.OpUpdate, record.ChangeSet{Start: ptr("2025-02-01")},
			[]string{record.FieldStart}},
		{"delete", 4, record.OpDelete, record.ChangeSet{}, []string{record.FieldQuantity}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			item := detectorItem(t, tc.op, tc.cs)
			mod := &model.Modification{ID: "mod-1", BaseVersion: tc.baseVersion}

			c, err := d.DetectConflict(f.ctx, f.store, item, mod, current)
			require.NoError(t, err)

			if tc.want == nil {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			assert.Equal(t, tc.want, c.ConflictFields)
			assert.Equal(t, tc.baseVersion, c.LocalVersion)
			assert.Equal(t, int64(6), c.RemoteVersion)
			assert.Equal(t, model.ConflictStatusUnresolved, c.Status)
			assert.NotEmpty(t, c.ID)
			assert.Equal(t, epoch, c.CreatedAt)
		})
	}
}

func TestDetector_ConflictIDsAreUnique(t *testing.T) {
	f := newFixture(t)
	f.seedMirror(testTarget, 3, baseAgreement())
	f.remoteEdit(testTarget, 4, func(a *record.Agreement) { a.Title = "Remote title" })

	d := writeback.NewDetector(f.clock.Now)
	item := detectorItem(t, record.OpUpdate, record.ChangeSet{Title: ptr("x")})
	mod := &model.Modification{ID: "mod-1", BaseVersion: 3}

	c1, err := d.DetectConflict(f.ctx, f.store, item, mod, f.mirror(testTarget))
	require.NoError(t, err)
	c2, err := d.DetectConflict(f.ctx, f.store, item, mod, f.mirror(testTarget))
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c2.ID)
}

func TestDetector_DetectFromRemote(t *testing.T) {
	f := newFixture(t)
	f.seedMirror(testTarget, 3, baseAgreement())
	d := writeback.NewDetector(f.clock.Now)
	item := detectorItem(t, record.OpUpdate, record.ChangeSet{Quantity: ptr(int64(5))})
	mod := &model.Modification{ID: "mod-1", BaseVersion: 3}
	current := f.mirror(testTarget)

	c, err := d.DetectFromRemote(f.ctx, f.store, item, mod, current,
		&failure.ConflictDetail{CurrentVersion: 5, ConflictingFields: []string{record.FieldTitle}})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = d.DetectFromRemote(f.ctx, f.store, item, mod, current,
		&failure.ConflictDetail{CurrentVersion: 5, ConflictingFields: []string{record.FieldQuantity}})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, []string{record.FieldQuantity}, c.ConflictFields)
	assert.Equal(t, int64(5), c.RemoteVersion)

	// Without any detail every local field is in conflict
	c, err = d.DetectFromRemote(f.ctx, f.store, item, mod, current, nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, []string{record.FieldQuantity}, c.ConflictFields)
	assert.Equal(t, int64(4), c.RemoteVersion)
}

func TestRemoteChangedFields(t *testing.T) {
	f := newFixture(t)
	f.seedMirror(testTarget, 1, baseAgreement())
	f.remoteEdit(testTarget, 2, func(a *record.Agreement) { a.End = "2026-12-31" })
	f.remoteEdit(testTarget, 3, func(a *record.Agreement) { a.Quantity = 7; a.End = "2027-12-31" })

	fields, err := writeback.RemoteChangedFields(f.ctx, f.store, testTarget, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{record.FieldEnd, record.FieldQuantity}, fields)

	fields, err = writeback.RemoteChangedFields(f.ctx, f.store, testTarget, 3, 3)
	require.NoError(t, err)
	assert.Empty(t, fields)
}
