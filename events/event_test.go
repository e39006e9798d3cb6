package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func testItem() *model.WriteQueueItem {
	return &model.WriteQueueItem{
		ID:             "item-1",
		ModificationID: "mod-1",
		TargetID:       "agr-1",
		OrganizationID: "org-1",
		RetryCount:     2,
	}
}

func TestForItem(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	ev := ForItem(TypeStarted, testItem(), now)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, TypeStarted, ev.Type)
	assert.Equal(t, "agr-1", ev.TargetID)
	assert.Equal(t, "org-1", ev.OrganizationID)
	assert.Equal(t, 2, ev.Attempt)
	assert.Equal(t, now, ev.OccurredAt)
}

func TestMulti(t *testing.T) {
	var got []Type
	rec := EmitterFunc(func(_ context.Context, ev Event) { got = append(got, ev.Type) })

	Multi{rec, nil, Nop{}, rec}.Emit(context.Background(), Event{Type: TypeFailed})

	assert.Equal(t, []Type{TypeFailed, TypeFailed}, got)
}

func TestKafkaSink_Emit(t *testing.T) {
	fw := &fakeWriter{}
	ks := NewKafkaSink(fw)

	c := &model.SyncConflict{ID: "c-1", TargetID: "agr-1", OrganizationID: "org-1", RemoteVersion: 7,
		ConflictFields: []string{"start"}}
	ks.Emit(context.Background(), ForConflict(TypeConflicted, c, time.Now()))

	require.Len(t, fw.msgs, 1)
	msg := fw.msgs[0]
	assert.Equal(t, []byte("agr-1"), msg.Key)
	assert.Equal(t, "event-type", msg.Headers[0].Key)
	assert.Equal(t, []byte("conflicted"), msg.Headers[0].Value)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, int64(7), decoded.Version)
	require.NotNil(t, decoded.Conflict)
	assert.Equal(t, []string{"start"}, decoded.Conflict.ConflictFields)
}

func TestKafkaSink_EmitSwallowsErrors(t *testing.T) {
	fw := &fakeWriter{err: errors.New("broker down")}
	ks := NewKafkaSink(fw)

	assert.NotPanics(t, func() {
		ks.Emit(context.Background(), ForItem(TypeFailed, testItem(), time.Now()))
	})
	assert.Empty(t, fw.msgs)
}

func TestLogSink(t *testing.T) {
	assert.NotPanics(t, func() {
		LogSink{}.Emit(context.Background(), ForItem(TypeFailed, testItem(), time.Now()))
	})
}
