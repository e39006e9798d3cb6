package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	ECode090101 = e.Code0901 + "01"
	ECode090102 = e.Code0901 + "02"
	ECode090103 = e.Code0901 + "03"

	defaultWriteTimeout = 5 * time.Second
)

// MessageWriter the part of *kafka.Writer the sink needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes lifecycle events to a kafka topic, keyed by target id
// so the events of one record stay ordered within a partition
type KafkaSink struct {
	w            MessageWriter
	WriteTimeout time.Duration
}

// NewKafkaSink returns a sink publishing through w, i.e. the writer
// returned by kafka.Connection.NewWriter
func NewKafkaSink(w MessageWriter) (ks *KafkaSink) {
	return &KafkaSink{
		w:            w,
		WriteTimeout: defaultWriteTimeout,
	}
}

// Message encodes ev as a kafka message
func Message(ev Event) (msg kafka.Message, err error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return msg, e.W(err, ECode090101)
	}

	return kafka.Message{
		Key:   []byte(ev.TargetID),
		Value: b,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "organization-id", Value: []byte(ev.OrganizationID)},
		},
	}, nil
}

// Emit publishes ev. A failed publish is logged, never returned.
func (ks *KafkaSink) Emit(ctx context.Context, ev Event) {
	msg, err := Message(ev)
	if err != nil {
		log.Warn().Err(err).Msgf("[%s]failed to encode event", ECode090102)
		return
	}

	// The event outlives a cancelled batch context
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ks.WriteTimeout)
	defer cancel()

	if err := ks.w.WriteMessages(wctx, msg); err != nil {
		log.Warn().Err(err).Msgf("[%s]failed to publish event %s for %s",
			ECode090103, ev.Type, ev.TargetID)
	}
}

// Close closes the underlying writer
func (ks *KafkaSink) Close() error {
	return ks.w.Close()
}
