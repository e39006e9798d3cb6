package writeback

import (
	"context"
	"errors"
	"fmt"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/events"
	"github.com/Skyrin/go-writeback/failure"
	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/rs/zerolog/log"
)

const (
	ECode060501 = e.Code0605 + "01"
	ECode060502 = e.Code0605 + "02"
	ECode060503 = e.Code0605 + "03"
)

// RecoverStale returns items whose claim was abandoned, e.g. by a crashed
// worker, to the queue. The abandoned attempt counts as a retryable failure,
// so an item that keeps getting stuck eventually fails. It returns the number
// of recovered items.
func (w *Worker) RecoverStale(ctx context.Context) (count int, err error) {
	cutoff := w.now().Add(-w.staleAfter)

	itemList, err := w.store.ListStaleQueueItems(ctx, cutoff, w.batchSize)
	if err != nil {
		return 0, e.W(err, ECode060501)
	}

	for _, stale := range itemList {
		recovered := false
		err := w.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
			// Re-read, the item may have completed since it was listed
			item, err := tx.GetQueueItem(ctx, stale.ID)
			if err != nil {
				return e.W(err, ECode060502)
			}
			if item.Status != model.QueueStatusProcessing ||
				(item.LastAttemptAt != nil && !item.LastAttemptAt.Before(cutoff)) {
				return nil
			}

			mod, err := tx.GetModification(ctx, item.ModificationID)
			if err != nil {
				return e.W(err, ECode060502, "modification")
			}

			cause := failure.New(failure.KindTimeout,
				fmt.Sprintf("claim expired, no result since %s", cutoff.Format("2006-01-02T15:04:05Z07:00")))
			if _, err := w.scheduleRetry(ctx, tx, item, mod, cause, 0); err != nil {
				return err
			}
			recovered = true
			stale = item
			return nil
		})
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return count, e.W(err, ECode060503)
		}

		if recovered {
			count++
			w.emitter.Emit(ctx, events.ForItem(events.TypeRecovered, stale, w.now()))
		}
	}

	if count > 0 {
		log.Info().Msgf("recovered %d stale queue items", count)
	}

	return count, nil
}
