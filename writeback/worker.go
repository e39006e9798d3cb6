package writeback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/events"
	"github.com/Skyrin/go-writeback/failure"
	"github.com/Skyrin/go-writeback/record"
	"github.com/Skyrin/go-writeback/upstream"
	"github.com/Skyrin/go-writeback/validate"
	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	ECode060101 = e.Code0601 + "01"
	ECode060102 = e.Code0601 + "02"
	ECode060103 = e.Code0601 + "03"
	ECode060104 = e.Code0601 + "04"
	ECode060105 = e.Code0601 + "05"
	ECode060106 = e.Code0601 + "06"
	ECode060107 = e.Code0601 + "07"
	ECode060108 = e.Code0601 + "08"
	ECode060109 = e.Code0601 + "09"
	ECode06010A = e.Code0601 + "0A"
	ECode06010B = e.Code0601 + "0B"
	ECode06010C = e.Code0601 + "0C"
	ECode06010D = e.Code0601 + "0D"

	DefaultBatchSize      = 50
	DefaultInterval       = 5 * time.Second
	DefaultOrgConcurrency = 4
	DefaultStaleAfter     = 10 * time.Minute

	maxLastErrorLen = 2000
)

// ErrBatchInProgress returned by ProcessBatch when a batch of the same worker
// is still running
var ErrBatchInProgress = errors.New("batch already in progress")

// Invalidator is implemented by client providers that cache clients
type Invalidator interface {
	Invalidate(organizationID string)
}

// WorkerConfig for NewWorker
type WorkerConfig struct {
	Store   Store
	Clients upstream.ClientProvider
	// Limiter defaults to no limiting
	Limiter Limiter
	Emitter events.Emitter

	BatchSize int
	// Interval between polls when no wake-up arrives
	Interval time.Duration
	// OrgConcurrency how many organizations are processed in parallel.
	// Items of one organization are always processed one after another.
	OrgConcurrency int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	// StaleAfter a processing item last attempted longer ago is considered
	// abandoned by RecoverStale
	StaleAfter time.Duration

	Now func() time.Time
}

// Worker drains the write queue
type Worker struct {
	store    Store
	clients  upstream.ClientProvider
	limiter  Limiter
	emitter  events.Emitter
	detector *Detector

	batchSize      int
	interval       time.Duration
	orgConcurrency int
	baseDelay      time.Duration
	maxDelay       time.Duration
	staleAfter     time.Duration
	now            func() time.Time

	inFlight atomic.Bool
	wake     chan struct{}
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeConflict
	outcomeSkipped
)

// NewWorker returns a new worker, applying defaults to unset config values
func NewWorker(cfg WorkerConfig) (w *Worker, err error) {
	if cfg.Store == nil {
		return nil, e.N(ECode060101, "store not specified")
	}
	if cfg.Clients == nil {
		return nil, e.N(ECode060101, "client provider not specified")
	}

	w = &Worker{
		store:          cfg.Store,
		clients:        cfg.Clients,
		limiter:        cfg.Limiter,
		emitter:        cfg.Emitter,
		batchSize:      cfg.BatchSize,
		interval:       cfg.Interval,
		orgConcurrency: cfg.OrgConcurrency,
		baseDelay:      cfg.BaseDelay,
		maxDelay:       cfg.MaxDelay,
		staleAfter:     cfg.StaleAfter,
		now:            cfg.Now,
		wake:           make(chan struct{}, 1),
	}

	if w.limiter == nil {
		w.limiter = NewOrgLimiter(0)
	}
	if w.emitter == nil {
		w.emitter = events.Nop{}
	}
	if w.batchSize <= 0 {
		w.batchSize = DefaultBatchSize
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.orgConcurrency <= 0 {
		w.orgConcurrency = DefaultOrgConcurrency
	}
	if w.baseDelay <= 0 {
		w.baseDelay = DefaultBaseDelay
	}
	if w.maxDelay <= 0 {
		w.maxDelay = DefaultMaxDelay
	}
	if w.staleAfter <= 0 {
		w.staleAfter = DefaultStaleAfter
	}
	if w.now == nil {
		w.now = time.Now
	}
	w.detector = NewDetector(w.now)

	return w, nil
}

// Wake asks a running worker to poll now instead of waiting for the next
// tick. It never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls the queue until ctx is done. When ctx is cancelled during a
// batch, items already in flight finish and the rest are released before Run
// returns.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Info().Msgf("write-back worker started, batch size %d, interval %s", w.batchSize, w.interval)

	for {
		full := false
		if ctx.Err() == nil {
			bs, err := w.ProcessBatch(ctx)
			if err != nil && !errors.Is(err, ErrBatchInProgress) {
				log.Error().Err(err).Msgf("[%s]batch failed", ECode060102)
			}
			if bs != nil {
				full = bs.TotalProcessed+bs.Skipped >= w.batchSize
				if bs.TotalProcessed > 0 {
					log.Info().Msgf("batch %s: processed %d, succeeded %d, retried %d, failed %d, conflicts %d",
						bs.BatchID, bs.TotalProcessed, bs.Successful, bs.Retried, bs.Failed, bs.Conflicts)
				}
			}
		}

		// A full batch likely left more due work behind
		if full && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("write-back worker stopped")
			return nil
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// ProcessBatch claims up to the batch size of due items and processes them.
// Organizations are processed in parallel, the items of one organization in
// claim order. Cancelling ctx does not abort an item in flight; items not yet
// started are released to pending without using a retry and counted as
// skipped.
func (w *Worker) ProcessBatch(ctx context.Context) (bs *model.BatchStatus, err error) {
	if !w.inFlight.CompareAndSwap(false, true) {
		return nil, ErrBatchInProgress
	}
	defer w.inFlight.Store(false)

	bs = &model.BatchStatus{
		BatchID:   uuid.NewString(),
		StartedAt: w.now(),
	}

	if ctx.Err() != nil {
		bs.CompletedAt = bs.StartedAt
		return bs, nil
	}

	itemList, err := w.store.ClaimQueueItems(context.WithoutCancel(ctx), bs.StartedAt, w.batchSize)
	if err != nil {
		bs.CompletedAt = w.now()
		return bs, e.W(err, ECode060103)
	}

	var mu sync.Mutex
	var errList []error
	tally := func(o outcome, err error) {
		mu.Lock()
		defer mu.Unlock()

		if errors.Is(err, model.ErrClaimLost) {
			// Stale recovery took the item back, the newer claim owns it now
			log.Warn().Err(err).Msg("dropped result of a reclaimed queue item")
			o, err = outcomeSkipped, nil
		}
		if err != nil {
			errList = append(errList, err)
		}
		switch o {
		case outcomeSucceeded:
			bs.Successful++
		case outcomeRetried:
			bs.Retried++
		case outcomeFailed:
			bs.Failed++
		case outcomeConflict:
			bs.Conflicts++
		case outcomeSkipped:
			bs.Skipped++
			return
		}
		bs.TotalProcessed++
	}

	var g errgroup.Group
	g.SetLimit(w.orgConcurrency)
	for _, orgItems := range groupByOrganization(itemList) {
		orgItems := orgItems
		g.Go(func() error {
			for _, item := range orgItems {
				if ctx.Err() != nil {
					tally(outcomeSkipped, w.release(ctx, item))
					continue
				}
				tally(w.processItem(ctx, item))
			}
			return nil
		})
	}
	_ = g.Wait()

	bs.CompletedAt = w.now()
	if len(errList) > 0 {
		return bs, e.W(errors.Join(errList...), ECode060104)
	}
	return bs, nil
}

// groupByOrganization keeps the claim order within each organization
func groupByOrganization(itemList []*model.WriteQueueItem) (groups [][]*model.WriteQueueItem) {
	idx := make(map[string]int)
	for _, item := range itemList {
		i, ok := idx[item.OrganizationID]
		if !ok {
			i = len(groups)
			idx[item.OrganizationID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], item)
	}
	return groups
}

// processItem makes one attempt at a claimed item. The returned error is
// only set for store failures, in which case the item stays in processing
// until stale recovery picks it up.
func (w *Worker) processItem(ctx context.Context, item *model.WriteQueueItem) (outcome, error) {
	stop := ctx
	ctx = context.WithoutCancel(ctx)

	w.emitter.Emit(ctx, events.ForItem(events.TypeStarted, item, w.now()))

	mod, err := w.store.GetModification(ctx, item.ModificationID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return w.fail(ctx, item, nil, failure.Wrap(failure.KindNotFound, err, "modification does not exist"))
		}
		return outcomeFailed, e.W(err, ECode060105)
	}

	mod.Status = model.ModificationStatusSyncing
	mod.UpdatedAt = w.now()
	if err := w.store.UpdateModification(ctx, mod); err != nil {
		return outcomeFailed, e.W(err, ECode060105, "syncing")
	}

	mirror, err := w.store.GetMirror(ctx, item.TargetID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return w.fail(ctx, item, mod, failure.Wrap(failure.KindNotFound, err, "record is not mirrored"))
		}
		return outcomeFailed, e.W(err, ECode060106)
	}

	current, err := mirror.Agreement()
	if err != nil {
		return w.fail(ctx, item, mod, failure.Wrap(failure.KindValidation, err, "mirrored record is unreadable"))
	}

	cs, err := record.DecodeChangeSet(item.Payload)
	if err != nil {
		return w.fail(ctx, item, mod, failure.Wrap(failure.KindValidation, err, "invalid payload"))
	}

	if err := validate.Validate(item.Operation, cs, &current).Err(); err != nil {
		return w.fail(ctx, item, mod, err)
	}

	conflict, err := w.detector.DetectConflict(ctx, w.store, item, mod, mirror)
	if err != nil {
		return outcomeFailed, e.W(err, ECode060107)
	}
	if conflict != nil {
		return w.pause(ctx, item, mod, conflict)
	}

	if err := w.limiter.Wait(stop, item.OrganizationID); err != nil {
		return outcomeSkipped, w.release(ctx, item)
	}

	client, err := w.clients.ClientFor(ctx, item.OrganizationID)
	if err != nil {
		return w.handleFailure(ctx, item, mod, mirror, err)
	}

	opts := upstream.WriteOptions{
		BaseVersion:    mod.BaseVersion,
		Actor:          mod.Actor,
		Reason:         mod.Reason,
		IdempotencyKey: item.ID,
	}

	var res *upstream.WriteResult
	switch item.Operation {
	case record.OpDelete:
		res, err = client.DeleteRecord(ctx, item.TargetID, opts)
	default:
		res, err = client.UpdateRecord(ctx, item.TargetID, cs, opts)
	}
	if err != nil {
		return w.handleFailure(ctx, item, mod, mirror, err)
	}

	return w.succeed(ctx, item, mod, cs, res)
}

// succeed records an accepted write: the mirror moves to the new version, the
// replaced version is archived, and the modification and item are closed,
// all in one transaction
func (w *Worker) succeed(ctx context.Context, item *model.WriteQueueItem, mod *model.Modification,
	cs record.ChangeSet, res *upstream.WriteResult) (outcome, error) {
	now := w.now()
	var newVersion int64

	err := w.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		m, err := tx.GetMirror(ctx, item.TargetID)
		if err != nil {
			return e.W(err, ECode060108)
		}

		newVersion = res.NewVersion
		if newVersion <= 0 {
			newVersion = m.Version + 1
		}

		// Ingestion may already have brought the mirror to this version
		if newVersion > m.Version {
			before, err := m.Agreement()
			if err != nil {
				return e.W(err, ECode060108, "decode mirror")
			}

			var changed []string
			after := before
			if item.Operation == record.OpDelete {
				changed = record.AllFields
			} else {
				after = cs.Apply(before)
				changed = record.Diff(before, after)
			}

			if err := tx.InsertMirrorHistory(ctx, &model.MirrorHistory{
				TargetID:      m.TargetID,
				Version:       m.Version,
				Data:          m.Data,
				ChangedFields: changed,
				ArchivedAt:    now,
			}); err != nil {
				return e.W(err, ECode060108, "history")
			}

			if item.Operation == record.OpDelete {
				m.Deleted = true
			} else if m.Data, err = encodeAgreement(after); err != nil {
				return e.W(err, ECode060108, "encode mirror")
			}
			m.Version = newVersion
			m.UpdatedAt = now
			if err := tx.SaveMirror(ctx, m); err != nil {
				return e.W(err, ECode060108, "mirror")
			}
		}

		mod.Status = model.ModificationStatusSynced
		mod.SyncedAt = &now
		mod.UpdatedAt = now
		if err := tx.UpdateModification(ctx, mod); err != nil {
			return e.W(err, ECode060108, "modification")
		}

		item.Status = model.QueueStatusCompleted
		item.CompletedAt = &now
		item.LastError = ""
		item.UpdatedAt = now
		if err := tx.UpdateClaimedQueueItem(ctx, item); err != nil {
			return e.W(err, ECode060108, "item")
		}

		return nil
	})
	if err != nil {
		return outcomeFailed, err
	}

	ev := events.ForItem(events.TypeSucceeded, item, now)
	ev.Version = newVersion
	w.emitter.Emit(ctx, ev)

	return outcomeSucceeded, nil
}

// handleFailure routes a failed outbound call by its kind
func (w *Worker) handleFailure(ctx context.Context, item *model.WriteQueueItem, mod *model.Modification,
	mirror *model.Mirror, cause error) (outcome, error) {
	kind := failure.KindOf(cause)

	switch {
	case kind == failure.KindConflict:
		var detail *failure.ConflictDetail
		if fe, ok := failure.As(cause); ok {
			detail = fe.Conflict
		}

		conflict, err := w.detector.DetectFromRemote(ctx, w.store, item, mod, mirror, detail)
		if err != nil {
			return outcomeFailed, e.W(err, ECode060109)
		}
		if conflict != nil {
			return w.pause(ctx, item, mod, conflict)
		}

		// The remote moved on without touching our fields: write again on top
		// of its version
		if detail != nil && detail.CurrentVersion > mod.BaseVersion {
			mod.BaseVersion = detail.CurrentVersion
		}
		return w.scheduleRetry(ctx, w.store, item, mod, cause, 0)

	case kind.Retryable():
		if kind == failure.KindUnknown {
			log.Error().Err(cause).Msgf("[%s]unclassified failure writing %s", ECode060109, item.TargetID)
		}
		var retryAfter time.Duration
		if fe, ok := failure.As(cause); ok {
			retryAfter = fe.RetryAfter
		}
		return w.scheduleRetry(ctx, w.store, item, mod, cause, retryAfter)

	default:
		if kind == failure.KindAuth {
			if inv, ok := w.clients.(Invalidator); ok {
				inv.Invalidate(item.OrganizationID)
			}
		}
		return w.fail(ctx, item, mod, cause)
	}
}

// scheduleRetry counts a failed attempt. The next attempt is delayed by the
// backoff for the new retry count, or by retryAfter if that is longer. Once
// the retry budget is used up the item fails.
func (w *Worker) scheduleRetry(ctx context.Context, store Store, item *model.WriteQueueItem, mod *model.Modification,
	cause error, retryAfter time.Duration) (outcome, error) {
	now := w.now()

	if item.RetryCount < item.MaxRetries {
		item.RetryCount++
	}
	exhausted := item.RetryCount >= item.MaxRetries

	delay := Backoff(item.RetryCount, w.baseDelay, w.maxDelay)
	if retryAfter > delay {
		delay = retryAfter
	}

	item.ScheduledAt = now.Add(delay)
	item.LastError = lastError(cause)
	item.UpdatedAt = now

	o, evType := outcomeRetried, events.TypeRetryScheduled
	if exhausted {
		o, evType = outcomeFailed, events.TypeFailed
		item.Status = model.QueueStatusFailed
		mod.Status = model.ModificationStatusFailed
	} else {
		item.Status = model.QueueStatusPending
		mod.Status = model.ModificationStatusPending
	}
	mod.UpdatedAt = now

	if err := w.saveItemAndModification(ctx, store, item, mod); err != nil {
		return outcomeFailed, e.W(err, ECode06010A)
	}

	ev := events.ForItem(evType, item, now)
	ev.FailureKind = string(failure.KindOf(cause))
	ev.Error = item.LastError
	if !exhausted {
		ev.ScheduledAt = &item.ScheduledAt
	}
	w.emitter.Emit(ctx, ev)

	return o, nil
}

// fail marks the item failed without further retries. mod may be nil when
// the modification itself is missing.
func (w *Worker) fail(ctx context.Context, item *model.WriteQueueItem, mod *model.Modification,
	cause error) (outcome, error) {
	now := w.now()

	item.Status = model.QueueStatusFailed
	item.LastError = lastError(cause)
	item.UpdatedAt = now
	if mod != nil {
		mod.Status = model.ModificationStatusFailed
		mod.UpdatedAt = now
	}

	if err := w.saveItemAndModification(ctx, w.store, item, mod); err != nil {
		return outcomeFailed, e.W(err, ECode06010B)
	}

	ev := events.ForItem(events.TypeFailed, item, now)
	ev.FailureKind = string(failure.KindOf(cause))
	ev.Error = item.LastError
	w.emitter.Emit(ctx, ev)

	return outcomeFailed, nil
}

// pause persists the conflict and parks the item until it is resolved
func (w *Worker) pause(ctx context.Context, item *model.WriteQueueItem, mod *model.Modification,
	conflict *model.SyncConflict) (outcome, error) {
	now := w.now()

	item.Status = model.QueueStatusConflict
	item.LastError = fmt.Sprintf("conflict on %s", strings.Join(conflict.ConflictFields, ", "))
	item.UpdatedAt = now
	mod.Status = model.ModificationStatusConflict
	mod.UpdatedAt = now

	err := w.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.InsertConflict(ctx, conflict); err != nil {
			return err
		}
		if err := tx.UpdateClaimedQueueItem(ctx, item); err != nil {
			return err
		}
		return tx.UpdateModification(ctx, mod)
	})
	if err != nil {
		return outcomeFailed, e.W(err, ECode06010C)
	}

	w.emitter.Emit(ctx, events.ForConflict(events.TypeConflicted, conflict, now))

	return outcomeConflict, nil
}

// release hands a claimed item back to the queue without counting an attempt
func (w *Worker) release(ctx context.Context, item *model.WriteQueueItem) error {
	ctx = context.WithoutCancel(ctx)
	now := w.now()

	return w.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		item.Status = model.QueueStatusPending
		item.UpdatedAt = now
		if err := tx.UpdateClaimedQueueItem(ctx, item); err != nil {
			return e.W(err, ECode06010D)
		}

		mod, err := tx.GetModification(ctx, item.ModificationID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return nil
			}
			return e.W(err, ECode06010D, "modification")
		}
		if mod.Status == model.ModificationStatusSyncing {
			mod.Status = model.ModificationStatusPending
			mod.UpdatedAt = now
			if err := tx.UpdateModification(ctx, mod); err != nil {
				return e.W(err, ECode06010D, "modification")
			}
		}
		return nil
	})
}

func (w *Worker) saveItemAndModification(ctx context.Context, store Store, item *model.WriteQueueItem,
	mod *model.Modification) error {
	return store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.UpdateClaimedQueueItem(ctx, item); err != nil {
			return err
		}
		if mod == nil {
			return nil
		}
		return tx.UpdateModification(ctx, mod)
	})
}

// lastError the message stored on the item. Classified failures keep their
// own message, anything else is cut to its first line.
func lastError(err error) string {
	var s string
	if fe, ok := failure.As(err); ok {
		s = fe.Error()
	} else {
		s = err.Error()
	}

	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > maxLastErrorLen {
		s = s[:maxLastErrorLen]
	}
	return s
}
