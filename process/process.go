// Package process runs registered jobs as cross-process singletons. A run
// holds a row lock on its process record, so concurrent callers on other
// hosts skip instead of running twice.
package process

import (
	"context"
	"fmt"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/process/internal/sqlmodel"
	"github.com/Skyrin/go-writeback/process/model"
	sql "github.com/Skyrin/go-writeback/sqlpgx"
	"github.com/rs/zerolog/log"
)

const (
	ECode030101 = e.Code0301 + "01"
	ECode030102 = e.Code0301 + "02"
	ECode030103 = e.Code0301 + "03"
	ECode030104 = e.Code0301 + "04"
	ECode030105 = e.Code0301 + "05"
	ECode030106 = e.Code0301 + "06"
	ECode030107 = e.Code0301 + "07"
	ECode030108 = e.Code0301 + "08"
	ECode030109 = e.Code0301 + "09"
	ECode03010A = e.Code0301 + "0A"
	ECode03010B = e.Code0301 + "0B"
	ECode03010C = e.Code0301 + "0C"
	ECode03010D = e.Code0301 + "0D"
)

const (
	SkipAlreadyRunning = "process already running"
	SkipInactive       = "process no longer active"
	SkipNotReady       = "process not scheduled to run yet"
)

// RunFunc the work of one run
type RunFunc func(ctx context.Context) error

// Processor is used to create a singleton process. It ensures only
// one process is running at a time.
type Processor struct {
	db      *sql.Connection
	runList map[string]*run
	now     func() time.Time
}

// RunResponse the response returned after running a process
type RunResponse struct {
	Skipped    bool              // Indicates if skipped
	SkipReason string            // Indicates why it was skipped
	Run        *model.ProcessRun // The run itself
}

type run struct {
	process *model.Process
	f       RunFunc
}

// NewProcessor returns a new instance of a processor
func NewProcessor(db *sql.Connection) (p *Processor) {
	return &Processor{
		db:      db,
		runList: map[string]*run{},
		now:     time.Now,
	}
}

// Register registers the process, creating its record on first use. The
// application should register every process on start.
func (p *Processor) Register(ctx context.Context, code, name string, f RunFunc) (err error) {
	if err := p.register(ctx, code, name, 0, f); err != nil {
		return e.W(err, ECode030101)
	}

	return nil
}

// RegisterWithInterval registers the process so that a run is skipped until
// the interval has passed since the previous one, on any host
func (p *Processor) RegisterWithInterval(ctx context.Context, code, name string, interval time.Duration, f RunFunc) (err error) {
	if err := p.register(ctx, code, name, interval, f); err != nil {
		return e.W(err, ECode030102)
	}

	return nil
}

func (p *Processor) register(ctx context.Context, code, name string, interval time.Duration, f RunFunc) (err error) {
	if _, ok := p.runList[code]; ok {
		return e.N(ECode030103,
			fmt.Sprintf("process '%s' already registered", code))
	}

	mp, err := sqlmodel.ProcessGetByCode(ctx, p.db, code)
	if err != nil {
		if !e.ContainsError(err, sqlmodel.ECode030206_getByCode_notFound) {
			return e.W(err, ECode030104)
		}

		mp = &model.Process{
			Code:     code,
			Name:     name,
			Status:   model.ProcessStatusActive,
			Interval: interval,
		}
		if mp.ID, err = sqlmodel.ProcessUpsert(ctx, p.db, mp); err != nil {
			return e.W(err, ECode030105)
		}
	} else if mp.Interval != interval {
		if err := sqlmodel.ProcessSetInterval(ctx, p.db, mp.ID, interval); err != nil {
			return e.W(err, ECode030106)
		}
		mp.Interval = interval
	}

	if mp.Status != model.ProcessStatusActive {
		return e.N(ECode030107, "process inactive")
	}

	p.runList[code] = &run{process: mp, f: f}

	return nil
}

// Run executes the registered process. The response tells whether it was
// skipped and why, otherwise it carries the run record.
func (p *Processor) Run(ctx context.Context, code string) (rr *RunResponse, err error) {
	r, ok := p.runList[code]
	if !ok {
		return nil, e.N(ECode030108,
			fmt.Sprintf("process '%s' was not registered", code))
	}

	// The lock lives as long as this txn
	dbLock, err := p.db.BeginReturnDB(ctx)
	if err != nil {
		return nil, e.W(err, ECode030109)
	}
	defer dbLock.RollbackIfInTxn(ctx)

	rr = &RunResponse{}
	start := p.now()

	proc, err := sqlmodel.ProcessLock(ctx, dbLock, r.process.ID, start)
	if err != nil {
		switch {
		case e.ContainsError(err, sqlmodel.ECode03020A_lock_alreadyRunning):
			rr.Skipped, rr.SkipReason = true, SkipAlreadyRunning
			return rr, nil
		case e.ContainsError(err, sqlmodel.ECode03020B_lock_statusInactive):
			rr.Skipped, rr.SkipReason = true, SkipInactive
			return rr, nil
		case e.ContainsError(err, sqlmodel.ECode03020C_lock_notReady):
			rr.Skipped, rr.SkipReason = true, SkipNotReady
			return rr, nil
		}

		return nil, e.W(err, ECode03010A)
	}

	if err := sqlmodel.ProcessSetRunTime(ctx, dbLock, proc.ID, start, proc.Interval); err != nil {
		return nil, e.W(err, ECode03010B)
	}

	// Written outside the lock txn so the run is visible while it runs
	rr.Run, err = sqlmodel.ProcessRunCreate(ctx, p.db, proc.ID, start)
	if err != nil {
		return nil, e.W(err, ECode03010C)
	}

	if err := r.f(ctx); err != nil {
		rr.Run.RunTime = p.now().Sub(start)
		rr.Run.Status = model.ProcessRunStatusFailed
		rr.Run.Error = err.Error()
		if err2 := sqlmodel.ProcessRunFail(ctx, p.db, rr.Run.ID, rr.Run.Error, rr.Run.RunTime); err2 != nil {
			log.Warn().Err(err2).Str("process", code).Msg("unable to record failed run")
		}

		// Keep the next run time set above
		if err2 := dbLock.Commit(ctx); err2 != nil {
			log.Warn().Err(err2).Str("process", code).Msg("unable to release process lock")
		}

		return rr, e.W(err, ECode03010D)
	}

	rr.Run.RunTime = p.now().Sub(start)
	rr.Run.Status = model.ProcessRunStatusCompleted

	if err := sqlmodel.ProcessRunComplete(ctx, p.db, rr.Run.ID, rr.Run.RunTime); err != nil {
		return rr, e.W(err, ECode03010D)
	}

	if err := sqlmodel.ProcessSetLastSuccess(ctx, dbLock, proc.ID, rr.Run.RunTime); err != nil {
		return rr, e.W(err, ECode03010D)
	}

	if err := dbLock.Commit(ctx); err != nil {
		return rr, e.W(err, ECode03010D)
	}

	return rr, nil
}

// SetStatus activates or deactivates the process on every host
func (p *Processor) SetStatus(ctx context.Context, code, status string) (err error) {
	if err := sqlmodel.ProcessSetStatusByCode(ctx, p.db, code, status); err != nil {
		return e.W(err, ECode030106)
	}

	return nil
}

// Runs returns the latest runs of the registered process
func (p *Processor) Runs(ctx context.Context, code string, limit int) (list []*model.ProcessRun, err error) {
	r, ok := p.runList[code]
	if !ok {
		return nil, e.N(ECode030108,
			fmt.Sprintf("process '%s' was not registered", code))
	}

	list, err = sqlmodel.ProcessRunGet(ctx, p.db, &sqlmodel.ProcessRunGetParam{
		Limit:     uint64(limit),
		ProcessID: &r.process.ID,
	})
	if err != nil {
		return nil, e.W(err, ECode030106)
	}

	return list, nil
}
