package sqlmodel

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/process/model"
	sql "github.com/Skyrin/go-writeback/sqlpgx"
)

const (
	// ProcessTable
	ProcessTable = "process"

	ECode030201 = e.Code0302 + "01"
	ECode030202 = e.Code0302 + "02"
	ECode030203 = e.Code0302 + "03"
	ECode030204 = e.Code0302 + "04"
	ECode030205 = e.Code0302 + "05"
	ECode030206 = e.Code0302 + "06"
	ECode030207 = e.Code0302 + "07"
	ECode030208 = e.Code0302 + "08"
	ECode030209 = e.Code0302 + "09"

	// Codes the processor checks for
	ECode030206_getByCode_notFound  = ECode030206
	ECode03020A_lock_alreadyRunning = e.Code0302 + "0A"
	ECode03020B_lock_statusInactive = e.Code0302 + "0B"
	ECode03020C_lock_notReady       = e.Code0302 + "0C"
)

const processFields = `process_id, process_code, process_name, process_status,
	process_interval, process_last_run_on, process_next_run_on,
	process_success_count, process_average_run_time, created_on, updated_on`

// ProcessGetParam get params
type ProcessGetParam struct {
	Limit                uint64
	ID                   *int
	Code                 *string
	Status               string
	ForNoKeyUpdateNoWait bool
}

// ProcessUpsert upserts a record into the process table, keeping the status
// and run history of an existing one
func ProcessUpsert(ctx context.Context, db *sql.Connection, p *model.Process) (id int, err error) {
	ib := db.Insert(ProcessTable).
		Columns("process_code", "process_name", "process_status", "process_interval",
			"created_on", "updated_on").
		Values(p.Code, p.Name, model.ProcessStatusActive, p.Interval.Seconds(),
			db.Expr("NOW()"), db.Expr("NOW()")).
		Suffix(`ON CONFLICT ON CONSTRAINT process__ukey DO UPDATE
		SET process_name = excluded.process_name, updated_on = NOW()
		RETURNING process_id`)

	id, err = db.ExecInsertReturningID(ctx, ib)
	if err != nil {
		return 0, e.W(err, ECode030201, p.Code)
	}

	return id, nil
}

// ProcessGet fetches records from db
func ProcessGet(ctx context.Context, db *sql.Connection, p *ProcessGetParam) (pList []*model.Process, err error) {
	rows, err := db.ToSQLWFieldAndQuery(ctx, processSelect(db, p), processFields)
	if err != nil {
		return nil, e.W(err, ECode030202)
	}
	defer rows.Close()

	for rows.Next() {
		d := &model.Process{}
		var interval, avg float64
		if err := rows.Scan(&d.ID, &d.Code, &d.Name, &d.Status,
			&interval, &d.LastRunOn, &d.NextRunOn,
			&d.SuccessCount, &avg, &d.CreatedOn, &d.UpdatedOn); err != nil {
			return nil, e.W(err, ECode030203)
		}
		d.Interval = seconds(interval)
		d.AverageRunTime = seconds(avg)

		pList = append(pList, d)
	}
	if err := rows.Err(); err != nil {
		return nil, e.W(err, ECode030203)
	}

	return pList, nil
}

func processSelect(db *sql.Connection, p *ProcessGetParam) sq.SelectBuilder {
	if p.Limit == 0 {
		p.Limit = 1
	}

	sb := db.Select(sql.FieldPlaceHolder).
		From(ProcessTable).
		Limit(p.Limit)

	if p.ID != nil {
		sb = sb.Where("process_id = ?", *p.ID)
	}

	if p.Code != nil && len(*p.Code) > 0 {
		sb = sb.Where("process_code = ?", *p.Code)
	}

	if p.Status != "" {
		sb = sb.Where("process_status = ?", p.Status)
	}

	if p.ForNoKeyUpdateNoWait {
		sb = sb.Suffix("FOR NO KEY UPDATE NOWAIT")
	}

	return sb
}

// ProcessGetByCode returns the process record with the specified code
func ProcessGetByCode(ctx context.Context, db *sql.Connection, code string) (p *model.Process, err error) {
	pList, err := ProcessGet(ctx, db, &ProcessGetParam{Code: &code})
	if err != nil {
		return nil, e.W(err, ECode030204)
	}

	if len(pList) == 0 {
		return nil, e.N(ECode030206_getByCode_notFound, "unable to find process by code")
	}

	return pList[0], nil
}

// ProcessLock locks the process row for the rest of the txn. It fails
// without waiting when another run holds the lock, and when the process is
// inactive or not due yet.
func ProcessLock(ctx context.Context, db *sql.Connection, id int, now time.Time) (p *model.Process, err error) {
	pList, err := ProcessGet(ctx, db, &ProcessGetParam{ID: &id, ForNoKeyUpdateNoWait: true})
	if err != nil {
		if sql.IsPQError(err, sql.PQErr55P03LockNotAvailable) {
			return nil, e.N(ECode03020A_lock_alreadyRunning, "process already running")
		}
		return nil, e.W(err, ECode030205)
	}

	if len(pList) == 0 {
		return nil, e.N(ECode030205, fmt.Sprintf("process %d does not exist", id))
	}
	p = pList[0]

	if p.Status != model.ProcessStatusActive {
		return nil, e.N(ECode03020B_lock_statusInactive, "process inactive")
	}

	if p.NextRunOn != nil && now.Before(*p.NextRunOn) {
		return nil, e.N(ECode03020C_lock_notReady, "process not ready")
	}

	return p, nil
}

// ProcessSetRunTime sets the last run to now and schedules the next one
func ProcessSetRunTime(ctx context.Context, db *sql.Connection, id int, now time.Time, interval time.Duration) (err error) {
	ub := db.Update(ProcessTable).
		Set("process_last_run_on", now).
		Set("process_next_run_on", now.Add(interval)).
		Set("updated_on", db.Expr("NOW()")).
		Where("process_id = ?", id)

	if _, err := db.ExecUpdate(ctx, ub); err != nil {
		return e.W(err, ECode030207)
	}

	return nil
}

// ProcessSetLastSuccess counts a successful run and folds its run time into
// the running average
func ProcessSetLastSuccess(ctx context.Context, db *sql.Connection, id int, runTime time.Duration) (err error) {
	ub := db.Update(ProcessTable).
		Set("process_average_run_time", db.Expr(
			"(process_average_run_time * process_success_count + ?) / (process_success_count + 1)",
			runTime.Seconds())).
		Set("process_success_count", db.Expr("process_success_count + 1")).
		Set("updated_on", db.Expr("NOW()")).
		Where("process_id = ?", id)

	if _, err := db.ExecUpdate(ctx, ub); err != nil {
		return e.W(err, ECode030208)
	}

	return nil
}

// ProcessSetStatusByCode activates or deactivates the process
func ProcessSetStatusByCode(ctx context.Context, db *sql.Connection, code, status string) (err error) {
	ub := db.Update(ProcessTable).
		Set("process_status", status).
		Set("updated_on", db.Expr("NOW()")).
		Where("process_code = ?", code)

	if _, err := db.ExecUpdate(ctx, ub); err != nil {
		return e.W(err, ECode030209, code, status)
	}

	return nil
}

// ProcessSetInterval changes the interval and moves the next run accordingly
func ProcessSetInterval(ctx context.Context, db *sql.Connection, id int, interval time.Duration) (err error) {
	ub := db.Update(ProcessTable).
		Set("process_interval", interval.Seconds()).
		Set("process_next_run_on", db.Expr("process_last_run_on + make_interval(secs => ?)", interval.Seconds())).
		Set("updated_on", db.Expr("NOW()")).
		Where("process_id = ?", id)

	if _, err := db.ExecUpdate(ctx, ub); err != nil {
		return e.W(err, ECode030209)
	}

	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
