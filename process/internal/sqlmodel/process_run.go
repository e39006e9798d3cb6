package sqlmodel

import (
	"context"
	"time"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/process/model"
	sql "github.com/Skyrin/go-writeback/sqlpgx"
)

const (
	// ProcessRunTable
	ProcessRunTable = "process_run"

	ECode030301 = e.Code0303 + "01"
	ECode030302 = e.Code0303 + "02"
	ECode030303 = e.Code0303 + "03"
	ECode030304 = e.Code0303 + "04"
	ECode030305 = e.Code0303 + "05"
)

// ProcessRunGetParam get params
type ProcessRunGetParam struct {
	Limit     uint64
	ProcessID *int
}

// ProcessRunGet returns the latest runs first
func ProcessRunGet(ctx context.Context, db *sql.Connection, p *ProcessRunGetParam) (rList []*model.ProcessRun, err error) {
	fields := `process_run_id, process_id, process_run_status,
		process_run_time, process_run_error, created_on, updated_on`

	if p.Limit == 0 {
		p.Limit = 1
	}

	sb := db.Select(sql.FieldPlaceHolder).
		From(ProcessRunTable).
		OrderBy("process_run_id DESC").
		Limit(p.Limit)

	if p.ProcessID != nil {
		sb = sb.Where("process_id = ?", *p.ProcessID)
	}

	rows, err := db.ToSQLWFieldAndQuery(ctx, sb, fields)
	if err != nil {
		return nil, e.W(err, ECode030301)
	}
	defer rows.Close()

	for rows.Next() {
		r := &model.ProcessRun{}
		var runTime float64
		if err := rows.Scan(&r.ID, &r.ProcessID, &r.Status, &runTime,
			&r.Error, &r.CreatedOn, &r.UpdatedOn); err != nil {
			return nil, e.W(err, ECode030302)
		}
		r.RunTime = seconds(runTime)

		rList = append(rList, r)
	}
	if err := rows.Err(); err != nil {
		return nil, e.W(err, ECode030302)
	}

	return rList, nil
}

// ProcessRunCreate inserts a new running record
func ProcessRunCreate(ctx context.Context, db *sql.Connection, processID int, now time.Time) (pr *model.ProcessRun, err error) {
	pr = &model.ProcessRun{
		ProcessID: processID,
		Status:    model.ProcessRunStatusRunning,
		CreatedOn: now,
		UpdatedOn: now,
	}

	ib := db.Insert(ProcessRunTable).
		Columns("process_id", "process_run_status", "process_run_time", "process_run_error",
			"created_on", "updated_on").
		Values(pr.ProcessID, pr.Status, 0, "", pr.CreatedOn, pr.UpdatedOn).
		Suffix("RETURNING process_run_id")

	pr.ID, err = db.ExecInsertReturningID(ctx, ib)
	if err != nil {
		return nil, e.W(err, ECode030303)
	}

	return pr, nil
}

// ProcessRunComplete marks record as completed
func ProcessRunComplete(ctx context.Context, db *sql.Connection, id int, runTime time.Duration) (err error) {
	if err := processRunFinish(ctx, db, id, model.ProcessRunStatusCompleted, "", runTime); err != nil {
		return e.W(err, ECode030304)
	}

	return nil
}

// ProcessRunFail marks record as failed
func ProcessRunFail(ctx context.Context, db *sql.Connection, id int, msg string, runTime time.Duration) (err error) {
	if err := processRunFinish(ctx, db, id, model.ProcessRunStatusFailed, msg, runTime); err != nil {
		return e.W(err, ECode030305)
	}

	return nil
}

func processRunFinish(ctx context.Context, db *sql.Connection, id int, status, msg string, runTime time.Duration) (err error) {
	ub := db.Update(ProcessRunTable).
		Set("process_run_status", status).
		Set("process_run_time", runTime.Seconds()).
		Set("process_run_error", msg).
		Set("updated_on", db.Expr("NOW()")).
		Where("process_run_id = ?", id)

	_, err = db.ExecUpdate(ctx, ub)
	return err
}
