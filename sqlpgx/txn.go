package sqlpgx

import (
	"context"

	"github.com/Skyrin/go-writeback/e"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

const (
	ECode020401 = e.Code0204 + "01"
	ECode020402 = e.Code0204 + "02"
	ECode020403 = e.Code0204 + "03"
	ECode020404 = e.Code0204 + "04"
)

// Txn wrapper of the pgx.Tx
type Txn struct {
	txn pgx.Tx
}

// RollbackIfInTxn rolls back, logging instead of returning any error. No
// matter what, the txn is considered finished afterwards.
func (t *Txn) RollbackIfInTxn(ctx context.Context) {
	if t.txn == nil {
		return
	}

	if err := t.Rollback(ctx); err != nil {
		log.Warn().Err(err).Msgf("[%s]rollback failed", ECode020401)
	}
}

// Rollback attempts to roll back the txn
func (t *Txn) Rollback(ctx context.Context) (err error) {
	if t.txn == nil {
		return e.N(ECode020402, "not in a txn")
	}

	txn := t.txn
	t.txn = nil
	if err := txn.Rollback(ctx); err != nil {
		return e.W(err, ECode020403)
	}

	return nil
}

// Commit attempts to commit the txn
func (t *Txn) Commit(ctx context.Context) (err error) {
	if t.txn == nil {
		return e.N(ECode020404, "not in a txn")
	}

	if err = t.txn.Commit(ctx); err != nil {
		return err
	}

	t.txn = nil

	return nil
}
