package auditor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/ledgerstore/internal/check"
	"github.com/devrev/ledgerstore/internal/meta"
	"github.com/devrev/ledgerstore/internal/model"
)

// runLedgerCheck is the periodic full-check entry invoked on the bookie
// lane.
func (a *Auditor) runLedgerCheck(ctx context.Context) error {
	a.logger.Info("Running periodic ledger check")

	enabled, err := a.urm.IsLedgerReplicationEnabled(ctx)
	if err != nil {
		a.logger.Error("Under-replication manager unavailable running periodic check", zap.Error(err))
		a.metrics.RecordLedgerCheck("unavailable", 0)
		return nil
	}
	if !enabled {
		a.logger.Info("Ledger replication disabled, skipping")
		a.metrics.RecordLedgerCheck("skipped", 0)
		return nil
	}

	start := time.Now()
	if err := a.CheckAllLedgers(ctx); err != nil {
		a.logger.Error("Periodic ledger check failed", zap.Error(err))
		a.metrics.RecordLedgerCheck("failed", time.Since(start).Seconds())
		return err
	}
	a.metrics.RecordLedgerCheck("ok", time.Since(start).Seconds())
	return nil
}

// CheckAllLedgers iterates every ledger known to the ledger manager, opens
// it read-only, verifies its fragments, and publishes every ledger whose
// fragments live on suspect bookies. It blocks until the traversal's
// terminal callback fires. This should not run very often.
func (a *Auditor) CheckAllLedgers(ctx context.Context) error {
	sess, err := a.session.NewCheckSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to open check session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			a.logger.Warn("Failed to close check session", zap.Error(cerr))
		}
	}()

	admin := sess.Admin()
	checker := sess.Checker()

	// Cancelling the traversal context on return releases the ledger
	// manager when the traversal was aborted mid-way; the late terminal
	// callback is absorbed by the once below.
	traverseCtx, cancelTraverse := context.WithCancel(ctx)
	defer cancelTraverse()

	var finalCode atomic.Int64
	done := make(chan struct{})
	var once sync.Once
	finish := func(code check.Code) {
		once.Do(func() {
			finalCode.Store(int64(code))
			close(done)
		})
	}

	processor := func(id model.LedgerID, itemDone func(check.Code)) {
		enabled, err := a.urm.IsLedgerReplicationEnabled(traverseCtx)
		if err != nil {
			a.logger.Error("Under-replication manager unavailable running periodic check", zap.Error(err))
			finish(check.CodeUnavailable)
			return
		}
		if !enabled {
			a.logger.Info("Ledger re-replication has been disabled, aborting periodic check")
			finish(check.CodeOK)
			return
		}

		lh, err := admin.OpenLedgerNoRecovery(traverseCtx, id)
		switch {
		case errors.Is(err, meta.ErrNoSuchLedger):
			a.logger.Debug("Ledger was deleted before we could check it",
				zap.Stringer("ledger", id))
			itemDone(check.CodeOK)
			return
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			a.logger.Error("Interrupted opening ledger",
				zap.Stringer("ledger", id), zap.Error(err))
			itemDone(check.CodeInterrupted)
			return
		case err != nil:
			a.logger.Error("Couldn't open ledger",
				zap.Stringer("ledger", id), zap.Error(err))
			itemDone(check.CodeBookieHandleNotAvailable)
			return
		}

		checker.CheckLedger(traverseCtx, lh, a.processLostFragments(traverseCtx, lh, itemDone))

		// Closing before the asynchronous check completes is safe only
		// because close is a no-op on read-only handles.
		if err := lh.Close(); err != nil {
			a.logger.Warn("Couldn't close ledger",
				zap.Stringer("ledger", id), zap.Error(err))
		}
	}

	a.ledgers.AsyncProcessLedgers(traverseCtx, processor, finish, check.CodeOK, check.CodeReadError)

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("%w: interrupted while checking ledgers: %v", ErrAudit, ctx.Err())
	}
	return check.Code(finalCode.Load()).Err()
}

// processLostFragments builds the completion callback for one ledger's
// check: it publishes the ledger once per distinct bookie hosting a lost
// fragment, closes the handle, and completes the item.
func (a *Auditor) processLostFragments(ctx context.Context, lh check.LedgerHandle, itemDone func(check.Code)) func(check.Code, []model.Fragment) {
	return func(rc check.Code, fragments []model.Fragment) {
		if rc == check.CodeOK {
			bookies := make(model.BookieSet)
			for _, f := range fragments {
				for _, b := range f.Bookies {
					bookies.Add(b)
				}
			}
			for _, bookie := range bookies.Sorted() {
				err := a.publishSuspectedLedgers(ctx, bookie, model.NewLedgerSet(lh.ID()))
				if err == nil {
					continue
				}
				if errors.Is(err, context.Canceled) {
					a.logger.Error("Interrupted publishing suspected ledger", zap.Error(err))
					rc = check.CodeInterrupted
				} else {
					a.logger.Error("Failed to publish suspected ledger", zap.Error(err))
					rc = check.CodeReplicationError
				}
				break
			}
		}

		if err := lh.Close(); err != nil {
			a.logger.Error("Error closing ledger handle",
				zap.Stringer("ledger", lh.ID()), zap.Error(err))
			if rc == check.CodeOK {
				rc = check.CodeReplicationError
			}
		}
		itemDone(rc)
	}
}
