package auditor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/ledgerstore/internal/meta"
	"github.com/devrev/ledgerstore/internal/model"
)

// auditBookies runs one bookie audit cycle: gate on replication being
// enabled, build the bookie-to-ledger index, re-gate, compute the lost
// set, and publish every ledger of every lost bookie as under-replicated.
func (a *Auditor) auditBookies(ctx context.Context) error {
	a.logger.Info("Auditing bookies")

	// The publish counter reflects the current cycle only.
	a.metrics.PublishedUnderreplicatedLedgers.Set(0)

	if err := a.waitIfLedgerReplicationDisabled(ctx); err != nil {
		if errors.Is(err, meta.ErrReplicationUnavailable) {
			a.logger.Error("Under-replication manager unavailable, skipping audit; will retry after a period",
				zap.Error(err))
			return nil
		}
		return err
	}

	index, err := a.indexer.BookieToLedgerIndex(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: building bookie-ledger index: %v", ErrAudit, err)
	}

	enabled, err := a.urm.IsLedgerReplicationEnabled(ctx)
	if err != nil {
		a.logger.Error("Under-replication manager unavailable, skipping audit; will retry after a period",
			zap.Error(err))
		return nil
	}
	if !enabled {
		// Replication was disabled while the index was building: the
		// index may be arbitrarily stale by the time it re-enables, so
		// discard this run and queue a fresh one.
		a.logger.Info("Ledger replication disabled during index build, requeueing audit")
		if _, err := a.bookieLane.Submit(a.runBookieCheck); err != nil {
			a.logger.Warn("Failed to requeue bookie audit", zap.Error(err))
		}
		return nil
	}

	indexed := make(model.BookieSet, len(index))
	for b := range index {
		indexed.Add(b)
	}
	lost, err := a.findLostBookies(indexed)
	if err != nil {
		return err
	}

	if len(lost) == 0 {
		a.logger.Info("No bookie is suspected to be failed")
		return nil
	}
	a.logger.Info("Failed bookies",
		zap.Any("bookies", lost.Sorted()))
	return a.handleLostBookies(ctx, lost, index)
}

// findLostBookies computes stale ∪ (indexed − active) and notifies the
// cluster manager of the result.
func (a *Auditor) findLostBookies(indexed model.BookieSet) (model.BookieSet, error) {
	stale, err := a.cm.StaleBookies()
	if err != nil {
		return nil, fmt.Errorf("%w: fetching stale bookies: %v", errClusterView, err)
	}
	active, err := a.cm.ActiveBookies()
	if err != nil {
		return nil, fmt.Errorf("%w: fetching active bookies: %v", errClusterView, err)
	}

	lost := stale.Union(indexed.Difference(active))
	a.cm.LostBookiesChanged(lost)
	return lost, nil
}

// handleLostBookies publishes the ledgers of every lost bookie. The first
// publish failure aborts the remaining bookies; the next cycle retries.
func (a *Auditor) handleLostBookies(ctx context.Context, lost model.BookieSet, index map[model.BookieID]model.LedgerSet) error {
	a.logger.Info("Searching ledgers of failed bookies for re-replication",
		zap.Int("bookies", len(lost)))

	for _, bookie := range lost.Sorted() {
		if err := a.publishSuspectedLedgers(ctx, bookie, index[bookie]); err != nil {
			return err
		}
	}
	return nil
}

// publishSuspectedLedgers marks every given ledger under-replicated with
// the bookie as the missing replica.
func (a *Auditor) publishSuspectedLedgers(ctx context.Context, bookie model.BookieID, ledgers model.LedgerSet) error {
	if len(ledgers) == 0 {
		a.logger.Info("No ledgers on the failed bookie",
			zap.String("bookie", bookie.String()))
		return nil
	}
	a.logger.Info("Identified underreplicated ledgers of failed bookie",
		zap.String("bookie", bookie.String()),
		zap.Int("ledgers", len(ledgers)))

	for _, id := range ledgers.Sorted() {
		if err := a.urm.MarkLedgerUnderreplicated(ctx, id, bookie); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: failed to publish underreplicated ledger %s of bookie %s: %v",
				ErrAudit, id, bookie, err)
		}
		a.metrics.PublishedUnderreplicatedLedgers.Inc()
	}
	return nil
}

// waitIfLedgerReplicationDisabled parks the audit until replication is
// enabled again.
func (a *Auditor) waitIfLedgerReplicationDisabled(ctx context.Context) error {
	enabled, err := a.urm.IsLedgerReplicationEnabled(ctx)
	if err != nil {
		return err
	}
	if enabled {
		return nil
	}

	a.logger.Info("Ledger auto re-replication is disabled, waiting")
	enabledCh := make(chan struct{})
	if err := a.urm.NotifyLedgerReplicationEnabled(ctx, func() {
		close(enabledCh)
	}); err != nil {
		return err
	}
	select {
	case <-enabledCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
