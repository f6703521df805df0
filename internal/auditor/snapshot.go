package auditor

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/ledgerstore/internal/meta"
	"github.com/devrev/ledgerstore/internal/model"
)

// runUnderReplicatedSnapshot refreshes the auditor's view of the
// under-replication queue. The snapshot is swapped in atomically; the
// gauge registered at construction samples its size.
func (a *Auditor) runUnderReplicatedSnapshot(ctx context.Context) error {
	paths, err := a.urm.AllUnderreplicatedLedgers(ctx)
	if err != nil {
		a.logger.Error("Under-replication manager unavailable while running periodic underreplicated ledger check",
			zap.Error(err))
		return nil
	}
	a.logger.Info("Found underreplicated ledgers", zap.Int("count", len(paths)))

	ids := make(model.LedgerSet)
	for _, path := range paths {
		if id, ok := meta.ParseUnderreplicatedLedgerPath(path); ok {
			ids.Add(id)
		}
	}
	a.underreplicated.Store(&ids)
	return nil
}
