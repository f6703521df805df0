package meta

import (
	"context"
	"strconv"
	"strings"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/devrev/ledgerstore/internal/check"
	"github.com/devrev/ledgerstore/internal/model"
)

// ProcessLedger handles one ledger during a traversal and must invoke done
// exactly once with the item's result code. It may do so asynchronously.
type ProcessLedger func(id model.LedgerID, done func(code check.Code))

// LedgerManager enumerates the ledgers known to the cluster.
type LedgerManager interface {
	// AsyncProcessLedgers pushes every ledger id to the processor and
	// invokes final exactly once with okCode on full success or errCode
	// when enumeration fails or any item reports a non-ok code.
	AsyncProcessLedgers(ctx context.Context, processor ProcessLedger, final func(code check.Code), okCode, errCode check.Code)
}

// EtcdLedgerManager enumerates ledger metadata stored under
// <root>/ledgers/<hex>.
type EtcdLedgerManager struct {
	client *Client
	logger *zap.Logger
}

// NewEtcdLedgerManager creates a ledger manager on the given client.
func NewEtcdLedgerManager(client *Client, logger *zap.Logger) *EtcdLedgerManager {
	return &EtcdLedgerManager{client: client, logger: logger}
}

// AsyncProcessLedgers implements LedgerManager. Items are processed in
// sequence; the next item is pushed only after the previous one's done
// callback fired. A non-ok item is logged and the traversal moves on to
// the next ledger; only enumeration failure and context cancellation end
// it early. Cancelling the context releases the traversal even if an item
// never completes.
func (m *EtcdLedgerManager) AsyncProcessLedgers(ctx context.Context, processor ProcessLedger, final func(code check.Code), okCode, errCode check.Code) {
	go func() {
		resp, err := m.client.cli.Get(ctx, ledgersPrefix(m.client.root),
			clientv3.WithPrefix(), clientv3.WithKeysOnly())
		if err != nil {
			m.logger.Error("Failed to enumerate ledgers", zap.Error(err))
			final(errCode)
			return
		}

		aggregate := okCode
		for _, kv := range resp.Kvs {
			id, ok := parseLedgerKey(string(kv.Key))
			if !ok {
				m.logger.Warn("Skipping unparsable ledger key",
					zap.String("key", string(kv.Key)))
				continue
			}

			itemCh := make(chan check.Code, 1)
			var once sync.Once
			processor(id, func(code check.Code) {
				once.Do(func() { itemCh <- code })
			})

			select {
			case code := <-itemCh:
				if code != okCode {
					m.logger.Warn("Ledger check item failed, continuing",
						zap.Stringer("ledger", id),
						zap.Stringer("code", code))
					aggregate = errCode
				}
			case <-ctx.Done():
				final(errCode)
				return
			}
		}
		final(aggregate)
	}()
}

func parseLedgerKey(key string) (model.LedgerID, bool) {
	idx := strings.LastIndex(key, "/ledgers/")
	if idx < 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(key[idx+len("/ledgers/"):], 16, 64)
	if err != nil {
		return 0, false
	}
	return model.LedgerID(id), true
}
