package meta

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/devrev/ledgerstore/internal/model"
)

// BookieLedgerIndexer builds the bookie-to-ledgers mapping one audit cycle
// consumes.
type BookieLedgerIndexer interface {
	// BookieToLedgerIndex returns, for every bookie referenced by some
	// ledger, the set of ledgers with a fragment on it.
	BookieToLedgerIndex(ctx context.Context) (map[model.BookieID]model.LedgerSet, error)
}

// EtcdBookieLedgerIndexer inverts the stored ledger metadata.
type EtcdBookieLedgerIndexer struct {
	client *Client
	logger *zap.Logger
}

// NewEtcdBookieLedgerIndexer creates an indexer on the given client.
func NewEtcdBookieLedgerIndexer(client *Client, logger *zap.Logger) *EtcdBookieLedgerIndexer {
	return &EtcdBookieLedgerIndexer{client: client, logger: logger}
}

// BookieToLedgerIndex implements BookieLedgerIndexer.
func (ix *EtcdBookieLedgerIndexer) BookieToLedgerIndex(ctx context.Context) (map[model.BookieID]model.LedgerSet, error) {
	resp, err := ix.client.cli.Get(ctx, ledgersPrefix(ix.client.root), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger metadata: %w", err)
	}

	index := make(map[model.BookieID]model.LedgerSet)
	for _, kv := range resp.Kvs {
		id, ok := parseLedgerKey(string(kv.Key))
		if !ok {
			continue
		}
		var md model.LedgerMetadata
		if err := json.Unmarshal(kv.Value, &md); err != nil {
			ix.logger.Warn("Skipping ledger with corrupt metadata",
				zap.String("key", string(kv.Key)),
				zap.Error(err))
			continue
		}
		for _, f := range md.Fragments {
			for _, b := range f.Bookies {
				if _, ok := index[b]; !ok {
					index[b] = make(model.LedgerSet)
				}
				index[b].Add(id)
			}
		}
	}
	return index, nil
}
