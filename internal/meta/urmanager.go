package meta

import (
	"context"
	"fmt"
	"strings"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/devrev/ledgerstore/internal/model"
)

// UnderreplicationManager is the durable queue of ledgers pending repair,
// plus the cluster-wide replication on/off flag.
type UnderreplicationManager interface {
	// IsLedgerReplicationEnabled reports whether auto re-replication is
	// enabled cluster-wide.
	IsLedgerReplicationEnabled(ctx context.Context) (bool, error)

	// NotifyLedgerReplicationEnabled registers a one-shot callback fired
	// when replication becomes enabled.
	NotifyLedgerReplicationEnabled(ctx context.Context, cb func()) error

	// MarkLedgerUnderreplicated records that the ledger is missing a
	// replica on the given bookie.
	MarkLedgerUnderreplicated(ctx context.Context, id model.LedgerID, missing model.BookieID) error

	// AllUnderreplicatedLedgers lists the paths of every pending repair
	// record.
	AllUnderreplicatedLedgers(ctx context.Context) ([]string, error)
}

// EtcdUnderreplicationManager stores repair records under
// <root>/underreplication/ledgers/<HEX>, one key per ledger, value the
// comma-separated list of missing replicas. Replication is enabled when
// the disable flag key is absent.
type EtcdUnderreplicationManager struct {
	client *Client
	logger *zap.Logger
}

// NewEtcdUnderreplicationManager creates a manager on the given client.
func NewEtcdUnderreplicationManager(client *Client, logger *zap.Logger) *EtcdUnderreplicationManager {
	return &EtcdUnderreplicationManager{client: client, logger: logger}
}

// IsLedgerReplicationEnabled implements UnderreplicationManager.
func (m *EtcdUnderreplicationManager) IsLedgerReplicationEnabled(ctx context.Context) (bool, error) {
	resp, err := m.client.cli.Get(ctx, replicationDisablePath(m.client.root), clientv3.WithCountOnly())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrReplicationUnavailable, err)
	}
	return resp.Count == 0, nil
}

// NotifyLedgerReplicationEnabled implements UnderreplicationManager. The
// callback fires once, when the disable flag is deleted.
func (m *EtcdUnderreplicationManager) NotifyLedgerReplicationEnabled(ctx context.Context, cb func()) error {
	watchCh := m.client.cli.Watch(ctx, replicationDisablePath(m.client.root))
	go func() {
		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				m.logger.Error("Replication-enabled watch failed", zap.Error(err))
				return
			}
			for _, ev := range resp.Events {
				if ev.Type == mvccpb.DELETE {
					cb()
					return
				}
			}
		}
	}()
	return nil
}

// MarkLedgerUnderreplicated implements UnderreplicationManager. Marking
// the same (ledger, bookie) pair twice is a no-op.
func (m *EtcdUnderreplicationManager) MarkLedgerUnderreplicated(ctx context.Context, id model.LedgerID, missing model.BookieID) error {
	path := UnderreplicatedLedgerPath(m.client.root, id)

	resp, err := m.client.cli.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReplicationUnavailable, err)
	}

	replicas := []string{}
	if len(resp.Kvs) > 0 {
		replicas = strings.Split(string(resp.Kvs[0].Value), ",")
		for _, r := range replicas {
			if r == missing.String() {
				return nil
			}
		}
	}
	replicas = append(replicas, missing.String())

	if _, err := m.client.cli.Put(ctx, path, strings.Join(replicas, ",")); err != nil {
		return fmt.Errorf("%w: %v", ErrReplicationUnavailable, err)
	}
	return nil
}

// AllUnderreplicatedLedgers implements UnderreplicationManager.
func (m *EtcdUnderreplicationManager) AllUnderreplicatedLedgers(ctx context.Context) ([]string, error) {
	resp, err := m.client.cli.Get(ctx, underreplicatedLedgersPrefix(m.client.root),
		clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplicationUnavailable, err)
	}
	paths := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		paths = append(paths, string(kv.Key))
	}
	return paths, nil
}
