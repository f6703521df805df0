package meta

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/devrev/ledgerstore/internal/check"
	"github.com/devrev/ledgerstore/internal/model"
)

// AdminClient opens ledgers for inspection.
type AdminClient interface {
	// OpenLedgerNoRecovery opens a read-only handle without fencing or
	// recovery. Returns ErrNoSuchLedger when the ledger is gone.
	OpenLedgerNoRecovery(ctx context.Context, id model.LedgerID) (check.LedgerHandle, error)
}

// EtcdAdmin reads ledger metadata straight from the store.
type EtcdAdmin struct {
	client *Client
}

// NewEtcdAdmin creates an admin client on the given connection.
func NewEtcdAdmin(client *Client) *EtcdAdmin {
	return &EtcdAdmin{client: client}
}

// OpenLedgerNoRecovery implements AdminClient.
func (a *EtcdAdmin) OpenLedgerNoRecovery(ctx context.Context, id model.LedgerID) (check.LedgerHandle, error) {
	resp, err := a.client.cli.Get(ctx, ledgerPath(a.client.root, id))
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger %s metadata: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNoSuchLedger
	}

	var md model.LedgerMetadata
	if err := json.Unmarshal(resp.Kvs[0].Value, &md); err != nil {
		return nil, fmt.Errorf("corrupt metadata for ledger %s: %w", id, err)
	}
	md.ID = id
	for i := range md.Fragments {
		md.Fragments[i].LedgerID = id
	}
	return &readOnlyHandle{md: md}, nil
}

// readOnlyHandle is a metadata-backed view of a ledger.
type readOnlyHandle struct {
	md model.LedgerMetadata
}

func (h *readOnlyHandle) ID() model.LedgerID {
	return h.md.ID
}

func (h *readOnlyHandle) Fragments() []model.Fragment {
	return h.md.Fragments
}

// Close is a no-op on read-only handles.
func (h *readOnlyHandle) Close() error {
	return nil
}
