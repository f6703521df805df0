package meta

import (
	"strconv"
	"strings"

	"github.com/devrev/ledgerstore/internal/model"
)

// DefaultRoot is the default metadata path prefix.
const DefaultRoot = "/ledgerstore"

// underreplicationNode is the path segment holding replication repair
// state.
const underreplicationNode = "underreplication"

func ledgersPrefix(root string) string {
	return root + "/ledgers/"
}

func ledgerPath(root string, id model.LedgerID) string {
	return ledgersPrefix(root) + id.Hex()
}

func underreplicatedLedgersPrefix(root string) string {
	return root + "/" + underreplicationNode + "/ledgers/"
}

// UnderreplicatedLedgerPath returns the path under which a ledger's repair
// record is stored: <root>/underreplication/ledgers/<HEX>.
func UnderreplicatedLedgerPath(root string, id model.LedgerID) string {
	return underreplicatedLedgersPrefix(root) + id.Hex()
}

func replicationDisablePath(root string) string {
	return root + "/" + underreplicationNode + "/disable"
}

// ParseUnderreplicatedLedgerPath extracts the ledger id from a repair
// record path. The id is everything after the
// ".../underreplication/ledgers/" marker with any remaining slashes
// stripped, parsed as base-16. Returns false for anything else.
func ParseUnderreplicatedLedgerPath(path string) (model.LedgerID, bool) {
	marker := "/" + underreplicationNode + "/ledgers/"
	idx := strings.LastIndex(path, marker)
	if idx < 0 {
		return 0, false
	}
	hexPart := strings.ReplaceAll(path[idx+len(marker):], "/", "")
	if hexPart == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(hexPart, 16, 64)
	if err != nil {
		return 0, false
	}
	return model.LedgerID(id), true
}
