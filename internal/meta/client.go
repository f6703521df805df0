// Package meta is the auditor's view of the cluster metadata store: ledger
// metadata, the under-replication queue, and the replication on/off flag.
package meta

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// ErrNoSuchLedger is returned when a ledger was deleted between
// enumeration and open.
var ErrNoSuchLedger = errors.New("meta: no such ledger")

// ErrReplicationUnavailable wraps failures of the under-replication
// manager; callers treat it as transient and retry on the next cycle.
var ErrReplicationUnavailable = errors.New("meta: under-replication manager unavailable")

// Client is a connection to the metadata store, scoped to a root path.
type Client struct {
	cli    *clientv3.Client
	root   string
	logger *zap.Logger
}

// Connect dials the metadata store endpoints with the given timeout.
func Connect(endpoints []string, dialTimeout time.Duration, root string, logger *zap.Logger) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("meta: no endpoints configured")
	}
	if root == "" {
		root = DefaultRoot
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to metadata store: %w", err)
	}

	return &Client{cli: cli, root: root, logger: logger}, nil
}

// Ping verifies the store answers reads, for readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Get(ctx, c.root, clientv3.WithCountOnly())
	return err
}

// Root returns the path prefix this client is scoped to.
func (c *Client) Root() string {
	return c.root
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.cli.Close()
}
