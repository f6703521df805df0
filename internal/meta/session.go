package meta

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/ledgerstore/internal/check"
)

// Session bundles the resources a full ledger check needs: a dedicated
// store connection, an admin client on it, and a checker. Close releases
// all of them.
type Session interface {
	Admin() AdminClient
	Checker() check.LedgerChecker
	Close() error
}

// SessionFactory opens check sessions.
type SessionFactory interface {
	NewCheckSession(ctx context.Context) (Session, error)
}

// CheckSessionFactory dials a fresh metadata-store connection per check
// cycle so a long traversal never competes with the auditor's primary
// connection.
type CheckSessionFactory struct {
	endpoints    []string
	dialTimeout  time.Duration
	probeTimeout time.Duration
	root         string
	logger       *zap.Logger
}

// NewCheckSessionFactory creates a factory with the store endpoints and
// the bookie probe timeout.
func NewCheckSessionFactory(endpoints []string, dialTimeout, probeTimeout time.Duration, root string, logger *zap.Logger) *CheckSessionFactory {
	return &CheckSessionFactory{
		endpoints:    endpoints,
		dialTimeout:  dialTimeout,
		probeTimeout: probeTimeout,
		root:         root,
		logger:       logger,
	}
}

// NewCheckSession implements SessionFactory.
func (f *CheckSessionFactory) NewCheckSession(ctx context.Context) (Session, error) {
	client, err := Connect(f.endpoints, f.dialTimeout, f.root, f.logger)
	if err != nil {
		return nil, err
	}
	return &checkSession{
		client:  client,
		admin:   NewEtcdAdmin(client),
		checker: check.NewChecker(f.probeTimeout, f.logger),
	}, nil
}

type checkSession struct {
	client  *Client
	admin   AdminClient
	checker *check.Checker
}

func (s *checkSession) Admin() AdminClient {
	return s.admin
}

func (s *checkSession) Checker() check.LedgerChecker {
	return s.checker
}

func (s *checkSession) Close() error {
	err := s.checker.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}
