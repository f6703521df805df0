package auditor

import (
	"context"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/devrev/ledgerstore/internal/check"
	"github.com/devrev/ledgerstore/internal/meta"
	"github.com/devrev/ledgerstore/internal/metrics"
	"github.com/devrev/ledgerstore/internal/model"
)

// MockUnderreplicationManager is a mock implementation of
// meta.UnderreplicationManager
type MockUnderreplicationManager struct {
	mock.Mock
}

func (m *MockUnderreplicationManager) IsLedgerReplicationEnabled(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockUnderreplicationManager) NotifyLedgerReplicationEnabled(ctx context.Context, cb func()) error {
	args := m.Called(ctx, cb)
	return args.Error(0)
}

func (m *MockUnderreplicationManager) MarkLedgerUnderreplicated(ctx context.Context, id model.LedgerID, missing model.BookieID) error {
	args := m.Called(ctx, id, missing)
	return args.Error(0)
}

func (m *MockUnderreplicationManager) AllUnderreplicatedLedgers(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// MockBookieLedgerIndexer is a mock implementation of
// meta.BookieLedgerIndexer
type MockBookieLedgerIndexer struct {
	mock.Mock
}

func (m *MockBookieLedgerIndexer) BookieToLedgerIndex(ctx context.Context) (map[model.BookieID]model.LedgerSet, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[model.BookieID]model.LedgerSet), args.Error(1)
}

// MockClusterManager is a mock implementation of cluster.Manager
type MockClusterManager struct {
	mock.Mock
}

func (m *MockClusterManager) Start() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockClusterManager) EnableStats(mt *metrics.Metrics) {
	m.Called(mt)
}

func (m *MockClusterManager) ActiveBookies() (model.BookieSet, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(model.BookieSet), args.Error(1)
}

func (m *MockClusterManager) StaleBookies() (model.BookieSet, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(model.BookieSet), args.Error(1)
}

func (m *MockClusterManager) LostBookiesChanged(lost model.BookieSet) {
	m.Called(lost)
}

func (m *MockClusterManager) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockAdmin is a mock implementation of meta.AdminClient
type MockAdmin struct {
	mock.Mock
}

func (m *MockAdmin) OpenLedgerNoRecovery(ctx context.Context, id model.LedgerID) (check.LedgerHandle, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(check.LedgerHandle), args.Error(1)
}

// fakeHandle is a read-only ledger handle over fixed fragments.
type fakeHandle struct {
	id     model.LedgerID
	frags  []model.Fragment
	closes int32
}

func (h *fakeHandle) ID() model.LedgerID          { return h.id }
func (h *fakeHandle) Fragments() []model.Fragment { return h.frags }
func (h *fakeHandle) Close() error {
	atomic.AddInt32(&h.closes, 1)
	return nil
}

// fakeChecker reports a fixed lost-fragment set per ledger.
type fakeChecker struct {
	lost map[model.LedgerID][]model.Fragment
}

func (c *fakeChecker) CheckLedger(ctx context.Context, h check.LedgerHandle, cb func(check.Code, []model.Fragment)) {
	go cb(check.CodeOK, c.lost[h.ID()])
}

// fakeSession bundles the fakes a check cycle acquires.
type fakeSession struct {
	admin   meta.AdminClient
	checker check.LedgerChecker
	closed  int32
}

func (s *fakeSession) Admin() meta.AdminClient         { return s.admin }
func (s *fakeSession) Checker() check.LedgerChecker    { return s.checker }
func (s *fakeSession) Close() error                    { atomic.AddInt32(&s.closed, 1); return nil }
func (s *fakeSession) closeCount() int32               { return atomic.LoadInt32(&s.closed) }

type fakeSessionFactory struct {
	session *fakeSession
	err     error
}

func (f *fakeSessionFactory) NewCheckSession(ctx context.Context) (meta.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

// fakeLedgerManager pushes a fixed id list through the traversal contract:
// items in sequence, non-ok items folded into the aggregate code, terminal
// callback once.
type fakeLedgerManager struct {
	ids []model.LedgerID
}

func (f *fakeLedgerManager) AsyncProcessLedgers(ctx context.Context, processor meta.ProcessLedger, final func(check.Code), okCode, errCode check.Code) {
	go func() {
		aggregate := okCode
		for _, id := range f.ids {
			itemCh := make(chan check.Code, 1)
			processor(id, func(code check.Code) {
				select {
				case itemCh <- code:
				default:
				}
			})
			select {
			case code := <-itemCh:
				if code != okCode {
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
