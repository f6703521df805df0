package auditor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/devrev/ledgerstore/internal/meta"
	"github.com/devrev/ledgerstore/internal/model"
)

func TestCheckAllLedgers_DeletedLedgerIsSuccess(t *testing.T) {
	urm := new(MockUnderreplicationManager)
	admin := new(MockAdmin)

	urm.On("IsLedgerReplicationEnabled", mock.Anything).Return(true, nil)
	// Ledger 10 was deleted between enumeration and open; ledger 11 is
	// intact.
	admin.On("OpenLedgerNoRecovery", mock.Anything, model.LedgerID(10)).
		Return(nil, meta.ErrNoSuchLedger)
	admin.On("OpenLedgerNoRecovery", mock.Anything, model.LedgerID(11)).
		Return(&fakeHandle{id: 11, frags: []model.Fragment{
			{LedgerID: 11, Bookies: []model.BookieID{"bookie-a:3181"}},
		}}, nil)

	session := &fakeSession{admin: admin, checker: &fakeChecker{}}
	a, _, _ := newTestAuditor(t, urm, new(MockBookieLedgerIndexer), new(MockClusterManager),
		&fakeSessionFactory{session: session})
	a.ledgers = &fakeLedgerManager{ids: []model.LedgerID{10, 11}}

	err := a.CheckAllLedgers(context.Background())

	assert.NoError(t, err)
	urm.AssertNotCalled(t, "MarkLedgerUnderreplicated", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, int32(1), session.closeCount())
}

func TestCheckAllLedgers_PublishesLostFragmentHosts(t *testing.T) {
	urm := new(MockUnderreplicationManager)
	admin := new(MockAdmin)

	frag := model.Fragment{
		LedgerID: 7,
		Bookies:  []model.BookieID{"bookie-a:3181", "bookie-b:3181"},
	}

	urm.On("IsLedgerReplicationEnabled", mock.Anything).Return(true, nil)
	admin.On("OpenLedgerNoRecovery", mock.Anything, model.LedgerID(7)).
		Return(&fakeHandle{id: 7, frags: []model.Fragment{frag}}, nil)
	urm.On("MarkLedgerUnderreplicated", mock.Anything, model.LedgerID(7), model.BookieID("bookie-a:3181")).Return(nil).Once()
	urm.On("MarkLedgerUnderreplicated", mock.Anything, model.LedgerID(7), model.BookieID("bookie-b:3181")).Return(nil).Once()

	checker := &fakeChecker{lost: map[model.LedgerID][]model.Fragment{7: {frag}}}
	session := &fakeSession{admin: admin, checker: checker}
	a, m, _ := newTestAuditor(t, urm, new(MockBookieLedgerIndexer), new(MockClusterManager),
		&fakeSessionFactory{session: session})
	a.ledgers = &fakeLedgerManager{ids: []model.LedgerID{7}}

	err := a.CheckAllLedgers(context.Background())

	assert.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PublishedUnderreplicatedLedgers))
	urm.AssertExpectations(t)
}

func TestCheckAllLedgers_DisabledMidTraversalAborts(t *testing.T) {
	urm := new(MockUnderreplicationManager)
	admin := new(MockAdmin)

	// Enabled for the first item, disabled for the second: the
	// traversal must abort cleanly without touching remaining ledgers.
	urm.On("IsLedgerReplicationEnabled", mock.Anything).Return(true, nil).Once()
	urm.On("IsLedgerReplicationEnabled", mock.Anything).Return(false, nil)
	admin.On("OpenLedgerNoRecovery", mock.Anything, model.LedgerID(1)).
		Return(&fakeHandle{id: 1}, nil)

	session := &fakeSession{admin: admin, checker: &fakeChecker{}}
	a, _, _ := newTestAuditor(t, urm, new(MockBookieLedgerIndexer), new(MockClusterManager),
		&fakeSessionFactory{session: session})
	a.ledgers = &fakeLedgerManager{ids: []model.LedgerID{1, 2, 3}}

	err := a.CheckAllLedgers(context.Background())

	assert.NoError(t, err)
	admin.AssertNumberOfCalls(t, "OpenLedgerNoRecovery", 1)
	require.Eventually(t, func() bool { return session.closeCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestCheckAllLedgers_OpenFailureContinuesTraversal(t *testing.T) {
	urm := new(MockUnderreplicationManager)
	admin := new(MockAdmin)

	urm.On("IsLedgerReplicationEnabled", mock.Anything).Return(true, nil)
	admin.On("OpenLedgerNoRecovery", mock.Anything, model.LedgerID(1)).
		Return(nil, errors.New("transport broken"))
	admin.On("OpenLedgerNoRecovery", mock.Anything, model.LedgerID(2)).
		Return(&fakeHandle{id: 2}, nil)

	session := &fakeSession{admin: admin, checker: &fakeChecker{}}
	a, _, _ := newTestAuditor(t, urm, new(MockBookieLedgerIndexer), new(MockClusterManager),
		&fakeSessionFactory{session: session})
	a.ledgers = &fakeLedgerManager{ids: []model.LedgerID{1, 2}}

	err := a.CheckAllLedgers(context.Background())

	// Ledger 1 completes with bookie-handle-unavailable and the
	// traversal still attempts ledger 2; the aggregate result carries
	// the failure.
	assert.Error(t, err)
	admin.AssertNumberOfCalls(t, "OpenLedgerNoRecovery", 2)
	assert.Equal(t, int32(1), session.closeCount())
}

func TestCheckAllLedgers_SessionFactoryFailure(t *testing.T) {
	urm := new(MockUnderreplicationManager)
	a, _, _ := newTestAuditor(t, urm, new(MockBookieLedgerIndexer), new(MockClusterManager),
		&fakeSessionFactory{err: errors.New("no metadata store")})

	err := a.CheckAllLedgers(context.Background())
	assert.Error(t, err)
}

func TestCheckAllLedgers_ClosesHandlesOnEveryPath(t *testing.T) {
	urm := new(MockUnderreplicationManager)
	admin := new(MockAdmin)

	h := &fakeHandle{id: 4}
	urm.On("IsLedgerReplicationEnabled", mock.Anything).Return(true, nil)
	admin.On("OpenLedgerNoRecovery", mock.Anything, model.LedgerID(4)).Return(h, nil)

	session := &fakeSession{admin: admin, checker: &fakeChecker{}}
	a, _, _ := newTestAuditor(t, urm, new(MockBookieLedgerIndexer), new(MockClusterManager),
		&fakeSessionFactory{session: session})
	a.ledgers = &fakeLedgerManager{ids: []model.LedgerID{4}}

	require.NoError(t, a.CheckAllLedgers(context.Background()))

	// Closed once by the processor and once by the fragment callback;
	// both are no-ops on read-only handles.
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.closes))
}
