// Package auditor implements the cluster's replication auditor: a
// singleton control-plane component that detects under-replicated ledgers
// and publishes repair work for the replication workers to drain.
package auditor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/ledgerstore/internal/cluster"
	"github.com/devrev/ledgerstore/internal/config"
	"github.com/devrev/ledgerstore/internal/executor"
	"github.com/devrev/ledgerstore/internal/meta"
	"github.com/devrev/ledgerstore/internal/metrics"
	"github.com/devrev/ledgerstore/internal/model"
)

// ErrAudit marks audit failures that are retried on the next scheduled
// cycle.
var ErrAudit = errors.New("auditor: audit failed")

// errClusterView marks cluster manager failures; the auditor cannot
// operate without membership visibility and shuts down on them.
var errClusterView = errors.New("auditor: cluster view unavailable")

// shutdownWaitSlice is how long Shutdown waits for the audit lane before
// escalating to a forceful stop, per attempt.
const shutdownWaitSlice = 30 * time.Second

// Auditor watches cluster membership and ledger placement, publishing
// every ledger that lost a replica to the under-replication queue. One
// auditor is elected per cluster; election happens outside this package.
type Auditor struct {
	id      string
	cfg     *config.Config
	ledgers meta.LedgerManager
	urm     meta.UnderreplicationManager
	indexer meta.BookieLedgerIndexer
	cm      cluster.Manager
	ownsCM  bool
	session meta.SessionFactory
	metrics *metrics.Metrics
	logger  *zap.Logger

	bookieLane *executor.Lane
	urLane     *executor.Lane

	underreplicated atomic.Pointer[model.LedgerSet]

	mu sync.Mutex
}

// New creates an auditor. When cm is nil a gossip-backed cluster manager
// is constructed from cfg and owned by the auditor, which then closes it
// on shutdown; an injected manager is never closed. When sessions is nil
// the metadata-store check session factory from cfg is used.
func New(
	id string,
	cfg *config.Config,
	ledgers meta.LedgerManager,
	urm meta.UnderreplicationManager,
	indexer meta.BookieLedgerIndexer,
	cm cluster.Manager,
	sessions meta.SessionFactory,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*Auditor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		return nil, errors.New("auditor: metrics are required")
	}

	a := &Auditor{
		id:      id,
		cfg:     cfg,
		ledgers: ledgers,
		urm:     urm,
		indexer: indexer,
		cm:      cm,
		session: sessions,
		metrics: m,
		logger:  logger,
	}

	if a.cm == nil {
		a.cm = cluster.NewGossipManager(&cluster.Config{
			BindPort:        cfg.Gossip.BindPort,
			SeedNodes:       cfg.Gossip.SeedNodes,
			GossipInterval:  cfg.Gossip.GossipInterval,
			ProbeInterval:   cfg.Gossip.ProbeInterval,
			ProbeTimeout:    cfg.Gossip.ProbeTimeout,
			StalenessWindow: cfg.Gossip.StalenessWindow,
		}, id, logger)
		a.ownsCM = true
	}
	if a.session == nil {
		a.session = meta.NewCheckSessionFactory(
			cfg.Metadata.Endpoints,
			cfg.Metadata.DialTimeout,
			cfg.Metadata.ProbeTimeout,
			cfg.Metadata.Root,
			logger,
		)
	}

	m.RegisterUnderreplicatedLedgers(func() float64 {
		if s := a.underreplicated.Load(); s != nil {
			return float64(len(*s))
		}
		return 0
	})

	a.bookieLane = executor.NewLane("audit-bookie-"+id, logger)
	a.urLane = executor.NewLane("audit-urledgers-"+id, logger)
	return a, nil
}

// Start joins the cluster and schedules the periodic audits. It returns
// immediately; a failure to start the cluster manager leaves the auditor
// not running.
func (a *Auditor) Start() {
	a.logger.Info("Starting as cluster auditor", zap.String("id", a.id))
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bookieLane.IsShutdown() {
		return
	}

	a.cm.EnableStats(a.metrics)
	if err := a.cm.Start(); err != nil {
		a.logger.Error("Couldn't start cluster manager, exiting", zap.Error(err))
		a.submitShutdownTaskLocked()
		return
	}

	ledgerCheckInterval := a.cfg.Auditor.PeriodicCheckInterval
	bookieCheckInterval := a.cfg.Auditor.PeriodicBookieCheckInterval
	urLedgerCheckInterval := a.cfg.Auditor.URLedgerCheckInterval

	if ledgerCheckInterval > 0 {
		a.logger.Info("Periodic ledger checking enabled",
			zap.Duration("interval", ledgerCheckInterval))
		a.bookieLane.ScheduleAtFixedRate(0, ledgerCheckInterval, a.runLedgerCheck)
	} else {
		a.logger.Info("Periodic ledger checking disabled")
	}

	if bookieCheckInterval == 0 {
		a.logger.Info("Periodic bookie checking disabled, running one check now anyhow")
		a.bookieLane.Submit(a.runBookieCheck)
	} else {
		a.logger.Info("Periodic bookie checking enabled",
			zap.Duration("interval", bookieCheckInterval))
		a.bookieLane.ScheduleAtFixedRate(0, bookieCheckInterval, a.runBookieCheck)
	}

	if urLedgerCheckInterval > 0 {
		a.logger.Info("Periodic under-replicated ledger checking enabled",
			zap.Duration("interval", urLedgerCheckInterval))
		a.urLane.ScheduleAtFixedRate(0, urLedgerCheckInterval, a.runUnderReplicatedSnapshot)
	}
}

// runBookieCheck is the periodic bookie audit entry: it classifies cycle
// failures and requests shutdown on the fatal ones.
func (a *Auditor) runBookieCheck(ctx context.Context) error {
	err := a.auditBookies(ctx)
	switch {
	case err == nil:
		a.metrics.RecordBookieAudit("ok")
	case errors.Is(err, errClusterView):
		a.logger.Error("Couldn't get bookie list, exiting", zap.Error(err))
		a.metrics.RecordBookieAudit("failed")
		a.submitShutdownTask()
	case errors.Is(err, context.Canceled):
		a.logger.Error("Interrupted while auditing bookies", zap.Error(err))
		a.metrics.RecordBookieAudit("interrupted")
	default:
		a.metrics.RecordBookieAudit("failed")
	}
	return err
}

// SubmitAuditTask enqueues a one-shot bookie audit. When the auditor is
// shutting down it returns an already-failed handle.
func (a *Auditor) SubmitAuditTask() *executor.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, err := a.bookieLane.Submit(func(ctx context.Context) error {
		return a.auditBookies(ctx)
	})
	if err != nil {
		return executor.FailedHandle(fmt.Errorf("%w: auditor shutting down", ErrAudit))
	}
	return h
}

func (a *Auditor) submitShutdownTask() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitShutdownTaskLocked()
}

// submitShutdownTaskLocked shuts the lanes down from inside a bookie lane
// task, so no running audit ever observes a half-shut lane.
func (a *Auditor) submitShutdownTaskLocked() {
	if a.bookieLane.IsShutdown() {
		return
	}
	a.bookieLane.Submit(func(ctx context.Context) error {
		a.bookieLane.Shutdown()
		a.urLane.Shutdown()
		if a.ownsCM {
			if err := a.cm.Close(); err != nil {
				a.logger.Warn("Failed to close cluster manager", zap.Error(err))
			}
		}
		return nil
	})
}

// Shutdown stops the auditor, waiting for in-flight audits to drain and
// escalating to a forceful stop every slice that elapses without
// termination.
func (a *Auditor) Shutdown() {
	a.logger.Info("Shutting down auditor")
	a.submitShutdownTask()

	for !a.bookieLane.AwaitTermination(shutdownWaitSlice) {
		a.logger.Warn("Executor not shutting down, interrupting")
		a.bookieLane.ShutdownNow()
		a.urLane.ShutdownNow()
	}
}

// IsRunning reports whether the auditor still accepts audit work.
func (a *Auditor) IsRunning() bool {
	return !a.bookieLane.IsShutdown()
}
