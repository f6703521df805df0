// Package check verifies the replicas of individual ledgers and reports
// the fragments whose hosts can no longer serve them.
package check

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/devrev/ledgerstore/internal/model"
)

// bookieHealthService is the name bookies register on their gRPC health
// server.
const bookieHealthService = "ledgerstore.Bookie"

// LedgerHandle is a read-only view of an open ledger. Close is a no-op for
// read-only handles but must still be attempted on every exit path.
type LedgerHandle interface {
	ID() model.LedgerID
	Fragments() []model.Fragment
	Close() error
}

// LedgerChecker verifies a ledger's fragments and asynchronously yields
// the set of lost fragments. The callback fires exactly once, possibly on
// another goroutine.
type LedgerChecker interface {
	CheckLedger(ctx context.Context, h LedgerHandle, cb func(code Code, lost []model.Fragment))
}

// Checker probes the bookies hosting each fragment over their gRPC health
// endpoint. A fragment is lost when any of its hosts fails the probe.
type Checker struct {
	probeTimeout time.Duration
	logger       *zap.Logger

	mu    sync.Mutex
	conns map[model.BookieID]*grpc.ClientConn
}

// NewChecker creates a checker with a per-probe timeout.
func NewChecker(probeTimeout time.Duration, logger *zap.Logger) *Checker {
	if probeTimeout == 0 {
		probeTimeout = 5 * time.Second
	}
	return &Checker{
		probeTimeout: probeTimeout,
		logger:       logger,
		conns:        make(map[model.BookieID]*grpc.ClientConn),
	}
}

// CheckLedger implements LedgerChecker.
func (c *Checker) CheckLedger(ctx context.Context, h LedgerHandle, cb func(code Code, lost []model.Fragment)) {
	fragments := h.Fragments()
	go func() {
		unhealthy := c.probeHosts(ctx, fragments)
		if ctx.Err() != nil {
			cb(CodeInterrupted, nil)
			return
		}
		var lost []model.Fragment
		for _, f := range fragments {
			for _, b := range f.Bookies {
				if unhealthy.Contains(b) {
					lost = append(lost, f)
					break
				}
			}
		}
		cb(CodeOK, lost)
	}()
}

// probeHosts checks every distinct bookie across the fragments and returns
// the ones that failed.
func (c *Checker) probeHosts(ctx context.Context, fragments []model.Fragment) model.BookieSet {
	hosts := make(model.BookieSet)
	for _, f := range fragments {
		for _, b := range f.Bookies {
			hosts.Add(b)
		}
	}

	unhealthy := make(model.BookieSet)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for b := range hosts {
		wg.Add(1)
		go func(b model.BookieID) {
			defer wg.Done()
			if !c.probe(ctx, b) {
				mu.Lock()
				unhealthy.Add(b)
				mu.Unlock()
			}
		}(b)
	}
	wg.Wait()
	return unhealthy
}

func (c *Checker) probe(ctx context.Context, bookie model.BookieID) bool {
	conn, err := c.getConn(bookie)
	if err != nil {
		c.logger.Warn("Failed to dial bookie",
			zap.String("bookie", bookie.String()),
			zap.Error(err))
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(probeCtx, &healthpb.HealthCheckRequest{
		Service: bookieHealthService,
	})
	if err != nil {
		c.logger.Debug("Bookie health probe failed",
			zap.String("bookie", bookie.String()),
			zap.Error(err))
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

func (c *Checker) getConn(bookie model.BookieID) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[bookie]; ok {
		return conn, nil
	}
	conn, err := grpc.Dial(bookie.String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	c.conns[bookie] = conn
	return conn, nil
}

// Close releases all bookie connections.
func (c *Checker) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for b, conn := range c.conns {
		if err := conn.Close(); err != nil {
			c.logger.Warn("Failed to close bookie connection",
				zap.String("bookie", b.String()),
				zap.Error(err))
		}
	}
	c.conns = make(map[model.BookieID]*grpc.ClientConn)
	return nil
}
