// Package cluster tracks bookie membership through the gossip mesh and
// decides which members have gone stale.
package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/ledgerstore/internal/metrics"
	"github.com/devrev/ledgerstore/internal/model"
)

// Manager is the auditor's view of cluster membership.
type Manager interface {
	// Start joins the gossip mesh. Must be called before the query
	// methods.
	Start() error

	// EnableStats attaches the metrics sink the manager reports into.
	EnableStats(m *metrics.Metrics)

	// ActiveBookies returns the members currently alive.
	ActiveBookies() (model.BookieSet, error)

	// StaleBookies returns members whose liveness signal has not
	// refreshed within the staleness window.
	StaleBookies() (model.BookieSet, error)

	// LostBookiesChanged records the lost set computed by the latest
	// audit cycle.
	LostBookiesChanged(lost model.BookieSet)

	// Close leaves the mesh and releases resources.
	Close() error
}

// Config holds gossip membership configuration.
type Config struct {
	BindPort        int
	SeedNodes       []string
	GossipInterval  time.Duration
	ProbeInterval   time.Duration
	ProbeTimeout    time.Duration
	StalenessWindow time.Duration
}

// GossipManager implements Manager on hashicorp/memberlist.
type GossipManager struct {
	cfg    *Config
	nodeID string
	logger *zap.Logger

	mu         sync.Mutex
	started    bool
	memberlist *memberlist.Memberlist
	lastSeen   map[model.BookieID]time.Time
	lost       model.BookieSet
	stats      *metrics.Metrics
}

// NewGossipManager creates a manager; the mesh is joined on Start.
func NewGossipManager(cfg *Config, nodeID string, logger *zap.Logger) *GossipManager {
	return &GossipManager{
		cfg:      cfg,
		nodeID:   nodeID,
		logger:   logger,
		lastSeen: make(map[model.BookieID]time.Time),
		lost:     make(model.BookieSet),
	}
}

// Start implements Manager.
func (g *GossipManager) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.memberlist != nil {
		return nil
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = g.nodeID
	mlConfig.BindPort = g.cfg.BindPort
	if g.cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = g.cfg.GossipInterval
	}
	if g.cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = g.cfg.ProbeInterval
	}
	if g.cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = g.cfg.ProbeTimeout
	}
	mlConfig.Events = &eventDelegate{manager: g}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.memberlist = ml
	g.started = true

	if len(g.cfg.SeedNodes) > 0 {
		if _, err := ml.Join(g.cfg.SeedNodes); err != nil {
			g.logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	return nil
}

// EnableStats implements Manager.
func (g *GossipManager) EnableStats(m *metrics.Metrics) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats = m
}

// ActiveBookies implements Manager.
func (g *GossipManager) ActiveBookies() (model.BookieSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.memberlist == nil {
		return nil, fmt.Errorf("cluster manager not started")
	}
	active := make(model.BookieSet)
	for _, node := range g.memberlist.Members() {
		if node.Name == g.nodeID {
			continue
		}
		active.Add(model.BookieID(node.Name))
	}
	return active, nil
}

// StaleBookies implements Manager.
func (g *GossipManager) StaleBookies() (model.BookieSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return nil, fmt.Errorf("cluster manager not started")
	}
	stale := make(model.BookieSet)
	if g.cfg.StalenessWindow <= 0 {
		return stale, nil
	}
	cutoff := time.Now().Add(-g.cfg.StalenessWindow)
	for b, seen := range g.lastSeen {
		if seen.Before(cutoff) {
			stale.Add(b)
		}
	}
	return stale, nil
}

// LostBookiesChanged implements Manager.
func (g *GossipManager) LostBookiesChanged(lost model.BookieSet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lost = lost
	if g.stats != nil {
		g.stats.LostBookies.Set(float64(len(lost)))
	}
	if len(lost) > 0 {
		g.logger.Info("Lost bookie set changed",
			zap.Any("lost", lost.Sorted()))
	}
}

// Close implements Manager.
func (g *GossipManager) Close() error {
	g.mu.Lock()
	ml := g.memberlist
	g.memberlist = nil
	g.started = false
	g.mu.Unlock()
	if ml == nil {
		return nil
	}
	if err := ml.Leave(time.Second); err != nil {
		g.logger.Warn("Failed to leave gossip mesh cleanly", zap.Error(err))
	}
	return ml.Shutdown()
}

func (g *GossipManager) touch(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSeen[model.BookieID(name)] = time.Now()
}

func (g *GossipManager) forget(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastSeen, model.BookieID(name))
}

// eventDelegate feeds membership events into the staleness tracker.
type eventDelegate struct {
	manager *GossipManager
}

// NotifyJoin implements memberlist.EventDelegate.
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.manager.logger.Info("Bookie joined",
		zap.String("bookie", node.Name),
		zap.String("addr", node.Addr.String()))
	d.manager.touch(node.Name)
}

// NotifyLeave implements memberlist.EventDelegate.
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.manager.logger.Info("Bookie left",
		zap.String("bookie", node.Name))
	d.manager.forget(node.Name)
}

// NotifyUpdate implements memberlist.EventDelegate.
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.manager.touch(node.Name)
}
