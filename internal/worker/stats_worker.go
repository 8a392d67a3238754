package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Snapshot is a point-in-time view of the gateway's load.
type Snapshot struct {
	Connections   int `json:"connection_count"`
	Users         int `json:"connected_users"`
	QueueDepth    int `json:"queue_depth"`
	QueueCapacity int `json:"queue_capacity"`
}

// ConnectionStats is the read side of the connection registry.
type ConnectionStats interface {
	ConnectionCount() int
	ConnectedUserIDs() []string
}

// QueueStats is the read side of the dispatch queue.
type QueueStats interface {
	Depth() int
	Capacity() int
}

// TakeSnapshot reads the current counters without blocking writers.
func TakeSnapshot(conns ConnectionStats, q QueueStats) Snapshot {
	return Snapshot{
		Connections:   conns.ConnectionCount(),
		Users:         len(conns.ConnectedUserIDs()),
		QueueDepth:    q.Depth(),
		QueueCapacity: q.Capacity(),
	}
}

// StatsWorker periodically samples connection and queue counters and hands
// them to a sink, usually the Prometheus gauges.
type StatsWorker struct {
	conns    ConnectionStats
	q        QueueStats
	sink     func(Snapshot)
	interval time.Duration
	logger   *zap.Logger
}

func NewStatsWorker(
	conns ConnectionStats,
	q QueueStats,
	sink func(Snapshot),
	interval time.Duration,
	logger *zap.Logger,
) *StatsWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &StatsWorker{conns: conns, q: q, sink: sink, interval: interval, logger: logger}
}

// Run samples once immediately, then every interval until ctx is cancelled.
func (sw *StatsWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("stats worker started", zap.Duration("interval", sw.interval))
	sw.sample()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("stats worker stopping")
			return
		case <-ticker.C:
			sw.sample()
		}
	}
}

func (sw *StatsWorker) sample() {
	s := TakeSnapshot(sw.conns, sw.q)
	sw.sink(s)
	if s.QueueCapacity > 0 && s.QueueDepth*10 >= s.QueueCapacity*9 {
		sw.logger.Warn("dispatch queue nearly full",
			zap.Int("depth", s.QueueDepth), zap.Int("capacity", s.QueueCapacity))
	}
}
