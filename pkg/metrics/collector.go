package metrics

import (
	"context"
	"time"

	"github.com/migadu/popsync/logger"
)

// FolderStats is the message count of one folder.
type FolderStats struct {
	Folder   string
	Messages int64
}

// StoreStats holds aggregate statistics of one local store.
type StoreStats struct {
	Folders   []FolderStats
	SizeBytes int64
}

// StatsProvider is an interface for retrieving store statistics
type StatsProvider interface {
	Stats(ctx context.Context) (*StoreStats, error)
}

// Collector periodically updates the store gauges of every account
type Collector struct {
	providers map[string]StatsProvider
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCollector creates a new metrics collector for the given accounts
func NewCollector(providers map[string]StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second // Default to 60 seconds
	}

	return &Collector{
		providers: providers,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval, "accounts", len(c.providers))

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	for account, provider := range c.providers {
		stats, err := provider.Stats(ctx)
		if err != nil {
			logger.Error("MetricsCollector: error collecting store metrics", "account", account, "error", err)
			continue
		}
		for _, f := range stats.Folders {
			StoreMessages.WithLabelValues(account, f.Folder).Set(float64(f.Messages))
		}
		StoreSizeBytes.WithLabelValues(account).Set(float64(stats.SizeBytes))
		logger.Debug("MetricsCollector: updated store metrics", "account", account,
			"folders", len(stats.Folders), "size_bytes", stats.SizeBytes)
	}
}
