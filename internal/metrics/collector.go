package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// LiveStats gives the collector access to in-process pipeline state that
// isn't naturally a counter (gauges read at scrape time).
type LiveStats interface {
	ActiveConnections() int
	ActiveDevices() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  *pgxpool.Pool
	stats LiveStats

	activeConnections *prometheus.Desc
	activeDevices     *prometheus.Desc
	dbTotalConns      *prometheus.Desc
	dbAcquiredConns   *prometheus.Desc
	dbIdleConns       *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil (metrics will report 0). stats may be nil if the
// connection plane has not started yet.
func NewCollector(pool *pgxpool.Pool, stats LiveStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		activeConnections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connections_active"),
			"Current number of connections held by the connection plane.",
			nil, nil,
		),
		activeDevices: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "devices_active"),
			"Current number of authenticated device connections.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeConnections
	ch <- c.activeDevices
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		ch <- prometheus.MustNewConstMetric(c.activeConnections, prometheus.GaugeValue, float64(c.stats.ActiveConnections()))
		ch <- prometheus.MustNewConstMetric(c.activeDevices, prometheus.GaugeValue, float64(c.stats.ActiveDevices()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.activeConnections, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.activeDevices, prometheus.GaugeValue, 0)
	}

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
