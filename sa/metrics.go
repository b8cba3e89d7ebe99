package sa

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
)

// InitDBMetrics registers prometheus stats describing the connection pool of
// conn. Values are read from sql.DBStats when the registry is gathered, so a
// batch run that writes its metrics once at exit sees the final numbers.
func InitDBMetrics(conn *sql.DB, stats prometheus.Registerer, settings DbSettings) {
	gauge := func(name, help string, f func(sql.DBStats) float64) {
		stats.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, func() float64 { return f(conn.Stats()) }))
	}
	counter := func(name, help string, f func(sql.DBStats) float64) {
		stats.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: name,
			Help: help,
		}, func() float64 { return f(conn.Stats()) }))
	}

	gauge("db_max_open_connections", "Maximum number of DB connections allowed.",
		func(s sql.DBStats) float64 { return float64(s.MaxOpenConnections) })
	gauge("db_open_connections", "Number of established DB connections (in-use and idle).",
		func(s sql.DBStats) float64 { return float64(s.OpenConnections) })
	gauge("db_inuse", "Number of DB connections currently in use.",
		func(s sql.DBStats) float64 { return float64(s.InUse) })
	gauge("db_idle", "Number of idle DB connections.",
		func(s sql.DBStats) float64 { return float64(s.Idle) })
	counter("db_wait_count", "Total number of DB connections waited for.",
		func(s sql.DBStats) float64 { return float64(s.WaitCount) })
	counter("db_wait_duration_seconds", "The total time blocked waiting for a new connection.",
		func(s sql.DBStats) float64 { return s.WaitDuration.Seconds() })

	maxIdle := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "db_max_idle_connections",
		Help: "Configured maximum number of idle DB connections.",
	})
	stats.MustRegister(maxIdle)
	maxIdle.Set(float64(settings.MaxIdleConns))
}
