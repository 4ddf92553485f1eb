package metrics

import "github.com/jackc/pgx/v5/pgxpool"

// RecordDBPoolMetrics publishes a snapshot of the pool state.
func RecordDBPoolMetrics(pool *pgxpool.Pool) {
	stat := pool.Stat()

	DBPoolConnections.WithLabelValues("in_use").Set(float64(stat.AcquiredConns()))
	DBPoolConnections.WithLabelValues("idle").Set(float64(stat.IdleConns()))
	DBPoolConnections.WithLabelValues("constructing").Set(float64(stat.ConstructingConns()))
	DBPoolConnections.WithLabelValues("max").Set(float64(stat.MaxConns()))
}
