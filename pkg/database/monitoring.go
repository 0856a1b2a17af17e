package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/relayflow-go/pkg/logger"
	"github.com/relayflow-go/pkg/metrics"
)

const (
	DefaultSlowQueryThreshold = 200 * time.Millisecond
	monitorStartKey           = "monitor:start"
)

// Monitor records statement latency and pool usage into Prometheus and logs
// slow or failing statements.
type Monitor struct {
	db            *DB
	logger        logger.Logger
	slowThreshold time.Duration
}

// NewMonitor creates a monitor. A non-positive threshold uses
// DefaultSlowQueryThreshold.
func NewMonitor(db *DB, log logger.Logger, slowThreshold time.Duration) *Monitor {
	if slowThreshold <= 0 {
		slowThreshold = DefaultSlowQueryThreshold
	}
	return &Monitor{db: db, logger: log, slowThreshold: slowThreshold}
}

// Instrument registers before/after callbacks on every gorm processor.
func (m *Monitor) Instrument() error {
	cb := m.db.Callback()
	// gorm's processor type is unexported, so each one is reached through a closure.
	type registrar struct {
		operation string
		before    func(string, func(*gorm.DB)) error
		after     func(string, func(*gorm.DB)) error
	}
	regs := []registrar{
		{"create",
			func(n string, f func(*gorm.DB)) error { return cb.Create().Before("gorm:create").Register(n, f) },
			func(n string, f func(*gorm.DB)) error { return cb.Create().After("gorm:create").Register(n, f) }},
		{"query",
			func(n string, f func(*gorm.DB)) error { return cb.Query().Before("gorm:query").Register(n, f) },
			func(n string, f func(*gorm.DB)) error { return cb.Query().After("gorm:query").Register(n, f) }},
		{"update",
			func(n string, f func(*gorm.DB)) error { return cb.Update().Before("gorm:update").Register(n, f) },
			func(n string, f func(*gorm.DB)) error { return cb.Update().After("gorm:update").Register(n, f) }},
		{"delete",
			func(n string, f func(*gorm.DB)) error { return cb.Delete().Before("gorm:delete").Register(n, f) },
			func(n string, f func(*gorm.DB)) error { return cb.Delete().After("gorm:delete").Register(n, f) }},
		{"row",
			func(n string, f func(*gorm.DB)) error { return cb.Row().Before("gorm:row").Register(n, f) },
			func(n string, f func(*gorm.DB)) error { return cb.Row().After("gorm:row").Register(n, f) }},
	}

	for _, r := range regs {
		if err := r.before("monitor:before_"+r.operation, m.start); err != nil {
			return err
		}
		op := r.operation
		if err := r.after("monitor:after_"+op, func(tx *gorm.DB) { m.finish(op, tx) }); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) start(tx *gorm.DB) {
	tx.InstanceSet(monitorStartKey, time.Now())
}

func (m *Monitor) finish(operation string, tx *gorm.DB) {
	v, ok := tx.InstanceGet(monitorStartKey)
	if !ok {
		return
	}
	started, ok := v.(time.Time)
	if !ok {
		return
	}
	elapsed := time.Since(started)
	metrics.RecordDBQuery(operation, tx.Statement.Table, elapsed.Seconds())

	if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		metrics.DBQueryErrors.WithLabelValues(operation).Inc()
		m.logger.Error("Database statement failed", "operation", operation, "table", tx.Statement.Table, "error", tx.Error)
	}
	if elapsed > m.slowThreshold {
		metrics.DBSlowQueries.Inc()
		m.logger.Warn("Slow database statement",
			"operation", operation,
			"table", tx.Statement.Table,
			"duration", elapsed,
			"sql", tx.Statement.SQL.String(),
		)
	}
}

// CollectPoolStats publishes connection pool gauges every interval until ctx
// is done.
func (m *Monitor) CollectPoolStats(ctx context.Context, interval time.Duration) {
	sqlDB, err := m.db.DB.DB()
	if err != nil {
		m.logger.Error("Failed to read connection pool", "error", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats := sqlDB.Stats()
		metrics.DBConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
		metrics.DBConnections.WithLabelValues("idle").Set(float64(stats.Idle))
		metrics.DBConnections.WithLabelValues("max_open").Set(float64(stats.MaxOpenConnections))
		metrics.DBConnections.WithLabelValues("wait_count").Set(float64(stats.WaitCount))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
