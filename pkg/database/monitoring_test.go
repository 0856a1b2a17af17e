package database

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayflow-go/pkg/logger"
	"github.com/relayflow-go/pkg/metrics"
)

type widget struct {
	ID   string `gorm:"primaryKey"`
	Name string
}

func newTestDB(t *testing.T) *DB {
	db, err := New(Config{Driver: "sqlite", Name: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(&widget{}))
	return db
}

func TestMonitor_RecordsStatements(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, NewMonitor(db, logger.NewNop(), time.Nanosecond).Instrument())

	slowBefore := testutil.ToFloat64(metrics.DBSlowQueries)
	errBefore := testutil.ToFloat64(metrics.DBQueryErrors.WithLabelValues("query"))

	ctx := context.Background()
	require.NoError(t, db.WithContext(ctx).Create(&widget{ID: "w1", Name: "a"}).Error)

	var got widget
	require.NoError(t, db.WithContext(ctx).First(&got, "id = ?", "w1").Error)
	assert.Equal(t, "a", got.Name)

	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.DBSlowQueries)-slowBefore, 2.0)
	assert.Equal(t, errBefore, testutil.ToFloat64(metrics.DBQueryErrors.WithLabelValues("query")))

	// record-not-found is not an error for monitoring purposes
	assert.Error(t, db.WithContext(ctx).First(&got, "id = ?", "missing").Error)
	assert.Equal(t, errBefore, testutil.ToFloat64(metrics.DBQueryErrors.WithLabelValues("query")))

	assert.Error(t, db.WithContext(ctx).Table("nope").Find(&[]widget{}).Error)
	assert.Equal(t, errBefore+1, testutil.ToFloat64(metrics.DBQueryErrors.WithLabelValues("query")))
}

func TestMonitor_CollectPoolStats(t *testing.T) {
	db := newTestDB(t)
	m := NewMonitor(db, logger.NewNop(), 0)
	assert.Equal(t, DefaultSlowQueryThreshold, m.slowThreshold)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.CollectPoolStats(ctx, 10*time.Millisecond)
	}()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.DBConnections.WithLabelValues("max_open")) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestPaginate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, db.WithContext(ctx).Create(&widget{ID: id, Name: "n"}).Error)
	}

	var page []widget
	p := &Pagination{Limit: 2, Page: 2}
	require.NoError(t, db.Paginate(ctx, &widget{}, &page, p, "name = ?", "n"))
	assert.Len(t, page, 1)
	assert.EqualValues(t, 3, p.Total)
	assert.Equal(t, 2, p.Pages)
}
