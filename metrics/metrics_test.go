package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordExtraction("erp", "completed", 10, time.Second)
		c.RecordBatchJob("completed")
		c.RecordBatchRecords(5, 1)
		c.SetBatchActive(1, 2.5)
		c.RecordSync("erp", "completed", map[string]int{"created": 1})
		c.RecordConflict("erp", "timestamp_wins")
		c.RecordReconciliation("completed", 2)
		c.RecordDiscrepancy("record_count", "error")
		c.RecordExecution("health_check", "completed", time.Second)
		c.SetSchedulerRunning(3)
	})
	assert.Nil(t, c.Registry())
}

func TestCounters(t *testing.T) {
	c := NewCollector()

	c.RecordExtraction("erp", "completed", 7, 2*time.Second)
	c.RecordExtraction("erp", "completed", 3, time.Second)
	assert.Equal(t, float64(2), testutil.ToFloat64(c.extractions.WithLabelValues("erp", "completed")))
	assert.Equal(t, float64(10), testutil.ToFloat64(c.recordsExtracted.WithLabelValues("erp")))

	c.RecordBatchRecords(90, 10)
	assert.Equal(t, float64(90), testutil.ToFloat64(c.batchRecords.WithLabelValues("processed")))
	assert.Equal(t, float64(10), testutil.ToFloat64(c.batchRecords.WithLabelValues("failed")))

	c.RecordSync("erp", "completed", map[string]int{"created": 4, "updated": 2})
	assert.Equal(t, float64(4), testutil.ToFloat64(c.syncChanges.WithLabelValues("erp", "created")))

	c.RecordReconciliation("completed", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(c.reconcileCorrections))

	c.SetSchedulerRunning(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(c.schedulerRunning))
}

func TestHandlerServesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordBatchJob("completed")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `erpsync_batch_jobs_total{status="completed"} 1`)
	assert.Contains(t, rec.Body.String(), "erpsync_build_info{")
}
