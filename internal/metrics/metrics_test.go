package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordsReadIncrementsByStreamAndKind(t *testing.T) {
	RecordsRead.Reset()
	RecordsRead.WithLabelValues("mds0", "CREATE").Inc()
	RecordsRead.WithLabelValues("mds0", "CREATE").Inc()
	RecordsRead.WithLabelValues("mds0", "UNLINK").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(RecordsRead.WithLabelValues("mds0", "CREATE")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RecordsRead.WithLabelValues("mds0", "UNLINK")))
}

func TestQueueDepthGaugeSetAndOverwrite(t *testing.T) {
	QueueDepth.Reset()
	QueueDepth.WithLabelValues("mds0").Set(5)
	assert.Equal(t, float64(5), testutil.ToFloat64(QueueDepth.WithLabelValues("mds0")))

	QueueDepth.WithLabelValues("mds0").Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(QueueDepth.WithLabelValues("mds0")))
}

func TestWatermarkRecordIDPerStreamAndName(t *testing.T) {
	WatermarkRecordID.Reset()
	WatermarkRecordID.WithLabelValues("mds0", "last_read").Set(100)
	WatermarkRecordID.WithLabelValues("mds1", "last_read").Set(50)

	assert.Equal(t, float64(100), testutil.ToFloat64(WatermarkRecordID.WithLabelValues("mds0", "last_read")))
	assert.Equal(t, float64(50), testutil.ToFloat64(WatermarkRecordID.WithLabelValues("mds1", "last_read")))
}

func TestProcessGaugesAreScalar(t *testing.T) {
	ProcessCPUPercent.Set(12.5)
	assert.Equal(t, 12.5, testutil.ToFloat64(ProcessCPUPercent))

	ProcessMemoryBytes.Set(1024)
	assert.Equal(t, float64(1024), testutil.ToFloat64(ProcessMemoryBytes))
}
