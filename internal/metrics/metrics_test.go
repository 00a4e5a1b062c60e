package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.Reconciled("inserted")
	m.Conflict()
	m.TreeState(1, 1)
	m.BackfillTx()
	m.SkippedLogs()
	m.JobFinished("withdraw", "completed", time.Second)
	m.QueueDepth(3)
	m.Swept(2)
}

func TestCollectorsRecord(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Reconciled("inserted")
	m.Reconciled("inserted")
	m.Reconciled("duplicate")
	m.Conflict()
	m.TreeState(12, 10)
	m.JobFinished("swap", "failed", 2*time.Second)
	m.Swept(4)

	if got := testutil.ToFloat64(m.reconciled.WithLabelValues("inserted")); got != 2 {
		t.Fatalf("inserted = %v", got)
	}
	if got := testutil.ToFloat64(m.conflicts); got != 1 {
		t.Fatalf("conflicts = %v", got)
	}
	if got := testutil.ToFloat64(m.nextIndex); got != 12 {
		t.Fatalf("next index = %v", got)
	}
	if got := testutil.ToFloat64(m.jobs.WithLabelValues("swap", "failed")); got != 1 {
		t.Fatalf("jobs = %v", got)
	}
	if got := testutil.ToFloat64(m.sweptJobs); got != 4 {
		t.Fatalf("swept = %v", got)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Fatalf("GatherAndCount = %d, %v", n, err)
	}
}
