package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveLockAcquire(true, "acquired", time.Second)
	m.ObserveLockRelease("released")
	m.ObserveIDGenerated("ESCROW", "hybrid_secure", true)
	m.ObserveIDCollision("ESCROW", "hybrid_secure")
	m.ObserveCAS("cashout", "applied")
	m.ObserveWebhook("stripe", "new")
	m.ObservePoolReset()
}

func TestLockBucketsAreSeparated(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveLockAcquire(true, "acquired", time.Millisecond)
	m.ObserveLockAcquire(false, "busy", time.Millisecond)
	m.ObserveLockAcquire(false, "fallback", time.Millisecond)

	if got := testutil.ToFloat64(m.lockAcquireTotal.WithLabelValues("financial", "acquired")); got != 1 {
		t.Fatalf("financial acquired = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lockAcquireTotal.WithLabelValues("standard", "busy")); got != 1 {
		t.Fatalf("standard busy = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lockDegradedTotal); got != 1 {
		t.Fatalf("degraded = %v, want 1", got)
	}
}

func TestIDVerifiedLabel(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveIDGenerated("CASHOUT", "snowflake", false)
	if got := testutil.ToFloat64(m.idGeneratedTotal.WithLabelValues("CASHOUT", "snowflake", "false")); got != 1 {
		t.Fatalf("unverified count = %v, want 1", got)
	}
}
