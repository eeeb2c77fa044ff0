package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "memory")

	m.Sent("jobs")
	m.Sent("jobs")
	m.Received("jobs", true)
	m.Received("jobs", false)
	m.Deleted("jobs")
	m.Expired("jobs", 3)
	m.Expired("jobs", 0)
	m.SetQueues(2)

	if got := testutil.ToFloat64(m.MessagesSent.WithLabelValues("jobs")); got != 2 {
		t.Fatalf("sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MessagesReceived.WithLabelValues("jobs")); got != 1 {
		t.Fatalf("received = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EmptyReceives.WithLabelValues("jobs")); got != 1 {
		t.Fatalf("empty receives = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MessagesExpired.WithLabelValues("jobs")); got != 3 {
		t.Fatalf("expired = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.Queues); got != 2 {
		t.Fatalf("queues = %v, want 2", got)
	}

	m.Forget("jobs")
	if got := testutil.CollectAndCount(m.MessagesSent); got != 0 {
		t.Fatalf("series after forget = %d, want 0", got)
	}
}

func TestMetrics_ObserveErrors(t *testing.T) {
	m := New(prometheus.NewRegistry(), "file")
	m.Observe("send", time.Now(), nil)
	m.Observe("send", time.Now(), errors.New("boom"))
	if got := testutil.ToFloat64(m.OperationErrors.WithLabelValues("send")); got != 1 {
		t.Fatalf("errors = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.OperationSeconds); got != 1 {
		t.Fatalf("histogram series = %d, want 1", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Sent("jobs")
	m.Received("jobs", true)
	m.Deleted("jobs")
	m.Expired("jobs", 1)
	m.SetQueues(1)
	m.Observe("send", time.Now(), nil)
	m.Forget("jobs")
}
