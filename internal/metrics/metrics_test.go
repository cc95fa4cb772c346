package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_OpenCloseCounts(t *testing.T) {
	m := New()
	m.ProducerOpened("s1")
	m.ProducerOpened("s1")
	m.ConsumerOpened("s2")
	m.ProducerClosed()

	if got := testutil.ToFloat64(m.ActiveProducers); got != 1 {
		t.Fatalf("active_producers=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveConsumers); got != 1 {
		t.Fatalf("active_consumers=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RTT.WithLabelValues("s2", "consumer")); got != 50 {
		t.Fatalf("rtt=%v, want 50", got)
	}
	if got := testutil.ToFloat64(m.StreamingLatency.WithLabelValues("s1", "send")); got != 100 {
		t.Fatalf("streaming_latency=%v, want 100", got)
	}
}

func TestMetrics_DeletePeerDropsSeries(t *testing.T) {
	m := New()
	m.ProducerOpened("s1")
	m.ConsumerOpened("s2")
	m.DeletePeer("s1")

	if got := testutil.CollectAndCount(m.PacketLoss); got != 1 {
		t.Fatalf("packet_loss series=%d, want 1", got)
	}
	if got := testutil.CollectAndCount(m.StreamingLatency); got != 1 {
		t.Fatalf("streaming_latency series=%d, want 1", got)
	}
}

func TestMetrics_HandlerExposesGauges(t *testing.T) {
	m := New()
	m.ProducerOpened("s1")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	for _, want := range []string{"active_producers 1", `packet_loss{peer_id="s1",producer_or_consumer="producer"} 0`} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in: %s", want, body)
		}
	}
}
