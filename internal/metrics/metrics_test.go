package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestMountExposesMetrics(t *testing.T) {
	m := New()
	m.PeerCount.Set(3)
	m.MessagesSent.WithLabelValues("heartbeat").Inc()

	r := chi.NewRouter()
	m.Mount(r)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "synnergy_network_peer_count 3") {
		t.Fatalf("expected peer count in output, got:\n%s", body)
	}
	if !strings.Contains(body, "synnergy_network_messages_sent_total") {
		t.Fatalf("expected messages sent counter in output, got:\n%s", body)
	}
}
