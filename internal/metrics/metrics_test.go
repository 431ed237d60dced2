package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestUnregisteredMetricsAreNoops(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.IncTransition("submit", "submitted")
	nilMetrics.AddFiles(1, 1)

	m := &Metrics{}
	m.IncDenial("review_application", "self_review")
	m.IncNotificationFailure("status_update")
}

func TestRegisteredMetricsAreServed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := &Metrics{}
	m.Register(registry)
	m.Register(registry)

	m.IncTransition("submit", "submitted")
	m.IncDenial("review_application", "self_review")
	m.AddFiles(10, 2)

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`copyreg_application_transitions_total{event="submit",to="submitted"} 1`,
		`copyreg_policy_denials_total{action="review_application",reason="self_review"} 1`,
		`copyreg_files_rejected_total 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}
