package metrics

import (
	"strings"
	"testing"
)

func TestExportIncludesRecordedCounters(t *testing.T) {
	RecordRequest("GET", "/v1/gateway", 200, 12)
	RecordDecision("Tickets", "query", "success")
	RecordDecision("Tickets", "get", "forbidden")
	RecordBackendCall("Tickets", "query")

	out := Export()

	want := []string{
		`crmgate_http_requests_total{method="GET",path="/v1/gateway",status="200"}`,
		`crmgate_decisions_total{entity="Tickets",operation="query",outcome="success"}`,
		`crmgate_decisions_total{entity="Tickets",operation="get",outcome="forbidden"}`,
		`crmgate_backend_calls_total{entity="Tickets",operation="query"}`,
		`crmgate_http_request_duration_ms_sum{method="GET",path="/v1/gateway"}`,
	}
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Fatalf("export missing %q:\n%s", w, out)
		}
	}
}
