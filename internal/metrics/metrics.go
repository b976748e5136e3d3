package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the gateway.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)
	decisionsTotal = make(map[decisionKey]int64)
	backendCalls   = make(map[backendKey]int64)
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type decisionKey struct {
	Entity    string
	Operation string
	Outcome   string
}

type backendKey struct {
	Entity    string
	Operation string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordDecision counts one authorization decision by entity, operation,
// and terminal outcome (success, unauthenticated, not_allowed, forbidden,
// bad_payload, not_implemented, backend_error).
func RecordDecision(entity, operation, outcome string) {
	mu.Lock()
	defer mu.Unlock()
	decisionsTotal[decisionKey{Entity: entity, Operation: operation, Outcome: outcome}]++
}

// RecordBackendCall counts one outbound call to the CRM backend.
func RecordBackendCall(entity, operation string) {
	mu.Lock()
	defer mu.Unlock()
	backendCalls[backendKey{Entity: entity, Operation: operation}]++
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP crmgate_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE crmgate_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "crmgate_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP crmgate_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE crmgate_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP crmgate_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE crmgate_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		sum := latencyMsSum[k]
		cnt := latencyMsCount[k]
		fmt.Fprintf(&b, "crmgate_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, sum)
		fmt.Fprintf(&b, "crmgate_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, cnt)
	}

	b.WriteString("# HELP crmgate_decisions_total Total authorization decisions by outcome\n")
	b.WriteString("# TYPE crmgate_decisions_total counter\n")

	var decKeys []decisionKey
	for k := range decisionsTotal {
		decKeys = append(decKeys, k)
	}
	sort.Slice(decKeys, func(i, j int) bool {
		if decKeys[i].Entity != decKeys[j].Entity {
			return decKeys[i].Entity < decKeys[j].Entity
		}
		if decKeys[i].Operation != decKeys[j].Operation {
			return decKeys[i].Operation < decKeys[j].Operation
		}
		return decKeys[i].Outcome < decKeys[j].Outcome
	})

	for _, k := range decKeys {
		v := decisionsTotal[k]
		fmt.Fprintf(&b, "crmgate_decisions_total{entity=\"%s\",operation=\"%s\",outcome=\"%s\"} %d\n",
			k.Entity, k.Operation, k.Outcome, v)
	}

	b.WriteString("# HELP crmgate_backend_calls_total Total calls issued to the CRM backend\n")
	b.WriteString("# TYPE crmgate_backend_calls_total counter\n")

	var beKeys []backendKey
	for k := range backendCalls {
		beKeys = append(beKeys, k)
	}
	sort.Slice(beKeys, func(i, j int) bool {
		if beKeys[i].Entity != beKeys[j].Entity {
			return beKeys[i].Entity < beKeys[j].Entity
		}
		return beKeys[i].Operation < beKeys[j].Operation
	})

	for _, k := range beKeys {
		v := backendCalls[k]
		fmt.Fprintf(&b, "crmgate_backend_calls_total{entity=\"%s\",operation=\"%s\"} %d\n",
			k.Entity, k.Operation, v)
	}

	return b.String()
}
