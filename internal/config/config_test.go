package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/getsentry/apmcore/internal/testutil"
)

const configYAML = `
agent_id: agent-1
flush_interval: 10s
aggregates_kafka_brokers: ["localhost:9092"]
pointcuts:
  - class_name: com.example.OrderService
    method_name: placeOrder
    method_parameter_types: [".."]
    capture_kind: trace-entry
    timer_name: place order
    trace_entry_template: "place order {{0}}"
  - class_name: com.example.Jobs
    method_name: run
    capture_kind: transaction
    transaction_type: Background
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("can't write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, configYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AgentID != "agent-1" || cfg.FlushInterval != 10*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ConfigPollInterval != 30*time.Second || cfg.AggregatesKafkaTopic != "apm-aggregates" || cfg.AggregatesEncoding != "lz4" {
		t.Fatalf("expected defaults to apply, got %+v", cfg)
	}
	if diff := testutil.Diff(cfg.AggregatesKafkaBroker, []string{"localhost:9092"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	want := []PointcutConfig{
		{
			ClassName:            "com.example.OrderService",
			MethodName:           "placeOrder",
			MethodParameterTypes: []string{".."},
			CaptureKind:          CaptureKindTraceEntry,
			TimerName:            "place order",
			TraceEntryTemplate:   "place order {{0}}",
		},
		{
			ClassName:       "com.example.Jobs",
			MethodName:      "run",
			CaptureKind:     CaptureKindTransaction,
			TransactionType: "Background",
		},
	}
	if diff := testutil.Diff(cfg.Pointcuts, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestLoadRejectsInvalidPointcut(t *testing.T) {
	_, err := Load(writeConfig(t, `
pointcuts:
  - class_name: com.example.Jobs
    method_name: run
    capture_kind: timer
`))
	if err == nil {
		t.Fatal("expected a timer pointcut without timer name to be rejected")
	}
}

func TestLoadRejectsUnknownEncoding(t *testing.T) {
	_, err := Load(writeConfig(t, "aggregates_encoding: gzip\n"))
	if err == nil {
		t.Fatal("expected an unknown aggregates encoding to be rejected")
	}
}

func TestFileSourcePicksUpEdits(t *testing.T) {
	path := writeConfig(t, configYAML)
	s := FileSource{Path: path}
	first, err := s.Pointcuts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 pointcuts, got %d", len(first))
	}
	if err := os.WriteFile(path, []byte("pointcuts: []\n"), 0o600); err != nil {
		t.Fatalf("can't write config: %v", err)
	}
	second, err := s.Pointcuts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected no pointcuts, got %d", len(second))
	}
}

func TestPointcutVersion(t *testing.T) {
	p := PointcutConfig{ClassName: "a.B", MethodName: "c", CaptureKind: CaptureKindTimer, TimerName: "c"}
	same := p
	changed := p
	changed.TimerName = "d"

	if p.Version() != same.Version() {
		t.Fatal("expected identical pointcuts to share a version")
	}
	if p.Version() == changed.Version() {
		t.Fatal("expected a changed pointcut to get a new version")
	}

	empty := p
	empty.MethodParameterTypes = []string{}
	if p.Version() != empty.Version() {
		t.Fatal("expected no parameter types and an empty list to share a version")
	}
}

func TestPointcutVersionAcrossSources(t *testing.T) {
	path := writeConfig(t, `
pointcuts:
  - class_name: com.example.Jobs
    method_name: run
    capture_kind: timer
    timer_name: job
`)
	fromFile, err := FileSource{Path: path}.Pointcuts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pointcuts":[{"className":"com.example.Jobs","methodName":"run","methodParameterTypes":[],"captureKind":"timer","timerName":"job"}]}`))
	}))
	defer server.Close()
	s, err := NewRemoteSource(server.URL, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fromRemote, err := s.Pointcuts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(fromFile) != 1 || len(fromRemote) != 1 {
		t.Fatalf("expected one pointcut from each source, got %d and %d", len(fromFile), len(fromRemote))
	}
	if fromFile[0].Version() != fromRemote[0].Version() {
		t.Fatalf("expected the same version, got %s and %s", fromFile[0].Version(), fromRemote[0].Version())
	}
}

func TestRemoteSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pointcuts":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"pointcuts":[{"className":"a.B","methodName":"c","captureKind":"timer","timerName":"c"}]}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"message":"down for maintenance"}`))
		}
	}))
	defer server.Close()

	s, err := NewRemoteSource(server.URL+"/pointcuts", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.Pointcuts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []PointcutConfig{{ClassName: "a.B", MethodName: "c", CaptureKind: CaptureKindTimer, TimerName: "c"}}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	s, err = NewRemoteSource(server.URL+"/unavailable", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Pointcuts(context.Background()); err == nil {
		t.Fatal("expected an error for a 503 response")
	}
}
