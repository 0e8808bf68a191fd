package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &m); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return m
}

func TestLogger_ComponentField(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("abtest", &buf)

	log.Info("deployed", "test_id", "test-1")

	line := logLine(t, &buf)
	if line["component"] != "abtest" {
		t.Errorf("component = %v, want abtest", line["component"])
	}
	if line["msg"] != "deployed" {
		t.Errorf("msg = %v", line["msg"])
	}
	if line["test_id"] != "test-1" {
		t.Errorf("test_id = %v", line["test_id"])
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("api", &buf).With("customer_id", "cust-1")

	log.Warn("slow request")

	line := logLine(t, &buf)
	if line["customer_id"] != "cust-1" {
		t.Errorf("customer_id = %v, persistent field lost", line["customer_id"])
	}
	if line["level"] != "WARN" {
		t.Errorf("level = %v", line["level"])
	}
}

func TestLogger_TestEvent(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("abtest", &buf)

	log.TestEvent("promoted", "test-1", "improvement", 10.0)

	line := logLine(t, &buf)
	if line["event"] != "promoted" {
		t.Errorf("event = %v", line["event"])
	}
	if line["test_id"] != "test-1" {
		t.Errorf("test_id = %v", line["test_id"])
	}
	if line["improvement"] != 10.0 {
		t.Errorf("improvement = %v", line["improvement"])
	}
}

func TestLogger_SweepEvent(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("monitor", &buf)

	log.SweepEvent(3, 1, 0)

	line := logLine(t, &buf)
	if line["active_tests"] != 3.0 {
		t.Errorf("active_tests = %v, want 3", line["active_tests"])
	}
	if line["decided"] != 1.0 {
		t.Errorf("decided = %v, want 1", line["decided"])
	}
}
