package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// swapDefault installs a logger writing to a buffer for the duration of a test.
func swapDefault(t *testing.T, level, format string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	mu.Lock()
	old := defaultLogger
	defaultLogger = New(level, format, &buf)
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		defaultLogger = old
		mu.Unlock()
	})
	return &buf
}

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug json", "debug", "json"},
		{"info json", "info", "json"},
		{"warn json", "warn", "json"},
		{"error json", "error", "json"},
		{"info text", "info", "text"},
		{"unknown level defaults to info", "unknown", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := New(tt.level, tt.format, &buf)
			if log == nil {
				t.Error("expected non-nil logger")
			}
		})
	}
}

func TestTraceLevelName(t *testing.T) {
	buf := swapDefault(t, "trace", "text")
	Trace("trace message")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("expected TRACE level name, got %q", buf.String())
	}
}

func TestLogFunctions(t *testing.T) {
	buf := swapDefault(t, "debug", "text")

	Debug("debug message", "key", "value")
	if !strings.Contains(buf.String(), "debug message") {
		t.Error("expected debug message in output")
	}

	buf.Reset()
	Info("info message", "key", "value")
	if !strings.Contains(buf.String(), "info message") {
		t.Error("expected info message in output")
	}

	buf.Reset()
	Warn("warn message", "key", "value")
	if !strings.Contains(buf.String(), "warn message") {
		t.Error("expected warn message in output")
	}

	buf.Reset()
	Error("error message", "key", "value")
	if !strings.Contains(buf.String(), "error message") {
		t.Error("expected error message in output")
	}
}

func TestLogProxyStateAlwaysWarn(t *testing.T) {
	buf := swapDefault(t, "warn", "json")

	LogProxyState("ON (Unrestricted)", true)

	output := buf.String()
	if !strings.Contains(output, "data_reduction_proxy_state") {
		t.Error("expected state event in output")
	}
	if !strings.Contains(output, "ON (Unrestricted)") {
		t.Error("expected state in output")
	}
	if !strings.Contains(output, `"at_startup":true`) {
		t.Errorf("expected at_startup flag, got %q", output)
	}
}

func TestLogRequest(t *testing.T) {
	buf := swapDefault(t, "info", "json")

	LogRequest("GET", "example.com", "127.0.0.1", "https://proxy.googlezip.net:443", 200, 100, 1024, 2048)

	output := buf.String()
	if !strings.Contains(output, "example.com") {
		t.Error("expected host in output")
	}
	if !strings.Contains(output, "proxy.googlezip.net") {
		t.Error("expected upstream in output")
	}
}

func TestLogEventPair(t *testing.T) {
	buf := swapDefault(t, "debug", "json")

	id := NewSourceID()
	LogEventBegin("secure_proxy_check", id, "url", "http://check/")
	LogEventEnd("secure_proxy_check", id, "http_code", 200)

	output := buf.String()
	if strings.Count(output, id) != 2 {
		t.Errorf("expected source id twice, got %q", output)
	}
	if !strings.Contains(output, `"phase":"begin"`) || !strings.Contains(output, `"phase":"end"`) {
		t.Error("expected begin and end phases")
	}
	if NewSourceID() == id {
		t.Error("source ids must be unique")
	}
}

func TestLogConnectionLimit(t *testing.T) {
	buf := swapDefault(t, "warn", "json")

	LogConnectionLimit("per_upstream", "https://proxy:443", 100, 100)

	if !strings.Contains(buf.String(), "connection_limit_reached") {
		t.Error("expected 'connection_limit_reached' in output")
	}
}

func TestLogError(t *testing.T) {
	buf := swapDefault(t, "error", "json")

	LogError("test_operation", errors.New("test error"), "extra", "data")

	output := buf.String()
	if !strings.Contains(output, "test_operation") {
		t.Error("expected operation in output")
	}
	if !strings.Contains(output, "test error") {
		t.Error("expected error message in output")
	}
}

func TestWith(t *testing.T) {
	buf := swapDefault(t, "info", "text")
	With("component", "test").Info("hello")
	if !strings.Contains(buf.String(), "component=test") {
		t.Error("expected attribute from With")
	}
}

func TestCurrent_LazyInit(t *testing.T) {
	mu.Lock()
	oldDefault := defaultLogger
	defaultLogger = nil
	mu.Unlock()
	defer func() {
		mu.Lock()
		defaultLogger = oldDefault
		mu.Unlock()
	}()

	if current() == nil {
		t.Error("expected non-nil default logger")
	}
}
