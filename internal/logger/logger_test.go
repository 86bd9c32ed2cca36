package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLogger_ValidInputs(t *testing.T) {
	cases := []struct {
		level  string
		format string
	}{
		{"info", "json"},
		{"debug", "text"},
		{"warn", "json"},
		{"ERROR", "TEXT"},
	}
	for _, c := range cases {
		l, err := New(c.level, c.format, &bytes.Buffer{})
		if err != nil {
			t.Errorf("expected no error for level=%q format=%q, got %v", c.level, c.format, err)
		}
		if l == nil {
			t.Errorf("expected logger for level=%q format=%q, got nil", c.level, c.format)
		}
	}
}

func TestNewLogger_EmptyStrings(t *testing.T) {
	if _, err := New("", "json", nil); err == nil {
		t.Error("expected error for empty logLevel, got nil")
	}
	if _, err := New("info", "", nil); err == nil {
		t.Error("expected error for empty logFormat, got nil")
	}
	if _, err := New("", "", nil); err == nil {
		t.Error("expected error for both logLevel and logFormat empty, got nil")
	}
}

func TestNewLogger_InvalidValues(t *testing.T) {
	if _, err := New("foo", "json", nil); err == nil {
		t.Error("expected error for invalid logLevel, got nil")
	}
	if _, err := New("info", "bar", nil); err == nil {
		t.Error("expected error for invalid logFormat, got nil")
	}
}

func TestNewLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("warn", "json", &buf)
	if err != nil {
		t.Fatal(err)
	}

	l.Info("dropped")
	l.Warn("asset failed", "url", "http://h/a.pkg", "product", "041-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid JSON log line: %v", err)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("time key not renamed to timestamp")
	}
	if entry["url"] != "http://h/a.pkg" || entry["product"] != "041-1" {
		t.Errorf("attributes = %v", entry)
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("nothing")
}
