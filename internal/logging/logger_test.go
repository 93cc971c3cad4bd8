package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/punchamoorthee/tokenfaucet/internal/config"
)

func TestJSONFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, config.LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("dropped")
	logger.Warn("kept", "event", "test_event")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["msg"] != "kept" || entry["event"] != "test_event" || entry["service"] != "tokenfaucet" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestTextIsDefault(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, config.LoggingConfig{}).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("output = %q", buf.String())
	}
}
