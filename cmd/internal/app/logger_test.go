package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: " error ", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewHandlerFormats(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	slog.New(newHandler(&buf, "info", "json", false)).Info("cache.evict", "conversation_id", "c1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json output %q: %v", buf.String(), err)
	}
	if rec["msg"] != "cache.evict" || rec["conversation_id"] != "c1" {
		t.Fatalf("record=%v", rec)
	}

	buf.Reset()
	slog.New(newHandler(&buf, "warn", "text", false)).Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info record passed a warn handler: %q", buf.String())
	}

	buf.Reset()
	slog.New(newHandler(&buf, "debug", "pretty", false)).Debug("stream.connect", "attempt", 2)
	if got := buf.String(); !strings.Contains(got, "[DEBUG] stream.connect") || !strings.Contains(got, "attempt=2") {
		t.Fatalf("pretty output=%q", got)
	}
}
