package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at error level")
	}
}

func TestL_AddsRequestIDAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-123")
	ctx = With(ctx, "offer_id", "ofr_1")

	L(ctx).Info("settled")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not json: %v", err)
	}
	if line["request_id"] != "req-123" {
		t.Errorf("request_id = %v", line["request_id"])
	}
	if line["offer_id"] != "ofr_1" {
		t.Errorf("offer_id = %v", line["offer_id"])
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("expected slog.Default()")
	}
	if RequestID(context.Background()) != "" {
		t.Error("expected empty request id")
	}
}
