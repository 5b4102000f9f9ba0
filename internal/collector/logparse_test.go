package collector

import (
	"strings"
	"testing"
	"time"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"authorization header", "Authorization: Bearer abc.DEF-123==", "Authorization: Bearer [REDACTED]"},
		{"bare bearer", "calling with bearer eyJhbGciOi.x_y", "calling with bearer [REDACTED]"},
		{"query token", "GET /cb?token=s3cr3t&page=2", "GET /cb?token=[REDACTED]&page=2"},
		{"password pair", "login password = hunter2 ok", "login password = [REDACTED] ok"},
		{"json field", `{"user":"kim","access_token":"abc123","n":1}`, `{"user":"kim","access_token":"[REDACTED]","n":1}`},
		{"unquoted json value", `{"secret": 42}`, `{"secret": "[REDACTED]"}`},
		{"nothing sensitive", "2026-01-03T21:46:06 INFO started", "2026-01-03T21:46:06 INFO started"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redact(tt.in); got != tt.want {
				t.Errorf("redact(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsRecordStart(t *testing.T) {
	if !isRecordStart("2026-01-03T21:46:06.098+09:00  INFO 1 --- [main] App : up") {
		t.Error("ISO timestamp line should start a record")
	}
	for _, line := range []string{"\tat com.example.Foo.bar(Foo.java:10)", "Caused by: x", "", "2026-01-03 21:46:06"} {
		if isRecordStart(line) {
			t.Errorf("%q should be a continuation", line)
		}
	}
}

func TestParseHeader(t *testing.T) {
	now := time.UnixMilli(1_000)

	ts, level := parseHeader("2026-01-03T21:46:06.098+09:00 ERROR 1 --- [main] App : boom", now)
	want := time.Date(2026, 1, 3, 12, 46, 6, 98_000_000, time.UTC).UnixMilli()
	if ts != want {
		t.Errorf("ts = %d, want %d", ts, want)
	}
	if level != "ERROR" {
		t.Errorf("level = %q", level)
	}

	ts, level = parseHeader("2026-01-03T21:46:06Z  WARN low disk", now)
	if ts != time.Date(2026, 1, 3, 21, 46, 6, 0, time.UTC).UnixMilli() || level != "WARN" {
		t.Errorf("ts=%d level=%q", ts, level)
	}

	ts, level = parseHeader("no header here", now)
	if ts != 1_000 || level != "INFO" {
		t.Errorf("fallback ts=%d level=%q, want clock time and INFO", ts, level)
	}
}

func TestTruncateUTF8(t *testing.T) {
	s := "가나다" // 3 bytes per rune
	if got := truncateUTF8(s, 4); got != "가" {
		t.Errorf("truncateUTF8 = %q, want rune-aligned cut", got)
	}
	if got := truncateUTF8(s, 100); got != s {
		t.Errorf("short string changed: %q", got)
	}
}

func TestPrefixRunes(t *testing.T) {
	if got := prefixRunes("가나다라", 2); got != "가나" {
		t.Errorf("prefixRunes = %q", got)
	}
	long := strings.Repeat("x", 600)
	if got := prefixRunes(long, eventIDPrefixRunes); len(got) != 512 {
		t.Errorf("len = %d, want 512", len(got))
	}
}

func TestEventID(t *testing.T) {
	got := eventID("web-01", 1700000000000, "METRIC")
	if got != "771dcc1dc9dcb82ff03f5c60c8249969e9763d73" {
		t.Errorf("eventID = %s", got)
	}
	if got == eventID("web-02", 1700000000000, "METRIC") {
		t.Error("eventID must depend on server name")
	}
}
