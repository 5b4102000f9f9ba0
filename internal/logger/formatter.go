package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// FixedFormatWriter wraps an io.Writer and converts zerolog JSON output
// into a fixed-width column format for better readability in log files.
//
// Output format:
//
//	2026-02-26 12:00:00.000 [INF] [main           ] Starting TelemetryAgent version=dev
//	2026-02-26 12:00:01.200 [ERR] [forwarder      ] Delivery failed channel=log err="connection refused"
type FixedFormatWriter struct {
	w io.Writer
}

// NewFixedFormatWriter creates a new FixedFormatWriter that wraps the given writer.
func NewFixedFormatWriter(w io.Writer) *FixedFormatWriter {
	return &FixedFormatWriter{w: w}
}

var levelMap = map[string]string{
	"trace": "TRC",
	"debug": "DBG",
	"info":  "INF",
	"warn":  "WRN",
	"error": "ERR",
	"fatal": "FTL",
	"panic": "PNC",
}

const componentWidth = 15

func (f *FixedFormatWriter) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return f.w.Write(p)
	}

	ts := formatTimestamp(extractString(fields, "time"))
	lvl := levelMap[extractString(fields, "level")]
	if lvl == "" {
		lvl = "???"
	}
	comp := columnLabel(fields)
	message := extractString(fields, "message")

	for _, k := range []string{"time", "level", "component", "channel", "message", "caller"} {
		delete(fields, k)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%-*s] %s", ts, lvl, componentWidth, comp, message)
	if extra := formatExtra(fields); extra != "" {
		b.WriteByte(' ')
		b.WriteString(extra)
	}
	b.WriteByte('\n')

	_, err := io.WriteString(f.w, b.String())
	// zerolog expects the input length back
	return len(p), err
}

// columnLabel folds the channel into the component column, e.g. "forwarder/log".
func columnLabel(fields map[string]any) string {
	comp := extractString(fields, "component")
	if ch := extractString(fields, "channel"); ch != "" && !strings.HasSuffix(comp, ch) {
		if comp == "" {
			comp = ch
		} else {
			comp = comp + "/" + ch
		}
	}
	if len(comp) > componentWidth {
		comp = comp[:componentWidth]
	}
	return comp
}

func extractString(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

const (
	fixedTimeLayout = "2006-01-02 15:04:05.000"
	timestampWidth  = len(fixedTimeLayout)
)

// formatTimestamp renders a zerolog RFC3339 time in its own offset as
// "2006-01-02 15:04:05.000". Unparseable input is padded or cut to width.
func formatTimestamp(ts string) string {
	if ts == "" {
		return strings.Repeat(" ", timestampWidth)
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.Format(fixedTimeLayout)
	}
	if len(ts) >= timestampWidth {
		return ts[:timestampWidth]
	}
	return ts + strings.Repeat(" ", timestampWidth-len(ts))
}

// formatExtra renders the remaining fields as sorted key=value pairs.
func formatExtra(fields map[string]any) string {
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		s := fmt.Sprint(fields[k])
		if strings.ContainsAny(s, " \t\n\"") {
			s = strconv.Quote(s)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s)
	}
	return b.String()
}
