package collector

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// truncatedSuffix marks a record cut at MaxEventBytes.
const truncatedSuffix = "\n...(truncated)"

// eventIDPrefixRunes is how much of the message feeds the event id.
const eventIDPrefixRunes = 512

var (
	// recordStart matches a line opening a new record (Spring Boot style ISO-8601 prefix).
	recordStart = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`)

	levelPattern = regexp.MustCompile(`\s+(TRACE|DEBUG|INFO|WARN|ERROR)\s+`)

	redactions = []struct {
		re   *regexp.Regexp
		repl string
	}{
		{regexp.MustCompile(`(?i)(Authorization:\s*Bearer\s+)[A-Za-z0-9\-._~+/]+=*`), `${1}[REDACTED]`},
		{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-._~+/]+=*`), `${1}[REDACTED]`},
		{regexp.MustCompile(`(?i)(\b(?:token|access_token|refresh_token|secret|password)\s*=\s*)[^\s&]+`), `${1}[REDACTED]`},
		{regexp.MustCompile(`(?i)("?(?:token|access_token|refresh_token|secret|password)"?\s*:\s*)"?[^"\s,}]+"?`), `${1}"[REDACTED]"`},
	}

	timestampLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999Z0700",
		"2006-01-02T15:04:05.999999999",
	}
)

// logRecord is a log entry being assembled from one or more lines.
type logRecord struct {
	ts      int64 // epoch milliseconds
	level   string
	message strings.Builder
}

// logPayload is the wire form of a log record.
type logPayload struct {
	ServerName string `json:"serverName"`
	TS         int64  `json:"ts"`
	Level      string `json:"level"`
	Message    string `json:"message"`
	EventID    string `json:"eventId"`
}

// redact masks bearer tokens and credential-looking key/value pairs.
func redact(line string) string {
	for _, r := range redactions {
		line = r.re.ReplaceAllString(line, r.repl)
	}
	return line
}

// isRecordStart reports whether line begins a new record.
func isRecordStart(line string) bool {
	return recordStart.MatchString(line)
}

// parseHeader extracts the timestamp and level from the first line of a record.
// now is used when the line carries no parsable timestamp.
func parseHeader(line string, now time.Time) (int64, string) {
	ts := now.UnixMilli()
	first, _, _ := strings.Cut(line, " ")
	if recordStart.MatchString(first) {
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, first, time.Local); err == nil {
				ts = t.UnixMilli()
				break
			}
		}
	}

	level := "INFO"
	if m := levelPattern.FindStringSubmatch(line); m != nil {
		level = m[1]
	}
	return ts, level
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// prefixRunes returns the first n runes of s.
func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
