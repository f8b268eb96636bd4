package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/logsentry/backend/internal/event"
)

// nginx/apache combined and common formats:
//
//	1.2.3.4 - - [01/Jan/2026:12:00:01 +0800] "GET /admin HTTP/1.1" 404 153 "-" "Mozilla/5.0"
//	1.2.3.4 - - [01/Jan/2026:12:00:01 +0800] "GET /admin HTTP/1.1" 404 153
var accessRe = regexp.MustCompile(
	`^(\S+)\s+\S+\s+\S+\s+\[([^\]]+)\]\s+"([A-Z]+)\s+(\S+)\s+[^"]+"\s+(\d{3})\s+(\S+)` +
		`(?:\s+"([^"]*)")?(?:\s+"([^"]*)")?\s*$`)

// parseHTTPAccess recognizes access-log lines.
func parseHTTPAccess(message string) event.Event {
	line := strings.ReplaceAll(strings.TrimSpace(message), `\"`, `"`)
	m := accessRe.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	uri := m[4]
	path := uri
	if i := strings.IndexByte(uri, '?'); i >= 0 {
		path = uri[:i]
	}

	status, _ := strconv.Atoi(m[5])
	ev := event.Event{
		event.FieldLogSource:  "http",
		event.FieldService:    "http",
		event.FieldSrcIP:      m[1],
		event.FieldMethod:     m[3],
		event.FieldPath:       path,
		event.FieldStatusCode: status,
		"uri":                 uri,
	}
	if m[7] != "" {
		ev["referer"] = m[7]
	}
	if m[8] != "" {
		ev["user_agent"] = m[8]
	}
	return ev
}
