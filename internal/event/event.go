// Package event defines the normalized event that flows from the parsers
// into the detection engine. Events are field bags rather than fixed
// structs: rules reference arbitrary fields by name (group_by, require,
// match, *_regex), so the engine needs uniform access by field name.
package event

import (
	"fmt"
	"strconv"
	"strings"
)

// Event is a normalized log event. log_source and ts are always present;
// everything else depends on the parser that produced it.
type Event map[string]any

// Well-known field names shared by parsers, rules, and the alert builder.
const (
	FieldLogSource  = "log_source"
	FieldTS         = "ts"
	FieldHost       = "host"
	FieldSource     = "source"
	FieldRawID      = "raw_id"
	FieldSrcIP      = "src_ip"
	FieldUsername   = "username"
	FieldOutcome    = "outcome"
	FieldPort       = "port"
	FieldPath       = "path"
	FieldMethod     = "method"
	FieldStatusCode = "status_code"
	FieldRaw        = "raw"
	FieldService    = "service"
)

// Outcome values for authentication-style events.
const (
	OutcomeFail    = "fail"
	OutcomeSuccess = "success"
)

// LogSource returns the event's log_source tag, or "" if absent.
func (e Event) LogSource() string {
	return e.String(FieldLogSource)
}

// TS returns the event timestamp in seconds since epoch, or 0 when absent
// or not a recognizable integer.
func (e Event) TS() int64 {
	v, ok := e[FieldTS]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// String renders the named field as a string. Missing fields and nil values
// render as "". Non-string scalars are formatted with fmt.
func (e Event) String(field string) string {
	v, ok := e[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Has reports whether the field is present with a non-empty value.
// An empty or whitespace-only string counts as absent.
func (e Event) Has(field string) bool {
	v, ok := e[field]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// Snapshot is the compact evidence form stored in the sliding window and
// attached to alerts. Field names line up with the subscriber payload
// schema: ts, attack_ip/ip, user, port, raw, host, source, raw_id.
type Snapshot struct {
	TS       int64  `json:"ts"`
	AttackIP string `json:"attack_ip"`
	IP       string `json:"ip"`
	User     string `json:"user"`
	Port     string `json:"port"`
	Path     string `json:"path,omitempty"`
	Raw      string `json:"raw"`
	Host     string `json:"host"`
	Source   string `json:"source"`
	RawID    string `json:"raw_id"`
}

// Compact reduces an event to its evidence snapshot.
func Compact(e Event) Snapshot {
	return Snapshot{
		TS:       e.TS(),
		AttackIP: e.String(FieldSrcIP),
		IP:       e.String(FieldSrcIP),
		User:     e.String(FieldUsername),
		Port:     e.String(FieldPort),
		Path:     e.String(FieldPath),
		Raw:      e.String(FieldRaw),
		Host:     e.String(FieldHost),
		Source:   e.String(FieldSource),
		RawID:    e.String(FieldRawID),
	}
}
