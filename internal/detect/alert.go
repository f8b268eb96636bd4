package detect

import (
	"fmt"
	"strings"

	"github.com/logsentry/backend/internal/event"
	"github.com/logsentry/backend/internal/rules"
)

// Alert is the composed outbound payload. Every value placed in it is
// JSON-representable so callers can serialize it for the stream bus and
// the durable store.
type Alert map[string]any

// Semantic tags for reconstructed HTTP targets. Closed vocabulary.
const (
	TagAdminEntry      = "admin-entry"
	TagInfoLeak        = "info-leak"
	TagSourceLeak      = "source-leak"
	TagBackupLeak      = "backup-leak"
	TagLoginPage       = "login-page"
	TagSuspiciousProbe = "suspicious-probe"
	TagSensitivePath   = "sensitive-path"
)

// AlertBuilder composes alert payloads. It is stateless apart from the
// configured public display host.
type AlertBuilder struct {
	// PublicHost, when set, replaces the internal hostname in displayed
	// targets; the internal name is preserved under the asset sub-object.
	PublicHost string
}

// NewAlertBuilder returns a builder that displays publicHost in targets
// when it is non-empty.
func NewAlertBuilder(publicHost string) *AlertBuilder {
	return &AlertBuilder{PublicHost: publicHost}
}

// Build composes the alert payload for a fired rule: identity fields,
// the extras computed by the engine, the evidence window, the structured
// assessment, and a one-sentence human summary.
func (b *AlertBuilder) Build(rule *rules.Rule, ev event.Event, groupKey string, extra map[string]any, events []event.Snapshot) Alert {
	if events == nil {
		events = []event.Snapshot{}
	}

	a := Alert{
		"rule_id":    rule.ID,
		"rule_name":  rule.Name,
		"severity":   rule.Severity,
		"tags":       rule.Tags,
		"log_source": ev.LogSource(),
		"group_key":  groupKey,
		"src_ip":     ev.String(event.FieldSrcIP),
		"username":   ev.String(event.FieldUsername),
		"host":       ev.String(event.FieldHost),
		"port":       ev.String(event.FieldPort),
		"ts":         ev.TS(),
		"raw_id":     ev.String(event.FieldRawID),
		"events":     events,
	}
	for k, v := range extra {
		a[k] = v
	}

	a["assessment"] = b.assess(rule, ev, events)
	a["human_summary"] = b.humanSummary(rule, ev, extra, events)
	a["summary"] = rule.Name + " | " + groupKey

	return a
}

// displayHost resolves the host shown in targets and summaries.
func (b *AlertBuilder) displayHost(ev event.Event) string {
	if b.PublicHost != "" {
		return b.PublicHost
	}
	return ev.String(event.FieldHost)
}

// assess derives the structured assessment: attack-type label, risk level,
// reconstructed targets, and provenance of the internal asset.
func (b *AlertBuilder) assess(rule *rules.Rule, ev event.Event, events []event.Snapshot) map[string]any {
	assessment := map[string]any{
		"attack_type": attackType(rule, ev),
		"risk":        riskLevel(rule.Severity),
	}

	host := b.displayHost(ev)
	switch ev.LogSource() {
	case "http":
		targets, tags := b.httpTargets(host, ev, events)
		assessment["targets"] = targets
		if len(tags) > 0 {
			assessment["target_tags"] = tags
		}
	case "ssh":
		port := ev.String(event.FieldPort)
		if port == "" {
			port = "22"
		}
		assessment["targets"] = []string{fmt.Sprintf("ssh://%s:%s", host, port)}
	default:
		assessment["targets"] = []string{}
	}

	if internal := ev.String(event.FieldHost); internal != "" && internal != host {
		assessment["asset"] = map[string]any{"host": internal}
	}
	return assessment
}

// httpTargets reconstructs one URL per distinct evidence path, tagging
// each with its semantic classification. Default ports are omitted from
// the rendered URL; port 443 implies https, anything else http.
func (b *AlertBuilder) httpTargets(host string, ev event.Event, events []event.Snapshot) ([]string, map[string]string) {
	paths := make([]string, 0, len(events)+1)
	seen := make(map[string]bool)
	appendPath := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, snap := range events {
		appendPath(snap.Path)
	}
	appendPath(ev.String(event.FieldPath))

	port := ev.String(event.FieldPort)
	targets := make([]string, 0, len(paths))
	tags := make(map[string]string, len(paths))
	for _, p := range paths {
		url := reconstructURL(host, port, p)
		targets = append(targets, url)
		tags[url] = ClassifyPath(p)
	}
	return targets, tags
}

// reconstructURL renders scheme://host[:port]/path, defaulting the scheme
// from the port and dropping default ports.
func reconstructURL(host, port, path string) string {
	scheme := "http"
	if port == "443" {
		scheme = "https"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	hostPart := host
	if port != "" && port != "80" && port != "443" {
		hostPart = host + ":" + port
	}
	return scheme + "://" + hostPart + path
}

// ClassifyPath maps a requested path onto the closed semantic vocabulary.
func ClassifyPath(path string) string {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "/.git") || strings.Contains(p, "/.svn") || strings.Contains(p, "/.hg"):
		return TagSourceLeak
	case strings.Contains(p, "backup") || hasAnySuffix(p, ".zip", ".tar", ".tar.gz", ".tgz", ".sql", ".bak", ".old"):
		return TagBackupLeak
	case strings.Contains(p, "phpinfo") || strings.Contains(p, "server-status") || strings.Contains(p, "actuator"):
		return TagInfoLeak
	case strings.Contains(p, "/.env") || strings.Contains(p, "config.php") || strings.Contains(p, "web.config") || strings.Contains(p, "/etc/passwd") || strings.Contains(p, "id_rsa"):
		return TagSensitivePath
	case strings.Contains(p, "login") || strings.Contains(p, "signin") || strings.Contains(p, "wp-login"):
		return TagLoginPage
	case strings.Contains(p, "admin") || strings.Contains(p, "manager") || strings.Contains(p, "console"):
		return TagAdminEntry
	default:
		return TagSuspiciousProbe
	}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// attackType labels the alert from the rule shape and family. The first
// rule tag wins when present so rule authors keep control of the label.
func attackType(rule *rules.Rule, ev event.Event) string {
	if len(rule.Tags) > 0 {
		return rule.Tags[0]
	}
	family := ev.LogSource()
	switch {
	case rule.IsSequence():
		return family + "-fail-success"
	case len(rule.DistinctOn) > 0:
		return family + "-spray"
	default:
		return family + "-burst"
	}
}

func riskLevel(severity string) string {
	switch strings.ToUpper(severity) {
	case "CRITICAL":
		return "critical"
	case "HIGH":
		return "high"
	case "LOW":
		return "low"
	default:
		return "medium"
	}
}

// humanSummary writes the one-sentence narrative for the alert. HTTP
// summaries name the probed paths so a reader can judge intent at a
// glance; everything else follows the count-within-window template.
func (b *AlertBuilder) humanSummary(rule *rules.Rule, ev event.Event, extra map[string]any, events []event.Snapshot) string {
	srcIP := orDash(ev.String(event.FieldSrcIP))
	host := orDash(b.displayHost(ev))
	user := orDash(ev.String(event.FieldUsername))
	port := ev.String(event.FieldPort)

	hostPort := host
	if port != "" {
		hostPort = host + ":" + port
	}

	count, hasCount := countFrom(extra)
	window, hasWindow := intFrom(extra, "window_sec")

	if ev.LogSource() == "http" {
		paths := make([]string, 0, 5)
		for _, snap := range events {
			if snap.Path != "" {
				paths = append(paths, snap.Path)
			}
			if len(paths) == 5 {
				break
			}
		}
		if hasCount && hasWindow {
			return fmt.Sprintf("[%s] %s sent %d suspicious requests to %s within %ds (%s).",
				rule.Name, srcIP, count, hostPort, window, strings.Join(paths, ", "))
		}
		return fmt.Sprintf("[%s] %s probed %s (%s).",
			rule.Name, srcIP, hostPort, strings.Join(paths, ", "))
	}

	if rule.IsSequence() {
		return fmt.Sprintf("[%s] %s logged in to %s as %s after %d recent failures.",
			rule.Name, srcIP, hostPort, user, rule.Sequence.FailCount)
	}
	if hasCount && hasWindow {
		return fmt.Sprintf("[%s] %s failed against %s %d times within %ds (user %s).",
			rule.Name, srcIP, hostPort, count, window, user)
	}
	if hasCount {
		return fmt.Sprintf("[%s] %s failed against %s %d times (user %s).",
			rule.Name, srcIP, hostPort, count, user)
	}
	return fmt.Sprintf("[%s] %s showed anomalous activity against %s (user %s).",
		rule.Name, srcIP, hostPort, user)
}

func countFrom(extra map[string]any) (int64, bool) {
	if n, ok := intFrom(extra, "count"); ok {
		return n, true
	}
	return intFrom(extra, "distinct_count")
}

func intFrom(extra map[string]any, key string) (int64, bool) {
	v, ok := extra[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
