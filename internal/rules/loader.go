package rules

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Catalog is an immutable, id-sorted snapshot of enabled rules. The engine
// holds a catalog reference for the duration of one evaluation; reloads
// install a new snapshot without touching evaluations in flight.
type Catalog struct {
	Rules []*Rule
}

// Load scans dir for *.yml / *.yaml rule documents and returns the catalog
// of enabled rules sorted by id. A document that fails to parse or
// validate is skipped whole and logged; it never partially loads.
func Load(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir %s: %w", dir, err)
	}

	var loaded []*Rule
	seen := make(map[string]string) // rule id -> file, for duplicate detection
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml")) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("[RuleLoader] Skipping unreadable rule file", "file", name, "error", err)
			continue
		}
		rule, err := parseRule(data)
		if err != nil {
			slog.Warn("[RuleLoader] Rejected rule file", "file", name, "error", err)
			continue
		}
		if prev, dup := seen[rule.ID]; dup {
			slog.Warn("[RuleLoader] Duplicate rule id, keeping first",
				"id", rule.ID, "file", name, "first_file", prev)
			continue
		}
		seen[rule.ID] = name
		if !rule.Enabled {
			continue
		}
		loaded = append(loaded, rule)
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].ID < loaded[j].ID })
	slog.Info("[RuleLoader] Catalog loaded", "dir", dir, "rules", len(loaded))
	return &Catalog{Rules: loaded}, nil
}

// parseRule decodes and normalizes one YAML rule document. Unknown fields
// are ignored; schema-incompatible values fail the whole document.
func parseRule(data []byte) (*Rule, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	doc = normalizeKeys(doc)

	r := &Rule{
		Enabled:     true,
		WindowSec:   60,
		Threshold:   1,
		CooldownSec: 300,
		DedupKey:    "{rule_id}",
		Severity:    "MEDIUM",
		Regex:       make(map[string]*regexp.Regexp),
	}

	r.ID = asString(doc["id"])
	r.Name = asString(doc["name"])
	if r.Name == "" {
		r.Name = r.ID
	}
	if v, ok := doc["enabled"]; ok {
		r.Enabled = asBool(v)
	}

	r.Title = asString(doc["title"])
	r.Desc = asString(doc["desc"])
	r.Why = asString(doc["why"])
	r.Advice = asStringList(doc["advice"])

	r.LogSources = asStringList(doc["log_source"])
	r.Require = asStringList(doc["require"])
	r.GroupBy = asStringList(doc["group_by"])
	r.DistinctOn = asStringList(doc["distinct_on"])
	r.Tags = asStringList(doc["tags"])

	if v, ok := doc["match"]; ok && v != nil {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("match must be a mapping")
		}
		r.Match = make(map[string]string, len(m))
		for k, mv := range m {
			r.Match[k] = asString(mv)
		}
	}

	var err error
	if r.WindowSec, err = asIntDefault(doc["window_sec"], r.WindowSec); err != nil {
		return nil, fmt.Errorf("window_sec: %w", err)
	}
	if r.Threshold, err = asIntDefault(doc["threshold"], r.Threshold); err != nil {
		return nil, fmt.Errorf("threshold: %w", err)
	}
	if r.CooldownSec, err = asIntDefault(doc["cooldown_sec"], r.CooldownSec); err != nil {
		return nil, fmt.Errorf("cooldown_sec: %w", err)
	}
	if v := asString(doc["dedup_key"]); v != "" {
		r.DedupKey = v
	}
	if v := asString(doc["severity"]); v != "" {
		r.Severity = strings.ToUpper(v)
	}

	if v, ok := doc["sequence"]; ok && v != nil {
		seq, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("sequence must be a mapping")
		}
		s := &Sequence{FailCount: 5, FailWithinSec: 300, SuccessWithinSec: 60}
		if s.FailCount, err = asIntDefault(seq["fail_count"], s.FailCount); err != nil {
			return nil, fmt.Errorf("sequence.fail_count: %w", err)
		}
		if s.FailWithinSec, err = asIntDefault(seq["fail_within_sec"], s.FailWithinSec); err != nil {
			return nil, fmt.Errorf("sequence.fail_within_sec: %w", err)
		}
		if s.SuccessWithinSec, err = asIntDefault(seq["success_within_sec"], s.SuccessWithinSec); err != nil {
			return nil, fmt.Errorf("sequence.success_within_sec: %w", err)
		}
		r.Sequence = s
	}

	// Any "<field>_regex" key becomes a compiled predicate on <field>.
	for k, v := range doc {
		if !strings.HasSuffix(k, "_regex") {
			continue
		}
		field := strings.TrimSuffix(k, "_regex")
		if field == "" {
			continue
		}
		pat := asString(v)
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("%s: bad pattern %q: %w", k, pat, err)
		}
		r.Regex[field] = re
	}

	// A rule is either a window rule or a sequence rule. The window defaults
	// are tolerated; documents that set both shapes explicitly are rejected.
	if r.Sequence != nil && (len(r.DistinctOn) > 0 || hasKey(doc, "threshold") || hasKey(doc, "window_sec")) {
		return nil, fmt.Errorf("rule %s: sequence rules cannot carry window fields", r.ID)
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func hasKey(doc map[string]any, key string) bool {
	_, ok := doc[key]
	return ok
}

// normalizeKeys converts yaml.v2's map[interface{}]interface{} trees into
// map[string]any recursively so the normalizer can index by field name.
func normalizeKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, mv := range t {
			out[fmt.Sprint(k)] = normalizeValue(mv)
		}
		return out
	case map[string]any:
		return normalizeKeys(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		return err == nil && b
	default:
		return false
	}
}

func asIntDefault(v any, def int) (int, error) {
	if v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}

// asStringList accepts a scalar or a list and returns a string slice.
// nil stays nil; an empty string becomes an empty slice.
func asStringList(v any) []string {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s := asString(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return []string{}
		}
		return []string{s}
	default:
		return []string{asString(v)}
	}
}
