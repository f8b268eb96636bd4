// Package rules loads the declarative detection rule catalog from a
// directory of YAML documents, one rule per file. Invalid documents are
// rejected whole at load time; the rest of the catalog still loads.
package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Sequence describes a fail→success correlation. A rule carrying a
// sequence is evaluated on the sequence path instead of the window path.
type Sequence struct {
	FailCount        int `yaml:"fail_count"`
	FailWithinSec    int `yaml:"fail_within_sec"`
	SuccessWithinSec int `yaml:"success_within_sec"`
}

// Rule is one detection rule. A rule is either a window rule or a sequence
// rule, never both; DistinctOn switches the window rule to distinct-value
// counting.
type Rule struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`

	// Human metadata carried onto alerts.
	Title  string   `yaml:"title"`
	Desc   string   `yaml:"desc"`
	Why    string   `yaml:"why"`
	Advice []string `yaml:"advice"`

	LogSources []string          `yaml:"-"`
	Require    []string          `yaml:"require"`
	Match      map[string]string `yaml:"-"`

	GroupBy    []string `yaml:"group_by"`
	WindowSec  int      `yaml:"window_sec"`
	Threshold  int      `yaml:"threshold"`
	DistinctOn []string `yaml:"distinct_on"`

	Sequence *Sequence `yaml:"sequence"`

	CooldownSec int    `yaml:"cooldown_sec"`
	DedupKey    string `yaml:"dedup_key"`

	Severity string   `yaml:"severity"`
	Tags     []string `yaml:"tags"`

	// Compiled from any "<field>_regex" keys in the document.
	Regex map[string]*regexp.Regexp `yaml:"-"`
}

// MatchesLogSource reports whether the event's log_source is one the rule
// listens to.
func (r *Rule) MatchesLogSource(src string) bool {
	for _, s := range r.LogSources {
		if s == src {
			return true
		}
	}
	return false
}

// IsSequence reports whether the rule evaluates on the sequence path.
func (r *Rule) IsSequence() bool { return r.Sequence != nil }

// Validate checks the catalog invariants for a single rule.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule is missing id")
	}
	if len(r.LogSources) == 0 {
		return fmt.Errorf("rule %s: log_source is required", r.ID)
	}
	if r.CooldownSec < 0 {
		return fmt.Errorf("rule %s: cooldown_sec must be >= 0", r.ID)
	}
	if r.Sequence != nil {
		if r.Sequence.FailCount < 1 {
			return fmt.Errorf("rule %s: sequence.fail_count must be >= 1", r.ID)
		}
		if r.Sequence.FailWithinSec <= 0 {
			return fmt.Errorf("rule %s: sequence.fail_within_sec must be > 0", r.ID)
		}
		if r.Sequence.SuccessWithinSec <= 0 {
			return fmt.Errorf("rule %s: sequence.success_within_sec must be > 0", r.ID)
		}
		return nil
	}
	if r.WindowSec <= 0 {
		return fmt.Errorf("rule %s: window_sec must be > 0", r.ID)
	}
	if r.Threshold < 1 {
		return fmt.Errorf("rule %s: threshold must be >= 1", r.ID)
	}
	return nil
}

// Meta returns the human-readable rule metadata merged into alerts.
func (r *Rule) Meta() map[string]any {
	title := r.Title
	if title == "" {
		title = r.Name
	}
	if title == "" {
		title = r.ID
	}
	m := map[string]any{
		"rule_id":    r.ID,
		"rule_title": title,
		"rule_desc":  r.Desc,
		"rule_why":   r.Why,
	}
	if len(r.Advice) > 0 {
		m["rule_advice"] = r.Advice
	}
	return m
}
