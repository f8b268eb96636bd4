// Package detect implements the detection engine: it evaluates every
// incoming normalized event against the rule catalog, maintains windowed
// state in the state store, and emits structured alerts when thresholds
// trip. The engine is fail-open: backend trouble costs the window one
// sample, never an ingest.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/logsentry/backend/internal/event"
	"github.com/logsentry/backend/internal/rules"
	"github.com/logsentry/backend/internal/state"
)

// evidenceKeepLast caps the evidence window attached to an alert.
const evidenceKeepLast = 50

// Engine evaluates events against an immutable rule catalog snapshot.
// Reload swaps the snapshot atomically; evaluations in flight finish
// against whichever snapshot they started with.
type Engine struct {
	store   state.Store
	builder *AlertBuilder
	catalog atomic.Pointer[rules.Catalog]
}

// NewEngine creates an engine over the given store and alert builder with
// an empty catalog. Call Reload (or SetCatalog) before evaluating.
func NewEngine(store state.Store, builder *AlertBuilder) *Engine {
	e := &Engine{store: store, builder: builder}
	e.catalog.Store(&rules.Catalog{})
	return e
}

// SetCatalog installs a new catalog snapshot.
func (e *Engine) SetCatalog(c *rules.Catalog) {
	e.catalog.Store(c)
}

// Reload loads the catalog from dir and installs it atomically.
func (e *Engine) Reload(dir string) error {
	cat, err := rules.Load(dir)
	if err != nil {
		return err
	}
	e.SetCatalog(cat)
	return nil
}

// RuleCount returns the number of rules in the current snapshot.
func (e *Engine) RuleCount() int {
	return len(e.catalog.Load().Rules)
}

// Evaluate runs every rule against the event in catalog order and returns
// the alerts that fired. Per-rule failures (backend or evaluation) skip
// that rule only and are returned for callers that want to surface them
// in debug responses.
func (e *Engine) Evaluate(ctx context.Context, ev event.Event) ([]Alert, []error) {
	ts := ev.TS()
	if ts <= 0 {
		return nil, nil
	}

	cat := e.catalog.Load()
	var alerts []Alert
	var errs []error

	for _, rule := range cat.Rules {
		var (
			alert Alert
			err   error
		)
		if rule.IsSequence() {
			alert, err = e.evalSequence(ctx, rule, ev, ts)
		} else {
			alert, err = e.evalWindow(ctx, rule, ev, ts)
		}
		if err != nil {
			slog.Warn("[Engine] Rule evaluation failed", "rule", rule.ID, "error", err)
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		if alert != nil {
			mergeMeta(alert, rule)
			alerts = append(alerts, alert)
		}
	}
	return alerts, errs
}

// evalWindow is the threshold-over-sliding-window path.
func (e *Engine) evalWindow(ctx context.Context, rule *rules.Rule, ev event.Event, ts int64) (Alert, error) {
	if !matches(rule, ev) {
		return nil, nil
	}

	groupKey := GroupKey(rule, ev)
	keyBase := rule.ID + ":" + groupKey

	var (
		count  int64
		events []event.Snapshot
		extra  map[string]any
		err    error
	)

	if len(rule.DistinctOn) > 0 {
		parts := make([]string, len(rule.DistinctOn))
		for i, f := range rule.DistinctOn {
			parts[i] = ev.String(f)
		}
		count, err = e.store.WindowDistinctCount(ctx, keyBase, ts, rule.WindowSec, strings.Join(parts, "|"))
		if err != nil {
			return nil, err
		}
		// Evidence is kept on an independent key so repeats of the same
		// distinct value still show up without polluting the count.
		_, events, err = e.store.WindowRecord(ctx, keyBase+":evt", ts, rule.WindowSec,
			windowMember(ev, ts), event.Compact(ev), evidenceKeepLast)
		if err != nil {
			return nil, err
		}
		extra = map[string]any{"distinct_count": count, "window_sec": rule.WindowSec}
	} else {
		count, events, err = e.store.WindowRecord(ctx, keyBase, ts, rule.WindowSec,
			windowMember(ev, ts), event.Compact(ev), evidenceKeepLast)
		if err != nil {
			return nil, err
		}
		extra = map[string]any{"count": count, "window_sec": rule.WindowSec}
	}

	if count < int64(rule.Threshold) {
		return nil, nil
	}

	allowed, err := e.store.CooldownAllow(ctx, RenderDedupKey(rule.DedupKey, rule.ID, ev), rule.CooldownSec)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, nil
	}

	return e.builder.Build(rule, ev, groupKey, extra, events), nil
}

// evalSequence is the fail→success correlation path.
func (e *Engine) evalSequence(ctx context.Context, rule *rules.Rule, ev event.Event, ts int64) (Alert, error) {
	if !rule.MatchesLogSource(ev.LogSource()) || !hasRequired(rule, ev) {
		return nil, nil
	}

	seq := rule.Sequence
	groupKey := GroupKey(rule, ev)
	keyBase := rule.ID + ":" + groupKey

	switch ev.String(event.FieldOutcome) {
	case event.OutcomeFail:
		if _, err := e.store.RecordFail(ctx, keyBase, ts, seq.FailWithinSec); err != nil {
			return nil, err
		}
		return nil, nil

	case event.OutcomeSuccess:
		burst, err := e.store.HadRecentFailBurst(ctx, keyBase, ts, seq.FailWithinSec, seq.FailCount)
		if err != nil {
			return nil, err
		}
		if !burst {
			return nil, nil
		}
		allowed, err := e.store.CooldownAllow(ctx, RenderDedupKey(rule.DedupKey, rule.ID, ev), rule.CooldownSec)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, nil
		}
		// Evidence is best-effort for sequence rules; the alert still
		// carries an (possibly empty) events array.
		events, err := e.store.WindowGetEvents(ctx, keyBase+":fail", ts, seq.FailWithinSec, evidenceKeepLast)
		if err != nil {
			slog.Warn("[Engine] Sequence evidence fetch failed", "rule", rule.ID, "error", err)
			events = []event.Snapshot{}
		}
		extra := map[string]any{
			"fail_count":         seq.FailCount,
			"fail_within_sec":    seq.FailWithinSec,
			"success_within_sec": seq.SuccessWithinSec,
		}
		return e.builder.Build(rule, ev, groupKey, extra, events), nil
	}

	return nil, nil
}

// matches applies the window-path predicates: log_source, require,
// equality, regex.
func matches(rule *rules.Rule, ev event.Event) bool {
	if !rule.MatchesLogSource(ev.LogSource()) {
		return false
	}
	if !hasRequired(rule, ev) {
		return false
	}
	for field, want := range rule.Match {
		if ev.String(field) != want {
			return false
		}
	}
	for field, re := range rule.Regex {
		if !re.MatchString(ev.String(field)) {
			return false
		}
	}
	return true
}

func hasRequired(rule *rules.Rule, ev event.Event) bool {
	for _, f := range rule.Require {
		if !ev.Has(f) {
			return false
		}
	}
	return true
}

// GroupKey renders the rule's group_by partition for an event, or "global"
// when the rule has no group_by.
func GroupKey(rule *rules.Rule, ev event.Event) string {
	if len(rule.GroupBy) == 0 {
		return "global"
	}
	parts := make([]string, len(rule.GroupBy))
	for i, f := range rule.GroupBy {
		parts[i] = f + "=" + ev.String(f)
	}
	return strings.Join(parts, "|")
}

// RenderDedupKey substitutes the supported placeholders into a dedup_key
// template. Missing event fields render empty.
func RenderDedupKey(template, ruleID string, ev event.Event) string {
	return strings.NewReplacer(
		"{rule_id}", ruleID,
		"{src_ip}", ev.String(event.FieldSrcIP),
		"{username}", ev.String(event.FieldUsername),
		"{host}", ev.String(event.FieldHost),
		"{service}", ev.String(event.FieldService),
	).Replace(template)
}

// windowMember picks the ordered-set member for an event: raw_id when the
// ingest layer assigned one, else the timestamp.
func windowMember(ev event.Event, ts int64) string {
	if m := ev.String(event.FieldRawID); m != "" {
		return m
	}
	return strconv.FormatInt(ts, 10)
}

func mergeMeta(a Alert, rule *rules.Rule) {
	for k, v := range rule.Meta() {
		a[k] = v
	}
}
