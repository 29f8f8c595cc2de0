// validator.go: Schema validation of merged configuration trees
//
// Validation never stops at the first problem: every violation is collected
// into the report. Cross-field rules run after all per-path rules.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Severity of a violation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation is one failed rule.
type Violation struct {
	Path     string   `json:"path"`
	Kind     RuleKind `json:"kind"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// ValidationReport aggregates every violation found in a tree.
type ValidationReport struct {
	Violations []Violation `json:"violations"`
	Strict     bool        `json:"strict"`
}

// HasHardFailures reports whether any violation blocks publication.
func (r ValidationReport) HasHardFailures() bool {
	return r.HardCount() > 0
}

// Valid reports whether the tree may be published.
func (r ValidationReport) Valid() bool {
	return !r.HasHardFailures()
}

// HardCount counts violations with error severity.
func (r ValidationReport) HardCount() int {
	n := 0
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			n++
		}
	}
	return n
}

// Errors returns violations with error severity.
func (r ValidationReport) Errors() []Violation {
	return r.filter(SeverityError)
}

// Warnings returns violations with warning severity.
func (r ValidationReport) Warnings() []Violation {
	return r.filter(SeverityWarning)
}

// ByKind returns violations of one rule kind.
func (r ValidationReport) ByKind(kind RuleKind) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

func (r ValidationReport) filter(sev Severity) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == sev {
			out = append(out, v)
		}
	}
	return out
}

// String renders the full report, one violation per line.
func (r ValidationReport) String() string {
	if len(r.Violations) == 0 {
		return "configuration valid: no violations"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d violation(s), %d error(s), %d warning(s)",
		len(r.Violations), r.HardCount(), len(r.Violations)-r.HardCount())
	for _, v := range r.Violations {
		fmt.Fprintf(&b, "\n  [%s] %s %s: %s", v.Severity, v.Kind, v.Path, v.Message)
	}
	return b.String()
}

// SchemaValidator checks trees against rules. Type and required violations
// are always errors; range and cross-field violations are warnings unless
// Strict is set.
type SchemaValidator struct {
	Strict  bool
	Epsilon float64
}

// Validate checks tree against rules. The tree is only read.
func (sv SchemaValidator) Validate(tree Value, rules []ValidationRule) ValidationReport {
	eps := sv.Epsilon
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	report := ValidationReport{Strict: sv.Strict}

	var crossField []ValidationRule
	for _, rule := range rules {
		if rule.pattern == nil {
			if err := rule.compile(); err != nil {
				report.add(rule.Path, rule.Kind, "invalid rule: "+err.Error(), SeverityError)
				continue
			}
		}
		switch rule.Kind {
		case RuleCrossField:
			crossField = append(crossField, rule)
		case RuleType:
			sv.checkType(tree, rule, &report)
		case RuleRange:
			sv.checkRange(tree, rule, &report)
		case RuleRequired:
			sv.checkRequired(tree, rule, &report)
		}
	}

	for _, rule := range crossField {
		switch rule.Check {
		case CheckSum:
			sv.checkSum(tree, rule, eps, &report)
		case CheckOrdered:
			sv.checkOrdered(tree, rule, &report)
		}
	}
	return report
}

// ValidateSchema is Validate over a parsed schema, honouring its epsilon
// unless the validator sets one.
func (sv SchemaValidator) ValidateSchema(tree Value, schema *Schema) ValidationReport {
	if schema == nil {
		return ValidationReport{Strict: sv.Strict}
	}
	if sv.Epsilon <= 0 {
		sv.Epsilon = schema.Epsilon
	}
	return sv.Validate(tree, schema.Rules)
}

func (r *ValidationReport) add(path string, kind RuleKind, msg string, sev Severity) {
	r.Violations = append(r.Violations, Violation{Path: path, Kind: kind, Message: msg, Severity: sev})
}

func (sv SchemaValidator) softSeverity() Severity {
	if sv.Strict {
		return SeverityError
	}
	return SeverityWarning
}

func (sv SchemaValidator) checkType(tree Value, rule ValidationRule, report *ValidationReport) {
	for _, m := range expandPattern(tree, rule.pattern) {
		if m.value.IsAbsent() {
			continue
		}
		if m.value.Kind() != rule.typeKind {
			report.add(m.path, RuleType,
				fmt.Sprintf("expected %s, got %s", rule.typeKind, m.value.Kind()), SeverityError)
			continue
		}
		if len(rule.Enum) > 0 {
			text, _ := m.value.Text()
			if !containsString(rule.Enum, text) {
				report.add(m.path, RuleType,
					fmt.Sprintf("value %q not in %v", text, rule.Enum), SeverityError)
			}
		}
	}
}

func (sv SchemaValidator) checkRange(tree Value, rule ValidationRule, report *ValidationReport) {
	for _, m := range expandPattern(tree, rule.pattern) {
		f, ok := m.value.Float()
		if !ok {
			continue
		}
		if rule.Min != nil && f < *rule.Min {
			report.add(m.path, RuleRange,
				fmt.Sprintf("%s is below minimum %s", formatNumber(f), formatNumber(*rule.Min)), sv.softSeverity())
		}
		if rule.Max != nil && f > *rule.Max {
			report.add(m.path, RuleRange,
				fmt.Sprintf("%s is above maximum %s", formatNumber(f), formatNumber(*rule.Max)), sv.softSeverity())
		}
	}
}

func (sv SchemaValidator) checkRequired(tree Value, rule ValidationRule, report *ValidationReport) {
	matches := expandPattern(tree, rule.pattern)
	if len(matches) == 0 {
		report.add(rule.Path, RuleRequired, "required value is missing", SeverityError)
		return
	}
	for _, m := range matches {
		if !m.value.IsAbsent() {
			continue
		}
		msg := "required value is absent"
		if name := m.value.UnresolvedVar(); name != "" {
			msg = fmt.Sprintf("required value is absent: environment variable %s is not set", name)
		}
		report.add(m.path, RuleRequired, msg, SeverityError)
	}
}

func (sv SchemaValidator) checkSum(tree Value, rule ValidationRule, eps float64, report *ValidationReport) {
	for _, m := range expandPattern(tree, rule.pattern) {
		var children []Value
		switch m.value.Kind() {
		case KindMapping:
			for _, f := range m.value.Fields() {
				children = append(children, f.Value)
			}
		case KindSequence:
			children = m.value.Items()
		default:
			report.add(m.path, RuleCrossField,
				fmt.Sprintf("sum check needs a mapping or sequence, got %s", m.value.Kind()), sv.softSeverity())
			continue
		}

		sum := 0.0
		nonNumeric := 0
		for _, c := range children {
			f, ok := c.Float()
			if !ok {
				nonNumeric++
				continue
			}
			sum += f
		}
		switch {
		case nonNumeric > 0:
			report.add(m.path, RuleCrossField,
				fmt.Sprintf("%d child value(s) are not numbers", nonNumeric), sv.softSeverity())
		case math.Abs(sum-*rule.Target) > eps:
			report.add(m.path, RuleCrossField,
				fmt.Sprintf("children sum to %s, expected %s ± %g", formatNumber(sum), formatNumber(*rule.Target), eps),
				sv.softSeverity())
		}
	}
}

func (sv SchemaValidator) checkOrdered(tree Value, rule ValidationRule, report *ValidationReport) {
	prevPath := ""
	prev := 0.0
	have := false
	for _, p := range rule.Paths {
		v, ok := tree.Lookup(MustKey(p).segments)
		if !ok {
			continue
		}
		f, isNum := v.Float()
		if !isNum {
			continue
		}
		if have && f <= prev {
			report.add(rule.Path, RuleCrossField,
				fmt.Sprintf("%s (%s) must be greater than %s (%s)", p, formatNumber(f), prevPath, formatNumber(prev)),
				sv.softSeverity())
			return
		}
		prevPath, prev, have = p, f, true
	}
}

type patternMatch struct {
	path  string
	value Value
}

// expandPattern returns every existing path in tree matching pattern.
func expandPattern(tree Value, pattern []string) []patternMatch {
	var out []patternMatch
	var walk func(cur Value, depth int, path []string)
	walk = func(cur Value, depth int, path []string) {
		if depth == len(pattern) {
			out = append(out, patternMatch{path: joinPath(path), value: cur})
			return
		}
		seg := pattern[depth]
		if seg != "*" {
			if child, ok := cur.Field(seg); ok {
				walk(child, depth+1, append(path, seg))
			}
			return
		}
		for _, f := range cur.Fields() {
			walk(f.Value, depth+1, append(path, f.Key))
		}
	}
	walk(tree, 0, make([]string, 0, len(pattern)))
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
