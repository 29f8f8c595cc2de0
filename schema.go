// schema.go: Validation rule documents
//
// A schema document lists rules per key path:
//
//	epsilon: 1e-6
//	rules:
//	  - {path: cache.ttl, kind: type, type: number}
//	  - {path: cache.ttl, kind: range, min: 0, max: 86400}
//	  - {path: database.url, kind: required}
//	  - {path: risk_weights, kind: cross-field, check: sum, target: 1.0}
//	  - {path: thresholds, kind: cross-field, check: ordered,
//	     paths: [thresholds.low, thresholds.medium, thresholds.high]}
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/agilira/go-errors"
)

// RuleKind classifies a validation rule.
type RuleKind string

const (
	RuleType       RuleKind = "type"
	RuleRange      RuleKind = "range"
	RuleRequired   RuleKind = "required"
	RuleCrossField RuleKind = "cross-field"
)

// Cross-field checks.
const (
	CheckSum     = "sum"
	CheckOrdered = "ordered"
)

// DefaultEpsilon is the tolerance used by sum checks when none is configured.
const DefaultEpsilon = 1e-6

// ValidationRule is one declared constraint. Path segments may be "*".
type ValidationRule struct {
	Path   string   `json:"path"`
	Kind   RuleKind `json:"kind"`
	Type   string   `json:"type,omitempty"`
	Enum   []string `json:"enum,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Check  string   `json:"check,omitempty"`
	Target *float64 `json:"target,omitempty"`
	Paths  []string `json:"paths,omitempty"`

	pattern  []string
	typeKind Kind
}

// Schema is a parsed rule set.
type Schema struct {
	Epsilon float64          `json:"epsilon,omitempty"`
	Rules   []ValidationRule `json:"rules"`
}

// LoadSchemaFile reads a schema document in any supported format.
func LoadSchemaFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- schema path is operator supplied
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeReloadIOFailure, "failed to read schema file").
			WithContext("path", path)
	}
	doc, err := ParseDocument(data, DetectFormat(path))
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeSchemaError, "failed to parse schema file").
			WithContext("path", path)
	}
	return SchemaFromValue(doc)
}

// SchemaFromValue decodes a parsed schema document and checks every rule.
func SchemaFromValue(doc Value) (*Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeSchemaError, "failed to encode schema document")
	}
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.Wrap(err, ErrCodeSchemaError, "schema document has an invalid shape")
	}
	return NewSchema(s.Epsilon, s.Rules...)
}

// NewSchema checks rules and returns a ready schema. A zero epsilon means DefaultEpsilon.
func NewSchema(epsilon float64, rules ...ValidationRule) (*Schema, error) {
	if epsilon < 0 {
		return nil, errors.New(ErrCodeSchemaError, "epsilon cannot be negative")
	}
	if epsilon == 0 {
		epsilon = DefaultEpsilon
	}
	out := &Schema{Epsilon: epsilon, Rules: make([]ValidationRule, 0, len(rules))}
	for i, r := range rules {
		if err := r.compile(); err != nil {
			return nil, errors.Wrap(err, ErrCodeSchemaError, "invalid validation rule").
				WithContext("rule", i).
				WithContext("path", r.Path)
		}
		out.Rules = append(out.Rules, r)
	}
	return out, nil
}

func (r *ValidationRule) compile() error {
	key, err := ParseKey(r.Path)
	if err != nil {
		return err
	}
	r.pattern = key.segments

	switch r.Kind {
	case RuleType:
		kind, ok := ParseKind(r.Type)
		if !ok {
			return fmt.Errorf("unknown type %q", r.Type)
		}
		r.typeKind = kind
		if len(r.Enum) > 0 && kind != KindText {
			return fmt.Errorf("enum requires type text")
		}
	case RuleRange:
		if r.Min == nil && r.Max == nil {
			return fmt.Errorf("range rule needs min or max")
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return fmt.Errorf("range min %v exceeds max %v", *r.Min, *r.Max)
		}
	case RuleRequired:
	case RuleCrossField:
		switch r.Check {
		case CheckSum:
			if r.Target == nil {
				one := 1.0
				r.Target = &one
			}
		case CheckOrdered:
			if len(r.Paths) < 2 {
				return fmt.Errorf("ordered check needs at least two paths")
			}
			for _, p := range r.Paths {
				if _, err := ParseKey(p); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unknown cross-field check %q", r.Check)
		}
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	return nil
}
