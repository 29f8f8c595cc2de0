// substitute.go: Environment variable substitution for layer trees
//
// Scalar strings may reference ${NAME} or ${NAME:default}. Substitution runs
// once when a layer is loaded, never on read.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// placeholderPattern matches ${NAME} and ${NAME:default}.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// EnvLookup resolves an environment variable. os.LookupEnv is the default.
type EnvLookup func(name string) (string, bool)

// SubstitutionFailure records a placeholder whose variable was unset and had
// no default. The value at Path became Absent.
type SubstitutionFailure struct {
	Layer string `json:"layer"`
	Path  string `json:"path"`
	Var   string `json:"var"`
}

// substituter carries the lookup and collects failures for one layer load.
type substituter struct {
	layer    string
	lookup   EnvLookup
	failures []SubstitutionFailure
}

func newSubstituter(layer string, lookup EnvLookup) *substituter {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &substituter{layer: layer, lookup: lookup}
}

// Substitute replaces placeholders throughout tree and reports every
// variable that could not be resolved.
func Substitute(layer string, tree Value, lookup EnvLookup) (Value, []SubstitutionFailure) {
	s := newSubstituter(layer, lookup)
	out := s.walk(tree, nil)
	return out, s.failures
}

func (s *substituter) walk(v Value, path []string) Value {
	switch v.Kind() {
	case KindText:
		return s.expand(v.text, path)
	case KindMapping:
		fields := make(map[string]Value, len(v.keys))
		for _, k := range v.keys {
			fields[k] = s.walk(v.fields[k], append(path, k))
		}
		keys := append([]string(nil), v.keys...)
		return newMapping(keys, fields)
	case KindSequence:
		items := make([]Value, len(v.items))
		for i, item := range v.items {
			items[i] = s.walk(item, append(path, strconv.Itoa(i)))
		}
		return Value{kind: KindSequence, items: items}
	default:
		return v
	}
}

// expand resolves the placeholders in one string. A string that is exactly
// one placeholder takes the type of its replacement; embedded placeholders
// are interpolated as text.
func (s *substituter) expand(text string, path []string) Value {
	if !strings.Contains(text, "${") {
		return Text(text)
	}

	if m := placeholderPattern.FindStringSubmatchIndex(text); m != nil && m[0] == 0 && m[1] == len(text) {
		name := text[m[2]:m[3]]
		hasDefault := m[4] >= 0
		val, ok := s.lookup(name)
		if !ok {
			if !hasDefault {
				s.fail(path, name)
				return absentFor(name)
			}
			val = text[m[4]:m[5]]
		}
		return inferScalar(val)
	}

	missing := ""
	out := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		if val, ok := s.lookup(sub[1]); ok {
			return val
		}
		if strings.Contains(match, ":") {
			return sub[2]
		}
		if missing == "" {
			missing = sub[1]
		}
		return ""
	})
	if missing != "" {
		s.fail(path, missing)
		return absentFor(missing)
	}
	return Text(out)
}

func (s *substituter) fail(path []string, name string) {
	s.failures = append(s.failures, SubstitutionFailure{
		Layer: s.layer,
		Path:  joinPath(path),
		Var:   name,
	})
}

// inferScalar types a substituted string: finite numbers, then booleans,
// otherwise text.
func inferScalar(s string) Value {
	trimmed := strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return Number(f)
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	return Text(s)
}
