// flags.go: Command-line flags as override layer entries
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"fmt"
	"strings"
	"time"

	flashflags "github.com/agilira/flash-flags"
	"github.com/agilira/go-errors"
)

// OverridesFromFlags turns every flag set on the command line into an
// override entry. Dashes in flag names become key separators, so --cache-ttl
// overrides cache.ttl. Flags left at their default are ignored.
func OverridesFromFlags(fs *flashflags.FlagSet) (map[string]Value, error) {
	out := make(map[string]Value)
	var firstErr error
	fs.VisitAll(func(flag *flashflags.Flag) {
		if firstErr != nil || !flag.Changed() {
			return
		}
		key := flagNameToKey(flag.Name())
		if _, err := ParseKey(key); err != nil {
			firstErr = err
			return
		}
		v, err := flagValue(flag.Value())
		if err != nil {
			firstErr = errors.Wrap(err, ErrCodeInvalidValue, "unsupported flag value").
				WithContext("flag", flag.Name())
			return
		}
		out[key] = v
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// ParseAssignments parses "key=value" pairs as given to --set. Values are
// type-inferred like whole-value placeholders.
func ParseAssignments(pairs []string) (map[string]Value, error) {
	out := make(map[string]Value, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, errors.New(ErrCodeInvalidValue, fmt.Sprintf("expected key=value, got %q", pair))
		}
		key, err := ParseKey(strings.TrimSpace(k))
		if err != nil {
			return nil, err
		}
		out[key.String()] = inferScalar(strings.TrimSpace(v))
	}
	return out, nil
}

func flagNameToKey(name string) string {
	return strings.ReplaceAll(name, "-", ".")
}

func flagValue(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case string:
		return inferScalar(v), nil
	case time.Duration:
		return Text(v.String()), nil
	case []string:
		items := make([]Value, len(v))
		for i, s := range v {
			items[i] = inferScalar(s)
		}
		return Sequence(items...), nil
	default:
		return FromNative(raw)
	}
}
