// key.go: Dotted configuration key paths
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"strings"

	"github.com/agilira/go-errors"
)

// Key is a parsed dot-delimited configuration path such as
// "risk_weights.market_risk_weight". It is never empty and no segment is empty.
type Key struct {
	raw      string
	segments []string
}

// ParseKey validates and splits a dotted path.
func ParseKey(path string) (Key, error) {
	if path == "" {
		return Key{}, errors.New(ErrCodeInvalidKey, "configuration key cannot be empty")
	}
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		if seg == "" {
			return Key{}, errors.New(ErrCodeInvalidKey, "configuration key has an empty segment").
				WithContext("key", path).
				WithContext("segment", i)
		}
	}
	return Key{raw: path, segments: segments}, nil
}

// MustKey is ParseKey for constant keys. It panics on an invalid path.
func MustKey(path string) Key {
	k, err := ParseKey(path)
	if err != nil {
		panic(err)
	}
	return k
}

// String returns the dotted form.
func (k Key) String() string { return k.raw }

// Segments returns a copy of the path segments.
func (k Key) Segments() []string {
	return append([]string(nil), k.segments...)
}

// Child appends one segment.
func (k Key) Child(segment string) Key {
	segs := make([]string, len(k.segments)+1)
	copy(segs, k.segments)
	segs[len(k.segments)] = segment
	return Key{raw: joinPath(segs), segments: segs}
}

func joinPath(segments []string) string {
	return strings.Join(segments, ".")
}

// matchPattern reports whether a concrete path matches a pattern whose
// segments may be "*" (exactly one segment).
func matchPattern(pattern, path []string) bool {
	if len(pattern) != len(path) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != path[i] {
			return false
		}
	}
	return true
}
