// resolve.go: The resolution chain
//
// For a requested key, first match wins:
//  1. an explicit layer value that is not Absent
//  2. a suggestion, when the caller supplied a context and a provider exists
//  3. the caller's neutral default
//  4. MissingConfiguration
//
// Once a layer configures a key, suggestions and defaults are never consulted.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"context"
	"fmt"

	"github.com/agilira/go-errors"
)

// ProvenanceKind tells where a resolved value came from.
type ProvenanceKind int

const (
	ProvenanceExplicit ProvenanceKind = iota
	ProvenanceSuggested
	ProvenanceDefault
)

func (p ProvenanceKind) String() string {
	switch p {
	case ProvenanceExplicit:
		return "explicit"
	case ProvenanceSuggested:
		return "suggested"
	case ProvenanceDefault:
		return "default"
	default:
		return "unknown"
	}
}

// Provenance qualifies a resolved value. Layer is set for explicit values,
// Score and Source for suggestions.
type Provenance struct {
	Kind   ProvenanceKind
	Layer  string
	Score  float64
	Source string
}

func (p Provenance) String() string {
	switch p.Kind {
	case ProvenanceExplicit:
		return fmt.Sprintf("ExplicitLayer(%s)", p.Layer)
	case ProvenanceSuggested:
		return fmt.Sprintf("Suggested(%s)", formatNumber(p.Score))
	default:
		return "Default"
	}
}

// ResolvedValue is a value together with its provenance and the snapshot
// version it was resolved against.
type ResolvedValue struct {
	Key        string
	Value      Value
	Provenance Provenance
	Version    uint64
}

type resolveOptions struct {
	sc            *SuggestionContext
	def           *Value
	minConfidence float64
}

// ResolveOption customizes one resolution.
type ResolveOption func(*resolveOptions)

// WithSuggestionContext enables the suggestion step for this call.
func WithSuggestionContext(sc SuggestionContext) ResolveOption {
	return func(o *resolveOptions) {
		c := sc
		o.sc = &c
	}
}

// WithDefault supplies a neutral fallback: 0, "", false or an empty mapping
// or sequence. Anything else fails the call with NON_NEUTRAL_DEFAULT.
func WithDefault(v Value) ResolveOption {
	return func(o *resolveOptions) {
		d := v
		o.def = &d
	}
}

// WithMinConfidence ignores suggestions scoring below min.
func WithMinConfidence(min float64) ResolveOption {
	return func(o *resolveOptions) {
		o.minConfidence = min
	}
}

// resolveHooks receive notifications from the chain without affecting it.
type resolveHooks struct {
	onResolved      func(kind ProvenanceKind)
	onMissing       func(key string)
	onProviderError func(key string, err error)
}

// Resolver walks the resolution chain against a snapshot.
type Resolver struct {
	provider SuggestionProvider
	hooks    resolveHooks
}

// NewResolver creates a resolver. provider may be nil.
func NewResolver(provider SuggestionProvider) *Resolver {
	return &Resolver{provider: provider}
}

// Resolve resolves path against snap.
func (r *Resolver) Resolve(snap *Snapshot, path string, opts ...ResolveOption) (ResolvedValue, error) {
	key, err := ParseKey(path)
	if err != nil {
		return ResolvedValue{}, err
	}
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.def != nil && !o.def.IsNeutral() {
		return ResolvedValue{}, errors.New(ErrCodeNonNeutralDefault,
			fmt.Sprintf("default for %q is not neutral: %s", path, o.def.String())).
			WithContext("key", path)
	}

	if v, layer, ok := snap.Lookup(key); ok && !v.IsAbsent() {
		return r.resolved(ResolvedValue{
			Key:        path,
			Value:      v,
			Provenance: Provenance{Kind: ProvenanceExplicit, Layer: layer},
			Version:    snap.Version(),
		}), nil
	}

	if o.sc != nil && r.provider != nil {
		s, found, err := r.provider.Suggest(context.Background(), SuggestionRequest{
			Key:     key,
			Context: *o.sc,
			Version: snap.Version(),
		})
		switch {
		case err != nil:
			if r.hooks.onProviderError != nil {
				r.hooks.onProviderError(path, err)
			}
		case found && !s.Value.IsAbsent() && s.Score >= o.minConfidence:
			return r.resolved(ResolvedValue{
				Key:        path,
				Value:      s.Value,
				Provenance: Provenance{Kind: ProvenanceSuggested, Score: s.Score, Source: s.Source},
				Version:    snap.Version(),
			}), nil
		}
	}

	if o.def != nil {
		return r.resolved(ResolvedValue{
			Key:        path,
			Value:      *o.def,
			Provenance: Provenance{Kind: ProvenanceDefault},
			Version:    snap.Version(),
		}), nil
	}

	if r.hooks.onMissing != nil {
		r.hooks.onMissing(path)
	}
	return ResolvedValue{}, missingConfiguration(path)
}

func (r *Resolver) resolved(rv ResolvedValue) ResolvedValue {
	if r.hooks.onResolved != nil {
		r.hooks.onResolved(rv.Provenance.Kind)
	}
	return rv
}

// ResolveSection returns the mapping stored under prefix.
func (r *Resolver) ResolveSection(snap *Snapshot, prefix string) (Value, error) {
	key, err := ParseKey(prefix)
	if err != nil {
		return Value{}, err
	}
	v, _, ok := snap.Lookup(key)
	if !ok || v.IsAbsent() {
		if r.hooks.onMissing != nil {
			r.hooks.onMissing(prefix)
		}
		return Value{}, missingConfiguration(prefix)
	}
	if v.Kind() != KindMapping {
		return Value{}, errors.New(ErrCodeNotASection,
			fmt.Sprintf("%q holds a %s, not a mapping", prefix, v.Kind())).
			WithContext("key", prefix)
	}
	return v, nil
}
