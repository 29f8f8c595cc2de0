// resolve_test.go: Tests for the resolution chain
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func testSnapshot(layers ...Layer) *Snapshot {
	return buildSnapshot("test", layers, nil, nil, time.Now()).withVersion(1, ValidationReport{})
}

func healthcareSmall() SuggestionContext {
	return SuggestionContext{Industry: "healthcare", BusinessSize: "small"}
}

func tableResolver(t *testing.T) *Resolver {
	t.Helper()
	p, err := NewTableProvider("table",
		SuggestionEntry{
			Key:   "thresholds.high_risk_score",
			Match: SuggestionMatch{Industry: "healthcare", BusinessSize: "small"},
			Value: Number(0.7),
			Score: 0.8,
		},
		SuggestionEntry{Key: "cache.ttl", Value: Number(60), Score: 0.9},
	)
	if err != nil {
		t.Fatalf("NewTableProvider failed: %v", err)
	}
	return NewResolver(p)
}

func TestResolveExplicitWins(t *testing.T) {
	snap := testSnapshot(
		Layer{Name: LayerBase, Rank: RankBase, Tree: Mapping(Field{"cache", Mapping(Field{"ttl", Number(7200)})})},
	)
	r := tableResolver(t)
	rv, err := r.Resolve(snap, "cache.ttl", WithSuggestionContext(healthcareSmall()), WithDefault(Number(0)))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !rv.Value.Equal(Number(7200)) {
		t.Errorf("Expected explicit 7200, got %s", rv.Value)
	}
	if rv.Provenance.String() != "ExplicitLayer(base)" {
		t.Errorf("Expected ExplicitLayer(base), got %s", rv.Provenance)
	}
	if rv.Version != 1 || rv.Key != "cache.ttl" {
		t.Errorf("Unexpected resolved metadata: %+v", rv)
	}
}

func TestResolveHigherLayerProvenance(t *testing.T) {
	snap := testSnapshot(
		Layer{Name: LayerBase, Rank: RankBase, Tree: Mapping(Field{"a", Number(1)})},
		Layer{Name: EnvironmentLayerName("production"), Rank: RankEnvironment, Tree: Mapping(Field{"a", Number(2)})},
	)
	rv, err := NewResolver(nil).Resolve(snap, "a")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !rv.Value.Equal(Number(2)) || rv.Provenance.String() != "ExplicitLayer(environment:production)" {
		t.Errorf("Expected 2 from environment:production, got %s %s", rv.Value, rv.Provenance)
	}
}

func TestResolveSuggestion(t *testing.T) {
	snap := testSnapshot(Layer{Name: LayerBase, Tree: Mapping()})
	rv, err := tableResolver(t).Resolve(snap, "thresholds.high_risk_score", WithSuggestionContext(healthcareSmall()))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !rv.Value.Equal(Number(0.7)) {
		t.Errorf("Expected suggested 0.7, got %s", rv.Value)
	}
	if rv.Provenance.String() != "Suggested(0.8)" || rv.Provenance.Source != "table" {
		t.Errorf("Expected Suggested(0.8) from table, got %s (%s)", rv.Provenance, rv.Provenance.Source)
	}
}

func TestResolveMissingConfiguration(t *testing.T) {
	snap := testSnapshot(Layer{Name: LayerBase, Tree: Mapping()})
	var missed []string
	r := tableResolver(t)
	r.hooks.onMissing = func(key string) { missed = append(missed, key) }

	_, err := r.Resolve(snap, "thresholds.high_risk_score")
	if !IsMissingConfiguration(err) {
		t.Fatalf("Expected MissingConfiguration without a context, got %v", err)
	}
	if got := err.Error(); !strings.Contains(got, `MissingConfiguration("thresholds.high_risk_score")`) {
		t.Errorf("Unexpected error text: %s", got)
	}
	if len(missed) != 1 || missed[0] != "thresholds.high_risk_score" {
		t.Errorf("Expected onMissing hook to fire once, got %v", missed)
	}

	_, err = r.Resolve(snap, "thresholds.high_risk_score", WithSuggestionContext(SuggestionContext{Industry: "retail"}))
	if !IsMissingConfiguration(err) {
		t.Errorf("Expected MissingConfiguration when nothing matches, got %v", err)
	}
}

func TestResolveDefault(t *testing.T) {
	snap := testSnapshot(Layer{Name: LayerBase, Tree: Mapping()})
	rv, err := NewResolver(nil).Resolve(snap, "feature.enabled", WithDefault(Bool(false)))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !rv.Value.Equal(Bool(false)) || rv.Provenance.String() != "Default" {
		t.Errorf("Expected Default false, got %s %s", rv.Value, rv.Provenance)
	}
}

func TestResolveNonNeutralDefault(t *testing.T) {
	snap := testSnapshot(Layer{Name: LayerBase, Tree: Mapping(Field{"a", Number(1)})})
	_, err := NewResolver(nil).Resolve(snap, "a", WithDefault(Number(0.75)))
	if !HasCode(err, ErrCodeNonNeutralDefault) {
		t.Errorf("Expected %s even when the key exists, got %v", ErrCodeNonNeutralDefault, err)
	}
}

func TestResolveMinConfidence(t *testing.T) {
	snap := testSnapshot(Layer{Name: LayerBase, Tree: Mapping()})
	r := tableResolver(t)
	rv, err := r.Resolve(snap, "thresholds.high_risk_score",
		WithSuggestionContext(healthcareSmall()),
		WithMinConfidence(0.9),
		WithDefault(Number(0)))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if rv.Provenance.Kind != ProvenanceDefault {
		t.Errorf("Expected low-confidence suggestion to be skipped, got %s", rv.Provenance)
	}
}

func TestResolveAbsentFallsThrough(t *testing.T) {
	snap := testSnapshot(Layer{Name: LayerBase, Tree: Mapping(Field{"cache", Mapping(Field{"ttl", absentFor("CACHE_TTL")})})})
	rv, err := tableResolver(t).Resolve(snap, "cache.ttl", WithSuggestionContext(SuggestionContext{}))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if rv.Provenance.Kind != ProvenanceSuggested || !rv.Value.Equal(Number(60)) {
		t.Errorf("Expected Absent to fall through to a suggestion, got %s %s", rv.Value, rv.Provenance)
	}
}

func TestResolveProviderErrorFallsThrough(t *testing.T) {
	snap := testSnapshot(Layer{Name: LayerBase, Tree: Mapping()})
	var reported error
	r := NewResolver(ProviderFunc(func(ctx context.Context, req SuggestionRequest) (Suggestion, bool, error) {
		return Suggestion{}, false, errors.New("provider down")
	}))
	r.hooks.onProviderError = func(key string, err error) { reported = err }

	rv, err := r.Resolve(snap, "a", WithSuggestionContext(SuggestionContext{}), WithDefault(Text("")))
	if err != nil {
		t.Fatalf("Expected provider error to fall through to the default, got %v", err)
	}
	if rv.Provenance.Kind != ProvenanceDefault || reported == nil {
		t.Errorf("Expected default with a reported provider error, got %s (reported=%v)", rv.Provenance, reported)
	}
}

func TestResolveInvalidKey(t *testing.T) {
	snap := testSnapshot(Layer{Name: LayerBase, Tree: Mapping()})
	if _, err := NewResolver(nil).Resolve(snap, "a..b"); !HasCode(err, ErrCodeInvalidKey) {
		t.Errorf("Expected %s, got %v", ErrCodeInvalidKey, err)
	}
}

func TestResolveSection(t *testing.T) {
	snap := testSnapshot(Layer{Name: LayerBase, Tree: Mapping(
		Field{"risk_weights", Mapping(Field{"market", Number(0.5)})},
		Field{"name", Text("svc")},
	)})
	r := NewResolver(nil)
	sec, err := r.ResolveSection(snap, "risk_weights")
	if err != nil || sec.Len() != 1 {
		t.Fatalf("Expected section with one entry, got %s err=%v", sec, err)
	}
	if _, err := r.ResolveSection(snap, "name"); !HasCode(err, ErrCodeNotASection) {
		t.Errorf("Expected %s, got %v", ErrCodeNotASection, err)
	}
	if _, err := r.ResolveSection(snap, "thresholds"); !IsMissingConfiguration(err) {
		t.Errorf("Expected MissingConfiguration, got %v", err)
	}
}

func TestResolveHooksCountProvenance(t *testing.T) {
	snap := testSnapshot(Layer{Name: LayerBase, Rank: RankBase, Tree: Mapping(Field{"a", Number(1)})})
	counts := map[ProvenanceKind]int{}
	r := NewResolver(nil)
	r.hooks.onResolved = func(kind ProvenanceKind) { counts[kind]++ }
	_, _ = r.Resolve(snap, "a")
	_, _ = r.Resolve(snap, "b", WithDefault(Number(0)))
	if counts[ProvenanceExplicit] != 1 || counts[ProvenanceDefault] != 1 {
		t.Errorf("Unexpected provenance counts: %v", counts)
	}
}
