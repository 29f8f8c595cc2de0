// suggestion_test.go: Tests for the table suggestion provider
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func suggest(t *testing.T, p SuggestionProvider, key string, sc SuggestionContext) (Suggestion, bool) {
	t.Helper()
	s, found, err := p.Suggest(context.Background(), SuggestionRequest{Key: MustKey(key), Context: sc, Version: 1})
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	return s, found
}

func TestTableProviderSpecificity(t *testing.T) {
	p, err := NewTableProvider("table",
		SuggestionEntry{Key: "thresholds.high_risk_score", Value: Number(0.75), Score: 0.5},
		SuggestionEntry{Key: "thresholds.high_risk_score", Match: SuggestionMatch{Industry: "healthcare"}, Value: Number(0.72), Score: 0.6},
		SuggestionEntry{Key: "thresholds.high_risk_score", Match: SuggestionMatch{Industry: "healthcare", BusinessSize: "small"}, Value: Number(0.7), Score: 0.8},
	)
	if err != nil {
		t.Fatalf("NewTableProvider failed: %v", err)
	}

	s, found := suggest(t, p, "thresholds.high_risk_score", SuggestionContext{Industry: "Healthcare", BusinessSize: "small"})
	if !found || !s.Value.Equal(Number(0.7)) || s.Score != 0.8 {
		t.Errorf("Expected most specific entry 0.7 (0.8), got %s (%v, found=%v)", s.Value, s.Score, found)
	}
	if s.Source != "table" {
		t.Errorf("Expected source table, got %s", s.Source)
	}

	s, _ = suggest(t, p, "thresholds.high_risk_score", SuggestionContext{Industry: "healthcare", BusinessSize: "large"})
	if !s.Value.Equal(Number(0.72)) {
		t.Errorf("Expected industry-only entry, got %s", s.Value)
	}

	s, _ = suggest(t, p, "thresholds.high_risk_score", SuggestionContext{Industry: "retail"})
	if !s.Value.Equal(Number(0.75)) {
		t.Errorf("Expected catch-all entry, got %s", s.Value)
	}

	if _, found := suggest(t, p, "thresholds.low_risk_score", SuggestionContext{}); found {
		t.Error("Expected no suggestion for an unknown key")
	}
}

func TestTableProviderScoreTieBreak(t *testing.T) {
	p, err := NewTableProvider("table",
		SuggestionEntry{Key: "limits.*", Match: SuggestionMatch{Service: "scoring"}, Value: Number(1), Score: 0.4},
		SuggestionEntry{Key: "limits.daily", Match: SuggestionMatch{Service: "scoring"}, Value: Number(2), Score: 0.9},
		SuggestionEntry{Key: "limits.daily", Match: SuggestionMatch{Service: "scoring"}, Value: Number(3), Score: 0.9},
	)
	if err != nil {
		t.Fatalf("NewTableProvider failed: %v", err)
	}
	s, _ := suggest(t, p, "limits.daily", SuggestionContext{Service: "scoring"})
	if !s.Value.Equal(Number(2)) {
		t.Errorf("Expected higher score then earlier entry to win, got %s", s.Value)
	}
	s, _ = suggest(t, p, "limits.weekly", SuggestionContext{Service: "scoring"})
	if !s.Value.Equal(Number(1)) {
		t.Errorf("Expected wildcard entry, got %s", s.Value)
	}
}

func TestTableProviderTags(t *testing.T) {
	p, err := NewTableProvider("table",
		SuggestionEntry{Key: "a", Match: SuggestionMatch{Tags: map[string]string{"region": "eu"}}, Value: Text("eu"), Score: 0.5},
	)
	if err != nil {
		t.Fatalf("NewTableProvider failed: %v", err)
	}
	if _, found := suggest(t, p, "a", SuggestionContext{Tags: map[string]string{"region": "us"}}); found {
		t.Error("Expected tag mismatch to exclude the entry")
	}
	if s, found := suggest(t, p, "a", SuggestionContext{Tags: map[string]string{"region": "EU", "tier": "1"}}); !found || !s.Value.Equal(Text("eu")) {
		t.Errorf("Expected tag match, got %s (found=%v)", s.Value, found)
	}
}

func TestNewTableProviderValidation(t *testing.T) {
	bad := []SuggestionEntry{
		{Key: "", Value: Number(1), Score: 0.5},
		{Key: "a", Value: Number(1), Score: 1.5},
		{Key: "a", Score: 0.5},
	}
	for i, e := range bad {
		if _, err := NewTableProvider("table", e); !HasCode(err, ErrCodeInvalidConfig) {
			t.Errorf("entry %d: expected %s, got %v", i, ErrCodeInvalidConfig, err)
		}
	}
}

func TestLoadTableProviderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suggestions.yaml")
	doc := `
suggestions:
  - key: thresholds.high_risk_score
    match: {industry: healthcare, business_size: small}
    value: 0.7
    score: 0.8
  - key: reporting.currency
    value: EUR
    score: 0.3
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatalf("Failed to write suggestions: %v", err)
	}
	p, err := LoadTableProviderFile(path)
	if err != nil {
		t.Fatalf("LoadTableProviderFile failed: %v", err)
	}
	if p.Len() != 2 {
		t.Fatalf("Expected 2 entries, got %d", p.Len())
	}
	s, found := suggest(t, p, "thresholds.high_risk_score", SuggestionContext{Industry: "healthcare", BusinessSize: "small"})
	if !found || !s.Value.Equal(Number(0.7)) {
		t.Errorf("Expected 0.7, got %s", s.Value)
	}
	s, _ = suggest(t, p, "reporting.currency", SuggestionContext{})
	if !s.Value.Equal(Text("EUR")) {
		t.Errorf("Expected EUR, got %s", s.Value)
	}
}

func TestTableProviderFromValueNeedsList(t *testing.T) {
	if _, err := TableProviderFromValue("x", Mapping()); !HasCode(err, ErrCodeInvalidConfig) {
		t.Errorf("Expected %s, got %v", ErrCodeInvalidConfig, err)
	}
}

func TestSuggestionContextHash(t *testing.T) {
	a := SuggestionContext{Industry: "x", Tags: map[string]string{"a": "1", "b": "2"}}
	b := SuggestionContext{Industry: "x", Tags: map[string]string{"b": "2", "a": "1"}}
	if a.Hash() != b.Hash() {
		t.Error("Expected tag order not to affect the hash")
	}
	c := SuggestionContext{Service: "x"}
	if a.Hash() == c.Hash() {
		t.Error("Expected fields to be hashed positionally")
	}
}
