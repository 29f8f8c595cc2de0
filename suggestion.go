// suggestion.go: Context-aware suggestion providers
//
// A SuggestionProvider offers a candidate value for a key that no layer
// configures. Providers must be pure with respect to their request: the same
// key, context and snapshot version always produce the same answer.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"

	"github.com/agilira/go-errors"
)

// SuggestionContext describes the caller asking for a value. It is built per
// call and never stored beyond the suggestion cache key.
type SuggestionContext struct {
	Service       string            `json:"service,omitempty"`
	AnalysisType  string            `json:"analysis_type,omitempty"`
	Industry      string            `json:"industry,omitempty"`
	BusinessSize  string            `json:"business_size,omitempty"`
	RiskTolerance string            `json:"risk_tolerance,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Hash returns a stable 64-bit hash of the context. Tag order does not matter.
func (c SuggestionContext) Hash() uint64 {
	h := fnv.New64a()
	for _, part := range []string{c.Service, c.AnalysisType, c.Industry, c.BusinessSize, c.RiskTolerance} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	keys := make([]string, 0, len(c.Tags))
	for k := range c.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'='})
		_, _ = h.Write([]byte(c.Tags[k]))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// Suggestion is a candidate value with a confidence score in [0,1].
type Suggestion struct {
	Value  Value
	Score  float64
	Source string
}

// SuggestionRequest is what a provider is asked to answer.
type SuggestionRequest struct {
	Key     Key
	Context SuggestionContext
	Version uint64
}

// SuggestionProvider produces suggestions. ok is false when the provider has
// nothing to offer; err is reserved for provider failures.
type SuggestionProvider interface {
	Suggest(ctx context.Context, req SuggestionRequest) (s Suggestion, ok bool, err error)
}

// ProviderFunc adapts a function to SuggestionProvider.
type ProviderFunc func(ctx context.Context, req SuggestionRequest) (Suggestion, bool, error)

// Suggest calls f.
func (f ProviderFunc) Suggest(ctx context.Context, req SuggestionRequest) (Suggestion, bool, error) {
	return f(ctx, req)
}

// SuggestionMatch lists the context criteria an entry applies to. Empty
// criteria match anything.
type SuggestionMatch struct {
	Service       string            `json:"service,omitempty"`
	AnalysisType  string            `json:"analysis_type,omitempty"`
	Industry      string            `json:"industry,omitempty"`
	BusinessSize  string            `json:"business_size,omitempty"`
	RiskTolerance string            `json:"risk_tolerance,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// specificity returns how many criteria matched, or -1 if any criterion failed.
func (m SuggestionMatch) specificity(c SuggestionContext) int {
	n := 0
	pairs := [][2]string{
		{m.Service, c.Service},
		{m.AnalysisType, c.AnalysisType},
		{m.Industry, c.Industry},
		{m.BusinessSize, c.BusinessSize},
		{m.RiskTolerance, c.RiskTolerance},
	}
	for _, p := range pairs {
		if p[0] == "" {
			continue
		}
		if !strings.EqualFold(p[0], p[1]) {
			return -1
		}
		n++
	}
	for k, want := range m.Tags {
		got, ok := c.Tags[k]
		if !ok || !strings.EqualFold(want, got) {
			return -1
		}
		n++
	}
	return n
}

// SuggestionEntry is one row of a suggestion table. Key segments may be "*".
type SuggestionEntry struct {
	Key   string          `json:"key"`
	Match SuggestionMatch `json:"match"`
	Value Value           `json:"-"`
	Score float64         `json:"score"`

	pattern []string
}

// TableProvider answers from static per-industry, per-size tables. The entry
// matching the most criteria wins; ties go to the higher score and then to
// the earlier entry.
type TableProvider struct {
	name    string
	entries []SuggestionEntry
}

// NewTableProvider validates entries and builds a provider.
func NewTableProvider(name string, entries ...SuggestionEntry) (*TableProvider, error) {
	p := &TableProvider{name: name, entries: make([]SuggestionEntry, 0, len(entries))}
	for i, e := range entries {
		key, err := ParseKey(e.Key)
		if err != nil {
			return nil, errors.Wrap(err, ErrCodeInvalidConfig, "invalid suggestion key").
				WithContext("entry", i)
		}
		if e.Score < 0 || e.Score > 1 {
			return nil, errors.New(ErrCodeInvalidConfig,
				fmt.Sprintf("suggestion score %v outside [0,1]", e.Score)).
				WithContext("entry", i).
				WithContext("key", e.Key)
		}
		if e.Value.IsAbsent() {
			return nil, errors.New(ErrCodeInvalidConfig, "suggestion entry has no value").
				WithContext("entry", i).
				WithContext("key", e.Key)
		}
		e.pattern = key.segments
		p.entries = append(p.entries, e)
	}
	return p, nil
}

// LoadTableProviderFile reads a suggestions document:
//
//	suggestions:
//	  - key: thresholds.high_risk_score
//	    match: {industry: healthcare, business_size: small}
//	    value: 0.7
//	    score: 0.8
func LoadTableProviderFile(path string) (*TableProvider, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- suggestions path is operator supplied
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeReloadIOFailure, "failed to read suggestions file").
			WithContext("path", path)
	}
	doc, err := ParseDocument(data, DetectFormat(path))
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidConfig, "failed to parse suggestions file").
			WithContext("path", path)
	}
	return TableProviderFromValue(path, doc)
}

// TableProviderFromValue decodes a parsed suggestions document.
func TableProviderFromValue(name string, doc Value) (*TableProvider, error) {
	list, ok := doc.Field("suggestions")
	if !ok || list.Kind() != KindSequence {
		return nil, errors.New(ErrCodeInvalidConfig, "suggestions document needs a 'suggestions' list")
	}
	entries := make([]SuggestionEntry, 0, list.Len())
	for i, item := range list.Items() {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, errors.Wrap(err, ErrCodeInvalidConfig, "failed to encode suggestion entry")
		}
		var e SuggestionEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, errors.Wrap(err, ErrCodeInvalidConfig, "suggestion entry has an invalid shape").
				WithContext("entry", i)
		}
		e.Value, _ = item.Field("value")
		entries = append(entries, e)
	}
	return NewTableProvider(name, entries...)
}

// Len returns the number of entries.
func (p *TableProvider) Len() int { return len(p.entries) }

// Suggest picks the best matching entry for the request.
func (p *TableProvider) Suggest(_ context.Context, req SuggestionRequest) (Suggestion, bool, error) {
	best := -1
	bestSpec := -1
	for i, e := range p.entries {
		if !matchPattern(e.pattern, req.Key.segments) {
			continue
		}
		spec := e.Match.specificity(req.Context)
		if spec < 0 {
			continue
		}
		if spec > bestSpec || (spec == bestSpec && e.Score > p.entries[best].Score) {
			best, bestSpec = i, spec
		}
	}
	if best < 0 {
		return Suggestion{}, false, nil
	}
	e := p.entries[best]
	return Suggestion{Value: e.Value, Score: e.Score, Source: p.name}, true, nil
}
