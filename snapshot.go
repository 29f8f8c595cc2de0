// snapshot.go: Immutable, versioned configuration snapshots
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Snapshot is a fully merged and validated configuration tree. It is never
// modified after it has been published, so readers may hold on to one for as
// long as they like.
type Snapshot struct {
	version     uint64
	checksum    string
	environment string
	tree        Value
	origins     map[string]string
	layers      []Layer
	failures    []SubstitutionFailure
	report      ValidationReport
	schema      *Schema
	builtAt     time.Time
}

// LayerInfo describes one layer of a snapshot.
type LayerInfo struct {
	Name   string `json:"name"`
	Rank   int    `json:"rank"`
	Source string `json:"source,omitempty"`
	Leaves int    `json:"leaves"`
}

// buildSnapshot merges layers into a candidate. The version is assigned on publish.
func buildSnapshot(environment string, layers []Layer, failures []SubstitutionFailure, schema *Schema, builtAt time.Time) *Snapshot {
	tree, origins := mergeLayers(layers)
	sum := sha256.Sum256(tree.canonicalBytes())
	return &Snapshot{
		checksum:    hex.EncodeToString(sum[:]),
		environment: environment,
		tree:        tree,
		origins:     origins,
		layers:      sortLayers(layers),
		failures:    append([]SubstitutionFailure(nil), failures...),
		schema:      schema,
		builtAt:     builtAt,
	}
}

// Version is the monotonically increasing publication number.
func (s *Snapshot) Version() uint64 { return s.version }

// Checksum is the SHA-256 of the canonical merged tree.
func (s *Snapshot) Checksum() string { return s.checksum }

// Environment is the overlay environment the snapshot was built for.
func (s *Snapshot) Environment() string { return s.environment }

// BuiltAt is when the candidate was assembled.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Tree returns the merged tree.
func (s *Snapshot) Tree() Value { return s.tree }

// Report returns the validation report the snapshot was published with.
func (s *Snapshot) Report() ValidationReport { return s.report }

// Schema returns the rules the snapshot was validated against, possibly nil.
func (s *Snapshot) Schema() *Schema { return s.schema }

// SubstitutionFailures lists unresolved placeholders across all layers.
func (s *Snapshot) SubstitutionFailures() []SubstitutionFailure {
	return append([]SubstitutionFailure(nil), s.failures...)
}

// Lookup returns the value at key and the layer that supplied it.
func (s *Snapshot) Lookup(key Key) (Value, string, bool) {
	v, ok := s.tree.Lookup(key.segments)
	if !ok {
		return Value{}, "", false
	}
	return v, s.origins[key.raw], true
}

// Layers describes the layers merged into the snapshot, lowest rank first.
func (s *Snapshot) Layers() []LayerInfo {
	out := make([]LayerInfo, len(s.layers))
	for i, l := range s.layers {
		out[i] = LayerInfo{Name: l.Name, Rank: l.Rank, Source: l.Source, Leaves: len(leafPaths(l.Tree))}
	}
	return out
}

// fileLayers returns the layers that did not come from in-memory overrides.
func (s *Snapshot) fileLayers() []Layer {
	out := make([]Layer, 0, len(s.layers))
	for _, l := range s.layers {
		if l.Name != LayerOverride {
			out = append(out, l)
		}
	}
	return out
}

// withVersion returns a copy of a candidate carrying the publication number
// and validation report. Only unpublished candidates are copied.
func (s *Snapshot) withVersion(version uint64, report ValidationReport) *Snapshot {
	cp := *s
	cp.version = version
	cp.report = report
	return &cp
}
