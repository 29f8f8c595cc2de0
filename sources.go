// sources.go: Layer sources and the layered source set
//
// A source produces one raw layer tree. The SourceSet loads every source in
// parallel, runs environment substitution once per layer and hands back the
// layers ordered by rank.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"context"
	"os"
	"path/filepath"

	"github.com/agilira/go-errors"
	"golang.org/x/sync/errgroup"
)

// LayerSource produces the raw tree of one layer.
type LayerSource interface {
	Name() string
	Rank() int
	Load(ctx context.Context) (Value, error)
	// WatchPaths lists the files whose changes affect this source.
	WatchPaths() []string
}

// FileSource loads a layer from a structured document on disk. When several
// candidate paths are given, the first existing one is used.
type FileSource struct {
	name       string
	rank       int
	candidates []string
	optional   bool
}

// NewFileSource creates a source for a single file. A missing optional file
// yields an empty layer; a missing required file is an IO failure.
func NewFileSource(name string, rank int, path string, optional bool) *FileSource {
	return &FileSource{name: name, rank: rank, candidates: []string{path}, optional: optional}
}

// newStemSource resolves dir/stem with the first existing layer extension.
func newStemSource(name string, rank int, dir, stem string, optional bool) *FileSource {
	candidates := make([]string, len(layerExtensions))
	for i, ext := range layerExtensions {
		candidates[i] = filepath.Join(dir, stem+ext)
	}
	return &FileSource{name: name, rank: rank, candidates: candidates, optional: optional}
}

func (f *FileSource) Name() string { return f.name }

func (f *FileSource) Rank() int { return f.rank }

func (f *FileSource) WatchPaths() []string {
	return append([]string(nil), f.candidates...)
}

// Path returns the file currently backing the source, or "" if none exists.
func (f *FileSource) Path() string {
	for _, c := range f.candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

// Load reads and parses the backing file.
func (f *FileSource) Load(ctx context.Context) (Value, error) {
	if err := ctx.Err(); err != nil {
		return Value{}, err
	}
	path := f.Path()
	if path == "" {
		if f.optional {
			return Mapping(), nil
		}
		return Value{}, errors.New(ErrCodeReloadIOFailure, "layer file not found").
			WithContext("layer", f.name).
			WithContext("candidates", f.candidates)
	}

	data, err := os.ReadFile(path) // #nosec G304 -- layer paths come from the operator's configuration directory
	if err != nil {
		return Value{}, errors.Wrap(err, ErrCodeReloadIOFailure, "failed to read layer file").
			WithContext("layer", f.name).
			WithContext("path", path)
	}
	tree, err := ParseDocument(data, DetectFormat(path))
	if err != nil {
		return Value{}, errors.Wrap(err, ErrCodeReloadIOFailure, "failed to parse layer file").
			WithContext("layer", f.name).
			WithContext("path", path)
	}
	return tree, nil
}

// MapSource is an in-memory layer.
type MapSource struct {
	name string
	rank int
	tree Value
}

// NewMapSource wraps a mapping as a layer source.
func NewMapSource(name string, rank int, tree Value) *MapSource {
	if tree.Kind() != KindMapping {
		tree = Mapping()
	}
	return &MapSource{name: name, rank: rank, tree: tree}
}

func (m *MapSource) Name() string { return m.name }

func (m *MapSource) Rank() int { return m.rank }

func (m *MapSource) WatchPaths() []string { return nil }

func (m *MapSource) Load(ctx context.Context) (Value, error) {
	return m.tree, ctx.Err()
}

// SourceSet is the ordered collection of layer sources for one environment.
type SourceSet struct {
	sources []LayerSource
	lookup  EnvLookup
}

// NewSourceSet builds a source set from explicit sources.
func NewSourceSet(lookup EnvLookup, sources ...LayerSource) *SourceSet {
	return &SourceSet{sources: sources, lookup: lookup}
}

// DirectorySources returns the standard base and environment sources for a
// configuration directory. An empty environment yields only the base layer.
func DirectorySources(dir, baseName, environment string) []LayerSource {
	sources := []LayerSource{newStemSource(LayerBase, RankBase, dir, baseName, false)}
	if environment != "" {
		sources = append(sources,
			newStemSource(EnvironmentLayerName(environment), RankEnvironment, dir, environment, true))
	}
	return sources
}

// Sources returns the configured sources.
func (s *SourceSet) Sources() []LayerSource {
	return append([]LayerSource(nil), s.sources...)
}

// WatchPaths lists every file backing the set.
func (s *SourceSet) WatchPaths() []string {
	var paths []string
	for _, src := range s.sources {
		paths = append(paths, src.WatchPaths()...)
	}
	return paths
}

// Load reads all sources concurrently and substitutes environment variables.
// The first failing source aborts the load.
func (s *SourceSet) Load(ctx context.Context) ([]Layer, []SubstitutionFailure, error) {
	trees := make([]Value, len(s.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range s.sources {
		g.Go(func() error {
			tree, err := src.Load(gctx)
			if err != nil {
				return err
			}
			trees[i] = tree
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if HasCode(err, ErrCodeReloadIOFailure) {
			return nil, nil, err
		}
		return nil, nil, errors.Wrap(err, ErrCodeReloadIOFailure, "failed to load configuration layers")
	}

	layers := make([]Layer, len(s.sources))
	var failures []SubstitutionFailure
	for i, src := range s.sources {
		tree, failed := Substitute(src.Name(), trees[i], s.lookup)
		failures = append(failures, failed...)
		layers[i] = Layer{Name: src.Name(), Rank: src.Rank(), Tree: tree}
		if fs, ok := src.(*FileSource); ok {
			layers[i].Source = fs.Path()
		}
	}
	return sortLayers(layers), failures, nil
}
