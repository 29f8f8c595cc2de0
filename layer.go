// layer.go: Prioritized configuration layers and deep merge
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"sort"
)

// Layer ranks, low to high priority.
const (
	RankBase        = 0
	RankEnvironment = 10
	RankOverride    = 20
)

// Layer names.
const (
	LayerBase              = "base"
	LayerOverride          = "override"
	environmentLayerPrefix = "environment:"
)

// EnvironmentLayerName returns the layer name for an environment overlay.
func EnvironmentLayerName(env string) string {
	return environmentLayerPrefix + env
}

// Layer is a named configuration tree with a priority rank. Higher rank wins
// on conflict at the same path.
type Layer struct {
	Name   string
	Rank   int
	Source string // Backing file, empty for in-memory layers
	Tree   Value
}

// DeepMerge merges hi over lo. Mappings merge key by key, recursively; any
// other value from hi replaces the value in lo. Keys keep their first-seen
// order. Neither input is modified.
func DeepMerge(lo, hi Value) Value {
	if lo.Kind() != KindMapping || hi.Kind() != KindMapping {
		return hi
	}
	keys := make([]string, 0, len(lo.keys)+len(hi.keys))
	fields := make(map[string]Value, len(lo.keys)+len(hi.keys))
	for _, k := range lo.keys {
		keys = append(keys, k)
		fields[k] = lo.fields[k]
	}
	for _, k := range hi.keys {
		if existing, ok := fields[k]; ok {
			fields[k] = DeepMerge(existing, hi.fields[k])
			continue
		}
		keys = append(keys, k)
		fields[k] = hi.fields[k]
	}
	return newMapping(keys, fields)
}

// sortLayers orders layers by rank, keeping declaration order for equal ranks.
func sortLayers(layers []Layer) []Layer {
	out := append([]Layer(nil), layers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// mergeLayers folds layers from lowest to highest rank and records, for every
// path present in the result, the highest-ranked layer that supplied it.
func mergeLayers(layers []Layer) (Value, map[string]string) {
	ordered := sortLayers(layers)
	tree := Mapping()
	origins := make(map[string]string)
	for _, l := range ordered {
		if l.Tree.Kind() != KindMapping {
			continue
		}
		tree = DeepMerge(tree, l.Tree)
		recordOrigins(l.Tree, nil, l.Name, origins)
	}
	return tree, origins
}

func recordOrigins(v Value, path []string, layer string, origins map[string]string) {
	if len(path) > 0 {
		origins[joinPath(path)] = layer
	}
	if v.Kind() != KindMapping {
		return
	}
	for _, k := range v.keys {
		recordOrigins(v.fields[k], append(path, k), layer, origins)
	}
}

// overrideTree builds a tree from dotted-path assignments applied in order.
func overrideTree(entries []overrideEntry) Value {
	tree := Mapping()
	for _, e := range entries {
		tree = DeepMerge(tree, nestValue(e.key.segments, e.value))
	}
	return tree
}

// nestValue wraps v in one single-key mapping per segment.
func nestValue(segments []string, v Value) Value {
	out := v
	for i := len(segments) - 1; i >= 0; i-- {
		out = newMapping([]string{segments[i]}, map[string]Value{segments[i]: out})
	}
	return out
}

// leafPaths lists every non-mapping path in v in order.
func leafPaths(v Value) []string {
	var out []string
	var walk func(Value, []string)
	walk = func(cur Value, path []string) {
		if cur.Kind() != KindMapping || (len(cur.keys) == 0 && len(path) > 0) {
			out = append(out, joinPath(path))
			return
		}
		for _, k := range cur.keys {
			walk(cur.fields[k], append(path, k))
		}
	}
	walk(v, nil)
	return out
}
