// parsers.go: Layer, schema and suggestion document parsers
//
// Supported formats:
// - JSON (.json) - mapping order preserved
// - YAML (.yaml, .yml) - mapping order preserved, anchors and merge keys
// - TOML (.toml) - keys sorted
//
// Custom parsers registered with RegisterParser are tried before the
// built-in ones, so a deployment can swap in a stricter implementation.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agilira/go-errors"
	"github.com/pelletier/go-toml/v2"
	"go.yaml.in/yaml/v3"
)

// ConfigFormat identifies a document format.
type ConfigFormat int

const (
	FormatJSON ConfigFormat = iota
	FormatYAML
	FormatTOML
	FormatUnknown
)

// String returns the string representation of the format for logging.
func (cf ConfigFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatYAML:
		return "YAML"
	case FormatTOML:
		return "TOML"
	default:
		return "Unknown"
	}
}

// layerExtensions is the lookup order used when a layer file is resolved by name.
var layerExtensions = []string{".json", ".yaml", ".yml", ".toml"}

// DetectFormat detects the document format from the file extension.
func DetectFormat(filePath string) ConfigFormat {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatUnknown
	}
}

// ConfigParser is a pluggable document parser. Parse must return a Mapping.
type ConfigParser interface {
	Parse(data []byte) (Value, error)
	Supports(format ConfigFormat) bool
	Name() string
}

var (
	customParsers []ConfigParser
	parserMutex   sync.RWMutex
)

// RegisterParser registers a parser that takes precedence over the built-in
// parser for the formats it supports.
func RegisterParser(parser ConfigParser) {
	parserMutex.Lock()
	defer parserMutex.Unlock()
	customParsers = append(customParsers, parser)
}

// ParseDocument parses data in the given format into a Mapping value.
// An empty document yields an empty Mapping.
func ParseDocument(data []byte, format ConfigFormat) (Value, error) {
	parserMutex.RLock()
	for _, parser := range customParsers {
		if parser.Supports(format) {
			parserMutex.RUnlock()
			return requireMapping(parser.Parse(data))
		}
	}
	parserMutex.RUnlock()

	if len(bytes.TrimSpace(data)) == 0 {
		return Mapping(), nil
	}

	switch format {
	case FormatJSON:
		return requireMapping(parseJSON(data))
	case FormatYAML:
		return requireMapping(parseYAML(data))
	case FormatTOML:
		return requireMapping(parseTOML(data))
	default:
		return Value{}, errors.New(ErrCodeUnsupportedFormat,
			fmt.Sprintf("unsupported format: %s", format))
	}
}

func requireMapping(v Value, err error) (Value, error) {
	if err != nil {
		return Value{}, err
	}
	if v.Kind() != KindMapping {
		return Value{}, errors.New(ErrCodeInvalidConfig,
			fmt.Sprintf("document root must be a mapping, got %s", v.Kind()))
	}
	return v, nil
}

// parseJSON decodes JSON token by token so object key order survives.
func parseJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeJSONValue(dec)
	if err != nil {
		return Value{}, errors.Wrap(err, ErrCodeInvalidConfig, "invalid JSON")
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, errors.New(ErrCodeInvalidConfig, "invalid JSON: trailing data after document")
	}
	return v, nil
}

func decodeJSONValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			var keys []string
			fields := make(map[string]Value)
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Value{}, fmt.Errorf("unexpected object key %v", keyTok)
				}
				child, err := decodeJSONValue(dec)
				if err != nil {
					return Value{}, err
				}
				if _, seen := fields[key]; !seen {
					keys = append(keys, key)
				}
				fields[key] = child
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return newMapping(keys, fields), nil
		case '[':
			var items []Value
			for dec.More() {
				child, err := decodeJSONValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, child)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Value{kind: KindSequence, items: items}, nil
		}
		return Value{}, fmt.Errorf("unexpected delimiter %v", t)
	default:
		return FromNative(tok)
	}
}

// parseYAML walks the node tree instead of decoding into a map, which would
// lose key order.
func parseYAML(data []byte) (Value, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Value{}, errors.Wrap(err, ErrCodeInvalidConfig, "invalid YAML")
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return Mapping(), nil
	}
	return yamlNodeValue(&doc)
}

func yamlNodeValue(node *yaml.Node) (Value, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return Mapping(), nil
		}
		return yamlNodeValue(node.Content[0])
	case yaml.AliasNode:
		return yamlNodeValue(node.Alias)
	case yaml.MappingNode:
		var keys []string
		fields := make(map[string]Value)
		put := func(k string, v Value) {
			if _, seen := fields[k]; !seen {
				keys = append(keys, k)
			}
			fields[k] = v
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			keyNode, valNode := node.Content[i], node.Content[i+1]
			child, err := yamlNodeValue(valNode)
			if err != nil {
				return Value{}, err
			}
			if keyNode.Tag == "!!merge" {
				// Explicit keys win over merged ones.
				for _, f := range child.Fields() {
					if _, seen := fields[f.Key]; !seen {
						put(f.Key, f.Value)
					}
				}
				continue
			}
			put(keyNode.Value, child)
		}
		return newMapping(keys, fields), nil
	case yaml.SequenceNode:
		items := make([]Value, 0, len(node.Content))
		for _, c := range node.Content {
			child, err := yamlNodeValue(c)
			if err != nil {
				return Value{}, err
			}
			items = append(items, child)
		}
		return Value{kind: KindSequence, items: items}, nil
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!null":
			return Absent(), nil
		case "!!bool":
			var b bool
			if err := node.Decode(&b); err != nil {
				return Value{}, err
			}
			return Bool(b), nil
		case "!!int", "!!float":
			var f float64
			if err := node.Decode(&f); err != nil {
				return Value{}, err
			}
			return finiteNumber(f)
		default:
			return Text(node.Value), nil
		}
	}
	return Value{}, errors.New(ErrCodeInvalidConfig,
		fmt.Sprintf("unsupported YAML node at line %d", node.Line))
}

// parseTOML decodes with go-toml. TOML tables carry no order, so keys come out sorted.
func parseTOML(data []byte) (Value, error) {
	var raw map[string]interface{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Value{}, errors.Wrap(err, ErrCodeInvalidConfig, "invalid TOML")
	}
	return FromNative(normalizeTOML(raw))
}

// normalizeTOML turns TOML date/time values into text and typed table arrays
// into plain slices.
func normalizeTOML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			t[k] = normalizeTOML(child)
		}
		return t
	case []interface{}:
		for i, child := range t {
			t[i] = normalizeTOML(child)
		}
		return t
	case []map[string]interface{}:
		out := make([]interface{}, len(t))
		for i, child := range t {
			out[i] = normalizeTOML(child)
		}
		return out
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case toml.LocalDate, toml.LocalTime, toml.LocalDateTime:
		return fmt.Sprint(t)
	default:
		return v
	}
}
