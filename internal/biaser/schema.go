package biaser

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Schema is the subset of JSON Schema the biaser's grammar compiler
// understands: object/string/integer/number/boolean/array, with string
// length and integer/number range constraints. It decodes with the
// standard library's encoding/json; a full validator (google/jsonschema-go,
// wired in this package's tests for conformance-checking *completed*
// output) has no incremental per-token grammar API, so it can't drive the
// biaser itself -- see DESIGN.md.
type Schema struct {
	Type       string             `json:"type"`
	Properties map[string]*Schema `json:"properties"`
	Required   []string           `json:"required"`
	Items      *Schema            `json:"items"`
	Minimum    *float64           `json:"minimum"`
	Maximum    *float64           `json:"maximum"`
	MaxLength  *int               `json:"maxLength"`
}

// LoadSchemaFile reads a JSON schema from a BiaserConfig JsonSchemaFile path.
func LoadSchemaFile(path string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schema file %q: %w", path, err)
	}
	defer f.Close()
	var s Schema
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode schema file %q: %w", path, err)
	}
	return &s, nil
}

// ParseSchema decodes a JSON schema given inline (a BiaserConfig.Schema
// string), rather than read from a file.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse inline schema: %w", err)
	}
	return &s, nil
}

// orderedProperties returns the schema's object properties in a stable
// order (required fields first, in schema declaration order is not
// preserved by Go's map so we fall back to a sorted order), so that two
// runs against the same schema compile the same grammar.
func (s *Schema) orderedProperties() []string {
	keys := make([]string, 0, len(s.Properties))
	for k := range s.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}
	sort.SliceStable(keys, func(i, j int) bool {
		ri, rj := required[keys[i]], required[keys[j]]
		if ri == rj {
			return false
		}
		return ri
	})
	return keys
}
