package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldMapping copies the value under Header in an input row to Field of the
// target schema. RichText values are converted from HTML.
type FieldMapping struct {
	Field    string `yaml:"field"`
	Header   string `yaml:"header"`
	RichText bool   `yaml:"richText,omitempty"`
}

// Mappings is the field-mapping table: schema id to ordered field mappings.
type Mappings map[string][]FieldMapping

var ErrUnknownSchema = errors.New("unknown schema")

// DefaultMappings is used when no mappings file is configured.
func DefaultMappings() Mappings {
	return Mappings{
		"informationHelpshift": {
			{Field: "internalName", Header: "EN FAQ Title"},
			{Field: "title", Header: "EN FAQ Title"},
			{Field: "helpshiftDetails", Header: "EN FAQ Content", RichText: true},
			{Field: "associationId", Header: "Association ID"},
		},
		"componentCard": {
			{Field: "internalName", Header: "Association ID"},
			{Field: "title", Header: "EN Section Name"},
		},
	}
}

type mappingsFile struct {
	Schemas Mappings `yaml:"schemas"`
}

// LoadMappings reads a YAML mappings file. An empty path yields the defaults.
func LoadMappings(path string) (Mappings, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultMappings(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mappings file: %w", err)
	}
	return ParseMappings(data)
}

func ParseMappings(data []byte) (Mappings, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var file mappingsFile
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode mappings: %w", err)
	}
	if len(file.Schemas) == 0 {
		return nil, errors.New("decode mappings: no schemas defined")
	}
	for schema, fields := range file.Schemas {
		if len(fields) == 0 {
			return nil, fmt.Errorf("schema %s: no fields mapped", schema)
		}
		for i, f := range fields {
			if strings.TrimSpace(f.Field) == "" || strings.TrimSpace(f.Header) == "" {
				return nil, fmt.Errorf("schema %s: mapping %d needs both field and header", schema, i)
			}
		}
	}
	return file.Schemas, nil
}

// For returns the mappings of a schema.
func (m Mappings) For(schema string) ([]FieldMapping, error) {
	fields, ok := m[schema]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, schema)
	}
	return fields, nil
}

// Schemas lists the known schema ids in a stable order.
func (m Mappings) Schemas() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
