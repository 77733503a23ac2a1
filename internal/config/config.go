// Package config parses and validates the declarative configuration that
// drives the rest of valterd: the Cloud and Island schema, and the global
// daemon settings.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldType is the declared type of a Cloud field.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeNumber  FieldType = "number"
	FieldTypeBoolean FieldType = "boolean"
)

// AggregationLogic is the reduction applied across matched subordinate files.
type AggregationLogic string

const (
	LogicSum     AggregationLogic = "Sum"
	LogicCount   AggregationLogic = "Count"
	LogicAverage AggregationLogic = "Average"
)

// DefaultDeepScanExtensions is used when Global.DeepScanExtensions is empty.
var DefaultDeepScanExtensions = []string{".yaml", ".md", ".txt"}

// Global holds daemon-wide settings.
type Global struct {
	CompanyName         string   `yaml:"company_name"`
	CurrencySymbol      string   `yaml:"currency_symbol"`
	Locale              string   `yaml:"locale"`
	Port                int      `yaml:"port"`
	DeepScanExtensions  []string `yaml:"deep_scan_extensions,omitempty"`
}

// Field describes one column of a Cloud entity.
type Field struct {
	Key      string    `yaml:"key"`
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required,omitempty"`
	Options  []string  `yaml:"options,omitempty"`
}

// Cloud is a flat entity catalog definition.
type Cloud struct {
	Name   string  `yaml:"name"`
	Icon   string  `yaml:"icon,omitempty"`
	Fields []Field `yaml:"fields"`
}

// KeyField returns the Cloud's lookup field: the key of its first declared
// field, falling back to "id" if the Cloud declares no fields at all.
func (c Cloud) KeyField() string {
	if len(c.Fields) == 0 {
		return "id"
	}
	return c.Fields[0].Key
}

// Relation declares a reference from an Island metadata field to a Cloud.
type Relation struct {
	Field        string `yaml:"field"`
	TargetCloud  string `yaml:"target_cloud"`
}

// Aggregation derives a numeric Island column by reducing a field across
// globbed subordinate files.
type Aggregation struct {
	Name        string           `yaml:"name"`
	Path        string           `yaml:"path"`
	TargetField string           `yaml:"target_field"`
	Logic       AggregationLogic `yaml:"logic"`
	Filter      string           `yaml:"filter,omitempty"`
}

// Island is a directory-rooted aggregate record definition.
type Island struct {
	Name         string        `yaml:"name"`
	RootPath     string        `yaml:"root_path"`
	MetaFile     string        `yaml:"meta_file"`
	Relations    []Relation    `yaml:"relations,omitempty"`
	Aggregations []Aggregation `yaml:"aggregations,omitempty"`
}

// BaseDir returns the Island's root path with every '*' wildcard segment
// stripped, per the chosen resolution of the "strip all '*'" Open Question.
func (i Island) BaseDir() string {
	return strings.TrimRight(strings.ReplaceAll(i.RootPath, "*", ""), "/")
}

// Config is the fully parsed, validated configuration.
type Config struct {
	Global  Global   `yaml:"GLOBAL"`
	Clouds  []Cloud  `yaml:"CLOUDS"`
	Islands []Island `yaml:"ISLANDS"`
}

// Load reads and parses the configuration file at path, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Global.Port == 0 {
		c.Global.Port = 8000
	}
	if len(c.Global.DeepScanExtensions) == 0 {
		c.Global.DeepScanExtensions = append([]string(nil), DefaultDeepScanExtensions...)
	}
}

// Validate checks structural invariants: unique Cloud/Island names, valid
// field types, and that every Relation's target_cloud resolves to a
// declared Cloud.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Global.CompanyName) == "" {
		return fmt.Errorf("GLOBAL.company_name is required")
	}

	cloudNames := make(map[string]bool, len(c.Clouds))
	for _, cl := range c.Clouds {
		if strings.TrimSpace(cl.Name) == "" {
			return fmt.Errorf("a CLOUD entry is missing a name")
		}
		if cloudNames[cl.Name] {
			return fmt.Errorf("duplicate CLOUD name %q", cl.Name)
		}
		cloudNames[cl.Name] = true

		fieldKeys := make(map[string]bool, len(cl.Fields))
		for _, f := range cl.Fields {
			if strings.TrimSpace(f.Key) == "" {
				return fmt.Errorf("CLOUD %q has a field with no key", cl.Name)
			}
			if fieldKeys[f.Key] {
				return fmt.Errorf("CLOUD %q has duplicate field %q", cl.Name, f.Key)
			}
			fieldKeys[f.Key] = true
			switch f.Type {
			case FieldTypeString, FieldTypeNumber, FieldTypeBoolean:
			default:
				return fmt.Errorf("CLOUD %q field %q has unknown type %q", cl.Name, f.Key, f.Type)
			}
		}
	}

	islandNames := make(map[string]bool, len(c.Islands))
	for _, is := range c.Islands {
		if strings.TrimSpace(is.Name) == "" {
			return fmt.Errorf("an ISLAND entry is missing a name")
		}
		if islandNames[is.Name] {
			return fmt.Errorf("duplicate ISLAND name %q", is.Name)
		}
		islandNames[is.Name] = true

		if strings.TrimSpace(is.RootPath) == "" {
			return fmt.Errorf("ISLAND %q is missing root_path", is.Name)
		}
		if strings.TrimSpace(is.MetaFile) == "" {
			return fmt.Errorf("ISLAND %q is missing meta_file", is.Name)
		}

		for _, rel := range is.Relations {
			if strings.TrimSpace(rel.Field) == "" {
				return fmt.Errorf("ISLAND %q has a relation with no field", is.Name)
			}
			if !cloudNames[rel.TargetCloud] {
				return fmt.Errorf("ISLAND %q relation %q targets unknown CLOUD %q", is.Name, rel.Field, rel.TargetCloud)
			}
		}

		for _, agg := range is.Aggregations {
			if strings.TrimSpace(agg.Name) == "" {
				return fmt.Errorf("ISLAND %q has an aggregation with no name", is.Name)
			}
			if strings.TrimSpace(agg.Path) == "" {
				return fmt.Errorf("ISLAND %q aggregation %q is missing path", is.Name, agg.Name)
			}
			switch agg.Logic {
			case LogicSum, LogicCount, LogicAverage:
			default:
				return fmt.Errorf("ISLAND %q aggregation %q has unknown logic %q", is.Name, agg.Name, agg.Logic)
			}
		}
	}

	return nil
}

// CloudByName returns the Cloud definition with the given name, if any.
func (c *Config) CloudByName(name string) (Cloud, bool) {
	for _, cl := range c.Clouds {
		if cl.Name == name {
			return cl, true
		}
	}
	return Cloud{}, false
}

// IslandByMetaFile returns the first Island definition (in declaration
// order) whose meta_file matches basename and whose root-path stem is a
// substring of path. This implements the tie-breaking rule of §4.4:
// "definitions are scanned in declaration order; the first match wins."
func (c *Config) IslandByMetaFile(basename, path string) (Island, bool) {
	for _, is := range c.Islands {
		if is.MetaFile != basename {
			continue
		}
		if strings.Contains(path, is.BaseDir()) {
			return is, true
		}
	}
	return Island{}, false
}

// IslandByName returns the Island definition with the given name, if any.
func (c *Config) IslandByName(name string) (Island, bool) {
	for _, is := range c.Islands {
		if is.Name == name {
			return is, true
		}
	}
	return Island{}, false
}

// IsDeepScanExtension reports whether ext (including the leading dot) is a
// configured deep-scan trigger extension.
func (c *Config) IsDeepScanExtension(ext string) bool {
	for _, e := range c.Global.DeepScanExtensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}
