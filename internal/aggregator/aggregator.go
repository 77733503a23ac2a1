// Package aggregator evaluates an Island's configured aggregation rules by
// globbing its subordinate data files and reducing a numeric target field
// out of each match.
package aggregator

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/dicklesworthstone/valterd/internal/config"
)

// Calculate evaluates every rule against root and returns a map from
// rule name to its reduced value. Rules are independent: one rule's glob
// or parse failures never affect another rule's result, and an invalid
// glob yields a zero result with a logged warning rather than aborting
// the whole Island.
func Calculate(root string, rules []config.Aggregation, logger *log.Logger) map[string]float64 {
	if logger == nil {
		logger = log.Default()
	}

	results := make(map[string]float64, len(rules))
	for _, rule := range rules {
		results[rule.Name] = evaluate(root, rule, logger)
	}
	return results
}

func evaluate(root string, rule config.Aggregation, logger *log.Logger) float64 {
	matches, err := expandGlob(root, rule.Path)
	if err != nil {
		logger.Warn("invalid aggregation glob", "rule", rule.Name, "path", rule.Path, "error", err)
		return 0
	}

	var total float64
	var count int

	for _, match := range matches {
		value, ok := numericField(match, rule.TargetField)
		if !ok {
			continue
		}
		total += value
		count++
	}

	switch rule.Logic {
	case config.LogicCount:
		return float64(count)
	case config.LogicAverage:
		if count == 0 {
			return 0
		}
		return total / float64(count)
	default: // config.LogicSum
		return total
	}
}

// expandGlob matches rule.path against root using doublestar for patterns
// containing a recursive "**" segment, and stdlib filepath.Glob otherwise.
func expandGlob(root, pattern string) ([]string, error) {
	full := filepath.Join(root, pattern)

	if strings.Contains(pattern, "**") {
		return doublestar.FilepathGlob(full)
	}

	return filepath.Glob(full)
}

// numericField reads file as a YAML mapping and extracts field as a
// float64, widening an integer if necessary. Reports false if the file
// cannot be read or parsed, is not a mapping, the field is absent, or the
// field's value is non-numeric.
func numericField(file, field string) (float64, bool) {
	data, err := os.ReadFile(file)
	if err != nil {
		return 0, false
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, false
	}

	raw, ok := doc[field]
	if !ok {
		return 0, false
	}

	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
