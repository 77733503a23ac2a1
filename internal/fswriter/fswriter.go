// Package fswriter performs the daemon's writes back to the filesystem:
// editing a single field of a metadata file in place, and scaffolding a
// new Island directory. Every write lands via temp-file-then-rename so a
// concurrent reader (including the Watcher) never observes a partially
// written file.
package fswriter

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// UpdateYAMLField reads file as a YAML mapping, replaces the entry for
// key with value (coerced by try-order number -> boolean -> string), and
// writes the result back atomically. Fails if the document's root is not
// a mapping.
func UpdateYAMLField(file, key string, value any) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading %s: %w", file, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", file, err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("%s: root is not a mapping", file)
	}

	root := doc.Content[0]
	coerced := coerceScalar(value)

	valueNode := new(yaml.Node)
	if err := valueNode.Encode(coerced); err != nil {
		return fmt.Errorf("encoding value for %s: %w", key, err)
	}

	found := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == key {
			root.Content[i+1] = valueNode
			found = true
			break
		}
	}
	if !found {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
		root.Content = append(root.Content, keyNode, valueNode)
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("serializing %s: %w", file, err)
	}

	return writeAtomic(file, out)
}

// coerceScalar interprets a string value by try-order number -> boolean
// -> string, matching the interpretation that update_yaml_field applies to
// caller-supplied values; non-string values pass through untouched.
func coerceScalar(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// CreateIsland scaffolds a new Island directory under rootDir: sanitizes
// name into a directory segment, fails if that directory already exists,
// then writes meta.yaml with name, the supplied data, and created_at.
func CreateIsland(rootDir, name string, data map[string]any) error {
	segment := sanitizeName(name)
	dir := filepath.Join(rootDir, segment)

	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("island directory already exists: %s", dir)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking island directory %s: %w", dir, err)
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating island directory %s: %w", dir, err)
	}

	doc := make(map[string]any, len(data)+2)
	doc["name"] = name
	for k, v := range data {
		doc[k] = v
	}
	doc["created_at"] = time.Now().UTC().Format("2006-01-02")

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serializing meta.yaml for %s: %w", name, err)
	}

	return writeAtomic(filepath.Join(dir, "meta.yaml"), out)
}

// sanitizeName turns an Island name into a safe directory segment: spaces
// become underscores, slashes become hyphens.
func sanitizeName(name string) string {
	s := strings.ReplaceAll(name, " ", "_")
	s = strings.ReplaceAll(s, "/", "-")
	return s
}

// writeAtomic writes data to a temp file alongside path, then renames it
// into place so readers never see a partial write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming into place %s: %w", path, err)
	}
	return nil
}
