// Package processor reconciles filesystem state into the Store: it scans
// Island directories on startup, dispatches filesystem events to the
// right Island definition, parses metadata, resolves Cloud relations
// through the Safety-Valve, computes aggregations, and upserts the
// resulting Island row.
package processor

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/dicklesworthstone/valterd/internal/aggregator"
	"github.com/dicklesworthstone/valterd/internal/config"
	"github.com/dicklesworthstone/valterd/internal/store"
)

// defaultIslandName is used when a metadata file declares no name field.
const defaultIslandName = "Unknown Project"

// Processor owns a reference to the Store and configuration; every
// exported method is stateless given that reference.
type Processor struct {
	store  *store.Store
	cfg    *config.Config
	logger *log.Logger
}

// New constructs a Processor bound to store and configuration.
func New(st *store.Store, cfg *config.Config, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{store: st, cfg: cfg, logger: logger}
}

// ScanOnStartup walks every Island's base directory and processes every
// metadata file it finds. A base directory that does not exist is warned
// and skipped rather than treated as fatal.
func (p *Processor) ScanOnStartup() {
	for _, is := range p.cfg.Islands {
		base := is.BaseDir()

		if _, err := os.Stat(base); err != nil {
			p.logger.Warn("island base directory missing, skipping scan", "island", is.Name, "path", base, "error", err)
			continue
		}

		island := is
		err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				p.logger.Warn("scan_on_startup: walk error", "path", path, "error", err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if d.Name() == island.MetaFile {
				p.ProcessMetadata(path, island)
			}
			return nil
		})
		if err != nil {
			p.logger.Warn("scan_on_startup: walk failed", "island", is.Name, "error", err)
		}
	}
}

// HandleEvent dispatches a single changed path: either directly to its
// owning Island (an exact meta-file match) or, for a deep-scan extension,
// by walking upward to find the nearest ancestor holding some Island's
// metadata file.
func (p *Processor) HandleEvent(path string) {
	basename := filepath.Base(path)

	if is, ok := p.matchingIsland(basename, path); ok {
		p.ProcessMetadata(path, is)
		return
	}

	ext := filepath.Ext(path)
	if !p.cfg.IsDeepScanExtension(ext) {
		return
	}

	metaPath, is, ok := p.findAncestorMeta(path)
	if !ok {
		return
	}
	p.ProcessMetadata(metaPath, is)
}

// matchingIsland returns the first (in declaration order) Island whose
// meta_file equals basename and whose root-path stem is a substring of
// path.
func (p *Processor) matchingIsland(basename, path string) (config.Island, bool) {
	for _, is := range p.cfg.Islands {
		if is.MetaFile != basename {
			continue
		}
		if strings.Contains(path, is.BaseDir()) {
			return is, true
		}
	}
	return config.Island{}, false
}

// findAncestorMeta walks parent directories upward from path, returning
// the first ancestor directory containing some configured Island's
// meta_file, along with that Island definition.
func (p *Processor) findAncestorMeta(path string) (string, config.Island, bool) {
	dir := filepath.Dir(path)
	for {
		for _, is := range p.cfg.Islands {
			candidate := filepath.Join(dir, is.MetaFile)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, is, true
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", config.Island{}, false
		}
		dir = parent
	}
}

// ProcessMetadata reads and parses the metadata file at path, resolves
// its declared relations and aggregations, and upserts the resulting
// Island row.
func (p *Processor) ProcessMetadata(path string, island config.Island) {
	data, err := os.ReadFile(path)
	if err != nil {
		p.logger.Warn("process_metadata: read failed", "path", path, "error", err)
		return
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		p.logger.Warn("process_metadata: parse failed", "path", path, "error", err)
		return
	}

	name := defaultIslandName
	if n, ok := doc["name"].(string); ok && strings.TrimSpace(n) != "" {
		name = n
	}

	relations := make(map[string]*string, len(island.Relations))
	for _, rel := range island.Relations {
		relations[rel.Field] = p.resolveRelation(doc, rel, island)
	}

	root := filepath.Dir(path)
	aggregations := aggregator.Calculate(root, island.Aggregations, p.logger)

	if err := p.store.UpsertIsland(island.Name, name, filepath.Dir(path), relations, aggregations); err != nil {
		p.logger.Warn("process_metadata: upsert failed", "island", island.Name, "name", name, "error", err)
	}
}

// resolveRelation looks up rel.Field in the metadata mapping and resolves
// it against the target Cloud through the Safety-Valve. Returns nil if
// the field is absent/non-string, or if resolution did not find an exact
// match (Pending or Ambiguous outcomes are logged, not surfaced as a
// value — a metadata edit or approval must happen before the relation
// resolves).
func (p *Processor) resolveRelation(doc map[string]any, rel config.Relation, island config.Island) *string {
	raw, ok := doc[rel.Field]
	if !ok {
		return nil
	}
	value, ok := raw.(string)
	if !ok {
		return nil
	}

	target, ok := p.cfg.CloudByName(rel.TargetCloud)
	if !ok {
		p.logger.Warn("process_metadata: relation targets unknown cloud", "field", rel.Field, "cloud", rel.TargetCloud)
		return nil
	}

	context := map[string]string{
		"source_island_type": island.Name,
		"source_island_name": name(doc),
		"field":              rel.Field,
	}

	status, err := p.store.CheckOrCreatePending(target.Name, target.KeyField(), value, context)
	if err != nil {
		p.logger.Warn("process_metadata: relation resolution failed", "field", rel.Field, "value", value, "error", err)
		return nil
	}

	switch status.Kind {
	case store.StatusFound:
		id := status.EntityID
		return &id
	case store.StatusPending:
		p.logger.Warn("process_metadata: relation pending human adjudication", "field", rel.Field, "value", value, "action_id", status.ActionID)
		return nil
	default: // store.StatusAmbiguous
		p.logger.Warn("process_metadata: relation ambiguous", "field", rel.Field, "value", value, "action_id", status.ActionID, "suggestions", status.Suggestions)
		return nil
	}
}

func name(doc map[string]any) string {
	if n, ok := doc["name"].(string); ok {
		return n
	}
	return defaultIslandName
}
