// Package api is the in-process interface contract the daemon exposes to
// an external adapter (a GraphQL server, a CLI, a test harness). It never
// opens a socket itself: every method is a direct Go call that the
// embedding adapter translates to its own wire format, mirroring the rule
// that no error type crosses that boundary undisguised.
package api

import (
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/dicklesworthstone/valterd/internal/config"
	"github.com/dicklesworthstone/valterd/internal/fswriter"
	"github.com/dicklesworthstone/valterd/internal/processor"
	"github.com/dicklesworthstone/valterd/internal/store"
)

// ResolutionChoice is the caller's decision on a pending action.
type ResolutionChoice string

const (
	ChoiceApprove ResolutionChoice = "APPROVE"
	ChoiceReject  ResolutionChoice = "REJECT"
)

// Adapter is the query/mutation surface backing an external API. All
// methods are safe for concurrent use; the Store beneath them serializes
// access on its own lock.
type Adapter struct {
	store  *store.Store
	cfg    *config.Config
	proc   *processor.Processor
	logger *log.Logger
}

// New constructs an Adapter bound to a running daemon's Store,
// configuration, and Processor.
func New(st *store.Store, cfg *config.Config, proc *processor.Processor, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{store: st, cfg: cfg, proc: proc, logger: logger}
}

// Config returns the active configuration.
func (a *Adapter) Config() *config.Config {
	return a.cfg
}

// CloudData returns every row of the named Cloud table as object
// sequences. An unknown name yields an empty slice, not an error.
func (a *Adapter) CloudData(name string) ([]map[string]any, error) {
	if _, ok := a.cfg.CloudByName(name); !ok {
		return []map[string]any{}, nil
	}
	return a.store.FetchAllDynamic(name)
}

// IslandData returns every row of the named Island table as object
// sequences. An unknown name yields an empty slice, not an error.
func (a *Adapter) IslandData(name string) ([]map[string]any, error) {
	if _, ok := a.cfg.IslandByName(name); !ok {
		return []map[string]any{}, nil
	}
	return a.store.FetchAllDynamic(name)
}

// PendingActions returns every pending_actions row, suggestions parsed.
func (a *Adapter) PendingActions() ([]store.PendingAction, error) {
	return a.store.FetchPendingActions()
}

// RescanIslands purges every configured Island table and pending action,
// then re-runs the startup scan, rebuilding everything from the
// filesystem. Returns a short status string describing the outcome.
func (a *Adapter) RescanIslands() (string, error) {
	for _, is := range a.cfg.Islands {
		if err := a.store.PurgeIslands(is.Name); err != nil {
			return "", fmt.Errorf("purging island table %q: %w", is.Name, err)
		}
	}
	if err := a.store.ResetPendingActions(); err != nil {
		return "", fmt.Errorf("resetting pending actions: %w", err)
	}

	a.proc.ScanOnStartup()
	return fmt.Sprintf("rescanned %d island definitions", len(a.cfg.Islands)), nil
}

// UpdateIslandField locates the named Island row, reads its recorded
// path, and writes key=value into its metadata file on disk. The row
// itself is not touched here: the Watcher observes the write and the
// Processor re-ingests the file on its own schedule. Re-ingest refreshes
// only the row's name, relation and aggregation columns; any other key,
// status included, is written to the file but not copied into the row.
func (a *Adapter) UpdateIslandField(islandType, islandName, key string, value any) error {
	def, ok := a.cfg.IslandByName(islandType)
	if !ok {
		return fmt.Errorf("unknown island type %q", islandType)
	}

	path, err := a.islandPath(islandType, islandName)
	if err != nil {
		return err
	}

	metaPath := filepath.Join(path, def.MetaFile)
	return fswriter.UpdateYAMLField(metaPath, key, value)
}

// islandPath looks up the recorded filesystem path of the named row in
// islandType's table.
func (a *Adapter) islandPath(islandType, islandName string) (string, error) {
	rows, err := a.store.FetchAllDynamic(islandType)
	if err != nil {
		return "", fmt.Errorf("fetching %q rows: %w", islandType, err)
	}
	for _, row := range rows {
		if name, _ := row["name"].(string); name == islandName {
			path, _ := row["path"].(string)
			if path == "" {
				return "", fmt.Errorf("island %q has no recorded path", islandName)
			}
			return path, nil
		}
	}
	return "", fmt.Errorf("island %q not found in %q", islandName, islandType)
}

// CreateIsland resolves the Island definition for islandType and
// scaffolds a new Island directory under its root-path stem.
func (a *Adapter) CreateIsland(islandType, name string, initialData map[string]any) error {
	def, ok := a.cfg.IslandByName(islandType)
	if !ok {
		return fmt.Errorf("unknown island type %q", islandType)
	}
	return fswriter.CreateIsland(def.BaseDir(), name, initialData)
}

// ResolveAction dispatches a pending action resolution to
// ApprovePendingCreation or RejectPendingAction depending on choice.
func (a *Adapter) ResolveAction(actionID string, choice ResolutionChoice) (string, error) {
	switch choice {
	case ChoiceApprove:
		return a.store.ApprovePendingCreation(actionID)
	case ChoiceReject:
		return "", a.store.RejectPendingAction(actionID)
	default:
		return "", fmt.Errorf("unknown resolution choice %q", choice)
	}
}
