package processor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dicklesworthstone/valterd/internal/config"
	"github.com/dicklesworthstone/valterd/internal/store"
)

func testConfigAndStore(t *testing.T, projectsRoot string) (*config.Config, *store.Store) {
	t.Helper()

	cfg := &config.Config{
		Global: config.Global{CompanyName: "Acme", DeepScanExtensions: config.DefaultDeepScanExtensions},
		Clouds: []config.Cloud{
			{Name: "Client", Fields: []config.Field{{Key: "name", Type: config.FieldTypeString}}},
		},
		Islands: []config.Island{
			{
				Name:     "Project",
				RootPath: filepath.Join(projectsRoot, "*"),
				MetaFile: "meta.yaml",
				Relations: []config.Relation{
					{Field: "client", TargetCloud: "Client"},
				},
			},
		},
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "valter.db"), nil)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(cfg); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	return cfg, st
}

func writeMeta(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// Scenario 1: an Island metadata file referencing a Cloud entity that does
// not yet exist produces a NULL relation and a pending action with no
// suggestions.
func TestScenario1_UnresolvedRelationCreatesPendingAction(t *testing.T) {
	projectsRoot := filepath.Join(t.TempDir(), "p")
	cfg, st := testConfigAndStore(t, projectsRoot)
	p := New(st, cfg, nil)

	metaPath := filepath.Join(projectsRoot, "alpha", "meta.yaml")
	writeMeta(t, metaPath, "name: alpha\nclient: Acme\n")

	p.ProcessMetadata(metaPath, cfg.Islands[0])

	rows, err := st.FetchAllDynamic("Project")
	if err != nil {
		t.Fatalf("FetchAllDynamic failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one Project row, got %d", len(rows))
	}
	if rows[0]["name"] != "alpha" {
		t.Fatalf("expected name=alpha, got %v", rows[0]["name"])
	}
	if rows[0]["client"] != nil {
		t.Fatalf("expected client relation to be NULL, got %v", rows[0]["client"])
	}

	actions, err := st.FetchPendingActions()
	if err != nil {
		t.Fatalf("FetchPendingActions failed: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected one pending action, got %d", len(actions))
	}
	if actions[0].TargetTable != "Client" || actions[0].Value != "Acme" {
		t.Fatalf("unexpected pending action: %+v", actions[0])
	}
	if len(actions[0].Suggestions) != 0 {
		t.Fatalf("expected no suggestions, got %v", actions[0].Suggestions)
	}
}

// Scenario 2: once a near-miss Cloud row exists, re-ingesting the same
// metadata surfaces it as a fuzzy-match suggestion.
func TestScenario2_NearMissClientSurfacesAsSuggestion(t *testing.T) {
	projectsRoot := filepath.Join(t.TempDir(), "p")
	cfg, st := testConfigAndStore(t, projectsRoot)
	p := New(st, cfg, nil)

	metaPath := filepath.Join(projectsRoot, "alpha", "meta.yaml")
	writeMeta(t, metaPath, "name: alpha\nclient: Acme\n")
	p.ProcessMetadata(metaPath, cfg.Islands[0])

	if err := st.ResetPendingActions(); err != nil {
		t.Fatalf("ResetPendingActions failed: %v", err)
	}

	clientID, err := st.ApprovePendingCreation(mustCreateManualPending(t, st, "Client", "name", "Acmee"))
	if err != nil {
		t.Fatalf("approving manual client failed: %v", err)
	}
	_ = clientID

	p.ProcessMetadata(metaPath, cfg.Islands[0])

	actions, err := st.FetchPendingActions()
	if err != nil {
		t.Fatalf("FetchPendingActions failed: %v", err)
	}
	// The seed action for "Acmee" stays in the table as Resolved; the
	// re-ingest adds a new action for "Acme".
	if len(actions) != 2 {
		t.Fatalf("expected two pending_actions rows, got %d", len(actions))
	}
	var acme *store.PendingAction
	for i := range actions {
		if actions[i].Value == "Acme" {
			acme = &actions[i]
		}
	}
	if acme == nil {
		t.Fatalf("expected a pending action for Acme, got %+v", actions)
	}
	if len(acme.Suggestions) != 1 || acme.Suggestions[0] != "Acmee" {
		t.Fatalf("expected suggestion [Acmee], got %v", acme.Suggestions)
	}
}

// mustCreateManualPending inserts a pending action for value against
// table/keyField the way a human-authored Cloud row would first appear,
// used here only to seed the near-miss Cloud row via the normal approval
// path rather than poking the schema directly.
func mustCreateManualPending(t *testing.T, st *store.Store, table, keyField, value string) string {
	t.Helper()
	status, err := st.CheckOrCreatePending(table, keyField, value, nil)
	if err != nil {
		t.Fatalf("seeding pending action failed: %v", err)
	}
	return status.ActionID
}

// Scenario 3: approving the pending action, then re-ingesting, resolves
// the relation to the newly created Cloud row's id.
func TestScenario3_ApprovalThenReingestResolvesRelation(t *testing.T) {
	projectsRoot := filepath.Join(t.TempDir(), "p")
	cfg, st := testConfigAndStore(t, projectsRoot)
	p := New(st, cfg, nil)

	metaPath := filepath.Join(projectsRoot, "alpha", "meta.yaml")
	writeMeta(t, metaPath, "name: alpha\nclient: Acme\n")
	p.ProcessMetadata(metaPath, cfg.Islands[0])

	actions, err := st.FetchPendingActions()
	if err != nil || len(actions) != 1 {
		t.Fatalf("expected one pending action, got %+v err=%v", actions, err)
	}

	newID, err := st.ApprovePendingCreation(actions[0].ID)
	if err != nil {
		t.Fatalf("ApprovePendingCreation failed: %v", err)
	}

	p.ProcessMetadata(metaPath, cfg.Islands[0])

	rows, err := st.FetchAllDynamic("Project")
	if err != nil {
		t.Fatalf("FetchAllDynamic failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one Project row, got %d", len(rows))
	}
	if rows[0]["client"] != newID {
		t.Fatalf("expected client=%q, got %v", newID, rows[0]["client"])
	}
}

// Scenario 4: a Sum aggregation over subordinate bill files is computed
// and stored on the Island row.
func TestScenario4_AggregationSumsSubordinateFiles(t *testing.T) {
	projectsRoot := filepath.Join(t.TempDir(), "p")
	cfg, st := testConfigAndStore(t, projectsRoot)
	cfg.Islands[0].Aggregations = []config.Aggregation{
		{Name: "total", Path: "bills/*.yaml", TargetField: "amount", Logic: config.LogicSum},
	}
	if err := st.InitSchema(cfg); err != nil {
		t.Fatalf("re-InitSchema with aggregation column failed: %v", err)
	}
	p := New(st, cfg, nil)

	metaPath := filepath.Join(projectsRoot, "alpha", "meta.yaml")
	writeMeta(t, metaPath, "name: alpha\n")
	writeMeta(t, filepath.Join(projectsRoot, "alpha", "bills", "b1.yaml"), "amount: 10\n")
	writeMeta(t, filepath.Join(projectsRoot, "alpha", "bills", "b2.yaml"), "amount: 20\n")

	p.ProcessMetadata(metaPath, cfg.Islands[0])

	rows, err := st.FetchAllDynamic("Project")
	if err != nil {
		t.Fatalf("FetchAllDynamic failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one Project row, got %d", len(rows))
	}
	if rows[0]["total"] != 30.0 {
		t.Fatalf("expected total=30.0, got %v", rows[0]["total"])
	}
}

func TestProcessMetadata_NonMappingRootDoesNotCreateRow(t *testing.T) {
	projectsRoot := filepath.Join(t.TempDir(), "p")
	cfg, st := testConfigAndStore(t, projectsRoot)
	p := New(st, cfg, nil)

	metaPath := filepath.Join(projectsRoot, "alpha", "meta.yaml")
	writeMeta(t, metaPath, "- not\n- a\n- mapping\n")

	p.ProcessMetadata(metaPath, cfg.Islands[0])

	rows, err := st.FetchAllDynamic("Project")
	if err != nil {
		t.Fatalf("FetchAllDynamic failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows for a non-mapping metadata file, got %d", len(rows))
	}
}

func TestProcessMetadata_MissingNameDefaultsToUnknownProject(t *testing.T) {
	projectsRoot := filepath.Join(t.TempDir(), "p")
	cfg, st := testConfigAndStore(t, projectsRoot)
	p := New(st, cfg, nil)

	metaPath := filepath.Join(projectsRoot, "alpha", "meta.yaml")
	writeMeta(t, metaPath, "status: Active\n")

	p.ProcessMetadata(metaPath, cfg.Islands[0])

	rows, err := st.FetchAllDynamic("Project")
	if err != nil {
		t.Fatalf("FetchAllDynamic failed: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != defaultIslandName {
		t.Fatalf("expected default name %q, got %+v", defaultIslandName, rows)
	}
}

func TestScanOnStartup_MissingBaseDirIsNotFatal(t *testing.T) {
	projectsRoot := filepath.Join(t.TempDir(), "does-not-exist")
	cfg, st := testConfigAndStore(t, projectsRoot)
	p := New(st, cfg, nil)

	p.ScanOnStartup() // must not panic

	rows, err := st.FetchAllDynamic("Project")
	if err != nil {
		t.Fatalf("FetchAllDynamic failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}

func TestScanOnStartup_ProcessesEveryMetaFile(t *testing.T) {
	projectsRoot := filepath.Join(t.TempDir(), "p")
	cfg, st := testConfigAndStore(t, projectsRoot)
	p := New(st, cfg, nil)

	writeMeta(t, filepath.Join(projectsRoot, "alpha", "meta.yaml"), "name: alpha\n")
	writeMeta(t, filepath.Join(projectsRoot, "beta", "meta.yaml"), "name: beta\n")

	p.ScanOnStartup()

	rows, err := st.FetchAllDynamic("Project")
	if err != nil {
		t.Fatalf("FetchAllDynamic failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected two Project rows, got %d", len(rows))
	}
}

func TestHandleEvent_DeepScanTriggersReprocessing(t *testing.T) {
	projectsRoot := filepath.Join(t.TempDir(), "p")
	cfg, st := testConfigAndStore(t, projectsRoot)
	cfg.Islands[0].Aggregations = []config.Aggregation{
		{Name: "total", Path: "bills/*.yaml", TargetField: "amount", Logic: config.LogicSum},
	}
	if err := st.InitSchema(cfg); err != nil {
		t.Fatalf("re-InitSchema failed: %v", err)
	}
	p := New(st, cfg, nil)

	metaPath := filepath.Join(projectsRoot, "alpha", "meta.yaml")
	writeMeta(t, metaPath, "name: alpha\n")
	p.ProcessMetadata(metaPath, cfg.Islands[0])

	billPath := filepath.Join(projectsRoot, "alpha", "bills", "b1.yaml")
	writeMeta(t, billPath, "amount: 15\n")

	p.HandleEvent(billPath)

	rows, err := st.FetchAllDynamic("Project")
	if err != nil {
		t.Fatalf("FetchAllDynamic failed: %v", err)
	}
	if len(rows) != 1 || rows[0]["total"] != 15.0 {
		t.Fatalf("expected deep-scan to recompute total=15.0, got %+v", rows)
	}
}

func TestHandleEvent_DirectMetaFileMatch(t *testing.T) {
	projectsRoot := filepath.Join(t.TempDir(), "p")
	cfg, st := testConfigAndStore(t, projectsRoot)
	p := New(st, cfg, nil)

	metaPath := filepath.Join(projectsRoot, "alpha", "meta.yaml")
	writeMeta(t, metaPath, "name: alpha\n")

	p.HandleEvent(metaPath)

	rows, err := st.FetchAllDynamic("Project")
	if err != nil {
		t.Fatalf("FetchAllDynamic failed: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "alpha" {
		t.Fatalf("expected direct meta-file dispatch to process the file, got %+v", rows)
	}
}

func TestHandleEvent_PathOutsideEveryIslandIsIgnored(t *testing.T) {
	projectsRoot := filepath.Join(t.TempDir(), "p")
	cfg, st := testConfigAndStore(t, projectsRoot)
	p := New(st, cfg, nil)

	outside := filepath.Join(t.TempDir(), "unrelated.yaml")
	writeMeta(t, outside, "amount: 1\n")

	p.HandleEvent(outside) // must not panic or create rows

	rows, err := st.FetchAllDynamic("Project")
	if err != nil {
		t.Fatalf("FetchAllDynamic failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}
