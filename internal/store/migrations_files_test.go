package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

const migrationsDir = "../../db/migrations"

// The activity engine's schema spans four tables; every migration version
// must ship an up and a down file, and the pair must stay symmetric enough
// that rolling back actually removes what rolling forward created.

var migrationName = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

var schemaTables = []string{
	"activities",
	"activity_participants",
	"activity_reactions",
	"activity_attachments",
}

func readMigrations(t *testing.T) map[string]map[string]string {
	t.Helper()
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	byVersion := map[string]map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]string{}
		}
		if byVersion[version][direction] != "" {
			t.Fatalf("duplicate %s migration for version %s", direction, version)
		}
		contents, err := os.ReadFile(filepath.Join(migrationsDir, entry.Name()))
		if err != nil {
			t.Fatalf("read migration %s: %v", entry.Name(), err)
		}
		byVersion[version][direction] = string(contents)
	}
	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	return byVersion
}

func TestEveryMigrationHasUpAndDown(t *testing.T) {
	for version, directions := range readMigrations(t) {
		if directions["up"] == "" || directions["down"] == "" {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestBaseMigrationCreatesAndDropsSchemaTables(t *testing.T) {
	base, ok := readMigrations(t)["0001"]
	if !ok {
		t.Fatal("missing base migration 0001")
	}

	for _, table := range schemaTables {
		if !strings.Contains(base["up"], "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("base up migration does not create %s", table)
		}
		if !strings.Contains(base["down"], "DROP TABLE IF EXISTS "+table) {
			t.Fatalf("base down migration does not drop %s", table)
		}
	}

	// Replies and the GIN assignment filter depend on these indexes.
	for _, index := range []string{"idx_activities_root", "idx_activities_assigned_to"} {
		if !strings.Contains(base["up"], index) {
			t.Fatalf("base up migration does not create %s", index)
		}
	}
}
