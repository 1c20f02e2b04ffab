package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_(.*)\.(up|down)\.sql$`)
	byVersion := map[string]map[string]string{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			t.Fatalf("unexpected file in migrations dir: %s", entry.Name())
		}
		version, name, direction := match[1], match[2], match[3]
		if byVersion[version] == nil {
			byVersion[version] = map[string]string{}
		}
		if _, dup := byVersion[version][direction]; dup {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = name
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		up, hasUp := dirs["up"]
		down, hasDown := dirs["down"]
		if !hasUp || !hasDown {
			t.Fatalf("version %s must include both up and down files", version)
		}
		if up != down {
			t.Fatalf("version %s up/down names differ: %q vs %q", version, up, down)
		}
	}
}

func TestListMigrationsOrdersAndPairsVersions(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	ups, err := listMigrations(dir, upSuffix)
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) != 2 || ups[0].version != "0001_a.up.sql" || ups[1].version != "0002_b.up.sql" {
		t.Fatalf("unexpected up migrations: %+v", ups)
	}

	downs, err := listMigrations(dir, downSuffix)
	if err != nil {
		t.Fatal(err)
	}
	if len(downs) != 1 || downs[0].version != "0001_a.up.sql" {
		t.Fatalf("down migration must map to its up version: %+v", downs)
	}
}
