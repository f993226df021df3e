package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

var migrationName = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

// Every schema version ships as an up/down pair so the roundtrip test can
// unwind it.
func TestEveryMigrationHasAnUpAndADown(t *testing.T) {
	entries, err := os.ReadDir(filepath.Join("..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	type pair struct{ up, down int }
	versions := map[string]*pair{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		p := versions[version]
		if p == nil {
			p = &pair{}
			versions[version] = p
		}
		if direction == "up" {
			p.up++
		} else {
			p.down++
		}
	}

	if len(versions) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, p := range versions {
		if p.up != 1 || p.down != 1 {
			t.Fatalf("version %s has %d up / %d down files, want exactly one of each", version, p.up, p.down)
		}
	}
}
