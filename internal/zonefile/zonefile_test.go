package zonefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.json")
	if err := os.WriteFile(path, []byte(`{"zones":{"z1":["dev-1","dev-2"]},"groups":{"g1":["user-1"]}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(path, zerolog.Nop())
	if c.Status() != "loaded" {
		t.Fatalf("status = %s, want loaded", c.Status())
	}

	ids, ok := c.DevicesInZone("z1")
	if !ok || len(ids) != 2 {
		t.Fatalf("DevicesInZone = %v, %v", ids, ok)
	}
}

func TestNewMissingFileIsUnavailableNotError(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.json"), zerolog.Nop())
	if c.Status() != "stale" && c.Status() != "unavailable" {
		t.Fatalf("status = %s, want stale or unavailable", c.Status())
	}
	if _, ok := c.DevicesInZone("z1"); ok {
		t.Error("expected no override data for a missing file")
	}
}
