package staging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// createTestStore opens a store in a temp dir and closes it on cleanup.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staging.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// writeExport writes lines as an NDJSON file and returns its path.
func writeExport(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("write export: %v", err)
	}
	return path
}
