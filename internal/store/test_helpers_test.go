package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/cloudsync/internal/record"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ref(typ, key string) record.RecordRef {
	return record.RecordRef{Type: record.RecordType(typ), Key: key}
}
