package tasks

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestShadowStore(t *testing.T) *ShadowStore {
	t.Helper()
	dir := t.TempDir()
	shadow, err := NewShadowStore(filepath.Join(dir, "shadow.db"), true, 100, 50, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { shadow.Close() })
	return shadow
}

func testDoc(ids ...string) *Document {
	doc := newDocument()
	for _, id := range ids {
		doc.Tasks[id] = &Task{ID: id, Title: id, Status: StatusReady}
	}
	doc.ConcurrencyHeader.Version = 1
	return doc
}

func TestMirrorReadBackMatchesJSONHash(t *testing.T) {
	shadow := newTestShadowStore(t)
	doc := testDoc("a", "b")

	sqliteHash, err := shadow.Mirror(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	jsonHash := canonicalHash(doc)
	if sqliteHash != jsonHash {
		t.Fatalf("expected mirror's read-back hash to match the JSON hash, got sqlite=%s json=%s", sqliteHash, jsonHash)
	}
	if div := shadow.CheckDivergence(jsonHash, sqliteHash, doc.ConcurrencyHeader.Version); div != nil {
		t.Fatalf("expected no divergence on a clean mirror, got %+v", div)
	}
}

// TestMirrorDetectsDivergenceFromCorruptedShadow simulates a shadow
// backend that silently drifted from what the JSON-authoritative store
// believes it persisted (e.g. a partial write under a prior bug, or an
// out-of-band edit to the sqlite file). Mirror's read-back hash must
// reflect the corrupted row, not the in-memory document, so
// CheckDivergence can actually catch the mismatch.
func TestMirrorDetectsDivergenceFromCorruptedShadow(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "shadow.db")
	shadow, err := NewShadowStore(dbPath, true, 100, 50, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer shadow.Close()

	doc := testDoc("a", "b")
	jsonHash := canonicalHash(doc)

	if _, err := shadow.Mirror(doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Corrupt the shadow row out-of-band, independent of Mirror's own
	// connection, the way a divergent sibling process or a storage bug
	// would.
	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("unexpected error opening shadow db directly: %v", err)
	}
	defer raw.Close()
	if _, err := raw.Exec(`UPDATE shadow_tasks SET payload = ? WHERE id = ?`,
		`{"id":"a","title":"TAMPERED","status":"completed"}`, "a"); err != nil {
		t.Fatalf("unexpected error corrupting shadow row: %v", err)
	}

	corruptedHash, err := shadow.ReadBackHash()
	if err != nil {
		t.Fatalf("unexpected error reading back: %v", err)
	}
	if corruptedHash == jsonHash {
		t.Fatal("expected read-back hash to change after corrupting the shadow row")
	}

	div := shadow.CheckDivergence(jsonHash, corruptedHash, doc.ConcurrencyHeader.Version)
	if div == nil {
		t.Fatal("expected a divergence to be recorded for the corrupted shadow backend")
	}
	if len(shadow.Divergences()) != 1 {
		t.Fatalf("expected one retained divergence, got %d", len(shadow.Divergences()))
	}
}
