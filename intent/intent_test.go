package intent

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = db.Exec(`
		CREATE TABLE intent_log (
			id INTEGER PRIMARY KEY,
			document_id TEXT NOT NULL,
			extraction_version INTEGER NOT NULL,
			phase TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return db
}

func TestDanglingFindsOrphanedStagedVector(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	l := New(db)
	ctx := context.Background()

	if err := l.Stage(ctx, "doc1", 1, PhaseStagedVector); err != nil {
		t.Fatal(err)
	}

	dangling, err := l.Dangling(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dangling) != 1 || dangling[0].DocumentID != "doc1" {
		t.Fatalf("expected doc1 to be dangling, got %+v", dangling)
	}
}

func TestDanglingExcludesCompletedCommits(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	l := New(db)
	ctx := context.Background()

	if err := l.Stage(ctx, "doc1", 1, PhaseStagedVector); err != nil {
		t.Fatal(err)
	}
	if err := l.Stage(ctx, "doc1", 1, PhaseStagedGraph); err != nil {
		t.Fatal(err)
	}
	if err := l.Stage(ctx, "doc1", 1, PhaseCommitted); err != nil {
		t.Fatal(err)
	}

	dangling, err := l.Dangling(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dangling) != 0 {
		t.Fatalf("expected no dangling intents, got %+v", dangling)
	}
}

func TestReconcilerRollsBackDanglingIntents(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	l := New(db)
	ctx := context.Background()

	if err := l.Stage(ctx, "doc1", 1, PhaseStagedVector); err != nil {
		t.Fatal(err)
	}

	var tombstoned []string
	rec := NewReconciler(l, func(ctx context.Context, documentID string) error {
		tombstoned = append(tombstoned, documentID)
		return nil
	})

	n, err := rec.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reconciled intent, got %d", n)
	}
	if len(tombstoned) != 1 || tombstoned[0] != "doc1" {
		t.Fatalf("expected doc1 to be tombstoned, got %v", tombstoned)
	}

	dangling, err := l.Dangling(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dangling) != 0 {
		t.Fatalf("expected no dangling intents after reconciliation, got %+v", dangling)
	}
}
