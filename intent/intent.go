// Package intent implements the durable intent log and startup
// reconciliation sweep backing the two-phase cross-store commit (§5,
// SPEC_FULL.md §C.1): vector-store chunks are staged before the graph
// store commits, and a crash between the two phases is detected and
// rolled back the next time the engine starts.
package intent

import (
	"context"
	"database/sql"
	"time"

	"github.com/ptolemies/ptolemies"
)

// Phase is a two-phase commit milestone for one (document_id,
// extraction_version) pair.
type Phase string

const (
	PhaseStagedVector Phase = "staged_vector"
	PhaseStagedGraph  Phase = "staged_graph"
	PhaseCommitted    Phase = "committed"
)

// Record is one intent_log row.
type Record struct {
	ID                int64
	DocumentID        string
	ExtractionVersion int
	Phase             Phase
	CreatedAt         time.Time
}

// Log writes and queries the intent_log table. It shares the Vector
// Store's SQLite connection, since intent_log lives in that schema
// (vectorstore/schema.go).
type Log struct {
	db *sql.DB
}

// New wraps db, the Vector Store's *sql.DB (obtained via Store.DB()).
func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Stage records a phase transition for (documentID, extractionVersion).
func (l *Log) Stage(ctx context.Context, documentID string, extractionVersion int, phase Phase) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO intent_log (document_id, extraction_version, phase) VALUES (?, ?, ?)",
		documentID, extractionVersion, string(phase))
	if err != nil {
		return &ptolemies.StoreError{Op: "intent.stage", Err: err}
	}
	return nil
}

// Dangling returns the set of (document_id, extraction_version) pairs
// whose most recent phase is staged_vector with no later staged_graph or
// committed row — the orphaned-commit case a restart must reconcile (§5).
func (l *Log) Dangling(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT il.id, il.document_id, il.extraction_version, il.phase, il.created_at
		FROM intent_log il
		WHERE il.phase = 'staged_vector'
		  AND NOT EXISTS (
		    SELECT 1 FROM intent_log later
		    WHERE later.document_id = il.document_id
		      AND later.extraction_version = il.extraction_version
		      AND later.phase IN ('staged_graph', 'committed')
		      AND later.id > il.id
		  )
		ORDER BY il.id
	`)
	if err != nil {
		return nil, &ptolemies.StoreError{Op: "intent.dangling", Err: err}
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var phase string
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.ExtractionVersion, &phase, &r.CreatedAt); err != nil {
			return nil, &ptolemies.StoreError{Op: "intent.dangling", Err: err}
		}
		r.Phase = Phase(phase)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes intent_log rows older than retention whose document has
// reached the committed phase, keeping the table from growing unbounded.
func (l *Log) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM intent_log
		WHERE created_at < ?
		  AND EXISTS (
		    SELECT 1 FROM intent_log c
		    WHERE c.document_id = intent_log.document_id
		      AND c.extraction_version = intent_log.extraction_version
		      AND c.phase = 'committed'
		  )
	`, cutoff)
	if err != nil {
		return 0, &ptolemies.StoreError{Op: "intent.prune", Err: err}
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Reconciler rolls back dangling staged_vector commits by tombstoning the
// orphaned vector-store rows, since no graph counterpart was ever
// committed (§5: "completing or rolling them back based on a durable
// intent log"). Completing forward is not implemented: a staged_vector
// row with no graph commit has, by construction, never had its graph
// side attempted, so rollback is the only safe resolution.
type Reconciler struct {
	log            *Log
	tombstoneChunk func(ctx context.Context, documentID string) error
}

// NewReconciler builds a Reconciler. tombstoneChunk should be
// vectorstore.Store.TombstoneDocument.
func NewReconciler(log *Log, tombstoneChunk func(ctx context.Context, documentID string) error) *Reconciler {
	return &Reconciler{log: log, tombstoneChunk: tombstoneChunk}
}

// Run scans for dangling staged_vector intents and rolls each back,
// recording a synthetic committed-rollback marker so Dangling won't
// re-discover it on the next startup.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	dangling, err := r.log.Dangling(ctx)
	if err != nil {
		return 0, err
	}
	for _, d := range dangling {
		if err := r.tombstoneChunk(ctx, d.DocumentID); err != nil {
			return 0, err
		}
		if err := r.log.Stage(ctx, d.DocumentID, d.ExtractionVersion, PhaseCommitted); err != nil {
			return 0, err
		}
	}
	return len(dangling), nil
}
