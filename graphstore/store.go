// Package graphstore implements the Graph Store component (C7): a
// persistent typed-node/typed-edge store with BFS traversal query (§4.7,
// §3).
package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ptolemies/ptolemies"
)

// Label identifies a node's entity kind (§3).
type Label string

const (
	LabelSource    Label = "source"
	LabelDocument  Label = "document"
	LabelChunk     Label = "chunk"
	LabelFramework Label = "framework"
	LabelTopic     Label = "topic"
)

// EdgeType identifies one of the six typed edges named in §3.
type EdgeType string

const (
	EdgeDocuments      EdgeType = "DOCUMENTS"        // Source -> Framework
	EdgeHasChunkDoc    EdgeType = "HAS_CHUNK"        // Document -> Chunk
	EdgeHasChunkSource EdgeType = "SOURCE_HAS_CHUNK" // Source -> Chunk (denormalized)
	EdgeCoversTopic    EdgeType = "COVERS_TOPIC"     // Chunk -> Topic, weight = frequency
	EdgeIntegratesWith EdgeType = "INTEGRATES_WITH"  // Framework -> Framework; sub_type native|plugin|adapter
	EdgeRelatedTo      EdgeType = "RELATED_TO"       // Topic -> Topic; sub_type parent|sibling|prerequisite
)

// Node is one typed vertex (§3).
type Node struct {
	Label      Label
	ID         string
	DocumentID string // denormalized, set for Document/Chunk nodes; used by TombstoneByDocument
	Properties map[string]string
}

// Edge is one typed, optionally-weighted, optionally-sub-typed arc (§3).
type Edge struct {
	FromLabel  Label
	FromID     string
	ToLabel    Label
	ToID       string
	Type       EdgeType
	SubType    string
	Weight     float64
	DocumentID string // denormalized, set for chunk-sourced edges
}

// NodeRef identifies a node for traversal entry points and results.
type NodeRef struct {
	Label Label
	ID    string
}

// Subgraph is the neighbors() result (§4.7).
type Subgraph struct {
	Nodes []Node
	Edges []Edge
}

// Direction constrains which edge endpoint a traversal follows.
type Direction string

const (
	DirOut  Direction = "out"
	DirIn   Direction = "in"
	DirBoth Direction = "both"
)

// Stats is the C7 stats() result (§4.7, §6).
type Stats struct {
	NNodes   int
	NEdges   int
	PerLabel map[string]int
	PerType  map[string]int
}

// Store is the durable typed-node/typed-edge graph store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at dbPath and initializes the
// Graph Store schema. dbPath may be the same file as the Vector Store
// (§6: "both stores may share one database file, as the schema keeps them
// in disjoint tables").
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &ptolemies.StoreError{Op: "open", Err: err}
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, &ptolemies.StoreError{Op: "open", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &ptolemies.StoreError{Op: "open", Err: err}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, &ptolemies.StoreError{Op: "schema", Err: err}
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// SetPoolSize overrides the connection pool size (§5).
func (s *Store) SetPoolSize(n int) {
	if n <= 0 {
		n = 2
	}
	s.db.SetMaxOpenConns(n)
	s.db.SetMaxIdleConns(n)
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying *sql.DB for diagnostic use.
func (s *Store) DB() *sql.DB { return s.db }

// UpsertNodes idempotently inserts or updates nodes, keyed by (label, id)
// (§4.7).
func (s *Store) UpsertNodes(ctx context.Context, nodes []Node) error {
	if len(nodes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ptolemies.StoreError{Op: "upsert_nodes", Err: err}
	}
	defer tx.Rollback()

	if err := upsertNodesTx(ctx, tx, nodes); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &ptolemies.StoreError{Op: "upsert_nodes", Err: err}
	}
	return nil
}

func upsertNodesTx(ctx context.Context, tx *sql.Tx, nodes []Node) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO nodes (label, id, document_id, properties, active, tombstoned_at)
		VALUES (?, ?, ?, ?, 1, NULL)
		ON CONFLICT(label, id) DO UPDATE SET
			document_id = excluded.document_id,
			properties = excluded.properties,
			active = 1,
			tombstoned_at = NULL
	`)
	if err != nil {
		return &ptolemies.StoreError{Op: "upsert_nodes", Err: err}
	}
	defer stmt.Close()

	for _, n := range nodes {
		props, _ := json.Marshal(n.Properties)
		if _, err := stmt.ExecContext(ctx, string(n.Label), n.ID, nullableString(n.DocumentID), string(props)); err != nil {
			return &ptolemies.StoreError{Op: "upsert_nodes", Err: err}
		}
	}
	return nil
}

// UpsertEdges idempotently inserts or updates edges, keyed by
// (from, to, type, sub_type) (§4.7).
func (s *Store) UpsertEdges(ctx context.Context, edges []Edge) error {
	if len(edges) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ptolemies.StoreError{Op: "upsert_edges", Err: err}
	}
	defer tx.Rollback()

	if err := upsertEdgesTx(ctx, tx, edges); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &ptolemies.StoreError{Op: "upsert_edges", Err: err}
	}
	return nil
}

func upsertEdgesTx(ctx context.Context, tx *sql.Tx, edges []Edge) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO edges (from_label, from_id, to_label, to_id, edge_type, sub_type, weight, document_id, active, tombstoned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, NULL)
		ON CONFLICT(from_label, from_id, to_label, to_id, edge_type, sub_type) DO UPDATE SET
			weight = excluded.weight,
			document_id = excluded.document_id,
			active = 1,
			tombstoned_at = NULL
	`)
	if err != nil {
		return &ptolemies.StoreError{Op: "upsert_edges", Err: err}
	}
	defer stmt.Close()

	for _, e := range edges {
		if _, err := stmt.ExecContext(ctx, string(e.FromLabel), e.FromID, string(e.ToLabel), e.ToID,
			string(e.Type), e.SubType, e.Weight, nullableString(e.DocumentID)); err != nil {
			return &ptolemies.StoreError{Op: "upsert_edges", Err: err}
		}
	}
	return nil
}

// ReplaceDocument atomically replaces documentID's graph footprint: every
// node and edge denormalized to the document is tombstoned and the new
// batch upserted within one transaction, so a traversal never observes a
// mixture of the old and new chunk sets for the same document (§4.7:
// "writes batch within a single transaction per document", §5).
func (s *Store) ReplaceDocument(ctx context.Context, documentID string, nodes []Node, edges []Edge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ptolemies.StoreError{Op: "replace_document", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE nodes SET active = 0, tombstoned_at = CURRENT_TIMESTAMP WHERE document_id = ? AND active = 1",
		documentID); err != nil {
		return &ptolemies.StoreError{Op: "replace_document", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE edges SET active = 0, tombstoned_at = CURRENT_TIMESTAMP WHERE document_id = ? AND active = 1",
		documentID); err != nil {
		return &ptolemies.StoreError{Op: "replace_document", Err: err}
	}

	if err := upsertNodesTx(ctx, tx, nodes); err != nil {
		return err
	}
	if err := upsertEdgesTx(ctx, tx, edges); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &ptolemies.StoreError{Op: "replace_document", Err: err}
	}
	return nil
}

// TombstoneByDocument marks every node and edge denormalized to
// documentID as inactive (§4.7, §4.8).
func (s *Store) TombstoneByDocument(ctx context.Context, documentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ptolemies.StoreError{Op: "tombstone_by_document", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE nodes SET active = 0, tombstoned_at = CURRENT_TIMESTAMP WHERE document_id = ? AND active = 1",
		documentID); err != nil {
		return &ptolemies.StoreError{Op: "tombstone_by_document", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE edges SET active = 0, tombstoned_at = CURRENT_TIMESTAMP WHERE document_id = ? AND active = 1",
		documentID); err != nil {
		return &ptolemies.StoreError{Op: "tombstone_by_document", Err: err}
	}
	return tx.Commit()
}

// GC permanently deletes nodes and edges tombstoned for longer than
// retention (§3 invariant 5).
func (s *Store) GC(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM edges WHERE active = 0 AND tombstoned_at IS NOT NULL AND tombstoned_at < ?", cutoff)
	if err != nil {
		return 0, &ptolemies.StoreError{Op: "gc", Err: err}
	}
	n1, _ := res.RowsAffected()

	res2, err := s.db.ExecContext(ctx,
		"DELETE FROM nodes WHERE active = 0 AND tombstoned_at IS NOT NULL AND tombstoned_at < ?", cutoff)
	if err != nil {
		return 0, &ptolemies.StoreError{Op: "gc", Err: err}
	}
	n2, _ := res2.RowsAffected()
	return int(n1 + n2), nil
}

// QueryByLabel returns nodes of the given label whose properties match
// every key/value in filters (§4.7).
func (s *Store) QueryByLabel(ctx context.Context, label Label, filters map[string]string, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT label, id, COALESCE(document_id, ''), properties FROM nodes WHERE label = ? AND active = 1 LIMIT ?",
		string(label), limit*4) // over-fetch; filters applied in Go below
	if err != nil {
		return nil, &ptolemies.StoreError{Op: "query_by_label", Err: err}
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		var lbl, propsJSON string
		if err := rows.Scan(&lbl, &n.ID, &n.DocumentID, &propsJSON); err != nil {
			return nil, &ptolemies.StoreError{Op: "query_by_label", Err: err}
		}
		n.Label = Label(lbl)
		n.Properties = decodeProps(propsJSON)
		if matchesFilters(n.Properties, filters) {
			out = append(out, n)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func matchesFilters(props map[string]string, filters map[string]string) bool {
	for k, v := range filters {
		if props[k] != v {
			return false
		}
	}
	return true
}

// Stats returns graph-store-wide counters (§4.7, §6).
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	st.PerLabel = make(map[string]int)
	st.PerType = make(map[string]int)

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes WHERE active = 1").Scan(&st.NNodes); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM edges WHERE active = 1").Scan(&st.NEdges); err != nil {
		return st, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT label, COUNT(*) FROM nodes WHERE active = 1 GROUP BY label")
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.PerLabel[label] = n
	}
	rows.Close()

	rows2, err := s.db.QueryContext(ctx, "SELECT edge_type, COUNT(*) FROM edges WHERE active = 1 GROUP BY edge_type")
	if err != nil {
		return st, err
	}
	for rows2.Next() {
		var typ string
		var n int
		if err := rows2.Scan(&typ, &n); err != nil {
			rows2.Close()
			return st, err
		}
		st.PerType[typ] = n
	}
	rows2.Close()
	return st, rows2.Err()
}

// AllNodeRefs returns every active node with the given label, used by `verify`.
func (s *Store) AllNodeRefs(ctx context.Context, label Label) ([]NodeRef, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT label, id FROM nodes WHERE label = ? AND active = 1", string(label))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NodeRef
	for rows.Next() {
		var lbl, id string
		if err := rows.Scan(&lbl, &id); err != nil {
			return nil, err
		}
		out = append(out, NodeRef{Label: Label(lbl), ID: id})
	}
	return out, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func decodeProps(raw string) map[string]string {
	out := make(map[string]string)
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
