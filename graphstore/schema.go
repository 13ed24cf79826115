package graphstore

const schemaSQL = `
CREATE TABLE IF NOT EXISTS nodes (
    label TEXT NOT NULL,
    id TEXT NOT NULL,
    document_id TEXT,
    properties TEXT NOT NULL DEFAULT '{}',
    active INTEGER NOT NULL DEFAULT 1,
    tombstoned_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (label, id)
);

CREATE TABLE IF NOT EXISTS edges (
    rowid_seq INTEGER PRIMARY KEY AUTOINCREMENT,
    from_label TEXT NOT NULL,
    from_id TEXT NOT NULL,
    to_label TEXT NOT NULL,
    to_id TEXT NOT NULL,
    edge_type TEXT NOT NULL,
    sub_type TEXT NOT NULL DEFAULT '',
    weight REAL NOT NULL DEFAULT 1.0,
    document_id TEXT,
    active INTEGER NOT NULL DEFAULT 1,
    tombstoned_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (from_label, from_id, to_label, to_id, edge_type, sub_type)
);

CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_label, from_id, active);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_label, to_id, active);
CREATE INDEX IF NOT EXISTS idx_edges_document ON edges(document_id);
CREATE INDEX IF NOT EXISTS idx_nodes_document ON nodes(document_id);
CREATE INDEX IF NOT EXISTS idx_nodes_label ON nodes(label, active);
`
