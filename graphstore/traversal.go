package graphstore

import (
	"context"
	"fmt"

	"github.com/ptolemies/ptolemies"
)

// visitKey uniquely identifies a node across labels for the visit-once set.
type visitKey struct {
	label Label
	id    string
}

// Neighbors performs a bounded BFS from seed, following only the given
// edgeTypes in the given direction, visiting each node at most once,
// bounded by maxDepth and limit, with ties broken by edge insertion order
// (§4.7: "BFS, visit-once, bounded by max_depth and result limit; ties
// broken by insertion order").
func (s *Store) Neighbors(ctx context.Context, seed NodeRef, edgeTypes []EdgeType, direction Direction, maxDepth, limit int) (Subgraph, error) {
	if limit <= 0 {
		limit = 100
	}

	seedNode, err := s.getNode(ctx, seed)
	if err != nil {
		return Subgraph{}, &ptolemies.StoreError{Op: "neighbors", Err: err}
	}
	if seedNode == nil {
		return Subgraph{}, nil
	}

	result := Subgraph{Nodes: []Node{*seedNode}}
	if maxDepth <= 0 {
		return result, nil
	}

	visited := map[visitKey]bool{{seed.Label, seed.ID}: true}
	frontier := []NodeRef{seed}

	for depth := 0; depth < maxDepth && len(frontier) > 0 && len(result.Nodes) < limit; depth++ {
		var next []NodeRef
		for _, ref := range frontier {
			edges, err := s.edgesFrom(ctx, ref, edgeTypes, direction)
			if err != nil {
				return Subgraph{}, &ptolemies.StoreError{Op: "neighbors", Err: err}
			}
			for _, e := range edges {
				other := otherEnd(ref, e)
				key := visitKey{other.Label, other.ID}
				if visited[key] {
					result.Edges = append(result.Edges, e)
					continue
				}
				if len(result.Nodes) >= limit {
					break
				}
				node, err := s.getNode(ctx, other)
				if err != nil {
					return Subgraph{}, &ptolemies.StoreError{Op: "neighbors", Err: err}
				}
				if node == nil {
					continue
				}
				visited[key] = true
				result.Nodes = append(result.Nodes, *node)
				result.Edges = append(result.Edges, e)
				next = append(next, other)
			}
		}
		frontier = next
	}
	return result, nil
}

// ShortestPath returns the BFS shortest path from `from` to `to` following
// only edgeTypes, bounded by maxDepth hops, or (nil, false) if none exists
// within the bound (§4.7).
func (s *Store) ShortestPath(ctx context.Context, from, to NodeRef, edgeTypes []EdgeType, maxDepth int) ([]NodeRef, bool, error) {
	if from == to {
		return []NodeRef{from}, true, nil
	}

	type queueEntry struct {
		ref  NodeRef
		path []NodeRef
	}

	visited := map[visitKey]bool{{from.Label, from.ID}: true}
	queue := []queueEntry{{ref: from, path: []NodeRef{from}}}

	for depth := 0; depth < maxDepth && len(queue) > 0; depth++ {
		var nextQueue []queueEntry
		for _, entry := range queue {
			edges, err := s.edgesFrom(ctx, entry.ref, edgeTypes, DirBoth)
			if err != nil {
				return nil, false, &ptolemies.StoreError{Op: "shortest_path", Err: err}
			}
			for _, e := range edges {
				other := otherEnd(entry.ref, e)
				if other == to {
					return append(append([]NodeRef{}, entry.path...), other), true, nil
				}
				key := visitKey{other.Label, other.ID}
				if visited[key] {
					continue
				}
				visited[key] = true
				nextQueue = append(nextQueue, queueEntry{ref: other, path: append(append([]NodeRef{}, entry.path...), other)})
			}
		}
		queue = nextQueue
	}
	return nil, false, nil
}

func (s *Store) getNode(ctx context.Context, ref NodeRef) (*Node, error) {
	var n Node
	var lbl, propsJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT label, id, COALESCE(document_id, ''), properties FROM nodes WHERE label = ? AND id = ? AND active = 1",
		string(ref.Label), ref.ID).Scan(&lbl, &n.ID, &n.DocumentID, &propsJSON)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, err
	}
	n.Label = Label(lbl)
	n.Properties = decodeProps(propsJSON)
	return &n, nil
}

// edgesFrom returns active edges incident to ref, filtered to edgeTypes
// (all types when empty) and direction, ordered by insertion order.
func (s *Store) edgesFrom(ctx context.Context, ref NodeRef, edgeTypes []EdgeType, direction Direction) ([]Edge, error) {
	typeFilter, typeArgs := edgeTypeClause(edgeTypes)

	var query string
	var args []interface{}
	switch direction {
	case DirOut:
		query = fmt.Sprintf(`
			SELECT from_label, from_id, to_label, to_id, edge_type, sub_type, weight, COALESCE(document_id, '')
			FROM edges WHERE from_label = ? AND from_id = ? AND active = 1 %s ORDER BY rowid_seq`, typeFilter)
		args = append([]interface{}{string(ref.Label), ref.ID}, typeArgs...)
	case DirIn:
		query = fmt.Sprintf(`
			SELECT from_label, from_id, to_label, to_id, edge_type, sub_type, weight, COALESCE(document_id, '')
			FROM edges WHERE to_label = ? AND to_id = ? AND active = 1 %s ORDER BY rowid_seq`, typeFilter)
		args = append([]interface{}{string(ref.Label), ref.ID}, typeArgs...)
	default: // DirBoth
		query = fmt.Sprintf(`
			SELECT from_label, from_id, to_label, to_id, edge_type, sub_type, weight, COALESCE(document_id, '')
			FROM edges
			WHERE ((from_label = ? AND from_id = ?) OR (to_label = ? AND to_id = ?)) AND active = 1 %s
			ORDER BY rowid_seq`, typeFilter)
		args = append([]interface{}{string(ref.Label), ref.ID, string(ref.Label), ref.ID}, typeArgs...)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		var fromLabel, toLabel, typ string
		if err := rows.Scan(&fromLabel, &e.FromID, &toLabel, &e.ToID, &typ, &e.SubType, &e.Weight, &e.DocumentID); err != nil {
			return nil, err
		}
		e.FromLabel = Label(fromLabel)
		e.ToLabel = Label(toLabel)
		e.Type = EdgeType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func edgeTypeClause(edgeTypes []EdgeType) (string, []interface{}) {
	if len(edgeTypes) == 0 {
		return "", nil
	}
	clause := " AND edge_type IN ("
	args := make([]interface{}, len(edgeTypes))
	for i, t := range edgeTypes {
		if i > 0 {
			clause += ", "
		}
		clause += "?"
		args[i] = string(t)
	}
	clause += ")"
	return clause, args
}

func otherEnd(from NodeRef, e Edge) NodeRef {
	if e.FromLabel == from.Label && e.FromID == from.ID {
		return NodeRef{Label: e.ToLabel, ID: e.ToID}
	}
	return NodeRef{Label: e.FromLabel, ID: e.FromID}
}
