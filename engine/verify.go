package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/ptolemies/ptolemies/graphstore"
)

// Violation is one invariant breach found by Verify, carrying the
// invariant's name and the offending id so operators can repair or GC it
// (§6: "prints the violating ids").
type Violation struct {
	Invariant string `json:"invariant"`
	ID        string `json:"id"`
	Detail    string `json:"detail"`
}

// normTolerance bounds |‖vector‖₂ − 1| (§8).
const normTolerance = 1e-5

// Verify checks the §8 invariants across both stores:
//
//  1. cross-store referential integrity of chunk ids, both directions
//  2. contiguous chunk_index ranges per document
//  3. embedding dimension and L2 norm
//  4. Source.chunk_count against the live active-chunk count
//  5. no duplicate (document_id, chunk_index) among active rows
//
// It returns every violation found rather than stopping at the first, so
// one `verify` run gives operators the full repair list.
func (e *engine) Verify(ctx context.Context) ([]Violation, error) {
	var violations []Violation

	vecChunkIDs, err := e.vec.AllActiveChunkIDs(ctx)
	if err != nil {
		return nil, err
	}
	graphChunks, err := e.graph.AllNodeRefs(ctx, graphstore.LabelChunk)
	if err != nil {
		return nil, err
	}

	graphSet := make(map[string]bool, len(graphChunks))
	for _, ref := range graphChunks {
		graphSet[ref.ID] = true
	}
	vecSet := make(map[string]bool, len(vecChunkIDs))
	for _, id := range vecChunkIDs {
		vecSet[id] = true
		if !graphSet[id] {
			violations = append(violations, Violation{
				Invariant: "cross_store_integrity",
				ID:        id,
				Detail:    "active chunk in vector store has no chunk node in graph store",
			})
		}
	}
	for _, ref := range graphChunks {
		if !vecSet[ref.ID] {
			violations = append(violations, Violation{
				Invariant: "cross_store_integrity",
				ID:        ref.ID,
				Detail:    "active chunk node in graph store has no chunk row in vector store",
			})
		}
	}

	docIDs, err := e.vec.AllDocumentIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, docID := range docIDs {
		indexes, err := e.vec.ActiveChunkIndexes(ctx, docID)
		if err != nil {
			return nil, err
		}
		for i, idx := range indexes {
			if idx != i {
				violations = append(violations, Violation{
					Invariant: "chunk_index_contiguous",
					ID:        docID,
					Detail:    fmt.Sprintf("active chunk_index set has a gap or duplicate at position %d (found %d)", i, idx),
				})
				break
			}
		}
	}

	for _, chunkID := range vecChunkIDs {
		dim, hasEmb, err := e.vec.EmbeddingDimensionOf(ctx, chunkID)
		if err != nil {
			return nil, err
		}
		if !hasEmb {
			continue
		}
		if dim != e.vec.EmbeddingDim() {
			violations = append(violations, Violation{
				Invariant: "embedding_dimension",
				ID:        chunkID,
				Detail:    fmt.Sprintf("dimension %d, engine expects %d", dim, e.vec.EmbeddingDim()),
			})
		}
		norm, ok, err := e.vec.VectorNorm(ctx, chunkID)
		if err != nil {
			return nil, err
		}
		if ok && math.Abs(norm-1) > normTolerance {
			violations = append(violations, Violation{
				Invariant: "embedding_normalized",
				ID:        chunkID,
				Detail:    fmt.Sprintf("L2 norm %.8f", norm),
			})
		}
	}

	sources, err := e.vec.AllSources(ctx)
	if err != nil {
		return nil, err
	}
	liveCounts, err := e.vec.ActiveChunkCountBySource(ctx)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		if live := liveCounts[src.SourceID]; live != src.ChunkCount {
			violations = append(violations, Violation{
				Invariant: "source_chunk_count",
				ID:        src.SourceID,
				Detail:    fmt.Sprintf("source record says %d chunks, store has %d active", src.ChunkCount, live),
			})
		}
	}

	dups, err := e.vec.DuplicateChunkCoordinates(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range dups {
		violations = append(violations, Violation{
			Invariant: "chunk_coordinate_unique",
			ID:        id,
			Detail:    "shares (document_id, chunk_index) with another active chunk",
		})
	}

	return violations, nil
}
