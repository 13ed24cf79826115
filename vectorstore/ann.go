package vectorstore

import (
	"sync"

	"github.com/coder/hnsw"
)

// annIndex is an in-memory HNSW index layered over the durable sqlite-vec
// table, satisfying the §4.6 index requirement ("implementation is free
// to choose an ANN index (HNSW) or exact scan"). sqlite-vec remains the
// source of truth; this index is rebuilt from it at startup and kept in
// sync on every upsert/delete so a crash never leaves it as the only copy
// of a vector.
type annIndex struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
}

func newANNIndex() *annIndex {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	return &annIndex{
		graph:  g,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

// Upsert adds or replaces the vector for chunkID. Replacement uses lazy
// deletion (orphaning the old key) since coder/hnsw does not support
// removing the final node cleanly.
func (a *annIndex) Upsert(chunkID string, vector []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if oldKey, ok := a.idMap[chunkID]; ok {
		delete(a.keyMap, oldKey)
	}
	key := a.nextKey
	a.nextKey++
	a.graph.Add(hnsw.MakeNode(key, vector))
	a.idMap[chunkID] = key
	a.keyMap[key] = chunkID
}

// Delete removes chunkID from the index (lazy deletion).
func (a *annIndex) Delete(chunkID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if key, ok := a.idMap[chunkID]; ok {
		delete(a.keyMap, key)
		delete(a.idMap, chunkID)
	}
}

// annHit is one search result before post-filtering.
type annHit struct {
	ChunkID string
	Score   float64
}

// Search returns the k nearest neighbors to query by cosine similarity.
func (a *annIndex) Search(query []float32, k int) []annHit {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.graph.Len() == 0 || k <= 0 {
		return nil
	}

	nodes := a.graph.Search(query, k)
	hits := make([]annHit, 0, len(nodes))
	for _, n := range nodes {
		id, ok := a.keyMap[n.Key]
		if !ok {
			continue // lazily-deleted orphan
		}
		dist := a.graph.Distance(query, n.Value)
		// CosineDistance ranges [0,2]; convert to a similarity in [-1,1].
		score := 1.0 - float64(dist)
		hits = append(hits, annHit{ChunkID: id, Score: score})
	}
	return hits
}

func (a *annIndex) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.idMap)
}
