// Package ptolemies holds the shared configuration and error taxonomy of
// the Ptolemies documentation-ingestion engine: a crawl → extract →
// chunk → embed → store pipeline feeding a dual vector/graph store, and
// a hybrid retrieval engine fusing semantic similarity with graph
// traversal.
//
// The component packages (fetch, extract, chunk, quality, embed,
// vectorstore, graphstore, crawl, cache, retrieval, pipeline, intent)
// depend only on this root package; package engine composes them into a
// runnable core, and cmd/ptolemies is the operational CLI.
package ptolemies
