// Package zsei implements an embedded hierarchical container store:
// content-addressed records with parent/child adjacency, memory-mapped
// reads behind committed-length headers, hash-based integrity verification
// with an automatic repair cascade, bounded breadth-first traversal, and
// approximate nearest-neighbor search over container embeddings.
//
// A store is a directory of append-only record files plus an HNSW index
// snapshot. One process mutates a store at a time (advisory lock); within
// that process all operations are safe for concurrent use.
//
// Basic usage:
//
//	db, err := zsei.New("./data").
//	    Dimension(768).
//	    Cosine().
//	    Build()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	id, err := db.PutContainer(ctx, payload, zsei.WithEmbedding(vec))
//	children, err := db.GetChildren(ctx, id, "contains")
//
//	for visit, err := range db.Traverse(ctx, id, zsei.WithMaxDepth(3)) {
//	    ...
//	}
package zsei
