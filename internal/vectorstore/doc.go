// Package vectorstore indexes chunk vectors and answers nearest-neighbour
// and hybrid queries over them.
//
// Two backends implement Store: ChromemStore, an embedded persistent
// database that needs no external service, and QdrantStore, a gRPC client
// for a Qdrant server. Both share the same ordering, threshold and
// delete-then-insert semantics so callers never depend on the backend.
//
// Indexing a document always removes its previous chunks first:
//
//	ids, err := store.BulkIndex(ctx, docID, chunks)
//
// Search results are sorted by similarity (descending), then chunk index,
// then document id, and never contain a result below the requested
// minimum similarity.
package vectorstore
