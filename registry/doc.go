// Package registry is the durable source of truth for tracked artifacts.
//
// All records live in a single JSON document (registry.json by default)
// keyed by artifact id. Every mutation is write-ahead: the next document is
// built from the committed state, written to a temporary file, synced and
// renamed into place, and only then published to readers. A failed write
// leaves both the file and the in-memory view unchanged.
//
// Mutations are serialized per artifact family. Document rewrites hold a
// lock file next to the document (flock(2) on OS filesystems) and re-read
// the document before applying a change, so several handles or processes
// sharing one state directory never lose each other's writes. Readers use
// the last state this handle saw; Refresh re-reads it. Readers never block
// on a rewrite and always observe a committed snapshot.
package registry
