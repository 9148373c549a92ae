// Package sync applies drained filesystem changes to the document store.
//
// Overview
//
// The orchestrator is the only writer of nodes and edges during normal
// operation. It receives batches from the accumulator, classifies each path
// and makes the store reflect what is on disk:
//
//	accumulate.Batch
//	     ├── created/modified  → classify → checksum → upsert node, sync edges
//	     ├── deleted           → delete node (and everything beneath a directory)
//	     └── moved(old, new)   → delete old, then process new as modified
//	                                      ↓
//	                               docstore.Store
//
// Idempotence
//
// Record keys are derived from paths, and a node whose checksum, size,
// priority and remote id are unchanged is not rewritten. Applying a batch a
// second time therefore leaves both collections byte-for-byte unchanged.
//
// Error Handling
//
// Each event is applied on its own:
//
//   - a file that vanishes mid-read is retried once, then treated as deleted
//   - store failures mark the event as failed; the caller requeues it
//   - unreadable files are logged and skipped
//
// No single failure aborts a batch.
//
// Usage
//
//	orch := sync.New(schema.NewRepo(store), sync.Config{
//	    Classifier: classifier,
//	    Logger:     logger,
//	})
//	res := orch.Apply(ctx, acc.Drain())
//	acc.Requeue(res.Failed)
//
// Explicit syncs walk a file or directory:
//
//	res, err := orch.SyncPath(ctx, "/home/me/notes")
package sync
