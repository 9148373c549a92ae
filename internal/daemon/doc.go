// Package daemon runs loom's background pipeline for one database.
//
// # Architecture
//
// A Daemon wires four components together:
//
//   - watch.Watcher: delivers filesystem notifications for the roots
//   - accumulate.Accumulator: collapses notifications into pending changes
//   - sync.Orchestrator: applies drained batches to the document store
//   - prune.Engine: removes and corrects stale records on a schedule
//
// Two loops cooperate through the accumulator. The sync loop drains on every
// tick of the sync interval, or early when the accumulator reports that it is
// full, so the sync interval is the maximum drain latency. Events that fail
// with a store error are requeued for the next tick. The prune loop checks the
// scheduler and runs an automatic prune when one is due.
//
// Sync and prune passes share a writer lock, so only one of them writes to
// the database at a time. A sync pass waits for the lock; an automatic prune
// that finds it taken is skipped until the next check.
//
// # Instance lock
//
// Only one daemon may run against a database. AcquireLock takes an exclusive,
// non-blocking lock on a file in the state directory (flock on Unix,
// LockFileEx on Windows) and returns ErrAlreadyRunning if another process
// holds it. The lock is released when the process exits, even on a crash.
//
// # Usage
//
//	lock, err := daemon.AcquireLock(cfg.LockPath("notes"))
//	if err != nil {
//	    return err
//	}
//	defer lock.Release()
//
//	d, err := daemon.New(daemon.Components{...}, daemonCfg)
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is canceled
//
// # Shutdown
//
// Canceling the context stops both loops at the top of their next iteration.
// In-flight store and network calls finish or time out. The watcher is then
// closed, and whatever is still pending is applied in a final drain bounded
// by ShutdownTimeout.
package daemon
