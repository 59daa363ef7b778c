// Package async provides a bounded worker pool for background tasks.
//
// # Overview
//
// WorkerPool runs tasks on a fixed set of goroutines fed by a bounded queue.
// Each task gets its own timeout context derived from the pool context.
// Errors and panics are logged and never stop a worker.
//
//	pool := async.NewWorkerPool(ctx, 8, 256, "delivery dispatch", 45*time.Second, logger)
//	defer pool.Shutdown(5 * time.Second)
//
//	if err := pool.TrySubmit(task); errors.Is(err, async.ErrPoolFull) {
//		// leave it for the next scheduler sweep
//	}
//
// # Related Packages
//
//   - pkg/webhooks: Immediate delivery dispatch after fan-out
package async
