// Package async runs the engine's background work: fire-and-forget tasks, a bounded
// batch runner and a long-lived worker pool. Every task gets a deadline, and a panic
// is recovered and reported as an error wrapping ErrPanic.
//
//	async.Go(ctx, time.Minute, "invoice archive", upload)
//
//	errs := async.Batch(ctx, dueIssues, 8, "payment retry", time.Minute, retryOne)
//
//	pool := async.NewWorkerPool(ctx, async.PoolConfig{Workers: 4, TaskTimeout: time.Minute})
//	defer pool.Shutdown(5 * time.Second)
//	pool.Submit("cycle advance", advanceDue)
//
// Failures are returned as *TaskError carrying the task name. Go logs them through
// the logger stored on the context with observability.WithLogger.
package async
