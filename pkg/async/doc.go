// Package async provides safe concurrent execution primitives for background tasks.
//
// SafeGo runs a fire-and-forget task with a timeout and panic recovery,
// logging failures through the logger carried in the context:
//
//	async.SafeGo(context.WithoutCancel(ctx), 10*time.Second, "archive webhook payload", fn)
//
// WorkerPool is a fixed pool with a bounded queue; the notification
// dispatcher uses it so webhook handlers never wait on outbound delivery:
//
//	pool := async.NewWorkerPool(ctx, async.PoolConfig{Workers: 4, QueueSize: 256, TaskName: "notify"})
//	defer pool.Shutdown(5 * time.Second)
//	err := pool.TrySubmit(task)
//
// Batch fans a slice out over a temporary pool and collects the errors.
package async
