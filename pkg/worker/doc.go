// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package worker provides the bounded dispatch pool the engine runs message
processing and maintenance jobs on.

# Pool

A Pool has a fixed number of workers reading from a bounded queue. Submit
never blocks: a full queue fails fast with ErrQueueFull so callers can
answer with back pressure instead of piling up goroutines.

	pool, err := worker.NewPool(worker.Config{Workers: 8, QueueSize: 256})
	if err != nil {
	    return err
	}
	pool.Start()
	defer pool.Shutdown(ctx)

	fut, err := worker.Submit(ctx, pool, func(ctx context.Context) (string, error) {
	    return process(ctx)
	})
	if err != nil {
	    return err
	}
	result, err := fut.Wait(ctx)

A task that panics resolves its future with ErrTaskPanic; the worker and the
other in-flight tasks are unaffected.

# Scheduled jobs

Schedule runs a job on the pool at a fixed interval. A cycle is skipped when
the previous run of the same job is still executing, so runs never overlap.

	pool.Schedule("duplicate-eviction", time.Minute, evict)

# Shutdown

Shutdown stops the schedules, closes the queue and waits until every queued
and running task has finished, or until ctx expires. In-flight tasks are
never cancelled by the pool.

# Metrics

When Config.Registerer is set the pool registers counters for submitted,
completed, failed, panicked and dropped tasks, skipped job cycles, and a
queue depth gauge under the as4_worker namespace.
*/
package worker
