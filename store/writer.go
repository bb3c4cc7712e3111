package store

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// writeJob is one durable write enqueued by a committed transaction. The
// cache and the caller's view of the transaction are already updated by the
// time a job reaches here — this only persists it.
type writeJob struct {
	partition *partition
	ts        uint64
	key       []byte
	value     []byte
	tombstone bool
}

// durabilityWriter applies committed writes to their Provider in the
// background, off the commit-lock critical section, using a bounded worker
// pool (errgroup). A worker whose Put or Del fails calls the store's
// fatal-error handler once with that error and exits; the other workers
// keep draining the queue, and Close returns the first such error.
type durabilityWriter struct {
	jobs    chan writeJob
	g       *errgroup.Group
	ctx     context.Context
	onFatal func(error)
}

func newDurabilityWriter(workers int, onFatal func(error)) *durabilityWriter {
	g, ctx := errgroup.WithContext(context.Background())
	w := &durabilityWriter{
		jobs:    make(chan writeJob, 256),
		g:       g,
		ctx:     ctx,
		onFatal: onFatal,
	}
	for i := 0; i < workers; i++ {
		g.Go(w.run)
	}
	return w
}

func (w *durabilityWriter) run() error {
	for job := range w.jobs {
		var err error
		if job.tombstone {
			err = job.partition.provider.Del(job.ts, job.key)
		} else {
			err = job.partition.provider.Put(job.ts, job.key, job.value)
		}
		if err != nil {
			if w.onFatal != nil {
				w.onFatal(err)
			}
			return err
		}
	}
	return nil
}

func (w *durabilityWriter) enqueue(job writeJob) {
	w.jobs <- job
}

// Close stops accepting new jobs and waits for in-flight ones to drain.
func (w *durabilityWriter) Close() error {
	close(w.jobs)
	return w.g.Wait()
}
