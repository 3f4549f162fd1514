package aof

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// BIO is the background-I/O job submission interface consumed by the
// Writer and Rewriter (spec.md §4.H). The core never waits on an
// individual job — only "is anything in flight" and "drain everything"
// are observable.
type BIO interface {
	SubmitFsync(f *os.File, replOffset int64)
	SubmitFsyncAndClose(f *os.File, replOffset int64)
	SubmitUnlink(path string)
	FsyncInFlight() bool
	Drain()
}

// BIOPool is a bounded-concurrency implementation of BIO backed by
// golang.org/x/sync/semaphore, matching the "separate BIO worker pool"
// described in spec.md §5: each submitted job runs in its own goroutine
// once it acquires the semaphore, with no shared mutable state beyond
// atomic status words.
type BIOPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	fsyncInFlight atomic.Int32

	// onDurable is invoked after a successful fsync with the
	// replication offset that job was submitted with. The Writer uses
	// it to publish the monotonically increasing durable offset.
	onDurable func(replOffset int64)
	onError   func(job string, err error)
	logger    *zap.Logger
}

// NewBIOPool returns a pool that runs at most concurrency jobs at
// once.
func NewBIOPool(concurrency int64, onDurable func(int64), onError func(string, error), logger *zap.Logger) *BIOPool {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BIOPool{
		sem:       semaphore.NewWeighted(concurrency),
		onDurable: onDurable,
		onError:   onError,
		logger:    logger,
	}
}

func (p *BIOPool) run(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)
		fn()
	}()
}

// SubmitFsync enqueues an async fsync job for f. On success it
// publishes replOffset as durably synced.
func (p *BIOPool) SubmitFsync(f *os.File, replOffset int64) {
	p.fsyncInFlight.Add(1)
	p.run(func() {
		defer p.fsyncInFlight.Add(-1)
		if err := f.Sync(); err != nil {
			p.reportErr("fsync", err)
			return
		}
		if p.onDurable != nil {
			p.onDurable(replOffset)
		}
	})
}

// SubmitFsyncAndClose fsyncs then closes f, in that order — spec.md §5
// requires fsync to happen before close so no reordering can lose
// already-buffered bytes from a segment the Writer just rotated away
// from.
func (p *BIOPool) SubmitFsyncAndClose(f *os.File, replOffset int64) {
	p.fsyncInFlight.Add(1)
	p.run(func() {
		defer p.fsyncInFlight.Add(-1)
		if err := f.Sync(); err != nil {
			p.reportErr("fsync-and-close", err)
		} else if p.onDurable != nil {
			p.onDurable(replOffset)
		}
		if err := f.Close(); err != nil {
			p.reportErr("fsync-and-close", err)
		}
	})
}

// SubmitUnlink removes path in the background. Failures are nonfatal
// background errors per spec.md §7.
func (p *BIOPool) SubmitUnlink(path string) {
	p.run(func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.reportErr("unlink", err)
		}
	})
}

// FsyncInFlight reports whether an fsync or fsync-and-close job is
// currently running.
func (p *BIOPool) FsyncInFlight() bool {
	return p.fsyncInFlight.Load() > 0
}

// Drain blocks until all submitted jobs (fsync, fsync-and-close,
// unlink) have completed.
func (p *BIOPool) Drain() {
	p.wg.Wait()
}

func (p *BIOPool) reportErr(job string, err error) {
	p.logger.Warn("bio job failed", zap.String("job", job), zap.Error(err))
	if p.onError != nil {
		p.onError(job, err)
	}
}
