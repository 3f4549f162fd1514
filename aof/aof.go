package aof

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AOF ties the Manifest, Writer, Loader, Rewriter, rate limiter and
// background I/O pool into the single stateful object an embedding
// server opens once at startup. It owns the one mutex spec.md §9
// ("Global writer state") calls out as guarding every manifest-pointer
// swap and writer/rewrite state transition — Manifest, Writer and
// Rewriter are individually safe for concurrent use, but the
// choreography between them (rotate, dump, install, demote) is not,
// and lives here.
type AOF struct {
	mu sync.Mutex

	dir string
	cfg Config

	manifest *Manifest
	writer   *Writer
	bio      BIO
	rewriter *Rewriter
	limiter  *RateLimiter
	mtr      *metrics
	logger   *zap.Logger

	sizeAtLastRewrite int64
	closed            bool
}

// Open prepares dir for use but does not replay anything — call Load
// once, immediately afterward, with the ReplayTarget that should
// receive the reconstructed command stream.
func Open(dir string, opts ...Option) (*AOF, error) {
	cfg := defaultConfig(dir)
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("aof: create dir: %w", err)
	}

	mtr := newMetrics(cfg.Metrics)
	limiter := NewRateLimiter()

	// writer is referenced by the BIO pool's onDurable callback before
	// it exists; the closure captures the variable, not its (nil) value
	// at construction time, so the forward reference resolves once
	// writer is assigned below.
	var writer *Writer
	bio := NewBIOPool(cfg.BIOConcurrency, func(offset int64) {
		if writer != nil {
			writer.onFsyncComplete(offset)
		}
	}, func(job string, err error) {
		cfg.Logger.Warn("aof: background io job failed", zap.String("job", job), zap.Error(err))
	}, cfg.Logger)

	writer = NewWriter(cfg, bio, mtr)
	rewriter := NewRewriter(dir, cfg.Prefix, bio, cfg.Clock, cfg.Logger, mtr, limiter)
	writer.SetRewriteActiveFunc(rewriter.Running)

	return &AOF{
		dir:      dir,
		cfg:      cfg,
		manifest: NewManifest(dir, cfg.Prefix),
		writer:   writer,
		bio:      bio,
		rewriter: rewriter,
		limiter:  limiter,
		mtr:      mtr,
		logger:   cfg.Logger,
	}, nil
}

// Load replays the on-disk manifest (upgrading a legacy single-file
// AOF first, if that's all that's present) against target, then opens
// the tail incremental for appending so Propagate can be used.
func (a *AOF) Load(target ReplayTarget) (LoadResult, error) {
	loader := NewLoader(target, a.cfg.AllowTruncatedLoad, a.logger)
	m, res, err := loader.Load(a.dir, a.cfg.Prefix)
	if err != nil {
		return res, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.manifest = m

	if err := a.openTailForAppendLocked(); err != nil {
		return res, err
	}
	a.sizeAtLastRewrite = a.currentSizeLocked()

	return res, nil
}

func (a *AOF) openTailForAppendLocked() error {
	tail := a.manifest.LastIncrName()
	path := filepath.Join(a.dir, tail.Name)

	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("aof: open tail incremental: %w", err)
	}
	info, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return fmt.Errorf("aof: stat tail incremental: %w", err)
	}

	if a.manifest.Dirty() {
		if err := a.manifest.Persist(); err != nil {
			_ = fd.Close()
			return fmt.Errorf("aof: persist manifest after opening tail: %w", err)
		}
	}

	a.writer.Rotate(fd, false, info.Size())
	return nil
}

// Propagate buffers one already-executed command for the tail segment.
// It does not block on I/O; call Flush to apply the configured fsync
// policy.
func (a *AOF) Propagate(db int, args []string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	w := a.writer
	a.mu.Unlock()

	w.Propagate(db, args)
	return nil
}

// Flush applies the configured fsync policy to whatever Propagate has
// buffered so far.
func (a *AOF) Flush(force bool) error {
	return a.writer.Flush(force)
}

// DurableOffset returns the highest offset known to be fsynced.
func (a *AOF) DurableOffset() int64 {
	return a.writer.DurableOffset()
}

// WaitAOF blocks until targetOffset is durable or ctx is done,
// matching the WAITAOF contract of spec.md §6: it forces a flush first
// so a caller that just propagated a command doesn't wait on a write
// sitting in the buffer.
func (a *AOF) WaitAOF(ctx context.Context, targetOffset int64) error {
	if err := a.Flush(true); err != nil {
		return err
	}
	if a.writer.DurableOffset() >= targetOffset {
		return nil
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if a.writer.DurableOffset() >= targetOffset {
				return nil
			}
		}
	}
}

// TriggerRewrite runs one background-rewrite attempt to completion and
// installs the result into the manifest on success. iter must be a
// point-in-time-safe view of the dataset (e.g. MemStore.Snapshot) —
// AOF never mutates or reads it concurrently with the caller, but it
// also never snapshots it itself, since only the caller knows how its
// own dataset's consistency story works. manual bypasses the rate
// limiter.
//
// TriggerRewrite blocks its caller until the rewrite finishes; run it
// from its own goroutine for a non-blocking BGREWRITEAOF.
func (a *AOF) TriggerRewrite(iter ValueIterator, manual bool) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.rewriter.Running() {
		a.mu.Unlock()
		return ErrRewriteInProgress
	}

	if err := a.writer.Flush(true); err != nil {
		a.mu.Unlock()
		return err
	}
	a.bio.Drain()
	a.writer.mu.Lock()
	oldFd, oldOffset := a.writer.fd, a.writer.totalOffset
	a.writer.mu.Unlock()

	tempIncrFd, tempIncrPath, err := a.createTempIncr()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.writer.EnterWaitRewrite()
	a.writer.Rotate(tempIncrFd, true, 0)
	a.mu.Unlock()

	ch, err := a.rewriter.TriggerAsync(iter, manual)
	if err != nil {
		a.mu.Lock()
		a.writer.LeaveWaitRewrite()
		a.mu.Unlock()
		_ = tempIncrFd.Close()
		_ = os.Remove(tempIncrPath)
		return err
	}
	if oldFd != nil {
		a.bio.SubmitFsyncAndClose(oldFd, oldOffset)
	}

	result := <-ch

	a.mu.Lock()
	defer a.mu.Unlock()

	if result.Err != nil {
		a.writer.LeaveWaitRewrite()
		_ = os.Remove(result.TempPath)
		if err := a.foldTempIncrLocked(tempIncrPath); err != nil {
			return err
		}
		return result.Err
	}

	return a.finalizeRewriteLocked(tempIncrPath, result)
}

// finalizeRewriteLocked installs a successful rewrite: the dump
// becomes the new Base, the WaitRewrite incremental (still open and
// being appended to) is promoted to the sole live Incr, and every
// pre-rewrite Base/Incr is demoted to History and scheduled for
// background unlinking. Matches spec.md §4.F's success path.
func (a *AOF) finalizeRewriteLocked(tempIncrPath string, result RewriteResult) error {
	oldBase := a.manifest.Base
	oldIncrs := append([]Segment(nil), a.manifest.Incrementals...)

	dup := a.manifest.Dup()
	newBase := dup.NewBaseName(false)
	dup.MarkRewrittenIncrsAsHistory(false)
	newIncr := dup.NewIncrName()

	if err := os.Rename(result.TempPath, filepath.Join(a.dir, newBase.Name)); err != nil {
		return fmt.Errorf("aof: install rewritten base: %w", err)
	}
	if err := os.Rename(tempIncrPath, filepath.Join(a.dir, newIncr.Name)); err != nil {
		return fmt.Errorf("aof: install rewrite incremental: %w", err)
	}
	if err := dup.Persist(); err != nil {
		return fmt.Errorf("aof: persist post-rewrite manifest: %w", err)
	}

	a.manifest = dup
	a.writer.LeaveWaitRewrite()
	a.sizeAtLastRewrite = a.currentSizeLocked()

	if oldBase != nil {
		a.bio.SubmitUnlink(filepath.Join(a.dir, oldBase.Name))
	}
	for _, seg := range oldIncrs {
		a.bio.SubmitUnlink(filepath.Join(a.dir, seg.Name))
	}

	return nil
}

// foldTempIncrLocked runs on a failed rewrite: the WaitRewrite
// incremental already has real, buffered commands in it (foreground
// traffic kept flowing during the failed attempt), so rather than
// discard it, it's promoted into the manifest as an ordinary new Incr.
// The dataset ends up exactly where it would have if no rewrite had
// been attempted at all.
func (a *AOF) foldTempIncrLocked(tempIncrPath string) error {
	dup := a.manifest.Dup()
	newIncr := dup.NewIncrName()

	if err := os.Rename(tempIncrPath, filepath.Join(a.dir, newIncr.Name)); err != nil {
		return fmt.Errorf("aof: fold back rewrite incremental after failed rewrite: %w", err)
	}
	if err := dup.Persist(); err != nil {
		return fmt.Errorf("aof: persist manifest after failed rewrite: %w", err)
	}

	a.manifest = dup
	return nil
}

func (a *AOF) createTempIncr() (*os.File, string, error) {
	name := fmt.Sprintf("temp-incr-bg-%s.aof", uuid.New().String())
	path := filepath.Join(a.dir, name)
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("aof: create rewrite incremental: %w", err)
	}
	return fd, path, nil
}

func (a *AOF) currentSizeLocked() int64 {
	var total int64
	if a.manifest.Base != nil {
		if info, err := os.Stat(filepath.Join(a.dir, a.manifest.Base.Name)); err == nil {
			total += info.Size()
		}
	}
	for _, seg := range a.manifest.Incrementals {
		if info, err := os.Stat(filepath.Join(a.dir, seg.Name)); err == nil {
			total += info.Size()
		}
	}
	return total
}

// MaybeAutoRewrite checks the growth-since-last-rewrite threshold
// (spec.md §4.G) and, if due, runs TriggerRewrite. It is meant to be
// called periodically (cmd/server wires it to a cron schedule) rather
// than on every write. Returns false with a nil error when no rewrite
// was due or one was already running or rate-limited.
func (a *AOF) MaybeAutoRewrite(iter ValueIterator) (bool, error) {
	a.mu.Lock()
	if a.closed || a.rewriter.Running() {
		a.mu.Unlock()
		return false, nil
	}
	total := a.currentSizeLocked()
	threshold := a.sizeAtLastRewrite + a.sizeAtLastRewrite*int64(a.cfg.RewriteGrowthPercent)/100
	due := total >= a.cfg.RewriteMinSizeBytes && total >= threshold
	a.mu.Unlock()

	if !due {
		return false, nil
	}
	if !a.limiter.AllowAutomatic(time.Unix(a.cfg.Clock.NowUnixSec(), 0)) {
		return false, nil
	}

	if err := a.TriggerRewrite(iter, false); err != nil {
		if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrRewriteInProgress) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Status summarizes AOF health for an INFO-style admin query.
type Status struct {
	WriterState                 string
	DurableOffset                int64
	DelayedFsyncs                uint64
	FsyncWeakened                bool
	RewriteInProgress            bool
	ConsecutiveRewriteFailures   uint32
	NextAutomaticRewriteAllowed time.Time
	BaseSegment                  string
	IncrementalCount             int
	HistoryCount                 int
}

func (a *AOF) Info() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	var base string
	if a.manifest.Base != nil {
		base = a.manifest.Base.Name
	}
	return Status{
		WriterState:                 a.writer.State().String(),
		DurableOffset:               a.writer.DurableOffset(),
		DelayedFsyncs:               a.writer.DelayedFsyncs(),
		FsyncWeakened:               a.writer.FsyncWeakened(),
		RewriteInProgress:           a.rewriter.Running(),
		ConsecutiveRewriteFailures:  a.limiter.ConsecutiveFailures(),
		NextAutomaticRewriteAllowed: a.limiter.NextAllowed(),
		BaseSegment:                 base,
		IncrementalCount:            len(a.manifest.Incrementals),
		HistoryCount:                len(a.manifest.History),
	}
}

// Close flushes and fsyncs the tail segment and drains background I/O.
// A rewrite in flight is not canceled; Close waits for nothing beyond
// the Writer and BIO pool, so callers that need a rewrite to finish
// first should wait on their own TriggerRewrite call before Closing.
func (a *AOF) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	w := a.writer
	a.mu.Unlock()

	err := w.Close()
	a.bio.Drain()
	return err
}
