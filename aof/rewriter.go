package aof

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RewriteResult is what the background rewrite "child" reports back to
// the parent once it finishes (spec.md §4.F): either a fully written,
// fsynced, checksummed temp base file ready to be installed, or an
// error. The parent (AOF.TriggerRewrite) is responsible for installing
// it into the manifest — the Rewriter itself never touches the
// manifest or the Writer.
type RewriteResult struct {
	TempPath string
	Checksum uint64
	Duration time.Duration
	Err      error
}

// Rewriter runs the AOF rewrite ("BGREWRITEAOF") protocol described in
// spec.md §4.F, §9's no-fork alternative: rather than forking the
// process and letting a child address space serialize the dataset
// copy-on-write, it snapshots the dataset through a ValueIterator and
// serializes it from a plain goroutine. This trades fork's natural
// memory isolation for whatever consistency the supplied ValueIterator
// promises — MemStore.Snapshot returns a point-in-time deep copy so
// concurrent foreground writes never torn-read into the dump.
type Rewriter struct {
	dir    string
	prefix string

	bio     BIO
	clock   Clock
	logger  *zap.Logger
	mtr     *metrics
	limiter *RateLimiter

	running atomic.Bool
}

func NewRewriter(dir, prefix string, bio BIO, clock Clock, logger *zap.Logger, mtr *metrics, limiter *RateLimiter) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rewriter{dir: dir, prefix: prefix, bio: bio, clock: clock, logger: logger, mtr: mtr, limiter: limiter}
}

// Running reports whether a rewrite is currently in flight.
func (r *Rewriter) Running() bool { return r.running.Load() }

// TriggerAsync starts one rewrite attempt in a background goroutine
// and returns a channel that receives exactly one RewriteResult.
// manual bypasses the rate limiter; an automatic caller should check
// the limiter itself beforehand (AOF's threshold-poll loop does) but
// TriggerAsync re-checks defensively so a racing automatic trigger
// never slips through.
func (r *Rewriter) TriggerAsync(iter ValueIterator, manual bool) (<-chan RewriteResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRewriteInProgress
	}

	if !manual && !r.limiter.AllowAutomatic(time.Unix(r.clock.NowUnixSec(), 0)) {
		r.running.Store(false)
		return nil, ErrRateLimited
	}

	ch := make(chan RewriteResult, 1)
	go r.runChild(iter, ch)
	return ch, nil
}

func (r *Rewriter) runChild(iter ValueIterator, ch chan<- RewriteResult) {
	defer r.running.Store(false)

	start := time.Now()
	result := r.dump(iter)
	result.Duration = time.Since(start)

	outcome := "success"
	if result.Err != nil {
		outcome = "failure"
		r.limiter.RecordFailure(time.Unix(r.clock.NowUnixSec(), 0))
		r.logger.Warn("aof: background rewrite failed", zap.Error(result.Err), zap.Duration("elapsed", result.Duration))
	} else {
		r.limiter.RecordSuccess()
		r.logger.Info("aof: background rewrite finished",
			zap.String("temp", result.TempPath), zap.Duration("elapsed", result.Duration), zap.Uint64("checksum", result.Checksum))
	}
	if r.mtr != nil {
		r.mtr.rewriteTotal.WithLabelValues(outcome).Inc()
		r.mtr.rewriteDuration.Observe(result.Duration.Seconds())
		r.mtr.consecutiveFailures.Set(float64(r.limiter.ConsecutiveFailures()))
	}

	ch <- result
}

// dump performs the actual serialize-fsync-checksum work. Any error
// leaves a best-effort-cleaned-up temp file; the caller only needs to
// inspect RewriteResult.Err.
func (r *Rewriter) dump(iter ValueIterator) RewriteResult {
	childID := uuid.New().String()
	tempName := fmt.Sprintf("temp-rewriteaof-bg-%s.aof", childID)
	tempPath := filepath.Join(r.dir, tempName)

	f, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return RewriteResult{Err: fmt.Errorf("aof: create rewrite temp file: %w", err)}
	}

	progress := func(keysDone int) {
		r.logger.Debug("aof: rewrite progress", zap.Int("keys", keysDone))
	}
	ser := NewSerializer(iter, r.clock, r.logger, progress)

	checksum, err := ser.Dump(f)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tempPath)
		return RewriteResult{Err: fmt.Errorf("aof: serialize dataset: %w", err)}
	}

	trailer := fmt.Sprintf("#CKSUM:%x\r\n", checksum)
	if _, err := f.WriteString(trailer); err != nil {
		_ = f.Close()
		_ = os.Remove(tempPath)
		return RewriteResult{Err: fmt.Errorf("aof: write checksum trailer: %w", err)}
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tempPath)
		return RewriteResult{Err: fmt.Errorf("aof: fsync rewrite temp file: %w", err)}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return RewriteResult{Err: fmt.Errorf("aof: close rewrite temp file: %w", err)}
	}

	return RewriteResult{TempPath: tempPath, Checksum: checksum}
}
