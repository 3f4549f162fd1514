package aof

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// WriterState tracks the lifecycle state from spec.md §3's Writer
// state: Off before the tail segment is open, On while serving
// foreground writes normally, WaitRewrite while a background rewrite
// owns the manifest and the Writer is appending to an unlisted
// temporary incremental.
type WriterState int8

const (
	StateOff WriterState = iota
	StateOn
	StateWaitRewrite
)

func (s WriterState) String() string {
	switch s {
	case StateOn:
		return "on"
	case StateWaitRewrite:
		return "wait-rewrite"
	default:
		return "off"
	}
}

const (
	everySecIntervalMs   = 1000
	postponeLimitMs      = 2000
	flushBufShrinkCap    = 64 * 1024
)

// Writer buffers propagated commands and flushes them to the tail
// segment, enforcing the configured fsync policy (spec.md §4.C). It
// knows nothing about the manifest or segment naming — those
// decisions belong to the AOF orchestrator, which calls Rotate with an
// already-named, already-opened file.
type Writer struct {
	mu sync.Mutex

	fd   *os.File
	buf  []byte
	temp bool // current tail is an unlisted temp incr (WaitRewrite)

	lastIncrSize        int64
	lastIncrFsyncOffset int64
	lastFsyncMs         int64
	postponedFlushStart int64

	// generation increments on every Rotate. pendingFsyncGen/Size record
	// which tail and how much of it an in-flight async fsync job (at
	// most one at a time, since EverySec only submits when none is
	// already in flight) will have synced once it completes — the
	// completion callback uses them to advance lastIncrFsyncOffset only
	// if the tail hasn't rotated out from under it in the meantime.
	generation       int64
	pendingFsyncGen  int64
	pendingFsyncSize int64

	selectedDB int32 // -1 = none selected yet
	lastTsSec  int64

	state            WriterState
	lastWriteErr     error
	delayedFsyncs    uint64
	fsyncWeakened    bool

	totalOffset   int64 // cumulative bytes handed to the tail, used as a replication-offset proxy
	durableOffset atomic.Int64

	policy               FsyncPolicy
	noFsyncOnRewrite     bool
	timestampAnnotations bool

	bio    BIO
	clock  Clock
	logger *zap.Logger
	mtr    *metrics

	rewriteActiveFn func() bool
}

// NewWriter constructs a Writer with no tail segment open (state Off).
// Call Rotate before the first Propagate.
func NewWriter(cfg Config, bio BIO, mtr *metrics) *Writer {
	w := &Writer{
		selectedDB:           -1,
		state:                StateOff,
		policy:               cfg.FsyncPolicy,
		noFsyncOnRewrite:     cfg.NoFsyncOnRewrite,
		timestampAnnotations: cfg.TimestampAnnotations,
		bio:                  bio,
		clock:                cfg.Clock,
		logger:               cfg.Logger,
		mtr:                  mtr,
	}
	return w
}

// State returns the current writer state.
func (w *Writer) State() WriterState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsTempTail reports whether the current tail segment is an unlisted
// WaitRewrite-era temp incremental.
func (w *Writer) IsTempTail() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.temp
}

// DurableOffset returns the highest offset known to be fsynced.
func (w *Writer) DurableOffset() int64 {
	return w.durableOffset.Load()
}

// DelayedFsyncs returns the number of flushes postponed due to
// sustained fsync pressure.
func (w *Writer) DelayedFsyncs() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.delayedFsyncs
}

// FsyncWeakened reports whether no-appendfsync-on-rewrite has, at
// least once, caused an Always-policy flush to skip its fsync while a
// rewrite was running (spec.md §9, Open Question (b)).
func (w *Writer) FsyncWeakened() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsyncWeakened
}

// LastWriteErr returns the most recent recoverable write error, or
// nil.
func (w *Writer) LastWriteErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastWriteErr
}

// Rotate points the Writer at a newly opened tail file. temp marks a
// WaitRewrite-era unlisted incremental. startSize is the file's
// existing length — nonzero when reopening a manifest-registered
// incremental at startup, zero for a freshly created one. Bytes
// already on disk before this process attached to the file are
// assumed durable, so startSize seeds both the size and fsync
// watermarks. Rotate does not flush, fsync or close the previous fd:
// the caller (AOF) flushes it beforehand and hands it to BIO for
// fsync-and-close.
func (w *Writer) Rotate(fd *os.File, temp bool, startSize int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.fd = fd
	w.temp = temp
	w.generation++
	w.lastIncrSize = startSize
	w.lastIncrFsyncOffset = startSize
	w.totalOffset += startSize
	if startSize > 0 {
		w.publishDurable(w.totalOffset)
	}
	if w.state == StateOff {
		w.state = StateOn
	}
}

// EnterWaitRewrite flips the state so subsequent Rotate calls are
// understood to be targeting an unlisted temp incremental.
func (w *Writer) EnterWaitRewrite() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateWaitRewrite
}

// LeaveWaitRewrite returns to normal operation after a rewrite
// finalizes (success or abort).
func (w *Writer) LeaveWaitRewrite() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateOn
	w.temp = false
}

// DiscardBuffer drops any unflushed bytes — used when aborting a
// WaitRewrite temp incremental that was never manifest-installed.
func (w *Writer) DiscardBuffer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = w.buf[:0]
}

// Propagate encodes one command in the textual request framing and
// appends it to the pending buffer, prefixing a SELECT when the target
// db differs from the last-written one and a timestamp comment when a
// new wall-clock second has started (spec.md §4.C).
func (w *Writer) Propagate(db int, args []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timestampAnnotations {
		sec := w.clock.NowUnixSec()
		if sec > w.lastTsSec {
			w.lastTsSec = sec
			w.buf = append(w.buf, encodeTimestampComment(sec)...)
		}
	}

	if int32(db) != w.selectedDB {
		w.selectedDB = int32(db)
		w.buf = encodeCommand(w.buf, []string{"SELECT", fmt.Sprint(db)})
	}

	w.buf = encodeCommand(w.buf, args)
}

// Flush implements the flush(force) contract of spec.md §4.C.
func (w *Writer) Flush(force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(force)
}

func (w *Writer) flushLocked(force bool) error {
	if w.fd == nil {
		return ErrClosed
	}

	hasUnsynced := w.lastIncrFsyncOffset < w.lastIncrSize
	nowMs := w.clock.NowMs()
	fsyncDue := (w.policy == FsyncEverySec && hasUnsynced && nowMs-w.lastFsyncMs >= everySecIntervalMs) ||
		(w.policy == FsyncAlways && hasUnsynced)

	if len(w.buf) == 0 && !fsyncDue {
		return nil
	}

	if len(w.buf) > 0 {
		if w.policy == FsyncEverySec && !force && w.bio.FsyncInFlight() {
			if w.postponedFlushStart == 0 {
				w.postponedFlushStart = nowMs
			}
			if nowMs-w.postponedFlushStart < postponeLimitMs {
				return nil
			}
			w.delayedFsyncs++
			if w.mtr != nil {
				w.mtr.delayedFsyncTotal.Inc()
			}
		}
		w.postponedFlushStart = 0

		n, werr := writeAllRetrying(w.fd, w.buf)
		if werr != nil {
			if n > 0 {
				// partial write: try to cut the tail back to the
				// last known-good offset so the corrupt partial
				// record doesn't linger.
				if terr := w.fd.Truncate(w.lastIncrSize); terr == nil {
					n = -1
				}
			}
			if w.policy == FsyncAlways {
				w.logger.Fatal("aof: write failed under always-fsync policy, terminating", zap.Error(werr))
			}
			w.lastWriteErr = werr
			w.totalOffset += int64(max(n, 0))
			return werr
		}

		w.lastIncrSize += int64(len(w.buf))
		w.totalOffset += int64(len(w.buf))
		w.lastWriteErr = nil
		if cap(w.buf) > flushBufShrinkCap {
			w.buf = make([]byte, 0, 4096)
		} else {
			w.buf = w.buf[:0]
		}
	}

	if w.noFsyncOnRewrite && w.rewriteActiveUnsafe() {
		if hasUnsynced {
			w.fsyncWeakened = true
			w.logger.Warn("aof: skipping fsync, no-appendfsync-on-rewrite active during background rewrite")
		}
		return nil
	}

	switch w.policy {
	case FsyncAlways:
		if err := w.fd.Sync(); err != nil {
			w.logger.Fatal("aof: fsync failed under always policy, terminating", zap.Error(err))
		}
		w.lastIncrFsyncOffset = w.lastIncrSize
		w.lastFsyncMs = nowMs
		w.publishDurable(w.totalOffset)
	case FsyncEverySec:
		if !w.bio.FsyncInFlight() && nowMs-w.lastFsyncMs >= everySecIntervalMs {
			offset := w.totalOffset
			w.pendingFsyncGen = w.generation
			w.pendingFsyncSize = w.lastIncrSize
			w.bio.SubmitFsync(w.fd, offset)
			w.lastFsyncMs = nowMs
		}
	case FsyncNever:
		// delegated to the OS
	}

	return nil
}

// rewriteActiveFn lets AOF tell the Writer whether a fork-substitute
// child is currently running, for the no-appendfsync-on-rewrite check.
// It defaults to "never active" until AOF wires it up.
func (w *Writer) rewriteActiveUnsafe() bool {
	if w.rewriteActiveFn == nil {
		return false
	}
	return w.rewriteActiveFn()
}

// SetRewriteActiveFunc installs the predicate used by
// rewriteActiveUnsafe. Called once by the owning AOF at construction.
func (w *Writer) SetRewriteActiveFunc(fn func() bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rewriteActiveFn = fn
}

// onFsyncComplete is the BIO pool's completion callback for an async
// EverySec fsync job. Spec.md §4.C step 6 is explicit that last_incr_
// fsync_offset advances "in all synced cases" — not just the
// synchronous Always branch — so this mirrors that branch's update
// before publishing the durable offset. The generation check discards
// a completion whose tail has since rotated away.
func (w *Writer) onFsyncComplete(offset int64) {
	w.mu.Lock()
	if w.pendingFsyncGen == w.generation && w.pendingFsyncSize > w.lastIncrFsyncOffset {
		w.lastIncrFsyncOffset = w.pendingFsyncSize
	}
	w.mu.Unlock()
	w.publishDurable(offset)
}

func (w *Writer) publishDurable(offset int64) {
	for {
		cur := w.durableOffset.Load()
		if offset <= cur {
			return
		}
		if w.durableOffset.CompareAndSwap(cur, offset) {
			if w.mtr != nil {
				w.mtr.durableOffset.Set(float64(offset))
			}
			return
		}
	}
}

// Close flushes and fsyncs the tail segment synchronously, then closes
// it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fd == nil {
		return nil
	}
	if err := w.flushLocked(true); err != nil && w.policy != FsyncAlways {
		// best effort; Always policy already terminated the process on
		// failure inside flushLocked.
		w.logger.Warn("aof: flush on close failed", zap.Error(err))
	}
	if err := w.fd.Sync(); err != nil {
		w.logger.Warn("aof: fsync on close failed", zap.Error(err))
	}
	err := w.fd.Close()
	w.fd = nil
	w.state = StateOff
	return err
}

func writeAllRetrying(f *os.File, data []byte) (int, error) {
	var total int
	for len(data) > 0 {
		n, err := f.Write(data)
		total += n
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return total, err
		}
		data = data[n:]
	}
	return total, nil
}
