package aof

import "errors"

// Sentinel errors surfaced across the package. Callers should use
// errors.Is/errors.As rather than comparing messages.
var (
	// ErrBadManifest is returned by load when a manifest line fails the
	// strict grammar checks in §4.B: duplicate base, non-monotonic incr
	// seq, unknown kind, embedded separators, oversized lines, missing
	// keys.
	ErrBadManifest = errors.New("aof: malformed manifest")

	// ErrUnknownCommand is fatal during replay: the textual framing
	// decoded cleanly but named a command the replay target does not
	// recognize.
	ErrUnknownCommand = errors.New("aof: unknown command during replay")

	// ErrTruncated marks a segment whose tail was cut short. It is only
	// tolerable on the last segment of a manifest, and only when the
	// loader's AllowTruncated option is set.
	ErrTruncated = errors.New("aof: truncated segment")

	// ErrRewriteInProgress is returned by TriggerRewrite when another
	// rewrite is already running.
	ErrRewriteInProgress = errors.New("aof: rewrite already in progress")

	// ErrRateLimited is returned by an automatic (non-manual) rewrite
	// trigger while the rate limiter's back-off window has not elapsed.
	ErrRateLimited = errors.New("aof: rewrite rate-limited")

	// ErrChecksumMismatch names a corrupted base segment trailer. No code
	// in this package returns it: the Loader skips the "#CKSUM:" trailer
	// like any other comment line without checking it.
	ErrChecksumMismatch = errors.New("aof: checksum mismatch")

	// ErrClosed is returned by any Writer operation after Close.
	ErrClosed = errors.New("aof: writer closed")

	// ErrRDBUnsupported is returned by the Loader when a Base segment is
	// stamped with the binary RDB format and the configured ReplayTarget
	// does not implement SnapshotDecoder. MemStore's own Serializer
	// never writes one (it only emits the textual framing), so
	// encountering one here means the directory was produced by
	// something else and this target has no decoder for it.
	ErrRDBUnsupported = errors.New("aof: RDB-format base segment is not decodable by this loader")
)

// LoadResult classifies the outcome of loading a single segment, per
// spec.md §4.D.
type LoadResult int

const (
	LoadOk LoadResult = iota
	LoadTruncated
	LoadEmpty
	LoadNotExist
	LoadOpenErr
	LoadFailed
)

func (r LoadResult) String() string {
	switch r {
	case LoadOk:
		return "ok"
	case LoadTruncated:
		return "truncated"
	case LoadEmpty:
		return "empty"
	case LoadNotExist:
		return "not-exist"
	case LoadOpenErr:
		return "open-err"
	case LoadFailed:
		return "failed"
	default:
		return "unknown"
	}
}
