package aof

import (
	"fmt"
	"io"
	"strconv"

	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

// serializerBatchSize caps bulk-insertion commands at this many items,
// matching spec.md §4.E's "~64" implementation constant so no single
// command risks exceeding argv limits.
const serializerBatchSize = 64

const progressEveryKeys = 1024
const progressMinIntervalMs = 1000

// ProgressFunc is invoked roughly every 1024 keys, wall-clock gated to
// at most once per second, so a long rewrite can report liveness.
type ProgressFunc func(keysDone int)

// Serializer walks a ValueIterator and emits, for each value, the
// minimal command sequence that reconstructs it (spec.md §4.E). It
// writes directly to the supplied io.Writer (the rewrite child's temp
// base file) and returns an xxh3 checksum of everything written, which
// the Rewriter appends to the base as a "#CKSUM:" trailer line. Nothing
// reads the trailer back to verify it.
type Serializer struct {
	iter     ValueIterator
	clock    Clock
	logger   *zap.Logger
	progress ProgressFunc
}

func NewSerializer(iter ValueIterator, clock Clock, logger *zap.Logger, progress ProgressFunc) *Serializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Serializer{iter: iter, clock: clock, logger: logger, progress: progress}
}

// Dump writes the full reconstruction stream and returns its xxh3-64
// checksum.
func (s *Serializer) Dump(w io.Writer) (uint64, error) {
	hasher := xxh3.New()
	sink := func(p []byte) error {
		if _, err := w.Write(p); err != nil {
			return err
		}
		_, _ = hasher.Write(p)
		return nil
	}

	if err := sink(encodeTimestampComment(s.clock.NowUnixSec())); err != nil {
		return 0, fmt.Errorf("aof: write timestamp annotation: %w", err)
	}

	dbs := s.iter.Databases()
	if len(dbs) == 0 {
		// Boundary case, spec.md §8: an empty dataset still produces a
		// SELECT 0 so the base is a well-formed, loadable stream.
		if err := sink(encodeCommand(nil, []string{"SELECT", "0"})); err != nil {
			return 0, err
		}
		return hasher.Sum64(), nil
	}

	keysDone := 0
	lastProgressMs := s.clock.NowMs()

	for _, db := range dbs {
		if err := sink(encodeCommand(nil, []string{"SELECT", strconv.Itoa(db)})); err != nil {
			return 0, err
		}

		for _, key := range s.iter.Keys(db) {
			if err := s.dumpKey(sink, db, key); err != nil {
				return 0, fmt.Errorf("aof: dump key %q: %w", key, err)
			}

			if ms, ok := s.iter.ExpireAt(db, key); ok {
				if err := sink(encodeCommand(nil, []string{"PEXPIREAT", key, strconv.FormatInt(ms, 10)})); err != nil {
					return 0, err
				}
			}

			releasePageCache()

			keysDone++
			if keysDone%progressEveryKeys == 0 {
				now := s.clock.NowMs()
				if now-lastProgressMs >= progressMinIntervalMs {
					lastProgressMs = now
					if s.progress != nil {
						s.progress(keysDone)
					}
				}
			}
		}
	}

	return hasher.Sum64(), nil
}

func (s *Serializer) dumpKey(sink func([]byte) error, db int, key string) error {
	switch s.iter.TypeOf(db, key) {
	case TString:
		return sink(encodeCommand(nil, []string{"SET", key, s.iter.StringValue(db, key)}))

	case TList:
		for _, batch := range chunk(s.iter.ListValue(db, key), serializerBatchSize) {
			if err := sink(encodeCommand(nil, append([]string{"RPUSH", key}, batch...))); err != nil {
				return err
			}
		}
		return nil

	case TSet:
		for _, batch := range chunk(s.iter.SetValue(db, key), serializerBatchSize) {
			if err := sink(encodeCommand(nil, append([]string{"SADD", key}, batch...))); err != nil {
				return err
			}
		}
		return nil

	case TZSet:
		members := s.iter.ZSetValue(db, key)
		for start := 0; start < len(members); start += serializerBatchSize {
			end := min(start+serializerBatchSize, len(members))
			args := []string{"ZADD", key}
			for _, m := range members[start:end] {
				args = append(args, strconv.FormatFloat(m.Score, 'g', -1, 64), m.Member)
			}
			if err := sink(encodeCommand(nil, args)); err != nil {
				return err
			}
		}
		return nil

	case THash:
		fields := s.iter.HashValue(db, key)
		for start := 0; start < len(fields); start += serializerBatchSize {
			end := min(start+serializerBatchSize, len(fields))
			args := []string{"HMSET", key}
			for _, f := range fields[start:end] {
				args = append(args, f.Field, f.Value)
			}
			if err := sink(encodeCommand(nil, args)); err != nil {
				return err
			}
		}
		for _, f := range fields {
			if f.ExpireAt == 0 {
				continue
			}
			args := []string{"HPEXPIREAT", key, strconv.FormatInt(f.ExpireAt, 10), "FIELDS", "1", f.Field}
			if err := sink(encodeCommand(nil, args)); err != nil {
				return err
			}
		}
		return nil

	case TStream:
		return s.dumpStream(sink, db, key)

	default:
		return fmt.Errorf("aof: unsupported value type for key %q", key)
	}
}

func (s *Serializer) dumpStream(sink func([]byte) error, db int, key string) error {
	snap := s.iter.StreamValue(db, key)

	for _, e := range snap.Entries {
		args := append([]string{"XADD", key, e.ID}, e.Fields...)
		if err := sink(encodeCommand(nil, args)); err != nil {
			return err
		}
	}

	if snap.LastID != "" {
		if err := sink(encodeCommand(nil, []string{"XSETID", key, snap.LastID})); err != nil {
			return err
		}
	}

	for _, g := range snap.Groups {
		if err := sink(encodeCommand(nil, []string{"XGROUP", "CREATE", key, g.Name, g.LastDeliveredID})); err != nil {
			return err
		}
		for _, c := range g.Consumers {
			if err := sink(encodeCommand(nil, []string{"XGROUP", "CREATECONSUMER", key, g.Name, c})); err != nil {
				return err
			}
		}
		for _, p := range g.Pending {
			args := []string{
				"XCLAIM", key, g.Name, p.Consumer, "0", p.EntryID,
				"deliverytime", strconv.FormatInt(p.DeliveryTime, 10),
				"retrycount", strconv.FormatInt(p.DeliveryCount, 10),
				"JUSTID", "FORCE",
			}
			if err := sink(encodeCommand(nil, args)); err != nil {
				return err
			}
		}
	}

	return nil
}

func chunk(items []string, size int) [][]string {
	if len(items) == 0 {
		return nil
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// releasePageCache is a best-effort hint to the kernel to let go of
// pages backing a just-written value, limiting copy-on-write
// amplification in a forked snapshot child (spec.md §4.E). The
// goroutine-based snapshot used by this package's Rewriter (design
// note 9's no-fork alternative) has no forked address space to
// reclaim, so this is intentionally a no-op — it is kept as a named
// call site so a fork-based Rewriter could wire in madvise/fadvise
// without touching the Serializer's structure.
func releasePageCache() {}
