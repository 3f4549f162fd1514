package aof

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
)

// Loader replays a manifest's Base and Incrementals against a
// ReplayTarget to reconstruct a dataset at startup (spec.md §4.D).
// History segments are never replayed — they are demoted copies kept
// only as a rollback safety net until the Rewriter's BIO cleanup
// unlinks them.
type Loader struct {
	target         *replayClient
	allowTruncated bool
	logger         *zap.Logger
}

func NewLoader(target ReplayTarget, allowTruncated bool, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{target: newReplayClient(target), allowTruncated: allowTruncated, logger: logger}
}

// Load replays dir/prefix's manifest in full. If no manifest exists it
// checks for a pre-multi-part single AOF file next to dir and upgrades
// it in place (spec.md §4.D steps a-d) before replaying. The upgrade
// and the subsequent replay are both resumable: a crash partway
// through leaves either the pre-upgrade file or a fully formed
// manifest, never a half-written one (Persist's rename-over is the
// commit point).
func (l *Loader) Load(dir, prefix string) (*Manifest, LoadResult, error) {
	m, err := LoadManifest(dir, prefix)
	if err != nil {
		if !errors.Is(err, ErrBadManifest) {
			return nil, LoadOpenErr, err
		}
		// ErrBadManifest here also covers "file does not exist" (see
		// LoadManifest), which is the common first-boot case. Only that
		// case falls through to the legacy upgrade; a manifest that exists
		// but is malformed is fatal.
		if _, serr := os.Stat(filepath.Join(dir, prefix+".manifest")); !os.IsNotExist(serr) {
			return nil, LoadFailed, err
		}
		upgraded, uerr := l.upgradeLegacyFile(dir, prefix)
		if uerr != nil {
			return nil, LoadOpenErr, uerr
		}
		if upgraded == nil {
			return NewManifest(dir, prefix), LoadNotExist, nil
		}
		m = upgraded
	}

	worst := LoadEmpty
	replayed := false

	if m.Base != nil {
		res, err := l.loadSegment(filepath.Join(dir, m.Base.Name), m.Base.Format, len(m.Incrementals) == 0)
		if err != nil && !errors.Is(err, errSegmentMissing) {
			return m, LoadFailed, fmt.Errorf("aof: load base %s: %w", m.Base.Name, err)
		}
		if !errors.Is(err, errSegmentMissing) {
			replayed = true
			worst = worse(worst, res)
		}
	}

	for i, seg := range m.Incrementals {
		isLast := i == len(m.Incrementals)-1
		res, err := l.loadSegment(filepath.Join(dir, seg.Name), seg.Format, isLast)
		if err != nil && !errors.Is(err, errSegmentMissing) {
			return m, LoadFailed, fmt.Errorf("aof: load incr %s: %w", seg.Name, err)
		}
		if !errors.Is(err, errSegmentMissing) {
			replayed = true
			worst = worse(worst, res)
		}
		if res == LoadTruncated && !isLast {
			return m, LoadFailed, fmt.Errorf("%w: %s is truncated but is not the last segment", ErrTruncated, seg.Name)
		}
	}

	if !replayed {
		return m, LoadEmpty, nil
	}
	return m, worst, nil
}

var errSegmentMissing = errors.New("aof: segment file missing")

func worse(a, b LoadResult) LoadResult {
	rank := map[LoadResult]int{LoadEmpty: 0, LoadOk: 1, LoadTruncated: 2, LoadFailed: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// loadSegment replays one segment file. allowTailTruncation gates
// whether a truncated final command is tolerated (only ever true for
// the manifest's last segment, enforced by the caller).
func (l *Loader) loadSegment(path string, format Format, allowTailTruncation bool) (LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LoadNotExist, errSegmentMissing
		}
		return LoadOpenErr, err
	}
	defer f.Close() // nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return LoadOpenErr, err
	}
	if info.Size() == 0 {
		return LoadEmpty, nil
	}

	if format == FormatRDB {
		return l.decodeSnapshotSegment(f)
	}

	cr := newCommandReader(f)
	if magic, err := cr.peekMagic(); err == nil && string(magic) == rdbMagic {
		// stamped textual but actually holds an RDB-format body; route
		// through the same snapshot seam rather than trying to parse it
		// as commands. cr.r, not f, carries the true read position: Peek
		// already pulled bytes from f into cr's buffer.
		return l.decodeSnapshotSegment(cr.r)
	}

	return l.replayTextual(cr, allowTailTruncation)
}

// decodeSnapshotSegment hands an RDB-format Base segment to the replay
// target's SnapshotDecoder, if it has one (spec.md §6's snapshot
// encoder/decoder collaborator). A target with no such seam can't load
// this segment at all.
func (l *Loader) decodeSnapshotSegment(r io.Reader) (LoadResult, error) {
	dec, ok := l.target.snapshotDecoder()
	if !ok {
		return LoadFailed, ErrRDBUnsupported
	}
	if err := dec.DecodeSnapshot(r); err != nil {
		return LoadFailed, fmt.Errorf("aof: decode rdb snapshot: %w", err)
	}
	return LoadOk, nil
}

// replayTextual drives commandReader.next in a loop, buffering
// commands issued inside an explicit MULTI/EXEC so that a truncation
// partway through an open transaction rewinds cleanly instead of
// applying a half-committed transaction (spec.md §4.D step 3).
func (l *Loader) replayTextual(cr *commandReader, allowTailTruncation bool) (LoadResult, error) {
	var pending [][]string
	inTxn := false
	sawAny := false

	for {
		args, comment, _, err := cr.next()
		if err != nil {
			if err == io.EOF {
				if inTxn {
					// an unterminated MULTI at clean EOF is itself a
					// truncated tail: the EXEC never arrived.
					if allowTailTruncation && l.allowTruncated {
						l.logger.Warn("aof: discarding unterminated transaction at end of file", zap.Int("commands", len(pending)))
						if sawAny {
							return LoadTruncated, nil
						}
						return LoadEmpty, nil
					}
					return LoadFailed, fmt.Errorf("%w: unterminated MULTI at EOF", ErrTruncated)
				}
				if sawAny {
					return LoadOk, nil
				}
				return LoadEmpty, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if !allowTailTruncation || !l.allowTruncated {
					return LoadFailed, fmt.Errorf("%w: mid-command truncation not permitted here", ErrTruncated)
				}
				l.logger.Warn("aof: truncated command at end of file, discarding tail")
				if sawAny || len(pending) > 0 {
					return LoadTruncated, nil
				}
				return LoadEmpty, nil
			}
			return LoadFailed, err
		}

		if comment != "" {
			continue // "#TS:..." annotations carry no replay semantics
		}
		if len(args) == 0 {
			continue
		}

		cmd := args[0]
		switch {
		case cmd == "SELECT":
			if len(args) != 2 {
				return LoadFailed, fmt.Errorf("aof: malformed SELECT")
			}
			idx, err := strconv.Atoi(args[1])
			if err != nil {
				return LoadFailed, fmt.Errorf("aof: malformed SELECT index: %w", err)
			}
			l.target.selectDB(idx)
			sawAny = true

		case cmd == "MULTI":
			inTxn = true
			pending = pending[:0]
			sawAny = true

		case cmd == "EXEC":
			for _, cargs := range pending {
				if err := l.target.dispatch(cargs); err != nil {
					return LoadFailed, fmt.Errorf("aof: replay %s: %w", cargs[0], err)
				}
			}
			pending = pending[:0]
			inTxn = false
			sawAny = true

		case inTxn:
			pending = append(pending, args)
			sawAny = true

		default:
			if err := l.target.dispatch(args); err != nil {
				return LoadFailed, fmt.Errorf("aof: replay %s: %w", cmd, err)
			}
			sawAny = true
		}
	}
}

// upgradeLegacyFile looks for a pre-multi-part single AOF file next to
// dir (the layout before the manifest scheme existed) and, if found,
// converts it in place into a one-Base, one-empty-Incr manifest
// (spec.md §4.D steps a-d):
//
//	a. rename the legacy file to the multi-part Base name
//	b. create a fresh empty Incr
//	c. write and fsync the manifest
//	d. from here on, the legacy path simply no longer exists
//
// Returns (nil, nil) when there is nothing to upgrade.
func (l *Loader) upgradeLegacyFile(dir, prefix string) (*Manifest, error) {
	legacyPath := filepath.Join(filepath.Dir(dir), prefix+".aof")
	info, err := os.Stat(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("aof: stat legacy file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("aof: legacy path %s is a directory", legacyPath)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("aof: create aof dir: %w", err)
	}

	m := NewManifest(dir, prefix)
	base := m.NewBaseName(false)
	basePath := filepath.Join(dir, base.Name)

	if err := os.Rename(legacyPath, basePath); err != nil {
		return nil, fmt.Errorf("aof: rename legacy file into base segment: %w", err)
	}

	incr := m.NewIncrName()
	incrPath := filepath.Join(dir, incr.Name)
	fd, err := os.OpenFile(incrPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("aof: create fresh incr segment: %w", err)
	}
	if err := fd.Close(); err != nil {
		return nil, fmt.Errorf("aof: close fresh incr segment: %w", err)
	}

	if err := m.Persist(); err != nil {
		return nil, fmt.Errorf("aof: persist upgraded manifest: %w", err)
	}

	l.logger.Info("aof: upgraded legacy single-file AOF to multi-part layout",
		zap.String("legacy", legacyPath), zap.String("base", base.Name), zap.String("incr", incr.Name))

	return m, nil
}
