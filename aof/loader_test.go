package aof

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoaderLoadNotExistOnEmptyDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "appendonlydir")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	store := NewMemStore()
	l := NewLoader(store, false, zap.NewNop())

	_, result, err := l.Load(dir, "appendonly")
	require.NoError(t, err)
	require.Equal(t, LoadNotExist, result)
}

func TestLoaderReplaysBaseAndIncrementals(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir, "appendonly")
	base := m.NewBaseName(false)
	incr := m.NewIncrName()

	writeSegment(t, dir, base.Name, [][]string{
		{"SELECT", "0"},
		{"SET", "a", "1"},
	})
	writeSegment(t, dir, incr.Name, [][]string{
		{"SET", "b", "2"},
	})
	require.NoError(t, m.Persist())

	store := NewMemStore()
	l := NewLoader(store, false, zap.NewNop())
	_, result, err := l.Load(dir, "appendonly")
	require.NoError(t, err)
	require.Equal(t, LoadOk, result)
	require.Equal(t, "1", store.StringValue(0, "a"))
	require.Equal(t, "2", store.StringValue(0, "b"))
}

func TestLoaderUpgradesLegacySingleFile(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "appendonlydir")
	legacyPath := filepath.Join(root, "appendonly.aof")

	var buf []byte
	buf = encodeCommand(buf, []string{"SELECT", "0"})
	buf = encodeCommand(buf, []string{"SET", "legacy", "yes"})
	require.NoError(t, os.WriteFile(legacyPath, buf, 0o644))

	store := NewMemStore()
	l := NewLoader(store, false, zap.NewNop())
	m, result, err := l.Load(dir, "appendonly")
	require.NoError(t, err)
	require.Equal(t, LoadOk, result)
	require.Equal(t, "yes", store.StringValue(0, "legacy"))
	require.NotNil(t, m.Base)
	require.Len(t, m.Incrementals, 1)

	_, err = os.Stat(legacyPath)
	require.True(t, os.IsNotExist(err))
}

func TestLoaderTruncatedTailToleratedWhenAllowed(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir, "appendonly")
	incr := m.NewIncrName()

	path := filepath.Join(dir, incr.Name)
	var buf []byte
	buf = encodeCommand(buf, []string{"SET", "a", "1"})
	buf = append(buf, "*2\r\n$3\r\nDEL\r\n$1"...) // cut mid-command
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	require.NoError(t, m.Persist())

	store := NewMemStore()
	l := NewLoader(store, true, zap.NewNop())
	_, result, err := l.Load(dir, "appendonly")
	require.NoError(t, err)
	require.Equal(t, LoadTruncated, result)
	require.Equal(t, "1", store.StringValue(0, "a"))
}

func TestLoaderTruncatedTailRejectedWhenNotAllowed(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir, "appendonly")
	incr := m.NewIncrName()

	path := filepath.Join(dir, incr.Name)
	var buf []byte
	buf = encodeCommand(buf, []string{"SET", "a", "1"})
	buf = append(buf, "*2\r\n$3\r\nDEL\r\n$1"...)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	require.NoError(t, m.Persist())

	store := NewMemStore()
	l := NewLoader(store, false, zap.NewNop())
	_, result, err := l.Load(dir, "appendonly")
	require.Error(t, err)
	require.Equal(t, LoadFailed, result)
}

func TestLoaderRejectsTruncationOnNonLastSegment(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir, "appendonly")
	first := m.NewIncrName()
	second := m.NewIncrName()

	firstPath := filepath.Join(dir, first.Name)
	var buf []byte
	buf = encodeCommand(buf, []string{"SET", "a", "1"})
	buf = append(buf, "*2\r\n$3\r\nDEL\r\n$1"...)
	require.NoError(t, os.WriteFile(firstPath, buf, 0o644))

	writeSegment(t, dir, second.Name, [][]string{{"SET", "b", "2"}})
	require.NoError(t, m.Persist())

	store := NewMemStore()
	l := NewLoader(store, true, zap.NewNop())
	_, result, err := l.Load(dir, "appendonly")
	require.Error(t, err)
	require.Equal(t, LoadFailed, result)
}

func TestLoaderRejectsRDBFormatBase(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir, "appendonly")
	m.currBaseSeq = 1
	base := Segment{Name: "appendonly.1.base.rdb", Seq: 1, Kind: KindBase, Format: FormatRDB}
	m.Base = &base

	path := filepath.Join(dir, base.Name)
	require.NoError(t, os.WriteFile(path, []byte("REDIS0011"), 0o644))
	require.NoError(t, m.Persist())

	store := NewMemStore()
	l := NewLoader(store, false, zap.NewNop())
	_, result, err := l.Load(dir, "appendonly")
	require.ErrorIs(t, err, ErrRDBUnsupported)
	require.Equal(t, LoadFailed, result)
}

// bareReplayTarget implements ReplayTarget only, not SnapshotDecoder,
// to exercise the Loader's fallback when a target has no snapshot seam
// at all.
type bareReplayTarget struct{}

func (bareReplayTarget) Dispatch(db int, args []string) error { return nil }

func TestLoaderRejectsRDBFormatBaseWithoutSnapshotDecoder(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir, "appendonly")
	m.currBaseSeq = 1
	base := Segment{Name: "appendonly.1.base.rdb", Seq: 1, Kind: KindBase, Format: FormatRDB}
	m.Base = &base

	path := filepath.Join(dir, base.Name)
	require.NoError(t, os.WriteFile(path, []byte("REDIS0011"), 0o644))
	require.NoError(t, m.Persist())

	l := NewLoader(bareReplayTarget{}, false, zap.NewNop())
	_, result, err := l.Load(dir, "appendonly")
	require.ErrorIs(t, err, ErrRDBUnsupported)
	require.Equal(t, LoadFailed, result)
}

func writeSegment(t *testing.T, dir, name string, commands [][]string) {
	t.Helper()
	var buf []byte
	for _, cmd := range commands {
		buf = encodeCommand(buf, cmd)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf, 0o644))
}
