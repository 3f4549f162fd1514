package aof

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManifestNewBaseNameStartsAtOne(t *testing.T) {
	m := NewManifest(t.TempDir(), "appendonly")

	seg := m.NewBaseName(false)
	require.Equal(t, uint64(1), seg.Seq)
	require.Equal(t, KindBase, seg.Kind)
	require.True(t, m.Dirty())
}

func TestManifestNewBaseNameDemotesPriorBase(t *testing.T) {
	m := NewManifest(t.TempDir(), "appendonly")

	first := m.NewBaseName(false)
	second := m.NewBaseName(false)

	require.Equal(t, uint64(2), second.Seq)
	require.Len(t, m.History, 1)
	require.Equal(t, first.Name, m.History[0].Name)
	require.Equal(t, KindHist, m.History[0].Kind)
}

func TestManifestLastIncrNameCreatesWhenEmpty(t *testing.T) {
	m := NewManifest(t.TempDir(), "appendonly")

	seg := m.LastIncrName()
	require.Len(t, m.Incrementals, 1)
	require.Equal(t, seg.Name, m.Incrementals[0].Name)
}

func TestManifestMarkRewrittenIncrsAsHistoryKeepsTailWhenWriterActive(t *testing.T) {
	m := NewManifest(t.TempDir(), "appendonly")
	m.NewIncrName()
	m.NewIncrName()
	tail := m.NewIncrName()

	m.MarkRewrittenIncrsAsHistory(true)

	require.Len(t, m.Incrementals, 1)
	require.Equal(t, tail.Name, m.Incrementals[0].Name)
	require.Len(t, m.History, 2)
}

func TestManifestMarkRewrittenIncrsAsHistoryDemotesAllWhenWriterInactive(t *testing.T) {
	m := NewManifest(t.TempDir(), "appendonly")
	m.NewIncrName()
	m.NewIncrName()

	m.MarkRewrittenIncrsAsHistory(false)

	require.Empty(t, m.Incrementals)
	require.Len(t, m.History, 2)
}

func TestManifestPersistAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir, "appendonly")
	m.NewBaseName(false)
	m.NewIncrName()
	m.NewIncrName()
	require.NoError(t, m.Persist())

	loaded, err := LoadManifest(dir, "appendonly")
	require.NoError(t, err)
	require.Equal(t, m.Base.Name, loaded.Base.Name)
	require.Len(t, loaded.Incrementals, 2)
	require.Equal(t, m.Incrementals[0].Name, loaded.Incrementals[0].Name)
	require.Equal(t, m.Incrementals[1].Name, loaded.Incrementals[1].Name)
}

func TestLoadManifestMissingFileIsBadManifest(t *testing.T) {
	_, err := LoadManifest(t.TempDir(), "appendonly")
	require.ErrorIs(t, err, ErrBadManifest)
}

func TestLoadManifestRejectsNonMonotonicIncrSequence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appendonly.manifest")
	contents := "file appendonly.1.base.aof seq 1 type b\n" +
		"file appendonly.2.incr.aof seq 2 type i\n" +
		"file appendonly.1.incr.aof seq 1 type i\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	_, err := LoadManifest(dir, "appendonly")
	require.ErrorIs(t, err, ErrBadManifest)
}

func TestLoadManifestRejectsDuplicateBase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appendonly.manifest")
	contents := "file appendonly.1.base.aof seq 1 type b\n" +
		"file appendonly.2.base.aof seq 2 type b\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	_, err := LoadManifest(dir, "appendonly")
	require.ErrorIs(t, err, ErrBadManifest)
}

func TestLoadManifestRejectsPathSeparatorInName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appendonly.manifest")
	contents := "file ../escape.aof seq 1 type b\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	_, err := LoadManifest(dir, "appendonly")
	require.ErrorIs(t, err, ErrBadManifest)
}

func TestManifestDupIsIndependentOfOriginal(t *testing.T) {
	m := NewManifest(t.TempDir(), "appendonly")
	m.NewBaseName(false)
	m.NewIncrName()

	dup := m.Dup()
	dup.NewIncrName()

	require.Len(t, m.Incrementals, 1)
	require.Len(t, dup.Incrementals, 2)
}

func TestManifestScanOrphansDoesNotErrorOnCleanDir(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir, "appendonly")
	m.NewBaseName(false)
	require.NoError(t, m.Persist())

	logger := zap.NewNop()
	require.NoError(t, m.ScanOrphans(logger))
}
