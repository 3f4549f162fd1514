package aof

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBaseSegmentName(t *testing.T) {
	seg := newBaseSegment("appendonly", 3, false)
	require.Equal(t, "appendonly.3.base.aof", seg.Name)
	require.Equal(t, KindBase, seg.Kind)
	require.Equal(t, FormatAOF, seg.Format)
}

func TestNewBaseSegmentRDB(t *testing.T) {
	seg := newBaseSegment("appendonly", 1, true)
	require.Equal(t, "appendonly.1.base.rdb", seg.Name)
	require.Equal(t, FormatRDB, seg.Format)
}

func TestNewIncrSegmentAlwaysTextual(t *testing.T) {
	seg := newIncrSegment("appendonly", 5)
	require.Equal(t, "appendonly.5.incr.aof", seg.Name)
	require.Equal(t, FormatAOF, seg.Format)
}

func TestAsHistoryKeepsName(t *testing.T) {
	seg := newIncrSegment("appendonly", 1)
	hist := seg.asHistory()
	require.Equal(t, seg.Name, hist.Name)
	require.Equal(t, KindHist, hist.Kind)
}

func TestValidNameRejectsSeparators(t *testing.T) {
	require.False(t, validName("../escape.aof"))
	require.False(t, validName("a/b.aof"))
	require.False(t, validName(""))
	require.True(t, validName("appendonly.1.base.aof"))
}

func TestKindFromLetterRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindBase, KindIncr, KindHist} {
		letter := k.letter()
		got, ok := kindFromLetter(letter)
		require.True(t, ok)
		require.Equal(t, k, got)
	}
}

func TestKindFromLetterRejectsUnknown(t *testing.T) {
	_, ok := kindFromLetter("x")
	require.False(t, ok)
}
