package aof

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStoreSetAndGet(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Dispatch(0, []string{"SET", "k", "v"}))
	require.Equal(t, "v", s.StringValue(0, "k"))
	require.Equal(t, []int{0}, s.Databases())
}

func TestMemStoreDelRemovesKey(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Dispatch(0, []string{"SET", "k", "v"}))
	require.NoError(t, s.Dispatch(0, []string{"DEL", "k"}))
	require.Empty(t, s.Keys(0))
}

func TestMemStoreRPushAccumulates(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Dispatch(0, []string{"RPUSH", "l", "a", "b"}))
	require.NoError(t, s.Dispatch(0, []string{"RPUSH", "l", "c"}))
	require.Equal(t, []string{"a", "b", "c"}, s.ListValue(0, "l"))
}

func TestMemStoreHashFieldExpiration(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Dispatch(0, []string{"HMSET", "h", "f1", "v1", "f2", "v2"}))
	require.NoError(t, s.Dispatch(0, []string{"HPEXPIREAT", "h", "12345", "FIELDS", "1", "f1"}))

	fields := s.HashValue(0, "h")
	require.Len(t, fields, 2)
	require.Equal(t, "f1", fields[0].Field)
	require.Equal(t, int64(12345), fields[0].ExpireAt)
	require.Equal(t, "f2", fields[1].Field)
	require.Zero(t, fields[1].ExpireAt)
}

func TestMemStoreHPEXPIREATOnMissingKeyErrors(t *testing.T) {
	s := NewMemStore()
	err := s.Dispatch(0, []string{"HPEXPIREAT", "missing", "1", "FIELDS", "1", "f"})
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestMemStoreStreamGroupReconstruction(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Dispatch(0, []string{"XADD", "st", "1-1", "f", "v"}))
	require.NoError(t, s.Dispatch(0, []string{"XGROUP", "CREATE", "st", "g1", "0"}))
	require.NoError(t, s.Dispatch(0, []string{"XGROUP", "CREATECONSUMER", "st", "g1", "c1"}))
	require.NoError(t, s.Dispatch(0, []string{"XCLAIM", "st", "g1", "c1", "0", "1-1",
		"deliverytime", "100", "retrycount", "2", "JUSTID", "FORCE"}))

	snap := s.StreamValue(0, "st")
	require.Len(t, snap.Entries, 1)
	require.Len(t, snap.Groups, 1)
	require.Len(t, snap.Groups[0].Pending, 1)
	require.Equal(t, int64(100), snap.Groups[0].Pending[0].DeliveryTime)
	require.Equal(t, int64(2), snap.Groups[0].Pending[0].DeliveryCount)
}

func TestMemStoreDispatchUnknownCommand(t *testing.T) {
	s := NewMemStore()
	err := s.Dispatch(0, []string{"NOPE"})
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestMemStoreSnapshotIsIsolatedFromLiveMutation(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Dispatch(0, []string{"RPUSH", "l", "a"}))
	require.NoError(t, s.Dispatch(0, []string{"SADD", "st", "x"}))

	snap := s.Snapshot()

	require.NoError(t, s.Dispatch(0, []string{"RPUSH", "l", "b"}))
	require.NoError(t, s.Dispatch(0, []string{"SADD", "st", "y"}))
	require.NoError(t, s.Dispatch(0, []string{"SET", "new", "v"}))

	require.Equal(t, []string{"a"}, snap.ListValue(0, "l"))
	require.Equal(t, []string{"x"}, snap.SetValue(0, "st"))
	require.NotContains(t, snap.Keys(0), "new")
	require.Contains(t, s.Keys(0), "new")
}
