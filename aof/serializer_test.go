package aof

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func replayAll(t *testing.T, data []byte, target *MemStore) {
	t.Helper()
	cr := newCommandReader(bytes.NewReader(data))
	db := 0
	for {
		args, comment, _, err := cr.next()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		if comment != "" {
			continue
		}
		if args[0] == "SELECT" {
			db = int(args[1][0] - '0')
			continue
		}
		require.NoError(t, target.Dispatch(db, args))
	}
}

func TestSerializerDumpEmptyDatasetEmitsSelectZero(t *testing.T) {
	s := NewMemStore()
	ser := NewSerializer(s, &fakeClock{}, nil, nil)

	var buf bytes.Buffer
	_, err := ser.Dump(&buf)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "SELECT")
	require.Contains(t, buf.String(), "0")
}

func TestSerializerRoundTripsAllValueTypes(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Dispatch(0, []string{"SET", "str", "hello"}))
	require.NoError(t, s.Dispatch(0, []string{"RPUSH", "list", "a", "b", "c"}))
	require.NoError(t, s.Dispatch(0, []string{"SADD", "set", "x", "y"}))
	require.NoError(t, s.Dispatch(0, []string{"ZADD", "zset", "1", "m1", "2", "m2"}))
	require.NoError(t, s.Dispatch(0, []string{"HMSET", "hash", "f1", "v1", "f2", "v2"}))
	require.NoError(t, s.Dispatch(0, []string{"HPEXPIREAT", "hash", "999", "FIELDS", "1", "f1"}))
	require.NoError(t, s.Dispatch(0, []string{"XADD", "stream", "1-1", "field", "value"}))
	require.NoError(t, s.Dispatch(0, []string{"PEXPIREAT", "str", "123456"}))

	ser := NewSerializer(s, &fakeClock{}, nil, nil)
	var buf bytes.Buffer
	_, err := ser.Dump(&buf)
	require.NoError(t, err)

	replayed := NewMemStore()
	replayAll(t, buf.Bytes(), replayed)

	require.Equal(t, s.StringValue(0, "str"), replayed.StringValue(0, "str"))
	require.Equal(t, s.ListValue(0, "list"), replayed.ListValue(0, "list"))
	require.Equal(t, s.SetValue(0, "set"), replayed.SetValue(0, "set"))
	require.Equal(t, s.ZSetValue(0, "zset"), replayed.ZSetValue(0, "zset"))
	require.Equal(t, s.HashValue(0, "hash"), replayed.HashValue(0, "hash"))
	require.Equal(t, s.StreamValue(0, "stream").Entries, replayed.StreamValue(0, "stream").Entries)

	expireAt, ok := replayed.ExpireAt(0, "str")
	require.True(t, ok)
	require.Equal(t, int64(123456), expireAt)
}

func TestSerializerBatchesLargeListsAcrossMultipleCommands(t *testing.T) {
	s := NewMemStore()
	items := make([]string, serializerBatchSize+10)
	for i := range items {
		items[i] = "m"
	}
	require.NoError(t, s.Dispatch(0, append([]string{"RPUSH", "bigkey"}, items...)))

	ser := NewSerializer(s, &fakeClock{}, nil, nil)
	var buf bytes.Buffer
	_, err := ser.Dump(&buf)
	require.NoError(t, err)

	rpushCount := 0
	cr := newCommandReader(bytes.NewReader(buf.Bytes()))
	for {
		args, _, _, err := cr.next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if len(args) > 0 && args[0] == "RPUSH" {
			rpushCount++
		}
	}
	require.Equal(t, 2, rpushCount)
}

func TestSerializerDumpReturnsStableChecksumForSameInput(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Dispatch(0, []string{"SET", "k", "v"}))

	clock := &fakeClock{sec: 42}
	var buf1, buf2 bytes.Buffer
	sum1, err := NewSerializer(s, clock, nil, nil).Dump(&buf1)
	require.NoError(t, err)
	sum2, err := NewSerializer(s, clock, nil, nil).Dump(&buf2)
	require.NoError(t, err)

	require.Equal(t, sum1, sum2)
	require.Equal(t, buf1.Bytes(), buf2.Bytes())
}
