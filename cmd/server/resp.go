package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/epokhe/aofkit/aof"
)

// respServer speaks the same textual request framing the teacher's
// cmd/redis-server spoke on the client-facing side, but every mutating
// command is routed through both the in-memory store and the AOF
// writer before its reply is written. How much of that a crash-restart
// reconstructs depends on the configured fsync policy.
type respServer struct {
	aof    *aof.AOF
	store  *aof.MemStore
	logger *zap.Logger
}

func (s *respServer) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *respServer) handleConnection(conn net.Conn) {
	defer conn.Close() // nolint:errcheck

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	defer writer.Flush() // nolint:errcheck

	db := 0
	for {
		args, err := parseRESP(reader)
		if err != nil {
			if err == io.EOF {
				return
			}
			writer.WriteString(writeError("ERR parse error")) // nolint:errcheck
			writer.Flush()                                    // nolint:errcheck
			return
		}

		response := s.execute(&db, args)

		if _, err := writer.WriteString(response); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func parseRESP(reader *bufio.Reader) ([]string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != '*' {
		return nil, errors.New("expected array")
	}

	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, fmt.Errorf("invalid array length: %w", err)
	}

	args := make([]string, n)
	for i := 0; i < n; i++ {
		hdr, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		hdr = strings.TrimRight(hdr, "\r\n")
		if len(hdr) == 0 || hdr[0] != '$' {
			return nil, errors.New("expected bulk string")
		}
		strLen, err := strconv.Atoi(hdr[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid bulk length: %w", err)
		}
		data := make([]byte, strLen+2)
		if _, err := io.ReadFull(reader, data); err != nil {
			return nil, err
		}
		args[i] = string(data[:strLen])
	}
	return args, nil
}

// execute dispatches one command. Mutating commands run the same argv
// through store.Dispatch (applying the effect) and aof.Propagate
// (durably logging it) — the ordering matters: a command that fails
// against the store is never propagated.
func (s *respServer) execute(db *int, args []string) string {
	if len(args) == 0 {
		return writeError("ERR empty command")
	}
	cmd := strings.ToUpper(args[0])

	switch cmd {
	case "PING":
		return writeSimpleString("PONG")

	case "SELECT":
		if len(args) != 2 {
			return writeError("ERR wrong number of arguments for 'SELECT'")
		}
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			return writeError("ERR invalid DB index")
		}
		*db = idx
		return writeSimpleString("OK")

	case "SET", "DEL", "RPUSH", "SADD", "ZADD", "HMSET", "HPEXPIREAT", "PEXPIREAT", "XADD", "XSETID", "XGROUP", "XCLAIM":
		return s.executeMutation(*db, args)

	case "GET":
		if len(args) != 2 {
			return writeError("ERR wrong number of arguments for 'GET'")
		}
		if !contains(s.store.Keys(*db), args[1]) {
			return writeNull()
		}
		return writeBulkString(s.store.StringValue(*db, args[1]))

	case "EXISTS":
		if len(args) != 2 {
			return writeError("ERR wrong number of arguments for 'EXISTS'")
		}
		if contains(s.store.Keys(*db), args[1]) {
			return writeInteger(1)
		}
		return writeInteger(0)

	case "LRANGE":
		if len(args) != 2 {
			return writeError("ERR wrong number of arguments for 'LRANGE'")
		}
		return writeStringArray(s.store.ListValue(*db, args[1]))

	case "SMEMBERS":
		if len(args) != 2 {
			return writeError("ERR wrong number of arguments for 'SMEMBERS'")
		}
		return writeStringArray(s.store.SetValue(*db, args[1]))

	case "HGETALL":
		if len(args) != 2 {
			return writeError("ERR wrong number of arguments for 'HGETALL'")
		}
		fields := s.store.HashValue(*db, args[1])
		flat := make([]string, 0, len(fields)*2)
		for _, f := range fields {
			flat = append(flat, f.Field, f.Value)
		}
		return writeStringArray(flat)

	case "XLEN":
		if len(args) != 2 {
			return writeError("ERR wrong number of arguments for 'XLEN'")
		}
		return writeInteger(len(s.store.StreamValue(*db, args[1]).Entries))

	case "BGREWRITEAOF":
		go func() {
			if err := s.aof.TriggerRewrite(s.store.Snapshot(), true); err != nil {
				s.logger.Warn("manual rewrite failed", zap.Error(err))
			}
		}()
		return writeSimpleString("Background append only file rewriting started")

	case "WAITAOF":
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.aof.WaitAOF(ctx, s.aof.DurableOffset()); err != nil {
			return writeError(fmt.Sprintf("ERR %v", err))
		}
		return writeInteger(1)

	case "INFO":
		info := s.aof.Info()
		return writeBulkString(fmt.Sprintf(
			"writer_state:%s\r\ndurable_offset:%d\r\nrewrite_in_progress:%t\r\nconsecutive_rewrite_failures:%d\r\n",
			info.WriterState, info.DurableOffset, info.RewriteInProgress, info.ConsecutiveRewriteFailures))

	default:
		return writeError(fmt.Sprintf("ERR unknown command '%s'", cmd))
	}
}

func (s *respServer) executeMutation(db int, args []string) string {
	if err := s.store.Dispatch(db, args); err != nil {
		return writeError(fmt.Sprintf("ERR %v", err))
	}
	if err := s.aof.Propagate(db, args); err != nil {
		s.logger.Warn("propagate failed", zap.Error(err))
	}
	if err := s.aof.Flush(false); err != nil {
		s.logger.Warn("flush failed", zap.Error(err))
	}
	return writeSimpleString("OK")
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func writeSimpleString(s string) string { return fmt.Sprintf("+%s\r\n", s) }
func writeBulkString(s string) string   { return fmt.Sprintf("$%d\r\n%s\r\n", len(s), s) }
func writeInteger(i int) string         { return fmt.Sprintf(":%d\r\n", i) }
func writeNull() string                 { return "$-1\r\n" }
func writeError(msg string) string      { return fmt.Sprintf("-%s\r\n", msg) }

func writeStringArray(items []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(items))
	for _, it := range items {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(it), it)
	}
	return b.String()
}
