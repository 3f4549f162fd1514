package aof

import (
	"fmt"
	"io"
	"sort"
	"strconv"
)

// ValueType enumerates the value kinds the Serializer knows how to
// reconstruct, per spec.md §4.E.
type ValueType int

const (
	TString ValueType = iota
	TList
	TSet
	TZSet
	THash
	TStream
)

// ZMember is one scored member of a sorted set.
type ZMember struct {
	Member string
	Score  float64
}

// HashField is one field of a hash, with its optional field-level
// expiration (spec.md §4.E: "if the hash has field-level expiration,
// emits per-field HPEXPIREAT").
type HashField struct {
	Field     string
	Value     string
	ExpireAt  int64 // ms epoch, 0 = none
}

// PendingEntry records one stream consumer-group delivery, preserving
// delivery time and retry count (spec.md §4.E stream reconstruction).
type PendingEntry struct {
	EntryID       string
	Consumer      string
	DeliveryTime  int64 // ms epoch
	DeliveryCount int64
}

// StreamGroupSnapshot is the Serializer's view of one consumer group.
type StreamGroupSnapshot struct {
	Name        string
	LastDeliveredID string
	Consumers   []string // consumers with no pending entries, emitted via XGROUP CREATECONSUMER
	Pending     []PendingEntry
}

// StreamSnapshot is the Serializer's view of a stream value.
type StreamSnapshot struct {
	Entries []StreamEntry
	LastID  string
	Groups  []StreamGroupSnapshot
}

// StreamEntry is one XADD-able entry.
type StreamEntry struct {
	ID     string
	Fields []string // flattened field/value pairs
}

// ValueIterator is the read-side interface the Serializer consumes. It
// represents the external "in-memory data structures" collaborator
// named out of scope in spec.md §1: any store that can answer these
// questions can be rewritten, without the Serializer knowing its
// internal representation.
type ValueIterator interface {
	// Databases returns the sorted indices of non-empty databases.
	Databases() []int
	// Keys returns the sorted keys of db, for deterministic dump order.
	Keys(db int) []string
	TypeOf(db int, key string) ValueType
	ExpireAt(db int, key string) (ms int64, ok bool)

	StringValue(db int, key string) string
	ListValue(db int, key string) []string
	SetValue(db int, key string) []string
	ZSetValue(db int, key string) []ZMember
	HashValue(db int, key string) []HashField
	StreamValue(db int, key string) StreamSnapshot
}

// ReplayTarget is the execution-side interface the Loader and Writer's
// caller dispatch already-decoded commands against. dbid is resolved
// by the caller from any SELECT commands it has already observed — a
// ReplayTarget never interprets SELECT itself, matching spec.md's
// "command propagation hook (argv, dbid)" consumed interface.
type ReplayTarget interface {
	Dispatch(db int, args []string) error
}

// SnapshotDecoder is the binary-snapshot consumed interface spec.md §6
// names alongside ReplayTarget: a Base segment stamped FormatRDB is
// handed to it whole, rather than replayed command by command. A
// ReplayTarget that also wants RDB-format Base segments to load
// implements this; the Loader type-asserts for it and falls back to
// ErrRDBUnsupported when the target doesn't. The codec itself — the
// actual RDB byte layout — stays out of scope (spec.md §1); this is
// only the seam a decoder would plug into.
type SnapshotDecoder interface {
	DecodeSnapshot(r io.Reader) error
}

// MemStore is a minimal multi-type in-memory keyspace implementing
// both ValueIterator and ReplayTarget. It exists to give the core
// package's external-collaborator interfaces a concrete, testable
// body; it is not a general-purpose data engine and only supports the
// types spec.md's Serializer section names.
type MemStore struct {
	dbs []map[string]*entry
}

type entry struct {
	typ      ValueType
	expireAt int64 // ms epoch, 0 = none

	str  string
	list []string
	set  map[string]struct{}
	zset map[string]float64
	hash map[string]string
	// hashExp holds per-field expirations, only populated for fields
	// that have one.
	hashExp map[string]int64
	stream  *streamValue
}

type streamValue struct {
	entries []StreamEntry
	lastID  string
	groups  map[string]*streamGroup
}

type streamGroup struct {
	lastDelivered string
	// consumers maps consumer name to its pending entry IDs, in the
	// order they were claimed.
	consumers map[string][]string
	pending   map[string]PendingEntry // entryID -> pending info
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Snapshot returns a deep copy of the store as a plain ValueIterator,
// isolated from concurrent mutation of the live store. The Rewriter
// dumps from a Snapshot rather than the live MemStore so a rewrite in
// progress never observes a torn read of a key being concurrently
// mutated by foreground traffic — the in-process analogue of what a
// forked child's copy-on-write address space gives for free.
func (s *MemStore) Snapshot() *MemStore {
	cp := &MemStore{dbs: make([]map[string]*entry, len(s.dbs))}
	for i, m := range s.dbs {
		if m == nil {
			continue
		}
		nm := make(map[string]*entry, len(m))
		for k, e := range m {
			nm[k] = e.clone()
		}
		cp.dbs[i] = nm
	}
	return cp
}

func (e *entry) clone() *entry {
	cp := &entry{typ: e.typ, expireAt: e.expireAt, str: e.str}
	if e.list != nil {
		cp.list = append([]string(nil), e.list...)
	}
	if e.set != nil {
		cp.set = make(map[string]struct{}, len(e.set))
		for m := range e.set {
			cp.set[m] = struct{}{}
		}
	}
	if e.zset != nil {
		cp.zset = make(map[string]float64, len(e.zset))
		for m, sc := range e.zset {
			cp.zset[m] = sc
		}
	}
	if e.hash != nil {
		cp.hash = make(map[string]string, len(e.hash))
		for f, v := range e.hash {
			cp.hash[f] = v
		}
	}
	if e.hashExp != nil {
		cp.hashExp = make(map[string]int64, len(e.hashExp))
		for f, ms := range e.hashExp {
			cp.hashExp[f] = ms
		}
	}
	if e.stream != nil {
		st := &streamValue{
			entries: append([]StreamEntry(nil), e.stream.entries...),
			lastID:  e.stream.lastID,
			groups:  make(map[string]*streamGroup, len(e.stream.groups)),
		}
		for name, g := range e.stream.groups {
			ng := &streamGroup{
				lastDelivered: g.lastDelivered,
				consumers:     make(map[string][]string, len(g.consumers)),
				pending:       make(map[string]PendingEntry, len(g.pending)),
			}
			for c, ids := range g.consumers {
				ng.consumers[c] = append([]string(nil), ids...)
			}
			for id, p := range g.pending {
				ng.pending[id] = p
			}
			st.groups[name] = ng
		}
		cp.stream = st
	}
	return cp
}

func (s *MemStore) dbAt(db int) map[string]*entry {
	for len(s.dbs) <= db {
		s.dbs = append(s.dbs, nil)
	}
	if s.dbs[db] == nil {
		s.dbs[db] = make(map[string]*entry)
	}
	return s.dbs[db]
}

func (s *MemStore) Databases() []int {
	var out []int
	for i, m := range s.dbs {
		if len(m) > 0 {
			out = append(out, i)
		}
	}
	return out
}

func (s *MemStore) Keys(db int) []string {
	if db >= len(s.dbs) || s.dbs[db] == nil {
		return nil
	}
	keys := make([]string, 0, len(s.dbs[db]))
	for k := range s.dbs[db] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *MemStore) get(db int, key string) *entry {
	if db >= len(s.dbs) || s.dbs[db] == nil {
		return nil
	}
	return s.dbs[db][key]
}

func (s *MemStore) TypeOf(db int, key string) ValueType {
	if e := s.get(db, key); e != nil {
		return e.typ
	}
	return TString
}

func (s *MemStore) ExpireAt(db int, key string) (int64, bool) {
	e := s.get(db, key)
	if e == nil || e.expireAt == 0 {
		return 0, false
	}
	return e.expireAt, true
}

func (s *MemStore) StringValue(db int, key string) string {
	if e := s.get(db, key); e != nil {
		return e.str
	}
	return ""
}

func (s *MemStore) ListValue(db int, key string) []string {
	if e := s.get(db, key); e != nil {
		return e.list
	}
	return nil
}

func (s *MemStore) SetValue(db int, key string) []string {
	e := s.get(db, key)
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (s *MemStore) ZSetValue(db int, key string) []ZMember {
	e := s.get(db, key)
	if e == nil {
		return nil
	}
	out := make([]ZMember, 0, len(e.zset))
	for m, sc := range e.zset {
		out = append(out, ZMember{Member: m, Score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (s *MemStore) HashValue(db int, key string) []HashField {
	e := s.get(db, key)
	if e == nil {
		return nil
	}
	fields := make([]string, 0, len(e.hash))
	for f := range e.hash {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := make([]HashField, 0, len(fields))
	for _, f := range fields {
		hf := HashField{Field: f, Value: e.hash[f]}
		if e.hashExp != nil {
			hf.ExpireAt = e.hashExp[f]
		}
		out = append(out, hf)
	}
	return out
}

func (s *MemStore) StreamValue(db int, key string) StreamSnapshot {
	e := s.get(db, key)
	if e == nil || e.stream == nil {
		return StreamSnapshot{}
	}
	st := e.stream
	snap := StreamSnapshot{Entries: st.entries, LastID: st.lastID}

	groupNames := make([]string, 0, len(st.groups))
	for g := range st.groups {
		groupNames = append(groupNames, g)
	}
	sort.Strings(groupNames)

	for _, gname := range groupNames {
		g := st.groups[gname]
		gs := StreamGroupSnapshot{Name: gname, LastDeliveredID: g.lastDelivered}

		consumerNames := make([]string, 0, len(g.consumers))
		for c := range g.consumers {
			consumerNames = append(consumerNames, c)
		}
		sort.Strings(consumerNames)

		for _, cname := range consumerNames {
			ids := g.consumers[cname]
			if len(ids) == 0 {
				gs.Consumers = append(gs.Consumers, cname)
				continue
			}
			for _, id := range ids {
				if p, ok := g.pending[id]; ok {
					gs.Pending = append(gs.Pending, p)
				}
			}
		}
		snap.Groups = append(snap.Groups, gs)
	}
	return snap
}

// DecodeSnapshot implements SnapshotDecoder. MemStore's own Serializer
// only ever emits the textual command framing, never the binary RDB
// format, so there is no decoder behind this seam to call — it exists
// so the Loader's RDB-dispatch path has something to type-assert
// against, per spec.md §6's consumed-interface list.
func (s *MemStore) DecodeSnapshot(r io.Reader) error {
	return ErrRDBUnsupported
}

// Dispatch executes one already-decoded command against db. It is the
// ReplayTarget used by the Loader (and, in cmd/server, by the
// command-dispatch layer that feeds the Writer).
func (s *MemStore) Dispatch(db int, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("aof: empty command")
	}
	cmd := args[0]
	m := s.dbAt(db)

	switch cmd {
	case "SET":
		if len(args) != 3 {
			return fmt.Errorf("%w: SET", ErrUnknownCommand)
		}
		m[args[1]] = &entry{typ: TString, str: args[2]}

	case "DEL":
		if len(args) != 2 {
			return fmt.Errorf("%w: DEL", ErrUnknownCommand)
		}
		delete(m, args[1])

	case "RPUSH":
		if len(args) < 3 {
			return fmt.Errorf("%w: RPUSH", ErrUnknownCommand)
		}
		e := m[args[1]]
		if e == nil {
			e = &entry{typ: TList}
			m[args[1]] = e
		}
		e.list = append(e.list, args[2:]...)

	case "SADD":
		if len(args) < 3 {
			return fmt.Errorf("%w: SADD", ErrUnknownCommand)
		}
		e := m[args[1]]
		if e == nil {
			e = &entry{typ: TSet, set: make(map[string]struct{})}
			m[args[1]] = e
		}
		for _, mem := range args[2:] {
			e.set[mem] = struct{}{}
		}

	case "ZADD":
		if len(args) < 4 || len(args[2:])%2 != 0 {
			return fmt.Errorf("%w: ZADD", ErrUnknownCommand)
		}
		e := m[args[1]]
		if e == nil {
			e = &entry{typ: TZSet, zset: make(map[string]float64)}
			m[args[1]] = e
		}
		rest := args[2:]
		for i := 0; i < len(rest); i += 2 {
			score, err := strconv.ParseFloat(rest[i], 64)
			if err != nil {
				return fmt.Errorf("%w: ZADD score", ErrUnknownCommand)
			}
			e.zset[rest[i+1]] = score
		}

	case "HMSET":
		if len(args) < 4 || len(args[2:])%2 != 0 {
			return fmt.Errorf("%w: HMSET", ErrUnknownCommand)
		}
		e := m[args[1]]
		if e == nil {
			e = &entry{typ: THash, hash: make(map[string]string)}
			m[args[1]] = e
		}
		rest := args[2:]
		for i := 0; i < len(rest); i += 2 {
			e.hash[rest[i]] = rest[i+1]
		}

	case "HPEXPIREAT":
		// HPEXPIREAT key ms FIELDS numfields field [field ...]
		if len(args) < 6 || args[3] != "FIELDS" {
			return fmt.Errorf("%w: HPEXPIREAT", ErrUnknownCommand)
		}
		e := m[args[1]]
		if e == nil {
			return fmt.Errorf("%w: HPEXPIREAT on missing key", ErrUnknownCommand)
		}
		ms, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: HPEXPIREAT ms", ErrUnknownCommand)
		}
		if e.hashExp == nil {
			e.hashExp = make(map[string]int64)
		}
		for _, f := range args[5:] {
			e.hashExp[f] = ms
		}

	case "PEXPIREAT":
		if len(args) != 3 {
			return fmt.Errorf("%w: PEXPIREAT", ErrUnknownCommand)
		}
		e := m[args[1]]
		if e == nil {
			return fmt.Errorf("%w: PEXPIREAT on missing key", ErrUnknownCommand)
		}
		ms, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: PEXPIREAT ms", ErrUnknownCommand)
		}
		e.expireAt = ms

	case "XADD":
		if len(args) < 5 {
			return fmt.Errorf("%w: XADD", ErrUnknownCommand)
		}
		e := m[args[1]]
		if e == nil {
			e = &entry{typ: TStream, stream: &streamValue{groups: make(map[string]*streamGroup)}}
			m[args[1]] = e
		}
		id := args[2]
		e.stream.entries = append(e.stream.entries, StreamEntry{ID: id, Fields: args[3:]})
		e.stream.lastID = id

	case "XSETID":
		if len(args) != 3 {
			return fmt.Errorf("%w: XSETID", ErrUnknownCommand)
		}
		e := m[args[1]]
		if e == nil || e.stream == nil {
			return fmt.Errorf("%w: XSETID on missing stream", ErrUnknownCommand)
		}
		e.stream.lastID = args[2]

	case "XGROUP":
		if len(args) < 4 {
			return fmt.Errorf("%w: XGROUP", ErrUnknownCommand)
		}
		e := m[args[2]]
		if e == nil || e.stream == nil {
			return fmt.Errorf("%w: XGROUP on missing stream", ErrUnknownCommand)
		}
		switch args[1] {
		case "CREATE":
			if len(args) < 5 {
				return fmt.Errorf("%w: XGROUP CREATE", ErrUnknownCommand)
			}
			e.stream.groups[args[3]] = &streamGroup{
				lastDelivered: args[4],
				consumers:     make(map[string][]string),
				pending:       make(map[string]PendingEntry),
			}
		case "CREATECONSUMER":
			if len(args) < 5 {
				return fmt.Errorf("%w: XGROUP CREATECONSUMER", ErrUnknownCommand)
			}
			g := e.stream.groups[args[3]]
			if g == nil {
				return fmt.Errorf("%w: XGROUP CREATECONSUMER on missing group", ErrUnknownCommand)
			}
			if _, ok := g.consumers[args[4]]; !ok {
				g.consumers[args[4]] = nil
			}
		default:
			return fmt.Errorf("%w: XGROUP %s", ErrUnknownCommand, args[1])
		}

	case "XCLAIM":
		// XCLAIM key group consumer min-idle-time id deliverytime <ms> retrycount <n> JUSTID FORCE
		if len(args) < 6 {
			return fmt.Errorf("%w: XCLAIM", ErrUnknownCommand)
		}
		e := m[args[1]]
		if e == nil || e.stream == nil {
			return fmt.Errorf("%w: XCLAIM on missing stream", ErrUnknownCommand)
		}
		g := e.stream.groups[args[2]]
		if g == nil {
			return fmt.Errorf("%w: XCLAIM on missing group", ErrUnknownCommand)
		}
		consumer := args[3]
		id := args[5]
		var deliveryTime, deliveryCount int64
		for i := 6; i+1 < len(args); i += 2 {
			switch args[i] {
			case "deliverytime":
				deliveryTime, _ = strconv.ParseInt(args[i+1], 10, 64)
			case "retrycount":
				deliveryCount, _ = strconv.ParseInt(args[i+1], 10, 64)
			}
		}
		g.consumers[consumer] = append(g.consumers[consumer], id)
		g.pending[id] = PendingEntry{
			EntryID:       id,
			Consumer:      consumer,
			DeliveryTime:  deliveryTime,
			DeliveryCount: deliveryCount,
		}

	case "MULTI", "EXEC":
		// transaction markers are structural only; nothing to apply.

	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}

	return nil
}
