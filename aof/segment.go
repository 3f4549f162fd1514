package aof

import (
	"fmt"
	"strings"
)

// Kind identifies the role a Segment plays in the manifest, per
// spec.md §3.
type Kind int8

const (
	KindBase Kind = iota
	KindIncr
	KindHist
)

func (k Kind) letter() string {
	switch k {
	case KindBase:
		return "b"
	case KindIncr:
		return "i"
	case KindHist:
		return "h"
	default:
		return "?"
	}
}

func kindFromLetter(s string) (Kind, bool) {
	switch s {
	case "b":
		return KindBase, true
	case "i":
		return KindIncr, true
	case "h":
		return KindHist, true
	default:
		return 0, false
	}
}

// Format is the on-disk encoding of a segment's bytes.
type Format int8

const (
	FormatAOF Format = iota // textual request framing, §6
	FormatRDB                // binary snapshot, magic-prefixed
)

func (f Format) ext() string {
	if f == FormatRDB {
		return "rdb"
	}
	return "aof"
}

// Segment is an immutable descriptor identifying one on-disk segment:
// filename, sequence, kind (spec.md §3, "Segment descriptor"). Segments
// never mutate in place; a rotation or rewrite always produces a new
// Segment value and the old one is either reclassified (Base/Incr →
// Hist) or dropped.
type Segment struct {
	Name   string // basename only, no path separators
	Seq    uint64 // monotonic per kind; independent between Base and Incr
	Kind   Kind
	Format Format
}

// segmentName builds the "<prefix>.<seq>.<kind>.<format>" filename
// template from spec.md §3.
func segmentName(prefix string, seq uint64, kind Kind, format Format) string {
	kindWord := "incr"
	switch kind {
	case KindBase:
		kindWord = "base"
	case KindHist:
		// history segments keep the filename they had before being
		// reclassified; this helper is only used for Base/Incr.
		kindWord = "incr"
	}
	return fmt.Sprintf("%s.%d.%s.%s", prefix, seq, kindWord, format.ext())
}

// newBaseSegment names a fresh Base segment. useRDB selects the binary
// snapshot extension; otherwise the Base uses the textual format (a
// "combined" legacy-compatible base, §4.D upgrade path).
func newBaseSegment(prefix string, seq uint64, useRDB bool) Segment {
	format := FormatAOF
	if useRDB {
		format = FormatRDB
	}
	return Segment{
		Name:   segmentName(prefix, seq, KindBase, format),
		Seq:    seq,
		Kind:   KindBase,
		Format: format,
	}
}

// newIncrSegment names a fresh incremental segment. Incrementals are
// always textual (spec.md §6).
func newIncrSegment(prefix string, seq uint64) Segment {
	return Segment{
		Name:   segmentName(prefix, seq, KindIncr, FormatAOF),
		Seq:    seq,
		Kind:   KindIncr,
		Format: FormatAOF,
	}
}

// asHistory returns a copy of s reclassified as History. The filename
// is left unchanged — history segments are scheduled for deletion
// under their original name.
func (s Segment) asHistory() Segment {
	s.Kind = KindHist
	return s
}

// validName rejects filenames containing path separators, matching the
// manifest parser's rejection rule in spec.md §4.B.
func validName(name string) bool {
	if name == "" {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}
