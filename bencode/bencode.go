// Package bencode implements the bencode data language: canonical encode and
// decode of integers, byte-strings, lists, and ordered mappings.
//
// Ordering is the whole point of this package: BEP-3 info-hashes are a SHA-1
// of the exact bytes of the info dict as it appeared on the wire, so a
// generic decode into a Go map (unordered) and re-encode would silently
// reorder keys and change the hash. Every decoded Value therefore retains
// the exact byte range it was parsed from (see Value.raw) and Encode returns
// that slice verbatim instead of re-serializing, guaranteeing
// encode(decode(b)) == b byte-for-byte. Values built programmatically (no
// raw slice) are serialized from their structure, preserving whatever
// insertion order the caller used for Dict entries — Dict is never sorted.
package bencode

import (
	"fmt"
	"strconv"

	"goleech/internal/bterrors"
)

// Kind identifies which of the four bencode value shapes a Value holds.
type Kind int

const (
	KindInt Kind = iota
	KindBytes
	KindList
	KindDict
)

// DictEntry is one key/value pair of an ordered mapping. Keys are
// byte-strings per BEP-3; string(Key) is used for convenience lookups.
type DictEntry struct {
	Key []byte
	Val Value
}

// Value is a decoded or constructed bencode value.
type Value struct {
	kind Kind
	i    int64
	b    []byte
	l    []Value
	d    []DictEntry
	raw  []byte // exact source bytes, set only when decoded; nil for built values
}

func (v Value) Kind() Kind { return v.kind }

func Int(n int64) Value { return Value{kind: KindInt, i: n} }

func Bytes(b []byte) Value { return Value{kind: KindBytes, b: b} }

func List(items ...Value) Value { return Value{kind: KindList, l: items} }

func Dict(entries ...DictEntry) Value { return Value{kind: KindDict, d: entries} }

func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.b, true
}

func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.l, true
}

func (v Value) AsDict() ([]DictEntry, bool) {
	if v.kind != KindDict {
		return nil, false
	}
	return v.d, true
}

// Get looks up key in a dict Value, returning ok=false if v is not a dict or
// the key is absent. Lookup is linear, matching the small dicts this engine
// handles (info dicts have a handful of keys).
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindDict {
		return Value{}, false
	}
	for _, e := range v.d {
		if string(e.Key) == key {
			return e.Val, true
		}
	}
	return Value{}, false
}

// Raw returns the exact source bytes this value was decoded from, and
// whether any were recorded (false for values built via Int/Bytes/List/Dict).
func (v Value) Raw() ([]byte, bool) {
	if v.raw == nil {
		return nil, false
	}
	return v.raw, true
}

// Equal compares two values structurally, ignoring any recorded raw bytes.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindInt:
		return a.i == b.i
	case KindBytes:
		return string(a.b) == string(b.b)
	case KindList:
		if len(a.l) != len(b.l) {
			return false
		}
		for i := range a.l {
			if !Equal(a.l[i], b.l[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(a.d) != len(b.d) {
			return false
		}
		for i := range a.d {
			if string(a.d[i].Key) != string(b.d[i].Key) || !Equal(a.d[i].Val, b.d[i].Val) {
				return false
			}
		}
		return true
	}
	return false
}

// Parse decodes a single top-level value, failing if any bytes remain
// unconsumed afterward.
func Parse(data []byte) (Value, error) {
	v, tail, err := Decode(data)
	if err != nil {
		return Value{}, err
	}
	if len(tail) != 0 {
		return Value{}, bterrors.Wrapf(bterrors.ErrMalformedInput, "%d trailing bytes after top-level value", len(tail))
	}
	return v, nil
}

// Decode consumes a single bencode value from the front of data and returns
// it along with the unconsumed tail.
func Decode(data []byte) (Value, []byte, error) {
	if len(data) == 0 {
		return Value{}, nil, bterrors.Wrap(bterrors.ErrMalformedInput, "empty input")
	}

	switch data[0] {
	case 'i':
		return decodeInt(data)
	case 'l':
		return decodeList(data)
	case 'd':
		return decodeDict(data)
	default:
		if data[0] >= '0' && data[0] <= '9' {
			return decodeBytes(data)
		}
		return Value{}, nil, bterrors.Wrapf(bterrors.ErrMalformedInput, "unknown tag %q", data[0])
	}
}

func decodeInt(data []byte) (Value, []byte, error) {
	end := indexByte(data[1:], 'e')
	if end < 0 {
		return Value{}, nil, bterrors.Wrap(bterrors.ErrMalformedInput, "unterminated integer")
	}
	end++ // relative to data[1:], shift back to data
	numStr := string(data[1:end])
	if numStr == "" || numStr == "-" {
		return Value{}, nil, bterrors.Wrap(bterrors.ErrMalformedInput, "empty integer")
	}
	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return Value{}, nil, bterrors.Wrapf(bterrors.ErrMalformedInput, "non-numeric integer %q", numStr)
	}
	total := end + 1
	return Value{kind: KindInt, i: n, raw: data[:total]}, data[total:], nil
}

func decodeBytes(data []byte) (Value, []byte, error) {
	colon := indexByte(data, ':')
	if colon < 0 {
		return Value{}, nil, bterrors.Wrap(bterrors.ErrMalformedInput, "missing ':' in byte-string length")
	}
	n, err := strconv.Atoi(string(data[:colon]))
	if err != nil || n < 0 {
		return Value{}, nil, bterrors.Wrapf(bterrors.ErrMalformedInput, "non-numeric length %q", data[:colon])
	}
	start := colon + 1
	end := start + n
	if end > len(data) {
		return Value{}, nil, bterrors.Wrap(bterrors.ErrMalformedInput, "truncated byte-string")
	}
	return Value{kind: KindBytes, b: data[start:end], raw: data[:end]}, data[end:], nil
}

func decodeList(data []byte) (Value, []byte, error) {
	rest := data[1:]
	var items []Value
	for {
		if len(rest) == 0 {
			return Value{}, nil, bterrors.Wrap(bterrors.ErrMalformedInput, "unterminated list")
		}
		if rest[0] == 'e' {
			rest = rest[1:]
			break
		}
		v, tail, err := Decode(rest)
		if err != nil {
			return Value{}, nil, err
		}
		items = append(items, v)
		rest = tail
	}
	total := len(data) - len(rest)
	return Value{kind: KindList, l: items, raw: data[:total]}, rest, nil
}

func decodeDict(data []byte) (Value, []byte, error) {
	rest := data[1:]
	var entries []DictEntry
	for {
		if len(rest) == 0 {
			return Value{}, nil, bterrors.Wrap(bterrors.ErrMalformedInput, "unterminated dict")
		}
		if rest[0] == 'e' {
			rest = rest[1:]
			break
		}
		keyVal, tail, err := decodeBytes(rest)
		if err != nil {
			return Value{}, nil, bterrors.Wrap(bterrors.ErrMalformedInput, "dict key must be a byte-string")
		}
		val, tail2, err := Decode(tail)
		if err != nil {
			return Value{}, nil, err
		}
		entries = append(entries, DictEntry{Key: keyVal.b, Val: val})
		rest = tail2
	}
	total := len(data) - len(rest)
	return Value{kind: KindDict, d: entries, raw: data[:total]}, rest, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// Encode serializes v. If v carries its original decoded bytes they are
// returned directly (the canonical round-trip guarantee); otherwise v is
// serialized structurally, preserving Dict's insertion order verbatim.
func Encode(v Value) []byte {
	if v.raw != nil {
		return v.raw
	}
	switch v.kind {
	case KindInt:
		return []byte(fmt.Sprintf("i%de", v.i))
	case KindBytes:
		return append([]byte(fmt.Sprintf("%d:", len(v.b))), v.b...)
	case KindList:
		buf := []byte{'l'}
		for _, item := range v.l {
			buf = append(buf, Encode(item)...)
		}
		return append(buf, 'e')
	case KindDict:
		buf := []byte{'d'}
		for _, e := range v.d {
			buf = append(buf, Encode(Bytes(e.Key))...)
			buf = append(buf, Encode(e.Val)...)
		}
		return append(buf, 'e')
	}
	return nil
}
