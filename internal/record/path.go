package record

import (
	"strconv"
	"strings"
)

// Segment is one step of a Path: a map key or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Path addresses a node from the record root.
type Path []Segment

// Key returns p extended by a map key. p is never modified.
func (p Path) Key(k string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, Segment{Key: k})
}

// Index returns p extended by an array index.
func (p Path) Index(i int) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, Segment{Index: i, IsIndex: true})
}

// String renders p as frame.images[2].src. The root renders as "$".
func (p Path) String() string {
	if len(p) == 0 {
		return "$"
	}
	var b strings.Builder
	for i, s := range p {
		if s.IsIndex {
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(s.Index))
			b.WriteByte(']')
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.Key)
	}
	return b.String()
}

// Lookup follows p from v.
func Lookup(v Value, p Path) (Value, bool) {
	cur := v
	for _, s := range p {
		if s.IsIndex {
			if !cur.IsArray() || s.Index < 0 || s.Index >= len(cur.elems) {
				return Value{}, false
			}
			cur = cur.elems[s.Index]
			continue
		}
		if !cur.IsMap() {
			return Value{}, false
		}
		next, ok := cur.Get(s.Key)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// WalkFunc is called for every node. Returning false skips the node's
// children.
type WalkFunc func(p Path, v Value) bool

// Walk visits v and its descendants pre-order, maps in key order and
// arrays in index order.
func Walk(v Value, fn WalkFunc) {
	walk(nil, v, fn)
}

func walk(p Path, v Value, fn WalkFunc) {
	if !fn(p, v) {
		return
	}
	switch v.kind {
	case KindArray:
		for i, e := range v.elems {
			walk(p.Index(i), e, fn)
		}
	case KindMap:
		for _, f := range v.fields {
			walk(p.Key(f.Key), f.Value, fn)
		}
	}
}

// Depth returns the maximum container nesting of v. Scalars have depth 0.
func Depth(v Value) int {
	deepest := 0
	switch v.kind {
	case KindArray:
		for _, e := range v.elems {
			if d := Depth(e); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	case KindMap:
		for _, f := range v.fields {
			if d := Depth(f.Value); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	}
	return 0
}

// RewriteFunc returns a replacement for a node and true, or false to keep
// the node and descend into it.
type RewriteFunc func(p Path, v Value) (Value, bool)

// Rewrite returns a new tree with nodes replaced where fn asks. Shape and
// order are preserved and v is not modified.
func Rewrite(v Value, fn RewriteFunc) Value {
	return rewrite(nil, v, fn)
}

func rewrite(p Path, v Value, fn RewriteFunc) Value {
	if repl, ok := fn(p, v); ok {
		return repl
	}
	switch v.kind {
	case KindArray:
		out := Value{kind: KindArray, elems: make([]Value, len(v.elems))}
		for i, e := range v.elems {
			out.elems[i] = rewrite(p.Index(i), e, fn)
		}
		return out
	case KindMap:
		out := Value{kind: KindMap, fields: make([]Field, len(v.fields))}
		for i, f := range v.fields {
			out.fields[i] = Field{Key: f.Key, Value: rewrite(p.Key(f.Key), f.Value, fn)}
		}
		return out
	}
	return v
}
