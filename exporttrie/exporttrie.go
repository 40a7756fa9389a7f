// Package exporttrie implements the export-trie walker (spec
// component H): a depth-first traversal of the prefix-compressed trie
// dyld uses to encode a dylib's exported symbols, with cycle/overflow
// guards since the trie is untrusted input.
package exporttrie

import (
	"errors"
	"fmt"

	"github.com/appsworld/machocore/internal/leb"
)

// Flag bits of an export terminal's flags uleb (§3, §4.4).
const (
	KindMask       uint64 = 0x03
	KindRegular    uint64 = 0x00
	KindThreadLocal uint64 = 0x01
	KindAbsolute   uint64 = 0x02

	FlagWeakDefinition    uint64 = 0x04
	FlagReexport          uint64 = 0x08
	FlagStubAndResolver   uint64 = 0x10
)

// DefaultMaxDepth bounds the DFS stack depth so a crafted cyclic trie
// cannot exhaust memory (§4.4, §7).
const DefaultMaxDepth = 128

var (
	ErrInvalidLeb128    = errors.New("exporttrie: invalid leb128")
	ErrInvalidString    = errors.New("exporttrie: unterminated string")
	ErrTruncatedNode    = errors.New("exporttrie: truncated node")
	ErrCycleDetected    = errors.New("exporttrie: cycle detected")
	ErrDepthExceeded    = errors.New("exporttrie: maximum depth exceeded")
	ErrOffsetOutOfRange = errors.New("exporttrie: child offset out of range")
	ErrOverlappingRanges = errors.New("exporttrie: child offset overlaps a visited node's byte range")
	ErrEmptyExport      = errors.New("exporttrie: terminal with zero symbol length at root")
)

// Export is one exported symbol reconstructed from a terminal node
// (§3).
type Export struct {
	Name  string
	Flags uint64

	// Valid when Flags has neither FlagReexport nor FlagStubAndResolver set.
	Address uint64

	// Valid when FlagReexport is set.
	ReexportDylibOrdinal int64
	ReexportName          string // empty means "same name as Name"

	// Valid when FlagStubAndResolver is set.
	StubOffset     uint64
	ResolverOffset uint64
}

// IsWeakDefinition reports the weak-definition flag bit.
func (e Export) IsWeakDefinition() bool { return e.Flags&FlagWeakDefinition != 0 }

// IsReexport reports the re-export flag bit.
func (e Export) IsReexport() bool { return e.Flags&FlagReexport != 0 }

// IsStubAndResolver reports the stub-and-resolver flag bit.
func (e Export) IsStubAndResolver() bool { return e.Flags&FlagStubAndResolver != 0 }

// Kind returns the symbol-kind bits (Regular/ThreadLocal/Absolute).
func (e Export) Kind() uint64 { return e.Flags & KindMask }

// childEntry is one (label, child offset) pair read from a node's
// child table.
type childEntry struct {
	label  string
	offset int
}

// byteRange is a node's [start, end) extent in the trie's byte
// stream: from its own header through the last byte of its child
// table (§4.4: "the node's [begin, after_children) range").
type byteRange struct {
	start, end int
}

func (r byteRange) overlaps(o byteRange) bool {
	return r.start < o.end && o.start < r.end
}

// node is the fully-parsed contents of one trie node: its terminal
// (if any), its children, and the byte range it spans.
type node struct {
	terminal *Export
	children []childEntry
	span     byteRange
}

// parseNode decodes the node at offset: terminal size, terminal bytes
// (if any), child count, and every child's (label, offset) pair. The
// terminal, if present, is named prefix. The whole child table is read
// eagerly (rather than lazily as the DFS visits each child) so the
// node's full byte span is known before any child is visited, which
// the range-overlap guard requires.
func parseNode(data []byte, offset int, prefix string) (node, error) {
	termSize, n, err := leb.Uleb128(sliceFrom(data, offset))
	if err != nil {
		return node{}, fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
	}
	cursor := offset + n

	var term *Export
	if termSize > 0 {
		if offset == 0 {
			return node{}, ErrEmptyExport
		}
		termEnd := cursor + int(termSize)
		if termEnd > len(data) {
			return node{}, fmt.Errorf("%w: terminal at %d", ErrTruncatedNode, offset)
		}
		e, err := parseTerminal(data[cursor:termEnd], prefix)
		if err != nil {
			return node{}, err
		}
		term = &e
		cursor = termEnd
	}

	if cursor >= len(data) {
		return node{}, fmt.Errorf("%w: missing child count at %d", ErrTruncatedNode, offset)
	}
	childCount := int(data[cursor])
	cursor++

	children := make([]childEntry, 0, childCount)
	for i := 0; i < childCount; i++ {
		label, childOffset, n, err := readChild(data, cursor)
		if err != nil {
			return node{}, err
		}
		cursor += n
		children = append(children, childEntry{label: label, offset: childOffset})
	}

	return node{terminal: term, children: children, span: byteRange{start: offset, end: cursor}}, nil
}

type frame struct {
	nodeOffset int
	prefix     string
	children   []childEntry
	childIndex int
	terminal   *Export
}

// Iterator walks an export trie depth-first, yielding one Export per
// terminal node reached (component H). MaxDepth defaults to
// DefaultMaxDepth when left zero.
//
// ranges tracks the byte span of every node currently on the DFS
// stack (ancestors plus the node being visited); it is truncated back
// to size on backtrack, matching spec §4.4's "truncating ... the
// visited-ranges vector to their sizes at entry" — a node revisited
// from an unrelated, already-completed branch is not itself an error,
// only a child offset landing inside a node still on the current path.
type Iterator struct {
	data     []byte
	MaxDepth int

	stack   []frame
	ranges  []byteRange
	started bool
	done    bool
}

// NewIterator constructs a walker over the trie stored in data,
// starting at the root (offset 0).
func NewIterator(data []byte) *Iterator {
	return &Iterator{data: data}
}

func (it *Iterator) maxDepth() int {
	if it.MaxDepth == 0 {
		return DefaultMaxDepth
	}
	return it.MaxDepth
}

// Next returns the next Export reached by the walk, or (Export{},
// nil, false) when the walk is complete. A non-nil error always ends
// the walk (export-trie malformation is always treated as fatal,
// unlike the bind/rebase streams, since a partial trie cannot be
// trusted at all per §4.4).
func (it *Iterator) Next() (Export, error, bool) {
	if it.done {
		return Export{}, nil, false
	}
	if !it.started {
		it.started = true
		if len(it.data) == 0 {
			it.done = true
			return Export{}, nil, false
		}
		f, err := it.enter(0, "")
		if err != nil {
			it.done = true
			return Export{}, err, false
		}
		it.stack = append(it.stack, f)
		if f.terminal != nil {
			return *f.terminal, nil, true
		}
	}

	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]

		if top.childIndex >= len(top.children) {
			it.stack = it.stack[:len(it.stack)-1]
			it.ranges = it.ranges[:len(it.ranges)-1]
			continue
		}

		child := top.children[top.childIndex]
		top.childIndex++

		if child.offset < 0 || child.offset >= len(it.data) {
			it.done = true
			return Export{}, fmt.Errorf("%w: %d", ErrOffsetOutOfRange, child.offset), false
		}
		if len(it.stack) >= it.maxDepth() {
			it.done = true
			return Export{}, ErrDepthExceeded, false
		}

		childFrame, err := it.enter(child.offset, top.prefix+child.label)
		if err != nil {
			it.done = true
			return Export{}, err, false
		}
		it.stack = append(it.stack, childFrame)

		if childFrame.terminal != nil {
			return *childFrame.terminal, nil, true
		}
	}

	it.done = true
	return Export{}, nil, false
}

// enter parses the node at offset and checks its byte span against
// every node still on the current DFS path (§4.4, Testable Property
// 5): an exact repeat of an ancestor's start is a cycle, and an offset
// landing in the interior of an ancestor's span — not just its exact
// start — is an overlap either way.
func (it *Iterator) enter(offset int, prefix string) (frame, error) {
	n, err := parseNode(it.data, offset, prefix)
	if err != nil {
		return frame{}, err
	}
	for _, r := range it.ranges {
		if r.start == n.span.start {
			return frame{}, fmt.Errorf("%w: offset %d", ErrCycleDetected, offset)
		}
		if r.overlaps(n.span) {
			return frame{}, fmt.Errorf("%w: offset %d", ErrOverlappingRanges, offset)
		}
	}
	it.ranges = append(it.ranges, n.span)

	return frame{
		nodeOffset: offset,
		prefix:     prefix,
		children:   n.children,
		terminal:   n.terminal,
	}, nil
}

func parseTerminal(b []byte, name string) (Export, error) {
	flags, n, err := leb.Uleb128(b)
	if err != nil {
		return Export{}, fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
	}
	b = b[n:]
	e := Export{Name: name, Flags: flags}

	switch {
	case flags&FlagReexport != 0:
		ord, n, err := leb.Uleb128(b)
		if err != nil {
			return Export{}, fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
		}
		b = b[n:]
		importName, _, err := readCString(b)
		if err != nil {
			return Export{}, fmt.Errorf("%w: %v", ErrInvalidString, err)
		}
		e.ReexportDylibOrdinal = int64(ord)
		e.ReexportName = importName
	case flags&FlagStubAndResolver != 0:
		stub, n, err := leb.Uleb128(b)
		if err != nil {
			return Export{}, fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
		}
		b = b[n:]
		resolver, _, err := leb.Uleb128(b)
		if err != nil {
			return Export{}, fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
		}
		e.StubOffset = stub
		e.ResolverOffset = resolver
	default:
		addr, _, err := leb.Uleb128(b)
		if err != nil {
			return Export{}, fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
		}
		e.Address = addr
	}
	return e, nil
}

func readChild(data []byte, offset int) (label string, childOffset int, n int, err error) {
	label, labelLen, err := readCString(data[offset:])
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: %v", ErrInvalidString, err)
	}
	off, ulebLen, err := leb.Uleb128(data[offset+labelLen:])
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
	}
	return label, int(off), labelLen + ulebLen, nil
}

func readCString(data []byte) (string, int, error) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), i + 1, nil
		}
	}
	return "", 0, errors.New("unterminated string")
}

func sliceFrom(data []byte, offset int) []byte {
	if offset >= len(data) {
		return nil
	}
	return data[offset:]
}

// ExportOnly drains an Iterator into a slice, stopping (and returning
// the partial slice alongside the error) at the first malformation.
func ExportOnly(it *Iterator) ([]Export, error) {
	var out []Export
	for {
		e, err, more := it.Next()
		if err != nil {
			return out, err
		}
		if !more {
			return out, nil
		}
		out = append(out, e)
	}
}

// Lookup walks the trie in data looking for symbol, short-circuiting
// the walk as soon as a match (or definitive non-match along the
// matching path) is found. It is the convenience entry point ktool's
// ExportTrieUtil.h offers as get_export_trie_node_ex / findExportTrieEntry.
func Lookup(data []byte, symbol string) (Export, bool, error) {
	offset := 0
	prefix := ""
	var ranges []byteRange
	for {
		n, err := parseNode(data, offset, prefix)
		if err != nil {
			return Export{}, false, err
		}
		for _, r := range ranges {
			if r.start == n.span.start {
				return Export{}, false, fmt.Errorf("%w: offset %d", ErrCycleDetected, offset)
			}
			if r.overlaps(n.span) {
				return Export{}, false, fmt.Errorf("%w: offset %d", ErrOverlappingRanges, offset)
			}
		}
		ranges = append(ranges, n.span)

		if n.terminal != nil && prefix == symbol {
			return *n.terminal, true, nil
		}

		matched := false
		for _, c := range n.children {
			candidate := prefix + c.label
			if len(symbol) >= len(candidate) && symbol[:len(candidate)] == candidate {
				if c.offset < 0 || c.offset >= len(data) {
					return Export{}, false, fmt.Errorf("%w: %d", ErrOffsetOutOfRange, c.offset)
				}
				offset = c.offset
				prefix = candidate
				matched = true
				break
			}
		}
		if !matched {
			return Export{}, false, nil
		}
	}
}
