package exporttrie

import (
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func uleb(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func cstr(b []byte, s string) []byte {
	b = append(b, []byte(s)...)
	return append(b, 0)
}

// buildTrie constructs:
//
//	root (no terminal)
//	 +-- "_foo" -> terminal: regular export at address 0x1000
//	 +-- "_bar" -> terminal: reexport from ordinal 2, same name
//
// Node layout: [term_size uleb][term bytes][child_count byte]{label cstr, offset uleb}*
func buildTrie(t *testing.T) (data []byte, fooOffset, barOffset int) {
	t.Helper()

	var foo []byte
	foo = uleb(foo, 0) // flags = regular
	foo = uleb(foo, 0x1000)
	fooTerm := foo

	var bar []byte
	bar = uleb(bar, FlagReexport)
	bar = uleb(bar, 2) // dylib ordinal
	bar = cstr(bar, "") // same name

	var fooNode []byte
	fooNode = uleb(fooNode, uint64(len(fooTerm)))
	fooNode = append(fooNode, fooTerm...)
	fooNode = append(fooNode, 0) // no children

	var barNode []byte
	barNode = uleb(barNode, uint64(len(bar)))
	barNode = append(barNode, bar...)
	barNode = append(barNode, 0) // no children

	var root []byte
	root = uleb(root, 0) // no terminal at root
	root = append(root, 2) // 2 children

	// children follow the root's own bytes; offsets are absolute into data.
	rootLen := len(root)

	// Build child table with correct absolute offsets in two passes.
	childTable := func(fooOff, barOff int) []byte {
		var c []byte
		c = cstr(c, "_foo")
		c = uleb(c, uint64(fooOff))
		c = cstr(c, "_bar")
		c = uleb(c, uint64(barOff))
		return c
	}

	// First pass with dummy offsets to learn the child table's length.
	dummy := childTable(0, 0)
	fooOffset = rootLen + len(dummy)
	barOffset = fooOffset + len(fooNode)

	full := append([]byte{}, root...)
	full = append(full, childTable(fooOffset, barOffset)...)
	full = append(full, fooNode...)
	full = append(full, barNode...)

	return full, fooOffset, barOffset
}

// S5: a regular export resolves to its address.
func TestRegularExport(t *testing.T) {
	data, _, _ := buildTrie(t)
	it := NewIterator(data)
	exports, err := ExportOnly(it)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exports) != 2 {
		t.Fatalf("expected 2 exports, got %d: %+v", len(exports), exports)
	}
	var foo *Export
	for i := range exports {
		if exports[i].Name == "_foo" {
			foo = &exports[i]
		}
	}
	if foo == nil {
		t.Fatal("missing _foo export")
	}
	if foo.IsReexport() || foo.Address != 0x1000 {
		t.Fatalf("unexpected _foo export: %+v", foo)
	}
}

// S6: a re-export carries a dylib ordinal instead of an address.
func TestReexport(t *testing.T) {
	data, _, _ := buildTrie(t)
	it := NewIterator(data)
	exports, err := ExportOnly(it)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var bar *Export
	for i := range exports {
		if exports[i].Name == "_bar" {
			bar = &exports[i]
		}
	}
	if bar == nil {
		t.Fatal("missing _bar export")
	}
	if !bar.IsReexport() || bar.ReexportDylibOrdinal != 2 {
		t.Fatalf("unexpected _bar export: %+v", bar)
	}
	if bar.ReexportName != "" {
		t.Fatalf("expected same-name reexport, got %q", bar.ReexportName)
	}
}

func TestExportOnlyMatchesExpectedSet(t *testing.T) {
	data, _, _ := buildTrie(t)
	exports, err := ExportOnly(NewIterator(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sort.Slice(exports, func(i, j int) bool { return exports[i].Name < exports[j].Name })

	want := []Export{
		{Name: "_bar", Flags: FlagReexport, ReexportDylibOrdinal: 2},
		{Name: "_foo", Flags: 0, Address: 0x1000},
	}
	if diff := cmp.Diff(want, exports); diff != "" {
		t.Fatalf("unexpected exports (-want +got):\n%s", diff)
	}
}

func TestLookupFindsExport(t *testing.T) {
	data, _, _ := buildTrie(t)
	e, ok, err := Lookup(data, "_foo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || e.Address != 0x1000 {
		t.Fatalf("got (%+v, %v)", e, ok)
	}
}

func TestLookupMiss(t *testing.T) {
	data, _, _ := buildTrie(t)
	_, ok, err := Lookup(data, "_nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

// A child offset landing inside the interior of a node still on the
// DFS path (not at its exact start) is an overlap, distinct from the
// exact-repeat cycle case below.
func TestOverlappingRangesDetected(t *testing.T) {
	data := []byte{
		0x00,             // root: term_size = 0
		0x02,             // root: 2 children
		0x5f, 0x61, 0x00, // "_a\0"
		0x07,             // -> offset 7 (interior of root's own span)
		0x5f, 0x00,       // "_\0"
		0x00,             // -> offset 0
	}

	it := NewIterator(data)
	_, err := ExportOnly(it)
	if !errors.Is(err, ErrOverlappingRanges) {
		t.Fatalf("expected ErrOverlappingRanges, got %v", err)
	}
}

func TestCycleDetected(t *testing.T) {
	// A node whose single child points back to offset 0 (itself).
	var root []byte
	root = uleb(root, 0) // no terminal
	root = append(root, 1) // 1 child
	var child []byte
	child = cstr(child, "_loop")
	child = uleb(child, 0) // points back to root offset 0
	root = append(root, child...)

	it := NewIterator(root)
	_, err := ExportOnly(it)
	if err == nil {
		t.Fatal("expected cycle detection error")
	}
}
