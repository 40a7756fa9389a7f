package bind

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/appsworld/machocore/image"
)

// S1: a minimal normal-stream bind (set ordinal, symbol, segment+offset, do-bind)
// folds into exactly one Action.
func TestActionIteratorMinimalBind(t *testing.T) {
	var b []byte
	b = append(b, byte(OpSetDylibOrdinalImm)|1)
	b = append(b, byte(OpSetSymbolTrailingFlagsImm)|0)
	b = cstr(b, "_foo")
	b = append(b, byte(OpSetSegmentAndOffsetUleb)|0)
	b = uleb(b, 0x18)
	b = append(b, byte(OpDoBind))
	b = append(b, byte(OpDone))

	op := NewOpcodeIterator(b, 0, len(b), Normal)
	it := NewActionIterator(op, nil, nil)

	a, err, more := it.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Symbol != "_foo" || a.DylibOrdinal != 1 || a.SegOffset != 0x18 || a.SegmentIndex != 0 {
		t.Fatalf("unexpected action: %+v", a)
	}
	if a.WriteKind != WritePointer {
		t.Fatalf("expected default write kind Pointer, got %v", a.WriteKind)
	}
	if !more {
		t.Fatal("expected more=true after first action (Done not yet consumed)")
	}

	_, err, more = it.Next()
	if err != nil {
		t.Fatalf("unexpected error on second Next: %v", err)
	}
	if more {
		t.Fatal("expected iteration to end at Done")
	}
}

// S2: DO_BIND_ULEB_TIMES_SKIPPING_ULEB expands to Count actions at
// successive offsets.
func TestActionIteratorRepeat(t *testing.T) {
	var b []byte
	b = append(b, byte(OpSetDylibOrdinalImm)|1)
	b = append(b, byte(OpSetSymbolTrailingFlagsImm)|0)
	b = cstr(b, "_bar")
	b = append(b, byte(OpSetSegmentAndOffsetUleb)|0)
	b = uleb(b, 0x0)
	b = append(b, byte(OpDoBindUlebTimesSkippingUleb))
	b = uleb(b, 3)  // count
	b = sleb(b, 0)  // skip
	b = append(b, byte(OpDone))

	op := NewOpcodeIterator(b, 0, len(b), Normal)
	it := NewActionIterator(op, nil, nil)

	var actions []Action
	for {
		a, err, more := it.Next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a != (Action{}) {
			actions = append(actions, a)
		}
		if !more {
			break
		}
	}
	if len(actions) != 3 {
		t.Fatalf("expected 3 actions, got %d: %+v", len(actions), actions)
	}
	for i, a := range actions {
		if a.Symbol != "_bar" {
			t.Fatalf("action %d: symbol = %q", i, a.Symbol)
		}
	}
}

func oneSegmentIndex(vmStart, vmEnd uint64) *image.Index {
	return image.NewIndex([]image.Segment{{
		Name: "__DATA",
		File: image.Range{Start: 0, End: vmEnd - vmStart},
		VM:   image.Range{Start: vmStart, End: vmEnd},
	}})
}

// buildAction must validate the segment index and the write's file
// range against the segment it targets once segments is non-nil.
func TestBuildActionValidatesSegmentBounds(t *testing.T) {
	segs := oneSegmentIndex(0x1000, 0x1010) // 16 bytes

	var b []byte
	b = append(b, byte(OpSetDylibOrdinalImm)|1)
	b = append(b, byte(OpSetSymbolTrailingFlagsImm)|0)
	b = cstr(b, "_foo")
	b = append(b, byte(OpSetSegmentAndOffsetUleb)|0)
	b = uleb(b, 0x8) // in range: offset 8, pointer write of 8 bytes fits exactly
	b = append(b, byte(OpDoBind))
	b = append(b, byte(OpDone))

	op := NewOpcodeIterator(b, 0, len(b), Normal)
	it := NewActionIterator(op, nil, segs)

	a, err, more := it.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.SegOffset != 0x8 {
		t.Fatalf("unexpected action: %+v", a)
	}
	if !more {
		t.Fatal("expected more=true before Done")
	}
}

func TestBuildActionRejectsOutOfBoundsSegmentAddr(t *testing.T) {
	segs := oneSegmentIndex(0x1000, 0x1010) // 16 bytes

	var b []byte
	b = append(b, byte(OpSetDylibOrdinalImm)|1)
	b = append(b, byte(OpSetSymbolTrailingFlagsImm)|0)
	b = cstr(b, "_foo")
	b = append(b, byte(OpSetSegmentAndOffsetUleb)|0)
	b = uleb(b, 0xC) // offset 12 + 8-byte pointer write overruns the 16-byte segment
	b = append(b, byte(OpDoBind))
	b = append(b, byte(OpDone))

	op := NewOpcodeIterator(b, 0, len(b), Normal)
	it := NewActionIterator(op, nil, segs)

	_, err, more := it.Next()
	if !errors.Is(err, ErrOutOfBoundsSegmentAddr) {
		t.Fatalf("expected ErrOutOfBoundsSegmentAddr, got %v", err)
	}
	if !Ignorable(err) {
		t.Fatal("expected ErrOutOfBoundsSegmentAddr to be ignorable")
	}
	if !more {
		t.Fatal("expected iteration to continue after an ignorable error")
	}
}

func TestBuildActionRejectsInvalidSegmentIndex(t *testing.T) {
	segs := oneSegmentIndex(0x1000, 0x1010)

	var b []byte
	b = append(b, byte(OpSetDylibOrdinalImm)|1)
	b = append(b, byte(OpSetSymbolTrailingFlagsImm)|0)
	b = cstr(b, "_foo")
	b = append(b, byte(OpSetSegmentAndOffsetUleb)|3) // only segment 0 exists
	b = uleb(b, 0x0)
	b = append(b, byte(OpDoBind))
	b = append(b, byte(OpDone))

	op := NewOpcodeIterator(b, 0, len(b), Normal)
	it := NewActionIterator(op, nil, segs)

	_, err, _ := it.Next()
	if !errors.Is(err, ErrInvalidSegmentIndex) {
		t.Fatalf("expected ErrInvalidSegmentIndex, got %v", err)
	}
}

// Round-trip an OpThreaded ordinal table build followed by a
// ThreadedApply over a real bits.ThreadedChainWord-encoded chain: one
// bind-tagged word with stride 0 (terminates the chain immediately).
func TestThreadedBindRoundTrip(t *testing.T) {
	const vmBase = 0x2000
	data := make([]byte, 0x20)
	binary.LittleEndian.PutUint64(data[0x10:], uint64(1)<<62) // is-bind, stride 0, ordinal 0

	segs := image.NewIndex([]image.Segment{{
		Name: "__DATA",
		File: image.Range{Start: 0, End: uint64(len(data))},
		VM:   image.Range{Start: vmBase, End: vmBase + uint64(len(data))},
	}})
	devirt := image.NewDevirtualizer(data, segs)

	var b []byte
	// Build a 1-entry ordinal table: ordinal 1, symbol "_foo".
	b = append(b, byte(OpSetDylibOrdinalImm)|1)
	b = append(b, byte(OpSetSymbolTrailingFlagsImm)|0)
	b = cstr(b, "_foo")
	b = append(b, byte(OpSetSegmentAndOffsetUleb)|0)
	b = uleb(b, 0x0)
	b = append(b, byte(OpThreaded)|ThreadedSetBindOrdinalTableSizeUleb)
	b = uleb(b, 1)
	b = append(b, byte(OpDoBind))
	// Apply the chain starting at offset 0x10, where the chain word lives.
	b = append(b, byte(OpSetSegmentAndOffsetUleb)|0)
	b = uleb(b, 0x10)
	b = append(b, byte(OpThreaded)|ThreadedApply)
	b = append(b, byte(OpDone))

	op := NewOpcodeIterator(b, 0, len(b), Normal)
	it := NewActionIterator(op, devirt, segs)

	a, err, more := it.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.Threaded || a.Symbol != "_foo" || a.DylibOrdinal != 1 || a.SegOffset != 0x10 {
		t.Fatalf("unexpected threaded action: %+v", a)
	}
	if !more {
		t.Fatal("expected more=true before Done")
	}
}

// ThreadedApply before the ordinal table is full must fail with
// ErrNotEnoughThreadedBinds rather than walking a partially-built table.
func TestThreadedApplyBeforeTableFull(t *testing.T) {
	const vmBase = 0x3000
	data := make([]byte, 0x20)
	binary.LittleEndian.PutUint64(data[0x10:], uint64(1)<<62)

	segs := image.NewIndex([]image.Segment{{
		Name: "__DATA",
		File: image.Range{Start: 0, End: uint64(len(data))},
		VM:   image.Range{Start: vmBase, End: vmBase + uint64(len(data))},
	}})
	devirt := image.NewDevirtualizer(data, segs)

	var b []byte
	b = append(b, byte(OpSetSegmentAndOffsetUleb)|0)
	b = uleb(b, 0x0)
	b = append(b, byte(OpThreaded)|ThreadedSetBindOrdinalTableSizeUleb)
	b = uleb(b, 2) // table wants 2 entries; none are ever provided
	b = append(b, byte(OpSetSegmentAndOffsetUleb)|0)
	b = uleb(b, 0x10)
	b = append(b, byte(OpThreaded)|ThreadedApply)
	b = append(b, byte(OpDone))

	op := NewOpcodeIterator(b, 0, len(b), Normal)
	it := NewActionIterator(op, devirt, segs)

	_, err, _ := it.Next()
	if !errors.Is(err, ErrNotEnoughThreadedBinds) {
		t.Fatalf("expected ErrNotEnoughThreadedBinds, got %v", err)
	}
}

// An insert-time overflow of the ordinal table must fail with
// ErrTooManyThreadedBinds rather than silently dropping the entry.
func TestThreadedOrdinalTableOverflow(t *testing.T) {
	var b []byte
	b = append(b, byte(OpSetSegmentAndOffsetUleb)|0)
	b = uleb(b, 0x0)
	b = append(b, byte(OpThreaded)|ThreadedSetBindOrdinalTableSizeUleb)
	b = uleb(b, 1) // room for exactly one entry
	b = append(b, byte(OpSetDylibOrdinalImm)|1)
	b = append(b, byte(OpSetSymbolTrailingFlagsImm)|0)
	b = cstr(b, "_a")
	b = append(b, byte(OpDoBind))
	b = append(b, byte(OpSetDylibOrdinalImm)|2)
	b = append(b, byte(OpSetSymbolTrailingFlagsImm)|0)
	b = cstr(b, "_b")
	b = append(b, byte(OpDoBind)) // second entry overflows the table
	b = append(b, byte(OpDone))

	op := NewOpcodeIterator(b, 0, len(b), Normal)
	it := NewActionIterator(op, nil, nil)

	_, err, _ := it.Next()
	if !errors.Is(err, ErrTooManyThreadedBinds) {
		t.Fatalf("expected ErrTooManyThreadedBinds, got %v", err)
	}
}

func TestIllegalOpcodeStopsActionIteration(t *testing.T) {
	var b []byte
	b = append(b, byte(OpSetKindImm)|1) // illegal in Lazy stream
	b = append(b, byte(OpDone))

	op := NewOpcodeIterator(b, 0, len(b), Lazy)
	it := NewActionIterator(op, nil, nil)

	_, err, more := it.Next()
	if err == nil || !Fatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if more {
		t.Fatal("expected iteration to stop")
	}
}
