package bind

import (
	"errors"
	"fmt"

	"github.com/appsworld/machocore/image"
	"github.com/appsworld/machocore/internal/bits"
)

// Additional sentinel errors surfaced only at the action level (§4.2,
// §7): a DoBind* opcode fired before enough state was set, a segment
// index out of range, or a threaded chain that couldn't be resolved.
var (
	ErrInvalidSegmentIndex     = errors.New("bind: invalid segment index")
	ErrNotEnoughThreadedBinds  = errors.New("bind: threaded ordinal table underflow")
	ErrTooManyThreadedBinds    = errors.New("bind: threaded ordinal table overflow")
	ErrInvalidThreadOrdinal    = errors.New("bind: threaded chain ordinal out of range")
	ErrOutOfBoundsSegmentAddr  = errors.New("bind: segment offset out of bounds")
	ErrNoDylibOrdinal          = errors.New("bind: no dylib ordinal set before bind")
	ErrNoSegmentIndex          = errors.New("bind: no segment/offset set before bind")
	ErrNoWriteKind             = errors.New("bind: no write kind set before bind")
	ErrThreadedChainUnavailable = errors.New("bind: threaded chain requires an image to walk")
)

// Ignorable reports whether err belongs to the set of errors that a
// downstream collector (bindcollection) may choose to skip over rather
// than abort the whole walk on (§4.2, §7).
func Ignorable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrEmptySymbol),
		errors.Is(err, ErrInvalidSegmentIndex),
		errors.Is(err, ErrNotEnoughThreadedBinds),
		errors.Is(err, ErrTooManyThreadedBinds),
		errors.Is(err, ErrInvalidThreadOrdinal),
		errors.Is(err, ErrOutOfBoundsSegmentAddr),
		errors.Is(err, ErrUnrecognizedBindSubOpcode),
		errors.Is(err, ErrUnrecognizedBindWriteKind),
		errors.Is(err, ErrUnrecognizedSpecialDylibOrdinal),
		errors.Is(err, ErrNoDylibOrdinal),
		errors.Is(err, ErrNoSegmentIndex),
		errors.Is(err, ErrNoWriteKind):
		return true
	default:
		return false
	}
}

// Action is one concrete bind to apply: a location (segment index +
// offset), the symbol to resolve it against, and the write to perform
// (§4.2).
type Action struct {
	SegmentIndex int
	SegOffset    uint64
	DylibOrdinal int64
	Symbol       string
	SymbolFlags  byte
	WriteKind    WriteKind
	Addend       int64
	Threaded     bool
}

// IsWeak reports whether the symbol is flagged weak (BIND_SYMBOL_FLAGS_WEAK_IMPORT, bit 0).
func (a Action) IsWeak() bool { return a.SymbolFlags&0x1 != 0 }

// IsNonWeakDefinition reports whether the symbol is flagged non-weak-definition (bit 3).
func (a Action) IsNonWeakDefinition() bool { return a.SymbolFlags&0x8 != 0 }

type threadedEntry struct {
	DylibOrdinal int64
	Symbol       string
	SymbolFlags  byte
	Addend       int64
}

// ActionIterator folds OpcodeIterator events into concrete Actions
// (component F): it tracks pending repeat/skip state and, once an
// OpThreaded/ThreadedApply pair is seen, switches into the ARM64e
// threaded sub-machine, resolving each chain word against an ordinal
// table built from the classic binds that preceded it.
//
// devirt/segments are optional; they are only required if the stream
// actually uses threaded binds. PointerSize defaults to 8 (LP64) if
// left zero.
type ActionIterator struct {
	op          *OpcodeIterator
	devirt      *image.Devirtualizer
	segments    *image.Index
	PointerSize uint64

	ordinalTable []threadedEntry
	tableSizeSet bool
	tableSize    uint64
	buildingTable bool

	queue []Action
	done  bool
}

// NewActionIterator wraps an OpcodeIterator to fold its events into
// Actions. devirt and segments may be nil if the caller knows the
// stream contains no threaded binds.
func NewActionIterator(op *OpcodeIterator, devirt *image.Devirtualizer, segments *image.Index) *ActionIterator {
	return &ActionIterator{op: op, devirt: devirt, segments: segments, PointerSize: 8}
}

func (it *ActionIterator) ptrSize() uint64 {
	if it.PointerSize == 0 {
		return 8
	}
	return it.PointerSize
}

// Next returns the next Action. The returned bool reports whether the
// caller should call Next again; when it is false, iteration is over
// (check err). When err is non-nil and more is true, the step failed
// without ending the walk; every such error is in the Ignorable set
// except ErrThreadedChainUnavailable (a ThreadedApply on an iterator
// built without devirt/segments). Callers that don't want to stop on
// ignorable errors should just call Next again.
func (it *ActionIterator) Next() (action Action, err error, more bool) {
	for {
		if len(it.queue) > 0 {
			a := it.queue[0]
			it.queue = it.queue[1:]
			return a, nil, true
		}
		if it.done {
			return Action{}, nil, false
		}

		ev, ok := it.op.Next()
		if !ok {
			it.done = true
			return Action{}, nil, false
		}
		if ev.Err != nil {
			if Fatal(ev.Err) {
				it.done = true
				return Action{}, ev.Err, false
			}
			return Action{}, ev.Err, true
		}

		switch ev.Opcode {
		case OpThreaded:
			switch ev.ThreadedSubOpcode {
			case ThreadedSetBindOrdinalTableSizeUleb:
				it.tableSize = ev.ThreadedTableSize
				it.tableSizeSet = true
				it.ordinalTable = make([]threadedEntry, 0, ev.ThreadedTableSize)
				it.buildingTable = true
			case ThreadedApply:
				acts, err := it.walkChain(ev)
				if err != nil {
					if Fatal(err) {
						it.done = true
						return Action{}, err, false
					}
					return Action{}, err, true
				}
				it.queue = append(it.queue, acts...)
			}
			continue

		case OpDoBind:
			a, err := it.buildAction(ev)
			if !it.buildingTable {
				it.op.state.SegOffset = ev.SegOffset + it.ptrSize()
			}
			if err != nil {
				return Action{}, err, true
			}
			if it.buildingTable {
				if err := it.appendOrdinal(a); err != nil {
					return Action{}, err, true
				}
				continue
			}
			it.queue = append(it.queue, a)

		case OpDoBindAddAddrUleb:
			a, err := it.buildAction(ev)
			if !it.buildingTable {
				it.op.state.SegOffset = ev.SegOffset + it.ptrSize() + uint64(ev.Skip)
			}
			if err != nil {
				return Action{}, err, true
			}
			if it.buildingTable {
				if err := it.appendOrdinal(a); err != nil {
					return Action{}, err, true
				}
				continue
			}
			it.queue = append(it.queue, a)

		case OpDoBindAddAddrImmScaled:
			a, err := it.buildAction(ev)
			if !it.buildingTable {
				it.op.state.SegOffset = ev.SegOffset + it.ptrSize()*(uint64(ev.Scale)+1)
			}
			if err != nil {
				return Action{}, err, true
			}
			if it.buildingTable {
				if err := it.appendOrdinal(a); err != nil {
					return Action{}, err, true
				}
				continue
			}
			it.queue = append(it.queue, a)

		case OpDoBindUlebTimesSkippingUleb:
			for i := uint64(0); i < ev.Count; i++ {
				a, err := it.buildAction(ev)
				if !it.buildingTable {
					ev.SegOffset += it.ptrSize() + uint64(ev.Skip)
					it.op.state.SegOffset = ev.SegOffset
				}
				if err != nil {
					return Action{}, err, true
				}
				if it.buildingTable {
					if err := it.appendOrdinal(a); err != nil {
						return Action{}, err, true
					}
				} else {
					it.queue = append(it.queue, a)
				}
			}

		default:
			// State-setting opcodes carry no action; loop for the next event.
		}
	}
}

func (it *ActionIterator) appendOrdinal(a Action) error {
	if it.tableSizeSet && uint64(len(it.ordinalTable)) >= it.tableSize {
		return ErrTooManyThreadedBinds
	}
	it.ordinalTable = append(it.ordinalTable, threadedEntry{
		DylibOrdinal: a.DylibOrdinal,
		Symbol:       a.Symbol,
		SymbolFlags:  a.SymbolFlags,
		Addend:       a.Addend,
	})
	return nil
}

// writeSize returns the byte width of the write a WriteKind performs
// (§4.2: pointer writes are pointer-sized, text fixups are 4 bytes).
func writeSize(wk WriteKind, ptrSize uint64) uint64 {
	switch wk {
	case WriteTextAbs32, WriteTextPCRel32:
		return 4
	default:
		return ptrSize
	}
}

// buildAction turns a decoded Do-Bind event into an Action, validating
// the segment index and the write's file-range against the segment it
// targets (§4.2 point 3, Testable Property 2). segments may be nil if
// the caller has none to check against, in which case this step is
// skipped.
func (it *ActionIterator) buildAction(ev Event) (Action, error) {
	if !ev.DylibOrdinalSet && it.op.Kind() != Weak {
		return Action{}, ErrNoDylibOrdinal
	}
	if !ev.SegmentIndexSet {
		return Action{}, ErrNoSegmentIndex
	}
	wk := ev.WriteKind
	if !ev.WriteKindSet {
		wk = WritePointer // classic (pre-threaded) streams default to a pointer write
	}
	if it.segments != nil {
		seg, err := it.segments.At(ev.SegmentIndex)
		if err != nil {
			return Action{}, fmt.Errorf("%w: %v", ErrInvalidSegmentIndex, err)
		}
		size := writeSize(wk, it.ptrSize())
		segSize := seg.File.Size()
		if ev.SegOffset > segSize || segSize-ev.SegOffset < size {
			return Action{}, fmt.Errorf("%w: segment %d offset %#x", ErrOutOfBoundsSegmentAddr, ev.SegmentIndex, ev.SegOffset)
		}
	}
	return Action{
		SegmentIndex: ev.SegmentIndex,
		SegOffset:    ev.SegOffset,
		DylibOrdinal: ev.DylibOrdinal,
		Symbol:       ev.Symbol,
		SymbolFlags:  ev.SymbolFlags,
		WriteKind:    wk,
		Addend:       ev.Addend,
	}, nil
}

// walkChain resolves one ThreadedApply: starting at the segment/offset
// accumulated so far, it follows the ARM64e threaded chain word by
// word, emitting a bind Action for each bind-tagged word and silently
// skipping rebase-tagged words (those belong to the rebase subsystem;
// §6 cross-reference).
func (it *ActionIterator) walkChain(ev Event) ([]Action, error) {
	if it.devirt == nil || it.segments == nil {
		return nil, ErrThreadedChainUnavailable
	}
	if !ev.SegmentIndexSet {
		return nil, ErrNoSegmentIndex
	}
	if it.tableSizeSet && uint64(len(it.ordinalTable)) < it.tableSize {
		return nil, ErrNotEnoughThreadedBinds
	}
	seg, err := it.segments.At(ev.SegmentIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSegmentIndex, err)
	}

	var actions []Action
	offset := ev.SegOffset
	for {
		addr := seg.VM.Start + offset
		raw, err := it.devirt.PtrForVM(addr, 8)
		if err != nil {
			return actions, fmt.Errorf("%w: %v", ErrOutOfBoundsSegmentAddr, err)
		}
		word := bits.ThreadedChainWord(leUint64(raw))

		if word.IsBind() {
			ord := word.BindOrdinal()
			if uint64(ord) >= uint64(len(it.ordinalTable)) {
				return actions, fmt.Errorf("%w: ordinal %d", ErrInvalidThreadOrdinal, ord)
			}
			entry := it.ordinalTable[ord]
			actions = append(actions, Action{
				SegmentIndex: ev.SegmentIndex,
				SegOffset:    offset,
				DylibOrdinal: entry.DylibOrdinal,
				Symbol:       entry.Symbol,
				SymbolFlags:  entry.SymbolFlags,
				WriteKind:    WritePointer,
				Addend:       entry.Addend,
				Threaded:     true,
			})
		}

		stride := word.Stride()
		if stride == 0 {
			break
		}
		offset += stride * it.ptrSize()
	}
	return actions, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}
