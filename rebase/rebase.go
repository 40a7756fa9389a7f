// Package rebase implements the rebase-opcode virtual machine
// (spec component G): a single-pass decoder over the rebase bytecode
// stream that folds opcode events into concrete rebase actions
// (addresses needing the image's load bias added in).
package rebase

import (
	"errors"
	"fmt"

	"github.com/appsworld/machocore/image"
	"github.com/appsworld/machocore/internal/bits"
	"github.com/appsworld/machocore/internal/leb"
)

// Kind is the pointer-write type a rebase performs, mirroring the
// bind stream's write kinds (§3, §4.3).
type Kind int

const (
	KindUnknown Kind = iota
	KindPointer
	KindTextAbs32
	KindTextPCRel32
)

// Opcode is the top nibble of a rebase opcode byte (§4.3).
type Opcode byte

const (
	OpDone                   Opcode = 0x00
	OpSetTypeImm             Opcode = 0x10
	OpSetSegmentAndOffsetUleb Opcode = 0x20
	OpAddAddrUleb            Opcode = 0x30
	OpAddAddrImmScaled       Opcode = 0x40
	OpDoRebaseImmTimes       Opcode = 0x50
	OpDoRebaseUlebTimes      Opcode = 0x60
	OpDoRebaseAddAddrUleb    Opcode = 0x70
	OpDoRebaseUlebTimesSkippingUleb Opcode = 0x80
)

var (
	ErrInvalidLeb128          = errors.New("rebase: invalid leb128")
	ErrUnrecognizedRebaseType = errors.New("rebase: unrecognized type")
	ErrUnrecognizedOpcode     = errors.New("rebase: unrecognized opcode")
	ErrNoTypeSet              = errors.New("rebase: no type set before rebase")
	ErrNoSegmentSet           = errors.New("rebase: no segment/offset set before rebase")
	ErrInvalidSegmentIndex    = errors.New("rebase: invalid segment index")
	ErrOutOfBoundsSegmentAddr = errors.New("rebase: segment offset out of bounds")
)

// Fatal reports whether err should terminate opcode iteration (§7):
// truncated LEB128 and genuinely unrecognized opcodes, as opposed to
// an unrecognized type immediate which a collector may choose to skip.
func Fatal(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidLeb128), errors.Is(err, ErrUnrecognizedOpcode):
		return true
	default:
		return false
	}
}

// Ignorable reports whether err may be skipped by a downstream
// consumer rather than aborting the whole walk.
func Ignorable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, ErrUnrecognizedRebaseType),
		errors.Is(err, ErrNoTypeSet),
		errors.Is(err, ErrNoSegmentSet),
		errors.Is(err, ErrInvalidSegmentIndex),
		errors.Is(err, ErrOutOfBoundsSegmentAddr):
		return true
	default:
		return false
	}
}

func typeFromImm(imm byte) (Kind, bool) {
	switch imm {
	case 1:
		return KindPointer, true
	case 2:
		return KindTextAbs32, true
	case 3:
		return KindTextPCRel32, true
	default:
		return KindUnknown, false
	}
}

// Event is one decoded rebase opcode step, carrying the accumulated
// VM register state as of this step (§4.3).
type Event struct {
	Opcode Opcode
	Raw    byte

	Type    Kind
	TypeSet bool

	SegmentIndex    int
	SegmentIndexSet bool
	SegOffset       uint64

	Count uint64
	Skip  int64
	Scale byte

	Err error
}

// OpcodeIterator is the single-pass decoder over a rebase bytecode
// range.
type OpcodeIterator struct {
	data   []byte
	cursor int
	end    int

	state Event
	done  bool
}

// NewOpcodeIterator constructs an iterator over data[begin:end].
func NewOpcodeIterator(data []byte, begin, end int) *OpcodeIterator {
	return &OpcodeIterator{data: data, cursor: begin, end: end}
}

// Done reports whether the iterator has nothing more to decode.
func (it *OpcodeIterator) Done() bool { return it.done }

// Next decodes one opcode step. It returns (event, false) once the
// stream has nothing more to yield (OpDone or end of range).
func (it *OpcodeIterator) Next() (Event, bool) {
	if it.done {
		return Event{}, false
	}
	if it.cursor >= it.end {
		it.done = true
		return Event{}, false
	}

	raw := it.data[it.cursor]
	it.cursor++
	opByteHi, imm := bits.SplitOpcode(raw)
	op := Opcode(opByteHi)

	ev := it.state
	ev.Opcode = op
	ev.Raw = raw
	ev.Count, ev.Skip, ev.Scale = 0, 0, 0
	ev.Err = nil

	switch op {
	case OpDone:
		it.done = true
	case OpSetTypeImm:
		k, ok := typeFromImm(imm)
		if !ok {
			ev.Err = fmt.Errorf("%w: %d", ErrUnrecognizedRebaseType, imm)
			break
		}
		ev.Type = k
		ev.TypeSet = true
	case OpSetSegmentAndOffsetUleb:
		v, n, err := leb.Uleb128(it.data[it.cursor:it.end])
		it.cursor += n
		if err != nil {
			ev.Err = fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
			it.done = true
			break
		}
		ev.SegmentIndex = int(imm)
		ev.SegmentIndexSet = true
		ev.SegOffset = v
	case OpAddAddrUleb:
		v, n, err := leb.Uleb128(it.data[it.cursor:it.end])
		it.cursor += n
		if err != nil {
			ev.Err = fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
			it.done = true
			break
		}
		ev.SegOffset += v
	case OpAddAddrImmScaled:
		ev.Scale = imm
		ev.SegOffset += uint64(imm) * 8
	case OpDoRebaseImmTimes:
		ev.Count = uint64(imm)
	case OpDoRebaseUlebTimes:
		v, n, err := leb.Uleb128(it.data[it.cursor:it.end])
		it.cursor += n
		if err != nil {
			ev.Err = fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
			it.done = true
			break
		}
		ev.Count = v
	case OpDoRebaseAddAddrUleb:
		v, n, err := leb.Uleb128(it.data[it.cursor:it.end])
		it.cursor += n
		if err != nil {
			ev.Err = fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
			it.done = true
			break
		}
		ev.Skip = int64(v)
		ev.Count = 1
	case OpDoRebaseUlebTimesSkippingUleb:
		count, n, err := leb.Uleb128(it.data[it.cursor:it.end])
		it.cursor += n
		if err != nil {
			ev.Err = fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
			it.done = true
			break
		}
		skip, n2, err := leb.Uleb128(it.data[it.cursor:it.end])
		it.cursor += n2
		if err != nil {
			ev.Err = fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
			it.done = true
			break
		}
		ev.Count = count
		ev.Skip = int64(skip)
	default:
		ev.Err = fmt.Errorf("%w: %#x", ErrUnrecognizedOpcode, byte(op))
		it.done = true
	}

	it.state = ev
	return ev, true
}

// Action is one concrete rebase: a location that needs the image's
// load bias added to the pointer already stored there.
type Action struct {
	SegmentIndex int
	SegOffset    uint64
	Type         Kind
}

// ActionIterator folds OpcodeIterator events into Actions, expanding
// the ImmTimes/UlebTimes/AddAddrUleb/UlebTimesSkippingUleb repeat
// opcodes into one Action per address touched (§4.3).
//
// segments is optional; when non-nil, every emitted Action's segment
// index and file-range is validated against it (§4.3, Testable
// Property 2's rebase counterpart).
type ActionIterator struct {
	op          *OpcodeIterator
	segments    *image.Index
	pointerSize uint64
	queue       []Action
	pendingErr  error
	done        bool
}

// NewActionIterator wraps an OpcodeIterator to fold its events into
// Actions. segments may be nil if the caller has none to validate
// against. pointerSize defaults to 8 (LP64) if zero.
func NewActionIterator(op *OpcodeIterator, segments *image.Index, pointerSize uint64) *ActionIterator {
	if pointerSize == 0 {
		pointerSize = 8
	}
	return &ActionIterator{op: op, segments: segments, pointerSize: pointerSize}
}

// writeSize returns the byte width of the rebase write a Kind
// performs.
func writeSize(k Kind) uint64 {
	switch k {
	case KindTextAbs32, KindTextPCRel32:
		return 4
	default:
		return 8
	}
}

// checkBounds validates a single rebase target against its segment's
// file range. It is a no-op when no segment index was supplied to the
// iterator.
func (it *ActionIterator) checkBounds(segIndex int, offset uint64, typ Kind) error {
	if it.segments == nil {
		return nil
	}
	seg, err := it.segments.At(segIndex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSegmentIndex, err)
	}
	size := writeSize(typ)
	segSize := seg.File.Size()
	if offset > segSize || segSize-offset < size {
		return fmt.Errorf("%w: segment %d offset %#x", ErrOutOfBoundsSegmentAddr, segIndex, offset)
	}
	return nil
}

// Next returns the next Action. The returned bool reports whether the
// caller should call Next again. When err is non-nil and more is
// true, the error is in the Ignorable set.
func (it *ActionIterator) Next() (action Action, err error, more bool) {
	for {
		if len(it.queue) > 0 {
			a := it.queue[0]
			it.queue = it.queue[1:]
			return a, nil, true
		}
		if it.pendingErr != nil {
			e := it.pendingErr
			it.pendingErr = nil
			return Action{}, e, true
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
		case OpDoRebaseImmTimes, OpDoRebaseUlebTimes:
			if !ev.TypeSet {
				return Action{}, ErrNoTypeSet, true
			}
			if !ev.SegmentIndexSet {
				return Action{}, ErrNoSegmentSet, true
			}
			offset := ev.SegOffset
			for i := uint64(0); i < ev.Count; i++ {
				if err := it.checkBounds(ev.SegmentIndex, offset, ev.Type); err != nil {
					it.pendingErr = err
					break
				}
				it.queue = append(it.queue, Action{SegmentIndex: ev.SegmentIndex, SegOffset: offset, Type: ev.Type})
				offset += it.pointerSize
			}
			it.state().SegOffset = offset

		case OpDoRebaseAddAddrUleb, OpDoRebaseUlebTimesSkippingUleb:
			if !ev.TypeSet {
				return Action{}, ErrNoTypeSet, true
			}
			if !ev.SegmentIndexSet {
				return Action{}, ErrNoSegmentSet, true
			}
			offset := ev.SegOffset
			for i := uint64(0); i < ev.Count; i++ {
				if err := it.checkBounds(ev.SegmentIndex, offset, ev.Type); err != nil {
					it.pendingErr = err
					break
				}
				it.queue = append(it.queue, Action{SegmentIndex: ev.SegmentIndex, SegOffset: offset, Type: ev.Type})
				offset += it.pointerSize + uint64(ev.Skip)
			}
			it.state().SegOffset = offset
		}
	}
}

// state exposes the opcode iterator's persistent register state so
// ActionIterator can thread the post-repeat offset back in, the same
// way the opcode stream would see it on the next SetSegmentAndOffset
// or AddAddr opcode.
func (it *ActionIterator) state() *Event {
	return &it.op.state
}
