// Package bind implements the bind-opcode virtual machine (spec
// components E and F): a single-pass decoder over the normal, lazy,
// and weak bind bytecode streams that folds opcode events into
// concrete bind actions, including the ARM64e "threaded" sub-machine.
package bind

import (
	"errors"
	"fmt"

	"github.com/appsworld/machocore/internal/bits"
	"github.com/appsworld/machocore/internal/leb"
)

// Kind selects which of the three bind streams is being decoded. The
// opcode set is shared, but a handful of opcodes are illegal for Lazy
// or Weak (§4.1).
type Kind int

const (
	Normal Kind = iota
	Lazy
	Weak
)

func (k Kind) String() string {
	switch k {
	case Normal:
		return "normal"
	case Lazy:
		return "lazy"
	case Weak:
		return "weak"
	default:
		return "unknown"
	}
}

// WriteKind is the write performed when an action is applied.
type WriteKind int

const (
	WriteUnknown WriteKind = iota
	WritePointer
	WriteTextAbs32
	WriteTextPCRel32
)

// Opcode is the top nibble of a bind opcode byte (§3, §4.1).
type Opcode byte

const (
	OpDone                        Opcode = 0x00
	OpSetDylibOrdinalImm          Opcode = 0x10
	OpSetDylibOrdinalUleb         Opcode = 0x20
	OpSetDylibSpecialImm          Opcode = 0x30
	OpSetSymbolTrailingFlagsImm   Opcode = 0x40
	OpSetKindImm                  Opcode = 0x50
	OpSetAddendSleb               Opcode = 0x60
	OpSetSegmentAndOffsetUleb     Opcode = 0x70
	OpAddAddrUleb                 Opcode = 0x80
	OpDoBind                      Opcode = 0x90
	OpDoBindAddAddrUleb           Opcode = 0xA0
	OpDoBindAddAddrImmScaled      Opcode = 0xB0
	OpDoBindUlebTimesSkippingUleb Opcode = 0xC0
	OpThreaded                    Opcode = 0xD0
)

// Threaded sub-opcodes (immediate of OpThreaded).
const (
	ThreadedSetBindOrdinalTableSizeUleb byte = 0x00
	ThreadedApply                       byte = 0x01
)

// Special (negative) dylib ordinals, sign-extended from the 4-bit
// immediate of OpSetDylibSpecialImm (§3).
const (
	DylibSelf           int64 = 0
	DylibMainExecutable int64 = -1
	DylibFlatLookup     int64 = -2
	DylibWeakLookup     int64 = -3
)

// Sentinel errors, named after spec §7's abstract error taxonomy.
var (
	ErrInvalidLeb128                   = errors.New("bind: invalid leb128")
	ErrInvalidString                   = errors.New("bind: invalid string")
	ErrEmptySymbol                     = errors.New("bind: empty symbol")
	ErrIllegalBindOpcode               = errors.New("bind: opcode illegal for this stream kind")
	ErrUnrecognizedBindWriteKind       = errors.New("bind: unrecognized write kind")
	ErrUnrecognizedSpecialDylibOrdinal = errors.New("bind: unrecognized special dylib ordinal")
	ErrUnrecognizedBindSubOpcode       = errors.New("bind: unrecognized threaded sub-opcode")
	ErrUnrecognizedBindOpcode          = errors.New("bind: unrecognized opcode")
)

// Fatal reports whether err should terminate opcode iteration outright
// (§7: truncation/encoding and the two "illegal/unrecognized opcode"
// classes), as opposed to being surfaced for the one event and
// continuing.
func Fatal(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidLeb128),
		errors.Is(err, ErrInvalidString),
		errors.Is(err, ErrIllegalBindOpcode),
		errors.Is(err, ErrUnrecognizedBindOpcode):
		return true
	default:
		return false
	}
}

// Event is an opcode step: the raw byte just consumed, plus the full
// accumulated VM state as of this step (§4.1: "each event carries ...
// the accumulated side-effect fields since the last event"). Err is
// non-nil when this step produced one of the named errors; whether
// iteration continues after an error is governed by Fatal(Err).
type Event struct {
	Opcode Opcode
	Raw    byte

	DylibOrdinal    int64
	DylibOrdinalSet bool

	Symbol      string
	SymbolSet   bool
	SymbolFlags byte

	WriteKind    WriteKind
	WriteKindSet bool

	SegmentIndex    int
	SegmentIndexSet bool
	SegOffset       uint64

	Addend int64

	// Populated only for the opcode that just ran.
	Count  uint64 // DoBindUlebTimesSkippingUleb repeat count
	Skip   int64  // DoBindUlebTimesSkippingUleb / DoBindAddAddrUleb skip amount
	Scale  byte   // DoBindAddAddrImmScaled immediate
	AddAmt int64  // AddAddrUleb amount

	ThreadedSubOpcode byte
	ThreadedTableSize uint64

	Err error
}

// OpcodeIterator is the single-pass decoder over a bind bytecode range
// (component E). It borrows the byte range for its lifetime and is not
// restartable (§5).
type OpcodeIterator struct {
	data   []byte
	cursor int
	end    int
	kind   Kind

	state   Event // persistent VM register state (Err/Opcode/Raw ignored between steps)
	done    bool
	started bool
}

// NewOpcodeIterator constructs an iterator over data[begin:end] for the
// given stream kind.
func NewOpcodeIterator(data []byte, begin, end int, kind Kind) *OpcodeIterator {
	return &OpcodeIterator{data: data, cursor: begin, end: end, kind: kind}
}

// Kind returns the stream kind this iterator was constructed with.
func (it *OpcodeIterator) Kind() Kind { return it.kind }

// Done reports whether the iterator has nothing more to decode.
func (it *OpcodeIterator) Done() bool { return it.done }

func (it *OpcodeIterator) illegalFor(op Opcode) bool {
	switch it.kind {
	case Weak:
		switch op {
		case OpSetDylibOrdinalImm, OpSetDylibOrdinalUleb, OpSetDylibSpecialImm:
			return true
		}
	case Lazy:
		switch op {
		case OpSetKindImm, OpAddAddrUleb, OpDoBindAddAddrUleb,
			OpDoBindAddAddrImmScaled, OpDoBindUlebTimesSkippingUleb:
			return true
		}
	}
	return false
}

// Next decodes one opcode step. It returns (event, false) once the
// stream has nothing more to yield: for Normal/Weak that is the first
// OpDone or exhaustion of the range; for Lazy, OpDone only ends one
// per-symbol sub-stream and iteration continues until the range is
// exhausted (§4.1's "Lazy-bind's Done handling").
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
	ev.Count, ev.Skip, ev.Scale, ev.AddAmt = 0, 0, 0, 0
	ev.ThreadedSubOpcode = 0
	ev.Err = nil

	if it.illegalFor(op) {
		ev.Err = fmt.Errorf("%w: %#x in %s stream", ErrIllegalBindOpcode, byte(op), it.kind)
		it.done = true
		it.state = ev
		return ev, true
	}

	switch op {
	case OpDone:
		if it.kind != Lazy {
			it.done = true
		} else if it.cursor >= it.end {
			it.done = true
		}
	case OpSetDylibOrdinalImm:
		ev.DylibOrdinal = int64(imm)
		ev.DylibOrdinalSet = true
	case OpSetDylibOrdinalUleb:
		v, n, err := leb.Uleb128(it.data[it.cursor:it.end])
		it.cursor += n
		if err != nil {
			ev.Err = fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
			it.done = true
			break
		}
		ev.DylibOrdinal = int64(v)
		ev.DylibOrdinalSet = true
	case OpSetDylibSpecialImm:
		ord := bits.SignExtend4(imm)
		if imm == 0 {
			ord = DylibSelf
		}
		switch ord {
		case DylibSelf, DylibMainExecutable, DylibFlatLookup, DylibWeakLookup:
			ev.DylibOrdinal = ord
			ev.DylibOrdinalSet = true
		default:
			ev.Err = fmt.Errorf("%w: %d", ErrUnrecognizedSpecialDylibOrdinal, ord)
		}
	case OpSetSymbolTrailingFlagsImm:
		s, n, err := readCString(it.data, it.cursor, it.end)
		it.cursor += n
		if err != nil {
			ev.Err = fmt.Errorf("%w: %v", ErrInvalidString, err)
			it.done = true
			break
		}
		if s == "" {
			ev.Err = ErrEmptySymbol
			break
		}
		ev.Symbol = s
		ev.SymbolSet = true
		ev.SymbolFlags = imm
	case OpSetKindImm:
		wk, ok := writeKindFromImm(imm)
		if !ok {
			ev.Err = fmt.Errorf("%w: %d", ErrUnrecognizedBindWriteKind, imm)
			break
		}
		ev.WriteKind = wk
		ev.WriteKindSet = true
	case OpSetAddendSleb:
		v, n, err := leb.Sleb128(it.data[it.cursor:it.end])
		it.cursor += n
		if err != nil {
			ev.Err = fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
			it.done = true
			break
		}
		ev.Addend = v
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
		v, n, err := leb.Sleb128(it.data[it.cursor:it.end])
		it.cursor += n
		if err != nil {
			ev.Err = fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
			it.done = true
			break
		}
		ev.AddAmt = v
		ev.SegOffset = addSigned(ev.SegOffset, v)
	case OpDoBind:
		// no operand; action emission and cursor advance are F's job.
	case OpDoBindAddAddrUleb:
		v, n, err := leb.Sleb128(it.data[it.cursor:it.end])
		it.cursor += n
		if err != nil {
			ev.Err = fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
			it.done = true
			break
		}
		ev.Skip = v
	case OpDoBindAddAddrImmScaled:
		ev.Scale = imm
	case OpDoBindUlebTimesSkippingUleb:
		count, n, err := leb.Uleb128(it.data[it.cursor:it.end])
		it.cursor += n
		if err != nil {
			ev.Err = fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
			it.done = true
			break
		}
		skip, n2, err := leb.Sleb128(it.data[it.cursor:it.end])
		it.cursor += n2
		if err != nil {
			ev.Err = fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
			it.done = true
			break
		}
		ev.Count = count
		ev.Skip = skip
	case OpThreaded:
		ev.ThreadedSubOpcode = imm
		switch imm {
		case ThreadedSetBindOrdinalTableSizeUleb:
			v, n, err := leb.Uleb128(it.data[it.cursor:it.end])
			it.cursor += n
			if err != nil {
				ev.Err = fmt.Errorf("%w: %v", ErrInvalidLeb128, err)
				it.done = true
				break
			}
			ev.ThreadedTableSize = v
		case ThreadedApply:
			// handled entirely by F; nothing to decode here.
		default:
			ev.Err = fmt.Errorf("%w: %#x", ErrUnrecognizedBindSubOpcode, imm)
		}
	default:
		ev.Err = fmt.Errorf("%w: %#x", ErrUnrecognizedBindOpcode, byte(op))
		it.done = true
	}

	it.state = ev
	return ev, true
}

func addSigned(base uint64, delta int64) uint64 {
	return uint64(int64(base) + delta)
}

func writeKindFromImm(imm byte) (WriteKind, bool) {
	switch imm {
	case 1:
		return WritePointer, true
	case 2:
		return WriteTextAbs32, true
	case 3:
		return WriteTextPCRel32, true
	default:
		return WriteUnknown, false
	}
}

// readCString reads a NUL-terminated string starting at data[from],
// not reading past end. It returns the string and the number of bytes
// consumed including the terminator.
func readCString(data []byte, from, end int) (string, int, error) {
	for i := from; i < end; i++ {
		if data[i] == 0 {
			return string(data[from:i]), i - from + 1, nil
		}
	}
	return "", end - from, fmt.Errorf("unterminated string at offset %d", from)
}
