// Package image models the read-only view of a mapped Mach-O image
// that the bind, rebase, export-trie, and Objective-C components
// consume: a byte-exact memory map, a segment/section index, and a
// de-virtualizer that turns a VM address back into bytes in that map.
//
// Everything the full Mach-O object model needs beyond this — load
// command parsing, the fat-file/dyld-cache identification step, the
// symbol table — is treated as an external collaborator per the core
// spec and is intentionally not reproduced here (see DESIGN.md).
package image

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when a requested VM address or file range
// falls outside the mapped image or any segment.
var ErrOutOfRange = errors.New("image: address out of range")

// ErrNoNullTerminator is returned when StringAt reads to the end of a
// section without finding a NUL terminator.
var ErrNoNullTerminator = errors.New("image: no null terminator")

// Range is a half-open byte range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Size returns End - Start.
func (r Range) Size() uint64 { return r.End - r.Start }

// Contains reports whether addr falls in [Start, End).
func (r Range) Contains(addr uint64) bool { return addr >= r.Start && addr < r.End }

// Section is a named sub-range of a segment with its own file/VM
// ranges, mirroring Mach-O's LC_SEGMENT section_64 layout.
type Section struct {
	Name    string
	Segment string
	File    Range
	VM      Range
}

// Segment is a named unit of mapping: a file range and the VM range it
// is loaded at, plus the sections within it. Segment is the component
// the spec calls the "Segment index" (§2, component C) once collected
// into an Index.
type Segment struct {
	Name     string
	File     Range
	VM       Range
	Sections []Section
}

// Section looks up a section by name within this segment.
func (s Segment) Section(name string) (Section, bool) {
	for _, sec := range s.Sections {
		if sec.Name == name {
			return sec, true
		}
	}
	return Section{}, false
}

// Index is the read-only segment-index component (C): a
// mapping from segment position to (name, file range, VM range,
// section list), addressed both by position and by name.
type Index struct {
	Segments []Segment
}

// NewIndex builds a segment index from an ordered segment list. The
// order given is the segment_index addressing order used by bind and
// rebase opcodes (§3: "segment_index").
func NewIndex(segments []Segment) *Index {
	return &Index{Segments: append([]Segment(nil), segments...)}
}

// Len returns the number of segments.
func (ix *Index) Len() int { return len(ix.Segments) }

// At returns the segment at the given index, or an error if out of
// range. Bind/rebase actions address segments by this index (§3).
func (ix *Index) At(i int) (Segment, error) {
	if i < 0 || i >= len(ix.Segments) {
		return Segment{}, fmt.Errorf("%w: segment index %d", ErrOutOfRange, i)
	}
	return ix.Segments[i], nil
}

// ByName returns the first segment with the given name.
func (ix *Index) ByName(name string) (Segment, bool) {
	for _, s := range ix.Segments {
		if s.Name == name {
			return s, true
		}
	}
	return Segment{}, false
}

// SegmentForVMAddr returns the segment whose VM range contains addr.
func (ix *Index) SegmentForVMAddr(addr uint64) (int, Segment, bool) {
	for i, s := range ix.Segments {
		if s.VM.Contains(addr) {
			return i, s, true
		}
	}
	return -1, Segment{}, false
}

// FindSection tries an ordered list of (segment name, section name)
// pairs and returns the first one present in the image. Objective-C
// metadata discovery (§4.6 "Location") needs this: the same logical
// section moves between segments across dyld/linker versions
// (__OBJC2 vs __DATA/__DATA_CONST/__DATA_DIRTY), and the first
// candidate that actually exists wins.
func (ix *Index) FindSection(candidates [][2]string) (Section, bool) {
	for _, c := range candidates {
		seg, ok := ix.ByName(c[0])
		if !ok {
			continue
		}
		if sec, ok := seg.Section(c[1]); ok {
			return sec, true
		}
	}
	return Section{}, false
}

// SectionForVMAddr returns the section (and its owning segment) whose
// VM range contains addr, preferring section-granularity lookups as
// the Obj-C reconstructor requires (§6: "for ObjC, section-aware
// lookup is preferred").
func (ix *Index) SectionForVMAddr(addr uint64) (Section, bool) {
	for _, s := range ix.Segments {
		for _, sec := range s.Sections {
			if sec.VM.Contains(addr) {
				return sec, true
			}
		}
	}
	return Section{}, false
}

// Devirtualizer maps VM addresses back into a mapped byte image
// (component D). It holds the raw bytes and the segment index used to
// translate addresses, and is a read-only reference shared for the
// lifetime of one parse (§5).
type Devirtualizer struct {
	data     []byte
	segments *Index
}

// NewDevirtualizer constructs a de-virtualizer over a mapped image and
// its segment index.
func NewDevirtualizer(data []byte, segments *Index) *Devirtualizer {
	return &Devirtualizer{data: data, segments: segments}
}

// Offset converts a VM address to a file offset, honoring segment
// boundaries (§4: "section boundaries when asked" for the
// section-aware variant; this one is segment-granularity).
func (d *Devirtualizer) Offset(addr uint64) (uint64, error) {
	_, seg, ok := d.segments.SegmentForVMAddr(addr)
	if !ok {
		return 0, fmt.Errorf("%w: vmaddr %#x not in any segment", ErrOutOfRange, addr)
	}
	return seg.File.Start + (addr - seg.VM.Start), nil
}

// PtrForVM returns a slice of size bytes from the mapped image at addr,
// or an error if the range is not fully mapped (§6: "ptr_for_vm(addr,
// size) -> Option<slice>").
func (d *Devirtualizer) PtrForVM(addr uint64, size uint64) ([]byte, error) {
	off, err := d.Offset(addr)
	if err != nil {
		return nil, err
	}
	end := off + size
	if size > 0 && end < off {
		return nil, fmt.Errorf("%w: size overflow at vmaddr %#x", ErrOutOfRange, addr)
	}
	if end > uint64(len(d.data)) {
		return nil, fmt.Errorf("%w: vmaddr %#x + %d exceeds mapped image", ErrOutOfRange, addr, size)
	}
	return d.data[off:end], nil
}

// PtrForVMInSection is the section-aware variant of PtrForVM: it
// requires addr and addr+size to lie within the same mapped section,
// which the Obj-C reconstructor prefers (§6) so a garbage pointer
// can't be "resolved" into an unrelated, unintended section.
func (d *Devirtualizer) PtrForVMInSection(addr, size uint64) ([]byte, error) {
	sec, ok := d.segments.SectionForVMAddr(addr)
	if !ok {
		return nil, fmt.Errorf("%w: vmaddr %#x not in any section", ErrOutOfRange, addr)
	}
	if addr+size > sec.VM.End {
		return nil, fmt.Errorf("%w: vmaddr %#x + %d exceeds section %s", ErrOutOfRange, addr, size, sec.Name)
	}
	return d.PtrForVM(addr, size)
}

// StringAt reads a NUL-terminated string at addr, bounded by the
// containing section (§6: "string_at(addr) -> Option<&str> which
// reads a NUL-terminated string bounded by the containing section").
func (d *Devirtualizer) StringAt(addr uint64) (string, error) {
	sec, ok := d.segments.SectionForVMAddr(addr)
	var limit uint64
	if ok {
		limit = sec.VM.End
	}
	off, err := d.Offset(addr)
	if err != nil {
		return "", err
	}
	data := d.data[off:]
	if ok {
		maxLen := limit - addr
		if uint64(len(data)) > maxLen {
			data = data[:maxLen]
		}
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return string(data[:i]), nil
	}
	return "", fmt.Errorf("%w: at vmaddr %#x", ErrNoNullTerminator, addr)
}
