package objc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/appsworld/machocore/bindcollection"
	"github.com/appsworld/machocore/image"
)

var (
	ErrTruncatedClass    = errors.New("objc: truncated class_t")
	ErrTruncatedClassRO  = errors.New("objc: truncated class_ro_t")
	ErrTruncatedCategory = errors.New("objc: truncated category_t")
	ErrCycleDetected     = errors.New("objc: superclass cycle detected")
	ErrUnalignedSection  = errors.New("objc: section size not pointer-aligned")
)

// externalClassPrefix is stripped from a bind symbol to recover a bare
// Objective-C class name (§4.6: "name = symbol stripped of
// _OBJC_CLASS_$_").
const externalClassPrefix = "_OBJC_CLASS_$_"

// classPtrCandidates and categoryPtrCandidates are the (segment,
// section) pairs Reconstruct probes, in priority order, to locate the
// class-pointer and category-pointer arrays without the caller having
// to extract them by hand (§4.6 "Location"). The class-pointer search
// tries the compiler's indirect ref-section layout first, then falls
// back to the direct classlist layout used when refs aren't emitted;
// both are walked through the same bind-or-local pipeline since a
// ref-section slot and a classlist slot are resolved identically.
var classPtrCandidates = [][2]string{
	{"__OBJC2", "__class_refs"},
	{"__DATA", "__objc_classrefs"},
	{"__OBJC2", "__class_list"},
	{"__DATA_CONST", "__objc_classlist"},
	{"__DATA", "__objc_classlist"},
	{"__DATA_DIRTY", "__objc_classlist"},
}

var categoryPtrCandidates = [][2]string{
	{"__DATA_CONST", "__objc_catlist"},
	{"__DATA", "__objc_catlist"},
}

// discoverSlots enumerates the VM addresses of every pointer-sized slot
// in sec, without dereferencing them — parseClassChain/attachCategory
// decide per slot whether it's a bind fixup or a raw local pointer.
func discoverSlots(sec image.Section) ([]uint64, error) {
	size := sec.VM.Size()
	if size%8 != 0 {
		return nil, fmt.Errorf("%w: section %s size %d", ErrUnalignedSection, sec.Name, size)
	}
	slots := make([]uint64, 0, size/8)
	for addr := sec.VM.Start; addr < sec.VM.End; addr += 8 {
		slots = append(slots, addr)
	}
	return slots, nil
}

// classTSuperclassFieldOffset is the byte offset of SuperclassVMAddr
// within class_t, used to probe the bind table at the field's own
// location rather than at whatever raw value happens to be stored
// there pre-fixup (§4.6).
const classTSuperclassFieldOffset = 8

// categoryTClassFieldOffset is the byte offset of ClassVMAddr within
// category_t, for the same reason.
const categoryTClassFieldOffset = 8

// Tree is the reconstructed class forest (§4.6). Root is a single
// entry point: the lone root class directly, or a synthetic null
// class whose Children are every surviving root when more than one
// exists.
type Tree struct {
	Root *ClassInfo
	Roots []*ClassInfo
}

// Reconstruct builds a Tree by locating the classlist and catlist
// pointer arrays in segments itself (§4.6 "Location": ref-section or
// classlist, first hit wins, then the independent catlist lookup) and
// walking each slot (either a bind fixup resolving to an
// externally-defined class, or a raw pointer to a local
// class_t/category_t). binds may be nil if the image carries no bind
// info, in which case every slot is treated as holding a raw local
// pointer. A missing classlist or catlist section is not an error: the
// corresponding half of the tree is simply empty.
func Reconstruct(devirt *image.Devirtualizer, segments *image.Index, binds *bindcollection.Collection) (*Tree, error) {
	known := make(map[uint64]*ClassInfo)

	if sec, ok := segments.FindSection(classPtrCandidates); ok {
		slots, err := discoverSlots(sec)
		if err != nil {
			return nil, err
		}
		for _, slot := range slots {
			if _, err := parseClassChain(devirt, segments, slot, binds, known, make(map[uint64]bool)); err != nil {
				return nil, fmt.Errorf("objc: class at %#x: %w", slot, err)
			}
		}
	}

	if sec, ok := segments.FindSection(categoryPtrCandidates); ok {
		slots, err := discoverSlots(sec)
		if err != nil {
			return nil, err
		}
		for _, slot := range slots {
			if err := attachCategory(devirt, segments, slot, binds, known); err != nil {
				return nil, fmt.Errorf("objc: category at %#x: %w", slot, err)
			}
		}
	}

	t := &Tree{}
	for _, ci := range known {
		if ci.Super == nil {
			t.Roots = append(t.Roots, ci)
		}
	}
	finalize(t)
	return t, nil
}

// finalize sets Tree.Root: the sole root directly if there is exactly
// one, or a synthetic null class wrapping every root otherwise (§4.6:
// "synthetic root for multiple unrelated roots").
func finalize(t *Tree) {
	switch len(t.Roots) {
	case 0:
		t.Root = nil
	case 1:
		t.Root = t.Roots[0]
	default:
		synth := &ClassInfo{IsNull: true, Children: t.Roots}
		for _, r := range t.Roots {
			r.Super = synth
		}
		t.Root = synth
	}
}

// classPointerIsExternal reports whether the pointer slot at vmAddr
// was itself resolved by a bind action rather than holding a raw
// in-image value (§4.6: a bind at the pointer location always wins
// over reading the slot's static content).
func classPointerIsExternal(segments *image.Index, binds *bindcollection.Collection, vmAddr uint64) (bindcollection.Info, bool) {
	if binds == nil {
		return bindcollection.Info{}, false
	}
	idx, seg, ok := segments.SegmentForVMAddr(vmAddr)
	if !ok {
		return bindcollection.Info{}, false
	}
	return binds.InfoForAddress(bindcollection.Address{SegmentIndex: idx, SegOffset: vmAddr - seg.VM.Start})
}

// parseClassChain resolves the class reachable from the pointer slot
// at slotAddr: either an external class (bind fixup at the slot
// itself) or a local class_t, recursing into the superclass field's
// own slot the same way. visited guards against superclass cycles;
// known memoizes by slot address, and a local class already in known
// under another slot is adopted by its class_t address, so a class
// reachable both directly from the classlist and via another class's
// superclass field is only parsed once.
func parseClassChain(devirt *image.Devirtualizer, segments *image.Index, slotAddr uint64, binds *bindcollection.Collection, known map[uint64]*ClassInfo, visited map[uint64]bool) (*ClassInfo, error) {
	if existing, ok := known[slotAddr]; ok {
		return existing, nil
	}
	if info, ok := classPointerIsExternal(segments, binds, slotAddr); ok {
		ci := &ClassInfo{
			Name:         strings.TrimPrefix(info.Symbol, externalClassPrefix),
			Address:      slotAddr,
			BindAddress:  slotAddr,
			DylibOrdinal: info.DylibOrdinal,
			IsExternal:   true,
		}
		known[slotAddr] = ci
		return ci, nil
	}
	if visited[slotAddr] {
		return nil, fmt.Errorf("%w: %#x", ErrCycleDetected, slotAddr)
	}
	visited[slotAddr] = true

	classAddr, err := readPointer(devirt, slotAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedClass, err)
	}
	for _, c := range known {
		if c.IsExternal || c.Address != classAddr {
			continue
		}
		if visited[classAddr+classTSuperclassFieldOffset] {
			return nil, fmt.Errorf("%w: %#x", ErrCycleDetected, classAddr)
		}
		return c, nil
	}

	raw, err := devirt.PtrForVM(classAddr, classTSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedClass, err)
	}
	var ct classT
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ct); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedClass, err)
	}

	if ct.IsaVMAddr == 0 && ct.SuperclassVMAddr == 0 && ct.DataVMAddrAndFastFlags == 0 {
		ci := &ClassInfo{Address: classAddr, IsNull: true}
		known[slotAddr] = ci
		return ci, nil
	}

	swiftTag := ct.DataVMAddrAndFastFlags & 0x7
	roAddr := ct.DataVMAddrAndFastFlags & FastDataMask64

	roRaw, err := devirt.PtrForVM(roAddr, classRO64Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedClassRO, err)
	}
	var ro classRO64
	if err := binary.Read(bytes.NewReader(roRaw), binary.LittleEndian, &ro); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedClassRO, err)
	}

	name, err := devirt.StringAt(ro.NameVMAddr)
	if err != nil {
		return nil, fmt.Errorf("objc: class name at %#x: %w", ro.NameVMAddr, err)
	}

	ci := &ClassInfo{
		Name:              name,
		Address:           classAddr,
		SuperclassAddress: ct.SuperclassVMAddr,
		Flags:             ro.Flags,
		IsSwift:           swiftTag&(FastIsSwiftLegacy|FastIsSwiftStable) != 0,
	}
	known[slotAddr] = ci

	// A Swift class's superclass field follows the same ABI shape but
	// Swift's own runtime metadata governs its inheritance; this
	// module only reconstructs the Objective-C side, so a Swift class
	// is recorded as its own root rather than walked further (§4.6
	// supplemented behavior).
	if ci.IsSwift {
		return ci, nil
	}

	superSlot := classAddr + classTSuperclassFieldOffset
	_, superBound := classPointerIsExternal(segments, binds, superSlot)
	if ct.SuperclassVMAddr != 0 || superBound {
		super, err := parseClassChain(devirt, segments, superSlot, binds, known, visited)
		if err != nil {
			return nil, err
		}
		ci.Super = super
		super.Children = append(super.Children, ci)
	}
	return ci, nil
}

func attachCategory(devirt *image.Devirtualizer, segments *image.Index, slotAddr uint64, binds *bindcollection.Collection, known map[uint64]*ClassInfo) error {
	catAddr, err := readPointer(devirt, slotAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTruncatedCategory, err)
	}
	raw, err := devirt.PtrForVM(catAddr, categoryTSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTruncatedCategory, err)
	}
	var ct categoryT
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ct); err != nil {
		return fmt.Errorf("%w: %v", ErrTruncatedCategory, err)
	}
	name, err := devirt.StringAt(ct.NameVMAddr)
	if err != nil {
		return fmt.Errorf("objc: category name at %#x: %w", ct.NameVMAddr, err)
	}
	ci := CategoryInfo{Name: name, Address: catAddr, ClassAddress: ct.ClassVMAddr}

	owner, err := parseClassChain(devirt, segments, catAddr+categoryTClassFieldOffset, binds, known, make(map[uint64]bool))
	if err != nil {
		return err
	}
	owner.Categories = append(owner.Categories, ci)
	return nil
}

func readPointer(devirt *image.Devirtualizer, addr uint64) (uint64, error) {
	raw, err := devirt.PtrForVM(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw), nil
}
