// Package objc reconstructs Objective-C class and category metadata
// from a Mach-O image's __objc_classlist/__objc_catlist sections
// (spec component J), resolving superclasses either directly or
// through the bind table when a class is defined in another dylib.
package objc

// Wire-format layouts, 64-bit only (arm64/x86_64), mirroring the
// Objective-C runtime's class_t / class_ro_t / category_t.
const (
	classTSize    = 5 * 8
	classRO64Size = 4*4 + 7*8
	categoryTSize = 6 * 8
)

// class_ro_t.flags bits.
const (
	ROMeta            uint32 = 1 << 0
	RORoot            uint32 = 1 << 1
	ROHasCxxStructors uint32 = 1 << 2
	ROHidden          uint32 = 1 << 4
	ROException       uint32 = 1 << 5
)

// Low tag bits of class_t.data_vm_addr_and_fast_flags; the actual
// class_ro_t pointer is the remaining bits once these and the
// not-yet-realized bit are masked off.
const (
	FastIsSwiftLegacy uint64 = 1 << 0
	FastIsSwiftStable uint64 = 1 << 1
	FastHasDefaultRR  uint64 = 1 << 2

	// FastDataMask64 isolates the class_ro_t pointer from the tag
	// bits packed into the low bits of the field.
	FastDataMask64 uint64 = 0x00007ffffffffff8
)

type classT struct {
	IsaVMAddr               uint64
	SuperclassVMAddr        uint64
	MethodCacheBuckets      uint64
	MethodCacheProperties   uint64
	DataVMAddrAndFastFlags  uint64
}

type classRO64 struct {
	Flags         uint32
	InstanceStart uint32
	InstanceSize  uint32
	Reserved      uint32
	IvarLayoutVMAddr     uint64
	NameVMAddr           uint64
	BaseMethodsVMAddr    uint64
	BaseProtocolsVMAddr  uint64
	IvarsVMAddr          uint64
	WeakIvarLayoutVMAddr uint64
	BasePropertiesVMAddr uint64
}

type categoryT struct {
	NameVMAddr                uint64
	ClassVMAddr               uint64
	InstanceMethodsVMAddr     uint64
	ClassMethodsVMAddr        uint64
	ProtocolsVMAddr           uint64
	InstancePropertiesVMAddr  uint64
}

// ClassInfo is the reconstructed, application-facing view of one
// Objective-C class (§3): just enough to walk the inheritance tree and
// enumerate categories, not the full method/ivar/property tables the
// wire format also carries (those are out of this spec's data model).
type ClassInfo struct {
	Name              string
	Address           uint64 // VM address of the class_t this was parsed from; for an external class, the bound slot's address
	SuperclassAddress uint64
	BindAddress       uint64 // non-zero when resolved through the bind table
	DylibOrdinal      int64
	Flags             uint32
	IsExternal        bool
	IsNull            bool
	IsSwift           bool
	Categories        []CategoryInfo

	Super    *ClassInfo
	Children []*ClassInfo
}

// CategoryInfo is the reconstructed view of one category (§3).
type CategoryInfo struct {
	Name         string
	Address      uint64
	ClassAddress uint64
}
