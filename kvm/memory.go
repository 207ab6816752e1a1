package kvm

// Flags of a memory slot.
const (
	MemLogDirtyPages = 1 << 0
	MemReadonly      = 1 << 1
)

// UserSpaceMemoryRegion defines Memory Regions.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// MemorySlot is a block of host memory that can back guest physical memory.
// How the memory is allocated (anonymous mappings, huge pages, files) is up
// to the implementation; the host allocation must outlive the VM it is
// registered with.
type MemorySlot interface {
	// SlotID is unique per VM and chosen by the caller.
	SlotID() uint32
	// Flags is a combination of MemLogDirtyPages and MemReadonly.
	Flags() uint32
	// MemorySize is the size of the slot in bytes.
	MemorySize() uint64
	// GuestAddress is the guest physical address of the first byte.
	GuestAddress() uint64
	// HostAddress is the address of the first byte in this process.
	HostAddress() uint64
}

// RegionFor builds the descriptor that KVM_SET_USER_MEMORY_REGION expects.
func RegionFor(slot MemorySlot) UserspaceMemoryRegion {
	return UserspaceMemoryRegion{
		Slot:          slot.SlotID(),
		Flags:         slot.Flags(),
		GuestPhysAddr: slot.GuestAddress(),
		MemorySize:    slot.MemorySize(),
		UserspaceAddr: slot.HostAddress(),
	}
}
