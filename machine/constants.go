package machine

// Guest physical layout of the demo machine.
//
//	0x00000000  +------------------+ RIP
//	            |  payload         |
//	0x00002000  +------------------+ CR3
//	            |  PML4            |
//	0x00003000  +------------------+
//	            |  PDPT            |
//	0x00004000  +------------------+
//	            |  PD (one 2M page)|
//	0x00005000  +------------------+
//	            |  stacks, top down|
//	MemSize     +------------------+ RSP of cpu 0
//	            |  unbacked: MMIO  |
//	0x00200000  +------------------+ end of the identity mapping
const (
	payloadAddr = 0x0
	pml4Addr    = 0x2000
	pdptAddr    = 0x3000
	pdAddr      = 0x4000
	stackSize   = 0x1000

	// MaxPayloadSize is what fits below the page tables.
	MaxPayloadSize = pml4Addr - payloadAddr

	// MMIOAddr lies inside the identity mapping but outside guest RAM, so
	// accesses to it exit to userspace.
	MMIOAddr = 0x1ff000

	// MMIOReadValue is what the demo device returns for 8 byte reads.
	MMIOReadValue = 0x1000

	tssAddr = 0xfffbd000

	MinMemSize = 1 << 20
	MaxMemSize = MMIOAddr

	// HypervisorSignature is put in CPUID leaf 0x40000000.
	HypervisorSignature = "KVMKVMKVM"

	defaultMemSlots = 32
)

const (
	// These *could* be in kvm, but we'll see.

	// golangci-lint is completely wrong about these names.
	// Control Register Paging Enable for example:
	// golang style requires all letters in an acronym to be caps.
	// CR0 bits.
	CR0xPE = 1
	CR0xMP = (1 << 1)
	CR0xEM = (1 << 2)
	CR0xTS = (1 << 3)
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xWP = (1 << 16)
	CR0xAM = (1 << 18)
	CR0xNW = (1 << 29)
	CR0xCD = (1 << 30)
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xVME        = 1
	CR4xPVI        = (1 << 1)
	CR4xTSD        = (1 << 2)
	CR4xDE         = (1 << 3)
	CR4xPSE        = (1 << 4)
	CR4xPAE        = (1 << 5)
	CR4xMCE        = (1 << 6)
	CR4xPGE        = (1 << 7)
	CR4xPCE        = (1 << 8)
	CR4xOSFXSR     = (1 << 9)
	CR4xOSXMMEXCPT = (1 << 10)

	EFERxSCE = 1
	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)
	EFERxNXE = (1 << 11)

	// 64-bit page * entry bits.
	PDE64xPRESENT  = 1
	PDE64xRW       = (1 << 1)
	PDE64xUSER     = (1 << 2)
	PDE64xACCESSED = (1 << 5)
	PDE64xDIRTY    = (1 << 6)
	PDE64xPS       = (1 << 7)
	PDE64xG        = (1 << 8)
)

// Segment types of the flat long mode GDT.
const (
	segCodeExecRead  = 11
	segDataReadWrite = 3

	selectorCode = 1 << 3
	selectorData = 2 << 3
)
