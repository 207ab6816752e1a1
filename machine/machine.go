package machine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/bobuhiro11/kvmctl/cpuid"
	"github.com/bobuhiro11/kvmctl/device"
	"github.com/bobuhiro11/kvmctl/kvm"
	"github.com/bobuhiro11/kvmctl/memory"
	"golang.org/x/sys/unix"
)

var (
	ErrMissingCapability = errors.New("required KVM capability missing")
	ErrBadCPU            = errors.New("no such cpu")
	ErrBadVA             = errors.New("virtual address not mapped")
	ErrMemSize           = errors.New("memory size out of range")
	ErrGuestFault        = errors.New("guest stopped on a fault")
)

// Config describes the demo machine.
type Config struct {
	Dev     string
	NCPUs   int
	MemSize int
	// IRQChip creates the in-kernel interrupt controllers and PIT. With it,
	// hlt no longer exits to userspace; guests stop through the ACPI port.
	IRQChip bool
	// Out receives the guest console and MMIO trace. Defaults to stdout.
	Out io.Writer
}

type Machine struct {
	sys   *kvm.System
	vm    *kvm.VM
	vcpus []*kvm.VCPU
	mem   *memory.Memory
	ram   *memory.Slot
	bus   *device.Bus
	com1  *device.Serial
	out   io.Writer
	msrs  []uint32

	// stateMSRs are the MSRs a fresh vCPU accepts, in save order.
	stateMSRs []uint32
	memSize   int

	// tids holds the thread running each vCPU, 0 when none is.
	tids []atomic.Int32
}

// New creates a VM with c.NCPUs vCPUs in 64-bit mode and c.MemSize bytes of
// RAM at guest address 0.
func New(c Config) (*Machine, error) {
	if c.MemSize < MinMemSize || c.MemSize > MaxMemSize {
		return nil, fmt.Errorf("%w: %#x not in [%#x, %#x]", ErrMemSize, c.MemSize, MinMemSize, MaxMemSize)
	}

	if c.NCPUs < 1 || c.NCPUs*stackSize > c.MemSize-pdAddr-0x1000 {
		return nil, fmt.Errorf("%w: %d", ErrBadCPU, c.NCPUs)
	}

	if c.Out == nil {
		c.Out = os.Stdout
	}

	if c.Dev == "" {
		c.Dev = kvm.DefaultDevice
	}

	sys, err := kvm.Open(c.Dev)
	if err != nil {
		return nil, err
	}

	m := &Machine{sys: sys, out: device.NewSyncWriter(c.Out), memSize: c.MemSize}

	if err := m.init(c); err != nil {
		m.Close()

		return nil, err
	}

	return m, nil
}

func (m *Machine) init(c Config) error {
	if _, err := m.sys.APIVersion(); err != nil {
		return err
	}

	if v, err := m.sys.CheckExtension(kvm.CapUserMemory); err != nil || v <= 0 {
		return fmt.Errorf("%w: %s", ErrMissingCapability, kvm.CapUserMemory)
	}

	var err error

	if m.vm, err = m.sys.CreateVM(); err != nil {
		return err
	}

	if v, _ := m.sys.CheckExtension(kvm.CapSetTSSAddr); v > 0 {
		if err := m.vm.SetTSSAddr(tssAddr); err != nil {
			return err
		}
	}

	if c.IRQChip {
		if err := m.vm.CreateIRQChip(); err != nil {
			return err
		}

		if err := m.vm.CreatePIT2(); err != nil {
			return err
		}
	}

	slots, _ := m.sys.CheckExtension(kvm.CapNRMemSlots)
	if slots <= 0 {
		slots = defaultMemSlots
	}

	m.mem = memory.New(slots)

	if m.ram, err = m.mem.NewMemorySlot("ram", 0, c.MemSize, 0); err != nil {
		return err
	}

	m.ram.Poison(0)

	if err := m.mem.Register(m.vm); err != nil {
		return err
	}

	var irq func(uint32) error
	if c.IRQChip {
		irq = m.InjectIRQ
	}

	m.com1 = device.NewSerial(m.out, irq)

	if m.bus, err = device.NewBus(
		device.NewConsoleDevice(m.out),
		m.com1,
		&device.PostCodeDevice{Out: m.out},
		device.NewShutDownDevice(),
	); err != nil {
		return err
	}

	entries, err := m.guestCPUID()
	if err != nil {
		return err
	}

	if m.msrs, err = m.sys.MSRIndexList(); err != nil {
		return err
	}

	if err := m.setupPageTables(); err != nil {
		return err
	}

	m.tids = make([]atomic.Int32, c.NCPUs)

	for i := 0; i < c.NCPUs; i++ {
		vcpu, err := m.vm.CreateVCPU(i)
		if err != nil {
			return err
		}

		m.vcpus = append(m.vcpus, vcpu)

		if err := vcpu.SetCPUID2(entries); err != nil {
			return err
		}

		if err := m.initMSRs(vcpu); err != nil {
			return err
		}

		if err := m.SetupLongMode(i); err != nil {
			return err
		}
	}

	return nil
}

// guestCPUID returns the supported CPUID with the hypervisor bit on, the
// PMU hidden and the KVM signature in place.
// https://www.kernel.org/doc/html/latest/virt/kvm/x86/cpuid.html
func (m *Machine) guestCPUID() ([]kvm.CPUIDEntry2, error) {
	entries, err := m.sys.SupportedCPUID()
	if err != nil {
		return nil, err
	}

	patches := []*cpuid.CPUIDPatch{
		cpuid.SetFeature(cpuid.LeafFeatures, 0, cpuid.ECX, cpuid.HYPERVISOR),
	}

	if _, err := cpuid.Find(entries, cpuid.LeafPerfMon, 0); err == nil {
		patches = append(patches, &cpuid.CPUIDPatch{Function: cpuid.LeafPerfMon, ClearEAX: ^uint32(0)})
	}

	if err := cpuid.Patch(entries, patches); err != nil {
		return nil, err
	}

	if err := cpuid.SetSignature(entries, HypervisorSignature); err != nil {
		return nil, err
	}

	return entries, nil
}

// initMSRs zeroes every MSR KVM saves. The kernel stops at the first MSR
// it refuses; that one is skipped and the rest are retried. The MSRs the
// first vCPU accepts are the ones snapshots carry.
func (m *Machine) initMSRs(vcpu *kvm.VCPU) error {
	var accepted []uint32

	rest := m.msrs
	for len(rest) > 0 {
		entries := make([]kvm.MSREntry, len(rest))
		for i, idx := range rest {
			entries[i].Index = idx
		}

		n, err := vcpu.SetMSRs(entries)
		if err != nil {
			return err
		}

		accepted = append(accepted, rest[:n]...)

		if n < len(rest) {
			log.Printf("cpu%d: MSR %#x rejected", vcpu.ID(), rest[n])

			n++
		}

		rest = rest[n:]
	}

	if len(accepted) < len(m.msrs) {
		log.Printf("cpu%d: %d of %d MSRs set", vcpu.ID(), len(accepted), len(m.msrs))
	}

	if m.stateMSRs == nil {
		m.stateMSRs = accepted
	}

	return nil
}

// setupPageTables identity maps the first 2M with one large page.
func (m *Machine) setupPageTables() error {
	const flags = PDE64xPRESENT | PDE64xRW | PDE64xUSER

	for _, e := range []struct {
		addr  int64
		entry uint64
	}{
		{pml4Addr, flags | pdptAddr},
		{pdptAddr, flags | pdAddr},
		{pdAddr, flags | PDE64xPS},
	} {
		var b [0x1000]byte

		binary.LittleEndian.PutUint64(b[:], e.entry)

		if _, err := m.mem.WriteAt(b[:], e.addr); err != nil {
			return err
		}
	}

	return nil
}

// SetupLongMode puts cpu in 64-bit mode with flat segments, RIP at the
// payload and its own stack below the top of RAM.
func (m *Machine) SetupLongMode(cpu int) error {
	vcpu, err := m.CPUToVCPU(cpu)
	if err != nil {
		return err
	}

	sregs, err := vcpu.GetSregs()
	if err != nil {
		return err
	}

	sregs.CR3 = pml4Addr
	sregs.CR4 = CR4xPAE
	sregs.CR0 = CR0xPE | CR0xMP | CR0xET | CR0xNE | CR0xWP | CR0xAM | CR0xPG
	sregs.EFER = EFERxLME | EFERxLMA

	seg := kvm.Segment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: selectorCode,
		Typ:      segCodeExecRead,
		Present:  1,
		S:        1,
		L:        1,
		G:        1,
	}

	sregs.CS = seg

	seg.Typ = segDataReadWrite
	seg.Selector = selectorData
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = seg, seg, seg, seg, seg

	if err := vcpu.SetSregs(sregs); err != nil {
		return err
	}

	return vcpu.SetRegs(kvm.Regs{
		RFLAGS: 2,
		RIP:    payloadAddr,
		RSP:    uint64(m.memSize - cpu*stackSize),
	})
}

// CPUCount is the number of vCPUs.
func (m *Machine) CPUCount() int {
	return len(m.vcpus)
}

// System is the KVM handle the machine was created from.
func (m *Machine) System() *kvm.System {
	return m.sys
}

// MSRIndexList is the list of MSRs KVM saves for every vCPU.
func (m *Machine) MSRIndexList() []uint32 {
	return m.msrs
}

// Mem is the guest RAM.
func (m *Machine) Mem() []byte {
	return m.ram.Bytes()
}

// ReadAt reads guest physical memory.
func (m *Machine) ReadAt(b []byte, gpa int64) (int, error) {
	return m.mem.ReadAt(b, gpa)
}

// WriteAt writes guest physical memory.
func (m *Machine) WriteAt(b []byte, gpa int64) (int, error) {
	return m.mem.WriteAt(b, gpa)
}

// CPUToVCPU returns the vCPU with index cpu.
func (m *Machine) CPUToVCPU(cpu int) (*kvm.VCPU, error) {
	if cpu < 0 || cpu >= len(m.vcpus) {
		return nil, fmt.Errorf("%w: %d of %d", ErrBadCPU, cpu, len(m.vcpus))
	}

	return m.vcpus[cpu], nil
}

// GetRegs gets regs for vCPU.
func (m *Machine) GetRegs(cpu int) (*kvm.Regs, error) {
	vcpu, err := m.CPUToVCPU(cpu)
	if err != nil {
		return nil, err
	}

	regs, err := vcpu.GetRegs()
	if err != nil {
		return nil, err
	}

	return &regs, nil
}

// SetRegs sets regs for vCPU.
func (m *Machine) SetRegs(cpu int, r *kvm.Regs) error {
	vcpu, err := m.CPUToVCPU(cpu)
	if err != nil {
		return err
	}

	return vcpu.SetRegs(*r)
}

// VtoP converts a guest virtual address of cpu to a guest physical one.
func (m *Machine) VtoP(cpu int, vaddr uintptr) (int64, error) {
	vcpu, err := m.CPUToVCPU(cpu)
	if err != nil {
		return -1, err
	}

	t, err := vcpu.Translate(uint64(vaddr))
	if err != nil {
		return -1, err
	}

	if t.Valid == 0 {
		return -1, fmt.Errorf("%w: %#x", ErrBadVA, vaddr)
	}

	return int64(t.PhysicalAddress), nil
}

// SingleStep enables or disables single stepping on all vCPUs.
func (m *Machine) SingleStep(onoff bool) error {
	for _, vcpu := range m.vcpus {
		if err := vcpu.SetGuestDebug(onoff, onoff); err != nil {
			return fmt.Errorf("single step %d:%w", vcpu.ID(), err)
		}
	}

	return nil
}

// SerialInput queues b on COM1 for the guest to read. It reports false
// when the receive queue is full.
func (m *Machine) SerialInput(b byte) bool {
	return m.com1.Input(b)
}

// InjectIRQ pulses irq on the in-kernel interrupt controller.
func (m *Machine) InjectIRQ(irq uint32) error {
	if err := m.vm.IRQLine(irq, 0); err != nil {
		return err
	}

	return m.vm.IRQLine(irq, 1)
}

// Stop makes every running vCPU leave the guest and its RunInfiniteLoop
// return. A vCPU inside KVM_RUN is kicked out with a signal to its thread;
// immediate_exit covers one that is about to enter.
func (m *Machine) Stop() {
	for cpu, vcpu := range m.vcpus {
		vcpu.RunState().SetImmediateExit(true)

		if tid := m.tids[cpu].Load(); tid != 0 {
			// The Go runtime tolerates SIGURG on any thread.
			if err := unix.Tgkill(unix.Getpid(), int(tid), unix.SIGURG); err != nil && !errors.Is(err, unix.ESRCH) {
				log.Printf("cpu%d: kicking thread %d: %v", cpu, tid, err)
			}
		}
	}
}

// RunInfiniteLoop runs cpu until the guest stops, an error occurs, Stop is
// called or ctx is done. ctx is only looked at between exits; pair its
// cancellation with Stop.
func (m *Machine) RunInfiniteLoop(ctx context.Context, cpu int) error {
	// https://www.kernel.org/doc/Documentation/virtual/kvm/api.txt
	// - vcpu ioctls: These query and set attributes that control the operation
	//   of a single virtual cpu.
	//
	//   vcpu ioctls should be issued from the same thread that was used to create
	//   the vcpu, except for asynchronous vcpu ioctl that are marked as such in
	//   the documentation.  Otherwise, the first ioctl after switching threads
	//   could see a performance impact.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	vcpu, err := m.CPUToVCPU(cpu)
	if err != nil {
		return err
	}

	// A Stop left over from an earlier run must not end this one.
	vcpu.RunState().SetImmediateExit(false)

	m.tids[cpu].Store(int32(unix.Gettid()))
	defer m.tids[cpu].Store(0)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		isContinue, err := m.RunOnce(cpu)
		if err != nil {
			return err
		}

		if !isContinue {
			return nil
		}
	}
}

// RunOnce enters the guest once and handles the exit. It returns false
// when the guest is done.
func (m *Machine) RunOnce(cpu int) (bool, error) {
	vcpu, err := m.CPUToVCPU(cpu)
	if err != nil {
		return false, err
	}

	run := vcpu.RunState()

	if err := vcpu.Run(); err != nil {
		// When a signal is sent to the thread hosting the VM it will result in EINTR
		// refs https://gist.github.com/mcastelino/df7e65ade874f6890f618dc51778d83a
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			if run.ImmediateExit() {
				run.SetImmediateExit(false)

				return false, nil
			}

			return true, nil
		}

		return false, err
	}

	switch reason := run.ExitReason(); reason {
	case kvm.EXITHLT:
		fmt.Fprintf(m.out, "cpu%d: KVM_EXIT_HLT\r\n", cpu)

		return false, nil
	case kvm.EXITIO:
		return m.handleIO(run)
	case kvm.EXITMMIO:
		return true, m.handleMMIO(run)
	case kvm.EXITDEBUG:
		return false, kvm.ErrDebug
	case kvm.EXITUNKNOWN, kvm.EXITINTR, kvm.EXITIRQWINDOWOPEN:
		return true, nil
	case kvm.EXITSHUTDOWN:
		return false, fmt.Errorf("%w: cpu%d triple fault at %s", ErrGuestFault, cpu, m.where(cpu))
	case kvm.EXITFAILENTRY:
		fe, err := run.FailEntry()
		if err != nil {
			return false, err
		}

		return false, fmt.Errorf("%w: cpu%d entry failed, hardware reason %#x",
			ErrGuestFault, cpu, fe.HardwareEntryFailureReason)
	case kvm.EXITINTERNALERROR:
		ie, err := run.InternalError()
		if err != nil {
			return false, err
		}

		return false, fmt.Errorf("%w: cpu%d internal error %d at %s",
			ErrGuestFault, cpu, ie.Suberror, m.where(cpu))
	default:
		return false, fmt.Errorf("%w: %s at %s", kvm.ErrUnexpectedExitReason, reason, m.where(cpu))
	}
}

// where describes the instruction at RIP for error messages.
func (m *Machine) where(cpu int) string {
	_, r, s, err := m.Inst(cpu)
	if err != nil {
		return fmt.Sprintf("unknown location (%v)", err)
	}

	return fmt.Sprintf("%#x %s", r.RIP, s)
}

func (m *Machine) handleIO(run *kvm.RunState) (bool, error) {
	pio, err := run.IO()
	if err != nil {
		return false, err
	}

	size := int(pio.Size)

	for i := 0; i < int(pio.Count); i++ {
		data := pio.Data[i*size : (i+1)*size]

		if pio.Direction == kvm.EXITIOOUT {
			err = m.bus.Write(uint64(pio.Port), data)
		} else {
			err = m.bus.Read(uint64(pio.Port), data)
		}

		if errors.Is(err, device.ErrShutdown) {
			return false, nil
		}

		if err != nil {
			return false, err
		}
	}

	return true, nil
}

// handleMMIO serves the demo device at MMIOAddr: 8 byte reads return
// MMIOReadValue, writes are printed. Other reads see zeros.
func (m *Machine) handleMMIO(run *kvm.RunState) error {
	mmio, err := run.MMIO()
	if err != nil {
		return err
	}

	data := mmio.Data[:mmio.Len]

	if mmio.IsWrite != 0 {
		var v [8]byte

		copy(v[:], data)
		fmt.Fprintf(m.out, "MMIO write: %#x\r\n", binary.LittleEndian.Uint64(v[:]))

		return nil
	}

	clear(data)

	if mmio.Len == 8 {
		binary.LittleEndian.PutUint64(data, MMIOReadValue)
		fmt.Fprintf(m.out, "MMIO read: %#x\r\n", MMIOReadValue)
	}

	return nil
}

// Close releases the vCPUs, the VM, guest memory and the KVM handle, in
// that order.
func (m *Machine) Close() error {
	var errs []error

	for _, vcpu := range m.vcpus {
		errs = append(errs, vcpu.Close())
	}

	m.vcpus = nil

	if m.vm != nil {
		errs = append(errs, m.vm.Close())
		m.vm = nil
	}

	if m.mem != nil {
		errs = append(errs, m.mem.Free())
		m.mem = nil
	}

	if m.sys != nil {
		errs = append(errs, m.sys.Close())
		m.sys = nil
	}

	return errors.Join(errs...)
}
