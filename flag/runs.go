package flag

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/kvmctl/cpuid"
	"github.com/bobuhiro11/kvmctl/probe"
	"github.com/bobuhiro11/kvmctl/snapshot"
	"github.com/bobuhiro11/kvmctl/vmm"
	"github.com/pkg/profile"
)

var ErrUnknownProfile = errors.New("unknown profile mode")

// CLI is the command line of kvmctl.
type CLI struct {
	Probe   ProbeCMD   `cmd:"" help:"Report what the host KVM supports."`
	Run     RunCMD     `cmd:"" help:"Run a flat 64-bit payload, or the built in demo."`
	Inspect InspectCMD `cmd:"" help:"Print the contents of a snapshot file."`
}

// ProbeCMD reports the host KVM capabilities.
type ProbeCMD struct {
	Dev string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
}

// RunCMD boots a guest and optionally snapshots it when it stops.
type RunCMD struct {
	Dev         string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	Payload     string `short:"p" type:"path" help:"flat binary loaded at guest address 0"`
	Message     string `short:"M" default:"Hello from the guest" help:"what the demo guest prints"`
	NCPUs       int    `short:"c" default:"1" help:"number of cpus"`
	MemSize     string `short:"m" default:"1M" help:"memory size: as number[gGmMkK], optional units, defaults to M"`
	TraceCount  string `short:"T" default:"0" help:"how many instructions to skip between trace prints -- 0 means tracing disabled"`
	IRQChip     bool   `help:"create the in-kernel irqchip and PIT"`
	Restore     string `short:"r" type:"path" help:"start from this snapshot instead of a payload"`
	Snapshot    string `short:"s" type:"path" help:"write a snapshot here once the guest stops"`
	Profile     string `help:"profile the run: cpu or mem"`
	ProfilePath string `default:"." type:"path" help:"directory for profile output"`
}

// InspectCMD summarizes a snapshot file.
type InspectCMD struct {
	File string `arg:"" type:"existingfile" help:"snapshot file"`
}

// Parse parses args (without the program name) and runs the selected
// command.
func Parse(args []string) error {
	c := CLI{}

	programName := "kvmctl"
	programDesc := "kvmctl drives Linux KVM from userspace: probe the host, run a payload, inspect a snapshot"

	parser, err := kong.New(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	return ctx.Run()
}

func (d *ProbeCMD) Run() error {
	return probe.Report(os.Stdout, d.Dev)
}

// Config turns the flags into a vmm.Config.
func (s *RunCMD) Config() (vmm.Config, error) {
	memSize, err := ParseSize(s.MemSize, "m")
	if err != nil {
		return vmm.Config{}, err
	}

	traceC, err := ParseSize(s.TraceCount, "")
	if err != nil {
		return vmm.Config{}, err
	}

	return vmm.Config{
		Dev:          s.Dev,
		NCPUs:        s.NCPUs,
		MemSize:      memSize,
		PayloadPath:  s.Payload,
		Message:      s.Message + "\n",
		TraceCount:   traceC,
		IRQChip:      s.IRQChip,
		RestorePath:  s.Restore,
		SnapshotPath: s.Snapshot,
		Out:          os.Stdout,
	}, nil
}

func (s *RunCMD) Run() error {
	c, err := s.Config()
	if err != nil {
		return err
	}

	switch s.Profile {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(s.ProfilePath)).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(s.ProfilePath)).Stop()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProfile, s.Profile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	v := vmm.New(c)
	defer v.Close()

	if err := v.Init(); err != nil {
		return err
	}

	if err := v.Setup(); err != nil {
		return err
	}

	if err := v.Boot(ctx); err != nil {
		return err
	}

	return v.SaveSnapshot()
}

func (i *InspectCMD) Run() error {
	f, err := os.Open(i.File)
	if err != nil {
		return err
	}
	defer f.Close()

	return Inspect(os.Stdout, bufio.NewReader(f))
}

// Inspect prints a summary of the snapshot read from r.
func Inspect(w io.Writer, r io.Reader) error {
	snap, mem, err := snapshot.Read(r)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "cpus: %d, memory: %#x bytes in %d slot(s)\n", snap.NCPUs, snap.MemSize, len(mem))

	for _, s := range snap.VCPUStates {
		regs, err := s.DecodeRegs()
		if err != nil {
			return err
		}

		sregs, err := s.DecodeSregs()
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "cpu%d: rip %#x rsp %#x rflags %#x rax %#x\n", s.ID, regs.RIP, regs.RSP, regs.RFLAGS, regs.RAX)
		fmt.Fprintf(w, "cpu%d: cr0 %#x cr3 %#x cr4 %#x efer %#x cs.l %d\n",
			s.ID, sregs.CR0, sregs.CR3, sregs.CR4, sregs.EFER, sregs.CS.L)
		fmt.Fprintf(w, "cpu%d: %d msrs, %d cpuid entries", s.ID, len(s.MSRs), len(s.CPUID))

		if sig, err := cpuid.Signature(s.CPUID); err == nil {
			fmt.Fprintf(w, ", hypervisor %q", sig)
		}

		fmt.Fprintln(w)
	}

	return nil
}
