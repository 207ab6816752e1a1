package machine

import (
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/kvmctl/snapshot"
)

var ErrSnapshotMismatch = errors.New("snapshot does not fit this machine")

// SaveState captures every vCPU. The vCPUs must not be running.
func (m *Machine) SaveState() (*snapshot.Snapshot, error) {
	snap := &snapshot.Snapshot{NCPUs: len(m.vcpus), MemSize: m.memSize}

	for _, vcpu := range m.vcpus {
		state, err := snapshot.Capture(vcpu, m.stateMSRs)
		if err != nil {
			return nil, err
		}

		snap.VCPUStates = append(snap.VCPUStates, *state)
	}

	return snap, nil
}

// RestoreState applies snap to a machine created with the same shape.
func (m *Machine) RestoreState(snap *snapshot.Snapshot) error {
	if snap.NCPUs != len(m.vcpus) || len(snap.VCPUStates) != len(m.vcpus) || snap.MemSize != m.memSize {
		return fmt.Errorf("%w: %d cpus %#x bytes, have %d cpus %#x bytes",
			ErrSnapshotMismatch, snap.NCPUs, snap.MemSize, len(m.vcpus), m.memSize)
	}

	for i := range snap.VCPUStates {
		if err := snapshot.Restore(m.vcpus[i], &snap.VCPUStates[i]); err != nil {
			return err
		}
	}

	return nil
}

// Save writes vCPU state and guest RAM to w.
func (m *Machine) Save(w io.Writer) error {
	snap, err := m.SaveState()
	if err != nil {
		return err
	}

	return snapshot.Write(w, snap, m.ram.Bytes())
}

// Restore reads what Save wrote and applies it.
func (m *Machine) Restore(r io.Reader) error {
	snap, mem, err := snapshot.Read(r)
	if err != nil {
		return err
	}

	if len(mem) != 1 || len(mem[0]) != len(m.ram.Bytes()) {
		return fmt.Errorf("%w: memory image", ErrSnapshotMismatch)
	}

	if err := m.RestoreState(snap); err != nil {
		return err
	}

	copy(m.ram.Bytes(), mem[0])

	return nil
}
