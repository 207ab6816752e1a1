package kvm

import "unsafe"

// IRQLevel is struct kvm_irq_level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// PITConfig is struct kvm_pit_config.
type PITConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreateIRQChip creates the in-kernel PIC and IOAPIC.
func (v *VM) CreateIRQChip() error {
	if _, err := v.h.ioctl(IIO(kvmCreateIRQChip), 0); err != nil {
		return wrap("KVM_CREATE_IRQCHIP", err)
	}

	return nil
}

// IRQLine raises (level 1) or lowers (level 0) an interrupt line of the
// in-kernel irqchip.
func (v *VM) IRQLine(irq, level uint32) error {
	l := IRQLevel{IRQ: irq, Level: level}

	if _, err := v.h.ioctlPtr(IIOW(kvmIRQLine, unsafe.Sizeof(l)), unsafe.Pointer(&l)); err != nil {
		return wrap("KVM_IRQ_LINE", err)
	}

	return nil
}

// CreatePIT2 creates the in-kernel i8254 timer.
func (v *VM) CreatePIT2() error {
	pit := PITConfig{}

	if _, err := v.h.ioctlPtr(IIOW(kvmCreatePIT2, unsafe.Sizeof(pit)), unsafe.Pointer(&pit)); err != nil {
		return wrap("KVM_CREATE_PIT2", err)
	}

	return nil
}
