package kvm

// MSREntry is struct kvm_msr_entry, one index/value pair.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// MSRs is struct kvm_msrs with its entries.
type MSRs = Payload[MSREntry]

// MSRList is struct kvm_msr_list with its indices.
type MSRList = Payload[uint32]

// NewMSRs allocates room for n entries.
func NewMSRs(n int) *MSRs {
	return NewPayload[MSREntry](msrsHeaderSize, n)
}

// MSRsFromEntries encodes index/value pairs for KVM_SET_MSRS.
func MSRsFromEntries(entries []MSREntry) *MSRs {
	return PayloadFromEntries(msrsHeaderSize, entries)
}

// MSRsFromIndices encodes indices with zeroed values, asking KVM_GET_MSRS
// to fill the values in.
func MSRsFromIndices(indices []uint32) *MSRs {
	p := NewMSRs(len(indices))

	slots := p.Slots()
	for i, idx := range indices {
		slots[i] = MSREntry{Index: idx}
	}

	return p
}

// NewMSRList allocates room for n indices.
func NewMSRList(n int) *MSRList {
	return NewPayload[uint32](msrListHeaderSize, n)
}
