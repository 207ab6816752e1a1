package kvm

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedExitReason is any error that we do not understand.
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

	// ErrDebug is a debug exit, caused by single step or breakpoint.
	ErrDebug = errors.New("debug exit")

	// ErrAPIVersion is returned when KVM_GET_API_VERSION reports anything but APIVersion.
	ErrAPIVersion = errors.New("unsupported kvm api version")

	// ErrTooManyEntries means the kernel has more list entries than MaxListEntries.
	ErrTooManyEntries = errors.New("kvm reported more entries than the buffer holds")

	// ErrPayloadCount means a payload header claims more entries than were allocated.
	ErrPayloadCount = errors.New("payload count exceeds capacity")

	// ErrRunStateSize means the vcpu mapping is smaller than struct kvm_run.
	ErrRunStateSize = errors.New("run state region too small")

	// ErrRunStateBounds means exit data points outside of the vcpu mapping.
	ErrRunStateBounds = errors.New("exit data outside run state region")

	// ErrHandleReleased is the panic value for using a handle after Close.
	ErrHandleReleased = errors.New("kvm handle used after release")
)

// ExitType is a virtual machine exit type.
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITS390SIEIC     ExitType = 13
	EXITS390RESET     ExitType = 14
	EXITDCR           ExitType = 15
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17
	EXITSYSTEMEVENT   ExitType = 24

	EXITIOIN  = 0
	EXITIOOUT = 1
)

var exitNames = map[ExitType]string{
	EXITUNKNOWN:       "EXITUNKNOWN",
	EXITEXCEPTION:     "EXITEXCEPTION",
	EXITIO:            "EXITIO",
	EXITHYPERCALL:     "EXITHYPERCALL",
	EXITDEBUG:         "EXITDEBUG",
	EXITHLT:           "EXITHLT",
	EXITMMIO:          "EXITMMIO",
	EXITIRQWINDOWOPEN: "EXITIRQWINDOWOPEN",
	EXITSHUTDOWN:      "EXITSHUTDOWN",
	EXITFAILENTRY:     "EXITFAILENTRY",
	EXITINTR:          "EXITINTR",
	EXITSETTPR:        "EXITSETTPR",
	EXITTPRACCESS:     "EXITTPRACCESS",
	EXITS390SIEIC:     "EXITS390SIEIC",
	EXITS390RESET:     "EXITS390RESET",
	EXITDCR:           "EXITDCR",
	EXITNMI:           "EXITNMI",
	EXITINTERNALERROR: "EXITINTERNALERROR",
	EXITSYSTEMEVENT:   "EXITSYSTEMEVENT",
}

func (e ExitType) String() string {
	if s, ok := exitNames[e]; ok {
		return s
	}

	return fmt.Sprintf("ExitType(%d)", uint32(e))
}

// wrap names the failed ioctl and keeps the errno matchable with errors.Is.
func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
