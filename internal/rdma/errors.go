package rdma

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrNoRemoteDescriptor is returned when RTR is attempted before the peer
	// descriptor has been exchanged
	ErrNoRemoteDescriptor = errors.New("remote connection descriptor is not known")
	// ErrQPNotReady is returned by data-plane calls before the QP reaches RTS
	ErrQPNotReady = errors.New("queue pair is not in RTS state")
	// ErrClosed is returned by calls on a context that has been torn down
	ErrClosed = errors.New("rdma context is closed")
)

// DeviceNotFoundError reports that no adapter matched the requested name
type DeviceNotFoundError struct {
	Name string // empty when any device would do
}

func (e *DeviceNotFoundError) Error() string {
	if e.Name == "" {
		return "no RDMA devices found"
	}
	return fmt.Sprintf("RDMA device %s not found", e.Name)
}

// ResourceAllocationError reports a failed allocation step of the
// resource manager
type ResourceAllocationError struct {
	Resource string
	Err      error
}

func (e *ResourceAllocationError) Error() string {
	return fmt.Sprintf("failed to allocate %s: %v", e.Resource, e.Err)
}

func (e *ResourceAllocationError) Unwrap() error { return e.Err }

// QPModifyError reports a failed queue pair state transition
type QPModifyError struct {
	From, To QPState
	Code     int
	Err      error
}

func (e *QPModifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to modify QP %s->%s: %v", e.From, e.To, e.Err)
	}
	return fmt.Sprintf("failed to modify QP %s->%s: %d", e.From, e.To, e.Code)
}

func (e *QPModifyError) Unwrap() error { return e.Err }

// PostError reports a rejected work request
type PostError struct {
	Opcode string
	Code   int
	Err    error
}

func (e *PostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to post %s: %v", e.Opcode, e.Err)
	}
	return fmt.Sprintf("failed to post %s: %d", e.Opcode, e.Code)
}

func (e *PostError) Unwrap() error { return e.Err }

// CompletionError reports a failed poll or a work completion whose status is
// not success
type CompletionError struct {
	Status         WCStatus
	VendorSyndrome uint32
	Opcode         WCOpcode
	// PollResult is set when the poll call itself failed
	PollResult int
}

func (e *CompletionError) Error() string {
	if e.PollResult < 0 {
		return fmt.Sprintf("poll CQ failed: %d", e.PollResult)
	}
	return fmt.Sprintf("work completion %s failed: %s (vendor syndrome 0x%x)", e.Opcode, e.Status, e.VendorSyndrome)
}

// TeardownError reports a nonzero result while releasing a resource. The
// adapter state is unknown afterwards.
type TeardownError struct {
	Resource string
	Err      error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("failed to release %s: %v", e.Resource, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// errnoCode extracts the numeric code from a provider error
func errnoCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return -1
}
