package rdma

import "fmt"

// Handle types returned by a Verbs provider. They are opaque to callers.
type (
	DeviceHandle uintptr
	PDHandle     uintptr
	CQHandle     uintptr
	QPHandle     uintptr
)

// AccessFlags mirror enum ibv_access_flags
type AccessFlags uint32

const (
	AccessLocalWrite  AccessFlags = 1 << 0
	AccessRemoteWrite AccessFlags = 1 << 1
	AccessRemoteRead  AccessFlags = 1 << 2
)

// BufferAccess is the access set of the shared buffer and of the QP
const BufferAccess = AccessLocalWrite | AccessRemoteRead | AccessRemoteWrite

// Opcode selects the send work request type
type Opcode int

const (
	OpRDMAWrite Opcode = iota
	OpRDMAWriteWithImm
	OpSend
	OpSendWithImm
	OpRDMARead
)

func (o Opcode) String() string {
	switch o {
	case OpRDMAWrite:
		return "RDMA_WRITE"
	case OpRDMAWriteWithImm:
		return "RDMA_WRITE_WITH_IMM"
	case OpSend:
		return "SEND"
	case OpSendWithImm:
		return "SEND_WITH_IMM"
	case OpRDMARead:
		return "RDMA_READ"
	default:
		return fmt.Sprintf("Opcode(%d)", int(o))
	}
}

// needsRemote reports whether the opcode addresses the peer's memory region
func (o Opcode) needsRemote() bool {
	return o == OpRDMAWrite || o == OpRDMAWriteWithImm || o == OpRDMARead
}

// WCStatus mirrors enum ibv_wc_status
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocLenErr
	WCLocQPOpErr
	WCLocEECOpErr
	WCLocProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocAccessErr
	WCRemInvReqErr
	WCRemAccessErr
	WCRemOpErr
	WCRetryExcErr
	WCRNRRetryExcErr
)

var wcStatusNames = map[WCStatus]string{
	WCSuccess:        "success",
	WCLocLenErr:      "local length error",
	WCLocQPOpErr:     "local QP operation error",
	WCLocEECOpErr:    "local EE context operation error",
	WCLocProtErr:     "local protection error",
	WCWRFlushErr:     "work request flushed error",
	WCMWBindErr:      "memory bind operation error",
	WCBadRespErr:     "bad response error",
	WCLocAccessErr:   "local access error",
	WCRemInvReqErr:   "remote invalid request error",
	WCRemAccessErr:   "remote access error",
	WCRemOpErr:       "remote operation error",
	WCRetryExcErr:    "transport retry counter exceeded",
	WCRNRRetryExcErr: "RNR retry counter exceeded",
}

func (s WCStatus) String() string {
	if name, ok := wcStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("WCStatus(%d)", int(s))
}

// WCOpcode mirrors enum ibv_wc_opcode
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpRecv            WCOpcode = 128
	WCOpRecvRDMAWithImm WCOpcode = 129
)

func (o WCOpcode) String() string {
	switch o {
	case WCOpSend:
		return "SEND"
	case WCOpRDMAWrite:
		return "RDMA_WRITE"
	case WCOpRDMARead:
		return "RDMA_READ"
	case WCOpRecv:
		return "RECV"
	case WCOpRecvRDMAWithImm:
		return "RECV_RDMA_WITH_IMM"
	default:
		return fmt.Sprintf("WCOpcode(%d)", int(o))
	}
}

// IsRecv reports whether the completion belongs to the receive queue
func (o WCOpcode) IsRecv() bool {
	return o >= WCOpRecv
}

// WorkCompletion is the Go view of struct ibv_wc
type WorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	ImmData   uint32
	HasImm    bool
	QPNum     uint32
	SrcQP     uint32
}

// MTU mirrors enum ibv_mtu
type MTU int

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Bytes returns the MTU size in bytes
func (m MTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}
	return 128 << int(m)
}

// MTUFromBytes converts a byte count into the matching ibv_mtu value
func MTUFromBytes(n int) (MTU, error) {
	switch n {
	case 256:
		return MTU256, nil
	case 512:
		return MTU512, nil
	case 1024:
		return MTU1024, nil
	case 2048:
		return MTU2048, nil
	case 4096:
		return MTU4096, nil
	}
	return 0, fmt.Errorf("unsupported path MTU %d (want 256, 512, 1024, 2048 or 4096)", n)
}

// PortAttr holds the subset of struct ibv_port_attr the connection needs
type PortAttr struct {
	LID       uint16
	ActiveMTU MTU
	Active    bool
}

// MemoryRegion is a registered buffer. Buf aliases the registered memory.
type MemoryRegion struct {
	Handle uintptr
	Addr   uint64
	LKey   uint32
	RKey   uint32
	Buf    []byte
}

// QPCap is the capacity of a newly created queue pair
type QPCap struct {
	MaxSendWR  uint32
	MaxRecvWR  uint32
	MaxSendSGE uint32
	MaxRecvSGE uint32
	SigAll     bool
}

// InitAttr are the RESET->INIT attributes
type InitAttr struct {
	PortNum     uint8
	PKeyIndex   uint16
	AccessFlags AccessFlags
}

// RTRAttr are the INIT->RTR attributes
type RTRAttr struct {
	PathMTU         MTU
	DestQPNum       uint32
	RQPSN           uint32
	MaxDestRdAtomic uint8
	MinRNRTimer     uint8
	PortNum         uint8
	DLID            uint16
	SL              uint8
	// Global addressing is used when IsGlobal is set
	IsGlobal     bool
	DGID         GID
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
}

// RTSAttr are the RTR->RTS attributes
type RTSAttr struct {
	Timeout     uint8
	RetryCount  uint8
	RNRRetry    uint8
	SQPSN       uint32
	MaxRdAtomic uint8
}

// SendWR is a single-SGE send work request
type SendWR struct {
	WRID       uint64
	Opcode     Opcode
	LocalAddr  uint64
	Length     uint32
	LKey       uint32
	RemoteAddr uint64
	RKey       uint32
	ImmData    uint32
	Signaled   bool
}

// RecvWR is a single-SGE receive work request
type RecvWR struct {
	WRID      uint64
	LocalAddr uint64
	Length    uint32
	LKey      uint32
}

// Verbs is the adapter access surface used by Context. The libibverbs
// provider (build tag rdma_hw) talks to hardware; Fabric provides an
// in-process implementation. Methods that model a C call returning an
// error code return a syscall.Errno on failure.
type Verbs interface {
	DeviceNames() ([]string, error)
	OpenDevice(name string) (DeviceHandle, error)
	CloseDevice(dev DeviceHandle) error
	QueryPort(dev DeviceHandle, port uint8) (PortAttr, error)
	QueryGID(dev DeviceHandle, port uint8, index int) (GID, error)

	AllocPD(dev DeviceHandle) (PDHandle, error)
	DeallocPD(pd PDHandle) error
	CreateCQ(dev DeviceHandle, cqe int) (CQHandle, error)
	DestroyCQ(cq CQHandle) error
	RegMR(pd PDHandle, size int, access AccessFlags) (*MemoryRegion, error)
	DeregMR(mr *MemoryRegion) error

	CreateQP(pd PDHandle, cq CQHandle, caps QPCap) (QPHandle, uint32, error)
	DestroyQP(qp QPHandle) error
	ModifyQPToInit(qp QPHandle, attr InitAttr) error
	ModifyQPToRTR(qp QPHandle, attr RTRAttr) error
	ModifyQPToRTS(qp QPHandle, attr RTSAttr) error

	PostSend(qp QPHandle, wr SendWR) error
	PostRecv(qp QPHandle, wr RecvWR) error
	// PollCQ polls at most one completion. ok is false when the queue is empty.
	PollCQ(cq CQHandle) (wc WorkCompletion, ok bool, err error)
}
