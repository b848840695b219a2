package rdma

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
)

// SimDevice describes an adapter attached to a simulated Fabric
type SimDevice struct {
	Name       string
	LID        uint16
	GIDs       []GID
	PortActive bool
	ActiveMTU  MTU
}

// NewSimDevice returns an active single-port device whose GID table holds a
// link-local GID (index 0) and an IPv4-mapped GID (index 1) derived from lid
func NewSimDevice(name string, lid uint16) SimDevice {
	mapped, _ := ParseGID(fmt.Sprintf("::ffff:10.0.%d.%d", lid>>8, lid&0xff))
	return SimDevice{
		Name:       name,
		LID:        lid,
		GIDs:       []GID{GIDFromInterfaceID(uint64(lid)), mapped},
		PortActive: true,
		ActiveMTU:  MTU4096,
	}
}

// FaultKind selects the operation a Fault is injected into
type FaultKind int

const (
	// FaultPostSend makes PostSend return Errno
	FaultPostSend FaultKind = iota
	// FaultPostRecv makes PostRecv return Errno
	FaultPostRecv
	// FaultCompletion completes the next send work request with Status and
	// VendorErr without moving any data
	FaultCompletion
	// FaultModifyQP makes the transition into State return Errno
	FaultModifyQP
	// FaultAlloc makes the allocation of Resource fail with Errno
	FaultAlloc
	// FaultRelease makes the release of Resource fail with Errno
	FaultRelease
	// FaultPoll makes PollCQ fail with Errno
	FaultPoll
)

// Fault is a one-shot failure armed on a Fabric
type Fault struct {
	Kind      FaultKind
	QPNum     uint32 // 0 matches any queue pair
	State     QPState
	Resource  string // device, pd, cq, mr, qp
	Errno     syscall.Errno
	Status    WCStatus
	VendorErr uint32
}

// Fabric is an in-process RDMA fabric implementing Verbs. Every Context
// opened on the same Fabric can reach every other one, which lets the
// connection, data plane and buffer protocol run without an adapter.
type Fabric struct {
	mu sync.Mutex

	devices []SimDevice
	handle  uintptr
	qpNum   uint32
	addr    uint64
	key     uint32

	contexts map[DeviceHandle]*SimDevice
	pds      map[PDHandle]DeviceHandle
	cqs      map[CQHandle]*simCQ
	mrs      map[uintptr]*simMR
	qps      map[QPHandle]*simQP
	qpByNum  map[uint32]*simQP
	faults   []Fault
}

type simCQ struct {
	cqe     int
	entries []WorkCompletion
	refs    int
}

type simMR struct {
	pd     PDHandle
	region *MemoryRegion
	access AccessFlags
}

type simQP struct {
	num      uint32
	dev      *SimDevice
	pd       PDHandle
	cq       *simCQ
	caps     QPCap
	state    QPState
	initAttr InitAttr
	rtr      RTRAttr
	rts      RTSAttr

	recvQ    []RecvWR
	inflight int
	// pending holds inbound requests that found no posted receive and are
	// waiting for one (RNR retry)
	pending []inbound
	// unready holds requests that arrived before RTR; their senders keep
	// retransmitting until this queue pair can receive
	unready []inbound
}

type inbound struct {
	from *simQP
	wr   SendWR
	data []byte
}

// NewFabric creates a fabric with the given devices attached
func NewFabric(devices ...SimDevice) *Fabric {
	return &Fabric{
		devices:  devices,
		qpNum:    0x100,
		addr:     0x7f0000000000,
		key:      0x1000,
		contexts: make(map[DeviceHandle]*SimDevice),
		pds:      make(map[PDHandle]DeviceHandle),
		cqs:      make(map[CQHandle]*simCQ),
		mrs:      make(map[uintptr]*simMR),
		qps:      make(map[QPHandle]*simQP),
		qpByNum:  make(map[uint32]*simQP),
	}
}

// Inject arms a one-shot fault
func (f *Fabric) Inject(fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, fault)
}

// takeFault removes and returns the first armed fault accepted by match
func (f *Fabric) takeFault(kind FaultKind, match func(Fault) bool) (Fault, bool) {
	for i, ft := range f.faults {
		if ft.Kind == kind && match(ft) {
			f.faults = append(f.faults[:i], f.faults[i+1:]...)
			return ft, true
		}
	}
	return Fault{}, false
}

func (f *Fabric) resourceFault(kind FaultKind, resource string) error {
	if ft, ok := f.takeFault(kind, func(ft Fault) bool { return ft.Resource == resource }); ok {
		return ft.Errno
	}
	return nil
}

func (f *Fabric) nextHandle() uintptr {
	f.handle++
	return f.handle
}

// OpenQPs returns the number of queue pairs that have not been destroyed
func (f *Fabric) OpenQPs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.qps)
}

// OpenContexts returns the number of device contexts still open
func (f *Fabric) OpenContexts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.contexts)
}

// DeviceNames lists the attached devices in attach order
func (f *Fabric) DeviceNames() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.devices))
	for _, d := range f.devices {
		names = append(names, d.Name)
	}
	return names, nil
}

func (f *Fabric) OpenDevice(name string) (DeviceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resourceFault(FaultAlloc, "device"); err != nil {
		return 0, err
	}
	for i := range f.devices {
		if f.devices[i].Name == name {
			h := DeviceHandle(f.nextHandle())
			f.contexts[h] = &f.devices[i]
			return h, nil
		}
	}
	return 0, syscall.ENODEV
}

func (f *Fabric) CloseDevice(dev DeviceHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resourceFault(FaultRelease, "device"); err != nil {
		return err
	}
	if _, ok := f.contexts[dev]; !ok {
		return syscall.EINVAL
	}
	for _, owner := range f.pds {
		if owner == dev {
			return syscall.EBUSY
		}
	}
	delete(f.contexts, dev)
	return nil
}

func (f *Fabric) QueryPort(dev DeviceHandle, port uint8) (PortAttr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.contexts[dev]
	if !ok {
		return PortAttr{}, syscall.EINVAL
	}
	if port != 1 {
		return PortAttr{}, syscall.EINVAL
	}
	return PortAttr{LID: d.LID, ActiveMTU: d.ActiveMTU, Active: d.PortActive}, nil
}

func (f *Fabric) QueryGID(dev DeviceHandle, port uint8, index int) (GID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.contexts[dev]
	if !ok || port != 1 {
		return GID{}, syscall.EINVAL
	}
	if index < 0 || index >= len(d.GIDs) {
		return GID{}, syscall.EINVAL
	}
	return d.GIDs[index], nil
}

func (f *Fabric) AllocPD(dev DeviceHandle) (PDHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resourceFault(FaultAlloc, "pd"); err != nil {
		return 0, err
	}
	if _, ok := f.contexts[dev]; !ok {
		return 0, syscall.EINVAL
	}
	h := PDHandle(f.nextHandle())
	f.pds[h] = dev
	return h, nil
}

func (f *Fabric) DeallocPD(pd PDHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resourceFault(FaultRelease, "pd"); err != nil {
		return err
	}
	if _, ok := f.pds[pd]; !ok {
		return syscall.EINVAL
	}
	for _, mr := range f.mrs {
		if mr.pd == pd {
			return syscall.EBUSY
		}
	}
	for _, qp := range f.qps {
		if qp.pd == pd {
			return syscall.EBUSY
		}
	}
	delete(f.pds, pd)
	return nil
}

func (f *Fabric) CreateCQ(dev DeviceHandle, cqe int) (CQHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resourceFault(FaultAlloc, "cq"); err != nil {
		return 0, err
	}
	if _, ok := f.contexts[dev]; !ok || cqe < 1 {
		return 0, syscall.EINVAL
	}
	h := CQHandle(f.nextHandle())
	f.cqs[h] = &simCQ{cqe: cqe}
	return h, nil
}

func (f *Fabric) DestroyCQ(cq CQHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resourceFault(FaultRelease, "cq"); err != nil {
		return err
	}
	c, ok := f.cqs[cq]
	if !ok {
		return syscall.EINVAL
	}
	if c.refs > 0 {
		return syscall.EBUSY
	}
	delete(f.cqs, cq)
	return nil
}

func (f *Fabric) RegMR(pd PDHandle, size int, access AccessFlags) (*MemoryRegion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resourceFault(FaultAlloc, "mr"); err != nil {
		return nil, err
	}
	if _, ok := f.pds[pd]; !ok || size <= 0 {
		return nil, syscall.EINVAL
	}
	h := f.nextHandle()
	f.key++
	region := &MemoryRegion{
		Handle: h,
		Addr:   f.addr,
		LKey:   f.key,
		RKey:   f.key | 0x80000000,
		Buf:    make([]byte, size),
	}
	// keep regions page aligned and apart
	f.addr += (uint64(size) + 4095) &^ 4095
	f.mrs[h] = &simMR{pd: pd, region: region, access: access}
	return region, nil
}

func (f *Fabric) DeregMR(mr *MemoryRegion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resourceFault(FaultRelease, "mr"); err != nil {
		return err
	}
	if mr == nil {
		return syscall.EINVAL
	}
	if _, ok := f.mrs[mr.Handle]; !ok {
		return syscall.EINVAL
	}
	delete(f.mrs, mr.Handle)
	return nil
}

func (f *Fabric) CreateQP(pd PDHandle, cq CQHandle, caps QPCap) (QPHandle, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resourceFault(FaultAlloc, "qp"); err != nil {
		return 0, 0, err
	}
	dev, ok := f.pds[pd]
	if !ok {
		return 0, 0, syscall.EINVAL
	}
	c, ok := f.cqs[cq]
	if !ok || caps.MaxSendWR == 0 || caps.MaxRecvWR == 0 {
		return 0, 0, syscall.EINVAL
	}
	f.qpNum++
	qp := &simQP{
		num:   f.qpNum,
		dev:   f.contexts[dev],
		pd:    pd,
		cq:    c,
		caps:  caps,
		state: StateReset,
	}
	c.refs++
	h := QPHandle(f.nextHandle())
	f.qps[h] = qp
	f.qpByNum[qp.num] = qp
	return h, qp.num, nil
}

func (f *Fabric) DestroyQP(h QPHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resourceFault(FaultRelease, "qp"); err != nil {
		return err
	}
	qp, ok := f.qps[h]
	if !ok {
		return syscall.EINVAL
	}
	qp.cq.refs--
	qp.state = StateError
	delete(f.qps, h)
	delete(f.qpByNum, qp.num)
	for _, in := range qp.unready {
		if f.alive(in.from) {
			f.completeSend(in.from, in.wr, WCRetryExcErr, 0)
		}
	}
	qp.unready = nil
	return nil
}

func (f *Fabric) modify(h QPHandle, from, to QPState) (*simQP, error) {
	qp, ok := f.qps[h]
	if !ok {
		return nil, syscall.EINVAL
	}
	if ft, ok := f.takeFault(FaultModifyQP, func(ft Fault) bool {
		return ft.State == to && (ft.QPNum == 0 || ft.QPNum == qp.num)
	}); ok {
		return nil, ft.Errno
	}
	if qp.state != from {
		return nil, syscall.EINVAL
	}
	return qp, nil
}

func (f *Fabric) ModifyQPToInit(h QPHandle, attr InitAttr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	qp, err := f.modify(h, StateReset, StateInit)
	if err != nil {
		return err
	}
	if attr.PortNum != 1 {
		return syscall.EINVAL
	}
	qp.initAttr = attr
	qp.state = StateInit
	return nil
}

func (f *Fabric) ModifyQPToRTR(h QPHandle, attr RTRAttr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	qp, err := f.modify(h, StateInit, StateRTR)
	if err != nil {
		return err
	}
	if attr.PathMTU.Bytes() == 0 || attr.PathMTU > qp.dev.ActiveMTU {
		return syscall.EINVAL
	}
	if attr.IsGlobal && int(attr.SGIDIndex) >= len(qp.dev.GIDs) {
		return syscall.EINVAL
	}
	qp.rtr = attr
	qp.state = StateRTR

	early := qp.unready
	qp.unready = nil
	for _, in := range early {
		if f.alive(in.from) {
			f.transmit(in.from, in.wr)
		}
	}
	return nil
}

func (f *Fabric) alive(qp *simQP) bool {
	return f.qpByNum[qp.num] == qp
}

func (f *Fabric) ModifyQPToRTS(h QPHandle, attr RTSAttr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	qp, err := f.modify(h, StateRTR, StateRTS)
	if err != nil {
		return err
	}
	qp.rts = attr
	qp.state = StateRTS
	return nil
}

// localRegion resolves an lkey-addressed range inside a PD
func (f *Fabric) localRegion(pd PDHandle, lkey uint32, addr uint64, length uint32) ([]byte, bool) {
	for _, mr := range f.mrs {
		if mr.region.LKey != lkey || mr.pd != pd {
			continue
		}
		return mr.slice(addr, length)
	}
	return nil, false
}

// remoteRegion resolves an rkey-addressed range and checks access rights
func (f *Fabric) remoteRegion(pd PDHandle, rkey uint32, addr uint64, length uint32, need AccessFlags) ([]byte, bool) {
	for _, mr := range f.mrs {
		if mr.region.RKey != rkey || mr.pd != pd {
			continue
		}
		if mr.access&need != need {
			return nil, false
		}
		return mr.slice(addr, length)
	}
	return nil, false
}

func (mr *simMR) slice(addr uint64, length uint32) ([]byte, bool) {
	start := mr.region.Addr
	end := start + uint64(len(mr.region.Buf))
	if addr < start || addr+uint64(length) > end {
		return nil, false
	}
	off := addr - start
	return mr.region.Buf[off : off+uint64(length)], true
}

// route finds the peer addressed by qp's RTR attributes. ready is false
// while the peer has not reached RTR.
func (f *Fabric) route(qp *simQP) (peer *simQP, ready bool) {
	peer, ok := f.qpByNum[qp.rtr.DestQPNum]
	if !ok || peer.state == StateError {
		return nil, false
	}
	if qp.rtr.IsGlobal {
		for _, g := range peer.dev.GIDs {
			if g == qp.rtr.DGID {
				return peer, peer.state >= StateRTR
			}
		}
		return nil, false
	}
	if peer.dev.LID != qp.rtr.DLID {
		return nil, false
	}
	return peer, peer.state >= StateRTR
}

func (f *Fabric) PostSend(h QPHandle, wr SendWR) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	qp, ok := f.qps[h]
	if !ok {
		return syscall.EINVAL
	}
	if ft, ok := f.takeFault(FaultPostSend, func(ft Fault) bool { return ft.QPNum == 0 || ft.QPNum == qp.num }); ok {
		return ft.Errno
	}
	if qp.state != StateRTS {
		return syscall.EINVAL
	}
	if qp.inflight >= int(qp.caps.MaxSendWR) {
		return syscall.ENOMEM
	}
	qp.inflight++

	if ft, ok := f.takeFault(FaultCompletion, func(ft Fault) bool { return ft.QPNum == 0 || ft.QPNum == qp.num }); ok {
		f.completeSend(qp, wr, ft.Status, ft.VendorErr)
		return nil
	}
	switch wr.Opcode {
	case OpRDMAWrite, OpRDMARead, OpRDMAWriteWithImm, OpSend, OpSendWithImm:
	default:
		qp.inflight--
		return syscall.EINVAL
	}
	f.transmit(qp, wr)
	return nil
}

// transmit carries out a posted send; every outcome ends in a completion
// on qp, now or once the peer is able to take the request
func (f *Fabric) transmit(qp *simQP, wr SendWR) {
	local, ok := f.localRegion(qp.pd, wr.LKey, wr.LocalAddr, wr.Length)
	if !ok {
		f.completeSend(qp, wr, WCLocProtErr, 0)
		return
	}
	peer, ready := f.route(qp)
	if peer == nil {
		f.completeSend(qp, wr, WCRetryExcErr, 0)
		return
	}
	if !ready {
		if qp.rts.RetryCount == 0 {
			f.completeSend(qp, wr, WCRetryExcErr, 0)
			return
		}
		peer.unready = append(peer.unready, inbound{from: qp, wr: wr})
		return
	}

	switch wr.Opcode {
	case OpRDMAWrite:
		remote, ok := f.remoteRegion(peer.pd, wr.RKey, wr.RemoteAddr, wr.Length, AccessRemoteWrite)
		if !ok {
			f.completeSend(qp, wr, WCRemAccessErr, 0)
			return
		}
		copy(remote, local)
		f.completeSend(qp, wr, WCSuccess, 0)
	case OpRDMARead:
		remote, ok := f.remoteRegion(peer.pd, wr.RKey, wr.RemoteAddr, wr.Length, AccessRemoteRead)
		if !ok {
			f.completeSend(qp, wr, WCRemAccessErr, 0)
			return
		}
		copy(local, remote)
		f.completeSend(qp, wr, WCSuccess, 0)
	case OpRDMAWriteWithImm, OpSend, OpSendWithImm:
		if wr.Opcode == OpRDMAWriteWithImm {
			if _, ok := f.remoteRegion(peer.pd, wr.RKey, wr.RemoteAddr, wr.Length, AccessRemoteWrite); !ok {
				f.completeSend(qp, wr, WCRemAccessErr, 0)
				return
			}
		}
		in := inbound{from: qp, wr: wr, data: append([]byte(nil), local...)}
		if len(peer.recvQ) == 0 {
			if qp.rts.RNRRetry == 0 {
				f.completeSend(qp, wr, WCRNRRetryExcErr, 0)
				return
			}
			peer.pending = append(peer.pending, in)
			return
		}
		f.deliver(peer, in)
	}
}

// deliver consumes the first posted receive of peer for an inbound request
func (f *Fabric) deliver(peer *simQP, in inbound) {
	recv := peer.recvQ[0]
	peer.recvQ = peer.recvQ[1:]
	wc := WorkCompletion{
		WRID:    recv.WRID,
		QPNum:   peer.num,
		SrcQP:   in.from.num,
		ByteLen: uint32(len(in.data)),
	}
	switch in.wr.Opcode {
	case OpRDMAWriteWithImm:
		remote, _ := f.remoteRegion(peer.pd, in.wr.RKey, in.wr.RemoteAddr, in.wr.Length, AccessRemoteWrite)
		copy(remote, in.data)
		wc.Opcode = WCOpRecvRDMAWithImm
		wc.ImmData = in.wr.ImmData
		wc.HasImm = true
	default:
		wc.Opcode = WCOpRecv
		if in.wr.Opcode == OpSendWithImm {
			wc.ImmData = in.wr.ImmData
			wc.HasImm = true
		}
		dst, ok := f.localRegion(peer.pd, recv.LKey, recv.LocalAddr, recv.Length)
		if !ok || len(in.data) > len(dst) {
			wc.Status = WCLocLenErr
			f.push(peer.cq, wc)
			f.completeSend(in.from, in.wr, WCRemInvReqErr, 0)
			return
		}
		copy(dst, in.data)
	}
	f.push(peer.cq, wc)
	f.completeSend(in.from, in.wr, WCSuccess, 0)
}

func (f *Fabric) completeSend(qp *simQP, wr SendWR, status WCStatus, vendorErr uint32) {
	qp.inflight--
	if !wr.Signaled && !qp.caps.SigAll && status == WCSuccess {
		return
	}
	wc := WorkCompletion{
		WRID:      wr.WRID,
		Status:    status,
		VendorErr: vendorErr,
		QPNum:     qp.num,
	}
	switch wr.Opcode {
	case OpRDMAWrite, OpRDMAWriteWithImm:
		wc.Opcode = WCOpRDMAWrite
	case OpRDMARead:
		wc.Opcode = WCOpRDMARead
		wc.ByteLen = wr.Length
	default:
		wc.Opcode = WCOpSend
	}
	if status != WCSuccess {
		log.Debug().Uint32("qpn", qp.num).Stringer("opcode", wr.Opcode).Stringer("status", status).Msg("Simulated send completed with error")
	}
	f.push(qp.cq, wc)
}

func (f *Fabric) push(cq *simCQ, wc WorkCompletion) {
	if len(cq.entries) >= cq.cqe {
		// real adapters raise an asynchronous CQ overrun; the entry is lost
		log.Warn().Int("cqe", cq.cqe).Msg("Simulated completion queue overrun")
		return
	}
	cq.entries = append(cq.entries, wc)
}

func (f *Fabric) PostRecv(h QPHandle, wr RecvWR) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	qp, ok := f.qps[h]
	if !ok {
		return syscall.EINVAL
	}
	if ft, ok := f.takeFault(FaultPostRecv, func(ft Fault) bool { return ft.QPNum == 0 || ft.QPNum == qp.num }); ok {
		return ft.Errno
	}
	if qp.state == StateReset || qp.state == StateError {
		return syscall.EINVAL
	}
	if len(qp.recvQ) >= int(qp.caps.MaxRecvWR) {
		return syscall.ENOMEM
	}
	qp.recvQ = append(qp.recvQ, wr)
	if len(qp.pending) > 0 {
		in := qp.pending[0]
		qp.pending = qp.pending[1:]
		f.deliver(qp, in)
	}
	return nil
}

func (f *Fabric) PollCQ(h CQHandle) (WorkCompletion, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ft, ok := f.takeFault(FaultPoll, func(Fault) bool { return true }); ok {
		return WorkCompletion{}, false, ft.Errno
	}
	cq, ok := f.cqs[h]
	if !ok {
		return WorkCompletion{}, false, syscall.EINVAL
	}
	if len(cq.entries) == 0 {
		return WorkCompletion{}, false, nil
	}
	wc := cq.entries[0]
	cq.entries = cq.entries[1:]
	return wc, true, nil
}

var _ Verbs = (*Fabric)(nil)
