//go:build linux && cgo && rdma_hw

package rdma

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <arpa/inet.h>
// #include <infiniband/verbs.h>
//
// // Helper function to access ibv_port_attr safely
// int my_ibv_query_port(struct ibv_context *context, uint8_t port_num, struct ibv_port_attr *port_attr) {
//     return ibv_query_port(context, port_num, port_attr);
// }
//
// // Work requests are built on the C side so no Go pointer reaches the driver
// static int rkv_post_send(struct ibv_qp *qp, uint64_t wr_id, int opcode,
//                          uint64_t addr, uint32_t length, uint32_t lkey,
//                          uint64_t remote_addr, uint32_t rkey, uint32_t imm, int signaled) {
//     struct ibv_sge sge;
//     struct ibv_send_wr wr, *bad_wr = NULL;
//     memset(&sge, 0, sizeof(sge));
//     memset(&wr, 0, sizeof(wr));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//     wr.opcode = (enum ibv_wr_opcode)opcode;
//     wr.send_flags = signaled ? IBV_SEND_SIGNALED : 0;
//     if (opcode == IBV_WR_RDMA_WRITE || opcode == IBV_WR_RDMA_WRITE_WITH_IMM || opcode == IBV_WR_RDMA_READ) {
//         wr.wr.rdma.remote_addr = remote_addr;
//         wr.wr.rdma.rkey = rkey;
//     }
//     if (opcode == IBV_WR_RDMA_WRITE_WITH_IMM || opcode == IBV_WR_SEND_WITH_IMM) {
//         wr.imm_data = htonl(imm);
//     }
//     return ibv_post_send(qp, &wr, &bad_wr);
// }
//
// static int rkv_post_recv(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr, uint32_t length, uint32_t lkey) {
//     struct ibv_sge sge;
//     struct ibv_recv_wr wr, *bad_wr = NULL;
//     memset(&sge, 0, sizeof(sge));
//     memset(&wr, 0, sizeof(wr));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//     return ibv_post_recv(qp, &wr, &bad_wr);
// }
//
// static uint32_t rkv_wc_imm(struct ibv_wc *wc) {
//     return ntohl(wc->imm_data);
// }
//
// static void rkv_set_dgid(struct ibv_qp_attr *attr, const void *gid) {
//     memcpy(&attr->ah_attr.grh.dgid, gid, 16);
// }
import "C"
import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// IBVerbs is the libibverbs provider
type IBVerbs struct {
	mu       sync.Mutex
	contexts map[DeviceHandle]*C.struct_ibv_context
	names    map[DeviceHandle]string
	pds      map[PDHandle]*C.struct_ibv_pd
	cqs      map[CQHandle]*C.struct_ibv_cq
	mrs      map[uintptr]*C.struct_ibv_mr
	bufs     map[uintptr]unsafe.Pointer
	qps      map[QPHandle]*C.struct_ibv_qp
}

// NewIBVerbs returns the hardware provider
func NewIBVerbs() (Verbs, error) {
	return &IBVerbs{
		contexts: make(map[DeviceHandle]*C.struct_ibv_context),
		names:    make(map[DeviceHandle]string),
		pds:      make(map[PDHandle]*C.struct_ibv_pd),
		cqs:      make(map[CQHandle]*C.struct_ibv_cq),
		mrs:      make(map[uintptr]*C.struct_ibv_mr),
		bufs:     make(map[uintptr]unsafe.Pointer),
		qps:      make(map[QPHandle]*C.struct_ibv_qp),
	}, nil
}

// forEachDevice walks the device list; the list is freed when fn returns
func forEachDevice(fn func(dev *C.struct_ibv_device, name string) bool) error {
	var numDevices C.int
	deviceList := C.ibv_get_device_list(&numDevices)
	if deviceList == nil {
		return fmt.Errorf("failed to get RDMA device list")
	}
	defer C.ibv_free_device_list(deviceList)

	for i := 0; i < int(numDevices); i++ {
		device := *(**C.struct_ibv_device)(unsafe.Pointer(uintptr(unsafe.Pointer(deviceList)) + uintptr(i)*unsafe.Sizeof(uintptr(0))))
		if device == nil {
			continue
		}
		if !fn(device, C.GoString(C.ibv_get_device_name(device))) {
			break
		}
	}
	return nil
}

func (v *IBVerbs) DeviceNames() ([]string, error) {
	var names []string
	err := forEachDevice(func(_ *C.struct_ibv_device, name string) bool {
		log.Debug().Str("device", name).Msg("Found RDMA device")
		names = append(names, name)
		return true
	})
	return names, err
}

func (v *IBVerbs) OpenDevice(name string) (DeviceHandle, error) {
	var context *C.struct_ibv_context
	found := false
	err := forEachDevice(func(dev *C.struct_ibv_device, devName string) bool {
		if devName != name {
			return true
		}
		found = true
		context = C.ibv_open_device(dev)
		return false
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, syscall.ENODEV
	}
	if context == nil {
		return 0, fmt.Errorf("failed to open device %s", name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	h := DeviceHandle(uintptr(unsafe.Pointer(context)))
	v.contexts[h] = context
	v.names[h] = name
	return h, nil
}

func (v *IBVerbs) CloseDevice(dev DeviceHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	context, ok := v.contexts[dev]
	if !ok {
		return syscall.EINVAL
	}
	if ret, errno := C.ibv_close_device(context); ret != 0 {
		return errno
	}
	delete(v.contexts, dev)
	delete(v.names, dev)
	return nil
}

func (v *IBVerbs) QueryPort(dev DeviceHandle, port uint8) (PortAttr, error) {
	v.mu.Lock()
	context, ok := v.contexts[dev]
	v.mu.Unlock()
	if !ok {
		return PortAttr{}, syscall.EINVAL
	}
	var portAttr C.struct_ibv_port_attr
	if ret := C.my_ibv_query_port(context, C.uint8_t(port), &portAttr); ret != 0 {
		return PortAttr{}, syscall.Errno(ret)
	}
	return PortAttr{
		LID:       uint16(portAttr.lid),
		ActiveMTU: MTU(portAttr.active_mtu),
		Active:    portAttr.state == C.IBV_PORT_ACTIVE,
	}, nil
}

func (v *IBVerbs) QueryGID(dev DeviceHandle, port uint8, index int) (GID, error) {
	v.mu.Lock()
	context, ok := v.contexts[dev]
	v.mu.Unlock()
	if !ok {
		return GID{}, syscall.EINVAL
	}
	var raw C.union_ibv_gid
	if ret := C.ibv_query_gid(context, C.uint8_t(port), C.int(index), &raw); ret != 0 {
		return GID{}, syscall.Errno(ret)
	}
	var gid GID
	copy(gid[:], unsafe.Slice((*byte)(unsafe.Pointer(&raw)), C.sizeof_union_ibv_gid))
	return gid, nil
}

func (v *IBVerbs) AllocPD(dev DeviceHandle) (PDHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	context, ok := v.contexts[dev]
	if !ok {
		return 0, syscall.EINVAL
	}
	pd := C.ibv_alloc_pd(context)
	if pd == nil {
		return 0, fmt.Errorf("failed to allocate protection domain for device %s", v.names[dev])
	}
	h := PDHandle(uintptr(unsafe.Pointer(pd)))
	v.pds[h] = pd
	return h, nil
}

func (v *IBVerbs) DeallocPD(pd PDHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.pds[pd]
	if !ok {
		return syscall.EINVAL
	}
	if ret := C.ibv_dealloc_pd(p); ret != 0 {
		return syscall.Errno(ret)
	}
	delete(v.pds, pd)
	return nil
}

func (v *IBVerbs) CreateCQ(dev DeviceHandle, cqe int) (CQHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	context, ok := v.contexts[dev]
	if !ok {
		return 0, syscall.EINVAL
	}
	cq := C.ibv_create_cq(context, C.int(cqe), nil, nil, 0)
	if cq == nil {
		return 0, fmt.Errorf("failed to create CQ for device %s", v.names[dev])
	}
	h := CQHandle(uintptr(unsafe.Pointer(cq)))
	v.cqs[h] = cq
	return h, nil
}

func (v *IBVerbs) DestroyCQ(cq CQHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.cqs[cq]
	if !ok {
		return syscall.EINVAL
	}
	if ret := C.ibv_destroy_cq(c); ret != 0 {
		return syscall.Errno(ret)
	}
	delete(v.cqs, cq)
	return nil
}

func accessToC(access AccessFlags) C.int {
	var flags C.int
	if access&AccessLocalWrite != 0 {
		flags |= C.IBV_ACCESS_LOCAL_WRITE
	}
	if access&AccessRemoteWrite != 0 {
		flags |= C.IBV_ACCESS_REMOTE_WRITE
	}
	if access&AccessRemoteRead != 0 {
		flags |= C.IBV_ACCESS_REMOTE_READ
	}
	return flags
}

// RegMR allocates a page-aligned buffer outside the Go heap and registers it
func (v *IBVerbs) RegMR(pd PDHandle, size int, access AccessFlags) (*MemoryRegion, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.pds[pd]
	if !ok {
		return nil, syscall.EINVAL
	}

	pageSize := C.size_t(os.Getpagesize())
	allocSize := (C.size_t(size) + pageSize - 1) / pageSize * pageSize
	buf := C.aligned_alloc(pageSize, allocSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate %d byte buffer", size)
	}
	C.memset(buf, 0, allocSize)

	mr := C.ibv_reg_mr(p, buf, C.size_t(size), accessToC(access))
	if mr == nil {
		C.free(buf)
		return nil, fmt.Errorf("failed to register %d byte memory region", size)
	}

	h := uintptr(unsafe.Pointer(mr))
	v.mrs[h] = mr
	v.bufs[h] = buf
	return &MemoryRegion{
		Handle: h,
		Addr:   uint64(uintptr(buf)),
		LKey:   uint32(mr.lkey),
		RKey:   uint32(mr.rkey),
		Buf:    unsafe.Slice((*byte)(buf), size),
	}, nil
}

func (v *IBVerbs) DeregMR(region *MemoryRegion) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if region == nil {
		return syscall.EINVAL
	}
	mr, ok := v.mrs[region.Handle]
	if !ok {
		return syscall.EINVAL
	}
	if ret := C.ibv_dereg_mr(mr); ret != 0 {
		return syscall.Errno(ret)
	}
	C.free(v.bufs[region.Handle])
	delete(v.mrs, region.Handle)
	delete(v.bufs, region.Handle)
	region.Buf = nil
	return nil
}

func (v *IBVerbs) CreateQP(pd PDHandle, cq CQHandle, caps QPCap) (QPHandle, uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.pds[pd]
	if !ok {
		return 0, 0, syscall.EINVAL
	}
	c, ok := v.cqs[cq]
	if !ok {
		return 0, 0, syscall.EINVAL
	}

	var qpInitAttr C.struct_ibv_qp_init_attr
	qpInitAttr.qp_type = C.IBV_QPT_RC
	if caps.SigAll {
		qpInitAttr.sq_sig_all = 1
	}
	qpInitAttr.send_cq = c
	qpInitAttr.recv_cq = c
	qpInitAttr.cap.max_send_wr = C.uint32_t(caps.MaxSendWR)
	qpInitAttr.cap.max_recv_wr = C.uint32_t(caps.MaxRecvWR)
	qpInitAttr.cap.max_send_sge = C.uint32_t(caps.MaxSendSGE)
	qpInitAttr.cap.max_recv_sge = C.uint32_t(caps.MaxRecvSGE)

	qp := C.ibv_create_qp(p, &qpInitAttr)
	if qp == nil {
		return 0, 0, fmt.Errorf("failed to create QP")
	}
	h := QPHandle(uintptr(unsafe.Pointer(qp)))
	v.qps[h] = qp
	return h, uint32(qp.qp_num), nil
}

func (v *IBVerbs) DestroyQP(qp QPHandle) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	q, ok := v.qps[qp]
	if !ok {
		return syscall.EINVAL
	}
	if ret := C.ibv_destroy_qp(q); ret != 0 {
		return syscall.Errno(ret)
	}
	delete(v.qps, qp)
	return nil
}

func (v *IBVerbs) lookupQP(qp QPHandle) (*C.struct_ibv_qp, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	q, ok := v.qps[qp]
	if !ok {
		return nil, syscall.EINVAL
	}
	return q, nil
}

func (v *IBVerbs) ModifyQPToInit(h QPHandle, attr InitAttr) error {
	qp, err := v.lookupQP(h)
	if err != nil {
		return err
	}
	var qpAttr C.struct_ibv_qp_attr
	qpAttr.qp_state = C.IBV_QPS_INIT
	qpAttr.pkey_index = C.uint16_t(attr.PKeyIndex)
	qpAttr.port_num = C.uint8_t(attr.PortNum)
	qpAttr.qp_access_flags = C.uint(accessToC(attr.AccessFlags))

	if ret := C.ibv_modify_qp(qp, &qpAttr,
		C.IBV_QP_STATE|C.IBV_QP_PKEY_INDEX|C.IBV_QP_PORT|C.IBV_QP_ACCESS_FLAGS); ret != 0 {
		return syscall.Errno(ret)
	}
	logQPState(qp, "INIT")
	return nil
}

func (v *IBVerbs) ModifyQPToRTR(h QPHandle, attr RTRAttr) error {
	qp, err := v.lookupQP(h)
	if err != nil {
		return err
	}
	var qpAttr C.struct_ibv_qp_attr
	qpAttr.qp_state = C.IBV_QPS_RTR
	qpAttr.path_mtu = C.enum_ibv_mtu(attr.PathMTU)
	qpAttr.dest_qp_num = C.uint32_t(attr.DestQPNum)
	qpAttr.rq_psn = C.uint32_t(attr.RQPSN)
	qpAttr.max_dest_rd_atomic = C.uint8_t(attr.MaxDestRdAtomic)
	qpAttr.min_rnr_timer = C.uint8_t(attr.MinRNRTimer)
	qpAttr.ah_attr.dlid = C.uint16_t(attr.DLID)
	qpAttr.ah_attr.sl = C.uint8_t(attr.SL)
	qpAttr.ah_attr.src_path_bits = 0
	qpAttr.ah_attr.port_num = C.uint8_t(attr.PortNum)
	if attr.IsGlobal {
		qpAttr.ah_attr.is_global = 1
		qpAttr.ah_attr.grh.hop_limit = C.uint8_t(attr.HopLimit)
		qpAttr.ah_attr.grh.traffic_class = C.uint8_t(attr.TrafficClass)
		qpAttr.ah_attr.grh.sgid_index = C.uint8_t(attr.SGIDIndex)
		dgid := attr.DGID
		C.rkv_set_dgid(&qpAttr, unsafe.Pointer(&dgid[0]))
	}

	if ret := C.ibv_modify_qp(qp, &qpAttr,
		C.IBV_QP_STATE|C.IBV_QP_AV|C.IBV_QP_PATH_MTU|C.IBV_QP_DEST_QPN|
			C.IBV_QP_RQ_PSN|C.IBV_QP_MAX_DEST_RD_ATOMIC|C.IBV_QP_MIN_RNR_TIMER); ret != 0 {
		return syscall.Errno(ret)
	}
	logQPState(qp, "RTR")
	return nil
}

func (v *IBVerbs) ModifyQPToRTS(h QPHandle, attr RTSAttr) error {
	qp, err := v.lookupQP(h)
	if err != nil {
		return err
	}
	var qpAttr C.struct_ibv_qp_attr
	qpAttr.qp_state = C.IBV_QPS_RTS
	qpAttr.timeout = C.uint8_t(attr.Timeout)
	qpAttr.retry_cnt = C.uint8_t(attr.RetryCount)
	qpAttr.rnr_retry = C.uint8_t(attr.RNRRetry)
	qpAttr.sq_psn = C.uint32_t(attr.SQPSN)
	qpAttr.max_rd_atomic = C.uint8_t(attr.MaxRdAtomic)

	if ret := C.ibv_modify_qp(qp, &qpAttr,
		C.IBV_QP_STATE|C.IBV_QP_TIMEOUT|C.IBV_QP_RETRY_CNT|C.IBV_QP_RNR_RETRY|
			C.IBV_QP_SQ_PSN|C.IBV_QP_MAX_QP_RD_ATOMIC); ret != 0 {
		return syscall.Errno(ret)
	}
	logQPState(qp, "RTS")
	return nil
}

// logQPState queries the QP after a transition and logs what the driver reports
func logQPState(qp *C.struct_ibv_qp, after string) {
	var queriedQPAttr C.struct_ibv_qp_attr
	var queriedQPInitAttr C.struct_ibv_qp_init_attr
	if C.ibv_query_qp(qp, &queriedQPAttr, C.IBV_QP_STATE, &queriedQPInitAttr) == 0 {
		log.Debug().Uint32("qpn", uint32(qp.qp_num)).Uint32("state", uint32(queriedQPAttr.qp_state)).Msgf("Queried QP state after %s", after)
	} else {
		log.Warn().Uint32("qpn", uint32(qp.qp_num)).Msgf("Failed to query QP state after %s", after)
	}
}

func opcodeToC(op Opcode) (C.int, error) {
	switch op {
	case OpRDMAWrite:
		return C.IBV_WR_RDMA_WRITE, nil
	case OpRDMAWriteWithImm:
		return C.IBV_WR_RDMA_WRITE_WITH_IMM, nil
	case OpSend:
		return C.IBV_WR_SEND, nil
	case OpSendWithImm:
		return C.IBV_WR_SEND_WITH_IMM, nil
	case OpRDMARead:
		return C.IBV_WR_RDMA_READ, nil
	}
	return 0, syscall.EINVAL
}

func (v *IBVerbs) PostSend(h QPHandle, wr SendWR) error {
	qp, err := v.lookupQP(h)
	if err != nil {
		return err
	}
	opcode, err := opcodeToC(wr.Opcode)
	if err != nil {
		return err
	}
	signaled := C.int(0)
	if wr.Signaled {
		signaled = 1
	}
	if ret := C.rkv_post_send(qp, C.uint64_t(wr.WRID), opcode,
		C.uint64_t(wr.LocalAddr), C.uint32_t(wr.Length), C.uint32_t(wr.LKey),
		C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey), C.uint32_t(wr.ImmData), signaled); ret != 0 {
		return syscall.Errno(ret)
	}
	return nil
}

func (v *IBVerbs) PostRecv(h QPHandle, wr RecvWR) error {
	qp, err := v.lookupQP(h)
	if err != nil {
		return err
	}
	if ret := C.rkv_post_recv(qp, C.uint64_t(wr.WRID), C.uint64_t(wr.LocalAddr), C.uint32_t(wr.Length), C.uint32_t(wr.LKey)); ret != 0 {
		return syscall.Errno(ret)
	}
	return nil
}

func (v *IBVerbs) PollCQ(h CQHandle) (WorkCompletion, bool, error) {
	v.mu.Lock()
	cq, ok := v.cqs[h]
	v.mu.Unlock()
	if !ok {
		return WorkCompletion{}, false, syscall.EINVAL
	}

	var wc C.struct_ibv_wc
	ret := C.ibv_poll_cq(cq, 1, &wc)
	if ret < 0 {
		return WorkCompletion{}, false, syscall.Errno(-ret)
	}
	if ret == 0 {
		return WorkCompletion{}, false, nil
	}
	out := WorkCompletion{
		WRID:      uint64(wc.wr_id),
		Status:    WCStatus(wc.status),
		Opcode:    WCOpcode(wc.opcode),
		VendorErr: uint32(wc.vendor_err),
		ByteLen:   uint32(wc.byte_len),
		QPNum:     uint32(wc.qp_num),
		SrcQP:     uint32(wc.src_qp),
	}
	if wc.wc_flags&C.IBV_WC_WITH_IMM != 0 {
		out.HasImm = true
		out.ImmData = uint32(C.rkv_wc_imm(&wc))
	}
	return out, true, nil
}

var _ Verbs = (*IBVerbs)(nil)
