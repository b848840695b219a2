package rdma

import (
	"fmt"
	"syscall"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultBufferSize is the capacity of the shared message buffer
	DefaultBufferSize = 100
	// DefaultIBPort is the adapter port used when none is configured
	DefaultIBPort = 1
	// DefaultTimeout is the local ACK timeout in adapter units (4.096us * 2^timeout)
	DefaultTimeout = 0x12
	// DefaultMinRNRTimer is the minimum RNR NAK timer code
	DefaultMinRNRTimer = 0x12
	// DefaultRetryCount is the transport retry count
	DefaultRetryCount = 6
)

// QPState is the state of the queue pair
type QPState int

const (
	StateReset QPState = iota
	StateInit
	StateRTR
	StateRTS
	StateError
)

func (s QPState) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateInit:
		return "INIT"
	case StateRTR:
		return "RTR"
	case StateRTS:
		return "RTS"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("QPState(%d)", int(s))
	}
}

// Config selects the adapter and the connection parameters
type Config struct {
	DeviceName string // empty selects the first device
	IBPort     uint8
	// GIDIndex >= 0 selects global (GRH) addressing with that source GID
	// index; a negative value addresses the peer by LID only.
	GIDIndex   int
	BufferSize int
	// CQSize must cover a send and a receive completion outstanding together
	CQSize      int
	PathMTU     MTU
	Timeout     uint8
	RetryCount  uint8
	RNRRetry    uint8
	MinRNRTimer uint8
}

// DefaultConfig returns the reference connection parameters
func DefaultConfig() Config {
	return Config{
		IBPort:      DefaultIBPort,
		GIDIndex:    0,
		BufferSize:  DefaultBufferSize,
		CQSize:      2,
		PathMTU:     MTU1024,
		Timeout:     DefaultTimeout,
		RetryCount:  DefaultRetryCount,
		RNRRetry:    0,
		MinRNRTimer: DefaultMinRNRTimer,
	}
}

// Context owns the adapter resources of one connection: device context,
// protection domain, completion queue, memory region and queue pair.
// It is not safe for concurrent use; callers serialize access.
type Context struct {
	verbs      Verbs
	cfg        Config
	deviceName string

	dev DeviceHandle
	pd  PDHandle
	cq  CQHandle
	mr  *MemoryRegion
	qp  QPHandle
	qpn uint32

	port PortAttr
	gid  GID

	state  QPState
	remote *ConnectionDescriptor
	wrID   uint64
	closed bool
}

// Open allocates the resources of a connection in order: device context,
// protection domain, completion queue, memory region, queue pair. The queue
// pair is left in RESET. On failure everything already allocated is released.
func Open(v Verbs, cfg Config) (*Context, error) {
	if cfg.BufferSize <= 0 {
		return nil, &ResourceAllocationError{Resource: "buffer", Err: fmt.Errorf("invalid buffer size %d", cfg.BufferSize)}
	}
	if cfg.CQSize < 1 {
		cfg.CQSize = 1
	}

	names, err := v.DeviceNames()
	if err != nil {
		return nil, &ResourceAllocationError{Resource: "device list", Err: err}
	}
	name, err := selectDevice(names, cfg.DeviceName)
	if err != nil {
		return nil, err
	}

	c := &Context{verbs: v, cfg: cfg, deviceName: name}
	if err := c.allocate(); err != nil {
		if relErr := c.release(); relErr != nil {
			log.Error().Err(relErr).Str("device", name).Msg("Failed to release resources after allocation failure")
		}
		return nil, err
	}

	log.Info().
		Str("device", name).
		Uint8("port", cfg.IBPort).
		Uint16("lid", c.port.LID).
		Str("gid", c.gid.String()).
		Uint32("qpn", c.qpn).
		Int("buffer_size", cfg.BufferSize).
		Msg("Opened RDMA context")
	return c, nil
}

func selectDevice(names []string, want string) (string, error) {
	if len(names) == 0 {
		return "", &DeviceNotFoundError{Name: want}
	}
	if want == "" {
		return names[0], nil
	}
	for _, n := range names {
		if n == want {
			return n, nil
		}
	}
	return "", &DeviceNotFoundError{Name: want}
}

func (c *Context) allocate() error {
	dev, err := c.verbs.OpenDevice(c.deviceName)
	if err != nil {
		return &ResourceAllocationError{Resource: "device context", Err: err}
	}
	c.dev = dev

	port, err := c.verbs.QueryPort(c.dev, c.cfg.IBPort)
	if err != nil {
		return &ResourceAllocationError{Resource: "port attributes", Err: err}
	}
	if !port.Active {
		log.Warn().Str("device", c.deviceName).Uint8("port", c.cfg.IBPort).Msg("Port is not active")
	}
	c.port = port

	if c.cfg.GIDIndex >= 0 {
		gid, err := c.verbs.QueryGID(c.dev, c.cfg.IBPort, c.cfg.GIDIndex)
		if err != nil {
			return &ResourceAllocationError{Resource: fmt.Sprintf("GID index %d", c.cfg.GIDIndex), Err: err}
		}
		c.gid = gid
	}

	pd, err := c.verbs.AllocPD(c.dev)
	if err != nil {
		return &ResourceAllocationError{Resource: "protection domain", Err: err}
	}
	c.pd = pd
	log.Debug().Str("device", c.deviceName).Msg("Allocated protection domain")

	cq, err := c.verbs.CreateCQ(c.dev, c.cfg.CQSize)
	if err != nil {
		return &ResourceAllocationError{Resource: "completion queue", Err: err}
	}
	c.cq = cq
	log.Debug().Str("device", c.deviceName).Int("cqe", c.cfg.CQSize).Msg("Created completion queue")

	mr, err := c.verbs.RegMR(c.pd, c.cfg.BufferSize, BufferAccess)
	if err != nil {
		return &ResourceAllocationError{Resource: "memory region", Err: err}
	}
	c.mr = mr
	log.Debug().Str("device", c.deviceName).Uint32("lkey", mr.LKey).Uint32("rkey", mr.RKey).Msg("Registered memory region")

	qp, qpn, err := c.verbs.CreateQP(c.pd, c.cq, QPCap{
		MaxSendWR:  1,
		MaxRecvWR:  1,
		MaxSendSGE: 1,
		MaxRecvSGE: 1,
		SigAll:     true,
	})
	if err != nil {
		return &ResourceAllocationError{Resource: "queue pair", Err: err}
	}
	c.qp = qp
	c.qpn = qpn
	c.state = StateReset
	log.Debug().Str("device", c.deviceName).Uint32("qpn", qpn).Msg("Created RC queue pair")
	return nil
}

// Close releases the queue pair, memory region, completion queue,
// protection domain and device context, strictly in that order. It runs at
// most once. A failed release stops the teardown and is returned as a
// *TeardownError; the adapter state cannot be trusted after it.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.release(); err != nil {
		return err
	}
	log.Debug().Str("device", c.deviceName).Uint32("qpn", c.qpn).Msg("Closed RDMA context")
	return nil
}

func (c *Context) release() error {
	if c.qp != 0 {
		if err := c.verbs.DestroyQP(c.qp); err != nil {
			return &TeardownError{Resource: "queue pair", Err: err}
		}
		c.qp = 0
	}
	if c.mr != nil {
		if err := c.verbs.DeregMR(c.mr); err != nil {
			return &TeardownError{Resource: "memory region", Err: err}
		}
		c.mr = nil
	}
	if c.cq != 0 {
		if err := c.verbs.DestroyCQ(c.cq); err != nil {
			return &TeardownError{Resource: "completion queue", Err: err}
		}
		c.cq = 0
	}
	if c.pd != 0 {
		if err := c.verbs.DeallocPD(c.pd); err != nil {
			return &TeardownError{Resource: "protection domain", Err: err}
		}
		c.pd = 0
	}
	if c.dev != 0 {
		if err := c.verbs.CloseDevice(c.dev); err != nil {
			return &TeardownError{Resource: "device context", Err: err}
		}
		c.dev = 0
	}
	return nil
}

// DeviceName returns the name of the opened adapter
func (c *Context) DeviceName() string { return c.deviceName }

// QPNum returns the local queue pair number
func (c *Context) QPNum() uint32 { return c.qpn }

// State returns the current queue pair state
func (c *Context) State() QPState { return c.state }

// Buffer returns the registered shared buffer
func (c *Context) Buffer() []byte {
	if c.mr == nil {
		return nil
	}
	return c.mr.Buf
}

// LocalDescriptor describes this side of the connection for the peer
func (c *Context) LocalDescriptor() ConnectionDescriptor {
	d := ConnectionDescriptor{
		QPNum: c.qpn,
		LID:   c.port.LID,
		GID:   c.gid,
	}
	if c.mr != nil {
		d.Addr = c.mr.Addr
		d.RKey = c.mr.RKey
	}
	return d
}

// SetRemote records the peer's descriptor
func (c *Context) SetRemote(remote ConnectionDescriptor) {
	c.remote = &remote
	log.Debug().
		Uint32("remote_qpn", remote.QPNum).
		Uint16("remote_lid", remote.LID).
		Str("remote_gid", remote.GID.String()).
		Uint64("remote_addr", remote.Addr).
		Uint32("remote_rkey", remote.RKey).
		Msg("Recorded remote connection descriptor")
}

// RemoteDescriptor returns the peer's descriptor, if known
func (c *Context) RemoteDescriptor() (ConnectionDescriptor, bool) {
	if c.remote == nil {
		return ConnectionDescriptor{}, false
	}
	return *c.remote, true
}

// Connect records the peer's descriptor and drives the queue pair through
// INIT, RTR and RTS
func (c *Context) Connect(remote ConnectionDescriptor) error {
	c.SetRemote(remote)
	if c.state == StateReset {
		if err := c.ModifyToInit(); err != nil {
			return err
		}
	}
	if err := c.ModifyToRTR(); err != nil {
		return err
	}
	if err := c.ModifyToRTS(); err != nil {
		return err
	}
	log.Info().Str("device", c.deviceName).Uint32("qpn", c.qpn).Uint32("remote_qpn", remote.QPNum).Msg("Queue pair connected")
	return nil
}

// ModifyToInit transitions the QP from RESET to INIT
func (c *Context) ModifyToInit() error {
	if err := c.checkTransition(StateReset, StateInit); err != nil {
		return err
	}
	attr := InitAttr{
		PortNum:     c.cfg.IBPort,
		PKeyIndex:   0,
		AccessFlags: BufferAccess,
	}
	if err := c.verbs.ModifyQPToInit(c.qp, attr); err != nil {
		return c.transitionFailed(StateInit, err)
	}
	c.state = StateInit
	log.Debug().Str("device", c.deviceName).Uint32("qpn", c.qpn).Msg("QP state changed to INIT")
	return nil
}

// ModifyToRTR transitions the QP from INIT to RTR. The remote descriptor
// must already be known.
func (c *Context) ModifyToRTR() error {
	if err := c.checkTransition(StateInit, StateRTR); err != nil {
		return err
	}
	if c.remote == nil {
		return &QPModifyError{From: c.state, To: StateRTR, Code: int(syscall.EINVAL), Err: ErrNoRemoteDescriptor}
	}
	attr := RTRAttr{
		PathMTU:         c.cfg.PathMTU,
		DestQPNum:       c.remote.QPNum,
		RQPSN:           0,
		MaxDestRdAtomic: 1,
		MinRNRTimer:     c.cfg.MinRNRTimer,
		PortNum:         c.cfg.IBPort,
		DLID:            c.remote.LID,
		SL:              0,
	}
	if c.cfg.GIDIndex >= 0 {
		attr.IsGlobal = true
		attr.DGID = c.remote.GID
		attr.SGIDIndex = uint8(c.cfg.GIDIndex)
		attr.HopLimit = 1
		attr.TrafficClass = 0
	}
	if err := c.verbs.ModifyQPToRTR(c.qp, attr); err != nil {
		return c.transitionFailed(StateRTR, err)
	}
	c.state = StateRTR
	log.Debug().
		Str("device", c.deviceName).
		Uint32("qpn", c.qpn).
		Uint32("dest_qpn", attr.DestQPNum).
		Bool("global", attr.IsGlobal).
		Int("mtu", attr.PathMTU.Bytes()).
		Msg("QP state changed to RTR")
	return nil
}

// ModifyToRTS transitions the QP from RTR to RTS
func (c *Context) ModifyToRTS() error {
	if err := c.checkTransition(StateRTR, StateRTS); err != nil {
		return err
	}
	attr := RTSAttr{
		Timeout:     c.cfg.Timeout,
		RetryCount:  c.cfg.RetryCount,
		RNRRetry:    c.cfg.RNRRetry,
		SQPSN:       0,
		MaxRdAtomic: 1,
	}
	if err := c.verbs.ModifyQPToRTS(c.qp, attr); err != nil {
		return c.transitionFailed(StateRTS, err)
	}
	c.state = StateRTS
	log.Debug().Str("device", c.deviceName).Uint32("qpn", c.qpn).Msg("QP state changed to RTS")
	return nil
}

func (c *Context) checkTransition(from, to QPState) error {
	if c.closed {
		return &QPModifyError{From: c.state, To: to, Code: int(syscall.EINVAL), Err: ErrClosed}
	}
	if c.state != from {
		return &QPModifyError{
			From: c.state,
			To:   to,
			Code: int(syscall.EINVAL),
			Err:  fmt.Errorf("transition to %s requires state %s", to, from),
		}
	}
	return nil
}

func (c *Context) transitionFailed(to QPState, err error) error {
	from := c.state
	c.state = StateError
	log.Error().Err(err).Str("device", c.deviceName).Uint32("qpn", c.qpn).Stringer("from", from).Stringer("to", to).Msg("QP state transition failed")
	return &QPModifyError{From: from, To: to, Code: errnoCode(err), Err: err}
}
