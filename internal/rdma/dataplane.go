package rdma

import (
	"context"
	"runtime"
	"syscall"

	"github.com/rs/zerolog/log"
)

// pollCheckInterval is how many empty polls pass between context checks
const pollCheckInterval = 1024

// PostSend posts one signaled work request covering the whole buffer.
// RDMA_WRITE and RDMA_READ target the remote buffer of the peer descriptor.
func (c *Context) PostSend(op Opcode) error {
	return c.postSend(op, 0)
}

// PostWriteWithImm writes the whole buffer into the peer's buffer and
// consumes one posted receive on the peer, delivering imm in its completion
func (c *Context) PostWriteWithImm(imm uint32) error {
	return c.postSend(OpRDMAWriteWithImm, imm)
}

func (c *Context) postSend(op Opcode, imm uint32) error {
	if err := c.checkDataPlane(); err != nil {
		return &PostError{Opcode: op.String(), Code: int(syscall.EINVAL), Err: err}
	}
	c.wrID++
	wr := SendWR{
		WRID:      c.wrID,
		Opcode:    op,
		LocalAddr: c.mr.Addr,
		Length:    uint32(len(c.mr.Buf)),
		LKey:      c.mr.LKey,
		ImmData:   imm,
		Signaled:  true,
	}
	if op.needsRemote() {
		wr.RemoteAddr = c.remote.Addr
		wr.RKey = c.remote.RKey
	}
	if err := c.verbs.PostSend(c.qp, wr); err != nil {
		return &PostError{Opcode: op.String(), Code: errnoCode(err), Err: err}
	}
	log.Trace().Uint32("qpn", c.qpn).Uint64("wr_id", wr.WRID).Stringer("opcode", op).Msg("Posted send work request")
	return nil
}

// PostReceive posts one receive work request covering the whole buffer.
// Only one receive may be outstanding. Unlike sends, a receive may be
// posted as soon as the queue pair is in INIT.
func (c *Context) PostReceive() error {
	if err := c.checkReceive(); err != nil {
		return &PostError{Opcode: "RECV", Code: int(syscall.EINVAL), Err: err}
	}
	c.wrID++
	wr := RecvWR{
		WRID:      c.wrID,
		LocalAddr: c.mr.Addr,
		Length:    uint32(len(c.mr.Buf)),
		LKey:      c.mr.LKey,
	}
	if err := c.verbs.PostRecv(c.qp, wr); err != nil {
		return &PostError{Opcode: "RECV", Code: errnoCode(err), Err: err}
	}
	log.Trace().Uint32("qpn", c.qpn).Uint64("wr_id", wr.WRID).Msg("Posted receive work request")
	return nil
}

func (c *Context) checkReceive() error {
	if c.closed {
		return ErrClosed
	}
	if c.state == StateReset || c.state == StateError {
		return ErrQPNotReady
	}
	return nil
}

func (c *Context) checkDataPlane() error {
	if c.closed {
		return ErrClosed
	}
	if c.state != StateRTS {
		return ErrQPNotReady
	}
	return nil
}

// PollCompletion spins on the completion queue until one completion is
// available. There is no timeout: an unresponsive peer spins forever.
func (c *Context) PollCompletion() (WorkCompletion, error) {
	return c.PollCompletionContext(context.Background())
}

// PollCompletionContext behaves like PollCompletion but gives up with
// ctx.Err() once ctx is done. Abandoning the wait does not cancel the posted
// work request; its completion is still delivered to a later poll.
func (c *Context) PollCompletionContext(ctx context.Context) (WorkCompletion, error) {
	done := ctx.Done()
	for spins := 1; ; spins++ {
		wc, ok, err := c.TryPollCompletion()
		if err != nil || ok {
			return wc, err
		}
		if done != nil && spins%pollCheckInterval == 0 {
			select {
			case <-done:
				return WorkCompletion{}, ctx.Err()
			default:
			}
		}
		runtime.Gosched()
	}
}

// TryPollCompletion polls the completion queue once. ok is false when no
// completion was available.
func (c *Context) TryPollCompletion() (WorkCompletion, bool, error) {
	if c.closed {
		return WorkCompletion{}, false, &CompletionError{PollResult: -int(syscall.EBADF)}
	}
	wc, ok, err := c.verbs.PollCQ(c.cq)
	if err != nil {
		code := errnoCode(err)
		if code > 0 {
			code = -code
		}
		return WorkCompletion{}, false, &CompletionError{PollResult: code}
	}
	if !ok {
		return WorkCompletion{}, false, nil
	}
	if wc.Status != WCSuccess {
		log.Error().
			Uint32("qpn", c.qpn).
			Uint64("wr_id", wc.WRID).
			Stringer("opcode", wc.Opcode).
			Stringer("status", wc.Status).
			Uint32("vendor_err", wc.VendorErr).
			Msg("Work completion error")
		return wc, true, &CompletionError{Status: wc.Status, VendorSyndrome: wc.VendorErr, Opcode: wc.Opcode}
	}
	log.Trace().Uint32("qpn", c.qpn).Uint64("wr_id", wc.WRID).Stringer("opcode", wc.Opcode).Uint32("bytes", wc.ByteLen).Msg("Polled work completion")
	return wc, true, nil
}
