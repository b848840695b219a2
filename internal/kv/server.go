package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rdmakv/internal/rdma"
)

// Server owns the store and answers requests written into its buffer.
// Arrival is signaled by the receive completion that RDMA_WRITE_WITH_IMM
// consumes, so the buffer is never compared against earlier contents.
type Server struct {
	opts options

	mu      sync.Mutex
	conn    Conn
	store   *Store
	lastSeq uint32
	// lastReply answers a repeated lastSeq without applying it twice
	lastReply string
	seen      bool
	// deferred holds request arrivals polled while waiting for a reply's
	// send completion
	deferred []rdma.WorkCompletion
	handled  uint64
	armed    bool
}

// NewServer returns a server using conn. The connection must reach RTS
// before Serve; Arm may run as early as INIT.
func NewServer(conn Conn, opts ...Option) *Server {
	return &Server{conn: conn, store: NewStore(), opts: newOptions(opts)}
}

// Serve runs the request loop until ctx is done or a post or completion
// fails. Malformed and torn messages are logged and skipped; a duplicate is
// answered with the previous reply.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Arm(); err != nil {
		return err
	}
	log.Info().Msg("Serving key-value requests")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.mu.Lock()
		handled, err := s.step(ctx)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if !handled {
			runtime.Gosched()
		}
	}
}

// Arm posts the receive the first request consumes. Call it before the
// queue pair information is handed to the client so that request never
// finds the receive queue empty. Later calls are no-ops.
func (s *Server) Arm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed {
		return nil
	}
	if err := s.conn.PostReceive(); err != nil {
		return fmt.Errorf("failed to post request receive: %w", err)
	}
	s.armed = true
	return nil
}

// step handles at most one arrival. It reports whether anything was polled.
func (s *Server) step(ctx context.Context) (bool, error) {
	var wc rdma.WorkCompletion
	if len(s.deferred) > 0 {
		wc = s.deferred[0]
		s.deferred = s.deferred[1:]
	} else {
		var ok bool
		var err error
		wc, ok, err = s.conn.TryPollCompletion()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if !wc.Opcode.IsRecv() {
		log.Debug().Stringer("opcode", wc.Opcode).Uint64("wr_id", wc.WRID).Msg("Ignoring stray send completion")
		return true, nil
	}
	return true, s.handle(ctx, wc)
}

func (s *Server) handle(ctx context.Context, wc rdma.WorkCompletion) error {
	start := time.Now()
	buf := s.conn.Buffer()
	snapshot := bytes.Clone(buf)

	// the next request may only land after the receive is re-posted, and
	// the snapshot is already taken
	if err := s.conn.PostReceive(); err != nil {
		return fmt.Errorf("failed to re-post request receive: %w", err)
	}

	req, err := DecodeRequest(snapshot)
	if err != nil {
		log.Warn().Err(err).Msg("Skipping malformed request")
		return nil
	}
	if wc.HasImm && req.Seq != wc.ImmData {
		log.Warn().Uint32("seq", req.Seq).Uint32("imm", wc.ImmData).Msg("Skipping torn request: sequence does not match immediate data")
		return nil
	}
	if s.seen && req.Seq == s.lastSeq {
		log.Warn().Uint32("seq", req.Seq).Msg("Answering duplicate request without applying it")
		return s.sendReply(ctx, buf, Reply{Seq: req.Seq, Value: s.lastReply})
	}
	s.lastSeq = req.Seq
	s.seen = true

	reply := s.store.Apply(req.Op)
	log.Debug().Uint32("seq", req.Seq).Stringer("op", req.Op).Int("keys", s.store.Len()).Msg("Applied request")

	// every operation is acknowledged, and only after the receive for the
	// next request is posted
	s.lastReply = reply
	err = s.sendReply(ctx, buf, Reply{Seq: req.Seq, Value: reply})
	s.handled++
	s.opts.record(ctx, RoleServer, req.Op.Kind, start, err)
	return err
}

// sendReply SENDs rep into the client's posted receive and waits for its
// completion
func (s *Server) sendReply(ctx context.Context, buf []byte, rep Reply) error {
	if err := Encode(buf, rep); err != nil {
		var encErr *EncodingError
		if !errors.As(err, &encErr) {
			return err
		}
		// peer buffers of different sizes; the value cannot be carried
		log.Error().Err(err).Uint32("seq", rep.Seq).Msg("Reply does not fit the buffer, sending empty value")
		if err := Encode(buf, Reply{Seq: rep.Seq}); err != nil {
			return err
		}
	}
	if err := s.conn.PostSend(rdma.OpSend); err != nil {
		return fmt.Errorf("failed to post reply: %w", err)
	}
	for {
		wc, err := s.conn.PollCompletionContext(ctx)
		if err != nil {
			return err
		}
		if wc.Opcode.IsRecv() {
			s.deferred = append(s.deferred, wc)
			continue
		}
		log.Debug().Uint32("seq", rep.Seq).Msg("Sent reply")
		return nil
	}
}

// Lookup reads key from the store
func (s *Server) Lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Get(key)
}

// Len returns the number of stored keys
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Len()
}

// Handled returns the number of applied requests
func (s *Server) Handled() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handled
}
