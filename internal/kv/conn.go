package kv

import (
	"context"
	"time"

	"go.uber.org/ratelimit"

	"github.com/yuuki/rdmakv/internal/rdma"
)

// Conn is the connected RDMA context both sides drive. *rdma.Context
// implements it.
type Conn interface {
	Buffer() []byte
	PostSend(op rdma.Opcode) error
	PostWriteWithImm(imm uint32) error
	PostReceive() error
	PollCompletionContext(ctx context.Context) (rdma.WorkCompletion, error)
	TryPollCompletion() (rdma.WorkCompletion, bool, error)
}

var _ Conn = (*rdma.Context)(nil)

// Recorder receives one call per finished request
type Recorder interface {
	RecordRequest(ctx context.Context, role string, op OpKind, latency time.Duration, err error)
}

// Roles passed to Recorder
const (
	RoleClient = "client"
	RoleServer = "server"
)

type options struct {
	limiter  ratelimit.Limiter
	recorder Recorder
}

// Option configures a Client or Server
type Option func(*options)

// WithRateLimit paces client requests to at most opsPerSecond. Zero or a
// negative value leaves requests unpaced. Servers ignore it.
func WithRateLimit(opsPerSecond int) Option {
	return func(o *options) {
		if opsPerSecond > 0 {
			o.limiter = ratelimit.New(opsPerSecond)
		}
	}
}

// WithRecorder reports request latency and outcome to r
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) record(ctx context.Context, role string, op OpKind, start time.Time, err error) {
	if o.recorder != nil {
		o.recorder.RecordRequest(ctx, role, op, time.Since(start), err)
	}
}
