// Package bootstrap exchanges connection descriptors with the peer over a
// plain TCP connection before any RDMA traffic flows.
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/rdmakv/internal/rdma"
)

// DefaultPort is the TCP port the server listens on for the exchange
const DefaultPort = 18515

// Config controls one descriptor exchange
type Config struct {
	// Peer is the server address. Empty selects the server role.
	Peer string
	Port int
	// Timeout bounds the exchange once connected. Zero means no deadline.
	Timeout time.Duration
	Retry   RetryConfig
}

// RetryConfig controls retries of the client dial. MaxAttempts <= 1
// fails on the first error.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// IOError reports a failed bind, accept, dial, read or write during the
// exchange
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("bootstrap %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (c Config) port() int {
	if c.Port == 0 {
		return DefaultPort
	}
	return c.Port
}

// Exchange trades local for the peer's descriptor. The server accepts
// exactly one connection; both sides write their descriptor first and then
// read the peer's.
func Exchange(ctx context.Context, cfg Config, local rdma.ConnectionDescriptor) (rdma.ConnectionDescriptor, error) {
	if cfg.Peer == "" {
		l, err := Listen(ctx, cfg)
		if err != nil {
			return rdma.ConnectionDescriptor{}, err
		}
		defer l.Close()
		return l.Accept(ctx, local)
	}
	return dialExchange(ctx, cfg, local)
}

// Listener is the server side of the exchange
type Listener struct {
	cfg Config
	ln  net.Listener
}

// Listen binds the exchange port on all interfaces
func Listen(ctx context.Context, cfg Config) (*Listener, error) {
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.port()))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &IOError{Op: "bind", Err: err}
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("Waiting for peer connection descriptor")
	return &Listener{cfg: cfg, ln: ln}, nil
}

// Addr returns the bound address
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops listening
func (l *Listener) Close() error { return l.ln.Close() }

// Accept waits for one client and runs the exchange on it
func (l *Listener) Accept(ctx context.Context, local rdma.ConnectionDescriptor) (rdma.ConnectionDescriptor, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	conn, err := l.ln.Accept()
	stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return rdma.ConnectionDescriptor{}, &IOError{Op: "accept", Err: err}
	}
	defer conn.Close()
	log.Debug().Str("peer", conn.RemoteAddr().String()).Msg("Accepted bootstrap connection")
	return exchange(ctx, conn, l.cfg.Timeout, local)
}

func dialExchange(ctx context.Context, cfg Config, local rdma.ConnectionDescriptor) (rdma.ConnectionDescriptor, error) {
	addr := net.JoinHostPort(cfg.Peer, strconv.Itoa(cfg.port()))
	var d net.Dialer

	var conn net.Conn
	dial := func() error {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	var err error
	if cfg.Retry.MaxAttempts > 1 {
		err = backoff.RetryNotify(dial, newBackOff(ctx, cfg.Retry), func(err error, wait time.Duration) {
			log.Warn().Err(err).Str("peer", addr).Dur("retry_in", wait).Msg("Failed to connect to peer, retrying")
		})
	} else {
		err = dial()
	}
	if err != nil {
		return rdma.ConnectionDescriptor{}, &IOError{Op: "dial", Err: err}
	}
	defer conn.Close()
	log.Debug().Str("peer", addr).Msg("Connected to bootstrap server")
	return exchange(ctx, conn, cfg.Timeout, local)
}

func newBackOff(ctx context.Context, rc RetryConfig) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if rc.InitialInterval > 0 {
		eb.InitialInterval = rc.InitialInterval
	}
	if rc.MaxInterval > 0 {
		eb.MaxInterval = rc.MaxInterval
	}
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(rc.MaxAttempts-1)), ctx)
}

// exchange writes local, then reads the peer's descriptor
func exchange(ctx context.Context, conn net.Conn, timeout time.Duration, local rdma.ConnectionDescriptor) (rdma.ConnectionDescriptor, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return rdma.ConnectionDescriptor{}, &IOError{Op: "set deadline", Err: err}
		}
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := rdma.WriteDescriptor(conn, local); err != nil {
		return rdma.ConnectionDescriptor{}, &IOError{Op: "write", Err: ctxOr(ctx, err)}
	}
	remote, err := rdma.ReadDescriptor(conn)
	if err != nil {
		return rdma.ConnectionDescriptor{}, &IOError{Op: "read", Err: ctxOr(ctx, err)}
	}
	log.Debug().
		Uint32("remote_qpn", remote.QPNum).
		Uint16("remote_lid", remote.LID).
		Str("remote_gid", remote.GID.String()).
		Msg("Received peer connection descriptor")
	return remote, nil
}

// ctxOr reports the context error in place of the deadline error it caused
func ctxOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
