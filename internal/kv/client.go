package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrSequenceMismatch is returned when a reply does not answer the
	// request that was sent
	ErrSequenceMismatch = errors.New("reply sequence does not match request")
	// ErrConnectionAbandoned is returned after a request failed or was
	// abandoned while waiting for completions; the connection must be
	// re-established
	ErrConnectionAbandoned = errors.New("connection has outstanding work from an abandoned request")
)

// Client issues requests over a connected context. One request is in
// flight at a time; concurrent callers are serialized.
type Client struct {
	opts options

	mu        sync.Mutex
	conn      Conn
	seq       uint32
	abandoned error
}

// NewClient returns a client using conn, which must already be in RTS
func NewClient(conn Conn, opts ...Option) *Client {
	return &Client{conn: conn, opts: newOptions(opts)}
}

// Get returns the value stored under key. A missing key yields NotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.Do(ctx, Get(key))
}

// Set stores value under key
func (c *Client) Set(ctx context.Context, key, value string) error {
	_, err := c.Do(ctx, Set(key, value))
	return err
}

// Delete removes key
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.Do(ctx, Delete(key))
	return err
}

// Do runs one operation and returns the reply value for Get. The lock is
// held from encoding until the last completion has been polled.
func (c *Client) Do(ctx context.Context, op Op) (string, error) {
	if c.opts.limiter != nil {
		c.opts.limiter.Take()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	reply, err := c.do(ctx, op)
	c.opts.record(ctx, RoleClient, op.Kind, start, err)
	return reply, err
}

func (c *Client) do(ctx context.Context, op Op) (string, error) {
	if c.abandoned != nil {
		return "", c.abandoned
	}

	seq := c.seq + 1
	if seq == 0 {
		seq = 1
	}
	buf := c.conn.Buffer()
	if err := Encode(buf, Request{Seq: seq, Op: op}); err != nil {
		return "", err
	}
	c.seq = seq

	// the reply arrives as a SEND from the server. The server posts its next
	// request receive before replying, so waiting for the reply keeps the
	// next write from finding its receive queue empty.
	if err := c.conn.PostReceive(); err != nil {
		return "", fmt.Errorf("failed to post reply receive: %w", err)
	}
	if err := c.conn.PostWriteWithImm(seq); err != nil {
		c.abandon(seq, err)
		return "", fmt.Errorf("failed to post request: %w", err)
	}
	log.Debug().Uint32("seq", seq).Stringer("op", op).Msg("Posted request")

	writeDone, replyDone := false, false
	for !writeDone || !replyDone {
		wc, err := c.conn.PollCompletionContext(ctx)
		if err != nil {
			c.abandon(seq, err)
			return "", err
		}
		if wc.Opcode.IsRecv() {
			replyDone = true
		} else {
			writeDone = true
		}
	}

	rep, err := DecodeReply(buf)
	if err != nil {
		return "", fmt.Errorf("failed to decode reply: %w", err)
	}
	if rep.Seq != seq {
		return "", fmt.Errorf("%w: sent %d, got %d", ErrSequenceMismatch, seq, rep.Seq)
	}
	log.Debug().Uint32("seq", seq).Str("key", op.Key).Msg("Received reply")
	if op.Kind != OpGet {
		return "", nil
	}
	return rep.Value, nil
}

// abandon marks the connection unusable after a failed or abandoned wait.
// Completions of that request would otherwise be attributed to the next one.
func (c *Client) abandon(seq uint32, err error) {
	c.abandoned = fmt.Errorf("%w (request %d: %v)", ErrConnectionAbandoned, seq, err)
	log.Warn().Err(err).Uint32("seq", seq).Msg("Abandoned request with outstanding work requests")
}
