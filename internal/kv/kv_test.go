package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rdmakv/internal/config"
	"github.com/yuuki/rdmakv/internal/rdma"
)

// pair is a client and a server context connected over a simulated fabric
type pair struct {
	fabric *rdma.Fabric
	client *rdma.Context
	server *rdma.Context
}

// defaultRDMA is the connection configuration a node starts with
func defaultRDMA() rdma.Config {
	cfg := config.Default()
	return cfg.RDMA()
}

func newPair(t *testing.T, bufferSize int) *pair {
	t.Helper()
	cfg := defaultRDMA()
	cfg.BufferSize = bufferSize
	return newPairConfig(t, cfg)
}

func newPairConfig(t *testing.T, cfg rdma.Config) *pair {
	t.Helper()
	f := rdma.NewFabric(rdma.NewSimDevice("sim0", 1), rdma.NewSimDevice("sim1", 2))

	cfg.DeviceName = "sim0"
	server, err := rdma.Open(f, cfg)
	require.NoError(t, err)
	cfg.DeviceName = "sim1"
	client, err := rdma.Open(f, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, client.Close())
		assert.NoError(t, server.Close())
	})

	require.NoError(t, server.Connect(client.LocalDescriptor()))
	require.NoError(t, client.Connect(server.LocalDescriptor()))
	return &pair{fabric: f, client: client, server: server}
}

// serve runs srv until the test ends. The first receive is posted before
// serve returns.
func serve(t *testing.T, srv *Server) {
	t.Helper()
	require.NoError(t, srv.Arm())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeRecorder) RecordRequest(_ context.Context, role string, op OpKind, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%s %s %v", role, op, err == nil))
}

func (r *fakeRecorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClientServer(t *testing.T) {
	p := newPair(t, 100)
	srv := NewServer(p.server)
	serve(t, srv)
	c := NewClient(p.client)
	ctx := testContext(t)

	v, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, NotFound, v)

	require.NoError(t, c.Set(ctx, "lang", "go"))
	v, err = c.Get(ctx, "lang")
	require.NoError(t, err)
	assert.Equal(t, "go", v)

	require.NoError(t, c.Set(ctx, "lang", "golang"))
	v, err = c.Get(ctx, "lang")
	require.NoError(t, err)
	assert.Equal(t, "golang", v)

	require.NoError(t, c.Delete(ctx, "lang"))
	v, err = c.Get(ctx, "lang")
	require.NoError(t, err)
	assert.Equal(t, NotFound, v)

	require.NoError(t, c.Delete(ctx, "never-set"))
	assert.Zero(t, srv.Len())
}

func TestBackToBackWritesWithoutRNRRetry(t *testing.T) {
	p := newPair(t, 100)
	require.Zero(t, config.Default().RNRRetry)
	srv := NewServer(p.server)
	serve(t, srv)
	c := NewClient(p.client)
	ctx := testContext(t)

	// each request must find the server's receive re-posted
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("k%d", i%3)
		switch i % 3 {
		case 0, 1:
			require.NoError(t, c.Set(ctx, key, "v"), "request %d", i)
		default:
			require.NoError(t, c.Delete(ctx, key), "request %d", i)
		}
	}
	assert.Equal(t, uint64(200), srv.Handled())
}

func TestServerArmedBeforeClientConnects(t *testing.T) {
	f := rdma.NewFabric(rdma.NewSimDevice("sim0", 1), rdma.NewSimDevice("sim1", 2))
	cfg := defaultRDMA()
	cfg.DeviceName = "sim0"
	server, err := rdma.Open(f, cfg)
	require.NoError(t, err)
	cfg.DeviceName = "sim1"
	client, err := rdma.Open(f, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, client.Close())
		assert.NoError(t, server.Close())
	})

	srv := NewServer(server)
	require.NoError(t, server.ModifyToInit())
	require.NoError(t, srv.Arm())
	require.NoError(t, srv.Arm(), "a second Arm is a no-op")

	// the client connects and writes before the server has left INIT
	require.NoError(t, client.Connect(server.LocalDescriptor()))
	c := NewClient(client)
	ctx := testContext(t)
	done := make(chan error, 1)
	go func() { done <- c.Set(ctx, "first", "1") }()

	require.NoError(t, server.Connect(client.LocalDescriptor()))
	serve(t, srv)
	require.NoError(t, <-done)
	v, ok := srv.Lookup("first")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestClientSetVisibleAtServer(t *testing.T) {
	p := newPair(t, 100)
	srv := NewServer(p.server)
	serve(t, srv)
	c := NewClient(p.client)

	require.NoError(t, c.Set(testContext(t), "k", "v"))
	assert.Eventually(t, func() bool {
		v, ok := srv.Lookup("k")
		return ok && v == "v"
	}, 5*time.Second, time.Millisecond)
}

func TestClientEncodingError(t *testing.T) {
	p := newPair(t, 32)
	srv := NewServer(p.server)
	serve(t, srv)
	c := NewClient(p.client)
	ctx := testContext(t)

	copy(p.client.Buffer(), "untouched")
	err := c.Set(ctx, "key", "a value far too long for a 32 byte buffer")
	var encErr *EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, 32, encErr.Capacity)
	assert.Equal(t, "untouched", string(p.client.Buffer()[:9]))

	err = c.Set(ctx, "k", "\xff\xfe")
	require.ErrorAs(t, err, &encErr)
	assert.ErrorIs(t, err, ErrInvalidUTF8)

	// the connection is still usable
	require.NoError(t, c.Set(ctx, "k", "v"))
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestClientCompletionFailure(t *testing.T) {
	p := newPair(t, 100)
	srv := NewServer(p.server)
	serve(t, srv)
	c := NewClient(p.client)
	ctx := testContext(t)

	require.NoError(t, c.Set(ctx, "k", "before"))
	require.Eventually(t, func() bool { return srv.Handled() == 1 }, 5*time.Second, time.Millisecond)
	serverBuf := append([]byte(nil), p.server.Buffer()...)

	p.fabric.Inject(rdma.Fault{Kind: rdma.FaultCompletion, QPNum: p.client.QPNum(), Status: rdma.WCRemAccessErr, VendorErr: 0x32})
	err := c.Set(ctx, "k", "after")
	var compErr *rdma.CompletionError
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, rdma.WCRemAccessErr, compErr.Status)
	assert.Equal(t, uint32(0x32), compErr.VendorSyndrome)

	v, ok := srv.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, "before", v, "store must be unchanged")
	assert.Equal(t, serverBuf, p.server.Buffer(), "server buffer must be unchanged")

	// the client refuses to reuse the connection
	err = c.Set(ctx, "k", "again")
	assert.ErrorIs(t, err, ErrConnectionAbandoned)
}

func TestClientAbandonedWait(t *testing.T) {
	p := newPair(t, 100)
	// no server loop: the reply never comes
	require.NoError(t, p.server.PostReceive())
	c := NewClient(p.client)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = c.Get(testContext(t), "k")
	assert.ErrorIs(t, err, ErrConnectionAbandoned)
}

func TestClientConcurrentRequests(t *testing.T) {
	p := newPair(t, 100)
	srv := NewServer(p.server)
	serve(t, srv)
	c := NewClient(p.client)
	ctx := testContext(t)

	const workers = 8
	const perWorker = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				if err := c.Set(ctx, key, key); err != nil {
					errs <- err
					return
				}
				v, err := c.Get(ctx, key)
				if err != nil {
					errs <- err
					return
				}
				if v != key {
					errs <- fmt.Errorf("got %q for %q", v, key)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, workers*perWorker, srv.Len())
}

func TestClientRateLimitAndRecorder(t *testing.T) {
	p := newPair(t, 100)
	srvRec := &fakeRecorder{}
	srv := NewServer(p.server, WithRecorder(srvRec))
	serve(t, srv)

	rec := &fakeRecorder{}
	c := NewClient(p.client, WithRateLimit(100), WithRecorder(rec))
	ctx := testContext(t)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Set(ctx, "k", "v"))
	}
	_, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "six requests at 100/s take at least 50ms")

	calls := rec.Calls()
	require.Len(t, calls, 6)
	assert.Equal(t, "client Set true", calls[0])
	assert.Equal(t, "client Get true", calls[5])
	assert.Eventually(t, func() bool { return len(srvRec.Calls()) == 6 }, 5*time.Second, time.Millisecond)
}

// rawWrite pushes content into the server as a request with imm. When
// replied is set it also waits for the server's reply.
func rawWrite(t *testing.T, p *pair, content string, imm uint32, replied bool) {
	t.Helper()
	if replied {
		require.NoError(t, p.client.PostReceive())
	}
	buf := p.client.Buffer()
	clear(buf)
	copy(buf, content)
	require.NoError(t, p.client.PostWriteWithImm(imm))

	writeDone, replyDone := false, !replied
	for !writeDone || !replyDone {
		wc, err := p.client.PollCompletion()
		require.NoError(t, err)
		if wc.Opcode.IsRecv() {
			replyDone = true
		} else {
			writeDone = true
		}
	}
}

func TestServerSkipsBadRequests(t *testing.T) {
	// skipped requests get no reply, so the writer cannot tell when the
	// server has re-posted its receive
	cfg := defaultRDMA()
	cfg.RNRRetry = 7
	p := newPairConfig(t, cfg)
	srv := NewServer(p.server)
	serve(t, srv)

	waitHandled := func(n uint64) {
		t.Helper()
		require.Eventually(t, func() bool { return srv.Handled() == n }, 5*time.Second, time.Millisecond)
	}

	rawWrite(t, p, `{"seq":1,"op":{"Set":{"key":"a","value":"1"}}}`, 1, true)
	waitHandled(1)

	// malformed
	rawWrite(t, p, `{"seq":2,"op":`, 2, false)
	// torn: envelope sequence differs from the immediate
	rawWrite(t, p, `{"seq":3,"op":{"Set":{"key":"a","value":"torn"}}}`, 4, false)
	// duplicate of the last applied request is answered but not applied
	rawWrite(t, p, `{"seq":1,"op":{"Set":{"key":"a","value":"dup"}}}`, 1, true)
	rep, err := DecodeReply(p.client.Buffer())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rep.Seq)
	// empty
	rawWrite(t, p, ``, 5, false)

	rawWrite(t, p, `{"seq":6,"op":{"Set":{"key":"b","value":"2"}}}`, 6, true)
	waitHandled(2)

	v, _ := srv.Lookup("a")
	assert.Equal(t, "1", v)
	v, _ = srv.Lookup("b")
	assert.Equal(t, "2", v)
}

func TestServerStopsOnCompletionError(t *testing.T) {
	p := newPair(t, 100)
	srv := NewServer(p.server)

	p.fabric.Inject(rdma.Fault{Kind: rdma.FaultPoll, Errno: 5})
	err := srv.Serve(testContext(t))
	var compErr *rdma.CompletionError
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, -5, compErr.PollResult)
}

func TestServerPostReceiveFailure(t *testing.T) {
	p := newPair(t, 100)
	require.NoError(t, p.server.PostReceive())
	srv := NewServer(p.server)

	// a receive is already outstanding and the queue holds only one
	err := srv.Serve(testContext(t))
	var postErr *rdma.PostError
	require.True(t, errors.As(err, &postErr))
}
