package repl

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rdmakv/internal/kv"
)

type storeRequester struct {
	store *kv.Store
	ops   []kv.Op
	err   error
}

func (s *storeRequester) Do(_ context.Context, op kv.Op) (string, error) {
	s.ops = append(s.ops, op)
	if s.err != nil {
		return "", s.err
	}
	return s.store.Apply(op), nil
}

func TestExec(t *testing.T) {
	req := &storeRequester{store: kv.NewStore()}
	var out bytes.Buffer
	r := New(req, nil, &out)
	ctx := context.Background()

	require.NoError(t, r.Exec(ctx, `set greeting "hello world"`))
	require.NoError(t, r.Exec(ctx, "get greeting"))
	require.NoError(t, r.Exec(ctx, "del greeting"))
	require.NoError(t, r.Exec(ctx, "get greeting"))
	require.NoError(t, r.Exec(ctx, "   "))

	assert.Equal(t, []kv.Op{
		kv.Set("greeting", "hello world"),
		kv.Get("greeting"),
		kv.Delete("greeting"),
		kv.Get("greeting"),
	}, req.ops)
	assert.Equal(t, "OK\nhello world\nOK\n"+kv.NotFound+"\n", out.String())
}

func TestExecErrors(t *testing.T) {
	req := &storeRequester{store: kv.NewStore()}
	var out bytes.Buffer
	r := New(req, nil, &out)
	ctx := context.Background()

	assert.Error(t, r.Exec(ctx, "set onlykey"))
	assert.Error(t, r.Exec(ctx, "get a b"))
	assert.Error(t, r.Exec(ctx, "frobnicate"))
	assert.ErrorContains(t, r.Exec(ctx, `set k "unterminated`), "invalid quoting")
	assert.ErrorIs(t, r.Exec(ctx, "exit"), ErrExit)
	assert.Empty(t, req.ops)

	req.err = errors.New("connection has outstanding work")
	assert.EqualError(t, r.Exec(ctx, "get k"), "connection has outstanding work")
}

func TestExecHelp(t *testing.T) {
	var out bytes.Buffer
	r := New(&storeRequester{store: kv.NewStore()}, nil, &out)

	require.NoError(t, r.Exec(context.Background(), "help"))
	for _, cmd := range []string{"get", "set", "delete", "exit"} {
		assert.Contains(t, out.String(), cmd)
	}
}

func TestRun(t *testing.T) {
	req := &storeRequester{store: kv.NewStore()}
	in := strings.NewReader("set a 1\nbogus\nget a\nexit\nget a\n")
	var out bytes.Buffer

	require.NoError(t, New(req, in, &out).Run(context.Background()))
	assert.Len(t, req.ops, 2, "lines after exit are not read")
	assert.Contains(t, out.String(), "error: unknown command \"bogus\"")
	assert.Contains(t, out.String(), "$ 1\n")
}

func TestRunEOF(t *testing.T) {
	var out bytes.Buffer
	err := New(&storeRequester{store: kv.NewStore()}, strings.NewReader("get x"), &out).Run(context.Background())
	assert.NoError(t, err)
	assert.Contains(t, out.String(), kv.NotFound)
}

func TestRunCanceled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- New(&storeRequester{store: kv.NewStore()}, pr, io.Discard).Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
