package kv

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpJSON(t *testing.T) {
	tests := []struct {
		op   Op
		want string
	}{
		{op: Get("k"), want: `{"Get":{"key":"k"}}`},
		{op: Set("k", "v"), want: `{"Set":{"key":"k","value":"v"}}`},
		{op: Delete("k"), want: `{"Delete":{"key":"k"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.op.Kind.String(), func(t *testing.T) {
			data, err := json.Marshal(tt.op)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			var got Op
			require.NoError(t, json.Unmarshal([]byte(tt.want), &got))
			assert.Equal(t, tt.op, got)
		})
	}
}

func TestOpJSONInvalid(t *testing.T) {
	for _, in := range []string{
		`{}`,
		`{"Get":{"key":"a"},"Delete":{"key":"b"}}`,
		`{"Put":{"key":"a"}}`,
		`{"Get":{"key":"a","value":"b"}}`,
		`{"Set":"k"}`,
		`"Get"`,
	} {
		var op Op
		assert.Error(t, json.Unmarshal([]byte(in), &op), in)
	}

	_, err := json.Marshal(Op{})
	assert.Error(t, err)
}

func TestEncodeRequestLayout(t *testing.T) {
	buf := make([]byte, 100)
	require.NoError(t, Encode(buf, Request{Seq: 7, Op: Set("k", "v")}))

	want := `{"seq":7,"op":{"Set":{"key":"k","value":"v"}}}`
	assert.Equal(t, want, string(buf[:len(want)]))
	for _, b := range buf[len(want):] {
		require.Zero(t, b, "remainder must be zero-filled")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ops := []Op{
		Get("alpha"),
		Set("alpha", "1"),
		Set("", ""),
		Set("quoted", `say "hi"`),
		Set("unicode", "値"),
		Delete("alpha"),
	}
	for _, op := range ops {
		t.Run(op.String(), func(t *testing.T) {
			buf := make([]byte, 100)
			require.NoError(t, Encode(buf, Request{Seq: 3, Op: op}))
			req, err := DecodeRequest(buf)
			require.NoError(t, err)
			assert.Equal(t, uint32(3), req.Seq)
			assert.Equal(t, op, req.Op)

			// without the padding the result is the same
			trimmed := buf[:strings.IndexByte(string(buf), 0)]
			req2, err := DecodeRequest(trimmed)
			require.NoError(t, err)
			assert.Equal(t, req, req2)
		})
	}

	for _, value := range []string{"v", NotFound, ""} {
		buf := make([]byte, 64)
		require.NoError(t, Encode(buf, Reply{Seq: 9, Value: value}))
		rep, err := DecodeReply(buf)
		require.NoError(t, err)
		assert.Equal(t, Reply{Seq: 9, Value: value}, rep)
	}
}

func TestEncodeCapacity(t *testing.T) {
	msg := Request{Seq: 1, Op: Set("k", "v")}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	t.Run("exact fit", func(t *testing.T) {
		buf := make([]byte, len(data))
		require.NoError(t, Encode(buf, msg))
		req, err := DecodeRequest(buf)
		require.NoError(t, err)
		assert.Equal(t, msg, req)
	})

	t.Run("one byte over", func(t *testing.T) {
		buf := make([]byte, len(data)-1)
		copy(buf, "previous")
		err := Encode(buf, msg)

		var encErr *EncodingError
		require.ErrorAs(t, err, &encErr)
		assert.Equal(t, len(data), encErr.Size)
		assert.Equal(t, len(data)-1, encErr.Capacity)
		assert.Equal(t, "previous", string(buf[:8]), "buffer must not be modified")
	})
}

func TestEncodeInvalidUTF8(t *testing.T) {
	tests := []struct {
		name string
		msg  any
	}{
		{name: "key", msg: Request{Seq: 1, Op: Get("k\xff")}},
		{name: "value", msg: Request{Seq: 1, Op: Set("k", "v\xc3")}},
		{name: "reply", msg: Reply{Seq: 1, Value: "\xed\xa0\x80"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, 100)
			copy(buf, "previous")
			err := Encode(buf, tt.msg)

			var encErr *EncodingError
			require.ErrorAs(t, err, &encErr)
			assert.ErrorIs(t, err, ErrInvalidUTF8)
			assert.ErrorContains(t, err, tt.name)
			assert.Equal(t, "previous", string(buf[:8]), "buffer must not be modified")
		})
	}

	// multi-byte characters are carried unchanged
	buf := make([]byte, 100)
	require.NoError(t, Encode(buf, Request{Seq: 2, Op: Set("ключ", "値")}))
	req, err := DecodeRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, Set("ключ", "値"), req.Op)
}

func TestDecodeErrors(t *testing.T) {
	_, err := DecodeRequest(make([]byte, 16))
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = DecodeRequest(nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = DecodeRequest([]byte(`{"seq":1,"op":{"Get"`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = DecodeRequest([]byte(`{"seq":1}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = DecodeReply([]byte("\x00garbage"))
	assert.ErrorIs(t, err, ErrEmptyMessage)
}
