// Package kv implements the key-value exchange carried in the shared RDMA
// buffer: the message codec, the server-side store, and the client and
// server request flows.
package kv

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// NotFound is the reply value for a Get on a missing key
const NotFound = "key not found"

var (
	// ErrEmptyMessage is returned when the buffer holds no message
	ErrEmptyMessage = errors.New("empty message")
	// ErrMalformedMessage is returned when the buffer does not hold a valid
	// envelope
	ErrMalformedMessage = errors.New("malformed message")
	// ErrInvalidUTF8 is returned for keys and values that JSON cannot carry
	// unchanged
	ErrInvalidUTF8 = errors.New("invalid UTF-8")
)

// EncodingError reports a message that cannot be encoded or does not fit
// the buffer. Messages are never truncated.
type EncodingError struct {
	Size     int
	Capacity int
	Err      error
}

func (e *EncodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to encode message: %v", e.Err)
	}
	return fmt.Sprintf("encoded message is %d bytes, buffer holds %d", e.Size, e.Capacity)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// OpKind is the operation variant
type OpKind int

const (
	OpGet OpKind = iota + 1
	OpSet
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpGet:
		return "Get"
	case OpSet:
		return "Set"
	case OpDelete:
		return "Delete"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Op is one key-value operation. In JSON it is externally tagged:
// {"Set":{"key":"k","value":"v"}}.
type Op struct {
	Kind  OpKind
	Key   string
	Value string // Set only
}

// Get returns a Get operation
func Get(key string) Op { return Op{Kind: OpGet, Key: key} }

// Set returns a Set operation
func Set(key, value string) Op { return Op{Kind: OpSet, Key: key, Value: value} }

// Delete returns a Delete operation
func Delete(key string) Op { return Op{Kind: OpDelete, Key: key} }

func (o Op) String() string {
	if o.Kind == OpSet {
		return fmt.Sprintf("%s(%q, %q)", o.Kind, o.Key, o.Value)
	}
	return fmt.Sprintf("%s(%q)", o.Kind, o.Key)
}

type keyBody struct {
	Key string `json:"key"`
}

type setBody struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (o Op) MarshalJSON() ([]byte, error) {
	switch o.Kind {
	case OpGet, OpDelete:
		return json.Marshal(map[string]keyBody{o.Kind.String(): {Key: o.Key}})
	case OpSet:
		return json.Marshal(map[string]setBody{o.Kind.String(): {Key: o.Key, Value: o.Value}})
	default:
		return nil, fmt.Errorf("unknown operation %s", o.Kind)
	}
}

func (o *Op) UnmarshalJSON(data []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	if len(tagged) != 1 {
		return fmt.Errorf("operation must have exactly one variant, got %d", len(tagged))
	}
	for tag, body := range tagged {
		switch tag {
		case "Get", "Delete":
			var b keyBody
			if err := strictUnmarshal(body, &b); err != nil {
				return fmt.Errorf("%s: %w", tag, err)
			}
			*o = Op{Kind: OpGet, Key: b.Key}
			if tag == "Delete" {
				o.Kind = OpDelete
			}
		case "Set":
			var b setBody
			if err := strictUnmarshal(body, &b); err != nil {
				return fmt.Errorf("%s: %w", tag, err)
			}
			*o = Op{Kind: OpSet, Key: b.Key, Value: b.Value}
		default:
			return fmt.Errorf("unknown operation %q", tag)
		}
	}
	return nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Request is the envelope the client writes into the server's buffer. Seq
// is also carried as the immediate value of the write.
type Request struct {
	Seq uint32 `json:"seq"`
	Op  Op     `json:"op"`
}

// Reply is the envelope the server sends back for every request. Only Get
// carries a value.
type Reply struct {
	Seq   uint32 `json:"seq"`
	Value string `json:"reply"`
}

func (r Request) validate() error { return r.Op.validate() }

func (r Reply) validate() error { return checkUTF8("reply", r.Value) }

func (o Op) validate() error {
	if err := checkUTF8("key", o.Key); err != nil {
		return err
	}
	return checkUTF8("value", o.Value)
}

func checkUTF8(field, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w in %s", ErrInvalidUTF8, field)
	}
	return nil
}

// Encode writes v as JSON into buf and zero-fills the remainder. Strings
// must be valid UTF-8; json.Marshal would otherwise replace the bad bytes.
func Encode(buf []byte, v any) error {
	if val, ok := v.(interface{ validate() error }); ok {
		if err := val.validate(); err != nil {
			return &EncodingError{Capacity: len(buf), Err: err}
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return &EncodingError{Capacity: len(buf), Err: err}
	}
	if len(data) > len(buf) {
		return &EncodingError{Size: len(data), Capacity: len(buf)}
	}
	n := copy(buf, data)
	clear(buf[n:])
	return nil
}

// Decode parses the message in buf, which ends at the first zero byte
func Decode(buf []byte, v any) error {
	msg := buf
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		msg = buf[:i]
	}
	if len(msg) == 0 {
		return ErrEmptyMessage
	}
	if err := json.Unmarshal(msg, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return nil
}

// DecodeRequest parses a request envelope
func DecodeRequest(buf []byte) (Request, error) {
	var req Request
	if err := Decode(buf, &req); err != nil {
		return Request{}, err
	}
	if req.Op.Kind == 0 {
		return Request{}, fmt.Errorf("%w: missing operation", ErrMalformedMessage)
	}
	return req, nil
}

// DecodeReply parses a reply envelope
func DecodeReply(buf []byte) (Reply, error) {
	var rep Reply
	err := Decode(buf, &rep)
	return rep, err
}
