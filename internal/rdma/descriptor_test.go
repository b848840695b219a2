package rdma

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptor() ConnectionDescriptor {
	gid, _ := ParseGID("fe80::2:c903:33:1234")
	return ConnectionDescriptor{
		Addr:  0x00007f1234567000,
		RKey:  0xdeadbeef,
		QPNum: 0x000123,
		LID:   0x0017,
		GID:   gid,
	}
}

func TestDescriptorWireLayout(t *testing.T) {
	buf, err := testDescriptor().MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, DescriptorSize)

	// big-endian fields at fixed offsets
	assert.Equal(t, []byte{0x00, 0x00, 0x7f, 0x12, 0x34, 0x56, 0x70, 0x00}, buf[0:8])
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, buf[8:12])
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0x23}, buf[12:16])
	assert.Equal(t, []byte{0x00, 0x17}, buf[16:18])
	assert.Equal(t, byte(0xfe), buf[18])
	assert.Equal(t, byte(0x34), buf[DescriptorSize-1])
}

func TestDescriptorReadWrite(t *testing.T) {
	var wire bytes.Buffer
	want := testDescriptor()
	require.NoError(t, WriteDescriptor(&wire, want))
	assert.Equal(t, DescriptorSize, wire.Len())

	got, err := ReadDescriptor(&wire)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDescriptorShortRead(t *testing.T) {
	buf, _ := testDescriptor().MarshalBinary()
	_, err := ReadDescriptor(bytes.NewReader(buf[:DescriptorSize-1]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	var d ConnectionDescriptor
	assert.Error(t, d.UnmarshalBinary(buf[:10]))
}
