package rdma

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DescriptorSize is the fixed wire size of a ConnectionDescriptor:
// addr(8) + rkey(4) + qp_num(4) + lid(2) + gid(16).
const DescriptorSize = 8 + 4 + 4 + 2 + GIDSize

// ConnectionDescriptor carries everything a peer needs to address our QP and
// buffer. It is exchanged exactly once, before any RDMA operation.
type ConnectionDescriptor struct {
	Addr  uint64 // local buffer address
	RKey  uint32 // remote access key of the buffer's memory region
	QPNum uint32
	LID   uint16
	GID   GID
}

// MarshalBinary encodes the descriptor in big-endian byte order
func (d ConnectionDescriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DescriptorSize)
	binary.BigEndian.PutUint64(buf[0:8], d.Addr)
	binary.BigEndian.PutUint32(buf[8:12], d.RKey)
	binary.BigEndian.PutUint32(buf[12:16], d.QPNum)
	binary.BigEndian.PutUint16(buf[16:18], d.LID)
	copy(buf[18:], d.GID[:])
	return buf, nil
}

// UnmarshalBinary decodes a big-endian descriptor
func (d *ConnectionDescriptor) UnmarshalBinary(data []byte) error {
	if len(data) != DescriptorSize {
		return fmt.Errorf("connection descriptor must be %d bytes, got %d", DescriptorSize, len(data))
	}
	d.Addr = binary.BigEndian.Uint64(data[0:8])
	d.RKey = binary.BigEndian.Uint32(data[8:12])
	d.QPNum = binary.BigEndian.Uint32(data[12:16])
	d.LID = binary.BigEndian.Uint16(data[16:18])
	copy(d.GID[:], data[18:])
	return nil
}

// WriteDescriptor writes exactly DescriptorSize bytes to w
func WriteDescriptor(w io.Writer, d ConnectionDescriptor) error {
	buf, _ := d.MarshalBinary()
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadDescriptor reads exactly DescriptorSize bytes from r
func ReadDescriptor(r io.Reader) (ConnectionDescriptor, error) {
	var d ConnectionDescriptor
	buf := make([]byte, DescriptorSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return d, err
	}
	err := d.UnmarshalBinary(buf)
	return d, err
}
