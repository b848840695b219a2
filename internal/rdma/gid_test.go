package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGIDAccessors(t *testing.T) {
	gid, err := ParseGID("fe80::2:c903:33:1234")
	require.NoError(t, err)

	assert.Equal(t, uint64(0xfe80000000000000), gid.SubnetPrefix())
	assert.Equal(t, uint64(0x0002c90300331234), gid.InterfaceID())
	assert.False(t, gid.IsZero())
	assert.True(t, GID{}.IsZero())
}

func TestGIDString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "link local", in: "fe80::1", want: "fe80::1"},
		{name: "ipv4 mapped keeps prefix", in: "::ffff:192.168.1.10", want: "::ffff:192.168.1.10"},
		{name: "global", in: "2001:db8::10", want: "2001:db8::10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gid, err := ParseGID(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, gid.String())
		})
	}
}

func TestParseGIDInvalid(t *testing.T) {
	_, err := ParseGID("not-a-gid")
	assert.Error(t, err)
}

func TestGIDFromInterfaceID(t *testing.T) {
	gid := GIDFromInterfaceID(0x42)
	assert.Equal(t, uint64(0xfe80000000000000), gid.SubnetPrefix())
	assert.Equal(t, uint64(0x42), gid.InterfaceID())
	assert.Equal(t, "fe80::42", gid.String())
}
