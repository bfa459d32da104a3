package secureid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveVectors(t *testing.T) {
	cases := []struct {
		ip              [4]byte
		r               int
		byte0, byte1    byte
		byte2HighNibble byte
	}{
		{[4]byte{124, 31, 75, 21}, 1, 0x5f, 0xbf, 0xb0},
		{[4]byte{21, 75, 31, 124}, 86, 0x5a, 0x3c, 0xe0},
		{[4]byte{65, 23, 51, 170}, 22, 0xa5, 0xd4, 0x30},
		{[4]byte{84, 124, 73, 14}, 65, 0x1b, 0x03, 0x20},
		{[4]byte{43, 213, 53, 83}, 90, 0xe5, 0x6f, 0x60},
	}
	for _, c := range cases {
		id := Derive(c.ip, c.r)
		require.Equalf(t, c.byte0, id[0], "ip=%v r=%d byte0", c.ip, c.r)
		require.Equalf(t, c.byte1, id[1], "ip=%v r=%d byte1", c.ip, c.r)
		require.Equalf(t, c.byte2HighNibble, id[2]&0xf0, "ip=%v r=%d byte2 high nibble", c.ip, c.r)
		require.Equal(t, byte(c.r), id[19])
	}
}

func TestVerifyAcceptsOwnDerivation(t *testing.T) {
	ip := [4]byte{124, 31, 75, 21}
	id := Derive(ip, 1)
	require.True(t, Verify(id, ip))
}

func TestVerifyRejectsWrongIP(t *testing.T) {
	id := Derive([4]byte{124, 31, 75, 21}, 1)
	require.False(t, Verify(id, [4]byte{8, 8, 8, 8}))
}

func TestDeriveRandomSaltWhenNegative(t *testing.T) {
	id := Derive([4]byte{1, 2, 3, 4}, -1)
	require.True(t, Verify(id, [4]byte{1, 2, 3, 4}))
}
