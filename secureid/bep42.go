// Package secureid derives BEP-42 "secure" node identifiers, which bind a
// node's ID to the IPv4 address it is observed from so that an attacker
// cannot cheaply mint IDs clustered around a target.
package secureid

import (
	"crypto/rand"
	"encoding/binary"
	"hash/crc32"

	"github.com/bpfs/dht/krpc"
)

// crc32cTable is the Castagnoli polynomial table used by BEP-42.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Derive computes the BEP-42 secure node ID for ip using salt r. If r is
// negative, a random byte is drawn for it.
func Derive(ip [4]byte, r int) krpc.ID {
	if r < 0 {
		var b [1]byte
		_, _ = rand.Read(b[:])
		r = int(b[0])
	}
	r8 := byte(r)

	ip32 := binary.BigEndian.Uint32(ip[:])
	ip32 = (ip32 & 0x030f3fff) | (uint32(r8) << 29)

	var ipBytes [4]byte
	binary.BigEndian.PutUint32(ipBytes[:], ip32)
	c := crc32.Checksum(ipBytes[:], crc32cTable)

	var id krpc.ID
	id[0] = byte(c >> 24)
	id[1] = byte(c >> 16)

	var rnd [17]byte
	_, _ = rand.Read(rnd[:])
	id[2] = byte(c>>8)&0xf8 | rnd[0]&0x07
	copy(id[3:19], rnd[1:17])
	id[19] = r8
	return id
}

// Verify reports whether id is a valid BEP-42 secure ID for ip, for the salt
// value encoded in id's last byte.
func Verify(id krpc.ID, ip [4]byte) bool {
	r := int(id[19])
	want := Derive(ip, r)
	return want[0] == id[0] && want[1] == id[1] && (want[2]&0xf8) == (id[2]&0xf8)
}
