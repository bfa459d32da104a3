// Package krpc implements the wire-level building blocks of the BitTorrent
// DHT's KRPC protocol: 160-bit node identifiers, XOR distance, the compact
// node/peer encodings, and the bencoded message envelope.
package krpc

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/big"
	"math/bits"
	"net"

	"github.com/anacrolix/torrent/bencode"
)

// IDLen is the length in bytes of a node identifier.
const IDLen = 20

// ID is an opaque 160-bit node identifier.
type ID [IDLen]byte

// RandomID returns an ID drawn from a uniform random distribution.
func RandomID() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

// RandomIDInRange returns an ID drawn uniformly from the half-open range
// [min, max). Both bounds must be IDLen bytes long. Used to pick a refresh
// target inside a routing table leaf.
func RandomIDInRange(min, max ID) ID {
	lo := new(big.Int).SetBytes(min[:])
	hi := new(big.Int).SetBytes(max[:])
	span := new(big.Int).Sub(hi, lo)
	if span.Sign() <= 0 {
		return min
	}
	r, err := randBigInt(span)
	if err != nil {
		return min
	}
	r.Add(r, lo)
	return idFromBigInt(r)
}

func randBigInt(max *big.Int) (*big.Int, error) {
	// max is exclusive; rand/Int requires a positive bound.
	if max.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	buf := make([]byte, (max.BitLen()+7)/8+1)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	v := new(big.Int).SetBytes(buf)
	return v.Mod(v, max), nil
}

func idFromBigInt(v *big.Int) ID {
	var id ID
	b := v.Bytes()
	if len(b) > IDLen {
		b = b[len(b)-IDLen:]
	}
	copy(id[IDLen-len(b):], b)
	return id
}

// String returns the lowercase hex encoding of the ID.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Bytes returns a copy of the ID's raw bytes.
func (id ID) Bytes() []byte {
	b := make([]byte, IDLen)
	copy(b, id[:])
	return b
}

// IDFromHex decodes a hex string into an ID.
func IDFromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != IDLen {
		return id, errors.New("krpc: id must be 20 bytes")
	}
	copy(id[:], b)
	return id, nil
}

// Distance returns the XOR metric between a and b as a big-endian integer;
// only its ordering is meaningful.
func Distance(a, b ID) *big.Int {
	var x [IDLen]byte
	for i := range x {
		x[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(x[:])
}

// Closer reports whether a is strictly closer to target than b.
func Closer(target, a, b ID) bool {
	return Distance(target, a).Cmp(Distance(target, b)) < 0
}

// CommonPrefixLen returns the number of leading bits shared by a and b.
func CommonPrefixLen(a, b ID) int {
	for i := 0; i < IDLen; i++ {
		x := a[i] ^ b[i]
		if x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return IDLen * 8
}

// Compare orders two IDs as big-endian unsigned integers.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// MarshalBencode encodes the ID as a 20-byte bencode string rather than the
// default array-as-list encoding reflection would otherwise produce.
func (id ID) MarshalBencode() ([]byte, error) {
	return bencode.Marshal(id[:])
}

// UnmarshalBencode decodes a 20-byte bencode string into the ID.
func (id *ID) UnmarshalBencode(b []byte) error {
	var s []byte
	if err := bencode.Unmarshal(b, &s); err != nil {
		return err
	}
	if len(s) != IDLen {
		return errors.New("krpc: id must be 20 bytes")
	}
	copy(id[:], s)
	return nil
}

// CompactIP is a fixed 4-byte IPv4 address, the wire format mandated by this
// revision of the protocol (no IPv6 support).
type CompactIP [4]byte

// NodeAddr pairs an ID with the IPv4 endpoint it can be reached at.
type NodeAddr struct {
	ID   ID
	IP   CompactIP
	Port uint16
}

// UDPAddr returns the net.UDPAddr equivalent of the compact endpoint.
func (n NodeAddr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(n.IP[0], n.IP[1], n.IP[2], n.IP[3]), Port: int(n.Port)}
}

// NodeAddrFromUDP converts a resolved UDP address into a compact IPv4
// endpoint. Returns false if addr does not carry a 4-byte IPv4 address.
func NodeAddrFromUDP(id ID, addr *net.UDPAddr) (NodeAddr, bool) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return NodeAddr{}, false
	}
	var c CompactIP
	copy(c[:], ip4)
	return NodeAddr{ID: id, IP: c, Port: uint16(addr.Port)}, true
}

// CompactNodeLen is the byte length of one compact node record: 20-byte ID,
// 4-byte IPv4 address, 2-byte big-endian port.
const CompactNodeLen = IDLen + 4 + 2

// CompactPeerLen is the byte length of one compact peer record: 4-byte IPv4
// address, 2-byte big-endian port.
const CompactPeerLen = 4 + 2

// MarshalCompactNode encodes a single NodeAddr into its 26-byte wire form.
func MarshalCompactNode(n NodeAddr) []byte {
	buf := make([]byte, CompactNodeLen)
	copy(buf[0:IDLen], n.ID[:])
	copy(buf[IDLen:IDLen+4], n.IP[:])
	binary.BigEndian.PutUint16(buf[IDLen+4:], n.Port)
	return buf
}

// MarshalCompactNodes concatenates the compact encoding of every node.
func MarshalCompactNodes(nodes []NodeAddr) []byte {
	buf := make([]byte, 0, len(nodes)*CompactNodeLen)
	for _, n := range nodes {
		buf = append(buf, MarshalCompactNode(n)...)
	}
	return buf
}

// UnmarshalCompactNodes decodes a concatenated compact node list. Per the
// wire contract, a length that is not a multiple of CompactNodeLen is a
// parse failure and the caller must drop the whole message.
func UnmarshalCompactNodes(b []byte) ([]NodeAddr, error) {
	if len(b)%CompactNodeLen != 0 {
		return nil, errors.New("krpc: compact node list has invalid length")
	}
	out := make([]NodeAddr, 0, len(b)/CompactNodeLen)
	for i := 0; i < len(b); i += CompactNodeLen {
		var n NodeAddr
		copy(n.ID[:], b[i:i+IDLen])
		copy(n.IP[:], b[i+IDLen:i+IDLen+4])
		n.Port = binary.BigEndian.Uint16(b[i+IDLen+4 : i+CompactNodeLen])
		out = append(out, n)
	}
	return out, nil
}

// CompactPeer is a 6-byte IPv4-address/port tuple advertised by get_peers.
type CompactPeer struct {
	IP   CompactIP
	Port uint16
}

// MarshalCompactPeer encodes a single peer endpoint into its 6-byte wire form.
func MarshalCompactPeer(p CompactPeer) []byte {
	buf := make([]byte, CompactPeerLen)
	copy(buf[0:4], p.IP[:])
	binary.BigEndian.PutUint16(buf[4:], p.Port)
	return buf
}

// UnmarshalCompactPeer decodes a single 6-byte compact peer string.
func UnmarshalCompactPeer(b []byte) (CompactPeer, error) {
	if len(b) != CompactPeerLen {
		return CompactPeer{}, errors.New("krpc: compact peer has invalid length")
	}
	var p CompactPeer
	copy(p.IP[:], b[0:4])
	p.Port = binary.BigEndian.Uint16(b[4:6])
	return p, nil
}

// CompactPeerFromUDP converts a resolved UDP address into a compact peer
// endpoint, honouring impliedPort by substituting the datagram's source port.
func CompactPeerFromUDP(addr *net.UDPAddr, port uint16, impliedPort bool) (CompactPeer, bool) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return CompactPeer{}, false
	}
	var c CompactIP
	copy(c[:], ip4)
	if impliedPort {
		port = uint16(addr.Port)
	}
	return CompactPeer{IP: c, Port: port}, true
}
