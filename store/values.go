package store

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha1"
	"errors"
	"sync"
	"time"

	"github.com/anacrolix/torrent/bencode"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bpfs/dht/krpc"
)

// valueCacheCapacity and valueCacheTTL bound the value store: LRU eviction
// at capacity, or age-based expiry, whichever comes first.
const (
	valueCacheCapacity = 500
	valueCacheTTL      = 2 * time.Hour
)

// MaxValueLen is the maximum length in bytes of a stored value, for both
// immutable and mutable records.
const MaxValueLen = 1000

// MaxSaltLen is the maximum length in bytes of a mutable record's salt.
const MaxSaltLen = 64

// PublicKeyLen is the required length of a mutable record's public key.
const PublicKeyLen = ed25519.PublicKeySize

var (
	// ErrOversizeValue is returned when |v| exceeds MaxValueLen.
	ErrOversizeValue = errors.New("store: value exceeds maximum length")
	// ErrOversizeSalt is returned when |salt| exceeds MaxSaltLen.
	ErrOversizeSalt = errors.New("store: salt exceeds maximum length")
	// ErrBadKeyLen is returned when |k| != PublicKeyLen.
	ErrBadKeyLen = errors.New("store: public key must be 32 bytes")
	// ErrBadSignature is returned when a mutable record's signature fails
	// to verify.
	ErrBadSignature = errors.New("store: signature verification failed")
	// ErrStaleSeq is returned when a mutable put's seq is lower than the
	// sequence number already stored for the same target.
	ErrStaleSeq = errors.New("store: sequence number is not newer than the stored record")
)

// Record is a single BEP-44 value record, either immutable (K empty) or
// mutable (K holds the 32-byte ed25519 public key).
type Record struct {
	V    string // bencoded value payload
	K    []byte // ed25519 public key, mutable records only
	Salt []byte // optional salt, mutable records only
	Seq  int64  // sequence number, mutable records only
	Sig  []byte // ed25519 signature, mutable records only
}

// Mutable reports whether the record carries a public key.
func (r Record) Mutable() bool { return len(r.K) > 0 }

// ImmutableTarget computes SHA-1(bencode(v)) for an immutable record whose
// payload is the bencode string v.
func ImmutableTarget(v string) krpc.ID {
	return sha1Sum(bencodeString(v))
}

// MutableTarget computes SHA-1(k || salt) for a mutable record.
func MutableTarget(k, salt []byte) krpc.ID {
	h := sha1.New()
	h.Write(k)
	h.Write(salt)
	var id krpc.ID
	copy(id[:], h.Sum(nil))
	return id
}

func sha1Sum(b []byte) krpc.ID {
	sum := sha1.Sum(b)
	return krpc.ID(sum)
}

// bencodeString returns the bencode string encoding of s (used to frame v
// as the string BEP-44 defines it to be bencoded around for the immutable
// target hash).
func bencodeString(s string) []byte {
	b, _ := bencode.Marshal(s)
	return b
}

// SignatureData returns the byte sequence a mutable record's signature
// covers: the ordered key sequence salt (if present), seq, v re-serialized directly,
// rather than bencoding the full dictionary and stripping its outer 'd'/'e'
// delimiters (the latter is fragile across bencode codec implementations —
// see DESIGN.md).
func SignatureData(seq int64, v string, salt []byte) []byte {
	var buf bytes.Buffer
	if len(salt) > 0 {
		buf.WriteString("4:salt")
		encodeBencodeBytes(&buf, salt)
	}
	buf.WriteString("3:seqi")
	writeInt(&buf, seq)
	buf.WriteByte('e')
	buf.WriteString("1:v")
	encodeBencodeBytes(&buf, []byte(v))
	return buf.Bytes()
}

func encodeBencodeBytes(buf *bytes.Buffer, b []byte) {
	writeInt(buf, int64(len(b)))
	buf.WriteByte(':')
	buf.Write(b)
}

func writeInt(buf *bytes.Buffer, n int64) {
	s, _ := bencode.Marshal(n)
	// bencode integers are "i<n>e"; strip the framing since callers here
	// want the bare digits.
	if len(s) >= 2 && s[0] == 'i' && s[len(s)-1] == 'e' {
		buf.Write(s[1 : len(s)-1])
		return
	}
	buf.Write(s)
}

// Verify checks a mutable record's signature and target binding. For
// immutable records it checks the target hash only.
func Verify(target krpc.ID, r Record) error {
	if len(r.V) > MaxValueLen {
		return ErrOversizeValue
	}
	if !r.Mutable() {
		if ImmutableTarget(r.V) != target {
			return errors.New("store: target does not match sha1(bencode(v))")
		}
		return nil
	}
	if len(r.K) != PublicKeyLen {
		return ErrBadKeyLen
	}
	if len(r.Salt) > MaxSaltLen {
		return ErrOversizeSalt
	}
	if MutableTarget(r.K, r.Salt) != target {
		return errors.New("store: target does not match sha1(k||salt)")
	}
	sigData := SignatureData(r.Seq, r.V, r.Salt)
	if !ed25519.Verify(ed25519.PublicKey(r.K), sigData, r.Sig) {
		return ErrBadSignature
	}
	return nil
}

// Sign fills in Sig for a mutable record using sk, the ed25519 private key
// matching r.K.
func Sign(r *Record, sk ed25519.PrivateKey) {
	r.Sig = ed25519.Sign(sk, SignatureData(r.Seq, r.V, r.Salt))
}

// ValueStore is the capacity-500, 2-hour-TTL value-record cache that backs
// both the local get/put fast path and the records this node has accepted
// from remote put calls.
type ValueStore struct {
	mu    sync.Mutex
	cache *lru.LRU[krpc.ID, Record]
}

// NewValueStore returns an empty ValueStore.
func NewValueStore() *ValueStore {
	return &ValueStore{cache: lru.NewLRU[krpc.ID, Record](valueCacheCapacity, nil, valueCacheTTL)}
}

// Get returns the record stored under target, if any.
func (vs *ValueStore) Get(target krpc.ID) (Record, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.cache.Get(target)
}

// Put stores or replaces the record under target. For mutable records, a
// prior record with a strictly higher seq rejects the write (ErrStaleSeq);
// this resolves the base specification's open CAS question by rejecting
// out-of-order sequence numbers at the receiver rather than accepting the
// most recent write by arrival order.
func (vs *ValueStore) Put(target krpc.ID, r Record) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if r.Mutable() {
		if existing, ok := vs.cache.Get(target); ok && existing.Mutable() && existing.Seq > r.Seq {
			return ErrStaleSeq
		}
	}
	vs.cache.Add(target, r)
	return nil
}
