package krpc

import (
	"errors"

	"github.com/anacrolix/torrent/bencode"
)

// Msg is the envelope every KRPC datagram is bencoded into. Every message
// carries T (the transaction ID) and Y (the message type); Q/A are present
// on queries, R on responses, E on errors.
type Msg struct {
	T string      `bencode:"t"`
	Y string      `bencode:"y"`
	Q string      `bencode:"q,omitempty"`
	A *Args       `bencode:"a,omitempty"`
	R *Return     `bencode:"r,omitempty"`
	E *ErrorValue `bencode:"e,omitempty"`
}

// Message-type discriminators for Msg.Y.
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// Query method names, as used in Msg.Q.
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
	MethodGet          = "get"
	MethodPut          = "put"
)

// Args is the union of every query's argument dictionary. Unused fields are
// omitted from the wire encoding by bencode's omitempty handling.
type Args struct {
	ID          ID     `bencode:"id"`
	Target      ID     `bencode:"target,omitempty"`
	InfoHash    ID     `bencode:"info_hash,omitempty"`
	Token       string `bencode:"token,omitempty"`
	Port        uint16 `bencode:"port,omitempty"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`

	// BEP-44 get/put.
	Salt  string `bencode:"salt,omitempty"`
	Seq   *int64 `bencode:"seq,omitempty"`
	Sig   string `bencode:"sig,omitempty"`
	K     string `bencode:"k,omitempty"`
	V     string `bencode:"v,omitempty"`
}

// Return is the union of every response's result dictionary.
type Return struct {
	ID     ID     `bencode:"id"`
	Nodes  string `bencode:"nodes,omitempty"`
	Token  string `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`

	// BEP-44 get.
	Seq *int64 `bencode:"seq,omitempty"`
	V   string `bencode:"v,omitempty"`
	K   string `bencode:"k,omitempty"`
	Sig string `bencode:"sig,omitempty"`
}

// ErrorValue is the [code, description] pair carried by y='e' messages.
type ErrorValue struct {
	Code        int
	Description string
}

func (e *ErrorValue) MarshalBencode() ([]byte, error) {
	return bencode.Marshal([]interface{}{e.Code, e.Description})
}

func (e *ErrorValue) UnmarshalBencode(b []byte) error {
	var v []interface{}
	if err := bencode.Unmarshal(b, &v); err != nil {
		return err
	}
	if len(v) != 2 {
		return errors.New("krpc: malformed error value")
	}
	code, ok := v[0].(int64)
	if !ok {
		return errors.New("krpc: malformed error code")
	}
	desc, ok := v[1].(string)
	if !ok {
		return errors.New("krpc: malformed error description")
	}
	e.Code = int(code)
	e.Description = desc
	return nil
}

func (e *ErrorValue) Error() string { return e.Description }

// Standard KRPC error codes (BEP-5 §errors), used for token/signature
// rejections on announce_peer and put.
const (
	ErrorCodeGenericError    = 201
	ErrorCodeServerError     = 202
	ErrorCodeProtocolError   = 203
	ErrorCodeMethodUnknown   = 204
)

// Marshal encodes m as a bencoded KRPC datagram.
func Marshal(m *Msg) ([]byte, error) { return bencode.Marshal(m) }

// Unmarshal decodes a bencoded KRPC datagram. Trailing bytes after the
// dictionary are tolerated (some implementations pad datagrams); any other
// decode failure is returned for the caller to silently drop the message.
func Unmarshal(b []byte, m *Msg) error {
	err := bencode.Unmarshal(b, m)
	if _, ok := err.(bencode.ErrUnusedTrailingBytes); ok {
		return nil
	}
	return err
}
