package krpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMsgQueryRoundTrip(t *testing.T) {
	msg := &Msg{
		T: "aa",
		Y: TypeQuery,
		Q: MethodFindNode,
		A: &Args{ID: RandomID(), Target: RandomID()},
	}
	b, err := Marshal(msg)
	require.NoError(t, err)

	var got Msg
	require.NoError(t, Unmarshal(b, &got))
	require.Equal(t, msg.T, got.T)
	require.Equal(t, msg.Y, got.Y)
	require.Equal(t, msg.Q, got.Q)
	require.Equal(t, msg.A.ID, got.A.ID)
	require.Equal(t, msg.A.Target, got.A.Target)
}

func TestErrorValueRoundTrip(t *testing.T) {
	e := &ErrorValue{Code: ErrorCodeProtocolError, Description: "bad token"}
	b, err := e.MarshalBencode()
	require.NoError(t, err)

	var got ErrorValue
	require.NoError(t, got.UnmarshalBencode(b))
	require.Equal(t, *e, got)
}

func TestUnmarshalDropsUnparseable(t *testing.T) {
	var m Msg
	err := Unmarshal([]byte("not bencode"), &m)
	require.Error(t, err)
}

func TestUnmarshalToleratesTrailingBytes(t *testing.T) {
	msg := &Msg{T: "aa", Y: TypeQuery, Q: MethodPing, A: &Args{ID: RandomID()}}
	b, err := Marshal(msg)
	require.NoError(t, err)
	b = append(b, "garbage"...)

	var got Msg
	require.NoError(t, Unmarshal(b, &got))
	require.Equal(t, msg.T, got.T)
}
