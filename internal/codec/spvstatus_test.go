package codec

import (
	"testing"

	"github.com/PayRpc/spvnode/internal/rpcerr"
	"github.com/stretchr/testify/require"
)

func TestPingPongRoundTrip(t *testing.T) {
	var tip [32]byte
	tip[31] = 0x01
	height := int32(100)
	flags := availableFlag

	cached := MakeCachedPong(height, tip, flags)
	require.Len(t, cached, cachedPongSize)

	ip := [4]byte{192, 168, 1, 7}
	wire := AppendSourceIP(cached, ip)
	require.Len(t, wire, PongSize)

	got, err := DecodePong(wire)
	require.NoError(t, err)
	require.Equal(t, height, got.Height)
	require.Equal(t, tip, got.Tip)
	require.Equal(t, ip, got.SourceIP)
	require.True(t, got.Available())
	require.Equal(t, "192.168.1.7", got.IPString())
}

func TestDecodePingMagicRejection(t *testing.T) {
	buf := EncodePing(1)
	buf[0] ^= 0xFF // corrupt the magic
	_, err := DecodePing(buf)
	require.ErrorIs(t, err, rpcerr.ErrBadMagic)
}

func TestDecodePingShortBuffer(t *testing.T) {
	_, err := DecodePing(make([]byte, 10))
	require.ErrorIs(t, err, rpcerr.ErrBadLength)
}

func TestDecodePingIgnoresTrailingBytes(t *testing.T) {
	buf := EncodePing(1)
	buf = append(buf, 0xDE, 0xAD, 0xBE, 0xEF)
	got, err := DecodePing(buf)
	require.NoError(t, err)
	require.Equal(t, byte(1), got.ProtocolVersion)
}

func TestUnavailablePong(t *testing.T) {
	var tip [32]byte
	cached := MakeCachedPong(42, tip, 0)
	wire := AppendSourceIP(cached, [4]byte{10, 0, 0, 1})
	got, err := DecodePong(wire)
	require.NoError(t, err)
	require.False(t, got.Available())
}
