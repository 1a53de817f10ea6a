package statusudp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PayRpc/spvnode/internal/codec"
)

func TestPingPongOverLoopback(t *testing.T) {
	var tip [32]byte
	tip[31] = 1
	srv := New(nil, 100, tip)
	srv.SetAvailable()
	require.NoError(t, srv.Start("127.0.0.1", 0))
	defer srv.Stop()

	port := srv.conn.LocalAddr().(*net.UDPAddr).Port

	client, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(codec.EncodePing(1))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 128)
	n, err := client.Read(buf)
	require.NoError(t, err)

	pong, err := codec.DecodePong(buf[:n])
	require.NoError(t, err)
	require.Equal(t, int32(100), pong.Height)
	require.True(t, pong.Available())
}

func TestThrottleDropsResponsesOverRate(t *testing.T) {
	var tip [32]byte
	srv := New(nil, 1, tip)
	require.NoError(t, srv.Start("127.0.0.1", 0))
	defer srv.Stop()

	port := srv.conn.LocalAddr().(*net.UDPAddr).Port
	client, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(500*time.Millisecond)))

	replies := 0
	buf := make([]byte, 128)
	for i := 0; i < 11; i++ {
		_, err := client.Write(codec.EncodePing(1))
		require.NoError(t, err)
	}
	for {
		client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		_, err := client.Read(buf)
		if err != nil {
			break
		}
		replies++
	}
	require.LessOrEqual(t, replies, 9, "at most throttle_rate-1 replies should arrive for 11 requests in one bucket")
}
