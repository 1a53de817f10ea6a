package pool

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PayRpc/spvnode/internal/session"
)

// wireMessage mirrors the unexported frame shape in package session;
// duplicated here so the test can speak the wire protocol without
// reaching into session's internals.
type wireMessage struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func writeFrame(w *bufio.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) (wireMessage, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return wireMessage{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := readFull(r, payload); err != nil {
		return wireMessage{}, err
	}
	var msg wireMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return wireMessage{}, err
	}
	return msg, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// fakeServer answers every server.version call with a fixed version
// and responds to anything else with a null result; used to drive a
// pool session through a real TCP handshake.
type fakeServer struct {
	ln      net.Listener
	version string
}

func newFakeServer(t *testing.T, version string) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeServer{ln: ln, version: version}
	go fs.run()
	return fs
}

func (fs *fakeServer) run() {
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		go fs.serve(conn)
	}
}

func (fs *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		msg, err := readFrame(r)
		if err != nil {
			return
		}
		var result json.RawMessage
		if msg.Method == "server.version" {
			result, _ = json.Marshal([]string{fs.version, "1.0"})
		} else {
			result = json.RawMessage(`null`)
		}
		if err := writeFrame(w, wireMessage{ID: msg.ID, Result: result}); err != nil {
			return
		}
	}
}

func (fs *fakeServer) addr() session.ServerAddr {
	tcpAddr := fs.ln.Addr().(*net.TCPAddr)
	return session.ServerAddr{Host: "127.0.0.1", Port: tcpAddr.Port}
}

func (fs *fakeServer) close() { fs.ln.Close() }

func TestWaitForFastestSessionReturnsOnceConnected(t *testing.T) {
	fs := newFakeServer(t, "0.65.0")
	defer fs.close()

	p := New(session.NewConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, []session.ServerAddr{fs.addr()})
	defer p.Stop()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	sess, err := p.WaitForFastestSession(waitCtx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.True(t, sess.Available())
}

func TestFastestSessionNilWhenNoneAvailable(t *testing.T) {
	p := New(session.NewConfig(), nil, nil)
	require.Nil(t, p.FastestSession())
}

func TestDuplicateEndpointCollapses(t *testing.T) {
	fs := newFakeServer(t, "0.65.0")
	defer fs.close()

	// Two distinct ServerAddr values ("127.0.0.1"/"localhost" host
	// aliases) that both resolve to the same loopback peer once connected.
	addr := fs.addr()
	alias := session.ServerAddr{Host: "localhost", Port: addr.Port}

	p := New(session.NewConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, []session.ServerAddr{addr, alias})
	defer p.Stop()

	require.Eventually(t, func() bool {
		return len(p.Sessions()) == 1
	}, 5*time.Second, 20*time.Millisecond, "expected duplicate endpoint to collapse to a single session")
}
