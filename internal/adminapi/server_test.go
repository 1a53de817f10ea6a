package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PayRpc/spvnode/internal/network"
	"github.com/PayRpc/spvnode/internal/pool"
	"github.com/PayRpc/spvnode/internal/session"
	"github.com/PayRpc/spvnode/internal/statusudp"
)

func TestHandleMasterNotFoundWithoutMaster(t *testing.T) {
	p := pool.New(session.NewConfig(), nil, nil)
	n := network.New(p, nil)
	status := statusudp.New(nil, 0, [32]byte{})

	srv := New(p, n, status, nil)
	listenAddr := "127.0.0.1:18732"
	require.NoError(t, srv.Start(listenAddr))
	defer srv.Shutdown(context.Background())
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + listenAddr + "/master")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandlePoolReturnsEmptySessions(t *testing.T) {
	p := pool.New(session.NewConfig(), nil, nil)
	n := network.New(p, nil)
	status := statusudp.New(nil, 100, [32]byte{})
	status.SetAvailable()

	srv := New(p, n, status, nil)

	listenAddr := "127.0.0.1:18733"
	require.NoError(t, srv.Start(listenAddr))
	defer srv.Shutdown(context.Background())
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + listenAddr + "/pool")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded struct {
		Sessions []sessionView `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Empty(t, decoded.Sessions)
}

func TestHandleStatusReportsSnapshot(t *testing.T) {
	p := pool.New(session.NewConfig(), nil, nil)
	n := network.New(p, nil)
	status := statusudp.New(nil, 500, [32]byte{0x01})
	status.SetAvailable()

	srv := New(p, n, status, nil)
	listenAddr := "127.0.0.1:18734"
	require.NoError(t, srv.Start(listenAddr))
	defer srv.Shutdown(context.Background())
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + listenAddr + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.EqualValues(t, 500, decoded["height"])
	require.Equal(t, true, decoded["available"])
}
