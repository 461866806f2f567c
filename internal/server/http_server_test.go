package server

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slimstreamer/slimstreamer/internal/logging"
)

func TestHTTPServeConnRejectsUnknownClientID(t *testing.T) {
	st := newTestStreamer()
	srv := NewHTTPStreamServer(":0", st, logging.Default())

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	done := make(chan struct{})
	go func() {
		srv.serveConn(serverConn)
		close(done)
	}()

	_, err := clientConn.Write([]byte("GET /stream.wav?player=nosuchclient HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serveConn did not close for an unknown client id")
	}
}

func TestHTTPServeConnPairsKnownClientAndWritesHeader(t *testing.T) {
	st := newTestStreamer()

	cmdConn, cmdClientConn := net.Pipe()
	t.Cleanup(func() { cmdConn.Close(); cmdClientConn.Close() })
	go io.Copy(io.Discard, cmdClientConn)

	sess := st.OnSlimProtoOpen(cmdConn)

	srv := NewHTTPStreamServer(":0", st, logging.Default())

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	done := make(chan struct{})
	go func() {
		srv.serveConn(serverConn)
		close(done)
	}()

	_, err := clientConn.Write([]byte("GET /stream.wav?player=" + sess.ClientID + " HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(clientConn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "200")

	clientConn.Close()
	serverConn.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serveConn did not return after connection close")
	}
}
