package server

import (
	"bufio"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/slimstreamer/slimstreamer/internal/httpstream"
	"github.com/slimstreamer/slimstreamer/internal/logging"
	"github.com/slimstreamer/slimstreamer/internal/streamer"
)

// HTTPStreamServer accepts the HTTP audio connections of spec §4.6/§6:
// one per streaming client, correlated to its SlimProto command session by
// the "player" query parameter on the GET request line.
type HTTPStreamServer struct {
	addr     string
	streamer *streamer.Streamer
	log      *logging.Logger

	active atomic.Int64
}

// NewHTTPStreamServer constructs an acceptor for the given "host:port"
// address.
func NewHTTPStreamServer(addr string, st *streamer.Streamer, log *logging.Logger) *HTTPStreamServer {
	return &HTTPStreamServer{
		addr:     addr,
		streamer: st,
		log:      log.With("component", "http-server"),
	}
}

// ListenAndServe binds the listening socket and accepts connections until
// Accept fails.
func (srv *HTTPStreamServer) ListenAndServe() error {
	listener, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("server: binding HTTP streaming port %s: %w", srv.addr, err)
	}
	defer listener.Close()

	setReuseAddr(listener)

	srv.log.Info("HTTP streaming server listening", "addr", srv.addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("server: HTTP accept: %w", err)
		}

		srv.active.Add(1)

		go srv.serveConn(conn)
	}
}

// serveConn parses the request line, pairs the connection to its command
// session by client ID, writes the fixed response header, and hands the
// session off to the Streamer for chunk fan-out (spec §4.6). A client ID
// matching no command session is a protocol error: the connection is
// closed without a response (spec §4.6 "close the connection").
func (srv *HTTPStreamServer) serveConn(conn net.Conn) {
	defer srv.active.Add(-1)

	requestLine, err := httpstream.ReadRequestLine(bufio.NewReader(conn))
	if err != nil {
		srv.log.Warn("reading HTTP request line, closing connection", "error", err)
		conn.Close()

		return
	}

	clientID, ok := httpstream.ParseClientID(requestLine)
	if !ok {
		srv.log.Warn("HTTP request missing player id, closing connection", "line", requestLine)
		conn.Close()

		return
	}

	streamSess, err := srv.streamer.OnHTTPOpen(clientID, conn)
	if err != nil {
		srv.log.Warn("pairing HTTP stream, closing connection", "client", clientID, "error", err)
		conn.Close()

		return
	}

	if err := httpstream.WriteResponseHeader(conn, streamSess.Format()); err != nil {
		srv.log.Warn("writing HTTP response header, closing connection", "client", clientID, "error", err)
		srv.streamer.OnHTTPClose(clientID)
		conn.Close()

		return
	}

	// The connection now only ever receives fan-out writes from the
	// Streamer; this goroutine's remaining job is to detect the client
	// closing its end (spec §4.6/§8 S5) and unregister the session.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}

	srv.streamer.OnHTTPClose(clientID)
	streamSess.Close()

	srv.log.Debug("HTTP stream closed", "client", clientID, "bytesWritten", streamSess.BytesWritten())
}
