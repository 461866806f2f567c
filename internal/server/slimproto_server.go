// Package server provides the two network acceptors spec §1 treats as
// thin collaborators ("the generic TCP acceptor and UDP socket wrappers")
// wired up for SlimStreamer's two concrete surfaces: the SlimProto command
// port (§6) and the HTTP streaming port (§4.6/§6). Grounded on the
// teacher's server.go: a listener goroutine bounded by a max-clients
// count, SO_REUSEADDR on the listening socket, and one read-loop goroutine
// per accepted connection that decodes fixed-layout frames and dispatches
// them.
package server

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"

	"github.com/slimstreamer/slimstreamer/internal/logging"
	"github.com/slimstreamer/slimstreamer/internal/session"
	"github.com/slimstreamer/slimstreamer/internal/slimproto"
	"github.com/slimstreamer/slimstreamer/internal/streamer"
)

// SlimProtoServer accepts SlimProto TCP connections, capped at MaxClients
// concurrent sessions (spec §6 "-c N max clients").
type SlimProtoServer struct {
	addr       string
	maxClients int
	streamer   *streamer.Streamer
	gain       *uint16
	log        *logging.Logger

	active atomic.Int64
}

// NewSlimProtoServer constructs an acceptor for the given "host:port"
// address.
func NewSlimProtoServer(addr string, maxClients int, st *streamer.Streamer, gain *uint16, log *logging.Logger) *SlimProtoServer {
	return &SlimProtoServer{
		addr:       addr,
		maxClients: maxClients,
		streamer:   st,
		gain:       gain,
		log:        log.With("component", "slimproto-server"),
	}
}

// ListenAndServe binds the listening socket and runs the accept loop until
// the listener's Accept fails (e.g. the listener is closed from another
// goroutine during shutdown, matching spec §5's signal-driven stop).
func (srv *SlimProtoServer) ListenAndServe() error {
	listener, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("server: binding SlimProto port %s: %w", srv.addr, err)
	}
	defer listener.Close()

	setReuseAddr(listener)

	srv.log.Info("SlimProto server listening", "addr", srv.addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("server: SlimProto accept: %w", err)
		}

		if srv.active.Load() >= int64(srv.maxClients) {
			srv.log.Warn("max clients reached, rejecting connection", "remote", conn.RemoteAddr())
			conn.Close()

			continue
		}

		srv.active.Add(1)

		go srv.serveConn(conn)
	}
}

// serveConn is the per-connection read loop (spec §4.4/§4.5/§7): it
// decodes one inbound frame at a time and dispatches HELO/STAT/DSCO/RESP
// to the paired command session, closing on any protocol or network error
// (spec §7: "Protocol errors ... close that client's connection; log at
// warning; other clients unaffected").
func (srv *SlimProtoServer) serveConn(conn net.Conn) {
	defer srv.active.Add(-1)
	defer conn.Close()

	sess := srv.streamer.OnSlimProtoOpen(conn)
	defer srv.streamer.OnSlimProtoClose(sess.ClientID)

	log := srv.log.With("client", sess.ClientID)

	helloReceived := false

	for {
		op, size, err := slimproto.ReadInboundHeader(conn)
		if err != nil {
			if err != io.EOF {
				log.Warn("reading SlimProto frame header", "error", err)
			}

			return
		}

		if !srv.dispatch(conn, sess, log, op, size, &helloReceived) {
			return
		}
	}
}

// dispatch handles one decoded frame. It returns false when the
// connection should be closed.
func (srv *SlimProtoServer) dispatch(conn io.Reader, sess *session.Session, log *logging.Logger, op slimproto.Opcode, size uint32, helloReceived *bool) bool {
	switch op {
	case slimproto.OpHELO:
		h, err := slimproto.DecodeHELO(conn, size)
		if err != nil {
			log.Warn("decoding HELO, closing connection", "error", err)

			return false
		}

		if *helloReceived {
			log.Warn("duplicate HELO, closing connection")

			return false
		}

		*helloReceived = true

		if err := sess.OnHELO(h, srv.gain); err != nil {
			log.Warn("handling HELO, closing connection", "error", err)

			return false
		}

		return true

	case slimproto.OpSTAT:
		if !*helloReceived {
			log.Warn("STAT received before HELO, closing connection")

			return false
		}

		stat, err := slimproto.DecodeSTAT(conn, size)
		if err != nil {
			log.Warn("decoding STAT, closing connection", "error", err)

			return false
		}

		sess.OnSTAT(stat)

		return true

	case slimproto.OpDSCO:
		dsco, err := slimproto.DecodeDSCO(conn, size)
		if err != nil {
			log.Warn("decoding DSCO, closing connection", "error", err)

			return false
		}

		log.Info("client reported disconnect", "reason", dsco.Reason)

		return true

	case slimproto.OpRESP:
		if _, err := slimproto.DecodeRESP(conn, size); err != nil {
			log.Warn("decoding RESP, closing connection", "error", err)

			return false
		}

		return true

	case slimproto.OpSETD:
		if err := discard(conn, size); err != nil {
			log.Warn("discarding SETD body, closing connection", "error", err)

			return false
		}

		return true

	case slimproto.OpBYE:
		log.Info("client sent BYE!")
		sess.Drain()

		return false

	default:
		log.Warn("unknown opcode, closing connection", "opcode", op)
		discard(conn, size)

		return false
	}
}

func discard(r io.Reader, size uint32) error {
	if size == 0 {
		return nil
	}

	_, err := io.CopyN(io.Discard, r, int64(size))

	return err
}

// setReuseAddr matches the teacher's server.go precedent ("Version 1.3 -
// as suggested by G8BPQ": SO_REUSEADDR so a restarted server can rebind
// immediately).
func setReuseAddr(l net.Listener) {
	tcpListener, ok := l.(*net.TCPListener)
	if !ok {
		return
	}

	file, err := tcpListener.File()
	if err != nil {
		return
	}
	defer file.Close()

	_ = syscall.SetsockoptInt(int(file.Fd()), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
