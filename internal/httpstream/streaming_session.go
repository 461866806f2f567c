// Package httpstream implements the per-client HTTP audio connection
// (spec §4.6): it parses the player ID off the request line, replies with
// a fixed streaming header, and thereafter pushes encoded chunk bytes,
// reporting write-would-block as "not ready" so the Streamer can pause
// fan-out to this client.
package httpstream

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/slimstreamer/slimstreamer/internal/chunk"
	"github.com/slimstreamer/slimstreamer/internal/encoder"
	"github.com/slimstreamer/slimstreamer/internal/logging"
)

// ParseClientID extracts the "player" query parameter from an HTTP
// request line such as "GET /stream?player=1 HTTP/1.0". ok is false when
// no client ID is present (spec §4.6: "a new HTTP request whose client ID
// does not match any existing command session is an error").
func ParseClientID(requestLine string) (clientID string, ok bool) {
	fields := strings.Fields(requestLine)
	if len(fields) < 2 {
		return "", false
	}

	u, err := url.Parse(fields[1])
	if err != nil {
		return "", false
	}

	clientID = u.Query().Get("player")

	return clientID, clientID != ""
}

// ReadRequestLine reads and discards an HTTP/1.0 request's headers,
// returning the first line.
func ReadRequestLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("httpstream: reading request line: %w", err)
	}

	for {
		headerLine, err := r.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("httpstream: reading headers: %w", err)
		}

		if strings.TrimRight(headerLine, "\r\n") == "" {
			break
		}
	}

	return strings.TrimRight(line, "\r\n"), nil
}

// mimeTypeFor maps an encoder format to the Content-Type header spec §4.6
// calls out ("audio/L16" or "encoder-appropriate").
func mimeTypeFor(f encoder.Format) string {
	switch f {
	case encoder.FormatPCM:
		return "audio/L16"
	default:
		return "application/octet-stream"
	}
}

// WriteResponseHeader writes the fixed HTTP/1.0 response spec §4.6/§6
// describes.
func WriteResponseHeader(w net.Conn, format encoder.Format) error {
	header := fmt.Sprintf("HTTP/1.0 200 OK\r\nContent-Type: %s\r\nConnection: close\r\n\r\n", mimeTypeFor(format))
	_, err := w.Write([]byte(header))

	return err
}

// Session is one HTTP audio connection, paired to a command session by
// client ID (spec §9: indirection, not a stored handle — the Streamer
// does the CommandSession lookup; Session only remembers the ID string).
type Session struct {
	ClientID     string
	conn         net.Conn
	enc          encoder.Encoder
	bytesWritten uint64
	pending      []byte // unwritten remainder of the chunk currently in flight
	log          *logging.Logger
}

// New constructs a streaming session around an already-accepted
// connection, after ParseClientID and WriteResponseHeader have run.
func New(clientID string, conn net.Conn, enc encoder.Encoder, log *logging.Logger) *Session {
	return &Session{
		ClientID: clientID,
		conn:     conn,
		enc:      enc,
		log:      log.With("client", clientID, "component", "httpstream"),
	}
}

func (s *Session) BytesWritten() uint64 { return s.bytesWritten }

// Format reports the wire format of this session's encoder, letting the
// HTTP acceptor choose the Content-Type header (spec §4.6) without
// reaching into the encoder directly.
func (s *Session) Format() encoder.Format { return s.enc.Format() }

// ConsumeChunk encodes and writes one chunk. It returns true if the bytes
// were fully accepted (or the chunk was a marker carrying no payload),
// false if the write would block — the Streamer's fan-out contract (spec
// §4.6/§4.8) treats false as "not ready", leaving the chunk for retry.
//
// A chunk is never partially delivered: if s.pending already holds the
// unwritten remainder of this same chunk from an earlier rejected attempt,
// that remainder — not a freshly re-encoded copy of the chunk — is what
// gets retried, so a prior short write is never re-sent or skipped (spec
// §1 "bit-perfect", §4.6/§8 S4).
func (s *Session) ConsumeChunk(c chunk.Chunk) bool {
	if len(s.pending) == 0 {
		if c.IsMarker() {
			return true
		}

		data, err := s.enc.Encode(c)
		if err != nil {
			s.log.Warn("encode failed, dropping client", "error", err)

			return false
		}

		if len(data) == 0 {
			return true
		}

		s.pending = data
	}

	return s.flushPending()
}

// flushPending writes as much of s.pending as the connection will accept
// without blocking. A write-would-block leaves the unwritten remainder in
// s.pending and reports not ready; any other error drops the pending data
// (the client is being closed) and also reports not ready.
func (s *Session) flushPending() bool {
	n, wouldBlock, err := tryWrite(s.conn, s.pending)
	s.bytesWritten += uint64(n)
	s.pending = s.pending[n:]

	if wouldBlock {
		return false
	}

	if err != nil {
		s.log.Warn("write failed, client will be closed", "error", err)
		s.pending = nil

		return false
	}

	return len(s.pending) == 0
}

func (s *Session) Close() error {
	return s.conn.Close()
}

// tryWrite writes as much of data as the connection's raw file descriptor
// will accept without blocking, classifying EAGAIN/EWOULDBLOCK as "would
// block" rather than an error (spec §4.6 "on write-would-block, reports
// not ready"), grounded on the same golang.org/x/sys/unix
// errno-classification idiom the teacher uses for its CM108/PTT ioctl
// calls. It never waits for writability itself — fan-out runs under the
// Streamer's lock (spec §5: "non-blocking... a writability watcher"), so
// the control callback always returns immediately after the first
// EAGAIN/EWOULDBLOCK or error rather than letting the runtime poller block
// this call until the socket drains. n is the number of bytes actually
// written, which may be less than len(data) when wouldBlock is true.
func tryWrite(conn net.Conn, data []byte) (n int, wouldBlock bool, err error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		n, err = conn.Write(data)

		return n, false, err
	}

	raw, rawErr := sc.SyscallConn()
	if rawErr != nil {
		n, err = conn.Write(data)

		return n, false, err
	}

	ctrlErr := raw.Write(func(fd uintptr) bool {
		for n < len(data) {
			wn, werr := unix.Write(int(fd), data[n:])
			if wn > 0 {
				n += wn
			}

			if werr != nil {
				if errors.Is(werr, unix.EAGAIN) || errors.Is(werr, unix.EWOULDBLOCK) {
					wouldBlock = true
				} else {
					err = werr
				}

				return true // stop polling now; the caller retries later rather than blocking here
			}
		}

		return true // data fully written
	})
	if ctrlErr != nil {
		return n, false, ctrlErr
	}

	return n, wouldBlock, err
}
