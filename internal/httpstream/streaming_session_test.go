package httpstream

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slimstreamer/slimstreamer/internal/chunk"
	"github.com/slimstreamer/slimstreamer/internal/encoder"
	"github.com/slimstreamer/slimstreamer/internal/logging"
)

func TestParseClientID(t *testing.T) {
	id, ok := ParseClientID("GET /stream?player=42 HTTP/1.0")
	require.True(t, ok)
	assert.Equal(t, "42", id)
}

func TestParseClientIDMissing(t *testing.T) {
	_, ok := ParseClientID("GET /stream HTTP/1.0")
	assert.False(t, ok)
}

func TestReadRequestLineSkipsHeaders(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("GET /stream?player=1 HTTP/1.0\r\nHost: x\r\n\r\n"))

	line, err := ReadRequestLine(r)
	require.NoError(t, err)
	assert.Equal(t, "GET /stream?player=1 HTTP/1.0", line)
}

type stubEncoder struct{}

func (stubEncoder) Encode(c chunk.Chunk) ([]byte, error) { return c.Payload, nil }
func (stubEncoder) Flush() []byte                        { return nil }
func (stubEncoder) Format() encoder.Format                { return encoder.FormatPCM }
func (stubEncoder) SamplingRate() uint                     { return 44100 }
func (stubEncoder) SetSamplingRate(uint)                   {}

func TestConsumeChunkWritesEncodedBytes(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	s := New("1", server, stubEncoder{}, logging.Default())

	payload := make([]byte, chunk.Channels*chunk.BytesPerSample)
	done := make(chan bool, 1)

	go func() {
		done <- s.ConsumeChunk(chunk.Chunk{SamplingRate: 44100, Frames: 1, Payload: payload})
	}()

	buf := make([]byte, len(payload))
	_, err := client.Read(buf)
	require.NoError(t, err)

	assert.True(t, <-done)
	assert.EqualValues(t, len(payload), s.BytesWritten())
}

func TestConsumeChunkMarkerIsNoop(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	s := New("1", server, stubEncoder{}, logging.Default())

	assert.True(t, s.ConsumeChunk(chunk.Marker()))
	assert.EqualValues(t, 0, s.BytesWritten())
}

// TestTryWriteReportsWouldBlockOnFullSocketBuffer exercises the real
// EAGAIN/EWOULDBLOCK branch of tryWrite: net.Pipe has no kernel send
// buffer and so can never actually block a write, so this drives a real
// loopback syscall.Conn-backed TCP connection, leaves the peer unread, and
// keeps writing until the kernel socket buffer fills and tryWrite reports
// would-block instead of blocking the caller.
func TestTryWriteReportsWouldBlockOnFullSocketBuffer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	// The peer is never read from, so the kernel send buffer on server's
	// side fills after enough writes and tryWrite must surface that as
	// wouldBlock rather than blocking this goroutine.
	data := make([]byte, 64*1024)

	wouldBlock := false
	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		_, wb, werr := tryWrite(server, data)
		require.NoError(t, werr)

		if wb {
			wouldBlock = true

			break
		}
	}

	assert.True(t, wouldBlock, "tryWrite must report would-block once the socket send buffer fills")
}
