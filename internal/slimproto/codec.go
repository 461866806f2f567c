// Package slimproto implements the wire codec for the SlimProto control
// protocol described in spec §4.4: fixed-layout, big-endian commands
// exchanged between SlimStreamer and Squeezebox-family clients.
//
// Inbound frames (client -> server) are [4-byte ASCII opcode][4-byte
// big-endian length][length bytes of payload]. Outbound frames (server ->
// client) carry the legacy two-byte length prefix ahead of the opcode:
// [2-byte big-endian length][4-byte opcode][body], where length counts the
// opcode plus body but not itself. All multi-byte fields are network byte
// order and structures are packed, following the agwpe.go precedent of
// binary.Write/Read over fixed-layout structs with an explicit io.Writer
// method rather than hand-rolled byte slicing.
package slimproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode is a 4-byte ASCII SlimProto command name.
type Opcode string

const (
	OpHELO Opcode = "HELO"
	OpSTAT Opcode = "STAT"
	OpDSCO Opcode = "DSCO"
	OpRESP Opcode = "RESP"
	OpSETD Opcode = "SETD"
	OpBYE  Opcode = "BYE!"

	OpSTRM Opcode = "strm"
	OpAUDE Opcode = "aude"
	OpAUDG Opcode = "audg"
)

// opcodeBytes renders an Opcode as its fixed 4-byte wire form.
func opcodeBytes(o Opcode) [4]byte {
	var b [4]byte
	copy(b[:], o)

	return b
}

// ReadInboundHeader reads the 4-byte opcode and 4-byte big-endian length
// that precede every client->server frame's payload.
func ReadInboundHeader(r io.Reader) (Opcode, uint32, error) {
	var hdr struct {
		Opcode [4]byte
		Size   uint32
	}

	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return "", 0, fmt.Errorf("slimproto: reading inbound header: %w", err)
	}

	return Opcode(bytes.TrimRight(hdr.Opcode[:], "\x00")), hdr.Size, nil
}

// --- Inbound commands -------------------------------------------------

// HELO is the client's device announcement: MAC, declared capabilities
// and a bitmap of supported audio formats (spec §4.4).
type HELO struct {
	DeviceID           uint8
	Revision           uint8
	MAC                [6]byte
	WLANChannelList    uint16
	ReceiverBufferSize uint32
	FormatsSupported   uint32 // bitmap: bit N set means format N is supported
	Capabilities       string // trailing free-form "key=value,..." text
}

const heloFixedSize = 1 + 1 + 6 + 2 + 4 + 4

// DecodeHELO parses a HELO payload of the given size from r.
func DecodeHELO(r io.Reader, size uint32) (HELO, error) {
	var h HELO

	if size < heloFixedSize {
		return h, fmt.Errorf("slimproto: truncated HELO (size=%d)", size)
	}

	var fixed struct {
		DeviceID           uint8
		Revision           uint8
		MAC                [6]byte
		WLANChannelList    uint16
		ReceiverBufferSize uint32
		FormatsSupported   uint32
	}

	if err := binary.Read(r, binary.BigEndian, &fixed); err != nil {
		return h, fmt.Errorf("slimproto: decoding HELO: %w", err)
	}

	h.DeviceID = fixed.DeviceID
	h.Revision = fixed.Revision
	h.MAC = fixed.MAC
	h.WLANChannelList = fixed.WLANChannelList
	h.ReceiverBufferSize = fixed.ReceiverBufferSize
	h.FormatsSupported = fixed.FormatsSupported

	remaining := size - heloFixedSize
	if remaining > 0 {
		capBuf := make([]byte, remaining)
		if _, err := io.ReadFull(r, capBuf); err != nil {
			return h, fmt.Errorf("slimproto: decoding HELO capabilities: %w", err)
		}

		h.Capabilities = string(capBuf)
	}

	return h, nil
}

// STAT event codes, spec §4.5.
const (
	StatEventSTMl = "STMl" // track loaded / streaming stable
	StatEventSTMd = "STMd" // decode underrun / drain complete
	StatEventSTMc = "STMc" // connect acknowledged
	StatEventSTMs = "STMs" // playback started
	StatEventSTMt = "STMt" // periodic heartbeat / timer
)

// STAT is the client's periodic status report (spec §4.5). The
// ServerTimestamp field echoes the value sent in a prior STRM:t ping,
// letting the session compute round-trip latency.
type STAT struct {
	EventCode            [4]byte
	NumCRLF              uint8
	MasInitialized       uint8
	MasMode              uint8
	OutputBufferSize     uint32
	OutputBufferFullness uint32
	BytesReceived        uint64
	SignalStrength       uint16
	Jiffies              uint32
	ElapsedSeconds       uint32
	Voltage              uint16
	ElapsedMilliseconds  uint32
	ServerTimestamp      int32
	ErrorCode            uint16
}

// DecodeSTAT parses a STAT payload of the given size from r.
func DecodeSTAT(r io.Reader, size uint32) (STAT, error) {
	var s STAT

	if err := binary.Read(r, binary.BigEndian, &s); err != nil {
		return s, fmt.Errorf("slimproto: decoding STAT: %w", err)
	}

	return s, nil
}

// Event returns the STAT event code as a comparable string.
func (s STAT) Event() string {
	return string(bytes.TrimRight(s.EventCode[:], "\x00"))
}

// DSCO reports why the client disconnected its SlimProto connection.
type DSCO struct {
	Reason uint8
}

func DecodeDSCO(r io.Reader, size uint32) (DSCO, error) {
	var d DSCO
	if err := binary.Read(r, binary.BigEndian, &d); err != nil {
		return d, fmt.Errorf("slimproto: decoding DSCO: %w", err)
	}

	return d, nil
}

// RESP carries the HTTP response status line the client received from the
// streaming endpoint.
type RESP struct {
	StatusLine string
}

func DecodeRESP(r io.Reader, size uint32) (RESP, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return RESP{}, fmt.Errorf("slimproto: decoding RESP: %w", err)
	}

	return RESP{StatusLine: string(buf)}, nil
}

// --- Outbound commands --------------------------------------------------

// CommandSelection selects a STRM sub-command (spec §4.4).
type CommandSelection byte

const (
	StrmStart  CommandSelection = 's'
	StrmStop   CommandSelection = 'q'
	StrmPause  CommandSelection = 'p'
	StrmUnpause CommandSelection = 'u'
	StrmFlush  CommandSelection = 'f'
	StrmTime   CommandSelection = 't' // status-query ping, used for latency measurement
)

// PCMFormat selects the wire encoding STRM:start announces to the client.
type PCMFormat byte

const (
	FormatPCM  PCMFormat = 'p'
	FormatFLAC PCMFormat = 'f'
	FormatMP3  PCMFormat = 'm'
)

// STRM is the outbound stream-control command. Only the PCM* fields are
// meaningful when Format is FormatPCM (spec §4.4).
type STRM struct {
	Selection        CommandSelection
	AutoStart        byte // '0' none, '1' autostart, '2' direct autostart, '3' direct
	Format           PCMFormat
	PCMSampleSize    byte
	PCMSampleRate    byte // encoded rate selector, not raw Hz
	PCMChannels      byte
	PCMEndianness    byte
	OutputThreshold  byte
	SpdifEnable      byte
	TransitionPeriod byte
	TransitionType   byte
	Flags            byte
	OutputChannels   byte
	Gain             uint16
	ServerPort       uint16
	ServerTimestamp  int32 // echoed back inside the next STAT for latency measurement
	ReplayGain       uint32
	URL              string // e.g. "/stream?player=<clientID>"
}

type strmFixed struct {
	Selection        byte
	AutoStart        byte
	Format           byte
	PCMSampleSize    byte
	PCMSampleRate    byte
	PCMChannels      byte
	PCMEndianness    byte
	OutputThreshold  byte
	SpdifEnable      byte
	TransitionPeriod byte
	TransitionType   byte
	Flags            byte
	OutputChannels   byte
	_                byte // reserved, kept for word alignment with the reference layout
	ReplayGain       uint32
	ServerPort       uint16
	ServerTimestamp  int32
}

// Write serializes the full outbound frame (length prefix + opcode + body)
// to w.
func (s STRM) Write(w io.Writer) error {
	body := &bytes.Buffer{}

	fixed := strmFixed{
		Selection:        byte(s.Selection),
		AutoStart:        s.AutoStart,
		Format:           byte(s.Format),
		PCMSampleSize:    s.PCMSampleSize,
		PCMSampleRate:    s.PCMSampleRate,
		PCMChannels:      s.PCMChannels,
		PCMEndianness:    s.PCMEndianness,
		OutputThreshold:  s.OutputThreshold,
		SpdifEnable:      s.SpdifEnable,
		TransitionPeriod: s.TransitionPeriod,
		TransitionType:   s.TransitionType,
		Flags:            s.Flags,
		OutputChannels:   s.OutputChannels,
		ReplayGain:       s.ReplayGain,
		ServerPort:       s.ServerPort,
		ServerTimestamp:  s.ServerTimestamp,
	}

	if err := binary.Write(body, binary.BigEndian, fixed); err != nil {
		return fmt.Errorf("slimproto: encoding STRM: %w", err)
	}

	body.WriteString(s.URL)

	return writeOutboundFrame(w, OpSTRM, body.Bytes())
}

// AUDE enables/disables analog and SPDIF audio outputs (spec §4.4).
type AUDE struct {
	EnableSPDIF bool
	EnableDAC   bool
}

func (a AUDE) Write(w io.Writer) error {
	body := &bytes.Buffer{}

	boolByte := func(b bool) byte {
		if b {
			return 1
		}

		return 0
	}

	fixed := struct {
		EnableSPDIF byte
		EnableDAC   byte
	}{boolByte(a.EnableSPDIF), boolByte(a.EnableDAC)}

	if err := binary.Write(body, binary.BigEndian, fixed); err != nil {
		return fmt.Errorf("slimproto: encoding AUDE: %w", err)
	}

	return writeOutboundFrame(w, OpAUDE, body.Bytes())
}

// AUDG sets output gain: two 32-bit fixed-point values plus two legacy
// 16-bit values, and an optional monotonic sequence number (spec §4.4).
type AUDG struct {
	OldLeftGain  uint16
	OldRightGain uint16
	GainLeft     uint32
	GainRight    uint32
	Sequence     *uint32 // nil omits the trailing sequence field
}

// DefaultAUDG returns the flat, unity-gain AUDG command samoyed-style
// sessions send immediately after HELO (spec §8 S1).
func DefaultAUDG() AUDG {
	const unity = 1 << 16 // 16.16 fixed point, matches original's defaults

	return AUDG{GainLeft: unity, GainRight: unity}
}

func (a AUDG) Write(w io.Writer) error {
	body := &bytes.Buffer{}

	fixed := struct {
		OldLeftGain  uint16
		OldRightGain uint16
		GainLeft     uint32
		GainRight    uint32
	}{a.OldLeftGain, a.OldRightGain, a.GainLeft, a.GainRight}

	if err := binary.Write(body, binary.BigEndian, fixed); err != nil {
		return fmt.Errorf("slimproto: encoding AUDG: %w", err)
	}

	if a.Sequence != nil {
		if err := binary.Write(body, binary.BigEndian, *a.Sequence); err != nil {
			return fmt.Errorf("slimproto: encoding AUDG sequence: %w", err)
		}
	}

	return writeOutboundFrame(w, OpAUDG, body.Bytes())
}

// DeviceID selects what an outbound SETD command is asking the client for
// or telling it about (spec §4.4).
type DeviceID uint8

const (
	DeviceRequestName DeviceID = 0
	DeviceSqueezebox3 DeviceID = 4
)

// SETD requests the device name or selects a device type.
type SETD struct {
	ID DeviceID
}

func (s SETD) Write(w io.Writer) error {
	return writeOutboundFrame(w, OpSETD, []byte{byte(s.ID)})
}

// writeOutboundFrame writes the legacy [2-byte length][opcode][body] frame
// (spec §6).
func writeOutboundFrame(w io.Writer, op Opcode, body []byte) error {
	opBytes := opcodeBytes(op)
	length := uint16(len(opBytes) + len(body))

	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("slimproto: writing frame length: %w", err)
	}

	if _, err := w.Write(opBytes[:]); err != nil {
		return fmt.Errorf("slimproto: writing opcode: %w", err)
	}

	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("slimproto: writing body: %w", err)
	}

	return nil
}
