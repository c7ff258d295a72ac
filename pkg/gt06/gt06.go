// Package gt06 implements the GT06 binary tracker protocol: frame
// validation, decoding of uplink messages into typed events, and
// encoding of acknowledgement and command frames.
//
// Every frame is treated as untrusted input. Decode never panics and
// never returns an error; all failures are reported as a *Malformed
// event carrying the reason and the original bytes.
package gt06

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Protocol constants
const (
	StartByte    = 0x78
	StartByteAlt = 0x79
	StopByte     = 0x0D

	// Message types
	TypeLogin           = 0x01
	TypeGPS             = 0x12
	TypeGPSStatus       = 0x13
	TypeGPSExtended     = 0x22
	TypeCommandResponse = 0x05
	TypeHeartbeat       = 0x80

	// MinFrameLen is the smallest structurally valid frame:
	// start, length, type, checksum, stop plus one payload byte.
	MinFrameLen = 6

	// MaxFrameLen bounds a single frame on the wire. Anything larger
	// cannot be a valid GT06 frame and is treated as garbage.
	MaxFrameLen = 512
)

// Ack serials used on login responses.
const (
	AckLoginOK      = 0x01
	AckLoginInvalid = 0x00
	AckLoginExpired = 0x02
)

// successTokens are matched case-insensitively against command
// response payloads to decide delivery success.
var successTokens = []string{"ok", "success", "done", "1", "ack"}

// Meta carries the fields common to all decoded events.
type Meta struct {
	Raw        []byte
	ReceivedAt time.Time
}

// Event is a decoded GT06 frame. The concrete type is one of
// *Login, *GpsFix, *Heartbeat, *CommandResponse, *Unknown or
// *Malformed.
type Event interface {
	event()
}

// Login is sent by a device once per connection to identify itself.
type Login struct {
	Meta
	IMEI string
}

// GpsFix is a positioning report.
type GpsFix struct {
	Meta
	Protocol   byte
	DeviceTime time.Time
	Satellites int
	Latitude   float64
	Longitude  float64
	Speed      int
	Heading    int
	Ignition   bool
	ACC        bool
	Charging   bool
	GSMSignal  int
}

// Heartbeat is a keep-alive report carrying terminal status bits.
type Heartbeat struct {
	Meta
	Ignition  bool
	Charging  bool
	GSMSignal int
}

// CommandResponse is the device's reply to an outbound command.
type CommandResponse struct {
	Meta
	Body    string
	Success bool
}

// Unknown is a structurally valid frame with an unrecognized type byte.
type Unknown struct {
	Meta
	Protocol byte
	Payload  string // hex encoded for diagnostics
}

// Malformed is any frame that failed validation or decoding.
type Malformed struct {
	Meta
	Reason string
}

func (*Login) event()           {}
func (*GpsFix) event()          {}
func (*Heartbeat) event()       {}
func (*CommandResponse) event() {}
func (*Unknown) event()         {}
func (*Malformed) event()       {}

// Checksum computes the 8-bit running XOR over buf.
func Checksum(buf []byte) byte {
	var crc byte
	for _, b := range buf {
		crc ^= b
	}
	return crc
}

// Decode validates and decodes a single frame.
func Decode(buf []byte, receivedAt time.Time) Event {
	meta := Meta{Raw: buf, ReceivedAt: receivedAt}

	if len(buf) < MinFrameLen {
		return &Malformed{Meta: meta, Reason: fmt.Sprintf("frame too short: %d bytes", len(buf))}
	}
	if buf[0] != StartByte && buf[0] != StartByteAlt {
		return &Malformed{Meta: meta, Reason: fmt.Sprintf("invalid start byte: 0x%02x", buf[0])}
	}
	want := buf[len(buf)-2]
	if got := Checksum(buf[:len(buf)-2]); got != want {
		return &Malformed{Meta: meta, Reason: fmt.Sprintf("checksum mismatch: received 0x%02x, calculated 0x%02x", want, got)}
	}
	if stop := buf[len(buf)-1]; stop != StopByte {
		return &Malformed{Meta: meta, Reason: fmt.Sprintf("invalid stop byte: 0x%02x", stop)}
	}

	var (
		ev  Event
		err error
	)
	switch buf[2] {
	case TypeLogin:
		ev, err = decodeLogin(buf, meta)
	case TypeGPS, TypeGPSStatus, TypeGPSExtended:
		ev, err = decodeGpsFix(buf, meta)
	case TypeHeartbeat:
		ev, err = decodeHeartbeat(buf, meta)
	case TypeCommandResponse:
		ev, err = decodeCommandResponse(buf, meta)
	default:
		ev = &Unknown{Meta: meta, Protocol: buf[2], Payload: hex.EncodeToString(payload(buf))}
	}
	if err != nil {
		return &Malformed{Meta: meta, Reason: err.Error()}
	}
	return ev
}

func decodeLogin(buf []byte, meta Meta) (Event, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("login frame too short: %d bytes", len(buf))
	}

	// The 8-byte BCD block expands to 16 digits; a 15-digit IMEI is
	// transmitted with a leading zero pad.
	digits := decodeBCD(buf[4:12])
	imei := strings.TrimPrefix(digits, "0")
	if len(digits) != 16 || digits[0] != '0' || !isDigits(imei) || len(imei) != 15 {
		return nil, fmt.Errorf("invalid IMEI: %q", digits)
	}

	return &Login{Meta: meta, IMEI: imei}, nil
}

func decodeGpsFix(buf []byte, meta Meta) (Event, error) {
	if len(buf) < 24 {
		return nil, fmt.Errorf("gps frame too short: %d bytes", len(buf))
	}

	year := int(buf[4])
	month := int(buf[5])
	day := int(buf[6])
	hour := int(buf[7])
	minute := int(buf[8])
	second := int(buf[9])
	if year > 99 || month < 1 || month > 12 || day < 1 || day > 31 ||
		hour > 23 || minute > 59 || second > 59 {
		return nil, fmt.Errorf("invalid timestamp: %02d-%02d-%02d %02d:%02d:%02d",
			year, month, day, hour, minute, second)
	}

	lat := decodeCoordinate(buf[11:15])
	lng := decodeCoordinate(buf[15:19])
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return nil, fmt.Errorf("coordinates out of range: %f, %f", lat, lng)
	}

	heading := int(buf[20]) * 2
	if heading >= 360 {
		return nil, fmt.Errorf("invalid heading: %d", heading)
	}

	status := buf[21]
	return &GpsFix{
		Meta:       meta,
		Protocol:   buf[2],
		DeviceTime: time.Date(2000+year, time.Month(month), day, hour, minute, second, 0, time.UTC),
		Satellites: int(buf[10]),
		Latitude:   lat,
		Longitude:  lng,
		Speed:      int(buf[19]),
		Heading:    heading,
		Ignition:   status&0x01 != 0,
		ACC:        status&0x02 != 0,
		Charging:   status&0x04 != 0,
		GSMSignal:  int(status>>2) & 0x03,
	}, nil
}

func decodeHeartbeat(buf []byte, meta Meta) (Event, error) {
	if len(buf) < 7 {
		return nil, fmt.Errorf("heartbeat frame too short: %d bytes", len(buf))
	}

	info := buf[4]
	return &Heartbeat{
		Meta:      meta,
		Ignition:  info&0x01 != 0,
		Charging:  info&0x02 != 0,
		GSMSignal: int(info>>2) & 0x03,
	}, nil
}

func decodeCommandResponse(buf []byte, meta Meta) (Event, error) {
	body := string(payload(buf))
	return &CommandResponse{
		Meta:    meta,
		Body:    body,
		Success: IsSuccessResponse(body),
	}, nil
}

// IsSuccessResponse reports whether a command response body indicates
// that the device accepted the command.
func IsSuccessResponse(body string) bool {
	lower := strings.ToLower(body)
	for _, tok := range successTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// EncodeAck builds the fixed 6-byte acknowledgement frame.
func EncodeAck(typ, serial byte) []byte {
	buf := make([]byte, 6)
	buf[0] = StartByte
	buf[1] = StartByte
	buf[2] = typ
	buf[3] = serial
	buf[4] = Checksum(buf[:4])
	buf[5] = StopByte
	return buf
}

// EncodeCommand wraps an ASCII command in an outbound server frame.
func EncodeCommand(command string, serial byte) ([]byte, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if len(command) > 250 {
		return nil, fmt.Errorf("command too long: %d bytes", len(command))
	}

	n := len(command)
	buf := make([]byte, 9+n)
	buf[0] = StartByte
	buf[1] = StartByte
	buf[2] = TypeHeartbeat // server command frames reuse the 0x80 type byte
	buf[3] = byte(n + 5)
	buf[4] = serial
	binary.BigEndian.PutUint16(buf[5:7], 0x0001)
	copy(buf[7:], command)
	buf[7+n] = Checksum(buf[2 : 7+n])
	buf[8+n] = StopByte
	return buf, nil
}

// Split cuts a received chunk into frame-sized units. Consecutive
// checksum-valid frames are separated; any residue that cannot be
// delimited is returned as a single unit so Decode can report why it
// is malformed. Split always consumes the whole chunk.
func Split(chunk []byte) [][]byte {
	var frames [][]byte
	rest := chunk
	for len(rest) > 0 {
		if frameValid(rest) {
			frames = append(frames, rest)
			return frames
		}
		end := -1
		for i := MinFrameLen; i < len(rest) && i <= MaxFrameLen; i++ {
			if frameValid(rest[:i]) {
				end = i
				break
			}
		}
		if end < 0 {
			frames = append(frames, rest)
			return frames
		}
		frames = append(frames, rest[:end])
		rest = rest[end:]
	}
	return frames
}

// frameValid reports whether buf is one structurally complete frame:
// start marker, matching checksum and stop marker.
func frameValid(buf []byte) bool {
	if len(buf) < MinFrameLen || len(buf) > MaxFrameLen {
		return false
	}
	if buf[0] != StartByte && buf[0] != StartByteAlt {
		return false
	}
	if buf[len(buf)-1] != StopByte {
		return false
	}
	return Checksum(buf[:len(buf)-2]) == buf[len(buf)-2]
}

func payload(buf []byte) []byte {
	if len(buf) <= MinFrameLen {
		return nil
	}
	return buf[4 : len(buf)-2]
}

func decodeBCD(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 2)
	for _, v := range b {
		sb.WriteByte('0' + (v>>4)&0x0F)
		sb.WriteByte('0' + v&0x0F)
	}
	return sb.String()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func decodeCoordinate(b []byte) float64 {
	raw := binary.BigEndian.Uint32(b)
	degrees := raw / 30000 / 60
	minutes := float64(raw)/30000 - float64(degrees*60)
	return float64(degrees) + minutes/60
}
