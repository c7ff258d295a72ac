package gt06

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeFrame builds a checksum-valid frame with the payload starting at
// byte 4, the layout every uplink message shares.
func makeFrame(typ byte, payload []byte) []byte {
	buf := []byte{StartByte, byte(len(payload) + 5), typ, 0x01}
	buf = append(buf, payload...)
	buf = append(buf, Checksum(buf))
	buf = append(buf, StopByte)
	return buf
}

func loginPayload(bcd ...byte) []byte {
	return bcd
}

func TestDecodeLogin(t *testing.T) {
	// BCD 0358899051245876 -> IMEI 358899051245876 (leading pad zero)
	frame := makeFrame(TypeLogin, loginPayload(0x03, 0x58, 0x89, 0x90, 0x51, 0x24, 0x58, 0x76))

	ev := Decode(frame, time.Now())
	login, ok := ev.(*Login)
	require.True(t, ok, "expected *Login, got %T", ev)
	assert.Equal(t, "358899051245876", login.IMEI)
	assert.Equal(t, frame, login.Raw)
}

func TestDecodeLoginRejectsBadIMEI(t *testing.T) {
	tests := []struct {
		name string
		bcd  []byte
	}{
		{"non-BCD nibble", []byte{0x0A, 0x58, 0x89, 0x90, 0x51, 0x24, 0x58, 0x76}},
		{"missing pad zero", []byte{0x35, 0x88, 0x99, 0x05, 0x12, 0x45, 0x87, 0x60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Decode(makeFrame(TypeLogin, tt.bcd), time.Now())
			m, ok := ev.(*Malformed)
			require.True(t, ok, "expected *Malformed, got %T", ev)
			assert.Contains(t, m.Reason, "invalid IMEI")
		})
	}
}

func TestDecodeLoginTooShort(t *testing.T) {
	ev := Decode(makeFrame(TypeLogin, []byte{0x03, 0x58}), time.Now())
	m, ok := ev.(*Malformed)
	require.True(t, ok)
	assert.Contains(t, m.Reason, "too short")
}

func gpsPayload(latRaw, lngRaw uint32, speed, course, status byte) []byte {
	p := []byte{25, 8, 31, 12, 30, 45, 9}
	p = binary.BigEndian.AppendUint32(p, latRaw)
	p = binary.BigEndian.AppendUint32(p, lngRaw)
	return append(p, speed, course, status)
}

func TestDecodeGpsFix(t *testing.T) {
	// 22°34.5'N = 1354.5 minutes * 30000, 88°12.0'E = 5292 minutes * 30000
	frame := makeFrame(TypeGPS, gpsPayload(40635000, 158760000, 60, 45, 0x07))

	ev := Decode(frame, time.Now())
	fix, ok := ev.(*GpsFix)
	require.True(t, ok, "expected *GpsFix, got %T", ev)

	assert.InDelta(t, 22.575, fix.Latitude, 1e-6)
	assert.InDelta(t, 88.200, fix.Longitude, 1e-6)
	assert.Equal(t, 90, fix.Heading)
	assert.Equal(t, 60, fix.Speed)
	assert.Equal(t, 9, fix.Satellites)
	assert.True(t, fix.Ignition)
	assert.True(t, fix.ACC)
	assert.True(t, fix.Charging)
	assert.Equal(t, 1, fix.GSMSignal)
	assert.Equal(t, time.Date(2025, 8, 31, 12, 30, 45, 0, time.UTC), fix.DeviceTime)
}

func TestDecodeGpsFixAllTypeBytes(t *testing.T) {
	for _, typ := range []byte{TypeGPS, TypeGPSStatus, TypeGPSExtended} {
		ev := Decode(makeFrame(typ, gpsPayload(40635000, 158760000, 0, 0, 0)), time.Now())
		fix, ok := ev.(*GpsFix)
		require.True(t, ok, "type 0x%02x: expected *GpsFix, got %T", typ, ev)
		assert.Equal(t, typ, fix.Protocol)
	}
}

func TestDecodeGpsFixRejectsBadFields(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		reason  string
	}{
		{"bad month", append([]byte{25, 13, 1, 0, 0, 0, 4}, gpsPayload(40635000, 158760000, 0, 0, 0)[7:]...), "invalid timestamp"},
		{"bad day", append([]byte{25, 1, 0, 0, 0, 0, 4}, gpsPayload(40635000, 158760000, 0, 0, 0)[7:]...), "invalid timestamp"},
		{"heading out of range", gpsPayload(40635000, 158760000, 0, 200, 0), "invalid heading"},
		{"latitude out of range", gpsPayload(4000000000, 158760000, 0, 0, 0), "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Decode(makeFrame(TypeGPS, tt.payload), time.Now())
			m, ok := ev.(*Malformed)
			require.True(t, ok, "expected *Malformed, got %T", ev)
			assert.Contains(t, m.Reason, tt.reason)
		})
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	ev := Decode(makeFrame(TypeHeartbeat, []byte{0x0B}), time.Now())
	hb, ok := ev.(*Heartbeat)
	require.True(t, ok, "expected *Heartbeat, got %T", ev)
	assert.True(t, hb.Ignition)
	assert.True(t, hb.Charging)
	assert.Equal(t, 2, hb.GSMSignal)
}

func TestDecodeCommandResponse(t *testing.T) {
	tests := []struct {
		body    string
		success bool
	}{
		{"CUT OIL OK", true},
		{"Success", true},
		{"DONE", true},
		{"1", true},
		{"ACK", true},
		{"ERROR: unsupported", false},
		{"rejected", false},
	}
	for _, tt := range tests {
		ev := Decode(makeFrame(TypeCommandResponse, []byte(tt.body)), time.Now())
		resp, ok := ev.(*CommandResponse)
		require.True(t, ok, "body %q: expected *CommandResponse, got %T", tt.body, ev)
		assert.Equal(t, tt.body, resp.Body)
		assert.Equal(t, tt.success, resp.Success, "body %q", tt.body)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	ev := Decode(makeFrame(0x99, []byte{0xDE, 0xAD}), time.Now())
	u, ok := ev.(*Unknown)
	require.True(t, ok, "expected *Unknown, got %T", ev)
	assert.Equal(t, byte(0x99), u.Protocol)
	assert.Equal(t, "01dead", u.Payload)
}

func TestDecodeValidationOrder(t *testing.T) {
	valid := makeFrame(TypeHeartbeat, []byte{0x01})

	short := Decode([]byte{0x78, 0x01}, time.Now())
	assert.Contains(t, short.(*Malformed).Reason, "too short")

	badStart := append([]byte{}, valid...)
	badStart[0] = 0x77
	badStart[len(badStart)-2] = Checksum(badStart[:len(badStart)-2])
	assert.Contains(t, Decode(badStart, time.Now()).(*Malformed).Reason, "invalid start byte")

	badCrc := append([]byte{}, valid...)
	badCrc[len(badCrc)-2] ^= 0xFF
	assert.Contains(t, Decode(badCrc, time.Now()).(*Malformed).Reason, "checksum mismatch")

	badStop := append([]byte{}, valid...)
	badStop[len(badStop)-1] = 0x0A
	assert.Contains(t, Decode(badStop, time.Now()).(*Malformed).Reason, "invalid stop byte")
}

// Flipping any single byte of a well-formed frame must fail validation.
func TestDecodeDetectsSingleByteCorruption(t *testing.T) {
	valid := makeFrame(TypeGPS, gpsPayload(40635000, 158760000, 60, 45, 0x07))
	require.IsType(t, &GpsFix{}, Decode(valid, time.Now()))

	for i := range valid {
		corrupted := append([]byte{}, valid...)
		corrupted[i] ^= 0xFF
		ev := Decode(corrupted, time.Now())
		assert.IsType(t, &Malformed{}, ev, "flipped byte %d went undetected", i)
	}
}

func TestEncodeAck(t *testing.T) {
	ack := EncodeAck(TypeLogin, AckLoginOK)
	require.Len(t, ack, 6)
	assert.Equal(t, byte(StartByte), ack[0])
	assert.Equal(t, byte(StartByte), ack[1])
	assert.Equal(t, byte(TypeLogin), ack[2])
	assert.Equal(t, byte(AckLoginOK), ack[3])
	assert.Equal(t, Checksum(ack[:4]), ack[4])
	assert.Equal(t, byte(StopByte), ack[5])
}

func TestEncodeCommand(t *testing.T) {
	cmd, err := EncodeCommand("CUT_OIL", 0x2A)
	require.NoError(t, err)

	n := len("CUT_OIL")
	require.Len(t, cmd, 9+n)
	assert.Equal(t, byte(StartByte), cmd[0])
	assert.Equal(t, byte(StartByte), cmd[1])
	assert.Equal(t, byte(0x80), cmd[2])
	assert.Equal(t, byte(n+5), cmd[3])
	assert.Equal(t, byte(0x2A), cmd[4])
	assert.Equal(t, uint16(0x0001), binary.BigEndian.Uint16(cmd[5:7]))
	assert.Equal(t, "CUT_OIL", string(cmd[7:7+n]))
	assert.Equal(t, Checksum(cmd[2:7+n]), cmd[7+n])
	assert.Equal(t, byte(StopByte), cmd[8+n])
}

func TestEncodeCommandRejectsBadInput(t *testing.T) {
	_, err := EncodeCommand("", 0x01)
	assert.Error(t, err)

	_, err = EncodeCommand(string(make([]byte, 300)), 0x01)
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	hb := makeFrame(TypeHeartbeat, []byte{0x0B})
	login := makeFrame(TypeLogin, loginPayload(0x03, 0x58, 0x89, 0x90, 0x51, 0x24, 0x58, 0x76))

	t.Run("single frame", func(t *testing.T) {
		frames := Split(hb)
		require.Len(t, frames, 1)
		assert.Equal(t, hb, frames[0])
	})

	t.Run("concatenated frames", func(t *testing.T) {
		chunk := append(append([]byte{}, login...), hb...)
		frames := Split(chunk)
		require.Len(t, frames, 2)
		assert.Equal(t, login, frames[0])
		assert.Equal(t, hb, frames[1])
	})

	t.Run("garbage is one undecodable unit", func(t *testing.T) {
		chunk := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
		frames := Split(chunk)
		require.Len(t, frames, 1)
		assert.IsType(t, &Malformed{}, Decode(frames[0], time.Now()))
	})
}
