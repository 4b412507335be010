// Package wire builds and parses the handful of backend wire-protocol
// messages the session builder needs: the startup message, the
// termination message, and the simple-query message used by the
// version probe. Framing follows the PostgreSQL frontend/backend v3
// wire format (bit-exact, big-endian).
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// ProtocolVersion3 is protocol version 3.0: major in the high 16
	// bits, minor in the low 16 bits.
	ProtocolVersion3 uint32 = 3 << 16

	// startupBodyCapacity is the fixed capacity of the startup
	// message's parameter body.
	startupBodyCapacity = 1024

	msgTerminate byte = 'X'
	msgQuery     byte = 'Q'
)

// OverflowField names which startup parameter overflowed the fixed
// body capacity, so callers can build the exact user-facing message.
type OverflowField int

const (
	OverflowUser OverflowField = iota
	OverflowDatabase
	OverflowApplicationName
	OverflowTerminator
)

func (f OverflowField) String() string {
	switch f {
	case OverflowUser:
		return "user name is too long"
	case OverflowDatabase:
		return "database name is too long"
	case OverflowApplicationName:
		return "application name is too long"
	default:
		return "startup parameters are too long"
	}
}

// FrameError reports a fixed-capacity overflow while building a frame.
type FrameError struct {
	Field OverflowField
}

func (e *FrameError) Error() string {
	return e.Field.String()
}

// StartupPacket is the encoded startup message plus its parsed
// shorthand fields. The invariant Length == len(Raw) == 4 (length) +
// 4 (protocol) + len(body) holds by construction.
type StartupPacket struct {
	Raw             []byte
	Length          uint32
	ProtocolMajor   uint16
	ProtocolMinor   uint16
	Database        string
	User            string
	ApplicationName string
}

// BuildStartup encodes a startup message for user/database (and an
// optional application_name), checking the fixed 1024-byte body
// capacity as each field is appended: user overflow is detected
// before database overflow, database overflow before the terminator.
func BuildStartup(user, database, applicationName string) (*StartupPacket, error) {
	body := make([]byte, 0, startupBodyCapacity)

	body, err := appendParam(body, "user", user, OverflowUser)
	if err != nil {
		return nil, err
	}
	body, err = appendParam(body, "database", database, OverflowDatabase)
	if err != nil {
		return nil, err
	}
	if applicationName != "" {
		body, err = appendParam(body, "application_name", applicationName, OverflowApplicationName)
		if err != nil {
			return nil, err
		}
	}
	if len(body)+1 > startupBodyCapacity {
		return nil, &FrameError{Field: OverflowTerminator}
	}
	body = append(body, 0) // terminator

	length := uint32(4 + 4 + len(body))
	raw := make([]byte, 0, length)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, length)
	raw = append(raw, lenBuf...)
	verBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(verBuf, ProtocolVersion3)
	raw = append(raw, verBuf...)
	raw = append(raw, body...)

	return &StartupPacket{
		Raw:             raw,
		Length:          length,
		ProtocolMajor:   3,
		ProtocolMinor:   0,
		Database:        database,
		User:            user,
		ApplicationName: applicationNameOrEmpty(applicationName),
	}, nil
}

func applicationNameOrEmpty(s string) string {
	return s
}

// appendParam appends "key\0value\0" to body, failing with field if
// the fixed capacity would be exceeded.
func appendParam(body []byte, key, value string, field OverflowField) ([]byte, error) {
	addition := len(key) + 1 + len(value) + 1
	if len(body)+addition > startupBodyCapacity {
		return nil, &FrameError{Field: field}
	}
	body = append(body, key...)
	body = append(body, 0)
	body = append(body, value...)
	body = append(body, 0)
	return body, nil
}

// DecodeStartup parses a raw startup message back into its shorthand
// fields. It round-trips BuildStartup's output: a startup packet
// framed then reparsed yields byte-identical user and database
// fields.
func DecodeStartup(raw []byte) (*StartupPacket, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("startup message too short: %d bytes", len(raw))
	}
	length := binary.BigEndian.Uint32(raw[0:4])
	if int(length) != len(raw) {
		return nil, fmt.Errorf("startup length mismatch: header says %d, got %d bytes", length, len(raw))
	}
	proto := binary.BigEndian.Uint32(raw[4:8])
	major := uint16(proto >> 16)
	minor := uint16(proto & 0xFFFF)

	params := raw[8:]
	sp := &StartupPacket{
		Raw:           raw,
		Length:        length,
		ProtocolMajor: major,
		ProtocolMinor: minor,
	}

	for len(params) > 1 {
		key, rest, ok := readCString(params)
		if !ok {
			break
		}
		if key == "" {
			break
		}
		val, rest2, ok := readCString(rest)
		if !ok {
			break
		}
		switch key {
		case "user":
			sp.User = val
		case "database":
			sp.Database = val
		case "application_name":
			sp.ApplicationName = val
		}
		params = rest2
	}

	return sp, nil
}

// readCString reads a NUL-terminated string from data, returning the
// string, the remaining bytes after the NUL, and whether a NUL was
// found.
func readCString(data []byte) (string, []byte, bool) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], true
		}
	}
	return "", data, false
}

// Terminate returns the 5-byte termination message: 'X' followed by
// a 4-byte length (4, including itself) and no body.
func Terminate() []byte {
	buf := make([]byte, 5)
	buf[0] = msgTerminate
	binary.BigEndian.PutUint32(buf[1:5], 4)
	return buf
}

// SimpleQuery encodes a simple-query message ('Q') for the given SQL
// text, used by the version probe to issue "SELECT version()".
func SimpleQuery(sql string) []byte {
	payload := append([]byte(sql), 0)
	length := uint32(4 + len(payload))
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgQuery
	binary.BigEndian.PutUint32(buf[1:5], length)
	copy(buf[5:], payload)
	return buf
}
