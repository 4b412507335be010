package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxMessageLen bounds message payload size read from a backend to
// guard against a corrupt or malicious length field.
const maxMessageLen = 1 << 24

// Message is one length-prefixed backend protocol message: a type
// byte followed by a 4-byte length (including itself) and a payload.
type Message struct {
	Type    byte
	Payload []byte
}

// ReadMessage reads one typed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var typeBuf [1]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return Message{}, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	payloadLen := int(binary.BigEndian.Uint32(lenBuf[:])) - 4
	if payloadLen < 0 || payloadLen > maxMessageLen {
		return Message{}, fmt.Errorf("invalid message length: %d", payloadLen)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, err
		}
	}
	return Message{Type: typeBuf[0], Payload: payload}, nil
}

// WriteMessage writes one typed message to w.
func WriteMessage(w io.Writer, msgType byte, payload []byte) error {
	length := uint32(len(payload) + 4)
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], length)
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// ParseErrorMessage extracts the human-readable message ('M') field
// from a backend ErrorResponse payload.
func ParseErrorMessage(payload []byte) string {
	for i := 0; i < len(payload); i++ {
		fieldType := payload[i]
		if fieldType == 0 {
			break
		}
		i++
		end := i
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		if fieldType == 'M' {
			return string(payload[i:end])
		}
		i = end
	}
	return "unknown error"
}
