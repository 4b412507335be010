package session

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/poolcore/poolcore/internal/model"
	"github.com/poolcore/poolcore/internal/wire"
)

// PasswordAuthenticator runs the PostgreSQL authentication
// sub-protocol: it feeds the optional password on whichever challenge
// the backend issues (cleartext, MD5, or SCRAM-SHA-256) and reads
// through to ReadyForQuery.
//
// Generalized from a fixed pool-owned connection to an explicit
// session built for arbitrary credentials.
type PasswordAuthenticator struct{}

func (PasswordAuthenticator) Authenticate(conn net.Conn, creds model.Credentials) error {
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return fmt.Errorf("reading auth message: %w", err)
		}

		switch msg.Type {
		case 'R': // Authentication
			if len(msg.Payload) < 4 {
				return fmt.Errorf("authentication message too short")
			}
			authType := binary.BigEndian.Uint32(msg.Payload[:4])
			switch authType {
			case 0: // AuthenticationOk
				continue
			case 3: // AuthenticationCleartextPassword
				if err := sendPasswordMessage(conn, creds.Password); err != nil {
					return err
				}
			case 5: // AuthenticationMD5Password
				if len(msg.Payload) < 8 {
					return fmt.Errorf("MD5 auth message too short")
				}
				salt := msg.Payload[4:8]
				md5Pass := computeMD5Password(creds.User, creds.Password, salt)
				if err := sendPasswordMessage(conn, md5Pass); err != nil {
					return err
				}
			case 10: // AuthenticationSASL (SCRAM-SHA-256)
				if err := ScramSHA256(conn, creds.User, creds.Password, msg.Payload); err != nil {
					return fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return fmt.Errorf("unsupported auth type: %d", authType)
			}

		case 'Z': // ReadyForQuery
			return nil

		case 'E': // ErrorResponse
			return fmt.Errorf("backend error during auth: %s", wire.ParseErrorMessage(msg.Payload))

		case 'S', 'K': // ParameterStatus, BackendKeyData
			continue

		default:
			continue
		}
	}
}

func sendPasswordMessage(conn net.Conn, password string) error {
	payload := append([]byte(password), 0)
	return wire.WriteMessage(conn, 'p', payload)
}

// computeMD5Password computes the backend's MD5 password hash:
// "md5" + md5(md5(password + user) + salt).
func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

// ScramSHA256 performs the SASL SCRAM-SHA-256 exchange, given the
// already-read AuthenticationSASL payload (saslPayload). It is the
// only SCRAM implementation in the module — pool.TenantPool's own
// dial-time authentication calls this rather than keeping a second
// copy of the exchange.
func ScramSHA256(conn net.Conn, user, password string, saslPayload []byte) error {
	mechanisms := parseSASLMechanisms(saslPayload[4:])
	if !containsMechanism(mechanisms, "SCRAM-SHA-256") {
		return fmt.Errorf("server does not support SCRAM-SHA-256, offered: %v", mechanisms)
	}

	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	gs2Header := "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", saslEscapeUsername(user), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	if err := sendSASLInitialResponse(conn, "SCRAM-SHA-256", []byte(clientFirstMsg)); err != nil {
		return fmt.Errorf("sending SASL initial response: %w", err)
	}

	serverFirstMsg, err := readAuthMessage(conn, 11)
	if err != nil {
		return fmt.Errorf("reading server-first-message: %w", err)
	}

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return fmt.Errorf("parsing server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("server nonce does not start with client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)

	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)

	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := sendSASLResponse(conn, []byte(clientFinalMsg)); err != nil {
		return fmt.Errorf("sending SASL response: %w", err)
	}

	serverFinalMsg, err := readAuthMessage(conn, 12)
	if err != nil {
		return fmt.Errorf("reading server-final-message: %w", err)
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedServerSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedServerFinal := "v=" + base64.StdEncoding.EncodeToString(expectedServerSig)

	if string(serverFinalMsg) != expectedServerFinal {
		return fmt.Errorf("server signature mismatch")
	}

	return nil
}

func parseSASLMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	parts := strings.Split(msg, ",")
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			fmt.Sscanf(part[2:], "%d", &iterations)
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func sendSASLInitialResponse(conn net.Conn, mechanism string, clientFirstMsg []byte) error {
	var payload []byte
	payload = append(payload, mechanism...)
	payload = append(payload, 0)

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientFirstMsg)))
	payload = append(payload, lenBuf...)
	payload = append(payload, clientFirstMsg...)

	return wire.WriteMessage(conn, 'p', payload)
}

func sendSASLResponse(conn net.Conn, data []byte) error {
	return wire.WriteMessage(conn, 'p', data)
}

// readAuthMessage reads a backend Authentication message and verifies
// its auth subtype, returning the payload after the 4-byte auth type
// field.
func readAuthMessage(conn net.Conn, expectedAuthType uint32) ([]byte, error) {
	msg, err := wire.ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	if msg.Type == 'E' {
		return nil, fmt.Errorf("backend error: %s", wire.ParseErrorMessage(msg.Payload))
	}
	if msg.Type != 'R' {
		return nil, fmt.Errorf("expected Authentication message ('R'), got '%c'", msg.Type)
	}
	if len(msg.Payload) < 4 {
		return nil, fmt.Errorf("auth message too short: %d", len(msg.Payload))
	}
	authType := binary.BigEndian.Uint32(msg.Payload[:4])
	if authType != expectedAuthType {
		return nil, fmt.Errorf("expected auth type %d, got %d", expectedAuthType, authType)
	}
	return msg.Payload[4:], nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
