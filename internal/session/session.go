// Package session builds and tears down one authenticated backend
// session: transport open, optional TLS negotiation, startup
// transmission, authentication, and graceful termination.
// Construction is all-or-nothing: any failure releases
// every resource acquired so far before returning.
package session

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/poolcore/poolcore/internal/model"
	"github.com/poolcore/poolcore/internal/transport"
	"github.com/poolcore/poolcore/internal/wire"
)

// ErrorKind classifies a SessionError by failure stage.
type ErrorKind int

const (
	KindConnect ErrorKind = iota
	KindTLSNegotiation
	KindUserTooLong
	KindDatabaseTooLong
	KindAuthenticationRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindTLSNegotiation:
		return "tls_negotiation"
	case KindUserTooLong:
		return "user_too_long"
	case KindDatabaseTooLong:
		return "database_too_long"
	case KindAuthenticationRejected:
		return "authentication_rejected"
	default:
		return "unknown"
	}
}

// SessionError is the strict-variant failure type for Build.
type SessionError struct {
	Kind   ErrorKind
	Detail string
	Cause  error
}

func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *SessionError) Unwrap() error { return e.Cause }

// FramedConn tags a raw connection as a backend connection and
// stamps the node id it was built for. It keeps the pre-TLS raw
// connection alongside the possibly-TLS-wrapped one, since the
// non-blocking toggle used during termination must operate on the
// real file descriptor.
type FramedConn struct {
	net.Conn           // the active connection (TLS-wrapped if negotiated)
	raw       net.Conn // the underlying raw socket, for SetNonblocking
	NodeID    int32
}

// TLSNegotiator upgrades a freshly-dialed connection to a transport-
// secured one, or returns it unchanged if TLS is not required. A
// no-op implementation is valid.
type TLSNegotiator interface {
	Negotiate(conn net.Conn) (net.Conn, error)
}

// NoTLS is a TLSNegotiator that never upgrades the connection.
type NoTLS struct{}

func (NoTLS) Negotiate(conn net.Conn) (net.Conn, error) { return conn, nil }

// Authenticator runs the authentication sub-protocol against an
// already-started session, feeding the optional password on
// challenge.
type Authenticator interface {
	Authenticate(conn net.Conn, creds model.Credentials) error
}

// SessionSlot exclusively owns one backend connection and its startup
// packet. Only Build/TryBuild may construct one.
type SessionSlot struct {
	Connection *FramedConn
	Startup    *wire.StartupPacket
	NodeID     int32
	CloseTime  time.Time
}

// Builder constructs sessions against a transport-security negotiator
// and an authentication handler, both supplied by the caller as
// external collaborators.
type Builder struct {
	TLS         TLSNegotiator
	Auth        Authenticator
	RetryPolicy transport.RetryPolicy
}

// NewBuilder returns a Builder with no-op TLS and the given
// authenticator.
func NewBuilder(auth Authenticator) *Builder {
	return &Builder{TLS: NoTLS{}, Auth: auth, RetryPolicy: transport.DefaultRetryPolicy}
}

// Build constructs one session slot for nodeID at endpoint,
// authenticating with creds. On any failure, every resource acquired
// so far (fd, buffers) is released before the error is returned —
// this all-or-nothing guarantee is the central invariant of Build.
func (b *Builder) Build(nodeID int32, endpoint model.BackendEndpoint, creds model.Credentials, retry bool) (slot *SessionSlot, err error) {
	// cleanups holds the release actions to run unless committed:
	// every acquisition pushes its own release, and a single defer
	// unwinds them in order unless the build fully succeeds.
	var cleanups []func()
	defer func() {
		if err != nil {
			for i := len(cleanups) - 1; i >= 0; i-- {
				cleanups[i]()
			}
		}
	}()

	rawConn, connErr := transport.Connect(endpoint, retry, b.RetryPolicy)
	if connErr != nil {
		return nil, &SessionError{Kind: KindConnect, Detail: fmt.Sprintf("node %d", nodeID), Cause: connErr}
	}
	cleanups = append(cleanups, func() { rawConn.Close() })

	securedConn, tlsErr := b.TLS.Negotiate(rawConn)
	if tlsErr != nil {
		return nil, &SessionError{Kind: KindTLSNegotiation, Detail: fmt.Sprintf("node %d", nodeID), Cause: tlsErr}
	}

	fc := &FramedConn{Conn: securedConn, raw: rawConn, NodeID: nodeID}

	startup, buildErr := wire.BuildStartup(creds.User, creds.Database, "")
	if buildErr != nil {
		if fe, ok := buildErr.(*wire.FrameError); ok {
			kind := KindUserTooLong
			if fe.Field == wire.OverflowDatabase {
				kind = KindDatabaseTooLong
			}
			return nil, &SessionError{Kind: kind, Detail: fe.Error(), Cause: buildErr}
		}
		return nil, &SessionError{Kind: KindUserTooLong, Detail: buildErr.Error(), Cause: buildErr}
	}

	if _, writeErr := fc.Write(startup.Raw); writeErr != nil {
		return nil, &SessionError{Kind: KindConnect, Detail: "sending startup message", Cause: writeErr}
	}

	if authErr := b.Auth.Authenticate(fc, creds); authErr != nil {
		return nil, &SessionError{Kind: KindAuthenticationRejected, Detail: fmt.Sprintf("node %d", nodeID), Cause: authErr}
	}

	return &SessionSlot{
		Connection: fc,
		Startup:    startup,
		NodeID:     nodeID,
	}, nil
}

// TryBuild is the swallowing variant: it logs and returns (nil, false)
// on any failure instead of propagating an error, for optional or
// opportunistic connections.
func (b *Builder) TryBuild(nodeID int32, endpoint model.BackendEndpoint, creds model.Credentials, retry bool) (*SessionSlot, bool) {
	slot, err := b.Build(nodeID, endpoint, creds, retry)
	if err != nil {
		return nil, false
	}
	return slot, true
}

// Discard tears down a session slot: it writes the termination
// message, flushes any pending bytes with the socket temporarily
// made non-blocking (so a backend that has already closed its side
// cannot hang the flush), then closes the connection and releases
// the slot.
func Discard(slot *SessionSlot) {
	if slot == nil || slot.Connection == nil {
		return
	}
	conn := slot.Connection

	// Best-effort: a write error here just means the backend is
	// already gone, which is the expected case this whole dance
	// exists to handle.
	_, _ = conn.Write(wire.Terminate())

	flushNonBlocking(conn)

	conn.Close()
	slot.CloseTime = time.Now()
}

// rawSyscallConn is satisfied by *net.TCPConn and *net.UnixConn, the
// only raw connection types transport.Connect produces.
type rawSyscallConn interface {
	SyscallConn() (syscall.RawConn, error)
}

// flushNonBlocking toggles the raw fd non-blocking, drains whatever
// is immediately available, and restores blocking mode. Residual
// bytes are dropped rather than escalated. Best-effort:
// a connection type that doesn't expose a raw fd (e.g. net.Pipe in
// tests) is simply skipped.
func flushNonBlocking(conn *FramedConn) {
	sc, ok := conn.raw.(rawSyscallConn)
	if !ok {
		return
	}
	if err := transport.SetNonblocking(sc, true); err != nil {
		return
	}
	defer transport.SetNonblocking(sc, false)

	buf := make([]byte, 4096)
	conn.raw.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	for {
		if _, err := conn.raw.Read(buf); err != nil {
			return
		}
	}
}
