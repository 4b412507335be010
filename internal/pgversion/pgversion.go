// Package pgversion probes a backend once per process lifetime for its
// server version string and memoizes the normalized (major, minor)
// pair. The probe is idempotent under concurrent
// callers: the first to finish publishes the result, and every other
// caller observes either the fully-populated struct or triggers its
// own redundant (harmless) probe that publishes an equal value.
package pgversion

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/poolcore/poolcore/internal/wire"
)

// PgVersion is the process-wide memoized server version. major == 0
// means uninitialized; writers publish major last so
// that any observer seeing major != 0 is guaranteed minor and
// VersionString are already fully set.
type PgVersion struct {
	Major         int32
	Minor         int32
	VersionString string
}

// cached holds the single process-wide slot. It is only ever replaced
// wholesale via CompareAndSwap, never mutated in place, so readers
// never observe a partially-built struct.
var cached atomic.Pointer[PgVersion]

// Range bounds outside which a parsed version is rejected as fatal
// (the caller kills the process).
const (
	minValidMajor = 60
	maxValidMajor = 1000
	minValidMinor = 0
	maxValidMinor = 100
)

// FatalVersionError reports a version string that parsed but fell
// outside the valid range, or that could not be parsed at all. This
// is always fatal — there is no recoverable path.
type FatalVersionError struct {
	Raw    string
	Reason string
}

func (e *FatalVersionError) Error() string {
	return fmt.Sprintf("fatal version error: %s (raw=%q)", e.Reason, e.Raw)
}

// SessionConn is the minimal surface the probe needs from an
// already-built backend session: enough to write the version query and
// read the simple-query response stream. *session.FramedConn satisfies
// this without the probe needing to import the session package.
type SessionConn interface {
	io.Reader
	io.Writer
}

// Probe returns the memoized PgVersion, probing conn for
// "SELECT version()" on first call. Subsequent calls on any
// connection return the cached value without touching the wire.
func Probe(conn SessionConn) (*PgVersion, error) {
	if v := cached.Load(); v != nil {
		return v, nil
	}

	raw, err := queryVersionString(conn)
	if err != nil {
		return nil, err
	}

	v, err := parseVersionString(raw)
	if err != nil {
		return nil, err
	}

	// First writer wins: if another goroutine already published while
	// we were probing, keep its value rather than overwrite it — both
	// values are derived from the same backend, so either is correct,
	// but only one must be the value every later reader observes.
	cached.CompareAndSwap(nil, v)
	return cached.Load(), nil
}

// Cached returns the memoized PgVersion without probing, or nil if no
// probe has completed yet. Used by read-only inspection surfaces that
// must not trigger a wire round-trip.
func Cached() *PgVersion {
	return cached.Load()
}

// Reset clears the memoized version. It exists only for tests: the
// production core never invalidates PgVersion during a process's
// lifetime.
func Reset() {
	cached.Store(nil)
}

// queryVersionString issues "SELECT version()" over conn and reads the
// simple-query response stream through to ReadyForQuery, extracting
// the first column of the first data row.
func queryVersionString(conn SessionConn) (string, error) {
	if _, err := conn.Write(wire.SimpleQuery("SELECT version()")); err != nil {
		return "", fmt.Errorf("sending version query: %w", err)
	}

	var versionString string
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return "", fmt.Errorf("reading version query response: %w", err)
		}

		switch msg.Type {
		case 'T': // RowDescription — not needed, column count is fixed.
			continue
		case 'D': // DataRow
			versionString = firstColumn(msg.Payload)
		case 'E': // ErrorResponse
			return "", fmt.Errorf("version query failed: %s", wire.ParseErrorMessage(msg.Payload))
		case 'C': // CommandComplete
			continue
		case 'Z': // ReadyForQuery
			if versionString == "" {
				return "", fmt.Errorf("version query returned no rows")
			}
			return versionString, nil
		default:
			continue
		}
	}
}

// firstColumn extracts the first column's text value from a DataRow
// payload: a 2-byte column count, then per column a 4-byte length (or
// -1 for NULL) followed by that many bytes of text.
func firstColumn(payload []byte) string {
	if len(payload) < 2 {
		return ""
	}
	if len(payload) < 6 {
		return ""
	}
	colLen := int32(uint32(payload[2])<<24 | uint32(payload[3])<<16 | uint32(payload[4])<<8 | uint32(payload[5]))
	if colLen < 0 {
		return ""
	}
	start := 6
	end := start + int(colLen)
	if end > len(payload) {
		return ""
	}
	return string(payload[start:end])
}

// parseVersionString normalizes a "PostgreSQL X.Y.Z ..." or
// "PostgreSQL X.Y ..." response into (major, minor), following the
// rule:
//
//	X < 10:  major = X*10 + Y, minor = Z
//	X >= 10: major = X*10,     minor = Y
//
// Component extraction uses "collect digits, lenient atoi" (an empty
// digit run parses as 0), which handles malformed trailing
// components like "12beta1" leniently rather than erroring.
func parseVersionString(raw string) (*PgVersion, error) {
	const prefix = "PostgreSQL "
	rest := raw
	if strings.HasPrefix(raw, prefix) {
		rest = raw[len(prefix):]
	}

	x, afterX := leadingInt(rest)
	afterX = skipByte(afterX, '.')
	y, afterY := leadingInt(afterX)

	var major, minor int32
	if x < 10 {
		afterY = skipByte(afterY, '.')
		z, _ := leadingInt(afterY)
		major = int32(x*10 + y)
		minor = int32(z)
	} else {
		major = int32(x * 10)
		minor = int32(y)
	}

	if major < minValidMajor || major > maxValidMajor || minor < minValidMinor || minor > maxValidMinor {
		return nil, &FatalVersionError{Raw: raw, Reason: fmt.Sprintf("major=%d minor=%d out of range", major, minor)}
	}

	return &PgVersion{Major: major, Minor: minor, VersionString: raw}, nil
}

// leadingInt collects a leading run of ASCII digits from s and parses
// it with lenient atoi: an empty run parses as 0 rather than erroring.
// Returns the parsed value and the remainder of s after the digit run.
func leadingInt(s string) (int, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, s
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, s[i:]
	}
	return n, s[i:]
}

// skipByte advances past one occurrence of b if s starts with it,
// rather than failing on its absence.
func skipByte(s string, b byte) string {
	if len(s) > 0 && s[0] == b {
		return s[1:]
	}
	return s
}
