package wire

import (
	"strings"
	"testing"
)

func TestBuildStartupRoundTrip(t *testing.T) {
	sp, err := BuildStartup("alice", "app", "")
	if err != nil {
		t.Fatalf("BuildStartup: %v", err)
	}

	// length = 4 (length field) + 4 (protocol) + "user\0alice\0database\0app\0" + terminator(1)
	wantLen := uint32(4 + 4 + len("user\x00alice\x00database\x00app\x00") + 1)
	if sp.Length != wantLen {
		t.Errorf("Length = %d, want %d", sp.Length, wantLen)
	}
	if uint32(len(sp.Raw)) != sp.Length {
		t.Errorf("len(Raw) = %d, want Length %d", len(sp.Raw), sp.Length)
	}

	decoded, err := DecodeStartup(sp.Raw)
	if err != nil {
		t.Fatalf("DecodeStartup: %v", err)
	}
	if decoded.User != "alice" {
		t.Errorf("decoded.User = %q, want alice", decoded.User)
	}
	if decoded.Database != "app" {
		t.Errorf("decoded.Database = %q, want app", decoded.Database)
	}
	if decoded.ProtocolMajor != 3 || decoded.ProtocolMinor != 0 {
		t.Errorf("protocol = %d.%d, want 3.0", decoded.ProtocolMajor, decoded.ProtocolMinor)
	}
}

func TestBuildStartupBytesExact(t *testing.T) {
	sp, err := BuildStartup("alice", "app", "")
	if err != nil {
		t.Fatalf("BuildStartup: %v", err)
	}

	want := []byte{0x00, 0x00, 0x00, 0x21, 0x00, 0x03, 0x00, 0x00}
	want = append(want, "user\x00alice\x00database\x00app\x00\x00"...)

	if string(sp.Raw) != string(want) {
		t.Errorf("Raw = %q, want %q", sp.Raw, want)
	}
}

func TestBuildStartupUserOverflow(t *testing.T) {
	longUser := strings.Repeat("a", 2000)
	_, err := BuildStartup(longUser, "app", "")
	if err == nil {
		t.Fatal("expected overflow error")
	}
	fe, ok := err.(*FrameError)
	if !ok {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if fe.Field != OverflowUser {
		t.Errorf("Field = %v, want OverflowUser", fe.Field)
	}
	if fe.Error() != "user name is too long" {
		t.Errorf("Error() = %q", fe.Error())
	}
}

func TestBuildStartupDatabaseOverflow(t *testing.T) {
	longDB := strings.Repeat("d", 2000)
	_, err := BuildStartup("alice", longDB, "")
	if err == nil {
		t.Fatal("expected overflow error")
	}
	fe, ok := err.(*FrameError)
	if !ok {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if fe.Field != OverflowDatabase {
		t.Errorf("Field = %v, want OverflowDatabase", fe.Field)
	}
	if fe.Error() != "database name is too long" {
		t.Errorf("Error() = %q", fe.Error())
	}
}

func TestBuildStartupUserOverflowDetectedBeforeDatabase(t *testing.T) {
	// Both fields are individually too long; user must be detected first.
	longUser := strings.Repeat("a", 1100)
	longDB := strings.Repeat("d", 1100)
	_, err := BuildStartup(longUser, longDB, "")
	fe, ok := err.(*FrameError)
	if !ok {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if fe.Field != OverflowUser {
		t.Errorf("Field = %v, want OverflowUser (detected first)", fe.Field)
	}
}

func TestTerminate(t *testing.T) {
	got := Terminate()
	want := []byte{'X', 0x00, 0x00, 0x00, 0x04}
	if string(got) != string(want) {
		t.Errorf("Terminate() = %v, want %v", got, want)
	}
}

func TestSimpleQuery(t *testing.T) {
	got := SimpleQuery("SELECT version()")
	if got[0] != 'Q' {
		t.Errorf("message type = %c, want Q", got[0])
	}
}
