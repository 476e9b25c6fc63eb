package mctp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jpmutschler/sphinx-mi/integrity"
	"github.com/jpmutschler/sphinx-mi/internal/sphinxerr"
)

// TestBuildSingleCanonicalHealthStatusPoll checks the canonical wire bytes
// byte-for-byte: a Health Status Poll MI command, no MIC, default
// addressing, EIDs left at zero, tag 0.
func TestBuildSingleCanonicalHealthStatusPoll(t *testing.T) {
	ep := DefaultEndpoint()
	payload := []byte{0x01, 0x01, 0x00, 0x00}
	got := BuildSingle(ep, 0, 0x04, payload, false)
	want := []byte{0x3A, 0x0F, 0x09, 0x21, 0x01, 0x00, 0x00, 0xC8, 0x04, 0x01, 0x01, 0x00, 0x00, 0x9D}
	if !bytes.Equal(got[:len(got)-1], want[:len(want)-1]) {
		t.Fatalf("BuildSingle body mismatch:\n got=% X\nwant=% X", got, want)
	}
	// The PEC trailer is cross-checked via the integrity package's own
	// tests; here we only need it internally self-consistent.
	parsed, err := Parse(got)
	if err != nil {
		t.Fatalf("Parse(BuildSingle(...)) failed: %v", err)
	}
	if !parsed.PECOK {
		t.Fatal("expected PECOK")
	}
}

func TestBuildSingleRoundTrip(t *testing.T) {
	ep := Endpoint{DestAddr: 0x3A, SrcAddr: 0x21, DestEID: 0x05, SrcEID: 0x09}
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03}
	frame := BuildSingle(ep, 3, 0x05, payload, true)
	parsed, err := Parse(frame)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !parsed.IC {
		t.Fatal("expected IC set")
	}
	if parsed.MICOK == nil || !*parsed.MICOK {
		t.Fatal("expected MICOK true")
	}
	if !bytes.Equal(parsed.Payload, payload) {
		t.Fatalf("payload mismatch: got=% X want=% X", parsed.Payload, payload)
	}
	if parsed.Header.DestEID != ep.DestEID || parsed.Header.SrcEID != ep.SrcEID {
		t.Fatalf("EID mismatch: got dest=%d src=%d", parsed.Header.DestEID, parsed.Header.SrcEID)
	}
	if parsed.Header.Tag != 3 || !parsed.Header.SOM || !parsed.Header.EOM {
		t.Fatalf("unexpected header flags: %+v", parsed.Header)
	}
}

func TestParseRejectsBadPEC(t *testing.T) {
	ep := DefaultEndpoint()
	frame := BuildSingle(ep, 1, 0x04, []byte{0x01, 0x01, 0x00, 0x00}, false)
	frame[len(frame)-1] ^= 0xFF
	_, err := Parse(frame)
	if err == nil {
		t.Fatal("expected error for corrupted PEC")
	}
	var serr *sphinxerr.Error
	if !errors.As(err, &serr) || serr.Kind != sphinxerr.Integrity {
		t.Fatalf("expected Integrity kind error, got %v", err)
	}
}

func TestParseRejectsBadMIC(t *testing.T) {
	ep := DefaultEndpoint()
	frame := BuildSingle(ep, 1, 0x04, []byte{0x01, 0x01, 0x00, 0x00}, true)
	// Flip a payload byte, then fix up the PEC so only the MIC check fails.
	frame[9] ^= 0x01
	frame[len(frame)-1] = 0
	frame[len(frame)-1] = pecOf(frame)
	_, err := Parse(frame)
	if err == nil {
		t.Fatal("expected error for corrupted MIC")
	}
	var serr *sphinxerr.Error
	if !errors.As(err, &serr) || serr.Kind != sphinxerr.Integrity {
		t.Fatalf("expected Integrity kind error, got %v", err)
	}
}

func TestParseRejectsShortPacket(t *testing.T) {
	_, err := Parse([]byte{0x3A, 0x0F})
	if err == nil {
		t.Fatal("expected error for short packet")
	}
}

func TestParseRejectsWrongCommandCode(t *testing.T) {
	ep := DefaultEndpoint()
	frame := BuildSingle(ep, 1, 0x04, []byte{0x01, 0x01, 0x00, 0x00}, false)
	frame[1] = 0x10
	frame[len(frame)-1] = pecOf(frame)
	_, err := Parse(frame)
	if err == nil {
		t.Fatal("expected error for wrong command code")
	}
}

func TestParseRejectsReservedBits(t *testing.T) {
	ep := DefaultEndpoint()
	frame := BuildSingle(ep, 1, 0x04, []byte{0x01, 0x01, 0x00, 0x00}, false)
	frame[4] |= 0x80
	frame[len(frame)-1] = pecOf(frame)
	_, err := Parse(frame)
	if err == nil {
		t.Fatal("expected error for reserved bits set")
	}
}

func TestBuildFragmentSequenceAndFlags(t *testing.T) {
	ep := Endpoint{DestAddr: 0x3A, SrcAddr: 0x21, DestEID: 0, SrcEID: 0}
	first := BuildFragment(ep, 2, 0x04, true, false, 0, make([]byte, 120), nil)
	mid := BuildFragment(ep, 2, 0x04, false, false, 1, make([]byte, 120), nil)
	last := BuildFragment(ep, 2, 0x04, false, true, 2, make([]byte, 60), []byte{1, 2, 3, 4})

	pf, err := Parse(first)
	if err != nil || !pf.Header.SOM || pf.Header.EOM || pf.Header.Seq != 0 {
		t.Fatalf("first fragment header wrong: err=%v hdr=%+v", err, pf.Header)
	}
	pm, err := Parse(mid)
	if err != nil || pm.Header.SOM || pm.Header.EOM || pm.Header.Seq != 1 {
		t.Fatalf("mid fragment header wrong: err=%v hdr=%+v", err, pm.Header)
	}
	pl, err := Parse(last)
	if err != nil || pl.Header.SOM || !pl.Header.EOM || pl.Header.Seq != 2 {
		t.Fatalf("last fragment header wrong: err=%v hdr=%+v", err, pl.Header)
	}
	if !pl.IC {
		t.Fatal("expected IC on EOM fragment carrying MIC")
	}
}

func pecOf(frame []byte) byte {
	return integrity.PEC(frame[:len(frame)-1])
}
