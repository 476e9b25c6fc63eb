package nvmemi

import (
	"testing"
)

func miResponseHeader(opcode byte, status byte) []byte {
	return []byte{NMIMTMI | RORBit, opcode, 0, 0, status}
}

// TestDecodeHealthStatusPollTemperature:
// a Health Status Poll response whose Composite Temperature decodes to
// "45°C" with success=true, status=0.
func TestDecodeHealthStatusPollTemperature(t *testing.T) {
	body := make([]byte, 19)
	// composite temperature = 45 + 273 = 318 K, little-endian at offset 2.
	body[2] = byte(318 & 0xFF)
	body[3] = byte(318 >> 8)
	payload := append(miResponseHeader(OpHealthStatusPoll, 0), body...)

	resp, err := Decode(payload, OpHealthStatusPoll, nil)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected success=true")
	}
	if resp.StatusCode != 0 {
		t.Fatalf("status_code = %d, want 0", resp.StatusCode)
	}
	fv, ok := resp.Get("composite_temperature")
	if !ok {
		t.Fatal("missing composite_temperature field")
	}
	if fv.Value != "45°C" {
		t.Fatalf("composite_temperature = %v, want 45°C", fv.Value)
	}
}

// TestDecodeSMARTLogTemperatureAndSpare:
// bytes 1-2 = 0x29 0x01 (297 K) decodes to "24°C"; byte 3 = 0x5A decodes
// Available Spare to "90%".
func TestDecodeSMARTLogTemperatureAndSpare(t *testing.T) {
	body := make([]byte, 512)
	body[1] = 0x29
	body[2] = 0x01
	body[3] = 0x5A
	payload := append(miResponseHeader(AdminDecoderKey(AdminOpGetLogPage, 0x02), 0), body...)

	resp, err := Decode(payload, AdminDecoderKey(AdminOpGetLogPage, 0x02), nil)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	temp, ok := resp.Get("composite_temperature")
	if !ok || temp.Value != "24°C" {
		t.Fatalf("composite_temperature = %v, want 24°C", temp.Value)
	}
	spare, ok := resp.Get("available_spare")
	if !ok || spare.Value != "90%" {
		t.Fatalf("available_spare = %v, want 90%%", spare.Value)
	}
}

func TestDecodeFieldOrderIsInsertionOrder(t *testing.T) {
	body := make([]byte, 19)
	payload := append(miResponseHeader(OpHealthStatusPoll, 0), body...)
	resp, err := Decode(payload, OpHealthStatusPoll, nil)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	fields := resp.Fields()
	if len(fields) == 0 {
		t.Fatal("expected non-empty field list")
	}
	if fields[0].Name != "nmimt_ror" {
		t.Fatalf("first field = %q, want nmimt_ror", fields[0].Name)
	}
}

func TestDecodeTruncatedResponse(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x01}, OpHealthStatusPoll, nil)
	if err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestDecodeNonZeroStatusSetsSuccessFalse(t *testing.T) {
	body := make([]byte, 19)
	payload := append(miResponseHeader(OpHealthStatusPoll, 0x02), body...)
	resp, err := Decode(payload, OpHealthStatusPoll, nil)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if resp.Success {
		t.Fatal("expected success=false for non-zero status")
	}
}

func TestCriticalWarningFlagsDecode(t *testing.T) {
	f := WarnTemperatureExceeded | WarnReadOnlyMode
	got := f.Decode()
	want := map[string]bool{"Temperature Exceeded": true, "Read Only Mode": true}
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 entries", got)
	}
	for _, name := range got {
		if !want[name] {
			t.Fatalf("unexpected warning name %q", name)
		}
	}
	if CriticalWarningFlags(0).Decode()[0] != "None" {
		t.Fatal("expected [\"None\"] for zero flags")
	}
}

func TestDecodeStrictUnknownOpcode(t *testing.T) {
	payload := miResponseHeader(0xEE, 0)

	resp, err := Decode(payload, 0xEE, nil)
	if err != nil {
		t.Fatalf("lenient Decode failed: %v", err)
	}
	if _, ok := resp.Get("raw"); !ok {
		t.Fatal("lenient decode should fall back to the hex-dump decoder")
	}

	resp, err = DecodeStrict(payload, 0xEE, nil)
	if err == nil {
		t.Fatal("DecodeStrict should reject an unregistered opcode")
	}
	if resp == nil || !resp.Partial {
		t.Fatal("strict failure should still return a partial response")
	}
}
