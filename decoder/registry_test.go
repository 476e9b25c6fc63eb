package decoder

import (
	"testing"
)

func stub(field string) Decoder {
	return DecoderFunc(func(data []byte, resp *DecodedResponse) error {
		resp.Set(field, true, Span{})
		return nil
	})
}

func decodeWith(t *testing.T, dec Decoder) *DecodedResponse {
	t.Helper()
	resp := NewDecodedResponse(0x01, nil)
	if err := dec.Decode(nil, resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestResolvePrefersVendorSpecific(t *testing.T) {
	r := NewRegistry()
	vendor := uint16(0x1B4B)
	r.Register(0x01, nil, stub("generic"))
	r.Register(0x01, &vendor, stub("vendor"))

	resp := decodeWith(t, r.Resolve(0x01, &vendor))
	if _, ok := resp.Get("vendor"); !ok {
		t.Fatal("vendor-specific decoder not selected")
	}

	other := uint16(0xFFFF)
	resp = decodeWith(t, r.Resolve(0x01, &other))
	if _, ok := resp.Get("generic"); !ok {
		t.Fatal("unknown vendor should fall back to the opcode decoder")
	}

	resp = decodeWith(t, r.Resolve(0x01, nil))
	if _, ok := resp.Get("generic"); !ok {
		t.Fatal("nil vendor should resolve the opcode decoder")
	}
}

func TestResolveUnregisteredFallsBackToGeneric(t *testing.T) {
	r := NewRegistry()
	dec := r.Resolve(0xEE, nil)

	resp := NewDecodedResponse(0xEE, nil)
	if err := dec.Decode([]byte{0xAB, 0xCD}, resp); err != nil {
		t.Fatalf("generic decode: %v", err)
	}
	fv, ok := resp.Get("raw")
	if !ok {
		t.Fatal("generic decoder should populate a raw field")
	}
	if fv.Value != "ABCD" {
		t.Fatalf("raw = %v, want ABCD", fv.Value)
	}
}

func TestLaterRegistrationWins(t *testing.T) {
	r := NewRegistry()
	r.Register(0x02, nil, stub("first"))
	r.Register(0x02, nil, stub("second"))

	resp := decodeWith(t, r.Resolve(0x02, nil))
	if _, ok := resp.Get("second"); !ok {
		t.Fatal("later registration should win")
	}
}

func TestFieldsPreserveInsertionOrder(t *testing.T) {
	resp := NewDecodedResponse(0x01, nil)
	names := []string{"zeta", "alpha", "mid", "alpha"}
	for i, n := range names {
		resp.Set(n, i, Span{Offset: i})
	}

	fields := resp.Fields()
	want := []string{"zeta", "alpha", "mid"}
	if len(fields) != len(want) {
		t.Fatalf("fields = %d, want %d", len(fields), len(want))
	}
	for i, n := range want {
		if fields[i].Name != n {
			t.Fatalf("fields[%d] = %s, want %s", i, fields[i].Name, n)
		}
	}
	// A re-Set keeps the original position but updates the value.
	if fields[1].Value.Value != 3 {
		t.Fatalf("alpha = %v, want 3", fields[1].Value.Value)
	}
}
