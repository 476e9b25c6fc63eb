package nvmemi

import (
	"fmt"

	"github.com/jpmutschler/sphinx-mi/decoder"
	"github.com/jpmutschler/sphinx-mi/internal/sphinxerr"
)

// Decode parses the 4-byte NVMe-MI message header from payload,
// resolves a decoder for its opcode via the decoder registry, and runs
// it over the remaining bytes. opcode and vendorID are the caller's
// own routing hints (normally read from the outbound request that
// this is a response to); the header's own opcode byte is recorded as
// the response_opcode field and is not checked against opcode.
//
// A non-zero status code sets Success=false on the returned response;
// the decoder still runs so as many fields as possible are populated.
func Decode(payload []byte, opcode byte, vendorID *uint16) (*decoder.DecodedResponse, error) {
	return decode(payload, opcode, vendorID, false)
}

// DecodeStrict behaves like Decode but returns an unknown-opcode
// error instead of falling back to the generic hex-dump decoder when
// nothing is registered for opcode.
func DecodeStrict(payload []byte, opcode byte, vendorID *uint16) (*decoder.DecodedResponse, error) {
	return decode(payload, opcode, vendorID, true)
}

func decode(payload []byte, opcode byte, vendorID *uint16, strict bool) (*decoder.DecodedResponse, error) {
	if len(payload) < 5 {
		return nil, truncated(5, len(payload))
	}

	nmimtROR := payload[0]
	respOpcode := payload[1]
	statusCode := payload[4]
	body := payload[5:]

	resp := decoder.NewDecodedResponse(opcode, payload)
	resp.VendorID = vendorID
	resp.StatusCode = statusCode
	resp.Success = statusCode == 0

	resp.Set("nmimt_ror", nmimtROR, decoder.Span{Offset: 0, Length: 1})
	resp.Set("response_opcode", respOpcode, decoder.Span{Offset: 1, Length: 1})
	resp.Set("status_code", statusCode, decoder.Span{Offset: 4, Length: 1})

	dec, registered := decoder.Lookup(opcode, vendorID)
	if !registered {
		if strict {
			resp.Partial = true
			return resp, sphinxerr.Newf(sphinxerr.Decode, "unknown opcode 0x%02X", opcode).WithField("opcode")
		}
		dec = decoder.GenericDecoder
	}
	if err := dec.Decode(body, resp); err != nil {
		resp.Partial = true
		return resp, err
	}
	return resp, nil
}

func kelvinToCelsius(k uint16) int {
	return int(k) - 273
}

func percentString(p byte) string {
	return fmt.Sprintf("%d%%", p)
}

func celsiusString(k uint16) string {
	return fmt.Sprintf("%d°C", kelvinToCelsius(k))
}

// truncated returns a Decode-kind error for a response shorter than a
// layout requires.
func truncated(want, got int) error {
	return sphinxerr.Newf(sphinxerr.Decode, "truncated response: need %d bytes, have %d", want, got).WithField("length")
}
