// Package mctp builds and parses MCTP-over-SMBus packets: the SMBus
// envelope, the 4-byte MCTP transport header, and the trailing
// integrity bytes (optional MIC, mandatory PEC). Builders never mutate
// caller input; every frame comes back as a fresh buffer.
package mctp

import (
	"encoding/binary"

	"github.com/jpmutschler/sphinx-mi/integrity"
	"github.com/jpmutschler/sphinx-mi/internal/sphinxerr"
)

// SMBus addressing and MCTP header defaults.
const (
	DefaultDestAddr byte = 0x3A // NVMe-MI slave address
	DefaultSrcAddr  byte = 0x21
	CommandCode     byte = 0x0F
	HeaderVersion   byte = 0x01
)

// Flag bit positions within the MCTP transport header flags byte.
const (
	flagSOM  = 0x80
	flagEOM  = 0x40
	flagSeq  = 0x30 // bits 5:4
	flagTO   = 0x08
	flagTag  = 0x07
	icBit    = 0x80
	seqShift = 4
)

// micLen and pecLen are the trailing integrity field widths.
const (
	micLen = 4
	pecLen = 1
	// headerFixedLen is Ver+DestEID+SrcEID+Flags.
	headerFixedLen = 4
)

// Header carries the MCTP transport header fields, decoded from or
// destined for the 4-byte on-wire transport header.
type Header struct {
	Version  byte
	DestEID  byte
	SrcEID   byte
	SOM      bool
	EOM      bool
	Seq      byte // 2 bits, 0..3
	TagOwner bool
	Tag      byte // 3 bits, 0..7
}

// Endpoint identifies the two SMBus-level addresses and MCTP-level EIDs
// used to build or expect a frame.
type Endpoint struct {
	DestAddr byte
	SrcAddr  byte
	DestEID  byte
	SrcEID   byte
}

// DefaultEndpoint returns the default SMBus addressing (NVMe-MI slave
// at 0x3A, host at 0x21) with both EIDs zero.
func DefaultEndpoint() Endpoint {
	return Endpoint{DestAddr: DefaultDestAddr, SrcAddr: DefaultSrcAddr}
}

// ParsedFrame is the result of Parse: every wire field plus the
// integrity verdicts the caller needs to decide whether to trust the
// payload.
type ParsedFrame struct {
	DestAddr  byte
	SrcAddr   byte
	ByteCount byte
	Header    Header
	MsgType   byte // base message type with the IC bit cleared
	IC        bool
	Payload   []byte
	MIC       uint32
	MICOK     *bool // nil unless IC is set
	PECOK     bool
}

func flagsByte(som, eom bool, seq byte, tagOwner bool, tag byte) byte {
	var b byte
	if som {
		b |= flagSOM
	}
	if eom {
		b |= flagEOM
	}
	b |= (seq & 0x03) << seqShift
	if tagOwner {
		b |= flagTO
	}
	b |= tag & flagTag
	return b
}

func encodeHeader(h Header) [headerFixedLen]byte {
	var buf [headerFixedLen]byte
	buf[0] = h.Version & 0x0F
	buf[1] = h.DestEID
	buf[2] = h.SrcEID
	buf[3] = flagsByte(h.SOM, h.EOM, h.Seq, h.TagOwner, h.Tag)
	return buf
}

// BuildSingle assembles a single-packet MCTP-over-SMBus frame carrying
// msgType/payload between ep's addresses and endpoints, tagged with
// tag. SOM=EOM=1 and seq=0 always. If integrityCheck is set,
// bit 7 of the message-type byte is set and a 4-byte little-endian
// CRC-32C MIC (computed over the message-type byte and payload) is
// appended immediately before the trailing PEC.
func BuildSingle(ep Endpoint, tag byte, msgType byte, payload []byte, integrityCheck bool) []byte {
	h := Header{
		Version:  HeaderVersion,
		DestEID:  ep.DestEID,
		SrcEID:   ep.SrcEID,
		SOM:      true,
		EOM:      true,
		Seq:      0,
		TagOwner: true,
		Tag:      tag,
	}
	return buildFrame(ep, h, msgType, payload, integrityCheck)
}

// BuildFragment assembles one fragment of a multi-packet MCTP message.
// som/eom/seq are caller-supplied: the first fragment has som=true
// eom=false seq=0, middle fragments have som=eom=false, and the last
// has som=false eom=true. mic, when non-nil, is the little-endian
// 4-byte CRC-32C MIC appended after chunk and before the PEC; the MIC
// covers the full reassembled payload and is only ever passed on the
// EOM fragment.
func BuildFragment(ep Endpoint, tag byte, msgType byte, som, eom bool, seq byte, chunk []byte, mic []byte) []byte {
	h := Header{
		Version:  HeaderVersion,
		DestEID:  ep.DestEID,
		SrcEID:   ep.SrcEID,
		SOM:      som,
		EOM:      eom,
		Seq:      seq & 0x03,
		TagOwner: true,
		Tag:      tag,
	}
	return buildFrameWithMIC(ep, h, msgType, chunk, mic)
}

func buildFrame(ep Endpoint, h Header, msgType byte, payload []byte, integrityCheck bool) []byte {
	var mic []byte
	msgTypeByte := msgType &^ icBit
	if integrityCheck {
		msgTypeByte |= icBit
		micBuf := make([]byte, micLen)
		binary.LittleEndian.PutUint32(micBuf, integrity.MIC(append([]byte{msgTypeByte}, payload...)))
		mic = micBuf
	}
	return assemble(ep, h, msgTypeByte, payload, mic)
}

func buildFrameWithMIC(ep Endpoint, h Header, msgType byte, chunk []byte, mic []byte) []byte {
	msgTypeByte := msgType &^ icBit
	if mic != nil {
		msgTypeByte |= icBit
	}
	return assemble(ep, h, msgTypeByte, chunk, mic)
}

func assemble(ep Endpoint, h Header, msgTypeByte byte, payload []byte, mic []byte) []byte {
	headerBytes := encodeHeader(h)

	// byteCount counts Ver+DestEID+SrcEID+Flags + MsgType + payload +
	// MIC, excluding the leading SMBus source-address byte: hardware
	// captures of the canonical Health Status Poll request carry
	// byte_count 0x09, which only reconciles with the narrower count.
	byteCount := headerFixedLen + 1 + len(payload) + len(mic)

	out := make([]byte, 0, 3+1+byteCount+pecLen)
	out = append(out, ep.DestAddr, CommandCode, byte(byteCount))
	out = append(out, ep.SrcAddr)
	out = append(out, headerBytes[:]...)
	out = append(out, msgTypeByte)
	out = append(out, payload...)
	out = append(out, mic...)
	pec := integrity.PEC(out)
	out = append(out, pec)
	return out
}

// minFrameLen is the smallest possible wire frame: Dest, Cmd, ByteCount,
// Src, 4-byte header, MsgType, PEC -- a zero-payload, no-MIC frame.
const minFrameLen = 3 + 1 + headerFixedLen + 1 + pecLen

// Parse decodes a complete MCTP-over-SMBus frame, validating the PEC
// (and, for a single-packet frame with the IC bit set, the MIC) and
// returning every wire field.
func Parse(data []byte) (ParsedFrame, error) {
	if len(data) < minFrameLen {
		return ParsedFrame{}, sphinxerr.New(sphinxerr.Framing, "short packet").WithOffset(len(data))
	}

	destAddr := data[0]
	cmd := data[1]
	byteCount := data[2]
	if cmd != CommandCode {
		return ParsedFrame{}, sphinxerr.Newf(sphinxerr.Framing, "wrong command code: 0x%02X", cmd).WithOffset(1)
	}

	expectedLen := 3 + 1 + int(byteCount) + pecLen
	if len(data) != expectedLen {
		return ParsedFrame{}, sphinxerr.Newf(sphinxerr.Framing, "byte count mismatch: header says %d, frame carries %d", byteCount, len(data)-5).WithOffset(2)
	}

	pecExpected := integrity.PEC(data[:len(data)-pecLen])
	pecActual := data[len(data)-pecLen]
	pecOK := pecExpected == pecActual
	if !pecOK {
		return ParsedFrame{}, sphinxerr.Newf(sphinxerr.Integrity, "bad PEC: got 0x%02X want 0x%02X", pecActual, pecExpected).WithOffset(len(data) - 1)
	}

	srcAddr := data[3]
	version := data[4] & 0x0F
	reserved := data[4] & 0xF0
	if reserved != 0 {
		return ParsedFrame{}, sphinxerr.New(sphinxerr.Framing, "reserved header bits set").WithOffset(4)
	}
	if version != HeaderVersion {
		return ParsedFrame{}, sphinxerr.Newf(sphinxerr.Framing, "bad version: 0x%X", version).WithOffset(4)
	}
	destEID := data[5]
	srcEID := data[6]
	flags := data[7]
	msgTypeRaw := data[8]

	h := Header{
		Version:  version,
		DestEID:  destEID,
		SrcEID:   srcEID,
		SOM:      flags&flagSOM != 0,
		EOM:      flags&flagEOM != 0,
		Seq:      (flags & flagSeq) >> seqShift,
		TagOwner: flags&flagTO != 0,
		Tag:      flags & flagTag,
	}

	ic := msgTypeRaw&icBit != 0
	msgType := msgTypeRaw &^ icBit

	body := data[9 : len(data)-pecLen]
	var payload []byte
	var micOK *bool
	var micVal uint32
	if ic {
		if len(body) < micLen {
			return ParsedFrame{}, sphinxerr.New(sphinxerr.Framing, "short packet: IC set but no room for MIC").WithOffset(9)
		}
		payload = body[:len(body)-micLen]
		micBytes := body[len(body)-micLen:]
		micVal = binary.LittleEndian.Uint32(micBytes)
		if h.SOM && h.EOM {
			// Single-packet message: the MIC covers the message-type
			// byte as transmitted (IC bit included) plus the payload.
			expected := integrity.MIC(append([]byte{msgTypeRaw}, payload...))
			ok := expected == micVal
			micOK = &ok
			if !ok {
				return ParsedFrame{}, sphinxerr.Newf(sphinxerr.Integrity, "bad MIC: got 0x%08X want 0x%08X", micVal, expected).WithOffset(9 + len(payload))
			}
		}
		// On an EOM fragment the MIC covers the reassembled message,
		// so verification is the reassembler's job; MICOK stays nil.
	} else {
		payload = body
	}

	return ParsedFrame{
		DestAddr:  destAddr,
		SrcAddr:   srcAddr,
		ByteCount: byteCount,
		Header:    h,
		MsgType:   msgType,
		IC:        ic,
		Payload:   append([]byte(nil), payload...),
		MIC:       micVal,
		MICOK:     micOK,
		PECOK:     pecOK,
	}, nil
}
