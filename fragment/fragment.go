// Package fragment implements the outbound fragmenter and inbound
// reassembler for NVMe-MI messages too large for a single MCTP-over-SMBus
// packet.
//
// The 5ms inter-fragment delay and 100ms reassembly timeout are
// ordinary, overridable Config fields rather than hardcoded constants:
// inter-packet pacing is a transport-timing concern and varies by link.
package fragment

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/jpmutschler/sphinx-mi/integrity"
	"github.com/jpmutschler/sphinx-mi/internal/sphinxerr"
	"github.com/jpmutschler/sphinx-mi/mctp"
)

// MaxFragmentPayload is the largest chunk carried by a single fragment.
// With the 4-byte SMBus envelope (dest, command code, byte count,
// source), the 4-byte MCTP header, the message-type byte and the PEC
// trailer, a full fragment without MIC is 130 bytes on the wire.
const MaxFragmentPayload = 120

// Config controls fragmenter/reassembler timing.
type Config struct {
	InterFragmentDelay time.Duration
	ReassemblyTimeout  time.Duration
}

// DefaultConfig returns the hardware-tuned defaults: 5ms between
// fragments on the wire, 100ms from SOM to the last expected EOM.
func DefaultConfig() Config {
	return Config{
		InterFragmentDelay: 5 * time.Millisecond,
		ReassemblyTimeout:  100 * time.Millisecond,
	}
}

// FragmentedMessage is the ordered set of packets produced by
// BuildFragmented, plus the original payload length for diagnostics.
type FragmentedMessage struct {
	Packets      [][]byte
	TotalPayload int
}

// BuildFragmented splits payload into ≤MaxFragmentPayload chunks and
// frames each one via mctp.BuildFragment, using a single (TO=1, tag)
// pair across all fragments and a sequence counter starting at 0 that
// increments modulo 4. If integrityCheck is set, the MIC is computed
// over the message-type byte (with the IC bit set) and the full
// reassembled payload, then carried on the final fragment only.
//
// A payload that fits in a single fragment still goes through this
// path and comes out with SOM=EOM=1 on its one packet, matching
// build_single's framing exactly.
func BuildFragmented(ep mctp.Endpoint, tag byte, msgType byte, payload []byte, integrityCheck bool) FragmentedMessage {
	if len(payload) == 0 {
		return FragmentedMessage{Packets: [][]byte{mctp.BuildSingle(ep, tag, msgType, payload, integrityCheck)}}
	}

	chunks := chunk(payload, MaxFragmentPayload)
	if len(chunks) == 1 {
		return FragmentedMessage{
			Packets:      [][]byte{mctp.BuildSingle(ep, tag, msgType, payload, integrityCheck)},
			TotalPayload: len(payload),
		}
	}

	var mic []byte
	if integrityCheck {
		micBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(micBuf, integrity.MIC(append([]byte{msgType | 0x80}, payload...)))
		mic = micBuf
	}

	packets := make([][]byte, 0, len(chunks))
	for i, c := range chunks {
		som := i == 0
		eom := i == len(chunks)-1
		seq := byte(i % 4)
		var fragMIC []byte
		if eom {
			fragMIC = mic
		}
		packets = append(packets, mctp.BuildFragment(ep, tag, msgType, som, eom, seq, c, fragMIC))
	}
	return FragmentedMessage{Packets: packets, TotalPayload: len(payload)}
}

func chunk(payload []byte, size int) [][]byte {
	var out [][]byte
	for len(payload) > 0 {
		n := size
		if n > len(payload) {
			n = len(payload)
		}
		out = append(out, payload[:n])
		payload = payload[n:]
	}
	return out
}

// reassemblyKey identifies one in-flight reassembly by the fields that
// must stay constant across all of a message's fragments.
type reassemblyKey struct {
	SrcEID   byte
	TagOwner bool
	Tag      byte
}

// buffer is the per-key reassembly state.
type buffer struct {
	payload   []byte
	lastSeq   byte
	started   time.Time
	haveFirst bool
}

// Reassembler joins inbound MCTP fragments back into complete payloads,
// keyed by (source EID, TO, tag). One Reassembler instance is safe for
// concurrent use by multiple goroutines feeding it packets for distinct
// keys; it owns no goroutine and does not dictate who calls FeedPacket
// or when.
type Reassembler struct {
	cfg Config
	mu  sync.Mutex
	buf map[reassemblyKey]*buffer
}

// NewReassembler builds a Reassembler using cfg's reassembly timeout.
func NewReassembler(cfg Config) *Reassembler {
	return &Reassembler{cfg: cfg, buf: make(map[reassemblyKey]*buffer)}
}

// FeedPacket accepts one parsed MCTP frame. It returns (payload, true,
// nil) when the frame completes a message (including trivially, for a
// single-packet SOM=EOM=1 frame). It returns (nil, false, nil) when
// more fragments are expected. It returns a Sequencing error for
// UnexpectedSom, SequenceGap, or a non-SOM fragment with no reassembly
// in progress for its key, and a Timeout error for MissingEom once the
// configured deadline has passed. There is no separate tag-mismatch
// error: the tag is part of the key, so a fragment whose tag differs
// from the in-flight message's is reported as having no prior SOM.
func (r *Reassembler) FeedPacket(pf mctp.ParsedFrame, now time.Time) ([]byte, bool, error) {
	key := reassemblyKey{SrcEID: pf.Header.SrcEID, TagOwner: pf.Header.TagOwner, Tag: pf.Header.Tag}

	r.mu.Lock()
	defer r.mu.Unlock()

	if pf.Header.SOM && pf.Header.EOM {
		delete(r.buf, key)
		return pf.Payload, true, nil
	}

	existing, inFlight := r.buf[key]

	if pf.Header.SOM {
		if inFlight {
			delete(r.buf, key)
			return nil, false, sphinxerr.New(sphinxerr.Sequencing, "unexpected SOM: reassembly already in progress for this key").WithField("som")
		}
		r.buf[key] = &buffer{payload: append([]byte(nil), pf.Payload...), lastSeq: pf.Header.Seq, started: now, haveFirst: true}
		return nil, false, nil
	}

	if !inFlight || !existing.haveFirst {
		return nil, false, sphinxerr.New(sphinxerr.Sequencing, "fragment received with no prior SOM").WithField("seq")
	}

	if now.Sub(existing.started) > r.cfg.ReassemblyTimeout {
		delete(r.buf, key)
		return nil, false, sphinxerr.New(sphinxerr.Timeout, "reassembly timed out before EOM").WithField("missing_eom")
	}

	wantSeq := (existing.lastSeq + 1) % 4
	if pf.Header.Seq != wantSeq {
		delete(r.buf, key)
		return nil, false, sphinxerr.Newf(sphinxerr.Sequencing, "sequence gap: want %d got %d", wantSeq, pf.Header.Seq).WithField("seq")
	}

	existing.payload = append(existing.payload, pf.Payload...)
	existing.lastSeq = pf.Header.Seq

	if pf.Header.EOM {
		delete(r.buf, key)
		if pf.IC {
			// The EOM fragment carries the message-level MIC: it covers
			// the message-type byte (IC bit set) plus the reassembled
			// payload, so it can only be checked here.
			expected := integrity.MIC(append([]byte{pf.MsgType | 0x80}, existing.payload...))
			if expected != pf.MIC {
				return nil, false, sphinxerr.Newf(sphinxerr.Integrity, "bad MIC on reassembled message: got 0x%08X want 0x%08X", pf.MIC, expected)
			}
		}
		return existing.payload, true, nil
	}
	return nil, false, nil
}

// Sweep drops any reassembly buffers whose deadline has passed without
// an EOM, returning the keys it evicted as Timeout errors for the
// caller to log. Intended to be called periodically by a caller that
// is not actively feeding packets for every key (e.g. idle-polling the
// transport), since FeedPacket only detects a timeout on the next
// fragment for that same key.
func (r *Reassembler) Sweep(now time.Time) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for key, b := range r.buf {
		if now.Sub(b.started) > r.cfg.ReassemblyTimeout {
			errs = append(errs, sphinxerr.Newf(sphinxerr.Timeout, "reassembly timed out: src_eid=%d tag=%d", key.SrcEID, key.Tag))
			delete(r.buf, key)
		}
	}
	return errs
}

func (k reassemblyKey) String() string {
	return fmt.Sprintf("src_eid=%d to=%v tag=%d", k.SrcEID, k.TagOwner, k.Tag)
}
