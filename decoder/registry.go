// Package decoder implements the process-wide (opcode, vendor id) to
// decoder registry, the ordered DecodedResponse field table it
// populates, and the generic fallback decoder.
//
// Register returns an opaque handle; resolution walks a short fallback
// chain from the most specific key to the generic decoder.
package decoder

import (
	"fmt"
	"sync"

	"github.com/jpmutschler/sphinx-mi/internal/logging"
)

// Span is the byte range a field's value was decoded from, relative to
// the start of the payload handed to Decode.
type Span struct {
	Offset int
	Length int
}

// FieldValue pairs a field's human-readable presentation with the raw
// bytes it was decoded from.
type FieldValue struct {
	Value any
	Raw   Span
}

// DecodedResponse is the result of resolving and running a Decoder: a
// typed, insertion-ordered field table plus status/success bookkeeping.
//
// Fields preserve insertion order (unlike a plain Go map) because
// pretty-printing and JSON/dict export must present fields in the
// order the decoder discovered them, not in map iteration order.
type DecodedResponse struct {
	Success    bool
	StatusCode byte
	Opcode     byte
	VendorID   *uint16
	Partial    bool
	RawBytes   []byte

	order  []string
	fields map[string]FieldValue
}

// NewDecodedResponse returns an empty response for opcode over raw.
func NewDecodedResponse(opcode byte, raw []byte) *DecodedResponse {
	return &DecodedResponse{
		Opcode:   opcode,
		RawBytes: raw,
		fields:   make(map[string]FieldValue),
	}
}

// Set records name→value with its raw byte span, appending name to the
// insertion order the first time it is seen.
func (r *DecodedResponse) Set(name string, value any, span Span) {
	if _, exists := r.fields[name]; !exists {
		r.order = append(r.order, name)
	}
	r.fields[name] = FieldValue{Value: value, Raw: span}
}

// Get returns the named field, if present.
func (r *DecodedResponse) Get(name string) (FieldValue, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// FieldEntry is one row of Fields, in insertion order.
type FieldEntry struct {
	Name  string
	Value FieldValue
}

// Fields returns the field table in insertion order.
func (r *DecodedResponse) Fields() []FieldEntry {
	out := make([]FieldEntry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, FieldEntry{Name: name, Value: r.fields[name]})
	}
	return out
}

// ToMap exports the field table into a plain map for JSON encoding;
// callers that need a stable order should use Fields instead.
func (r *DecodedResponse) ToMap() map[string]any {
	out := make(map[string]any, len(r.order))
	for _, name := range r.order {
		out[name] = r.fields[name].Value
	}
	return out
}

// Decoder decodes the command-specific portion of a response (the
// bytes following the status byte) into resp.
type Decoder interface {
	Decode(data []byte, resp *DecodedResponse) error
}

// DecoderFunc adapts a plain function to the Decoder interface.
type DecoderFunc func(data []byte, resp *DecodedResponse) error

func (f DecoderFunc) Decode(data []byte, resp *DecodedResponse) error { return f(data, resp) }

type key struct {
	opcode    byte
	vendorID  uint16
	hasVendor bool
}

// Handle identifies one registration, returned by Register so callers
// can hold onto it (the registry itself never exposes a way to
// unregister; a later Register for the same key simply wins).
type Handle struct {
	key key
}

// Registry maps (opcode, optional vendor id) to a Decoder.
type Registry struct {
	mu    sync.RWMutex
	byKey map[key]Decoder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[key]Decoder)}
}

// Register installs dec for opcode, optionally scoped to vendorID. A
// second registration for the same (opcode, vendorID) pair replaces
// the first; this is logged as a warning, never treated as an error.
func (r *Registry) Register(opcode byte, vendorID *uint16, dec Decoder) Handle {
	k := key{opcode: opcode}
	if vendorID != nil {
		k.vendorID = *vendorID
		k.hasVendor = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[k]; exists {
		logging.Warnf("decoder: overwriting existing registration for opcode=0x%02X vendor=%v", opcode, vendorID)
	}
	r.byKey[k] = dec
	return Handle{key: k}
}

// Resolve finds the decoder for (opcode, vendorID), preferring a
// vendor-specific registration, then a generic (opcode, no vendor)
// registration, then falling back to the generic hex-dump decoder.
func (r *Registry) Resolve(opcode byte, vendorID *uint16) Decoder {
	if dec, ok := r.Lookup(opcode, vendorID); ok {
		return dec
	}
	return GenericDecoder
}

// Lookup resolves like Resolve but reports whether a registration
// exists instead of falling back to the generic decoder. Strict-mode
// callers use this to reject unknown opcodes.
func (r *Registry) Lookup(opcode byte, vendorID *uint16) (Decoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if vendorID != nil {
		if dec, ok := r.byKey[key{opcode: opcode, vendorID: *vendorID, hasVendor: true}]; ok {
			return dec, true
		}
	}
	dec, ok := r.byKey[key{opcode: opcode}]
	return dec, ok
}

// Default is the process-wide registry that nvmemi's built-in decoders
// register themselves into, and that callers extend with vendor
// decoders before first use.
var Default = NewRegistry()

// Register installs dec into the default registry.
func Register(opcode byte, vendorID *uint16, dec Decoder) Handle {
	return Default.Register(opcode, vendorID, dec)
}

// Resolve resolves against the default registry.
func Resolve(opcode byte, vendorID *uint16) Decoder {
	return Default.Resolve(opcode, vendorID)
}

// Lookup resolves against the default registry without the generic
// fallback.
func Lookup(opcode byte, vendorID *uint16) (Decoder, bool) {
	return Default.Lookup(opcode, vendorID)
}

// GenericDecoder is the fallback decoder: it records the entire body
// as a single "raw" hex-dump field. Used when no decoder is registered
// for an opcode and strict mode is not requested.
var GenericDecoder Decoder = DecoderFunc(func(data []byte, resp *DecodedResponse) error {
	resp.Set("raw", fmt.Sprintf("%X", data), Span{Offset: 0, Length: len(data)})
	return nil
})
