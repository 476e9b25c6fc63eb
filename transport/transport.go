// Package transport defines the byte-transport boundary the rest of
// the stack sends and receives complete MCTP-over-SMBus packets
// through, plus the two reference backends: a hardware adapter
// wrapping a serial/mux link, and a mock transport that hands packets
// straight to a mockdevice.
package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jpmutschler/sphinx-mi/internal/sphinxerr"
)

// MaxTXPacket and MaxRXPacket are the hardware wire-packet limits.
const (
	MaxTXPacket = 128
	MaxRXPacket = 256
)

// Transport is the boundary every backend implements: opaque byte
// packets in, opaque byte packets out. Implementations must not
// interpret or mutate the bytes they are given beyond delivering them
// whole.
type Transport interface {
	SendPacket(ctx context.Context, packet []byte) error
	ReceivePacket(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// MinSlot and MaxSlot bound the physical slot selector a HardwareAdapter
// may target.
const (
	MinSlot = 1
	MaxSlot = 8
)

// ValidateSlot returns a Usage error if slot is out of the [MinSlot,
// MaxSlot] range the multiplexer exposes.
func ValidateSlot(slot int) error {
	if slot < MinSlot || slot > MaxSlot {
		return sphinxerr.Newf(sphinxerr.Usage, "slot out of range: %d (want %d..%d)", slot, MinSlot, MaxSlot).WithField("slot")
	}
	return nil
}

// HardwareAdapter wraps a controller that owns a serial link and
// multiplexer; a slot selector captured at construction routes every
// SendPacket to that slot. Link is any io.ReadWriter the caller has
// already opened (a serial port, a test pipe, etc.); HardwareAdapter
// does not own opening or closing it.
type HardwareAdapter struct {
	link io.ReadWriter
	slot int
}

// NewHardwareAdapter validates slot and wraps link.
func NewHardwareAdapter(link io.ReadWriter, slot int) (*HardwareAdapter, error) {
	if err := ValidateSlot(slot); err != nil {
		return nil, err
	}
	return &HardwareAdapter{link: link, slot: slot}, nil
}

// Slot returns the adapter's configured slot.
func (h *HardwareAdapter) Slot() int { return h.slot }

// SendPacket writes packet to the underlying link. It does not block
// beyond whatever the link's Write does; ctx cancellation is only
// observed before the write begins.
func (h *HardwareAdapter) SendPacket(ctx context.Context, packet []byte) error {
	if err := ctx.Err(); err != nil {
		return sphinxerr.Wrap(sphinxerr.Transport, err, "send cancelled before write")
	}
	if len(packet) > MaxTXPacket {
		return sphinxerr.Newf(sphinxerr.Usage, "packet too large: %d bytes (max %d)", len(packet), MaxTXPacket).WithField("packet")
	}
	if _, err := h.link.Write(packet); err != nil {
		return sphinxerr.Wrap(sphinxerr.Transport, err, "write failed")
	}
	return nil
}

// ReceivePacket reads up to MaxRXPacket bytes, honoring ctx and
// timeout. There is no framing help here: a caller expecting a single
// MCTP packet per read must know the link delivers exactly that (as
// the real hardware's serial protocol does); this method itself does
// not split or join reads.
func (h *HardwareAdapter) ReceivePacket(ctx context.Context, timeout time.Duration) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)

	go func() {
		buf := make([]byte, MaxRXPacket)
		n, err := h.link.Read(buf)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{buf: buf[:n]}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, sphinxerr.Wrap(sphinxerr.Transport, r.err, "read failed")
		}
		return r.buf, nil
	case <-timer:
		return nil, sphinxerr.New(sphinxerr.Timeout, "receive_packet timed out")
	case <-ctx.Done():
		return nil, sphinxerr.Wrap(sphinxerr.Transport, ctx.Err(), "receive cancelled")
	}
}

// Responder synthesizes a response packet for a request packet,
// implemented by mockdevice.Device. Declared here, rather than
// importing mockdevice, to keep MockTransport's dependency pointed the
// conventional direction (transport depends on an interface, not on
// the concrete device package); mockdevice satisfies it without
// importing transport.
type Responder interface {
	Respond(request []byte) ([][]byte, error)
}

// MockTransport hands every sent packet straight to a Responder and
// queues whatever response packets it returns for ReceivePacket to
// drain in order. It never touches real I/O, making it the backend
// C6 (mock device) tests run the rest of the stack against.
type MockTransport struct {
	device Responder
	queue  [][]byte
}

// NewMockTransport wraps device.
func NewMockTransport(device Responder) *MockTransport {
	return &MockTransport{device: device}
}

func (m *MockTransport) SendPacket(ctx context.Context, packet []byte) error {
	if err := ctx.Err(); err != nil {
		return sphinxerr.Wrap(sphinxerr.Transport, err, "send cancelled before dispatch")
	}
	responses, err := m.device.Respond(packet)
	if err != nil {
		return fmt.Errorf("mock transport: %w", err)
	}
	m.queue = append(m.queue, responses...)
	return nil
}

func (m *MockTransport) ReceivePacket(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, sphinxerr.Wrap(sphinxerr.Transport, err, "receive cancelled")
	}
	if len(m.queue) == 0 {
		return nil, sphinxerr.New(sphinxerr.Timeout, "no queued mock response")
	}
	pkt := m.queue[0]
	m.queue = m.queue[1:]
	return pkt, nil
}
