package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jpmutschler/sphinx-mi/internal/sphinxerr"
)

func TestValidateSlotRange(t *testing.T) {
	for slot := MinSlot; slot <= MaxSlot; slot++ {
		if err := ValidateSlot(slot); err != nil {
			t.Fatalf("slot %d rejected: %v", slot, err)
		}
	}
	for _, slot := range []int{0, -1, 9, 100} {
		err := ValidateSlot(slot)
		if err == nil {
			t.Fatalf("slot %d accepted", slot)
		}
		if !errors.Is(err, sphinxerr.New(sphinxerr.Usage, "")) {
			t.Fatalf("slot %d: wrong error kind: %v", slot, err)
		}
	}
}

func TestNewHardwareAdapterRejectsBadSlot(t *testing.T) {
	if _, err := NewHardwareAdapter(&bytes.Buffer{}, 0); err == nil {
		t.Fatal("expected error for slot 0")
	}
	h, err := NewHardwareAdapter(&bytes.Buffer{}, 3)
	if err != nil {
		t.Fatalf("NewHardwareAdapter: %v", err)
	}
	if h.Slot() != 3 {
		t.Fatalf("slot = %d, want 3", h.Slot())
	}
}

func TestHardwareAdapterSendRejectsOversizedPacket(t *testing.T) {
	h, _ := NewHardwareAdapter(&bytes.Buffer{}, 1)
	err := h.SendPacket(context.Background(), make([]byte, MaxTXPacket+1))
	if err == nil {
		t.Fatal("expected error for oversized packet")
	}
}

func TestHardwareAdapterSendReceive(t *testing.T) {
	var buf bytes.Buffer
	h, _ := NewHardwareAdapter(&buf, 1)

	packet := []byte{0x3A, 0x0F, 0x01, 0x21, 0xAA}
	if err := h.SendPacket(context.Background(), packet); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	got, err := h.ReceivePacket(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("ReceivePacket: %v", err)
	}
	if !bytes.Equal(got, packet) {
		t.Fatalf("got % X, want % X", got, packet)
	}
}

type stubResponder struct {
	responses [][]byte
	lastReq   []byte
}

func (s *stubResponder) Respond(request []byte) ([][]byte, error) {
	s.lastReq = append([]byte(nil), request...)
	return s.responses, nil
}

func TestMockTransportQueuesResponsesInOrder(t *testing.T) {
	dev := &stubResponder{responses: [][]byte{{0x01}, {0x02}}}
	m := NewMockTransport(dev)
	ctx := context.Background()

	if err := m.SendPacket(ctx, []byte{0xAA}); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if !bytes.Equal(dev.lastReq, []byte{0xAA}) {
		t.Fatalf("responder saw % X", dev.lastReq)
	}

	first, err := m.ReceivePacket(ctx, time.Second)
	if err != nil {
		t.Fatalf("first ReceivePacket: %v", err)
	}
	second, err := m.ReceivePacket(ctx, time.Second)
	if err != nil {
		t.Fatalf("second ReceivePacket: %v", err)
	}
	if first[0] != 0x01 || second[0] != 0x02 {
		t.Fatalf("out of order: % X % X", first, second)
	}

	if _, err := m.ReceivePacket(ctx, time.Second); err == nil {
		t.Fatal("expected timeout on drained queue")
	}
}
