// Package session serializes NVMe-MI exchanges over a transport: it
// owns the per-session tag counter, frames and fragments outbound
// payloads, reassembles and parses inbound packets, and routes the
// completed response payload to the decoder registry.
//
// A Session issues one command at a time; the nth exchange completes
// (success or error) before the (n+1)th is encoded. Packets arriving
// with a tag other than the in-flight one are logged and dropped.
package session

import (
	"context"
	"time"

	"github.com/jpmutschler/sphinx-mi/decoder"
	"github.com/jpmutschler/sphinx-mi/fragment"
	"github.com/jpmutschler/sphinx-mi/internal/logging"
	"github.com/jpmutschler/sphinx-mi/internal/sphinxerr"
	"github.com/jpmutschler/sphinx-mi/mctp"
	"github.com/jpmutschler/sphinx-mi/nvmemi"
	"github.com/jpmutschler/sphinx-mi/transport"
)

// MessageTypeNVMeMI is the MCTP message type carrying NVMe-MI traffic.
const MessageTypeNVMeMI byte = 0x04

// Config carries the session's timing and addressing knobs.
type Config struct {
	Endpoint       mctp.Endpoint
	CommandTimeout time.Duration
	Fragment       fragment.Config
	IntegrityCheck bool
}

// DefaultConfig returns default addressing, a 2s per-command timeout,
// and default fragment timing, with the MIC disabled.
func DefaultConfig() Config {
	return Config{
		Endpoint:       mctp.DefaultEndpoint(),
		CommandTimeout: 2 * time.Second,
		Fragment:       fragment.DefaultConfig(),
	}
}

// Exchange is one completed request/response pair, carrying everything
// a caller (or the profiler) needs: the decoded response plus the raw
// payload bytes and measured round-trip latency.
type Exchange struct {
	Request  []byte
	Response []byte
	Decoded  *decoder.DecodedResponse
	Latency  time.Duration
	Tag      byte
}

// Session drives one device over one transport. Not safe for
// concurrent use; concurrent sessions belong on distinct transports.
type Session struct {
	cfg     Config
	tr      transport.Transport
	reasm   *fragment.Reassembler
	nextTag byte
}

// New builds a Session over tr.
func New(tr transport.Transport, cfg Config) *Session {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Second
	}
	if cfg.Fragment.ReassemblyTimeout <= 0 {
		cfg.Fragment = fragment.DefaultConfig()
	}
	return &Session{cfg: cfg, tr: tr, reasm: fragment.NewReassembler(cfg.Fragment)}
}

// Execute sends payload as one NVMe-MI message and waits for the
// complete response, decoding it under routingOpcode (and vendorID,
// when the caller expects a vendor-specific layout). routingOpcode is
// the key the response decoder is registered under: the MI opcode for
// MI commands, or nvmemi.AdminDecoderKey for tunneled admin commands.
func (s *Session) Execute(ctx context.Context, routingOpcode byte, vendorID *uint16, payload []byte) (*Exchange, error) {
	ex, err := s.ExecuteRaw(ctx, payload)
	if err != nil {
		return ex, err
	}
	decoded, err := nvmemi.Decode(ex.Response, routingOpcode, vendorID)
	ex.Decoded = decoded
	if err != nil {
		return ex, err
	}
	return ex, nil
}

// ExecuteRaw sends payload and returns the reassembled response
// payload without decoding it; Execute layers decoding on top of it.
func (s *Session) ExecuteRaw(ctx context.Context, payload []byte) (*Exchange, error) {
	tag := s.nextTag
	s.nextTag = (s.nextTag + 1) % 8

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	start := time.Now()
	fm := fragment.BuildFragmented(s.cfg.Endpoint, tag, MessageTypeNVMeMI, payload, s.cfg.IntegrityCheck)
	for i, pkt := range fm.Packets {
		if i > 0 && s.cfg.Fragment.InterFragmentDelay > 0 {
			select {
			case <-time.After(s.cfg.Fragment.InterFragmentDelay):
			case <-ctx.Done():
				return nil, sphinxerr.Wrap(sphinxerr.Timeout, ctx.Err(), "command timed out between fragments")
			}
		}
		if err := s.tr.SendPacket(ctx, pkt); err != nil {
			return nil, err
		}
	}

	response, err := s.receive(ctx, tag)
	if err != nil {
		return nil, err
	}
	return &Exchange{
		Request:  payload,
		Response: response,
		Latency:  time.Since(start),
		Tag:      tag,
	}, nil
}

// receive drains packets until the reassembler yields a complete
// payload for tag, the command timeout fires, or the transport errors.
func (s *Session) receive(ctx context.Context, tag byte) ([]byte, error) {
	for {
		remaining := s.cfg.CommandTimeout
		if deadline, ok := ctx.Deadline(); ok {
			remaining = time.Until(deadline)
		}
		if remaining <= 0 {
			return nil, sphinxerr.New(sphinxerr.Timeout, "command timed out waiting for response")
		}

		pkt, err := s.tr.ReceivePacket(ctx, remaining)
		if err != nil {
			return nil, err
		}
		pf, err := mctp.Parse(pkt)
		if err != nil {
			return nil, err
		}
		if pf.Header.Tag != tag {
			// Late packet from a cancelled or timed-out exchange.
			logging.Warnf("session: dropping packet with stale tag %d (want %d)", pf.Header.Tag, tag)
			continue
		}
		payload, done, err := s.reasm.FeedPacket(pf, time.Now())
		if err != nil {
			return nil, err
		}
		if done {
			return payload, nil
		}
	}
}

// HealthStatusPoll issues an NVM Subsystem Health Status Poll and
// decodes the response.
func (s *Session) HealthStatusPoll(ctx context.Context) (*Exchange, error) {
	return s.Execute(ctx, nvmemi.OpHealthStatusPoll, nil, nvmemi.HealthStatusPoll())
}

// ControllerHealthPoll issues a Controller Health Status Poll for
// controllerID and decodes the response.
func (s *Session) ControllerHealthPoll(ctx context.Context, controllerID uint16) (*Exchange, error) {
	return s.Execute(ctx, nvmemi.OpControllerHealthPoll, nil, nvmemi.ControllerHealthStatusPoll(controllerID))
}

// ReadDataStructure issues a Read NVMe-MI Data Structure request and
// decodes the response.
func (s *Session) ReadDataStructure(ctx context.Context, dataType byte, portID byte, controllerID byte) (*Exchange, error) {
	return s.Execute(ctx, nvmemi.OpReadDataStructure, nil, nvmemi.ReadDataStructure(dataType, portID, controllerID))
}

// ConfigurationGet issues a Configuration Get request and decodes the
// response.
func (s *Session) ConfigurationGet(ctx context.Context, configID byte, portID byte) (*Exchange, error) {
	return s.Execute(ctx, nvmemi.OpConfigurationGet, nil, nvmemi.ConfigurationGet(configID, portID))
}

// VPDRead issues a VPD Read for length bytes at offset. VPD bytes have
// no registered decoder, so the response is decoded by the generic
// hex-dump decoder.
func (s *Session) VPDRead(ctx context.Context, offset, length uint16) (*Exchange, error) {
	return s.Execute(ctx, nvmemi.OpVPDRead, nil, nvmemi.VPDRead(offset, length))
}

// IdentifyController issues a tunneled Identify Controller admin
// command for cid and decodes the response.
func (s *Session) IdentifyController(ctx context.Context, cid uint16) (*Exchange, error) {
	key := nvmemi.AdminDecoderKey(nvmemi.AdminOpIdentify, 0x01)
	return s.Execute(ctx, key, nil, nvmemi.IdentifyController(cid))
}

// GetLogPage issues a tunneled Get Log Page admin command and decodes
// the response under lid's registered decoder.
func (s *Session) GetLogPage(ctx context.Context, lid byte, numDwords uint32) (*Exchange, error) {
	key := nvmemi.AdminDecoderKey(nvmemi.AdminOpGetLogPage, lid)
	return s.Execute(ctx, key, nil, nvmemi.GetLogPage(lid, numDwords, 0, 0xFFFFFFFF, false))
}
