package mockdevice

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/jpmutschler/sphinx-mi/fragment"
	"github.com/jpmutschler/sphinx-mi/internal/logging"
	"github.com/jpmutschler/sphinx-mi/internal/sphinxerr"
	"github.com/jpmutschler/sphinx-mi/mctp"
	"github.com/jpmutschler/sphinx-mi/nvmemi"
)

// Device answers MCTP-over-SMBus requests against an in-memory State,
// satisfying transport.Responder structurally (this package never
// imports transport, keeping the dependency pointed the conventional
// direction: transport depends on a Responder interface, not on this
// concrete type).
type Device struct {
	State *State
	cfg   fragment.Config
}

// NewDevice wraps state, using fragment.DefaultConfig for responses
// that must be split across multiple packets.
func NewDevice(state *State) *Device {
	return &Device{State: state, cfg: fragment.DefaultConfig()}
}

// Respond decodes request, synthesizes (or replays) a response, and
// returns the response as one or more ready-to-send MCTP packets;
// more than one only when the response payload exceeds the 120-byte
// single-fragment limit.
func (d *Device) Respond(request []byte) ([][]byte, error) {
	parsed, err := mctp.Parse(request)
	if err != nil {
		return nil, err
	}
	if len(parsed.Payload) < 4 {
		return nil, sphinxerr.New(sphinxerr.Decode, "request payload too short for NVMe-MI header")
	}

	nmimt := parsed.Payload[0] & 0x7F
	opcode := parsed.Payload[1]
	data := parsed.Payload[4:]

	fp := fingerprint(opcode, discriminators(nmimt, opcode, data))
	var respPayload []byte
	if cached, ok := d.State.ResponseTable[fp]; ok {
		respPayload = cached
	} else {
		respPayload, err = d.synthesize(nmimt, opcode, data)
		if err != nil {
			return nil, err
		}
	}

	respEP := mctp.Endpoint{
		DestAddr: parsed.SrcAddr,
		SrcAddr:  parsed.DestAddr,
		DestEID:  parsed.Header.SrcEID,
		SrcEID:   parsed.Header.DestEID,
	}
	if len(respPayload) <= fragment.MaxFragmentPayload {
		return [][]byte{mctp.BuildSingle(respEP, parsed.Header.Tag, mctpMessageType, respPayload, false)}, nil
	}
	fm := fragment.BuildFragmented(respEP, parsed.Header.Tag, mctpMessageType, respPayload, false)
	return fm.Packets, nil
}

const mctpMessageType = 0x04

func (d *Device) synthesize(nmimt byte, opcode byte, data []byte) ([]byte, error) {
	switch nmimt {
	case nvmemi.NMIMTMI:
		return d.synthesizeMI(opcode, data)
	case nvmemi.NMIMTAdmin:
		return d.synthesizeAdmin(opcode, data)
	default:
		logging.Warnf("mockdevice: unhandled NMIMT 0x%X", nmimt)
		return responseHeader(nmimt, opcode, 0), nil
	}
}

func (d *Device) synthesizeMI(opcode byte, data []byte) ([]byte, error) {
	switch opcode {
	case nvmemi.OpHealthStatusPoll:
		return append(responseHeader(nvmemi.NMIMTMI, opcode, 0), d.healthStatusBody()...), nil

	case nvmemi.OpControllerHealthPoll:
		cid := uint16(0)
		if len(data) >= 2 {
			cid = binary.LittleEndian.Uint16(data[0:2])
		}
		ctrl, ok := d.findController(cid)
		if !ok {
			return responseHeader(nvmemi.NMIMTMI, opcode, 1), nil
		}
		return append(responseHeader(nvmemi.NMIMTMI, opcode, 0), d.controllerHealthBody(ctrl)...), nil

	case nvmemi.OpReadDataStructure:
		if len(data) < 2 {
			return nil, sphinxerr.New(sphinxerr.Decode, "read data structure request too short")
		}
		return append(responseHeader(nvmemi.NMIMTMI, opcode, 0), d.readDataStructureBody(data[0], data[1])...), nil

	case nvmemi.OpConfigurationGet:
		if len(data) < 1 {
			return nil, sphinxerr.New(sphinxerr.Decode, "configuration get request too short")
		}
		return append(responseHeader(nvmemi.NMIMTMI, opcode, 0), d.configurationGetBody(data[0])...), nil

	case nvmemi.OpVPDRead:
		if len(data) < 4 {
			return nil, sphinxerr.New(sphinxerr.Decode, "VPD read request too short")
		}
		offset := binary.LittleEndian.Uint16(data[0:2])
		length := binary.LittleEndian.Uint16(data[2:4])
		return append(responseHeader(nvmemi.NMIMTMI, opcode, 0), d.vpdReadBody(offset, length)...), nil

	case nvmemi.OpMIReset:
		return responseHeader(nvmemi.NMIMTMI, opcode, 0), nil

	default:
		logging.Warnf("mockdevice: unhandled MI opcode 0x%02X", opcode)
		return responseHeader(nvmemi.NMIMTMI, opcode, 1), nil
	}
}

func (d *Device) synthesizeAdmin(adminOpcode byte, data []byte) ([]byte, error) {
	if len(data) < 60 {
		return nil, sphinxerr.New(sphinxerr.Decode, "admin tunneled request too short")
	}
	cdw10 := binary.LittleEndian.Uint32(data[4+8*4 : 4+9*4]) // CDW10

	switch adminOpcode {
	case nvmemi.AdminOpIdentify:
		return append(responseHeader(nvmemi.NMIMTAdmin, adminOpcode, 0), d.identifyControllerBody()...), nil

	case nvmemi.AdminOpGetLogPage:
		lid := byte(cdw10 & 0xFF)
		switch lid {
		case 0x02:
			return append(responseHeader(nvmemi.NMIMTAdmin, adminOpcode, 0), d.smartLogBody()...), nil
		case 0x03:
			return append(responseHeader(nvmemi.NMIMTAdmin, adminOpcode, 0), d.firmwareSlotBody()...), nil
		case 0x01:
			return append(responseHeader(nvmemi.NMIMTAdmin, adminOpcode, 0), d.errorInfoBody()...), nil
		default:
			logging.Warnf("mockdevice: unhandled log page LID 0x%02X", lid)
			return responseHeader(nvmemi.NMIMTAdmin, adminOpcode, 1), nil
		}

	default:
		logging.Warnf("mockdevice: unhandled admin opcode 0x%02X", adminOpcode)
		return responseHeader(nvmemi.NMIMTAdmin, adminOpcode, 1), nil
	}
}

// responseHeader builds the 5-byte (4-byte NVMe-MI header + status)
// prefix common to every synthesized response.
func responseHeader(nmimt byte, opcode byte, status byte) []byte {
	return []byte{nmimt | nvmemi.RORBit, opcode, 0, 0, status}
}

func (d *Device) findController(cid uint16) (ControllerHealth, bool) {
	for _, c := range d.State.Controllers {
		if c.ControllerID == cid {
			return c, true
		}
	}
	return ControllerHealth{}, false
}

func (d *Device) healthStatusBody() []byte {
	body := make([]byte, 19)
	body[0] = d.State.SubsystemStatus
	body[1] = d.State.Warnings
	binary.LittleEndian.PutUint16(body[2:4], d.State.CompositeTempK)
	body[4] = d.State.PercentageUsed
	body[5] = d.State.AvailableSpare
	if d.State.SubsystemVersion == Version2x {
		body = append(body, make([]byte, 12)...)
	}
	return body
}

func (d *Device) controllerHealthBody(ctrl ControllerHealth) []byte {
	body := make([]byte, 16)
	binary.LittleEndian.PutUint16(body[0:2], ctrl.ControllerID)
	body[2] = ctrl.Status
	body[4] = ctrl.Warnings
	binary.LittleEndian.PutUint16(body[8:10], ctrl.CompositeTempK)
	body[10] = ctrl.AvailableSpare
	if d.State.SubsystemVersion == Version2x {
		body = append(body, make([]byte, 16)...)
	}
	return body
}

func (d *Device) readDataStructureBody(structureType byte, idField byte) []byte {
	switch structureType {
	case nvmemi.DataStructureSubsystemInfo:
		return []byte{structureType, d.State.NVMeMIMajorVersion, d.State.NVMeMIMinorVersion}
	case nvmemi.DataStructureControllerList:
		out := []byte{structureType}
		for _, c := range d.State.Controllers {
			buf := make([]byte, 2)
			binary.LittleEndian.PutUint16(buf, c.ControllerID)
			out = append(out, buf...)
		}
		return out
	default:
		return []byte{structureType}
	}
}

func (d *Device) configurationGetBody(configID byte) []byte {
	switch configID {
	case nvmemi.ConfigSMBusI2CFrequency:
		return []byte{configID, 0x64, 0, 0} // 100 kHz placeholder
	case nvmemi.ConfigHealthStatusChange:
		return []byte{configID, 0x00, 0, 0}
	case nvmemi.ConfigMCTPTransmissionUnit:
		return []byte{configID, byte(fragment.MaxFragmentPayload), 0, 0}
	default:
		return []byte{configID, 0, 0, 0}
	}
}

func (d *Device) vpdReadBody(offset, length uint16) []byte {
	vpd := d.State.VPD
	if int(offset) >= len(vpd) {
		return nil
	}
	end := int(offset) + int(length)
	if end > len(vpd) {
		end = len(vpd)
	}
	return vpd[offset:end]
}

func (d *Device) identifyControllerBody() []byte {
	body := make([]byte, 4096)
	copy(body[4:24], padASCII("SPHINXMI0000001", 20))
	copy(body[24:64], padASCII("Sphinx-MI Mock NVMe", 40))
	copy(body[64:72], padASCII("1.0.0", 8))
	return body
}

func (d *Device) smartLogBody() []byte {
	body := make([]byte, 512)
	body[0] = d.State.Warnings
	binary.LittleEndian.PutUint16(body[1:3], d.State.CompositeTempK)
	body[3] = d.State.AvailableSpare
	body[4] = d.State.SpareThreshold
	body[5] = d.State.PercentageUsed
	return body
}

func (d *Device) firmwareSlotBody() []byte {
	body := make([]byte, 512)
	body[0] = 0x01 // slot 1 active
	copy(body[8:16], padASCII("1.0.0", 8))
	return body
}

func (d *Device) errorInfoBody() []byte {
	return make([]byte, 64)
}

func padASCII(s string, n int) []byte {
	out := make([]byte, n)
	copy(out, s)
	for i := len(s); i < n; i++ {
		out[i] = ' '
	}
	return out
}

// discriminators extracts the stable parameter tuple used for
// fingerprinting: the request fields that select distinct responses.
func discriminators(nmimt byte, opcode byte, data []byte) map[string]string {
	switch {
	case nmimt == nvmemi.NMIMTMI && opcode == nvmemi.OpControllerHealthPoll && len(data) >= 2:
		return map[string]string{"cid": fmt.Sprintf("%d", binary.LittleEndian.Uint16(data[0:2]))}
	case nmimt == nvmemi.NMIMTMI && opcode == nvmemi.OpReadDataStructure && len(data) >= 2:
		return map[string]string{"type": fmt.Sprintf("%d", data[0]), "id": fmt.Sprintf("%d", data[1])}
	case nmimt == nvmemi.NMIMTMI && opcode == nvmemi.OpConfigurationGet && len(data) >= 1:
		return map[string]string{"config_id": fmt.Sprintf("%d", data[0])}
	case nmimt == nvmemi.NMIMTMI && opcode == nvmemi.OpVPDRead && len(data) >= 4:
		return map[string]string{
			"offset": fmt.Sprintf("%d", binary.LittleEndian.Uint16(data[0:2])),
			"length": fmt.Sprintf("%d", binary.LittleEndian.Uint16(data[2:4])),
		}
	case nmimt == nvmemi.NMIMTAdmin && opcode == nvmemi.AdminOpGetLogPage && len(data) >= 4+9*4:
		cdw10 := binary.LittleEndian.Uint32(data[4+8*4 : 4+9*4])
		return map[string]string{"lid": fmt.Sprintf("%d", cdw10&0xFF)}
	case nmimt == nvmemi.NMIMTAdmin && opcode == nvmemi.AdminOpIdentify && len(data) >= 4+9*4:
		cdw10 := binary.LittleEndian.Uint32(data[4+8*4 : 4+9*4])
		return map[string]string{"cns": fmt.Sprintf("%d", cdw10&0xFF), "cid": fmt.Sprintf("%d", cdw10>>16)}
	default:
		return nil
	}
}

// Fingerprint exposes the (opcode, params) -> fingerprint mapping this
// package uses for response_table lookups, so the profiler can record
// entries under the same key the mock would later look up during
// replay. Format: "%02x:%s" where the params are rendered as sorted
// key=value pairs joined by commas.
func Fingerprint(opcode byte, params map[string]string) string {
	return fingerprint(opcode, params)
}

func fingerprint(opcode byte, params map[string]string) string {
	if len(params) == 0 {
		return fmt.Sprintf("%02x:", opcode)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return fmt.Sprintf("%02x:%s", opcode, strings.Join(pairs, ","))
}
