package nvmemi

import (
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/jpmutschler/sphinx-mi/decoder"
)

// CriticalWarningFlags is the SMART/Health-Status critical warning
// bitmap.
type CriticalWarningFlags byte

const (
	WarnSpareBelowThreshold  CriticalWarningFlags = 1 << 0
	WarnTemperatureExceeded  CriticalWarningFlags = 1 << 1
	WarnReliabilityDegraded  CriticalWarningFlags = 1 << 2
	WarnReadOnlyMode         CriticalWarningFlags = 1 << 3
	WarnVolatileBackupFailed CriticalWarningFlags = 1 << 4
	WarnPMRReadOnly          CriticalWarningFlags = 1 << 5
)

var warningNames = []struct {
	flag CriticalWarningFlags
	name string
}{
	{WarnSpareBelowThreshold, "Spare Below Threshold"},
	{WarnTemperatureExceeded, "Temperature Exceeded"},
	{WarnReliabilityDegraded, "Reliability Degraded"},
	{WarnReadOnlyMode, "Read Only Mode"},
	{WarnVolatileBackupFailed, "Volatile Backup Failed"},
	{WarnPMRReadOnly, "PMR Read Only"},
}

// Decode returns the set warning names, or ["None"] if none are set.
func (f CriticalWarningFlags) Decode() []string {
	var out []string
	for _, w := range warningNames {
		if f&w.flag != 0 {
			out = append(out, w.name)
		}
	}
	if len(out) == 0 {
		return []string{"None"}
	}
	return out
}

func (f CriticalWarningFlags) String() string {
	return strings.Join(f.Decode(), ", ")
}

func init() {
	decoder.Register(OpHealthStatusPoll, nil, decoder.DecoderFunc(decodeHealthStatusPoll))
	decoder.Register(OpControllerHealthPoll, nil, decoder.DecoderFunc(decodeControllerHealthPoll))
	decoder.Register(OpReadDataStructure, nil, decoder.DecoderFunc(decodeReadDataStructure))
	decoder.Register(adminDecoderKey(AdminOpGetLogPage, 0x02), nil, decoder.DecoderFunc(decodeSMARTLog))
	decoder.Register(adminDecoderKey(AdminOpGetLogPage, 0x03), nil, decoder.DecoderFunc(decodeFirmwareSlotInfo))
	decoder.Register(adminDecoderKey(AdminOpGetLogPage, 0x01), nil, decoder.DecoderFunc(decodeErrorInformation))
	decoder.Register(adminDecoderKey(AdminOpIdentify, 0x01), nil, decoder.DecoderFunc(decodeIdentifyController))
}

// adminDecoderKey folds an admin opcode and its discriminating
// sub-selector (log page LID, CNS, etc.) into a single synthetic
// opcode so the (opcode, vendor) registry can address tunneled admin
// responses without a third registry dimension. The top nibble tags
// the admin opcode's command family.
func adminDecoderKey(adminOpcode byte, selector byte) byte {
	return 0x80 | (adminOpcode << 4 & 0x70) | (selector & 0x0F)
}

// AdminDecoderKey exposes adminDecoderKey's mapping so callers routing
// a tunneled admin response to Decode can compute the same opcode key
// the built-in decoders were registered under.
func AdminDecoderKey(adminOpcode byte, selector byte) byte {
	return adminDecoderKey(adminOpcode, selector)
}

// decodeHealthStatusPoll implements the NVM Subsystem Health Status
// Poll response layout: status already consumed by Decode; this
// decodes the remaining 19 (MI 1.2) or 31 (MI 2.x) bytes. The branch
// is on payload length, not a version flag, because the subsystem
// version is discovered via a different command.
func decodeHealthStatusPoll(data []byte, resp *decoder.DecodedResponse) error {
	if len(data) < 19 {
		return truncated(19, len(data))
	}
	subsystemStatus := data[0]
	warnings := CriticalWarningFlags(data[1])
	compositeTemp := binary.LittleEndian.Uint16(data[2:4])
	lifeUsed := data[4]
	spare := data[5]

	resp.Set("subsystem_status", subsystemStatus, decoder.Span{Offset: 0, Length: 1})
	resp.Set("critical_warnings", warnings.Decode(), decoder.Span{Offset: 1, Length: 1})
	resp.Set("composite_temperature", celsiusString(compositeTemp), decoder.Span{Offset: 2, Length: 2})
	resp.Set("percentage_drive_life_used", percentString(lifeUsed), decoder.Span{Offset: 4, Length: 1})
	resp.Set("available_spare", percentString(spare), decoder.Span{Offset: 5, Length: 1})

	if len(data) >= 31 {
		endGroupWarning := binary.LittleEndian.Uint32(data[19:23])
		vendor := binary.LittleEndian.Uint32(data[27:31])
		resp.Set("endurance_group_warning", endGroupWarning, decoder.Span{Offset: 19, Length: 4})
		resp.Set("vendor_specific", vendor, decoder.Span{Offset: 27, Length: 4})
	}
	return nil
}

// decodeControllerHealthPoll implements the Controller Health Status
// Poll response layout: a fixed 16-byte (MI 1.2) or 32-byte (MI 2.x)
// per-controller record.
func decodeControllerHealthPoll(data []byte, resp *decoder.DecodedResponse) error {
	if len(data) < 16 {
		return truncated(16, len(data))
	}
	controllerID := binary.LittleEndian.Uint16(data[0:2])
	csts := data[2]
	warnings := CriticalWarningFlags(data[4])
	compositeTemp := binary.LittleEndian.Uint16(data[8:10])
	spare := data[10]

	resp.Set("controller_id", controllerID, decoder.Span{Offset: 0, Length: 2})
	resp.Set("controller_status", csts, decoder.Span{Offset: 2, Length: 1})
	resp.Set("critical_warnings", warnings.Decode(), decoder.Span{Offset: 4, Length: 1})
	resp.Set("composite_temperature", celsiusString(compositeTemp), decoder.Span{Offset: 8, Length: 2})
	resp.Set("available_spare", percentString(spare), decoder.Span{Offset: 10, Length: 1})
	return nil
}

// decodeReadDataStructure dispatches on the structure type byte that
// the mock/real device echoes as the first response byte, and decodes
// the NVM Subsystem Information layout in full (the layout this
// library's profiler and tests exercise); other structure types are
// exposed as an untyped raw span.
func decodeReadDataStructure(data []byte, resp *decoder.DecodedResponse) error {
	if len(data) < 1 {
		return truncated(1, len(data))
	}
	structureType := data[0]
	resp.Set("structure_type", structureType, decoder.Span{Offset: 0, Length: 1})

	switch structureType {
	case DataStructureSubsystemInfo:
		if len(data) < 3 {
			return truncated(3, len(data))
		}
		resp.Set("nvme_mi_major_version", data[1], decoder.Span{Offset: 1, Length: 1})
		resp.Set("nvme_mi_minor_version", data[2], decoder.Span{Offset: 2, Length: 1})
	case DataStructureControllerList:
		count := (len(data) - 1) / 2
		ids := make([]uint16, 0, count)
		for i := 0; i < count; i++ {
			off := 1 + i*2
			ids = append(ids, binary.LittleEndian.Uint16(data[off:off+2]))
		}
		resp.Set("controller_ids", ids, decoder.Span{Offset: 1, Length: len(data) - 1})
	default:
		resp.Set("raw", data[1:], decoder.Span{Offset: 1, Length: len(data) - 1})
	}
	return nil
}

// decodeSMARTLog implements the 512-byte SMART / Health Information
// log page (Admin Get Log Page, LID 0x02) per the NVMe base spec.
func decodeSMARTLog(data []byte, resp *decoder.DecodedResponse) error {
	if len(data) < 512 {
		return truncated(512, len(data))
	}
	warnings := CriticalWarningFlags(data[0])
	compositeTemp := binary.LittleEndian.Uint16(data[1:3])
	spare := data[3]
	spareThreshold := data[4]
	lifeUsed := data[5]

	resp.Set("critical_warnings", warnings.Decode(), decoder.Span{Offset: 0, Length: 1})
	resp.Set("composite_temperature", celsiusString(compositeTemp), decoder.Span{Offset: 1, Length: 2})
	resp.Set("available_spare", percentString(spare), decoder.Span{Offset: 3, Length: 1})
	resp.Set("available_spare_threshold", percentString(spareThreshold), decoder.Span{Offset: 4, Length: 1})
	resp.Set("percentage_used", percentString(lifeUsed), decoder.Span{Offset: 5, Length: 1})

	resp.Set("data_units_read", le128(data[32:48]), decoder.Span{Offset: 32, Length: 16})
	resp.Set("data_units_written", le128(data[48:64]), decoder.Span{Offset: 48, Length: 16})
	resp.Set("host_read_commands", le128(data[64:80]), decoder.Span{Offset: 64, Length: 16})
	resp.Set("host_write_commands", le128(data[80:96]), decoder.Span{Offset: 80, Length: 16})
	resp.Set("power_cycles", le128(data[112:128]), decoder.Span{Offset: 112, Length: 16})
	resp.Set("power_on_hours", le128(data[128:144]), decoder.Span{Offset: 128, Length: 16})
	resp.Set("unsafe_shutdowns", le128(data[144:160]), decoder.Span{Offset: 144, Length: 16})
	return nil
}

// decodeFirmwareSlotInfo implements the 512-byte Firmware Slot
// Information log page (Admin Get Log Page, LID 0x03).
func decodeFirmwareSlotInfo(data []byte, resp *decoder.DecodedResponse) error {
	if len(data) < 64 {
		return truncated(64, len(data))
	}
	afi := data[0]
	resp.Set("active_firmware_info", afi, decoder.Span{Offset: 0, Length: 1})
	for slot := 0; slot < 7; slot++ {
		off := 8 + slot*8
		if off+8 > len(data) {
			break
		}
		name := decodeASCII(data[off : off+8])
		resp.Set("firmware_slot_"+string(rune('1'+slot)), name, decoder.Span{Offset: off, Length: 8})
	}
	return nil
}

// decodeErrorInformation implements one 64-byte Error Information log
// entry (LID 0x01); Get Log Page may return several back to back, but
// this decoder exposes only the first, matching the profiler's single
// most-recent-error use.
func decodeErrorInformation(data []byte, resp *decoder.DecodedResponse) error {
	if len(data) < 64 {
		return truncated(64, len(data))
	}
	errorCount := binary.LittleEndian.Uint64(data[0:8])
	sqid := binary.LittleEndian.Uint16(data[8:10])
	cmdID := binary.LittleEndian.Uint16(data[10:12])
	status := binary.LittleEndian.Uint16(data[12:14])

	resp.Set("error_count", errorCount, decoder.Span{Offset: 0, Length: 8})
	resp.Set("sqid", sqid, decoder.Span{Offset: 8, Length: 2})
	resp.Set("command_id", cmdID, decoder.Span{Offset: 10, Length: 2})
	resp.Set("status_field", status, decoder.Span{Offset: 12, Length: 2})
	return nil
}

// decodeIdentifyController implements the subset of the 4096-byte
// Identify Controller data structure (Admin Identify, CNS 0x01) that
// this library's profiler and decode CLI surface: serial number,
// model number, and firmware revision.
func decodeIdentifyController(data []byte, resp *decoder.DecodedResponse) error {
	if len(data) < 72 {
		return truncated(72, len(data))
	}
	sn := decodeASCII(data[4:24])
	mn := decodeASCII(data[24:64])
	fr := decodeASCII(data[64:72])

	resp.Set("serial_number", sn, decoder.Span{Offset: 4, Length: 20})
	resp.Set("model_number", mn, decoder.Span{Offset: 24, Length: 40})
	resp.Set("firmware_revision", fr, decoder.Span{Offset: 64, Length: 8})
	return nil
}

func decodeASCII(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

func le128(b []byte) *big.Int {
	// big.Int.SetBytes wants big-endian; the NVMe base spec's 128-bit
	// counters are little-endian, so reverse first.
	rev := make([]byte, len(b))
	for i, v := range b {
		rev[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(rev)
}
