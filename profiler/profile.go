package profiler

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jpmutschler/sphinx-mi/internal/sphinxerr"
)

// ProfileVersion is the JSON schema version this package reads and writes.
const ProfileVersion = "1.0"

// CapturedCommand is one recorded request/response pair.
type CapturedCommand struct {
	Opcode      byte              `json:"opcode"`
	Params      map[string]string `json:"params"`
	RequestHex  string            `json:"request_hex"`
	ResponseHex string            `json:"response_hex"`
	LatencyMS   float64           `json:"latency_ms"`
	Timestamp   string            `json:"timestamp"`
}

// Metadata describes the profiled device and the capture run.
type Metadata struct {
	Serial             string  `json:"serial"`
	Model              string  `json:"model"`
	Firmware           string  `json:"firmware"`
	NVMeMIMajorVersion byte    `json:"nvme_mi_major_version"`
	NVMeMIMinorVersion byte    `json:"nvme_mi_minor_version"`
	CaptureDate        string  `json:"capture_date"`
	TotalCommands      int     `json:"total_commands"`
	AvgLatencyMS       float64 `json:"avg_latency_ms"`
}

// DeviceProfile is the persisted result of one profiling sweep: the
// captured commands grouped by category, device metadata, and a
// fingerprint-keyed response table for mock replay.
type DeviceProfile struct {
	ProfileName           string            `json:"profile_name"`
	ProfileVersion        string            `json:"profile_version"`
	Metadata              Metadata          `json:"metadata"`
	HealthCommands        []CapturedCommand `json:"health_commands"`
	DataStructureCommands []CapturedCommand `json:"data_structure_commands"`
	ConfigurationCommands []CapturedCommand `json:"configuration_commands"`
	VPDCommands           []CapturedCommand `json:"vpd_commands"`
	ResponseTable         map[string]string `json:"response_table"`
}

// Commands returns every captured command across all four categories.
func (p *DeviceProfile) Commands() []CapturedCommand {
	out := make([]CapturedCommand, 0,
		len(p.HealthCommands)+len(p.DataStructureCommands)+len(p.ConfigurationCommands)+len(p.VPDCommands))
	out = append(out, p.HealthCommands...)
	out = append(out, p.DataStructureCommands...)
	out = append(out, p.ConfigurationCommands...)
	out = append(out, p.VPDCommands...)
	return out
}

// ResponseTableBytes decodes the hex response table into the byte form
// the mock device's replay lookup consumes.
func (p *DeviceProfile) ResponseTableBytes() (map[string][]byte, error) {
	out := make(map[string][]byte, len(p.ResponseTable))
	for fp, h := range p.ResponseTable {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, sphinxerr.Wrap(sphinxerr.Decode, err, "bad response_table hex").WithField(fp)
		}
		out[fp] = b
	}
	return out, nil
}

// Load reads and validates a profile JSON file.
func Load(path string) (*DeviceProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, sphinxerr.Wrap(sphinxerr.Usage, err, "read profile")
	}
	var p DeviceProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, sphinxerr.Wrap(sphinxerr.Decode, err, "parse profile JSON")
	}
	if p.ProfileVersion != ProfileVersion {
		return nil, sphinxerr.Newf(sphinxerr.Decode, "unsupported profile_version %q (want %q)", p.ProfileVersion, ProfileVersion)
	}
	return &p, nil
}

// Verify checks a loaded profile's internal consistency: every
// captured command's hex decodes, and every command's fingerprint
// resolves in the response table. It returns one message per problem.
func Verify(p *DeviceProfile) []string {
	var problems []string
	check := func(category string, cmds []CapturedCommand) {
		for i, c := range cmds {
			where := fmt.Sprintf("%s[%d] opcode=0x%02x", category, i, c.Opcode)
			if _, err := hex.DecodeString(c.RequestHex); err != nil {
				problems = append(problems, where+": bad request_hex")
			}
			if _, err := hex.DecodeString(c.ResponseHex); err != nil {
				problems = append(problems, where+": bad response_hex")
			}
			fp := Fingerprint(c.Opcode, c.Params)
			if _, ok := p.ResponseTable[fp]; !ok {
				problems = append(problems, where+": fingerprint "+fp+" missing from response_table")
			}
		}
	}
	check("health_commands", p.HealthCommands)
	check("data_structure_commands", p.DataStructureCommands)
	check("configuration_commands", p.ConfigurationCommands)
	check("vpd_commands", p.VPDCommands)

	for fp, h := range p.ResponseTable {
		if _, err := hex.DecodeString(h); err != nil {
			problems = append(problems, "response_table["+fp+"]: bad hex")
		}
	}
	sort.Strings(problems)
	return problems
}

// Compare diffs two profiles: metadata fields and response-table keys
// and values. It returns one message per difference.
func Compare(a, b *DeviceProfile) []string {
	var diffs []string
	if a.Metadata.Serial != b.Metadata.Serial {
		diffs = append(diffs, fmt.Sprintf("serial: %q vs %q", a.Metadata.Serial, b.Metadata.Serial))
	}
	if a.Metadata.Model != b.Metadata.Model {
		diffs = append(diffs, fmt.Sprintf("model: %q vs %q", a.Metadata.Model, b.Metadata.Model))
	}
	if a.Metadata.Firmware != b.Metadata.Firmware {
		diffs = append(diffs, fmt.Sprintf("firmware: %q vs %q", a.Metadata.Firmware, b.Metadata.Firmware))
	}
	if a.Metadata.NVMeMIMajorVersion != b.Metadata.NVMeMIMajorVersion ||
		a.Metadata.NVMeMIMinorVersion != b.Metadata.NVMeMIMinorVersion {
		diffs = append(diffs, fmt.Sprintf("nvme_mi_version: %d.%d vs %d.%d",
			a.Metadata.NVMeMIMajorVersion, a.Metadata.NVMeMIMinorVersion,
			b.Metadata.NVMeMIMajorVersion, b.Metadata.NVMeMIMinorVersion))
	}

	for fp, av := range a.ResponseTable {
		bv, ok := b.ResponseTable[fp]
		if !ok {
			diffs = append(diffs, "only in first: "+fp)
			continue
		}
		if av != bv {
			diffs = append(diffs, "response differs: "+fp)
		}
	}
	for fp := range b.ResponseTable {
		if _, ok := a.ResponseTable[fp]; !ok {
			diffs = append(diffs, "only in second: "+fp)
		}
	}
	sort.Strings(diffs)
	return diffs
}

// Summary renders a short human-readable digest of a profile.
func Summary(p *DeviceProfile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Profile: %s (version %s)\n", p.ProfileName, p.ProfileVersion)
	fmt.Fprintf(&sb, "Device:  %s %s fw %s, NVMe-MI %d.%d\n",
		p.Metadata.Model, p.Metadata.Serial, p.Metadata.Firmware,
		p.Metadata.NVMeMIMajorVersion, p.Metadata.NVMeMIMinorVersion)
	fmt.Fprintf(&sb, "Capture: %s, %d commands, avg latency %.2f ms\n",
		p.Metadata.CaptureDate, p.Metadata.TotalCommands, p.Metadata.AvgLatencyMS)
	fmt.Fprintf(&sb, "Commands: health=%d data_structure=%d configuration=%d vpd=%d\n",
		len(p.HealthCommands), len(p.DataStructureCommands), len(p.ConfigurationCommands), len(p.VPDCommands))
	fmt.Fprintf(&sb, "Response table: %d entries\n", len(p.ResponseTable))
	return sb.String()
}
