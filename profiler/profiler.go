// Package profiler orchestrates a curated, read-only probe sweep
// against one device and persists the captured request/response pairs
// as a versioned JSON profile. The sweep's opcode allow-list is closed
// and hard-coded; nothing in this package can issue a destructive
// command.
package profiler

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jpmutschler/sphinx-mi/internal/logging"
	"github.com/jpmutschler/sphinx-mi/internal/sphinxerr"
	"github.com/jpmutschler/sphinx-mi/mockdevice"
	"github.com/jpmutschler/sphinx-mi/nvmemi"
	"github.com/jpmutschler/sphinx-mi/session"
)

// vpdChunkSize is the read granularity of the VPD sweep.
const vpdChunkSize = 32

// vpdMaxBytes caps the VPD sweep against devices that never report
// end-of-data.
const vpdMaxBytes = 4096

// allowedMIOpcodes is the closed allow-list of MI opcodes the sweep may
// issue. Every entry is read-only on the device.
var allowedMIOpcodes = map[byte]bool{
	nvmemi.OpReadDataStructure:    true,
	nvmemi.OpHealthStatusPoll:     true,
	nvmemi.OpControllerHealthPoll: true,
	nvmemi.OpConfigurationGet:     true,
	nvmemi.OpVPDRead:              true,
}

// allowedAdminOpcodes is the closed allow-list of tunneled admin
// opcodes the sweep may issue.
var allowedAdminOpcodes = map[byte]bool{
	nvmemi.AdminOpGetLogPage: true,
	nvmemi.AdminOpIdentify:   true,
}

// Fingerprint computes the replay-table key for a captured command:
// the same key the mock device looks responses up under.
func Fingerprint(opcode byte, params map[string]string) string {
	return mockdevice.Fingerprint(opcode, params)
}

// Options configures a sweep.
type Options struct {
	ProfileName string
	SkipVPD     bool
	SkipAdmin   bool
}

// Profiler runs sweeps over an established session.
type Profiler struct {
	s    *session.Session
	opts Options
}

// New builds a Profiler over s. A zero Options value profiles
// everything under a generated name.
func New(s *session.Session, opts Options) *Profiler {
	if opts.ProfileName == "" {
		opts.ProfileName = "sphinx-profile-" + uuid.NewString()[:8]
	}
	return &Profiler{s: s, opts: opts}
}

// Run executes the full sweep and returns the captured profile.
func (p *Profiler) Run(ctx context.Context) (*DeviceProfile, error) {
	profile := &DeviceProfile{
		ProfileName:    p.opts.ProfileName,
		ProfileVersion: ProfileVersion,
		ResponseTable:  make(map[string]string),
	}

	var totalLatency time.Duration
	var commandCount int

	capture := func(ex *session.Exchange, opcode byte, params map[string]string) CapturedCommand {
		totalLatency += ex.Latency
		commandCount++
		cmd := CapturedCommand{
			Opcode:      opcode,
			Params:      params,
			RequestHex:  hex.EncodeToString(ex.Request),
			ResponseHex: hex.EncodeToString(ex.Response),
			LatencyMS:   float64(ex.Latency.Microseconds()) / 1000.0,
			Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		}
		profile.ResponseTable[Fingerprint(opcode, params)] = cmd.ResponseHex
		return cmd
	}

	// Subsystem health first: the cheapest probe, and the one most
	// likely to fail fast on a dead slot.
	ex, err := p.mi(ctx, nvmemi.OpHealthStatusPoll, func() (*session.Exchange, error) {
		return p.s.HealthStatusPoll(ctx)
	})
	if err != nil {
		return nil, err
	}
	profile.HealthCommands = append(profile.HealthCommands, capture(ex, nvmemi.OpHealthStatusPoll, nil))

	// Controller list, then a health poll per controller it names.
	ex, err = p.mi(ctx, nvmemi.OpReadDataStructure, func() (*session.Exchange, error) {
		return p.s.ReadDataStructure(ctx, nvmemi.DataStructureControllerList, 0, 0)
	})
	if err != nil {
		return nil, err
	}
	profile.DataStructureCommands = append(profile.DataStructureCommands,
		capture(ex, nvmemi.OpReadDataStructure, map[string]string{
			"type": fmt.Sprintf("%d", nvmemi.DataStructureControllerList), "id": "0",
		}))

	for _, cid := range controllerIDs(ex) {
		cex, err := p.mi(ctx, nvmemi.OpControllerHealthPoll, func() (*session.Exchange, error) {
			return p.s.ControllerHealthPoll(ctx, cid)
		})
		if err != nil {
			return nil, err
		}
		profile.HealthCommands = append(profile.HealthCommands,
			capture(cex, nvmemi.OpControllerHealthPoll, map[string]string{"cid": fmt.Sprintf("%d", cid)}))
	}

	// Remaining data structures: subsystem info and port info.
	for _, dt := range []byte{nvmemi.DataStructureSubsystemInfo, nvmemi.DataStructurePortInfo} {
		dex, err := p.mi(ctx, nvmemi.OpReadDataStructure, func() (*session.Exchange, error) {
			return p.s.ReadDataStructure(ctx, dt, 0, 0)
		})
		if err != nil {
			return nil, err
		}
		profile.DataStructureCommands = append(profile.DataStructureCommands,
			capture(dex, nvmemi.OpReadDataStructure, map[string]string{
				"type": fmt.Sprintf("%d", dt), "id": "0",
			}))
		if dt == nvmemi.DataStructureSubsystemInfo {
			if maj, min, ok := subsystemVersion(dex); ok {
				profile.Metadata.NVMeMIMajorVersion = maj
				profile.Metadata.NVMeMIMinorVersion = min
			}
		}
	}

	// Standard configuration identifiers.
	for _, cfgID := range []byte{
		nvmemi.ConfigSMBusI2CFrequency,
		nvmemi.ConfigHealthStatusChange,
		nvmemi.ConfigMCTPTransmissionUnit,
	} {
		cex, err := p.mi(ctx, nvmemi.OpConfigurationGet, func() (*session.Exchange, error) {
			return p.s.ConfigurationGet(ctx, cfgID, 0)
		})
		if err != nil {
			return nil, err
		}
		profile.ConfigurationCommands = append(profile.ConfigurationCommands,
			capture(cex, nvmemi.OpConfigurationGet, map[string]string{"config_id": fmt.Sprintf("%d", cfgID)}))
	}

	if !p.opts.SkipVPD {
		if err := p.sweepVPD(ctx, profile, capture); err != nil {
			return nil, err
		}
	}

	if !p.opts.SkipAdmin {
		if err := p.sweepAdmin(ctx, profile, capture); err != nil {
			return nil, err
		}
	}

	profile.Metadata.CaptureDate = time.Now().UTC().Format(time.RFC3339)
	profile.Metadata.TotalCommands = commandCount
	if commandCount > 0 {
		profile.Metadata.AvgLatencyMS = float64(totalLatency.Microseconds()) / 1000.0 / float64(commandCount)
	}
	return profile, nil
}

// sweepVPD reads the VPD region in 32-byte chunks until the device
// reports end-of-data (non-zero status or a short/empty read).
func (p *Profiler) sweepVPD(ctx context.Context, profile *DeviceProfile, capture func(*session.Exchange, byte, map[string]string) CapturedCommand) error {
	for offset := 0; offset < vpdMaxBytes; offset += vpdChunkSize {
		ex, err := p.mi(ctx, nvmemi.OpVPDRead, func() (*session.Exchange, error) {
			return p.s.VPDRead(ctx, uint16(offset), vpdChunkSize)
		})
		if err != nil {
			return err
		}
		if ex.Decoded != nil && !ex.Decoded.Success {
			break
		}
		data := ex.Response
		if len(data) <= 5 {
			break
		}
		profile.VPDCommands = append(profile.VPDCommands,
			capture(ex, nvmemi.OpVPDRead, map[string]string{
				"offset": fmt.Sprintf("%d", offset),
				"length": fmt.Sprintf("%d", vpdChunkSize),
			}))
		if len(data)-5 < vpdChunkSize {
			break
		}
	}
	return nil
}

// sweepAdmin captures the two tunneled admin probes: Identify
// Controller (which also fills in the device identity metadata) and
// the SMART / Health Information log page.
func (p *Profiler) sweepAdmin(ctx context.Context, profile *DeviceProfile, capture func(*session.Exchange, byte, map[string]string) CapturedCommand) error {
	ex, err := p.admin(ctx, nvmemi.AdminOpIdentify, func() (*session.Exchange, error) {
		return p.s.IdentifyController(ctx, 0)
	})
	if err != nil {
		return err
	}
	profile.DataStructureCommands = append(profile.DataStructureCommands,
		capture(ex, nvmemi.AdminOpIdentify, map[string]string{"cns": "1", "cid": "0"}))
	if ex.Decoded != nil {
		if fv, ok := ex.Decoded.Get("serial_number"); ok {
			profile.Metadata.Serial, _ = fv.Value.(string)
		}
		if fv, ok := ex.Decoded.Get("model_number"); ok {
			profile.Metadata.Model, _ = fv.Value.(string)
		}
		if fv, ok := ex.Decoded.Get("firmware_revision"); ok {
			profile.Metadata.Firmware, _ = fv.Value.(string)
		}
	}

	// 512-byte SMART log = 128 dwords, NUMD is zero-based.
	ex, err = p.admin(ctx, nvmemi.AdminOpGetLogPage, func() (*session.Exchange, error) {
		return p.s.GetLogPage(ctx, 0x02, 127)
	})
	if err != nil {
		return err
	}
	profile.HealthCommands = append(profile.HealthCommands,
		capture(ex, nvmemi.AdminOpGetLogPage, map[string]string{"lid": "2"}))
	return nil
}

// mi guards an MI probe behind the closed allow-list.
func (p *Profiler) mi(ctx context.Context, opcode byte, run func() (*session.Exchange, error)) (*session.Exchange, error) {
	if !allowedMIOpcodes[opcode] {
		return nil, sphinxerr.Newf(sphinxerr.Usage, "MI opcode 0x%02X is not in the profiler allow-list", opcode)
	}
	return p.run(ctx, run)
}

// admin guards a tunneled admin probe behind the closed allow-list.
func (p *Profiler) admin(ctx context.Context, adminOpcode byte, run func() (*session.Exchange, error)) (*session.Exchange, error) {
	if !allowedAdminOpcodes[adminOpcode] {
		return nil, sphinxerr.Newf(sphinxerr.Usage, "admin opcode 0x%02X is not in the profiler allow-list", adminOpcode)
	}
	return p.run(ctx, run)
}

func (p *Profiler) run(ctx context.Context, run func() (*session.Exchange, error)) (*session.Exchange, error) {
	ex, err := run()
	if err != nil {
		// A decode error still carries the raw exchange; the profiler
		// records bytes, not typed fields, so keep going.
		if ex != nil && ex.Response != nil {
			logging.Warnf("profiler: decode failed, recording raw bytes: %v", err)
			return ex, nil
		}
		return nil, err
	}
	return ex, nil
}

// controllerIDs pulls the controller id list out of a decoded Read
// Data Structure (controller list) response.
func controllerIDs(ex *session.Exchange) []uint16 {
	if ex.Decoded == nil {
		return nil
	}
	fv, ok := ex.Decoded.Get("controller_ids")
	if !ok {
		return nil
	}
	ids, ok := fv.Value.([]uint16)
	if !ok {
		return nil
	}
	return ids
}

// subsystemVersion pulls the NVMe-MI version bytes out of a decoded
// subsystem-info response.
func subsystemVersion(ex *session.Exchange) (major, minor byte, ok bool) {
	if ex.Decoded == nil {
		return 0, 0, false
	}
	maj, okMaj := ex.Decoded.Get("nvme_mi_major_version")
	min, okMin := ex.Decoded.Get("nvme_mi_minor_version")
	if !okMaj || !okMin {
		return 0, 0, false
	}
	mb, okMB := maj.Value.(byte)
	nb, okNB := min.Value.(byte)
	if !okMB || !okNB {
		return 0, 0, false
	}
	return mb, nb, true
}
