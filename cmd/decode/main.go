// Command decode parses a hex-encoded packet or NVMe-MI payload and
// prints the decoded field table.
//
// Exit codes: 0 success, 1 usage error, 2 decode error, 3 checksum
// failure.
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jpmutschler/sphinx-mi/decoder"
	"github.com/jpmutschler/sphinx-mi/internal/logging"
	"github.com/jpmutschler/sphinx-mi/internal/sphinxerr"
	"github.com/jpmutschler/sphinx-mi/mctp"
	"github.com/jpmutschler/sphinx-mi/nvmemi"
)

const (
	exitOK        = 0
	exitUsage     = 1
	exitDecode    = 2
	exitIntegrity = 3
)

type options struct {
	opcode    uint
	vendorID  uint
	hasVendor bool
	asJSON    bool
}

func main() {
	logging.ConfigureRuntime()
	opts, hexInput := parseFlags()

	raw, err := hex.DecodeString(hexInput)
	if err != nil {
		fatalf(exitUsage, "invalid hex input: %v", err)
	}

	payload := extractPayload(raw)

	var vendorID *uint16
	if opts.hasVendor {
		v := uint16(opts.vendorID)
		vendorID = &v
	}

	resp, err := nvmemi.Decode(payload, byte(opts.opcode), vendorID)
	if err != nil && resp == nil {
		fatalf(exitDecode, "decode failed: %v", err)
	}

	if opts.asJSON {
		printJSON(resp)
	} else {
		printTable(resp)
	}

	if err != nil {
		fatalf(exitDecode, "decode incomplete: %v", err)
	}
	os.Exit(exitOK)
}

// extractPayload accepts either a complete MCTP-over-SMBus frame or a
// bare NVMe-MI payload. A frame that parses (or fails its checksums)
// is treated as a frame; anything else is assumed to be a payload.
func extractPayload(raw []byte) []byte {
	pf, err := mctp.Parse(raw)
	if err == nil {
		return pf.Payload
	}
	var serr *sphinxerr.Error
	if errors.As(err, &serr) && serr.Kind == sphinxerr.Integrity {
		fatalf(exitIntegrity, "checksum failure: %v", err)
	}
	// Not a well-formed frame: decode the bytes as a bare payload.
	return raw
}

func parseFlags() (options, string) {
	var opts options
	var vendorFlag int
	flag.UintVar(&opts.opcode, "opcode", 0, "MI opcode (or admin decoder key) the response answers")
	flag.IntVar(&vendorFlag, "vendor-id", -1, "vendor id for vendor-specific decoders")
	flag.BoolVar(&opts.asJSON, "json", false, "emit the decoded fields as JSON")
	flag.Parse()

	if opts.opcode > 0xFF {
		fatalf(exitUsage, "opcode out of range: %d", opts.opcode)
	}
	if vendorFlag >= 0 {
		if vendorFlag > 0xFFFF {
			fatalf(exitUsage, "vendor-id out of range: %d", vendorFlag)
		}
		opts.vendorID = uint(vendorFlag)
		opts.hasVendor = true
	}

	if flag.NArg() == 0 {
		fatalf(exitUsage, "missing hex bytes argument")
	}
	// Hex may arrive as one argument or space-separated byte groups.
	joined := strings.Join(flag.Args(), "")
	joined = strings.ReplaceAll(joined, " ", "")
	return opts, joined
}

func printTable(resp *decoder.DecodedResponse) {
	fmt.Printf("opcode:  0x%02X\n", resp.Opcode)
	fmt.Printf("status:  0x%02X\n", resp.StatusCode)
	fmt.Printf("success: %v\n", resp.Success)
	if resp.Partial {
		fmt.Println("partial: true")
	}
	for _, f := range resp.Fields() {
		fmt.Printf("  %-28s %v\n", f.Name+":", f.Value.Value)
	}
}

func printJSON(resp *decoder.DecodedResponse) {
	type jsonField struct {
		Name   string `json:"name"`
		Value  any    `json:"value"`
		Offset int    `json:"offset"`
		Length int    `json:"length"`
	}
	out := struct {
		Opcode     byte        `json:"opcode"`
		StatusCode byte        `json:"status_code"`
		Success    bool        `json:"success"`
		Partial    bool        `json:"partial,omitempty"`
		Fields     []jsonField `json:"fields"`
	}{
		Opcode:     resp.Opcode,
		StatusCode: resp.StatusCode,
		Success:    resp.Success,
		Partial:    resp.Partial,
	}
	for _, f := range resp.Fields() {
		out.Fields = append(out.Fields, jsonField{
			Name:   f.Name,
			Value:  f.Value.Value,
			Offset: f.Value.Raw.Offset,
			Length: f.Value.Raw.Length,
		})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fatalf(exitDecode, "encode JSON: %v", err)
	}
}

func fatalf(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "decode: "+format+"\n", args...)
	os.Exit(code)
}
