package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestApplyFileConfigOverrides(t *testing.T) {
	opts := options{slot: 1, output: "profile.json", timeout: 2.0, delayMS: 5}
	opts.configPath = writeConfig(t, `
port = "/dev/ttyUSB0"
slot = 4
output = "captures/enclosure4.json"
timeout_seconds = 0.5
delay_ms = 10
skip_vpd = true
`)

	if err := applyFileConfig(&opts); err != nil {
		t.Fatalf("applyFileConfig: %v", err)
	}
	if opts.port != "/dev/ttyUSB0" {
		t.Fatalf("unexpected port: %q", opts.port)
	}
	if opts.slot != 4 {
		t.Fatalf("unexpected slot: %d", opts.slot)
	}
	if opts.output != "captures/enclosure4.json" {
		t.Fatalf("unexpected output: %q", opts.output)
	}
	if opts.timeout != 0.5 {
		t.Fatalf("unexpected timeout: %v", opts.timeout)
	}
	if opts.delayMS != 10 {
		t.Fatalf("unexpected delay: %d", opts.delayMS)
	}
	if !opts.skipVPD {
		t.Fatal("expected skip_vpd applied")
	}
	if opts.skipAdmin {
		t.Fatal("skip_admin should keep its default")
	}
}

func TestApplyFileConfigKeepsFlagPort(t *testing.T) {
	opts := options{port: "/dev/ttyS9", slot: 1, output: "profile.json"}
	opts.configPath = writeConfig(t, `port = "/dev/ttyUSB0"`)

	if err := applyFileConfig(&opts); err != nil {
		t.Fatalf("applyFileConfig: %v", err)
	}
	if opts.port != "/dev/ttyS9" {
		t.Fatalf("flag port overridden: %q", opts.port)
	}
}

func TestApplyFileConfigMissingFile(t *testing.T) {
	opts := options{configPath: filepath.Join(t.TempDir(), "missing.toml")}
	if err := applyFileConfig(&opts); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
