package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the optional TOML defaults file. Flags set on the
// command line keep their values; only keys present in the file
// override the flag defaults.
type fileConfig struct {
	Port      string  `toml:"port"`
	Slot      int     `toml:"slot"`
	Output    string  `toml:"output"`
	Name      string  `toml:"name"`
	Timeout   float64 `toml:"timeout_seconds"`
	DelayMS   int     `toml:"delay_ms"`
	SkipVPD   bool    `toml:"skip_vpd"`
	SkipAdmin bool    `toml:"skip_admin"`
}

func applyFileConfig(opts *options) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(opts.configPath, &raw)
	if err != nil {
		return fmt.Errorf("load profile config: %w", err)
	}

	setOnCLI := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setOnCLI[f.Name] = true })

	if meta.IsDefined("port") && opts.port == "" {
		opts.port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("slot") && !setOnCLI["slot"] {
		opts.slot = raw.Slot
	}
	if meta.IsDefined("output") && !setOnCLI["output"] {
		opts.output = strings.TrimSpace(raw.Output)
	}
	if meta.IsDefined("name") && opts.name == "" {
		opts.name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("timeout_seconds") && !setOnCLI["timeout"] {
		opts.timeout = raw.Timeout
	}
	if meta.IsDefined("delay_ms") && !setOnCLI["delay"] {
		opts.delayMS = raw.DelayMS
	}
	if meta.IsDefined("skip_vpd") && !setOnCLI["skip-vpd"] {
		opts.skipVPD = raw.SkipVPD
	}
	if meta.IsDefined("skip_admin") && !setOnCLI["skip-admin"] {
		opts.skipAdmin = raw.SkipAdmin
	}
	return nil
}
