// Command profile captures a device profile over a live NVMe-MI
// session, or inspects a previously captured profile file.
//
// Capture: profile --port <path> --slot <1..8> --output <file>
// Inspect: profile --load <file> --summary|--verify|--compare <other>|--mock-test
//
// Exit codes: 0 ok, 1 usage error, 2 device error, 3 integrity error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jpmutschler/sphinx-mi/fragment"
	"github.com/jpmutschler/sphinx-mi/internal/logging"
	"github.com/jpmutschler/sphinx-mi/internal/sphinxerr"
	"github.com/jpmutschler/sphinx-mi/mockdevice"
	"github.com/jpmutschler/sphinx-mi/profiler"
	"github.com/jpmutschler/sphinx-mi/session"
	"github.com/jpmutschler/sphinx-mi/transport"
)

const (
	exitOK        = 0
	exitUsage     = 1
	exitDevice    = 2
	exitIntegrity = 3
)

type options struct {
	configPath string

	port    string
	slot    int
	output  string
	name    string
	timeout float64
	delayMS int

	skipVPD   bool
	skipAdmin bool

	load     string
	summary  bool
	verify   bool
	compare  string
	mockTest bool
}

func main() {
	logging.ConfigureRuntime()
	opts := parseFlags()

	if opts.load != "" {
		runLoad(opts)
		return
	}
	runCapture(opts)
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "optional TOML file with saved defaults")
	flag.StringVar(&opts.port, "port", "", "serial port device path")
	flag.IntVar(&opts.slot, "slot", 1, "enclosure slot (1..8)")
	flag.StringVar(&opts.output, "output", "profile.json", "output profile path")
	flag.StringVar(&opts.name, "name", "", "profile name (generated if empty)")
	flag.Float64Var(&opts.timeout, "timeout", 2.0, "per-command timeout in seconds")
	flag.IntVar(&opts.delayMS, "delay", 5, "inter-fragment delay in milliseconds")
	flag.BoolVar(&opts.skipVPD, "skip-vpd", false, "skip the VPD sweep")
	flag.BoolVar(&opts.skipAdmin, "skip-admin", false, "skip tunneled admin commands")
	flag.StringVar(&opts.load, "load", "", "load an existing profile instead of capturing")
	flag.BoolVar(&opts.summary, "summary", false, "with --load: print a summary")
	flag.BoolVar(&opts.verify, "verify", false, "with --load: check internal consistency")
	flag.StringVar(&opts.compare, "compare", "", "with --load: diff against another profile")
	flag.BoolVar(&opts.mockTest, "mock-test", false, "with --load: replay the sweep through the mock device")
	flag.Parse()

	if opts.configPath != "" {
		if err := applyFileConfig(&opts); err != nil {
			fatalf(exitUsage, "%v", err)
		}
	}
	return opts
}

func runCapture(opts options) {
	if opts.port == "" {
		fatalf(exitUsage, "--port is required for capture (or use --load)")
	}
	if err := transport.ValidateSlot(opts.slot); err != nil {
		fatalf(exitUsage, "%v", err)
	}
	if opts.timeout <= 0 {
		fatalf(exitUsage, "--timeout must be positive")
	}

	link, err := os.OpenFile(opts.port, os.O_RDWR, 0)
	if err != nil {
		fatalf(exitDevice, "open port %s: %v", opts.port, err)
	}
	defer link.Close()

	adapter, err := transport.NewHardwareAdapter(link, opts.slot)
	if err != nil {
		fatalf(exitUsage, "%v", err)
	}

	cfg := session.DefaultConfig()
	cfg.CommandTimeout = time.Duration(opts.timeout * float64(time.Second))
	cfg.Fragment = fragment.Config{
		InterFragmentDelay: time.Duration(opts.delayMS) * time.Millisecond,
		ReassemblyTimeout:  fragment.DefaultConfig().ReassemblyTimeout,
	}

	p := profiler.New(session.New(adapter, cfg), profiler.Options{
		ProfileName: opts.name,
		SkipVPD:     opts.skipVPD,
		SkipAdmin:   opts.skipAdmin,
	})

	profile, err := p.Run(context.Background())
	if err != nil {
		fatalf(exitCodeFor(err), "sweep failed: %v", err)
	}
	if err := (profiler.FileSink{Path: opts.output}).Write(profile); err != nil {
		fatalf(exitDevice, "write profile: %v", err)
	}
	fmt.Printf("captured %d commands to %s\n", profile.Metadata.TotalCommands, opts.output)
	os.Exit(exitOK)
}

func runLoad(opts options) {
	profile, err := profiler.Load(opts.load)
	if err != nil {
		fatalf(exitCodeFor(err), "%v", err)
	}

	switch {
	case opts.summary:
		fmt.Print(profiler.Summary(profile))

	case opts.verify:
		problems := profiler.Verify(profile)
		if len(problems) > 0 {
			for _, p := range problems {
				fmt.Fprintln(os.Stderr, p)
			}
			fatalf(exitIntegrity, "%d problem(s) found", len(problems))
		}
		fmt.Println("profile ok")

	case opts.compare != "":
		other, err := profiler.Load(opts.compare)
		if err != nil {
			fatalf(exitCodeFor(err), "%v", err)
		}
		diffs := profiler.Compare(profile, other)
		if len(diffs) > 0 {
			for _, d := range diffs {
				fmt.Println(d)
			}
			fatalf(exitDevice, "%d difference(s)", len(diffs))
		}
		fmt.Println("profiles match")

	case opts.mockTest:
		runMockTest(opts, profile)

	default:
		fatalf(exitUsage, "--load requires one of --summary, --verify, --compare, --mock-test")
	}
	os.Exit(exitOK)
}

// runMockTest seeds a mock device with the profile's response table
// and replays the sweep against it, verifying that every response the
// replay sweep shares with the capture replays byte-identically.
// Captured entries that the replay sweep does not issue are not checked.
func runMockTest(opts options, profile *profiler.DeviceProfile) {
	table, err := profile.ResponseTableBytes()
	if err != nil {
		fatalf(exitIntegrity, "%v", err)
	}
	state := mockdevice.DefaultState()
	state.ResponseTable = table

	s := session.New(transport.NewMockTransport(mockdevice.NewDevice(state)), session.DefaultConfig())
	p := profiler.New(s, profiler.Options{
		ProfileName: profile.ProfileName + "-replay",
		SkipVPD:     opts.skipVPD,
		SkipAdmin:   opts.skipAdmin,
	})
	replayed, err := p.Run(context.Background())
	if err != nil {
		fatalf(exitCodeFor(err), "replay sweep failed: %v", err)
	}

	mismatches := 0
	for fp, got := range replayed.ResponseTable {
		want, ok := profile.ResponseTable[fp]
		if !ok {
			continue // replay probed something the capture did not
		}
		if got != want {
			fmt.Fprintf(os.Stderr, "mismatch: %s\n", fp)
			mismatches++
		}
	}
	if mismatches > 0 {
		fatalf(exitDevice, "%d replay mismatch(es)", mismatches)
	}
	fmt.Printf("replayed %d commands through the mock, all matched\n", replayed.Metadata.TotalCommands)
}

// exitCodeFor maps an error's kind to the documented exit codes.
func exitCodeFor(err error) int {
	var serr *sphinxerr.Error
	if errors.As(err, &serr) {
		switch serr.Kind {
		case sphinxerr.Usage:
			return exitUsage
		case sphinxerr.Integrity:
			return exitIntegrity
		}
	}
	return exitDevice
}

func fatalf(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "profile: "+format+"\n", args...)
	os.Exit(code)
}
