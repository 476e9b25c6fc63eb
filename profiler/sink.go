package profiler

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/jpmutschler/sphinx-mi/internal/sphinxerr"
)

// Sink persists a completed profile.
type Sink interface {
	Write(p *DeviceProfile) error
}

// FileSink writes the profile as pretty-printed JSON to Path, creating
// parent directories as needed.
type FileSink struct {
	Path string
}

func (f FileSink) Write(p *DeviceProfile) error {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return sphinxerr.Wrap(sphinxerr.Usage, err, "marshal profile")
	}
	if dir := filepath.Dir(f.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return sphinxerr.Wrap(sphinxerr.Transport, err, "create profile directory")
		}
	}
	if err := os.WriteFile(f.Path, append(raw, '\n'), 0o644); err != nil {
		return sphinxerr.Wrap(sphinxerr.Transport, err, "write profile")
	}
	return nil
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(p *DeviceProfile) error

func (f SinkFunc) Write(p *DeviceProfile) error { return f(p) }
