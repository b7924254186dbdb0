// Package config handles lumen.toml runtime configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"

	"github.com/chazu/lumen/vm"
)

// FileName is the name of the configuration file.
const FileName = "lumen.toml"

var log = commonlog.GetLogger("lumen.config")

// Config represents a lumen.toml file.
type Config struct {
	GC    GC    `toml:"gc"`
	Stack Stack `toml:"stack"`
	Trace Trace `toml:"trace"`

	// Dir is the directory containing the lumen.toml file (set at load time).
	Dir string `toml:"-"`
}

// GC configures the collector.
type GC struct {
	Mode       string   `toml:"mode"`
	Pause      int      `toml:"pause"`
	StepMul    int      `toml:"stepmul"`
	StepSize   ByteSize `toml:"stepsize"`
	MinorMul   int      `toml:"minormul"`
	MinorMajor int      `toml:"minormajor"`
	MajorMinor int      `toml:"majorminor"`
	HeapLimit  ByteSize `toml:"heap-limit"`
	Checks     bool     `toml:"checks"`
}

// Stack configures thread stacks.
type Stack struct {
	Max int `toml:"max"`
}

// Trace selects where cycle statistics are written. Relative paths are
// resolved against the configuration directory.
type Trace struct {
	CBOR   string `toml:"cbor"`
	SQLite string `toml:"sqlite"`
}

// ByteSize is a size in bytes written either as an integer or as a
// string such as "64MB" or "8 KiB".
type ByteSize int64

// UnmarshalTOML implements toml.Unmarshaler.
func (b *ByteSize) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case int64:
		if x < 0 {
			return fmt.Errorf("negative size %d", x)
		}
		*b = ByteSize(x)
	case string:
		n, err := humanize.ParseBytes(x)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", x, err)
		}
		*b = ByteSize(n)
	default:
		return fmt.Errorf("invalid size %v (%T)", v, v)
	}
	return nil
}

// String formats the size for humans.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns the configuration used when no lumen.toml exists.
func Default() *Config {
	d := vm.DefaultConfig()
	return &Config{
		GC: GC{
			Mode:       d.Mode.String(),
			Pause:      d.Pause,
			StepMul:    d.StepMul,
			StepSize:   ByteSize(d.StepSize),
			MinorMul:   d.MinorMul,
			MinorMajor: d.MinorMajor,
			MajorMinor: d.MajorMinor,
		},
		Stack: Stack{Max: d.MaxStack},
	}
}

// Parse decodes and validates configuration data. Missing keys keep their
// defaults.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load parses a lumen.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	log.Debugf("loaded %s", path)
	return c, nil
}

// FindAndLoad walks up from startDir to find a lumen.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

//go:embed schema.cue
var schemaSource string

// Validate checks the configuration against the CUE schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	doc := map[string]any{
		"gc": map[string]any{
			"mode":       c.GC.Mode,
			"pause":      c.GC.Pause,
			"stepmul":    c.GC.StepMul,
			"stepsize":   int64(c.GC.StepSize),
			"minormul":   c.GC.MinorMul,
			"minormajor": c.GC.MinorMajor,
			"majorminor": c.GC.MajorMinor,
			"heaplimit":  int64(c.GC.HeapLimit),
			"checks":     c.GC.Checks,
		},
		"stack": map[string]any{
			"max": c.Stack.Max,
		},
		"trace": map[string]any{
			"cbor":   c.Trace.CBOR,
			"sqlite": c.Trace.SQLite,
		},
	}
	v := def.Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

// VM returns the collector configuration described by c.
func (c *Config) VM() vm.Config {
	cfg := vm.DefaultConfig()
	if c.GC.Mode == vm.ModeGenerational.String() {
		cfg.Mode = vm.ModeGenerational
	}
	cfg.Pause = c.GC.Pause
	cfg.StepMul = c.GC.StepMul
	cfg.StepSize = int(c.GC.StepSize)
	cfg.MinorMul = c.GC.MinorMul
	cfg.MinorMajor = c.GC.MinorMajor
	cfg.MajorMinor = c.GC.MajorMinor
	cfg.HeapLimit = int64(c.GC.HeapLimit)
	cfg.Checks = c.GC.Checks
	cfg.MaxStack = c.Stack.Max
	return cfg
}

// TracePath resolves a trace path against the configuration directory.
func (c *Config) TracePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}
