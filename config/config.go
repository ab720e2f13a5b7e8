// Package config holds the engine's Options: an in-code functional-option
// struct (the teacher's MariOpts pattern) plus an optional on-disk YAML
// overlay for deployments that want file-based tuning without recompiling.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rs/zerolog"

	"github.com/slabdb/slabdb/errs"
)

// DurabilityMode controls how aggressively commits are synced to disk and
// whether the backing file outlives the process, per spec.md §6's three
// named modes.
type DurabilityMode int

const (
	// DurabilityFull fsyncs on every commit (spec.md's "Full").
	DurabilityFull DurabilityMode = iota
	// DurabilityMemOnly truncates the backing file on open, never fsyncs,
	// and removes the file on final Close — a scratch database that never
	// outlives the process (spec.md's "MemOnly").
	DurabilityMemOnly
	// DurabilityUnsafe never fsyncs but the file is otherwise persisted
	// normally; developer/testing use only (spec.md's "Unsafe").
	DurabilityUnsafe
)

// Sync reports whether this mode fsyncs on commit.
func (d DurabilityMode) Sync() bool { return d == DurabilityFull }

// MemOnly reports whether the backing file should be truncated on open and
// removed on final close.
func (d DurabilityMode) MemOnly() bool { return d == DurabilityMemOnly }

// Options configures a DB instance. New fills in defaults for every field
// its options leave unset.
type Options struct {
	InitialSize int64
	MaxGrow     int64
	MaxFanout   uint32
	Durability  DurabilityMode
	Logger      zerolog.Logger

	// ConfigPath, if set, is read as a YAML overlay on top of the
	// programmatic Options; fields present in the file override the
	// corresponding Options field. Defaults to "<dbpath>.yml" in Open
	// when left empty.
	ConfigPath string
}

// Option is a functional option, following the teacher's MariOpts shape.
type Option func(*Options)

func WithInitialSize(n int64) Option         { return func(o *Options) { o.InitialSize = n } }
func WithMaxGrow(n int64) Option             { return func(o *Options) { o.MaxGrow = n } }
func WithMaxFanout(n uint32) Option          { return func(o *Options) { o.MaxFanout = n } }
func WithDurability(d DurabilityMode) Option { return func(o *Options) { o.Durability = d } }
func WithLogger(l zerolog.Logger) Option     { return func(o *Options) { o.Logger = l } }
func WithConfigPath(p string) Option         { return func(o *Options) { o.ConfigPath = p } }

const (
	defaultInitialSize = int64(64 * 1024 * 1024)
	defaultMaxGrow      = int64(1_000_000_000)
	defaultMaxFanout    = uint32(1000)
)

// New builds Options from functional options, applying defaults for
// anything left unset.
func New(opts ...Option) Options {
	o := Options{
		InitialSize: defaultInitialSize,
		MaxGrow:     defaultMaxGrow,
		MaxFanout:   defaultMaxFanout,
		Durability:  DurabilityFull,
		Logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// overlay is the YAML-serializable subset of Options a config file may
// override: initial file size, growth limit, B+-tree fan-out (maxFanout
// stands in for "page size hints" here since node capacity is not
// separately tunable) and durability mode.
type overlay struct {
	InitialSize *int64  `yaml:"initial_size"`
	MaxGrow     *int64  `yaml:"max_grow"`
	MaxFanout   *uint32 `yaml:"max_fanout"`
	Durability  *string `yaml:"durability"`
}

// ApplyFile reads path (a YAML file) and overrides o's fields with any
// present in the file. A missing file is not an error — it simply means no
// overlay is applied, per SPEC_FULL.md §6.
func (o *Options) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.IoError, "config.ApplyFile", "read config overlay", err)
	}

	var ov overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return errs.Wrap(errs.CorruptFile, "config.ApplyFile", "parse config overlay", err)
	}

	if ov.InitialSize != nil {
		o.InitialSize = *ov.InitialSize
	}
	if ov.MaxGrow != nil {
		o.MaxGrow = *ov.MaxGrow
	}
	if ov.MaxFanout != nil {
		o.MaxFanout = *ov.MaxFanout
	}
	if ov.Durability != nil {
		switch *ov.Durability {
		case "full":
			o.Durability = DurabilityFull
		case "mem_only":
			o.Durability = DurabilityMemOnly
		case "unsafe":
			o.Durability = DurabilityUnsafe
		default:
			return errs.New(errs.LogicError, "config.ApplyFile", "unknown durability mode: "+*ov.Durability)
		}
	}
	return nil
}
