// Package config loads engine configuration from CUE files.
//
// A file is unified with the embedded #Config schema, which carries the
// defaults and the value constraints, then decoded and checked with struct
// validation. Mitigation patterns are compiled on load so that a bad regex
// fails the load and never reaches recovery.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/roach88/reaqtor/internal/checkpoint"
	"github.com/roach88/reaqtor/internal/gc"
	"github.com/roach88/reaqtor/internal/recovery"
	"github.com/roach88/reaqtor/internal/store"
	"github.com/roach88/reaqtor/internal/telemetry"
)

//go:embed schema.cue
var schemaSource []byte

// Config is the complete engine configuration.
type Config struct {
	Store      StoreConfig      `json:"store"`
	Log        LogConfig        `json:"log"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Recovery   RecoveryConfig   `json:"recovery"`
	GC         GCConfig         `json:"gc"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type StoreConfig struct {
	Backend    string `json:"backend" validate:"oneof=sqlite badger"`
	Path       string `json:"path" validate:"required_if=InMemory false"`
	InMemory   bool   `json:"in_memory"`
	SyncWrites bool   `json:"sync_writes"`
	GCInterval string `json:"gc_interval" validate:"duration"`
}

type LogConfig struct {
	Level  string `json:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" validate:"oneof=text json"`
}

type CheckpointConfig struct {
	Mode   string `json:"mode" validate:"oneof=full differential"`
	Canary bool   `json:"canary"`
}

// Rule maps subscriptions whose URI matches Pattern to a mitigation.
type Rule struct {
	Pattern  string `json:"pattern" validate:"required"`
	Strategy string `json:"strategy" validate:"oneof=skip quarantine retry_once delete"`
}

type RecoveryConfig struct {
	DefaultMitigation string `json:"default_mitigation" validate:"oneof=skip quarantine retry_once delete"`
	Mitigations       []Rule `json:"mitigations" validate:"dive"`
}

type GCConfig struct {
	Enabled             bool    `json:"enabled"`
	SweepEnabled        bool    `json:"sweep_enabled"`
	BatchSize           int     `json:"batch_size" validate:"gt=0"`
	MaxIterations       int     `json:"max_iterations" validate:"gt=0"`
	Interval            string  `json:"interval" validate:"duration"`
	IterationsPerSecond float64 `json:"iterations_per_second" validate:"gte=0"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace" validate:"required_if=Enabled true"`
}

// Load reads and validates a CUE configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return Parse(data, path)
}

// Parse validates CUE source. name is used in error positions.
func Parse(data []byte, name string) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	user := ctx.CompileBytes(data, cue.Filename(name))
	if err := user.Err(); err != nil {
		return nil, fmt.Errorf("parse %s: %s", name, details(err))
	}

	v := def.Unify(user)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate %s: %s", name, details(err))
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", name, err)
	}
	return &cfg, nil
}

// Default returns the schema defaults.
func Default() *Config {
	cfg, err := Parse([]byte("{}"), "default.cue")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema defaults invalid: %v", err))
	}
	return cfg
}

func details(err error) string {
	return cueerrors.Details(err, nil)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints and compiles every mitigation pattern.
// A bad pattern yields a RegexInvalid error.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	_, err := c.MitigationTable()
	return err
}

// MitigationTable compiles the recovery mitigation rules.
func (c *Config) MitigationTable() (*recovery.MitigationTable, error) {
	def, err := recovery.ParseStrategy(c.Recovery.DefaultMitigation)
	if err != nil {
		return nil, err
	}
	rules := make([]recovery.Rule, 0, len(c.Recovery.Mitigations))
	for _, r := range c.Recovery.Mitigations {
		s, err := recovery.ParseStrategy(r.Strategy)
		if err != nil {
			return nil, err
		}
		rules = append(rules, recovery.Rule{Pattern: r.Pattern, Strategy: s})
	}
	return recovery.NewMitigationTable(def, rules...)
}

// ToStore converts the store section for store.Open.
func (c *Config) ToStore(logger *slog.Logger) store.Config {
	return store.Config{
		Backend:    c.Store.Backend,
		Path:       c.Store.Path,
		InMemory:   c.Store.InMemory,
		SyncWrites: c.Store.SyncWrites,
		GCInterval: parseDuration(c.Store.GCInterval),
		Logger:     logger,
	}
}

// ToGC converts the gc section.
func (c *Config) ToGC() gc.Config {
	return gc.Config{
		Enabled:             c.GC.Enabled,
		SweepEnabled:        c.GC.SweepEnabled,
		BatchSize:           c.GC.BatchSize,
		MaxIterations:       c.GC.MaxIterations,
		Interval:            parseDuration(c.GC.Interval),
		IterationsPerSecond: c.GC.IterationsPerSecond,
	}
}

// CheckpointMode returns the configured checkpoint mode.
func (c *Config) CheckpointMode() checkpoint.Mode {
	m, err := checkpoint.ParseMode(c.Checkpoint.Mode)
	if err != nil {
		return checkpoint.ModeFull
	}
	return m
}

// ToMetrics converts the metrics section.
func (c *Config) ToMetrics() telemetry.MetricsConfig {
	return telemetry.MetricsConfig{
		Enabled:   c.Metrics.Enabled,
		Namespace: c.Metrics.Namespace,
	}
}

// LogLevel returns the slog level of the log section.
func (c *Config) LogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// parseDuration parses a duration already checked by Validate; zero on error.
func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
