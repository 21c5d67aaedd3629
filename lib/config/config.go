// Package config loads the configuration of the example programs from YAML
// or, for files ending in .cue, from CUE.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support unmarshalling from strings like
// "20ms".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.parse(raw)
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalJSON parses a duration string. CUE values decode through it.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.parse(raw)
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) parse(raw string) error {
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	URL     string            `yaml:"url" json:"url"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level" json:"level"`
	Format string     `yaml:"format" json:"format"` // "json" or "text"
	Loki   LokiConfig `yaml:"loki" json:"loki"`
}

// TelemetryConfig configures the Prometheus endpoint.
type TelemetryConfig struct {
	Listen string `yaml:"listen" json:"listen"` // e.g. ":9100"; empty disables
}

// BusConfig describes the serial connection to the Prologix adapter.
type BusConfig struct {
	Port        string   `yaml:"port" json:"port"`     // e.g. /dev/ttyUSB0; empty searches by Serial
	Serial      string   `yaml:"serial" json:"serial"` // USB serial number of the adapter
	Baud        int      `yaml:"baud" json:"baud"`
	ReadTimeout Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteDelay  Duration `yaml:"write_delay" json:"write_delay"`
	AR488       bool     `yaml:"ar488" json:"ar488"`
}

// InstrumentConfig binds a driver to a GPIB address.
type InstrumentConfig struct {
	Name      string `yaml:"name" json:"name"`
	Driver    string `yaml:"driver" json:"driver"`
	Address   int    `yaml:"address" json:"address"`
	Secondary int    `yaml:"secondary" json:"secondary"` // 0 for none
}

// RampConfig holds the default ramp parameters.
type RampConfig struct {
	Step  float64  `yaml:"step" json:"step"`
	Delay Duration `yaml:"delay" json:"delay"`
	Guard string   `yaml:"guard" json:"guard"`
}

// Config is the root configuration structure.
type Config struct {
	Logging     LoggingConfig      `yaml:"logging" json:"logging"`
	Telemetry   TelemetryConfig    `yaml:"telemetry" json:"telemetry"`
	Bus         BusConfig          `yaml:"bus" json:"bus"`
	Instruments []InstrumentConfig `yaml:"instruments" json:"instruments"`
	Ramp        RampConfig         `yaml:"ramp" json:"ramp"`
}

// Drivers lists the driver names an InstrumentConfig may use.
var Drivers = []string{"keithley2400", "gs610", "qdac", "sr830", "ips120"}

// Defaults returns a configuration with every optional field filled in.
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Bus.Baud == 0 {
		c.Bus.Baud = 115200
	}
	if c.Bus.ReadTimeout.Duration == 0 {
		c.Bus.ReadTimeout.Duration = 3 * time.Second
	}
	if c.Ramp.Step == 0 {
		c.Ramp.Step = 0.01
	}
	if c.Ramp.Delay.Duration == 0 {
		c.Ramp.Delay.Duration = 20 * time.Millisecond
	}
}

// Load reads path, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		err = decodeCUE(path, raw, &cfg)
	} else {
		err = yaml.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// schema constrains CUE configuration files. YAML files are checked by
// Validate only.
const schema = `
#Config: {
	logging?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error"
		format?: "json" | "text"
		loki?: {
			enabled?: bool
			url?:     string
			labels?: [string]: string
		}
	}
	telemetry?: listen?: string
	bus?: {
		port?:         string
		serial?:       string
		baud?:         int & >0
		read_timeout?: string
		write_delay?:  string
		ar488?:        bool
	}
	instruments?: [...{
		name:       string
		driver:     string
		address:    int & >=0 & <=30
		secondary?: int
	}]
	ramp?: {
		step?:  number & >0
		delay?: string
		guard?: string
	}
}
`

func decodeCUE(path string, raw []byte, cfg *Config) error {
	ctx := cuecontext.New()
	def := ctx.CompileString(schema).LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	v := ctx.CompileBytes(raw, cue.Filename(path))
	if err := v.Err(); err != nil {
		return err
	}
	v = def.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return v.Decode(cfg)
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs error
	if c.Ramp.Step <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("ramp.step must be positive, got %g", c.Ramp.Step))
	}
	if c.Ramp.Delay.Duration < 0 {
		errs = multierr.Append(errs, fmt.Errorf("ramp.delay must not be negative"))
	}
	if c.Logging.Loki.Enabled && c.Logging.Loki.URL == "" {
		errs = multierr.Append(errs, fmt.Errorf("logging.loki.url is required when loki is enabled"))
	}
	seen := make(map[string]bool)
	for i, inst := range c.Instruments {
		where := fmt.Sprintf("instruments[%d]", i)
		if inst.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s: name is required", where))
		} else if seen[inst.Name] {
			errs = multierr.Append(errs, fmt.Errorf("%s: duplicate name %q", where, inst.Name))
		}
		seen[inst.Name] = true
		if !knownDriver(inst.Driver) {
			errs = multierr.Append(errs, fmt.Errorf("%s: unknown driver %q (want one of %s)",
				where, inst.Driver, strings.Join(Drivers, ", ")))
		}
		if inst.Address < 0 || inst.Address > 30 {
			errs = multierr.Append(errs, fmt.Errorf("%s: address %d outside 0-30", where, inst.Address))
		}
		if inst.Secondary != 0 && (inst.Secondary < 96 || inst.Secondary > 126) {
			errs = multierr.Append(errs, fmt.Errorf("%s: secondary address %d outside 96-126", where, inst.Secondary))
		}
	}
	return errs
}

func knownDriver(name string) bool {
	for _, d := range Drivers {
		if d == name {
			return true
		}
	}
	return false
}

// Instrument returns the instrument named name.
func (c *Config) Instrument(name string) (InstrumentConfig, bool) {
	for _, inst := range c.Instruments {
		if inst.Name == name {
			return inst, true
		}
	}
	return InstrumentConfig{}, false
}
