// Copyright (c) 2020–2024 The hallbar developers. All rights reserved.
// Project site: https://github.com/gotmc/hallbar
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package hallbar

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gotmc/query"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/gotmc/hallbar/lib/telemetry"
)

// maxErrorDrain bounds a single drain of the instrument error queue.
const maxErrorDrain = 32

// Instrument is one physical device bound to one bus session. Drivers declare
// their parameters once, right after New, and then read and write them by
// name. An Instrument is not safe for concurrent use.
type Instrument struct {
	name       string
	bus        Bus
	params     map[string]*Param
	order      []string
	funcs      map[string]string
	errorQuery string
	log        zerolog.Logger
	collector  telemetry.Collector
}

// InstrumentOption applies an option to an Instrument.
type InstrumentOption func(*Instrument)

// WithLogger sets the logger used for bus traffic at debug level.
func WithLogger(l zerolog.Logger) InstrumentOption {
	return func(in *Instrument) { in.log = l }
}

// WithCollector sets the telemetry collector notified of every bus round trip.
func WithCollector(c telemetry.Collector) InstrumentOption {
	return func(in *Instrument) {
		if c != nil {
			in.collector = c
		}
	}
}

// WithName overrides the name a driver gives its instrument, for setups with
// more than one instrument of a model.
func WithName(name string) InstrumentOption {
	return func(in *Instrument) {
		if name != "" {
			in.name = name
		}
	}
}

// WithErrorQuery overrides the query used to pop the instrument error queue.
// It defaults to ":SYST:ERR?". An empty query disables Errors for instruments
// without an error queue.
func WithErrorQuery(q string) InstrumentOption {
	return func(in *Instrument) { in.errorQuery = q }
}

// New creates an instrument named name talking over bus.
func New(name string, bus Bus, opts ...InstrumentOption) *Instrument {
	in := &Instrument{
		name:       name,
		bus:        bus,
		params:     make(map[string]*Param),
		funcs:      make(map[string]string),
		errorQuery: ":SYST:ERR?",
		log:        zerolog.Nop(),
		collector:  telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.log = in.log.With().Str("instrument", in.name).Logger()
	return in
}

// Name returns the instrument name.
func (in *Instrument) Name() string { return in.name }

// Bus returns the bus session owned by the instrument.
func (in *Instrument) Bus() Bus { return in.bus }

// Logger returns the instrument's logger.
func (in *Instrument) Logger() zerolog.Logger { return in.log }

// Collector returns the instrument's telemetry collector.
func (in *Instrument) Collector() telemetry.Collector { return in.collector }

// Declare registers a parameter. It fails with ErrDuplicateParameter if name
// is already declared and with ErrInvalidDeclaration if the options do not
// fit the kind and access.
func (in *Instrument) Declare(name string, kind Kind, access Access, opts ...ParamOption) error {
	p := &Param{Name: name, Kind: kind, Access: access}
	for _, opt := range opts {
		opt(p)
	}
	return in.add(p)
}

// DeclareChannels declares one parameter per channel in [lo, hi], named
// "ch<N>_<name>". The query and command formats receive the channel number
// as their first verb.
func (in *Instrument) DeclareChannels(name string, lo, hi int, kind Kind, access Access, opts ...ParamOption) error {
	if lo < 1 || hi < lo {
		return in.paramErr("declare", name, fmt.Errorf("%w: channels %d-%d", ErrInvalidDeclaration, lo, hi))
	}
	for ch := lo; ch <= hi; ch++ {
		p := &Param{Name: ChannelParam(name, ch), Kind: kind, Access: access, Channel: ch}
		for _, opt := range opts {
			opt(p)
		}
		if err := in.add(p); err != nil {
			return err
		}
	}
	return nil
}

// ChannelParam returns the name DeclareChannels gives to channel ch of name.
func ChannelParam(name string, ch int) string {
	return fmt.Sprintf("ch%d_%s", ch, name)
}

// DeclareFunction registers a bare command such as "*RST". The format may
// contain verbs filled by the arguments to Invoke.
func (in *Instrument) DeclareFunction(name, format string) error {
	if _, dup := in.funcs[name]; dup {
		return in.paramErr("declare", name, ErrDuplicateParameter)
	}
	if _, dup := in.params[name]; dup {
		return in.paramErr("declare", name, ErrDuplicateParameter)
	}
	if format == "" {
		return in.paramErr("declare", name, fmt.Errorf("%w: empty command", ErrInvalidDeclaration))
	}
	in.funcs[name] = format
	return nil
}

func (in *Instrument) add(p *Param) error {
	if p.Name == "" {
		return in.paramErr("declare", p.Name, fmt.Errorf("%w: empty name", ErrInvalidDeclaration))
	}
	if _, dup := in.params[p.Name]; dup {
		return in.paramErr("declare", p.Name, ErrDuplicateParameter)
	}
	if _, dup := in.funcs[p.Name]; dup {
		return in.paramErr("declare", p.Name, ErrDuplicateParameter)
	}
	if err := p.validate(); err != nil {
		return in.paramErr("declare", p.Name, err)
	}
	in.params[p.Name] = p
	in.order = append(in.order, p.Name)
	return nil
}

// Param returns a copy of the named parameter descriptor.
func (in *Instrument) Param(name string) (Param, bool) {
	p, ok := in.params[name]
	if !ok {
		return Param{}, false
	}
	return *p, true
}

// Params returns the declared parameters in declaration order.
func (in *Instrument) Params() []Param {
	out := make([]Param, 0, len(in.order))
	for _, name := range in.order {
		out = append(out, *in.params[name])
	}
	return out
}

// Get reads a parameter from the instrument and converts the response to the
// parameter's kind: bool, int, float64, string (also for Option) or
// []float64.
func (in *Instrument) Get(name string) (any, error) {
	p, err := in.lookup("get", name)
	if err != nil {
		return nil, err
	}
	if !p.Access.canGet() {
		return nil, in.paramErr("get", name, fmt.Errorf("%w: %s is %v", ErrAccessViolation, name, p.Access))
	}
	cmd := p.queryString()
	start := time.Now()
	raw, err := query.String(in.bus, cmd)
	in.collector.ObserveRoundTrip(in.name, "get", time.Since(start), err)
	if err != nil {
		return nil, in.paramErr("get", name, commError(cmd, err))
	}
	in.log.Debug().Str("query", cmd).Str("response", raw).Msg("get")
	v, err := p.decode(raw)
	if err != nil {
		return nil, in.paramErr("get", name, err)
	}
	return v, nil
}

// Set validates value against the parameter and writes it to the instrument.
// Nothing is sent when validation fails.
func (in *Instrument) Set(name string, value any) error {
	p, err := in.lookup("set", name)
	if err != nil {
		return err
	}
	if !p.Access.canSet() {
		return in.paramErr("set", name, fmt.Errorf("%w: %s is %v", ErrAccessViolation, name, p.Access))
	}
	wire, err := p.encode(value)
	if err != nil {
		return in.paramErr("set", name, err)
	}
	cmd := p.commandString(wire)
	in.log.Debug().Str("command", cmd).Msg("set")
	start := time.Now()
	err = in.bus.Command("%s", cmd)
	in.collector.ObserveRoundTrip(in.name, "set", time.Since(start), err)
	if err != nil {
		return in.paramErr("set", name, commError(cmd, err))
	}
	return nil
}

// Invoke sends a function declared with DeclareFunction.
func (in *Instrument) Invoke(name string, args ...any) error {
	format, ok := in.funcs[name]
	if !ok {
		return in.paramErr("invoke", name, ErrUnknownParameter)
	}
	cmd := format
	if len(args) > 0 {
		cmd = fmt.Sprintf(format, args...)
	}
	in.log.Debug().Str("command", cmd).Msg("invoke")
	start := time.Now()
	err := in.bus.Command("%s", cmd)
	in.collector.ObserveRoundTrip(in.name, "invoke", time.Since(start), err)
	if err != nil {
		return in.paramErr("invoke", name, commError(cmd, err))
	}
	return nil
}

// GetFloat reads a Float parameter.
func (in *Instrument) GetFloat(name string) (float64, error) {
	if err := in.expect("get", name, Float); err != nil {
		return 0, err
	}
	v, err := in.Get(name)
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// SetFloat writes a Float parameter.
func (in *Instrument) SetFloat(name string, v float64) error {
	if err := in.expect("set", name, Float); err != nil {
		return err
	}
	return in.Set(name, v)
}

// GetInt reads an Int parameter.
func (in *Instrument) GetInt(name string) (int, error) {
	if err := in.expect("get", name, Int); err != nil {
		return 0, err
	}
	v, err := in.Get(name)
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// SetInt writes an Int parameter.
func (in *Instrument) SetInt(name string, v int) error {
	if err := in.expect("set", name, Int); err != nil {
		return err
	}
	return in.Set(name, v)
}

// GetBool reads a Bool parameter.
func (in *Instrument) GetBool(name string) (bool, error) {
	if err := in.expect("get", name, Bool); err != nil {
		return false, err
	}
	v, err := in.Get(name)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// SetBool writes a Bool parameter.
func (in *Instrument) SetBool(name string, v bool) error {
	if err := in.expect("set", name, Bool); err != nil {
		return err
	}
	return in.Set(name, v)
}

// GetString reads a String parameter.
func (in *Instrument) GetString(name string) (string, error) {
	if err := in.expect("get", name, String); err != nil {
		return "", err
	}
	v, err := in.Get(name)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SetString writes a String parameter.
func (in *Instrument) SetString(name, v string) error {
	if err := in.expect("set", name, String); err != nil {
		return err
	}
	return in.Set(name, v)
}

// GetOption reads an Option parameter and returns its symbol.
func (in *Instrument) GetOption(name string) (string, error) {
	if err := in.expect("get", name, Option); err != nil {
		return "", err
	}
	v, err := in.Get(name)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SetOption writes an Option parameter by symbol.
func (in *Instrument) SetOption(name, symbol string) error {
	if err := in.expect("set", name, Option); err != nil {
		return err
	}
	return in.Set(name, symbol)
}

// GetFloats reads a FloatList parameter.
func (in *Instrument) GetFloats(name string) ([]float64, error) {
	if err := in.expect("get", name, FloatList); err != nil {
		return nil, err
	}
	v, err := in.Get(name)
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

// SetFloats writes a FloatList parameter.
func (in *Instrument) SetFloats(name string, v []float64) error {
	if err := in.expect("set", name, FloatList); err != nil {
		return err
	}
	return in.Set(name, v)
}

// Errors drains the instrument's error queue and returns every entry combined
// into one error, or nil when the queue was empty.
func (in *Instrument) Errors() error {
	if in.errorQuery == "" {
		return nil
	}
	var errs error
	for i := 0; i < maxErrorDrain; i++ {
		start := time.Now()
		raw, err := query.String(in.bus, in.errorQuery)
		in.collector.ObserveRoundTrip(in.name, "errors", time.Since(start), err)
		if err != nil {
			return multierr.Append(errs, commError(in.errorQuery, err))
		}
		entry, err := parseErrorEntry(in.name, raw)
		if err != nil {
			return multierr.Append(errs, err)
		}
		if entry == nil {
			return errs
		}
		in.log.Warn().Int("code", entry.Code).Str("message", entry.Message).Msg("instrument error")
		errs = multierr.Append(errs, entry)
	}
	return errs
}

// parseErrorEntry parses a SCPI error queue entry such as
// `-222,"Data out of range"`. It returns nil for the "no error" entry.
func parseErrorEntry(instrument, raw string) (*InstrumentError, error) {
	s := strings.TrimSpace(raw)
	codeStr, msg, _ := strings.Cut(s, ",")
	code, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(codeStr), "+"))
	if err != nil {
		return nil, fmt.Errorf("%w: error queue entry %q", ErrProtocolMismatch, s)
	}
	if code == 0 {
		return nil, nil
	}
	return &InstrumentError{
		Instrument: instrument,
		Code:       code,
		Message:    strings.Trim(strings.TrimSpace(msg), `"`),
	}, nil
}

func (in *Instrument) lookup(op, name string) (*Param, error) {
	p, ok := in.params[name]
	if !ok {
		return nil, in.paramErr(op, name, ErrUnknownParameter)
	}
	return p, nil
}

func (in *Instrument) expect(op, name string, kind Kind) error {
	p, err := in.lookup(op, name)
	if err != nil {
		return err
	}
	if p.Kind != kind {
		return in.paramErr(op, name, fmt.Errorf("%w: %s is %v, not %v", ErrTypeMismatch, name, p.Kind, kind))
	}
	return nil
}

func (in *Instrument) paramErr(op, name string, err error) error {
	return &ParamError{Op: op, Instrument: in.name, Param: name, Err: err}
}
