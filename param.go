// Copyright (c) 2020–2024 The hallbar developers. All rights reserved.
// Project site: https://github.com/gotmc/hallbar
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package hallbar

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gotmc/hallbar/lib/block"
)

// Kind is the domain type of a parameter.
type Kind int

// Available parameter kinds.
const (
	Bool Kind = iota + 1
	Int
	Float
	String
	Option
	FloatList
)

var kindDesc = map[Kind]string{
	Bool:      "bool",
	Int:       "int",
	Float:     "float",
	String:    "string",
	Option:    "option",
	FloatList: "float list",
}

func (k Kind) String() string {
	if s, ok := kindDesc[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) numeric() bool { return k == Int || k == Float || k == FloatList }

// Access says whether a parameter can be read, written or both.
type Access int

// Available access modes.
const (
	GetSet Access = iota
	GetOnly
	SetOnly
)

func (a Access) String() string {
	switch a {
	case GetSet:
		return "get-set"
	case GetOnly:
		return "get-only"
	case SetOnly:
		return "set-only"
	}
	return fmt.Sprintf("Access(%d)", int(a))
}

func (a Access) canGet() bool { return a != SetOnly }
func (a Access) canSet() bool { return a != GetOnly }

// Param describes one named instrument setting. Params are created by
// Instrument.Declare and never change afterwards.
type Param struct {
	Name    string
	Kind    Kind
	Access  Access
	Unit    string
	Min     float64
	Max     float64
	Bounded bool
	Options *Options
	Channel int // nonzero for parameters declared with DeclareChannels

	query   string
	command string
	echo    string
	places  int32
	rounded bool
}

// ParamOption configures a parameter at declaration.
type ParamOption func(*Param)

// WithBounds limits numeric values to [min, max].
func WithBounds(min, max float64) ParamOption {
	return func(p *Param) {
		p.Min, p.Max, p.Bounded = min, max, true
	}
}

// WithOptions attaches the option table of an Option parameter.
func WithOptions(o *Options) ParamOption { return func(p *Param) { p.Options = o } }

// WithPath sets both the query ("<path>?") and the command ("<path> %s") from
// a SCPI command path such as ":SOUR:VOLT:LEV".
func WithPath(path string) ParamOption {
	return func(p *Param) {
		p.query = path + "?"
		p.command = path + " %s"
	}
}

// WithQuery sets the query sent by Get. Channel parameters receive the channel
// number as the first formatting verb.
func WithQuery(q string) ParamOption { return func(p *Param) { p.query = q } }

// WithCommand sets the command format sent by Set. The wire value is the last
// formatting verb, preceded by the channel number for channel parameters.
func WithCommand(format string) ParamOption { return func(p *Param) { p.command = format } }

// WithEcho strips prefix from responses before decoding, for instruments
// that echo the command letter ("R7" answers "R+0.1234").
func WithEcho(prefix string) ParamOption { return func(p *Param) { p.echo = prefix } }

// WithPrecision rounds Float and FloatList values to places decimals before
// the bounds check, for instruments with fixed-resolution commands.
func WithPrecision(places int32) ParamOption {
	return func(p *Param) { p.places, p.rounded = places, true }
}

// WithUnit records the physical unit, for display only.
func WithUnit(u string) ParamOption { return func(p *Param) { p.Unit = u } }

func (p *Param) validate() error {
	switch p.Kind {
	case Bool, Int, Float, String, Option, FloatList:
	default:
		return fmt.Errorf("%w: kind %v", ErrInvalidDeclaration, p.Kind)
	}
	switch p.Access {
	case GetSet, GetOnly, SetOnly:
	default:
		return fmt.Errorf("%w: access %v", ErrInvalidDeclaration, p.Access)
	}
	if p.Bounded {
		if !p.Kind.numeric() {
			return fmt.Errorf("%w: bounds on %v parameter", ErrInvalidDeclaration, p.Kind)
		}
		if math.IsNaN(p.Min) || math.IsNaN(p.Max) || p.Min > p.Max {
			return fmt.Errorf("%w: bounds [%g, %g]", ErrInvalidDeclaration, p.Min, p.Max)
		}
	}
	if p.rounded && p.Kind != Float && p.Kind != FloatList {
		return fmt.Errorf("%w: precision on %v parameter", ErrInvalidDeclaration, p.Kind)
	}
	if (p.Kind == Option) != (p.Options != nil) {
		return fmt.Errorf("%w: option table requires kind option", ErrInvalidDeclaration)
	}
	if p.Access.canGet() && p.query == "" {
		return fmt.Errorf("%w: no query for readable parameter", ErrInvalidDeclaration)
	}
	if p.Access.canSet() && p.command == "" {
		return fmt.Errorf("%w: no command for writable parameter", ErrInvalidDeclaration)
	}
	return nil
}

func (p *Param) queryString() string {
	if p.Channel != 0 {
		return fmt.Sprintf(p.query, p.Channel)
	}
	return p.query
}

func (p *Param) commandString(wire string) string {
	if p.Channel != 0 {
		return fmt.Sprintf(p.command, p.Channel, wire)
	}
	return fmt.Sprintf(p.command, wire)
}

// encode validates v against the parameter and returns its wire form.
func (p *Param) encode(v any) (string, error) {
	switch p.Kind {
	case Bool:
		b, ok := v.(bool)
		if !ok {
			return "", typeError(p, v)
		}
		if b {
			return "1", nil
		}
		return "0", nil
	case Int:
		i, ok := asInt(v)
		if !ok {
			return "", typeError(p, v)
		}
		if err := p.checkBounds(float64(i)); err != nil {
			return "", err
		}
		return strconv.Itoa(i), nil
	case Float:
		f, ok := asFloat(v)
		if !ok {
			return "", typeError(p, v)
		}
		return p.formatFloat(f)
	case String:
		s, ok := v.(string)
		if !ok {
			return "", typeError(p, v)
		}
		return s, nil
	case Option:
		s, ok := v.(string)
		if !ok {
			return "", typeError(p, v)
		}
		w, ok := p.Options.Wire(s)
		if !ok {
			return "", fmt.Errorf("%w: %q not in %v", ErrUnknownOption, s, p.Options.Symbols())
		}
		return w, nil
	case FloatList:
		fs, ok := v.([]float64)
		if !ok {
			return "", typeError(p, v)
		}
		parts := make([]string, len(fs))
		for i, f := range fs {
			w, err := p.formatFloat(f)
			if err != nil {
				return "", err
			}
			parts[i] = w
		}
		return strings.Join(parts, ","), nil
	}
	return "", fmt.Errorf("%w: kind %v", ErrInvalidDeclaration, p.Kind)
}

// decode converts a raw response into the parameter's domain value.
func (p *Param) decode(raw string) (any, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), p.echo)
	switch p.Kind {
	case Bool:
		switch strings.ToUpper(s) {
		case "1", "ON", "TRUE":
			return true, nil
		case "0", "OFF", "FALSE":
			return false, nil
		}
		return nil, mismatch(s, p)
	case Int:
		if i, err := strconv.Atoi(strings.TrimPrefix(s, "+")); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) || f < math.MinInt || f >= math.MaxInt {
			return nil, mismatch(s, p)
		}
		return int(f), nil
	case Float:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, mismatch(s, p)
		}
		return f, nil
	case String:
		return strings.Trim(s, `"`), nil
	case Option:
		sym, ok := p.Options.Symbol(s)
		if !ok {
			return nil, mismatch(s, p)
		}
		return sym, nil
	case FloatList:
		if strings.HasPrefix(s, "#") {
			// Binary blocks may legitimately contain whitespace bytes.
			fs, err := block.Float32s([]byte(strings.TrimLeft(raw, " ")))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProtocolMismatch, err)
			}
			out := make([]float64, len(fs))
			for i, f := range fs {
				out[i] = float64(f)
			}
			return out, nil
		}
		if s == "" {
			return []float64{}, nil
		}
		parts := strings.Split(s, ",")
		out := make([]float64, len(parts))
		for i, part := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return nil, mismatch(s, p)
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: kind %v", ErrInvalidDeclaration, p.Kind)
}

func (p *Param) checkBounds(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %g is not finite", ErrOutOfRange, f)
	}
	if p.Bounded && (f < p.Min || f > p.Max) {
		return fmt.Errorf("%w: %g outside [%g, %g]", ErrOutOfRange, f, p.Min, p.Max)
	}
	return nil
}

// formatFloat rounds f to the parameter's precision, checks it against the
// bounds and renders it.
func (p *Param) formatFloat(f float64) (string, error) {
	if p.rounded && !math.IsNaN(f) && !math.IsInf(f, 0) {
		f, _ = decimal.NewFromFloat(f).Round(p.places).Float64()
	}
	if err := p.checkBounds(f); err != nil {
		return "", err
	}
	return FormatFloat(f), nil
}

// FormatFloat renders f in the shortest decimal form that reads back as f, so
// a 0.3 V setpoint goes out as "0.3".
func FormatFloat(f float64) string {
	return decimal.NewFromFloat(f).String()
}

func mismatch(s string, p *Param) error {
	return fmt.Errorf("%w: %q is not a valid %v", ErrProtocolMismatch, s, p.Kind)
}

func typeError(p *Param, v any) error {
	return fmt.Errorf("%w: %T is not a valid %v value", ErrTypeMismatch, v, p.Kind)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	}
	return 0, false
}
