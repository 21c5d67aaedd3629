// Copyright (c) 2020–2024 The hallbar developers. All rights reserved.
// Project site: https://github.com/gotmc/hallbar
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package hallbar

import (
	"fmt"
	"strings"
)

// OptionPair maps one symbolic value to the token sent over the bus.
type OptionPair struct {
	Symbol string
	Wire   string
}

// Opt is shorthand for an OptionPair.
func Opt(symbol, wire string) OptionPair { return OptionPair{Symbol: symbol, Wire: wire} }

// Options is a closed, bidirectional table between the symbolic values of a
// parameter and their wire tokens. Every symbol has exactly one wire token and
// every wire token exactly one symbol.
type Options struct {
	pairs  []OptionPair
	toWire map[string]string
	toSym  map[string]string
}

// NewOptions builds an option table, rejecting empty tables, empty entries and
// any repeated symbol or wire token.
func NewOptions(pairs ...OptionPair) (*Options, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: empty option table", ErrInvalidDeclaration)
	}
	o := &Options{
		pairs:  make([]OptionPair, 0, len(pairs)),
		toWire: make(map[string]string, len(pairs)),
		toSym:  make(map[string]string, len(pairs)),
	}
	for _, p := range pairs {
		if p.Symbol == "" || p.Wire == "" {
			return nil, fmt.Errorf("%w: empty option %q -> %q", ErrInvalidDeclaration, p.Symbol, p.Wire)
		}
		if _, dup := o.toWire[p.Symbol]; dup {
			return nil, fmt.Errorf("%w: option symbol %q repeated", ErrInvalidDeclaration, p.Symbol)
		}
		key := wireKey(p.Wire)
		if _, dup := o.toSym[key]; dup {
			return nil, fmt.Errorf("%w: option wire token %q repeated", ErrInvalidDeclaration, p.Wire)
		}
		o.pairs = append(o.pairs, p)
		o.toWire[p.Symbol] = p.Wire
		o.toSym[key] = p.Symbol
	}
	return o, nil
}

// MustOptions is like NewOptions but panics on an invalid table. It is meant
// for package-level driver tables.
func MustOptions(pairs ...OptionPair) *Options {
	o, err := NewOptions(pairs...)
	if err != nil {
		panic(err)
	}
	return o
}

// Wire returns the wire token for symbol.
func (o *Options) Wire(symbol string) (string, bool) {
	w, ok := o.toWire[symbol]
	return w, ok
}

// Symbol returns the symbol for a wire token received from the instrument.
// Matching ignores case and surrounding whitespace.
func (o *Options) Symbol(wire string) (string, bool) {
	s, ok := o.toSym[wireKey(wire)]
	return s, ok
}

// Symbols lists the symbols in declaration order.
func (o *Options) Symbols() []string {
	syms := make([]string, len(o.pairs))
	for i, p := range o.pairs {
		syms[i] = p.Symbol
	}
	return syms
}

func wireKey(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Common tables shared by several drivers.
var (
	// OnOff maps on/off to 1/0.
	OnOff = MustOptions(Opt("on", "1"), Opt("off", "0"))
)
