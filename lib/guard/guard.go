// Package guard evaluates compliance expressions between ramp steps. An
// expression such as "abs(current) > 5e-9" trips the guard when it is true,
// which stops the ramp at the level last written.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/gotmc/hallbar"
)

// ErrTripped is returned by the StepFunc when the expression is true.
var ErrTripped = errors.New("guard tripped")

// Env is the environment an expression is evaluated in.
type Env struct {
	Step     int     `expr:"step"`
	Count    int     `expr:"count"`
	Setpoint float64 `expr:"setpoint"`
	Current  float64 `expr:"current"`
	Voltage  float64 `expr:"voltage"`
}

// Reading is what a Probe measures after a step settles.
type Reading struct {
	Current float64
	Voltage float64
}

// Probe takes a measurement. It runs after every intermediate ramp step.
type Probe func(ctx context.Context) (Reading, error)

// Guard is a compiled compliance expression.
type Guard struct {
	src     string
	program *vm.Program
}

// Compile compiles src, which must evaluate to a bool.
func Compile(src string) (*Guard, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("guard: empty expression")
	}
	program, err := expr.Compile(src, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("guard: compile %q: %w", src, err)
	}
	return &Guard{src: src, program: program}, nil
}

// String returns the expression source.
func (g *Guard) String() string { return g.src }

// Tripped evaluates the expression against env.
func (g *Guard) Tripped(env Env) (bool, error) {
	out, err := expr.Run(g.program, env)
	if err != nil {
		return false, fmt.Errorf("guard: evaluate %q: %w", g.src, err)
	}
	tripped, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("guard: %q returned %T", g.src, out)
	}
	return tripped, nil
}

// StepFunc returns a hallbar.StepFunc that measures with probe after every
// step and stops the ramp when the expression trips.
func (g *Guard) StepFunc(probe Probe, log zerolog.Logger) hallbar.StepFunc {
	return func(ctx context.Context, s hallbar.Step) error {
		r, err := probe(ctx)
		if err != nil {
			return fmt.Errorf("guard: probe: %w", err)
		}
		env := Env{Step: s.Index, Count: s.Count, Setpoint: s.Value, Current: r.Current, Voltage: r.Voltage}
		tripped, err := g.Tripped(env)
		if err != nil {
			return err
		}
		log.Debug().Int("step", s.Index).Float64("setpoint", s.Value).
			Float64("current", r.Current).Float64("voltage", r.Voltage).Bool("tripped", tripped).Msg("guard")
		if tripped {
			return fmt.Errorf("%w: %s at setpoint %g (current %g, voltage %g)",
				ErrTripped, g.src, s.Value, r.Current, r.Voltage)
		}
		return nil
	}
}
