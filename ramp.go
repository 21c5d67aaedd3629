// Copyright (c) 2020–2024 The hallbar developers. All rights reserved.
// Project site: https://github.com/gotmc/hallbar
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package hallbar

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/gotmc/hallbar/lib/telemetry"
)

// DefaultSettleDelay is the pause after each intermediate ramp write.
const DefaultSettleDelay = 20 * time.Millisecond

// MaxSteps is the largest number of points Steps produces. Requests needing
// more are rejected with ErrInvalidStep.
const MaxSteps = 1 << 20

// Rampable is a source whose output level can be read back and written. The
// channel argument is 0 for single-channel sources.
type Rampable interface {
	Level(ch int) (float64, error)
	SetLevel(ch int, v float64) error
}

// MultiChannel is a Rampable source with channels numbered 1 to Channels().
// Sources that do not implement it only accept channel 0.
type MultiChannel interface {
	Rampable
	Channels() int
}

// Request describes one move of a source to a new level.
type Request struct {
	Target  float64
	Step    float64 // largest change per write, must be > 0
	Channel int     // 0 for single-channel sources
}

// Step is passed to a StepFunc after every intermediate write.
type Step struct {
	Index int // 1 for the first write after the starting level
	Count int // number of points including the starting level
	Value float64
}

// StepFunc is called after each intermediate write and its settle delay. A
// non-nil error stops the ramp, leaving the source at the last written level.
type StepFunc func(ctx context.Context, s Step) error

// Sleeper waits for the settle delay between ramp steps.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to a Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f(ctx, d).
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type rampConfig struct {
	delay     time.Duration
	sleeper   Sleeper
	onStep    StepFunc
	log       zerolog.Logger
	collector telemetry.Collector
	name      string
}

// RampOption configures a single Ramp call.
type RampOption func(*rampConfig)

// WithDelay sets the settle delay after each intermediate write.
func WithDelay(d time.Duration) RampOption { return func(c *rampConfig) { c.delay = d } }

// WithSleeper replaces the wall-clock settle delay, e.g. with a fake clock.
func WithSleeper(s Sleeper) RampOption { return func(c *rampConfig) { c.sleeper = s } }

// WithStepFunc installs a hook run between steps, typically a compliance
// check.
func WithStepFunc(fn StepFunc) RampOption { return func(c *rampConfig) { c.onStep = fn } }

// WithRampLogger sets the logger for ramp progress.
func WithRampLogger(l zerolog.Logger) RampOption { return func(c *rampConfig) { c.log = l } }

// WithRampCollector records ramp writes under the given source name.
func WithRampCollector(name string, col telemetry.Collector) RampOption {
	return func(c *rampConfig) {
		c.name = name
		if col != nil {
			c.collector = col
		}
	}
}

// Steps returns the evenly spaced levels from start to target inclusive, at
// most step apart. The first element is start and the last is exactly target.
func Steps(start, target, step float64) ([]float64, error) {
	if !(step > 0) || math.IsInf(step, 0) {
		return nil, fmt.Errorf("%w: %g", ErrInvalidStep, step)
	}
	if math.IsNaN(start) || math.IsInf(start, 0) || math.IsNaN(target) || math.IsInf(target, 0) {
		return nil, fmt.Errorf("%w: ramp %g -> %g is not finite", ErrOutOfRange, start, target)
	}
	if start == target {
		return []float64{target}, nil
	}
	span := target - start
	if math.IsInf(span, 0) {
		return nil, fmt.Errorf("%w: ramp %g -> %g spans more than a float64", ErrOutOfRange, start, target)
	}
	count := math.Ceil(math.Abs(span)/step) + 1
	if math.IsInf(count, 0) || count > MaxSteps {
		return nil, fmt.Errorf("%w: step %g over %g needs more than %d points", ErrInvalidStep, step, math.Abs(span), MaxSteps)
	}
	n := int(count)
	points := make([]float64, n)
	for i := 0; i < n-1; i++ {
		points[i] = start + span*float64(i)/float64(n-1)
	}
	points[n-1] = target
	return points, nil
}

// Ramp moves r from its present level to req.Target. It reads the present
// level, writes every intermediate point followed by the settle delay, and
// finally writes req.Target once more unconditionally.
//
// Invalid steps and channels are reported before any bus traffic. Once
// writing has started, failures are returned as a *RampError carrying the
// last level written.
func Ramp(ctx context.Context, r Rampable, req Request, opts ...RampOption) error {
	cfg := rampConfig{
		delay:     DefaultSettleDelay,
		sleeper:   timerSleeper{},
		log:       zerolog.Nop(),
		collector: telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if !(req.Step > 0) || math.IsInf(req.Step, 0) {
		return fmt.Errorf("%w: %g", ErrInvalidStep, req.Step)
	}
	if err := checkChannel(r, req.Channel); err != nil {
		return err
	}

	start, err := r.Level(req.Channel)
	if err != nil {
		return err
	}
	points, err := Steps(start, req.Target, req.Step)
	if err != nil {
		return err
	}

	log := cfg.log.With().Int("channel", req.Channel).Float64("target", req.Target).Logger()
	log.Debug().Float64("start", start).Int("points", len(points)).Msg("ramp start")

	last, written := start, 0
	fail := func(err error) error {
		log.Error().Err(err).Float64("last", last).Int("written", written).Msg("ramp stopped")
		return &RampError{Target: req.Target, Last: last, Written: written, Err: err}
	}
	write := func(v float64) error {
		if err := r.SetLevel(req.Channel, v); err != nil {
			return err
		}
		last = v
		written++
		cfg.collector.IncRampStep(cfg.name)
		cfg.collector.SetLevel(cfg.name, req.Channel, v)
		return nil
	}

	for i := 1; i < len(points); i++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := write(points[i]); err != nil {
			return fail(err)
		}
		if err := cfg.sleeper.Sleep(ctx, cfg.delay); err != nil {
			return fail(err)
		}
		if cfg.onStep != nil {
			if err := cfg.onStep(ctx, Step{Index: i, Count: len(points), Value: points[i]}); err != nil {
				return fail(err)
			}
		}
	}
	if err := write(req.Target); err != nil {
		return fail(err)
	}
	log.Debug().Int("written", written).Msg("ramp done")
	return nil
}

func checkChannel(r Rampable, ch int) error {
	mc, ok := r.(MultiChannel)
	if !ok {
		if ch != 0 {
			return fmt.Errorf("%w: %T is single-channel, got channel %d", ErrUnsupportedChannel, r, ch)
		}
		return nil
	}
	if ch < 1 || ch > mc.Channels() {
		return fmt.Errorf("%w: channel %d outside 1-%d", ErrUnsupportedChannel, ch, mc.Channels())
	}
	return nil
}
