// Package logging builds the zerolog logger of the example programs. Records
// go to the console and, when configured, to Loki with the record level as a
// stream label.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/gotmc/hallbar/lib/config"
)

// Setup creates a logger writing to stderr according to cfg. The returned
// cleanup flushes the Loki client, if any.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	return SetupWriter(cfg, os.Stderr)
}

// SetupWriter is Setup with a custom console writer.
func SetupWriter(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}
	console, err := consoleWriter(cfg.Format, out)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	sink := zerolog.MultiLevelWriter(console)
	cleanup := func() {}
	if cfg.Loki.Enabled {
		lw, err := newLokiWriter(cfg.Loki)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		sink = zerolog.MultiLevelWriter(console, lw)
		cleanup = lw.client.Stop
	}

	return zerolog.New(sink).Level(level).With().Timestamp().Logger(), cleanup, nil
}

// ForInstrument tags base with the instrument and the GPIB address it is
// reached at, so the records of several instruments sharing an adapter can be
// told apart.
func ForInstrument(base zerolog.Logger, bus config.BusConfig, inst config.InstrumentConfig) zerolog.Logger {
	ctx := base.With().Str("instrument", inst.Name)
	if inst.Driver != "" {
		ctx = ctx.Str("driver", inst.Driver)
	}
	if inst.Address != 0 || inst.Secondary != 0 {
		ctx = ctx.Str("gpib", gpibAddress(inst.Address, inst.Secondary))
	}
	if bus.Port != "" {
		ctx = ctx.Str("port", bus.Port)
	}
	return ctx.Logger()
}

// gpibAddress renders "24" or "24.96" for a secondary address.
func gpibAddress(pad, sad int) string {
	if sad == 0 {
		return strconv.Itoa(pad)
	}
	return fmt.Sprintf("%d.%d", pad, sad)
}

func parseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func consoleWriter(format string, out io.Writer) (io.Writer, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return out, nil
	case "text":
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}, nil
	}
	return nil, fmt.Errorf("unknown log format %q (want json or text)", format)
}

// lokiWriter pushes every record as one Loki entry. Records of each level go
// to their own stream.
type lokiWriter struct {
	client *loki.Client
	labels model.LabelSet
}

func newLokiWriter(cfg config.LokiConfig) (*lokiWriter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, fmt.Errorf("create loki client: %w", err)
	}
	return &lokiWriter{client: client, labels: labelSet(cfg.Labels)}, nil
}

func labelSet(labels map[string]string) model.LabelSet {
	set := model.LabelSet{"app": "hallbar"}
	for k, v := range labels {
		set[model.LabelName(k)] = model.LabelValue(v)
	}
	return set
}

// streamLabels returns the labels of the stream for level.
func (l *lokiWriter) streamLabels(level zerolog.Level) model.LabelSet {
	if level == zerolog.NoLevel {
		return l.labels
	}
	return l.labels.Merge(model.LabelSet{"level": model.LabelValue(level.String())})
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	return l.WriteLevel(zerolog.NoLevel, p)
}

func (l *lokiWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	return len(p), l.client.Handle(l.streamLabels(level), time.Now(), entry)
}
