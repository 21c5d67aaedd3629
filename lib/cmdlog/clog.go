// Package cmdlog traces bus traffic: every command and response passing
// through a Bus is logged, with the command highlighted on a terminal.
package cmdlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"github.com/gotmc/hallbar"
)

func isAscii(s string) bool {
	return !strings.ContainsFunc(s, func(r rune) bool {
		switch {
		case r < 7:
			return true
		case r > 6 && r < 14:
			return false
		case r > 13 && r < 32:
			return true
		case r > 127:
			return true
		}
		return false
	})
}

var (
	CmdStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	R1Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	R2Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Bus wraps a hallbar.Bus and logs every exchange at debug level.
type Bus struct {
	next hallbar.Bus
	log  zerolog.Logger
}

// Wrap returns a tracing Bus in front of next.
func Wrap(next hallbar.Bus, log zerolog.Logger) *Bus {
	return &Bus{next: next, log: log}
}

// Command implements hallbar.Bus.
func (b *Bus) Command(format string, a ...any) error {
	cmd := format
	if a != nil {
		cmd = fmt.Sprintf(format, a...)
	}
	start := time.Now()
	err := b.next.Command("%s", cmd)
	ev := b.log.Debug()
	if err != nil {
		ev = b.log.Warn().Err(err)
	}
	ev.Str("cmd", CmdStyle.Render(cmd)).Dur("took", time.Since(start)).Msg("command")
	return err
}

// Query implements hallbar.Bus.
func (b *Bus) Query(cmd string) (string, error) {
	start := time.Now()
	resp, err := b.next.Query(cmd)
	took := time.Since(start)
	if err != nil {
		b.log.Warn().Err(err).Str("query", CmdStyle.Render(cmd)).Dur("took", took).Msg(ErrStyle.Render("query failed"))
		return resp, err
	}
	b.log.Debug().Str("query", CmdStyle.Render(cmd)).Str("response", Describe(resp)).Dur("took", took).Msg("query")
	return resp, nil
}

// Describe renders a response for the log: quoted text when it is ASCII, hex
// otherwise, prefixed with its length.
func Describe(a string) string {
	a = strings.TrimSuffix(a, "\n")
	if len(a) == 1 && a[0] == 0xff {
		// some instruments reply 0xff when the last command has no result
		a = ""
	}
	if len(a) == 0 {
		return R1Style.Render("<no response>")
	}
	switch {
	case isAscii(a):
		return fmt.Sprintf("[%d] %s", len(a), R2Style.Render(fmt.Sprintf("%q", a)))
	case len(a) < 32:
		return fmt.Sprintf("[%d] %q (% 2x)", len(a), a, []byte(a))
	default:
		return fmt.Sprintf("[%d] % 2x", len(a), []byte(a))
	}
}
