// Package scpisim is an in-memory SCPI instrument. It satisfies hallbar.Bus
// and is used by tests and by the -sim flag of the example programs.
//
// By default a command "PATH ARGS" stores ARGS under PATH and a query "PATH?"
// returns what was stored. Headers are compared case-insensitively and
// without a leading colon. Instruments with indexed commands (QDAC
// "set 3 0.5" / "get 3") are modelled with HandleIndexed, anything else with
// Handle.
package scpisim

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoResponse is returned by Query for a header with no stored value.
var ErrNoResponse = errors.New("scpisim: no response")

// HandlerFunc answers a command or query. args is everything after the
// header. The response is ignored for commands. Handlers run with the
// instrument locked and must not call its methods.
type HandlerFunc func(args string) (string, error)

// Instrument is a simulated SCPI instrument.
type Instrument struct {
	mu       sync.Mutex
	state    map[string]string
	handlers map[string]HandlerFunc
	errQueue []string
	commands []string
	queries  []string
	failures map[string]failure
	writes   int
	failAt   int
	failErr  error
}

type failure struct {
	err       error
	remaining int // < 0 fails forever
}

// New returns an empty simulated instrument.
func New() *Instrument {
	s := &Instrument{
		state:    make(map[string]string),
		handlers: make(map[string]HandlerFunc),
		failures: make(map[string]failure),
	}
	s.Handle("SYST:ERR?", s.popError)
	s.Handle("*IDN?", func(string) (string, error) {
		return "hallbar,scpisim,0,1.0", nil
	})
	return s
}

func normalize(header string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(header), ":"))
}

func split(cmd string) (header, args string) {
	cmd = strings.TrimSpace(cmd)
	header, args, _ = strings.Cut(cmd, " ")
	return normalize(header), strings.TrimSpace(args)
}

// Set stores value under header, as if the instrument had been configured from
// its front panel.
func (s *Instrument) Set(header, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[normalize(header)] = value
}

// Value returns the value stored under header.
func (s *Instrument) Value(header string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[normalize(header)]
	return v, ok
}

// Handle installs fn for header. Query headers include the trailing "?".
func (s *Instrument) Handle(header string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[normalize(header)] = fn
}

// HandleIndexed models a pair of indexed commands such as "set <ch> <v>" and
// "get <ch>", or "AUXV <n>,<v>" and "AUXV? <n>". sep separates the index from
// the value in the set command. When both share a header ("vol 2 1" and
// "vol 2") the presence of sep tells them apart.
func (s *Instrument) HandleIndexed(setHeader, getHeader, sep string) {
	key := func(idx string) string {
		return normalize(getHeader) + "#" + strings.TrimSpace(idx)
	}
	set := func(args string) (string, error) {
		idx, v, ok := strings.Cut(args, sep)
		if !ok {
			return "", fmt.Errorf("scpisim: %s: malformed arguments %q", setHeader, args)
		}
		s.state[key(idx)] = strings.TrimSpace(v)
		return "", nil
	}
	get := func(args string) (string, error) {
		v, ok := s.state[key(args)]
		if !ok {
			return "", fmt.Errorf("%w: %s %s", ErrNoResponse, getHeader, args)
		}
		return v, nil
	}
	if normalize(setHeader) == normalize(getHeader) {
		s.Handle(setHeader, func(args string) (string, error) {
			if strings.Contains(args, sep) {
				return set(args)
			}
			return get(args)
		})
		return
	}
	s.Handle(setHeader, set)
	s.Handle(getHeader, get)
}

// SetIndexed stores v for index idx of an indexed get header.
func (s *Instrument) SetIndexed(getHeader string, idx int, v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[fmt.Sprintf("%s#%d", normalize(getHeader), idx)] = v
}

// PushError appends an entry to the instrument error queue.
func (s *Instrument) PushError(code int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errQueue = append(s.errQueue, fmt.Sprintf("%d,%q", code, msg))
}

func (s *Instrument) popError(string) (string, error) {
	if len(s.errQueue) == 0 {
		return `0,"No error"`, nil
	}
	e := s.errQueue[0]
	s.errQueue = s.errQueue[1:]
	return e, nil
}

// Fail makes the next n exchanges whose header matches fail with err. A
// negative n fails forever.
func (s *Instrument) Fail(header string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[normalize(header)] = failure{err: err, remaining: n}
}

// FailAfterWrites makes every command after the first n fail with err.
func (s *Instrument) FailAfterWrites(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAt = n
	s.failErr = err
}

func (s *Instrument) injected(header string) error {
	f, ok := s.failures[header]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		s.failures[header] = f
	}
	return f.err
}

// Command implements hallbar.Bus.
func (s *Instrument) Command(format string, a ...any) error {
	cmd := format
	if a != nil {
		cmd = fmt.Sprintf(format, a...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil && s.writes >= s.failAt {
		return s.failErr
	}
	header, _ := split(cmd)
	if err := s.injected(header); err != nil {
		return err
	}
	s.writes++
	s.commands = append(s.commands, strings.TrimSpace(cmd))
	for _, c := range strings.Split(cmd, ";") {
		header, args := split(c)
		if header == "" {
			continue
		}
		if fn, ok := s.handlers[header]; ok {
			if _, err := fn(args); err != nil {
				return err
			}
			continue
		}
		s.state[header] = args
	}
	return nil
}

// Query implements hallbar.Bus.
func (s *Instrument) Query(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	header, args := split(cmd)
	if err := s.injected(header); err != nil {
		return "", err
	}
	s.queries = append(s.queries, strings.TrimSpace(cmd))
	if fn, ok := s.handlers[header]; ok {
		resp, err := fn(args)
		if err != nil {
			return "", err
		}
		return resp + "\n", nil
	}
	v, ok := s.state[strings.TrimSuffix(header, "?")]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoResponse, cmd)
	}
	return v + "\n", nil
}

// Commands returns every command received, in order.
func (s *Instrument) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Queries returns every query received, in order.
func (s *Instrument) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// Reset forgets the recorded commands and queries but keeps the state.
func (s *Instrument) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
	s.queries = nil
}
