// Package progress turns unstructured process output into a structured
// (percent, stage, message) triple plus named counters.
//
// ParseLine is pure and total: a line that no rule recognises, or a rule that
// panics, only replaces the last message.
package progress

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// MaxMessage bounds the stored last message.
const MaxMessage = 512

// State is the accumulator threaded through successive lines.
type State struct {
	Percent  float64
	Stage    string
	Message  string
	Counters map[string]int
}

// Clone returns a copy that shares no map with s.
func (s State) Clone() State {
	if s.Counters != nil {
		c := make(map[string]int, len(s.Counters))
		for k, v := range s.Counters {
			c[k] = v
		}
		s.Counters = c
	}
	return s
}

// Counter returns the named counter, 0 when unset.
func (s State) Counter(name string) int {
	return s.Counters[name]
}

// WithCounter returns a copy of s with counter name set to v.
func (s State) WithCounter(name string, v int) State {
	s = s.Clone()
	if s.Counters == nil {
		s.Counters = make(map[string]int, 1)
	}
	s.Counters[name] = v
	return s
}

// Progress converts s to the record representation.
func (s State) Progress() types.Progress {
	c := s.Clone()
	return types.Progress{Percent: c.Percent, Stage: c.Stage, Message: c.Message, Counters: c.Counters}
}

// FromProgress seeds a State from a record, e.g. to continue after a restart.
func FromProgress(p types.Progress) State {
	p = p.Clone()
	return State{Percent: p.Percent, Stage: p.Stage, Message: p.Message, Counters: p.Counters}
}

// Rule recognises one kind of output line.
type Rule interface {
	// Match returns the updated state and true when line is recognised.
	Match(line string, s State) (State, bool)
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(line string, s State) (State, bool)

func (f RuleFunc) Match(line string, s State) (State, bool) {
	return f(line, s)
}

// Parser applies the first matching rule to each line.
type Parser struct {
	rules []Rule
}

// New returns a parser trying rules in order.
func New(rules ...Rule) *Parser {
	return &Parser{rules: rules}
}

// ParseLine returns the state after line. s is never modified.
func (p *Parser) ParseLine(line string, s State) State {
	line = strings.TrimSpace(line)
	if line == "" {
		return s.Clone()
	}
	msg := truncate(line, MaxMessage)

	if p != nil {
		for _, r := range p.rules {
			if next, ok := safeMatch(r, line, s.Clone()); ok {
				next.Message = msg
				next.Percent = clamp(next.Percent)
				return next
			}
		}
	}

	next := s.Clone()
	next.Message = msg
	return next
}

func safeMatch(r Rule, line string, s State) (next State, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("progress rule panicked, line treated as unmatched", "line", line, "panic", rec)
			next, ok = State{}, false
		}
	}()
	return r.Match(line, s)
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
