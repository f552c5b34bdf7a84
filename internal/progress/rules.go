package progress

import (
	"regexp"
	"strconv"
)

// Regexp matches lines against re and hands the submatches to fn.
func Regexp(re *regexp.Regexp, fn func(m []string, s State) (State, bool)) Rule {
	return RuleFunc(func(line string, s State) (State, bool) {
		m := re.FindStringSubmatch(line)
		if m == nil {
			return s, false
		}
		return fn(m, s)
	})
}

// Stage sets the stage label when re matches.
func Stage(re *regexp.Regexp, stage string) Rule {
	return Regexp(re, func(_ []string, s State) (State, bool) {
		s.Stage = stage
		return s, true
	})
}

// Count stores the first submatch of re as an integer counter and sets stage
// (when not empty). Percent is left alone.
func Count(re *regexp.Regexp, counter, stage string) Rule {
	return Regexp(re, func(m []string, s State) (State, bool) {
		if len(m) < 2 {
			return s, false
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return s, false
		}
		s = s.WithCounter(counter, n)
		if stage != "" {
			s.Stage = stage
		}
		return s, true
	})
}

// FractionRule maps "x/y" (two submatches) or a bare percentage (one
// submatch) into the percent band [Lo, Hi].
type FractionRule struct {
	re       *regexp.Regexp
	stage    string
	lo, hi   float64
	doneName string
	ofName   string
}

// Fraction builds a FractionRule. With lo=0 and hi=100 the fraction maps to
// the whole range.
func Fraction(re *regexp.Regexp, stage string, lo, hi float64) *FractionRule {
	return &FractionRule{re: re, stage: stage, lo: lo, hi: hi}
}

// Counting also records x and y as counters named done and of.
func (r *FractionRule) Counting(done, of string) *FractionRule {
	c := *r
	c.doneName, c.ofName = done, of
	return &c
}

func (r *FractionRule) Match(line string, s State) (State, bool) {
	m := r.re.FindStringSubmatch(line)
	if m == nil {
		return s, false
	}

	var frac float64
	switch len(m) {
	case 2:
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return s, false
		}
		frac = pct / 100
	case 3:
		x, errX := strconv.ParseFloat(m[1], 64)
		y, errY := strconv.ParseFloat(m[2], 64)
		if errX != nil || errY != nil || y <= 0 {
			return s, false
		}
		frac = x / y
		if r.doneName != "" {
			s = s.WithCounter(r.doneName, int(x))
		}
		if r.ofName != "" {
			s = s.WithCounter(r.ofName, int(y))
		}
	default:
		return s, false
	}

	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	s.Percent = r.lo + frac*(r.hi-r.lo)
	if r.stage != "" {
		s.Stage = r.stage
	}
	return s, true
}
