package schedule

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrNoMatch is returned when no schedule entry or gap covers the instant.
// It implies the schedule does not cover the full day.
var ErrNoMatch = errors.New("schedule: no matching window")

// LevelKind tags how a Level resolves to a percentage.
type LevelKind int

const (
	LevelLiteral LevelKind = iota
	LevelMax
	LevelMin
)

// Symbolic level tokens accepted in configuration.
const (
	TokenMax = "max_brightness"
	TokenMin = "min_brightness"
)

// Level is a schedule brightness: a literal percentage or the light's
// configured maximum or minimum.
type Level struct {
	Kind    LevelKind
	Percent float64
}

// Literal returns a fixed-percentage level.
func Literal(pct float64) Level { return Level{Kind: LevelLiteral, Percent: pct} }

// Max resolves to the light's configured maximum.
var Max = Level{Kind: LevelMax}

// Min resolves to the light's configured minimum.
var Min = Level{Kind: LevelMin}

// Resolve returns the level's percentage for a light with the given bounds.
func (l Level) Resolve(min, max float64) float64 {
	switch l.Kind {
	case LevelMax:
		return max
	case LevelMin:
		return min
	default:
		return l.Percent
	}
}

func (l Level) String() string {
	switch l.Kind {
	case LevelMax:
		return TokenMax
	case LevelMin:
		return TokenMin
	default:
		return strconv.FormatFloat(l.Percent, 'f', -1, 64)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText accepts a number (0-100) or one of the symbolic tokens.
func (l *Level) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch s {
	case TokenMax:
		*l = Max
		return nil
	case TokenMin:
		*l = Min
		return nil
	}
	pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil {
		return fmt.Errorf("invalid brightness %q: want a percentage, %s or %s", s, TokenMax, TokenMin)
	}
	if pct < 0 || pct > 100 {
		return fmt.Errorf("invalid brightness %q: out of range 0-100", s)
	}
	*l = Literal(pct)
	return nil
}

// Entry is one time window with its brightness.
type Entry struct {
	Start TimeOfDay `yaml:"start" json:"start"`
	End   TimeOfDay `yaml:"end" json:"end"`
	Level Level     `yaml:"pct" json:"pct"`
}

// Schedule is an ordered, logically circular list of entries.
// Entries need not be contiguous; the first matching window wins.
type Schedule []Entry

// Options controls a single evaluation.
type Options struct {
	// Transition is the fade budget the caller will apply to the command.
	Transition time.Duration
	// Immediate requests the instantaneous value with no fade.
	Immediate bool
}

// Target is the outcome of evaluating a schedule at an instant.
type Target struct {
	Percent    int
	Transition time.Duration
	// Entry is the index of the matched entry. For a gap match it is the
	// entry whose end opens the gap.
	Entry int
	InGap bool
	// FollowUp is set when an immediate gap evaluation should be refined by
	// a later, faded recompute.
	FollowUp bool
}

// Target computes the brightness for now. Entries are evaluated in order;
// for each, its own window is checked before the gap to the next entry.
func (s Schedule) Target(now time.Time, min, max float64, opts Options) (Target, error) {
	for i, entry := range s {
		next := s[(i+1)%len(s)]
		this := entry.Level.Resolve(min, max)
		nextPct := next.Level.Resolve(min, max)

		if w := WindowAt(entry.Start, entry.End, now); w.ActiveNow {
			return Target{Percent: roundPercent(this), Entry: i}, nil
		}

		gap := WindowAt(entry.End, next.Start, now)
		if !gap.ActiveNow {
			continue
		}

		t := Target{Entry: i, InGap: true}
		if gap.Full <= 0 {
			t.Percent = roundPercent(nextPct)
			return t, nil
		}

		rate := (this - nextPct) / gap.Full.Seconds()
		switch {
		case opts.Immediate:
			t.Percent = roundPercent(this - gap.Elapsed.Seconds()*rate)
			t.FollowUp = true
		case gap.Remaining <= opts.Transition:
			t.Percent = roundPercent(nextPct)
			t.Transition = gap.Remaining
		default:
			t.Percent = roundPercent(this - (gap.Elapsed+opts.Transition).Seconds()*rate)
			t.Transition = opts.Transition
		}
		return t, nil
	}
	return Target{}, ErrNoMatch
}

// roundPercent rounds half to even.
func roundPercent(v float64) int {
	return int(math.RoundToEven(v))
}
