package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// DefaultMaxOccurrences bounds a single expansion.
const DefaultMaxOccurrences = 1000

// Rule describes a recurring calendar entry in RFC 5545 RRULE form.
type Rule struct {
	EventID string
	// RRule holds the rule text, with or without the leading "RRULE:".
	RRule string
}

// GenerateOptions defines the range occurrences must overlap.
type GenerateOptions struct {
	RangeStart *time.Time
	RangeEnd   *time.Time
}

// Occurrence represents a generated instance of a recurring entry.
type Occurrence struct {
	EventID string
	Start   time.Time
	End     time.Time
}

// Engine expands recurrence rules into occurrences.
type Engine struct {
	location       *time.Location
	maxOccurrences int
}

// NewEngine constructs an Engine that evaluates rules in the provided location.
// If loc is nil, UTC is used.
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{location: loc, maxOccurrences: DefaultMaxOccurrences}
}

// ErrInvalidRule indicates the rule text could not be parsed.
var ErrInvalidRule = errors.New("recurrence: invalid rule")

// ErrInvalidWindow indicates the generation window is unbounded.
var ErrInvalidWindow = errors.New("recurrence: generation window requires both bounds")

// ErrInvalidDuration indicates the base entry duration is invalid.
var ErrInvalidDuration = errors.New("recurrence: entry duration must be positive")

// GenerateOccurrences produces the occurrences of rule that overlap the range.
//
// Rules are evaluated on the wall clock of the engine's location so that a
// weekly 09:00 entry stays at 09:00 across DST changes. The base entry itself
// counts as the first occurrence.
func (e *Engine) GenerateOccurrences(rule Rule, baseStart, baseEnd time.Time, opts GenerateOptions) ([]Occurrence, error) {
	loc := e.location
	if loc == nil {
		loc = time.UTC
	}
	if opts.RangeStart == nil || opts.RangeEnd == nil {
		return nil, ErrInvalidWindow
	}

	baseStart = baseStart.In(loc)
	baseEnd = baseEnd.In(loc)
	if !baseEnd.After(baseStart) {
		return nil, ErrInvalidDuration
	}
	duration := baseEnd.Sub(baseStart)

	rangeStart := opts.RangeStart.In(loc)
	rangeEnd := opts.RangeEnd.In(loc)
	if !rangeEnd.After(rangeStart) {
		return nil, nil
	}

	text := strings.TrimSpace(rule.RRule)
	text = strings.TrimPrefix(text, "RRULE:")
	if text == "" {
		return nil, fmt.Errorf("%w: empty rule", ErrInvalidRule)
	}

	option, err := rrule.StrToROptionInLocation(text, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	option.Dtstart = baseStart

	r, err := rrule.NewRRule(*option)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	max := e.maxOccurrences
	if max <= 0 {
		max = DefaultMaxOccurrences
	}

	// An occurrence starting up to one duration before the range can still overlap it.
	starts := r.Between(rangeStart.Add(-duration), rangeEnd, true)

	occurrences := make([]Occurrence, 0, len(starts))
	for _, start := range starts {
		end := start.Add(duration)
		if !end.After(rangeStart) || !start.Before(rangeEnd) {
			continue
		}
		occurrences = append(occurrences, Occurrence{
			EventID: rule.EventID,
			Start:   start,
			End:     end,
		})
		if len(occurrences) == max {
			break
		}
	}

	return occurrences, nil
}
