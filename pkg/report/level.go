package report

import "fmt"

// LevelSink receives a value together with its level.
type LevelSink interface {
	ReportLevel(value uint32, level float64)
}

// Level maps every value to a level between 0 and 1: values at or below
// Min map to 0, values at or above Max map to 1.
type Level struct {
	Min, Max float64
	Sink     LevelSink
}

// NewLevel returns a Level, checking that max > min and min >= 0.
func NewLevel(min, max float64, sink LevelSink) (*Level, error) {
	if err := ValidateRange(min, max); err != nil {
		return nil, err
	}
	return &Level{Min: min, Max: max, Sink: sink}, nil
}

// ValidateRange checks a min/max pair.
func ValidateRange(min, max float64) error {
	if max <= min {
		return fmt.Errorf("max (%g) must be strictly greater than min (%g)", max, min)
	}
	if min < 0 {
		return fmt.Errorf("min (%g) cannot be negative", min)
	}
	return nil
}

// Level returns the level of value.
func (l *Level) Level(value uint32) float64 {
	v := float64(value)
	switch {
	case v <= l.Min:
		return 0
	case v >= l.Max:
		return 1
	}
	return (v - l.Min) / (l.Max - l.Min)
}

// Report implements Reporter.
func (l *Level) Report(value uint32) {
	l.Sink.ReportLevel(value, l.Level(value))
}
