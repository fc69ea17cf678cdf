package scene

import (
	"errors"
	"fmt"
)

// ErrNoFrame marks a timestamp at which the source yields no decodable frame.
var ErrNoFrame = errors.New("no frame at timestamp")

// InputError is returned when the source cannot be read or decoded.
type InputError struct {
	Source string
	Err    error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input %s: %v", e.Source, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// ScoringError is returned when the scorer fails on a sample. The pipeline
// never continues with partial coverage.
type ScoringError struct {
	Pass      string
	Timestamp float64
	Err       error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("%s scan: scoring frame at %.3fs: %v", e.Pass, e.Timestamp, e.Err)
}

func (e *ScoringError) Unwrap() error { return e.Err }

// NoScenesError is returned when detection completed but nothing qualified.
type NoScenesError struct {
	Positives int
}

func (e *NoScenesError) Error() string {
	if e.Positives == 0 {
		return "no scenes detected: no sampled frame matched the target content"
	}
	return fmt.Sprintf("no scenes detected: %d positive frames did not form a scene long enough to keep", e.Positives)
}
