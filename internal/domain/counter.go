package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultCounterName is the key of the single global counter row.
const DefaultCounterName = "global"

type Operation string

const (
	OpIncrement Operation = "increment"
	OpDecrement Operation = "decrement"
	OpReset     Operation = "reset"
)

// ParseOperation accepts the wire form of an operation, case-insensitive.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OpIncrement, OpDecrement, OpReset:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperation, s)
}

// Apply returns the candidate value for the current one.
func (o Operation) Apply(current int64) int64 {
	switch o {
	case OpIncrement:
		return current + 1
	case OpDecrement:
		return current - 1
	default:
		return 0
	}
}

// InitialValue is the value a lazily created counter row starts with.
func (o Operation) InitialValue() int64 {
	return o.Apply(0)
}

type Counter struct {
	Name        string    `json:"name"`
	Value       int64     `json:"value"`
	Version     int64     `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// CounterState is the read-only projection served without passing the gate.
type CounterState struct {
	Value       int64 `json:"value"`
	Version     int64 `json:"version"`
	LastUpdated int64 `json:"lastUpdated"` // unix ms
}

func (c Counter) State() CounterState {
	s := CounterState{Value: c.Value, Version: c.Version}
	if !c.LastUpdated.IsZero() {
		s.LastUpdated = c.LastUpdated.UnixMilli()
	}
	return s
}

// DeltaRequest is the input of CounterEngine.ApplyDelta.
type DeltaRequest struct {
	Fingerprint     string    `json:"fingerprint"`
	ClientTimestamp int64     `json:"clientTimestamp"` // unix ms
	Op              Operation `json:"op"`
	TraceID         string    `json:"-"`
}

type DeltaResult struct {
	NewValue int64       `json:"newValue"`
	Version  int64       `json:"version"`
	Warnings []Violation `json:"warnings,omitempty"`
}
