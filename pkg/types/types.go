// Package types defines the domain model shared by the processor, its worker
// processes and the coordinator clients.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mode is the processing mode tag carried on every session and message.
type Mode string

const (
	ModeUndefined  Mode = "UNDEFINED"
	ModeSingleFile Mode = "SINGLE_FILE" // all workers cooperate on one structure
	ModeMultiFiles Mode = "MULTI_FILES" // each worker owns one whole structure
)

// ParseMode accepts the coordinator spelling as well as lower-case config values.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(ModeSingleFile), "SINGLE", "SINGLE-FILE":
		return ModeSingleFile, nil
	case string(ModeMultiFiles), "MULTI", "MULTI-FILES", "MULTI_FILE":
		return ModeMultiFiles, nil
	case "", string(ModeUndefined):
		return ModeUndefined, nil
	default:
		return ModeUndefined, fmt.Errorf("unknown processing mode %q", s)
	}
}

// Valid reports whether m selects a concrete processing path.
func (m Mode) Valid() bool {
	return m == ModeSingleFile || m == ModeMultiFiles
}

// ============================================================================
// Coordinates
// ============================================================================

// Atom is one atom position. Alt marks an alternate conformation of the
// preceding atom.
type Atom struct {
	X, Y, Z float64
	Alt     bool
}

// MarshalJSON encodes the atom as the extractor's [x, y, z, flag] tuple.
func (a Atom) MarshalJSON() ([]byte, error) {
	flag := 0
	if a.Alt {
		flag = 1
	}
	return json.Marshal([4]float64{a.X, a.Y, a.Z, float64(flag)})
}

// UnmarshalJSON decodes an [x, y, z] or [x, y, z, flag] tuple.
func (a *Atom) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 3 {
		return fmt.Errorf("atom needs at least 3 coordinates, got %d", len(raw))
	}
	a.X, a.Y, a.Z = raw[0], raw[1], raw[2]
	a.Alt = len(raw) > 3 && raw[3] != 0
	return nil
}

// Model is one conformation of a structure.
type Model []Atom

// WorkRange is an inclusive range of atom indexes whose atoms are compared
// against every atom with a higher index.
type WorkRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of range starts covered by r.
func (r WorkRange) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

func (r WorkRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// ============================================================================
// Worker protocol
// ============================================================================

// MessageKind discriminates the envelopes exchanged with worker processes.
type MessageKind string

const (
	KindStarted  MessageKind = "started"
	KindDispatch MessageKind = "dispatch"
	KindResult   MessageKind = "result"
)

// Dispatch is the unit of work sent to one worker. Range and Coordinates are
// only set in single-file mode; a multi-file worker loads the structure itself.
type Dispatch struct {
	Filename    string     `json:"filename"`
	Range       *WorkRange `json:"range,omitempty"`
	Coordinates Model      `json:"coordinates,omitempty"`
	Mode        Mode       `json:"mode"`
}

// Result is what a worker reports for one dispatch. A nil MinDistance on a
// successful result means the work had no valid comparison.
type Result struct {
	ChildID          int        `json:"childId"`
	Filename         string     `json:"filename"`
	Failure          bool       `json:"failure"`
	MinDistance      *float64   `json:"result"`
	ProcessingTimeMs *int64     `json:"processingTimeMs,omitempty"`
	Range            *WorkRange `json:"range,omitempty"`
	Mode             Mode       `json:"mode"`
}

// Envelope is the single framed message type on the worker pipe. A started
// envelope carries no other field.
type Envelope struct {
	Kind     MessageKind `json:"kind"`
	Dispatch *Dispatch   `json:"dispatch,omitempty"`
	Result   *Result     `json:"result,omitempty"`
}

// StartedEnvelope is the readiness handshake sent once by every worker.
func StartedEnvelope() Envelope {
	return Envelope{Kind: KindStarted}
}
