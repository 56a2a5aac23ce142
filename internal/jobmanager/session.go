package jobmanager

import (
	"math"
	"time"

	"github.com/ChuLiYu/mindist/pkg/types"
)

// SessionState is the lifecycle position of a ProcessingSession.
type SessionState string

const (
	StateInitiated SessionState = "initiated"
	StateRunning   SessionState = "running"
	StateFailed    SessionState = "failed"
	StateCompleted SessionState = "completed"
)

// Session tracks one structure in flight.
//
// A session holds these at all times:
//   - Pending is set once per model dispatch and decremented once per chunk
//     result
//   - Done iff Failed, or NextModel >= len(Models) with Pending == 0
//   - Min never increases and is +Inf until the first successful chunk
type Session struct {
	Filename  string
	Mode      types.Mode
	Start     time.Time
	Models    []types.Model
	NextModel int
	Pending   int
	Min       float64
	Failed    bool
	Done      bool
	SlotID    int // owning slot in multi-file mode
	State     SessionState
}

func newSession(filename string, mode types.Mode, now time.Time) *Session {
	return &Session{
		Filename: filename,
		Mode:     mode,
		Start:    now,
		Min:      math.Inf(1),
		State:    StateInitiated,
	}
}

// fold merges a successful chunk result.
func (s *Session) fold(d float64) {
	if !s.Failed && d < s.Min {
		s.Min = d
	}
}

func (s *Session) fail() {
	s.Failed = true
	if s.Pending == 0 {
		s.Done = true
		s.State = StateFailed
	}
}

func (s *Session) complete() {
	s.Done = true
	s.State = StateCompleted
}

// modeState is the tagged per-mode state: exactly one variant is active.
type modeState interface {
	mode() types.Mode
	open() int
	filenames() []string
}

// singleFileState holds at most one session that all slots cooperate on.
type singleFileState struct {
	session *Session
}

func (st *singleFileState) mode() types.Mode { return types.ModeSingleFile }

func (st *singleFileState) open() int {
	if st.session == nil {
		return 0
	}
	return 1
}

func (st *singleFileState) filenames() []string {
	if st.session == nil {
		return nil
	}
	return []string{st.session.Filename}
}

// multiFileState holds one session per busy slot.
type multiFileState struct {
	sessions map[int]*Session // slot id -> session
}

func (st *multiFileState) mode() types.Mode { return types.ModeMultiFiles }

func (st *multiFileState) open() int { return len(st.sessions) }

func (st *multiFileState) filenames() []string {
	out := make([]string, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.Filename)
	}
	return out
}

func newModeState(mode types.Mode) modeState {
	if mode == types.ModeSingleFile {
		return &singleFileState{}
	}
	return &multiFileState{sessions: make(map[int]*Session)}
}
