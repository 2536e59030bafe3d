package domain

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type JobKind string

const (
	JobBackup  JobKind = "backup"
	JobRestore JobKind = "restore"
)

type JobState string

const (
	StateIdle        JobState = "idle"
	StateDumping     JobState = "dumping"
	StateCompressing JobState = "compressing"
	StateUploading   JobState = "uploading"
	StateCataloged   JobState = "cataloged"
	StateResolving   JobState = "resolving"
	StateDownloading JobState = "downloading"
	StateRestoring   JobState = "restoring"
	StateVerified    JobState = "verified"
	StateFailed      JobState = "failed"
)

var transitions = map[JobKind]map[JobState][]JobState{
	JobBackup: {
		StateIdle:        {StateDumping},
		StateDumping:     {StateCompressing},
		StateCompressing: {StateUploading},
		StateUploading:   {StateCataloged},
	},
	JobRestore: {
		StateIdle:        {StateResolving},
		StateResolving:   {StateDownloading},
		StateDownloading: {StateRestoring},
		StateRestoring:   {StateVerified},
	},
}

// Terminal reports whether no further transition is possible from s.
func (s JobState) Terminal() bool {
	return s == StateCataloged || s == StateVerified || s == StateFailed
}

type Transition struct {
	From JobState
	To   JobState
	At   time.Time
}

// Job tracks one orchestrator invocation.
type Job struct {
	ID       string
	Kind     JobKind
	Database string
	Target   string

	mu      sync.Mutex
	state   JobState
	history []Transition
	err     error
}

func NewJob(kind JobKind, database, target string) *Job {
	return &Job{
		ID:       uuid.NewString(),
		Kind:     kind,
		Database: database,
		Target:   target,
		state:    StateIdle,
	}
}

func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) History() []Transition {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Transition, len(j.history))
	copy(out, j.history)
	return out
}

// Advance moves the job to next. Failed is reachable from every non-terminal state.
func (j *Job) Advance(next JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.Terminal() {
		return fmt.Errorf("job %s: cannot leave terminal state %s", j.ID, j.state)
	}
	if next != StateFailed && !allowed(j.Kind, j.state, next) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.state, next)
	}
	j.history = append(j.history, Transition{From: j.state, To: next, At: time.Now()})
	j.state = next
	return nil
}

// Fail records err and moves the job to Failed. Calling it on a terminal job is a no-op.
func (j *Job) Fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.Terminal() {
		return
	}
	j.history = append(j.history, Transition{From: j.state, To: StateFailed, At: time.Now()})
	j.state = StateFailed
	j.err = err
}

func allowed(kind JobKind, from, to JobState) bool {
	for _, s := range transitions[kind][from] {
		if s == to {
			return true
		}
	}
	return false
}
