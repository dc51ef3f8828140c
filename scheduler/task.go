package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mudworks/weaver"
	"github.com/mudworks/weaver/transaction"
	"github.com/mudworks/weaver/vm"
)

// TaskState is a task's position in its lifecycle. Transitions only move
// forward within an attempt; Retrying loops back to Running with a fresh
// transaction.
type TaskState int32

const (
	TaskQueued TaskState = iota
	TaskRunning
	TaskSuspended
	TaskCommitting
	TaskRetrying
	TaskCommitted
	TaskAborted
)

var taskStateNames = map[TaskState]string{
	TaskQueued:     "queued",
	TaskRunning:    "running",
	TaskSuspended:  "suspended",
	TaskCommitting: "committing",
	TaskRetrying:   "retrying",
	TaskCommitted:  "committed",
	TaskAborted:    "aborted",
}

func (s TaskState) String() string {
	if n, ok := taskStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// AbortKind says why an aborted task died.
type AbortKind int

const (
	// AbortError is an uncaught program error.
	AbortError AbortKind = iota
	// AbortTicks is instruction-budget exhaustion.
	AbortTicks
	// AbortSeconds is wall-clock budget exhaustion.
	AbortSeconds
	// AbortKilled is an external kill.
	AbortKilled
	// AbortConflict is commit-retry budget exhaustion.
	AbortConflict
	// AbortInternal is a kernel-side failure (store corruption, halted store).
	AbortInternal
)

var abortKindNames = map[AbortKind]string{
	AbortError:    "error",
	AbortTicks:    "out-of-ticks",
	AbortSeconds:  "out-of-seconds",
	AbortKilled:   "killed",
	AbortConflict: "too-many-conflicts",
	AbortInternal: "internal",
}

func (k AbortKind) String() string {
	if n, ok := abortKindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Outcome is the result of a task, delivered through the Done callback. The
// terminal outcome (committed or aborted) arrives exactly once; before it, a
// single StillSuspended event is delivered when the task first parks.
type Outcome struct {
	TaskID    uint64     `json:"task_id"`
	Committed bool       `json:"committed"`
	Value     weaver.Var `json:"value,omitempty"`
	Abort     AbortKind  `json:"abort,omitempty"`
	Message   string     `json:"message,omitempty"`
	Traceback []string   `json:"traceback,omitempty"`
	Version   uint64     `json:"version,omitempty"`
	// StillSuspended marks the non-terminal parked notification: the task
	// suspended instead of finishing and a resume or wake is required.
	StillSuspended bool      `json:"still_suspended,omitempty"`
	EndedAt        time.Time `json:"ended_at"`
}

// KernelError classifies an aborted outcome in the kernel error taxonomy:
// conflict-retry exhaustion is TooManyRetries, budget exhaustion is
// QuotaExceeded, kills are TaskKilled. nil for committed and still-suspended
// outcomes.
func (o Outcome) KernelError() error {
	if o.Committed || o.StillSuspended {
		return nil
	}
	code := weaver.Unknown
	switch o.Abort {
	case AbortConflict:
		code = weaver.TooManyRetries
	case AbortTicks, AbortSeconds:
		code = weaver.QuotaExceeded
	case AbortKilled:
		code = weaver.TaskKilled
	}
	return weaver.Error{Code: code, Err: errors.New(o.Message), UserData: o.TaskID}
}

// Session receives committed output lines for a player. Nothing reaches a
// session while its task is still running; delivery happens after commit, and
// an aborted task's output is dropped with its writes.
type Session interface {
	Notify(player weaver.ObjID, text string)
}

// Request describes a top-level task submission: call verb on this, on behalf
// of player, with args.
type Request struct {
	This   weaver.ObjID
	Player weaver.ObjID
	Verb   string
	Args   weaver.Var
	// Background selects the background tick/seconds budgets.
	Background bool
	Session    Session
	// Done, when set, receives the terminal outcome on a scheduler goroutine.
	Done func(Outcome)
}

type outputLine struct {
	Player weaver.ObjID
	Text   string
}

// Task is one schedulable unit of execution. All mutable fields are guarded
// by mu; the machine and transaction are touched only by the goroutine
// currently executing the task.
type Task struct {
	ID uint64

	mu    sync.Mutex
	state TaskState

	req Request
	// forkBody and forkEnv are set for fork children instead of a verb call.
	forkBody *weaver.Program
	forkEnv  []weaver.Var
	definer  weaver.ObjID

	machine *transactionMachine
	wake    vm.Wake

	// inputLog records every value a suspension resumed with, in order. A
	// conflict retry re-executes the task from the top and replays this log so
	// already-consumed input is not lost and not re-awaited.
	inputLog  []weaver.Var
	replayIdx int

	attempt int
	output  []outputLine
	// suspendNotified is set once the StillSuspended event has been delivered;
	// later parks of the same task stay silent.
	suspendNotified bool

	runCancel context.CancelFunc
	killed    bool

	createdAt time.Time
	wakeTimer *time.Timer
}

// transactionMachine pairs a machine with the transaction it executes in;
// the two always live and die together.
type transactionMachine struct {
	m   *vm.Machine
	txn *transaction.Transaction
}

func (t *Task) setState(s TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// TaskInfo is the admin-facing view of a task.
type TaskInfo struct {
	ID         uint64       `json:"id"`
	State      string       `json:"state"`
	Verb       string       `json:"verb,omitempty"`
	This       weaver.ObjID `json:"this"`
	Player     weaver.ObjID `json:"player"`
	Background bool         `json:"background"`
	Fork       bool         `json:"fork,omitempty"`
	Attempt    int          `json:"attempt"`
	CreatedAt  time.Time    `json:"created_at"`
	WakeKind   string       `json:"wake_kind,omitempty"`
	WakeAt     *time.Time   `json:"wake_at,omitempty"`
}

func (t *Task) info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := TaskInfo{
		ID:         t.ID,
		State:      t.state.String(),
		Verb:       t.req.Verb,
		This:       t.req.This,
		Player:     t.req.Player,
		Background: t.req.Background,
		Fork:       t.forkBody != nil,
		Attempt:    t.attempt,
		CreatedAt:  t.createdAt,
	}
	if t.state == TaskSuspended {
		switch t.wake.Kind {
		case vm.WakeNever:
			info.WakeKind = "never"
		case vm.WakeTime:
			info.WakeKind = "time"
			at := t.wake.At
			info.WakeAt = &at
		case vm.WakeInput:
			info.WakeKind = "input"
		}
	}
	return info
}
