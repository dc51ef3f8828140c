// Package vm executes compiled verb programs inside a task's transaction.
// The machine is a plain frame-stack interpreter: no goroutine ever blocks
// holding VM state, so a suspended task is just data (see State) that the
// scheduler can park, serialize into a checkpoint, and resume later.
package vm

import (
	"time"

	"github.com/mudworks/weaver"
)

// Frame is one activation of a verb program. Everything the continuation
// needs lives here explicitly: program counter, operand stack, and the
// variable environment. Frames serialize as JSON for parked tasks.
type Frame struct {
	This    weaver.ObjID    `json:"this"`
	Player  weaver.ObjID    `json:"player"`
	Definer weaver.ObjID    `json:"definer"`
	Verb    string          `json:"verb"`
	Prog    *weaver.Program `json:"prog"`
	PC      int32           `json:"pc"`
	Stack   []weaver.Var    `json:"stack,omitempty"`
	Env     []weaver.Var    `json:"env,omitempty"`
}

func (f *Frame) push(v weaver.Var) { f.Stack = append(f.Stack, v) }

func (f *Frame) pop() (weaver.Var, bool) {
	if len(f.Stack) == 0 {
		return weaver.None, false
	}
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v, true
}

// State is the serializable continuation of a suspended machine.
type State struct {
	Frames    []*Frame `json:"frames"`
	TicksLeft int      `json:"ticks_left"`
}

// WakeKind says what brings a suspended task back to the run queue.
type WakeKind int

const (
	// WakeNever parks the task until an explicit external resume (or kill).
	WakeNever WakeKind = iota
	// WakeTime resumes the task once the wall clock reaches At.
	WakeTime
	// WakeInput resumes the task when a line of input arrives for it.
	WakeInput
)

// Wake is the condition under which a suspended task resumes.
type Wake struct {
	Kind WakeKind  `json:"kind"`
	At   time.Time `json:"at,omitempty"`
}

// ForkRequest is a child task the program asked for. The scheduler enqueues
// these only after the parent's transaction commits; an aborted parent forks
// nothing.
type ForkRequest struct {
	Body    *weaver.Program `json:"body"`
	Delay   time.Duration   `json:"delay"`
	This    weaver.ObjID    `json:"this"`
	Player  weaver.ObjID    `json:"player"`
	Definer weaver.ObjID    `json:"definer"`
	Verb    string          `json:"verb"`
	Env     []weaver.Var    `json:"env,omitempty"`
}

// OutcomeKind classifies how a Run call ended.
type OutcomeKind int

const (
	// OutcomeComplete means the top-level frame returned Value.
	OutcomeComplete OutcomeKind = iota
	// OutcomeError means a program error propagated past every handler.
	OutcomeError
	// OutcomeSuspended means the program requested suspension; the machine
	// holds its continuation and Run can be called again after Resume.
	OutcomeSuspended
	// OutcomeTicksExhausted means the attempt ran out of instruction budget.
	OutcomeTicksExhausted
	// OutcomeSecondsExhausted means the attempt ran past its wall-clock budget.
	OutcomeSecondsExhausted
	// OutcomeKilled means the context was cancelled at a checkpoint.
	OutcomeKilled
)

// Outcome is the result of one Run call.
type Outcome struct {
	Kind      OutcomeKind
	Value     weaver.Var
	ErrCode   weaver.ErrCode
	Traceback []string
	Wake      Wake
}
