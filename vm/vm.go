package vm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mudworks/weaver"
	"github.com/mudworks/weaver/transaction"
)

// cancelCheckEvery is how many instructions run between context/deadline
// checks. Ticks are counted on every instruction regardless.
const cancelCheckEvery = 64

// Config carries the per-attempt execution limits and wiring.
type Config struct {
	TaskID uint64
	Txn    *transaction.Transaction
	// Ticks is the instruction budget for this attempt.
	Ticks int
	// Deadline is the wall-clock cutoff for this attempt.
	Deadline time.Time
	// MaxStackDepth bounds nested verb calls; exceeding it raises E_MAXREC.
	MaxStackDepth int
	// Notify receives session output lines. The scheduler buffers them and
	// releases only after commit; the machine never talks to a socket.
	Notify func(player weaver.ObjID, text string)
}

// Machine interprets verb programs. Not safe for concurrent use; one machine
// belongs to one task attempt at a time.
type Machine struct {
	cfg       Config
	frames    []*Frame
	ticksLeft int
	forks     []ForkRequest

	// resumeValue is pushed onto the top frame's stack before the next
	// instruction; it carries suspend()'s return or a read() input line.
	resumeValue *weaver.Var
	suspended   bool
}

// New builds a machine ready for PushCall or RestoreState.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg, ticksLeft: cfg.Ticks}
}

// SetTransaction rebinds the machine to a fresh transaction. Used when a
// parked continuation is revived after a checkpoint restore.
func (m *Machine) SetTransaction(txn *transaction.Transaction) { m.cfg.Txn = txn }

// TicksLeft returns the remaining instruction budget.
func (m *Machine) TicksLeft() int { return m.ticksLeft }

// SetTicks replaces the instruction budget. The scheduler grants a resumed
// task a fresh background budget rather than letting the pre-suspend attempt's
// leftovers decide.
func (m *Machine) SetTicks(n int) { m.ticksLeft = n }

// SetDeadline replaces the wall-clock cutoff for the next Run call.
func (m *Machine) SetDeadline(t time.Time) { m.cfg.Deadline = t }

// Forks returns the child tasks requested so far.
func (m *Machine) Forks() []ForkRequest { return m.forks }

// Snapshot captures the machine's continuation for parking.
func (m *Machine) Snapshot() *State {
	return &State{Frames: m.frames, TicksLeft: m.ticksLeft}
}

// RestoreState revives a parked continuation.
func (m *Machine) RestoreState(st *State) {
	m.frames = st.Frames
	m.ticksLeft = st.TicksLeft
	m.suspended = true
}

// Resume supplies the value a suspended program sees as the result of its
// suspend() or read() and readies the machine for another Run.
func (m *Machine) Resume(v weaver.Var) {
	m.resumeValue = &v
	m.suspended = false
}

// PushCall resolves verb on this and pushes its activation as the machine's
// entry point. ok is false when no ancestor defines the verb.
func (m *Machine) PushCall(this, player weaver.ObjID, verb string, args weaver.Var) (bool, error) {
	exists, err := m.cfg.Txn.ObjExists(this)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	v, definer, found, err := m.cfg.Txn.ResolveVerbCall(this, verb)
	if err != nil || !found {
		return false, err
	}
	m.pushFrame(v.Program, this, player, definer, verb, args)
	return true, nil
}

// PushProgram pushes a bare program activation; fork bodies enter this way,
// with the parent's environment snapshot.
func (m *Machine) PushProgram(prog *weaver.Program, this, player, definer weaver.ObjID, verb string, env []weaver.Var) {
	f := &Frame{
		This:    this,
		Player:  player,
		Definer: definer,
		Verb:    verb,
		Prog:    prog,
		Env:     make([]weaver.Var, prog.NumSlots()),
	}
	copy(f.Env, env)
	m.frames = append(m.frames, f)
}

func (m *Machine) pushFrame(prog *weaver.Program, this, player, definer weaver.ObjID, verb string, args weaver.Var) {
	f := &Frame{
		This:    this,
		Player:  player,
		Definer: definer,
		Verb:    verb,
		Prog:    prog,
		Env:     make([]weaver.Var, prog.NumSlots()),
	}
	// Calling convention: slot 0 receives the argument list when the program
	// declares any variables at all.
	if len(f.Env) > 0 {
		f.Env[0] = args
	}
	m.frames = append(m.frames, f)
}

func (m *Machine) top() *Frame { return m.frames[len(m.frames)-1] }

// raised is the in-flight program error during unwinding.
type raised struct {
	code weaver.ErrCode
	msg  string
}

func (m *Machine) throw(code weaver.ErrCode) *raised {
	return &raised{code: code, msg: code.Message()}
}

// Run interprets until the task completes, errors out, suspends, exhausts a
// budget, or is killed. The Go error return is reserved for infrastructure
// failures (store corruption, malformed programs); program errors surface in
// the Outcome.
func (m *Machine) Run(ctx context.Context) (Outcome, error) {
	if m.suspended {
		return Outcome{}, fmt.Errorf("machine is suspended, call Resume before Run")
	}
	if len(m.frames) == 0 {
		return Outcome{}, fmt.Errorf("no activation to run, call PushCall first")
	}
	if m.resumeValue != nil {
		m.top().push(*m.resumeValue)
		m.resumeValue = nil
	}
	sinceCheck := 0
	for {
		sinceCheck++
		if sinceCheck >= cancelCheckEvery {
			sinceCheck = 0
			if ctx.Err() != nil {
				return Outcome{Kind: OutcomeKilled}, nil
			}
			if !m.cfg.Deadline.IsZero() && weaver.Now().After(m.cfg.Deadline) {
				return Outcome{Kind: OutcomeSecondsExhausted}, nil
			}
		}
		if m.ticksLeft <= 0 {
			return Outcome{Kind: OutcomeTicksExhausted}, nil
		}
		m.ticksLeft--

		f := m.top()
		if int(f.PC) >= len(f.Prog.Code) {
			// Falling off the end returns integer 0, like OpReturn0.
			if out, done := m.returnValue(weaver.NewInt(0)); done {
				return out, nil
			}
			continue
		}
		instr := f.Prog.Code[f.PC]
		f.PC++

		outcome, done, r, err := m.step(f, instr)
		if err != nil {
			return Outcome{}, err
		}
		if done {
			return outcome, nil
		}
		if r != nil {
			if handled := m.unwind(r); !handled {
				return Outcome{
					Kind:      OutcomeError,
					ErrCode:   r.code,
					Traceback: m.traceback(r),
				}, nil
			}
		}
	}
}

// step executes one instruction. done with an Outcome ends the run; a non-nil
// raised starts handler unwinding.
func (m *Machine) step(f *Frame, instr weaver.Instr) (Outcome, bool, *raised, error) {
	switch instr.Op {
	case weaver.OpNoop:

	case weaver.OpPush:
		if int(instr.Operand) >= len(f.Prog.Literals) {
			return Outcome{}, false, nil, fmt.Errorf("literal index %d out of range in %s", instr.Operand, f.Verb)
		}
		f.push(f.Prog.Literals[instr.Operand])

	case weaver.OpLoad:
		if int(instr.Operand) >= len(f.Env) {
			return Outcome{}, false, m.throw(weaver.E_VARNF), nil
		}
		f.push(f.Env[instr.Operand])

	case weaver.OpStore:
		v, ok := f.pop()
		if !ok {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}
		if int(instr.Operand) >= len(f.Env) {
			return Outcome{}, false, m.throw(weaver.E_VARNF), nil
		}
		f.Env[instr.Operand] = v

	case weaver.OpPop:
		if _, ok := f.pop(); !ok {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}

	case weaver.OpAdd, weaver.OpSub, weaver.OpMul, weaver.OpDiv, weaver.OpMod:
		r, raise, err := m.arith(f, instr.Op)
		if err != nil {
			return Outcome{}, false, nil, err
		}
		if raise != nil {
			return Outcome{}, false, raise, nil
		}
		f.push(r)

	case weaver.OpEq, weaver.OpNe, weaver.OpLt, weaver.OpLe, weaver.OpGt, weaver.OpGe:
		r, raise, err := m.compare(f, instr.Op)
		if err != nil {
			return Outcome{}, false, nil, err
		}
		if raise != nil {
			return Outcome{}, false, raise, nil
		}
		f.push(r)

	case weaver.OpNot:
		v, ok := f.pop()
		if !ok {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}
		if v.Truthy() {
			f.push(weaver.NewInt(0))
		} else {
			f.push(weaver.NewInt(1))
		}

	case weaver.OpJump:
		f.PC = instr.Operand

	case weaver.OpJumpIfFalse:
		v, ok := f.pop()
		if !ok {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}
		if !v.Truthy() {
			f.PC = instr.Operand
		}

	case weaver.OpMakeList:
		n := int(instr.Operand)
		if n > len(f.Stack) {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}
		items := make([]weaver.Var, n)
		copy(items, f.Stack[len(f.Stack)-n:])
		f.Stack = f.Stack[:len(f.Stack)-n]
		f.push(weaver.NewList(items...))

	case weaver.OpIndex:
		idx, ok1 := f.pop()
		base, ok2 := f.pop()
		if !ok1 || !ok2 {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}
		v, raise := m.index(base, idx)
		if raise != nil {
			return Outcome{}, false, raise, nil
		}
		f.push(v)

	case weaver.OpGetProp:
		name, ok1 := f.pop()
		obj, ok2 := f.pop()
		if !ok1 || !ok2 {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}
		if name.Type != weaver.TypeStr || obj.Type != weaver.TypeObj {
			return Outcome{}, false, m.throw(weaver.E_TYPE), nil
		}
		exists, err := m.cfg.Txn.ObjExists(obj.Obj)
		if err != nil {
			return Outcome{}, false, nil, err
		}
		if !exists {
			return Outcome{}, false, m.throw(weaver.E_INVIND), nil
		}
		p, _, found, err := m.cfg.Txn.EffectiveProp(obj.Obj, name.Str)
		if err != nil {
			return Outcome{}, false, nil, err
		}
		if !found {
			return Outcome{}, false, m.throw(weaver.E_PROPNF), nil
		}
		f.push(p.Value)

	case weaver.OpPutProp:
		value, ok1 := f.pop()
		name, ok2 := f.pop()
		obj, ok3 := f.pop()
		if !ok1 || !ok2 || !ok3 {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}
		if name.Type != weaver.TypeStr || obj.Type != weaver.TypeObj {
			return Outcome{}, false, m.throw(weaver.E_TYPE), nil
		}
		exists, err := m.cfg.Txn.ObjExists(obj.Obj)
		if err != nil {
			return Outcome{}, false, nil, err
		}
		if !exists {
			return Outcome{}, false, m.throw(weaver.E_INVIND), nil
		}
		ok, err := m.cfg.Txn.SetPropValue(obj.Obj, name.Str, value)
		if err != nil {
			return Outcome{}, false, nil, err
		}
		if !ok {
			return Outcome{}, false, m.throw(weaver.E_PROPNF), nil
		}
		f.push(value)

	case weaver.OpCallVerb:
		args, ok1 := f.pop()
		name, ok2 := f.pop()
		obj, ok3 := f.pop()
		if !ok1 || !ok2 || !ok3 {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}
		if name.Type != weaver.TypeStr || obj.Type != weaver.TypeObj || args.Type != weaver.TypeList {
			return Outcome{}, false, m.throw(weaver.E_TYPE), nil
		}
		if len(m.frames) >= m.cfg.MaxStackDepth {
			return Outcome{}, false, m.throw(weaver.E_MAXREC), nil
		}
		exists, err := m.cfg.Txn.ObjExists(obj.Obj)
		if err != nil {
			return Outcome{}, false, nil, err
		}
		if !exists {
			return Outcome{}, false, m.throw(weaver.E_INVIND), nil
		}
		verb, definer, found, err := m.cfg.Txn.ResolveVerbCall(obj.Obj, name.Str)
		if err != nil {
			return Outcome{}, false, nil, err
		}
		if !found || verb.Program == nil {
			return Outcome{}, false, m.throw(weaver.E_VERBNF), nil
		}
		m.pushFrame(verb.Program, obj.Obj, f.Player, definer, name.Str, args)

	case weaver.OpCallBuiltin:
		args, ok := f.pop()
		if !ok {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}
		if args.Type != weaver.TypeList {
			return Outcome{}, false, m.throw(weaver.E_TYPE), nil
		}
		v, raise, err := m.callBuiltin(instr.Operand, args.List)
		if err != nil {
			return Outcome{}, false, nil, err
		}
		if raise != nil {
			return Outcome{}, false, raise, nil
		}
		f.push(v)

	case weaver.OpReturn:
		v, ok := f.pop()
		if !ok {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}
		if out, done := m.returnValue(v); done {
			return out, true, nil, nil
		}

	case weaver.OpReturn0:
		if out, done := m.returnValue(weaver.NewInt(0)); done {
			return out, true, nil, nil
		}

	case weaver.OpRaise:
		v, ok := f.pop()
		if !ok {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}
		if v.Type != weaver.TypeErr {
			return Outcome{}, false, m.throw(weaver.E_TYPE), nil
		}
		return Outcome{}, false, m.throw(v.Err), nil

	case weaver.OpSuspend:
		delay, ok := f.pop()
		if !ok {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}
		wake, raise := suspendWake(delay)
		if raise != nil {
			return Outcome{}, false, raise, nil
		}
		m.suspended = true
		return Outcome{Kind: OutcomeSuspended, Wake: wake}, true, nil, nil

	case weaver.OpRead:
		m.suspended = true
		return Outcome{Kind: OutcomeSuspended, Wake: Wake{Kind: WakeInput}}, true, nil, nil

	case weaver.OpFork:
		delay, ok := f.pop()
		if !ok {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}
		if int(instr.Operand) >= len(f.Prog.Forks) {
			return Outcome{}, false, nil, fmt.Errorf("fork index %d out of range in %s", instr.Operand, f.Verb)
		}
		d, raise := forkDelay(delay)
		if raise != nil {
			return Outcome{}, false, raise, nil
		}
		env := make([]weaver.Var, len(f.Env))
		copy(env, f.Env)
		m.forks = append(m.forks, ForkRequest{
			Body:    f.Prog.Forks[instr.Operand],
			Delay:   d,
			This:    f.This,
			Player:  f.Player,
			Definer: f.Definer,
			Verb:    f.Verb,
			Env:     env,
		})
		// The real child task id exists only after commit.
		f.push(weaver.NewInt(0))

	case weaver.OpNotify:
		text, ok1 := f.pop()
		player, ok2 := f.pop()
		if !ok1 || !ok2 {
			return Outcome{}, false, nil, m.underflow(f, instr)
		}
		if player.Type != weaver.TypeObj {
			return Outcome{}, false, m.throw(weaver.E_TYPE), nil
		}
		if m.cfg.Notify != nil {
			m.cfg.Notify(player.Obj, display(text))
		}
		f.push(weaver.None)

	default:
		return Outcome{}, false, nil, fmt.Errorf("unknown opcode %d at %s pc %d", instr.Op, f.Verb, f.PC-1)
	}
	return Outcome{}, false, nil, nil
}

// returnValue pops the current frame. done is true when the machine is out of
// frames and the task is complete.
func (m *Machine) returnValue(v weaver.Var) (Outcome, bool) {
	m.frames = m.frames[:len(m.frames)-1]
	if len(m.frames) == 0 {
		return Outcome{Kind: OutcomeComplete, Value: v}, true
	}
	m.top().push(v)
	return Outcome{}, false
}

// unwind searches frames top-down for a handler covering the raising pc and
// the error code. On a match control transfers there with the error value in
// the handler's slot; frames above it are discarded.
func (m *Machine) unwind(r *raised) bool {
	for i := len(m.frames) - 1; i >= 0; i-- {
		f := m.frames[i]
		// The faulting instruction (or the pending call below the fault) is the
		// one before the advanced pc.
		pc := f.PC - 1
		for _, h := range f.Prog.Handlers {
			if !h.Matches(pc, r.code) {
				continue
			}
			m.frames = m.frames[:i+1]
			f.Stack = f.Stack[:0]
			f.PC = h.Target
			if int(h.Slot) < len(f.Env) {
				f.Env[h.Slot] = weaver.NewErrVar(r.code)
			}
			return true
		}
	}
	return false
}

// traceback renders the frame stack innermost-first, in the shape players see
// when a task dies.
func (m *Machine) traceback(r *raised) []string {
	lines := make([]string, 0, len(m.frames)+1)
	lines = append(lines, fmt.Sprintf("%s: %s", r.code.Label(), r.msg))
	for i := len(m.frames) - 1; i >= 0; i-- {
		f := m.frames[i]
		where := fmt.Sprintf("%s:%s", f.Definer, f.Verb)
		if f.This != f.Definer {
			where += fmt.Sprintf(" (this == %s)", f.This)
		}
		lines = append(lines, fmt.Sprintf("... %s, at instruction %d", where, f.PC-1))
	}
	lines = append(lines, "(End of traceback)")
	return lines
}

func (m *Machine) underflow(f *Frame, instr weaver.Instr) error {
	return fmt.Errorf("stack underflow executing op %d at %s pc %d", instr.Op, f.Verb, f.PC-1)
}

func (m *Machine) arith(f *Frame, op weaver.Opcode) (weaver.Var, *raised, error) {
	b, ok1 := f.pop()
	a, ok2 := f.pop()
	if !ok1 || !ok2 {
		return weaver.None, nil, m.underflow(f, weaver.Instr{Op: op})
	}
	switch {
	case a.Type == weaver.TypeInt && b.Type == weaver.TypeInt:
		switch op {
		case weaver.OpAdd:
			return weaver.NewInt(a.Int + b.Int), nil, nil
		case weaver.OpSub:
			return weaver.NewInt(a.Int - b.Int), nil, nil
		case weaver.OpMul:
			return weaver.NewInt(a.Int * b.Int), nil, nil
		case weaver.OpDiv:
			if b.Int == 0 {
				return weaver.None, m.throw(weaver.E_DIV), nil
			}
			return weaver.NewInt(a.Int / b.Int), nil, nil
		case weaver.OpMod:
			if b.Int == 0 {
				return weaver.None, m.throw(weaver.E_DIV), nil
			}
			return weaver.NewInt(a.Int % b.Int), nil, nil
		}
	case a.Type == weaver.TypeFloat && b.Type == weaver.TypeFloat:
		switch op {
		case weaver.OpAdd:
			return weaver.NewFloat(a.Float + b.Float), nil, nil
		case weaver.OpSub:
			return weaver.NewFloat(a.Float - b.Float), nil, nil
		case weaver.OpMul:
			return weaver.NewFloat(a.Float * b.Float), nil, nil
		case weaver.OpDiv:
			if b.Float == 0 {
				return weaver.None, m.throw(weaver.E_DIV), nil
			}
			return weaver.NewFloat(a.Float / b.Float), nil, nil
		case weaver.OpMod:
			return weaver.None, m.throw(weaver.E_TYPE), nil
		}
	case a.Type == weaver.TypeStr && b.Type == weaver.TypeStr && op == weaver.OpAdd:
		return weaver.NewStr(a.Str + b.Str), nil, nil
	case a.Type == weaver.TypeList && op == weaver.OpAdd:
		items := make([]weaver.Var, 0, len(a.List)+1)
		items = append(items, a.List...)
		items = append(items, b)
		return weaver.NewList(items...), nil, nil
	}
	return weaver.None, m.throw(weaver.E_TYPE), nil
}

func (m *Machine) compare(f *Frame, op weaver.Opcode) (weaver.Var, *raised, error) {
	b, ok1 := f.pop()
	a, ok2 := f.pop()
	if !ok1 || !ok2 {
		return weaver.None, nil, m.underflow(f, weaver.Instr{Op: op})
	}
	boolVar := func(v bool) weaver.Var {
		if v {
			return weaver.NewInt(1)
		}
		return weaver.NewInt(0)
	}
	switch op {
	case weaver.OpEq:
		return boolVar(a.Equal(b)), nil, nil
	case weaver.OpNe:
		return boolVar(!a.Equal(b)), nil, nil
	}
	// Ordering requires matching scalar types.
	if a.Type != b.Type {
		return weaver.None, m.throw(weaver.E_TYPE), nil
	}
	var cmp int
	switch a.Type {
	case weaver.TypeInt:
		cmp = compareOrdered(a.Int, b.Int)
	case weaver.TypeFloat:
		cmp = compareOrdered(a.Float, b.Float)
	case weaver.TypeStr:
		cmp = strings.Compare(a.Str, b.Str)
	case weaver.TypeObj:
		cmp = compareOrdered(a.Obj, b.Obj)
	case weaver.TypeErr:
		cmp = compareOrdered(a.Err, b.Err)
	default:
		return weaver.None, m.throw(weaver.E_TYPE), nil
	}
	switch op {
	case weaver.OpLt:
		return boolVar(cmp < 0), nil, nil
	case weaver.OpLe:
		return boolVar(cmp <= 0), nil, nil
	case weaver.OpGt:
		return boolVar(cmp > 0), nil, nil
	default:
		return boolVar(cmp >= 0), nil, nil
	}
}

func compareOrdered[T int64 | float64 | weaver.ObjID | weaver.ErrCode](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// index evaluates base[idx]. Lists and strings are 1-based.
func (m *Machine) index(base, idx weaver.Var) (weaver.Var, *raised) {
	switch base.Type {
	case weaver.TypeList:
		if idx.Type != weaver.TypeInt {
			return weaver.None, m.throw(weaver.E_TYPE)
		}
		if idx.Int < 1 || idx.Int > int64(len(base.List)) {
			return weaver.None, m.throw(weaver.E_RANGE)
		}
		return base.List[idx.Int-1], nil
	case weaver.TypeStr:
		if idx.Type != weaver.TypeInt {
			return weaver.None, m.throw(weaver.E_TYPE)
		}
		if idx.Int < 1 || idx.Int > int64(len(base.Str)) {
			return weaver.None, m.throw(weaver.E_RANGE)
		}
		return weaver.NewStr(string(base.Str[idx.Int-1])), nil
	case weaver.TypeMap:
		v, ok := base.MapGet(idx)
		if !ok {
			return weaver.None, m.throw(weaver.E_RANGE)
		}
		return v, nil
	default:
		return weaver.None, m.throw(weaver.E_TYPE)
	}
}

// suspendWake interprets suspend()'s delay argument: a non-negative number of
// seconds, or no value at all for an indefinite park.
func suspendWake(delay weaver.Var) (Wake, *raised) {
	switch delay.Type {
	case weaver.TypeNone:
		return Wake{Kind: WakeNever}, nil
	case weaver.TypeInt:
		if delay.Int < 0 {
			return Wake{}, &raised{code: weaver.E_INVARG, msg: weaver.E_INVARG.Message()}
		}
		return Wake{Kind: WakeTime, At: weaver.Now().Add(time.Duration(delay.Int) * time.Second)}, nil
	case weaver.TypeFloat:
		if delay.Float < 0 {
			return Wake{}, &raised{code: weaver.E_INVARG, msg: weaver.E_INVARG.Message()}
		}
		return Wake{Kind: WakeTime, At: weaver.Now().Add(time.Duration(delay.Float * float64(time.Second)))}, nil
	default:
		return Wake{}, &raised{code: weaver.E_TYPE, msg: weaver.E_TYPE.Message()}
	}
}

func forkDelay(delay weaver.Var) (time.Duration, *raised) {
	switch delay.Type {
	case weaver.TypeNone:
		return 0, nil
	case weaver.TypeInt:
		if delay.Int < 0 {
			return 0, &raised{code: weaver.E_INVARG, msg: weaver.E_INVARG.Message()}
		}
		return time.Duration(delay.Int) * time.Second, nil
	case weaver.TypeFloat:
		if delay.Float < 0 {
			return 0, &raised{code: weaver.E_INVARG, msg: weaver.E_INVARG.Message()}
		}
		return time.Duration(delay.Float * float64(time.Second)), nil
	default:
		return 0, &raised{code: weaver.E_TYPE, msg: weaver.E_TYPE.Message()}
	}
}

// display renders a Var for session output: strings unquoted, everything else
// in literal form.
func display(v weaver.Var) string {
	if v.Type == weaver.TypeStr {
		return v.Str
	}
	return v.String()
}
