package weaver

// Compiled program representation. The compiler front end that produces these
// is out of scope for the kernel; everything here is data the VM executes and
// the scheduler serializes when parking a suspended task. The instruction set
// is deliberately flat: one opcode plus one integer operand per instruction,
// so a frame's continuation is fully captured by its program counter, stack,
// and environment.

// Opcode identifies a VM instruction.
type Opcode int32

const (
	OpNoop Opcode = iota
	// OpPush pushes literal at operand index.
	OpPush
	// OpLoad pushes the variable at slot operand.
	OpLoad
	// OpStore pops into the variable at slot operand.
	OpStore
	OpPop
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpNot
	// OpJump sets pc to operand.
	OpJump
	// OpJumpIfFalse pops; sets pc to operand when falsy.
	OpJumpIfFalse
	// OpMakeList pops operand values and pushes them as a list (first-popped last).
	OpMakeList
	// OpIndex pops index then base; pushes base[index] (1-based on lists).
	OpIndex
	// OpGetProp pops name then object ref; pushes the effective property value.
	OpGetProp
	// OpPutProp pops value, name, object ref; writes the property and pushes value.
	OpPutProp
	// OpCallVerb pops args list, verb name, object ref; pushes the callee's
	// return value via a new frame.
	OpCallVerb
	// OpCallBuiltin pops an args list and invokes builtin id = operand.
	OpCallBuiltin
	// OpReturn pops the return value and unwinds the current frame.
	OpReturn
	// OpReturn0 returns integer 0.
	OpReturn0
	// OpRaise pops an error value and raises it.
	OpRaise
	// OpSuspend pops a seconds count (or none) and requests suspension; the
	// resume value is pushed when the task wakes.
	OpSuspend
	// OpRead requests suspension awaiting caller input; the delivered line is
	// pushed when the task wakes.
	OpRead
	// OpFork pops a delay and requests a child task running the fork body at
	// operand index; pushes the child task id placeholder (0 until commit).
	OpFork
	// OpNotify pops text then player ref and buffers session output for
	// delivery after commit.
	OpNotify
)

// Instr is one VM instruction.
type Instr struct {
	Op      Opcode `json:"op"`
	Operand int32  `json:"operand,omitempty"`
}

// Handler is one entry of a frame's exception-handler table. A raised error
// with a matching code whose pc lies in [Start, End) transfers control to
// Target with the error value stored in variable slot Slot. Empty Codes
// matches any error.
type Handler struct {
	Codes  []ErrCode `json:"codes,omitempty"`
	Start  int32     `json:"start"`
	End    int32     `json:"end"`
	Target int32     `json:"target"`
	Slot   int32     `json:"slot"`
}

// Matches reports whether the handler covers pc and code.
func (h Handler) Matches(pc int32, code ErrCode) bool {
	if pc < h.Start || pc >= h.End {
		return false
	}
	if len(h.Codes) == 0 {
		return true
	}
	for _, c := range h.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// Program is one compiled verb body.
type Program struct {
	Code     []Instr   `json:"code"`
	Literals []Var     `json:"literals,omitempty"`
	// VarNames maps variable slots to source names, for tracebacks.
	VarNames []string  `json:"var_names,omitempty"`
	Handlers []Handler `json:"handlers,omitempty"`
	// Forks holds the bodies of fork statements, referenced by OpFork operand.
	Forks []*Program `json:"forks,omitempty"`
}

// NumSlots returns the environment size a frame executing this program needs.
func (p *Program) NumSlots() int { return len(p.VarNames) }

// Builtin function ids for OpCallBuiltin operands.
const (
	BfTypeof int32 = iota
	BfLength
	BfTostr
	BfToint
	BfRaise
	BfValid
	BfCreate
	BfRecycle
	BfParent
	BfChildren
	BfTicksLeft
	BfSecondsLeft
	BfTaskID
	BfListAppend
	BfSetAdd
)

// BuiltinNames maps builtin ids to their language-level names.
var BuiltinNames = []string{
	"typeof", "length", "tostr", "toint", "raise", "valid", "create",
	"recycle", "parent", "children", "ticks_left", "seconds_left",
	"task_id", "listappend", "setadd",
}
