package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mudworks/weaver"
	"github.com/mudworks/weaver/store"
	"github.com/mudworks/weaver/transaction"
)

// newWorld builds a store with object #0 carrying the given verbs plus the
// props the test programs touch.
func newWorld(t *testing.T, verbs map[string]*weaver.Program) *store.Store {
	t.Helper()
	s := store.New()
	vs := &weaver.VerbSet{}
	for name, prog := range verbs {
		vs.Verbs = append(vs.Verbs, weaver.Verb{Names: []string{name}, Owner: 0, Program: prog})
	}
	_, err := s.Propose(map[store.Key]uint64{}, []store.Write{
		{Key: store.MetaKey(0), Value: &weaver.ObjMeta{ID: 0, Parent: weaver.Nothing, Owner: 0}},
		{Key: store.VerbsKey(0), Value: vs},
		{Key: store.PropKey(0, "hp"), Value: weaver.Property{Name: "hp", Value: weaver.NewInt(10), Definer: 0, Owner: 0}},
		{Key: store.PropKey(0, "counter"), Value: weaver.Property{Name: "counter", Value: weaver.NewInt(0), Definer: 0, Owner: 0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// submitWait submits req and returns a channel carrying the terminal outcome;
// the non-terminal still-suspended event is filtered out.
func submitWait(t *testing.T, sched *Scheduler, req Request) (uint64, chan Outcome) {
	t.Helper()
	ch := make(chan Outcome, 1)
	req.Done = func(o Outcome) {
		if !o.StillSuspended {
			ch <- o
		}
	}
	id, err := sched.Submit(req)
	if err != nil {
		t.Fatal(err)
	}
	return id, ch
}

func awaitOutcome(t *testing.T, ch chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish in time")
		return Outcome{}
	}
}

// awaitSuspended polls until the task parks with the given wake kind.
func awaitSuspended(t *testing.T, sched *Scheduler, id uint64, wakeKind string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, info := range sched.ListTasks() {
			if info.ID == id && info.State == "suspended" && info.WakeKind == wakeKind {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %d never suspended awaiting %s", id, wakeKind)
}

func readProp(t *testing.T, s *store.Store, name string) weaver.Var {
	t.Helper()
	p, _, found, err := transaction.Begin(s).EffectiveProp(0, name)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		return weaver.None
	}
	return p.Value
}

// setHP writes #0.hp = 42 and returns it.
func setHPProg() *weaver.Program {
	return &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpPush, Operand: 1},
			{Op: weaver.OpPush, Operand: 2},
			{Op: weaver.OpPutProp},
			{Op: weaver.OpReturn},
		},
		Literals: []weaver.Var{weaver.NewObjVar(0), weaver.NewStr("hp"), weaver.NewInt(42)},
	}
}

// incProg adds 1 to #0.counter.
func incProg() *weaver.Program {
	return &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpPush, Operand: 1},
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpPush, Operand: 1},
			{Op: weaver.OpGetProp},
			{Op: weaver.OpPush, Operand: 2},
			{Op: weaver.OpAdd},
			{Op: weaver.OpPutProp},
			{Op: weaver.OpReturn},
		},
		Literals: []weaver.Var{weaver.NewObjVar(0), weaver.NewStr("counter"), weaver.NewInt(1)},
	}
}

func TestSubmitRunsAndCommits(t *testing.T) {
	s := newWorld(t, map[string]*weaver.Program{"sethp": setHPProg()})
	sched := New(context.Background(), s, weaver.SchedulerOptions{})
	defer sched.Shutdown()

	_, ch := submitWait(t, sched, Request{This: 0, Player: 0, Verb: "sethp"})
	out := awaitOutcome(t, ch)
	if !out.Committed || out.Value.Int != 42 {
		t.Fatalf("outcome = %+v, want committed 42", out)
	}
	if out.Version == 0 {
		t.Error("committed outcome should carry the commit version")
	}
	if got := readProp(t, s, "hp"); got.Int != 42 {
		t.Errorf("hp = %v after commit, want 42", got)
	}
	if recent := sched.RecentOutcomes(); len(recent) != 1 || recent[0].TaskID != out.TaskID {
		t.Errorf("recent outcomes = %+v", recent)
	}
}

func TestUnknownVerbAborts(t *testing.T) {
	s := newWorld(t, nil)
	sched := New(context.Background(), s, weaver.SchedulerOptions{})
	defer sched.Shutdown()

	_, ch := submitWait(t, sched, Request{This: 0, Player: 0, Verb: "dance"})
	out := awaitOutcome(t, ch)
	if out.Committed || out.Abort != AbortError {
		t.Fatalf("outcome = %+v, want verb-not-found abort", out)
	}
	if !strings.Contains(out.Traceback[0], "E_VERBNF") {
		t.Errorf("traceback = %v", out.Traceback)
	}
}

func TestUncaughtErrorDropsWrites(t *testing.T) {
	boom := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpPush, Operand: 1},
			{Op: weaver.OpPush, Operand: 2},
			{Op: weaver.OpPutProp},
			{Op: weaver.OpPop},
			{Op: weaver.OpPush, Operand: 3},
			{Op: weaver.OpRaise},
			{Op: weaver.OpReturn0},
		},
		Literals: []weaver.Var{
			weaver.NewObjVar(0), weaver.NewStr("hp"), weaver.NewInt(99),
			weaver.NewErrVar(weaver.E_PERM),
		},
	}
	s := newWorld(t, map[string]*weaver.Program{"boom": boom})
	sched := New(context.Background(), s, weaver.SchedulerOptions{})
	defer sched.Shutdown()

	_, ch := submitWait(t, sched, Request{This: 0, Player: 0, Verb: "boom"})
	out := awaitOutcome(t, ch)
	if out.Committed || out.Abort != AbortError {
		t.Fatalf("outcome = %+v, want error abort", out)
	}
	if len(out.Traceback) == 0 || !strings.Contains(out.Traceback[0], "E_PERM") {
		t.Errorf("traceback = %v", out.Traceback)
	}
	if got := readProp(t, s, "hp"); got.Int != 10 {
		t.Errorf("aborted task's write leaked: hp = %v", got)
	}
}

func TestConcurrentIncrementsAllCommit(t *testing.T) {
	const n = 8
	s := newWorld(t, map[string]*weaver.Program{"inc": incProg()})
	sched := New(context.Background(), s, weaver.SchedulerOptions{
		Workers:          4,
		MaxCommitRetries: 100,
	})
	defer sched.Shutdown()

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed := 0
	wg.Add(n)
	for i := 0; i < n; i++ {
		_, err := sched.Submit(Request{This: 0, Player: 0, Verb: "inc", Done: func(o Outcome) {
			mu.Lock()
			if o.Committed {
				committed++
			}
			mu.Unlock()
			wg.Done()
		}})
		if err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	if committed != n {
		t.Fatalf("%d of %d increments committed", committed, n)
	}
	if got := readProp(t, s, "counter"); got.Int != n {
		t.Errorf("counter = %v, want %d; a conflicting commit was lost", got, n)
	}
}

func TestSuspendResumeDeliversValue(t *testing.T) {
	nap := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpSuspend},
			{Op: weaver.OpReturn},
		},
		Literals: []weaver.Var{weaver.None},
	}
	s := newWorld(t, map[string]*weaver.Program{"nap": nap})
	sched := New(context.Background(), s, weaver.SchedulerOptions{})
	defer sched.Shutdown()

	id, ch := submitWait(t, sched, Request{This: 0, Player: 0, Verb: "nap"})
	awaitSuspended(t, sched, id, "never")

	// Input delivery stays strict: only input-waiting tasks accept it.
	if err := sched.DeliverInput(id, "hello"); err == nil {
		t.Error("input delivery should refuse a task not awaiting input")
	}
	if err := sched.ResumeTask(id, weaver.NewInt(77)); err != nil {
		t.Fatal(err)
	}
	out := awaitOutcome(t, ch)
	if !out.Committed || out.Value.Int != 77 {
		t.Errorf("outcome = %+v, want committed 77", out)
	}
}

func TestResumedTaskSeesCommitsWhileAsleep(t *testing.T) {
	// Sleeps, then reads #0.flag for the first time after waking.
	peek := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpSuspend},
			{Op: weaver.OpPop},
			{Op: weaver.OpPush, Operand: 1},
			{Op: weaver.OpPush, Operand: 2},
			{Op: weaver.OpGetProp},
			{Op: weaver.OpReturn},
		},
		Literals: []weaver.Var{weaver.None, weaver.NewObjVar(0), weaver.NewStr("flag")},
	}
	s := newWorld(t, map[string]*weaver.Program{"peek": peek})
	sched := New(context.Background(), s, weaver.SchedulerOptions{})
	defer sched.Shutdown()

	id, ch := submitWait(t, sched, Request{This: 0, Player: 0, Verb: "peek"})
	awaitSuspended(t, sched, id, "never")

	// Committed while the task sleeps; its advanced horizon must observe it.
	if _, err := s.Propose(map[store.Key]uint64{}, []store.Write{
		{Key: store.PropKey(0, "flag"), Value: weaver.Property{Name: "flag", Value: weaver.NewInt(7), Definer: 0, Owner: 0}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := sched.ResumeTask(id, weaver.NewInt(0)); err != nil {
		t.Fatal(err)
	}
	out := awaitOutcome(t, ch)
	if !out.Committed || out.Value.Int != 7 {
		t.Errorf("outcome = %+v, want the flag committed during the nap", out)
	}
}

func TestDeliverInput(t *testing.T) {
	listen := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpRead},
			{Op: weaver.OpReturn},
		},
	}
	s := newWorld(t, map[string]*weaver.Program{"listen": listen})
	sched := New(context.Background(), s, weaver.SchedulerOptions{})
	defer sched.Shutdown()

	id, ch := submitWait(t, sched, Request{This: 0, Player: 0, Verb: "listen"})
	awaitSuspended(t, sched, id, "input")

	if err := sched.DeliverInput(id, "go north"); err != nil {
		t.Fatal(err)
	}
	out := awaitOutcome(t, ch)
	if !out.Committed || out.Value.Str != "go north" {
		t.Errorf("outcome = %+v, want the delivered line", out)
	}
}

func TestTimedSuspendWakesItself(t *testing.T) {
	nap := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpSuspend},
			{Op: weaver.OpReturn},
		},
		Literals: []weaver.Var{weaver.NewFloat(0.01)},
	}
	s := newWorld(t, map[string]*weaver.Program{"nap": nap})
	sched := New(context.Background(), s, weaver.SchedulerOptions{})
	defer sched.Shutdown()

	_, ch := submitWait(t, sched, Request{This: 0, Player: 0, Verb: "nap"})
	out := awaitOutcome(t, ch)
	if !out.Committed || out.Value.Int != 0 {
		t.Errorf("outcome = %+v, want timer wake with value 0", out)
	}
}

func TestKillSuspendedDropsWrites(t *testing.T) {
	napwrite := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpPush, Operand: 1},
			{Op: weaver.OpPush, Operand: 2},
			{Op: weaver.OpPutProp},
			{Op: weaver.OpPop},
			{Op: weaver.OpPush, Operand: 3},
			{Op: weaver.OpSuspend},
			{Op: weaver.OpReturn},
		},
		Literals: []weaver.Var{weaver.NewObjVar(0), weaver.NewStr("hp"), weaver.NewInt(5), weaver.None},
	}
	s := newWorld(t, map[string]*weaver.Program{"napwrite": napwrite})
	sched := New(context.Background(), s, weaver.SchedulerOptions{})
	defer sched.Shutdown()

	id, ch := submitWait(t, sched, Request{This: 0, Player: 0, Verb: "napwrite"})
	awaitSuspended(t, sched, id, "never")

	if err := sched.Kill(id); err != nil {
		t.Fatal(err)
	}
	out := awaitOutcome(t, ch)
	if out.Committed || out.Abort != AbortKilled {
		t.Fatalf("outcome = %+v, want killed", out)
	}
	if got := readProp(t, s, "hp"); got.Int != 10 {
		t.Errorf("killed task's write leaked: hp = %v", got)
	}
	if err := sched.Kill(id); err == nil {
		t.Error("killing a finished task should fail")
	}
}

type recordingSession struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSession) Notify(player weaver.ObjID, text string) {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	r.mu.Unlock()
}

func (r *recordingSession) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestOutputDeliveredOnlyAfterCommit(t *testing.T) {
	say := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpPush, Operand: 1},
			{Op: weaver.OpNotify},
			{Op: weaver.OpPop},
			{Op: weaver.OpReturn0},
		},
		Literals: []weaver.Var{weaver.NewObjVar(0), weaver.NewStr("hello there")},
	}
	shout := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpPush, Operand: 1},
			{Op: weaver.OpNotify},
			{Op: weaver.OpPop},
			{Op: weaver.OpPush, Operand: 2},
			{Op: weaver.OpRaise},
			{Op: weaver.OpReturn0},
		},
		Literals: []weaver.Var{weaver.NewObjVar(0), weaver.NewStr("never seen"), weaver.NewErrVar(weaver.E_PERM)},
	}
	s := newWorld(t, map[string]*weaver.Program{"say": say, "shout": shout})
	sched := New(context.Background(), s, weaver.SchedulerOptions{})
	defer sched.Shutdown()

	sess := &recordingSession{}
	_, ch := submitWait(t, sched, Request{This: 0, Player: 0, Verb: "say", Session: sess})
	if out := awaitOutcome(t, ch); !out.Committed {
		t.Fatalf("say aborted: %+v", out)
	}
	if lines := sess.all(); len(lines) != 1 || lines[0] != "hello there" {
		t.Errorf("committed output = %v", lines)
	}

	_, ch = submitWait(t, sched, Request{This: 0, Player: 0, Verb: "shout", Session: sess})
	if out := awaitOutcome(t, ch); out.Committed {
		t.Fatalf("shout should abort: %+v", out)
	}
	if lines := sess.all(); len(lines) != 1 {
		t.Errorf("aborted task's output leaked: %v", lines)
	}
}

func TestForkChildRunsAfterParentCommit(t *testing.T) {
	body := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpPush, Operand: 1},
			{Op: weaver.OpPush, Operand: 2},
			{Op: weaver.OpPutProp},
			{Op: weaver.OpReturn},
		},
		Literals: []weaver.Var{weaver.NewObjVar(0), weaver.NewStr("forked"), weaver.NewInt(1)},
	}
	spawn := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpFork, Operand: 0},
			{Op: weaver.OpPop},
			{Op: weaver.OpReturn0},
		},
		Literals: []weaver.Var{weaver.NewInt(0)},
		Forks:    []*weaver.Program{body},
	}
	s := newWorld(t, map[string]*weaver.Program{"spawn": spawn})
	sched := New(context.Background(), s, weaver.SchedulerOptions{})
	defer sched.Shutdown()

	_, ch := submitWait(t, sched, Request{This: 0, Player: 0, Verb: "spawn"})
	if out := awaitOutcome(t, ch); !out.Committed {
		t.Fatalf("parent aborted: %+v", out)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if readProp(t, s, "forked").Int == 1 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("fork child never committed its write")
}

func TestForkInAbortedTaskNeverRuns(t *testing.T) {
	body := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpPush, Operand: 1},
			{Op: weaver.OpPush, Operand: 2},
			{Op: weaver.OpPutProp},
			{Op: weaver.OpReturn},
		},
		Literals: []weaver.Var{weaver.NewObjVar(0), weaver.NewStr("forked"), weaver.NewInt(1)},
	}
	spawnBoom := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpFork, Operand: 0},
			{Op: weaver.OpPop},
			{Op: weaver.OpPush, Operand: 1},
			{Op: weaver.OpRaise},
			{Op: weaver.OpReturn0},
		},
		Literals: []weaver.Var{weaver.NewInt(0), weaver.NewErrVar(weaver.E_PERM)},
		Forks:    []*weaver.Program{body},
	}
	s := newWorld(t, map[string]*weaver.Program{"spawnboom": spawnBoom})
	sched := New(context.Background(), s, weaver.SchedulerOptions{})
	defer sched.Shutdown()

	_, ch := submitWait(t, sched, Request{This: 0, Player: 0, Verb: "spawnboom"})
	if out := awaitOutcome(t, ch); out.Committed {
		t.Fatalf("spawnboom should abort: %+v", out)
	}
	time.Sleep(50 * time.Millisecond)
	if got := readProp(t, s, "forked"); got.Type != weaver.TypeNone {
		t.Errorf("aborted task's fork ran: forked = %v", got)
	}
}

func TestTickBudgetAborts(t *testing.T) {
	spin := &weaver.Program{
		Code: []weaver.Instr{{Op: weaver.OpJump, Operand: 0}},
	}
	s := newWorld(t, map[string]*weaver.Program{"spin": spin})
	sched := New(context.Background(), s, weaver.SchedulerOptions{FgTicks: 200})
	defer sched.Shutdown()

	_, ch := submitWait(t, sched, Request{This: 0, Player: 0, Verb: "spin"})
	out := awaitOutcome(t, ch)
	if out.Committed || out.Abort != AbortTicks {
		t.Errorf("outcome = %+v, want out-of-ticks abort", out)
	}
	var ke weaver.Error
	if err := out.KernelError(); !errors.As(err, &ke) || ke.Code != weaver.QuotaExceeded {
		t.Errorf("kernel classification = %v, want quota exceeded", err)
	}
}

func TestResumeWakesTimedSuspendEarly(t *testing.T) {
	// Sleeps an hour; the explicit resume must not wait for the timer.
	longNap := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpSuspend},
			{Op: weaver.OpReturn},
		},
		Literals: []weaver.Var{weaver.NewInt(3600)},
	}
	s := newWorld(t, map[string]*weaver.Program{"longnap": longNap})
	sched := New(context.Background(), s, weaver.SchedulerOptions{})
	defer sched.Shutdown()

	id, ch := submitWait(t, sched, Request{This: 0, Player: 0, Verb: "longnap"})
	awaitSuspended(t, sched, id, "time")

	if err := sched.ResumeTask(id, weaver.NewInt(5)); err != nil {
		t.Fatal(err)
	}
	out := awaitOutcome(t, ch)
	if !out.Committed || out.Value.Int != 5 {
		t.Errorf("outcome = %+v, want committed 5 from the early resume", out)
	}
}

func TestResumeWakesInputSuspend(t *testing.T) {
	listen := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpRead},
			{Op: weaver.OpReturn},
		},
	}
	s := newWorld(t, map[string]*weaver.Program{"listen": listen})
	sched := New(context.Background(), s, weaver.SchedulerOptions{})
	defer sched.Shutdown()

	id, ch := submitWait(t, sched, Request{This: 0, Player: 0, Verb: "listen"})
	awaitSuspended(t, sched, id, "input")

	if err := sched.ResumeTask(id, weaver.NewInt(9)); err != nil {
		t.Fatal(err)
	}
	out := awaitOutcome(t, ch)
	if !out.Committed || out.Value.Int != 9 {
		t.Errorf("outcome = %+v, want committed 9 from the explicit resume", out)
	}
}

func TestSuspensionEventReachesSubmitter(t *testing.T) {
	nap := &weaver.Program{
		Code: []weaver.Instr{
			{Op: weaver.OpPush, Operand: 0},
			{Op: weaver.OpSuspend},
			{Op: weaver.OpReturn},
		},
		Literals: []weaver.Var{weaver.None},
	}
	s := newWorld(t, map[string]*weaver.Program{"nap": nap})
	sched := New(context.Background(), s, weaver.SchedulerOptions{})
	defer sched.Shutdown()

	events := make(chan Outcome, 4)
	id, err := sched.Submit(Request{This: 0, Player: 0, Verb: "nap", Done: func(o Outcome) { events <- o }})
	if err != nil {
		t.Fatal(err)
	}

	first := awaitOutcome(t, events)
	if !first.StillSuspended || first.TaskID != id {
		t.Fatalf("first event = %+v, want a still-suspended notification", first)
	}
	if first.Committed || first.KernelError() != nil {
		t.Errorf("still-suspended event misclassified: %+v", first)
	}

	if err := sched.ResumeTask(id, weaver.NewInt(1)); err != nil {
		t.Fatal(err)
	}
	second := awaitOutcome(t, events)
	if second.StillSuspended || !second.Committed || second.Value.Int != 1 {
		t.Fatalf("second event = %+v, want the terminal commit", second)
	}
	select {
	case extra := <-events:
		t.Errorf("unexpected extra event: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOutcomeKernelErrorClassification(t *testing.T) {
	cases := []struct {
		abort AbortKind
		code  weaver.ErrorCode
	}{
		{AbortConflict, weaver.TooManyRetries},
		{AbortTicks, weaver.QuotaExceeded},
		{AbortSeconds, weaver.QuotaExceeded},
		{AbortKilled, weaver.TaskKilled},
		{AbortError, weaver.Unknown},
		{AbortInternal, weaver.Unknown},
	}
	for _, tc := range cases {
		out := Outcome{TaskID: 1, Abort: tc.abort, Message: "x"}
		var ke weaver.Error
		if err := out.KernelError(); !errors.As(err, &ke) || ke.Code != tc.code {
			t.Errorf("%v classified as %v, want code %d", tc.abort, err, tc.code)
		}
	}
	if err := (Outcome{Committed: true}).KernelError(); err != nil {
		t.Errorf("committed outcome classified as %v", err)
	}
}
