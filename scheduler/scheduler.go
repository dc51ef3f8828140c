// Package scheduler owns the task lifecycle: queueing, execution inside a
// transaction, suspension and wakeup, commit with bounded conflict retries,
// and exactly-once outcome delivery. Workers never block on a suspended task;
// parking a task is storing its machine state and returning the goroutine to
// the pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mudworks/weaver"
	"github.com/mudworks/weaver/store"
	"github.com/mudworks/weaver/transaction"
	"github.com/mudworks/weaver/vm"
)

// recentOutcomeCap bounds the ring of finished-task outcomes kept for the
// admin surface.
const recentOutcomeCap = 128

// Scheduler runs tasks against one store.
type Scheduler struct {
	store  *store.Store
	opts   weaver.SchedulerOptions
	runner *weaver.TaskRunner

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[uint64]*Task
	recent []Outcome
	nextID uint64
	closed bool
}

// New builds a scheduler. Tasks start executing as soon as they are submitted;
// Shutdown stops intake and waits for in-flight attempts.
func New(ctx context.Context, s *store.Store, opts weaver.SchedulerOptions) *Scheduler {
	opts = opts.Normalize()
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		store:  s,
		opts:   opts,
		runner: weaver.NewTaskRunner(ctx, opts.Workers),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[uint64]*Task),
	}
}

// Submit queues a top-level verb-call task and returns its id.
func (s *Scheduler) Submit(req Request) (uint64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, fmt.Errorf("scheduler is shut down")
	}
	s.nextID++
	t := &Task{
		ID:        s.nextID,
		state:     TaskQueued,
		req:       req,
		createdAt: weaver.Now(),
	}
	s.tasks[t.ID] = t
	s.mu.Unlock()

	s.runner.Go(func() error {
		s.execute(t)
		return nil
	})
	return t.ID, nil
}

// Kill terminates the task. Running attempts are cancelled at the next
// cooperative checkpoint; queued and suspended tasks die immediately. Nothing
// the task wrote becomes visible.
func (s *Scheduler) Kill(id uint64) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such task %d", id)
	}

	t.mu.Lock()
	t.killed = true
	state := t.state
	cancel := t.runCancel
	t.mu.Unlock()

	switch state {
	case TaskSuspended, TaskQueued, TaskRetrying:
		// Nobody is executing it; finalize here. Its transaction holds no locks
		// and its writes were never visible, so dropping it is a rollback.
		s.finish(t, Outcome{
			TaskID:  t.ID,
			Abort:   AbortKilled,
			Message: "task killed",
			EndedAt: weaver.Now(),
		})
	default:
		if cancel != nil {
			cancel()
		}
	}
	return nil
}

// wakeAny matches every wake condition. Explicit resumes use it so operators
// can wake time- and input-suspended tasks early.
const wakeAny vm.WakeKind = -1

// ResumeTask wakes a suspended task regardless of its wake condition, handing
// it value as the result of its suspend(). A pending wake timer is disarmed.
func (s *Scheduler) ResumeTask(id uint64, value weaver.Var) error {
	return s.wakeSuspended(id, value, wakeAny)
}

// DeliverInput wakes a task suspended awaiting input, handing it line.
func (s *Scheduler) DeliverInput(id uint64, line string) error {
	return s.wakeSuspended(id, weaver.NewStr(line), vm.WakeInput)
}

// ListTasks returns a snapshot of all live tasks, ordered by id.
func (s *Scheduler) ListTasks() []TaskInfo {
	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecentOutcomes returns the newest finished-task outcomes, newest last.
func (s *Scheduler) RecentOutcomes() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Outcome, len(s.recent))
	copy(out, s.recent)
	return out
}

// Shutdown stops intake, cancels running attempts, and waits for workers.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return s.runner.Wait()
}

// execute runs task segments on a worker goroutine until the task parks or
// finishes. A segment spans from (re)entry to suspension, commit, or abort.
func (s *Scheduler) execute(t *Task) {
	for {
		t.mu.Lock()
		if t.killed {
			t.mu.Unlock()
			s.finish(t, Outcome{TaskID: t.ID, Abort: AbortKilled, Message: "task killed", EndedAt: weaver.Now()})
			return
		}
		t.state = TaskRunning
		runCtx, cancel := context.WithCancel(s.ctx)
		t.runCancel = cancel
		fresh := t.machine == nil
		t.mu.Unlock()

		if fresh {
			if ok, err := s.beginAttempt(t); err != nil {
				s.finish(t, Outcome{TaskID: t.ID, Abort: AbortInternal, Message: err.Error(), EndedAt: weaver.Now()})
				cancel()
				return
			} else if !ok {
				s.finish(t, Outcome{
					TaskID:    t.ID,
					Abort:     AbortError,
					Message:   weaver.E_VERBNF.Message(),
					Traceback: []string{fmt.Sprintf("%s: %s %s:%s", weaver.E_VERBNF.Label(), weaver.E_VERBNF.Message(), t.req.This, t.req.Verb)},
					EndedAt:   weaver.Now(),
				})
				cancel()
				return
			}
		}

		out, err := t.machine.m.Run(runCtx)
		cancel()
		if err != nil {
			t.machine.txn.Rollback(s.ctx)
			s.finish(t, Outcome{TaskID: t.ID, Abort: AbortInternal, Message: err.Error(), EndedAt: weaver.Now()})
			return
		}

		switch out.Kind {
		case vm.OutcomeSuspended:
			// Replayed input short-circuits the park during a retry.
			if t.replayIdx < len(t.inputLog) {
				t.machine.m.Resume(t.inputLog[t.replayIdx])
				t.replayIdx++
				continue
			}
			s.park(t, out.Wake)
			return

		case vm.OutcomeComplete:
			done, retry := s.commit(t, out.Value)
			if done {
				return
			}
			if !retry {
				return
			}
			continue

		case vm.OutcomeError:
			t.machine.txn.Rollback(s.ctx)
			s.finish(t, Outcome{
				TaskID:    t.ID,
				Abort:     AbortError,
				Message:   out.Traceback[0],
				Traceback: out.Traceback,
				EndedAt:   weaver.Now(),
			})
			return

		case vm.OutcomeTicksExhausted:
			t.machine.txn.Rollback(s.ctx)
			s.finish(t, Outcome{TaskID: t.ID, Abort: AbortTicks, Message: "task ran out of ticks", EndedAt: weaver.Now()})
			return

		case vm.OutcomeSecondsExhausted:
			t.machine.txn.Rollback(s.ctx)
			s.finish(t, Outcome{TaskID: t.ID, Abort: AbortSeconds, Message: "task ran out of seconds", EndedAt: weaver.Now()})
			return

		case vm.OutcomeKilled:
			t.machine.txn.Rollback(s.ctx)
			s.finish(t, Outcome{TaskID: t.ID, Abort: AbortKilled, Message: "task killed", EndedAt: weaver.Now()})
			return
		}
	}
}

// beginAttempt opens a fresh transaction and machine for the task and pushes
// its entry activation. ok is false when the entry verb does not resolve.
func (s *Scheduler) beginAttempt(t *Task) (bool, error) {
	t.attempt++
	t.replayIdx = 0
	t.output = nil

	txn := transaction.Begin(s.store)
	ticks, seconds := s.budgets(t.req.Background || t.forkBody != nil)
	m := vm.New(vm.Config{
		TaskID:        t.ID,
		Txn:           txn,
		Ticks:         ticks,
		Deadline:      weaver.Now().Add(seconds),
		MaxStackDepth: s.opts.MaxStackDepth,
		Notify: func(player weaver.ObjID, text string) {
			t.output = append(t.output, outputLine{Player: player, Text: text})
		},
	})
	if t.forkBody != nil {
		m.PushProgram(t.forkBody, t.req.This, t.req.Player, t.definer, t.req.Verb, t.forkEnv)
	} else {
		ok, err := m.PushCall(t.req.This, t.req.Player, t.req.Verb, t.req.Args)
		if err != nil || !ok {
			txn.Rollback(s.ctx)
			return false, err
		}
	}
	t.machine = &transactionMachine{m: m, txn: txn}
	return true, nil
}

// commit drives the task's transaction through both phases. done means the
// task finished (either way); retry means the caller should re-execute.
func (s *Scheduler) commit(t *Task, value weaver.Var) (done, retry bool) {
	t.mu.Lock()
	if t.killed {
		t.mu.Unlock()
		t.machine.txn.Rollback(s.ctx)
		s.finish(t, Outcome{TaskID: t.ID, Abort: AbortKilled, Message: "task killed", EndedAt: weaver.Now()})
		return true, false
	}
	t.state = TaskCommitting
	t.mu.Unlock()
	txn := t.machine.txn

	// Session output and fork children materialize only if the commit does.
	output := t.output
	forks := t.machine.m.Forks()
	txn.OnCommit(func(ctx context.Context) error {
		if t.req.Session != nil {
			for _, line := range output {
				t.req.Session.Notify(line.Player, line.Text)
			}
		}
		for _, fr := range forks {
			s.spawnFork(t, fr)
		}
		return nil
	})

	err := txn.Commit(s.ctx)
	if err == nil {
		s.finish(t, Outcome{
			TaskID:    t.ID,
			Committed: true,
			Value:     value,
			Version:   txn.CommittedVersion(),
			EndedAt:   weaver.Now(),
		})
		return true, false
	}

	var ke weaver.Error
	if errors.As(err, &ke) && ke.Code == weaver.CommitConflict {
		if t.attempt < s.opts.MaxCommitRetries {
			log.Debug("commit conflict, retrying task", "task", t.ID, "attempt", t.attempt, "details", err)
			t.machine = nil
			t.setState(TaskRetrying)
			weaver.RandomSleep(s.ctx)
			return false, true
		}
		s.finish(t, Outcome{
			TaskID:  t.ID,
			Abort:   AbortConflict,
			Message: fmt.Sprintf("gave up after %d conflicting attempts", t.attempt),
			EndedAt: weaver.Now(),
		})
		return true, false
	}

	log.Error("task commit failed", "task", t.ID, "details", err)
	s.finish(t, Outcome{TaskID: t.ID, Abort: AbortInternal, Message: err.Error(), EndedAt: weaver.Now()})
	return true, false
}

// park records the wake condition and releases the worker. Time wakes arm a
// timer; input and explicit wakes wait for their external event. The first
// park notifies the submitter that the task is still suspended, before any
// timer can race a terminal outcome past it.
func (s *Scheduler) park(t *Task, wake vm.Wake) {
	t.mu.Lock()
	if t.killed {
		t.mu.Unlock()
		s.finish(t, Outcome{TaskID: t.ID, Abort: AbortKilled, Message: "task killed", EndedAt: weaver.Now()})
		return
	}
	t.state = TaskSuspended
	t.wake = wake
	notify := !t.suspendNotified && t.req.Done != nil
	t.suspendNotified = true
	t.mu.Unlock()

	if notify {
		t.req.Done(Outcome{TaskID: t.ID, StillSuspended: true, EndedAt: weaver.Now()})
	}

	if wake.Kind == vm.WakeTime {
		t.mu.Lock()
		// Skip arming when a kill or explicit resume slipped in meanwhile.
		if t.state == TaskSuspended && t.wakeTimer == nil {
			delay := wake.At.Sub(weaver.Now())
			if delay < 0 {
				delay = 0
			}
			t.wakeTimer = time.AfterFunc(delay, func() {
				if err := s.wakeSuspended(t.ID, weaver.NewInt(0), vm.WakeTime); err != nil {
					log.Debug("timer wake skipped", "task", t.ID, "details", err)
				}
			})
		}
		t.mu.Unlock()
	}
	log.Debug("task suspended", "task", t.ID, "wake", wake.Kind)
}

// wakeSuspended transitions a suspended task back to the queue with value as
// its resume result. The task's read horizon advances to the store's current
// version, so keys it has not yet touched observe commits that happened while
// it slept.
func (s *Scheduler) wakeSuspended(id uint64, value weaver.Var, kind vm.WakeKind) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such task %d", id)
	}

	t.mu.Lock()
	if t.state != TaskSuspended {
		t.mu.Unlock()
		return fmt.Errorf("task %d is %s, not suspended", id, t.state)
	}
	if kind != wakeAny && t.wake.Kind != kind {
		t.mu.Unlock()
		return fmt.Errorf("task %d awaits a %v wake, not %v", id, t.wake.Kind, kind)
	}
	if t.wakeTimer != nil {
		t.wakeTimer.Stop()
		t.wakeTimer = nil
	}
	t.inputLog = append(t.inputLog, value)
	t.replayIdx = len(t.inputLog)

	ticks, seconds := s.budgets(true)
	t.machine.txn.AdvanceReadHorizon(s.store.CurrentVersion())
	t.machine.m.Resume(value)
	t.machine.m.SetTicks(ticks)
	t.machine.m.SetDeadline(weaver.Now().Add(seconds))
	t.state = TaskQueued
	t.mu.Unlock()

	s.runner.Go(func() error {
		s.execute(t)
		return nil
	})
	return nil
}

// spawnFork enqueues a committed fork request as a background child task.
func (s *Scheduler) spawnFork(parent *Task, fr vm.ForkRequest) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.nextID++
	child := &Task{
		ID:    s.nextID,
		state: TaskQueued,
		req: Request{
			This:       fr.This,
			Player:     fr.Player,
			Verb:       fr.Verb,
			Background: true,
			Session:    parent.req.Session,
		},
		forkBody:  fr.Body,
		forkEnv:   fr.Env,
		definer:   fr.Definer,
		createdAt: weaver.Now(),
	}
	s.tasks[child.ID] = child
	s.mu.Unlock()
	log.Debug("fork child queued", "parent", parent.ID, "child", child.ID, "delay", fr.Delay)

	start := func() {
		s.runner.Go(func() error {
			s.execute(child)
			return nil
		})
	}
	if fr.Delay > 0 {
		time.AfterFunc(fr.Delay, start)
	} else {
		start()
	}
}

// finish records the terminal outcome, removes the task from the live set,
// and delivers the outcome callback exactly once.
func (s *Scheduler) finish(t *Task, out Outcome) {
	t.mu.Lock()
	if t.state == TaskCommitted || t.state == TaskAborted {
		// Already finished (e.g. a kill raced the natural end).
		t.mu.Unlock()
		return
	}
	if out.Committed {
		t.state = TaskCommitted
	} else {
		t.state = TaskAborted
	}
	if t.wakeTimer != nil {
		t.wakeTimer.Stop()
		t.wakeTimer = nil
	}
	done := t.req.Done
	t.mu.Unlock()

	s.mu.Lock()
	delete(s.tasks, t.ID)
	s.recent = append(s.recent, out)
	if len(s.recent) > recentOutcomeCap {
		s.recent = s.recent[len(s.recent)-recentOutcomeCap:]
	}
	s.mu.Unlock()

	if out.Committed {
		log.Debug("task committed", "task", t.ID, "version", out.Version)
	} else {
		log.Info("task aborted", "task", t.ID, "reason", out.Abort.String(), "details", out.KernelError())
	}
	if done != nil {
		done(out)
	}
}

func (s *Scheduler) budgets(background bool) (ticks int, seconds time.Duration) {
	if background {
		return s.opts.BgTicks, time.Duration(s.opts.BgSeconds) * time.Second
	}
	return s.opts.FgTicks, time.Duration(s.opts.FgSeconds) * time.Second
}
