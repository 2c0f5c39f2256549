// Package scheduler multiplexes VM task executions over the store,
// per spec §4.9: tick and wall-clock budgets, suspend/resume, kill,
// and commit with bounded conflict-retry.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/moodb/moodb/internal/builtins"
	"github.com/moodb/moodb/internal/config"
	"github.com/moodb/moodb/internal/logx"
	"github.com/moodb/moodb/internal/metrics"
	"github.com/moodb/moodb/internal/moodb"
	"github.com/moodb/moodb/internal/store/txn"
	"github.com/moodb/moodb/internal/values"
	"github.com/moodb/moodb/internal/vm"
)

var builtinRegistry = builtins.Registry()

// Outcome is the terminal state a task settles into.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeAborted   Outcome = "aborted"
	OutcomeErrored   Outcome = "errored"
	OutcomeExcepted  Outcome = "excepted"
	OutcomeKilled    Outcome = "killed"
)

// Budget bounds one task's execution, per spec §4.9's "tick and
// wall-clock budgets".
type Budget struct {
	Ticks   int64
	Seconds int64
}

// Spec describes a unit of work to hand to the scheduler: the compiled
// program to run and the identity it runs under.
type Spec struct {
	Program     *vm.Program
	This        values.Oid
	Player      values.Oid
	Permissions values.Oid
	VerbName    string
	Definer     values.Oid
	Args        []values.Value
	Budget      Budget
}

// resumeMsg carries a value back into a suspended task, per spec §4.9's
// `Resume{task, value, sender-permissions}` control message.
type resumeMsg struct {
	value       values.Value
	permissions values.Oid
}

// killMsg requests a suspended or running task be torn down without
// committing, per spec §4.9's `Kill{task, sender-permissions}`.
type killMsg struct {
	permissions values.Oid
}

// task tracks one scheduled unit of work's control surface and metadata.
type task struct {
	id          uint64
	owner       values.Oid
	player      values.Oid
	permissions values.Oid
	verbName    string
	startedAt   time.Time

	mu        sync.RWMutex
	suspended bool
	wakeAt    time.Time

	resumeCh chan resumeMsg
	killCh   chan killMsg
	abortCh  chan struct{}

	done    chan struct{}
	outcome Outcome
	result  values.Value
	excCode values.ErrorCode
}

// Scheduler runs tasks against a moodb.Store, bounding retries by
// config.SchedulerConfig.MaxCommitRetries and applying Budget.Ticks /
// Budget.Seconds per spec §4.9.
type Scheduler struct {
	store  *moodb.Store
	cfg    config.SchedulerConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	tasks  map[uint64]*task
	nextID atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler bound to store, using cfg for default budgets
// and the conflict-retry bound.
func New(store *moodb.Store, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:  store,
		cfg:    cfg,
		logger: logx.WithComponent("scheduler"),
		tasks:  make(map[uint64]*task),
		stopCh: make(chan struct{}),
	}
}

// Start does nothing. The scheduler has no periodic loop of its own:
// Submit launches each task's goroutine directly, with or without Start.
func (s *Scheduler) Start() {}

// Stop signals all running tasks to abort and waits for them to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// TaskHandle lets a caller wait for the terminal outcome of a task
// started with Submit.
type TaskHandle struct {
	ID uint64
	t  *task
}

// Wait blocks until the task reaches a terminal outcome and returns it.
func (h *TaskHandle) Wait() (Outcome, values.Value, values.ErrorCode) {
	<-h.t.done
	return h.t.outcome, h.t.result, h.t.excCode
}

// Submit schedules spec for execution and returns a handle immediately;
// the task runs on its own goroutine.
func (s *Scheduler) Submit(spec Spec) *TaskHandle {
	id := s.nextID.Add(1)
	t := &task{
		id:          id,
		owner:       spec.Permissions,
		player:      spec.Player,
		permissions: spec.Permissions,
		verbName:    spec.VerbName,
		startedAt:   time.Now(),
		resumeCh:    make(chan resumeMsg, 1),
		killCh:      make(chan killMsg, 1),
		abortCh:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	s.tasks[id] = t
	s.mu.Unlock()

	metrics.TasksScheduled.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.tasks, id)
			s.mu.Unlock()
			close(t.done)
		}()
		s.runTask(t, spec)
	}()

	return &TaskHandle{ID: id, t: t}
}

// runTask drives one task's VM to a terminal outcome, committing on
// completion and retrying on optimistic-concurrency conflict up to
// cfg.MaxCommitRetries times, per spec §4.5/§8 scenario 8.
func (s *Scheduler) runTask(t *task, spec Spec) {
	metrics.TasksStarted.Inc()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TaskDuration)

	budget := spec.Budget
	if budget.Ticks <= 0 {
		budget.Ticks = s.cfg.DefaultTicks
	}
	if budget.Seconds <= 0 {
		budget.Seconds = s.cfg.DefaultSeconds
	}

	attempts := 0
	for {
		attempts++
		outcome, result, excCode, err := s.attempt(t, spec, budget)
		if err == errConflict {
			metrics.ConflictRetriesTotal.Inc()
			if attempts > s.cfg.MaxCommitRetries {
				s.finish(t, OutcomeErrored, values.None(), 0)
				return
			}
			continue
		}
		if err == errAborted {
			s.finish(t, OutcomeAborted, values.None(), 0)
			return
		}
		if err == errKilled {
			s.finish(t, OutcomeKilled, values.None(), 0)
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Uint64("task_id", t.id).Msg("task attempt failed")
			s.finish(t, OutcomeErrored, values.None(), 0)
			return
		}
		if outcome == OutcomeSucceeded {
			metrics.CommitsTotal.Inc()
		}
		s.finish(t, outcome, result, excCode)
		return
	}
}

var (
	errConflict = &schedErr{"commit conflict"}
	errAborted  = &schedErr{"aborted"}
	errKilled   = &schedErr{"killed"}
)

type schedErr struct{ msg string }

func (e *schedErr) Error() string { return e.msg }

// attempt runs spec's program to completion against a single
// transaction handle, honoring tick/wall-clock budgets and suspend/kill
// control messages, then commits. A commit that loses the optimistic
// race returns errConflict so the caller can retry the whole attempt.
func (s *Scheduler) attempt(t *task, spec Spec, budget Budget) (Outcome, values.Value, values.ErrorCode, error) {
	h := s.store.Begin()

	act := vm.NewActivation(spec.Program, spec.This, spec.Player, spec.Permissions, spec.VerbName, spec.Definer, nil)
	for i, v := range spec.Args {
		if i >= len(act.Env) {
			break
		}
		act.Env[i] = v
		act.Assigned[i] = true
	}

	machine := vm.New(h, act, builtinRegistry)

	deadline := time.Now().Add(time.Duration(budget.Seconds) * time.Second)
	var ticks int64

	for {
		select {
		case <-s.stopCh:
			h.Rollback()
			return "", values.Value{}, 0, errAborted
		case <-t.abortCh:
			h.Rollback()
			return "", values.Value{}, 0, errAborted
		case km := <-t.killCh:
			_ = km
			h.Rollback()
			return "", values.Value{}, 0, errKilled
		default:
		}

		if ticks >= budget.Ticks || time.Now().After(deadline) {
			h.Rollback()
			return OutcomeErrored, values.None(), values.EMAXREC, nil
		}

		r := machine.Step()
		ticks++

		switch r.Kind {
		case vm.More:
			continue

		case vm.Complete:
			outcome, err := h.Commit()
			if err != nil {
				h.Rollback()
				return "", values.Value{}, 0, err
			}
			if outcome == txn.ConflictRetry {
				return "", values.Value{}, 0, errConflict
			}
			return OutcomeSucceeded, r.Value, 0, nil

		case vm.Exception:
			h.Rollback()
			return OutcomeExcepted, values.None(), r.Exc.Code, nil

		case vm.Suspend:
			t.mu.Lock()
			t.suspended = true
			t.mu.Unlock()
			metrics.TasksSuspended.Inc()
			select {
			case rm := <-t.resumeCh:
				t.mu.Lock()
				t.suspended = false
				t.mu.Unlock()
				metrics.TasksSuspended.Dec()
				act.PushResumeValue(rm.value)
				continue
			case <-t.abortCh:
				metrics.TasksSuspended.Dec()
				h.Rollback()
				return "", values.Value{}, 0, errAborted
			case <-s.stopCh:
				metrics.TasksSuspended.Dec()
				h.Rollback()
				return "", values.Value{}, 0, errAborted
			case km := <-t.killCh:
				_ = km
				metrics.TasksSuspended.Dec()
				h.Rollback()
				return "", values.Value{}, 0, errKilled
			}

		case vm.Fork:
			if r.ForkIndex >= 0 && r.ForkIndex < len(spec.Program.Forks) {
				forkSpec := spec
				forkSpec.Program = &vm.Program{
					Literals: spec.Program.Literals,
					VarNames: spec.Program.VarNames,
					Main:     spec.Program.Forks[r.ForkIndex],
				}
				if r.ForkDelay > 0 {
					time.AfterFunc(time.Duration(r.ForkDelay)*time.Millisecond, func() {
						s.Submit(forkSpec)
					})
				} else {
					s.Submit(forkSpec)
				}
			}
			continue

		case vm.ContinueVerb, vm.ContinueBuiltin, vm.NeedInput, vm.PerformEval:
			// CallVerb/Pass now resolve and push their child activation
			// inline within Step, so ContinueVerb is never produced in
			// practice; this arm is a defensive backstop for these four
			// cooperative kinds spec §4.8 names, terminating the task as
			// an internal error rather than hanging if one ever is.
			h.Rollback()
			return OutcomeErrored, values.None(), values.ETYPE, nil
		}
	}
}

func (s *Scheduler) finish(t *task, outcome Outcome, result values.Value, excCode values.ErrorCode) {
	t.outcome = outcome
	t.result = result
	t.excCode = excCode
	metrics.TasksByOutcome.WithLabelValues(string(outcome)).Inc()
	s.logger.Debug().Uint64("task_id", t.id).Str("outcome", string(outcome)).Msg("task finished")
}

// Resume delivers value into a suspended task, per spec §4.9's Resume
// control message. Returns false if the task is unknown or not
// suspended.
func (s *Scheduler) Resume(taskID uint64, value values.Value, permissions values.Oid) bool {
	t := s.lookup(taskID)
	if t == nil {
		return false
	}
	t.mu.RLock()
	suspended := t.suspended
	t.mu.RUnlock()
	if !suspended {
		return false
	}
	select {
	case t.resumeCh <- resumeMsg{value: value, permissions: permissions}:
		return true
	default:
		return false
	}
}

// Kill tears a running or suspended task down without committing its
// work, per spec §4.9's Kill control message.
func (s *Scheduler) Kill(taskID uint64, permissions values.Oid) bool {
	t := s.lookup(taskID)
	if t == nil {
		return false
	}
	select {
	case t.killCh <- killMsg{permissions: permissions}:
		return true
	default:
		return false
	}
}

// Abort requests cooperative shutdown of a task (e.g. on BootPlayer),
// without attributing the interruption to any permission holder.
func (s *Scheduler) Abort(taskID uint64) bool {
	t := s.lookup(taskID)
	if t == nil {
		return false
	}
	select {
	case t.abortCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// BootPlayer aborts every task currently running as player, per spec
// §4.9's BootPlayer control message.
func (s *Scheduler) BootPlayer(player values.Oid) int {
	s.mu.RLock()
	var victims []uint64
	for id, t := range s.tasks {
		if t.player == player {
			victims = append(victims, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range victims {
		s.Abort(id)
	}
	return len(victims)
}

// Describe reports a snapshot of currently scheduled tasks, per spec
// §4.9's Describe control message.
type TaskDescription struct {
	ID        uint64
	Player    values.Oid
	VerbName  string
	StartedAt time.Time
	Suspended bool
}

func (s *Scheduler) Describe() []TaskDescription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TaskDescription, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.RLock()
		out = append(out, TaskDescription{
			ID:        t.id,
			Player:    t.player,
			VerbName:  t.verbName,
			StartedAt: t.startedAt,
			Suspended: t.suspended,
		})
		t.mu.RUnlock()
	}
	return out
}

func (s *Scheduler) lookup(taskID uint64) *task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[taskID]
}
