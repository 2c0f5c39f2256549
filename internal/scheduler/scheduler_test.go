package scheduler

import (
	"testing"
	"time"

	"github.com/moodb/moodb/internal/config"
	"github.com/moodb/moodb/internal/moodb"
	"github.com/moodb/moodb/internal/values"
	"github.com/moodb/moodb/internal/vm"
)

func newTestStore(t *testing.T) *moodb.Store {
	t.Helper()
	cfg := &config.StoreConfig{RootPath: t.TempDir(), VirtualSizeBytes: 4 * 1024 * 1024}
	s, err := moodb.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{DefaultTicks: 10000, DefaultSeconds: 5, MaxCommitRetries: 3}
}

func TestSchedulerRunsSimpleTaskToCompletion(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, testSchedulerConfig())

	prog := &vm.Program{
		Literals: []values.Value{values.Int(42)},
		Main: []vm.Op{
			{Code: vm.OpPushLit, Int: 0},
			{Code: vm.OpReturn},
		},
	}
	handle := sched.Submit(Spec{Program: prog, This: values.NothingOid, Player: values.NothingOid, Permissions: values.NothingOid, VerbName: "test"})

	outcome, result, _ := handle.Wait()
	if outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %v, want Succeeded", outcome)
	}
	got, _ := result.AsInt()
	if got != 42 {
		t.Fatalf("result = %d, want 42", got)
	}
}

// TestSchedulerSuspendResume drives a task through OpSuspend and resumes
// it with a value the task then returns, per spec §4.9's Resume control
// message.
func TestSchedulerSuspendResume(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, testSchedulerConfig())

	prog := &vm.Program{
		Main: []vm.Op{
			{Code: vm.OpSuspend},
			{Code: vm.OpReturn},
		},
	}
	handle := sched.Submit(Spec{Program: prog, This: values.NothingOid, Player: values.NothingOid, Permissions: values.NothingOid, VerbName: "test"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		suspended := false
		for _, d := range sched.Describe() {
			if d.ID == handle.ID && d.Suspended {
				suspended = true
			}
		}
		if suspended {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never suspended")
		}
		time.Sleep(time.Millisecond)
	}

	if !sched.Resume(handle.ID, values.Int(7), values.NothingOid) {
		t.Fatalf("Resume returned false")
	}

	outcome, result, _ := handle.Wait()
	if outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %v, want Succeeded", outcome)
	}
	got, _ := result.AsInt()
	if got != 7 {
		t.Fatalf("result = %d, want 7", got)
	}
}

// TestSchedulerKillTerminatesTask grounds spec §4.9's Kill control
// message against a task stuck in an infinite loop.
func TestSchedulerKillTerminatesTask(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, testSchedulerConfig())

	prog := &vm.Program{
		Main: []vm.Op{
			{Code: vm.OpJump, Int: 0},
		},
	}
	handle := sched.Submit(Spec{Program: prog, This: values.NothingOid, Player: values.NothingOid, Permissions: values.NothingOid, VerbName: "loop", Budget: Budget{Ticks: 1_000_000_000, Seconds: 3600}})

	time.Sleep(10 * time.Millisecond)
	if !sched.Kill(handle.ID, values.NothingOid) {
		t.Fatalf("Kill returned false")
	}

	outcome, _, _ := handle.Wait()
	if outcome != OutcomeKilled {
		t.Fatalf("outcome = %v, want Killed", outcome)
	}
}
