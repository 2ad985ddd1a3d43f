package sched

import (
	"testing"

	"rvkernel/kernel/pagealloc"
	"rvkernel/kernel/physmem"
	"rvkernel/kernel/proc"
	"rvkernel/kernel/sv39"
	"rvkernel/kernel/trapframe"
)

const idlePC = 0xdead0000

func mkSpace(t *testing.T) *proc.Space {
	t.Helper()
	mem := physmem.New(0)
	alloc, err := pagealloc.New(0, 256, mem.Zero)
	if err != 0 {
		t.Fatalf("pagealloc.New: %v", err)
	}
	w := sv39.New(mem, alloc)
	kroot, err := w.NewTable()
	if err != 0 {
		t.Fatalf("kernel NewTable: %v", err)
	}
	return &proc.Space{
		Alloc:       alloc,
		Mem:         mem,
		Walker:      w,
		KernelRoot:  kroot,
		KernelFrame: trapframe.NewKernel(uintptr(kroot)),
	}
}

func TestStartWithRunsTheOnlyProcess(t *testing.T) {
	sp := mkSpace(t)
	s := New(sp, 8, idlePC)
	p, err := sp.New([]byte{1}, 0)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}

	pc, serr := s.StartWith(p)
	if serr != 0 {
		t.Fatalf("StartWith: %v", serr)
	}
	if pc != p.Frame.Sepc {
		t.Fatalf("expected PC %#x, got %#x", p.Frame.Sepc, pc)
	}
	if p.State != proc.Running {
		t.Fatalf("expected process to be Running after switch, got %v", p.State)
	}
	if s.Running() != p.Pid {
		t.Fatalf("expected Running() to report pid %d, got %d", p.Pid, s.Running())
	}
}

func TestSwitchProcessesIdlesWhenEmpty(t *testing.T) {
	sp := mkSpace(t)
	s := New(sp, 8, idlePC)
	pc := s.SwitchProcesses(0)
	if pc != idlePC {
		t.Fatalf("expected idle PC %#x, got %#x", idlePC, pc)
	}
}

func TestSwitchProcessesRoundRobins(t *testing.T) {
	sp := mkSpace(t)
	s := New(sp, 8, idlePC)
	p1, _ := sp.New([]byte{1}, 0)
	p2, _ := sp.New([]byte{2}, 0)
	s.Add(p1)
	s.Add(p2)

	first := s.SwitchProcesses(0)
	firstPid := s.Running()
	second := s.SwitchProcesses(0)
	secondPid := s.Running()

	if firstPid == secondPid {
		t.Fatalf("expected round-robin to alternate processes, got %d twice", firstPid)
	}
	if first == 0 || second == 0 {
		t.Fatalf("expected nonzero PCs")
	}
}

func TestReapRemovesZombieAndUnblocksWaiter(t *testing.T) {
	sp := mkSpace(t)
	s := New(sp, 8, idlePC)
	victim, _ := sp.New([]byte{1}, 0)
	waiter, _ := sp.New([]byte{2}, 0)
	s.Add(victim)
	s.Add(waiter)

	s.Block(waiter, proc.Condition{Kind: proc.OnDeathOfPid, Pid: victim.Pid})
	victim.Exit(7)

	s.SwitchProcesses(0)

	if s.Len() != 1 {
		t.Fatalf("expected the zombie to be reaped, Len=%d", s.Len())
	}
	// The unblocked waiter is also the only remaining ready process, so
	// the same SwitchProcesses call picks it to run next.
	if waiter.State != proc.Running {
		t.Fatalf("expected waiter to be unblocked and scheduled, got %v", waiter.State)
	}
	if waiter.Frame.Arg(0) != 7 {
		t.Fatalf("expected waiter's return value to be the exit result 7, got %d", waiter.Frame.Arg(0))
	}
}

func TestReapUnblocksUntilDeadline(t *testing.T) {
	sp := mkSpace(t)
	s := New(sp, 8, idlePC)
	sleeper, _ := sp.New([]byte{1}, 0)
	s.Add(sleeper)
	s.Block(sleeper, proc.Condition{Kind: proc.Until, Instant: 100})

	s.SwitchProcesses(50)
	if sleeper.State != proc.Blocked {
		t.Fatalf("expected sleeper to remain blocked before its deadline")
	}

	// Once past the deadline the sleeper is unblocked and, being the
	// only ready process, immediately scheduled.
	s.SwitchProcesses(100)
	if sleeper.State != proc.Running {
		t.Fatalf("expected sleeper to be unblocked and scheduled once now >= deadline, got %v", sleeper.State)
	}
}

func TestWithProcessNotFound(t *testing.T) {
	sp := mkSpace(t)
	s := New(sp, 8, idlePC)
	if err := s.WithProcess(999, func(*proc.Process) {}); err == 0 {
		t.Fatalf("expected ESRCH for an unknown PID")
	}
}

func TestOnInterruptDeliversToBlockedWaiters(t *testing.T) {
	sp := mkSpace(t)
	s := New(sp, 8, idlePC)
	p, _ := sp.New([]byte{1}, 0)
	s.Add(p)
	s.Block(p, proc.Condition{Kind: proc.OnUart, IRQ: 10})

	delivered := false
	s.OnInterrupt(10, func(p *proc.Process) {
		delivered = true
		p.Push('x')
	})
	if !delivered {
		t.Fatalf("expected OnInterrupt to find the blocked waiter")
	}
	b, ok := p.PopStdin()
	if !ok || b != 'x' {
		t.Fatalf("expected delivered byte 'x'")
	}

	delivered = false
	s.OnInterrupt(11, func(p *proc.Process) { delivered = true })
	if delivered {
		t.Fatalf("expected no delivery for a non-matching IRQ")
	}
}

func TestStartWithRejectsWhenFull(t *testing.T) {
	sp := mkSpace(t)
	s := New(sp, 1, idlePC)
	p1, _ := sp.New([]byte{1}, 0)
	p2, _ := sp.New([]byte{2}, 0)
	if _, err := s.StartWith(p1); err != 0 {
		t.Fatalf("StartWith p1: %v", err)
	}
	if _, err := s.StartWith(p2); err == 0 {
		t.Fatalf("expected the scheduler to reject a process beyond its capacity")
	}
}

func TestSetTracerRecordsEveryDecision(t *testing.T) {
	sp := mkSpace(t)
	s := New(sp, 8, idlePC)

	type decision struct{ now, pid uint64 }
	var got []decision
	s.SetTracer(func(now, pid uint64) {
		got = append(got, decision{now, pid})
	})

	p, _ := sp.New([]byte{1}, 0)
	if _, err := s.StartWith(p); err != 0 {
		t.Fatalf("StartWith: %v", err)
	}
	s.SwitchProcesses(100)

	if len(got) != 2 {
		t.Fatalf("expected 2 traced decisions, got %d: %+v", len(got), got)
	}
	if got[0].pid != p.Pid || got[0].now != 0 {
		t.Fatalf("expected first decision {0, %d}, got %+v", p.Pid, got[0])
	}
	if got[1].now != 100 {
		t.Fatalf("expected second decision to carry now=100, got %+v", got[1])
	}
}
