// Package console implements the kernel-space bring-up shell spec.md
// §6 describes: a line-oriented command loop read off the UART,
// reporting scheduler and memory state and letting an operator force
// a process to terminate for crash-report testing.
//
// The command-dispatch style is grounded on
// biscuit/src/ustr/ustr.go's Ustr: byte-slice tokens compared with Eq
// rather than allocating a string per keystroke. Session itself is
// grounded on biscuit/src/fd/fd.go's Cwd_t, a small mutex-guarded
// session-state struct paired with the root resources its commands act
// on (there, an open fd; here, the UART driver, scheduler, page
// allocator, timer, trap dispatcher and optional symbol table).
package console

import (
	"fmt"
	"sync"

	"rvkernel/kernel/drivers/timer"
	"rvkernel/kernel/drivers/uart"
	"rvkernel/kernel/pagealloc"
	"rvkernel/kernel/proc"
	"rvkernel/kernel/sched"
	"rvkernel/kernel/symtab"
	"rvkernel/kernel/trapframe"
)

// token is an immutable command word, compared without allocating a
// string, matching ustr.Ustr's Eq idiom.
type token []byte

func (t token) Eq(s string) bool {
	if len(t) != len(s) {
		return false
	}
	for i := range t {
		if t[i] != s[i] {
			return false
		}
	}
	return true
}

// Session holds one console's line buffer and the kernel resources
// its commands report on. One Session per hart; this kernel has one.
type Session struct {
	mu    sync.Mutex
	uart  *uart.Driver
	sched *sched.Scheduler
	alloc *pagealloc.Allocator
	timer *timer.Driver
	trap  *trapframe.Dispatcher
	sym   *symtab.Table // may be nil if no symbol table was loaded

	line []byte
}

// New constructs a console session. sym may be nil.
func New(u *uart.Driver, s *sched.Scheduler, a *pagealloc.Allocator, t *timer.Driver, d *trapframe.Dispatcher, sym *symtab.Table) *Session {
	return &Session{uart: u, sched: s, alloc: a, timer: t, trap: d, sym: sym}
}

// Feed consumes one decoded rune from the UART, accumulating it into
// the pending command line; it returns the command's output once a
// newline completes a line, or ("", false) while still accumulating.
func (s *Session) Feed(r rune) (output string, complete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r == '\n' || r == '\r' {
		line := s.line
		s.line = nil
		return s.dispatch(line), true
	}
	if r == 0x7f || r == '\b' { // backspace
		if len(s.line) > 0 {
			s.line = s.line[:len(s.line)-1]
		}
		return "", false
	}
	s.line = append(s.line, []byte(string(r))...)
	return "", false
}

// Logf formats a diagnostic message and writes it straight to the
// active console device: the teacher carries no structured logging
// framework inside the kernel proper, only plain formatted writes to
// whatever device is listening (kernel/chentry.go's log.Fatal is the
// one exception, and it runs host-side before this kernel exists).
func (s *Session) Logf(format string, args ...any) {
	s.uart.SendStr(fmt.Sprintf(format, args...))
}

func (s *Session) dispatch(line []byte) string {
	fields := splitFields(line)
	if len(fields) == 0 {
		return ""
	}
	cmd := fields[0]
	switch {
	case cmd.Eq("ps"):
		return s.cmdPs()
	case cmd.Eq("trapstat"):
		return s.cmdTrapstat()
	case cmd.Eq("mem"):
		return s.cmdMem()
	case cmd.Eq("crash"):
		if len(fields) < 2 {
			return "usage: crash <pid>\n"
		}
		return s.cmdCrash(fields[1])
	default:
		return "unknown command: " + string(cmd) + "\n"
	}
}

func (s *Session) cmdPs() string {
	out := "PID\tSTATE\tUTICKS\tSTICKS\n"
	s.sched.WalkEach(func(p *proc.Process) {
		u, sys := p.Accnt.Snapshot()
		out += itoa(p.Pid) + "\t" + p.State.String() + "\t" + itoa(u) + "\t" + itoa(sys) + "\n"
	})
	return out
}

func (s *Session) cmdTrapstat() string {
	out := "CAUSE\tCOUNT\n"
	for cause, n := range s.trap.Counts() {
		out += itoa(cause) + "\t" + itoa(n) + "\n"
	}
	return out
}

func (s *Session) cmdMem() string {
	total := s.alloc.Capacity()
	free := s.alloc.Free()
	return "pages: " + itoa(uint64(total-free)) + " used / " + itoa(uint64(total)) + " total\n"
}

func (s *Session) cmdCrash(pidTok token) string {
	pid := atoi(pidTok)
	var out string
	err := s.sched.WithProcess(pid, func(p *proc.Process) {
		pc := p.Frame.Sepc
		desc := unresolvedOr(s.sym, pc)
		p.Exit(-1)
		out = "pid " + itoa(pid) + " terminated at " + desc + "\n"
	})
	if err != 0 {
		return "no such pid: " + itoa(pid) + "\n"
	}
	return out
}

func unresolvedOr(sym *symtab.Table, pc uint64) string {
	if sym == nil {
		return hexStr(pc)
	}
	return sym.Describe(pc)
}

func splitFields(line []byte) []token {
	var fields []token
	i := 0
	for i < len(line) {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		start := i
		for i < len(line) && line[i] != ' ' {
			i++
		}
		if i > start {
			fields = append(fields, token(line[start:i]))
		}
	}
	return fields
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func atoi(t token) uint64 {
	var v uint64
	for _, b := range t {
		if b < '0' || b > '9' {
			break
		}
		v = v*10 + uint64(b-'0')
	}
	return v
}

func hexStr(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0x0"
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v%16]
		v /= 16
	}
	return "0x" + string(buf[i:])
}
