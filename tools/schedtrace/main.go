// Command schedtrace converts a scheduler decision log (the
// "now,pid\n" lines cmd/kernel.Platform.TraceWriter captures) into a
// pprof profile where each sample is a span of time one process held
// the hart. Feeding it to `go tool pprof` or the web UI turns a
// bring-up session's scheduling history into a flame graph, without
// asking the kernel to know anything about pprof itself.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/google/pprof/profile"
)

func main() {
	in := flag.String("in", "-", "decision log path, or - for stdin")
	out := flag.String("out", "sched.pprof", "output pprof profile path")
	flag.Parse()

	if err := run(*in, *out); err != nil {
		log.Fatal(err)
	}
}

func run(inPath, outPath string) error {
	src, err := openInput(inPath)
	if err != nil {
		return err
	}
	defer src.Close()

	decisions, err := readDecisions(src)
	if err != nil {
		return err
	}

	prof := buildProfile(decisions)
	if err := prof.CheckValid(); err != nil {
		return fmt.Errorf("building profile: %w", err)
	}

	dst, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer dst.Close()
	return prof.Write(dst)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// decision is one scheduling event: at instant now, pid took the
// hart (pid 0 means the idle loop).
type decision struct {
	now uint64
	pid uint64
}

func readDecisions(r io.Reader) ([]decision, error) {
	var out []decision
	sc := bufio.NewScanner(r)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			if line == "now,pid" {
				continue
			}
		}
		fields := strings.SplitN(line, ",", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed decision line %q", line)
		}
		now, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing now in %q: %w", line, err)
		}
		pid, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing pid in %q: %w", line, err)
		}
		out = append(out, decision{now: now, pid: pid})
	}
	return out, sc.Err()
}

// buildProfile turns consecutive decisions into samples: the duration
// a pid held the hart is the gap to the next decision's now. The
// final decision in the log has no successor to measure against and
// contributes no sample.
func buildProfile(decisions []decision) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "hart-time", Unit: "nanoseconds"},
		},
		PeriodType: &profile.ValueType{Type: "decisions", Unit: "count"},
		Period:     1,
	}

	funcs := make(map[uint64]*profile.Function)
	locs := make(map[uint64]*profile.Location)
	funcFor := func(pid uint64) (*profile.Function, *profile.Location) {
		if f, ok := funcs[pid]; ok {
			return f, locs[pid]
		}
		name := pidLabel(pid)
		f := &profile.Function{ID: uint64(len(funcs) + 1), Name: name, SystemName: name}
		l := &profile.Location{ID: uint64(len(locs) + 1), Line: []profile.Line{{Function: f, Line: 0}}}
		funcs[pid] = f
		locs[pid] = l
		prof.Function = append(prof.Function, f)
		prof.Location = append(prof.Location, l)
		return f, l
	}

	for i := 0; i+1 < len(decisions); i++ {
		cur, next := decisions[i], decisions[i+1]
		if next.now < cur.now {
			continue // clock went backwards in the log; skip rather than emit a negative span
		}
		dur := int64(next.now - cur.now)
		_, loc := funcFor(cur.pid)
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{dur},
			Label:    map[string][]string{"pid": {strconv.FormatUint(cur.pid, 10)}},
		})
	}
	if len(decisions) > 0 {
		prof.TimeNanos = int64(decisions[0].now)
		prof.DurationNanos = int64(decisions[len(decisions)-1].now - decisions[0].now)
	}
	return prof
}

func pidLabel(pid uint64) string {
	if pid == 0 {
		return "idle"
	}
	return "pid " + strconv.FormatUint(pid, 10)
}
