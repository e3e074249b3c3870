package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"caserun/internal/domain/execution"
)

var errNotPassed = errors.New("one or more submissions did not pass")

// reportWriter prints run reports as text. It is safe for concurrent use.
type reportWriter struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
	failed  int
	total   int
}

func newReportWriter(w io.Writer, verbose bool) *reportWriter {
	return &reportWriter{w: w, verbose: verbose}
}

func (rw *reportWriter) write(rr execution.RunReport) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	rw.total++
	req := rr.Request
	if rr.Err != nil || rr.Report == nil {
		rw.failed++
		fmt.Fprintf(rw.w, "%s case %d (%s): ERROR %v\n", requestLabel(req), req.CaseID, req.Language, rr.Err)
		return
	}

	report := rr.Report
	passed := 0
	for _, r := range report.Results {
		if r.Passed {
			passed++
		}
	}
	verdict := "PASSED"
	if !report.Passed {
		verdict = "FAILED"
		rw.failed++
	}
	fmt.Fprintf(rw.w, "%s case %d (%s): %s %d/%d in %s\n",
		requestLabel(req), report.CaseID, report.Language, verdict, passed, len(report.Results),
		report.Duration.Round(time.Millisecond))

	for _, r := range report.Results {
		if r.Passed && !rw.verbose {
			continue
		}
		fmt.Fprintf(rw.w, "  #%d %s", r.Index, r.Status)
		if r.Status == execution.StatusWrongAnswer {
			fmt.Fprintf(rw.w, ": got %q", r.Output)
		}
		fmt.Fprintln(rw.w)
		if r.Diagnostic != "" && r.Status != execution.StatusWrongAnswer {
			fmt.Fprintln(rw.w, indent(r.Diagnostic, "    "))
		}
		if rw.verbose && r.Diff != "" {
			fmt.Fprintln(rw.w, indent(strings.TrimRight(r.Diff, "\n"), "    "))
		}
	}
}

// summary returns errNotPassed when any written report failed.
func (rw *reportWriter) summary() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	fmt.Fprintf(rw.w, "%d/%d submissions passed\n", rw.total-rw.failed, rw.total)
	if rw.failed > 0 {
		return errNotPassed
	}
	return nil
}

func requestLabel(req execution.Request) string {
	if req.ID == "" {
		return "request"
	}
	return "request " + req.ID
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
