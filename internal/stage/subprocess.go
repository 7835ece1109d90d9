// Package stage implements the Stage Runners (spec.md §4.3): thin
// supervisors around one external program each, parsing its stderr into
// Progress/LogLine signals and terminating it promptly on cancellation.
//
// Process-group signaling is grounded on the teacher pack's
// golang.org/x/sys/unix usage (ehrlich-b-go-ublk, a block-device driver
// that also has to reason carefully about syscall-level process/queue
// state) — there is no process-supervision library anywhere in the
// retrieved pack, so os/exec plus golang.org/x/sys/unix signaling is the
// natural, pack-consistent pairing (see DESIGN.md's stdlib exceptions).
package stage

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/flashgrid/flashd/internal/cmn"
	"github.com/flashgrid/flashd/internal/cmn/nlog"
	"github.com/flashgrid/flashd/internal/job"
)

// ProgressSink receives progress/log signals from a running stage. *job.Job
// satisfies this directly.
type ProgressSink interface {
	AdvanceBytes(done int64)
	Log(line string)
	SetTotalBytes(total int64)
}

// Result is the coarse stage outcome from spec.md §4.3.
type Result int

const (
	ResultSuccess Result = iota
	ResultFailure
	ResultCancelled
)

// Outcome is a stage's terminal verdict.
type Outcome struct {
	Result Result
	Kind   cmn.ErrorKind
	Err    error
}

// cmdSpec describes one subprocess invocation for runSupervised.
// stdin/stdout are raw byte streams (dd's own data path); stderr is
// always scanned line-by-line for progress/log text, per spec.md's
// "periodic status lines on the error stream".
type cmdSpec struct {
	name    string
	args    []string
	timeout time.Duration
	stdin   io.Reader
	stdout  io.Writer
	onLine  func(line string)
}

// runSupervised runs one external program under cancellation + timeout,
// polling the cancel token at cmn.GCO().CancelPollInterval and, once
// either the token fires or the timeout elapses, sending SIGTERM to the
// whole process group and escalating to SIGKILL after
// cmn.GCO().CancelForceGrace if the child has not exited. It returns
// promptly after the child exits, per spec.md §4.3/§5.
func runSupervised(ctx context.Context, cancel *job.CancelToken, spec cmdSpec) Outcome {
	cfg := cmn.GCO()

	runCtx := ctx
	var runCancel context.CancelFunc
	if spec.timeout > 0 {
		runCtx, runCancel = context.WithTimeout(ctx, spec.timeout)
		defer runCancel()
	}

	// Deliberately exec.Command, not exec.CommandContext: the latter's
	// built-in context handling sends an immediate Kill on cancellation,
	// which would race with the graceful SIGTERM-then-grace-then-SIGKILL
	// sequence the select loop below implements itself.
	cmd := exec.Command(spec.name, spec.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if spec.stdin != nil {
		cmd.Stdin = spec.stdin
	}
	if spec.stdout != nil {
		cmd.Stdout = spec.stdout
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{Result: ResultFailure, Kind: cmn.ErrInternal, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return Outcome{Result: ResultFailure, Kind: cmn.ErrSubprocessExit, Err: err}
	}

	lineDone := make(chan struct{})
	go func() {
		defer close(lineDone)
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		sc.Split(scanLinesOrCR)
		for sc.Scan() {
			if spec.onLine != nil {
				spec.onLine(sc.Text())
			}
		}
	}()

	exited := make(chan error, 1)
	procDone := make(chan struct{})
	go func() {
		exited <- cmd.Wait()
		close(procDone)
	}()

	poll := time.NewTicker(cfg.CancelPollInterval)
	defer poll.Stop()

	for {
		select {
		case werr := <-exited:
			<-lineDone
			if cancel.Cancelled() {
				return Outcome{Result: ResultCancelled, Kind: cmn.ErrCancelled, Err: werr}
			}
			if runCtx.Err() != nil {
				return Outcome{Result: ResultFailure, Kind: cmn.ErrStageTimeout, Err: runCtx.Err()}
			}
			if werr != nil {
				return Outcome{Result: ResultFailure, Kind: cmn.ErrSubprocessExit, Err: werr}
			}
			return Outcome{Result: ResultSuccess}

		case <-poll.C:
			if cancel.Cancelled() {
				terminate(cmd, procDone)
			}

		case <-runCtx.Done():
			terminate(cmd, procDone)
		}
	}
}

// scanLinesOrCR splits on '\n' or bare '\r', because dd's status=progress
// line rewrites itself with '\r', not '\n'.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// terminate sends SIGTERM to the child's process group, then escalates to
// SIGKILL after cmn.GCO().CancelForceGrace if it is still alive, matching
// the ≤2s grace window from spec.md §4.3/§5.
func terminate(cmd *exec.Cmd, procDone <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		nlog.Debugf("terminate: SIGTERM pgid=%d: %v", pgid, err)
	}
	grace := cmn.GCO().CancelForceGrace
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-procDone:
		return
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil {
		nlog.Debugf("terminate: SIGKILL pgid=%d: %v", pgid, err)
	}
}
