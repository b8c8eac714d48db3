package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/renderq/internal/model"
	"github.com/CZERTAINLY/renderq/internal/progress"
)

var ErrRunStarted = errors.New("render already started")

// stderrLimit is how much of the engine stderr is kept for the error detail.
const stderrLimit = 4096

// ProgressFunc receives every meaningful update parsed from the engine output.
type ProgressFunc func(ctx context.Context, u progress.Update)

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Status  model.Status
	Stderr  string
	Err     error
}

// ExitCode returns the process exit code, nil when the process never ran or
// was killed by a signal.
func (r Result) ExitCode() *int {
	if r.State == nil {
		return nil
	}
	code := r.State.ExitCode()
	if code < 0 {
		return nil
	}
	return &code
}

// Detail is the human readable error of a failed run.
func (r Result) Detail() string {
	if r.Err == nil {
		return ""
	}
	stderr := strings.TrimSpace(r.Stderr)
	if stderr == "" {
		return r.Err.Error()
	}
	return r.Err.Error() + ": " + stderr
}

// Runner supervises a single engine invocation of one job run. A Runner is
// not reusable, the scheduler creates a new one for every run.
type Runner struct {
	mx              sync.Mutex
	enginePath      string
	grace           time.Duration
	cmd             *exec.Cmd
	cancelFunc      context.CancelFunc
	cancelRequested bool
	started         bool
	done            chan Result
}

// NewRunner returns a runner of the engine at enginePath (a name is looked up
// in $PATH). On cancel the engine gets SIGINT and is killed after grace.
func NewRunner(enginePath string, grace time.Duration) *Runner {
	return &Runner{
		enginePath: enginePath,
		grace:      grace,
		done:       make(chan Result, 1),
	}
}

// Start spawns the engine for job and returns without waiting for it, use
// Done to obtain the Result. Errors are returned when no process has been
// started: model.ErrEngineNotFound, model.ErrInputNotFound, model.ErrSpawn,
// or model.ErrKilledByRequest if Cancel was called before.
func (r *Runner) Start(ctx context.Context, job model.Job, onProgress ProgressFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.started {
		return ErrRunStarted
	}
	r.started = true
	if r.cancelRequested {
		return model.ErrKilledByRequest
	}

	path, err := exec.LookPath(r.enginePath)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrEngineNotFound, err)
	}
	if _, err := os.Stat(job.InputFile); err != nil {
		return fmt.Errorf("%w: %w", model.ErrInputNotFound, err)
	}

	proto := BlenderCommand(path, job.JobSpec)
	ctx, r.cancelFunc = context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	if r.grace > 0 {
		cmd.Cancel = func() error {
			return cmd.Process.Signal(os.Interrupt)
		}
		cmd.WaitDelay = r.grace
	}

	stdout := &progressWriter{
		ctx:        ctx,
		state:      progress.NewState(job.FrameRange),
		onProgress: onProgress,
	}
	stderr := &tailWriter{limit: stderrLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	result := Result{
		Path:    proto.Path,
		Args:    proto.Args,
		Started: time.Now().UTC(),
	}
	slog.DebugContext(ctx, "starting render engine", "path", proto.Path, "args", proto.Args)
	if err := cmd.Start(); err != nil {
		r.cancelFunc()
		return fmt.Errorf("%w: %w", model.ErrSpawn, err)
	}
	r.cmd = cmd
	slog.InfoContext(ctx, "render engine started", "pid", cmd.Process.Pid)

	go r.wait(ctx, cmd, stdout, stderr, result)
	return nil
}

func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, stdout *progressWriter, stderr *tailWriter, result Result) {
	err := cmd.Wait()
	// copying goroutines are done once Wait returns
	stdout.flush()
	result.Stopped = time.Now().UTC()
	result.State = cmd.ProcessState
	result.Stderr = stderr.String()

	r.mx.Lock()
	cancelled := r.cancelRequested
	r.cmd = nil
	r.mx.Unlock()
	r.cancelFunc()

	switch {
	case err == nil:
		result.Status = model.StatusCompleted
	case cancelled:
		result.Status = model.StatusCancelled
		result.Err = model.ErrKilledByRequest
	default:
		result.Status = model.StatusFailed
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		result.Err = fmt.Errorf("%w: exit code %d: %w", model.ErrNonZeroExit, code, err)
	}
	slog.InfoContext(ctx, "render engine stopped",
		"status", result.Status,
		"elapsed", result.Stopped.Sub(result.Started).String(),
	)
	r.done <- result
	close(r.done)
}

// Cancel asks the engine to terminate. It is idempotent and safe to call
// before Start or after the process ended.
func (r *Runner) Cancel() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cancelRequested {
		return
	}
	r.cancelRequested = true
	if r.cmd != nil {
		r.cancelFunc()
	}
}

// Done returns the channel obtaining the result of a started process. The
// channel is closed after the result.
func (r *Runner) Done() <-chan Result {
	return r.done
}

// progressWriter feeds the engine stdout to the progress parser. It is only
// written by the exec copying goroutine.
type progressWriter struct {
	ctx        context.Context
	state      progress.State
	onProgress ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.apply(progress.Parse(string(p), w.state))
	return len(p), nil
}

func (w *progressWriter) flush() {
	w.apply(progress.Flush(w.state))
}

func (w *progressWriter) apply(u progress.Update) {
	for _, err := range u.Anomalies {
		slog.DebugContext(w.ctx, "ignoring engine output", "error", err)
	}
	prev := w.state
	w.state = u.State
	if w.onProgress != nil && u.Changed(prev) {
		w.onProgress(w.ctx, u)
	}
}

// tailWriter keeps the last limit bytes written.
type tailWriter struct {
	mx    sync.Mutex
	limit int
	buf   []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.limit; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mx.Lock()
	defer w.mx.Unlock()
	return string(w.buf)
}
