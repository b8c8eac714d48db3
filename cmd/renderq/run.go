package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/CZERTAINLY/renderq/internal/log"
	"github.com/CZERTAINLY/renderq/internal/model"
	"github.com/CZERTAINLY/renderq/internal/notify"
	"github.com/CZERTAINLY/renderq/internal/service"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var (
	flagOutput      string // value of run --output
	flagFrames      string // value of run --frames
	flagConcurrency int    // value of run --jobs
)

// errJobsFailed makes run exit non-zero once all jobs are done.
var errJobsFailed = errors.New("some jobs have failed")

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("renderq",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	specs, err := argSpecs(args, flagOutput, flagFrames)
	if err != nil {
		return err
	}
	specs = append(config.Jobs, specs...)
	if len(specs) == 0 {
		return errors.New("nothing to render: no jobs in config and no input given")
	}
	if flagConcurrency > 0 {
		config.Scheduler.MaxConcurrent = flagConcurrency
	}

	hub := notify.NewHub(config.Notify.Buffer)
	defer hub.Close()
	// a signal stops the queue through Shutdown, never by killing the engines directly
	scheduler := service.NewScheduler(context.WithoutCancel(ctx), config.Scheduler, service.RunnerFunc(config.Engine), hub)

	g, gctx := errgroup.WithContext(ctx)
	obsCtx, stopObs := context.WithCancel(gctx)
	defer stopObs()

	sub := hub.Subscribe()
	g.Go(func() error {
		sub.Observe(obsCtx, logEvent)
		return nil
	})

	if config.Notify.Listen != "" {
		srv := &http.Server{
			Addr:              config.Notify.Listen,
			Handler:           notify.NewRouter(hub, scheduler, config.Notify.ProgressInterval),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return obsCtx },
		}
		g.Go(func() error {
			slog.InfoContext(ctx, "serving job events", "listen", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving job events: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-obsCtx.Done()
			shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	for _, spec := range specs {
		scheduler.Submit(spec)
	}

	g.Go(func() error {
		defer stopObs()
		waitErr := scheduler.Wait(gctx)
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := scheduler.Shutdown(shutCtx); err != nil {
			slog.WarnContext(ctx, "shutdown did not finish in time", "error", err)
		}
		if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
			return waitErr
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return summary(ctx, scheduler.List())
}

// summary logs the outcome of every job and fails when one did not complete.
func summary(ctx context.Context, jobs []model.Job) error {
	counts := make(map[model.Status]int)
	for _, job := range jobs {
		counts[job.Status]++
		if job.Status == model.StatusFailed {
			slog.ErrorContext(ctx, "job failed",
				"job_id", job.ID,
				"input", job.InputFile,
				"kind", job.ErrorKind,
				"detail", job.ErrorDetail,
			)
		}
	}
	slog.InfoContext(ctx, "render finished",
		"completed", counts[model.StatusCompleted],
		"failed", counts[model.StatusFailed],
		"cancelled", counts[model.StatusCancelled],
		"pending", counts[model.StatusPending],
	)
	if counts[model.StatusCompleted] != len(jobs) {
		return errJobsFailed
	}
	return nil
}

func logEvent(ctx context.Context, e notify.Event) {
	if e.Job == nil {
		slog.DebugContext(ctx, "queue changed", "event", e.Type, "ids", e.IDs)
		return
	}
	job := e.Job
	switch job.Status {
	case model.StatusRunning:
		slog.DebugContext(ctx, "job progress",
			"job_id", job.ID,
			"progress", job.Progress,
			"frame", job.CurrentFrame,
			"total_frames", job.TotalFrames,
			"remaining", job.Remaining,
		)
	default:
		slog.InfoContext(ctx, "job "+string(job.Status), "job_id", job.ID, "input", job.InputFile)
	}
}

// argSpecs turns the positional inputs into job specs sharing output and
// frames.
func argSpecs(inputs []string, output, frames string) ([]model.JobSpec, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	fr, err := parseFrames(frames)
	if err != nil {
		return nil, err
	}
	specs := make([]model.JobSpec, 0, len(inputs))
	for _, input := range inputs {
		spec := model.JobSpec{
			InputFile:    input,
			OutputTarget: output,
		}
		if fr != nil {
			c := *fr
			spec.FrameRange = &c
		}
		if err := model.ValidateSpec(spec); err != nil {
			return nil, fmt.Errorf("job %s: %w", input, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// parseFrames parses START:END or a single FRAME, empty string is no range.
func parseFrames(s string) (*model.FrameRange, error) {
	if s == "" {
		return nil, nil
	}
	start, end, isRange := strings.Cut(s, ":")
	from, err := strconv.Atoi(strings.TrimSpace(start))
	if err != nil {
		return nil, fmt.Errorf("parsing frames %q: %w", s, err)
	}
	to := from
	if isRange {
		to, err = strconv.Atoi(strings.TrimSpace(end))
		if err != nil {
			return nil, fmt.Errorf("parsing frames %q: %w", s, err)
		}
	}
	return &model.FrameRange{Start: from, End: to}, nil
}
