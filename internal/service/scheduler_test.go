package service_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/CZERTAINLY/renderq/internal/model"
	"github.com/CZERTAINLY/renderq/internal/notify"
	"github.com/CZERTAINLY/renderq/internal/service"
	"github.com/stretchr/testify/require"
)

func ids(jobs []model.Job) []string {
	ret := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ret = append(ret, j.ID)
	}
	return ret
}

func TestSchedulerLimit(t *testing.T) {
	t.Parallel()
	const limit = 3
	const count = 20

	s, engine, hub := newScheduler(t, model.Scheduler{MaxConcurrent: limit})
	sub := hub.Subscribe()
	defer sub.Close()

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range count {
			p := <-engine.started
			go func() {
				<-release
				time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
				p.succeed()
			}()
		}
	}()

	for i := range count {
		s.Submit(spec(fmt.Sprintf("job%d", i)))
	}
	close(release)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	<-done

	statuses := make(map[string]model.Status)
	maxRunning := 0
	for len(sub.Events()) > 0 {
		e := <-sub.Events()
		if e.Job == nil {
			continue
		}
		statuses[e.Job.ID] = e.Job.Status
		running := 0
		for _, st := range statuses {
			if st == model.StatusRunning {
				running++
			}
		}
		maxRunning = max(maxRunning, running)
	}
	require.Zero(t, sub.Dropped())
	require.Equal(t, limit, maxRunning)

	for _, job := range s.List() {
		require.Equal(t, model.StatusCompleted, job.Status)
		require.Equal(t, 100, job.Progress)
		require.Equal(t, 1, job.Attempt)
		require.Equal(t, 1, engine.spawned(job.ID))
	}
}

func TestSchedulerQueueOrder(t *testing.T) {
	t.Parallel()
	s, engine, _ := newScheduler(t, model.Scheduler{MaxConcurrent: 1})

	a := s.Submit(spec("a"))
	b := s.Submit(spec("b"))
	c := s.Submit(spec("c"))
	require.Equal(t, []string{a, b, c}, ids(s.List()))

	for _, id := range []string{a, b, c} {
		p := engine.next(t)
		require.Equal(t, id, p.job.ID)
		p.succeed()
		eventually(t, s, id, model.StatusCompleted)
	}
}

func TestSchedulerCancelPending(t *testing.T) {
	t.Parallel()
	s, engine, _ := newScheduler(t, model.Scheduler{MaxConcurrent: 1})

	a := s.Submit(spec("a"))
	b := s.Submit(spec("b"))
	pa := engine.next(t)
	require.Equal(t, model.StatusPending, status(t, s, b))

	require.True(t, s.Cancel(b))
	require.Equal(t, model.StatusCancelled, status(t, s, b))
	require.False(t, s.Cancel(b))

	pa.succeed()
	eventually(t, s, a, model.StatusCompleted)
	engine.none(t)
	require.Zero(t, engine.spawned(b))
	// cancelled jobs keep their place in the listing
	require.Equal(t, []string{a, b}, ids(s.List()))
}

func TestSchedulerCancelRunning(t *testing.T) {
	t.Parallel()
	s, engine, _ := newScheduler(t, model.Scheduler{MaxConcurrent: 1})
	engine.linger = true

	fr := spec("a")
	fr.FrameRange = &model.FrameRange{Start: 1, End: 10}
	a := s.Submit(fr)
	b := s.Submit(spec("b"))

	pa := engine.next(t)
	pa.frame("Fra:3 Mem:10M")
	job, _ := s.Get(a)
	require.Equal(t, 30, job.Progress)
	require.Equal(t, 3, job.CurrentFrame)
	require.Equal(t, 10, job.TotalFrames)

	require.True(t, s.Cancel(a))
	require.Equal(t, model.StatusCancelled, status(t, s, a))
	require.True(t, pa.wasCancelled())

	// the engine is still exiting, its slot is not free yet
	engine.none(t)
	require.Equal(t, model.StatusPending, status(t, s, b))
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	// late output of the released process changes nothing
	pa.frame("Fra:9 Mem:10M")
	job, _ = s.Get(a)
	require.Equal(t, model.StatusCancelled, job.Status)
	require.Equal(t, 30, job.Progress)
	require.False(t, job.CompletedAt.IsZero())
	require.False(t, s.Cancel(a))

	pa.interrupted()
	pb := engine.next(t)
	require.Equal(t, b, pb.job.ID)
	require.Equal(t, model.StatusCancelled, status(t, s, a))

	pb.succeed()
	eventually(t, s, b, model.StatusCompleted)
	require.Equal(t, model.StatusCancelled, status(t, s, a))
}

func TestSchedulerRetryWhileExiting(t *testing.T) {
	t.Parallel()
	s, engine, _ := newScheduler(t, model.Scheduler{MaxConcurrent: 2})
	engine.linger = true

	a := s.Submit(spec("a"))
	pa := engine.next(t)
	require.True(t, s.Cancel(a))

	// a free slot exists, but the job still has a live process
	require.True(t, s.Retry(a))
	require.Equal(t, model.StatusPending, status(t, s, a))
	b := s.Submit(spec("b"))
	pb := engine.next(t)
	require.Equal(t, b, pb.job.ID)
	engine.none(t)
	require.Equal(t, 1, engine.spawned(a))

	pa.interrupted()
	pa2 := engine.next(t)
	require.Equal(t, a, pa2.job.ID)
	require.Equal(t, 2, engine.spawned(a))

	pa2.succeed()
	pb.succeed()
	eventually(t, s, a, model.StatusCompleted)
	eventually(t, s, b, model.StatusCompleted)
}

func TestSchedulerCancelUnknown(t *testing.T) {
	t.Parallel()
	s, _, _ := newScheduler(t, model.Scheduler{MaxConcurrent: 1})
	require.False(t, s.Cancel("nope"))
	require.False(t, s.Remove("nope"))
	require.False(t, s.Retry("nope"))
	require.False(t, s.MoveUp("nope"))
	_, ok := s.Get("nope")
	require.False(t, ok)
}

func TestSchedulerRetry(t *testing.T) {
	t.Parallel()
	s, engine, _ := newScheduler(t, model.Scheduler{MaxConcurrent: 1})

	a := s.Submit(spec("a"))
	b := s.Submit(spec("b"))

	pa := engine.next(t)
	require.False(t, s.Retry(a), "running job can't be retried")
	require.False(t, s.Retry(b), "pending job can't be retried")

	pa.fail("Segmentation fault")
	eventually(t, s, a, model.StatusFailed)
	job, _ := s.Get(a)
	require.Equal(t, model.ErrorKindNonZeroExit, job.ErrorKind)
	require.Contains(t, job.ErrorDetail, "Segmentation fault")
	require.False(t, job.CompletedAt.IsZero())

	pb := engine.next(t)
	require.Equal(t, b, pb.job.ID)

	s.Pause()
	require.True(t, s.Retry(a))
	job, _ = s.Get(a)
	require.Equal(t, model.StatusPending, job.Status)
	require.Empty(t, job.ErrorKind)
	require.Empty(t, job.ErrorDetail)
	require.Zero(t, job.Progress)
	require.True(t, job.CompletedAt.IsZero())
	require.Equal(t, 1, job.Attempt)
	require.Equal(t, []string{b, a}, ids(s.List()))

	pb.succeed()
	eventually(t, s, b, model.StatusCompleted)
	require.False(t, s.Retry(b), "completed job can't be retried")
	engine.none(t)

	s.Resume()
	pa2 := engine.next(t)
	require.Equal(t, a, pa2.job.ID)
	require.Equal(t, 2, engine.spawned(a))
	pa2.succeed()
	eventually(t, s, a, model.StatusCompleted)
	job, _ = s.Get(a)
	require.Equal(t, 2, job.Attempt)
}

func TestSchedulerRetryCancelled(t *testing.T) {
	t.Parallel()
	s, engine, _ := newScheduler(t, model.Scheduler{MaxConcurrent: 1})

	a := s.Submit(spec("a"))
	pa := engine.next(t)
	require.True(t, s.Cancel(a))
	require.True(t, pa.wasCancelled())

	require.True(t, s.Retry(a))
	pa2 := engine.next(t)
	require.NotSame(t, pa, pa2)
	require.Equal(t, model.StatusRunning, status(t, s, a))
	pa2.succeed()
	eventually(t, s, a, model.StatusCompleted)
}

func TestSchedulerMove(t *testing.T) {
	t.Parallel()
	s, engine, hub := newScheduler(t, model.Scheduler{MaxConcurrent: 1})
	s.Pause()
	require.True(t, s.Paused())

	a := s.Submit(spec("a"))
	b := s.Submit(spec("b"))
	c := s.Submit(spec("c"))
	engine.none(t)

	sub := hub.Subscribe()
	defer sub.Close()

	require.False(t, s.MoveUp(a))
	require.False(t, s.MoveDown(c))
	require.Equal(t, []string{a, b, c}, ids(s.List()))
	require.Zero(t, len(sub.Events()))

	require.True(t, s.MoveUp(c))
	require.Equal(t, []string{a, c, b}, ids(s.List()))
	e := <-sub.Events()
	require.Equal(t, notify.EventJobsReordered, e.Type)
	require.Equal(t, []string{a, c, b}, e.IDs)

	require.True(t, s.MoveDown(a))
	require.Equal(t, []string{c, a, b}, ids(s.List()))

	s.Start()
	require.False(t, s.Paused())
	p := engine.next(t)
	require.Equal(t, c, p.job.ID)
	p.succeed()
	p = engine.next(t)
	require.Equal(t, a, p.job.ID)
	p.succeed()
	p = engine.next(t)
	require.Equal(t, b, p.job.ID)
	p.succeed()
	eventually(t, s, b, model.StatusCompleted)
}

func TestSchedulerCompleted(t *testing.T) {
	t.Parallel()
	s, engine, _ := newScheduler(t, model.Scheduler{MaxConcurrent: 1})

	a := s.Submit(spec("a"))
	job, _ := s.Get(a)
	require.False(t, job.CreatedAt.IsZero())

	p := engine.next(t)
	job, _ = s.Get(a)
	require.Equal(t, model.StatusRunning, job.Status)
	require.Equal(t, 1, job.Attempt)
	require.Equal(t, 1, job.TotalFrames)
	require.False(t, job.StartedAt.IsZero())
	require.True(t, job.CompletedAt.IsZero())

	p.frame("Fra:1 Mem:10M | Sample 64/128 | Time:00:02.10 | Remaining:00:02.00")
	job, _ = s.Get(a)
	require.Equal(t, 50, job.Progress)
	require.Equal(t, "00:02.10", job.Elapsed)
	require.Equal(t, "00:02.00", job.Remaining)

	p.frame("Saved: '/tmp/out/still.png'")
	p.succeed()
	eventually(t, s, a, model.StatusCompleted)

	job, _ = s.Get(a)
	require.Equal(t, 100, job.Progress)
	require.Equal(t, "/tmp/out/still.png", job.LastSaved)
	require.False(t, job.CompletedAt.Before(job.StartedAt))
	require.Empty(t, job.ErrorKind)
	require.Empty(t, job.Warning)
}

func TestSchedulerProgress(t *testing.T) {
	t.Parallel()
	s, engine, _ := newScheduler(t, model.Scheduler{MaxConcurrent: 1})

	fr := spec("a")
	fr.FrameRange = &model.FrameRange{Start: 1, End: 10}
	a := s.Submit(fr)
	p := engine.next(t)

	p.frame("Fra:5 Mem:10M")
	job, _ := s.Get(a)
	require.Equal(t, 50, job.Progress)

	p.frame("Fra:2 Mem:10M")
	job, _ = s.Get(a)
	require.Equal(t, 2, job.CurrentFrame)
	require.Equal(t, 50, job.Progress, "progress never decreases")

	p.frame("Error: Not freed memory blocks")
	job, _ = s.Get(a)
	require.Equal(t, model.StatusRunning, job.Status)
	require.Equal(t, "Error: Not freed memory blocks", job.Warning)

	p.succeed()
	eventually(t, s, a, model.StatusCompleted)
}

func TestSchedulerDegenerateRange(t *testing.T) {
	t.Parallel()
	s, engine, _ := newScheduler(t, model.Scheduler{MaxConcurrent: 1})

	fr := spec("a")
	fr.FrameRange = &model.FrameRange{Start: 5, End: 3}
	a := s.Submit(fr)
	p := engine.next(t)
	job, _ := s.Get(a)
	require.Equal(t, 100, job.Progress)
	require.Zero(t, job.TotalFrames)
	p.succeed()
	eventually(t, s, a, model.StatusCompleted)
}

func TestSchedulerStopAll(t *testing.T) {
	t.Parallel()
	s, engine, _ := newScheduler(t, model.Scheduler{MaxConcurrent: 2})

	a := s.Submit(spec("a"))
	b := s.Submit(spec("b"))
	c := s.Submit(spec("c"))
	pa := engine.next(t)
	pb := engine.next(t)

	s.StopAll()
	require.True(t, s.Paused())
	require.Equal(t, model.StatusCancelled, status(t, s, a))
	require.Equal(t, model.StatusCancelled, status(t, s, b))
	require.Equal(t, model.StatusPending, status(t, s, c))
	require.True(t, pa.wasCancelled())
	require.True(t, pb.wasCancelled())
	engine.none(t)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx), "paused scheduler without running jobs is idle")

	s.Resume()
	pc := engine.next(t)
	require.Equal(t, c, pc.job.ID)
	pc.succeed()
	eventually(t, s, c, model.StatusCompleted)
}

func TestSchedulerClearTerminal(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario       string
		clearCancelled bool
	}{
		{"keep cancelled", false},
		{"clear cancelled", true},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			s, engine, hub := newScheduler(t, model.Scheduler{MaxConcurrent: 3, ClearCancelled: tc.clearCancelled})

			completed := s.Submit(spec("completed"))
			failed := s.Submit(spec("failed"))
			cancelled := s.Submit(spec("cancelled"))
			procs := map[string]*fakeProcess{}
			for range 3 {
				p := engine.next(t)
				procs[p.job.ID] = p
			}
			s.Pause()
			pending := s.Submit(spec("pending"))

			procs[completed].succeed()
			procs[failed].fail("")
			require.True(t, s.Cancel(cancelled))
			eventually(t, s, completed, model.StatusCompleted)
			eventually(t, s, failed, model.StatusFailed)

			sub := hub.Subscribe()
			defer sub.Close()

			removed := s.ClearTerminal()
			expected := []string{completed, failed}
			left := []string{cancelled, pending}
			if tc.clearCancelled {
				expected = []string{completed, failed, cancelled}
				left = []string{pending}
			}
			require.ElementsMatch(t, expected, removed)
			require.Equal(t, left, ids(s.List()))

			e := <-sub.Events()
			require.Equal(t, notify.EventJobsRemoved, e.Type)
			require.ElementsMatch(t, expected, e.IDs)

			require.Nil(t, s.ClearTerminal())
		})
	}
}

func TestSchedulerSetLimit(t *testing.T) {
	t.Parallel()
	s, engine, _ := newScheduler(t, model.Scheduler{MaxConcurrent: 1})
	require.Equal(t, 1, s.Limit())

	s.Submit(spec("a"))
	s.Submit(spec("b"))
	s.Submit(spec("c"))
	pa := engine.next(t)
	engine.none(t)

	s.SetLimit(3)
	require.Equal(t, 3, s.Limit())
	pb := engine.next(t)
	pc := engine.next(t)

	// lowering the limit never stops running jobs
	s.SetLimit(0)
	require.Equal(t, 1, s.Limit())
	for _, p := range []*fakeProcess{pa, pb, pc} {
		require.Equal(t, model.StatusRunning, status(t, s, p.job.ID))
		require.False(t, p.wasCancelled())
		p.succeed()
	}
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestSchedulerRemove(t *testing.T) {
	t.Parallel()
	s, engine, hub := newScheduler(t, model.Scheduler{MaxConcurrent: 1})

	a := s.Submit(spec("a"))
	b := s.Submit(spec("b"))
	pa := engine.next(t)

	sub := hub.Subscribe()
	defer sub.Close()

	require.True(t, s.Remove(a))
	require.True(t, pa.wasCancelled())
	_, ok := s.Get(a)
	require.False(t, ok)
	require.Equal(t, []string{b}, ids(s.List()))

	pb := engine.next(t)
	require.Equal(t, b, pb.job.ID)

	var removed bool
	for len(sub.Events()) > 0 {
		e := <-sub.Events()
		if e.Type == notify.EventJobsRemoved {
			require.Equal(t, []string{a}, e.IDs)
			removed = true
		}
	}
	require.True(t, removed)
	pb.succeed()
	eventually(t, s, b, model.StatusCompleted)
}

func TestSchedulerStartFailure(t *testing.T) {
	t.Parallel()
	s, engine, _ := newScheduler(t, model.Scheduler{MaxConcurrent: 1})
	engine.startErr = fmt.Errorf("%w: stat scene.blend: no such file or directory", model.ErrInputNotFound)

	a := s.Submit(spec("a"))
	b := s.Submit(spec("b"))
	eventually(t, s, a, model.StatusFailed)
	eventually(t, s, b, model.StatusFailed)

	job, _ := s.Get(a)
	require.Equal(t, model.ErrorKindInputNotFound, job.ErrorKind)
	require.Contains(t, job.ErrorDetail, "scene.blend")
	require.Nil(t, job.ExitCode)
	require.Zero(t, engine.spawned(a))
}

func TestSchedulerWait(t *testing.T) {
	t.Parallel()
	s, engine, _ := newScheduler(t, model.Scheduler{MaxConcurrent: 1})

	s.Submit(spec("a"))
	p := engine.next(t)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	go p.succeed()
	ctx2, cancel2 := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel2()
	require.NoError(t, s.Wait(ctx2))
}

func TestSchedulerShutdown(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine()
	s := service.NewScheduler(t.Context(), model.Scheduler{MaxConcurrent: 2}, engine.New, nil)

	a := s.Submit(spec("a"))
	p := engine.next(t)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.True(t, p.wasCancelled())
	require.Equal(t, model.StatusCancelled, status(t, s, a))
}

func TestSchedulerRunner(t *testing.T) {
	t.Parallel()
	engine, input := engineScript(t, `
i=1
while [ $i -le 3 ]; do
  echo "Fra:$i Mem:12.00M | Time:00:00.0$i | Rendering 1 / 1 samples"
  echo "Saved: '/tmp/out/frame_000$i.png'"
  i=$((i+1))
done`)

	hub := notify.NewHub(256)
	defer hub.Close()
	s := service.NewScheduler(t.Context(),
		model.Scheduler{MaxConcurrent: 2},
		service.RunnerFunc(model.Engine{Path: engine, GracePeriod: time.Second}),
		hub,
	)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	}()

	ok1 := s.Submit(model.JobSpec{InputFile: input, OutputTarget: "/tmp/out/frame", FrameRange: &model.FrameRange{Start: 1, End: 3}})
	ok2 := s.Submit(model.JobSpec{InputFile: input, OutputTarget: "/tmp/out/frame", FrameRange: &model.FrameRange{Start: 1, End: 3}})
	missing := s.Submit(model.JobSpec{InputFile: input + ".missing", OutputTarget: "/tmp/out/frame"})

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	for _, id := range []string{ok1, ok2} {
		job, _ := s.Get(id)
		require.Equal(t, model.StatusCompleted, job.Status)
		require.Equal(t, 100, job.Progress)
		require.Equal(t, 3, job.CurrentFrame)
		require.Equal(t, 3, job.TotalFrames)
		require.Equal(t, "/tmp/out/frame_0003.png", job.LastSaved)
		require.NotNil(t, job.ExitCode)
		require.Zero(t, *job.ExitCode)
	}

	job, _ := s.Get(missing)
	require.Equal(t, model.StatusFailed, job.Status)
	require.Equal(t, model.ErrorKindInputNotFound, job.ErrorKind)
	require.Nil(t, job.ExitCode)
}
