// Package service implements the render queue: the Scheduler and the
// supervision of engine subprocesses.
//
// Overview
// The Scheduler owns the job store and is the single writer of job state.
// Clients submit jobs and control the queue (cancel, retry, reorder, pause).
// Whenever a slot under the concurrency limit is free, the first pending job
// in queue order is admitted and handed to a fresh Process.
//
// Runner is the Process spawning the render engine via os/exec:
//   - resolves the engine and checks the input file before spawning
//   - feeds stdout to the progress parser as it arrives
//   - keeps the tail of stderr for the error detail
//   - on cancel sends SIGINT and kills the process after a grace period
//   - delivers exactly one Result through Done
//
// Data flow:
//
//   Scheduler              run{job, attempt}         Runner{cmd}
//       |                        |                       |
//   admit ---------------------->| Start() ------------->| os/exec.Start + Wait() in goroutine
//       |<-- progress(update) ---|<---- stdout chunks ---|
//       |<-- finish(result) -----|<------ Result --------| (process exits)
//   admit next                   |                       |
//
// Invariants:
//   - At most limit jobs are running, admission decisions never race.
//   - Every admitted run owns a distinct Process and gets one terminal Result.
//   - Progress and results of a released run (cancelled, removed) are ignored.
//   - A job's progress never decreases within a run.
package service
