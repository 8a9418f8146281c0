// Package engine implements execution of external tools for the UI.
//
// Overview
// The Engine owns an event loop (Do) and a Registry of running jobs keyed by
// a caller supplied job id. Dispatch methods return immediately, the outcome
// is reported as Events to a Sink, usually a Hub with the IPC or HTTP front
// ends subscribed.
//
// Dispatch:
//   - RunSingle starts a native tool in the directory of the binary
//   - RunPython locates python or python3 and runs the script with it
//   - RunSerial runs a private queue of jobs, one after another
//   - KillJob sends SIGKILL to a running job
//
// Before every dispatch the login shell environment is resolved again and it
// is used as the environment of the spawned tools. The interpreter is located
// for each Python job, nothing is cached.
//
// Data flow:
//
//   caller               dispatch goroutine          event loop (Do)        process
//     |                        |                          |                     |
//   RunSingle --------------->| env, interpreter          |                     |
//     |<- nil                  | request{opStart} ------->| Start, Register --->|
//     |                        |                          |<-- stdout/stderr ---| tool-data(-error)
//     |                        |                          |<-- exit ------------| tool-data-done, Remove
//   KillJob ------------------------------- opKill ------>| Terminate, tool-killed
//
// Invariants:
//   - At most one process per job id, a second start of a running job id is
//     rejected with tool-data-error.
//   - A job is registered before its first output event.
//   - tool-data-done is the last event of a job and is emitted exactly once,
//     also for a job which could not be spawned (code -1) or was killed (-1).
//   - tool-killed precedes tool-data-done of the killed job.
//   - At most one stage of a Pipeline runs at a time. A killed stage ends
//     with tool-data-done and the pipeline advances.
//   - No timeouts, jobs run until they exit or are killed. Stopping the
//     engine kills all of them.
//
// internal/engine/engine_test.go is the best source about how to use the Engine.
package engine
