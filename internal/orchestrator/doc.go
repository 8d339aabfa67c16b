// Package orchestrator turns queued jobs into finished execution records.
//
// Ownership boundary:
// - the worker pool (late acknowledgement, one job per slot)
// - dispatching a command to the target host and relaying its stream
// - the execution record lifecycle from PENDING to a terminal status
// - the submission path that creates records and enqueues jobs
//
// Only the worker holding a job's lease writes its record.
package orchestrator
