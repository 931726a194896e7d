// Package storage is the durable record of jobs, their run history and the
// notification inbox.
//
// The job row's running_session_id column is the run lock: MarkJobRunning
// claims it with a single conditional UPDATE, and every path that finishes an
// execution (MarkJobCompleted, ScheduleRetry, ReleaseJob) clears it. DueJobs
// never returns a locked row.
package storage
