// Package schedule computes when a job fires next.
//
// A schedule is one of three kinds:
//   - At: a single absolute instant; once it has passed the job never fires again.
//   - Every: a fixed interval anchored on the last run (or on "now" for a fresh job).
//   - Cron: a standard five-field cron expression evaluated in an IANA timezone.
//
// Everything here is pure: callers pass the wall-clock "now" explicitly so the
// results are deterministic in tests.
package schedule
