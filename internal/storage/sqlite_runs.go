package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 200
)

func (s *sqliteStore) CreateRun(ctx context.Context, jobID, sessionID string, trigger Trigger) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if trigger == "" {
		trigger = TriggerSchedule
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_runs(job_id, session_id, trigger_kind, started_at_ms) VALUES(?,?,?,?)`,
		jobID, sessionID, string(trigger), s.nowMs(),
	)
	if err != nil {
		return 0, errors.Wrapf(err, "create run for job %s", jobID)
	}
	return res.LastInsertId()
}

// CompleteRun closes an open run. Closed runs are never rewritten.
func (s *sqliteStore) CompleteRun(ctx context.Context, runID int64, status Status, errMsg string, took time.Duration) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if status != StatusOK && status != StatusError {
		return errors.Newf("invalid run status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_runs SET status = ?, error = ?, duration_ms = ?, completed_at_ms = ?
		 WHERE id = ? AND completed_at_ms IS NULL`,
		string(status), nullStr(errMsg), took.Milliseconds(), s.nowMs(), runID,
	)
	if err != nil {
		return errors.Wrapf(err, "complete run %d", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "open run %d", runID)
	}
	return nil
}

func (s *sqliteStore) ListRuns(ctx context.Context, jobID string, limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, session_id, trigger_kind, status, error, duration_ms, started_at_ms, completed_at_ms
		 FROM cron_runs WHERE job_id = ? ORDER BY started_at_ms DESC, id DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r              Run
			trigger        string
			status, errMsg sql.NullString
			durMs, doneMs  sql.NullInt64
			startedMs      int64
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.SessionID, &trigger, &status, &errMsg, &durMs, &startedMs, &doneMs); err != nil {
			return nil, err
		}
		r.Trigger = Trigger(trigger)
		r.Status = Status(status.String)
		r.Error = errMsg.String
		r.Duration = time.Duration(durMs.Int64) * time.Millisecond
		r.StartedAt = time.UnixMilli(startedMs)
		r.CompletedAt = timePtr(doneMs)
		out = append(out, r)
	}
	return out, rows.Err()
}
