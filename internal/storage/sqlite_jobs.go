package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"skillcron/internal/task/schedule"
)

const jobColumns = `id, name, description, enabled,
	schedule_kind, schedule_at_ms, schedule_every_ms, schedule_cron_expr, schedule_cron_tz,
	target_kind, target_id, target_query, target_profile_id,
	max_retries, backoff_ms,
	source_channel, source_address, notify_channel, notify_address,
	next_run_at_ms, last_run_at_ms, last_status, last_error, running_session_id, retry_count,
	created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var (
		j                              Job
		enabled                        int
		kind                           string
		atMs, everyMs                  sql.NullInt64
		cronExpr, cronTZ, profile      sql.NullString
		backoffMs                      int64
		srcCh, srcAddr, notCh, notAddr sql.NullString
		nextMs, lastMs                 sql.NullInt64
		lastStatus, lastErr, session   sql.NullString
		createdMs, updatedMs           int64
	)
	err := r.Scan(&j.ID, &j.Name, &j.Description, &enabled,
		&kind, &atMs, &everyMs, &cronExpr, &cronTZ,
		&j.Target.Kind, &j.Target.ID, &j.Target.Query, &profile,
		&j.Retry.MaxRetries, &backoffMs,
		&srcCh, &srcAddr, &notCh, &notAddr,
		&nextMs, &lastMs, &lastStatus, &lastErr, &session, &j.RetryCount,
		&createdMs, &updatedMs,
	)
	if err != nil {
		return Job{}, err
	}

	j.Enabled = enabled != 0
	switch schedule.Kind(kind) {
	case schedule.KindAt:
		j.Schedule = schedule.At{At: time.UnixMilli(atMs.Int64)}
	case schedule.KindEvery:
		j.Schedule = schedule.Every{Interval: time.Duration(everyMs.Int64) * time.Millisecond}
	case schedule.KindCron:
		j.Schedule = schedule.Cron{Expr: cronExpr.String, TZ: cronTZ.String}
	default:
		return Job{}, errors.Newf("job %s: unknown schedule kind %q", j.ID, kind)
	}
	j.Target.ProfileID = profile.String
	j.Retry.Backoff = time.Duration(backoffMs) * time.Millisecond
	j.Source = Endpoint{Channel: srcCh.String, Address: srcAddr.String}
	j.Notify = Endpoint{Channel: notCh.String, Address: notAddr.String}
	j.NextRunAt = timePtr(nextMs)
	j.LastRunAt = timePtr(lastMs)
	j.LastStatus = Status(lastStatus.String)
	j.LastError = lastErr.String
	j.RunningSessionID = session.String
	j.CreatedAt = time.UnixMilli(createdMs)
	j.UpdatedAt = time.UnixMilli(updatedMs)
	return j, nil
}

// scheduleColumns flattens s into (kind, at_ms, every_ms, cron_expr, cron_tz).
func scheduleColumns(s schedule.Schedule) (string, any, any, any, any, error) {
	switch v := s.(type) {
	case schedule.At:
		return string(schedule.KindAt), v.At.UnixMilli(), nil, nil, nil, nil
	case schedule.Every:
		return string(schedule.KindEvery), nil, v.Interval.Milliseconds(), nil, nil, nil
	case schedule.Cron:
		return string(schedule.KindCron), nil, nil, strings.TrimSpace(v.Expr), nullStr(v.TZ), nil
	default:
		return "", nil, nil, nil, nil, errors.Newf("unsupported schedule %T", s)
	}
}

func (s *sqliteStore) nextRunMs(sch schedule.Schedule, last *time.Time, now time.Time) any {
	next, ok := s.calc.NextRunAt(sch, last, now)
	if !ok {
		return nil
	}
	return next.UnixMilli()
}

func (s *sqliteStore) CreateJob(ctx context.Context, j Job) (Job, error) {
	if s == nil || s.db == nil {
		return Job{}, ErrDisabled
	}
	if err := schedule.Validate(j.Schedule); err != nil {
		return Job{}, err
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Target.Kind == "" {
		j.Target.Kind = TargetKindSkill
	}
	now := s.now()
	kind, atMs, everyMs, expr, tz, err := scheduleColumns(j.Schedule)
	if err != nil {
		return Job{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs(id, name, description, enabled,
			schedule_kind, schedule_at_ms, schedule_every_ms, schedule_cron_expr, schedule_cron_tz,
			target_kind, target_id, target_query, target_profile_id,
			max_retries, backoff_ms,
			source_channel, source_address, notify_channel, notify_address,
			next_run_at_ms, retry_count, created_at_ms, updated_at_ms)
		 VALUES(?,?,?,?, ?,?,?,?,?, ?,?,?,?, ?,?, ?,?,?,?, ?,0,?,?)`,
		j.ID, j.Name, j.Description, boolInt(j.Enabled),
		kind, atMs, everyMs, expr, tz,
		j.Target.Kind, j.Target.ID, j.Target.Query, nullStr(j.Target.ProfileID),
		j.Retry.MaxRetries, j.Retry.Backoff.Milliseconds(),
		nullStr(j.Source.Channel), nullStr(j.Source.Address), nullStr(j.Notify.Channel), nullStr(j.Notify.Address),
		s.nextRunMs(j.Schedule, nil, now), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return Job{}, errors.Wrapf(err, "create job %s", j.ID)
	}
	return s.GetJob(ctx, j.ID)
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (Job, error) {
	if s == nil || s.db == nil {
		return Job{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM cron_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return Job{}, errors.Wrapf(err, "get job %s", id)
	}
	return j, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		where []string
		args  []any
	)
	if f.SourceChannel != "" {
		where = append(where, "source_channel = ?")
		args = append(args, f.SourceChannel)
	}
	if f.SourceAddress != "" {
		where = append(where, "source_address = ?")
		args = append(args, f.SourceAddress)
	}
	if f.EnabledOnly {
		where = append(where, "enabled = 1")
	}
	q := `SELECT ` + jobColumns + ` FROM cron_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at_ms DESC, id"
	return s.queryJobs(ctx, q, args...)
}

func (s *sqliteStore) queryJobs(ctx context.Context, q string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateJob(ctx context.Context, id string, p JobPatch) (Job, error) {
	if s == nil || s.db == nil {
		return Job{}, ErrDisabled
	}
	if p.Schedule != nil {
		if err := schedule.Validate(p.Schedule); err != nil {
			return Job{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM cron_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return Job{}, errors.Wrapf(err, "update job %s", id)
	}

	// Any edit counts as a fresh start for the retry budget.
	sets := []string{"updated_at_ms = ?", "retry_count = 0"}
	now := s.now()
	args := []any{now.UnixMilli()}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.Enabled != nil {
		add("enabled", boolInt(*p.Enabled))
	}
	if p.Target != nil {
		kind := p.Target.Kind
		if kind == "" {
			kind = TargetKindSkill
		}
		add("target_kind", kind)
		add("target_id", p.Target.ID)
		add("target_query", p.Target.Query)
		add("target_profile_id", nullStr(p.Target.ProfileID))
	}
	if p.Retry != nil {
		add("max_retries", p.Retry.MaxRetries)
		add("backoff_ms", p.Retry.Backoff.Milliseconds())
	}
	if p.Notify != nil {
		add("notify_channel", nullStr(p.Notify.Channel))
		add("notify_address", nullStr(p.Notify.Address))
	}
	if p.Schedule != nil {
		kind, atMs, everyMs, expr, tz, err := scheduleColumns(p.Schedule)
		if err != nil {
			return Job{}, err
		}
		add("schedule_kind", kind)
		add("schedule_at_ms", atMs)
		add("schedule_every_ms", everyMs)
		add("schedule_cron_expr", expr)
		add("schedule_cron_tz", tz)
		add("next_run_at_ms", s.nextRunMs(p.Schedule, cur.LastRunAt, now))
	}

	args = append(args, id)
	if _, err := tx.ExecContext(ctx, `UPDATE cron_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return Job{}, errors.Wrapf(err, "update job %s", id)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, err
	}
	return s.GetJob(ctx, id)
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return false, errors.Wrapf(err, "delete job %s", id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkJobRunning claims the run lock. The check and the claim are one
// statement; callers must not read-then-write.
func (s *sqliteStore) MarkJobRunning(ctx context.Context, id, sessionID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if sessionID == "" {
		return false, errors.New("session id is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_jobs SET running_session_id = ?, updated_at_ms = ?
		 WHERE id = ? AND running_session_id IS NULL`,
		sessionID, s.nowMs(), id,
	)
	if err != nil {
		return false, errors.Wrapf(err, "lock job %s", id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) MarkJobCompleted(ctx context.Context, id string, status Status, errMsg string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if status != StatusOK && status != StatusError {
		return errors.Newf("invalid completion status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM cron_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return errors.Wrapf(err, "complete job %s", id)
	}

	now := s.now()
	if status == StatusOK {
		errMsg = ""
	}
	q := `UPDATE cron_jobs SET running_session_id = NULL, last_status = ?, last_error = ?,
			last_run_at_ms = ?, next_run_at_ms = ?, updated_at_ms = ?`
	if status == StatusOK {
		q += `, retry_count = 0`
	}
	q += ` WHERE id = ?`
	if _, err := tx.ExecContext(ctx, q,
		string(status), nullStr(errMsg), now.UnixMilli(), s.nextRunMs(cur.Schedule, &now, now), now.UnixMilli(), id,
	); err != nil {
		return errors.Wrapf(err, "complete job %s", id)
	}
	return tx.Commit()
}

func (s *sqliteStore) ScheduleRetry(ctx context.Context, id string, previousRetryCount int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	now := s.nowMs()
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_jobs SET retry_count = ?, next_run_at_ms = ? + backoff_ms,
			running_session_id = NULL, updated_at_ms = ?
		 WHERE id = ?`,
		previousRetryCount+1, now, now, id,
	)
	if err != nil {
		return errors.Wrapf(err, "schedule retry %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return nil
}

// ReleaseJob clears the lock only if sessionID still owns it.
func (s *sqliteStore) ReleaseJob(ctx context.Context, id, sessionID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cron_jobs SET running_session_id = NULL, updated_at_ms = ?
		 WHERE id = ? AND running_session_id = ?`,
		s.nowMs(), id, sessionID,
	)
	if err != nil {
		return false, errors.Wrapf(err, "release job %s", id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) DueJobs(ctx context.Context) ([]Job, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM cron_jobs
		 WHERE enabled = 1 AND running_session_id IS NULL
		   AND next_run_at_ms IS NOT NULL AND next_run_at_ms <= ?
		 ORDER BY next_run_at_ms`,
		s.nowMs(),
	)
}

func (s *sqliteStore) NextWakeAt(ctx context.Context) (*time.Time, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_run_at_ms) FROM cron_jobs
		 WHERE enabled = 1 AND running_session_id IS NULL AND next_run_at_ms IS NOT NULL`,
	).Scan(&ms)
	if err != nil {
		return nil, err
	}
	return timePtr(ms), nil
}

// RecoverInterrupted clears locks left by a process that died mid-run and
// closes the runs it left open. Only call it before the poller starts.
func (s *sqliteStore) RecoverInterrupted(ctx context.Context) (int64, int64, error) {
	if s == nil || s.db == nil {
		return 0, 0, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.nowMs()
	jr, err := tx.ExecContext(ctx,
		`UPDATE cron_jobs SET running_session_id = NULL, updated_at_ms = ?
		 WHERE running_session_id IS NOT NULL`, now)
	if err != nil {
		return 0, 0, errors.Wrap(err, "recover locks")
	}
	rr, err := tx.ExecContext(ctx,
		`UPDATE cron_runs SET status = 'error', error = 'interrupted',
			duration_ms = ? - started_at_ms, completed_at_ms = ?
		 WHERE completed_at_ms IS NULL`, now, now)
	if err != nil {
		return 0, 0, errors.Wrap(err, "recover runs")
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	jobs, _ := jr.RowsAffected()
	runs, _ := rr.RowsAffected()
	return jobs, runs, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
