// Logic for interacting with the "job_records" table.
//
// Every mutation of a guard field (job_status, archive_status,
// retrieval_status) goes through a guarded single-field compare-and-set: the
// UPDATE only applies if the guard field still holds the expected prior
// value. A rejected guard is reported as GuardFailed, a value rather than an
// error; callers treat it as "another worker already advanced this job".
package jobrecords

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Shyp/go-dberror"
	"github.com/Shyp/go-types"
	"github.com/anserbio/annex/models"
)

// ErrNotFound indicates that the job record was not found.
var ErrNotFound = errors.New("Job record not found")

// UpdateResult reports the outcome of a conditional update.
type UpdateResult int

const (
	// Applied means the guard held and the update was written.
	Applied UpdateResult = iota
	// GuardFailed means the guard field no longer held the expected value
	// and the update was a no-op.
	GuardFailed
)

func (u UpdateResult) String() string {
	if u == Applied {
		return "applied"
	}
	return "guard_failed"
}

// Store reads and writes job records. All methods are safe for concurrent
// use; the database serializes the guarded updates.
type Store struct {
	conn *sql.DB

	createStmt         *sql.Stmt
	getStmt            *sql.Stmt
	byOwnerStmt        *sql.Stmt
	markRunningStmt    *sql.Stmt
	markCompletedStmt  *sql.Stmt
	markArchivedStmt   *sql.Stmt
	markRetrievingStmt *sql.Stmt
	markRetrievedStmt  *sql.Stmt
}

// New prepares all statements against conn and returns a Store.
func New(conn *sql.DB) (*Store, error) {
	if conn == nil {
		return nil, errors.New("jobrecords: no DB connection was established, can't query")
	}
	s := &Store{conn: conn}

	var err error
	query := fmt.Sprintf(`-- jobrecords.Create
INSERT INTO job_records (%s)
VALUES ($1, $2, $3, $4, $5, $6, '%s', '%s', '%s')
RETURNING %s`, insertFields(), models.StatusPending, models.StatusNotArchived,
		models.StatusNotRetrieved, fields())
	s.createStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- jobrecords.Get
SELECT %s
FROM job_records
WHERE job_id = $1`, fields())
	s.getStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- jobrecords.ArchivedNotRetrieved
SELECT %s
FROM job_records
WHERE user_id = $1
	AND archive_status = '%s'
	AND retrieval_status = '%s'
ORDER BY created_at ASC`, fields(), models.StatusArchived, models.StatusNotRetrieved)
	s.byOwnerStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- jobrecords.MarkRunning
UPDATE job_records
SET job_status = '%s',
	updated_at = now()
WHERE job_id = $1
	AND job_status = '%s'`, models.StatusRunning, models.StatusPending)
	s.markRunningStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- jobrecords.MarkCompleted
UPDATE job_records
SET job_status = '%s',
	complete_time = $2,
	result_bucket = $3,
	result_key = $4,
	log_bucket = $5,
	log_key = $6,
	updated_at = now()
WHERE job_id = $1
	AND job_status = '%s'`, models.StatusCompleted, models.StatusRunning)
	s.markCompletedStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- jobrecords.MarkArchived
UPDATE job_records
SET archive_status = '%s',
	archive_id = $2,
	updated_at = now()
WHERE job_id = $1
	AND archive_status = '%s'`, models.StatusArchived, models.StatusNotArchived)
	s.markArchivedStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- jobrecords.MarkRetrieving
UPDATE job_records
SET retrieval_status = '%s',
	retrieval_id = $2,
	updated_at = now()
WHERE job_id = $1
	AND retrieval_status = '%s'`, models.StatusRetrieving, models.StatusNotRetrieved)
	s.markRetrievingStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}

	query = fmt.Sprintf(`-- jobrecords.MarkRetrieved
UPDATE job_records
SET retrieval_status = '%s',
	updated_at = now()
WHERE job_id = $1
	AND retrieval_status = '%s'`, models.StatusRetrieved, models.StatusRetrieving)
	s.markRetrievedStmt, err = conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create inserts a new PENDING record. A dberror.Error is returned if
// Postgres reports a constraint failure - in particular a duplicate job_id.
func (s *Store) Create(ctx context.Context, rec *models.JobRecord) (*models.JobRecord, error) {
	created := new(models.JobRecord)
	err := s.createStmt.QueryRowContext(ctx, rec.JobID, rec.UserID, rec.InputFileName,
		rec.InputLocation.Bucket, rec.InputLocation.Key, rec.SubmitTime).Scan(args(created)...)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	return created, nil
}

// Get the job record with the given id. If no record could be found, the
// error will be jobrecords.ErrNotFound.
func (s *Store) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	if jobID == "" {
		return nil, errors.New("jobrecords: invalid empty job id")
	}
	rec := new(models.JobRecord)
	err := s.getStmt.QueryRowContext(ctx, jobID).Scan(args(rec)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return rec, nil
}

// ArchivedNotRetrieved returns all of a user's records that are archived but
// have not begun retrieval, via the owner index. These are the jobs eligible
// for thawing on a tier upgrade.
func (s *Store) ArchivedNotRetrieved(ctx context.Context, userID string) ([]*models.JobRecord, error) {
	rows, err := s.byOwnerStmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	defer rows.Close()
	var recs []*models.JobRecord
	for rows.Next() {
		rec := new(models.JobRecord)
		if err := rows.Scan(args(rec)...); err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MarkRunning flips job_status PENDING -> RUNNING.
func (s *Store) MarkRunning(ctx context.Context, jobID string) (UpdateResult, error) {
	return s.conditional(ctx, s.markRunningStmt, jobID)
}

// MarkCompleted flips job_status RUNNING -> COMPLETED and records the
// completion time and the result/log locations. The record's archive and
// retrieval statuses were initialized at create time and are untouched here.
func (s *Store) MarkCompleted(ctx context.Context, jobID string, completeTime time.Time, result, logLoc models.Location) (UpdateResult, error) {
	return s.conditional(ctx, s.markCompletedStmt, jobID,
		types.NullTime{Valid: true, Time: completeTime},
		result.Bucket, result.Key, logLoc.Bucket, logLoc.Key)
}

// MarkArchived flips archive_status NOT_ARCHIVED -> ARCHIVED and records the
// vault handle. archive_id is set exactly once, alongside this transition.
func (s *Store) MarkArchived(ctx context.Context, jobID, archiveID string) (UpdateResult, error) {
	return s.conditional(ctx, s.markArchivedStmt, jobID, archiveID)
}

// MarkRetrieving flips retrieval_status NOT_RETRIEVED -> RETRIEVING and
// records the vault retrieval handle.
func (s *Store) MarkRetrieving(ctx context.Context, jobID, retrievalID string) (UpdateResult, error) {
	return s.conditional(ctx, s.markRetrievingStmt, jobID, retrievalID)
}

// MarkRetrieved flips retrieval_status RETRIEVING -> RETRIEVED.
func (s *Store) MarkRetrieved(ctx context.Context, jobID string) (UpdateResult, error) {
	return s.conditional(ctx, s.markRetrievedStmt, jobID)
}

// conditional runs a guarded update. Zero rows affected means either the
// guard failed or the record does not exist; a follow-up read distinguishes
// the two, since a missing record is an error while a stale guard is not.
func (s *Store) conditional(ctx context.Context, stmt *sql.Stmt, jobID string, extra ...interface{}) (UpdateResult, error) {
	params := append([]interface{}{jobID}, extra...)
	res, err := stmt.ExecContext(ctx, params...)
	if err != nil {
		return GuardFailed, dberror.GetError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return GuardFailed, err
	}
	if affected > 1 {
		// job_id is the primary key; this should not be possible.
		return GuardFailed, fmt.Errorf("jobrecords: %d rows affected by guarded update for job %s, please investigate", affected, jobID)
	}
	if affected == 1 {
		return Applied, nil
	}
	if _, err := s.Get(ctx, jobID); err != nil {
		return GuardFailed, err
	}
	return GuardFailed, nil
}

func insertFields() string {
	return `job_id,
	user_id,
	input_file_name,
	input_bucket,
	input_key,
	submit_time,
	job_status,
	archive_status,
	retrieval_status`
}

func fields() string {
	return `job_id,
	user_id,
	input_file_name,
	input_bucket,
	input_key,
	COALESCE(result_bucket, ''),
	COALESCE(result_key, ''),
	COALESCE(log_bucket, ''),
	COALESCE(log_key, ''),
	submit_time,
	complete_time,
	job_status,
	archive_status,
	retrieval_status,
	COALESCE(archive_id, ''),
	COALESCE(retrieval_id, ''),
	created_at,
	updated_at`
}

func args(rec *models.JobRecord) []interface{} {
	return []interface{}{
		&rec.JobID,
		&rec.UserID,
		&rec.InputFileName,
		&rec.InputLocation.Bucket,
		&rec.InputLocation.Key,
		&rec.ResultLocation.Bucket,
		&rec.ResultLocation.Key,
		&rec.LogLocation.Bucket,
		&rec.LogLocation.Key,
		&rec.SubmitTime,
		&rec.CompleteTime,
		&rec.Status,
		&rec.ArchiveStatus,
		&rec.RetrievalStatus,
		&rec.ArchiveID,
		&rec.RetrievalID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	}
}
