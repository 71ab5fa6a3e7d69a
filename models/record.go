package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/Shyp/go-types"
)

// JobStatus tracks the annotation run itself. Transitions are forward-only
// and never skip a state.
type JobStatus string

const StatusPending = JobStatus("PENDING")
const StatusRunning = JobStatus("RUNNING")
const StatusCompleted = JobStatus("COMPLETED")

// ArchiveStatus tracks whether the result has been moved to the cold vault.
// ARCHIVED is only reachable from a COMPLETED job.
type ArchiveStatus string

const StatusNotArchived = ArchiveStatus("NOT_ARCHIVED")
const StatusArchived = ArchiveStatus("ARCHIVED")

// RetrievalStatus tracks the thaw of an archived result back to hot storage.
type RetrievalStatus string

const StatusNotRetrieved = RetrievalStatus("NOT_RETRIEVED")
const StatusRetrieving = RetrievalStatus("RETRIEVING")
const StatusRetrieved = RetrievalStatus("RETRIEVED")

// A Location addresses a blob in the object store.
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (l Location) String() string {
	return l.Bucket + "/" + l.Key
}

// IsZero reports whether the location has not been set.
func (l Location) IsZero() bool {
	return l.Bucket == "" && l.Key == ""
}

// A JobRecord is the shared record for one annotation job. The guard fields
// (JobStatus, ArchiveStatus, RetrievalStatus) may only be mutated through the
// conditional updates in models/jobrecords.
type JobRecord struct {
	JobID           string          `json:"job_id"`
	UserID          string          `json:"user_id"`
	InputFileName   string          `json:"input_file_name"`
	InputLocation   Location        `json:"input_location"`
	ResultLocation  Location        `json:"result_location"`
	LogLocation     Location        `json:"log_location"`
	SubmitTime      time.Time       `json:"submit_time"`
	CompleteTime    types.NullTime  `json:"complete_time"`
	Status          JobStatus       `json:"job_status"`
	ArchiveStatus   ArchiveStatus   `json:"archive_status"`
	RetrievalStatus RetrievalStatus `json:"retrieval_status"`
	ArchiveID       string          `json:"archive_id,omitempty"`
	RetrievalID     string          `json:"retrieval_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Scan implements the Scanner interface.
func (j *JobStatus) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*j = JobStatus(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*j = JobStatus(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported JobStatus: %#v", src)
}

func (j JobStatus) Value() (driver.Value, error) {
	return string(j), nil
}

// Scan implements the Scanner interface.
func (a *ArchiveStatus) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*a = ArchiveStatus(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*a = ArchiveStatus(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported ArchiveStatus: %#v", src)
}

func (a ArchiveStatus) Value() (driver.Value, error) {
	return string(a), nil
}

// Scan implements the Scanner interface.
func (r *RetrievalStatus) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*r = RetrievalStatus(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*r = RetrievalStatus(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported RetrievalStatus: %#v", src)
}

func (r RetrievalStatus) Value() (driver.Value, error) {
	return string(r), nil
}
