// Wire schemas for the queue messages that connect the workers.
//
// Every message kind has one tagged type and one strict parse function.
// Delivery is at least once and unordered across queues, so a message must
// be safe to reprocess; parse failures surface as a MalformedError, which
// can never succeed on retry and is dropped by the consumer.
package messages

import (
	"encoding/json"
	"fmt"

	"github.com/anserbio/annex/models"
)

// MalformedError indicates a message that cannot be parsed into its schema.
// Redelivery cannot fix it; log it and delete the message.
type MalformedError struct {
	Kind string
	Err  string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("messages: malformed %s: %s", e.Kind, e.Err)
}

// IsMalformed reports whether err is a MalformedError.
func IsMalformed(err error) bool {
	_, ok := err.(*MalformedError)
	return ok
}

// JobRequest asks a dispatcher to start the annotation for a newly
// submitted job.
type JobRequest struct {
	JobID         string `json:"job_id"`
	UserID        string `json:"user_id"`
	InputFileName string `json:"input_file_name"`
	InputBucket   string `json:"input_bucket"`
	InputKey      string `json:"input_key"`
}

// InputLocation returns the input blob's address in the object store.
func (r *JobRequest) InputLocation() models.Location {
	return models.Location{Bucket: r.InputBucket, Key: r.InputKey}
}

func ParseJobRequest(data []byte) (*JobRequest, error) {
	r := new(JobRequest)
	if err := json.Unmarshal(data, r); err != nil {
		return nil, &MalformedError{Kind: "JobRequest", Err: err.Error()}
	}
	if r.JobID == "" || r.UserID == "" || r.InputFileName == "" ||
		r.InputBucket == "" || r.InputKey == "" {
		return nil, &MalformedError{Kind: "JobRequest", Err: "missing required field"}
	}
	return r, nil
}

// JobCompletionNotice announces a finished job. Link is the user-facing URL
// to the job detail page.
type JobCompletionNotice struct {
	UserID string `json:"user_id"`
	JobID  string `json:"job_id"`
	Link   string `json:"link"`
}

func ParseJobCompletionNotice(data []byte) (*JobCompletionNotice, error) {
	n := new(JobCompletionNotice)
	if err := json.Unmarshal(data, n); err != nil {
		return nil, &MalformedError{Kind: "JobCompletionNotice", Err: err.Error()}
	}
	if n.UserID == "" || n.JobID == "" || n.Link == "" {
		return nil, &MalformedError{Kind: "JobCompletionNotice", Err: "missing required field"}
	}
	return n, nil
}

// ArchiveRequest asks the archive worker to move a completed result into
// the cold vault.
type ArchiveRequest struct {
	UserID         string          `json:"user_id"`
	JobID          string          `json:"job_id"`
	ResultLocation models.Location `json:"result_location"`
}

func ParseArchiveRequest(data []byte) (*ArchiveRequest, error) {
	r := new(ArchiveRequest)
	if err := json.Unmarshal(data, r); err != nil {
		return nil, &MalformedError{Kind: "ArchiveRequest", Err: err.Error()}
	}
	if r.UserID == "" || r.JobID == "" || r.ResultLocation.IsZero() {
		return nil, &MalformedError{Kind: "ArchiveRequest", Err: "missing required field"}
	}
	return r, nil
}

// ThawRequest is published on a free -> premium tier change and triggers
// retrieval of the user's archived results.
type ThawRequest struct {
	UserID string `json:"user_id"`
}

func ParseThawRequest(data []byte) (*ThawRequest, error) {
	r := new(ThawRequest)
	if err := json.Unmarshal(data, r); err != nil {
		return nil, &MalformedError{Kind: "ThawRequest", Err: err.Error()}
	}
	if r.UserID == "" {
		return nil, &MalformedError{Kind: "ThawRequest", Err: "missing required field"}
	}
	return r, nil
}

// RestoreCompletionEvent is the vault's notification that a retrieval job
// has finished. The vault only echoes back the opaque description given at
// initiation, so the job id rides inside it as a second layer of JSON.
type RestoreCompletionEvent struct {
	RetrievalID string `json:"retrieval_id"`
	Description string `json:"description"`

	JobID string `json:"-"`
}

// RetrievalDescription is the payload embedded in a retrieval job's
// description field.
type RetrievalDescription struct {
	JobID string `json:"job_id"`
}

// NewRetrievalDescription encodes jobID for embedding in a retrieval
// request's description.
func NewRetrievalDescription(jobID string) string {
	b, _ := json.Marshal(RetrievalDescription{JobID: jobID})
	return string(b)
}

// ParseRestoreCompletionEvent parses the outer event envelope and then the
// embedded description, so a valid event always carries a job id.
func ParseRestoreCompletionEvent(data []byte) (*RestoreCompletionEvent, error) {
	ev := new(RestoreCompletionEvent)
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, &MalformedError{Kind: "RestoreCompletionEvent", Err: err.Error()}
	}
	if ev.RetrievalID == "" || ev.Description == "" {
		return nil, &MalformedError{Kind: "RestoreCompletionEvent", Err: "missing required field"}
	}
	var desc RetrievalDescription
	if err := json.Unmarshal([]byte(ev.Description), &desc); err != nil {
		return nil, &MalformedError{Kind: "RestoreCompletionEvent", Err: "bad description: " + err.Error()}
	}
	if desc.JobID == "" {
		return nil, &MalformedError{Kind: "RestoreCompletionEvent", Err: "description missing job_id"}
	}
	ev.JobID = desc.JobID
	return ev, nil
}
