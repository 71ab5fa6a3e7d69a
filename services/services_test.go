package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Shyp/go-types"
	"github.com/google/uuid"

	"github.com/anserbio/annex/models"
	"github.com/anserbio/annex/models/jobrecords"
	"github.com/anserbio/annex/profiles"
	"github.com/anserbio/annex/storage"
)

// fakeStore is an in-memory JobStore with the same guard semantics as the
// Postgres store.
type fakeStore struct {
	mu   sync.Mutex
	recs map[string]*models.JobRecord
	err  error
}

func newFakeStore(recs ...*models.JobRecord) *fakeStore {
	s := &fakeStore{recs: make(map[string]*models.JobRecord)}
	for _, rec := range recs {
		s.recs[rec.JobID] = rec
	}
	return s
}

func (s *fakeStore) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	rec, ok := s.recs[jobID]
	if !ok {
		return nil, jobrecords.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) ArchivedNotRetrieved(ctx context.Context, userID string) ([]*models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []*models.JobRecord
	for _, rec := range s.recs {
		if rec.UserID == userID && rec.ArchiveStatus == models.StatusArchived &&
			rec.RetrievalStatus == models.StatusNotRetrieved {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) guarded(jobID string, f func(rec *models.JobRecord) bool) (jobrecords.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return jobrecords.GuardFailed, s.err
	}
	rec, ok := s.recs[jobID]
	if !ok {
		return jobrecords.GuardFailed, jobrecords.ErrNotFound
	}
	if !f(rec) {
		return jobrecords.GuardFailed, nil
	}
	return jobrecords.Applied, nil
}

func (s *fakeStore) MarkRunning(ctx context.Context, jobID string) (jobrecords.UpdateResult, error) {
	return s.guarded(jobID, func(rec *models.JobRecord) bool {
		if rec.Status != models.StatusPending {
			return false
		}
		rec.Status = models.StatusRunning
		return true
	})
}

func (s *fakeStore) MarkCompleted(ctx context.Context, jobID string, completeTime time.Time, result, logLoc models.Location) (jobrecords.UpdateResult, error) {
	return s.guarded(jobID, func(rec *models.JobRecord) bool {
		if rec.Status != models.StatusRunning {
			return false
		}
		rec.Status = models.StatusCompleted
		rec.CompleteTime = types.NullTime{Valid: true, Time: completeTime}
		rec.ResultLocation = result
		rec.LogLocation = logLoc
		return true
	})
}

func (s *fakeStore) MarkArchived(ctx context.Context, jobID, archiveID string) (jobrecords.UpdateResult, error) {
	return s.guarded(jobID, func(rec *models.JobRecord) bool {
		if rec.ArchiveStatus != models.StatusNotArchived {
			return false
		}
		rec.ArchiveStatus = models.StatusArchived
		rec.ArchiveID = archiveID
		return true
	})
}

func (s *fakeStore) MarkRetrieving(ctx context.Context, jobID, retrievalID string) (jobrecords.UpdateResult, error) {
	return s.guarded(jobID, func(rec *models.JobRecord) bool {
		if rec.RetrievalStatus != models.StatusNotRetrieved {
			return false
		}
		rec.RetrievalStatus = models.StatusRetrieving
		rec.RetrievalID = retrievalID
		return true
	})
}

func (s *fakeStore) MarkRetrieved(ctx context.Context, jobID string) (jobrecords.UpdateResult, error) {
	return s.guarded(jobID, func(rec *models.JobRecord) bool {
		if rec.RetrievalStatus != models.StatusRetrieving {
			return false
		}
		rec.RetrievalStatus = models.StatusRetrieved
		return true
	})
}

// status returns a snapshot of the stored record for assertions.
func (s *fakeStore) record(jobID string) models.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recs[jobID]
}

// fakeObjects is an in-memory ObjectStore.
type fakeObjects struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	getErr  error
	putErr  error
	deletes int
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{blobs: make(map[string][]byte)}
}

func (f *fakeObjects) set(loc models.Location, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[loc.String()] = data
}

func (f *fakeObjects) get(loc models.Location) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[loc.String()]
	return data, ok
}

func (f *fakeObjects) Get(ctx context.Context, loc models.Location) (io.ReadCloser, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.get(loc)
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) Put(ctx context.Context, loc models.Location, r io.Reader, size int64) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.set(loc, data)
	return nil
}

func (f *fakeObjects) Delete(ctx context.Context, loc models.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Deleting an absent object is not an error.
	delete(f.blobs, loc.String())
	f.deletes++
	return nil
}

func (f *fakeObjects) PresignedLink(ctx context.Context, loc models.Location, expiry time.Duration) (string, error) {
	return "https://objects.test/" + loc.String() + "?signed=1", nil
}

// fakeVault is an in-memory archive vault with synchronous retrievals.
type fakeVault struct {
	mu                sync.Mutex
	archives          map[string][]byte
	retrievals        map[string]string // retrieval id -> archive id
	uploads           int
	uploadErr         error
	initiateErr       error
	expeditedCapacity int // initiations allowed at the expedited tier
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		archives:          make(map[string][]byte),
		retrievals:        make(map[string]string),
		expeditedCapacity: 1 << 30,
	}
}

func (v *fakeVault) Upload(ctx context.Context, body io.Reader) (string, error) {
	if v.uploadErr != nil {
		return "", v.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	archiveID := "arch-" + uuid.NewString()
	v.archives[archiveID] = data
	v.uploads++
	return archiveID, nil
}

func (v *fakeVault) InitiateRetrieval(ctx context.Context, archiveID, description string, tier storage.RetrievalTier) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.initiateErr != nil {
		return "", v.initiateErr
	}
	if _, ok := v.archives[archiveID]; !ok {
		return "", fmt.Errorf("fakeVault: no archive %s", archiveID)
	}
	if tier == storage.TierExpedited {
		if v.expeditedCapacity == 0 {
			return "", storage.ErrInsufficientCapacity
		}
		v.expeditedCapacity--
	}
	retrievalID := "retr-" + uuid.NewString()
	v.retrievals[retrievalID] = archiveID
	return retrievalID, nil
}

func (v *fakeVault) GetRetrievalOutput(ctx context.Context, retrievalID string) (io.ReadCloser, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	archiveID, ok := v.retrievals[retrievalID]
	if !ok {
		return nil, fmt.Errorf("fakeVault: no retrieval %s", retrievalID)
	}
	return io.NopCloser(bytes.NewReader(v.archives[archiveID])), nil
}

// fakePublisher records published messages per subject.
type fakePublisher struct {
	mu        sync.Mutex
	published map[string][][]byte
	err       error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[string][][]byte)}
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, v interface{}) error {
	if p.err != nil {
		return p.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[subject] = append(p.published[subject], data)
	return nil
}

func (p *fakePublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published[subject])
}

// fakeDirectory resolves profiles from a map.
type fakeDirectory struct {
	profiles map[string]*profiles.Profile
	err      error
}

func (d *fakeDirectory) Get(ctx context.Context, userID string) (*profiles.Profile, error) {
	if d.err != nil {
		return nil, d.err
	}
	p, ok := d.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("fakeDirectory: no user %s", userID)
	}
	return p, nil
}

func (d *fakeDirectory) GetTier(ctx context.Context, userID string) (profiles.Tier, error) {
	p, err := d.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.Tier, nil
}

func freeUser(userID string) *fakeDirectory {
	return &fakeDirectory{profiles: map[string]*profiles.Profile{
		userID: {UserID: userID, Email: userID + "@example.com", Tier: profiles.TierFree},
	}}
}

func premiumUser(userID string) *fakeDirectory {
	return &fakeDirectory{profiles: map[string]*profiles.Profile{
		userID: {UserID: userID, Email: userID + "@example.com", Tier: profiles.TierPremium},
	}}
}

// fakeMailer records sent mail.
type fakeMailer struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, to)
	return nil
}
