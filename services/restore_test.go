package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anserbio/annex/messages"
	"github.com/anserbio/annex/models"
	"github.com/anserbio/annex/storage"
)

// retrievingRecord is an archived job with a retrieval in flight.
func retrievingRecord(t *testing.T, vault *fakeVault, jobID, userID string) *models.JobRecord {
	t.Helper()
	rec := archivedRecord(t, vault, jobID, userID)
	retrievalID, err := vault.InitiateRetrieval(context.Background(), rec.ArchiveID,
		messages.NewRetrievalDescription(jobID), storage.TierStandard)
	require.NoError(t, err)
	rec.RetrievalStatus = models.StatusRetrieving
	rec.RetrievalID = retrievalID
	return rec
}

func restoreEventBytes(t *testing.T, retrievalID, jobID string) []byte {
	t.Helper()
	data, err := json.Marshal(messages.RestoreCompletionEvent{
		RetrievalID: retrievalID,
		Description: messages.NewRetrievalDescription(jobID),
	})
	require.NoError(t, err)
	return data
}

func TestRestorePutsResultBack(t *testing.T) {
	t.Parallel()
	vault := newFakeVault()
	rec := retrievingRecord(t, vault, "job-80", "user-5")
	store := newFakeStore(rec)
	objects := newFakeObjects()
	r := &Restorer{records: store, objects: objects, vault: vault}

	err := r.handle(context.Background(), restoreEventBytes(t, rec.RetrievalID, "job-80"))
	require.NoError(t, err)

	got := store.record("job-80")
	assert.Equal(t, models.StatusRetrieved, got.RetrievalStatus)
	restored, ok := objects.get(rec.ResultLocation)
	require.True(t, ok)
	assert.Equal(t, "archived-job-80", string(restored))
}

// Archive then thaw then restore must hand back byte-identical results at
// the original hot location.
func TestRestoreRoundTripPreservesBytes(t *testing.T) {
	t.Parallel()
	rec := completedRecord("job-81", "user-5")
	store := newFakeStore(rec)
	objects := newFakeObjects()
	vault := newFakeVault()
	original := []byte("##fileformat=VCFv4.2\nchr1\t100\t.\tA\tG\n")
	objects.set(rec.ResultLocation, original)

	a := testArchiver(store, objects, vault, freeUser("user-5"))
	require.NoError(t, a.handle(context.Background(), archiveRequestBytes(t, rec)))
	_, ok := objects.get(rec.ResultLocation)
	require.False(t, ok)

	th := &Thawer{records: store, vault: vault, profiles: premiumUser("user-5")}
	require.NoError(t, th.handle(context.Background(), thawRequestBytes(t, "user-5")))
	retrievalID := store.record("job-81").RetrievalID
	require.NotEmpty(t, retrievalID)

	r := &Restorer{records: store, objects: objects, vault: vault}
	require.NoError(t, r.handle(context.Background(), restoreEventBytes(t, retrievalID, "job-81")))

	restored, ok := objects.get(rec.ResultLocation)
	require.True(t, ok)
	assert.Equal(t, original, restored)
	assert.Equal(t, models.StatusRetrieved, store.record("job-81").RetrievalStatus)
}

// Redelivery of the completion event after a successful restore rewrites
// the same bytes and acks; the guard keeps the record at RETRIEVED.
func TestRestoreRedeliveryIsBenign(t *testing.T) {
	t.Parallel()
	vault := newFakeVault()
	rec := retrievingRecord(t, vault, "job-82", "user-5")
	store := newFakeStore(rec)
	objects := newFakeObjects()
	r := &Restorer{records: store, objects: objects, vault: vault}
	data := restoreEventBytes(t, rec.RetrievalID, "job-82")

	require.NoError(t, r.handle(context.Background(), data))
	require.NoError(t, r.handle(context.Background(), data))
	assert.Equal(t, models.StatusRetrieved, store.record("job-82").RetrievalStatus)
}

// An event for a retrieval the record no longer tracks is dropped.
func TestRestoreStaleRetrievalIsDropped(t *testing.T) {
	t.Parallel()
	vault := newFakeVault()
	rec := retrievingRecord(t, vault, "job-83", "user-5")
	store := newFakeStore(rec)
	r := &Restorer{records: store, objects: newFakeObjects(), vault: vault}

	err := r.handle(context.Background(), restoreEventBytes(t, "retr-stale", "job-83"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errDropMessage))
	assert.Equal(t, models.StatusRetrieving, store.record("job-83").RetrievalStatus)
}

func TestRestorePutFailureIsRetriable(t *testing.T) {
	t.Parallel()
	vault := newFakeVault()
	rec := retrievingRecord(t, vault, "job-84", "user-5")
	store := newFakeStore(rec)
	objects := newFakeObjects()
	objects.putErr = assert.AnError
	r := &Restorer{records: store, objects: objects, vault: vault}

	err := r.handle(context.Background(), restoreEventBytes(t, rec.RetrievalID, "job-84"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, errDropMessage))
	assert.Equal(t, models.StatusRetrieving, store.record("job-84").RetrievalStatus)
}

// The vault echoes the description verbatim; an event whose description is
// not the JSON we embedded cannot be routed and is dropped as malformed.
func TestRestoreBadDescription(t *testing.T) {
	t.Parallel()
	r := &Restorer{records: newFakeStore(), objects: newFakeObjects(), vault: newFakeVault()}
	data, err := json.Marshal(messages.RestoreCompletionEvent{
		RetrievalID: "retr-1",
		Description: "free text, not json",
	})
	require.NoError(t, err)
	err = r.handle(context.Background(), data)
	require.Error(t, err)
	assert.True(t, messages.IsMalformed(err))
}

func TestRestoreRoundTripDescription(t *testing.T) {
	t.Parallel()
	ev, err := messages.ParseRestoreCompletionEvent(restoreEventBytes(t, "retr-2", "job-85"))
	require.NoError(t, err)
	assert.Equal(t, "job-85", ev.JobID)
}
