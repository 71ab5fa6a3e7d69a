package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/anserbio/annex/rest"
)

// RetrievalTier selects how quickly the vault thaws an archive.
type RetrievalTier string

const TierExpedited = RetrievalTier("expedited")
const TierStandard = RetrievalTier("standard")

// ErrInsufficientCapacity is returned when the vault cannot satisfy an
// expedited retrieval right now; callers fall back to the standard tier.
var ErrInsufficientCapacity = errors.New("storage: insufficient expedited retrieval capacity")

// Vault is the boundary to the cold archive store. Writes are synchronous
// and return an opaque archive handle; reads are asynchronous, initiated
// against a handle and completed minutes later via a queue event.
type Vault interface {
	Upload(ctx context.Context, body io.Reader) (archiveID string, err error)
	InitiateRetrieval(ctx context.Context, archiveID, description string, tier RetrievalTier) (retrievalID string, err error)
	GetRetrievalOutput(ctx context.Context, retrievalID string) (io.ReadCloser, error)
}

// VaultClient talks to the archive vault's REST API.
type VaultClient struct {
	*rest.Client

	// Name of the vault all archives are written to.
	Vault string
}

// NewVaultClient creates a client for the vault service at base.
func NewVaultClient(token, base, vault string) *VaultClient {
	return &VaultClient{
		Client: rest.NewClient("vault", token, base),
		Vault:  vault,
	}
}

type uploadResponse struct {
	ArchiveID string `json:"archive_id"`
}

// Upload writes body to the vault. Re-archiving the same content is
// idempotent from the pipeline's point of view: it simply yields another
// handle, and only the handle that wins the guarded update is kept.
func (c *VaultClient) Upload(ctx context.Context, body io.Reader) (string, error) {
	req, err := c.NewRequest(ctx, "POST", "/v1/vaults/"+c.Vault+"/archives", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	var resp uploadResponse
	if err := c.Do(req, &resp); err != nil {
		return "", err
	}
	return resp.ArchiveID, nil
}

type initiateRetrievalRequest struct {
	ArchiveID   string `json:"archive_id"`
	Tier        string `json:"tier"`
	Description string `json:"description"`
}

type initiateRetrievalResponse struct {
	RetrievalID string `json:"retrieval_id"`
}

// InitiateRetrieval starts an asynchronous thaw of the given archive. The
// description is opaque to the vault and echoed back in the completion
// event.
func (c *VaultClient) InitiateRetrieval(ctx context.Context, archiveID, description string, tier RetrievalTier) (string, error) {
	payload, err := json.Marshal(initiateRetrievalRequest{
		ArchiveID:   archiveID,
		Tier:        string(tier),
		Description: description,
	})
	if err != nil {
		return "", err
	}
	req, err := c.NewRequest(ctx, "POST", "/v1/vaults/"+c.Vault+"/retrievals", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	var resp initiateRetrievalResponse
	if err := c.Do(req, &resp); err != nil {
		if rest.HasID(err, "insufficient_capacity") {
			return "", ErrInsufficientCapacity
		}
		return "", err
	}
	return resp.RetrievalID, nil
}

// GetRetrievalOutput streams the thawed bytes of a finished retrieval job.
func (c *VaultClient) GetRetrievalOutput(ctx context.Context, retrievalID string) (io.ReadCloser, error) {
	req, err := c.NewRequest(ctx, "GET", "/v1/vaults/"+c.Vault+"/retrievals/"+retrievalID+"/output", nil)
	if err != nil {
		return nil, err
	}
	return c.DoRaw(req)
}
