// Package profiles looks up users in the external accounts service. The
// pipeline only needs two facts about a user: the subscription tier (which
// routes the archive decision) and the contact address for notifications.
package profiles

import (
	"context"

	"github.com/anserbio/annex/rest"
)

// Tier is a user's subscription level.
type Tier string

const TierFree = Tier("free")
const TierPremium = Tier("premium")

// A Profile is the accounts service's view of a user.
type Profile struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Tier   Tier   `json:"tier"`
}

// Directory resolves user profiles. Tier is evaluated fresh on every handler
// invocation; it is never cached on the job record.
type Directory interface {
	Get(ctx context.Context, userID string) (*Profile, error)
	GetTier(ctx context.Context, userID string) (Tier, error)
}

// Client is a Directory backed by the accounts service's REST API.
type Client struct {
	*rest.Client
}

// NewClient creates a profiles client for the accounts service at base.
func NewClient(token, base string) *Client {
	return &Client{Client: rest.NewClient("annex", token, base)}
}

// Get fetches the profile for userID.
func (c *Client) Get(ctx context.Context, userID string) (*Profile, error) {
	req, err := c.NewRequest(ctx, "GET", "/v1/users/"+userID, nil)
	if err != nil {
		return nil, err
	}
	p := new(Profile)
	if err := c.Do(req, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetTier fetches just the subscription tier for userID.
func (c *Client) GetTier(ctx context.Context, userID string) (Tier, error) {
	p, err := c.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.Tier, nil
}
