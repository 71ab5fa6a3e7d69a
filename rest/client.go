// Package rest is a small JSON-over-HTTP client shared by the collaborator
// clients (the cold archive vault and the user profile service).
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const Version = "0.9"

var defaultTimeout = 15 * time.Second

// Client is a generic REST client for making HTTP requests.
type Client struct {
	ID     string
	Token  string
	Client *http.Client
	Base   string
}

// NewClient returns a new Client with the given user and password. Base is
// the scheme+domain to hit for all requests.
func NewClient(user, pass, base string) *Client {
	return &Client{
		ID:     user,
		Token:  pass,
		Client: &http.Client{Timeout: defaultTimeout},
		Base:   base,
	}
}

// NewRequest creates a new Request and sets basic auth based on the client's
// authentication information.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.ID, c.Token)
	req.Header.Add("User-Agent", fmt.Sprintf("annex-go/v%s", Version))
	if method == "POST" || method == "PUT" {
		req.Header.Add("Content-Type", "application/json; charset=utf-8")
	}
	return req, nil
}

// Do performs the HTTP request. If the HTTP response is in the 2xx range,
// unmarshal the response body into v, otherwise return an *Error built from
// the problem document in the response.
func (c *Client) Do(r *http.Request, v interface{}) error {
	res, err := c.Client.Do(r)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 400 {
		restErr := new(Error)
		if err := json.Unmarshal(resBody, restErr); err != nil || restErr.Title == "" {
			return fmt.Errorf("rest: invalid response body: %s", string(resBody))
		}
		restErr.StatusCode = res.StatusCode
		return restErr
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(resBody, v)
}

// DoRaw performs the HTTP request and returns the raw response body for the
// caller to stream. On a non-2xx response the body is consumed and an
// *Error returned instead.
func (c *Client) DoRaw(r *http.Request) (io.ReadCloser, error) {
	res, err := c.Client.Do(r)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 400 {
		defer res.Body.Close()
		resBody, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		restErr := new(Error)
		if err := json.Unmarshal(resBody, restErr); err != nil || restErr.Title == "" {
			return nil, fmt.Errorf("rest: invalid response body: %s", string(resBody))
		}
		restErr.StatusCode = res.StatusCode
		return nil, restErr
	}
	return res.Body, nil
}
