package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"cok/internal/model"
)

// Client talks to a control Server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient accepts a base URL or a bare host:port.
func NewClient(baseURL, token string, hc *http.Client) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

func (c *Client) List(ctx context.Context) ([]*model.Descriptor, error) {
	var out []*model.Descriptor
	if _, err := c.do(ctx, http.MethodGet, "/knocks", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

// Set installs d. A rejected descriptor yields SetError and no error.
func (c *Client) Set(ctx context.Context, d *model.Descriptor) (model.SetResult, error) {
	var res Result
	if _, err := c.do(ctx, http.MethodPut, "/knocks", d, &res, http.StatusOK, http.StatusUnprocessableEntity); err != nil {
		return model.SetError, err
	}
	switch res.Result {
	case model.SetNew.String():
		return model.SetNew, nil
	case model.SetOverridden.String():
		return model.SetOverridden, nil
	}
	return model.SetError, nil
}

// Remove deletes the knock with d's identity. An unknown knock yields
// RemoveError and no error.
func (c *Client) Remove(ctx context.Context, d *model.Descriptor) (model.RemoveResult, error) {
	var res Result
	if _, err := c.do(ctx, http.MethodDelete, "/knocks", d, &res, http.StatusOK, http.StatusNotFound); err != nil {
		return model.RemoveError, err
	}
	if res.Result == model.RemoveRemoved.String() {
		return model.RemoveRemoved, nil
	}
	return model.RemoveError, nil
}

func (c *Client) Halt(ctx context.Context) error {
	var res Result
	_, err := c.do(ctx, http.MethodPost, "/halt", nil, &res, http.StatusOK)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, accept ...int) (int, error) {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach control API: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		ok = ok || resp.StatusCode == code
	}
	if !ok {
		var res Result
		_ = json.NewDecoder(resp.Body).Decode(&res)
		if res.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, res.Error)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}
