// Package dbproxy implements the shared HTTP-client behavior behind
// PAM's Cloud DB and Local DB proxies: both talk to an existing
// database service over HTTP and enforce the same robot-scoping
// invariant, differing only in base URL, auth, and process name.
package dbproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ScopingError is returned when a write supplies a robot_instance_id
// that does not match the local machine id. Per the decided Open
// Question (see DESIGN.md), the write is rejected rather than silently
// overwritten.
type ScopingError struct {
	Supplied string
	Expected string
}

func (e *ScopingError) Error() string {
	return fmt.Sprintf("robot_instance_id %q does not match this machine (%q)", e.Supplied, e.Expected)
}

// TokenSource supplies the current bearer token for the Authorization
// header; clouddb wires this to internal/session.Manager.Token, localdb
// may leave it nil if the on-device service requires no auth.
type TokenSource func() string

// Client is the generic HTTP client shared by the cloud and local DB
// proxies.
type Client struct {
	baseURL   string
	machineID func() string
	token     TokenSource
	http      *http.Client
}

// NewClient constructs a Client. machineID is resolved lazily (not at
// construction) since it may come from a session manager whose claims
// are not yet populated at proxy creation time.
func NewClient(baseURL string, machineID func() string, token TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		machineID: machineID,
		token:     token,
		http:      &http.Client{Timeout: timeout},
	}
}

// GetItem fetches one item by id, scoped to this machine. The caller's
// table and id select the resource; the response must belong to this
// machine or it is filtered out.
func (c *Client) GetItem(ctx context.Context, table, id string) (map[string]interface{}, error) {
	var item map[string]interface{}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tables/%s/items/%s", table, id), nil, &item); err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}
	if rid, _ := item["robot_instance_id"].(string); rid != "" && rid != c.machineID() {
		return nil, nil // not ours; behave as not found
	}
	return item, nil
}

// ScanItems lists every item in table scoped to this machine.
func (c *Client) ScanItems(ctx context.Context, table string) ([]map[string]interface{}, error) {
	var items []map[string]interface{}
	path := fmt.Sprintf("/tables/%s/items?robot_instance_id=%s", table, c.machineID())
	if err := c.do(ctx, http.MethodGet, path, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SetItem writes item to table. If item carries no robot_instance_id,
// this machine's id is injected. If it carries a different machine's id,
// the write is rejected with a *ScopingError.
func (c *Client) SetItem(ctx context.Context, table string, item map[string]interface{}) error {
	if err := c.enforceScope(item); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/tables/%s/items", table), item, nil)
}

// UpdateItem applies a partial update to an existing item, subject to the
// same scoping rule as SetItem.
func (c *Client) UpdateItem(ctx context.Context, table, id string, patch map[string]interface{}) error {
	if err := c.enforceScope(patch); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/tables/%s/items/%s", table, id), patch, nil)
}

func (c *Client) enforceScope(item map[string]interface{}) error {
	mine := c.machineID()
	rid, has := item["robot_instance_id"].(string)
	if !has || rid == "" {
		item["robot_instance_id"] = mine
		return nil
	}
	if rid != mine {
		return &ScopingError{Supplied: rid, Expected: mine}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Buffer
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = buf
	} else {
		reader = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling db service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("db service returned status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
