package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"blobring/blob"
	"blobring/ring"
)

// Client is the recovery engine's view of a node. Every call carries
// the per-operation wait timeout; expiry surfaces as a transient
// failure for the unit that issued it.
type Client interface {
	// Addr reports the node address the client dials.
	Addr() string

	// Route fetches the node's route table.
	Route(ctx context.Context) ([]ring.RouteEntry, error)

	// Iterate streams sorted key metadata for a range, calling fn
	// for each record.
	Iterate(ctx context.Context, req ring.IterRequest, fn func(ring.IterRecord) error) error

	// BulkRead fetches up to batch-size objects by id.
	BulkRead(ctx context.Context, ids []blob.ID) ([]ring.Object, error)

	// BulkWrite stores a batch of objects, preserving timestamps.
	BulkWrite(ctx context.Context, objs []ring.Object) error

	// BulkDelete removes a batch of keys.
	BulkDelete(ctx context.Context, ids []blob.ID) error
}

// Dialer produces a Client for a node address.
type Dialer func(addr string) Client

// httpClient talks the node's HTTP protocol.
type httpClient struct {
	addr string
	hc   *http.Client
}

// DialHTTP returns a Dialer producing HTTP clients with the given
// per-operation timeout.
func DialHTTP(wait time.Duration) Dialer {
	return func(addr string) Client {
		return &httpClient{
			addr: addr,
			hc:   &http.Client{Timeout: wait},
		}
	}
}

func (c *httpClient) Addr() string {
	return c.addr
}

func (c *httpClient) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return nil, errors.Wrap(err, "encoding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s%s", c.addr, path), buf)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "calling %s on %s", path, c.addr)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("%s on %s: status %s", path, c.addr, resp.Status)
	}
	return resp, nil
}

func (c *httpClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decoding %s response from %s", path, c.addr)
}

func (c *httpClient) Route(ctx context.Context) ([]ring.RouteEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/route", c.addr), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching route table from %s", c.addr)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("route on %s: status %s", c.addr, resp.Status)
	}
	var entries []ring.RouteEntry
	err = json.NewDecoder(resp.Body).Decode(&entries)
	return entries, errors.Wrapf(err, "decoding route table from %s", c.addr)
}

func (c *httpClient) Iterate(ctx context.Context, req ring.IterRequest, fn func(ring.IterRecord) error) error {
	resp, err := c.post(ctx, "/iterate", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var rec ring.IterRecord
		if err := dec.Decode(&rec); err == io.EOF {
			return nil
		} else if err != nil {
			return errors.Wrapf(err, "decoding iterator stream from %s", c.addr)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func (c *httpClient) BulkRead(ctx context.Context, ids []blob.ID) ([]ring.Object, error) {
	var objs []ring.Object
	err := c.postJSON(ctx, "/bulk_read", map[string][]blob.ID{"ids": ids}, &objs)
	return objs, err
}

func (c *httpClient) BulkWrite(ctx context.Context, objs []ring.Object) error {
	var resp struct {
		Failed []blob.ID `json:"failed"`
	}
	if err := c.postJSON(ctx, "/bulk_write", objs, &resp); err != nil {
		return err
	}
	if len(resp.Failed) > 0 {
		return errors.Errorf("bulk write to %s: %d keys failed", c.addr, len(resp.Failed))
	}
	return nil
}

func (c *httpClient) BulkDelete(ctx context.Context, ids []blob.ID) error {
	return c.postJSON(ctx, "/bulk_delete", map[string][]blob.ID{"ids": ids}, nil)
}
