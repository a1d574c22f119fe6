// Package indexclient talks to the optional external operation-index
// service: a third party that can answer "which levels touched this
// contract" far faster than scanning every block, used to accelerate
// historical bootstrap. Like internal/nodeclient, it follows the
// Connect/Close/typed-method shape of smf/internal/apply.Applier.
package indexclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
)

// Config controls how the client reaches the index service. New applies
// no default Timeout (cmd/quepasa passes 20s); a zero Timeout means "no
// client-side deadline", left to resty/http defaults.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries uint64
}

// Client wraps a resty client pointed at one external index service.
type Client struct {
	http *resty.Client
}

func New(cfg Config) *Client {
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	return &Client{http: c}
}

func (c *Client) Close() {
	c.http.GetClient().CloseIdleConnections()
}

func retryBackoff(ctx context.Context, maxRetries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

func (c *Client) getJSON(ctx context.Context, path string, query map[string]string, v any, maxRetries uint64) error {
	op := func() error {
		req := c.http.R().SetContext(ctx)
		if len(query) > 0 {
			req = req.SetQueryParams(query)
		}
		resp, err := req.Get(path)
		if err != nil {
			return err
		}
		if resp.StatusCode() >= 500 {
			return fmt.Errorf("indexclient: %s: server error %d", path, resp.StatusCode())
		}
		if resp.StatusCode() >= 400 {
			return backoff.Permanent(fmt.Errorf("indexclient: %s: client error %d: %s", path, resp.StatusCode(), resp.Body()))
		}
		return json.Unmarshal(resp.Body(), v)
	}
	if err := backoff.Retry(op, retryBackoff(ctx, maxRetries)); err != nil {
		return fmt.Errorf("indexclient: get %s: %w", path, err)
	}
	return nil
}

// HeadEntry is one network's current indexed level, as reported by the
// index service's /head endpoint (it serves multiple networks at once).
type HeadEntry struct {
	Network string `json:"network"`
	Level   int64  `json:"level"`
}

// Head fetches the index service's per-network heads.
func (c *Client) Head(ctx context.Context, maxRetries uint64) ([]HeadEntry, error) {
	var heads []HeadEntry
	if err := c.getJSON(ctx, "/head", nil, &heads, maxRetries); err != nil {
		return nil, err
	}
	return heads, nil
}

type operationsPage struct {
	Operations []struct {
		Level int64 `json:"level"`
	} `json:"operations"`
	LastID *int64 `json:"last_id"`
}

// Levels returns the de-duplicated levels the index service reports as
// touching the given contract, in the order the service first reports
// each one (the result is not sorted), paginating via
// last_id until the service returns an empty page (spec.md's
// "paginated until empty" rule).
func (c *Client) Levels(ctx context.Context, network, address string, maxRetries uint64) ([]int64, error) {
	path := fmt.Sprintf("/contract/%s/%s/operations", network, address)
	seen := map[int64]bool{}
	var levels []int64
	var lastID *int64
	for {
		query := map[string]string{}
		if lastID != nil {
			query["last_id"] = fmt.Sprintf("%d", *lastID)
		}
		var page operationsPage
		if err := c.getJSON(ctx, path, query, &page, maxRetries); err != nil {
			return nil, err
		}
		if len(page.Operations) == 0 {
			break
		}
		for _, op := range page.Operations {
			if !seen[op.Level] {
				seen[op.Level] = true
				levels = append(levels, op.Level)
			}
		}
		if page.LastID == nil {
			break
		}
		lastID = page.LastID
	}
	return levels, nil
}
