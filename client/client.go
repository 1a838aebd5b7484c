// Package client talks to a TrustMesh node over HTTP. It implements the
// sync Transport and anchor PackFetcher contracts, so a node can federate
// with plain HTTP peers.
package client

import (
	"context"
	"fmt"
	"net/url"

	"TrustMesh/internal/anchor"
	"TrustMesh/internal/sync"
)

// Client connects to a TrustMesh node via HTTP.
type Client struct {
	baseURL string // baseURL is the node address (e.g. "http://127.0.0.1:8080")
}

// NewClient creates a client for a node address. The address may omit the
// scheme, in which case plain http is assumed.
func NewClient(nodeAddr string) *Client {
	base := nodeAddr
	if base != "" && base[0] != 'h' {
		base = "http://" + base
	}

	return &Client{baseURL: base}
}

// List fetches remote items changed since the cursor.
func (c *Client) List(ctx context.Context, ns, since string) (*sync.ListResult, error) {
	endpoint := fmt.Sprintf("%s/v1/%s/items", c.baseURL, url.PathEscape(ns))
	if since != "" {
		endpoint += "?since=" + url.QueryEscape(since)
	}

	var res sync.ListResult
	if err := httpGet(ctx, endpoint, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

// Push uploads local items for the remote to merge.
func (c *Client) Push(ctx context.Context, ns string, items []sync.Item) error {
	endpoint := fmt.Sprintf("%s/v1/%s/push", c.baseURL, url.PathEscape(ns))

	var res struct {
		Applied int `json:"applied"`
	}

	return httpPostJSON(ctx, endpoint, map[string]any{"items": items}, &res)
}

// FetchPack retrieves the peer's latest anchor pack. A nil pack means the
// peer has published nothing newer than since.
func (c *Client) FetchPack(ctx context.Context, ns, orgID, since string) (*anchor.Pack, string, error) {
	endpoint := fmt.Sprintf("%s/v1/%s/packs/%s", c.baseURL, url.PathEscape(ns), url.PathEscape(orgID))
	if since != "" {
		endpoint += "?since=" + url.QueryEscape(since)
	}

	var res struct {
		Pack      *anchor.Pack `json:"pack"`
		NextSince string       `json:"nextSince"`
	}

	err := httpGet(ctx, endpoint, &res)
	if err != nil {
		if isNoContent(err) {
			return nil, since, nil
		}
		return nil, "", err
	}

	return res.Pack, res.NextSince, nil
}

// Status returns the remote node's status document.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var status map[string]any
	if err := httpGet(ctx, c.baseURL+"/status", &status); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	return status, nil
}

// Snapshot downloads a namespace snapshot blob.
func (c *Client) Snapshot(ctx context.Context, ns string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v1/%s/snapshot", c.baseURL, url.PathEscape(ns))

	return httpGetRaw(ctx, endpoint)
}
