package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"TrustMesh/internal/sync"
)

// errNoContent marks a 204 response so callers can treat it as "nothing new".
var errNoContent = errors.New("no content")

func isNoContent(err error) bool {
	return errors.Is(err, errNoContent)
}

// httpGet performs a GET request and decodes the JSON response.
func httpGet(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if err := checkStatus(resp, url); err != nil {
		return err
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// httpGetRaw performs a GET request and returns the raw body.
func httpGetRaw(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request:\n%w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if err := checkStatus(resp, url); err != nil {
		return nil, err
	}

	return io.ReadAll(resp.Body)
}

// httpPostJSON performs a POST request with a JSON body and decodes the
// JSON response.
func httpPostJSON(ctx context.Context, url string, body any, result any) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if err := checkStatus(resp, url); err != nil {
		return err
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// checkStatus maps non-2xx responses to typed errors: 429 becomes
// sync.ErrRateLimited so the sync loop can back off, 204 becomes
// errNoContent.
func checkStatus(resp *http.Response, url string) error {
	switch {
	case resp.StatusCode == http.StatusNoContent:
		return errNoContent
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s:\n%w", url, sync.ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}

	return nil
}
