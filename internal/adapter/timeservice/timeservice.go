// Package timeservice reads the current time from an HTTP endpoint
// answering in the worldtimeapi format.
package timeservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cwygoda/scanfarm/internal/timesync"
	"github.com/hashicorp/go-retryablehttp"
)

// Client implements timesync.Source.
type Client struct {
	url  string
	http *retryablehttp.Client
}

// New returns a client for the endpoint at url.
func New(url string, c *retryablehttp.Client) *Client {
	return &Client{url: url, http: c}
}

type response struct {
	UTCDatetime string `json:"utc_datetime"`
}

// Now fetches the current time. Every failure, after the client's own
// retries, is reported as timesync.ErrUnavailable.
func (c *Client) Now(ctx context.Context) (time.Time, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", timesync.ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", timesync.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("%w: status %d", timesync.ErrUnavailable, resp.StatusCode)
	}

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("%w: decode: %v", timesync.ErrUnavailable, err)
	}
	t, err := time.Parse(time.RFC3339Nano, body.UTCDatetime)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", timesync.ErrUnavailable, err)
	}
	return t.UTC(), nil
}
