// Package fetch reads the bytes behind an image URI.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// FetchError reports a network or IO failure while reading a URI.
type FetchError struct {
	URI string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %v", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

var ErrTooLarge = errors.New("content exceeds size limit")

type Client struct {
	HTTP     *http.Client
	MaxBytes int64
}

func NewClient(timeout time.Duration, maxBytes int64) *Client {
	return &Client{
		HTTP:     &http.Client{Timeout: timeout},
		MaxBytes: maxBytes,
	}
}

// Fetch supports file:// URIs, bare paths and http(s) URLs.
func (c *Client) Fetch(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, &FetchError{URI: uri, Err: err}
	}

	var data []byte
	switch u.Scheme {
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = uri
		}
		data, err = c.readFile(path)
	case "http", "https":
		data, err = c.get(ctx, uri)
	default:
		err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, &FetchError{URI: uri, Err: err}
	}
	return data, nil
}

func (c *Client) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.readAll(f)
}

func (c *Client) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return c.readAll(resp.Body)
}

func (c *Client) readAll(r io.Reader) ([]byte, error) {
	if c.MaxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, c.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.MaxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}
