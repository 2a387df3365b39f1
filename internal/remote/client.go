package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parcelview/persist/internal/config"
	"github.com/parcelview/persist/internal/record"
)

// ErrNotFound is returned when the server has no copy of the requested
// record. It is a normal outcome (first-time load), not a transport failure.
var ErrNotFound = errors.New("record not found on server")

// NetworkError is any transport failure or non-2xx response. It is always
// recoverable by falling back to local storage.
type NetworkError struct {
	Op     string
	URL    string
	Status int // 0 when the request never completed
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d", e.Op, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetwork reports whether err is a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsNotFound reports whether err is a server-side absence.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Client talks to the sync API.
type Client struct {
	base string
	http *http.Client
	cfg  *config.Config
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, cfg *config.Config) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
		cfg:  cfg,
	}
}

// BaseURL returns the API root the client was configured with.
func (c *Client) BaseURL() string {
	return c.base
}

// Fetch retrieves one record from the server.
func (c *Client) Fetch(ctx context.Context, kind record.Kind, id string) (*record.Record, error) {
	if kind == record.KindLayout {
		var w WireRecord
		if err := c.do(ctx, http.MethodGet, "/layouts/"+url.PathEscape(id), nil, &w); err != nil {
			return nil, err
		}
		return FromWire(w)
	}

	doc, err := c.fetchPreferences(ctx)
	if err != nil {
		return nil, err
	}
	section, err := doc.Section(kind)
	if err != nil {
		return nil, err
	}
	w, ok := section[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return FromWire(w)
}

// FetchAll retrieves every record of a kind from the server.
func (c *Client) FetchAll(ctx context.Context, kind record.Kind) ([]*record.Record, error) {
	if kind == record.KindLayout {
		var wires []WireRecord
		if err := c.do(ctx, http.MethodGet, "/layouts", nil, &wires); err != nil {
			return nil, err
		}
		records := make([]*record.Record, 0, len(wires))
		for _, w := range wires {
			rec, err := FromWire(w)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		return records, nil
	}

	doc, err := c.fetchPreferences(ctx)
	if err != nil {
		return nil, err
	}
	section, err := doc.Section(kind)
	if err != nil {
		return nil, err
	}
	records := make([]*record.Record, 0, len(section))
	for _, w := range section {
		rec, err := FromWire(w)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Save writes a record to the server and returns the canonical server copy,
// including its server-assigned version.
func (c *Client) Save(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if rec.Kind == record.KindLayout {
		method, path := http.MethodPost, "/layouts"
		if rec.Version > 0 {
			method, path = http.MethodPut, "/layouts/"+url.PathEscape(rec.ID)
		}
		var w WireRecord
		if err := c.do(ctx, method, path, ToWire(rec), &w); err != nil {
			return nil, err
		}
		return FromWire(w)
	}

	// Panel states and filter presets live inside the preferences document:
	// read-modify-write the whole doc, then pick the canonical entry out of
	// the response.
	doc, err := c.fetchPreferences(ctx)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	if doc == nil {
		doc = NewPreferencesDoc()
	}
	section, err := doc.Section(rec.Kind)
	if err != nil {
		return nil, err
	}
	section[rec.ID] = ToWire(rec)

	var saved PreferencesDoc
	if err := c.do(ctx, http.MethodPut, "/user/preferences", doc, &saved); err != nil {
		return nil, err
	}
	savedSection, err := saved.Section(rec.Kind)
	if err != nil {
		return nil, err
	}
	w, ok := savedSection[rec.ID]
	if !ok {
		return nil, fmt.Errorf("%s %s missing from saved preferences: %w", rec.Kind, rec.ID, ErrNotFound)
	}
	return FromWire(w)
}

// Delete removes a record from the server. Server-side absence is not an
// error.
func (c *Client) Delete(ctx context.Context, kind record.Kind, id string) error {
	if kind == record.KindLayout {
		err := c.do(ctx, http.MethodDelete, "/layouts/"+url.PathEscape(id), nil, nil)
		if IsNotFound(err) {
			return nil
		}
		return err
	}

	doc, err := c.fetchPreferences(ctx)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	section, err := doc.Section(kind)
	if err != nil {
		return err
	}
	if _, ok := section[id]; !ok {
		return nil
	}
	delete(section, id)
	return c.do(ctx, http.MethodPut, "/user/preferences", doc, nil)
}

// ResetPreferences restores the server-side preferences to their defaults,
// dropping all panel states and filter presets.
func (c *Client) ResetPreferences(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/user/preferences/reset", nil, nil)
}

// fetchPreferences retrieves the whole preferences document.
func (c *Client) fetchPreferences(ctx context.Context) (*PreferencesDoc, error) {
	doc := NewPreferencesDoc()
	if err := c.do(ctx, http.MethodGet, "/user/preferences", nil, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// do performs one API call. Transport failures and non-2xx statuses surface
// as NetworkError, except 404 which maps to ErrNotFound.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	fullURL := c.base + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: encode request: %v", method, fullURL, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return &NetworkError{Op: method, URL: fullURL, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.cfg != nil {
		c.cfg.Log(1, "remote %s %s", method, fullURL)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: method, URL: fullURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, fullURL, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &NetworkError{Op: method, URL: fullURL, Status: resp.StatusCode}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: method, URL: fullURL, Err: fmt.Errorf("decode response: %v", err)}
	}
	return nil
}
