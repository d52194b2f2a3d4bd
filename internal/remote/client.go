// Package remote persists reports, dashboards and raw samples to an HTTP
// JSON backend.
//
// Transport errors and 408, 429 and 5xx responses are returned as
// retry.Transient so the compute and dashboard retry policies re-attempt
// them; every other failure is permanent.
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

	"github.com/banshee-data/emg.report/internal/dashboard"
	"github.com/banshee-data/emg.report/internal/httputil"
	"github.com/banshee-data/emg.report/internal/monitoring"
	"github.com/banshee-data/emg.report/internal/report"
	"github.com/banshee-data/emg.report/internal/retry"
	"github.com/banshee-data/emg.report/internal/samples"
)

var logf = monitoring.Component("remote")

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Client talks to the backend rooted at a base URL.
type Client struct {
	base  *url.URL
	http  httputil.HTTPClient
	token string
}

// New returns a client for baseURL. A nil c uses the default HTTP client.
func New(baseURL string, c httputil.HTTPClient) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", baseURL)
	}
	if c == nil {
		c = httputil.NewStandardClient(nil)
	}
	return &Client{base: u, http: c}, nil
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.JoinPath(escaped...).String()
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.Transient(fmt.Errorf("%s %s: %w", method, req.URL.Path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		serr := &StatusError{Method: method, Path: req.URL.Path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %w", report.ErrNotFound, serr)
		case resp.StatusCode == http.StatusRequestTimeout,
			resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= 500:
			return retry.Transient(serr)
		default:
			return serr
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Transient(fmt.Errorf("%s %s: decode response: %w", method, req.URL.Path, err))
	}
	return nil
}

// SubmitReport posts a report. The backend keys reports by set ID and
// answers a repeat with the original ID.
func (c *Client) SubmitReport(ctx context.Context, r *report.Report) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, c.url("reports"), r, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// LastReport returns the newest report for the trainee and exercise, or nil.
func (c *Client) LastReport(ctx context.Context, traineeID, exerciseID string) (*report.Report, error) {
	var out report.Report
	err := c.do(ctx, http.MethodGet, c.url("trainees", traineeID, "exercises", exerciseID, "last-report"), nil, &out)
	if errors.Is(err, report.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetReport fetches one report by ID.
func (c *Client) GetReport(ctx context.Context, id string) (*report.Report, error) {
	var out report.Report
	if err := c.do(ctx, http.MethodGet, c.url("reports", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnnotateReport sets weight and count on a stored report.
func (c *Client) AnnotateReport(ctx context.Context, id string, a report.Annotation) (*report.Report, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	var out report.Report
	if err := c.do(ctx, http.MethodPatch, c.url("reports", id), a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitDashboard posts a finished visit and returns its ordinal.
func (c *Client) SubmitDashboard(ctx context.Context, s *dashboard.Session) (int, error) {
	var out struct {
		Ordinal int `json:"ordinal"`
	}
	if err := c.do(ctx, http.MethodPost, c.url("dashboards"), s, &out); err != nil {
		return 0, err
	}
	if out.Ordinal < 1 {
		return 0, fmt.Errorf("dashboard %s: backend returned ordinal %d", s.ID, out.Ordinal)
	}
	logf("dashboard %s stored as #%d", s.ID, out.Ordinal)
	return out.Ordinal, nil
}

// SaveRawSamples uploads the frozen buffers of a set.
func (c *Client) SaveRawSamples(ctx context.Context, setID string, buffers samples.Frozen) error {
	return c.do(ctx, http.MethodPut, c.url("sets", setID, "raw"), buffers, nil)
}

// FetchRawSamples downloads the retained buffers of a set.
func (c *Client) FetchRawSamples(ctx context.Context, setID string) (samples.Frozen, error) {
	var out samples.Frozen
	if err := c.do(ctx, http.MethodGet, c.url("sets", setID, "raw"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClipSamples returns the retained samples of one clip captured in
// [from, to).
func (c *Client) ClipSamples(ctx context.Context, mac string, from, to time.Time) ([]samples.Sample, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339Nano))
	q.Set("to", to.UTC().Format(time.RFC3339Nano))
	var out []samples.Sample
	if err := c.do(ctx, http.MethodGet, c.url("clips", mac, "samples")+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
