// Package backend implements the HTTP admin client for the query-serving
// engine: query submission with result pinning, cache clearing and cache
// statistics. All side effects are confined to network I/O.
package backend

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparqlkit/prewarm/pkg/errors"
)

// Commands understood by the backend's admin API.
const (
	cmdClearUnpinned = "clearcache"
	cmdClearAll      = "clearcachecomplete"
	cmdCacheStats    = "cachestats"
	cmdGetSettings   = "get-settings"
)

// Target identifies a backend for one run. Immutable.
type Target struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

// Validate checks the target and applies defaults.
func (t *Target) Validate() error {
	if t.BaseURL == "" {
		return errors.New(errors.CodeConfig, "backend URL is required")
	}
	u, err := url.Parse(t.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Newf(errors.CodeConfig, "invalid backend URL %q", t.BaseURL)
	}
	if t.Timeout <= 0 {
		t.Timeout = 30 * time.Second
	}
	return nil
}

// SubmitOptions controls query submission.
type SubmitOptions struct {
	// Pin instructs the backend to retain the result in cache indefinitely.
	Pin bool
	// SendLimit caps how many result rows are transferred. Zero means the
	// backend default. Warmup only needs the caching side effect, not the data.
	SendLimit int
}

// QueryResult is the outcome of a successful query submission.
type QueryResult struct {
	ResultSize int64
	Elapsed    time.Duration
}

// CacheStats holds the backend's cache statistics.
type CacheStats struct {
	NumEntries      int64
	NumPinned       int64
	SizeBytes       int64
	PinnedSizeBytes int64
}

// PredicateCount is one row of the triples-per-predicate report.
type PredicateCount struct {
	Predicate string
	Count     int64
}

// Client issues requests against a single backend target.
type Client struct {
	target     Target
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client for the given target.
func NewClient(target Target, logger zerolog.Logger) (*Client, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		target: target,
		httpClient: &http.Client{
			Timeout: target.Timeout,
		},
		logger: logger.With().Str("backend", target.BaseURL).Logger(),
	}, nil
}

// Target returns the client's backend target.
func (c *Client) Target() Target {
	return c.target
}

// queryResponse is the backend's structured payload: resultsize on success,
// exception on failure.
type queryResponse struct {
	ResultSize *int64 `json:"resultsize"`
	Exception  string `json:"exception"`
	Status     string `json:"status"`
}

// Submit issues a query. With opts.Pin the backend keeps the result cached
// across unpinned-clears; opts.SendLimit caps transferred rows.
func (c *Client) Submit(ctx context.Context, query string, opts SubmitOptions) (*QueryResult, error) {
	params := url.Values{}
	params.Set("query", query)
	if opts.Pin {
		params.Set("pinresult", "true")
	}
	if opts.SendLimit > 0 {
		params.Set("send", strconv.Itoa(opts.SendLimit))
	}

	start := time.Now()
	body, err := c.get(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	var resp queryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, errors.CodeParse, "malformed query response")
	}
	if resp.Exception != "" {
		return nil, errors.Newf(errors.CodeBackend, "backend exception: %s", resp.Exception)
	}
	if resp.ResultSize == nil {
		return nil, errors.New(errors.CodeParse, "query response carries neither resultsize nor exception")
	}

	c.logger.Debug().
		Int64("resultsize", *resp.ResultSize).
		Dur("elapsed", elapsed).
		Bool("pinned", opts.Pin).
		Msg("Query completed")

	return &QueryResult{ResultSize: *resp.ResultSize, Elapsed: elapsed}, nil
}

// ClearAll removes all cached results, including pinned ones.
func (c *Client) ClearAll(ctx context.Context) error {
	return c.command(ctx, cmdClearAll)
}

// ClearUnpinned removes only non-pinned cached results.
func (c *Client) ClearUnpinned(ctx context.Context) error {
	return c.command(ctx, cmdClearUnpinned)
}

func (c *Client) command(ctx context.Context, cmd string) error {
	params := url.Values{}
	params.Set("cmd", cmd)
	_, err := c.get(ctx, params)
	if err != nil {
		return err
	}
	c.logger.Info().Str("cmd", cmd).Msg("Cache command completed")
	return nil
}

// cacheStatsPayload matches the backend's cachestats response.
type cacheStatsPayload struct {
	NumNonPinnedEntries *int64 `json:"num-non-pinned-entries"`
	NumPinnedEntries    *int64 `json:"num-pinned-entries"`
	NonPinnedSize       *int64 `json:"non-pinned-size"`
	PinnedSize          *int64 `json:"pinned-size"`
}

// Stats fetches and parses the backend cache statistics.
func (c *Client) Stats(ctx context.Context) (*CacheStats, error) {
	params := url.Values{}
	params.Set("cmd", cmdCacheStats)
	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}

	var payload cacheStatsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, errors.CodeParse, "malformed cache statistics payload")
	}
	if payload.NumNonPinnedEntries == nil || payload.NumPinnedEntries == nil {
		return nil, errors.ErrMalformedStats
	}

	stats := &CacheStats{
		NumEntries: *payload.NumNonPinnedEntries + *payload.NumPinnedEntries,
		NumPinned:  *payload.NumPinnedEntries,
	}
	if payload.NonPinnedSize != nil {
		stats.SizeBytes = *payload.NonPinnedSize
	}
	if payload.PinnedSize != nil {
		stats.PinnedSizeBytes = *payload.PinnedSize
		stats.SizeBytes += *payload.PinnedSize
	}
	return stats, nil
}

// Settings fetches the backend's runtime settings as raw key/value pairs.
func (c *Client) Settings(ctx context.Context) (map[string]interface{}, error) {
	params := url.Values{}
	params.Set("cmd", cmdGetSettings)
	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}
	var settings map[string]interface{}
	if err := json.Unmarshal(body, &settings); err != nil {
		return nil, errors.Wrap(err, errors.CodeParse, "malformed settings payload")
	}
	return settings, nil
}

// countPredicatesQuery aggregates triples per predicate, most frequent first.
const countPredicatesQuery = `SELECT ?predicate (COUNT(?predicate) AS ?count) WHERE {
  ?subject ?predicate ?object
}
GROUP BY ?predicate
ORDER BY DESC(?count)`

// CountPredicates counts triples per predicate, returning up to limit rows
// in descending frequency order.
func (c *Client) CountPredicates(ctx context.Context, limit int) ([]PredicateCount, error) {
	params := url.Values{}
	params.Set("query", countPredicatesQuery)
	if limit > 0 {
		params.Set("send", strconv.Itoa(limit))
	}
	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		queryResponse
		Res [][]string `json:"res"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, errors.CodeParse, "malformed predicate count response")
	}
	if resp.Exception != "" {
		return nil, errors.Newf(errors.CodeBackend, "backend exception: %s", resp.Exception)
	}

	counts := make([]PredicateCount, 0, len(resp.Res))
	for _, row := range resp.Res {
		if len(row) < 2 {
			return nil, errors.New(errors.CodeParse, "predicate count row has fewer than two columns")
		}
		n, err := parseIntLiteral(row[1])
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeParse, "bad count literal %q", row[1])
		}
		counts = append(counts, PredicateCount{Predicate: row[0], Count: n})
	}
	return counts, nil
}

// parseIntLiteral parses a bare integer or a typed RDF literal such as
// "42"^^<http://www.w3.org/2001/XMLSchema#int>.
func parseIntLiteral(s string) (int64, error) {
	if i := strings.Index(s, "^^"); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, `"`)
	return strconv.ParseInt(s, 10, 64)
}

// get issues one GET request against the backend and returns the body.
// Errors are classified into the TIMEOUT / TRANSPORT_ERROR / BACKEND_ERROR
// taxonomy. Nothing is retried.
func (c *Client) get(ctx context.Context, params url.Values) ([]byte, error) {
	if c.target.AccessToken != "" {
		params.Set("access-token", c.target.AccessToken)
	}
	requestURL := c.target.BaseURL + "/?" + params.Encode()

	c.logger.Debug().Str("request", truncate(requestURL, 80)).Msg("Sending GET request")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "cannot build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyRequestError(err, c.target.Timeout)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyRequestError(err, c.target.Timeout)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Newf(errors.CodeBackend, "backend returned status %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", truncate(string(body), 200))
	}
	return body, nil
}

func classifyRequestError(err error, timeout time.Duration) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(err, errors.CodeTimeout, "request exceeded deadline of %s", timeout)
	}
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) && urlErr.Timeout() {
		return errors.Wrapf(err, errors.CodeTimeout, "request exceeded deadline of %s", timeout)
	}
	return errors.Wrap(err, errors.CodeTransport, "request to backend failed")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n-3])
}
