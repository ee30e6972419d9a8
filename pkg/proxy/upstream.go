package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparqlkit/prewarm/pkg/errors"
)

// Upstream is one backend the proxy forwards to, with its own timeout.
type Upstream struct {
	id      int
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  zerolog.Logger
}

// Response is what an upstream answered: the raw body plus the headers the
// proxy preserves for the caller.
type Response struct {
	Body        []byte
	ContentType string
	StatusCode  int
}

// NewUpstream creates an upstream. The id distinguishes primary (1) from
// fallback (2) in logs.
func NewUpstream(id int, baseURL string, timeout time.Duration, logger zerolog.Logger) (*Upstream, error) {
	if baseURL == "" {
		return nil, errors.New(errors.CodeConfig, "upstream URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf(errors.CodeConfig, "invalid upstream URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Upstream{
		id:      id,
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Int("upstream", id).Logger(),
	}, nil
}

// Timeout returns the upstream's per-request timeout.
func (u *Upstream) Timeout() time.Duration {
	return u.timeout
}

// Fetch sends a GET request with the given raw query string to the upstream
// and returns the response. Timeouts and connection failures are classified
// into the usual taxonomy.
func (u *Upstream) Fetch(ctx context.Context, rawQuery string) (*Response, error) {
	requestURL := u.baseURL + "/?" + rawQuery
	u.logger.Debug().Str("request", truncate(requestURL, 80)).Msg("Sending GET request")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "cannot build request")
	}

	resp, err := u.client.Do(req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrapf(err, errors.CodeTimeout, "upstream %d timed out after %s", u.id, u.timeout)
		}
		var urlErr *url.Error
		if stderrors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, errors.Wrapf(err, errors.CodeTimeout, "upstream %d timed out after %s", u.id, u.timeout)
		}
		return nil, errors.Wrapf(err, errors.CodeTransport, "request to upstream %d failed", u.id)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeTransport, "reading response from upstream %d failed", u.id)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Newf(errors.CodeBackend, "upstream %d returned status %d", u.id, resp.StatusCode)
	}
	return &Response{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
